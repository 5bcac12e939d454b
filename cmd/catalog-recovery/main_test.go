package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoWALGuard/pkg/catalog"
	"github.com/supporttools/GoWALGuard/pkg/logging"
	"github.com/supporttools/GoWALGuard/pkg/storage/local"
)

func newStore(t *testing.T) *catalog.FileStore {
	t.Helper()
	layout, err := local.NewClient(t.TempDir())
	require.NoError(t, err)
	return catalog.NewFileStore(layout)
}

func seed(t *testing.T, s catalog.RecordStore, inst string, records ...*catalog.Backup) {
	t.Helper()
	for _, b := range records {
		b.Instance = inst
		b.StartTime = time.Date(2025, 5, 23, 12, 0, 0, 0, time.UTC)
		require.NoError(t, s.Save(b))
	}
}

func TestRecoverInstance(t *testing.T) {
	src, dst := newStore(t), newStore(t)
	seed(t, src, "node",
		&catalog.Backup{ID: "A", Mode: catalog.ModeFull, Status: catalog.StatusOK, DataBytes: 100},
		&catalog.Backup{ID: "B", Mode: catalog.ModePage, ParentID: "A", Status: catalog.StatusOK, DataBytes: 20},
		&catalog.Backup{ID: "C", Mode: catalog.ModePage, ParentID: "B", Status: catalog.StatusRunning},
	)

	stats, err := recoverInstance(src, dst, "node", recoveryOptions{}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, recoveryStats{Scanned: 3, Recovered: 3, Interrupted: 1, DataBytes: 120}, stats)

	got, err := dst.Load("node")
	require.NoError(t, err)
	require.Len(t, got, 3)

	c, err := dst.Get("node", "C")
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusError, c.Status)
	assert.Equal(t, "interrupted", c.Error)

	b, err := dst.Get("node", "B")
	require.NoError(t, err)
	assert.Equal(t, "A", b.ParentID)
}

func TestRecoverInstanceSkipsExisting(t *testing.T) {
	src, dst := newStore(t), newStore(t)
	seed(t, src, "node", &catalog.Backup{ID: "A", Mode: catalog.ModeFull, Status: catalog.StatusOK, DataBytes: 100})
	seed(t, dst, "node", &catalog.Backup{ID: "A", Mode: catalog.ModeFull, Status: catalog.StatusOK, DataBytes: 1})

	stats, err := recoverInstance(src, dst, "node", recoveryOptions{}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Recovered)
	existing, err := dst.Get("node", "A")
	require.NoError(t, err)
	assert.Equal(t, int64(1), existing.DataBytes)

	stats, err = recoverInstance(src, dst, "node", recoveryOptions{Force: true}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Recovered)
	existing, err = dst.Get("node", "A")
	require.NoError(t, err)
	assert.Equal(t, int64(100), existing.DataBytes)
}

func TestRecoverCatalogDryRun(t *testing.T) {
	src, dst := newStore(t), newStore(t)
	seed(t, src, "alpha", &catalog.Backup{ID: "A", Mode: catalog.ModeFull, Status: catalog.StatusOK})
	seed(t, src, "beta", &catalog.Backup{ID: "B", Mode: catalog.ModeFull, Status: catalog.StatusOK})

	stats, err := recoverCatalog(src, dst, []string{"alpha", "beta", "empty"}, recoveryOptions{DryRun: true}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 2, stats.Recovered)

	for _, inst := range []string{"alpha", "beta"} {
		got, err := dst.Load(inst)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
}
