package restore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoWALGuard/pkg/archive"
	"github.com/supporttools/GoWALGuard/pkg/backup"
	"github.com/supporttools/GoWALGuard/pkg/catalog"
	"github.com/supporttools/GoWALGuard/pkg/fault"
	"github.com/supporttools/GoWALGuard/pkg/instance"
	"github.com/supporttools/GoWALGuard/pkg/logging"
	"github.com/supporttools/GoWALGuard/pkg/storage/local"
)

const (
	blockSize = 1024
	segSize   = 8 * 1024
	rel       = "base/1/16384"
)

type fixture struct {
	inst    *instance.Local
	catalog *catalog.Catalog
	exec    *backup.Executor
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	dataDir := filepath.Join(root, "data")
	archiveDir := filepath.Join(root, "wal")
	require.NoError(t, instance.Init(dataDir, instance.InitOptions{BlockSize: blockSize, RelSegBlocks: 4, SegmentSize: segSize}))
	inst, err := instance.Open(dataDir, instance.OpenOptions{ArchiveDir: archiveDir, Compression: archive.CompressionZstd, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close() })

	layout, err := local.NewClient(filepath.Join(root, "backups"))
	require.NoError(t, err)
	cat := catalog.New(catalog.NewFileStore(layout), layout, logging.Discard())
	v, err := archive.NewValidator(archive.Options{
		Dir:              archiveDir,
		SegmentSize:      segSize,
		SystemIdentifier: inst.SystemIdentifier(),
		Wait:             archive.WaitOptions{Timeout: 200 * time.Millisecond, InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond},
		Logger:           logging.Discard(),
	})
	require.NoError(t, err)
	exec, err := backup.NewExecutor(backup.Options{
		Instance:  "node",
		Source:    inst,
		Catalog:   cat,
		Validator: v,
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	return &fixture{inst: inst, catalog: cat, exec: exec, engine: NewEngine(cat, logging.Discard())}
}

func (f *fixture) backup(t *testing.T, mode catalog.Mode, threads int) *catalog.Backup {
	t.Helper()
	b, err := f.exec.RunBackup(context.Background(), backup.BackupOptions{Mode: mode, Parallelism: threads})
	require.NoError(t, err)
	return b
}

func (f *fixture) restore(t *testing.T, id string, threads int, mapping ...string) (string, error) {
	t.Helper()
	target := filepath.Join(t.TempDir(), "restored")
	err := f.engine.Restore(context.Background(), RestoreOptions{
		Instance:      "node",
		BackupID:      id,
		TargetDir:     target,
		TablespaceMap: mapping,
		Parallelism:   threads,
	})
	return target, err
}

func fill(c byte) []byte {
	return bytes.Repeat([]byte{c}, blockSize)
}

// snapshot returns the regular files of a data directory. The control file
// changes when a backup stops and WAL is not part of a backup, so both are
// left out.
func snapshot(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	files := make(map[string][]byte)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		r, _ := filepath.Rel(dir, p)
		r = filepath.ToSlash(r)
		if d.IsDir() && r == instance.WALDir {
			return fs.SkipDir
		}
		if !d.Type().IsRegular() || r == instance.ControlFile || r == instance.PidFile {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[r] = data
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestRoundTripFullAndPageChain(t *testing.T) {
	for _, threads := range []int{1, 4} {
		threads := threads
		t.Run(fmt.Sprintf("threads=%d", threads), func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.inst.CreateRelation(rel))
			for blk := uint32(0); blk < 10; blk++ {
				require.NoError(t, f.inst.WriteBlock(rel, blk, fill(byte('a'+blk))))
			}
			full := f.backup(t, catalog.ModeFull, threads)
			fullState := snapshot(t, f.inst.DataDir())

			require.NoError(t, f.inst.WriteBlock(rel, 1, fill('X')))
			require.NoError(t, f.inst.WriteBlock(rel, 9, fill('Y')))
			require.NoError(t, f.inst.CreateRelation("base/1/16385"))
			require.NoError(t, f.inst.WriteBlock("base/1/16385", 2, fill('N')))
			page1 := f.backup(t, catalog.ModePage, threads)
			page1State := snapshot(t, f.inst.DataDir())

			require.NoError(t, f.inst.WriteBlock(rel, 1, fill('Z')))
			require.NoError(t, f.inst.Truncate(rel, 6))
			page2 := f.backup(t, catalog.ModePage, threads)
			page2State := snapshot(t, f.inst.DataDir())
			assert.Equal(t, page1.ID, page2.ParentID)

			for _, tc := range []struct {
				id    string
				state map[string][]byte
			}{
				{full.ID, fullState},
				{page1.ID, page1State},
				{page2.ID, page2State},
			} {
				target, err := f.restore(t, tc.id, threads)
				require.NoError(t, err, tc.id)
				assert.Equal(t, tc.state, snapshot(t, target), tc.id)
			}
		})
	}
}

func TestRestoreTailTruncation(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.inst.CreateRelation(rel))
	for blk := uint32(0); blk < 8; blk++ {
		require.NoError(t, f.inst.WriteBlock(rel, blk, fill(byte('a'+blk))))
	}
	f.backup(t, catalog.ModeFull, 2)

	require.NoError(t, f.inst.WriteBlock(rel, 7, fill('!')))
	require.NoError(t, f.inst.Truncate(rel, 3))
	page := f.backup(t, catalog.ModePage, 2)

	target, err := f.restore(t, page.ID, 2)
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(target, rel))
	require.NoError(t, err)
	assert.Equal(t, int64(3*blockSize), info.Size())
	_, err = os.Stat(filepath.Join(target, rel+".1"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, snapshot(t, f.inst.DataDir()), snapshot(t, target))
}

func TestRestoreAfterTruncateAndExtend(t *testing.T) {
	for _, threads := range []int{1, 4} {
		threads := threads
		t.Run(fmt.Sprintf("threads=%d", threads), func(t *testing.T) {
			f := newFixture(t)
			const wide = "base/1/16390"
			require.NoError(t, f.inst.CreateRelation(rel))
			require.NoError(t, f.inst.CreateRelation(wide))
			for blk := uint32(0); blk < 4; blk++ {
				require.NoError(t, f.inst.WriteBlock(rel, blk, fill(byte('a'+blk))))
			}
			for blk := uint32(0); blk < 10; blk++ {
				require.NoError(t, f.inst.WriteBlock(wide, blk, fill(byte('k'+blk))))
			}
			f.backup(t, catalog.ModeFull, threads)

			// the gap blocks are zero-filled without a record of their own
			require.NoError(t, f.inst.Truncate(rel, 1))
			require.NoError(t, f.inst.WriteBlock(rel, 3, fill('z')))
			require.NoError(t, f.inst.Truncate(wide, 1))
			require.NoError(t, f.inst.WriteBlock(wide, 6, fill('w')))
			page := f.backup(t, catalog.ModePage, threads)
			require.Equal(t, catalog.StatusOK, page.Status)

			stored := page.File(rel)
			require.NotNil(t, stored)
			assert.Equal(t, catalog.StorageBlocks, stored.Storage)
			assert.Equal(t, []uint32{1, 2, 3}, stored.Blocks)

			target, err := f.restore(t, page.ID, threads)
			require.NoError(t, err)
			restored, err := os.ReadFile(filepath.Join(target, rel))
			require.NoError(t, err)
			assert.Equal(t, make([]byte, blockSize), restored[blockSize:2*blockSize])
			assert.Equal(t, snapshot(t, f.inst.DataDir()), snapshot(t, target))
		})
	}
}

func TestRestoreStreamBackupIncludesWAL(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.inst.CreateRelation(rel))
	require.NoError(t, f.inst.WriteBlock(rel, 0, fill('s')))
	b, err := f.exec.RunBackup(context.Background(), backup.BackupOptions{
		Mode:         catalog.ModeFull,
		Parallelism:  1,
		TransferMode: catalog.TransferStream,
	})
	require.NoError(t, err)

	target, err := f.restore(t, b.ID, 1)
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Join(target, instance.WALDir))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
	for _, e := range entries {
		info, err := e.Info()
		require.NoError(t, err)
		assert.Equal(t, int64(segSize), info.Size(), e.Name())
	}
}

func TestRestoreTablespaceMapping(t *testing.T) {
	f := newFixture(t)
	oldDir := filepath.Join(t.TempDir(), "ts_old")
	require.NoError(t, f.inst.CreateTablespace(16500, oldDir))
	tsRel := instance.TablespaceRelation(16500, 1, 16400)
	require.NoError(t, f.inst.CreateRelation(tsRel))
	require.NoError(t, f.inst.WriteBlock(tsRel, 0, fill('t')))
	b := f.backup(t, catalog.ModeFull, 4)

	newDir := filepath.Join(t.TempDir(), "ts_new")
	target, err := f.restore(t, b.ID, 4, oldDir+"="+newDir)
	require.NoError(t, err)

	link, err := os.Readlink(filepath.Join(target, instance.TablespaceDir, "16500"))
	require.NoError(t, err)
	assert.Equal(t, newDir, link)
	data, err := os.ReadFile(filepath.Join(newDir, instance.TablespaceSubdir, "1", "16400"))
	require.NoError(t, err)
	assert.Equal(t, fill('t'), data)

	// the original location still holds the tablespace
	_, err = f.restore(t, b.ID, 1)
	assert.ErrorIs(t, err, fault.ErrUsage)

	_, err = f.restore(t, b.ID, 1, "/no/such/tablespace="+filepath.Join(t.TempDir(), "x"))
	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, fault.UnknownTablespace, fe.Kind)
	assert.Contains(t, err.Error(), "doesn't have an entry in tablespace_map file")

	_, err = f.restore(t, b.ID, 1, "relative="+newDir)
	assert.ErrorIs(t, err, fault.ErrUsage)
}

func TestRestoreRejectsNonEmptyTarget(t *testing.T) {
	f := newFixture(t)
	b := f.backup(t, catalog.ModeFull, 1)

	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, "stray"), []byte("x"), 0o600))
	err := f.engine.Restore(context.Background(), RestoreOptions{Instance: "node", BackupID: b.ID, TargetDir: target, Parallelism: 1})
	assert.ErrorIs(t, err, fault.ErrUsage)
	assert.Contains(t, err.Error(), "not empty")
}

func TestRestoreDetectsTamperedBackup(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.inst.CreateRelation(rel))
	require.NoError(t, f.inst.WriteBlock(rel, 0, fill('a')))
	b := f.backup(t, catalog.ModeFull, 1)

	stored := filepath.Join(f.catalog.Layout().DataPath("node", b.ID), rel)
	data, err := os.ReadFile(stored)
	require.NoError(t, err)
	data[10] ^= 0xFF
	require.NoError(t, os.WriteFile(stored, data, 0o600))

	_, err = f.restore(t, b.ID, 2)
	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, fault.ConsistencyError, fe.Kind)
	assert.True(t, strings.HasSuffix(fe.Path, filepath.FromSlash(rel)))
}

func TestRestoreBrokenChain(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.inst.CreateRelation(rel))
	require.NoError(t, f.inst.WriteBlock(rel, 0, fill('a')))
	full := f.backup(t, catalog.ModeFull, 1)
	require.NoError(t, f.inst.WriteBlock(rel, 0, fill('b')))
	page := f.backup(t, catalog.ModePage, 1)

	require.NoError(t, os.Remove(f.catalog.Layout().RecordPath("node", full.ID)))
	_, err := f.restore(t, page.ID, 1)
	assert.ErrorIs(t, err, fault.ErrBrokenChain)

	_, err = f.restore(t, "MISSING", 1)
	assert.ErrorIs(t, err, fault.ErrBrokenChain)
}

func TestRestoreOptionValidation(t *testing.T) {
	f := newFixture(t)
	err := f.engine.Restore(context.Background(), RestoreOptions{Instance: "node", BackupID: "X", TargetDir: t.TempDir(), Parallelism: 0})
	assert.ErrorIs(t, err, fault.ErrUsage)
	err = f.engine.Restore(context.Background(), RestoreOptions{Instance: "node", TargetDir: t.TempDir(), Parallelism: 1})
	assert.ErrorIs(t, err, fault.ErrUsage)
}

func TestParseTablespaceMap(t *testing.T) {
	m, err := ParseTablespaceMap([]string{"/old/a=/new/a", `/old/with\=eq=/new/b/`})
	require.NoError(t, err)
	assert.Equal(t, "/new/a", m["/old/a"])
	assert.Equal(t, "/new/b", m["/old/with=eq"])

	for _, bad := range []string{"/old", "=/new", "/old=", "/a=/b=/c", "old=/new", "/old=new"} {
		_, err := ParseTablespaceMap([]string{bad})
		assert.ErrorIs(t, err, fault.ErrUsage, bad)
	}

	_, err = ParseTablespaceMap([]string{"/old=/a", "/old/=/b"})
	assert.ErrorIs(t, err, fault.ErrUsage)
}
