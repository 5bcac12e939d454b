package local

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout(t *testing.T) {
	root := t.TempDir()
	c, err := NewClient(root)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "backups", "node"), c.InstancePath("node"))
	assert.Equal(t, filepath.Join(root, "backups", "node", "ABC", "database"), c.DataPath("node", "ABC"))
	assert.Equal(t, filepath.Join(root, "backups", "node", "ABC", "backup.json"), c.RecordPath("node", "ABC"))
	assert.Equal(t, filepath.Join(root, "wal", "node"), c.ArchivePath("node"))

	_, err = NewClient("")
	assert.Error(t, err)
}

func TestEnsureSizeAndRemove(t *testing.T) {
	c, err := NewClient(t.TempDir())
	require.NoError(t, err)

	dir, err := c.EnsureBackupPath("node", "ABC")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), make([]byte, 100), 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b"), make([]byte, 28), 0600))

	size, err := DirSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(128), size)

	require.NoError(t, c.RemoveBackup("node", "ABC"))
	_, err = os.Stat(c.BackupPath("node", "ABC"))
	assert.True(t, os.IsNotExist(err))
}

func TestInstances(t *testing.T) {
	c, err := NewClient(t.TempDir())
	require.NoError(t, err)

	names, err := c.Instances()
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = c.EnsureBackupPath("beta", "B1")
	require.NoError(t, err)
	_, err = c.EnsureBackupPath("alpha", "A1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(c.Root(), "backups", "stray"), nil, 0600))

	names, err = c.Instances()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)
}
