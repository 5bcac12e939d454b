// Package local handles the on-disk layout of the backup directory.
package local

import (
	"fmt"
	"os"
	"path/filepath"
)

// Directory names inside a backup directory.
const (
	backupsDir = "backups"
	walDir     = "wal"
	// DataDirName holds the copied data directory of one backup.
	DataDirName = "database"
	// RecordFileName is the backup record stored next to the data.
	RecordFileName = "backup.json"
)

// Client resolves paths in a backup directory:
//
//	<root>/backups/<instance>/<backup id>/backup.json
//	<root>/backups/<instance>/<backup id>/database/...
//	<root>/wal/<instance>/<segment>
type Client struct {
	root string
}

// NewClient creates a client rooted at the backup directory.
func NewClient(root string) (*Client, error) {
	if root == "" {
		return nil, fmt.Errorf("backup directory is not set")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve backup directory %s: %w", root, err)
	}
	return &Client{root: abs}, nil
}

// Root returns the backup directory.
func (c *Client) Root() string {
	return c.root
}

// InstancePath returns the directory holding all backups of an instance.
func (c *Client) InstancePath(instance string) string {
	return filepath.Join(c.root, backupsDir, instance)
}

// Instances returns the names of instances that have a backup directory.
func (c *Client) Instances() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.root, backupsDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list instances in %s: %w", c.root, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// BackupPath returns the directory of one backup.
func (c *Client) BackupPath(instance, id string) string {
	return filepath.Join(c.InstancePath(instance), id)
}

// DataPath returns the copied data directory of one backup.
func (c *Client) DataPath(instance, id string) string {
	return filepath.Join(c.BackupPath(instance, id), DataDirName)
}

// RecordPath returns the backup record file of one backup.
func (c *Client) RecordPath(instance, id string) string {
	return filepath.Join(c.BackupPath(instance, id), RecordFileName)
}

// ArchivePath returns the default WAL archive directory of an instance.
func (c *Client) ArchivePath(instance string) string {
	return filepath.Join(c.root, walDir, instance)
}

// EnsureBackupPath creates the data directory of a backup.
func (c *Client) EnsureBackupPath(instance, id string) (string, error) {
	dir := c.DataPath(instance, id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create backup directory %s: %w", dir, err)
	}
	return dir, nil
}

// RemoveBackup deletes the directory of a backup and everything in it.
func (c *Client) RemoveBackup(instance, id string) error {
	dir := c.BackupPath(instance, id)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove backup directory %s: %w", dir, err)
	}
	return nil
}

// DirSize returns the total size of regular files below dir.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to size %s: %w", dir, err)
	}
	return total, nil
}
