package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/supporttools/GoWALGuard/pkg/storage/local"
)

// ErrNotFound is returned when a backup record does not exist.
var ErrNotFound = errors.New("backup not found")

// RecordStore persists backup records.
type RecordStore interface {
	// Load returns every record of an instance, in no particular order.
	Load(instance string) ([]*Backup, error)
	// Get returns one record or ErrNotFound.
	Get(instance, id string) (*Backup, error)
	// Save creates or replaces a record.
	Save(b *Backup) error
	// Remove deletes a record.
	Remove(instance, id string) error
}

// FileStore keeps each record as backup.json inside the backup directory.
type FileStore struct {
	mutex  sync.RWMutex
	layout *local.Client
}

// NewFileStore creates a file-backed record store.
func NewFileStore(layout *local.Client) *FileStore {
	return &FileStore{layout: layout}
}

// Load implements RecordStore.
func (s *FileStore) Load(instance string) ([]*Backup, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	entries, err := os.ReadDir(s.layout.InstancePath(instance))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list backups of %s: %w", instance, err)
	}
	var out []*Backup
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := s.read(instance, e.Name())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Get implements RecordStore.
func (s *FileStore) Get(instance, id string) (*Backup, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.read(instance, id)
}

func (s *FileStore) read(instance, id string) (*Backup, error) {
	path := s.layout.RecordPath(instance, id)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup record %s: %w", path, err)
	}
	var b Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backup record %s: %w", path, err)
	}
	return &b, nil
}

// Save implements RecordStore.
func (s *FileStore) Save(b *Backup) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup record: %w", err)
	}
	dir := s.layout.BackupPath(b.Instance, b.ID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory for backup record: %w", err)
	}
	if err := atomic.WriteFile(filepath.Join(dir, local.RecordFileName), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write backup record: %w", err)
	}
	return nil
}

// Remove implements RecordStore.
func (s *FileStore) Remove(instance, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	err := os.Remove(s.layout.RecordPath(instance, id))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to remove backup record %s: %w", id, err)
	}
	return nil
}
