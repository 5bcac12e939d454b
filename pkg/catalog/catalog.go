// Package catalog is the registry of backup records. A Catalog handle
// allocates backup ids, serializes backups per instance, enforces that
// finished records never change, and answers the parent/child lookups used
// by restore and delete.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoWALGuard/pkg/fault"
	"github.com/supporttools/GoWALGuard/pkg/metrics"
	"github.com/supporttools/GoWALGuard/pkg/storage/local"
)

// Catalog errors.
var (
	// ErrImmutable is returned when changing a record that is already OK or ERROR.
	ErrImmutable = errors.New("backup record is finalized and cannot change")
	// ErrHasDependents is returned when deleting a backup other backups build on.
	ErrHasDependents = errors.New("backup has dependent backups")
	// ErrRunning is returned when deleting a backup that is still running.
	ErrRunning = errors.New("backup is running")
)

// Catalog is the handle every backup, restore and delete operation goes
// through.
type Catalog struct {
	store  RecordStore
	layout *local.Client
	logger logrus.FieldLogger

	mu    sync.Mutex
	locks map[string]*instanceLock
	now   func() time.Time
}

// New creates a catalog over a record store and backup directory layout.
func New(store RecordStore, layout *local.Client, logger logrus.FieldLogger) *Catalog {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Catalog{
		store:  store,
		layout: layout,
		logger: logger,
		locks:  make(map[string]*instanceLock),
		now:    time.Now,
	}
}

// Layout returns the backup directory layout.
func (c *Catalog) Layout() *local.Client {
	return c.layout
}

// FormatID renders a backup id from a creation time.
func FormatID(t time.Time) string {
	return strings.ToUpper(strconv.FormatInt(t.Unix(), 36))
}

// lessID orders ids by creation time.
func lessID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// Begin takes the instance lock, assigns a fresh id to b and saves it as
// RUNNING. The id is the creation time in base 36, bumped past the newest
// existing id when needed. Records left RUNNING by an interrupted process
// are finalized as ERROR first.
func (c *Catalog) Begin(b *Backup) error {
	if b.Instance == "" {
		return fault.Usagef("backup instance is not set")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, held := c.locks[b.Instance]; held {
		return fmt.Errorf("%w: %s", ErrLocked, b.Instance)
	}
	lock, err := acquireLock(c.layout.InstancePath(b.Instance))
	if err != nil {
		return err
	}

	existing, err := c.store.Load(b.Instance)
	if err != nil {
		lock.release()
		return err
	}
	var newest int64
	for _, old := range existing {
		if ts, err := strconv.ParseInt(old.ID, 36, 64); err == nil && ts > newest {
			newest = ts
		}
		if old.Status == StatusRunning {
			c.logger.Warnf("Backup %s was interrupted, marking it as ERROR", old.ID)
			end := c.now()
			old.Status = StatusError
			old.Error = "interrupted"
			old.EndTime = &end
			if err := c.store.Save(old); err != nil {
				lock.release()
				return err
			}
		}
	}

	// ids follow creation time and always sort after every existing id
	t := c.now()
	if t.Unix() <= newest {
		t = time.Unix(newest+1, 0)
	}
	b.ID = FormatID(t)
	b.Status = StatusRunning
	b.StartTime = c.now().UTC()
	b.EndTime = nil
	if err := c.store.Save(b); err != nil {
		lock.release()
		return err
	}
	c.locks[b.Instance] = lock
	return nil
}

// Update saves progress of a RUNNING backup.
func (c *Catalog) Update(b *Backup) error {
	stored, err := c.store.Get(b.Instance, b.ID)
	if err != nil {
		return err
	}
	if stored.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrImmutable, b.ID, stored.Status)
	}
	b.Status = StatusRunning
	return c.store.Save(b)
}

// Finalize moves a RUNNING backup to OK or ERROR and releases the instance
// lock. A finalized record is never written again.
func (c *Catalog) Finalize(b *Backup, status Status, cause error) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot finalize backup %s as %s", b.ID, status)
	}
	stored, err := c.store.Get(b.Instance, b.ID)
	if err != nil {
		return err
	}
	if stored.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrImmutable, b.ID, stored.Status)
	}

	prevStatus, prevEnd, prevError := b.Status, b.EndTime, b.Error
	end := c.now().UTC()
	b.Status = status
	b.EndTime = &end
	if cause != nil {
		b.Error = cause.Error()
	}
	saveErr := c.store.Save(b)
	if saveErr != nil {
		// b keeps matching the stored record
		b.Status, b.EndTime, b.Error = prevStatus, prevEnd, prevError
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if lock, ok := c.locks[b.Instance]; ok {
		delete(c.locks, b.Instance)
		if err := lock.release(); err != nil {
			c.logger.Warnf("Failed to release lock of instance %s: %v", b.Instance, err)
		}
	}
	return saveErr
}

// Get returns one backup record.
func (c *Catalog) Get(instance, id string) (*Backup, error) {
	return c.store.Get(instance, id)
}

// List returns the backups of an instance ordered by id, oldest first.
func (c *Catalog) List(instance string) ([]*Backup, error) {
	backups, err := c.store.Load(instance)
	if err != nil {
		return nil, err
	}
	sort.Slice(backups, func(i, j int) bool { return lessID(backups[i].ID, backups[j].ID) })
	return backups, nil
}

// Children returns the backups whose parent is id.
func (c *Catalog) Children(instance, id string) ([]*Backup, error) {
	backups, err := c.List(instance)
	if err != nil {
		return nil, err
	}
	var out []*Backup
	for _, b := range backups {
		if b.ParentID == id {
			out = append(out, b)
		}
	}
	return out, nil
}

// LatestOK returns the newest restorable backup of an instance.
func (c *Catalog) LatestOK(instance string) (*Backup, error) {
	backups, err := c.List(instance)
	if err != nil {
		return nil, err
	}
	for i := len(backups) - 1; i >= 0; i-- {
		if backups[i].Restorable() {
			return backups[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no valid backup of instance %s", ErrNotFound, instance)
}

// Chain returns the backups needed to restore id, from its FULL ancestor to
// id itself. Every member must exist and be OK.
func (c *Catalog) Chain(instance, id string) ([]*Backup, error) {
	var chain []*Backup
	seen := make(map[string]bool)
	next := id
	for {
		if seen[next] {
			return nil, fault.Broken(id, "parent chain loops back to backup %s", next)
		}
		seen[next] = true

		b, err := c.store.Get(instance, next)
		if errors.Is(err, ErrNotFound) {
			if next == id {
				return nil, fault.Broken(id, "backup does not exist")
			}
			return nil, fault.Broken(id, "parent backup %s is missing", next)
		}
		if err != nil {
			return nil, err
		}
		if !b.Restorable() {
			return nil, fault.Broken(id, "backup %s has status %s", b.ID, b.Status)
		}
		chain = append(chain, b)
		if b.Mode == ModeFull {
			break
		}
		if b.ParentID == "" {
			return nil, fault.Broken(id, "PAGE backup %s has no parent", b.ID)
		}
		next = b.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Delete removes a backup and its data. A backup with dependents is only
// removed with cascade, which deletes the descendants first, newest first.
// Failed descendants are not dependents and always go with the backup.
// It returns the ids removed.
func (c *Catalog) Delete(instance, id string, cascade bool) ([]string, error) {
	target, err := c.store.Get(instance, id)
	if err != nil {
		return nil, err
	}
	if target.Status == StatusRunning {
		return nil, fmt.Errorf("%w: %s", ErrRunning, id)
	}

	backups, err := c.List(instance)
	if err != nil {
		return nil, err
	}
	children := make(map[string][]*Backup)
	for _, b := range backups {
		if b.ParentID != "" {
			children[b.ParentID] = append(children[b.ParentID], b)
		}
	}

	var doomed []*Backup
	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range children[cur] {
			if seen[child.ID] {
				continue
			}
			seen[child.ID] = true
			if child.Status == StatusRunning {
				return nil, fmt.Errorf("%w: dependent %s", ErrRunning, child.ID)
			}
			doomed = append(doomed, child)
			queue = append(queue, child.ID)
		}
	}
	if !cascade {
		var ids []string
		for _, b := range doomed {
			if b.Status != StatusError {
				ids = append(ids, b.ID)
			}
		}
		if len(ids) > 0 {
			return nil, fmt.Errorf("%w: %s is parent of %s", ErrHasDependents, id, strings.Join(ids, ", "))
		}
	}

	sort.Slice(doomed, func(i, j int) bool { return lessID(doomed[j].ID, doomed[i].ID) })
	doomed = append(doomed, target)

	var removed []string
	for _, b := range doomed {
		if err := c.store.Remove(instance, b.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return removed, err
		}
		if err := c.layout.RemoveBackup(instance, b.ID); err != nil {
			return removed, err
		}
		metrics.BackupDeletes.WithLabelValues(instance).Inc()
		c.logger.Infof("Backup %s deleted", b.ID)
		removed = append(removed, b.ID)
	}
	return removed, nil
}
