// Package backup implements FULL and PAGE physical backups of an instance.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoWALGuard/pkg/archive"
	"github.com/supporttools/GoWALGuard/pkg/catalog"
	"github.com/supporttools/GoWALGuard/pkg/fault"
	"github.com/supporttools/GoWALGuard/pkg/instance"
	"github.com/supporttools/GoWALGuard/pkg/metrics"
	"github.com/supporttools/GoWALGuard/pkg/storage/local"
	"github.com/supporttools/GoWALGuard/pkg/tracker"
	"github.com/supporttools/GoWALGuard/pkg/version"
)

// Uploader copies a finished backup to remote storage.
type Uploader interface {
	UploadBackup(ctx context.Context, b *catalog.Backup, dir string) error
}

// Options wires an Executor to its collaborators.
type Options struct {
	Instance  string
	Source    instance.Source
	Catalog   *catalog.Catalog
	Validator *archive.Validator
	// IdentityDB, when set, is a live server checked against the data
	// directory before a backup starts.
	IdentityDB *sql.DB
	// Uploader, when set, receives every backup that finished OK.
	Uploader Uploader
	Logger   logrus.FieldLogger
}

// BackupOptions defines options for a backup operation
type BackupOptions struct {
	Mode         catalog.Mode
	Parallelism  int
	TransferMode catalog.TransferMode
	// ParentID selects the parent of a PAGE backup; empty means the newest
	// OK backup of the instance.
	ParentID string
}

// Executor handles backup operations of one instance
type Executor struct {
	instance  string
	source    instance.Source
	catalog   *catalog.Catalog
	validator *archive.Validator
	tracker   *tracker.Tracker
	identity  *sql.DB
	uploader  Uploader
	logger    logrus.FieldLogger
}

// NewExecutor creates a backup executor
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Instance == "" {
		return nil, fault.Usagef("instance name is required")
	}
	if opts.Source == nil || opts.Catalog == nil || opts.Validator == nil {
		return nil, fmt.Errorf("backup executor for %s is missing a source, catalog or validator", opts.Instance)
	}
	if opts.Validator.SegmentSize() != opts.Source.SegmentSize() {
		return nil, fault.Usagef("archive segment size %d does not match instance segment size %d",
			opts.Validator.SegmentSize(), opts.Source.SegmentSize())
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("instance", opts.Instance)
	return &Executor{
		instance:  opts.Instance,
		source:    opts.Source,
		catalog:   opts.Catalog,
		validator: opts.Validator,
		tracker:   tracker.New(opts.Validator, opts.Source.RelSegBlocks(), logger),
		identity:  opts.IdentityDB,
		uploader:  opts.Uploader,
		logger:    logger,
	}, nil
}

// RunBackup takes one backup. The returned record is nil when the backup
// was rejected before a record was created; otherwise it is the finalized
// record, OK or ERROR. If the record could not be saved it is returned as
// RUNNING with the error, and the next backup of the instance marks it ERROR.
func (e *Executor) RunBackup(ctx context.Context, opts BackupOptions) (*catalog.Backup, error) {
	if opts.Parallelism < 1 {
		return nil, fault.Usagef("number of threads must be at least 1, got %d", opts.Parallelism)
	}
	if opts.Mode != catalog.ModeFull && opts.Mode != catalog.ModePage {
		return nil, fault.Usagef("invalid backup mode %q", opts.Mode)
	}
	if opts.TransferMode == "" {
		opts.TransferMode = catalog.TransferArchive
	}
	if opts.Mode == catalog.ModeFull && opts.ParentID != "" {
		return nil, fault.Usagef("a FULL backup has no parent")
	}

	if e.identity != nil {
		if err := instance.CheckIdentity(ctx, e.identity, e.source); err != nil {
			var mismatch *instance.IdentityMismatch
			if errors.As(err, &mismatch) {
				return nil, fault.Usagef("%v", err)
			}
			return nil, err
		}
	}

	var parent *catalog.Backup
	if opts.Mode == catalog.ModePage {
		var err error
		if parent, err = e.resolveParent(opts.ParentID); err != nil {
			return nil, err
		}
	}

	b := &catalog.Backup{
		Instance:         e.instance,
		Mode:             opts.Mode,
		TransferMode:     opts.TransferMode,
		Timeline:         e.source.Timeline(),
		SystemIdentifier: e.source.SystemIdentifier(),
		BlockSize:        e.source.BlockSize(),
		RelSegBlocks:     e.source.RelSegBlocks(),
		SegmentSize:      e.source.SegmentSize(),
		ProgramVersion:   version.Version,
	}
	if parent != nil {
		b.ParentID = parent.ID
	}
	if err := e.catalog.Begin(b); err != nil {
		return nil, err
	}

	startTime := time.Now()
	mode := string(b.Mode)
	logger := e.logger.WithField("backup", b.ID)
	logger.Infof("Backup start, backup ID: %s, backup mode: %s, threads: %d", b.ID, b.Mode, opts.Parallelism)

	if err := e.run(ctx, b, parent, opts.Parallelism, logger); err != nil {
		logger.Errorf("Backup %s failed: %v", b.ID, err)
		if ferr := e.catalog.Finalize(b, catalog.StatusError, err); ferr != nil {
			logger.Warnf("Failed to record failure of backup %s: %v", b.ID, ferr)
		}
		metrics.BackupCount.WithLabelValues(e.instance, mode, "error").Inc()
		return b, err
	}

	if err := e.catalog.Finalize(b, catalog.StatusOK, nil); err != nil {
		logger.Errorf("Failed to record completion of backup %s: %v", b.ID, err)
		metrics.BackupCount.WithLabelValues(e.instance, mode, "error").Inc()
		return b, err
	}

	duration := time.Since(startTime)
	metrics.BackupCount.WithLabelValues(e.instance, mode, "success").Inc()
	metrics.BackupDuration.WithLabelValues(e.instance, mode).Observe(duration.Seconds())
	metrics.BackupSize.WithLabelValues(e.instance, mode).Set(float64(b.DataBytes))
	metrics.LastBackupTimestamp.WithLabelValues(e.instance, mode).Set(float64(time.Now().Unix()))
	logger.Infof("Backup %s completed, %s stored in %s", b.ID, humanize.Bytes(uint64(b.DataBytes)), duration.Round(time.Millisecond))

	if e.uploader != nil {
		dir := e.catalog.Layout().BackupPath(b.Instance, b.ID)
		if err := e.uploader.UploadBackup(ctx, b, dir); err != nil {
			logger.Warnf("Failed to upload backup %s: %v", b.ID, err)
		}
	}
	return b, nil
}

// resolveParent picks and checks the parent of a PAGE backup.
func (e *Executor) resolveParent(id string) (*catalog.Backup, error) {
	var parent *catalog.Backup
	var err error
	if id == "" {
		parent, err = e.catalog.LatestOK(e.instance)
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, fault.Usagef("valid full backup on current timeline %d is not found, create new FULL backup before an incremental one", e.source.Timeline())
		}
	} else {
		parent, err = e.catalog.Get(e.instance, id)
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, fault.Usagef("parent backup %s does not exist", id)
		}
	}
	if err != nil {
		return nil, err
	}

	if !parent.Restorable() {
		return nil, fault.Usagef("parent backup %s has status %s", parent.ID, parent.Status)
	}
	if parent.SystemIdentifier != e.source.SystemIdentifier() {
		return nil, fault.Usagef("parent backup %s belongs to system %d, instance is %d",
			parent.ID, parent.SystemIdentifier, e.source.SystemIdentifier())
	}
	if parent.Timeline != e.source.Timeline() {
		return nil, fault.Usagef("parent backup %s is on timeline %d, instance is on timeline %d",
			parent.ID, parent.Timeline, e.source.Timeline())
	}
	if parent.BlockSize != e.source.BlockSize() || parent.RelSegBlocks != e.source.RelSegBlocks() {
		return nil, fault.Usagef("parent backup %s was taken with a different block layout", parent.ID)
	}
	if _, err := e.catalog.Chain(e.instance, parent.ID); err != nil {
		return nil, err
	}
	return parent, nil
}

// run does the work between Begin and Finalize.
func (e *Executor) run(ctx context.Context, b, parent *catalog.Backup, parallelism int, logger logrus.FieldLogger) error {
	start, err := e.source.StartBackup(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("failed to start backup: %w", err)
	}
	b.StartLSN = start
	if err := e.catalog.Update(b); err != nil {
		return err
	}
	logger.Debugf("Backup start LSN %s", start)

	var pagemap *tracker.Pagemap
	if b.Mode == catalog.ModePage {
		logger.Infof("Parent backup: %s", parent.ID)
		pagemap, err = e.tracker.ComputeChangedBlocks(ctx, parent.StartLSN, start, b.Timeline, parallelism)
		if err != nil {
			return err
		}
		metrics.ChangedBlocks.WithLabelValues(e.instance).Set(float64(pagemap.Len()))
	}

	dest, err := e.catalog.Layout().EnsureBackupPath(b.Instance, b.ID)
	if err != nil {
		return fault.IO(err, "create", e.catalog.Layout().DataPath(b.Instance, b.ID))
	}

	files, tablespaces, err := listFiles(e.source.DataDir())
	if err != nil {
		return err
	}
	b.Tablespaces = tablespaces
	logger.Infof("Start transferring data files, %d entries", len(files))

	c := &copier{
		srcDir:    e.source.DataDir(),
		destDir:   dest,
		blockSize: b.BlockSize,
		parent:    parent,
		pagemap:   pagemap,
	}
	if err := c.copyAll(ctx, files, parallelism); err != nil {
		return err
	}

	stop, err := e.source.StopBackup(ctx)
	if err != nil {
		return fmt.Errorf("failed to stop backup: %w", err)
	}
	b.StopLSN = stop
	logger.Debugf("Backup stop LSN %s", stop)

	walFiles, err := e.checkWAL(ctx, b, dest, parallelism)
	if err != nil {
		return err
	}
	files = append(files, walFiles...)
	sortEntries(files)
	b.Files = files

	logger.Infof("Validating backup %s", b.ID)
	if err := verifyStored(ctx, dest, b.Files, parallelism); err != nil {
		return err
	}

	size, err := local.DirSize(dest)
	if err != nil {
		return fault.IO(err, "size", dest)
	}
	b.DataBytes = size
	return nil
}
