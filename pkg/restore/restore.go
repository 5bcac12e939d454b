// Package restore materializes a backup chain into a data directory.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/supporttools/GoWALGuard/pkg/backup"
	"github.com/supporttools/GoWALGuard/pkg/catalog"
	"github.com/supporttools/GoWALGuard/pkg/fault"
	"github.com/supporttools/GoWALGuard/pkg/instance"
	"github.com/supporttools/GoWALGuard/pkg/metrics"
)

// RestoreOptions defines options for a restore operation
type RestoreOptions struct {
	Instance  string
	BackupID  string
	TargetDir string
	// TablespaceMap holds OLD=NEW entries relocating tablespaces.
	TablespaceMap []string
	Parallelism   int
}

// Engine restores backups recorded in a catalog
type Engine struct {
	catalog *catalog.Catalog
	logger  logrus.FieldLogger
}

// NewEngine creates a restore engine
func NewEngine(c *catalog.Catalog, logger logrus.FieldLogger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{catalog: c, logger: logger}
}

// Restore rebuilds the data directory of a backup in opts.TargetDir. The
// result is byte-identical to the source data directory at backup time,
// WAL contents excluded unless the backup was taken in STREAM mode.
func (e *Engine) Restore(ctx context.Context, opts RestoreOptions) error {
	startTime := time.Now()
	err := e.restore(ctx, opts)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RestoreCount.WithLabelValues(opts.Instance, status).Inc()
	if err == nil {
		metrics.RestoreDuration.WithLabelValues(opts.Instance).Observe(time.Since(startTime).Seconds())
	}
	return err
}

func (e *Engine) restore(ctx context.Context, opts RestoreOptions) error {
	if opts.Parallelism < 1 {
		return fault.Usagef("number of threads must be at least 1, got %d", opts.Parallelism)
	}
	if opts.BackupID == "" {
		return fault.Usagef("backup id is required")
	}
	if opts.TargetDir == "" {
		return fault.Usagef("restore destination is required")
	}
	targetDir, err := filepath.Abs(opts.TargetDir)
	if err != nil {
		return fault.Usagef("invalid restore destination %q: %v", opts.TargetDir, err)
	}
	mapping, err := ParseTablespaceMap(opts.TablespaceMap)
	if err != nil {
		return err
	}

	chain, err := e.catalog.Chain(opts.Instance, opts.BackupID)
	if err != nil {
		return err
	}
	target := chain[len(chain)-1]
	logger := e.logger.WithFields(logrus.Fields{"instance": opts.Instance, "backup": target.ID})
	for _, b := range chain {
		if b.BlockSize != target.BlockSize {
			return fault.Broken(target.ID, "backup %s has block size %d, expected %d", b.ID, b.BlockSize, target.BlockSize)
		}
	}

	locations, err := tablespaceLocations(target, mapping)
	if err != nil {
		return err
	}
	if err := checkEmptyDir(targetDir, "restore destination"); err != nil {
		return err
	}
	for _, loc := range locations {
		if err := checkEmptyDir(loc, "restore tablespace destination"); err != nil {
			return err
		}
	}

	logger.Infof("Restoring the database from backup %s, chain of %d backups", target.ID, len(chain))
	if err := e.layoutDirs(targetDir, target, locations); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallelism)
	for i := range target.Files {
		f := &target.Files[i]
		if f.IsDir {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return e.restoreFile(opts.Instance, chain, f, targetDir)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Infof("Restore of backup %s completed.", target.ID)
	return nil
}

// ParseTablespaceMap parses OLD=NEW entries. A literal '=' inside a path is
// written as "\=". Both directories must be absolute.
func ParseTablespaceMap(entries []string) (map[string]string, error) {
	mapping := make(map[string]string, len(entries))
	for _, entry := range entries {
		oldDir, newDir, ok := splitMapping(entry)
		if !ok {
			return nil, fault.Usagef("invalid tablespace mapping format \"%s\", must be \"OLDDIR=NEWDIR\"", entry)
		}
		if oldDir == "" || newDir == "" {
			return nil, fault.Usagef("invalid tablespace mapping format \"%s\", must be \"OLDDIR=NEWDIR\"", entry)
		}
		if !filepath.IsAbs(oldDir) {
			return nil, fault.Usagef("old directory is not an absolute path in tablespace mapping: %s", oldDir)
		}
		if !filepath.IsAbs(newDir) {
			return nil, fault.Usagef("new directory is not an absolute path in tablespace mapping: %s", newDir)
		}
		oldDir = filepath.Clean(oldDir)
		if _, dup := mapping[oldDir]; dup {
			return nil, fault.Usagef("tablespace directory %s is mapped more than once", oldDir)
		}
		mapping[oldDir] = filepath.Clean(newDir)
	}
	return mapping, nil
}

func splitMapping(entry string) (string, string, bool) {
	var oldDir strings.Builder
	for i := 0; i < len(entry); i++ {
		switch {
		case entry[i] == '\\' && i+1 < len(entry) && entry[i+1] == '=':
			oldDir.WriteByte('=')
			i++
		case entry[i] == '=':
			newDir := strings.ReplaceAll(entry[i+1:], `\=`, "=")
			if strings.Contains(strings.ReplaceAll(entry[i+1:], `\=`, ""), "=") {
				return "", "", false
			}
			return oldDir.String(), newDir, true
		default:
			oldDir.WriteByte(entry[i])
		}
	}
	return "", "", false
}

// tablespaceLocations returns the restore location of every tablespace of b
// keyed by OID. Every mapping entry must name a tablespace of b.
func tablespaceLocations(b *catalog.Backup, mapping map[string]string) (map[uint32]string, error) {
	known := make(map[string]bool, len(b.Tablespaces))
	locations := make(map[uint32]string, len(b.Tablespaces))
	for _, ts := range b.Tablespaces {
		loc := filepath.Clean(ts.Location)
		known[loc] = true
		if mapped, ok := mapping[loc]; ok {
			loc = mapped
		}
		locations[ts.OID] = loc
	}
	for oldDir := range mapping {
		if !known[oldDir] {
			return nil, fault.Tablespace(oldDir)
		}
	}
	return locations, nil
}

// checkEmptyDir accepts a missing or empty directory.
func checkEmptyDir(dir, what string) error {
	d, err := os.Open(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fault.IO(err, "open", dir)
	}
	defer d.Close()
	if _, err := d.Readdirnames(1); err == nil {
		return fault.Usagef("%s is not empty: \"%s\"", what, dir)
	} else if !errors.Is(err, io.EOF) {
		return fault.IO(err, "read", dir)
	}
	return nil
}

// layoutDirs creates the directory tree and the tablespace links.
func (e *Engine) layoutDirs(targetDir string, b *catalog.Backup, locations map[uint32]string) error {
	if err := os.MkdirAll(targetDir, 0o700); err != nil {
		return fault.IO(err, "create", targetDir)
	}
	if len(locations) > 0 {
		tsDir := filepath.Join(targetDir, instance.TablespaceDir)
		if err := os.MkdirAll(tsDir, 0o700); err != nil {
			return fault.IO(err, "create", tsDir)
		}
		for oid, loc := range locations {
			if err := os.MkdirAll(loc, 0o700); err != nil {
				return fault.IO(err, "create", loc)
			}
			link := filepath.Join(tsDir, strconv.FormatUint(uint64(oid), 10))
			if err := os.Symlink(loc, link); err != nil {
				return fault.IO(err, "link", link)
			}
			e.logger.Debugf("Tablespace %d restored to %s", oid, loc)
		}
	}

	// manifest entries are sorted, so parents come first
	for _, f := range b.Files {
		if !f.IsDir {
			continue
		}
		dir := filepath.Join(targetDir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(dir, os.FileMode(f.Mode)|0o700); err != nil {
			return fault.IO(err, "create", dir)
		}
	}
	return nil
}

// restoreFile rebuilds one file: the newest full copy in the chain, the
// block files of later backups applied in order, then the size and checksum
// of the target entry.
func (e *Engine) restoreFile(inst string, chain []*catalog.Backup, f *catalog.FileEntry, targetDir string) error {
	target := chain[len(chain)-1]
	base := -1
	for i := len(chain) - 1; i >= 0; i-- {
		m := chain[i].File(f.Path)
		if m == nil {
			break
		}
		if m.Storage == catalog.StorageFull {
			base = i
			break
		}
	}
	if base < 0 {
		return fault.Broken(target.ID, "no backup in the chain holds a full copy of file %s", f.Path)
	}

	dst := filepath.Join(targetDir, filepath.FromSlash(f.Path))
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return fault.IO(err, "create", filepath.Dir(dst))
	}
	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, os.FileMode(f.Mode)|0o600)
	if err != nil {
		return fault.IO(err, "create", dst)
	}
	defer out.Close()

	data, err := e.readStored(inst, chain[base], chain[base].File(f.Path))
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		return fault.IO(err, "write", dst)
	}

	for _, member := range chain[base+1:] {
		m := member.File(f.Path)
		if m.Storage != catalog.StorageBlocks {
			continue
		}
		stored, err := e.readStored(inst, member, m)
		if err != nil {
			return err
		}
		err = backup.DecodeBlocks(stored, member.BlockSize, func(blk uint32, block []byte) error {
			if _, err := out.WriteAt(block, int64(blk)*int64(member.BlockSize)); err != nil {
				return fault.IO(err, "write", dst)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to apply blocks of backup %s to %s: %w", member.ID, f.Path, err)
		}
	}

	if err := out.Truncate(f.Size); err != nil {
		return fault.IO(err, "truncate", dst)
	}
	if err := out.Close(); err != nil {
		return fault.IO(err, "close", dst)
	}

	restored, err := os.ReadFile(dst)
	if err != nil {
		return fault.IO(err, "read", dst)
	}
	if sum := backup.Checksum(restored); sum != f.Checksum {
		return fault.Inconsistent(dst, f.Checksum, sum)
	}
	if err := os.Chmod(dst, os.FileMode(f.Mode)); err != nil {
		return fault.IO(err, "chmod", dst)
	}
	return nil
}

// readStored reads the stored content of a manifest entry and checks it.
func (e *Engine) readStored(inst string, b *catalog.Backup, f *catalog.FileEntry) ([]byte, error) {
	p := filepath.Join(e.catalog.Layout().DataPath(inst, b.ID), filepath.FromSlash(f.Path))
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fault.Inconsistent(p, f.StoredChecksum, 0)
		}
		return nil, fault.IO(err, "read", p)
	}
	if sum := backup.Checksum(data); sum != f.StoredChecksum {
		return nil, fault.Inconsistent(p, f.StoredChecksum, sum)
	}
	return data, nil
}
