package backup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/supporttools/GoWALGuard/pkg/catalog"
	"github.com/supporttools/GoWALGuard/pkg/fault"
	"github.com/supporttools/GoWALGuard/pkg/instance"
	"github.com/supporttools/GoWALGuard/pkg/tracker"
	"github.com/supporttools/GoWALGuard/pkg/wal"
)

var datafileName = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// isDatafile reports whether rel names a relation segment file.
func isDatafile(rel string) bool {
	switch strings.SplitN(rel, "/", 2)[0] {
	case "base", "global", instance.TablespaceDir:
	default:
		return false
	}
	return datafileName.MatchString(path.Base(rel))
}

// listFiles walks a data directory. Tablespace links under pg_tblspc are
// followed and reported; WAL contents and the pid file are skipped.
func listFiles(dataDir string) ([]catalog.FileEntry, []catalog.Tablespace, error) {
	var files []catalog.FileEntry
	var tablespaces []catalog.Tablespace

	var walk func(root, prefix string) error
	walk = func(root, prefix string) error {
		return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return fault.IO(err, "read", p)
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			name := filepath.ToSlash(rel)
			if prefix != "" {
				name = prefix + "/" + name
			}

			if name == instance.PidFile {
				return nil
			}
			if d.Type()&fs.ModeSymlink != 0 {
				if path.Dir(name) != instance.TablespaceDir {
					return nil
				}
				oid, err := strconv.ParseUint(path.Base(name), 10, 32)
				if err != nil {
					return nil
				}
				target, err := os.Readlink(p)
				if err != nil {
					return fault.IO(err, "read link", p)
				}
				if !filepath.IsAbs(target) {
					target = filepath.Join(filepath.Dir(p), target)
				}
				tablespaces = append(tablespaces, catalog.Tablespace{OID: uint32(oid), Location: target})
				return walk(target, name)
			}

			info, err := d.Info()
			if err != nil {
				return fault.IO(err, "stat", p)
			}
			entry := catalog.FileEntry{
				Path:  name,
				IsDir: d.IsDir(),
				Mode:  uint32(info.Mode().Perm()),
			}
			if !entry.IsDir {
				entry.Size = info.Size()
				entry.IsDatafile = isDatafile(name)
			}
			files = append(files, entry)
			if d.IsDir() && name == instance.WALDir {
				return fs.SkipDir
			}
			return nil
		})
	}

	if err := walk(dataDir, ""); err != nil {
		return nil, nil, err
	}
	sortEntries(files)
	sort.Slice(tablespaces, func(i, j int) bool { return tablespaces[i].OID < tablespaces[j].OID })
	return files, tablespaces, nil
}

func sortEntries(files []catalog.FileEntry) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
}

// copier stores the files of one backup.
type copier struct {
	srcDir    string
	destDir   string
	blockSize int
	// parent and pagemap are set for PAGE backups only
	parent  *catalog.Backup
	pagemap *tracker.Pagemap
}

// copyAll copies files on parallelism workers, filling in the stored
// fields of every entry. The first failure cancels the remaining copies.
func (c *copier) copyAll(ctx context.Context, files []catalog.FileEntry, parallelism int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i := range files {
		f := &files[i]
		if f.IsDir {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return c.copyFile(f)
		})
	}
	return g.Wait()
}

func (c *copier) copyFile(f *catalog.FileEntry) error {
	src := filepath.Join(c.srcDir, filepath.FromSlash(f.Path))
	data, err := os.ReadFile(src)
	if err != nil {
		return fault.IO(err, "read", src)
	}
	f.Size = int64(len(data))
	f.Checksum = Checksum(data)
	f.Storage = catalog.StorageFull

	stored := data
	if c.pagemap != nil && f.IsDatafile {
		// files the parent never saw are copied whole
		if prev := c.parent.File(f.Path); prev != nil && !prev.IsDir {
			blocks := c.changedBlocks(f.Path, len(data))
			if len(blocks) == 0 {
				f.Storage = catalog.StorageInherited
				return nil
			}
			f.Storage = catalog.StorageBlocks
			f.Blocks = blocks
			stored = EncodeBlocks(data, blocks, c.blockSize)
		}
	}

	dst := filepath.Join(c.destDir, filepath.FromSlash(f.Path))
	if err := writeStored(dst, stored); err != nil {
		return err
	}
	f.StoredSize = int64(len(stored))
	f.StoredChecksum = Checksum(stored)
	return nil
}

// changedBlocks returns the pagemap blocks of a file that still exist in a
// file of size bytes. Blocks past the end were truncated away. After a
// truncation every block from the truncation point on is stored, since
// re-extending the file zero-fills blocks that no record names.
func (c *copier) changedBlocks(file string, size int) []uint32 {
	nblocks := uint32((size + c.blockSize - 1) / c.blockSize)
	from, truncated := c.pagemap.TruncatedFrom(file)
	var out []uint32
	for _, blk := range c.pagemap.Blocks(file) {
		if truncated && blk >= from {
			break
		}
		if blk < nblocks {
			out = append(out, blk)
		}
	}
	if truncated {
		for blk := from; blk < nblocks; blk++ {
			out = append(out, blk)
		}
	}
	return out
}

func writeStored(dst string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return fault.IO(err, "create", filepath.Dir(dst))
	}
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return fault.IO(err, "write", dst)
	}
	return nil
}

// checkWAL verifies every archived segment between the start and stop LSN
// of b. STREAM backups also get a copy of those segments in pg_wal.
func (e *Executor) checkWAL(ctx context.Context, b *catalog.Backup, dest string, parallelism int) ([]catalog.FileEntry, error) {
	segSize := b.SegmentSize
	first, last := b.StartLSN.SegmentNo(segSize), b.StopLSN.SegmentNo(segSize)
	stream := b.TransferMode == catalog.TransferStream
	results := make([]*catalog.FileEntry, last-first+1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for segno := first; segno <= last; segno++ {
		segno := segno
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			waitLSN := wal.FirstRecordLSN(segno, segSize)
			switch segno {
			case last:
				waitLSN = b.StopLSN
			case first:
				waitLSN = b.StartLSN
			}
			// STREAM segments are read once: verified and copied together
			var data []byte
			var lastLSN wal.LSN
			var err error
			if stream {
				data, lastLSN, err = e.validator.Fetch(gctx, b.Timeline, segno, waitLSN)
			} else {
				lastLSN, err = e.validator.Scan(gctx, b.Timeline, segno, waitLSN, nil)
			}
			if err != nil {
				return err
			}
			if segno == last && lastLSN < b.StopLSN {
				e.logger.Warnf("could not read WAL record at %s", b.StopLSN)
				return fault.Unreached(e.validator.SegmentPath(b.Timeline, segno), b.StopLSN, lastLSN)
			}
			if !stream {
				return nil
			}

			rel := instance.WALDir + "/" + wal.SegmentName(b.Timeline, segno, segSize)
			if err := writeStored(filepath.Join(dest, filepath.FromSlash(rel)), data); err != nil {
				return err
			}
			sum := Checksum(data)
			results[segno-first] = &catalog.FileEntry{
				Path:           rel,
				Size:           int64(len(data)),
				Mode:           0o600,
				Checksum:       sum,
				Storage:        catalog.StorageFull,
				StoredSize:     int64(len(data)),
				StoredChecksum: sum,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var entries []catalog.FileEntry
	for _, r := range results {
		if r != nil {
			entries = append(entries, *r)
		}
	}
	return entries, nil
}

// verifyStored re-reads every stored file and compares it with the manifest.
func verifyStored(ctx context.Context, dest string, files []catalog.FileEntry, parallelism int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i := range files {
		f := &files[i]
		if f.IsDir || f.Inherited() {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p := filepath.Join(dest, filepath.FromSlash(f.Path))
			data, err := os.ReadFile(p)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return fault.Inconsistent(p, f.StoredChecksum, 0)
				}
				return fault.IO(err, "read", p)
			}
			if sum := Checksum(data); sum != f.StoredChecksum {
				return fault.Inconsistent(p, f.StoredChecksum, sum)
			}
			return nil
		})
	}
	return g.Wait()
}
