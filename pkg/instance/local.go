package instance

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoWALGuard/pkg/archive"
	"github.com/supporttools/GoWALGuard/pkg/fault"
	"github.com/supporttools/GoWALGuard/pkg/wal"
)

// Well-known paths inside a data directory.
const (
	ControlFile      = "global/pg_control"
	VersionFile      = "PG_VERSION"
	ConfigFile       = "postgresql.conf"
	PidFile          = "postmaster.pid"
	WALDir           = "pg_wal"
	TablespaceDir    = "pg_tblspc"
	TablespaceSubdir = "PG_1"

	DefaultBlockSize = 8192
)

// Control is the content of the control file.
type Control struct {
	SystemIdentifier uint64  `json:"system_identifier"`
	Timeline         uint32  `json:"timeline"`
	BlockSize        int     `json:"block_size"`
	RelSegBlocks     uint32  `json:"rel_seg_blocks"`
	SegmentSize      uint64  `json:"wal_segment_size"`
	InsertLSN        wal.LSN `json:"insert_lsn"`
}

// InitOptions configures a new data directory.
type InitOptions struct {
	BlockSize    int
	RelSegBlocks uint32
	SegmentSize  uint64
	Timeline     uint32
}

// OpenOptions configures a running Local instance.
type OpenOptions struct {
	// ArchiveDir receives completed WAL segments; empty disables archiving.
	ArchiveDir  string
	Compression archive.Compression
	Logger      logrus.FieldLogger
}

// Local is a file-backed instance. Every block write and truncation is logged
// to WAL before the data file changes.
type Local struct {
	mu      sync.Mutex
	dir     string
	control Control
	writer  *wal.Writer
	opts    OpenOptions
	logger  logrus.FieldLogger
}

// Init creates a data directory with a fresh system identifier.
func Init(dir string, opts InitOptions) error {
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BlockSize < 512 || opts.BlockSize > 32768 || opts.BlockSize&(opts.BlockSize-1) != 0 {
		return fault.Usagef("invalid block size %d", opts.BlockSize)
	}
	if opts.RelSegBlocks == 0 {
		opts.RelSegBlocks = 131072
	}
	if opts.SegmentSize == 0 {
		opts.SegmentSize = wal.DefaultSegmentSize
	}
	if err := wal.ValidateSegmentSize(opts.SegmentSize); err != nil {
		return fault.Usagef("%v", err)
	}
	if opts.Timeline == 0 {
		opts.Timeline = 1
	}

	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return fault.Usagef("data directory %s is not empty", dir)
	}
	for _, sub := range []string{"global", "base/1", WALDir, TablespaceDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return fault.IO(err, "create directory", filepath.Join(dir, sub))
		}
	}
	if err := os.WriteFile(filepath.Join(dir, VersionFile), []byte("1\n"), 0600); err != nil {
		return fault.IO(err, "write", VersionFile)
	}
	conf := fmt.Sprintf("block_size = %d\nwal_segment_size = %d\n", opts.BlockSize, opts.SegmentSize)
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(conf), 0600); err != nil {
		return fault.IO(err, "write", ConfigFile)
	}

	id := uuid.New()
	control := Control{
		SystemIdentifier: binary.BigEndian.Uint64(id[:8]),
		Timeline:         opts.Timeline,
		BlockSize:        opts.BlockSize,
		RelSegBlocks:     opts.RelSegBlocks,
		SegmentSize:      opts.SegmentSize,
		InsertLSN:        wal.FirstRecordLSN(1, opts.SegmentSize),
	}
	return writeControl(dir, control)
}

// ReadControl loads the control file of a data directory.
func ReadControl(dir string) (Control, error) {
	var c Control
	path := filepath.Join(dir, ControlFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fault.IO(err, "read", path)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("failed to parse control file %s: %w", path, err)
	}
	return c, nil
}

func writeControl(dir string, c Control) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode control file: %w", err)
	}
	path := filepath.Join(dir, ControlFile)
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fault.IO(err, "write", path)
	}
	return nil
}

// Open starts a Local instance on an initialized data directory.
func Open(dir string, opts OpenOptions) (*Local, error) {
	control, err := ReadControl(dir)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	l := &Local{dir: dir, control: control, opts: opts, logger: logger}

	l.writer, err = wal.NewWriter(wal.WriterOptions{
		Dir:              filepath.Join(dir, WALDir),
		SegmentSize:      control.SegmentSize,
		Timeline:         control.Timeline,
		SystemIdentifier: control.SystemIdentifier,
		Insert:           control.InsertLSN,
		OnComplete:       l.archiveSegment,
	})
	if err != nil {
		return nil, err
	}
	pid := fmt.Sprintf("%d\n%s\n", os.Getpid(), dir)
	if err := os.WriteFile(filepath.Join(dir, PidFile), []byte(pid), 0600); err != nil {
		return nil, fault.IO(err, "write", PidFile)
	}
	return l, nil
}

// archiveSegment is the completion hook of the WAL writer.
func (l *Local) archiveSegment(path string, segno uint64) error {
	if l.opts.ArchiveDir == "" {
		return nil
	}
	dst, err := archive.Push(path, l.opts.ArchiveDir, l.opts.Compression)
	if err != nil {
		return err
	}
	l.logger.Debugf("Archived WAL segment %s to %s", filepath.Base(path), dst)
	return nil
}

// Close flushes WAL, saves the control file and removes the pid file.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Close(); err != nil {
		return fault.IO(err, "close", WALDir)
	}
	if err := l.saveControl(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(l.dir, PidFile)); err != nil && !os.IsNotExist(err) {
		return fault.IO(err, "remove", PidFile)
	}
	return nil
}

func (l *Local) saveControl() error {
	l.control.InsertLSN = l.writer.InsertLSN()
	return writeControl(l.dir, l.control)
}

// SystemIdentifier implements Source.
func (l *Local) SystemIdentifier() uint64 { return l.control.SystemIdentifier }

// Timeline implements Source.
func (l *Local) Timeline() uint32 { return l.control.Timeline }

// DataDir implements Source.
func (l *Local) DataDir() string { return l.dir }

// BlockSize implements Source.
func (l *Local) BlockSize() int { return l.control.BlockSize }

// RelSegBlocks implements Source.
func (l *Local) RelSegBlocks() uint32 { return l.control.RelSegBlocks }

// SegmentSize implements Source.
func (l *Local) SegmentSize() uint64 { return l.control.SegmentSize }

// InsertLSN returns the position of the next WAL record.
func (l *Local) InsertLSN() wal.LSN { return l.writer.InsertLSN() }

// StartBackup implements Source.
func (l *Local) StartBackup(ctx context.Context, label string) (wal.LSN, error) {
	return l.marker(ctx, wal.InfoBackupStart, label)
}

// StopBackup implements Source.
func (l *Local) StopBackup(ctx context.Context) (wal.LSN, error) {
	return l.marker(ctx, wal.InfoBackupEnd, "")
}

func (l *Local) marker(ctx context.Context, info uint8, label string) (wal.LSN, error) {
	if err := ctx.Err(); err != nil {
		return wal.InvalidLSN, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lsn, err := l.writer.Append(wal.RmgrXLOG, info, []byte(label))
	if err != nil {
		return wal.InvalidLSN, err
	}
	if _, err := l.writer.Switch(); err != nil {
		return wal.InvalidLSN, err
	}
	if err := l.saveControl(); err != nil {
		return wal.InvalidLSN, err
	}
	return lsn, nil
}

// SwitchSegment completes the current WAL segment.
func (l *Local) SwitchSegment() (wal.LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lsn, err := l.writer.Switch()
	if err != nil {
		return wal.InvalidLSN, err
	}
	return lsn, l.saveControl()
}

// Checkpoint writes a checkpoint record.
func (l *Local) Checkpoint() (wal.LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lsn, err := l.writer.Append(wal.RmgrXLOG, wal.InfoCheckpoint, nil)
	if err != nil {
		return wal.InvalidLSN, err
	}
	return lsn, l.saveControl()
}

// segmentFile maps a relation block to its segment file path and block.
func (l *Local) segmentFile(rel string, block uint32) (string, uint32) {
	seg := block / l.control.RelSegBlocks
	name := rel
	if seg > 0 {
		name = rel + "." + strconv.FormatUint(uint64(seg), 10)
	}
	return filepath.Join(l.dir, filepath.FromSlash(name)), block % l.control.RelSegBlocks
}

// CreateRelation creates an empty relation file.
func (l *Local) CreateRelation(rel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Append(wal.RmgrSMGR, wal.InfoCreate, []byte(rel)); err != nil {
		return err
	}
	path, _ := l.segmentFile(rel, 0)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fault.IO(err, "create directory", filepath.Dir(path))
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fault.IO(err, "create", path)
	}
	return f.Close()
}

// WriteBlock logs and writes one block. Short data is zero padded; a block
// past the end of the relation extends it with zero blocks.
func (l *Local) WriteBlock(rel string, block uint32, data []byte) error {
	return l.WriteBlocks(rel, map[uint32][]byte{block: data})
}

// WriteBlocks logs one heap record referencing every block, then writes them.
func (l *Local) WriteBlocks(rel string, blocks map[uint32][]byte) error {
	bs := l.control.BlockSize
	nums := make([]uint32, 0, len(blocks))
	for b, data := range blocks {
		if len(data) > bs {
			return fault.Usagef("block %d of %s holds %d bytes, block size is %d", b, rel, len(data), bs)
		}
		nums = append(nums, b)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	l.mu.Lock()
	defer l.mu.Unlock()
	refs := make([]wal.BlockRef, 0, len(nums))
	for _, b := range nums {
		refs = append(refs, wal.BlockRef{Path: rel, Block: b})
	}
	if _, err := l.writer.Append(wal.RmgrHeap, wal.InfoInsert, wal.EncodeBlockRefs(refs)); err != nil {
		return err
	}

	for _, b := range nums {
		if err := l.extendSegments(rel, b); err != nil {
			return err
		}
		path, inFile := l.segmentFile(rel, b)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return fault.IO(err, "open", path)
		}
		buf := make([]byte, bs)
		copy(buf, blocks[b])
		if _, err := f.WriteAt(buf, int64(inFile)*int64(bs)); err != nil {
			f.Close()
			return fault.IO(err, "write", path)
		}
		if err := f.Close(); err != nil {
			return fault.IO(err, "close", path)
		}
	}
	return nil
}

// extendSegments zero-fills the segment files before the one holding block
// so a relation never has a short segment followed by a longer one.
func (l *Local) extendSegments(rel string, block uint32) error {
	full := int64(l.control.RelSegBlocks) * int64(l.control.BlockSize)
	for seg := uint32(0); seg < block/l.control.RelSegBlocks; seg++ {
		path, _ := l.segmentFile(rel, seg*l.control.RelSegBlocks)
		info, err := os.Stat(path)
		if err == nil && info.Size() >= full {
			continue
		}
		if err != nil && !os.IsNotExist(err) {
			return fault.IO(err, "stat", path)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return fault.IO(err, "open", path)
		}
		err = f.Truncate(full)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fault.IO(err, "extend", path)
		}
	}
	return nil
}

// ReadBlock returns one block of a relation.
func (l *Local) ReadBlock(rel string, block uint32) ([]byte, error) {
	path, inFile := l.segmentFile(rel, block)
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.IO(err, "open", path)
	}
	defer f.Close()
	buf := make([]byte, l.control.BlockSize)
	if _, err := f.ReadAt(buf, int64(inFile)*int64(l.control.BlockSize)); err != nil {
		return nil, fault.IO(err, "read", path)
	}
	return buf, nil
}

// NBlocks returns the number of blocks in a relation across its segments.
func (l *Local) NBlocks(rel string) (uint32, error) {
	var total uint32
	for seg := uint32(0); ; seg++ {
		path, _ := l.segmentFile(rel, seg*l.control.RelSegBlocks)
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return total, nil
		}
		if err != nil {
			return 0, fault.IO(err, "stat", path)
		}
		total += uint32(info.Size() / int64(l.control.BlockSize))
		if uint32(info.Size()/int64(l.control.BlockSize)) < l.control.RelSegBlocks {
			return total, nil
		}
	}
}

// Truncate logs and shortens a relation to nblocks, removing segment files
// past the new end.
func (l *Local) Truncate(rel string, nblocks uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Append(wal.RmgrSMGR, wal.InfoTruncate, wal.EncodeRelationTruncate(rel, nblocks)); err != nil {
		return err
	}
	keep := nblocks / l.control.RelSegBlocks
	path, inFile := l.segmentFile(rel, nblocks)
	if err := os.Truncate(path, int64(inFile)*int64(l.control.BlockSize)); err != nil && !os.IsNotExist(err) {
		return fault.IO(err, "truncate", path)
	}
	for seg := keep + 1; ; seg++ {
		extra, _ := l.segmentFile(rel, seg*l.control.RelSegBlocks)
		if err := os.Remove(extra); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fault.IO(err, "remove", extra)
		}
	}
}

// CreateTablespace creates a tablespace at location and links it from
// pg_tblspc/<oid>. Relations in it are addressed as
// "pg_tblspc/<oid>/PG_1/<db>/<relfilenode>".
func (l *Local) CreateTablespace(oid uint32, location string) error {
	if !filepath.IsAbs(location) {
		return fault.Usagef("tablespace location must be absolute: %s", location)
	}
	if err := os.MkdirAll(filepath.Join(location, TablespaceSubdir), 0700); err != nil {
		return fault.IO(err, "create directory", location)
	}
	link := filepath.Join(l.dir, TablespaceDir, strconv.FormatUint(uint64(oid), 10))
	if err := os.Symlink(location, link); err != nil {
		return fault.IO(err, "link", link)
	}
	return nil
}

// TablespaceRelation returns the relation path of relfilenode in database db
// inside tablespace oid.
func TablespaceRelation(oid, db, relfilenode uint32) string {
	return strings.Join([]string{TablespaceDir, strconv.FormatUint(uint64(oid), 10), TablespaceSubdir,
		strconv.FormatUint(uint64(db), 10), strconv.FormatUint(uint64(relfilenode), 10)}, "/")
}
