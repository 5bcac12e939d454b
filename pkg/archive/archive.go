// Package archive reads and verifies WAL segments from an archive directory.
// Segments may be stored plain, gzip compressed (".gz") or zstandard
// compressed (".zst"). The validator only ever reads the archive.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoWALGuard/pkg/fault"
	"github.com/supporttools/GoWALGuard/pkg/metrics"
	"github.com/supporttools/GoWALGuard/pkg/wal"
)

// Compression identifies how a segment is stored in the archive.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// Suffix returns the file name suffix used for the compression.
func (c Compression) Suffix() string {
	switch c {
	case CompressionGzip:
		return ".gz"
	case CompressionZstd:
		return ".zst"
	default:
		return ""
	}
}

// ParseCompression maps a configuration value to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "gzip", "gz":
		return CompressionGzip, nil
	case "zstd", "zst":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unknown archive compression %q", s)
	}
}

// lookup order when locating a segment
var compressions = []Compression{CompressionNone, CompressionGzip, CompressionZstd}

// WaitOptions bounds the wait for a segment that is not archived yet.
type WaitOptions struct {
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultWaitOptions returns the wait policy used when none is configured.
func DefaultWaitOptions() WaitOptions {
	return WaitOptions{
		Timeout:         300 * time.Second,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Options configures a Validator.
type Options struct {
	Dir              string
	SegmentSize      uint64
	SystemIdentifier uint64
	Wait             WaitOptions
	Logger           logrus.FieldLogger
}

// Validator locates archived segments and checks that they are present,
// intact and produced by the expected instance.
type Validator struct {
	dir         string
	segmentSize uint64
	sysID       uint64
	wait        WaitOptions
	logger      logrus.FieldLogger
}

// NewValidator creates a validator for one instance's archive directory.
func NewValidator(opts Options) (*Validator, error) {
	if opts.Dir == "" {
		return nil, fault.Usagef("archive directory is not set")
	}
	if err := wal.ValidateSegmentSize(opts.SegmentSize); err != nil {
		return nil, fault.Usagef("%v", err)
	}
	if opts.Wait == (WaitOptions{}) {
		opts.Wait = DefaultWaitOptions()
	}
	if opts.Wait.InitialInterval <= 0 {
		opts.Wait.InitialInterval = DefaultWaitOptions().InitialInterval
	}
	if opts.Wait.MaxInterval < opts.Wait.InitialInterval {
		opts.Wait.MaxInterval = opts.Wait.InitialInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Validator{
		dir:         opts.Dir,
		segmentSize: opts.SegmentSize,
		sysID:       opts.SystemIdentifier,
		wait:        opts.Wait,
		logger:      logger,
	}, nil
}

// Dir returns the archive directory.
func (v *Validator) Dir() string {
	return v.dir
}

// SegmentSize returns the segment size of the archived WAL.
func (v *Validator) SegmentSize() uint64 {
	return v.segmentSize
}

// SegmentPath returns the uncompressed archive path of a segment. Diagnostics
// always name this path, whatever the stored form.
func (v *Validator) SegmentPath(tli uint32, segno uint64) string {
	return filepath.Join(v.dir, wal.SegmentName(tli, segno, v.segmentSize))
}

// locate returns the stored form of a segment, if any.
func (v *Validator) locate(tli uint32, segno uint64) (string, Compression, bool, error) {
	return storedForm(v.SegmentPath(tli, segno))
}

// storedForm finds the archived file of a segment in any supported form.
func storedForm(plain string) (string, Compression, bool, error) {
	for _, c := range compressions {
		path := plain + c.Suffix()
		info, err := os.Stat(path)
		if err == nil && info.Mode().IsRegular() {
			return path, c, true, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return "", CompressionNone, false, fault.IO(err, "stat", path)
		}
	}
	return "", CompressionNone, false, nil
}

// laterSegmentArchived reports whether the archive already holds the next
// segment of the timeline, in which case a missing segment will never arrive.
func (v *Validator) laterSegmentArchived(tli uint32, segno uint64) bool {
	_, _, ok, err := v.locate(tli, segno+1)
	return err == nil && ok
}

// waitFor returns the stored path of a segment, waiting for it to be
// archived when needed. lsn is the position the caller needs to read.
func (v *Validator) waitFor(ctx context.Context, tli uint32, segno uint64, lsn wal.LSN) (string, Compression, error) {
	path, c, ok, err := v.locate(tli, segno)
	if err != nil || ok {
		return path, c, err
	}

	plain := v.SegmentPath(tli, segno)
	v.logger.Infof("Wait for LSN %s in archived WAL segment %s", lsn, plain)
	started := time.Now()
	defer func() { metrics.ArchiveWaitDuration.Observe(time.Since(started).Seconds()) }()

	absent := func(timedOut bool) error {
		metrics.WALSegmentsRead.WithLabelValues("absent").Inc()
		v.logger.Warnf("could not read WAL record at %s", lsn)
		return fault.Absent(plain, lsn, timedOut)
	}

	if v.wait.Timeout <= 0 {
		return "", CompressionNone, absent(true)
	}

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(v.dir); err == nil {
			events, errs = watcher.Events, watcher.Errors
		} else {
			v.logger.Debugf("Archive watch on %s unavailable, polling only: %v", v.dir, err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = v.wait.InitialInterval
	b.MaxInterval = v.wait.MaxInterval
	b.MaxElapsedTime = v.wait.Timeout
	b.RandomizationFactor = 0
	b.Reset()

	for {
		if v.laterSegmentArchived(tli, segno) {
			return "", CompressionNone, absent(false)
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			return "", CompressionNone, absent(true)
		}
		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", CompressionNone, ctx.Err()
		case <-events:
		case err := <-errs:
			v.logger.Debugf("Archive watch error: %v", err)
		case <-timer.C:
		}
		timer.Stop()

		path, c, ok, err = v.locate(tli, segno)
		if err != nil || ok {
			return path, c, err
		}
	}
}

// read loads and decompresses a stored segment.
func (v *Validator) read(path string, c Compression, plain string, lsn wal.LSN) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			metrics.WALSegmentsRead.WithLabelValues("absent").Inc()
			v.logger.Warnf("could not read WAL record at %s", lsn)
			return nil, fault.Absent(plain, lsn, false)
		}
		return nil, fault.IO(err, "open", path)
	}
	defer f.Close()

	var r io.Reader = f
	switch c {
	case CompressionGzip:
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, v.corrupt(plain, 0, lsn, err)
		}
		defer zr.Close()
		r = zr
	case CompressionZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, v.corrupt(plain, 0, lsn, err)
		}
		defer zr.Close()
		r = zr
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, int64(wal.MaxSegmentSize)+1))
	if err != nil {
		if c == CompressionNone {
			return nil, fault.IO(err, "read", path)
		}
		return nil, v.corrupt(plain, n, lsn, err)
	}
	return buf.Bytes(), nil
}

func (v *Validator) corrupt(plain string, offset int64, lsn wal.LSN, cause error) error {
	metrics.WALSegmentsRead.WithLabelValues("corrupt").Inc()
	if errors.Is(cause, wal.ErrRecordChecksum) {
		v.logger.Warnf("could not read WAL record at %s: incorrect resource manager data checksum in record at %s", lsn, lsn)
	} else {
		v.logger.Warnf("could not read WAL record at %s: %v", lsn, cause)
	}
	return fault.Corrupt(plain, offset, lsn, cause)
}

func (v *Validator) alien(plain, field string, expected, found uint64) error {
	metrics.WALSegmentsRead.WithLabelValues("alien").Inc()
	return fault.Alien(plain, field, expected, found)
}

// open waits for, reads and identity-checks a segment.
func (v *Validator) open(ctx context.Context, tli uint32, segno uint64, lsn wal.LSN) (*wal.SegmentReader, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	plain := v.SegmentPath(tli, segno)
	if lsn == wal.InvalidLSN {
		lsn = wal.FirstRecordLSN(segno, v.segmentSize)
	}
	path, c, err := v.waitFor(ctx, tli, segno, lsn)
	if err != nil {
		return nil, nil, err
	}
	data, err := v.read(path, c, plain, lsn)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(data)) != v.segmentSize {
		start := wal.SegmentStart(segno, v.segmentSize)
		if len(data) >= wal.SegmentHeaderSize {
			if h, herr := wal.DecodeSegmentHeader(data); herr == nil && uint64(h.SegmentSize) != v.segmentSize {
				return nil, nil, v.alien(plain, "segment size", v.segmentSize, uint64(h.SegmentSize))
			}
		}
		return nil, nil, v.corrupt(plain, int64(len(data)), start,
			fmt.Errorf("segment holds %d bytes, expected %d", len(data), v.segmentSize))
	}

	reader, err := wal.NewSegmentReader(data)
	if err != nil {
		return nil, nil, v.corrupt(plain, 0, wal.SegmentStart(segno, v.segmentSize), err)
	}
	h := reader.Header()
	switch {
	case h.SystemIdentifier != v.sysID:
		return nil, nil, v.alien(plain, "system identifier", v.sysID, h.SystemIdentifier)
	case h.Timeline != tli:
		return nil, nil, v.alien(plain, "timeline", uint64(tli), uint64(h.Timeline))
	case h.SegmentNo != segno:
		return nil, nil, v.alien(plain, "segment number", segno, h.SegmentNo)
	}
	return reader, data, nil
}

// Scan verifies segment segno of timeline tli and passes every record to fn
// in LSN order. lsn is the position the caller is waiting for, used in
// diagnostics; zero means the first record of the segment. It returns the
// LSN of the last record in the segment.
func (v *Validator) Scan(ctx context.Context, tli uint32, segno uint64, lsn wal.LSN, fn func(*wal.Record) error) (wal.LSN, error) {
	reader, _, err := v.open(ctx, tli, segno, lsn)
	if err != nil {
		return wal.InvalidLSN, err
	}
	if err := v.walk(reader, v.SegmentPath(tli, segno), fn); err != nil {
		return reader.LastLSN(), err
	}
	metrics.WALSegmentsRead.WithLabelValues("ok").Inc()
	return reader.LastLSN(), nil
}

// Fetch verifies a segment and returns its uncompressed bytes together with
// the LSN of its last record.
func (v *Validator) Fetch(ctx context.Context, tli uint32, segno uint64, lsn wal.LSN) ([]byte, wal.LSN, error) {
	reader, data, err := v.open(ctx, tli, segno, lsn)
	if err != nil {
		return nil, wal.InvalidLSN, err
	}
	if err := v.walk(reader, v.SegmentPath(tli, segno), nil); err != nil {
		return nil, reader.LastLSN(), err
	}
	metrics.WALSegmentsRead.WithLabelValues("ok").Inc()
	return data, reader.LastLSN(), nil
}

func (v *Validator) walk(reader *wal.SegmentReader, plain string, fn func(*wal.Record) error) error {
	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var de *wal.DecodeError
			if errors.As(err, &de) {
				return v.corrupt(plain, de.Offset, de.LSN, de.Err)
			}
			return v.corrupt(plain, 0, reader.LastLSN(), err)
		}
		if fn != nil {
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
}
