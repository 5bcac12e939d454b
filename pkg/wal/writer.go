package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrRecordTooLarge is returned when a record cannot fit in an empty segment.
var ErrRecordTooLarge = errors.New("record does not fit in a WAL segment")

// CompleteFunc is called after a segment file is finished and synced.
type CompleteFunc func(path string, segno uint64) error

// WriterOptions configures a Writer.
type WriterOptions struct {
	Dir              string
	SegmentSize      uint64
	Timeline         uint32
	SystemIdentifier uint64
	// Insert is the position of the next record; zero starts at the first
	// record of segment 1.
	Insert     LSN
	OnComplete CompleteFunc
}

// Writer appends records to preallocated segment files in a directory.
type Writer struct {
	mu    sync.Mutex
	opts  WriterOptions
	file  *os.File
	segno uint64
	// insert is where the next record goes
	insert LSN
}

// NewWriter opens a writer. An existing segment at the insert position is
// reopened and appended to.
func NewWriter(opts WriterOptions) (*Writer, error) {
	if err := ValidateSegmentSize(opts.SegmentSize); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	insert := opts.Insert
	if insert == InvalidLSN {
		insert = FirstRecordLSN(1, opts.SegmentSize)
	}
	if insert.SegmentOffset(opts.SegmentSize) < SegmentHeaderSize {
		insert = FirstRecordLSN(insert.SegmentNo(opts.SegmentSize), opts.SegmentSize)
	}
	return &Writer{opts: opts, insert: insert}, nil
}

// SegmentSize returns the configured segment size.
func (w *Writer) SegmentSize() uint64 {
	return w.opts.SegmentSize
}

// InsertLSN returns the position the next record will be written at.
func (w *Writer) InsertLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.insert
}

// SegmentPath returns the path of segment segno in the writer directory.
func (w *Writer) SegmentPath(segno uint64) string {
	return filepath.Join(w.opts.Dir, SegmentName(w.opts.Timeline, segno, w.opts.SegmentSize))
}

// Append writes one record and returns its LSN.
func (w *Writer) Append(rmgr RmgrID, info uint8, payload []byte) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.append(rmgr, info, payload)
}

func (w *Writer) append(rmgr RmgrID, info uint8, payload []byte) (LSN, error) {
	size := uint64(AlignedSize(RecordHeaderSize + len(payload)))
	if size > w.opts.SegmentSize-SegmentHeaderSize {
		return InvalidLSN, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, size)
	}
	if w.insert.SegmentOffset(w.opts.SegmentSize)+size > w.opts.SegmentSize {
		if err := w.finishSegment(); err != nil {
			return InvalidLSN, err
		}
	}
	if err := w.openSegment(); err != nil {
		return InvalidLSN, err
	}
	at := w.insert
	buf := EncodeRecord(at, rmgr, info, payload)
	if _, err := w.file.WriteAt(buf, int64(at.SegmentOffset(w.opts.SegmentSize))); err != nil {
		return InvalidLSN, fmt.Errorf("failed to write WAL record at %s: %w", at, err)
	}
	w.insert += LSN(len(buf))
	if w.insert.SegmentOffset(w.opts.SegmentSize) == 0 {
		// The record filled the segment exactly.
		w.insert -= LSN(w.opts.SegmentSize)
		if err := w.finishSegment(); err != nil {
			return InvalidLSN, err
		}
	}
	return at, nil
}

// Switch writes a segment switch record and completes the current segment so
// it can be archived. It returns the LSN of the switch record.
func (w *Writer) Switch() (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	at, err := w.append(RmgrXLOG, InfoSwitch, nil)
	if err != nil {
		return InvalidLSN, err
	}
	if w.file != nil && w.segno == at.SegmentNo(w.opts.SegmentSize) {
		if err := w.finishSegment(); err != nil {
			return InvalidLSN, err
		}
	}
	return at, nil
}

// openSegment makes sure the segment holding the insert position is open.
func (w *Writer) openSegment() error {
	segno := w.insert.SegmentNo(w.opts.SegmentSize)
	if w.file != nil && w.segno == segno {
		return nil
	}
	path := w.SegmentPath(segno)
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err == nil {
		w.file, w.segno = f, segno
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to open WAL segment %s: %w", path, err)
	}

	f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create WAL segment %s: %w", path, err)
	}
	if err := f.Truncate(int64(w.opts.SegmentSize)); err != nil {
		f.Close()
		return fmt.Errorf("failed to preallocate WAL segment %s: %w", path, err)
	}
	header := SegmentHeader{
		SegmentSize:      uint32(w.opts.SegmentSize),
		Timeline:         w.opts.Timeline,
		SegmentNo:        segno,
		SystemIdentifier: w.opts.SystemIdentifier,
	}
	buf := make([]byte, SegmentHeaderSize)
	header.Encode(buf)
	if _, err := f.WriteAt(buf, 0); err != nil {
		f.Close()
		return fmt.Errorf("failed to write WAL segment header %s: %w", path, err)
	}
	w.file, w.segno = f, segno
	return nil
}

// finishSegment syncs and closes the open segment, moves the insert position
// to the next segment and runs the completion callback.
func (w *Writer) finishSegment() error {
	segno := w.insert.SegmentNo(w.opts.SegmentSize)
	if err := w.openSegment(); err != nil {
		return err
	}
	path := w.file.Name()
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		w.file = nil
		return fmt.Errorf("failed to sync WAL segment %s: %w", path, err)
	}
	if err := w.file.Close(); err != nil {
		w.file = nil
		return fmt.Errorf("failed to close WAL segment %s: %w", path, err)
	}
	w.file = nil
	w.insert = FirstRecordLSN(segno+1, w.opts.SegmentSize)
	if w.opts.OnComplete != nil {
		if err := w.opts.OnComplete(path, segno); err != nil {
			return fmt.Errorf("segment completion for %s failed: %w", path, err)
		}
	}
	return nil
}

// Close syncs and closes the open segment without completing it.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Sync()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	return err
}
