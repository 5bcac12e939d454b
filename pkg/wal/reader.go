package wal

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DecodeError reports a record that could not be decoded. Nothing at or
// after Offset may be trusted.
type DecodeError struct {
	Offset int64 // byte offset inside the segment file
	LSN    LSN   // position the record was expected at
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("record at %s (offset %d): %v", e.LSN, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// SegmentReader iterates the records of one in-memory segment.
type SegmentReader struct {
	data   []byte
	header SegmentHeader
	start  LSN
	pos    int
	last   LSN
}

// NewSegmentReader decodes the segment header and positions the reader at
// the first record.
func NewSegmentReader(data []byte) (*SegmentReader, error) {
	h, err := DecodeSegmentHeader(data)
	if err != nil {
		return nil, err
	}
	if err := ValidateSegmentSize(uint64(h.SegmentSize)); err != nil {
		return nil, err
	}
	if uint64(len(data)) != uint64(h.SegmentSize) {
		return nil, fmt.Errorf("%w: file holds %d bytes, header says %d", ErrSegmentSize, len(data), h.SegmentSize)
	}
	return &SegmentReader{
		data:   data,
		header: h,
		start:  SegmentStart(h.SegmentNo, uint64(h.SegmentSize)),
		pos:    SegmentHeaderSize,
	}, nil
}

// Header returns the decoded segment header.
func (r *SegmentReader) Header() SegmentHeader {
	return r.header
}

// LastLSN returns the LSN of the last record returned by Next, or
// InvalidLSN if none was returned yet.
func (r *SegmentReader) LastLSN() LSN {
	return r.last
}

// Next returns the next record, or io.EOF once the record stream of the
// segment ends. Any other error is a *DecodeError.
func (r *SegmentReader) Next() (*Record, error) {
	if r.pos+RecordHeaderSize > len(r.data) {
		return nil, io.EOF
	}
	at := r.start + LSN(r.pos)
	hdr := r.data[r.pos : r.pos+RecordHeaderSize]
	length := binary.LittleEndian.Uint32(hdr[4:8])
	if length == 0 {
		// End of records; everything after must be padding.
		for i := r.pos; i < len(r.data); i++ {
			if r.data[i] != 0 {
				return nil, r.fail(at, fmt.Errorf("%w: non-zero bytes after end of records", ErrRecordLength))
			}
		}
		r.pos = len(r.data)
		return nil, io.EOF
	}
	if length < RecordHeaderSize || uint64(r.pos)+uint64(length) > uint64(len(r.data)) {
		return nil, r.fail(at, fmt.Errorf("%w: %d", ErrRecordLength, length))
	}
	if lsn := LSN(binary.LittleEndian.Uint64(hdr[8:16])); lsn != at {
		return nil, r.fail(at, fmt.Errorf("%w: header says %s", ErrRecordLSN, lsn))
	}
	payload := r.data[r.pos+RecordHeaderSize : r.pos+int(length)]
	sum := binary.LittleEndian.Uint32(hdr[0:4])
	if recordChecksum(hdr[4:RecordHeaderSize], payload) != sum {
		return nil, r.fail(at, ErrRecordChecksum)
	}
	rec := &Record{
		LSN:      at,
		Length:   length,
		Rmgr:     RmgrID(hdr[16]),
		Info:     hdr[17],
		Payload:  payload,
		Checksum: sum,
	}
	r.pos += AlignedSize(int(length))
	r.last = at
	return rec, nil
}

func (r *SegmentReader) fail(at LSN, err error) error {
	r.pos = len(r.data)
	return &DecodeError{Offset: int64(at - r.start), LSN: at, Err: err}
}
