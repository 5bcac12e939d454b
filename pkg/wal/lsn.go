// Package wal defines the write-ahead log data model: log sequence numbers,
// segment naming, the segment and record binary layouts, and readers and
// writers for segment files.
package wal

import (
	"fmt"
	"strconv"
	"strings"
)

// LSN is a byte position in the WAL stream.
type LSN uint64

// InvalidLSN is the zero position, never assigned to a record.
const InvalidLSN LSN = 0

// String renders the LSN as high/low 32-bit halves in hex, e.g. "0/16B3740".
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// MarshalText implements encoding.TextMarshaler
func (l LSN) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (l *LSN) UnmarshalText(text []byte) error {
	parsed, err := ParseLSN(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLSN parses the "%X/%X" form produced by String.
func ParseLSN(s string) (LSN, error) {
	hi, lo, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return InvalidLSN, fmt.Errorf("invalid LSN %q: missing '/'", s)
	}
	h, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return InvalidLSN, fmt.Errorf("invalid LSN %q: %w", s, err)
	}
	l, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return InvalidLSN, fmt.Errorf("invalid LSN %q: %w", s, err)
	}
	return LSN(h<<32 | l), nil
}

// SegmentNo returns the number of the segment containing the LSN.
func (l LSN) SegmentNo(segmentSize uint64) uint64 {
	return uint64(l) / segmentSize
}

// SegmentOffset returns the byte offset of the LSN inside its segment.
func (l LSN) SegmentOffset(segmentSize uint64) uint64 {
	return uint64(l) % segmentSize
}

// SegmentStart returns the LSN of the first byte of segment segno.
func SegmentStart(segno, segmentSize uint64) LSN {
	return LSN(segno * segmentSize)
}
