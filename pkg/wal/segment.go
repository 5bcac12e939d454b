package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
)

// Segment constants.
const (
	// SegmentMagic identifies a WAL segment file ("WALG").
	SegmentMagic uint32 = 0x57414C47

	// SegmentVersion is the on-disk format version written by this package.
	SegmentVersion uint16 = 1

	// SegmentHeaderSize is the fixed size of the segment header.
	// Layout:
	//   - Bytes 0-3:   Magic (uint32)
	//   - Bytes 4-5:   Version (uint16)
	//   - Bytes 6-7:   Reserved
	//   - Bytes 8-11:  Segment size (uint32)
	//   - Bytes 12-15: Timeline (uint32)
	//   - Bytes 16-23: Segment number (uint64)
	//   - Bytes 24-31: System identifier (uint64)
	//   - Bytes 32-35: CRC-32C of bytes 0-31 (uint32)
	//   - Bytes 36-39: Reserved
	SegmentHeaderSize = 40

	// DefaultSegmentSize matches the usual 16 MiB WAL segment.
	DefaultSegmentSize uint64 = 16 * 1024 * 1024

	// MinSegmentSize is the smallest accepted segment size.
	MinSegmentSize uint64 = 8 * 1024

	// MaxSegmentSize is the largest accepted segment size.
	MaxSegmentSize uint64 = 1024 * 1024 * 1024

	// SegmentNameLength is the length of a segment file name.
	SegmentNameLength = 24
)

// castagnoli is the CRC-32C table shared by segment and record checksums.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Segment header errors.
var (
	ErrShortHeader = errors.New("segment header is truncated")
	ErrBadMagic    = errors.New("invalid segment magic number")
	ErrBadVersion  = errors.New("unsupported segment version")
	ErrHeaderCRC   = errors.New("segment header checksum mismatch")
	ErrInvalidName = errors.New("invalid WAL segment file name")
	ErrSegmentSize = errors.New("invalid WAL segment size")
)

// SegmentHeader is the first block of every segment file.
type SegmentHeader struct {
	Version          uint16
	SegmentSize      uint32
	Timeline         uint32
	SegmentNo        uint64
	SystemIdentifier uint64
}

// ValidateSegmentSize checks that size is a power of two within the accepted range.
func ValidateSegmentSize(size uint64) error {
	if size < MinSegmentSize || size > MaxSegmentSize || size&(size-1) != 0 {
		return fmt.Errorf("%w: %d (must be a power of two between %d and %d)",
			ErrSegmentSize, size, MinSegmentSize, MaxSegmentSize)
	}
	return nil
}

// segmentsPerXLogID is how many segments share one middle name component.
func segmentsPerXLogID(segmentSize uint64) uint64 {
	return 0x100000000 / segmentSize
}

// SegmentName returns the file name of segment segno on timeline tli.
func SegmentName(tli uint32, segno, segmentSize uint64) string {
	per := segmentsPerXLogID(segmentSize)
	return fmt.Sprintf("%08X%08X%08X", tli, uint32(segno/per), uint32(segno%per))
}

// ParseSegmentName is the inverse of SegmentName.
func ParseSegmentName(name string, segmentSize uint64) (uint32, uint64, error) {
	if len(name) != SegmentNameLength {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	tli, err := strconv.ParseUint(name[0:8], 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	hi, err := strconv.ParseUint(name[8:16], 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	lo, err := strconv.ParseUint(name[16:24], 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	per := segmentsPerXLogID(segmentSize)
	if lo >= per {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return uint32(tli), hi*per + lo, nil
}

// Encode writes the header into buf, which must hold SegmentHeaderSize bytes.
func (h *SegmentHeader) Encode(buf []byte) {
	_ = buf[SegmentHeaderSize-1]
	for i := range buf[:SegmentHeaderSize] {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], SegmentMagic)
	binary.LittleEndian.PutUint16(buf[4:6], SegmentVersion)
	binary.LittleEndian.PutUint32(buf[8:12], h.SegmentSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.Timeline)
	binary.LittleEndian.PutUint64(buf[16:24], h.SegmentNo)
	binary.LittleEndian.PutUint64(buf[24:32], h.SystemIdentifier)
	binary.LittleEndian.PutUint32(buf[32:36], crc32.Checksum(buf[0:32], castagnoli))
}

// DecodeSegmentHeader parses and checksums the header at the start of buf.
func DecodeSegmentHeader(buf []byte) (SegmentHeader, error) {
	var h SegmentHeader
	if len(buf) < SegmentHeaderSize {
		return h, ErrShortHeader
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != SegmentMagic {
		return h, ErrBadMagic
	}
	if crc32.Checksum(buf[0:32], castagnoli) != binary.LittleEndian.Uint32(buf[32:36]) {
		return h, ErrHeaderCRC
	}
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	if h.Version != SegmentVersion {
		return h, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	h.SegmentSize = binary.LittleEndian.Uint32(buf[8:12])
	h.Timeline = binary.LittleEndian.Uint32(buf[12:16])
	h.SegmentNo = binary.LittleEndian.Uint64(buf[16:24])
	h.SystemIdentifier = binary.LittleEndian.Uint64(buf[24:32])
	return h, nil
}

// FirstRecordLSN returns the position of the first record in segment segno.
func FirstRecordLSN(segno, segmentSize uint64) LSN {
	return SegmentStart(segno, segmentSize) + SegmentHeaderSize
}
