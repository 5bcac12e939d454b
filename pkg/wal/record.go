package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Record constants.
const (
	// RecordHeaderSize is the fixed size of the record header.
	// Layout:
	//   - Bytes 0-3:   CRC-32C of bytes 4-23 and the payload (uint32)
	//   - Bytes 4-7:   Total length, header plus payload (uint32)
	//   - Bytes 8-15:  LSN of the record itself (uint64)
	//   - Byte 16:     Resource manager (uint8)
	//   - Byte 17:     Info flags (uint8)
	//   - Bytes 18-23: Reserved
	RecordHeaderSize = 24

	// RecordAlign is the alignment of every record start.
	RecordAlign = 8
)

// RmgrID tags the resource manager that produced a record.
type RmgrID uint8

// Resource managers.
const (
	RmgrXLOG  RmgrID = 0
	RmgrSMGR  RmgrID = 1
	RmgrHeap  RmgrID = 10
	RmgrBtree RmgrID = 11
)

// String returns the resource manager name.
func (r RmgrID) String() string {
	switch r {
	case RmgrXLOG:
		return "XLOG"
	case RmgrSMGR:
		return "Storage"
	case RmgrHeap:
		return "Heap"
	case RmgrBtree:
		return "Btree"
	default:
		return fmt.Sprintf("Rmgr(%d)", uint8(r))
	}
}

// XLOG info codes.
const (
	InfoCheckpoint  uint8 = 0x00
	InfoNoop        uint8 = 0x20
	InfoSwitch      uint8 = 0x40
	InfoBackupStart uint8 = 0x50
	InfoBackupEnd   uint8 = 0x60
)

// SMGR info codes.
const (
	InfoCreate   uint8 = 0x10
	InfoTruncate uint8 = 0x20
)

// Heap and Btree info codes.
const (
	InfoInsert uint8 = 0x00
	InfoUpdate uint8 = 0x10
	InfoDelete uint8 = 0x20
	InfoVacuum uint8 = 0x30
)

// Record decoding errors.
var (
	ErrRecordChecksum = errors.New("incorrect resource manager data checksum")
	ErrRecordLength   = errors.New("invalid record length")
	ErrRecordLSN      = errors.New("record LSN does not match its position")
	ErrPayload        = errors.New("malformed record payload")
)

// Record is one decoded WAL record.
type Record struct {
	LSN      LSN
	Length   uint32 // header plus payload, unaligned
	Rmgr     RmgrID
	Info     uint8
	Payload  []byte
	Checksum uint32
}

// End returns the position right after the record, including alignment.
func (r *Record) End() LSN {
	return r.LSN + LSN(AlignedSize(int(r.Length)))
}

// AlignedSize rounds n up to RecordAlign.
func AlignedSize(n int) int {
	return (n + RecordAlign - 1) &^ (RecordAlign - 1)
}

// EncodeRecord serializes a record placed at lsn. The returned buffer is
// padded to the record alignment.
func EncodeRecord(lsn LSN, rmgr RmgrID, info uint8, payload []byte) []byte {
	total := RecordHeaderSize + len(payload)
	buf := make([]byte, AlignedSize(total))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(total))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(lsn))
	buf[16] = byte(rmgr)
	buf[17] = info
	copy(buf[RecordHeaderSize:], payload)
	binary.LittleEndian.PutUint32(buf[0:4], recordChecksum(buf[4:RecordHeaderSize], payload))
	return buf
}

// recordChecksum covers the header after the CRC field and the payload.
func recordChecksum(header, payload []byte) uint32 {
	crc := crc32.Update(0, castagnoli, header)
	return crc32.Update(crc, castagnoli, payload)
}

// BlockRef names one block touched by a record.
type BlockRef struct {
	Path  string // relation path relative to the data directory, e.g. "base/1/16384"
	Block uint32 // block number within the whole relation
}

// EncodeBlockRefs builds the payload of a block-modifying record.
func EncodeBlockRefs(refs []BlockRef) []byte {
	size := 2
	for _, ref := range refs {
		size += 2 + len(ref.Path) + 4
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(refs)))
	off := 2
	for _, ref := range refs {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(ref.Path)))
		off += 2
		off += copy(buf[off:], ref.Path)
		binary.LittleEndian.PutUint32(buf[off:], ref.Block)
		off += 4
	}
	return buf
}

// DecodeBlockRefs parses a payload written by EncodeBlockRefs.
func DecodeBlockRefs(payload []byte) ([]BlockRef, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: block reference count missing", ErrPayload)
	}
	count := int(binary.LittleEndian.Uint16(payload[0:2]))
	refs := make([]BlockRef, 0, count)
	off := 2
	for i := 0; i < count; i++ {
		if off+2 > len(payload) {
			return nil, fmt.Errorf("%w: block reference %d truncated", ErrPayload, i)
		}
		n := int(binary.LittleEndian.Uint16(payload[off:]))
		off += 2
		if off+n+4 > len(payload) {
			return nil, fmt.Errorf("%w: block reference %d truncated", ErrPayload, i)
		}
		path := string(payload[off : off+n])
		off += n
		refs = append(refs, BlockRef{Path: path, Block: binary.LittleEndian.Uint32(payload[off:])})
		off += 4
	}
	return refs, nil
}

// EncodeRelationTruncate builds the payload of an SMGR truncate record.
func EncodeRelationTruncate(path string, nblocks uint32) []byte {
	buf := make([]byte, 2+len(path)+4)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(path)))
	copy(buf[2:], path)
	binary.LittleEndian.PutUint32(buf[2+len(path):], nblocks)
	return buf
}

// DecodeRelationTruncate parses an SMGR truncate payload.
func DecodeRelationTruncate(payload []byte) (string, uint32, error) {
	if len(payload) < 2 {
		return "", 0, fmt.Errorf("%w: truncate path length missing", ErrPayload)
	}
	n := int(binary.LittleEndian.Uint16(payload[0:2]))
	if 2+n+4 > len(payload) {
		return "", 0, fmt.Errorf("%w: truncate record too short", ErrPayload)
	}
	return string(payload[2 : 2+n]), binary.LittleEndian.Uint32(payload[2+n:]), nil
}

// ModifiesBlocks reports whether the record payload carries block references.
func (r *Record) ModifiesBlocks() bool {
	return r.Rmgr == RmgrHeap || r.Rmgr == RmgrBtree
}

// BlockRefs returns the blocks touched by the record; nil for records that
// do not modify relation blocks.
func (r *Record) BlockRefs() ([]BlockRef, error) {
	if !r.ModifiesBlocks() {
		return nil, nil
	}
	return DecodeBlockRefs(r.Payload)
}
