package backup

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum is the CRC-32C used for manifest entries.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// EncodeBlocks builds a block file holding the listed blocks of data. Each
// block is stored as its little-endian uint32 number followed by blockSize
// bytes; a short final block is zero padded.
func EncodeBlocks(data []byte, blocks []uint32, blockSize int) []byte {
	out := make([]byte, 0, len(blocks)*(4+blockSize))
	for _, blk := range blocks {
		out = binary.LittleEndian.AppendUint32(out, blk)
		start := int(blk) * blockSize
		end := start + blockSize
		if end > len(data) {
			end = len(data)
		}
		chunk := make([]byte, blockSize)
		if start < end {
			copy(chunk, data[start:end])
		}
		out = append(out, chunk...)
	}
	return out
}

// DecodeBlocks calls fn for every block of a block file in stored order.
func DecodeBlocks(stored []byte, blockSize int, fn func(block uint32, data []byte) error) error {
	rec := 4 + blockSize
	if len(stored)%rec != 0 {
		return fmt.Errorf("block file size %d is not a multiple of %d", len(stored), rec)
	}
	for off := 0; off < len(stored); off += rec {
		blk := binary.LittleEndian.Uint32(stored[off:])
		if err := fn(blk, stored[off+4:off+rec]); err != nil {
			return err
		}
	}
	return nil
}
