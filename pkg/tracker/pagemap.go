package tracker

import (
	"path"
	"sort"
	"strconv"
	"strings"
)

// Pagemap maps a data file path to the set of changed blocks in that file.
// It also keeps the lowest truncation point seen for each relation: blocks
// at or past that point may have been zero-filled without a WAL record.
// Adding is idempotent and Union is commutative.
type Pagemap struct {
	files     map[string]map[uint32]struct{}
	truncated map[string]truncation
}

type truncation struct {
	nblocks      uint32
	relSegBlocks uint32
}

// NewPagemap returns an empty pagemap.
func NewPagemap() *Pagemap {
	return &Pagemap{
		files:     make(map[string]map[uint32]struct{}),
		truncated: make(map[string]truncation),
	}
}

// Add marks a block of file as changed.
func (p *Pagemap) Add(file string, block uint32) {
	blocks, ok := p.files[file]
	if !ok {
		blocks = make(map[uint32]struct{})
		p.files[file] = blocks
	}
	blocks[block] = struct{}{}
}

// AddRelationBlock marks a relation block as changed, mapping it to the
// relation segment file that holds it.
func (p *Pagemap) AddRelationBlock(relation string, block, relSegBlocks uint32) {
	file, inFile := RelationSegmentFile(relation, block, relSegBlocks)
	p.Add(file, inFile)
}

// AddRelationTruncate records that a relation was truncated to nblocks.
// Only the lowest point per relation is kept.
func (p *Pagemap) AddRelationTruncate(relation string, nblocks, relSegBlocks uint32) {
	if t, ok := p.truncated[relation]; ok && t.nblocks <= nblocks {
		return
	}
	p.truncated[relation] = truncation{nblocks: nblocks, relSegBlocks: relSegBlocks}
}

// TruncatedFrom returns the first block of file at or past a recorded
// truncation point of its relation. Every block from there to the current
// end of file counts as changed.
func (p *Pagemap) TruncatedFrom(file string) (uint32, bool) {
	relation, seg := splitSegmentFile(file)
	t, ok := p.truncated[relation]
	if !ok {
		return 0, false
	}
	start := uint64(seg) * uint64(t.relSegBlocks)
	switch {
	case uint64(t.nblocks) <= start:
		return 0, true
	case uint64(t.nblocks)-start >= uint64(t.relSegBlocks):
		return 0, false
	}
	return uint32(uint64(t.nblocks) - start), true
}

// Union adds every block and truncation point of other to p.
func (p *Pagemap) Union(other *Pagemap) {
	for file, blocks := range other.files {
		for b := range blocks {
			p.Add(file, b)
		}
	}
	for relation, t := range other.truncated {
		p.AddRelationTruncate(relation, t.nblocks, t.relSegBlocks)
	}
}

// Has reports whether file has any changed block or was truncated.
func (p *Pagemap) Has(file string) bool {
	if _, ok := p.files[file]; ok {
		return true
	}
	_, ok := p.TruncatedFrom(file)
	return ok
}

// Contains reports whether a block of file is marked as changed.
func (p *Pagemap) Contains(file string, block uint32) bool {
	_, ok := p.files[file][block]
	return ok
}

// Blocks returns the changed blocks of file in ascending order.
func (p *Pagemap) Blocks(file string) []uint32 {
	blocks := p.files[file]
	out := make([]uint32, 0, len(blocks))
	for b := range blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Files returns the files with changed blocks, sorted.
func (p *Pagemap) Files() []string {
	out := make([]string, 0, len(p.files))
	for f := range p.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Len returns the total number of changed blocks.
func (p *Pagemap) Len() int {
	n := 0
	for _, blocks := range p.files {
		n += len(blocks)
	}
	return n
}

// Equal reports whether both pagemaps hold the same files, blocks and
// truncation points.
func (p *Pagemap) Equal(other *Pagemap) bool {
	if len(p.files) != len(other.files) || len(p.truncated) != len(other.truncated) {
		return false
	}
	for relation, t := range p.truncated {
		if other.truncated[relation] != t {
			return false
		}
	}
	for file, blocks := range p.files {
		ob, ok := other.files[file]
		if !ok || len(ob) != len(blocks) {
			return false
		}
		for b := range blocks {
			if _, ok := ob[b]; !ok {
				return false
			}
		}
	}
	return true
}

// RelationSegmentFile maps a relation block number to the segment file of the
// relation and the block number inside that file. Segment 0 is the bare
// relation path, later segments get a ".N" suffix.
func RelationSegmentFile(relation string, block, relSegBlocks uint32) (string, uint32) {
	seg := block / relSegBlocks
	if seg == 0 {
		return relation, block
	}
	return relation + "." + strconv.FormatUint(uint64(seg), 10), block % relSegBlocks
}

// splitSegmentFile is the inverse of RelationSegmentFile.
func splitSegmentFile(file string) (string, uint32) {
	base := path.Base(file)
	i := strings.LastIndexByte(base, '.')
	if i < 0 {
		return file, 0
	}
	seg, err := strconv.ParseUint(base[i+1:], 10, 32)
	if err != nil {
		return file, 0
	}
	return strings.TrimSuffix(file, base[i:]), uint32(seg)
}
