// Package tracker computes the set of data blocks changed within a WAL range
// by scanning archived segments with a pool of workers.
package tracker

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/supporttools/GoWALGuard/pkg/fault"
	"github.com/supporttools/GoWALGuard/pkg/wal"
)

// DefaultRelSegBlocks is the number of blocks per relation segment file.
const DefaultRelSegBlocks uint32 = 131072

// SegmentScanner verifies archived segments and iterates their records.
type SegmentScanner interface {
	Scan(ctx context.Context, tli uint32, segno uint64, lsn wal.LSN, fn func(*wal.Record) error) (wal.LSN, error)
	SegmentPath(tli uint32, segno uint64) string
	SegmentSize() uint64
}

// Tracker extracts changed blocks from archived WAL.
type Tracker struct {
	scanner      SegmentScanner
	relSegBlocks uint32
	logger       logrus.FieldLogger
}

// New creates a tracker. relSegBlocks of zero selects DefaultRelSegBlocks.
func New(scanner SegmentScanner, relSegBlocks uint32, logger logrus.FieldLogger) *Tracker {
	if relSegBlocks == 0 {
		relSegBlocks = DefaultRelSegBlocks
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Tracker{scanner: scanner, relSegBlocks: relSegBlocks, logger: logger}
}

// shard is a contiguous, segment-aligned slice of the scanned range.
type shard struct {
	from, to uint64 // segment numbers, to exclusive
}

// splitShards divides segments [first, last] into at most n contiguous shards.
func splitShards(first, last uint64, n int) []shard {
	total := last - first + 1
	count := uint64(n)
	if count > total {
		count = total
	}
	shards := make([]shard, 0, count)
	for i := uint64(0); i < count; i++ {
		shards = append(shards, shard{
			from: first + i*total/count,
			to:   first + (i+1)*total/count,
		})
	}
	return shards
}

// ComputeChangedBlocks scans the records with LSN in (begin, end] on timeline
// tli using parallelism workers and returns the union of their block
// references. The result does not depend on parallelism. The scan fails if
// any segment is absent, corrupt or foreign, or if the WAL ends before end.
func (t *Tracker) ComputeChangedBlocks(ctx context.Context, begin, end wal.LSN, tli uint32, parallelism int) (*Pagemap, error) {
	if parallelism < 1 {
		return nil, fault.Usagef("parallelism must be at least 1, got %d", parallelism)
	}
	if begin > end {
		return nil, fault.Usagef("begin LSN %s is past end LSN %s", begin, end)
	}
	if begin == end {
		return NewPagemap(), nil
	}

	segSize := t.scanner.SegmentSize()
	first, last := begin.SegmentNo(segSize), end.SegmentNo(segSize)
	shards := splitShards(first, last, parallelism)
	t.logger.Infof("Extracting pagemap of changed blocks")
	t.logger.Debugf("Scanning WAL from %s to %s: %d segments, %d workers", begin, end, last-first+1, len(shards))

	results := make([]*Pagemap, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, sh := range shards {
		i, sh := i, sh
		g.Go(func() error {
			pm, err := t.scanShard(gctx, sh, begin, end, tli, last)
			if err != nil {
				return err
			}
			results[i] = pm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := NewPagemap()
	for _, pm := range results {
		merged.Union(pm)
	}
	t.logger.Debugf("Pagemap holds %d blocks in %d files", merged.Len(), len(merged.Files()))
	return merged, nil
}

// scanShard decodes every segment of one shard in order. The shared context
// is checked before each segment.
func (t *Tracker) scanShard(ctx context.Context, sh shard, begin, end wal.LSN, tli uint32, lastSeg uint64) (*Pagemap, error) {
	segSize := t.scanner.SegmentSize()
	pm := NewPagemap()
	for segno := sh.from; segno < sh.to; segno++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		waitLSN := wal.FirstRecordLSN(segno, segSize)
		if segno == lastSeg {
			waitLSN = end
		}
		path := t.scanner.SegmentPath(tli, segno)
		lastLSN, err := t.scanner.Scan(ctx, tli, segno, waitLSN, func(rec *wal.Record) error {
			if rec.LSN <= begin || rec.LSN > end {
				return nil
			}
			if rec.Rmgr == wal.RmgrSMGR && rec.Info == wal.InfoTruncate {
				relation, nblocks, err := wal.DecodeRelationTruncate(rec.Payload)
				if err != nil {
					t.logger.Warnf("could not read WAL record at %s: %v", rec.LSN, err)
					return fault.Corrupt(path, int64(rec.LSN.SegmentOffset(segSize)), rec.LSN, err)
				}
				pm.AddRelationTruncate(relation, nblocks, t.relSegBlocks)
				return nil
			}
			refs, err := rec.BlockRefs()
			if err != nil {
				t.logger.Warnf("could not read WAL record at %s: %v", rec.LSN, err)
				return fault.Corrupt(path, int64(rec.LSN.SegmentOffset(segSize)), rec.LSN, err)
			}
			for _, ref := range refs {
				pm.AddRelationBlock(ref.Path, ref.Block, t.relSegBlocks)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if segno == lastSeg && lastLSN < end {
			t.logger.Warnf("could not read WAL record at %s", end)
			return nil, fault.Unreached(path, end, lastLSN)
		}
	}
	return pm, nil
}
