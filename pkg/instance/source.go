// Package instance provides the source database instance a backup is taken
// from: the Source interface consumed by the backup executor, a file-backed
// Local instance that logs every block change to WAL and archives completed
// segments, and an identity probe for live servers.
package instance

import (
	"context"

	"github.com/supporttools/GoWALGuard/pkg/wal"
)

// Source is an instance under backup.
type Source interface {
	// SystemIdentifier identifies the lineage of the instance.
	SystemIdentifier() uint64
	// Timeline is the current WAL timeline.
	Timeline() uint32
	// DataDir is the root of the instance data directory.
	DataDir() string
	// BlockSize is the size of a relation block in bytes.
	BlockSize() int
	// RelSegBlocks is the number of blocks per relation segment file.
	RelSegBlocks() uint32
	// SegmentSize is the WAL segment size in bytes.
	SegmentSize() uint64
	// StartBackup writes the backup start marker, forces the segment that
	// holds it to be archived and returns the marker LSN.
	StartBackup(ctx context.Context, label string) (wal.LSN, error)
	// StopBackup writes the backup end marker, forces its segment to be
	// archived and returns the marker LSN.
	StopBackup(ctx context.Context) (wal.LSN, error)
}
