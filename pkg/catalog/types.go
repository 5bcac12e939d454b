package catalog

import (
	"time"

	"github.com/supporttools/GoWALGuard/pkg/wal"
)

// Mode is the backup mode.
type Mode string

const (
	// ModeFull copies every file
	ModeFull Mode = "FULL"
	// ModePage copies changed blocks of data files since a parent backup
	ModePage Mode = "PAGE"
)

// ParseMode maps a command line value to a Mode.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "full", "FULL":
		return ModeFull, true
	case "page", "PAGE":
		return ModePage, true
	}
	return "", false
}

// Status is the lifecycle state of a backup. OK and ERROR are terminal.
type Status string

const (
	// StatusRunning indicates a backup is in progress
	StatusRunning Status = "RUNNING"
	// StatusOK indicates a successful, restorable backup
	StatusOK Status = "OK"
	// StatusError indicates a failed backup
	StatusError Status = "ERROR"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusOK || s == StatusError
}

// TransferMode says where the WAL needed to restore a backup lives.
type TransferMode string

const (
	// TransferArchive relies on the WAL archive
	TransferArchive TransferMode = "ARCHIVE"
	// TransferStream copies the WAL into the backup itself
	TransferStream TransferMode = "STREAM"
)

// Storage says how a file entry's content is kept in a backup.
type Storage string

const (
	// StorageFull stores the whole file
	StorageFull Storage = "full"
	// StorageBlocks stores only the listed blocks
	StorageBlocks Storage = "blocks"
	// StorageInherited stores nothing; content comes from the parent
	StorageInherited Storage = "inherited"
)

// Tablespace is a tablespace link found in the source data directory.
type Tablespace struct {
	OID      uint32 `json:"oid"`
	Location string `json:"location"`
}

// FileEntry describes one file or directory of a backup's manifest.
type FileEntry struct {
	Path       string  `json:"path"` // relative to the data directory, slash separated
	IsDir      bool    `json:"is_dir,omitempty"`
	Size       int64   `json:"size"`
	Mode       uint32  `json:"mode"`
	Checksum   uint32  `json:"crc"` // CRC-32C of the file content at backup time
	IsDatafile bool    `json:"is_datafile"`
	Storage    Storage `json:"storage"`
	// Blocks lists the stored blocks for StorageBlocks entries, ascending.
	Blocks         []uint32 `json:"blocks,omitempty"`
	StoredSize     int64    `json:"stored_size"`
	StoredChecksum uint32   `json:"stored_crc"`
}

// Inherited reports whether the entry keeps its content from the parent.
func (f *FileEntry) Inherited() bool {
	return f.Storage == StorageInherited
}

// Backup is one backup record together with its manifest.
type Backup struct {
	ID               string       `json:"id"`
	Instance         string       `json:"instance"`
	Mode             Mode         `json:"mode"`
	TransferMode     TransferMode `json:"transfer_mode"`
	ParentID         string       `json:"parent_id,omitempty"`
	Status           Status       `json:"status"`
	StartLSN         wal.LSN      `json:"start_lsn"`
	StopLSN          wal.LSN      `json:"stop_lsn"`
	Timeline         uint32       `json:"timeline"`
	SystemIdentifier uint64       `json:"system_identifier"`
	BlockSize        int          `json:"block_size"`
	RelSegBlocks     uint32       `json:"rel_seg_blocks"`
	SegmentSize      uint64       `json:"wal_segment_size"`
	StartTime        time.Time    `json:"start_time"`
	EndTime          *time.Time   `json:"end_time,omitempty"`
	DataBytes        int64        `json:"data_bytes"`
	Error            string       `json:"error,omitempty"`
	ProgramVersion   string       `json:"program_version,omitempty"`
	Tablespaces      []Tablespace `json:"tablespaces,omitempty"`
	Files            []FileEntry  `json:"files,omitempty"`
}

// Restorable reports whether the backup may be used by a restore.
func (b *Backup) Restorable() bool {
	return b.Status == StatusOK
}

// File returns the manifest entry for path, or nil.
func (b *Backup) File(path string) *FileEntry {
	for i := range b.Files {
		if b.Files[i].Path == path {
			return &b.Files[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the record.
func (b *Backup) Clone() *Backup {
	c := *b
	if b.EndTime != nil {
		t := *b.EndTime
		c.EndTime = &t
	}
	c.Tablespaces = append([]Tablespace(nil), b.Tablespaces...)
	c.Files = make([]FileEntry, len(b.Files))
	for i, f := range b.Files {
		f.Blocks = append([]uint32(nil), f.Blocks...)
		c.Files[i] = f
	}
	if b.Files == nil {
		c.Files = nil
	}
	return &c
}
