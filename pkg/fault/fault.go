// Package fault defines the error kinds reported by backup and restore
// operations. Every error carries the structured values needed to render
// its diagnostic text; callers classify errors with errors.Is or KindOf and
// never by matching message text.
package fault

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"

	"github.com/supporttools/GoWALGuard/pkg/wal"
)

// Kind classifies a fatal error.
type Kind int

const (
	// Unknown is returned by KindOf for errors outside the taxonomy.
	Unknown Kind = iota
	SegmentAbsent
	SegmentCorrupt
	AlienSegment
	UnreachedLSN
	IOError
	BrokenChain
	UnknownTablespace
	ConsistencyError
	UsageError
)

func (k Kind) String() string {
	switch k {
	case SegmentAbsent:
		return "SegmentAbsent"
	case SegmentCorrupt:
		return "SegmentCorrupt"
	case AlienSegment:
		return "AlienSegment"
	case UnreachedLSN:
		return "UnreachedLSN"
	case IOError:
		return "IOError"
	case BrokenChain:
		return "BrokenChain"
	case UnknownTablespace:
		return "UnknownTablespace"
	case ConsistencyError:
		return "ConsistencyError"
	case UsageError:
		return "UsageError"
	default:
		return "Unknown"
	}
}

// Error is a classified failure with its structured payload. Fields that do
// not apply to a kind stay zero.
type Error struct {
	Kind     Kind
	Segment  string  // segment path as named in diagnostics
	LSN      wal.LSN // LSN being read or waited for
	Offset   int64   // byte offset inside the segment
	Path     string  // file path for I/O, consistency and tablespace errors
	BackupID string
	Field    string // identity field that mismatched
	Expected uint64
	Found    uint64
	// TimedOut is set for absent segments that never arrived within the wait
	// timeout; false means a later segment already exists so this one is gone.
	TimedOut bool
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case SegmentAbsent:
		return fmt.Sprintf("WAL segment \"%s\" is absent", e.Segment)
	case SegmentCorrupt:
		return fmt.Sprintf("Possible WAL corruption. Error has occured during reading WAL segment \"%s\"", e.Segment)
	case AlienSegment:
		return fmt.Sprintf("WAL segment \"%s\" is from different database system: %s is %d, expected %d",
			e.Segment, e.Field, e.Found, e.Expected)
	case UnreachedLSN:
		return fmt.Sprintf("WAL segment \"%s\" ends before LSN %s is reached", e.Segment, e.LSN)
	case IOError:
		if e.Err != nil {
			return e.Err.Error()
		}
		return fmt.Sprintf("I/O error on \"%s\"", e.Path)
	case BrokenChain:
		return fmt.Sprintf("backup %s is not restorable: %s", e.BackupID, e.Detail)
	case UnknownTablespace:
		return fmt.Sprintf("--tablespace-mapping option's old directory doesn't have an entry in tablespace_map file: \"%s\"", e.Path)
	case ConsistencyError:
		return fmt.Sprintf("file \"%s\" is inconsistent: checksum %08X, expected %08X", e.Path, e.Found, e.Expected)
	case UsageError:
		return e.Detail
	default:
		if e.Err != nil {
			return e.Err.Error()
		}
		return e.Detail
	}
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrSegmentAbsent     = &Error{Kind: SegmentAbsent}
	ErrSegmentCorrupt    = &Error{Kind: SegmentCorrupt}
	ErrAlienSegment      = &Error{Kind: AlienSegment}
	ErrUnreachedLSN      = &Error{Kind: UnreachedLSN}
	ErrIO                = &Error{Kind: IOError}
	ErrBrokenChain       = &Error{Kind: BrokenChain}
	ErrUnknownTablespace = &Error{Kind: UnknownTablespace}
	ErrConsistency       = &Error{Kind: ConsistencyError}
	ErrUsage             = &Error{Kind: UsageError}
)

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Absent reports a segment that is not in the archive.
func Absent(segment string, lsn wal.LSN, timedOut bool) *Error {
	return &Error{Kind: SegmentAbsent, Segment: segment, LSN: lsn, TimedOut: timedOut}
}

// Corrupt reports a segment that failed verification at offset.
func Corrupt(segment string, offset int64, lsn wal.LSN, cause error) *Error {
	return &Error{Kind: SegmentCorrupt, Segment: segment, Offset: offset, LSN: lsn, Err: cause}
}

// Alien reports a segment whose identity does not match the instance.
func Alien(segment, field string, expected, found uint64) *Error {
	return &Error{Kind: AlienSegment, Segment: segment, Field: field, Expected: expected, Found: found}
}

// Unreached reports a WAL stream that ended before the target LSN.
func Unreached(segment string, target, last wal.LSN) *Error {
	return &Error{Kind: UnreachedLSN, Segment: segment, LSN: target, Detail: "last record at " + last.String()}
}

// IO wraps a filesystem error with the operation and path.
func IO(err error, op, path string) *Error {
	return &Error{Kind: IOError, Path: path, Err: pkgerrors.Wrapf(err, "failed to %s \"%s\"", op, path)}
}

// Broken reports an unusable backup chain.
func Broken(backupID, format string, args ...interface{}) *Error {
	return &Error{Kind: BrokenChain, BackupID: backupID, Detail: fmt.Sprintf(format, args...)}
}

// Tablespace reports a mapping entry naming no tablespace of the backup.
func Tablespace(oldDir string) *Error {
	return &Error{Kind: UnknownTablespace, Path: oldDir}
}

// Inconsistent reports a file whose checksum does not match its manifest.
func Inconsistent(path string, expected, found uint32) *Error {
	return &Error{Kind: ConsistencyError, Path: path, Expected: uint64(expected), Found: uint64(found)}
}

// Usagef reports invalid options or configuration.
func Usagef(format string, args ...interface{}) *Error {
	return &Error{Kind: UsageError, Detail: fmt.Sprintf(format, args...)}
}
