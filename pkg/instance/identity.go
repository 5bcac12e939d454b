package instance

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Identity is what a live server reports about itself.
type Identity struct {
	SystemIdentifier uint64
	Timeline         uint32
}

// OpenProbe opens a connection pool to a live server for identity checks.
func OpenProbe(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// QueryIdentity reads the system identifier and current timeline of a server.
func QueryIdentity(ctx context.Context, db *sql.DB) (Identity, error) {
	var id Identity
	var sysid string
	if err := db.QueryRowContext(ctx, "SELECT system_identifier FROM pg_control_system()").Scan(&sysid); err != nil {
		return id, fmt.Errorf("failed to query system identifier: %w", err)
	}
	if _, err := fmt.Sscanf(sysid, "%d", &id.SystemIdentifier); err != nil {
		return id, fmt.Errorf("invalid system identifier %q: %w", sysid, err)
	}
	if err := db.QueryRowContext(ctx, "SELECT timeline_id FROM pg_control_checkpoint()").Scan(&id.Timeline); err != nil {
		return id, fmt.Errorf("failed to query timeline: %w", err)
	}
	return id, nil
}

// CheckIdentity verifies that a live server is the instance whose data
// directory is being backed up.
func CheckIdentity(ctx context.Context, db *sql.DB, src Source) error {
	id, err := QueryIdentity(ctx, db)
	if err != nil {
		return err
	}
	if id.SystemIdentifier != src.SystemIdentifier() {
		return &IdentityMismatch{Field: "system identifier", Server: id.SystemIdentifier, DataDir: src.SystemIdentifier()}
	}
	if id.Timeline != src.Timeline() {
		return &IdentityMismatch{Field: "timeline", Server: uint64(id.Timeline), DataDir: uint64(src.Timeline())}
	}
	return nil
}

// IdentityMismatch reports a server that does not own the data directory.
type IdentityMismatch struct {
	Field   string
	Server  uint64
	DataDir uint64
}

func (e *IdentityMismatch) Error() string {
	return fmt.Sprintf("server %s %d does not match data directory %s %d", e.Field, e.Server, e.Field, e.DataDir)
}
