package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Conflict origins.
const (
	OriginPull = "pull" // a remote change arrived while the record was dirty
	OriginPush = "push" // the remote rejected an upload as stale
)

// ResolutionKeepLocal marks a conflict the user resolved in favor of the
// local copy; the next upload overwrites the remote version.
const ResolutionKeepLocal = "keep_local"

// Conflict is an unresolved divergence between a dirty local record and
// the remote copy of the same document.
type Conflict struct {
	Path           string
	RemoteID       string
	RemoteHash     string
	RemoteModified time.Time
	RemoteDeleted  bool
	Origin         string
	Resolution     string
	DetectedAt     time.Time
}

// Resolved reports whether a resolution has been chosen.
func (c *Conflict) Resolved() bool {
	return c.Resolution != ""
}

const conflictColumns = `path, remote_id, remote_hash, remote_modified, remote_deleted,
	origin, resolution, detected_at`

func scanConflict(row rowScanner) (*Conflict, error) {
	var (
		c                           Conflict
		remoteID                    sql.NullString
		remoteModified, detectedAt sql.NullString
		deleted                     int
	)
	if err := row.Scan(&c.Path, &remoteID, &c.RemoteHash, &remoteModified, &deleted,
		&c.Origin, &c.Resolution, &detectedAt); err != nil {
		return nil, err
	}
	c.RemoteID = remoteID.String
	c.RemoteDeleted = deleted != 0
	var err error
	if c.RemoteModified, err = parseTime(remoteModified); err != nil {
		return nil, fmt.Errorf("conflict %s: invalid remote_modified: %w", c.Path, err)
	}
	if c.DetectedAt, err = parseTime(detectedAt); err != nil {
		return nil, fmt.Errorf("conflict %s: invalid detected_at: %w", c.Path, err)
	}
	return &c, nil
}

// PutConflict records c, replacing any earlier entry for the same path. A
// new detection clears a previously chosen resolution.
func (db *DB) PutConflict(ctx context.Context, c *Conflict) error {
	if c == nil || c.Path == "" {
		return errors.New("put conflict requires a path")
	}
	if err := db.usable("put conflict"); err != nil {
		return err
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = db.now()
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO conflicts (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			remote_id = excluded.remote_id,
			remote_hash = excluded.remote_hash,
			remote_modified = excluded.remote_modified,
			remote_deleted = excluded.remote_deleted,
			origin = excluded.origin,
			resolution = excluded.resolution,
			detected_at = excluded.detected_at`,
		c.Path,
		nullString(c.RemoteID),
		c.RemoteHash,
		formatTime(c.RemoteModified),
		boolToInt(c.RemoteDeleted),
		c.Origin,
		c.Resolution,
		formatTime(c.DetectedAt),
	)
	if err != nil {
		return wrap("put conflict "+c.Path, err)
	}
	return nil
}

// GetConflict returns the conflict recorded for path, or nil.
func (db *DB) GetConflict(ctx context.Context, path string) (*Conflict, error) {
	if err := db.usable("get conflict"); err != nil {
		return nil, err
	}
	row := db.conn.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE path = ?`, path)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get conflict "+path, err)
	}
	return c, nil
}

// ListConflicts returns all recorded conflicts ordered by path.
func (db *DB) ListConflicts(ctx context.Context) ([]*Conflict, error) {
	if err := db.usable("list conflicts"); err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, `SELECT `+conflictColumns+` FROM conflicts ORDER BY path`)
	if err != nil {
		return nil, wrap("list conflicts", err)
	}
	defer rows.Close()

	var out []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, wrap("list conflicts", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list conflicts", err)
	}
	return out, nil
}

// SetConflictResolution stores the user's choice for path. It is a no-op if
// no conflict is recorded.
func (db *DB) SetConflictResolution(ctx context.Context, path, resolution string) error {
	if err := db.usable("set conflict resolution"); err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if _, err := db.conn.ExecContext(ctx,
		`UPDATE conflicts SET resolution = ? WHERE path = ?`, resolution, path); err != nil {
		return wrap("set conflict resolution "+path, err)
	}
	return nil
}

// DeleteConflict removes the conflict entry for path.
func (db *DB) DeleteConflict(ctx context.Context, path string) error {
	if err := db.usable("delete conflict"); err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if _, err := db.conn.ExecContext(ctx, `DELETE FROM conflicts WHERE path = ?`, path); err != nil {
		return wrap("delete conflict "+path, err)
	}
	return nil
}
