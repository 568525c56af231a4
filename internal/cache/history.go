package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Sync history actions.
const (
	ActionUpload          = "upload"
	ActionUploadFailed    = "upload_failed"
	ActionDownload        = "download"
	ActionRemoteDelete    = "remote_delete"
	ActionRename          = "rename"
	ActionLocalDelete     = "local_delete"
	ActionConflict        = "conflict"
	ActionResolve         = "resolve"
	ActionPull            = "pull"
	ActionWorkspaceSwitch = "workspace_switch"
)

// LogEntry is one line of sync history.
type LogEntry struct {
	ID        int64
	Action    string
	Path      string
	Timestamp time.Time
	Details   map[string]any
}

// logTimeLayout is fixed width so that timestamps sort lexically in UTC and
// range queries can use idx_sync_log_timestamp.
const logTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatLogTime(t time.Time) string {
	return t.UTC().Format(logTimeLayout)
}

// AddLogEntry appends a history entry stamped with the current time.
func (db *DB) AddLogEntry(ctx context.Context, action, path string, details map[string]any) error {
	if err := db.usable("add log entry"); err != nil {
		return err
	}

	var detailsJSON sql.NullString
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal log details: %w", err)
		}
		detailsJSON = sql.NullString{String: string(b), Valid: true}
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if _, err := db.conn.ExecContext(ctx,
		`INSERT INTO sync_log (action, path, timestamp, details) VALUES (?, ?, ?, ?)`,
		action, path, formatLogTime(db.now()), detailsJSON); err != nil {
		return wrap("add log entry", err)
	}
	return nil
}

// RecentLogs returns entries at or after since, newest first. A zero since
// returns from the beginning; limit <= 0 means 100.
func (db *DB) RecentLogs(ctx context.Context, since time.Time, limit int) ([]LogEntry, error) {
	if err := db.usable("list log entries"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, action, path, timestamp, details FROM sync_log
		WHERE timestamp >= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, formatLogTime(since), limit)
	if err != nil {
		return nil, wrap("list log entries", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e       LogEntry
			ts      string
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Path, &ts, &details); err != nil {
			return nil, wrap("list log entries", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("invalid log timestamp %q: %w", ts, err)
		}
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("invalid log details for entry %d: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list log entries", err)
	}
	return out, nil
}

// PruneLogs deletes entries older than before and returns how many were
// removed.
func (db *DB) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	if err := db.usable("prune log entries"); err != nil {
		return 0, err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	res, err := db.conn.ExecContext(ctx, `DELETE FROM sync_log WHERE timestamp < ?`, formatLogTime(before))
	if err != nil {
		return 0, wrap("prune log entries", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
