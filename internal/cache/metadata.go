package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Well-known metadata keys.
const (
	KeySyncToken        = "sync_token"
	KeyWorkspaceID      = "workspace_id"
	KeyLastSyncTime     = "last_sync_time"
	KeyLastFullSyncTime = "last_full_sync_time"
)

// GetMetadata returns the value stored under key, or "" if unset.
func (db *DB) GetMetadata(ctx context.Context, key string) (string, error) {
	if err := db.usable("get metadata"); err != nil {
		return "", err
	}
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrap("get metadata "+key, err)
	}
	return value, nil
}

// SetMetadata stores value under key.
func (db *DB) SetMetadata(ctx context.Context, key, value string) error {
	return db.SetMetadataBatch(ctx, map[string]string{key: value})
}

// SetMetadataBatch stores all entries in one transaction: either every key
// is written or none is.
func (db *DB) SetMetadataBatch(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	if err := db.usable("set metadata"); err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin transaction", err)
	}
	defer tx.Rollback()

	now := db.now().UTC().Format(time.RFC3339Nano)
	for key, value := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, now)
		if err != nil {
			return wrap("set metadata "+key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit metadata", err)
	}
	return nil
}

// DeleteMetadata removes key.
func (db *DB) DeleteMetadata(ctx context.Context, key string) error {
	if err := db.usable("delete metadata"); err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if _, err := db.conn.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key); err != nil {
		return wrap("delete metadata "+key, err)
	}
	return nil
}

// SyncToken returns the opaque remote change token, or "" before the first
// pull.
func (db *DB) SyncToken(ctx context.Context) (string, error) {
	return db.GetMetadata(ctx, KeySyncToken)
}

// SetSyncToken stores the remote change token.
func (db *DB) SetSyncToken(ctx context.Context, token string) error {
	return db.SetMetadata(ctx, KeySyncToken, token)
}

// WorkspaceID returns the id of the workspace the cache belongs to.
func (db *DB) WorkspaceID(ctx context.Context) (string, error) {
	return db.GetMetadata(ctx, KeyWorkspaceID)
}

// SetWorkspaceID stores the workspace id.
func (db *DB) SetWorkspaceID(ctx context.Context, id string) error {
	return db.SetMetadata(ctx, KeyWorkspaceID, id)
}

// SetLastSyncTime stores the time of a successful pull.
func (db *DB) SetLastSyncTime(ctx context.Context, t time.Time) error {
	return db.SetMetadata(ctx, KeyLastSyncTime, FormatTime(t))
}

// LastSyncTime returns the time of the last successful pull, or the zero
// time if none happened.
func (db *DB) LastSyncTime(ctx context.Context) (time.Time, error) {
	return db.timeMetadata(ctx, KeyLastSyncTime)
}

// LastFullSyncTime returns the time of the last pull that started from an
// empty token.
func (db *DB) LastFullSyncTime(ctx context.Context) (time.Time, error) {
	return db.timeMetadata(ctx, KeyLastFullSyncTime)
}

func (db *DB) timeMetadata(ctx context.Context, key string) (time.Time, error) {
	v, err := db.GetMetadata(ctx, key)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s metadata %q: %w", key, v, err)
	}
	return t, nil
}

// FormatTime renders t the way time-valued metadata is stored.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
