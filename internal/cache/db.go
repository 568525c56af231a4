// Package cache implements the durable local store for workspace documents.
//
// Every document the editor knows about has one FileRecord keyed by its
// workspace-relative path. The record carries the document content, its
// remote identity and version, and the dirty flag that drives uploads.
// Alongside the records the cache keeps sync metadata (change token,
// workspace id, last sync times), unresolved conflicts and a sync history.
//
// Architecture:
//   - Database file: .quill/cache.db (SQLite through ncruces/go-sqlite3)
//   - WAL mode: concurrent readers while the sync engine writes
//   - Tables: files, metadata, conflicts, sync_log
//   - Content above a size threshold is stored zstd-compressed
//
// The cache serializes its own writers; callers never need external locking
// for single operations. LockPath is offered for callers that compose several
// operations on one path into a read-modify-write sequence.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrStorageUnavailable is wrapped by every error caused by the underlying
// database: I/O failures, corruption, or use after Close.
var ErrStorageUnavailable = errors.New("local storage unavailable")

var errClosed = errors.New("cache is closed")

// DefaultCompressThreshold is the content size above which blobs are
// compressed on disk.
const DefaultCompressThreshold = 4096

// DB is the local cache. It is safe for concurrent use.
type DB struct {
	conn  *sql.DB
	path  string
	codec *codec
	now   func() time.Time

	writeMu stdsync.Mutex
	locks   pathLocks
	closed  atomic.Bool
}

// Option configures Open.
type Option func(*options)

type options struct {
	compressThreshold int
	now               func() time.Time
}

// WithCompressThreshold overrides DefaultCompressThreshold. Zero or a
// negative value disables compression.
func WithCompressThreshold(n int) Option {
	return func(o *options) { o.compressThreshold = n }
}

// WithClock sets the time source used for dirty stamps and log entries.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Open opens (creating if needed) the cache database at path and ensures the
// schema exists.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	c, err := cache.Open(ctx, ".quill/cache.db")
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
func Open(ctx context.Context, path string, opts ...Option) (*DB, error) {
	o := options{compressThreshold: DefaultCompressThreshold, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrap("create cache directory", err)
	}

	// busy_timeout in the DSN applies to every pooled connection; the PRAGMA
	// below only reaches the first one.
	conn, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, wrap("open cache", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, wrap("ping cache", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	pragmas := []struct{ stmt, action string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p.stmt); err != nil {
			_ = conn.Close()
			return nil, wrap(p.action, err)
		}
	}

	c, err := newCodec(o.compressThreshold)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create content codec: %w", err)
	}

	db := &DB{
		conn:  conn,
		path:  path,
		codec: c,
		now:   o.now,
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection so that other components
// (the durable queue backing) can share the database file.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the database. Later calls on db
// return ErrStorageUnavailable.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	// Best effort; a failed checkpoint leaves the WAL for the next open.
	_, _ = db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")

	db.codec.close()
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}
	return nil
}

// InitSchema creates tables and indexes if they don't exist. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS files (
		path TEXT PRIMARY KEY,
		remote_id TEXT,
		content BLOB,
		content_kind TEXT NOT NULL DEFAULT 'text',
		compressed INTEGER NOT NULL DEFAULT 0,
		mime_type TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL DEFAULT '',
		remote_hash TEXT NOT NULL DEFAULT '',
		local_modified TEXT,
		remote_modified TEXT,
		last_sync TEXT,
		dirty INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		path TEXT PRIMARY KEY,
		remote_id TEXT,
		remote_hash TEXT NOT NULL DEFAULT '',
		remote_modified TEXT,
		remote_deleted INTEGER NOT NULL DEFAULT 0,
		origin TEXT NOT NULL,
		resolution TEXT NOT NULL DEFAULT '',
		detected_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		path TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL,
		details TEXT
	);

	-- Secondary index used when applying remote changes
	CREATE INDEX IF NOT EXISTS idx_files_remote_id ON files(remote_id);
	CREATE INDEX IF NOT EXISTS idx_files_dirty ON files(dirty) WHERE dirty = 1;
	CREATE INDEX IF NOT EXISTS idx_sync_log_timestamp ON sync_log(timestamp);
	`

	if err := db.usable("initialize schema"); err != nil {
		return err
	}
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return wrap("initialize schema", err)
	}
	return nil
}

// Reset removes every record, conflict and metadata entry. The sync history
// is kept. Used when switching workspaces.
func (db *DB) Reset(ctx context.Context) error {
	if err := db.usable("reset cache"); err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin transaction", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"files", "conflicts", "metadata"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return wrap("clear "+table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit reset", err)
	}
	return nil
}

func (db *DB) usable(action string) error {
	if db.closed.Load() {
		return wrap(action, errClosed)
	}
	return nil
}

// wrap tags a database failure with ErrStorageUnavailable while keeping the
// driver error inspectable.
func wrap(action string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", action, ErrStorageUnavailable, err)
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s.String)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
