package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/quillmd/quill/internal/content"
)

// FileRecord is the cached state of one document.
type FileRecord struct {
	Path     string
	RemoteID string // empty until the first successful upload

	Content  content.Content
	MimeType string
	Size     int64 // derived from Content on Put

	// ContentHash is the BLAKE3 digest of Content, derived on Put.
	ContentHash string
	// RemoteHash is the digest of the last remote version seen or written.
	RemoteHash string

	LocalModified  time.Time
	RemoteModified time.Time // zero if never synced
	LastSync       time.Time // zero if never synced

	// Dirty is true when local edits have not been confirmed uploaded.
	Dirty bool
}

// Synced reports whether the record has a remote counterpart. A nil record
// has none.
func (r *FileRecord) Synced() bool {
	return r != nil && r.RemoteID != ""
}

const recordColumns = `path, remote_id, content, content_kind, compressed, mime_type,
	size, content_hash, remote_hash, local_modified, remote_modified, last_sync, dirty`

type rowScanner interface {
	Scan(dest ...any) error
}

func (db *DB) scanRecord(row rowScanner) (*FileRecord, error) {
	var (
		r                                        FileRecord
		remoteID                                 sql.NullString
		blob                                     []byte
		kind                                     string
		compressed, dirty                        int
		localModified, remoteModified, lastSync sql.NullString
	)
	err := row.Scan(&r.Path, &remoteID, &blob, &kind, &compressed, &r.MimeType,
		&r.Size, &r.ContentHash, &r.RemoteHash, &localModified, &remoteModified, &lastSync, &dirty)
	if err != nil {
		return nil, err
	}

	r.RemoteID = remoteID.String
	r.Dirty = dirty != 0
	if r.Content, err = db.codec.decode(blob, kind, compressed != 0); err != nil {
		return nil, fmt.Errorf("%s: %w", r.Path, err)
	}
	if r.LocalModified, err = parseTime(localModified); err != nil {
		return nil, fmt.Errorf("%s: invalid local_modified: %w", r.Path, err)
	}
	if r.RemoteModified, err = parseTime(remoteModified); err != nil {
		return nil, fmt.Errorf("%s: invalid remote_modified: %w", r.Path, err)
	}
	if r.LastSync, err = parseTime(lastSync); err != nil {
		return nil, fmt.Errorf("%s: invalid last_sync: %w", r.Path, err)
	}
	return &r, nil
}

// Get returns the record at path, or nil if none exists.
func (db *DB) Get(ctx context.Context, path string) (*FileRecord, error) {
	if err := db.usable("get file"); err != nil {
		return nil, err
	}
	row := db.conn.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM files WHERE path = ?`, path)
	r, err := db.scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get file "+path, err)
	}
	return r, nil
}

// GetByRemoteID returns the record linked to a remote object, or nil.
func (db *DB) GetByRemoteID(ctx context.Context, remoteID string) (*FileRecord, error) {
	if remoteID == "" {
		return nil, nil
	}
	if err := db.usable("get file by remote id"); err != nil {
		return nil, err
	}
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM files WHERE remote_id = ? LIMIT 1`, remoteID)
	r, err := db.scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get file by remote id "+remoteID, err)
	}
	return r, nil
}

// Put inserts or replaces the record at r.Path. Size and ContentHash are
// recomputed from Content. For dirty records LocalModified is bumped past
// LastSync if needed so that a dirty record always reads as newer than its
// last sync.
func (db *DB) Put(ctx context.Context, r *FileRecord) error {
	if r == nil || r.Path == "" {
		return errors.New("put requires a record with a path")
	}
	if err := db.usable("put file"); err != nil {
		return err
	}

	r.Size = r.Content.Size()
	r.ContentHash = r.Content.Hash()
	if r.Dirty {
		if r.LocalModified.IsZero() {
			r.LocalModified = db.now()
		}
		if !r.LastSync.IsZero() && !r.LocalModified.After(r.LastSync) {
			r.LocalModified = r.LastSync.Add(time.Nanosecond)
		}
	}
	blob, kind, compressed := db.codec.encode(r.Content)

	query := `
	INSERT INTO files (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		remote_id = excluded.remote_id,
		content = excluded.content,
		content_kind = excluded.content_kind,
		compressed = excluded.compressed,
		mime_type = excluded.mime_type,
		size = excluded.size,
		content_hash = excluded.content_hash,
		remote_hash = excluded.remote_hash,
		local_modified = excluded.local_modified,
		remote_modified = excluded.remote_modified,
		last_sync = excluded.last_sync,
		dirty = excluded.dirty
	`

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.conn.ExecContext(ctx, query,
		r.Path,
		nullString(r.RemoteID),
		blob,
		kind,
		boolToInt(compressed),
		r.MimeType,
		r.Size,
		r.ContentHash,
		r.RemoteHash,
		formatTime(r.LocalModified),
		formatTime(r.RemoteModified),
		formatTime(r.LastSync),
		boolToInt(r.Dirty),
	)
	if err != nil {
		return wrap("put file "+r.Path, err)
	}
	return nil
}

// Delete removes the record at path along with any conflict entry. Deleting
// a missing path is a no-op.
func (db *DB) Delete(ctx context.Context, path string) error {
	if err := db.usable("delete file"); err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path); err != nil {
		return wrap("delete file "+path, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conflicts WHERE path = ?`, path); err != nil {
		return wrap("delete conflict "+path, err)
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit delete", err)
	}
	return nil
}

// Rename moves the record at from to to, replacing any record already at to.
// A conflict entry follows the record.
func (db *DB) Rename(ctx context.Context, from, to string) error {
	if from == to {
		return nil
	}
	if err := db.usable("rename file"); err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin transaction", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE path = ?`, from).Scan(&n); err != nil {
		return wrap("rename "+from, err)
	}
	if n == 0 {
		return nil
	}

	stmts := []string{
		`DELETE FROM files WHERE path = ?2`,
		`UPDATE files SET path = ?2 WHERE path = ?1`,
		`DELETE FROM conflicts WHERE path = ?2`,
		`UPDATE conflicts SET path = ?2 WHERE path = ?1`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, from, to); err != nil {
			return wrap(fmt.Sprintf("rename %s to %s", from, to), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit rename", err)
	}
	return nil
}

// ListAll returns every record ordered by path.
func (db *DB) ListAll(ctx context.Context) ([]*FileRecord, error) {
	return db.list(ctx, "list files", `SELECT `+recordColumns+` FROM files ORDER BY path`)
}

// ListDirty returns the records awaiting upload ordered by path.
func (db *DB) ListDirty(ctx context.Context) ([]*FileRecord, error) {
	return db.list(ctx, "list dirty files",
		`SELECT `+recordColumns+` FROM files WHERE dirty = 1 ORDER BY path`)
}

func (db *DB) list(ctx context.Context, action, query string, args ...any) ([]*FileRecord, error) {
	if err := db.usable(action); err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(action, err)
	}
	defer rows.Close()

	var records []*FileRecord
	for rows.Next() {
		r, err := db.scanRecord(rows)
		if err != nil {
			return nil, wrap(action, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(action, err)
	}
	return records, nil
}

// MarkDirty flags path for upload and stamps LocalModified with the current
// time, kept strictly after LastSync. Missing paths are a no-op.
func (db *DB) MarkDirty(ctx context.Context, path string) error {
	if err := db.usable("mark dirty"); err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	var lastSync sql.NullString
	err := db.conn.QueryRowContext(ctx, `SELECT last_sync FROM files WHERE path = ?`, path).Scan(&lastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return wrap("mark dirty "+path, err)
	}
	last, err := parseTime(lastSync)
	if err != nil {
		return wrap("mark dirty "+path, err)
	}

	stamp := db.now()
	if !last.IsZero() && !stamp.After(last) {
		stamp = last.Add(time.Nanosecond)
	}
	if _, err := db.conn.ExecContext(ctx,
		`UPDATE files SET dirty = 1, local_modified = ? WHERE path = ?`,
		formatTime(stamp), path); err != nil {
		return wrap("mark dirty "+path, err)
	}
	return nil
}

// MarkClean clears the dirty flag and records syncTime as LastSync. Missing
// paths are a no-op.
func (db *DB) MarkClean(ctx context.Context, path string, syncTime time.Time) error {
	if err := db.usable("mark clean"); err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if _, err := db.conn.ExecContext(ctx,
		`UPDATE files SET dirty = 0, last_sync = ? WHERE path = ?`,
		formatTime(syncTime), path); err != nil {
		return wrap("mark clean "+path, err)
	}
	return nil
}

// MarkCleanIfUnchanged behaves like MarkClean but only when the record's
// LocalModified still equals localModified, i.e. no edit landed while the
// upload was in flight. It reports whether the record was marked clean.
func (db *DB) MarkCleanIfUnchanged(ctx context.Context, path string, syncTime, localModified time.Time) (bool, error) {
	if err := db.usable("mark clean"); err != nil {
		return false, err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	res, err := db.conn.ExecContext(ctx,
		`UPDATE files SET dirty = 0, last_sync = ?
		 WHERE path = ? AND local_modified IS ?`,
		formatTime(syncTime), path, formatTime(localModified))
	if err != nil {
		return false, wrap("mark clean "+path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("mark clean "+path, err)
	}
	return n > 0, nil
}

// SetRemoteID links path to a remote object.
func (db *DB) SetRemoteID(ctx context.Context, path, remoteID string) error {
	if err := db.usable("set remote id"); err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if _, err := db.conn.ExecContext(ctx,
		`UPDATE files SET remote_id = ? WHERE path = ?`,
		nullString(remoteID), path); err != nil {
		return wrap("set remote id "+path, err)
	}
	return nil
}

// SetRemoteVersion records the remote modification time and content digest
// last observed for path.
func (db *DB) SetRemoteVersion(ctx context.Context, path string, modified time.Time, hash string) error {
	if err := db.usable("set remote version"); err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if _, err := db.conn.ExecContext(ctx,
		`UPDATE files SET remote_modified = ?, remote_hash = ? WHERE path = ?`,
		formatTime(modified), hash, path); err != nil {
		return wrap("set remote version "+path, err)
	}
	return nil
}
