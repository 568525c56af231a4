package transport

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/quillmd/quill/internal/content"
)

// Local is a remote store kept in a SQLite file. It gives a workspace
// without a network remote the same durable change log an S3 bucket would:
// remote ids, modification times and change tokens survive restarts, and a
// store file on a shared directory can be synced by several workspaces.
//
// Change tokens are decimal sequence numbers of the change log. Every write
// runs in an immediate transaction, so concurrent processes serialize on
// the file lock.
type Local struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenLocal opens (creating if needed) the store at path.
//
// The caller MUST call Close() when done.
func OpenLocal(ctx context.Context, path string) (*Local, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create remote directory: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open local remote: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open local remote %s: %w", path, err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS objects (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		content BLOB,
		content_kind TEXT NOT NULL DEFAULT 'text',
		mime_type TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL DEFAULT '',
		modified INTEGER NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS changes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		path TEXT NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		modified INTEGER NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create local remote schema: %w", err)
	}
	return &Local{db: db, path: path, now: time.Now}, nil
}

// Path returns the store file.
func (l *Local) Path() string {
	return l.path
}

// Close closes the store file.
func (l *Local) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("failed to close local remote: %w", err)
	}
	return nil
}

// localErr reports storage failures as transient; the file may be locked by
// another process or on a briefly unavailable mount.
func localErr(op string, err error) error {
	return fmt.Errorf("local %s: %w", op, Transient(err))
}

// ListChanges implements Transport. Several changes to one object since the
// token collapse into the latest.
func (l *Local) ListChanges(ctx context.Context, token string) (*ChangeSet, error) {
	var since int64
	if token != "" {
		n, err := strconv.ParseInt(token, 10, 64)
		if err != nil || n < 0 {
			return nil, Rejected(fmt.Errorf("invalid change token %q", token))
		}
		since = n
	}

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, localErr("list changes", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT seq, id, path, content_hash, modified, deleted
		FROM changes WHERE seq > ? ORDER BY seq`, since)
	if err != nil {
		return nil, localErr("list changes", err)
	}
	defer rows.Close()

	last := since
	latest := make(map[string]int)
	var changes []Change
	for rows.Next() {
		var (
			seq      int64
			c        Change
			modified int64
			deleted  int
		)
		if err := rows.Scan(&seq, &c.RemoteID, &c.Path, &c.ContentHash, &modified, &deleted); err != nil {
			return nil, localErr("list changes", err)
		}
		c.ModifiedTime = time.Unix(0, modified).UTC()
		c.Deleted = deleted != 0
		last = seq

		if i, ok := latest[c.RemoteID]; ok {
			changes[i] = c
			continue
		}
		latest[c.RemoteID] = len(changes)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, localErr("list changes", err)
	}
	return &ChangeSet{Changes: changes, NewToken: strconv.FormatInt(last, 10)}, nil
}

// Upload implements Transport.
func (l *Local) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, localErr("upload", err)
	}
	defer func() { _ = tx.Rollback() }()

	id := req.RemoteID
	if id == "" {
		id = uuid.NewString()
	} else {
		var (
			modified int64
			deleted  int
			hash     string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT modified, deleted, content_hash FROM objects WHERE id = ?`, id).Scan(&modified, &deleted, &hash)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted != 0) {
			return nil, fmt.Errorf("upload %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return nil, localErr("upload", err)
		}
		current := time.Unix(0, modified).UTC()
		if !req.Force && current.After(req.BaseModified) {
			return nil, &ConflictError{RemoteID: id, RemoteModified: current, RemoteHash: hash}
		}
	}

	modified, err := l.tick(ctx, tx)
	if err != nil {
		return nil, localErr("upload", err)
	}
	hash := req.Content.Hash()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO objects (id, path, content, content_kind, mime_type, content_hash, modified, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path,
			content = excluded.content,
			content_kind = excluded.content_kind,
			mime_type = excluded.mime_type,
			content_hash = excluded.content_hash,
			modified = excluded.modified,
			deleted = 0`,
		id, req.Path, req.Content.Bytes(), string(req.Content.Kind()), req.MimeType, hash, modified.UnixNano())
	if err != nil {
		return nil, localErr("upload", err)
	}
	if err := l.record(ctx, tx, Change{RemoteID: id, Path: req.Path, ContentHash: hash, ModifiedTime: modified}); err != nil {
		return nil, localErr("upload", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, localErr("upload", err)
	}
	return &UploadResult{RemoteID: id, ModifiedTime: modified, ContentHash: hash}, nil
}

// Download implements Transport.
func (l *Local) Download(ctx context.Context, remoteID string) (*Object, error) {
	var (
		obj      = Object{RemoteID: remoteID}
		blob     []byte
		kind     string
		modified int64
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT path, content, content_kind, mime_type, content_hash, modified
		FROM objects WHERE id = ? AND deleted = 0`, remoteID).
		Scan(&obj.Path, &blob, &kind, &obj.MimeType, &obj.ContentHash, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("download %s: %w", remoteID, ErrNotFound)
	}
	if err != nil {
		return nil, localErr("download", err)
	}
	if content.Kind(kind) == content.KindBinary {
		obj.Content = content.Binary(blob)
	} else {
		obj.Content = content.Text(string(blob))
	}
	obj.ModifiedTime = time.Unix(0, modified).UTC()
	return &obj, nil
}

// Delete implements Transport. The object row stays as a tombstone without
// content so that stale uploads to it report ErrNotFound.
func (l *Local) Delete(ctx context.Context, remoteID string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return localErr("delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	var path string
	err = tx.QueryRowContext(ctx, `SELECT path FROM objects WHERE id = ? AND deleted = 0`, remoteID).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("delete %s: %w", remoteID, ErrNotFound)
	}
	if err != nil {
		return localErr("delete", err)
	}

	modified, err := l.tick(ctx, tx)
	if err != nil {
		return localErr("delete", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE objects SET deleted = 1, content = NULL, modified = ? WHERE id = ?`,
		modified.UnixNano(), remoteID); err != nil {
		return localErr("delete", err)
	}
	if err := l.record(ctx, tx, Change{RemoteID: remoteID, Path: path, ModifiedTime: modified, Deleted: true}); err != nil {
		return localErr("delete", err)
	}
	if err := tx.Commit(); err != nil {
		return localErr("delete", err)
	}
	return nil
}

// tick returns a modification time strictly after every one in the store.
func (l *Local) tick(ctx context.Context, tx *sql.Tx) (time.Time, error) {
	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(modified), 0) FROM changes`).Scan(&last); err != nil {
		return time.Time{}, err
	}
	t := l.now().UTC()
	if t.UnixNano() <= last {
		t = time.Unix(0, last).UTC().Add(time.Millisecond)
	}
	return t, nil
}

func (l *Local) record(ctx context.Context, tx *sql.Tx, c Change) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO changes (id, path, content_hash, modified, deleted) VALUES (?, ?, ?, ?, ?)`,
		c.RemoteID, c.Path, c.ContentHash, c.ModifiedTime.UnixNano(), boolInt(c.Deleted))
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
