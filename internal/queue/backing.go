package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/quillmd/quill/internal/content"
)

// Backing persists pending operations so they survive a restart.
type Backing interface {
	Save(ctx context.Context, op PendingOperation) error
	Remove(ctx context.Context, path string) error
	Load(ctx context.Context) ([]PendingOperation, error)
	Clear(ctx context.Context) error
}

// SQLBacking stores operations in a pending_ops table. It shares the cache's
// database handle.
type SQLBacking struct {
	db *sql.DB
}

// NewSQLBacking creates the pending_ops table if needed.
func NewSQLBacking(ctx context.Context, db *sql.DB) (*SQLBacking, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	schema := `
	CREATE TABLE IF NOT EXISTS pending_ops (
		path TEXT PRIMARY KEY,
		content BLOB,
		content_kind TEXT NOT NULL DEFAULT 'text',
		mime_type TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		enqueued_at TEXT NOT NULL
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create pending_ops table: %w", err)
	}
	return &SQLBacking{db: db}, nil
}

// Save upserts op. An update keeps the row's original position.
func (b *SQLBacking) Save(ctx context.Context, op PendingOperation) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO pending_ops (path, content, content_kind, mime_type, attempts, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content = excluded.content,
			content_kind = excluded.content_kind,
			mime_type = excluded.mime_type,
			attempts = excluded.attempts`,
		op.Path,
		op.Content.Bytes(),
		string(op.Content.Kind()),
		op.MimeType,
		op.Attempts,
		op.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save pending operation %s: %w", op.Path, err)
	}
	return nil
}

// Remove deletes the operation for path.
func (b *SQLBacking) Remove(ctx context.Context, path string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM pending_ops WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to remove pending operation %s: %w", path, err)
	}
	return nil
}

// Load returns all stored operations in insertion order.
func (b *SQLBacking) Load(ctx context.Context) ([]PendingOperation, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT path, content, content_kind, mime_type, attempts, enqueued_at
		FROM pending_ops ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending operations: %w", err)
	}
	defer rows.Close()

	var ops []PendingOperation
	for rows.Next() {
		var (
			op         PendingOperation
			blob       []byte
			kind       string
			enqueuedAt string
		)
		if err := rows.Scan(&op.Path, &blob, &kind, &op.MimeType, &op.Attempts, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending operation: %w", err)
		}
		if content.Kind(kind) == content.KindBinary {
			op.Content = content.Binary(blob)
		} else {
			op.Content = content.Text(string(blob))
		}
		if op.EnqueuedAt, err = time.Parse(time.RFC3339Nano, enqueuedAt); err != nil {
			return nil, fmt.Errorf("invalid enqueued_at for %s: %w", op.Path, err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load pending operations: %w", err)
	}
	return ops, nil
}

// Clear deletes every stored operation.
func (b *SQLBacking) Clear(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM pending_ops`); err != nil {
		return fmt.Errorf("failed to clear pending operations: %w", err)
	}
	return nil
}
