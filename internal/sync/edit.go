package sync

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/quillmd/quill/internal/cache"
	"github.com/quillmd/quill/internal/content"
	"github.com/quillmd/quill/internal/queue"
	"github.com/quillmd/quill/internal/transport"
)

// OnFileEdited stores a local edit and queues its upload. Saving unchanged
// content is a no-op. While the path has an unresolved conflict the edit is
// kept locally but not queued.
func (e *Engine) OnFileEdited(ctx context.Context, path string, c content.Content, mimeType string) error {
	if path == "" {
		return &Error{Class: ClassFatal, Op: "edit", Err: errors.New("empty path")}
	}
	if mimeType == "" {
		mimeType = content.DetectMimeType(path, c)
	}

	unlock := e.cache.LockPath(path)
	rec, err := e.cache.Get(ctx, path)
	if err != nil {
		unlock()
		return classified("edit", path, err)
	}
	if rec != nil && rec.ContentHash == c.Hash() && rec.Content.Kind() == c.Kind() {
		unlock()
		return nil
	}
	if rec == nil {
		rec = &cache.FileRecord{Path: path}
	}
	rec.Content = c
	rec.MimeType = mimeType
	rec.Dirty = true
	rec.LocalModified = e.now()
	if err := e.cache.Put(ctx, rec); err != nil {
		unlock()
		return classified("edit", path, err)
	}
	conflict, err := e.cache.GetConflict(ctx, path)
	unlock()
	if err != nil {
		return classified("edit", path, err)
	}

	if conflict != nil && !conflict.Resolved() {
		e.logger.Debug("edit held back by conflict", zap.String("path", path))
		return nil
	}
	e.queue.Enqueue(queue.PendingOperation{Path: path, Content: c, MimeType: mimeType})
	return nil
}

// OnFileDeleted propagates a local deletion: the pending upload is dropped,
// the remote object is deleted if one exists, then the record is removed.
// If the remote call fails the record is kept and the error returned so the
// deletion can be retried.
func (e *Engine) OnFileDeleted(ctx context.Context, path string) error {
	ctx, cancel := e.scope(ctx)
	defer cancel()

	unlock := e.cache.LockPath(path)
	defer unlock()

	e.queue.Dequeue(path)

	rec, err := e.cache.Get(ctx, path)
	if err != nil {
		return classified("delete", path, err)
	}
	if rec == nil {
		return nil
	}

	if rec.RemoteID != "" {
		err := e.call(ctx, func(ctx context.Context) error {
			return e.store().Delete(ctx, rec.RemoteID)
		})
		if err != nil && !errors.Is(err, transport.ErrNotFound) {
			return classified("delete", path, err)
		}
	}

	if err := e.cache.Delete(ctx, path); err != nil {
		return classified("delete", path, err)
	}
	e.logger.Info("deleted", zap.String("path", path), zap.String("remote_id", rec.RemoteID))
	e.history(ctx, cache.ActionLocalDelete, path, map[string]any{"remote_id": rec.RemoteID})
	return nil
}
