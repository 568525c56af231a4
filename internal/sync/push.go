package sync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/quillmd/quill/internal/cache"
	"github.com/quillmd/quill/internal/queue"
	"github.com/quillmd/quill/internal/transport"
)

// push is the queue processor. It uploads the cached content of op.Path,
// which is at least as new as the queued payload.
func (e *Engine) push(ctx context.Context, op queue.PendingOperation) error {
	ctx, cancel := e.scope(ctx)
	defer cancel()

	rec, err := e.cache.Get(ctx, op.Path)
	if err != nil {
		return classified("push", op.Path, err)
	}
	if rec == nil || !rec.Dirty {
		// Deleted or already uploaded by an earlier attempt.
		return nil
	}

	conflict, err := e.cache.GetConflict(ctx, op.Path)
	if err != nil {
		return classified("push", op.Path, err)
	}
	force := false
	remoteID := rec.RemoteID
	if conflict != nil {
		if conflict.Resolution != cache.ResolutionKeepLocal {
			return &Error{Class: ClassConflict, Op: "push", Path: op.Path, Err: ErrUnresolvedConflict}
		}
		force = true
		switch {
		case conflict.RemoteDeleted:
			// The remote copy is gone; keeping local means recreating it.
			remoteID = ""
		case !rec.Synced():
			// A new local file collided with a remote one at the same path.
			remoteID = conflict.RemoteID
		}
	}

	mimeType := rec.MimeType
	if mimeType == "" {
		mimeType = op.MimeType
	}
	req := transport.UploadRequest{
		RemoteID:     remoteID,
		Path:         rec.Path,
		Content:      rec.Content,
		MimeType:     mimeType,
		BaseModified: rec.RemoteModified,
		Force:        force,
	}

	done := e.beginUpload(rec.Path, remoteID, rec.ContentHash)
	defer done()

	var res *transport.UploadResult
	err = e.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = e.store().Upload(ctx, req)
		return err
	})
	if err != nil {
		return e.pushFailed(ctx, rec, remoteID, err)
	}

	var resolved *cache.Conflict
	if force {
		resolved = conflict
	}
	if err := e.confirmUpload(ctx, rec, res.RemoteID, res.ModifiedTime, res.ContentHash, resolved); err != nil {
		return err
	}
	if resolved != nil && !resolved.RemoteDeleted && resolved.RemoteID != "" && resolved.RemoteID != res.RemoteID {
		// The local document won the path over another remote one.
		e.retireRemote(ctx, rec.Path, resolved.RemoteID)
	}
	return nil
}

// inflightUpload is an upload sent but not yet confirmed in the cache.
type inflightUpload struct {
	remoteID string // empty when creating
	hash     string
}

// beginUpload registers the upload of path until the returned func is
// called. The queue runs at most one upload per path.
func (e *Engine) beginUpload(path, remoteID, hash string) func() {
	e.flightMu.Lock()
	e.inflight[path] = inflightUpload{remoteID: remoteID, hash: hash}
	e.flightMu.Unlock()
	return func() {
		e.flightMu.Lock()
		delete(e.inflight, path)
		e.flightMu.Unlock()
	}
}

// ownUpload reports whether ch is the version being written by the upload
// in flight for path, listed by a pull before the upload was confirmed.
func (e *Engine) ownUpload(path string, ch transport.Change) bool {
	if ch.Deleted || ch.ContentHash == "" {
		return false
	}
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	f, ok := e.inflight[path]
	return ok && f.hash == ch.ContentHash && (f.remoteID == "" || f.remoteID == ch.RemoteID)
}

// confirmUpload records a successful upload. The dirty flag is cleared only
// if no edit landed after rec was read. resolved is the conflict the upload
// settled in favor of the local side, if any.
func (e *Engine) confirmUpload(ctx context.Context, rec *cache.FileRecord, remoteID string, modified time.Time, hash string, resolved *cache.Conflict) error {
	unlock := e.cache.LockPath(rec.Path)
	defer unlock()

	if remoteID != rec.RemoteID {
		if err := e.cache.SetRemoteID(ctx, rec.Path, remoteID); err != nil {
			return classified("push", rec.Path, err)
		}
	}
	if err := e.cache.SetRemoteVersion(ctx, rec.Path, modified, hash); err != nil {
		return classified("push", rec.Path, err)
	}
	clean, err := e.cache.MarkCleanIfUnchanged(ctx, rec.Path, e.now(), rec.LocalModified)
	if err != nil {
		return classified("push", rec.Path, err)
	}
	forced := resolved != nil
	if forced {
		if err := e.cache.DeleteConflict(ctx, rec.Path); err != nil {
			return classified("push", rec.Path, err)
		}
	}

	e.logger.Debug("uploaded",
		zap.String("path", rec.Path),
		zap.String("remote_id", remoteID),
		zap.Bool("clean", clean),
		zap.Bool("forced", forced))
	e.history(ctx, cache.ActionUpload, rec.Path, map[string]any{
		"remote_id": remoteID,
		"hash":      hash,
		"forced":    forced,
	})
	return nil
}

// retireRemote deletes a remote document that lost its path to another one.
// Failures are logged; the document then shows up as a conflict again on a
// later full pull.
func (e *Engine) retireRemote(ctx context.Context, path, remoteID string) {
	err := e.call(ctx, func(ctx context.Context) error {
		return e.store().Delete(ctx, remoteID)
	})
	if err != nil && !errors.Is(err, transport.ErrNotFound) {
		e.logger.Warn("failed to delete displaced remote document",
			zap.String("path", path),
			zap.String("remote_id", remoteID),
			zap.Error(err))
		return
	}
	e.history(ctx, cache.ActionRemoteDelete, path, map[string]any{"remote_id": remoteID, "displaced": true})
}

// pushFailed turns an upload error into the queue's retry decision and
// records conflicts.
func (e *Engine) pushFailed(ctx context.Context, rec *cache.FileRecord, remoteID string, err error) error {
	var ce *transport.ConflictError
	switch {
	case errors.As(err, &ce):
		if ce.RemoteHash != "" && ce.RemoteHash == rec.ContentHash {
			// The remote already holds this content, typically our own
			// earlier attempt whose confirmation was lost.
			return e.confirmUpload(ctx, rec, remoteID, ce.RemoteModified, ce.RemoteHash, nil)
		}
		return e.recordPushConflict(ctx, rec, &cache.Conflict{
			Path:           rec.Path,
			RemoteID:       remoteID,
			RemoteHash:     ce.RemoteHash,
			RemoteModified: ce.RemoteModified,
		}, err)

	case errors.Is(err, transport.ErrNotFound) && remoteID != "":
		return e.recordPushConflict(ctx, rec, &cache.Conflict{
			Path:          rec.Path,
			RemoteID:      remoteID,
			RemoteDeleted: true,
		}, err)
	}

	perr := classified("push", rec.Path, err)
	if Classify(perr) == ClassRejected {
		e.history(ctx, cache.ActionUploadFailed, rec.Path, map[string]any{"error": err.Error()})
	}
	return perr
}

func (e *Engine) recordPushConflict(ctx context.Context, rec *cache.FileRecord, c *cache.Conflict, cause error) error {
	c.Origin = cache.OriginPush
	c.DetectedAt = e.now()
	if err := e.cache.PutConflict(ctx, c); err != nil {
		return classified("push", rec.Path, err)
	}

	e.metrics.RecordConflict(cache.OriginPush)
	e.logger.Warn("upload conflict", zap.String("path", rec.Path), zap.Bool("remote_deleted", c.RemoteDeleted))
	e.history(ctx, cache.ActionConflict, rec.Path, map[string]any{
		"origin":         cache.OriginPush,
		"remote_deleted": c.RemoteDeleted,
	})
	e.emit(Event{Type: EventConflict, Path: rec.Path, Origin: cache.OriginPush})
	return &Error{Class: ClassConflict, Op: "push", Path: rec.Path, Err: cause}
}
