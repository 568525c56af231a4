package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/quillmd/quill/internal/cache"
	"github.com/quillmd/quill/internal/queue"
	"github.com/quillmd/quill/internal/transport"
)

// Choice is the user's answer to a conflict.
type Choice int

const (
	// KeepLocal overwrites the remote copy with the local content.
	KeepLocal Choice = iota + 1
	// KeepRemote replaces the local content with the remote copy, or
	// deletes the local record if the remote copy was deleted.
	KeepRemote
)

func (c Choice) String() string {
	switch c {
	case KeepLocal:
		return "local"
	case KeepRemote:
		return "remote"
	default:
		return fmt.Sprintf("Choice(%d)", int(c))
	}
}

// ParseChoice accepts "local"/"keep-local" and "remote"/"keep-remote".
func ParseChoice(s string) (Choice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local", "keep-local", "keep_local", "mine":
		return KeepLocal, nil
	case "remote", "keep-remote", "keep_remote", "theirs":
		return KeepRemote, nil
	default:
		return 0, fmt.Errorf("invalid resolution %q (want local or remote)", s)
	}
}

// ForceResolveConflict settles the conflict recorded for path.
//
// KeepLocal stores the intent and queues a forced upload; the conflict
// entry is removed once that upload succeeds, so the choice survives a
// restart. KeepRemote is applied immediately.
//
// When the conflict is with a different remote document than the one the
// local record is linked to, the losing remote document is deleted so that
// the path has a single owner again.
func (e *Engine) ForceResolveConflict(ctx context.Context, path string, choice Choice) error {
	ctx, cancel := e.scope(ctx)
	defer cancel()

	e.pullMu.Lock()
	defer e.pullMu.Unlock()

	unlock := e.cache.LockPath(path)
	defer unlock()

	c, err := e.cache.GetConflict(ctx, path)
	if err != nil {
		return classified("resolve", path, err)
	}
	if c == nil {
		return &Error{Class: ClassRejected, Op: "resolve", Path: path, Err: ErrNoConflict}
	}

	switch choice {
	case KeepLocal:
		err = e.keepLocal(ctx, path)
	case KeepRemote:
		err = e.keepRemote(ctx, path, c)
	default:
		return &Error{Class: ClassFatal, Op: "resolve", Path: path, Err: fmt.Errorf("unknown choice %v", choice)}
	}
	if err != nil {
		return classified("resolve", path, err)
	}

	e.logger.Info("conflict resolved", zap.String("path", path), zap.Stringer("choice", choice))
	e.history(ctx, cache.ActionResolve, path, map[string]any{"choice": choice.String(), "origin": c.Origin})
	e.emit(Event{Type: EventResolved, Path: path, Origin: c.Origin})
	return nil
}

func (e *Engine) keepLocal(ctx context.Context, path string) error {
	rec, err := e.cache.Get(ctx, path)
	if err != nil {
		return err
	}
	if rec == nil {
		return e.cache.DeleteConflict(ctx, path)
	}
	if err := e.cache.SetConflictResolution(ctx, path, cache.ResolutionKeepLocal); err != nil {
		return err
	}
	if !rec.Dirty {
		if err := e.cache.MarkDirty(ctx, path); err != nil {
			return err
		}
	}
	e.queue.Enqueue(queue.PendingOperation{Path: path, Content: rec.Content, MimeType: rec.MimeType})
	return nil
}

func (e *Engine) keepRemote(ctx context.Context, path string, c *cache.Conflict) error {
	rec, err := e.cache.Get(ctx, path)
	if err != nil {
		return err
	}
	displaced := ""
	if rec.Synced() && c.RemoteID != "" && rec.RemoteID != c.RemoteID {
		displaced = rec.RemoteID
	}
	e.queue.Dequeue(path)

	var obj *transport.Object
	if !c.RemoteDeleted && c.RemoteID != "" {
		err := e.call(ctx, func(ctx context.Context) error {
			var err error
			obj, err = e.store().Download(ctx, c.RemoteID)
			return err
		})
		if err != nil && !errors.Is(err, transport.ErrNotFound) {
			return err
		}
	}

	if obj == nil {
		if displaced != "" {
			// The other document is gone; the local one keeps the path.
			return e.cache.DeleteConflict(ctx, path)
		}
		// Remote copy is gone: drop the local one too.
		return e.cache.Delete(ctx, path)
	}

	if err := e.unlinkElsewhere(ctx, path, c.RemoteID); err != nil {
		return err
	}
	err = e.cache.Put(ctx, &cache.FileRecord{
		Path:           path,
		RemoteID:       c.RemoteID,
		Content:        obj.Content,
		MimeType:       obj.MimeType,
		RemoteHash:     obj.ContentHash,
		LocalModified:  obj.ModifiedTime,
		RemoteModified: obj.ModifiedTime,
		LastSync:       e.now(),
	})
	if err != nil {
		return err
	}
	if err := e.cache.DeleteConflict(ctx, path); err != nil {
		return err
	}
	if displaced != "" {
		e.retireRemote(ctx, path, displaced)
	}
	return nil
}

// unlinkElsewhere detaches remoteID from a record at another path, left
// behind when the document moved onto path. A clean copy is dropped; a
// dirty one keeps its edits and is uploaded as a new document.
func (e *Engine) unlinkElsewhere(ctx context.Context, path, remoteID string) error {
	other, err := e.cache.GetByRemoteID(ctx, remoteID)
	if err != nil || other == nil || other.Path == path {
		return err
	}
	// Callers hold pullMu, so a second path lock cannot deadlock.
	unlock := e.cache.LockPath(other.Path)
	defer unlock()

	if !other.Dirty {
		e.queue.Dequeue(other.Path)
		return e.cache.Delete(ctx, other.Path)
	}
	if err := e.cache.SetRemoteID(ctx, other.Path, ""); err != nil {
		return err
	}
	e.queue.Enqueue(queue.PendingOperation{Path: other.Path, Content: other.Content, MimeType: other.MimeType})
	return nil
}
