package sync

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/quillmd/quill/internal/cache"
	"github.com/quillmd/quill/internal/transport"
)

// PullResult counts what one pull did and lists the conflicts it recorded.
type PullResult struct {
	Created   int
	Updated   int
	Deleted   int
	Skipped   int
	Conflicts []ConflictEntry
	NewToken  string
}

// Changed reports whether the pull modified the cache.
func (r *PullResult) Changed() bool {
	return r.Created+r.Updated+r.Deleted+len(r.Conflicts) > 0
}

// Pull applies remote changes listed since the stored token. Changes are
// applied idempotently, so the token and last sync time are committed only
// after the whole batch succeeded; a failed pull leaves them untouched and
// the next pull replays the same changes.
func (e *Engine) Pull(ctx context.Context) (*PullResult, error) {
	e.pullMu.Lock()
	defer e.pullMu.Unlock()

	ctx, cancel := e.scope(ctx)
	defer cancel()

	start := time.Now()
	res, err := e.pull(ctx)
	e.metrics.RecordPull(time.Since(start), err == nil)
	if err != nil {
		e.logger.Warn("pull failed", zap.Error(err), zap.String("class", Classify(err).String()))
		return nil, err
	}

	e.logger.Info("pull complete",
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("deleted", res.Deleted),
		zap.Int("skipped", res.Skipped),
		zap.Int("conflicts", len(res.Conflicts)))
	if res.Changed() {
		e.history(ctx, cache.ActionPull, "", map[string]any{
			"created":   res.Created,
			"updated":   res.Updated,
			"deleted":   res.Deleted,
			"conflicts": len(res.Conflicts),
		})
	}
	e.emit(Event{Type: EventPullComplete, Pull: res})
	return res, nil
}

func (e *Engine) pull(ctx context.Context) (*PullResult, error) {
	token, err := e.cache.SyncToken(ctx)
	if err != nil {
		return nil, classified("pull", "", err)
	}

	var cs *transport.ChangeSet
	err = e.call(ctx, func(ctx context.Context) error {
		var err error
		cs, err = e.store().ListChanges(ctx, token)
		return err
	})
	if err != nil {
		return nil, classified("pull", "", err)
	}

	changes, err := e.orderChanges(ctx, cs.Changes)
	if err != nil {
		return nil, classified("pull", "", err)
	}

	res := &PullResult{NewToken: cs.NewToken}
	for _, ch := range changes {
		if err := ctx.Err(); err != nil {
			return nil, classified("pull", "", err)
		}
		if err := e.applyChange(ctx, ch, res); err != nil {
			return nil, classified("pull", ch.Path, err)
		}
	}

	now := e.now()
	entries := map[string]string{
		cache.KeySyncToken:    cs.NewToken,
		cache.KeyLastSyncTime: cache.FormatTime(now),
	}
	if token == "" {
		entries[cache.KeyLastFullSyncTime] = cache.FormatTime(now)
	}
	if err := e.cache.SetMetadataBatch(ctx, entries); err != nil {
		return nil, classified("pull", "", err)
	}
	return res, nil
}

// orderChanges puts deletions first, then changes to documents already in
// the cache, then new documents, so that a path vacated within the batch is
// free before another document claims it.
func (e *Engine) orderChanges(ctx context.Context, changes []transport.Change) ([]transport.Change, error) {
	rank := make(map[string]int, len(changes))
	for _, ch := range changes {
		if ch.Deleted {
			continue
		}
		rec, err := e.cache.GetByRemoteID(ctx, ch.RemoteID)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			rank[ch.RemoteID] = 1
		} else {
			rank[ch.RemoteID] = 2
		}
	}
	ordered := slices.Clone(changes)
	slices.SortStableFunc(ordered, func(a, b transport.Change) int {
		return rank[a.RemoteID] - rank[b.RemoteID]
	})
	return ordered, nil
}

// applyChange merges one remote change into the cache.
func (e *Engine) applyChange(ctx context.Context, ch transport.Change, res *PullResult) error {
	rec, err := e.cache.GetByRemoteID(ctx, ch.RemoteID)
	if err != nil {
		return err
	}
	path := ch.Path
	if rec != nil {
		path = rec.Path
	}
	if path == "" {
		res.Skipped++
		return nil
	}

	unlock := e.cache.LockPath(path)
	defer unlock()

	// Re-read under the lock; an edit may have landed since the lookup.
	rec, err = e.cache.Get(ctx, path)
	if err != nil {
		return err
	}
	linked := rec != nil && rec.RemoteID == ch.RemoteID

	if ch.Deleted {
		return e.applyDeletion(ctx, ch, rec, linked, res)
	}

	if rec != nil && rec.Dirty && e.ownUpload(rec.Path, ch) {
		return e.adoptOwnUpload(ctx, rec, ch, res)
	}

	if rec.Synced() && !linked {
		// The path belongs to another remote document that is still live.
		return e.recordPullConflict(ctx, rec, ch, res)
	}

	if linked {
		if ch.ContentHash != "" && ch.ContentHash == rec.RemoteHash && ch.Path == rec.Path {
			res.Skipped++
			e.metrics.RecordChange("skip")
			return nil
		}
		if !ch.ModifiedTime.After(rec.RemoteModified) {
			res.Skipped++
			e.metrics.RecordChange("skip")
			return nil
		}
	}

	if rec != nil && rec.Dirty {
		if ch.ContentHash != "" && ch.ContentHash == rec.ContentHash {
			// Remote already matches the local edit.
			return e.adoptRemoteVersion(ctx, rec, ch, res)
		}
		return e.recordPullConflict(ctx, rec, ch, res)
	}

	return e.download(ctx, ch, path, rec, linked, res)
}

func (e *Engine) applyDeletion(ctx context.Context, ch transport.Change, rec *cache.FileRecord, linked bool, res *PullResult) error {
	if !linked {
		// Never seen, or the path now belongs to another object.
		res.Skipped++
		e.metrics.RecordChange("skip")
		return nil
	}
	if rec.Dirty {
		return e.recordPullConflict(ctx, rec, ch, res)
	}

	waiting, err := e.cache.GetConflict(ctx, rec.Path)
	if err != nil {
		return err
	}
	if err := e.cache.Delete(ctx, rec.Path); err != nil {
		return err
	}
	e.queue.Dequeue(rec.Path)
	res.Deleted++
	e.metrics.RecordChange("delete")
	e.history(ctx, cache.ActionRemoteDelete, rec.Path, map[string]any{"remote_id": ch.RemoteID})

	if waiting != nil && !waiting.RemoteDeleted && waiting.RemoteID != "" && waiting.RemoteID != ch.RemoteID {
		// Another document was held back by this one and can take the path.
		if err := e.unlinkElsewhere(ctx, rec.Path, waiting.RemoteID); err != nil {
			return err
		}
		next := transport.Change{
			RemoteID:     waiting.RemoteID,
			Path:         rec.Path,
			ContentHash:  waiting.RemoteHash,
			ModifiedTime: waiting.RemoteModified,
		}
		return e.download(ctx, next, rec.Path, nil, false, res)
	}
	return nil
}

// adoptOwnUpload links rec to the version its in-flight upload created.
// The record stays dirty: a newer edit is waiting to be uploaded on top.
func (e *Engine) adoptOwnUpload(ctx context.Context, rec *cache.FileRecord, ch transport.Change, res *PullResult) error {
	if ch.RemoteID != rec.RemoteID {
		if err := e.cache.SetRemoteID(ctx, rec.Path, ch.RemoteID); err != nil {
			return err
		}
	}
	if err := e.cache.SetRemoteVersion(ctx, rec.Path, ch.ModifiedTime, ch.ContentHash); err != nil {
		return err
	}
	res.Skipped++
	e.metrics.RecordChange("skip")
	e.logger.Debug("pulled own upload", zap.String("path", rec.Path), zap.String("remote_id", ch.RemoteID))
	return nil
}

func (e *Engine) adoptRemoteVersion(ctx context.Context, rec *cache.FileRecord, ch transport.Change, res *PullResult) error {
	if err := e.cache.SetRemoteID(ctx, rec.Path, ch.RemoteID); err != nil {
		return err
	}
	if err := e.cache.SetRemoteVersion(ctx, rec.Path, ch.ModifiedTime, ch.ContentHash); err != nil {
		return err
	}
	if _, err := e.cache.MarkCleanIfUnchanged(ctx, rec.Path, e.now(), rec.LocalModified); err != nil {
		return err
	}
	res.Skipped++
	e.metrics.RecordChange("skip")
	return nil
}

// download fetches the remote content and stores it as a clean record,
// following a remote rename when the path changed. locked is the path whose
// lock the caller holds; rec is the record at that path, if any.
func (e *Engine) download(ctx context.Context, ch transport.Change, locked string, rec *cache.FileRecord, linked bool, res *PullResult) error {
	var obj *transport.Object
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		obj, err = e.store().Download(ctx, ch.RemoteID)
		return err
	})
	if errors.Is(err, transport.ErrNotFound) {
		// Gone since the listing; its deletion arrives with a later pull.
		res.Skipped++
		e.metrics.RecordChange("skip")
		return nil
	}
	if err != nil {
		return err
	}

	target := obj.Path
	if target == "" {
		target = ch.Path
	}
	existing := rec
	if target != locked {
		// Pulls are serialized, so holding two path locks cannot deadlock.
		unlock := e.cache.LockPath(target)
		defer unlock()

		occupant, err := e.cache.Get(ctx, target)
		if err != nil {
			return err
		}
		if occupant != nil && (occupant.Dirty || (occupant.Synced() && occupant.RemoteID != ch.RemoteID)) {
			return e.recordPullConflict(ctx, occupant, ch, res)
		}
		if linked {
			if err := e.cache.Rename(ctx, rec.Path, target); err != nil {
				return err
			}
			e.queue.Dequeue(rec.Path)
			e.history(ctx, cache.ActionRename, target, map[string]any{"from": rec.Path})
		} else {
			existing = occupant
		}
	}

	now := e.now()
	next := &cache.FileRecord{
		Path:           target,
		RemoteID:       ch.RemoteID,
		Content:        obj.Content,
		MimeType:       obj.MimeType,
		RemoteHash:     obj.ContentHash,
		LocalModified:  obj.ModifiedTime,
		RemoteModified: obj.ModifiedTime,
		LastSync:       now,
	}
	if next.RemoteHash == "" {
		next.RemoteHash = obj.Content.Hash()
	}
	if err := e.cache.Put(ctx, next); err != nil {
		return err
	}

	action := "update"
	if existing == nil {
		res.Created++
		action = "create"
	} else {
		res.Updated++
	}
	e.metrics.RecordChange(action)
	e.history(ctx, cache.ActionDownload, target, map[string]any{
		"remote_id": ch.RemoteID,
		"hash":      next.RemoteHash,
	})
	return nil
}

// recordPullConflict records that ch cannot be applied over local, the
// record at the path ch wants.
func (e *Engine) recordPullConflict(ctx context.Context, local *cache.FileRecord, ch transport.Change, res *PullResult) error {
	path := local.Path
	prev, err := e.cache.GetConflict(ctx, path)
	if err != nil {
		return err
	}
	if prev != nil && prev.RemoteID == ch.RemoteID && prev.RemoteHash == ch.ContentHash &&
		prev.RemoteDeleted == ch.Deleted && prev.RemoteModified.Equal(ch.ModifiedTime) {
		// Replayed change; keep the entry and any resolution already chosen.
		res.Skipped++
		e.metrics.RecordChange("skip")
		return nil
	}

	c := &cache.Conflict{
		Path:           path,
		RemoteID:       ch.RemoteID,
		RemoteHash:     ch.ContentHash,
		RemoteModified: ch.ModifiedTime,
		RemoteDeleted:  ch.Deleted,
		Origin:         cache.OriginPull,
		DetectedAt:     e.now(),
	}
	if err := e.cache.PutConflict(ctx, c); err != nil {
		return err
	}

	res.Conflicts = append(res.Conflicts, newConflictEntry(c, local))
	e.metrics.RecordChange("conflict")
	e.metrics.RecordConflict(cache.OriginPull)
	e.logger.Warn("remote change conflicts with local copy",
		zap.String("path", path),
		zap.String("remote_id", ch.RemoteID),
		zap.String("local_remote_id", local.RemoteID),
		zap.Bool("remote_deleted", ch.Deleted))
	e.history(ctx, cache.ActionConflict, path, map[string]any{
		"origin":         cache.OriginPull,
		"remote_id":      ch.RemoteID,
		"remote_deleted": ch.Deleted,
	})
	e.emit(Event{Type: EventConflict, Path: path, Origin: cache.OriginPull})
	return nil
}
