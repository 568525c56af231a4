package sync

import (
	"context"
	"time"

	"github.com/quillmd/quill/internal/cache"
)

// ConflictEntry is a recorded conflict together with the local side it is
// about. Local fields are empty when no record exists at the path.
type ConflictEntry struct {
	Path           string    `json:"path"`
	Origin         string    `json:"origin"`
	RemoteID       string    `json:"remote_id,omitempty"`
	RemoteHash     string    `json:"remote_hash,omitempty"`
	RemoteModified time.Time `json:"remote_modified"`
	RemoteDeleted  bool      `json:"remote_deleted"`
	LocalRemoteID  string    `json:"local_remote_id,omitempty"`
	LocalHash      string    `json:"local_hash,omitempty"`
	LocalModified  time.Time `json:"local_modified"`
	LocalDirty     bool      `json:"local_dirty"`
	Resolution     string    `json:"resolution,omitempty"`
	DetectedAt     time.Time `json:"detected_at"`
}

// Resolved reports whether a side was chosen and its upload is pending.
func (c ConflictEntry) Resolved() bool {
	return c.Resolution != ""
}

// OtherObject reports whether the conflict is with a different remote
// document than the one the local record is linked to.
func (c ConflictEntry) OtherObject() bool {
	return c.RemoteID != "" && c.LocalRemoteID != "" && c.RemoteID != c.LocalRemoteID
}

func newConflictEntry(c *cache.Conflict, local *cache.FileRecord) ConflictEntry {
	entry := ConflictEntry{
		Path:           c.Path,
		Origin:         c.Origin,
		RemoteID:       c.RemoteID,
		RemoteHash:     c.RemoteHash,
		RemoteModified: c.RemoteModified,
		RemoteDeleted:  c.RemoteDeleted,
		Resolution:     c.Resolution,
		DetectedAt:     c.DetectedAt,
	}
	if local != nil {
		entry.LocalRemoteID = local.RemoteID
		entry.LocalHash = local.ContentHash
		entry.LocalModified = local.LocalModified
		entry.LocalDirty = local.Dirty
	}
	return entry
}

// Conflicts lists every recorded conflict ordered by path, including those
// resolved in favor of the local side whose upload has not finished.
func (e *Engine) Conflicts(ctx context.Context) ([]ConflictEntry, error) {
	conflicts, err := e.cache.ListConflicts(ctx)
	if err != nil {
		return nil, classified("conflicts", "", err)
	}
	out := make([]ConflictEntry, 0, len(conflicts))
	for _, c := range conflicts {
		rec, err := e.cache.Get(ctx, c.Path)
		if err != nil {
			return nil, classified("conflicts", c.Path, err)
		}
		out = append(out, newConflictEntry(c, rec))
	}
	return out, nil
}
