package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quillmd/quill/internal/cache"
	"github.com/quillmd/quill/internal/transport"
)

// Status is a point-in-time summary for the UI.
type Status struct {
	Queued       int             `json:"queued"`
	Online       bool            `json:"online"`
	Conflicts    []ConflictEntry `json:"conflicts"`
	DirtyFiles   int             `json:"dirty_files"`
	TotalFiles   int             `json:"total_files"`
	LastSyncTime *time.Time      `json:"last_sync_time,omitempty"`
}

// Status reports queue and cache state.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	stats, err := e.cache.Stats(ctx)
	if err != nil {
		return nil, classified("status", "", err)
	}
	conflicts, err := e.Conflicts(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Queued:       e.queue.Size(),
		Online:       e.queue.Online(),
		Conflicts:    conflicts,
		DirtyFiles:   stats.DirtyFiles,
		TotalFiles:   stats.TotalFiles,
		LastSyncTime: stats.LastSyncTime,
	}, nil
}

// SyncOnce pulls and then waits for the queue to drain or ctx to end.
func (e *Engine) SyncOnce(ctx context.Context) (*PullResult, error) {
	res, err := e.Pull(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.queue.Wait(ctx); err != nil {
		return res, classified("sync", "", err)
	}
	return res, nil
}

// SwitchWorkspace discards all local sync state and binds the cache to
// workspace id. Running pulls and pushes are cancelled. A non-nil remote
// replaces the transport for the new workspace.
func (e *Engine) SwitchWorkspace(ctx context.Context, id string, remote transport.Transport) error {
	e.mu.Lock()
	e.stopLife()
	e.life, e.stopLife = context.WithCancel(context.Background())
	if remote != nil {
		e.remote = remote
	}
	e.mu.Unlock()

	online := e.queue.Online()
	e.queue.Pause()
	e.queue.Clear()

	e.pullMu.Lock()
	defer e.pullMu.Unlock()

	if err := e.cache.Reset(ctx); err != nil {
		return classified("switch workspace", "", err)
	}
	if err := e.cache.SetWorkspaceID(ctx, id); err != nil {
		return classified("switch workspace", "", err)
	}

	e.logger.Info("switched workspace", zap.String("workspace_id", id))
	e.history(ctx, cache.ActionWorkspaceSwitch, "", map[string]any{"workspace_id": id})
	if online {
		e.queue.Resume()
	}
	return nil
}
