package dashboard

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quillmd/quill/internal/logging"
	"github.com/quillmd/quill/internal/queue"
	"github.com/quillmd/quill/internal/sync"
)

// UploadData describes one upload attempt.
type UploadData struct {
	Path      string `json:"path"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
	Class     string `json:"class,omitempty"`
	WillRetry bool   `json:"will_retry,omitempty"`
	RetryInMS int64  `json:"retry_in_ms,omitempty"`
}

// ConflictData names a path with a conflict, or one just resolved.
type ConflictData struct {
	Path   string `json:"path"`
	Origin string `json:"origin,omitempty"`
}

// PullData summarizes a finished pull and lists the conflicts it found.
type PullData struct {
	Created   int                  `json:"created"`
	Updated   int                  `json:"updated"`
	Deleted   int                  `json:"deleted"`
	Skipped   int                  `json:"skipped"`
	Conflicts []sync.ConflictEntry `json:"conflicts,omitempty"`
}

// Handler turns queue and engine events into dashboard messages. Every
// event is followed by a fresh status frame.
type Handler struct {
	server *Server
	logger *zap.Logger
}

// NewHandler creates a handler broadcasting through server.
func NewHandler(server *Server, logger *zap.Logger) *Handler {
	return &Handler{server: server, logger: logging.OrNop(logger).Named("dashboard")}
}

// Attach subscribes to q and engine and returns a function that
// unsubscribes both.
func (h *Handler) Attach(q *queue.Queue, engine *sync.Engine) func() {
	stopQueue := q.Subscribe(h.OnQueueEvent)
	stopEngine := engine.Subscribe(h.OnEngineEvent)
	return func() {
		stopQueue()
		stopEngine()
	}
}

// OnQueueEvent handles upload outcomes.
func (h *Handler) OnQueueEvent(ev queue.Event) {
	data := UploadData{
		Path:      ev.Path,
		Attempts:  ev.Attempts,
		WillRetry: ev.WillRetry,
		RetryInMS: ev.RetryIn.Milliseconds(),
	}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
		data.Class = sync.ClassOf(ev.Err).String()
	}

	var typ MessageType
	switch ev.Type {
	case queue.EventUploadSuccess:
		typ = MessageTypeUploadSuccess
	case queue.EventUploadError:
		typ = MessageTypeUploadError
	case queue.EventUploadWarning:
		typ = MessageTypeUploadWarning
	default:
		return
	}
	h.server.BroadcastData(typ, data)
	h.broadcastStatus()
}

// OnEngineEvent handles conflicts, resolutions and pull summaries.
func (h *Handler) OnEngineEvent(ev sync.Event) {
	switch ev.Type {
	case sync.EventConflict:
		h.server.BroadcastData(MessageTypeConflict, ConflictData{Path: ev.Path, Origin: ev.Origin})
	case sync.EventResolved:
		h.server.BroadcastData(MessageTypeResolved, ConflictData{Path: ev.Path, Origin: ev.Origin})
	case sync.EventPullComplete:
		if ev.Pull == nil {
			return
		}
		h.server.BroadcastData(MessageTypePullComplete, PullData{
			Created:   ev.Pull.Created,
			Updated:   ev.Pull.Updated,
			Deleted:   ev.Pull.Deleted,
			Skipped:   ev.Pull.Skipped,
			Conflicts: ev.Pull.Conflicts,
		})
	default:
		return
	}
	h.broadcastStatus()
}

// broadcastStatus sends the current status. It runs off the caller's
// goroutine since events arrive on queue workers.
func (h *Handler) broadcastStatus() {
	if h.server.status == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := h.server.status(ctx)
		if err != nil {
			h.logger.Debug("status unavailable", zap.Error(err))
			return
		}
		h.server.BroadcastData(MessageTypeStatus, st)
	}()
}
