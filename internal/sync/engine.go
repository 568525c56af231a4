// Package sync drives synchronization between the local cache and the
// remote store.
//
// The engine owns no persistent state of its own: records, metadata and
// conflicts live in the cache, pending uploads in the queue. It installs
// itself as the queue's processor (push) and runs pull cycles that merge
// remote changes listed since the stored token. Conflicting edits are never
// merged; they are recorded and surfaced until the user picks a side.
package sync

import (
	"context"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/quillmd/quill/internal/cache"
	"github.com/quillmd/quill/internal/logging"
	"github.com/quillmd/quill/internal/metrics"
	"github.com/quillmd/quill/internal/queue"
	"github.com/quillmd/quill/internal/transport"
)

// DefaultCallTimeout bounds every remote call.
const DefaultCallTimeout = 30 * time.Second

// Config wires the engine to its collaborators.
type Config struct {
	Cache     *cache.DB
	Queue     *queue.Queue
	Transport transport.Transport

	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// CallTimeout bounds each transport call. A timed-out push is retried;
	// a timed-out pull aborts the batch.
	CallTimeout time.Duration

	// Now is the clock used for sync times. Defaults to time.Now.
	Now func() time.Time
}

// EventType names an engine event.
type EventType string

const (
	EventConflict     EventType = "conflict"
	EventPullComplete EventType = "pull:complete"
	EventResolved     EventType = "resolved"
)

// Event is published to subscribers.
type Event struct {
	Type   EventType
	Path   string
	Origin string      // conflict origin, for EventConflict
	Pull   *PullResult // for EventPullComplete
	Time   time.Time
}

// Engine coordinates push and pull.
type Engine struct {
	cache       *cache.DB
	queue       *queue.Queue
	logger      *zap.Logger
	metrics     *metrics.Metrics
	callTimeout time.Duration
	now         func() time.Time

	// pullMu serializes pulls and conflict resolution. Holders may take
	// several path locks; everyone else takes at most one at a time.
	pullMu stdsync.Mutex

	flightMu stdsync.Mutex
	inflight map[string]inflightUpload

	mu       stdsync.Mutex
	remote   transport.Transport
	life     context.Context
	stopLife context.CancelFunc

	subMu   stdsync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// New creates an engine and installs its push processor on cfg.Queue.
func New(cfg Config) *Engine {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	life, stop := context.WithCancel(context.Background())
	e := &Engine{
		cache:       cfg.Cache,
		queue:       cfg.Queue,
		remote:      cfg.Transport,
		logger:      logging.OrNop(cfg.Logger).Named("sync"),
		metrics:     cfg.Metrics,
		callTimeout: cfg.CallTimeout,
		now:         cfg.Now,
		life:        life,
		stopLife:    stop,
		subs:        make(map[int]func(Event)),
		inflight:    make(map[string]inflightUpload),
	}
	e.queue.SetProcessor(e.push)
	return e
}

// Start recovers pending work after a restart: operations saved in the
// queue backing are restored, every dirty record without an open conflict
// is enqueued, and dispatching is resumed.
func (e *Engine) Start(ctx context.Context) error {
	if _, err := e.queue.Restore(ctx); err != nil {
		e.logger.Warn("failed to restore queued operations", zap.Error(err))
	}

	dirty, err := e.cache.ListDirty(ctx)
	if err != nil {
		return classified("start", "", err)
	}

	enqueued := 0
	for _, rec := range dirty {
		c, err := e.cache.GetConflict(ctx, rec.Path)
		if err != nil {
			return classified("start", rec.Path, err)
		}
		if c != nil && !c.Resolved() {
			e.queue.Dequeue(rec.Path)
			continue
		}
		e.queue.Enqueue(queue.PendingOperation{
			Path:     rec.Path,
			Content:  rec.Content,
			MimeType: rec.MimeType,
		})
		enqueued++
	}

	e.logger.Info("engine started", zap.Int("recovered", enqueued), zap.Int("dirty", len(dirty)))
	e.queue.Resume()
	return nil
}

// Close cancels running pulls and pushes. It does not close the cache or
// the queue.
func (e *Engine) Close() {
	e.mu.Lock()
	e.stopLife()
	e.mu.Unlock()
}

// Subscribe registers fn for engine events and returns an unsubscribe
// function. fn must not block.
func (e *Engine) Subscribe(fn func(Event)) func() {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subMu.Unlock()

	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.subMu.Lock()
	fns := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// scope derives a context that also ends when the engine is closed or
// switches workspace.
func (e *Engine) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	e.mu.Lock()
	life := e.life
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (e *Engine) store() transport.Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

// call runs fn with the per-call timeout.
func (e *Engine) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return fn(ctx)
}

func (e *Engine) history(ctx context.Context, action, path string, details map[string]any) {
	if err := e.cache.AddLogEntry(ctx, action, path, details); err != nil {
		e.logger.Warn("failed to write sync history", zap.String("action", action), zap.Error(err))
	}
}
