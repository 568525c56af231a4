// Package queue holds pending upload operations and dispatches them to a
// processor with per-path serialization, bounded fan-out and retry with
// exponential backoff.
//
// The queue keeps at most one operation per path: enqueuing an edit for a
// path that already has a pending operation replaces its payload
// (last-write-wins) while keeping its position, attempt counter and any
// pending backoff. While paused (offline) operations accumulate and nothing
// is dispatched; Resume dispatches everything immediately.
package queue

import (
	"context"
	"sort"
	stdsync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/quillmd/quill/internal/content"
	"github.com/quillmd/quill/internal/logging"
	"github.com/quillmd/quill/internal/metrics"
)

// PendingOperation is a queued upload of the latest content of one path.
type PendingOperation struct {
	Path       string
	Content    content.Content
	MimeType   string
	Attempts   int
	EnqueuedAt time.Time

	// seq changes on every Enqueue for the path; a completion whose seq no
	// longer matches belongs to a superseded payload.
	seq uint64
}

// Processor performs one attempt of op. A nil error removes the operation.
type Processor func(ctx context.Context, op PendingOperation) error

// Config holds queue tuning.
type Config struct {
	// Concurrency bounds how many paths are processed at once.
	Concurrency int64

	// BaseDelay and MaxBackoffExponent define the retry delay:
	// BaseDelay * 2^min(attempts, MaxBackoffExponent), with Jitter applied.
	BaseDelay          time.Duration
	MaxBackoffExponent int
	Jitter             float64

	// WarnAfter is the attempt count at which an upload:warning is emitted.
	WarnAfter int

	// ShouldRetry decides whether a failed attempt is rescheduled. Nil
	// retries every error.
	ShouldRetry func(error) bool

	// Backing persists operations across restarts. Optional.
	Backing Backing

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the production retry policy: 1s base, exponent cap 6
// (about 64s between attempts), warning after 6 attempts, 4 concurrent paths.
func DefaultConfig() Config {
	return Config{
		Concurrency:        4,
		BaseDelay:          time.Second,
		MaxBackoffExponent: 6,
		Jitter:             0.2,
		WarnAfter:          6,
	}
}

type entry struct {
	op      PendingOperation
	order   uint64
	readyAt time.Time
}

// Queue is the change queue. Create it with New and release it with Close.
type Queue struct {
	cfg    Config
	logger *zap.Logger
	sem    *semaphore.Weighted

	mu        stdsync.Mutex
	ops       map[string]*entry
	inflight  map[string]bool
	processor Processor
	paused    bool
	closed    bool
	counter   uint64
	changed   chan struct{}

	subMu   stdsync.Mutex
	subs    map[int]func(Event)
	nextSub int

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// New creates a running queue. Zero fields in cfg take DefaultConfig values.
func New(cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxBackoffExponent <= 0 {
		cfg.MaxBackoffExponent = def.MaxBackoffExponent
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = def.WarnAfter
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:      cfg,
		logger:   logging.OrNop(cfg.Logger).Named("queue"),
		sem:      semaphore.NewWeighted(cfg.Concurrency),
		ops:      make(map[string]*entry),
		inflight: make(map[string]bool),
		changed:  make(chan struct{}),
		subs:     make(map[int]func(Event)),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}

	q.wg.Add(1)
	go q.run()
	return q
}

// SetProcessor installs the function that performs uploads.
func (q *Queue) SetProcessor(p Processor) {
	q.mu.Lock()
	q.processor = p
	q.mu.Unlock()
	q.signal()
}

// Enqueue inserts op or replaces the payload of the pending operation for
// op.Path.
func (q *Queue) Enqueue(op PendingOperation) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.counter++
	op.seq = q.counter
	if e, ok := q.ops[op.Path]; ok {
		op.Attempts = e.op.Attempts
		op.EnqueuedAt = e.op.EnqueuedAt
		e.op = op
	} else {
		if op.EnqueuedAt.IsZero() {
			op.EnqueuedAt = time.Now()
		}
		q.ops[op.Path] = &entry{op: op, order: q.counter}
	}
	q.persistLocked(op)
	q.notifyLocked()
	depth := len(q.ops)
	q.mu.Unlock()

	q.cfg.Metrics.SetQueueDepth(depth)
	q.logger.Debug("enqueued", zap.String("path", op.Path), zap.Int64("size", op.Content.Size()))
	q.signal()
}

// Dequeue removes the pending operation for path. An in-flight attempt is
// not interrupted but its outcome no longer affects the queue.
func (q *Queue) Dequeue(path string) bool {
	q.mu.Lock()
	_, ok := q.ops[path]
	if ok {
		delete(q.ops, path)
		q.unpersistLocked(path)
		q.notifyLocked()
	}
	depth := len(q.ops)
	q.mu.Unlock()

	if ok {
		q.cfg.Metrics.SetQueueDepth(depth)
	}
	return ok
}

// Get returns a copy of the pending operation for path.
func (q *Queue) Get(path string) (PendingOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.ops[path]
	if !ok {
		return PendingOperation{}, false
	}
	return e.op, true
}

// Has reports whether path has a pending operation.
func (q *Queue) Has(path string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.ops[path]
	return ok
}

// Size returns the number of pending operations.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Paths returns the pending paths in insertion order.
func (q *Queue) Paths() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.orderedLocked()
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.op.Path
	}
	return paths
}

// Clear drops every pending operation.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.ops = make(map[string]*entry)
	if q.cfg.Backing != nil {
		if err := q.cfg.Backing.Clear(q.ctx); err != nil {
			q.logger.Warn("failed to clear queue backing", zap.Error(err))
		}
	}
	q.notifyLocked()
	q.mu.Unlock()

	q.cfg.Metrics.SetQueueDepth(0)
}

// Pause stops dispatching. Operations keep accumulating.
func (q *Queue) Pause() {
	q.mu.Lock()
	changed := !q.paused
	q.paused = true
	q.mu.Unlock()
	if changed {
		q.logger.Info("queue paused")
	}
}

// Resume restarts dispatching and makes every operation ready immediately,
// discarding pending backoff.
func (q *Queue) Resume() {
	q.mu.Lock()
	changed := q.paused
	q.paused = false
	for _, e := range q.ops {
		e.readyAt = time.Time{}
	}
	q.mu.Unlock()
	if changed {
		q.logger.Info("queue resumed")
	}
	q.signal()
}

// Online reports whether the queue is dispatching.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.paused
}

// Wait blocks until the queue is empty or ctx ends.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		n := len(q.ops)
		ch := q.changed
		q.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Restore loads operations from the backing. Paths already queued keep
// their in-memory payload.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.cfg.Backing == nil {
		return 0, nil
	}
	ops, err := q.cfg.Backing.Load(ctx)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	restored := 0
	for _, op := range ops {
		if _, ok := q.ops[op.Path]; ok {
			continue
		}
		q.counter++
		op.seq = q.counter
		q.ops[op.Path] = &entry{op: op, order: q.counter}
		restored++
	}
	q.notifyLocked()
	depth := len(q.ops)
	q.mu.Unlock()

	q.cfg.Metrics.SetQueueDepth(depth)
	if restored > 0 {
		q.logger.Info("restored pending operations", zap.Int("count", restored))
	}
	q.signal()
	return restored, nil
}

// Close stops dispatching, cancels in-flight attempts and waits for them.
// Pending operations stay in the backing.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) orderedLocked() []*entry {
	entries := make([]*entry, 0, len(q.ops))
	for _, e := range q.ops {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	return entries
}

func (q *Queue) persistLocked(op PendingOperation) {
	if q.cfg.Backing == nil {
		return
	}
	if err := q.cfg.Backing.Save(q.ctx, op); err != nil {
		q.logger.Warn("failed to persist pending operation", zap.String("path", op.Path), zap.Error(err))
	}
}

func (q *Queue) unpersistLocked(path string) {
	if q.cfg.Backing == nil {
		return
	}
	if err := q.cfg.Backing.Remove(q.ctx, path); err != nil {
		q.logger.Warn("failed to remove persisted operation", zap.String("path", path), zap.Error(err))
	}
}
