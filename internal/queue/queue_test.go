package queue

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/quillmd/quill/internal/content"
)

func testConfig() Config {
	return Config{
		Concurrency:        4,
		BaseDelay:          time.Millisecond,
		MaxBackoffExponent: 3,
		WarnAfter:          3,
	}
}

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q := New(cfg)
	t.Cleanup(q.Close)
	return q
}

// eventLog records events for assertions.
type eventLog struct {
	mu     stdsync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) count(typ EventType) int {
	n := 0
	for _, ev := range l.snapshot() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func op(path, text string) PendingOperation {
	return PendingOperation{Path: path, Content: content.Text(text), MimeType: "text/markdown"}
}

func TestEnqueue_CoalescesPerPath(t *testing.T) {
	q := newTestQueue(t, testConfig())
	q.Pause()

	q.Enqueue(op("a.md", "one"))
	q.Enqueue(op("b.md", "x"))
	q.Enqueue(op("a.md", "two"))

	if q.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", q.Size())
	}
	got, ok := q.Get("a.md")
	if !ok {
		t.Fatal("Get(a.md) missing")
	}
	if got.Content.String() != "two" {
		t.Errorf("payload = %q, want last write", got.Content.String())
	}
	if diff := cmp.Diff([]string{"a.md", "b.md"}, q.Paths()); diff != "" {
		t.Errorf("Paths() keeps first-insertion order (-want +got):\n%s", diff)
	}
}

func TestFailOnceThenSucceed(t *testing.T) {
	q := newTestQueue(t, testConfig())
	var log eventLog
	q.Subscribe(log.add)

	var calls atomic.Int32
	q.SetProcessor(func(ctx context.Context, op PendingOperation) error {
		if calls.Add(1) == 1 {
			return errors.New("network down")
		}
		return nil
	})

	q.Enqueue(op("a.md", "hello"))
	waitFor(t, "upload success", func() bool { return log.count(EventUploadSuccess) == 1 })

	if q.Size() != 0 {
		t.Errorf("Size() = %d after success, want 0", q.Size())
	}
	events := log.snapshot()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Type != EventUploadError || !events[0].WillRetry || events[0].Attempts != 1 {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Type != EventUploadSuccess || events[1].Attempts != 2 {
		t.Errorf("second event = %+v", events[1])
	}
}

func TestPauseResume(t *testing.T) {
	q := newTestQueue(t, testConfig())
	var calls atomic.Int32
	q.SetProcessor(func(ctx context.Context, op PendingOperation) error {
		calls.Add(1)
		return nil
	})

	q.Pause()
	if q.Online() {
		t.Error("Online() = true after Pause")
	}
	q.Enqueue(op("a.md", "1"))
	q.Enqueue(op("b.md", "2"))
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("processor called %d times while paused", calls.Load())
	}
	if q.Size() != 2 {
		t.Errorf("Size() = %d while paused, want 2", q.Size())
	}

	q.Resume()
	if !q.Online() {
		t.Error("Online() = false after Resume")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("processor called %d times, want 2", calls.Load())
	}
}

func TestResume_SkipsBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = time.Hour
	q := newTestQueue(t, cfg)
	var log eventLog
	q.Subscribe(log.add)

	var fail atomic.Bool
	fail.Store(true)
	q.SetProcessor(func(ctx context.Context, op PendingOperation) error {
		if fail.Load() {
			return errors.New("offline")
		}
		return nil
	})

	q.Enqueue(op("a.md", "x"))
	waitFor(t, "first failure", func() bool { return log.count(EventUploadError) == 1 })

	fail.Store(false)
	q.Pause()
	q.Resume()
	waitFor(t, "success after resume", func() bool { return log.count(EventUploadSuccess) == 1 })
}

func TestDequeueAndClear(t *testing.T) {
	q := newTestQueue(t, testConfig())
	q.Pause()
	q.Enqueue(op("a.md", "1"))
	q.Enqueue(op("b.md", "2"))
	q.Enqueue(op("c.md", "3"))

	if !q.Dequeue("b.md") {
		t.Error("Dequeue(b.md) = false")
	}
	if q.Dequeue("b.md") {
		t.Error("second Dequeue(b.md) = true")
	}
	if q.Has("b.md") {
		t.Error("Has(b.md) after dequeue")
	}
	if q.Size() != 2 {
		t.Errorf("Size() = %d, want 2", q.Size())
	}

	q.Clear()
	if q.Size() != 0 {
		t.Errorf("Size() = %d after Clear", q.Size())
	}
}

func TestPerPathSerialization(t *testing.T) {
	q := newTestQueue(t, testConfig())

	var (
		mu      stdsync.Mutex
		active  = map[string]int{}
		overlap atomic.Bool
		done    atomic.Int32
	)
	release := make(chan struct{})
	q.SetProcessor(func(ctx context.Context, op PendingOperation) error {
		mu.Lock()
		active[op.Path]++
		if active[op.Path] > 1 {
			overlap.Store(true)
		}
		mu.Unlock()

		<-release

		mu.Lock()
		active[op.Path]--
		mu.Unlock()
		done.Add(1)
		return nil
	})

	q.Enqueue(op("a.md", "v1"))
	waitFor(t, "first attempt in flight", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return active["a.md"] == 1
	})
	// Re-enqueue while in flight: must wait, then upload the new payload.
	q.Enqueue(op("a.md", "v2"))
	time.Sleep(20 * time.Millisecond)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	if overlap.Load() {
		t.Error("two attempts for one path ran concurrently")
	}
	if done.Load() != 2 {
		t.Errorf("processor ran %d times, want 2 (superseded payload re-sent)", done.Load())
	}
}

func TestConcurrencyBound(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 2
	q := newTestQueue(t, cfg)

	var active, peak atomic.Int32
	q.SetProcessor(func(ctx context.Context, op PendingOperation) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return nil
	})

	for _, p := range []string{"a", "b", "c", "d", "e", "f"} {
		q.Enqueue(op(p, p))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestNonRetryableError_StopsRetries(t *testing.T) {
	permanent := errors.New("rejected")
	cfg := testConfig()
	cfg.ShouldRetry = func(err error) bool { return !errors.Is(err, permanent) }
	q := newTestQueue(t, cfg)
	var log eventLog
	q.Subscribe(log.add)

	var calls atomic.Int32
	q.SetProcessor(func(ctx context.Context, op PendingOperation) error {
		calls.Add(1)
		return permanent
	})

	q.Enqueue(op("a.md", "x"))
	waitFor(t, "final error", func() bool { return log.count(EventUploadError) == 1 })
	time.Sleep(30 * time.Millisecond)

	if calls.Load() != 1 {
		t.Errorf("processor called %d times, want 1", calls.Load())
	}
	if q.Has("a.md") {
		t.Error("operation kept after non-retryable error")
	}
	ev := log.snapshot()[0]
	if ev.WillRetry || !errors.Is(ev.Err, permanent) {
		t.Errorf("event = %+v", ev)
	}
}

func TestWarningAfterRepeatedFailures(t *testing.T) {
	q := newTestQueue(t, testConfig())
	var log eventLog
	q.Subscribe(log.add)

	q.SetProcessor(func(ctx context.Context, op PendingOperation) error {
		return errors.New("still offline")
	})
	q.Enqueue(op("a.md", "x"))

	waitFor(t, "warning", func() bool { return log.count(EventUploadWarning) == 1 })
	for _, ev := range log.snapshot() {
		if ev.Type == EventUploadWarning && ev.Attempts != 3 {
			t.Errorf("warning at attempt %d, want 3", ev.Attempts)
		}
	}
	q.Pause()
	if !q.Has("a.md") {
		t.Error("operation dropped after repeated failures")
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	q := newTestQueue(t, testConfig())
	var log eventLog
	unsubscribe := q.Subscribe(log.add)
	unsubscribe()

	q.SetProcessor(func(ctx context.Context, op PendingOperation) error { return nil })
	q.Enqueue(op("a.md", "x"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	if n := len(log.snapshot()); n != 0 {
		t.Errorf("unsubscribed listener got %d events", n)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{6, 64 * time.Second},
		{20, 64 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(time.Second, tt.attempts, 6); got != tt.want {
			t.Errorf("Backoff(1s, %d, 6) = %v, want %v", tt.attempts, got, tt.want)
		}
	}

	q := &Queue{cfg: Config{BaseDelay: time.Second, MaxBackoffExponent: 6, Jitter: 0.2}}
	for i := 0; i < 100; i++ {
		d := q.backoff(2)
		if d < 3200*time.Millisecond || d > 4800*time.Millisecond {
			t.Fatalf("backoff(2) = %v outside ±20%% of 4s", d)
		}
	}
}

func TestSQLBacking_Restore(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "q.db"))
	if err != nil {
		t.Fatalf("sql.Open() failed: %v", err)
	}
	defer db.Close()

	backing, err := NewSQLBacking(ctx, db)
	if err != nil {
		t.Fatalf("NewSQLBacking() failed: %v", err)
	}

	cfg := testConfig()
	cfg.Backing = backing
	q := New(cfg)
	q.Pause()
	q.Enqueue(op("b.md", "bee"))
	q.Enqueue(PendingOperation{Path: "a.pdf", Content: content.Binary([]byte{0, 1, 2}), MimeType: "application/pdf"})
	q.Enqueue(op("c.md", "sea"))
	q.Dequeue("c.md")
	q.Close()

	restored := New(cfg)
	defer restored.Close()
	restored.Pause()
	n, err := restored.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("Restore() = %d, want 2", n)
	}
	if diff := cmp.Diff([]string{"b.md", "a.pdf"}, restored.Paths()); diff != "" {
		t.Errorf("restored order (-want +got):\n%s", diff)
	}
	pdf, _ := restored.Get("a.pdf")
	if pdf.Content.IsText() || pdf.Content.Size() != 3 {
		t.Errorf("binary payload not restored: %+v", pdf)
	}

	var uploaded atomic.Int32
	restored.SetProcessor(func(ctx context.Context, op PendingOperation) error {
		uploaded.Add(1)
		return nil
	})
	restored.Resume()
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := restored.Wait(wctx); err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	left, _ := backing.Load(ctx)
	if len(left) != 0 {
		t.Errorf("backing holds %d operations after uploads", len(left))
	}
}

func TestClose_CancelsInFlight(t *testing.T) {
	q := New(testConfig())
	started := make(chan struct{})
	var sawCancel atomic.Bool
	q.SetProcessor(func(ctx context.Context, op PendingOperation) error {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	})
	q.Enqueue(op("a.md", "x"))
	<-started
	q.Close()
	if !sawCancel.Load() {
		t.Error("in-flight attempt was not cancelled")
	}
	// Enqueue after Close is ignored.
	q.Enqueue(op("b.md", "y"))
	if q.Has("b.md") {
		t.Error("Enqueue after Close was accepted")
	}
}
