package cache

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/quillmd/quill/internal/content"
)

var contentComparer = cmp.Comparer(func(a, b content.Content) bool { return a.Equal(b) })

// testClock hands out strictly increasing times.
type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func openTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	clock := &testClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.now)}, opts...)
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"), opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_CreatesSchema(t *testing.T) {
	db := openTestDB(t)
	for _, table := range []string{"files", "metadata", "conflicts", "sync_log"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.InitSchema(ctx); err != nil {
		t.Fatalf("First InitSchema() failed: %v", err)
	}
	if err := db.InitSchema(ctx); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "cache.db")

	db, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Put(ctx, &FileRecord{Path: "a.md", Content: content.Text("hello"), Dirty: true}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	db, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	got, err := db.Get(ctx, "a.md")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got == nil || got.Content.String() != "hello" || !got.Dirty {
		t.Errorf("record after reopen = %+v", got)
	}
}

func TestClosed_ReturnsStorageUnavailable(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}

	checks := map[string]error{}
	_, checks["Get"] = db.Get(ctx, "a.md")
	checks["Put"] = db.Put(ctx, &FileRecord{Path: "a.md"})
	_, checks["ListDirty"] = db.ListDirty(ctx)
	checks["MarkDirty"] = db.MarkDirty(ctx, "a.md")
	_, checks["Stats"] = db.Stats(ctx)
	checks["SetMetadata"] = db.SetMetadata(ctx, KeySyncToken, "x")

	for name, err := range checks {
		if !errors.Is(err, ErrStorageUnavailable) {
			t.Errorf("%s after Close = %v, want ErrStorageUnavailable", name, err)
		}
	}
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := wrap("get file", cause)
	if !errors.Is(err, ErrStorageUnavailable) || !errors.Is(err, cause) {
		t.Errorf("wrap() = %v, should match both sentinel and cause", err)
	}
	if !strings.HasPrefix(err.Error(), "failed to get file") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestReset(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_ = db.Put(ctx, &FileRecord{Path: "a.md", Content: content.Text("a")})
	_ = db.SetMetadata(ctx, KeySyncToken, "t1")
	_ = db.PutConflict(ctx, &Conflict{Path: "a.md", Origin: OriginPull})
	_ = db.AddLogEntry(ctx, ActionPull, "", nil)

	if err := db.Reset(ctx); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}

	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.TotalFiles != 0 {
		t.Errorf("TotalFiles = %d after reset", stats.TotalFiles)
	}
	if tok, _ := db.SyncToken(ctx); tok != "" {
		t.Errorf("sync token = %q after reset", tok)
	}
	if list, _ := db.ListConflicts(ctx); len(list) != 0 {
		t.Errorf("conflicts = %+v after reset", list)
	}
	logs, _ := db.RecentLogs(ctx, time.Time{}, 10)
	if len(logs) != 1 {
		t.Errorf("history should survive reset, got %d entries", len(logs))
	}
}

func TestLockPath_SerializesSamePath(t *testing.T) {
	db := openTestDB(t)

	release := db.LockPath("a.md")
	acquired := make(chan struct{})
	go func() {
		r := db.LockPath("a.md")
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second LockPath acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}

	// A different path is independent.
	other := db.LockPath("b.md")
	other()

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second LockPath never acquired")
	}

	db.locks.mu.Lock()
	n := len(db.locks.locks)
	db.locks.mu.Unlock()
	if n != 0 {
		t.Errorf("lock table has %d entries after release", n)
	}
}
