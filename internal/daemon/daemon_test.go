package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quillmd/quill/internal/cache"
	"github.com/quillmd/quill/internal/content"
	"github.com/quillmd/quill/internal/queue"
	"github.com/quillmd/quill/internal/sync"
	"github.com/quillmd/quill/internal/transport"
)

type testDaemon struct {
	root   string
	daemon *Daemon
	remote *transport.Memory
	queue  *queue.Queue
	cache  *cache.DB
}

func newTestDaemon(t *testing.T) *testDaemon {
	t.Helper()
	ctx := context.Background()

	db, err := cache.Open(ctx, filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("cache.Open() failed: %v", err)
	}
	q := queue.New(queue.Config{BaseDelay: time.Millisecond, MaxBackoffExponent: 2, ShouldRetry: sync.IsRetryable})
	remote := transport.NewMemory()
	eng := sync.New(sync.Config{Cache: db, Queue: q, Transport: remote, CallTimeout: time.Second})
	t.Cleanup(func() {
		eng.Close()
		q.Close()
		_ = db.Close()
	})
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("engine Start() failed: %v", err)
	}

	root := t.TempDir()
	d, err := New(root, eng, q, db, Config{
		DebounceInterval: 20 * time.Millisecond,
		PullInterval:     30 * time.Millisecond,
		Extensions:       []string{".md"},
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return &testDaemon{root: root, daemon: d, remote: remote, queue: q, cache: db}
}

// run starts the daemon and stops it when the test ends.
func (td *testDaemon) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- td.daemon.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
}

func (td *testDaemon) write(t *testing.T, rel, text string) {
	t.Helper()
	path := filepath.Join(td.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func (td *testDaemon) read(rel string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(td.root, filepath.FromSlash(rel)))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (td *testDaemon) remoteText(rel string) string {
	obj, ok := td.remote.FindByPath(rel)
	if !ok {
		return ""
	}
	return obj.Content.String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDaemon_UploadsExistingAndNewFiles(t *testing.T) {
	td := newTestDaemon(t)
	td.write(t, "a.md", "existing")
	td.run(t)

	waitFor(t, "existing file upload", func() bool { return td.remoteText("a.md") == "existing" })

	td.write(t, "sub/b.md", "created later")
	waitFor(t, "new file upload", func() bool { return td.remoteText("sub/b.md") == "created later" })

	td.write(t, "a.md", "edited")
	waitFor(t, "edit upload", func() bool { return td.remoteText("a.md") == "edited" })
}

func TestDaemon_IgnoresHiddenAndForeignFiles(t *testing.T) {
	td := newTestDaemon(t)
	td.write(t, ".drafts/secret.md", "hidden")
	td.write(t, "image.png", "not markdown")
	td.write(t, "notes.md", "visible")
	td.run(t)

	waitFor(t, "notes upload", func() bool { return td.remoteText("notes.md") == "visible" })
	// Give the debounce loop a few more rounds.
	time.Sleep(100 * time.Millisecond)
	if n := td.remote.Len(); n != 1 {
		t.Errorf("remote objects = %d, want 1", n)
	}
}

func TestDaemon_MirrorsRemoteChanges(t *testing.T) {
	td := newTestDaemon(t)
	td.run(t)

	id := td.remote.Create("shared/r.md", content.Text("from remote"), "text/markdown")
	waitFor(t, "remote document on disk", func() bool {
		text, ok := td.read("shared/r.md")
		return ok && text == "from remote"
	})

	if err := td.remote.Edit(id, content.Text("edited remotely")); err != nil {
		t.Fatalf("remote Edit() failed: %v", err)
	}
	waitFor(t, "remote edit on disk", func() bool {
		text, _ := td.read("shared/r.md")
		return text == "edited remotely"
	})

	if err := td.remote.Remove(id); err != nil {
		t.Fatalf("remote Remove() failed: %v", err)
	}
	waitFor(t, "remote delete on disk", func() bool {
		_, ok := td.read("shared/r.md")
		return !ok
	})
	if calls := td.remote.Calls(transport.OpUpload); calls != 0 {
		t.Errorf("uploads = %d, want 0 for mirrored files", calls)
	}
}

func TestDaemon_LocalDeletePropagates(t *testing.T) {
	td := newTestDaemon(t)
	td.write(t, "gone.md", "soon deleted")
	td.run(t)

	waitFor(t, "upload", func() bool { return td.remoteText("gone.md") != "" })
	if err := os.Remove(filepath.Join(td.root, "gone.md")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	waitFor(t, "remote delete", func() bool { return td.remote.Len() == 0 })

	rec, err := td.cache.Get(context.Background(), "gone.md")
	if err != nil || rec != nil {
		t.Errorf("Get() = %+v, %v; want no record", rec, err)
	}
}

func TestDaemon_PausesUploadsWhileOffline(t *testing.T) {
	td := newTestDaemon(t)
	td.run(t)

	td.remote.SetOffline(true)
	waitFor(t, "uploads paused", func() bool { return !td.queue.Online() })

	td.write(t, "offline.md", "written offline")
	waitFor(t, "edit queued", func() bool { return td.queue.Has("offline.md") })

	td.remote.SetOffline(false)
	waitFor(t, "uploads resumed", func() bool { return td.queue.Online() })
	waitFor(t, "upload after reconnect", func() bool { return td.remoteText("offline.md") == "written offline" })
}

func TestNew_Validates(t *testing.T) {
	if _, err := New("", nil, nil, nil, Config{}); err == nil {
		t.Error("New() with empty root succeeded")
	}
	if _, err := New(t.TempDir(), nil, nil, nil, Config{}); err == nil {
		t.Error("New() without engine succeeded")
	}
}

func TestDaemon_MaterializeReplacesDiskCopy(t *testing.T) {
	td := newTestDaemon(t)
	ctx := context.Background()

	td.write(t, "notes/a.md", "my version")
	err := td.cache.Put(ctx, &cache.FileRecord{Path: "notes/a.md", RemoteID: "r1", Content: content.Text("their version")})
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	if err := td.daemon.Materialize(ctx, "notes/a.md"); err != nil {
		t.Fatalf("Materialize() failed: %v", err)
	}
	if got, _ := td.read("notes/a.md"); got != "their version" {
		t.Errorf("disk copy = %q, want %q", got, "their version")
	}

	if err := td.cache.Delete(ctx, "notes/a.md"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := td.daemon.Materialize(ctx, "notes/a.md"); err != nil {
		t.Fatalf("Materialize() failed: %v", err)
	}
	if _, ok := td.read("notes/a.md"); ok {
		t.Error("file still on disk after its record was removed")
	}
	if err := td.daemon.Materialize(ctx, "notes/a.md"); err != nil {
		t.Errorf("Materialize() of a missing file failed: %v", err)
	}
}
