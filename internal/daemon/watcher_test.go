package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestHidden(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"notes.md", false},
		{"a/b/c.md", false},
		{".quill/cache.db", true},
		{"a/.git/config", true},
		{"draft.md~", true},
		{"a/.quill-123.tmp", true},
	}
	for _, tt := range tests {
		if got := Hidden(tt.path); got != tt.want {
			t.Errorf("Hidden(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestWatcher_StartStop(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("new watcher should not be running")
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !w.IsRunning() {
		t.Error("watcher should be running after Start()")
	}
	if err := w.Start(); err == nil {
		t.Error("second Start() succeeded")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("watcher should not be running after Stop()")
	}
}

func nextEvent(t *testing.T, w *Watcher, match func(FileEvent) bool) FileEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for file event")
		}
	}
}

func TestWatcher_ReportsDocumentEvents(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(root, func(rel string) bool { return strings.HasSuffix(rel, ".md") })
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer w.Stop()

	path := filepath.Join(root, "doc.md")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	ev := nextEvent(t, w, func(ev FileEvent) bool { return ev.Path == "doc.md" })
	if ev.Op != OpWrite {
		t.Errorf("Op = %v, want write", ev.Op)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	nextEvent(t, w, func(ev FileEvent) bool { return ev.Path == "doc.md" && ev.Op == OpRemove })
}

func TestWatcher_FollowsNewDirectories(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(root, nil)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer w.Stop()

	dir := filepath.Join(root, "nested", "deeper")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	// Let the watcher pick up the new directories before writing.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "n.md"), []byte("n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	nextEvent(t, w, func(ev FileEvent) bool { return ev.Path == "nested/deeper/n.md" })
}

func TestWatcher_IgnoresHidden(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(root, nil)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	ev := w.convertEvent(fsnotifyCreate(filepath.Join(root, ".quill", "cache.db")))
	if len(ev) != 0 {
		t.Errorf("convertEvent() = %v, want nothing for hidden path", ev)
	}
	_ = w.Stop()
}

func fsnotifyCreate(name string) fsnotify.Event {
	return fsnotify.Event{Name: name, Op: fsnotify.Create}
}
