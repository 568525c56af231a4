package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	stdsync "sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpWrite indicates a file was created or modified.
	OpWrite EventOp = iota
	// OpRemove indicates a file was deleted or moved away.
	OpRemove
)

func (op EventOp) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// FileEvent is a change to a document in the workspace.
type FileEvent struct {
	// Path is slash-separated and relative to the workspace root.
	Path string
	Op   EventOp
}

// Watcher watches a workspace tree for document changes. New
// subdirectories are watched as they appear. Hidden files and directories
// are ignored, which also keeps the cache directory out of view.
type Watcher struct {
	root    string
	accept  func(rel string) bool
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      stdsync.WaitGroup
	mu      stdsync.Mutex
	running bool
}

// NewWatcher creates a watcher for root. accept filters document paths;
// nil accepts every file.
func NewWatcher(root string, accept func(rel string) bool) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if accept == nil {
		accept = func(string) bool { return true }
	}
	return &Watcher{
		root:    abs,
		accept:  accept,
		watcher: w,
		events:  make(chan FileEvent, 256),
		errors:  make(chan error, 16),
		done:    make(chan struct{}),
	}, nil
}

// Start adds the workspace tree and begins emitting events.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if _, err := w.addTree(w.root); err != nil {
		return err
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop closes the watcher and waits for the event loop. The Events and
// Errors channels are closed afterwards.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the channel of document changes.
func (w *Watcher) Events() <-chan FileEvent {
	return w.events
}

// Errors returns the channel of watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning reports whether the watcher has been started and not stopped.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			for _, fe := range w.convertEvent(event) {
				select {
				case w.events <- fe:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event onto document events. A directory
// created or moved into the tree is watched and its files reported.
func (w *Watcher) convertEvent(event fsnotify.Event) []FileEvent {
	rel, ok := w.relative(event.Name)
	if !ok || Hidden(rel) {
		return nil
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if err != nil {
			// Gone again before we looked.
			return nil
		}
		if info.IsDir() {
			files, err := w.addTree(event.Name)
			if err != nil {
				w.report(err)
			}
			return files
		}
		if !w.accept(rel) {
			return nil
		}
		return []FileEvent{{Path: rel, Op: OpWrite}}

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// Rename is reported for the old name; the new name arrives as Create.
		if !w.accept(rel) {
			return nil
		}
		return []FileEvent{{Path: rel, Op: OpRemove}}
	}
	return nil
}

// addTree watches dir and its visible subdirectories and returns the
// accepted files found inside.
func (w *Watcher) addTree(dir string) ([]FileEvent, error) {
	var files []FileEvent
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, ok := w.relative(path)
		if !ok {
			return nil
		}
		if rel != "" && Hidden(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch directory %s: %w", path, err)
			}
			return nil
		}
		if d.Type().IsRegular() && w.accept(rel) {
			files = append(files, FileEvent{Path: rel, Op: OpWrite})
		}
		return nil
	})
	return files, err
}

func (w *Watcher) report(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

func (w *Watcher) relative(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	if rel == "." {
		return "", true
	}
	return filepath.ToSlash(rel), true
}

// Hidden reports whether any element of the slash-separated path starts
// with a dot or is an editor backup file.
func Hidden(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") || strings.HasSuffix(part, "~") {
			return true
		}
	}
	return false
}
