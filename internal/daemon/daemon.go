// Package daemon keeps a workspace directory and the sync engine in step.
//
// The daemon:
//  1. Feeds local document edits and deletions to the engine, debounced
//  2. Pulls remote changes on an interval and mirrors them to disk
//  3. Pauses uploads while the remote is unreachable and resumes on reconnect
//  4. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	stdsync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quillmd/quill/internal/cache"
	"github.com/quillmd/quill/internal/content"
	"github.com/quillmd/quill/internal/logging"
	"github.com/quillmd/quill/internal/sync"
)

// Engine is the part of the sync engine the daemon drives.
type Engine interface {
	OnFileEdited(ctx context.Context, path string, c content.Content, mimeType string) error
	OnFileDeleted(ctx context.Context, path string) error
	Pull(ctx context.Context) (*sync.PullResult, error)
}

// Uploads is the upload queue's connectivity switch.
type Uploads interface {
	Pause()
	Resume()
	Online() bool
}

// Records reads cached documents for mirroring.
type Records interface {
	Get(ctx context.Context, path string) (*cache.FileRecord, error)
	ListAll(ctx context.Context) ([]*cache.FileRecord, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long a path must stay quiet before its change
	// is handed to the engine. Editors often save in several writes.
	DebounceInterval time.Duration

	// PullInterval is how often remote changes are pulled.
	PullInterval time.Duration

	// Extensions limits which files are synced, e.g. ".md". Empty syncs
	// every visible file.
	Extensions []string

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DebounceInterval: 200 * time.Millisecond,
		PullInterval:     30 * time.Second,
		Extensions:       []string{".md", ".markdown", ".txt"},
	}
}

// Daemon mirrors one workspace directory.
type Daemon struct {
	root    string
	engine  Engine
	uploads Uploads
	records Records
	config  Config
	logger  *zap.Logger

	changeQueue   map[string]time.Time // relative path -> last event
	changeQueueMu stdsync.Mutex

	// known holds the content hash the daemon last saw or wrote on disk per
	// path. Mirroring only overwrites or removes files still matching it.
	known   map[string]string
	knownMu stdsync.Mutex

	// fileMu serializes local change processing with mirroring.
	fileMu stdsync.Mutex

	pullNow  chan struct{}
	mirrored bool // owned by pullLoop
}

// New creates a daemon for the workspace at root.
func New(root string, engine Engine, uploads Uploads, records Records, config Config) (*Daemon, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if engine == nil || uploads == nil || records == nil {
		return nil, fmt.Errorf("engine, uploads and records are required")
	}
	def := DefaultConfig()
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = def.DebounceInterval
	}
	if config.PullInterval <= 0 {
		config.PullInterval = def.PullInterval
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	return &Daemon{
		root:        abs,
		engine:      engine,
		uploads:     uploads,
		records:     records,
		config:      config,
		logger:      logging.OrNop(config.Logger).Named("daemon"),
		changeQueue: make(map[string]time.Time),
		known:       make(map[string]string),
		pullNow:     make(chan struct{}, 1),
	}, nil
}

// Run watches the workspace until ctx is cancelled.
//
// On start it reconciles the directory with the cache: files edited while
// the daemon was down are fed to the engine, then a pull runs and remote
// documents missing on disk are written out.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	watcher, err := NewWatcher(d.root, d.accept)
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		_ = watcher.Stop()
		return err
	}
	defer func() {
		if err := watcher.Stop(); err != nil {
			d.logger.Warn("failed to stop watcher", zap.Error(err))
		}
	}()
	d.logger.Info("watching workspace", zap.String("root", d.root))

	if err := d.Scan(ctx); err != nil {
		return fmt.Errorf("initial scan failed: %w", err)
	}
	d.PullNow()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.watchFileEvents(gctx, watcher) })
	g.Go(func() error { return d.processChangeQueue(gctx) })
	g.Go(func() error { return d.pullLoop(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	d.logger.Info("daemon stopped")
	return err
}

// PullNow schedules an immediate pull.
func (d *Daemon) PullNow() {
	select {
	case d.pullNow <- struct{}{}:
	default:
	}
}

// Scan feeds every document on disk to the engine. Unchanged documents are
// no-ops in the engine.
func (d *Daemon) Scan(ctx context.Context) error {
	var paths []string
	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if Hidden(rel) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.Type().IsRegular() && d.accept(rel) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk workspace: %w", err)
	}

	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.syncPath(ctx, rel); err != nil {
			d.logger.Warn("failed to sync document", zap.String("path", rel), zap.Error(err))
		}
	}
	d.logger.Info("scan complete", zap.Int("documents", len(paths)))
	return nil
}

func (d *Daemon) accept(rel string) bool {
	if len(d.config.Extensions) == 0 {
		return true
	}
	return slices.Contains(d.config.Extensions, strings.ToLower(filepath.Ext(rel)))
}

func (d *Daemon) abs(rel string) string {
	return filepath.Join(d.root, filepath.FromSlash(rel))
}

func (d *Daemon) watchFileEvents(ctx context.Context, w *Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.Events():
			if !ok {
				return nil
			}
			d.logger.Debug("file event", zap.String("path", event.Path), zap.Stringer("op", event.Op))
			d.queueChange(event.Path)

		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			d.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// queueChange adds a path to the change queue with debouncing.
func (d *Daemon) queueChange(rel string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.changeQueue[rel] = time.Now()
}

func (d *Daemon) processChangeQueue(ctx context.Context) error {
	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.processPendingChanges(ctx)
		}
	}
}

// processPendingChanges hands paths that have been quiet long enough to the
// engine.
func (d *Daemon) processPendingChanges(ctx context.Context) {
	now := time.Now()
	var ready []string

	d.changeQueueMu.Lock()
	for rel, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, rel)
		delete(d.changeQueue, rel)
	}
	d.changeQueueMu.Unlock()

	slices.Sort(ready)
	for _, rel := range ready {
		if err := d.syncPath(ctx, rel); err != nil {
			d.logger.Warn("failed to sync document", zap.String("path", rel), zap.Error(err))
			if sync.IsRetryable(err) {
				d.queueChange(rel)
			}
		}
	}
}

// syncPath reports the current state of rel on disk to the engine.
func (d *Daemon) syncPath(ctx context.Context, rel string) error {
	d.fileMu.Lock()
	defer d.fileMu.Unlock()

	data, err := os.ReadFile(d.abs(rel))
	if errors.Is(err, fs.ErrNotExist) {
		if err := d.engine.OnFileDeleted(ctx, rel); err != nil {
			return err
		}
		d.forget(rel)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", rel, err)
	}

	c := content.FromBytes(data)
	if err := d.engine.OnFileEdited(ctx, rel, c, content.DetectMimeType(rel, c)); err != nil {
		return err
	}
	d.remember(rel, c.Hash())
	return nil
}

func (d *Daemon) pullLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.config.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.pullNow:
		}
		d.pullOnce(ctx)
	}
}

// pullOnce pulls and mirrors. A transient failure marks the remote as
// unreachable and pauses uploads; the next successful pull resumes them.
func (d *Daemon) pullOnce(ctx context.Context) {
	// Local changes wait until the pulled state is on disk, so a stale file
	// is never reported as an edit of the new version.
	d.fileMu.Lock()
	defer d.fileMu.Unlock()

	res, err := d.engine.Pull(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if sync.ClassOf(err) == sync.ClassTransient {
			if d.uploads.Online() {
				d.logger.Warn("remote unreachable, pausing uploads", zap.Error(err))
				d.uploads.Pause()
			}
			return
		}
		d.logger.Error("pull failed", zap.Error(err))
		return
	}

	if !d.uploads.Online() {
		d.logger.Info("remote reachable again, resuming uploads")
		d.uploads.Resume()
	}
	if res.Changed() || !d.mirrored {
		if err := d.mirror(ctx); err != nil {
			d.logger.Warn("failed to mirror remote changes", zap.Error(err))
			return
		}
		d.mirrored = true
	}
}

// Mirror writes clean cached documents that differ from disk and removes
// files whose record is gone. Files with local edits the engine has not
// seen yet are left alone; the watcher reports them.
func (d *Daemon) Mirror(ctx context.Context) error {
	d.fileMu.Lock()
	defer d.fileMu.Unlock()
	return d.mirror(ctx)
}

func (d *Daemon) mirror(ctx context.Context) error {
	recs, err := d.records.ListAll(ctx)
	if err != nil {
		return err
	}

	cached := make(map[string]bool, len(recs))
	written := 0
	for _, rec := range recs {
		cached[rec.Path] = true
		if rec.Dirty || Hidden(rec.Path) || !d.accept(rec.Path) {
			continue
		}
		wrote, err := d.mirrorRecord(rec)
		if err != nil {
			return err
		}
		if wrote {
			written++
		}
	}

	removed := 0
	for rel, hash := range d.knownSnapshot() {
		if cached[rel] {
			continue
		}
		disk, exists, err := d.diskHash(rel)
		if err != nil {
			return err
		}
		if exists && disk != hash {
			continue
		}
		if exists {
			if err := os.Remove(d.abs(rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to remove %s: %w", rel, err)
			}
			removed++
		}
		d.forget(rel)
	}

	if written+removed > 0 {
		d.logger.Info("mirrored remote changes", zap.Int("written", written), zap.Int("removed", removed))
	}
	return nil
}

// Materialize replaces the file at rel with its cached copy, discarding
// whatever is on disk. The file is removed when rel has no record. Used
// after a conflict was resolved in favor of the remote side.
func (d *Daemon) Materialize(ctx context.Context, rel string) error {
	d.fileMu.Lock()
	defer d.fileMu.Unlock()

	rec, err := d.records.Get(ctx, rel)
	if err != nil {
		return err
	}
	if rec == nil {
		if err := os.Remove(d.abs(rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", rel, err)
		}
		d.forget(rel)
		return nil
	}
	if err := writeAtomic(d.abs(rel), rec.Content.Bytes()); err != nil {
		return err
	}
	d.remember(rel, rec.ContentHash)
	return nil
}

func (d *Daemon) mirrorRecord(rec *cache.FileRecord) (bool, error) {
	disk, exists, err := d.diskHash(rec.Path)
	if err != nil {
		return false, err
	}
	if exists && disk == rec.ContentHash {
		d.remember(rec.Path, disk)
		return false, nil
	}

	known, seen := d.lookup(rec.Path)
	switch {
	case exists && (!seen || disk != known):
		// Local edit not yet reported.
		return false, nil
	case !exists && seen:
		// Deleted locally; the watcher reports it.
		return false, nil
	}

	if err := writeAtomic(d.abs(rec.Path), rec.Content.Bytes()); err != nil {
		return false, err
	}
	d.remember(rec.Path, rec.ContentHash)
	return true, nil
}

func (d *Daemon) diskHash(rel string) (string, bool, error) {
	data, err := os.ReadFile(d.abs(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return content.FromBytes(data).Hash(), true, nil
}

func (d *Daemon) remember(rel, hash string) {
	d.knownMu.Lock()
	d.known[rel] = hash
	d.knownMu.Unlock()
}

func (d *Daemon) forget(rel string) {
	d.knownMu.Lock()
	delete(d.known, rel)
	d.knownMu.Unlock()
}

func (d *Daemon) lookup(rel string) (string, bool) {
	d.knownMu.Lock()
	defer d.knownMu.Unlock()
	h, ok := d.known[rel]
	return h, ok
}

func (d *Daemon) knownSnapshot() map[string]string {
	d.knownMu.Lock()
	defer d.knownMu.Unlock()
	return maps.Clone(d.known)
}

// writeAtomic writes data through a hidden temp file in the same directory
// so the watcher and editors never observe a partial document.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".quill-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
