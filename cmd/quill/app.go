package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/quillmd/quill/internal/cache"
	"github.com/quillmd/quill/internal/config"
	"github.com/quillmd/quill/internal/logging"
	"github.com/quillmd/quill/internal/metrics"
	"github.com/quillmd/quill/internal/queue"
	"github.com/quillmd/quill/internal/sync"
	"github.com/quillmd/quill/internal/transport"
)

// app holds the components a command works with. Commands build one with
// openApp and must call close when done.
type app struct {
	cfg     *config.Config
	root    string
	logger  *zap.Logger
	metrics *metrics.Metrics
	cache   *cache.DB
	queue   *queue.Queue
	engine  *sync.Engine

	// remote is closed with the app when the transport holds a file.
	remote io.Closer
}

func loadConfig() (*config.Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return config.Load(configPath, wd)
}

// openApp loads configuration and wires cache, queue, transport and engine.
// The engine is not started.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, err := cfg.RootDir(wd)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	logCfg := logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}
	if verbose {
		logCfg.Level = "debug"
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a := &app{cfg: cfg, root: root, logger: logger, metrics: metrics.New()}
	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	db, err := cache.Open(ctx, a.cfg.CachePath(a.root), cache.WithCompressThreshold(a.cfg.Cache.CompressThreshold))
	if err != nil {
		return err
	}
	a.cache = db

	backing, err := queue.NewSQLBacking(ctx, db.RawDB())
	if err != nil {
		return fmt.Errorf("failed to prepare queue storage: %w", err)
	}
	a.queue = queue.New(queue.Config{
		Concurrency:        a.cfg.Queue.Concurrency,
		BaseDelay:          a.cfg.Queue.BaseDelay,
		MaxBackoffExponent: a.cfg.Queue.MaxBackoffExponent,
		Jitter:             a.cfg.Queue.Jitter,
		WarnAfter:          a.cfg.Queue.WarnAfter,
		ShouldRetry:        sync.IsRetryable,
		Backing:            backing,
		Logger:             a.logger,
		Metrics:            a.metrics,
	})

	remote, err := a.newTransport(ctx, a.cfg.Workspace.ID)
	if err != nil {
		return err
	}
	a.engine = sync.New(sync.Config{
		Cache:       db,
		Queue:       a.queue,
		Transport:   remote,
		Logger:      a.logger,
		Metrics:     a.metrics,
		CallTimeout: a.cfg.Sync.CallTimeout,
	})

	return a.bindWorkspace(ctx)
}

// newTransport builds the configured remote for workspace id.
func (a *app) newTransport(ctx context.Context, id string) (transport.Transport, error) {
	var remote transport.Transport
	switch a.cfg.Remote.Kind {
	case config.RemoteS3:
		prefix := a.cfg.Remote.S3.Prefix
		if prefix == "" && id != "" {
			prefix = "workspaces/" + id + "/"
		}
		s3, err := transport.NewS3(ctx, transport.S3Config{
			Endpoint:  a.cfg.Remote.S3.Endpoint,
			Bucket:    a.cfg.Remote.S3.Bucket,
			Region:    a.cfg.Remote.S3.Region,
			AccessKey: a.cfg.Remote.S3.AccessKey,
			SecretKey: a.cfg.Remote.S3.SecretKey,
			Prefix:    prefix,
			Logger:    a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 remote: %w", err)
		}
		remote = s3
	default:
		local, err := transport.OpenLocal(ctx, a.cfg.LocalRemotePath(a.root, id))
		if err != nil {
			return nil, err
		}
		a.remote = local
		remote = local
	}
	return transport.Instrument(remote, a.metrics, a.logger), nil
}

// bindWorkspace makes sure the cache belongs to the configured workspace.
// A cache bound to a different workspace is reset.
func (a *app) bindWorkspace(ctx context.Context) error {
	want := a.cfg.Workspace.ID
	if want == "" {
		return nil
	}
	have, err := a.cache.WorkspaceID(ctx)
	if err != nil {
		return err
	}
	switch {
	case have == want:
		return nil
	case have == "":
		return a.cache.SetWorkspaceID(ctx, want)
	default:
		a.logger.Info("cache belongs to another workspace, resetting",
			zap.String("cached", have), zap.String("configured", want))
		return a.engine.SwitchWorkspace(ctx, want, nil)
	}
}

// start recovers pending work and begins dispatching uploads.
func (a *app) start(ctx context.Context) error {
	return a.engine.Start(ctx)
}

// drain waits up to timeout for queued uploads to finish. Uploads still
// pending afterwards stay in the queue storage for the next run.
func (a *app) drain(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return a.queue.Size(), nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := a.queue.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	return a.queue.Size(), err
}

func (a *app) close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("failed to close cache", zap.Error(err))
		}
	}
	if a.remote != nil {
		if err := a.remote.Close(); err != nil {
			a.logger.Warn("failed to close remote", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
