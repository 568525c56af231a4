// Package config loads quill settings. QUILL_* environment variables
// override quill.yaml, which overrides the built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the workspace.
const FileName = "quill.yaml"

// EnvPrefix prefixes environment overrides, e.g. QUILL_REMOTE_S3_BUCKET.
const EnvPrefix = "QUILL"

// Remote kinds.
const (
	RemoteLocal = "local"
	RemoteS3    = "s3"
)

// Config is the full quill configuration.
type Config struct {
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Log       LogConfig       `mapstructure:"log"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

type WorkspaceConfig struct {
	ID   string `mapstructure:"id"`
	Root string `mapstructure:"root"`
}

type CacheConfig struct {
	// Path of the SQLite cache, relative to the workspace root unless
	// absolute.
	Path              string `mapstructure:"path"`
	CompressThreshold int    `mapstructure:"compress_threshold"`
}

type QueueConfig struct {
	Concurrency        int64         `mapstructure:"concurrency"`
	BaseDelay          time.Duration `mapstructure:"base_delay"`
	MaxBackoffExponent int           `mapstructure:"max_backoff_exponent"`
	Jitter             float64       `mapstructure:"jitter"`
	WarnAfter          int           `mapstructure:"warn_after"`
}

type SyncConfig struct {
	PullInterval time.Duration `mapstructure:"pull_interval"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
	Debounce     time.Duration `mapstructure:"debounce"`
	Extensions   []string      `mapstructure:"extensions"`
}

type RemoteConfig struct {
	Kind  string      `mapstructure:"kind"`
	Local LocalConfig `mapstructure:"local"`
	S3    S3Config    `mapstructure:"s3"`
}

type LocalConfig struct {
	// Dir holds one store file per workspace, relative to the workspace
	// root unless absolute. A shared directory lets several workspaces
	// sync through it.
	Dir string `mapstructure:"dir"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// defaults is the single source of default values; setDefaults and Write
// both read it.
var defaults = map[string]any{
	"workspace.id":   "",
	"workspace.root": ".",

	"cache.path":               filepath.Join(".quill", "cache.db"),
	"cache.compress_threshold": 4096,

	"queue.concurrency":          4,
	"queue.base_delay":           "1s",
	"queue.max_backoff_exponent": 6,
	"queue.jitter":               0.2,
	"queue.warn_after":           6,

	"sync.pull_interval": "30s",
	"sync.call_timeout":  "30s",
	"sync.debounce":      "200ms",
	"sync.extensions":    []string{".md", ".markdown", ".txt"},

	"remote.kind":          RemoteLocal,
	"remote.local.dir":     filepath.Join(".quill", "remote"),
	"remote.s3.endpoint":   "",
	"remote.s3.bucket":     "",
	"remote.s3.region":     "us-east-1",
	"remote.s3.access_key": "",
	"remote.s3.secret_key": "",
	"remote.s3.prefix":     "",

	"log.level":        "info",
	"log.format":       "console",
	"log.file":         "",
	"log.max_size_mb":  10,
	"log.max_backups":  3,
	"log.max_age_days": 28,

	"dashboard.enabled": false,
	"dashboard.addr":    "127.0.0.1:7420",
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// Defaults are static; failing to decode them is a programming error.
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Load reads configuration. With an explicit path that file must exist;
// otherwise quill.yaml is looked up in dir and dir/.quill, and a missing
// file means defaults plus environment.
func Load(path, dir string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.AddConfigPath(dir)
		v.AddConfigPath(filepath.Join(dir, ".quill"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	var errs []error
	switch c.Remote.Kind {
	case RemoteLocal:
		if c.Remote.Local.Dir == "" {
			errs = append(errs, errors.New("remote.local.dir is required for the local remote"))
		}
	case RemoteS3:
		if c.Remote.S3.Bucket == "" {
			errs = append(errs, errors.New("remote.s3.bucket is required for the s3 remote"))
		}
	default:
		errs = append(errs, fmt.Errorf("remote.kind %q is not one of %s, %s", c.Remote.Kind, RemoteLocal, RemoteS3))
	}
	if c.Queue.Concurrency <= 0 {
		errs = append(errs, errors.New("queue.concurrency must be positive"))
	}
	if c.Queue.BaseDelay <= 0 {
		errs = append(errs, errors.New("queue.base_delay must be positive"))
	}
	if c.Queue.Jitter < 0 || c.Queue.Jitter >= 1 {
		errs = append(errs, errors.New("queue.jitter must be in [0, 1)"))
	}
	if c.Sync.PullInterval <= 0 {
		errs = append(errs, errors.New("sync.pull_interval must be positive"))
	}
	if c.Sync.CallTimeout <= 0 {
		errs = append(errs, errors.New("sync.call_timeout must be positive"))
	}
	if !slices.Contains([]string{"json", "console"}, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format %q is not json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}

// RootDir returns the absolute workspace root. Relative roots are resolved
// against the config file's directory, or base when no file was read.
func (c *Config) RootDir(base string) (string, error) {
	root := c.Workspace.Root
	if root == "" {
		root = "."
	}
	if !filepath.IsAbs(root) {
		if c.File != "" {
			base = filepath.Dir(c.File)
			if filepath.Base(base) == ".quill" {
				base = filepath.Dir(base)
			}
		}
		root = filepath.Join(base, root)
	}
	return filepath.Abs(root)
}

// CachePath returns the absolute cache database path for root.
func (c *Config) CachePath(root string) string {
	if filepath.IsAbs(c.Cache.Path) {
		return c.Cache.Path
	}
	return filepath.Join(root, c.Cache.Path)
}

// LocalRemotePath returns the store file of workspace id for the local
// remote.
func (c *Config) LocalRemotePath(root, id string) string {
	if id == "" {
		id = "default"
	}
	dir := c.Remote.Local.Dir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	return filepath.Join(dir, id+".db")
}

// Write saves cfg as YAML at path. Durations are written in Go syntax
// ("30s") so the file stays editable.
func Write(path string, cfg *Config) error {
	doc := map[string]any{
		"workspace": map[string]any{
			"id":   cfg.Workspace.ID,
			"root": cfg.Workspace.Root,
		},
		"cache": map[string]any{
			"path":               cfg.Cache.Path,
			"compress_threshold": cfg.Cache.CompressThreshold,
		},
		"queue": map[string]any{
			"concurrency":          cfg.Queue.Concurrency,
			"base_delay":           cfg.Queue.BaseDelay.String(),
			"max_backoff_exponent": cfg.Queue.MaxBackoffExponent,
			"jitter":               cfg.Queue.Jitter,
			"warn_after":           cfg.Queue.WarnAfter,
		},
		"sync": map[string]any{
			"pull_interval": cfg.Sync.PullInterval.String(),
			"call_timeout":  cfg.Sync.CallTimeout.String(),
			"debounce":      cfg.Sync.Debounce.String(),
			"extensions":    cfg.Sync.Extensions,
		},
		"remote": map[string]any{
			"kind": cfg.Remote.Kind,
			"local": map[string]any{
				"dir": cfg.Remote.Local.Dir,
			},
			"s3": map[string]any{
				"endpoint": cfg.Remote.S3.Endpoint,
				"bucket":   cfg.Remote.S3.Bucket,
				"region":   cfg.Remote.S3.Region,
				"prefix":   cfg.Remote.S3.Prefix,
				// Credentials belong in QUILL_REMOTE_S3_ACCESS_KEY and
				// QUILL_REMOTE_S3_SECRET_KEY, not in the file.
			},
		},
		"log": map[string]any{
			"level":        cfg.Log.Level,
			"format":       cfg.Log.Format,
			"file":         cfg.Log.File,
			"max_size_mb":  cfg.Log.MaxSizeMB,
			"max_backups":  cfg.Log.MaxBackups,
			"max_age_days": cfg.Log.MaxAgeDays,
		},
		"dashboard": map[string]any{
			"enabled": cfg.Dashboard.Enabled,
			"addr":    cfg.Dashboard.Addr,
		},
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
