package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds library-wide defaults. Per-request params override them.
type Config struct {
	Executor ExecutorConfig
	HTTP     HTTPConfig
	Cache    CacheConfig
	Logging  LogConfig
}

// ExecutorConfig sizes the worker pools.
type ExecutorConfig struct {
	PoolSize      int `envconfig:"XFETCH_POOL_SIZE" default:"5"`
	CachePoolSize int `envconfig:"XFETCH_CACHE_POOL_SIZE" default:"5"`
	QueueLimit    int `envconfig:"XFETCH_QUEUE_LIMIT" default:"128"`
	MaxDownloads  int `envconfig:"XFETCH_MAX_DOWNLOADS" default:"3"`
}

// HTTPConfig holds transport defaults.
type HTTPConfig struct {
	ConnectTimeout   time.Duration `envconfig:"XFETCH_CONNECT_TIMEOUT" default:"15s"`
	ReadTimeout      time.Duration `envconfig:"XFETCH_READ_TIMEOUT" default:"15s"`
	MaxRetries       int           `envconfig:"XFETCH_MAX_RETRIES" default:"2"`
	UserAgent        string        `envconfig:"XFETCH_USER_AGENT" default:"xfetch/1.0"`
	RateLimitRPS     float64       `envconfig:"XFETCH_RATE_LIMIT_RPS" default:"0"`
	ProgressInterval time.Duration `envconfig:"XFETCH_PROGRESS_INTERVAL" default:"300ms"`
}

// CacheConfig holds disk cache defaults.
type CacheConfig struct {
	Root          string        `envconfig:"XFETCH_CACHE_ROOT"`
	DirName       string        `envconfig:"XFETCH_CACHE_DIR" default:"xfetch_http_cache"`
	MaxBytes      int64         `envconfig:"XFETCH_CACHE_MAX_BYTES" default:"104857600"`
	MaxEntries    int           `envconfig:"XFETCH_CACHE_MAX_ENTRIES" default:"5000"`
	CompressAbove int           `envconfig:"XFETCH_CACHE_COMPRESS_ABOVE" default:"4096"`
	PartialMaxAge time.Duration `envconfig:"XFETCH_CACHE_PARTIAL_MAX_AGE" default:"168h"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"XFETCH_LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"XFETCH_LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	cfg := &Config{
		Executor: ExecutorConfig{
			PoolSize:      5,
			CachePoolSize: 5,
			QueueLimit:    128,
			MaxDownloads:  3,
		},
		HTTP: HTTPConfig{
			ConnectTimeout:   15 * time.Second,
			ReadTimeout:      15 * time.Second,
			MaxRetries:       2,
			UserAgent:        "xfetch/1.0",
			ProgressInterval: 300 * time.Millisecond,
		},
		Cache: CacheConfig{
			DirName:       "xfetch_http_cache",
			MaxBytes:      100 << 20,
			MaxEntries:    5000,
			CompressAbove: 4096,
			PartialMaxAge: 7 * 24 * time.Hour,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Executor.PoolSize <= 0 {
		return fmt.Errorf("pool size must be positive, got %d", c.Executor.PoolSize)
	}
	if c.Executor.CachePoolSize <= 0 {
		return fmt.Errorf("cache pool size must be positive, got %d", c.Executor.CachePoolSize)
	}
	if c.Executor.MaxDownloads <= 0 {
		return fmt.Errorf("max downloads must be positive, got %d", c.Executor.MaxDownloads)
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.Cache.MaxEntries <= 0 || c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache ceilings must be positive")
	}
	return nil
}

// applyDefaults fills the cache root when the environment leaves it empty.
func (c *Config) applyDefaults() {
	if c.Cache.Root == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			dir = os.TempDir()
		}
		c.Cache.Root = filepath.Join(dir, "xfetch")
	}
}
