package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the persistent application configuration
type Config struct {
	// Prefetch scheduling
	Scheduler SchedulerConfig `json:"scheduler"`

	// Feed window growth
	Window WindowConfig `json:"window"`

	// Viewport tracking
	Viewport ViewportConfig `json:"viewport"`

	// Content source
	Source SourceConfig `json:"source"`

	// Image cache and fetch workers
	Cache CacheConfig `json:"cache"`

	// UI Preferences
	UI UIConfig `json:"ui"`

	// DataDir holds logs, the event log and the image cache
	DataDir string `json:"data_dir"`
}

// SchedulerConfig holds prefetch scheduler settings
type SchedulerConfig struct {
	Radius       int `json:"radius"`
	RetryAfterMs int `json:"retry_after_ms"` // in-flight fetch older than this is re-issued
	EvictBehind  int `json:"evict_behind"`   // 0 disables eviction
}

// WindowConfig holds feed window settings
type WindowConfig struct {
	InitialBatch int     `json:"initial_batch"`
	BatchSize    int     `json:"batch_size"`
	EndThreshold float64 `json:"end_threshold"` // fraction of the window treated as the tail
}

// ViewportConfig holds viewport tracker settings
type ViewportConfig struct {
	Threshold float64 `json:"threshold"` // percent visible to count as current
}

// SourceConfig selects and configures the content source
type SourceConfig struct {
	FeedURL   string `json:"feed_url,omitempty"` // empty selects the synthetic source
	ImageBase string `json:"image_base"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// CacheConfig holds image fetch settings
type CacheConfig struct {
	Workers       int     `json:"workers"`
	RatePerSec    float64 `json:"rate_per_sec"`
	Burst         int     `json:"burst"`
	FetchTimeoutS int     `json:"fetch_timeout_s"`
	InMemory      bool    `json:"in_memory"`
}

// UIConfig holds UI preferences
type UIConfig struct {
	Theme       string `json:"theme"`
	ShowStatus  bool   `json:"show_status"`
	DensityMode string `json:"density_mode"` // "comfortable" or "compact"
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			Radius:       3,
			RetryAfterMs: 10000,
		},
		Window: WindowConfig{
			InitialBatch: 50,
			BatchSize:    20,
			EndThreshold: 0.5,
		},
		Viewport: ViewportConfig{
			Threshold: 50,
		},
		Source: SourceConfig{
			ImageBase: "https://picsum.photos",
			Width:     1080,
			Height:    1920,
		},
		Cache: CacheConfig{
			Workers:       4,
			RatePerSec:    10,
			Burst:         4,
			FetchTimeoutS: 30,
		},
		UI: UIConfig{
			Theme:       "dark",
			ShowStatus:  true,
			DensityMode: "comfortable",
		},
		DataDir: defaultDataDir(),
	}
}

// RetryAfter returns the in-flight retry window as a duration.
func (c *Config) RetryAfter() time.Duration {
	return time.Duration(c.Scheduler.RetryAfterMs) * time.Millisecond
}

// FetchTimeout returns the HTTP client timeout as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Cache.FetchTimeoutS) * time.Second
}

func defaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".swipefeed")
}

// ConfigPath returns the path to the config file
func ConfigPath() string {
	if p := os.Getenv("SWIPEFEED_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(defaultDataDir(), "config.json")
}

// Load reads config from disk, or returns defaults. A .env file in the
// working directory is loaded first, then SWIPEFEED_* variables override
// file values. A missing .env is fine; a malformed one is an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFrom(ConfigPath())
}

// LoadFrom reads config from path, applies the environment and validates.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()
	cfg.Validate()
	return cfg, nil
}

// Save writes config to disk
func (c *Config) Save() error {
	return c.SaveTo(ConfigPath())
}

// SaveTo writes config to path.
func (c *Config) SaveTo(path string) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ApplyEnv overrides fields from SWIPEFEED_* environment variables.
// Unparseable values are ignored.
func (c *Config) ApplyEnv() {
	envInt("SWIPEFEED_RADIUS", &c.Scheduler.Radius)
	envInt("SWIPEFEED_BATCH_SIZE", &c.Window.BatchSize)
	envInt("SWIPEFEED_INITIAL_BATCH", &c.Window.InitialBatch)
	envInt("SWIPEFEED_WORKERS", &c.Cache.Workers)
	envFloat("SWIPEFEED_RATE_PER_SEC", &c.Cache.RatePerSec)

	if v, ok := os.LookupEnv("SWIPEFEED_FEED_URL"); ok {
		c.Source.FeedURL = v
	}
	if v := os.Getenv("SWIPEFEED_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// Validate resets out-of-range values to their defaults.
func (c *Config) Validate() {
	d := DefaultConfig()

	if c.Scheduler.Radius <= 0 {
		c.Scheduler.Radius = d.Scheduler.Radius
	}
	if c.Scheduler.RetryAfterMs <= 0 {
		c.Scheduler.RetryAfterMs = d.Scheduler.RetryAfterMs
	}
	if c.Scheduler.EvictBehind < 0 {
		c.Scheduler.EvictBehind = 0
	}
	if c.Window.InitialBatch <= 0 {
		c.Window.InitialBatch = d.Window.InitialBatch
	}
	if c.Window.BatchSize <= 0 {
		c.Window.BatchSize = d.Window.BatchSize
	}
	if c.Window.EndThreshold <= 0 || c.Window.EndThreshold > 1 {
		c.Window.EndThreshold = d.Window.EndThreshold
	}
	if c.Viewport.Threshold <= 0 || c.Viewport.Threshold > 100 {
		c.Viewport.Threshold = d.Viewport.Threshold
	}
	if c.Source.ImageBase == "" {
		c.Source.ImageBase = d.Source.ImageBase
	}
	if c.Source.Width <= 0 || c.Source.Height <= 0 {
		c.Source.Width, c.Source.Height = d.Source.Width, d.Source.Height
	}
	if c.Cache.Workers <= 0 {
		c.Cache.Workers = d.Cache.Workers
	}
	if c.Cache.RatePerSec < 0 {
		c.Cache.RatePerSec = d.Cache.RatePerSec
	}
	if c.Cache.Burst <= 0 {
		c.Cache.Burst = d.Cache.Burst
	}
	if c.Cache.FetchTimeoutS <= 0 {
		c.Cache.FetchTimeoutS = d.Cache.FetchTimeoutS
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
}
