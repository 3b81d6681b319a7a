// Package config loads the sidecar daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	PlatformDir string        `yaml:"platform_dir"`
	DBPath      string        `yaml:"db_path"`
	GC          GCConfig      `yaml:"gc"`
	Watch       WatchConfig   `yaml:"watch"`
	Metrics     MetricsConfig `yaml:"metrics"`
	Log         LogConfig     `yaml:"log"`
}

type GCConfig struct {
	Interval      time.Duration `yaml:"interval"`
	StartupDelay  time.Duration `yaml:"startup_delay"`
	BatchSize     int           `yaml:"batch_size"`
	MaxAssetBytes int64         `yaml:"max_asset_bytes"`
}

type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

type MetricsConfig struct {
	Prometheus   bool   `yaml:"prometheus"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Address      string `yaml:"address"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given. The
// platform directory is left empty for the caller to resolve.
func Default() Config {
	return Config{
		GC: GCConfig{
			Interval:      10 * time.Minute,
			BatchSize:     1000,
			MaxAssetBytes: 12 << 30,
		},
		Watch: WatchConfig{
			Debounce: 50 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Address: ":9464",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating its directory.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ResolvedDBPath returns DBPath, defaulting to db/metadata.db under the
// platform directory.
func (c Config) ResolvedDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.PlatformDir, "db", "metadata.db")
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.PlatformDir == "" {
		return errors.New("platform_dir is required")
	}
	if c.GC.Interval <= 0 {
		return fmt.Errorf("gc.interval must be positive, got %s", c.GC.Interval)
	}
	if c.GC.StartupDelay < 0 {
		return fmt.Errorf("gc.startup_delay must not be negative, got %s", c.GC.StartupDelay)
	}
	if c.GC.BatchSize <= 0 {
		return fmt.Errorf("gc.batch_size must be positive, got %d", c.GC.BatchSize)
	}
	if c.GC.MaxAssetBytes < 0 {
		return fmt.Errorf("gc.max_asset_bytes must not be negative, got %d", c.GC.MaxAssetBytes)
	}
	if c.Watch.Debounce <= 0 {
		return fmt.Errorf("watch.debounce must be positive, got %s", c.Watch.Debounce)
	}
	if c.Metrics.Prometheus && c.Metrics.Address == "" {
		return errors.New("metrics.address is required when prometheus is enabled")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}
	return nil
}
