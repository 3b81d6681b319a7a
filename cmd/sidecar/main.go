// Command sidecar runs the bookkeeping daemon of the app platform and
// inspects or adjusts its metadata store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/wolfeidau/sidecar/config"
	"github.com/wolfeidau/sidecar/model"
	"github.com/wolfeidau/sidecar/platform"
	"github.com/wolfeidau/sidecar/telemetry"
)

var version = "dev"

// manifestVersion is the store schema written on first start.
const manifestVersion = 1

// Globals are the flags shared by every command.
type Globals struct {
	Config      string `help:"Path to the YAML configuration file." type:"path" default:"${default_config}" env:"SIDECAR_CONFIG"`
	PlatformDir string `help:"Platform directory, overrides the config file." type:"path" env:"SIDECAR_PLATFORM_DIR"`
	DBPath      string `help:"Metadata database path, overrides the config file." type:"path" name:"db-path"`
	LogLevel    string `help:"Log level (debug, info, warn, error)." env:"SIDECAR_LOG_LEVEL"`
	LogFormat   string `help:"Log format (text, json)."`

	out io.Writer
}

// CLI is the command tree.
type CLI struct {
	Globals

	Version       kong.VersionFlag `help:"Print the version and exit."`
	Run           RunCmd           `cmd:"" default:"1" help:"Run the daemon."`
	Data          DataCmd          `cmd:"" help:"Dump store contents as JSON."`
	GC            GCCmd            `cmd:"" name:"gc" help:"Run one garbage collection pass."`
	Shift         ShiftCmd         `cmd:"" help:"Move application storage from one app to another."`
	Drop          DropCmd          `cmd:"" help:"Reset an app's storage, queueing the old storage for collection."`
	EncryptionKey EncryptionKeyCmd `cmd:"" name:"encryption-key" help:"Set the encryption key of an app."`
	Watch         WatchCmd         `cmd:"" help:"Print an update for every change under a local project directory."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("sidecar"),
		kong.Description("App platform sidecar."),
		kong.UsageOnError(),
		kong.Vars{
			"version":        version,
			"default_config": defaultConfigPath(),
		},
	)
	cli.out = os.Stdout
	err := kctx.Run(&cli.Globals)
	kctx.FatalIfErrorf(err)
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "sidecar.yaml"
	}
	return filepath.Join(dir, "pear", "sidecar.yaml")
}

func defaultPlatformDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "pear"
	}
	return filepath.Join(dir, "pear")
}

// load resolves the configuration: file values, then flag overrides.
func (g *Globals) load() (config.Config, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return config.Config{}, err
	}
	if g.PlatformDir != "" {
		cfg.PlatformDir = g.PlatformDir
	}
	if cfg.PlatformDir == "" {
		cfg.PlatformDir = defaultPlatformDir()
	}
	if g.DBPath != "" {
		cfg.DBPath = g.DBPath
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w *os.File) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:   level,
		NoColor: !isatty.IsTerminal(w.Fd()),
	}))
}

// env is what a command needs once configuration is resolved.
type env struct {
	cfg    config.Config
	logger *slog.Logger
	dir    *platform.Dir
	model  *model.Model
	out    io.Writer
}

// open loads configuration and opens the store.
func (g *Globals) open(ctx context.Context) (*env, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	dir, err := platform.New(cfg.PlatformDir)
	if err != nil {
		return nil, err
	}

	m, err := model.Open(cfg.ResolvedDBPath(),
		model.WithLogger(logger),
		model.WithPlatform(dir),
		model.WithMetrics(telemetry.Meter()),
	)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}

	if _, err := m.GetManifest(ctx); errors.Is(err, model.ErrNotFound) {
		if _, err := m.SetManifest(ctx, manifestVersion); err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("writing manifest: %w", err)
		}
	} else if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	return &env{cfg: cfg, logger: logger, dir: dir, model: m, out: g.output()}, nil
}

func (g *Globals) output() io.Writer {
	if g.out == nil {
		return os.Stdout
	}
	return g.out
}

func (e *env) close() {
	if err := e.model.Close(); err != nil {
		e.logger.Error("closing metadata store", "error", err)
	}
}

func (e *env) print(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
