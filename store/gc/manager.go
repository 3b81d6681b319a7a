// Package gc reclaims disk space for the sidecar. It drops asset records
// whose files are gone, evicts assets over the capacity limit and deletes
// the paths queued for collection by the metadata store.
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/sidecar/model"
)

// Store is the part of the metadata store the collector uses.
type Store interface {
	AllAssets(ctx context.Context) ([]model.Asset, error)
	ScavengeAssets(ctx context.Context, exists func(path string) bool) (int, error)
	GCFirstAsset(ctx context.Context) (*model.Asset, error)
	AllGC(ctx context.Context) ([]model.GCEntry, error)
	RemoveGC(ctx context.Context, path string) error
}

// Disk deletes and measures paths under the platform directory.
type Disk interface {
	Exists(path string) (bool, error)
	Size(ctx context.Context, path string) (int64, error)
	Remove(ctx context.Context, path string) error
}

// Config configures the GC manager.
type Config struct {
	Interval      time.Duration // How often to run (default: 10m)
	StartupDelay  time.Duration // Delay before first run (default: 0)
	MaxAssetBytes int64         // Capacity for assets, 0 disables eviction
	BatchSize     int           // Max items to process per phase (default: 1000)
}

// DefaultConfig returns the default GC configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      10 * time.Minute,
		MaxAssetBytes: 12 << 30,
		BatchSize:     1000,
	}
}

// Result contains the results of a GC run.
type Result struct {
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	AssetsScavenged int           `json:"assets_scavenged"`
	AssetsEvicted   int           `json:"assets_evicted"`
	PathsCollected  int           `json:"paths_collected"`
	BytesReclaimed  int64         `json:"bytes_reclaimed"`
	Errors          []string      `json:"errors,omitempty"`
}

// Manager runs garbage collection in the background.
type Manager struct {
	store   Store
	disk    Disk
	config  Config
	metrics *Metrics
	logger  *slog.Logger

	runMu   sync.Mutex // one run at a time
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics records run results on meter.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create gc metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}

// New creates a new GC manager.
func New(store Store, disk Disk, config Config, opts ...ManagerOption) *Manager {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	m := &Manager{
		store:  store,
		disk:   disk,
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "gc")
	return m
}

// Start starts the background GC goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop stops the background goroutine, waiting for a run in progress.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	select {
	case <-stopCh:
	default:
		close(stopCh)
	}

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs a collection immediately.
func (m *Manager) RunNow(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.runGC(ctx), nil
}

// Status returns the last GC run result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)
	defer m.setRunning(false)

	m.logger.Info("gc manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
		"max_asset_bytes", m.config.MaxAssetBytes,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		m.logger.Info("gc manager stopped during startup delay")
		return
	case <-ctx.Done():
		m.logger.Info("gc manager context cancelled during startup delay")
		return
	}

	m.runGC(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runGC(ctx)
		case <-m.stopCh:
			m.logger.Info("gc manager stopped")
			return
		case <-ctx.Done():
			m.logger.Info("gc manager context cancelled")
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) runGC(ctx context.Context) *Result {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	result := &Result{
		StartedAt: time.Now(),
	}

	m.logger.Info("starting gc run")

	// Phase 1: forget assets whose files are gone
	m.phaseScavengeAssets(ctx, result)

	// Phase 2: evict assets while over capacity
	m.phaseCapacityEviction(ctx, result)

	// Phase 3: delete queued paths, including those evicted above
	m.phaseCollectQueue(ctx, result)

	result.Duration = time.Since(result.StartedAt)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	m.logger.Info("gc run completed",
		"duration", result.Duration,
		"assets_scavenged", result.AssetsScavenged,
		"assets_evicted", result.AssetsEvicted,
		"paths_collected", result.PathsCollected,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", len(result.Errors),
	)

	return result
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}

	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.runDuration.Record(ctx, result.Duration.Seconds())
	m.metrics.assetsScavenged.Add(ctx, int64(result.AssetsScavenged))
	m.metrics.assetsEvicted.Add(ctx, int64(result.AssetsEvicted))
	m.metrics.pathsCollected.Add(ctx, int64(result.PathsCollected))
	m.metrics.bytesReclaimed.Add(ctx, result.BytesReclaimed)
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)))
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	if len(result.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0)
	}
}
