package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/sidecar/store/gc"
	"github.com/wolfeidau/sidecar/telemetry"
)

const shutdownTimeout = 10 * time.Second

// RunCmd runs the daemon until interrupted.
type RunCmd struct{}

func (c *RunCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := g.load()
	if err != nil {
		return err
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "sidecar",
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: cfg.Metrics.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	e, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	mgr := gc.New(e.model, e.dir, gcConfig(e), gc.WithLogger(e.logger), gc.WithMetrics(telemetry.Meter()))

	eg, egCtx := errgroup.WithContext(ctx)

	mgr.Start(egCtx)
	eg.Go(func() error {
		<-egCtx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return mgr.Stop(stopCtx)
	})

	if cfg.Metrics.Prometheus {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", telemetry.PrometheusHandler())
		srv := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		eg.Go(func() error {
			e.logger.Info("metrics server listening", "address", cfg.Metrics.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-egCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	e.logger.Info("sidecar started",
		"version", version,
		"platform_dir", e.dir.Root(),
		"db_path", cfg.ResolvedDBPath(),
	)

	err = eg.Wait()
	e.logger.Info("sidecar stopped")
	return err
}

func gcConfig(e *env) gc.Config {
	return gc.Config{
		Interval:      e.cfg.GC.Interval,
		StartupDelay:  e.cfg.GC.StartupDelay,
		MaxAssetBytes: e.cfg.GC.MaxAssetBytes,
		BatchSize:     e.cfg.GC.BatchSize,
	}
}
