// Package telemetry configures OpenTelemetry metrics for the sidecar and
// exposes recording helpers used by the store, tracer and release watcher.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/sidecar"
)

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	modelOpsTotal     metric.Int64Counter
	modelOpDuration   metric.Float64Histogram
	tracerBlocksTotal metric.Int64Counter
	releaseUpdates    metric.Int64Counter
	releaseErrors     metric.Int64Counter

	meter         metric.Meter
	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "sidecar"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	modelOpsTotal, err := meter.Int64Counter(
		"sidecar_model_operations_total",
		metric.WithDescription("Total number of metadata store operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	modelOpDuration, err := meter.Float64Histogram(
		"sidecar_model_operation_duration_seconds",
		metric.WithDescription("Metadata store operation duration in seconds, including lock wait"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5),
	)
	if err != nil {
		return nil, err
	}

	tracerBlocksTotal, err := meter.Int64Counter(
		"sidecar_tracer_blocks_total",
		metric.WithDescription("Total number of distinct blocks observed by progress tracers"),
		metric.WithUnit("{block}"),
	)
	if err != nil {
		return nil, err
	}

	releaseUpdates, err := meter.Int64Counter(
		"sidecar_release_updates_total",
		metric.WithDescription("Total number of release updates emitted by watchers"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		return nil, err
	}

	releaseErrors, err := meter.Int64Counter(
		"sidecar_release_recompute_errors_total",
		metric.WithDescription("Total number of failed release recomputations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		modelOpsTotal:     modelOpsTotal,
		modelOpDuration:   modelOpDuration,
		tracerBlocksTotal: tracerBlocksTotal,
		releaseUpdates:    releaseUpdates,
		releaseErrors:     releaseErrors,
		meter:             meter,
	}, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// Meter returns the sidecar meter, or the global otel meter before InitMetrics.
func Meter() metric.Meter {
	if globalMetrics == nil || globalMetrics.meter == nil {
		return otel.Meter(meterName)
	}
	return globalMetrics.meter
}

// RecordModelOp records a metadata store operation.
func RecordModelOp(ctx context.Context, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.modelOpsTotal.Add(ctx, 1, attrs)
	globalMetrics.modelOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("op", op)))
}

// RecordTracerBlock records a newly observed block.
func RecordTracerBlock(ctx context.Context, core string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.tracerBlocksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("core", core)))
}

// RecordReleaseUpdate records an emitted release update. Target is "drive"
// or "local".
func RecordReleaseUpdate(ctx context.Context, target string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.releaseUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String("target", target)))
}

// RecordReleaseError records a swallowed recompute failure.
func RecordReleaseError(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.releaseErrors.Add(ctx, 1)
}

// PrometheusHandler returns the /metrics handler, or 404 when Prometheus
// export is disabled.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
