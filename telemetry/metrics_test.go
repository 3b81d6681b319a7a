package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordModelOp(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordModelOp(context.Background(), "get_bundle", OutcomeOK, 2*time.Millisecond)
	RecordModelOp(context.Background(), "get_bundle", OutcomeNotFound, time.Millisecond)
	RecordModelOp(context.Background(), "get_bundle", OutcomeOK, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "sidecar_model_operations_total")
	require.Len(t, dps, 2)
	var ok, notFound int64
	for _, dp := range dps {
		require.True(t, hasAttr(dp.Attributes, "op", "get_bundle"))
		switch {
		case hasAttr(dp.Attributes, "outcome", OutcomeOK):
			ok = dp.Value
		case hasAttr(dp.Attributes, "outcome", OutcomeNotFound):
			notFound = dp.Value
		}
	}
	require.EqualValues(t, 2, ok)
	require.EqualValues(t, 1, notFound)

	// Duration is keyed by op only
	histDps := findHistogram(rm, "sidecar_model_operation_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(3), histDps[0].Count)
	_, hasOutcome := histDps[0].Attributes.Value(attribute.Key("outcome"))
	require.False(t, hasOutcome)
}

func TestRecordTracerBlock(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordTracerBlock(context.Background(), "meta")
	RecordTracerBlock(context.Background(), "data")
	RecordTracerBlock(context.Background(), "data")

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "sidecar_tracer_blocks_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "core", "data") {
			require.EqualValues(t, 2, dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "core", "meta"))
			require.EqualValues(t, 1, dp.Value)
		}
	}
}

func TestRecordRelease(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordReleaseUpdate(context.Background(), "drive")
	RecordReleaseError(context.Background())

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "sidecar_release_updates_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "target", "drive"))

	errDps := findCounter(rm, "sidecar_release_recompute_errors_total")
	require.Len(t, errDps, 1)
	require.EqualValues(t, 1, errDps[0].Value)
}

func TestRecord_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	// Should not panic
	RecordModelOp(context.Background(), "get_bundle", OutcomeOK, time.Millisecond)
	RecordTracerBlock(context.Background(), "meta")
	RecordReleaseUpdate(context.Background(), "local")
	RecordReleaseError(context.Background())
	require.NotNil(t, Meter())
}

func TestPrometheusHandler_Disabled(t *testing.T) {
	setupTestMetrics(t)

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
