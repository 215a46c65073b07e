package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// setupMetricsTest creates a test meter provider and returns a function to collect metrics.
func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, func()) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	originalProvider := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	cleanup := func() {
		otel.SetMeterProvider(originalProvider)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	}

	return reader, cleanup
}

// collectMetrics collects all metrics from the reader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	err := reader.Collect(context.Background(), &rm)
	require.NoError(t, err)
	return &rm
}

// findMetric finds a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the counter value for the datapoint carrying key=value.
func sumFor(t *testing.T, m *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "Expected Sum type")
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestNewMetricsRecorder(t *testing.T) {
	_, cleanup := setupMetricsTest(t)
	defer cleanup()

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)

	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop, "Expected real metrics recorder, got noop")
}

func TestRecordExecution(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("records execution count and latency", func(t *testing.T) {
		m.RecordExecution(ctx, "Mailer::handle", 50*time.Millisecond, nil)

		rm := collectMetrics(t, reader)
		executions := findMetric(rm, "eventflow.consumer.executions")
		require.NotNil(t, executions)
		assert.GreaterOrEqual(t, sumFor(t, executions, "endpoint", "Mailer::handle"), int64(1))

		latency := findMetric(rm, "eventflow.consumer.latency_ms")
		require.NotNil(t, latency)
		hist, ok := latency.Data.(metricdata.Histogram[float64])
		require.True(t, ok, "Expected Histogram type")
		require.NotEmpty(t, hist.DataPoints)
	})

	t.Run("records failures by kind", func(t *testing.T) {
		m.RecordExecution(ctx, "Cards::handle", 10*time.Millisecond, event.ExternalService(errors.New("board down")))
		m.RecordExecution(ctx, "Cards::handle", 10*time.Millisecond, errors.New("plain"))

		rm := collectMetrics(t, reader)
		failures := findMetric(rm, "eventflow.consumer.failures")
		require.NotNil(t, failures)
		assert.Equal(t, int64(1), sumFor(t, failures, "error_kind", "external_service"))
		assert.Equal(t, int64(1), sumFor(t, failures, "error_kind", "handler"))
	})

	t.Run("does not record failure when nil", func(t *testing.T) {
		m.RecordExecution(ctx, "success_only::handle", time.Millisecond, nil)

		rm := collectMetrics(t, reader)
		failures := findMetric(rm, "eventflow.consumer.failures")
		if failures != nil {
			assert.Equal(t, int64(0), sumFor(t, failures, "endpoint", "success_only::handle"))
		}
	})
}

func TestRecordSkippedPublishedTicks(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordSkipped(ctx, "Removed::handle")
	m.RecordPublished(ctx, "invite.sent", 2)
	m.RecordPublished(ctx, "invite.sent", 0)
	m.RecordTaskTick(ctx, "event-processor", nil)
	m.RecordTaskTick(ctx, "event-processor", errors.New("scan failed"))

	rm := collectMetrics(t, reader)

	skipped := findMetric(rm, "eventflow.consumer.skipped")
	require.NotNil(t, skipped)
	assert.Equal(t, int64(1), sumFor(t, skipped, "endpoint", "Removed::handle"))

	published := findMetric(rm, "eventflow.events.published")
	require.NotNil(t, published)
	assert.Equal(t, int64(2), sumFor(t, published, "event", "invite.sent"))

	ticks := findMetric(rm, "eventflow.task.ticks")
	require.NotNil(t, ticks)
	assert.Equal(t, int64(2), sumFor(t, ticks, "task", "event-processor"))
}
