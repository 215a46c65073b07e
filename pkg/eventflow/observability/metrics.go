package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// MetricsRecorder records delivery metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordExecution records a handler invocation with its duration and error.
	RecordExecution(ctx context.Context, endpoint string, duration time.Duration, err error)

	// RecordSkipped records a record marked skipped.
	RecordSkipped(ctx context.Context, endpoint string)

	// RecordPublished records a persisted event and the size of its lineup.
	RecordPublished(ctx context.Context, eventName string, consumers int)

	// RecordTaskTick records one execution of a periodic task.
	RecordTaskTick(ctx context.Context, task string, err error)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	executions metric.Int64Counter
	latency    metric.Float64Histogram
	failures   metric.Int64Counter
	skipped    metric.Int64Counter
	published  metric.Int64Counter
	ticks      metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("eventflow")

	executions, err := meter.Int64Counter("eventflow.consumer.executions",
		metric.WithDescription("Number of handler invocations"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram("eventflow.consumer.latency_ms",
		metric.WithDescription("Handler latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("eventflow.consumer.failures",
		metric.WithDescription("Number of failed handler invocations"),
	)
	if err != nil {
		return nil, err
	}

	skipped, err := meter.Int64Counter("eventflow.consumer.skipped",
		metric.WithDescription("Number of records skipped for lack of a handler"),
	)
	if err != nil {
		return nil, err
	}

	published, err := meter.Int64Counter("eventflow.events.published",
		metric.WithDescription("Number of events persisted"),
	)
	if err != nil {
		return nil, err
	}

	ticks, err := meter.Int64Counter("eventflow.task.ticks",
		metric.WithDescription("Number of periodic task executions"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		executions: executions,
		latency:    latency,
		failures:   failures,
		skipped:    skipped,
		published:  published,
		ticks:      ticks,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordExecution records a handler invocation.
func (m *otelMetrics) RecordExecution(ctx context.Context, endpoint string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
	}

	m.executions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.latency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		attrs = append(attrs, attribute.String("error_kind", string(event.KindOf(err))))
		m.failures.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordSkipped records a skipped record.
func (m *otelMetrics) RecordSkipped(ctx context.Context, endpoint string) {
	m.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordPublished records a persisted event.
func (m *otelMetrics) RecordPublished(ctx context.Context, eventName string, consumers int) {
	m.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", eventName),
		attribute.Bool("has_consumers", consumers > 0),
	))
}

// RecordTaskTick records a periodic task execution.
func (m *otelMetrics) RecordTaskTick(ctx context.Context, task string, err error) {
	m.ticks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task", task),
		attribute.Bool("success", err == nil),
	))
}
