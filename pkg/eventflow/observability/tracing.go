package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer uses the global OTel tracer provider.
var tracer = otel.Tracer("eventflow")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartPublishSpan starts a span around persisting one event.
	StartPublishSpan(ctx context.Context, eventName, origin string) (context.Context, trace.Span)

	// StartTickSpan starts a span for one execution of a periodic task.
	StartTickSpan(ctx context.Context, task string) (context.Context, trace.Span)

	// StartHandleSpan starts a span for one handler invocation.
	// It should be a child of the tick span.
	StartHandleSpan(ctx context.Context, endpoint, eventID string, attempt int) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

func (m *otelSpanManager) StartPublishSpan(ctx context.Context, eventName, origin string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventflow.publish",
		trace.WithAttributes(
			attribute.String("event.name", eventName),
			attribute.String("event.origin", origin),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

func (m *otelSpanManager) StartTickSpan(ctx context.Context, task string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventflow.tick",
		trace.WithAttributes(
			attribute.String("task.name", task),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartHandleSpan(ctx context.Context, endpoint, eventID string, attempt int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventflow.handle",
		trace.WithAttributes(
			attribute.String("consumer.endpoint", endpoint),
			attribute.String("event.id", eventID),
			attribute.Int("consumer.attempt", attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
