// Package publisher records business facts as events together with one
// pending consumer record per interested handler.
//
// Publishing never runs handlers. It only persists the event and its
// lineup; the processor delivers later.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
	"github.com/randalmurphal/eventflow/pkg/eventflow/store"
)

// Matcher lists the handlers subscribed to an event type.
// *registry.Registry satisfies it.
type Matcher interface {
	HandlersFor(eventType string) []event.Handler
}

// PublishError reports a publish that persisted nothing.
type PublishError struct {
	Event  string
	Origin string
	Err    error
}

// Error implements the error interface.
func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s from %s: %v", e.Event, e.Origin, e.Err)
}

// Unwrap returns the underlying error.
func (e *PublishError) Unwrap() error {
	return e.Err
}

// Publisher persists events through a Store.
type Publisher struct {
	store       store.Store
	handlers    Matcher
	application string
	now         func() time.Time

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithApplication sets the application name stamped on every event.
func WithApplication(name string) Option {
	return func(p *Publisher) {
		p.application = name
	}
}

// WithClock sets the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithSpanManager sets the span manager.
func WithSpanManager(sm observability.SpanManager) Option {
	return func(p *Publisher) {
		p.spans = sm
	}
}

// New creates a publisher.
func New(st store.Store, handlers Matcher, opts ...Option) *Publisher {
	p := &Publisher{
		store:       st,
		handlers:    handlers,
		application: event.DefaultApplication,
		now:         time.Now,
		logger:      slog.Default(),
		metrics:     observability.NoopMetrics{},
		spans:       observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish serializes payload as JSON and stores it as an event named name,
// with a pending record for every handler currently subscribed to name.
// It returns the stored event's ID.
//
// An event nobody listens to is still stored; a warning is logged.
func (p *Publisher) Publish(ctx context.Context, payload any, name, origin string, opts ...event.Option) (id string, err error) {
	ctx, span := p.spans.StartPublishSpan(ctx, name, origin)
	defer func() { p.spans.EndSpanWithError(span, err) }()

	data, err := json.Marshal(payload)
	if err != nil {
		return "", &PublishError{
			Event:  name,
			Origin: origin,
			Err:    &store.Error{Kind: store.KindSerialization, Op: "encode payload", Err: err},
		}
	}

	base := []event.Option{
		event.WithApplication(p.application),
		event.WithTimestamp(p.now()),
	}
	evt := event.New(name, origin, data, append(base, opts...)...)

	handlers := p.handlers.HandlersFor(name)
	endpoints := make([]string, 0, len(handlers))
	for _, h := range handlers {
		endpoints = append(endpoints, event.Endpoint(h))
	}
	if len(endpoints) == 0 {
		observability.LogNoHandlers(p.logger, name, origin)
	}

	id, err = p.store.StoreEventWithConsumers(ctx, evt, endpoints)
	if err != nil {
		return "", &PublishError{Event: name, Origin: origin, Err: err}
	}

	p.metrics.RecordPublished(ctx, name, len(endpoints))
	observability.LogPublished(p.logger, id, name, origin, len(endpoints))
	return id, nil
}

// PublishTyped publishes payload under its own event name. Aggregate,
// correlation, causation and metadata are taken from the optional
// accessors the payload implements; explicit opts are applied after them.
func (p *Publisher) PublishTyped(ctx context.Context, payload event.Payload, origin string, opts ...event.Option) (string, error) {
	derived := event.OptionsFor(payload)
	return p.Publish(ctx, payload, payload.EventName(), origin, append(derived, opts...)...)
}
