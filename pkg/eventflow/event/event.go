// Package event provides the data model and handler contracts of the
// event-delivery pipeline.
//
// This package defines:
//   - Event, the immutable record of a business fact
//   - ConsumerRecord, the per-handler delivery state of one event
//   - Outcome, the status transitions applied to a ConsumerRecord
//   - Handler, the dynamically dispatched side-effect capability
//   - Typed, the adapter that lets handlers work against a concrete payload
//   - HandlerError, the failure taxonomy of a single delivery attempt
package event

import (
	"encoding/json"
	"maps"
	"time"
)

// DefaultApplication is the application name stamped on every event
// unless the publisher overrides it.
const DefaultApplication = "gateway"

// ServicePrefix is prepended to the event name to form the service name.
const ServicePrefix = "EVTS:"

// Event is an immutable record of a business fact.
// Once stored an Event is never mutated.
type Event struct {
	// ID is assigned by the store when the event is persisted.
	ID string `json:"id"`

	Name        string `json:"name"`
	Origin      string `json:"origin"`
	Application string `json:"application"`
	Service     string `json:"service"`

	// Data is the opaque payload. Only a typed handler decodes it.
	Data json.RawMessage `json:"data"`

	AggregateType string `json:"aggregate_type,omitempty"`
	AggregateID   string `json:"aggregate_id,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	// CreatedAt has millisecond precision; stores persist it as epoch millis.
	CreatedAt time.Time `json:"created_at"`
}

// ServiceName returns the service name derived from an event name.
func ServiceName(name string) string {
	return ServicePrefix + name
}

// Clone returns a copy that shares nothing mutable with e.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	if e.Data != nil {
		c.Data = append(json.RawMessage(nil), e.Data...)
	}
	if e.Metadata != nil {
		c.Metadata = maps.Clone(e.Metadata)
	}
	return &c
}

// Option configures event creation.
type Option func(*Event)

// WithAggregate links the event to a domain entity.
func WithAggregate(aggregateType, aggregateID string) Option {
	return func(e *Event) {
		e.AggregateType = aggregateType
		e.AggregateID = aggregateID
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func WithCorrelationID(id string) Option {
	return func(e *Event) {
		e.CorrelationID = id
	}
}

// WithCausationID sets the ID of the causing event.
func WithCausationID(id string) Option {
	return func(e *Event) {
		e.CausationID = id
	}
}

// WithMetadata attaches structured extras. Later calls merge into earlier ones.
func WithMetadata(md map[string]any) Option {
	return func(e *Event) {
		if len(md) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, len(md))
		}
		maps.Copy(e.Metadata, md)
	}
}

// WithApplication overrides the application name.
func WithApplication(name string) Option {
	return func(e *Event) {
		e.Application = name
	}
}

// WithTimestamp sets a specific creation time (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(e *Event) {
		e.CreatedAt = t
	}
}

// New builds an unsaved event. The ID stays empty until a store assigns it.
func New(name, origin string, data []byte, opts ...Option) *Event {
	evt := &Event{
		Name:        name,
		Origin:      origin,
		Application: DefaultApplication,
		Service:     ServiceName(name),
		Data:        data,
		CreatedAt:   time.Now(),
	}

	for _, opt := range opts {
		opt(evt)
	}

	evt.CreatedAt = TruncateMillis(evt.CreatedAt)
	return evt
}

// TruncateMillis reduces t to the millisecond precision used at rest.
func TruncateMillis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}
