// Package store provides durable persistence for events and their
// per-handler consumer records.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// Store persists events and consumer records.
// Implementations must be safe for concurrent use.
type Store interface {
	// StoreEventWithConsumers persists the event and one pending record per
	// endpoint, and returns the assigned event ID. Either every record
	// exists afterwards or an error is returned and none do.
	StoreEventWithConsumers(ctx context.Context, evt *event.Event, endpoints []string) (string, error)

	// FindDueConsumerRecords returns pending records, and failed records
	// whose next_retry_at is at or before now and whose retry count is
	// below maxRetries, oldest update first. limit <= 0 means no limit.
	FindDueConsumerRecords(ctx context.Context, now time.Time, maxRetries, limit int) ([]event.Delivery, error)

	// UpdateConsumerStatus applies outcome if the record is still in the
	// expected state. Returns ErrConflict when another writer got there
	// first and ErrNotFound when the record does not exist.
	UpdateConsumerStatus(ctx context.Context, recordID string, expect event.Precondition, outcome event.Outcome) error

	// GetEvent retrieves an event by ID.
	// Returns ErrNotFound if the event doesn't exist.
	GetEvent(ctx context.Context, eventID string) (*event.Event, error)

	// ListConsumerRecords returns an event's records in lineup order.
	// Returns empty slice (not error) if the event has no records.
	ListConsumerRecords(ctx context.Context, eventID string) ([]event.ConsumerRecord, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Kind classifies store failures.
type Kind string

// Store error kinds.
const (
	KindConnection    Kind = "connection"
	KindSerialization Kind = "serialization"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindClosed        Kind = "closed"
)

// Error is a typed store failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("store %s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("store %s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("store: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("store: %s", e.Kind)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the bare sentinels below by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Transient reports whether retrying the operation may succeed.
func (e *Error) Transient() bool {
	return e.Kind == KindConnection
}

// Sentinel errors for store operations; match with errors.Is.
var (
	// ErrNotFound indicates an event or record doesn't exist.
	ErrNotFound = &Error{Kind: KindNotFound}

	// ErrConflict indicates a conditional update lost a race.
	ErrConflict = &Error{Kind: KindConflict}

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = &Error{Kind: KindClosed}

	// ErrSerialization indicates a value could not be encoded or decoded.
	ErrSerialization = &Error{Kind: KindSerialization}

	// ErrConnection indicates the backend could not be reached.
	ErrConnection = &Error{Kind: KindConnection}
)

func opError(op string, kind Kind, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Option configures a store.
type Option func(*options)

type options struct {
	now   func() time.Time
	newID func() string
}

// WithClock sets the time source used to stamp last_updated_at.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithIDGenerator sets the generator for event and record IDs.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		o.newID = fn
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:   time.Now,
		newID: newUUID,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
