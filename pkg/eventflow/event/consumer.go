package event

import (
	"fmt"
	"time"
)

// Status is the delivery state of a ConsumerRecord.
type Status string

// Consumer record status constants.
const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// ConsumerRecord is the delivery state of one event for one handler.
// The set of records for an event is fixed when the event is published.
type ConsumerRecord struct {
	ID       string `json:"id"`
	EventID  string `json:"event_id"`
	Endpoint string `json:"endpoint"`
	Status   Status `json:"status"`

	// Retry counts failed attempts. It only ever grows.
	Retry int `json:"retry"`

	LastUpdatedAt time.Time `json:"last_updated_at"`

	ErrorMessage    string    `json:"error_message,omitempty"`
	ErrorKind       ErrorKind `json:"error_kind,omitempty"`
	ExecutionTimeMs *int64    `json:"execution_time_ms,omitempty"`

	// NextRetryAt is set only while Failed and still retryable.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// NewConsumerRecord returns a pending record for endpoint.
func NewConsumerRecord(id, eventID, endpoint string, now time.Time) ConsumerRecord {
	return ConsumerRecord{
		ID:            id,
		EventID:       eventID,
		Endpoint:      endpoint,
		Status:        StatusPending,
		LastUpdatedAt: TruncateMillis(now),
	}
}

// Due reports whether the record should be processed at now.
func (r ConsumerRecord) Due(now time.Time, maxRetries int) bool {
	switch r.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return r.NextRetryAt != nil && !r.NextRetryAt.After(now) && r.Retry < maxRetries
	}
	return false
}

// Exhausted reports whether a failed record has used up its retries.
// Exhausted records keep status Failed and drop out of due-scans.
func (r ConsumerRecord) Exhausted(maxRetries int) bool {
	return r.Status == StatusFailed && r.Retry >= maxRetries
}

// Delivery pairs a due record with the event it delivers.
type Delivery struct {
	Event  *Event
	Record ConsumerRecord
}

// Precondition is the state a conditional status update expects to find.
type Precondition struct {
	Status Status
	Retry  int
}

// Expect returns the precondition matching r as it was read.
func Expect(r ConsumerRecord) Precondition {
	return Precondition{Status: r.Status, Retry: r.Retry}
}

// Matches reports whether r is still in the expected state.
func (p Precondition) Matches(r ConsumerRecord) bool {
	return r.Status == p.Status && r.Retry == p.Retry
}

// OutcomeKind identifies the transition an Outcome applies.
type OutcomeKind int

// Outcome kinds.
const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeFailed
	OutcomeSkipped
)

// String returns the outcome name.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Outcome is the result of one processing attempt, applied to a record by
// the store.
type Outcome struct {
	Kind         OutcomeKind
	Duration     time.Duration
	ErrorKind    ErrorKind
	ErrorMessage string
	NextRetryAt  *time.Time
}

// MarkSuccess records a successful attempt that took d.
func MarkSuccess(d time.Duration) Outcome {
	return Outcome{Kind: OutcomeSuccess, Duration: d}
}

// MarkFailed records a failed attempt. A nil nextRetryAt means no retry is
// scheduled.
func MarkFailed(kind ErrorKind, message string, d time.Duration, nextRetryAt *time.Time) Outcome {
	return Outcome{
		Kind:         OutcomeFailed,
		Duration:     d,
		ErrorKind:    kind,
		ErrorMessage: message,
		NextRetryAt:  nextRetryAt,
	}
}

// MarkSkipped records a record that will never be processed.
func MarkSkipped(reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, ErrorMessage: reason}
}

// Apply returns r after the outcome, stamped with at.
// Stores that cannot express the transition in a single statement use it.
func (o Outcome) Apply(r ConsumerRecord, at time.Time) (ConsumerRecord, error) {
	r.LastUpdatedAt = TruncateMillis(at)

	switch o.Kind {
	case OutcomeSuccess:
		ms := o.Duration.Milliseconds()
		r.Status = StatusSuccess
		r.ExecutionTimeMs = &ms
		r.ErrorMessage = ""
		r.ErrorKind = ""
		r.NextRetryAt = nil
	case OutcomeFailed:
		ms := o.Duration.Milliseconds()
		r.Status = StatusFailed
		r.Retry++
		r.ExecutionTimeMs = &ms
		r.ErrorMessage = o.ErrorMessage
		r.ErrorKind = o.ErrorKind
		r.NextRetryAt = nil
		if o.NextRetryAt != nil {
			next := TruncateMillis(*o.NextRetryAt)
			r.NextRetryAt = &next
		}
	case OutcomeSkipped:
		r.Status = StatusSkipped
		r.ErrorMessage = o.ErrorMessage
		r.ErrorKind = ""
		r.NextRetryAt = nil
	default:
		return r, fmt.Errorf("unknown outcome kind %d", o.Kind)
	}

	return r, nil
}
