package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

func newUUID() string {
	return uuid.New().String()
}

var nullJSON = json.RawMessage("null")

// encodedEvent is an event in its at-rest form.
type encodedEvent struct {
	data      []byte
	metadata  []byte
	createdAt int64
}

// encodeEvent validates and serializes the parts of evt stored as bytes.
func encodeEvent(evt *event.Event) (encodedEvent, error) {
	if evt == nil {
		return encodedEvent{}, errors.New("nil event")
	}
	if evt.Name == "" {
		return encodedEvent{}, errors.New("event name is required")
	}

	data := []byte(evt.Data)
	if len(data) == 0 {
		data = nullJSON
	} else if !json.Valid(data) {
		return encodedEvent{}, errors.New("event data is not valid JSON")
	}

	var metadata []byte
	if len(evt.Metadata) > 0 {
		b, err := json.Marshal(evt.Metadata)
		if err != nil {
			return encodedEvent{}, fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = b
	}

	createdAt := evt.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return encodedEvent{
		data:      data,
		metadata:  metadata,
		createdAt: createdAt.UnixMilli(),
	}, nil
}

func validateEndpoints(endpoints []string) error {
	for i, ep := range endpoints {
		if ep == "" {
			return fmt.Errorf("endpoint %d is empty", i)
		}
	}
	return nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// scanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const eventColumns = `e.id, e.name, e.origin, e.application, e.service, e.data,
	e.aggregate_type, e.aggregate_id, e.correlation_id, e.causation_id, e.metadata, e.created_at`

const consumerColumns = `c.id, c.event_id, c.endpoint, c.status, c.retry, c.last_updated_at,
	c.error_message, c.error_kind, c.execution_time_ms, c.next_retry_at`

type eventRow struct {
	id, name, origin, application, service string
	data                                   []byte
	aggregateType, aggregateID             sql.NullString
	correlationID, causationID             sql.NullString
	metadata                               []byte
	createdAt                              int64
}

func (r *eventRow) dest() []any {
	return []any{
		&r.id, &r.name, &r.origin, &r.application, &r.service, &r.data,
		&r.aggregateType, &r.aggregateID, &r.correlationID, &r.causationID, &r.metadata, &r.createdAt,
	}
}

func (r *eventRow) decode() (*event.Event, error) {
	evt := &event.Event{
		ID:            r.id,
		Name:          r.name,
		Origin:        r.origin,
		Application:   r.application,
		Service:       r.service,
		Data:          json.RawMessage(r.data),
		AggregateType: r.aggregateType.String,
		AggregateID:   r.aggregateID.String,
		CorrelationID: r.correlationID.String,
		CausationID:   r.causationID.String,
		CreatedAt:     fromMillis(r.createdAt),
	}
	if len(r.metadata) > 0 {
		if err := json.Unmarshal(r.metadata, &evt.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of event %s: %w", r.id, err)
		}
	}
	return evt, nil
}

type consumerRow struct {
	id, eventID, endpoint, status string
	retry                         int
	lastUpdatedAt                 int64
	errorMessage, errorKind       sql.NullString
	executionTimeMs, nextRetryAt  sql.NullInt64
}

func (r *consumerRow) dest() []any {
	return []any{
		&r.id, &r.eventID, &r.endpoint, &r.status, &r.retry, &r.lastUpdatedAt,
		&r.errorMessage, &r.errorKind, &r.executionTimeMs, &r.nextRetryAt,
	}
}

func (r *consumerRow) decode() (event.ConsumerRecord, error) {
	status := event.Status(r.status)
	if !status.Valid() {
		return event.ConsumerRecord{}, fmt.Errorf("record %s has unknown status %q", r.id, r.status)
	}

	rec := event.ConsumerRecord{
		ID:            r.id,
		EventID:       r.eventID,
		Endpoint:      r.endpoint,
		Status:        status,
		Retry:         r.retry,
		LastUpdatedAt: fromMillis(r.lastUpdatedAt),
		ErrorMessage:  r.errorMessage.String,
		ErrorKind:     event.ErrorKind(r.errorKind.String),
	}
	if r.executionTimeMs.Valid {
		ms := r.executionTimeMs.Int64
		rec.ExecutionTimeMs = &ms
	}
	if r.nextRetryAt.Valid {
		next := fromMillis(r.nextRetryAt.Int64)
		rec.NextRetryAt = &next
	}
	return rec, nil
}

func scanDelivery(s scanner) (event.Delivery, error) {
	var er eventRow
	var cr consumerRow
	if err := s.Scan(append(er.dest(), cr.dest()...)...); err != nil {
		return event.Delivery{}, err
	}
	evt, err := er.decode()
	if err != nil {
		return event.Delivery{}, err
	}
	rec, err := cr.decode()
	if err != nil {
		return event.Delivery{}, err
	}
	return event.Delivery{Event: evt, Record: rec}, nil
}

// placeholder renders the n-th (1-based) bind parameter.
type placeholder func(n int) string

func questionMarks(int) string { return "?" }

func dollarN(n int) string { return fmt.Sprintf("$%d", n) }

// dueQuery selects due deliveries joined with their events. Bind order:
// now, maxRetries, limit.
func dueQuery(ph placeholder) string {
	return `SELECT ` + eventColumns + `, ` + consumerColumns + `
		FROM event_consumers c
		JOIN events e ON e.id = c.event_id
		WHERE c.status = '` + string(event.StatusPending) + `'
		   OR (c.status = '` + string(event.StatusFailed) + `'
		       AND c.next_retry_at IS NOT NULL
		       AND c.next_retry_at <= ` + ph(1) + `
		       AND c.retry < ` + ph(2) + `)
		ORDER BY c.last_updated_at, c.id
		LIMIT ` + ph(3)
}

// updateQuery builds the conditional update for outcome. Bind order: the
// SET arguments, then record ID, expected status, expected retry.
func updateQuery(ph placeholder, o event.Outcome, at time.Time) (string, []any, error) {
	var sets []string
	var args []any
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+ph(len(args)))
	}

	switch o.Kind {
	case event.OutcomeSuccess:
		set("status", string(event.StatusSuccess))
		set("execution_time_ms", o.Duration.Milliseconds())
		sets = append(sets, "error_message = NULL", "error_kind = NULL", "next_retry_at = NULL")
	case event.OutcomeFailed:
		set("status", string(event.StatusFailed))
		sets = append(sets, "retry = retry + 1")
		set("execution_time_ms", o.Duration.Milliseconds())
		set("error_message", nullableString(o.ErrorMessage))
		set("error_kind", nullableString(string(o.ErrorKind)))
		set("next_retry_at", nullableMillis(o.NextRetryAt))
	case event.OutcomeSkipped:
		set("status", string(event.StatusSkipped))
		set("error_message", nullableString(o.ErrorMessage))
		sets = append(sets, "error_kind = NULL", "next_retry_at = NULL")
	default:
		return "", nil, fmt.Errorf("unknown outcome kind %d", o.Kind)
	}
	set("last_updated_at", at.UnixMilli())

	n := len(args)
	query := `UPDATE event_consumers SET ` + strings.Join(sets, ", ") +
		` WHERE id = ` + ph(n+1) + ` AND status = ` + ph(n+2) + ` AND retry = ` + ph(n+3)

	return query, args, nil
}
