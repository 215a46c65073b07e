package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// MemoryStore is an in-memory Store implementation.
// Suitable for testing and single-instance deployments.
// Data is lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	events  map[string]*event.Event
	records map[string]event.ConsumerRecord
	byEvent map[string][]string // event ID -> record IDs in lineup order
	closed  bool
	opts    options
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		events:  make(map[string]*event.Event),
		records: make(map[string]event.ConsumerRecord),
		byEvent: make(map[string][]string),
		opts:    buildOptions(opts),
	}
}

// StoreEventWithConsumers implements Store.
func (m *MemoryStore) StoreEventWithConsumers(_ context.Context, evt *event.Event, endpoints []string) (string, error) {
	const op = "store event"

	enc, err := encodeEvent(evt)
	if err != nil {
		return "", opError(op, KindSerialization, err)
	}
	if err := validateEndpoints(endpoints); err != nil {
		return "", opError(op, KindSerialization, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrStoreClosed
	}

	stored := evt.Clone()
	stored.ID = m.opts.newID()
	stored.Data = enc.data
	stored.CreatedAt = fromMillis(enc.createdAt)

	now := m.opts.now()
	ids := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		rec := event.NewConsumerRecord(m.opts.newID(), stored.ID, ep, now)
		m.records[rec.ID] = rec
		ids = append(ids, rec.ID)
	}

	m.events[stored.ID] = stored
	m.byEvent[stored.ID] = ids
	return stored.ID, nil
}

// FindDueConsumerRecords implements Store.
func (m *MemoryStore) FindDueConsumerRecords(_ context.Context, now time.Time, maxRetries, limit int) ([]event.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var due []event.ConsumerRecord
	for _, rec := range m.records {
		if rec.Due(now, maxRetries) {
			due = append(due, rec)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if !due[i].LastUpdatedAt.Equal(due[j].LastUpdatedAt) {
			return due[i].LastUpdatedAt.Before(due[j].LastUpdatedAt)
		}
		return due[i].ID < due[j].ID
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	deliveries := make([]event.Delivery, 0, len(due))
	for _, rec := range due {
		deliveries = append(deliveries, event.Delivery{
			Event:  m.events[rec.EventID].Clone(),
			Record: cloneRecord(rec),
		})
	}
	return deliveries, nil
}

// UpdateConsumerStatus implements Store.
func (m *MemoryStore) UpdateConsumerStatus(_ context.Context, recordID string, expect event.Precondition, outcome event.Outcome) error {
	const op = "update consumer"

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	rec, ok := m.records[recordID]
	if !ok {
		return opError(op, KindNotFound, nil)
	}
	if !expect.Matches(rec) {
		return opError(op, KindConflict, nil)
	}

	updated, err := outcome.Apply(rec, m.opts.now())
	if err != nil {
		return opError(op, KindSerialization, err)
	}
	m.records[recordID] = updated
	return nil
}

// GetEvent implements Store.
func (m *MemoryStore) GetEvent(_ context.Context, eventID string) (*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	evt, ok := m.events[eventID]
	if !ok {
		return nil, opError("get event", KindNotFound, nil)
	}
	return evt.Clone(), nil
}

// ListConsumerRecords implements Store.
func (m *MemoryStore) ListConsumerRecords(_ context.Context, eventID string) ([]event.ConsumerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	ids := m.byEvent[eventID]
	records := make([]event.ConsumerRecord, 0, len(ids))
	for _, id := range ids {
		records = append(records, cloneRecord(m.records[id]))
	}
	return records, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneRecord(r event.ConsumerRecord) event.ConsumerRecord {
	if r.ExecutionTimeMs != nil {
		ms := *r.ExecutionTimeMs
		r.ExecutionTimeMs = &ms
	}
	if r.NextRetryAt != nil {
		next := *r.NextRetryAt
		r.NextRetryAt = &next
	}
	return r
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
