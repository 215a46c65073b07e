package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		origin TEXT NOT NULL,
		application TEXT NOT NULL,
		service TEXT NOT NULL,
		data BLOB NOT NULL,
		aggregate_type TEXT,
		aggregate_id TEXT,
		correlation_id TEXT,
		causation_id TEXT,
		metadata BLOB,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS event_consumers (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL REFERENCES events(id),
		position INTEGER NOT NULL,
		endpoint TEXT NOT NULL,
		status TEXT NOT NULL,
		retry INTEGER NOT NULL DEFAULT 0,
		last_updated_at INTEGER NOT NULL,
		error_message TEXT,
		error_kind TEXT,
		execution_time_ms INTEGER,
		next_retry_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_consumers_due
		ON event_consumers(status, next_retry_at)`,
	`CREATE INDEX IF NOT EXISTS idx_event_consumers_event_id
		ON event_consumers(event_id)`,
}

// SQLiteStore persists events to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	opts   options
}

// NewSQLiteStore creates a new SQLite event store.
// The path should be a file path (e.g., "./events.db") or ":memory:" for testing.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: a single writer, and ":memory:" databases are
	// per-connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteStore{db: db, opts: buildOptions(opts)}, nil
}

// StoreEventWithConsumers implements Store.
func (s *SQLiteStore) StoreEventWithConsumers(ctx context.Context, evt *event.Event, endpoints []string) (string, error) {
	const op = "store event"

	enc, err := encodeEvent(evt)
	if err != nil {
		return "", opError(op, KindSerialization, err)
	}
	if err := validateEndpoints(endpoints); err != nil {
		return "", opError(op, KindSerialization, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", opError(op, KindConnection, fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	eventID := s.opts.newID()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, name, origin, application, service, data,
			aggregate_type, aggregate_id, correlation_id, causation_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, eventID, evt.Name, evt.Origin, evt.Application, evt.Service, enc.data,
		nullableString(evt.AggregateType), nullableString(evt.AggregateID),
		nullableString(evt.CorrelationID), nullableString(evt.CausationID),
		enc.metadata, enc.createdAt,
	); err != nil {
		return "", opError(op, KindConnection, fmt.Errorf("insert event: %w", err))
	}

	now := s.opts.now().UnixMilli()
	for i, ep := range endpoints {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO event_consumers (id, event_id, position, endpoint, status, retry, last_updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?)
		`, s.opts.newID(), eventID, i, ep, string(event.StatusPending), now); err != nil {
			return "", opError(op, KindConnection, fmt.Errorf("insert consumer %s: %w", ep, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return "", opError(op, KindConnection, fmt.Errorf("commit: %w", err))
	}
	return eventID, nil
}

// FindDueConsumerRecords implements Store.
func (s *SQLiteStore) FindDueConsumerRecords(ctx context.Context, now time.Time, maxRetries, limit int) ([]event.Delivery, error) {
	const op = "find due"

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx, dueQuery(questionMarks), now.UnixMilli(), maxRetries, limit)
	if err != nil {
		return nil, opError(op, KindConnection, err)
	}
	defer rows.Close()

	var deliveries []event.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, opError(op, KindSerialization, err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, opError(op, KindConnection, err)
	}
	return deliveries, nil
}

// UpdateConsumerStatus implements Store.
func (s *SQLiteStore) UpdateConsumerStatus(ctx context.Context, recordID string, expect event.Precondition, outcome event.Outcome) error {
	const op = "update consumer"

	query, args, err := updateQuery(questionMarks, outcome, s.opts.now())
	if err != nil {
		return opError(op, KindSerialization, err)
	}
	args = append(args, recordID, string(expect.Status), expect.Retry)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return opError(op, KindConnection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return opError(op, KindConnection, err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM event_consumers WHERE id = ?`, recordID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return opError(op, KindNotFound, nil)
	}
	if err != nil {
		return opError(op, KindConnection, err)
	}
	return opError(op, KindConflict, nil)
}

// GetEvent implements Store.
func (s *SQLiteStore) GetEvent(ctx context.Context, eventID string) (*event.Event, error) {
	const op = "get event"

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var row eventRow
	err := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events e WHERE e.id = ?`, eventID).
		Scan(row.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, opError(op, KindNotFound, nil)
	}
	if err != nil {
		return nil, opError(op, KindConnection, err)
	}

	evt, err := row.decode()
	if err != nil {
		return nil, opError(op, KindSerialization, err)
	}
	return evt, nil
}

// ListConsumerRecords implements Store.
func (s *SQLiteStore) ListConsumerRecords(ctx context.Context, eventID string) ([]event.ConsumerRecord, error) {
	const op = "list consumers"

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+consumerColumns+`
		FROM event_consumers c
		WHERE c.event_id = ?
		ORDER BY c.position
	`, eventID)
	if err != nil {
		return nil, opError(op, KindConnection, err)
	}
	defer rows.Close()

	records := []event.ConsumerRecord{}
	for rows.Next() {
		var row consumerRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, opError(op, KindSerialization, err)
		}
		rec, err := row.decode()
		if err != nil {
			return nil, opError(op, KindSerialization, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, opError(op, KindConnection, err)
	}
	return records, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
