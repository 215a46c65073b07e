package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		origin TEXT NOT NULL,
		application TEXT NOT NULL,
		service TEXT NOT NULL,
		data JSONB NOT NULL,
		aggregate_type TEXT,
		aggregate_id TEXT,
		correlation_id TEXT,
		causation_id TEXT,
		metadata JSONB,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS event_consumers (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL REFERENCES events(id),
		position INTEGER NOT NULL,
		endpoint TEXT NOT NULL,
		status TEXT NOT NULL,
		retry INTEGER NOT NULL DEFAULT 0,
		last_updated_at BIGINT NOT NULL,
		error_message TEXT,
		error_kind TEXT,
		execution_time_ms BIGINT,
		next_retry_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_consumers_due
		ON event_consumers(status, next_retry_at)`,
	`CREATE INDEX IF NOT EXISTS idx_event_consumers_event_id
		ON event_consumers(event_id)`,
}

// PostgresConfig tunes the connection pool.
// Zero values keep the pgxpool defaults.
type PostgresConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnIdleTime time.Duration
	MaxConnLifetime time.Duration

	// Connect controls how often the initial ping is retried.
	Connect eferrors.RetryConfig
}

// PostgresStore persists events to PostgreSQL through a pgx pool.
// Several processes may share one database; the conditional update is
// the only coordination between them.
type PostgresStore struct {
	pool   *pgxpool.Pool
	mu     sync.RWMutex
	closed bool
	opts   options
}

// NewPostgresStore connects to dsn, waits for the database to answer and
// creates the schema if it is missing.
func NewPostgresStore(ctx context.Context, dsn string, cfg PostgresConfig, opts ...Option) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	connect := cfg.Connect
	if connect.MaxAttempts == 0 {
		connect = eferrors.DefaultRetry
	}
	res := eferrors.WithRetryContext(ctx, connect, func(ctx context.Context) (struct{}, error) {
		var one int
		if err := pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
			return struct{}{}, opError("ping", KindConnection, err)
		}
		return struct{}{}, nil
	})
	if res.Err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect after %d attempts: %w", res.Attempts, res.Err)
	}

	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &PostgresStore{pool: pool, opts: buildOptions(opts)}, nil
}

// StoreEventWithConsumers implements Store.
func (s *PostgresStore) StoreEventWithConsumers(ctx context.Context, evt *event.Event, endpoints []string) (string, error) {
	const op = "store event"

	enc, err := encodeEvent(evt)
	if err != nil {
		return "", opError(op, KindSerialization, err)
	}
	if err := validateEndpoints(endpoints); err != nil {
		return "", opError(op, KindSerialization, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", opError(op, KindConnection, fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	eventID := s.opts.newID()
	if _, err := tx.Exec(ctx, `
		INSERT INTO events (id, name, origin, application, service, data,
			aggregate_type, aggregate_id, correlation_id, causation_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, eventID, evt.Name, evt.Origin, evt.Application, evt.Service, enc.data,
		nullableString(evt.AggregateType), nullableString(evt.AggregateID),
		nullableString(evt.CorrelationID), nullableString(evt.CausationID),
		enc.metadata, enc.createdAt,
	); err != nil {
		return "", opError(op, KindConnection, fmt.Errorf("insert event: %w", err))
	}

	now := s.opts.now().UnixMilli()
	batch := &pgx.Batch{}
	for i, ep := range endpoints {
		batch.Queue(`
			INSERT INTO event_consumers (id, event_id, position, endpoint, status, retry, last_updated_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6)
		`, s.opts.newID(), eventID, i, ep, string(event.StatusPending), now)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return "", opError(op, KindConnection, fmt.Errorf("insert consumers: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", opError(op, KindConnection, fmt.Errorf("commit: %w", err))
	}
	return eventID, nil
}

// FindDueConsumerRecords implements Store.
func (s *PostgresStore) FindDueConsumerRecords(ctx context.Context, now time.Time, maxRetries, limit int) ([]event.Delivery, error) {
	const op = "find due"

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var lim any
	if limit > 0 {
		lim = limit
	}

	rows, err := s.pool.Query(ctx, dueQuery(dollarN), now.UnixMilli(), maxRetries, lim)
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
func (s *PostgresStore) UpdateConsumerStatus(ctx context.Context, recordID string, expect event.Precondition, outcome event.Outcome) error {
	const op = "update consumer"

	query, args, err := updateQuery(dollarN, outcome, s.opts.now())
	if err != nil {
		return opError(op, KindSerialization, err)
	}
	args = append(args, recordID, string(expect.Status), expect.Retry)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return opError(op, KindConnection, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists int
	err = s.pool.QueryRow(ctx, `SELECT 1 FROM event_consumers WHERE id = $1`, recordID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return opError(op, KindNotFound, nil)
	}
	if err != nil {
		return opError(op, KindConnection, err)
	}
	return opError(op, KindConflict, nil)
}

// GetEvent implements Store.
func (s *PostgresStore) GetEvent(ctx context.Context, eventID string) (*event.Event, error) {
	const op = "get event"

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var row eventRow
	err := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events e WHERE e.id = $1`, eventID).
		Scan(row.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresStore) ListConsumerRecords(ctx context.Context, eventID string) ([]event.ConsumerRecord, error) {
	const op = "list consumers"

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+consumerColumns+`
		FROM event_consumers c
		WHERE c.event_id = $1
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
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.pool.Close()
	return nil
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
