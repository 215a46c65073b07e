package processor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/registry"
	"github.com/randalmurphal/eventflow/pkg/eventflow/scheduler"
	"github.com/randalmurphal/eventflow/pkg/eventflow/store"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store *store.MemoryStore
	reg   *registry.Registry
	clock *clock
	proc  *Processor
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	c := &clock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore(store.WithClock(c.Now))
	reg := registry.New()
	opts = append([]Option{WithClock(c.Now), WithLogger(quiet)}, opts...)
	return &harness{store: st, reg: reg, clock: c, proc: New(st, reg, opts...)}
}

func (h *harness) publish(t *testing.T, name, data string, endpoints ...string) string {
	t.Helper()
	id, err := h.store.StoreEventWithConsumers(context.Background(), event.New(name, "test", []byte(data)), endpoints)
	require.NoError(t, err)
	return id
}

func (h *harness) record(t *testing.T, eventID, endpoint string) event.ConsumerRecord {
	t.Helper()
	records, err := h.store.ListConsumerRecords(context.Background(), eventID)
	require.NoError(t, err)
	for _, r := range records {
		if r.Endpoint == endpoint {
			return r
		}
	}
	t.Fatalf("no record for %s", endpoint)
	return event.ConsumerRecord{}
}

func (h *harness) tick(t *testing.T) Stats {
	t.Helper()
	stats, err := h.proc.ProcessDue(context.Background())
	require.NoError(t, err)
	return stats
}

func succeed(context.Context, *event.Event) error { return nil }

func TestProcessor_Defaults(t *testing.T) {
	p := New(store.NewMemoryStore(), registry.New())

	var task scheduler.Task = p
	assert.Equal(t, "event-processor", task.Name())
	assert.Equal(t, 5*time.Second, task.Interval())
	assert.Zero(t, task.StartupDelay())
	assert.Equal(t, 10, p.MaxRetries())
}

func TestProcessor_Success(t *testing.T) {
	h := newHarness(t)
	var got *event.Event
	h.reg.Register(event.ForTypes("Mailer", func(_ context.Context, evt *event.Event) error {
		got = evt
		return nil
	}, "invite.sent"))

	id := h.publish(t, "invite.sent", `{"email":"a@b.c"}`, "Mailer::handle")
	h.clock.Advance(time.Second)

	stats := h.tick(t)
	assert.Equal(t, Stats{Due: 1, Succeeded: 1}, stats)

	require.NotNil(t, got)
	assert.Equal(t, id, got.ID)
	assert.JSONEq(t, `{"email":"a@b.c"}`, string(got.Data))

	rec := h.record(t, id, "Mailer::handle")
	assert.Equal(t, event.StatusSuccess, rec.Status)
	assert.Equal(t, 0, rec.Retry)
	assert.Nil(t, rec.NextRetryAt)
	assert.NotNil(t, rec.ExecutionTimeMs)
	assert.True(t, h.clock.Now().Equal(rec.LastUpdatedAt))

	assert.Equal(t, Stats{}, h.tick(t), "terminal records are not processed again")
}

func TestProcessor_BackoffSchedule(t *testing.T) {
	h := newHarness(t)
	h.reg.Register(event.Wildcard("Flaky", func(context.Context, *event.Event) error {
		return errors.New("still down")
	}))
	id := h.publish(t, "deposit.confirmed", `{}`, "Flaky::handle")

	want := []time.Duration{
		1 * time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		16 * time.Minute,
		30 * time.Minute,
		30 * time.Minute,
	}

	for n, delta := range want {
		stats := h.tick(t)
		require.Equal(t, 1, stats.Failed, "attempt %d", n+1)

		rec := h.record(t, id, "Flaky::handle")
		assert.Equal(t, event.StatusFailed, rec.Status)
		assert.Equal(t, n+1, rec.Retry)
		assert.Equal(t, event.KindHandler, rec.ErrorKind)
		assert.Equal(t, "still down", rec.ErrorMessage)
		require.NotNil(t, rec.NextRetryAt)
		assert.Equal(t, delta, rec.NextRetryAt.Sub(h.clock.Now()), "delay after failure %d", n+1)

		h.clock.Set(rec.NextRetryAt.Add(-time.Second))
		assert.Zero(t, h.tick(t).Due, "not due before next_retry_at")

		h.clock.Set(*rec.NextRetryAt)
	}
}

func TestProcessor_Exhaustion(t *testing.T) {
	h := newHarness(t, WithMaxRetries(3))
	var calls atomic.Int32
	h.reg.Register(event.Wildcard("Doomed", func(context.Context, *event.Event) error {
		calls.Add(1)
		return event.Rejected(errors.New("invalid account"))
	}))
	id := h.publish(t, "buy.paid", `{}`, "Doomed::handle")

	for i := 0; i < 3; i++ {
		h.tick(t)
		rec := h.record(t, id, "Doomed::handle")
		if rec.NextRetryAt != nil {
			h.clock.Set(*rec.NextRetryAt)
		}
	}

	rec := h.record(t, id, "Doomed::handle")
	assert.Equal(t, event.StatusFailed, rec.Status)
	assert.Equal(t, 3, rec.Retry)
	assert.Nil(t, rec.NextRetryAt, "exhausted records carry no retry time")
	assert.True(t, rec.Exhausted(3))

	h.clock.Advance(24 * time.Hour)
	assert.Zero(t, h.tick(t).Due)
	assert.Equal(t, int32(3), calls.Load())
}

func TestProcessor_FailureThenSuccessClearsRetry(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.reg.Register(event.Wildcard("Eventually", func(context.Context, *event.Event) error {
		if calls.Add(1) == 1 {
			return event.ExternalService(errors.New("timeout"))
		}
		return nil
	}))
	id := h.publish(t, "invite.sent", `{}`, "Eventually::handle")

	h.tick(t)
	rec := h.record(t, id, "Eventually::handle")
	require.Equal(t, event.StatusFailed, rec.Status)
	assert.Equal(t, event.KindExternalService, rec.ErrorKind)
	require.NotNil(t, rec.NextRetryAt)

	h.clock.Set(*rec.NextRetryAt)
	h.tick(t)

	rec = h.record(t, id, "Eventually::handle")
	assert.Equal(t, event.StatusSuccess, rec.Status)
	assert.Equal(t, 1, rec.Retry)
	assert.Nil(t, rec.NextRetryAt)
	assert.Empty(t, rec.ErrorMessage)
}

func TestProcessor_PartialFailureIsolation(t *testing.T) {
	h := newHarness(t)
	var mailer, cards atomic.Int32
	h.reg.Register(event.ForTypes("Mailer", func(context.Context, *event.Event) error {
		mailer.Add(1)
		return errors.New("smtp down")
	}, "invite.sent"))
	h.reg.Register(event.ForTypes("Cards", func(context.Context, *event.Event) error {
		cards.Add(1)
		return nil
	}, "invite.sent"))

	id := h.publish(t, "invite.sent", `{}`, "Mailer::handle", "Cards::handle")

	stats := h.tick(t)
	assert.Equal(t, Stats{Due: 2, Succeeded: 1, Failed: 1}, stats)
	assert.Equal(t, event.StatusFailed, h.record(t, id, "Mailer::handle").Status)
	assert.Equal(t, event.StatusSuccess, h.record(t, id, "Cards::handle").Status)

	h.clock.Advance(time.Minute)
	h.tick(t)
	assert.Equal(t, int32(2), mailer.Load())
	assert.Equal(t, int32(1), cards.Load(), "succeeded handler is never re-invoked")
}

func TestProcessor_SkipsUnresolvableEndpoints(t *testing.T) {
	h := newHarness(t)
	h.reg.Register(event.ForTypes("Mailer", succeed, "invite.sent"))

	id := h.publish(t, "buy.paid", `{}`, "Removed::handle", "Mailer::handle")

	stats := h.tick(t)
	assert.Equal(t, Stats{Due: 2, Skipped: 2}, stats)

	for _, ep := range []string{"Removed::handle", "Mailer::handle"} {
		rec := h.record(t, id, ep)
		assert.Equal(t, event.StatusSkipped, rec.Status, ep)
		assert.Equal(t, ReasonNoHandler, rec.ErrorMessage)
		assert.Equal(t, 0, rec.Retry)
	}

	assert.Zero(t, h.tick(t).Due, "skipped is terminal")
}

type invitePayload struct {
	Email string `json:"email"`
}

func TestProcessor_DeserializationFailure(t *testing.T) {
	h := newHarness(t)
	h.reg.Register(event.Typed("invite.sent", "Mailer", func(context.Context, event.TypedEvent[invitePayload]) error {
		return nil
	}))

	id := h.publish(t, "invite.sent", `{"email": 42}`, "Mailer::handle")
	h.tick(t)

	rec := h.record(t, id, "Mailer::handle")
	assert.Equal(t, event.StatusFailed, rec.Status)
	assert.Equal(t, event.KindDeserialization, rec.ErrorKind)
	assert.Equal(t, 1, rec.Retry)
	assert.NotNil(t, rec.NextRetryAt, "deserialization failures are retried")
}

func TestProcessor_PanicBecomesHandlerFailure(t *testing.T) {
	h := newHarness(t)
	h.reg.Register(event.Wildcard("Buggy", func(context.Context, *event.Event) error {
		panic("nil pointer")
	}))
	h.reg.Register(event.Wildcard("Fine", succeed))

	id := h.publish(t, "x", `{}`, "Buggy::handle", "Fine::handle")
	stats := h.tick(t)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Succeeded)

	rec := h.record(t, id, "Buggy::handle")
	assert.Equal(t, event.KindHandler, rec.ErrorKind)
	assert.Contains(t, rec.ErrorMessage, "handler panic: nil pointer")
}

func TestProcessor_BatchSize(t *testing.T) {
	h := newHarness(t, WithBatchSize(2))
	h.reg.Register(event.Wildcard("A", succeed))
	for i := 0; i < 5; i++ {
		h.publish(t, "x", `{}`, "A::handle")
	}

	assert.Equal(t, 2, h.tick(t).Due)
	assert.Equal(t, 2, h.tick(t).Due)
	assert.Equal(t, 1, h.tick(t).Due)
}

// racingStore lets another writer win every conditional update.
type racingStore struct {
	store.Store
}

func (s racingStore) UpdateConsumerStatus(ctx context.Context, id string, expect event.Precondition, outcome event.Outcome) error {
	if err := s.Store.UpdateConsumerStatus(ctx, id, expect, event.MarkSuccess(time.Millisecond)); err != nil {
		return err
	}
	return s.Store.UpdateConsumerStatus(ctx, id, expect, outcome)
}

func TestProcessor_ConflictIsSkipped(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New()
	reg.Register(event.Wildcard("Slow", func(context.Context, *event.Event) error {
		return errors.New("lost anyway")
	}))
	id, err := st.StoreEventWithConsumers(context.Background(), event.New("x", "test", nil), []string{"Slow::handle"})
	require.NoError(t, err)

	p := New(racingStore{st}, reg, WithLogger(quiet))
	stats, err := p.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Due: 1, Conflicts: 1}, stats)

	records, err := st.ListConsumerRecords(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, event.StatusSuccess, records[0].Status, "the first writer's outcome stands")
	assert.Equal(t, 0, records[0].Retry)
}

// brokenStore fails the chosen operation.
type brokenStore struct {
	store.Store
	scanErr   error
	updateErr error
}

func (s brokenStore) FindDueConsumerRecords(ctx context.Context, now time.Time, maxRetries, limit int) ([]event.Delivery, error) {
	if s.scanErr != nil {
		return nil, s.scanErr
	}
	return s.Store.FindDueConsumerRecords(ctx, now, maxRetries, limit)
}

func (s brokenStore) UpdateConsumerStatus(ctx context.Context, id string, expect event.Precondition, outcome event.Outcome) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	return s.Store.UpdateConsumerStatus(ctx, id, expect, outcome)
}

func TestProcessor_ScanFailureFailsTick(t *testing.T) {
	p := New(brokenStore{Store: store.NewMemoryStore(), scanErr: store.ErrConnection}, registry.New(), WithLogger(quiet))

	err := p.Execute(context.Background())
	assert.ErrorIs(t, err, store.ErrConnection)
}

func TestProcessor_UpdateFailureDoesNotFailTick(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New()
	reg.Register(event.Wildcard("A", succeed))
	_, err := st.StoreEventWithConsumers(context.Background(), event.New("x", "test", nil), []string{"A::handle", "A::handle"})
	require.NoError(t, err)

	p := New(brokenStore{Store: st, updateErr: store.ErrConnection}, reg, WithLogger(quiet))
	stats, err := p.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Due: 2, UpdateErrors: 2}, stats)
	require.NoError(t, p.Execute(context.Background()))
}

type recordingMetrics struct {
	mu         sync.Mutex
	executions map[string]int
	failures   int
	skipped    int
}

func (m *recordingMetrics) RecordExecution(_ context.Context, endpoint string, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.executions == nil {
		m.executions = map[string]int{}
	}
	m.executions[endpoint]++
	if err != nil {
		m.failures++
	}
}

func (m *recordingMetrics) RecordSkipped(context.Context, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped++
}

func (m *recordingMetrics) RecordPublished(context.Context, string, int) {}

func (m *recordingMetrics) RecordTaskTick(context.Context, string, error) {}

func TestProcessor_RecordsMetrics(t *testing.T) {
	m := &recordingMetrics{}
	h := newHarness(t, WithMetrics(m))
	h.reg.Register(event.Wildcard("Ok", succeed))
	h.reg.Register(event.Wildcard("Bad", func(context.Context, *event.Event) error { return errors.New("x") }))

	h.publish(t, "x", `{}`, "Ok::handle", "Bad::handle", "Gone::handle")
	h.tick(t)

	assert.Equal(t, map[string]int{"Ok::handle": 1, "Bad::handle": 1}, m.executions)
	assert.Equal(t, 1, m.failures)
	assert.Equal(t, 1, m.skipped)
}

func TestProcessor_RunsUnderScheduler(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New()
	var delivered atomic.Int32
	reg.Register(event.Wildcard("Counter", func(context.Context, *event.Event) error {
		delivered.Add(1)
		return nil
	}))

	for i := 0; i < 3; i++ {
		_, err := st.StoreEventWithConsumers(context.Background(), event.New("x", "test", nil), []string{"Counter::handle"})
		require.NoError(t, err)
	}

	s := scheduler.New(scheduler.WithLogger(quiet))
	require.NoError(t, s.Register(New(st, reg, WithInterval(5*time.Millisecond), WithLogger(quiet))))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return delivered.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
}
