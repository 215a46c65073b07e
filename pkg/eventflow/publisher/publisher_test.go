package publisher

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/registry"
	"github.com/randalmurphal/eventflow/pkg/eventflow/store"
)

func noop(context.Context, *event.Event) error { return nil }

type fixture struct {
	store *store.MemoryStore
	reg   *registry.Registry
	logs  *bytes.Buffer
	pub   *Publisher
}

func newFixture(opts ...Option) *fixture {
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	st := store.NewMemoryStore()
	reg := registry.New()
	opts = append([]Option{WithLogger(logger)}, opts...)
	return &fixture{store: st, reg: reg, logs: logs, pub: New(st, reg, opts...)}
}

func (f *fixture) records(t *testing.T, id string) []event.ConsumerRecord {
	t.Helper()
	records, err := f.store.ListConsumerRecords(context.Background(), id)
	require.NoError(t, err)
	return records
}

type advertisement struct {
	AdID  string `json:"ad_id"`
	Price int64  `json:"price"`
}

func TestPublish_OnePendingRecordPerHandler(t *testing.T) {
	f := newFixture()
	f.reg.Register(event.ForTypes("Cards", noop, "advertisement.created"))
	f.reg.Register(event.Wildcard("Audit", noop))
	f.reg.Register(event.ForTypes("Mailer", noop, "invite.sent"))
	f.reg.Register(event.ForTypes("Search", noop, "advertisement.created"))

	id, err := f.pub.Publish(context.Background(), advertisement{AdID: "ad-1", Price: 5000},
		"advertisement.created", "ads.Create")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	records := f.records(t, id)
	require.Len(t, records, 3)
	var endpoints []string
	for _, r := range records {
		endpoints = append(endpoints, r.Endpoint)
		assert.Equal(t, event.StatusPending, r.Status)
		assert.Equal(t, 0, r.Retry)
	}
	assert.Equal(t, []string{"Cards::handle", "Audit::handle", "Search::handle"}, endpoints)

	evt, err := f.store.GetEvent(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "advertisement.created", evt.Name)
	assert.Equal(t, "ads.Create", evt.Origin)
	assert.Equal(t, "gateway", evt.Application)
	assert.Equal(t, "EVTS:advertisement.created", evt.Service)
	assert.JSONEq(t, `{"ad_id":"ad-1","price":5000}`, string(evt.Data))
}

func TestPublish_NoHandlers(t *testing.T) {
	f := newFixture()

	id, err := f.pub.Publish(context.Background(), map[string]string{"k": "v"}, "orphan.event", "test")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = f.store.GetEvent(context.Background(), id)
	require.NoError(t, err, "event is persisted even with nobody listening")
	assert.Empty(t, f.records(t, id))
	assert.Contains(t, f.logs.String(), "no handlers registered for event")
	assert.Contains(t, f.logs.String(), "level=WARN")
}

func TestPublish_Options(t *testing.T) {
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	f := newFixture(WithApplication("custody"), WithClock(func() time.Time { return at }))

	id, err := f.pub.Publish(context.Background(), nil, "deposit.confirmed", "wallet.Confirm",
		event.WithAggregate("deposit", "dep-1"),
		event.WithCorrelationID("corr"),
		event.WithCausationID("cause"),
		event.WithMetadata(map[string]any{"chain": "bitcoin"}),
	)
	require.NoError(t, err)

	evt, err := f.store.GetEvent(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "custody", evt.Application)
	assert.True(t, at.Equal(evt.CreatedAt))
	assert.Equal(t, "deposit", evt.AggregateType)
	assert.Equal(t, "dep-1", evt.AggregateID)
	assert.Equal(t, "corr", evt.CorrelationID)
	assert.Equal(t, "cause", evt.CausationID)
	assert.Equal(t, "bitcoin", evt.Metadata["chain"])
	assert.JSONEq(t, `null`, string(evt.Data))
}

func TestPublish_UnserializablePayload(t *testing.T) {
	f := newFixture()
	f.reg.Register(event.Wildcard("Audit", noop))

	_, err := f.pub.Publish(context.Background(), map[string]any{"fn": func() {}}, "bad.payload", "test")
	require.Error(t, err)

	var perr *PublishError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "bad.payload", perr.Event)
	assert.ErrorIs(t, err, store.ErrSerialization)

	due, err := f.store.FindDueConsumerRecords(context.Background(), time.Now(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestPublish_StoreFailure(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.store.Close())

	_, err := f.pub.Publish(context.Background(), struct{}{}, "x", "test")

	var perr *PublishError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, store.ErrStoreClosed)
	assert.Equal(t, "publish x from test: store: closed", err.Error())
}

type inviteSent struct {
	InviteID string `json:"invite_id"`
	Email    string `json:"email"`
	Trace    string `json:"-"`
}

func (inviteSent) EventName() string { return "invite.sent" }
func (i inviteSent) AggregateType() string { return "invite" }
func (i inviteSent) AggregateID() string { return i.InviteID }
func (i inviteSent) CorrelationID() string { return i.Trace }
func (i inviteSent) EventMetadata() map[string]any { return map[string]any{"channel": "email"} }

type bare struct{}

func (bare) EventName() string { return "bare.fact" }

func TestPublishTyped(t *testing.T) {
	f := newFixture()
	f.reg.Register(event.ForTypes("Mailer", noop, "invite.sent"))

	id, err := f.pub.PublishTyped(context.Background(),
		inviteSent{InviteID: "inv-9", Email: "x@y.z", Trace: "req-1"}, "invites.Send")
	require.NoError(t, err)

	evt, err := f.store.GetEvent(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "invite.sent", evt.Name)
	assert.Equal(t, "invite", evt.AggregateType)
	assert.Equal(t, "inv-9", evt.AggregateID)
	assert.Equal(t, "req-1", evt.CorrelationID)
	assert.Empty(t, evt.CausationID)
	assert.Equal(t, "email", evt.Metadata["channel"])
	assert.JSONEq(t, `{"invite_id":"inv-9","email":"x@y.z"}`, string(evt.Data))

	records := f.records(t, id)
	require.Len(t, records, 1)
	assert.Equal(t, "Mailer::handle", records[0].Endpoint)
}

func TestPublishTyped_WithoutAccessors(t *testing.T) {
	f := newFixture()

	id, err := f.pub.PublishTyped(context.Background(), bare{}, "test", event.WithCausationID("evt-0"))
	require.NoError(t, err)

	evt, err := f.store.GetEvent(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "bare.fact", evt.Name)
	assert.Empty(t, evt.AggregateType)
	assert.Equal(t, "evt-0", evt.CausationID)
	assert.JSONEq(t, `{}`, string(evt.Data))
}

func TestPublishError(t *testing.T) {
	inner := errors.New("disk full")
	err := &PublishError{Event: "x", Origin: "o", Err: inner}
	assert.Equal(t, "publish x from o: disk full", err.Error())
	assert.ErrorIs(t, err, inner)
}
