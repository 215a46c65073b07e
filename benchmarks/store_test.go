package benchmarks

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/gateway"
	"github.com/randalmurphal/eventflow/pkg/eventflow/store"
)

var endpoints = []string{"AuditLogger::handle", "KafkaForwarder::handle", "Ledger::handle"}

func newEvent() *event.Event {
	return event.New(gateway.BuyPaidEvent, "bench",
		[]byte(`{"buy_id":"buy-1","amount_cents":125000,"paid_at":"2024-01-01T00:00:00Z"}`),
		event.WithAggregate(gateway.AggregateBuy, "buy-1"))
}

// BenchmarkMemoryStore_StoreEvent stores one event with three consumers.
func BenchmarkMemoryStore_StoreEvent(b *testing.B) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	evt := newEvent()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = st.StoreEventWithConsumers(ctx, evt, endpoints)
	}
}

// BenchmarkSQLiteStore_StoreEvent stores one event with three consumers.
func BenchmarkSQLiteStore_StoreEvent(b *testing.B) {
	st, cleanup := createSQLiteStore(b)
	defer cleanup()
	ctx := context.Background()
	evt := newEvent()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = st.StoreEventWithConsumers(ctx, evt, endpoints)
	}
}

// BenchmarkMemoryStore_FindDue scans 1000 pending records for 100.
func BenchmarkMemoryStore_FindDue(b *testing.B) {
	st := store.NewMemoryStore()
	seed(b, st, 1000/len(endpoints))
	benchmarkFindDue(b, st)
}

// BenchmarkSQLiteStore_FindDue scans 1000 pending records for 100.
func BenchmarkSQLiteStore_FindDue(b *testing.B) {
	st, cleanup := createSQLiteStore(b)
	defer cleanup()
	seed(b, st, 1000/len(endpoints))
	benchmarkFindDue(b, st)
}

// BenchmarkSQLiteStore_UpdateStatus marks a record failed and back.
func BenchmarkSQLiteStore_UpdateStatus(b *testing.B) {
	st, cleanup := createSQLiteStore(b)
	defer cleanup()
	ctx := context.Background()
	id, err := st.StoreEventWithConsumers(ctx, newEvent(), endpoints[:1])
	if err != nil {
		b.Fatal(err)
	}
	records, err := st.ListConsumerRecords(ctx, id)
	if err != nil {
		b.Fatal(err)
	}
	rec := records[0]
	next := time.Now().Add(time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		outcome := event.MarkFailed(event.KindHandler, "boom", time.Millisecond, &next)
		if err := st.UpdateConsumerStatus(ctx, rec.ID, event.Expect(rec), outcome); err != nil {
			b.Fatal(err)
		}
		rec.Status = event.StatusFailed
		rec.Retry++
	}
}

func benchmarkFindDue(b *testing.B, st store.Store) {
	b.Helper()
	ctx := context.Background()
	now := time.Now()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = st.FindDueConsumerRecords(ctx, now, 10, 100)
	}
}

func seed(b *testing.B, st store.Store, n int) {
	b.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if _, err := st.StoreEventWithConsumers(ctx, newEvent(), endpoints); err != nil {
			b.Fatal(err)
		}
	}
}

func createSQLiteStore(b *testing.B) (*store.SQLiteStore, func()) {
	b.Helper()
	tmpFile, err := os.CreateTemp("", "bench-*.db")
	if err != nil {
		b.Fatal(err)
	}
	tmpFile.Close()

	st, err := store.NewSQLiteStore(tmpFile.Name())
	if err != nil {
		os.Remove(tmpFile.Name())
		b.Fatal(err)
	}

	return st, func() {
		st.Close()
		os.Remove(tmpFile.Name())
	}
}
