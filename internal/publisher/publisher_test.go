package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"switchyard"
	"switchyard/api/wire"
	"switchyard/internal/broker"
	"switchyard/internal/eventstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openStore(t *testing.T) *eventstore.Store {
	t.Helper()
	s, err := eventstore.Open(
		filepath.Join(t.TempDir(), "events.db"),
		func(eventType string) string { return eventType },
		slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func appendEvent(t *testing.T, s *eventstore.Store, aggregateID string, seq int64, eventType string) switchyard.Event {
	t.Helper()
	ev, err := s.Append(context.Background(), switchyard.Event{
		AggregateID:    aggregateID,
		AggregateType:  "Order",
		SequenceNumber: seq,
		EventType:      eventType,
		Payload:        []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return ev
}

func TestDrainPublishesInOrder(t *testing.T) {
	s := openStore(t)
	mem := broker.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	p := New(s, mem, 10, 30*time.Second, slog.Default())
	ctx := context.Background()

	for seq := int64(1); seq <= 3; seq++ {
		appendEvent(t, s, "order-1", seq, "OrderUpdated")
	}

	n, err := p.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 3 {
		t.Fatalf("published %d, want 3", n)
	}

	records := mem.Published("OrderUpdated")
	if len(records) != 3 {
		t.Fatalf("broker saw %d records, want 3", len(records))
	}
	for i, rec := range records {
		if rec.Key != "order-1" {
			t.Errorf("record %d key = %q, want aggregate id", i, rec.Key)
		}
		var er wire.EventRecord
		if err := json.Unmarshal(rec.Value, &er); err != nil {
			t.Fatalf("record %d not an event record: %v", i, err)
		}
		if er.SequenceNumber != int64(i+1) {
			t.Fatalf("per-key order broken: record %d has sequence %d", i, er.SequenceNumber)
		}
	}

	pending, err := s.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("%d entries still pending after drain", len(pending))
	}
}

func TestFailedKeyHoldsBackOnlyItself(t *testing.T) {
	s := openStore(t)
	mem := broker.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	clock := &fakeClock{now: time.Now()}
	p := New(s, mem, 10, 30*time.Second, slog.Default()).WithClock(clock)
	ctx := context.Background()

	appendEvent(t, s, "order-1", 1, "OrderUpdated") // will fail
	appendEvent(t, s, "order-1", 2, "OrderUpdated") // held back by order-1
	appendEvent(t, s, "order-2", 1, "OrderUpdated") // unaffected

	mem.FailNext(1, errors.New("broker timeout"))
	n, err := p.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 1 {
		t.Fatalf("published %d, want 1 (only order-2)", n)
	}

	records := mem.Published("OrderUpdated")
	if len(records) != 1 || records[0].Key != "order-2" {
		t.Fatalf("expected only order-2 published, got %+v", records)
	}

	// The failed entry retries after its backoff; order survives.
	clock.Advance(time.Second)
	if _, err := p.DrainOnce(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	records = mem.Published("OrderUpdated")
	if len(records) != 3 {
		t.Fatalf("after retry broker saw %d records, want 3", len(records))
	}
	var seqs []int64
	for _, rec := range records {
		if rec.Key != "order-1" {
			continue
		}
		var er wire.EventRecord
		if err := json.Unmarshal(rec.Value, &er); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		seqs = append(seqs, er.SequenceNumber)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("order-1 delivered out of order: %v", seqs)
	}
}

func TestBackoffDelaysRetry(t *testing.T) {
	s := openStore(t)
	mem := broker.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	clock := &fakeClock{now: time.Now()}
	p := New(s, mem, 10, 30*time.Second, slog.Default()).WithClock(clock)
	ctx := context.Background()

	appendEvent(t, s, "order-1", 1, "OrderUpdated")
	mem.FailNext(1, errors.New("broker timeout"))
	if _, err := p.DrainOnce(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// Within the backoff window nothing is attempted.
	n, err := p.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 0 || len(mem.Published("OrderUpdated")) != 0 {
		t.Fatalf("retried before backoff elapsed")
	}

	clock.Advance(600 * time.Millisecond)
	if _, err := p.DrainOnce(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(mem.Published("OrderUpdated")) != 1 {
		t.Fatalf("entry not retried after backoff")
	}
}

func TestExhaustedEntryDeadLettersAndUnblocksKey(t *testing.T) {
	s := openStore(t)
	mem := broker.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	clock := &fakeClock{now: time.Now()}
	p := New(s, mem, 2, 30*time.Second, slog.Default()).WithClock(clock)
	ctx := context.Background()

	first := appendEvent(t, s, "order-1", 1, "OrderUpdated")
	appendEvent(t, s, "order-1", 2, "OrderUpdated")

	mem.FailNext(2, errors.New("unroutable"))
	for i := 0; i < 2; i++ {
		if _, err := p.DrainOnce(ctx); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
		clock.Advance(2 * time.Second)
	}

	entry, err := s.OutboxEntry(ctx, first.GlobalID)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if entry.Status != switchyard.OutboxFailed {
		t.Fatalf("status = %s, want FAILED after max attempts", entry.Status)
	}
	dls, err := s.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dls) != 1 || dls[0].GlobalID != first.GlobalID {
		t.Fatalf("dead letters = %+v", dls)
	}

	// With the head dead-lettered the key unblocks and seq 2 flows.
	if _, err := p.DrainOnce(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	records := mem.Published("OrderUpdated")
	if len(records) != 1 {
		t.Fatalf("successor not published after dead-letter: %d records", len(records))
	}
	var er wire.EventRecord
	if err := json.Unmarshal(records[0].Value, &er); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if er.SequenceNumber != 2 {
		t.Fatalf("published sequence %d, want 2", er.SequenceNumber)
	}
}

func TestBackoffCap(t *testing.T) {
	p := New(nil, nil, 10, 30*time.Second, slog.Default())
	if d := p.backoff(1); d != 500*time.Millisecond {
		t.Errorf("backoff(1) = %v", d)
	}
	if d := p.backoff(4); d != 4*time.Second {
		t.Errorf("backoff(4) = %v", d)
	}
	if d := p.backoff(20); d != 30*time.Second {
		t.Errorf("backoff(20) = %v, want ceiling", d)
	}
}
