package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"switchyard"
)

type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path, func(eventType string) string { return eventType }, slog.Default())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEvent(aggregateID string, seq int64) switchyard.Event {
	return switchyard.Event{
		AggregateID:    aggregateID,
		AggregateType:  "Order",
		SequenceNumber: seq,
		EventType:      "OrderCreated",
		Payload:        []byte(`{"total":42}`),
		Metadata:       map[string]string{switchyard.MetadataCorrelationID: "corr-1"},
	}
}

func TestAppendAssignsContiguousSequences(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for seq := int64(1); seq <= 5; seq++ {
		ev, err := s.Append(ctx, testEvent("order-1", seq))
		if err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
		if ev.SequenceNumber != seq {
			t.Fatalf("committed sequence = %d, want %d", ev.SequenceNumber, seq)
		}
		if ev.GlobalID <= 0 {
			t.Fatalf("global id not assigned: %d", ev.GlobalID)
		}
	}

	events, err := s.ReadEvents(ctx, "order-1", 1, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	for i, ev := range events {
		if ev.SequenceNumber != int64(i+1) {
			t.Errorf("event %d has sequence %d", i, ev.SequenceNumber)
		}
	}
}

func TestReadEventsPaged(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for seq := int64(1); seq <= 5; seq++ {
		if _, err := s.Append(ctx, testEvent("order-1", seq)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// Each page holds at most limit rows; resuming from the last
	// sequence plus one walks the whole log.
	var got []int64
	from := int64(1)
	for {
		page, err := s.ReadEvents(ctx, "order-1", from, 2)
		if err != nil {
			t.Fatalf("read from %d: %v", from, err)
		}
		if len(page) > 2 {
			t.Fatalf("page has %d events, want at most 2", len(page))
		}
		for _, ev := range page {
			got = append(got, ev.SequenceNumber)
		}
		if len(page) < 2 {
			break
		}
		from = page[len(page)-1].SequenceNumber + 1
	}
	if len(got) != 5 {
		t.Fatalf("paged sequences = %v, want 1..5", got)
	}
	for i, seq := range got {
		if seq != int64(i+1) {
			t.Fatalf("paged sequences = %v, want 1..5", got)
		}
	}
}

func TestAppendConcurrencyConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, testEvent("order-1", 1)); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Same expected sequence again: exactly the optimistic concurrency race.
	_, err := s.Append(ctx, testEvent("order-1", 1))
	if !errors.Is(err, switchyard.ErrConcurrency) {
		t.Fatalf("expected ErrConcurrency, got %v", err)
	}
	if switchyard.CodeOf(err) != switchyard.CodeConcurrency {
		t.Errorf("code = %s, want CONCURRENCY", switchyard.CodeOf(err))
	}

	// A gap is also a conflict: the log stays contiguous.
	_, err = s.Append(ctx, testEvent("order-1", 5))
	if !errors.Is(err, switchyard.ErrConcurrency) {
		t.Fatalf("expected ErrConcurrency for gap, got %v", err)
	}

	// No partial state: neither failed append left an outbox entry.
	pending, err := s.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("outbox has %d entries, want 1", len(pending))
	}
}

func TestConcurrentAppendersOneWinnerPerSequence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	wins := make(chan int64, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ev, err := s.Append(ctx, testEvent("order-1", 1)); err == nil {
				wins <- ev.GlobalID
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners int
	for range wins {
		winners++
	}
	if winners != 1 {
		t.Fatalf("%d appenders won sequence 1, want exactly 1", winners)
	}
}

func TestAppendBatchAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := []switchyard.Event{
		{EventType: "OrderCreated", Payload: []byte("{}")},
		{EventType: "OrderPaid", Payload: []byte("{}")},
		{EventType: "OrderShipped", Payload: []byte("{}")},
	}
	out, err := s.AppendBatch(ctx, "order-1", "Order", 1, batch)
	if err != nil {
		t.Fatalf("append batch: %v", err)
	}
	for i, ev := range out {
		if ev.SequenceNumber != int64(i+1) {
			t.Errorf("batch event %d got sequence %d", i, ev.SequenceNumber)
		}
	}

	// Conflicting start: nothing from the batch may commit.
	_, err = s.AppendBatch(ctx, "order-1", "Order", 3, batch)
	if !errors.Is(err, switchyard.ErrConcurrency) {
		t.Fatalf("expected ErrConcurrency, got %v", err)
	}
	events, err := s.ReadEvents(ctx, "order-1", 1, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("partial batch commit: %d events", len(events))
	}
}

func TestTimestampsNonDecreasingPerAggregate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	// A clock that regresses between appends.
	clock := &stepClock{now: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC), step: -time.Second}
	s, err := Open(path, func(string) string { return "t" }, slog.Default(), WithClock(clock))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	for seq := int64(1); seq <= 4; seq++ {
		if _, err := s.Append(ctx, testEvent("order-1", seq)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	events, err := s.ReadEvents(ctx, "order-1", 1, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Fatalf("timestamp regressed at sequence %d", events[i].SequenceNumber)
		}
	}
}

func TestGlobalIDMatchesCommitOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var lastGlobal int64
	for i := 0; i < 10; i++ {
		agg := fmt.Sprintf("order-%d", i%3)
		seq := int64(i/3 + 1)
		ev, err := s.Append(ctx, testEvent(agg, seq))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if ev.GlobalID <= lastGlobal {
			t.Fatalf("global id %d not monotonic after %d", ev.GlobalID, lastGlobal)
		}
		lastGlobal = ev.GlobalID
	}
}

func TestReadAllFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, testEvent("order-1", 1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	shipped := testEvent("order-1", 2)
	shipped.EventType = "OrderShipped"
	if _, err := s.Append(ctx, shipped); err != nil {
		t.Fatalf("append: %v", err)
	}
	other := testEvent("cust-1", 1)
	other.AggregateType = "Customer"
	if _, err := s.Append(ctx, other); err != nil {
		t.Fatalf("append: %v", err)
	}

	all, err := s.ReadAll(ctx, Query{FromGlobalID: 1})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}

	orders, err := s.ReadAll(ctx, Query{AggregateType: "Order"})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("aggregate type filter: got %d, want 2", len(orders))
	}

	byType, err := s.ReadAll(ctx, Query{EventType: "OrderShipped"})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(byType) != 1 || byType[0].EventType != "OrderShipped" {
		t.Fatalf("event type filter: %+v", byType)
	}

	limited, err := s.ReadAll(ctx, Query{Limit: 2})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit: got %d, want 2", len(limited))
	}
	if limited[0].GlobalID >= limited[1].GlobalID {
		t.Errorf("results not in global order")
	}

	resumed, err := s.ReadAll(ctx, Query{FromGlobalID: limited[1].GlobalID + 1})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(resumed) != 1 {
		t.Fatalf("resume from global id: got %d, want 1", len(resumed))
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.LatestSnapshot(ctx, "order-1")
	if !errors.Is(err, switchyard.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	for seq := int64(1); seq <= 3; seq++ {
		if _, err := s.Append(ctx, testEvent("order-1", seq)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// Beyond the log head: rejected.
	err = s.SaveSnapshot(ctx, switchyard.Snapshot{
		AggregateID: "order-1", AggregateType: "Order", SequenceNumber: 4, Payload: []byte("{}"),
	})
	if switchyard.CodeOf(err) != switchyard.CodeInvalid {
		t.Fatalf("snapshot beyond head: code = %s, want INVALID", switchyard.CodeOf(err))
	}

	if err := s.SaveSnapshot(ctx, switchyard.Snapshot{
		AggregateID: "order-1", AggregateType: "Order", SequenceNumber: 2, Payload: []byte(`{"v":2}`),
	}); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	// Replace.
	if err := s.SaveSnapshot(ctx, switchyard.Snapshot{
		AggregateID: "order-1", AggregateType: "Order", SequenceNumber: 3, Payload: []byte(`{"v":3}`),
	}); err != nil {
		t.Fatalf("replace snapshot: %v", err)
	}

	snap, err := s.LatestSnapshot(ctx, "order-1")
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if snap.SequenceNumber != 3 || string(snap.Payload) != `{"v":3}` {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev, err := s.Append(ctx, testEvent("order-1", 1))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	pending, err := s.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}
	m := pending[0]
	if m.Entry.PartitionKey != "order-1" || m.Entry.Topic != "OrderCreated" {
		t.Fatalf("unexpected entry: %+v", m.Entry)
	}
	if m.Event.GlobalID != ev.GlobalID {
		t.Errorf("joined event mismatch: %d vs %d", m.Event.GlobalID, ev.GlobalID)
	}

	if err := s.MarkAttempt(ctx, ev.GlobalID, "broker timeout"); err != nil {
		t.Fatalf("mark attempt: %v", err)
	}
	entry, err := s.OutboxEntry(ctx, ev.GlobalID)
	if err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if entry.Attempts != 1 || entry.LastError != "broker timeout" {
		t.Fatalf("attempt not recorded: %+v", entry)
	}

	if err := s.MarkPublished(ctx, ev.GlobalID); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	pending, err = s.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("published entry still pending")
	}
}

func TestMarkFailedDeadLetters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev, err := s.Append(ctx, testEvent("order-1", 1))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.MarkFailed(ctx, ev.GlobalID, "unroutable topic"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	entry, err := s.OutboxEntry(ctx, ev.GlobalID)
	if err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if entry.Status != switchyard.OutboxFailed {
		t.Fatalf("status = %s, want FAILED", entry.Status)
	}

	dls, err := s.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dls) != 1 || dls[0].GlobalID != ev.GlobalID || dls[0].LastError != "unroutable topic" {
		t.Fatalf("unexpected dead letters: %+v", dls)
	}
}

func TestAppendValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cases := []switchyard.Event{
		{AggregateType: "Order", EventType: "OrderCreated", SequenceNumber: 1},
		{AggregateID: "order-1", EventType: "OrderCreated", SequenceNumber: 1},
		{AggregateID: "order-1", AggregateType: "Order", SequenceNumber: 1},
		{AggregateID: "order-1", AggregateType: "Order", EventType: "OrderCreated", SequenceNumber: 0},
	}
	for i, ev := range cases {
		if _, err := s.Append(ctx, ev); switchyard.CodeOf(err) != switchyard.CodeInvalid {
			t.Errorf("case %d: code = %s, want INVALID", i, switchyard.CodeOf(err))
		}
	}
}
