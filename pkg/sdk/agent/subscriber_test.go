package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"

	"switchyard/api/wire"
)

func newTestSubscriber(handler EventFunc) (*Subscriber, *[]*kgo.Record) {
	var produced []*kgo.Record
	s := &Subscriber{
		handler:         handler,
		log:             slog.Default(),
		poisonThreshold: 3,
		seen:            make(map[string]map[int64]struct{}),
	}
	s.produce = func(_ context.Context, rec *kgo.Record) error {
		produced = append(produced, rec)
		return nil
	}
	return s, &produced
}

func record(t *testing.T, topic, aggregateID string, seq int64) *kgo.Record {
	t.Helper()
	value, err := json.Marshal(wire.EventRecord{
		AggregateID:    aggregateID,
		AggregateType:  "Order",
		SequenceNumber: seq,
		EventType:      "OrderPlaced",
	})
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	return &kgo.Record{Topic: topic, Key: []byte(aggregateID), Value: value}
}

func TestConsumeDeliversOnce(t *testing.T) {
	var delivered []int64
	s, _ := newTestSubscriber(func(_ context.Context, ev wire.EventRecord) error {
		delivered = append(delivered, ev.SequenceNumber)
		return nil
	})

	ctx := context.Background()
	s.consume(ctx, record(t, "OrderPlaced", "order-1", 1))
	s.consume(ctx, record(t, "OrderPlaced", "order-1", 2))
	// Redelivery of sequence 1 must be dropped.
	s.consume(ctx, record(t, "OrderPlaced", "order-1", 1))
	s.consume(ctx, record(t, "OrderPlaced", "order-1", 2))

	if len(delivered) != 2 || delivered[0] != 1 || delivered[1] != 2 {
		t.Fatalf("delivered = %v, want [1 2]", delivered)
	}
}

func TestConsumeCrossTopicReorder(t *testing.T) {
	var delivered []int64
	s, _ := newTestSubscriber(func(_ context.Context, ev wire.EventRecord) error {
		delivered = append(delivered, ev.SequenceNumber)
		return nil
	})

	// Per-event-type topics put one aggregate's events on separate
	// partitions, so a later sequence can arrive first. Both must
	// still be delivered.
	ctx := context.Background()
	s.consume(ctx, record(t, "OrderPaid", "order-1", 2))
	s.consume(ctx, record(t, "OrderPlaced", "order-1", 1))

	if len(delivered) != 2 || delivered[0] != 2 || delivered[1] != 1 {
		t.Fatalf("delivered = %v, want [2 1]", delivered)
	}

	// True redeliveries of either pair are still dropped.
	s.consume(ctx, record(t, "OrderPaid", "order-1", 2))
	s.consume(ctx, record(t, "OrderPlaced", "order-1", 1))
	if len(delivered) != 2 {
		t.Fatalf("delivered = %v after redelivery, want [2 1]", delivered)
	}
}

func TestConsumeRetriesThenSucceeds(t *testing.T) {
	calls := 0
	s, produced := newTestSubscriber(func(context.Context, wire.EventRecord) error {
		calls++
		if calls < 3 {
			return errors.New("projection unavailable")
		}
		return nil
	})

	s.consume(context.Background(), record(t, "OrderPlaced", "order-1", 1))

	if calls != 3 {
		t.Fatalf("handler calls = %d, want 3", calls)
	}
	if len(*produced) != 0 {
		t.Fatalf("nothing should be dead-lettered, got %d", len(*produced))
	}
}

func TestConsumePoisonGoesToDLQ(t *testing.T) {
	calls := 0
	s, produced := newTestSubscriber(func(context.Context, wire.EventRecord) error {
		calls++
		return errors.New("cannot apply")
	})

	ctx := context.Background()
	s.consume(ctx, record(t, "OrderPlaced", "order-1", 1))

	if calls != 3 {
		t.Fatalf("handler calls = %d, want poison threshold 3", calls)
	}
	if len(*produced) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(*produced))
	}
	if got := (*produced)[0].Topic; got != "OrderPlaced.dlq" {
		t.Fatalf("dead letter topic = %q", got)
	}

	// The poison record is consumed: the next sequence flows normally.
	var delivered bool
	s.handler = func(context.Context, wire.EventRecord) error {
		delivered = true
		return nil
	}
	s.consume(ctx, record(t, "OrderPlaced", "order-1", 2))
	if !delivered {
		t.Fatal("sequence 2 should be delivered after sequence 1 was dead-lettered")
	}
}

func TestConsumeUndecodableRecord(t *testing.T) {
	s, produced := newTestSubscriber(func(context.Context, wire.EventRecord) error {
		t.Fatal("handler must not run for undecodable records")
		return nil
	})

	s.consume(context.Background(), &kgo.Record{Topic: "OrderPlaced", Value: []byte("not json")})

	if len(*produced) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(*produced))
	}
}
