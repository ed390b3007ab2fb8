package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"switchyard/api/wire"
)

// EventFunc handles one published event. Returning an error makes the
// subscriber retry; persistent failures go to the topic's dead-letter
// queue.
type EventFunc func(ctx context.Context, ev wire.EventRecord) error

// SubscriberConfig describes a consumer-group subscription to
// published event topics.
type SubscriberConfig struct {
	Seeds  []string
	Group  string
	Topics []string
	// PoisonThreshold is how many delivery attempts a record gets
	// before it is forwarded to "<topic>.dlq". Defaults to 3.
	PoisonThreshold int
}

// Subscriber consumes published events with at-least-once delivery.
// Duplicate deliveries of the same (aggregateId, sequenceNumber) are
// dropped, so handlers observe each event once per process lifetime.
type Subscriber struct {
	client  *kgo.Client
	handler EventFunc
	log     *slog.Logger

	poisonThreshold int
	produce         func(ctx context.Context, rec *kgo.Record) error

	// seen records exactly which (aggregateId, sequenceNumber) pairs
	// were delivered. Per-event-type topics can interleave one
	// aggregate's events out of order across partitions, so a
	// high-water mark would drop late-arriving lower sequences.
	mu   sync.Mutex
	seen map[string]map[int64]struct{}
}

func NewSubscriber(cfg SubscriberConfig, handler EventFunc, log *slog.Logger) (*Subscriber, error) {
	if cfg.PoisonThreshold <= 0 {
		cfg.PoisonThreshold = 3
	}
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Seeds...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topics...),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	s := &Subscriber{
		client:          cl,
		handler:         handler,
		log:             log,
		poisonThreshold: cfg.PoisonThreshold,
		seen:            make(map[string]map[int64]struct{}),
	}
	s.produce = func(ctx context.Context, rec *kgo.Record) error {
		return cl.ProduceSync(ctx, rec).FirstErr()
	}
	return s, nil
}

// Run polls until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	defer s.client.Close()
	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			s.log.Warn("fetch error", "topic", topic, "partition", partition, "err", err)
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			s.consume(ctx, rec)
		})
	}
}

// consume delivers one record, retrying up to the poison threshold and
// dead-lettering it afterwards. Malformed records go straight to the
// dead-letter queue.
func (s *Subscriber) consume(ctx context.Context, rec *kgo.Record) {
	var ev wire.EventRecord
	if err := json.Unmarshal(rec.Value, &ev); err != nil {
		s.log.Error("undecodable event record", "topic", rec.Topic, "err", err)
		s.deadLetter(ctx, rec)
		return
	}
	if s.alreadySeen(ev.AggregateID, ev.SequenceNumber) {
		return
	}

	var err error
	for attempt := 1; attempt <= s.poisonThreshold; attempt++ {
		if err = s.handler(ctx, ev); err == nil {
			s.markSeen(ev.AggregateID, ev.SequenceNumber)
			return
		}
		s.log.Warn("event handler failed",
			"aggregate", ev.AggregateID,
			"sequence", ev.SequenceNumber,
			"attempt", attempt,
			"err", err)
	}
	s.log.Error("event is poison, dead-lettering",
		"topic", rec.Topic,
		"aggregate", ev.AggregateID,
		"sequence", ev.SequenceNumber,
		"err", err)
	s.deadLetter(ctx, rec)
	// Treat the record as consumed so the partition keeps moving.
	s.markSeen(ev.AggregateID, ev.SequenceNumber)
}

func (s *Subscriber) deadLetter(ctx context.Context, rec *kgo.Record) {
	dlq := &kgo.Record{
		Topic:   rec.Topic + ".dlq",
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: rec.Headers,
	}
	if err := s.produce(ctx, dlq); err != nil {
		s.log.Error("dead-letter publish failed", "topic", dlq.Topic, "err", err)
	}
}

func (s *Subscriber) alreadySeen(aggregateID string, seq int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[aggregateID][seq]
	return ok
}

func (s *Subscriber) markSeen(aggregateID string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.seen[aggregateID]
	if set == nil {
		set = make(map[int64]struct{})
		s.seen[aggregateID] = set
	}
	set[seq] = struct{}{}
}
