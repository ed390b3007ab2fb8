// Package publisher drains the transactional outbox into the broker:
// at-least-once delivery, per-aggregate FIFO, capped exponential
// backoff, and dead-lettering of entries that exhaust their attempts.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"switchyard"
	"switchyard/api/wire"
	"switchyard/internal/broker"
	"switchyard/internal/check"
	"switchyard/internal/eventstore"
	"switchyard/internal/metrics"
)

const (
	// batchSize bounds one drain pass. Small enough to keep hold-back
	// bookkeeping cheap, large enough to amortize the outbox query.
	batchSize = 100

	// backoffBase is the first retry delay; doubles per attempt up to
	// the configured ceiling.
	backoffBase = 500 * time.Millisecond

	// pollInterval is the idle delay between drain passes when the
	// outbox is empty or fully blocked.
	pollInterval = 1 * time.Second
)

// Outbox is the slice of the event store the publisher drives.
type Outbox interface {
	PendingOutbox(ctx context.Context, limit int) ([]eventstore.OutboxMessage, error)
	MarkPublished(ctx context.Context, globalID int64) error
	MarkAttempt(ctx context.Context, globalID int64, lastError string) error
	MarkFailed(ctx context.Context, globalID int64, lastError string) error
}

// Clock abstracts time for backoff tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Publisher is the single logical outbox worker. Entries drain in
// ascending globalId order; an unacked entry holds back every later
// entry sharing its partition key, while other keys proceed.
type Publisher struct {
	outbox  Outbox
	broker  broker.Broker
	breaker *gobreaker.CircuitBreaker
	clock   Clock
	log     *slog.Logger

	maxAttempts int
	backoffCeil time.Duration

	// nextTry delays retries per entry without blocking the loop.
	nextTry map[int64]time.Time
}

func New(outbox Outbox, b broker.Broker, maxAttempts int, backoffCeil time.Duration, log *slog.Logger) *Publisher {
	check.Assert(maxAttempts > 0, "publisher.New: maxAttempts must be positive")
	return &Publisher{
		outbox: outbox,
		broker: b,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "broker-publish",
			Timeout: 10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		clock:       realClock{},
		log:         log,
		maxAttempts: maxAttempts,
		backoffCeil: backoffCeil,
		nextTry:     make(map[int64]time.Time),
	}
}

// WithClock replaces the wall clock, for tests.
func (p *Publisher) WithClock(c Clock) *Publisher {
	p.clock = c
	return p
}

// Run drains until ctx is canceled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		published, err := p.DrainOnce(ctx)
		if err != nil {
			p.log.Warn("outbox drain failed", "error", err)
		}
		// Full batches mean more work is likely waiting; go again
		// without the idle delay.
		if published >= batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// DrainOnce runs one pass over the pending outbox. Returns the number
// of entries acknowledged by the broker.
func (p *Publisher) DrainOnce(ctx context.Context) (int, error) {
	batch, err := p.outbox.PendingOutbox(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	metrics.OutboxBacklog.Set(float64(len(batch)))

	published := 0
	now := p.clock.Now()
	blocked := make(map[string]struct{})
	for _, m := range batch {
		key := m.Entry.PartitionKey
		if _, held := blocked[key]; held {
			continue
		}
		if until, waiting := p.nextTry[m.Entry.GlobalID]; waiting && now.Before(until) {
			blocked[key] = struct{}{}
			continue
		}

		if err := p.publish(ctx, m); err != nil {
			blocked[key] = struct{}{}
			if err := p.recordFailure(ctx, m, err); err != nil {
				return published, err
			}
			continue
		}

		if err := p.outbox.MarkPublished(ctx, m.Entry.GlobalID); err != nil {
			// The broker has the record but the mark failed; the entry
			// stays PENDING and will be republished. At-least-once.
			return published, err
		}
		delete(p.nextTry, m.Entry.GlobalID)
		metrics.OutboxPublished.WithLabelValues(m.Entry.Topic).Inc()
		published++
	}
	return published, nil
}

func (p *Publisher) publish(ctx context.Context, m eventstore.OutboxMessage) error {
	value, err := json.Marshal(eventRecord(m.Event))
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", m.Event.GlobalID, err)
	}
	headers := map[string]string{
		"event_type":      m.Event.EventType,
		"aggregate_type":  m.Event.AggregateType,
		"sequence_number": fmt.Sprintf("%d", m.Event.SequenceNumber),
	}
	if corr, ok := m.Event.Metadata[switchyard.MetadataCorrelationID]; ok {
		headers[switchyard.MetadataCorrelationID] = corr
	}

	_, err = p.breaker.Execute(func() (any, error) {
		return nil, p.broker.Publish(ctx, broker.Message{
			Topic:   m.Entry.Topic,
			Key:     m.Entry.PartitionKey,
			Value:   value,
			Headers: headers,
		})
	})
	if err != nil {
		return fmt.Errorf("%w: %w", switchyard.ErrBrokerUnavailable, err)
	}
	return nil
}

func (p *Publisher) recordFailure(ctx context.Context, m eventstore.OutboxMessage, pubErr error) error {
	// An open breaker is the breaker protecting the broker, not a
	// verdict on this entry: delay without burning an attempt.
	if errors.Is(pubErr, gobreaker.ErrOpenState) || errors.Is(pubErr, gobreaker.ErrTooManyRequests) {
		p.nextTry[m.Entry.GlobalID] = p.clock.Now().Add(p.backoff(m.Entry.Attempts + 1))
		return nil
	}

	attempts := m.Entry.Attempts + 1
	if attempts >= p.maxAttempts {
		if err := p.outbox.MarkFailed(ctx, m.Entry.GlobalID, pubErr.Error()); err != nil {
			return err
		}
		delete(p.nextTry, m.Entry.GlobalID)
		metrics.OutboxDeadLettered.Inc()
		p.log.Error("outbox entry dead-lettered",
			"global_id", m.Entry.GlobalID,
			"topic", m.Entry.Topic,
			"attempts", attempts,
			"error", pubErr)
		return nil
	}

	if err := p.outbox.MarkAttempt(ctx, m.Entry.GlobalID, pubErr.Error()); err != nil {
		return err
	}
	p.nextTry[m.Entry.GlobalID] = p.clock.Now().Add(p.backoff(attempts))
	metrics.OutboxRetries.Inc()
	p.log.Warn("publish failed, will retry",
		"global_id", m.Entry.GlobalID,
		"topic", m.Entry.Topic,
		"attempt", attempts,
		"error", pubErr)
	return nil
}

// backoff doubles per attempt from backoffBase, capped at the ceiling.
func (p *Publisher) backoff(attempts int) time.Duration {
	d := backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.backoffCeil {
			return p.backoffCeil
		}
	}
	if d > p.backoffCeil {
		return p.backoffCeil
	}
	return d
}

func eventRecord(ev switchyard.Event) wire.EventRecord {
	return wire.EventRecord{
		GlobalID:       ev.GlobalID,
		AggregateID:    ev.AggregateID,
		AggregateType:  ev.AggregateType,
		SequenceNumber: ev.SequenceNumber,
		EventType:      ev.EventType,
		Payload:        ev.Payload,
		Metadata:       ev.Metadata,
		Timestamp:      ev.Timestamp,
		Version:        ev.Version,
	}
}
