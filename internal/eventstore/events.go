package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"switchyard"
	"switchyard/internal/check"
)

// Append writes one event at the expected sequence number, together
// with its outbox entry, in one transaction. The expected sequence must
// be exactly one past the aggregate's current maximum; anything else is
// a lost optimistic concurrency race (switchyard.ErrConcurrency) and
// leaves no partial state.
func (s *Store) Append(ctx context.Context, ev switchyard.Event) (switchyard.Event, error) {
	if err := validateEvent(ev); err != nil {
		return switchyard.Event{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return switchyard.Event{}, storageErr("begin append", err)
	}
	defer tx.Rollback()

	committed, err := s.appendInTx(ctx, tx, ev)
	if err != nil {
		return switchyard.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return switchyard.Event{}, storageErr("commit append", err)
	}
	return committed, nil
}

// AppendBatch writes a contiguous run of events for one aggregate
// atomically: sequences expectedStart, expectedStart+1, ... are
// assigned in slice order. Either every event commits or none does.
func (s *Store) AppendBatch(ctx context.Context, aggregateID, aggregateType string, expectedStart int64, events []switchyard.Event) ([]switchyard.Event, error) {
	if aggregateID == "" {
		return nil, switchyard.Invalid("aggregate_id", "must not be empty")
	}
	if len(events) == 0 {
		return nil, switchyard.Invalid("events", "batch must not be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin append batch", err)
	}
	defer tx.Rollback()

	out := make([]switchyard.Event, 0, len(events))
	for i, ev := range events {
		ev.AggregateID = aggregateID
		ev.AggregateType = aggregateType
		ev.SequenceNumber = expectedStart + int64(i)
		if err := validateEvent(ev); err != nil {
			return nil, err
		}
		committed, err := s.appendInTx(ctx, tx, ev)
		if err != nil {
			return nil, err
		}
		out = append(out, committed)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit append batch", err)
	}
	return out, nil
}

func (s *Store) appendInTx(ctx context.Context, tx *sql.Tx, ev switchyard.Event) (switchyard.Event, error) {
	var maxSeq, maxTS int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0), COALESCE(MAX(timestamp), 0) FROM events WHERE aggregate_id = ?`,
		ev.AggregateID).Scan(&maxSeq, &maxTS)
	if err != nil {
		return switchyard.Event{}, storageErr("read aggregate head", err)
	}
	if ev.SequenceNumber != maxSeq+1 {
		return switchyard.Event{}, fmt.Errorf("aggregate %q at sequence %d, expected %d: %w",
			ev.AggregateID, maxSeq, ev.SequenceNumber, switchyard.ErrConcurrency)
	}

	// Per-aggregate timestamps never go backwards, even across clock
	// adjustments.
	ts := s.clock.Now().UnixNano()
	if ts < maxTS {
		ts = maxTS
	}

	metadata, err := marshalMetadata(ev.Metadata)
	if err != nil {
		return switchyard.Event{}, err
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO events (aggregate_id, aggregate_type, sequence_number, event_type, payload, metadata, timestamp, version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.AggregateID, ev.AggregateType, ev.SequenceNumber, ev.EventType, ev.Payload, metadata, ts, schemaVersion)
	if err != nil {
		if isUniqueViolation(err) {
			return switchyard.Event{}, fmt.Errorf("sequence %d for aggregate %q: %w",
				ev.SequenceNumber, ev.AggregateID, switchyard.ErrConcurrency)
		}
		return switchyard.Event{}, storageErr("insert event", err)
	}
	globalID, err := res.LastInsertId()
	if err != nil {
		return switchyard.Event{}, storageErr("read event global id", err)
	}
	check.Assertf(globalID > 0, "append: non-positive global id %d", globalID)

	if _, err := tx.ExecContext(ctx, `
INSERT INTO outbox (global_id, topic, partition_key, status)
VALUES (?, ?, ?, ?)`,
		globalID, s.topic(ev.EventType), ev.AggregateID, string(switchyard.OutboxPending)); err != nil {
		return switchyard.Event{}, storageErr("insert outbox entry", err)
	}

	ev.GlobalID = globalID
	ev.Timestamp = time.Unix(0, ts).UTC()
	ev.Version = schemaVersion
	return ev, nil
}

// ReadEvents returns one aggregate's events with sequence numbers >=
// fromSequence, in ascending sequence order, at most limit rows. A zero
// limit means unbounded.
func (s *Store) ReadEvents(ctx context.Context, aggregateID string, fromSequence, limit int64) ([]switchyard.Event, error) {
	if aggregateID == "" {
		return nil, switchyard.Invalid("aggregate_id", "must not be empty")
	}
	query := `
SELECT global_id, aggregate_id, aggregate_type, sequence_number, event_type, payload, metadata, timestamp, version
FROM events WHERE aggregate_id = ? AND sequence_number >= ?
ORDER BY sequence_number`
	args := []any{aggregateID, fromSequence}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("read aggregate events", err)
	}
	defer rows.Close()
	return s.scanEvents(rows)
}

// Query filters a global log read. Zero values mean "no filter"; a zero
// Limit means unbounded.
type Query struct {
	FromGlobalID  int64
	AggregateType string
	EventType     string
	Since         time.Time
	Until         time.Time
	Limit         int64
}

// ReadAll returns events from the global log in globalId order,
// filtered by q.
func (s *Store) ReadAll(ctx context.Context, q Query) ([]switchyard.Event, error) {
	var (
		conds []string
		args  []any
	)
	conds = append(conds, "global_id >= ?")
	args = append(args, q.FromGlobalID)
	if q.AggregateType != "" {
		conds = append(conds, "aggregate_type = ?")
		args = append(args, q.AggregateType)
	}
	if q.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, q.EventType)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, q.Until.UnixNano())
	}

	query := `
SELECT global_id, aggregate_id, aggregate_type, sequence_number, event_type, payload, metadata, timestamp, version
FROM events WHERE ` + strings.Join(conds, " AND ") + `
ORDER BY global_id`
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("read global log", err)
	}
	defer rows.Close()
	return s.scanEvents(rows)
}

func (s *Store) scanEvents(rows *sql.Rows) ([]switchyard.Event, error) {
	out := make([]switchyard.Event, 0)
	for rows.Next() {
		var (
			ev       switchyard.Event
			metadata string
			ts       int64
		)
		if err := rows.Scan(&ev.GlobalID, &ev.AggregateID, &ev.AggregateType, &ev.SequenceNumber,
			&ev.EventType, &ev.Payload, &metadata, &ts, &ev.Version); err != nil {
			return nil, storageErr("scan event row", err)
		}
		if metadata != "" && metadata != "{}" {
			if err := unmarshalMetadata(metadata, &ev.Metadata); err != nil {
				return nil, err
			}
		}
		ev.Timestamp = time.Unix(0, ts).UTC()
		if ev.Version != schemaVersion {
			s.log.Error("event schema version mismatch",
				"global_id", ev.GlobalID, "stored", ev.Version, "expected", schemaVersion)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate event rows", err)
	}
	return out, nil
}

func unmarshalMetadata(raw string, into *map[string]string) error {
	if err := json.Unmarshal([]byte(raw), into); err != nil {
		return fmt.Errorf("unmarshal event metadata: %w", err)
	}
	return nil
}

func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal event metadata: %w", err)
	}
	return string(data), nil
}

func validateEvent(ev switchyard.Event) error {
	if ev.AggregateID == "" {
		return switchyard.Invalid("aggregate_id", "must not be empty")
	}
	if ev.AggregateType == "" {
		return switchyard.Invalid("aggregate_type", "must not be empty")
	}
	if ev.EventType == "" {
		return switchyard.Invalid("event_type", "must not be empty")
	}
	if ev.SequenceNumber < 1 {
		return switchyard.Invalid("expected_sequence", "sequences start at 1")
	}
	return nil
}
