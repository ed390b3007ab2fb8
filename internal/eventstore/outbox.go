package eventstore

import (
	"context"
	"time"

	"switchyard"
)

// OutboxMessage pairs a pending outbox entry with its event, ready for
// publication.
type OutboxMessage struct {
	Entry switchyard.OutboxEntry
	Event switchyard.Event
}

// PendingOutbox returns up to limit PENDING entries in ascending
// globalId order, joined with their events.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT o.global_id, o.topic, o.partition_key, o.status, o.attempts, o.last_error,
	e.aggregate_id, e.aggregate_type, e.sequence_number, e.event_type, e.payload, e.metadata, e.timestamp, e.version
FROM outbox o JOIN events e ON e.global_id = o.global_id
WHERE o.status = ?
ORDER BY o.global_id
LIMIT ?`,
		string(switchyard.OutboxPending), limit)
	if err != nil {
		return nil, storageErr("read pending outbox", err)
	}
	defer rows.Close()

	out := make([]OutboxMessage, 0)
	for rows.Next() {
		var (
			m        OutboxMessage
			status   string
			metadata string
			ts       int64
		)
		if err := rows.Scan(&m.Entry.GlobalID, &m.Entry.Topic, &m.Entry.PartitionKey, &status,
			&m.Entry.Attempts, &m.Entry.LastError,
			&m.Event.AggregateID, &m.Event.AggregateType, &m.Event.SequenceNumber, &m.Event.EventType,
			&m.Event.Payload, &metadata, &ts, &m.Event.Version); err != nil {
			return nil, storageErr("scan outbox row", err)
		}
		m.Entry.Status = switchyard.OutboxStatus(status)
		m.Event.GlobalID = m.Entry.GlobalID
		m.Event.Timestamp = time.Unix(0, ts).UTC()
		if metadata != "" && metadata != "{}" {
			if err := unmarshalMetadata(metadata, &m.Event.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate outbox rows", err)
	}
	return out, nil
}

// MarkPublished records a broker ack: the entry leaves the retry set for
// good.
func (s *Store) MarkPublished(ctx context.Context, globalID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, last_error = '' WHERE global_id = ?`,
		string(switchyard.OutboxPublished), globalID); err != nil {
		return storageErr("mark outbox published", err)
	}
	return nil
}

// MarkAttempt records one failed publish attempt, keeping the entry
// PENDING.
func (s *Store) MarkAttempt(ctx context.Context, globalID int64, lastError string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE global_id = ?`,
		lastError, globalID); err != nil {
		return storageErr("mark outbox attempt", err)
	}
	return nil
}

// MarkFailed moves an exhausted entry to FAILED and copies it into the
// dead-letter table in one transaction.
func (s *Store) MarkFailed(ctx context.Context, globalID int64, lastError string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin mark outbox failed", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE outbox SET status = ?, last_error = ? WHERE global_id = ?`,
		string(switchyard.OutboxFailed), lastError, globalID); err != nil {
		return storageErr("mark outbox failed", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO dead_letters (global_id, topic, partition_key, attempts, last_error, failed_at)
SELECT global_id, topic, partition_key, attempts, ?, ? FROM outbox WHERE global_id = ?
ON CONFLICT(global_id) DO UPDATE SET attempts = excluded.attempts, last_error = excluded.last_error, failed_at = excluded.failed_at`,
		lastError, s.clock.Now().UnixNano(), globalID); err != nil {
		return storageErr("record dead letter", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit mark outbox failed", err)
	}
	return nil
}

// DeadLetter is one exhausted outbox entry, kept for operator
// inspection and manual replay.
type DeadLetter struct {
	GlobalID     int64
	Topic        string
	PartitionKey string
	Attempts     int
	LastError    string
	FailedAt     time.Time
}

// DeadLetters lists exhausted entries in ascending globalId order.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT global_id, topic, partition_key, attempts, last_error, failed_at
FROM dead_letters ORDER BY global_id LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("read dead letters", err)
	}
	defer rows.Close()

	out := make([]DeadLetter, 0)
	for rows.Next() {
		var (
			dl DeadLetter
			ts int64
		)
		if err := rows.Scan(&dl.GlobalID, &dl.Topic, &dl.PartitionKey, &dl.Attempts, &dl.LastError, &ts); err != nil {
			return nil, storageErr("scan dead letter row", err)
		}
		dl.FailedAt = time.Unix(0, ts).UTC()
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate dead letter rows", err)
	}
	return out, nil
}

// OutboxEntry loads one entry regardless of status.
func (s *Store) OutboxEntry(ctx context.Context, globalID int64) (switchyard.OutboxEntry, error) {
	var (
		entry  switchyard.OutboxEntry
		status string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT global_id, topic, partition_key, status, attempts, last_error
FROM outbox WHERE global_id = ?`, globalID).
		Scan(&entry.GlobalID, &entry.Topic, &entry.PartitionKey, &status, &entry.Attempts, &entry.LastError)
	if err != nil {
		return switchyard.OutboxEntry{}, storageErr("load outbox entry", err)
	}
	entry.Status = switchyard.OutboxStatus(status)
	return entry, nil
}
