package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"switchyard"
)

// SaveSnapshot stores or replaces the single snapshot of an aggregate.
// The snapshot may not claim a sequence the log has not reached yet.
func (s *Store) SaveSnapshot(ctx context.Context, snap switchyard.Snapshot) error {
	if snap.AggregateID == "" {
		return switchyard.Invalid("aggregate_id", "must not be empty")
	}
	if snap.SequenceNumber < 1 {
		return switchyard.Invalid("sequence_number", "sequences start at 1")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin save snapshot", err)
	}
	defer tx.Rollback()

	var maxSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM events WHERE aggregate_id = ?`,
		snap.AggregateID).Scan(&maxSeq)
	if err != nil {
		return storageErr("read aggregate head", err)
	}
	if snap.SequenceNumber > maxSeq {
		return switchyard.Invalid("sequence_number",
			fmt.Sprintf("snapshot at %d but aggregate log ends at %d", snap.SequenceNumber, maxSeq))
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO snapshots (aggregate_id, aggregate_type, sequence_number, payload, timestamp)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(aggregate_id) DO UPDATE SET
	aggregate_type = excluded.aggregate_type,
	sequence_number = excluded.sequence_number,
	payload = excluded.payload,
	timestamp = excluded.timestamp`,
		snap.AggregateID, snap.AggregateType, snap.SequenceNumber, snap.Payload,
		s.clock.Now().UnixNano()); err != nil {
		return storageErr("save snapshot", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit save snapshot", err)
	}
	return nil
}

// LatestSnapshot returns the aggregate's snapshot, or
// switchyard.ErrNotFound when it has none.
func (s *Store) LatestSnapshot(ctx context.Context, aggregateID string) (switchyard.Snapshot, error) {
	if aggregateID == "" {
		return switchyard.Snapshot{}, switchyard.Invalid("aggregate_id", "must not be empty")
	}

	var (
		snap switchyard.Snapshot
		ts   int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT aggregate_id, aggregate_type, sequence_number, payload, timestamp
FROM snapshots WHERE aggregate_id = ?`,
		aggregateID).Scan(&snap.AggregateID, &snap.AggregateType, &snap.SequenceNumber, &snap.Payload, &ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return switchyard.Snapshot{}, fmt.Errorf("snapshot of %q: %w", aggregateID, switchyard.ErrNotFound)
		}
		return switchyard.Snapshot{}, storageErr("load snapshot", err)
	}
	snap.Timestamp = time.Unix(0, ts).UTC()
	return snap, nil
}
