// Package eventstore is the durable event log: per-aggregate contiguous
// sequences, a global total order, snapshots, and the transactional
// outbox that feeds the publisher.
//
// Backing store is SQLite (modernc.org/sqlite) in WAL mode. Every append
// writes the event row and its outbox row in one transaction, so an
// event is either durable and queued for publication, or neither.
package eventstore

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"switchyard"
)

// schemaVersion is stamped on every event row. A mismatch on read means
// rows were written by an incompatible build; it is logged loudly and
// never expected in normal operation.
const schemaVersion = 1

// Clock abstracts wall-clock reads for append timestamps.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// TopicFunc maps an event type to the broker topic its outbox entry
// targets. Chosen by configuration (per-event-type or single-topic).
type TopicFunc func(eventType string) string

// Store is the SQLite-backed event store.
type Store struct {
	db    *sql.DB
	clock Clock
	topic TopicFunc
	log   *slog.Logger
}

// Option adjusts a Store at Open time.
type Option func(*Store)

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Open opens (creating if needed) the event store at path.
func Open(path string, topic TopicFunc, log *slog.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event store db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set event store journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set event store busy timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable event store foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize event store schema: %w", err)
	}

	s := &Store{db: db, clock: realClock{}, topic: topic, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	global_id INTEGER PRIMARY KEY AUTOINCREMENT,
	aggregate_id TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	payload BLOB NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	timestamp INTEGER NOT NULL,
	version INTEGER NOT NULL,
	UNIQUE (aggregate_id, sequence_number)
);
CREATE INDEX IF NOT EXISTS idx_events_aggregate_type_time ON events (aggregate_type, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_event_type_time ON events (event_type, timestamp);

CREATE TABLE IF NOT EXISTS snapshots (
	aggregate_id TEXT PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	payload BLOB NOT NULL,
	timestamp INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	global_id INTEGER PRIMARY KEY REFERENCES events(global_id),
	topic TEXT NOT NULL,
	partition_key TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox (status, global_id);

CREATE TABLE IF NOT EXISTS dead_letters (
	global_id INTEGER PRIMARY KEY,
	topic TEXT NOT NULL,
	partition_key TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	last_error TEXT NOT NULL,
	failed_at INTEGER NOT NULL
);
`

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// isUniqueViolation reports whether err is the UNIQUE constraint on
// (aggregate_id, sequence_number) firing, i.e. a lost optimistic
// concurrency race.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlitelib.SQLITE_CONSTRAINT_UNIQUE ||
		se.Code() == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY ||
		se.Code()&0xff == sqlitelib.SQLITE_CONSTRAINT
}

// storageErr classifies a SQLite failure: lock contention and
// interruptions are transient (worth a retry), everything else is fatal.
func storageErr(op string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED, sqlitelib.SQLITE_INTERRUPT:
			return fmt.Errorf("%s: %w: %w", op, switchyard.ErrStorageTransient, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, switchyard.ErrStorageFatal, err)
}
