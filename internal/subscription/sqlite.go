package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, no cgo

	"github.com/kernelci/kernelci-api-core/internal/platform/retry"
)

// SQLitePositionStore persists durable subscriber cursors in the
// "subscriber_state" table named in spec.md §6, keyed by (subscriber_id,
// channel). The Conflict check for a subscriber_id held by another
// principal is made by Registry in memory, not by this table.
type SQLitePositionStore struct {
	db          *sql.DB
	retryConfig retry.Config
}

// NewSQLitePositionStore opens (creating if necessary) db at dsn. When dsn
// is shared with an eventlog.SQLiteStore, pass the same DSN so both tables
// live in one file.
func NewSQLitePositionStore(dsn string, retryConfig retry.Config) (*SQLitePositionStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS subscriber_state (
	subscriber_id TEXT NOT NULL,
	channel       TEXT NOT NULL,
	last_event_id INTEGER NOT NULL,
	last_poll     TEXT NOT NULL,
	PRIMARY KEY (subscriber_id, channel)
);
`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrating subscriber_state schema: %w", err)
	}

	return &SQLitePositionStore{db: db, retryConfig: retryConfig}, nil
}

// Load implements PositionStore.
func (s *SQLitePositionStore) Load(ctx context.Context, subscriberID, channel string) (int64, bool, error) {
	var lastEventID int64
	var found bool
	err := retry.Do(ctx, s.retryConfig, func(error) bool { return true }, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT last_event_id FROM subscriber_state WHERE subscriber_id = ? AND channel = ?`,
			subscriberID, channel)
		switch err := row.Scan(&lastEventID); {
		case err == sql.ErrNoRows:
			found = false
			return nil
		case err != nil:
			return err
		default:
			found = true
			return nil
		}
	})
	if err != nil {
		return 0, false, fmt.Errorf("loading subscriber position: %w", err)
	}
	return lastEventID, found, nil
}

// Persist implements PositionStore; the upsert makes it idempotent.
func (s *SQLitePositionStore) Persist(ctx context.Context, subscriberID, channel string, lastEventID int64) error {
	err := retry.Do(ctx, s.retryConfig, func(error) bool { return true }, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO subscriber_state (subscriber_id, channel, last_event_id, last_poll)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(subscriber_id, channel) DO UPDATE SET last_event_id = excluded.last_event_id, last_poll = excluded.last_poll
		`, subscriberID, channel, lastEventID, time.Now().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return fmt.Errorf("persisting subscriber position: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLitePositionStore) Close() error { return s.db.Close() }
