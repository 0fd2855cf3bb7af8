package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, no cgo

	"github.com/kernelci/kernelci-api-core/internal/platform/retry"
)

// SQLiteStore is a durable Event Log backend, selected with
// STORE_DRIVER=sqlite. It gives StorageUnavailable a real failure mode
// (connection errors) that the in-memory backend cannot exhibit, following
// the retry/backoff discipline used by modules/database's credential
// refresh path.
//
// Schema mirrors the "eventhistory" collection named in spec.md §6: a
// compound (channel, sequence_id) index and a timestamp column used for
// lazy TTL purge.
type SQLiteStore struct {
	db          *sql.DB
	ttl         time.Duration
	retryConfig retry.Config
	logger      *zap.Logger
}

// NewSQLiteStore opens (creating if necessary) the sqlite database at dsn.
func NewSQLiteStore(dsn string, ttl time.Duration, retryConfig retry.Config, logger *zap.Logger) (*SQLiteStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening sqlite database: %v", ErrStorageUnavailable, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers per process

	const schema = `
CREATE TABLE IF NOT EXISTS eventhistory (
	channel     TEXT NOT NULL,
	sequence_id INTEGER NOT NULL,
	owner       TEXT NOT NULL,
	timestamp   TEXT NOT NULL,
	payload     TEXT NOT NULL,
	PRIMARY KEY (channel, sequence_id)
);
CREATE INDEX IF NOT EXISTS idx_eventhistory_channel_seq ON eventhistory(channel, sequence_id);
CREATE INDEX IF NOT EXISTS idx_eventhistory_timestamp ON eventhistory(timestamp);
`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("%w: migrating eventhistory schema: %v", ErrStorageUnavailable, err)
	}

	return &SQLiteStore{db: db, ttl: ttl, retryConfig: retryConfig, logger: logger}, nil
}

func retryableSQLError(err error) bool {
	// modernc.org/sqlite surfaces busy/locked conditions as plain errors;
	// treat any non-nil error from the transport as transient and let the
	// caller's attempt budget decide when to give up.
	return err != nil
}

// purgeExpired deletes records older than the TTL window inside tx.
func (s *SQLiteStore) purgeExpired(ctx context.Context, tx *sql.Tx, now time.Time) error {
	cutoff := now.Add(-s.ttl).Format(time.RFC3339Nano)
	_, err := tx.ExecContext(ctx, `DELETE FROM eventhistory WHERE timestamp < ?`, cutoff)
	return err
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, channel, owner string, payload json.RawMessage) (EventRecord, error) {
	var rec EventRecord
	err := retry.Do(ctx, s.retryConfig, retryableSQLError, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		if err := s.purgeExpired(ctx, tx, time.Now()); err != nil {
			return err
		}

		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence_id) FROM eventhistory WHERE channel = ?`, channel).Scan(&maxSeq); err != nil {
			return err
		}
		nextSeq := maxSeq.Int64 + 1
		now := time.Now()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO eventhistory (channel, sequence_id, owner, timestamp, payload) VALUES (?, ?, ?, ?, ?)`,
			channel, nextSeq, owner, now.Format(time.RFC3339Nano), string(payload),
		); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		rec = EventRecord{SequenceID: nextSeq, Channel: channel, Owner: owner, Timestamp: now, Payload: payload}
		return nil
	})
	if err != nil {
		return EventRecord{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return rec, nil
}

// ReadForward implements Store.
func (s *SQLiteStore) ReadForward(ctx context.Context, channel string, afterSequenceID int64, maxCount int) ([]EventRecord, error) {
	maxCount = clampMaxCount(maxCount)

	var out []EventRecord
	err := retry.Do(ctx, s.retryConfig, retryableSQLError, func() error {
		out = nil
		rows, err := s.db.QueryContext(ctx,
			`SELECT sequence_id, owner, timestamp, payload FROM eventhistory
			 WHERE channel = ? AND sequence_id > ? ORDER BY sequence_id ASC LIMIT ?`,
			channel, afterSequenceID, maxCount,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var rec EventRecord
			var ts string
			var payload string
			if err := rows.Scan(&rec.SequenceID, &rec.Owner, &ts, &payload); err != nil {
				return err
			}
			rec.Channel = channel
			rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return err
			}
			rec.Payload = json.RawMessage(payload)
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return out, nil
}

// MaxSequenceID implements Store.
func (s *SQLiteStore) MaxSequenceID(ctx context.Context, channel string) (int64, error) {
	var maxSeq int64
	err := retry.Do(ctx, s.retryConfig, retryableSQLError, func() error {
		var n sql.NullInt64
		if err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence_id) FROM eventhistory WHERE channel = ?`, channel).Scan(&n); err != nil {
			return err
		}
		maxSeq = n.Int64
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return maxSeq, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
