package node

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, no cgo

	"github.com/kernelci/kernelci-api-core/internal/platform/retry"
)

// SQLiteStore is a durable Node Store backend, selected with
// STORE_DRIVER=sqlite. It persists the "node" collection named in
// spec.md §6 as one row per node: a handful of indexed columns used for
// the Children/ListActive scans the Driver runs every tick, plus the full
// document as a JSON blob, since the dotted-path filter language in
// node.Query (including paths into the opaque `data` payload) cannot be
// compiled into SQL generically — the same asMap/valueAtPath in-memory
// matcher query.go uses for MemoryStore applies to each decoded row here.
type SQLiteStore struct {
	db          *sql.DB
	retryConfig retry.Config

	// idMu serializes uuid generation; the database itself serializes
	// writers via SetMaxOpenConns(1).
	idMu sync.Mutex
	now  func() time.Time
}

// NewSQLiteNodeStore opens (creating if necessary) the sqlite database at
// dsn and migrates the node table. A nil clock defaults to time.Now.
func NewSQLiteNodeStore(dsn string, retryConfig retry.Config, clock func() time.Time) (*SQLiteStore, error) {
	if clock == nil {
		clock = time.Now
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS node (
	id      TEXT PRIMARY KEY,
	parent  TEXT NOT NULL DEFAULT '',
	kind    TEXT NOT NULL,
	state   TEXT NOT NULL,
	created TEXT NOT NULL,
	updated TEXT NOT NULL,
	doc     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_node_parent ON node(parent);
CREATE INDEX IF NOT EXISTS idx_node_state ON node(state);
CREATE INDEX IF NOT EXISTS idx_node_created ON node(created);
`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrating node schema: %w", err)
	}

	return &SQLiteStore{db: db, retryConfig: retryConfig, now: clock}, nil
}

func retryableNodeSQLError(err error) bool { return err != nil }

func (s *SQLiteStore) newID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func scanNode(row interface{ Scan(...interface{}) error }) (Node, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		return Node{}, err
	}
	var n Node
	if err := json.Unmarshal([]byte(doc), &n); err != nil {
		return Node{}, fmt.Errorf("decoding stored node: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) upsert(ctx context.Context, tx *sql.Tx, n Node) error {
	doc, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding node: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO node (id, parent, kind, state, created, updated, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent = excluded.parent, kind = excluded.kind, state = excluded.state,
			created = excluded.created, updated = excluded.updated, doc = excluded.doc
	`, n.ID, n.Parent, n.Kind, string(n.State),
		n.Created.Format(time.RFC3339Nano), n.Updated.Format(time.RFC3339Nano), string(doc))
	return err
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, draft Draft, principal string, principalGroups []string) (Node, error) {
	if draft.Kind == "" || draft.Name == "" {
		return Node{}, ErrInvalidInput
	}

	var result Node
	err := retry.Do(ctx, s.retryConfig, retryableNodeSQLError, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		var path []string
		if draft.Parent != "" {
			row := tx.QueryRowContext(ctx, `SELECT doc FROM node WHERE id = ?`, draft.Parent)
			parent, err := scanNode(row)
			if err == sql.ErrNoRows {
				return ErrInvalidParent
			}
			if err != nil {
				return err
			}
			if parent.State == StateClosing || parent.State == StateDone {
				return ErrInvalidParent
			}
			path = append(append([]string(nil), parent.Path...), draft.Name)
		} else {
			path = []string{draft.Name}
		}

		now := s.now()
		timeout := now.Add(DefaultTimeout)
		if draft.Timeout != nil {
			timeout = *draft.Timeout
		}

		n := Node{
			ID:         s.newID(),
			Kind:       draft.Kind,
			Name:       draft.Name,
			Path:       path,
			Parent:     draft.Parent,
			Group:      draft.Group,
			State:      StateRunning,
			Result:     ResultAbsent,
			Data:       draft.Data,
			Artifacts:  draft.Artifacts,
			Owner:      principal,
			UserGroups: draft.UserGroups,
			Created:    now,
			Updated:    now,
			Holdoff:    draft.Holdoff,
			Timeout:    timeout,
		}
		if err := s.upsert(ctx, tx, n); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		result = n
		return nil
	})
	if err != nil {
		if err == ErrInvalidParent || err == ErrInvalidInput {
			return Node{}, err
		}
		return Node{}, fmt.Errorf("%w: %v", errStorageUnavailable, err)
	}
	return result, nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch Patch, principal string, principalGroups []string, expectedUpdated *time.Time) (Node, error) {
	var result Node
	err := retry.Do(ctx, s.retryConfig, retryableNodeSQLError, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		row := tx.QueryRowContext(ctx, `SELECT doc FROM node WHERE id = ?`, id)
		n, err := scanNode(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if n.State == StateDone {
			return ErrInvalidTransition
		}
		if expectedUpdated != nil && !expectedUpdated.Equal(n.Updated) {
			return ErrConflict
		}
		if !hasGroup(principalGroups, n.UserGroups) && principal != n.Owner {
			return ErrPermissionDenied
		}

		if patch.State != nil {
			if !IsValidTransition(n.State, *patch.State) {
				return ErrInvalidTransition
			}
			n.State = *patch.State
		}
		if patch.Name != nil {
			n.Name = *patch.Name
		}
		if patch.Group != nil {
			n.Group = *patch.Group
		}
		if patch.Result != nil {
			n.Result = *patch.Result
		}
		if patch.Data != nil {
			n.Data = patch.Data
		}
		if patch.Artifacts != nil {
			n.Artifacts = patch.Artifacts
		}
		if patch.UserGroups != nil {
			n.UserGroups = patch.UserGroups
		}
		if patch.Holdoff != nil {
			n.Holdoff = patch.Holdoff
		}
		if patch.Timeout != nil {
			n.Timeout = *patch.Timeout
		}
		n.Updated = s.now()

		if err := s.upsert(ctx, tx, n); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		result = n
		return nil
	})
	if err != nil {
		switch err {
		case ErrNotFound, ErrInvalidTransition, ErrConflict, ErrPermissionDenied, ErrInvalidInput:
			return Node{}, err
		}
		return Node{}, fmt.Errorf("%w: %v", errStorageUnavailable, err)
	}
	return result, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Node, error) {
	var result Node
	err := retry.Do(ctx, s.retryConfig, retryableNodeSQLError, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT doc FROM node WHERE id = ?`, id)
		n, err := scanNode(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		result = n
		return nil
	})
	if err == ErrNotFound {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("%w: %v", errStorageUnavailable, err)
	}
	return result, nil
}

func (s *SQLiteStore) queryAll(ctx context.Context, filter Filter) ([]Node, error) {
	var matched []Node
	err := retry.Do(ctx, s.retryConfig, retryableNodeSQLError, func() error {
		matched = nil
		rows, err := s.db.QueryContext(ctx, `SELECT doc FROM node`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var doc string
			if err := rows.Scan(&doc); err != nil {
				return err
			}
			var n Node
			if err := json.Unmarshal([]byte(doc), &n); err != nil {
				return fmt.Errorf("decoding stored node: %w", err)
			}
			ok, err := Matches(n, filter)
			if err != nil {
				return err
			}
			if ok {
				matched = append(matched, n)
			}
		}
		return rows.Err()
	})
	if err != nil {
		if err == ErrInvalidInput {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", errStorageUnavailable, err)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Created.Equal(matched[j].Created) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Created.Before(matched[j].Created)
	})
	return matched, nil
}

// Query implements Store.
func (s *SQLiteStore) Query(ctx context.Context, filter Filter, limit, offset int) ([]Node, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}

	matched, err := s.queryAll(ctx, filter)
	if err != nil {
		return nil, err
	}
	if offset >= len(matched) {
		return []Node{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context, filter Filter) (int, error) {
	matched, err := s.queryAll(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// Children implements Store.
func (s *SQLiteStore) Children(ctx context.Context, parentID string) ([]Node, error) {
	var out []Node
	err := retry.Do(ctx, s.retryConfig, retryableNodeSQLError, func() error {
		out = nil
		rows, err := s.db.QueryContext(ctx, `SELECT doc FROM node WHERE parent = ? ORDER BY created ASC`, parentID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var doc string
			if err := rows.Scan(&doc); err != nil {
				return err
			}
			var n Node
			if err := json.Unmarshal([]byte(doc), &n); err != nil {
				return fmt.Errorf("decoding stored node: %w", err)
			}
			out = append(out, n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errStorageUnavailable, err)
	}
	return out, nil
}

// ListActive implements Store.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]Node, error) {
	var out []Node
	err := retry.Do(ctx, s.retryConfig, retryableNodeSQLError, func() error {
		out = nil
		rows, err := s.db.QueryContext(ctx, `SELECT doc FROM node WHERE state != ? ORDER BY id ASC`, string(StateDone))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var doc string
			if err := rows.Scan(&doc); err != nil {
				return err
			}
			var n Node
			if err := json.Unmarshal([]byte(doc), &n); err != nil {
				return fmt.Errorf("decoding stored node: %w", err)
			}
			out = append(out, n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errStorageUnavailable, err)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
