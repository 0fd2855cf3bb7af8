package node

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultLimit and MaxLimit bound Query's page size (spec §4.5).
const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// Store is the Node Store (spec §4.5). Implementations must apply the
// invariants from spec §4.6 (path consistency, transition legality,
// terminal immutability) on every mutation.
type Store interface {
	Create(ctx context.Context, draft Draft, principal string, principalGroups []string) (Node, error)
	Update(ctx context.Context, id string, patch Patch, principal string, principalGroups []string, expectedUpdated *time.Time) (Node, error)
	Get(ctx context.Context, id string) (Node, error)
	Query(ctx context.Context, filter Filter, limit, offset int) ([]Node, error)
	Count(ctx context.Context, filter Filter) (int, error)
	Children(ctx context.Context, parentID string) ([]Node, error)
	ListActive(ctx context.Context) ([]Node, error)
}

// IDGenerator produces a new unique node ID; swappable for tests.
type IDGenerator func() string

// idCounter is the zero-dependency fallback IDGenerator used when none is
// supplied, including by cmd/kernelci-api's memory backend; SQLiteStore
// generates UUIDv7 ids instead.
type idCounter struct {
	mu   sync.Mutex
	next int64
}

func (c *idCounter) generate() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return fmt.Sprintf("n%d", c.next)
}

// MemoryStore is an in-memory Store indexed by id, with a secondary map for
// parent lookups, matching the map+mutex shape the other stores in
// this service use (eventlog.MemoryStore, bus.MemoryBus, subscription
// registry) rather than a full indexed-database engine.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]Node
	byParent  map[string][]string // parent id -> child ids, insertion order
	generator IDGenerator
	now       func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore. A nil generator defaults
// to a monotonic counter; a nil clock defaults to time.Now.
func NewMemoryStore(generator IDGenerator, clock func() time.Time) *MemoryStore {
	if generator == nil {
		generator = (&idCounter{}).generate
	}
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		byID:      make(map[string]Node),
		byParent:  make(map[string][]string),
		generator: generator,
		now:       clock,
	}
}

func hasGroup(groups []string, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		set[g] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

// Create inserts a new node under an optional parent (spec §4.5 Create).
// The parent, if given, must exist and must not be Closing or Done: a
// Closing parent forbids new children the same way a Done parent does.
func (s *MemoryStore) Create(ctx context.Context, draft Draft, principal string, principalGroups []string) (Node, error) {
	if draft.Kind == "" || draft.Name == "" {
		return Node{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var path []string
	if draft.Parent != "" {
		parent, ok := s.byID[draft.Parent]
		if !ok || parent.State == StateClosing || parent.State == StateDone {
			return Node{}, ErrInvalidParent
		}
		path = append(append([]string(nil), parent.Path...), draft.Name)
	} else {
		path = []string{draft.Name}
	}

	timeout := s.now().Add(DefaultTimeout)
	if draft.Timeout != nil {
		timeout = *draft.Timeout
	}

	now := s.now()
	n := Node{
		ID:         s.generator(),
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

	s.byID[n.ID] = n
	if draft.Parent != "" {
		s.byParent[draft.Parent] = append(s.byParent[draft.Parent], n.ID)
	}
	return n.Clone(), nil
}

// Update applies patch to the node identified by id (spec §4.5 Update).
// expectedUpdated, when non-nil, must match the node's current Updated
// timestamp exactly or the call fails with ErrConflict (optimistic
// concurrency).
func (s *MemoryStore) Update(ctx context.Context, id string, patch Patch, principal string, principalGroups []string, expectedUpdated *time.Time) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byID[id]
	if !ok {
		return Node{}, ErrNotFound
	}
	if n.State == StateDone {
		return Node{}, ErrInvalidTransition
	}
	if expectedUpdated != nil && !expectedUpdated.Equal(n.Updated) {
		return Node{}, ErrConflict
	}
	if !hasGroup(principalGroups, n.UserGroups) && principal != n.Owner {
		return Node{}, ErrPermissionDenied
	}

	if patch.State != nil {
		if !IsValidTransition(n.State, *patch.State) {
			return Node{}, ErrInvalidTransition
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

	s.byID[id] = n
	return n.Clone(), nil
}

// Get returns the node by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byID[id]
	if !ok {
		return Node{}, ErrNotFound
	}
	return n.Clone(), nil
}

// Query returns nodes satisfying filter, ordered by Created ascending,
// paginated by limit/offset. limit <= 0 defaults to DefaultLimit; limit
// above MaxLimit is clamped (spec §4.5 Query).
func (s *MemoryStore) Query(ctx context.Context, filter Filter, limit, offset int) ([]Node, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}

	matched, err := s.queryAll(filter)
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

// Count returns the number of nodes satisfying filter, unpaginated. Query's
// len(result) at limit=MaxLimit, offset=0 must equal Count for the same
// filter whenever the true match count is <= MaxLimit (spec §9 query/count
// parity invariant).
func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int, error) {
	matched, err := s.queryAll(filter)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

func (s *MemoryStore) queryAll(filter Filter) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]Node, 0, len(s.byID))
	for _, n := range s.byID {
		ok, err := Matches(n, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, n.Clone())
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Created.Equal(matched[j].Created) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Created.Before(matched[j].Created)
	})
	return matched, nil
}

// Children returns the direct children of parentID in creation order.
func (s *MemoryStore) Children(ctx context.Context, parentID string) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byParent[parentID]
	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id].Clone())
	}
	return out, nil
}

// ListActive returns every node not in StateDone, for the State Machine
// Driver's periodic sweep (spec §4.6).
func (s *MemoryStore) ListActive(ctx context.Context) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Node, 0)
	for _, n := range s.byID {
		if n.State != StateDone {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
