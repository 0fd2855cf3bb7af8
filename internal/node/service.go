package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kernelci/kernelci-api-core/internal/bus"
	"github.com/kernelci/kernelci-api-core/internal/eventlog"
)

// nodeEvent is the payload appended to the eventlog "node" channel after a
// successful mutation. Subscribers use Op and ID to decide whether to
// re-fetch the node; the full node is inlined so promiscuous subscribers
// don't need a round trip for the common case.
type nodeEvent struct {
	Op   string `json:"op"`
	ID   string `json:"id"`
	Node Node   `json:"node"`
}

const channelName = "node"

// Service wraps a Store with schema validation and event emission: every
// successful Create or Update appends a record to the Event Log and wakes
// the Transient Bus, so Delivery Engine subscribers observe the mutation
// (spec §4.3/§4.5).
type Service struct {
	store   Store
	schemas *SchemaRegistry
	log     eventlog.Store
	transit bus.Bus
	logger  *zap.Logger
}

// NewService constructs a Service. schemas may be nil to skip validation.
func NewService(store Store, schemas *SchemaRegistry, log eventlog.Store, transit bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	return &Service{store: store, schemas: schemas, log: log, transit: transit, logger: logger}
}

func (s *Service) emit(ctx context.Context, op string, n Node) {
	payload, err := json.Marshal(nodeEvent{Op: op, ID: n.ID, Node: n})
	if err != nil {
		s.logger.Error("marshaling node event", zap.Error(err), zap.String("node_id", n.ID))
		return
	}
	rec, err := s.log.Append(ctx, channelName, n.Owner, payload)
	if err != nil {
		s.logger.Error("appending node event", zap.Error(err), zap.String("node_id", n.ID))
		return
	}
	s.transit.Publish(channelName, rec.SequenceID)
}

// Create validates and stores a new node, then emits an "created" event.
func (s *Service) Create(ctx context.Context, draft Draft, principal string, principalGroups []string) (Node, error) {
	if err := s.schemas.Validate(draft.Kind, draft.Data); err != nil {
		return Node{}, err
	}
	n, err := s.store.Create(ctx, draft, principal, principalGroups)
	if err != nil {
		return Node{}, err
	}
	s.emit(ctx, "created", n)
	return n, nil
}

// Update validates and applies patch, then emits an "updated" event.
func (s *Service) Update(ctx context.Context, id string, patch Patch, principal string, principalGroups []string, expectedUpdated *time.Time) (Node, error) {
	if patch.Data != nil {
		kind, err := s.kindOf(ctx, id)
		if err != nil {
			return Node{}, err
		}
		if err := s.schemas.Validate(kind, patch.Data); err != nil {
			return Node{}, err
		}
	}
	n, err := s.store.Update(ctx, id, patch, principal, principalGroups, expectedUpdated)
	if err != nil {
		return Node{}, err
	}
	s.emit(ctx, "updated", n)
	return n, nil
}

func (s *Service) kindOf(ctx context.Context, id string) (string, error) {
	n, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return n.Kind, nil
}

// Get, Query, Count, Children and ListActive pass straight through to the
// underlying Store; they never mutate state and so never emit events.

func (s *Service) Get(ctx context.Context, id string) (Node, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Query(ctx context.Context, filter Filter, limit, offset int) ([]Node, error) {
	return s.store.Query(ctx, filter, limit, offset)
}

func (s *Service) Count(ctx context.Context, filter Filter) (int, error) {
	return s.store.Count(ctx, filter)
}

func (s *Service) Children(ctx context.Context, parentID string) ([]Node, error) {
	return s.store.Children(ctx, parentID)
}

func (s *Service) ListActive(ctx context.Context) ([]Node, error) {
	return s.store.ListActive(ctx)
}

// ApplyTransition is a narrow helper used by the State Machine Driver to
// move a node to a new state without an external principal check (the
// Driver acts with system authority), still emitting the same "updated"
// event subscribers observe for user-driven updates. A nil result leaves
// the node's current result untouched.
func (s *Service) ApplyTransition(ctx context.Context, n Node, to State, result *Result) (Node, error) {
	if !IsValidTransition(n.State, to) {
		return Node{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.State, to)
	}
	updated, err := s.store.Update(ctx, n.ID, Patch{State: &to, Result: result}, n.Owner, n.UserGroups, &n.Updated)
	if err != nil {
		return Node{}, err
	}
	s.emit(ctx, "updated", updated)
	return updated, nil
}
