// Package subscription implements the Subscription Registry (spec §4.3):
// the in-memory {subscription_id -> Subscription} map plus, for durable
// subscribers, a persistent {(subscriber_id, channel) -> last_event_id}
// position store.
package subscription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNotFound is returned when a subscription_id is not registered.
var ErrNotFound = errors.New("subscription not found")

// ErrConflict is returned when a durable subscriber_id is already bound to
// a different principal than the one requesting it.
var ErrConflict = errors.New("subscriber_id already bound to a different principal")

// Subscription is a live, in-memory subscription (spec §3 "Subscription").
type Subscription struct {
	ID           int64
	Channel      string
	Principal    string
	Groups       []string
	Promiscuous  bool
	SubscriberID string // empty for fire-and-forget subscribers

	// lastEventID is the highest sequence_id acknowledged on this channel;
	// durable subscribers persist it, ephemeral ones keep it in memory only.
	lastEventID int64
	// lastDeliveredID is the highest sequence_id sent to the client on this
	// connection but not yet acknowledged.
	lastDeliveredID int64
	lastPoll        atomic.Int64 // unix nanos
}

// LastEventID returns the acknowledged cursor.
func (s *Subscription) LastEventID() int64 { return atomic.LoadInt64(&s.lastEventID) }

// SetLastEventID sets the acknowledged cursor.
func (s *Subscription) SetLastEventID(v int64) { atomic.StoreInt64(&s.lastEventID, v) }

// LastDeliveredID returns the last sequence_id handed to the client.
func (s *Subscription) LastDeliveredID() int64 { return atomic.LoadInt64(&s.lastDeliveredID) }

// SetLastDeliveredID sets the last sequence_id handed to the client.
func (s *Subscription) SetLastDeliveredID(v int64) { atomic.StoreInt64(&s.lastDeliveredID, v) }

// LastPoll returns the last time Touch was called.
func (s *Subscription) LastPoll() time.Time {
	return time.Unix(0, s.lastPoll.Load())
}

// PositionStore persists durable subscriber cursors across reconnects and
// restarts (the "subscriber_state" collection named in spec.md §6).
type PositionStore interface {
	// Load returns the persisted last_event_id for (subscriberID, channel),
	// and whether a position existed.
	Load(ctx context.Context, subscriberID, channel string) (lastEventID int64, found bool, err error)

	// Persist idempotently writes lastEventID for (subscriberID, channel).
	Persist(ctx context.Context, subscriberID, channel string, lastEventID int64) error
}

// MemoryPositionStore is the in-process PositionStore backend.
type MemoryPositionStore struct {
	mu        sync.RWMutex
	positions map[string]int64
}

// NewMemoryPositionStore constructs an empty MemoryPositionStore.
func NewMemoryPositionStore() *MemoryPositionStore {
	return &MemoryPositionStore{positions: make(map[string]int64)}
}

func positionKey(subscriberID, channel string) string { return subscriberID + "\x00" + channel }

// Load implements PositionStore.
func (m *MemoryPositionStore) Load(_ context.Context, subscriberID, channel string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.positions[positionKey(subscriberID, channel)]
	return v, ok, nil
}

// Persist implements PositionStore.
func (m *MemoryPositionStore) Persist(_ context.Context, subscriberID, channel string, lastEventID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[positionKey(subscriberID, channel)] = lastEventID
	return nil
}

// MaxSequenceFunc returns the current maximum sequence_id for a channel; the
// Registry calls it to initialize a brand-new durable subscriber's cursor
// to "no backfill" (spec §4.3).
type MaxSequenceFunc func(ctx context.Context, channel string) (int64, error)

// Registry is the Subscription Registry.
type Registry struct {
	positions PositionStore
	maxSeq    MaxSequenceFunc

	nextID int64

	mu    sync.RWMutex
	byID  map[int64]*Subscription
	// principalBySubscriber tracks which principal currently owns each
	// durable subscriber_id, enforcing the Conflict error on mismatch.
	principalBySubscriber map[string]string
}

// NewRegistry constructs a Registry. maxSeq is used to seed a brand-new
// durable subscriber's cursor at the channel's current tip.
func NewRegistry(positions PositionStore, maxSeq MaxSequenceFunc) *Registry {
	return &Registry{
		positions:             positions,
		maxSeq:                maxSeq,
		byID:                  make(map[int64]*Subscription),
		principalBySubscriber: make(map[string]string),
	}
}

// Subscribe implements spec §4.3 Subscribe. If subscriberID is non-empty
// and a persisted position exists, the subscription resumes from it;
// otherwise a brand-new durable subscriber starts at the channel's current
// max (no backfill). Ephemeral subscriptions (no subscriberID) always
// start at the current max as well, since they have no cursor to resume.
func (r *Registry) Subscribe(ctx context.Context, channel, principal string, groups []string, promiscuous bool, subscriberID string) (*Subscription, error) {
	if subscriberID != "" {
		r.mu.Lock()
		if owner, ok := r.principalBySubscriber[subscriberID]; ok && owner != principal {
			r.mu.Unlock()
			return nil, ErrConflict
		}
		r.principalBySubscriber[subscriberID] = principal
		r.mu.Unlock()
	}

	var lastEventID int64
	if subscriberID != "" {
		pos, found, err := r.positions.Load(ctx, subscriberID, channel)
		if err != nil {
			return nil, err
		}
		if found {
			lastEventID = pos
		} else {
			max, err := r.maxSeq(ctx, channel)
			if err != nil {
				return nil, err
			}
			lastEventID = max
			if err := r.positions.Persist(ctx, subscriberID, channel, lastEventID); err != nil {
				return nil, err
			}
		}
	} else {
		max, err := r.maxSeq(ctx, channel)
		if err != nil {
			return nil, err
		}
		lastEventID = max
	}

	id := atomic.AddInt64(&r.nextID, 1)
	sub := &Subscription{
		ID:           id,
		Channel:      channel,
		Principal:    principal,
		Groups:       groups,
		Promiscuous:  promiscuous,
		SubscriberID: subscriberID,
	}
	sub.SetLastEventID(lastEventID)
	sub.SetLastDeliveredID(lastEventID)
	sub.lastPoll.Store(time.Now().UnixNano())

	r.mu.Lock()
	r.byID[id] = sub
	r.mu.Unlock()

	return sub, nil
}

// Get returns the live Subscription for id.
func (r *Registry) Get(id int64) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sub, nil
}

// Unsubscribe removes the in-memory record for id; a durable subscriber's
// persisted position is retained so a later Subscribe with the same
// subscriber_id resumes correctly.
func (r *Registry) Unsubscribe(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.byID, id)
	if sub.SubscriberID != "" {
		if r.principalBySubscriber[sub.SubscriberID] == sub.Principal {
			delete(r.principalBySubscriber, sub.SubscriberID)
		}
	}
	return nil
}

// Persist writes a durable subscriber's acknowledged cursor. It is a no-op
// for ephemeral subscriptions (empty subscriberID).
func (r *Registry) Persist(ctx context.Context, sub *Subscription, lastEventID int64) error {
	sub.SetLastEventID(lastEventID)
	if sub.SubscriberID == "" {
		return nil
	}
	return r.positions.Persist(ctx, sub.SubscriberID, sub.Channel, lastEventID)
}

// Touch updates last_poll for id.
func (r *Registry) Touch(id int64) error {
	sub, err := r.Get(id)
	if err != nil {
		return err
	}
	sub.lastPoll.Store(time.Now().UnixNano())
	return nil
}
