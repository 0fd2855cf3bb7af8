package eventlog

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// channelLog holds one channel's ordered records and next-sequence counter.
// Sequence assignment and the append serialize on mu, satisfying property 1
// (sequence monotonicity) for concurrent appenders on the same channel.
type channelLog struct {
	mu      sync.Mutex
	records *list.List // of EventRecord, ascending sequence_id
	nextSeq int64
}

// MemoryStore is the in-process Event Log backend: no durability across
// restarts, TTL enforced lazily by trimming expired records off the front
// of each channel's list on Append and ReadForward.
//
// Structured the way modules/eventbus/durable_memory.go structures its
// per-subscription queue: a container/list per partition protected by its
// own mutex, rather than one global lock for the whole store.
type MemoryStore struct {
	logger *zap.Logger
	ttl    time.Duration

	mu       sync.RWMutex
	channels map[string]*channelLog
}

// NewMemoryStore constructs a MemoryStore with the given retention TTL.
func NewMemoryStore(ttl time.Duration, logger *zap.Logger) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		logger:   logger,
		ttl:      ttl,
		channels: make(map[string]*channelLog),
	}
}

func (m *MemoryStore) channel(name string) *channelLog {
	m.mu.RLock()
	ch, ok := m.channels[name]
	m.mu.RUnlock()
	if ok {
		return ch
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[name]; ok {
		return ch
	}
	ch = &channelLog{records: list.New()}
	m.channels[name] = ch
	return ch
}

// purgeExpiredLocked drops records whose TTL has elapsed from the front of
// the list. Callers must hold ch.mu.
func (ch *channelLog) purgeExpiredLocked(ttl time.Duration, now time.Time) {
	for {
		front := ch.records.Front()
		if front == nil {
			return
		}
		rec := front.Value.(EventRecord) //nolint:forcetypeassert // channelLog only stores EventRecord
		if !rec.Expired(ttl, now) {
			return
		}
		ch.records.Remove(front)
	}
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, channel, owner string, payload json.RawMessage) (EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return EventRecord{}, err
	}

	ch := m.channel(channel)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	now := time.Now()
	ch.purgeExpiredLocked(m.ttl, now)

	ch.nextSeq++
	rec := EventRecord{
		SequenceID: ch.nextSeq,
		Channel:    channel,
		Owner:      owner,
		Timestamp:  now,
		Payload:    payload,
	}
	ch.records.PushBack(rec)
	return rec, nil
}

// ReadForward implements Store.
func (m *MemoryStore) ReadForward(ctx context.Context, channel string, afterSequenceID int64, maxCount int) ([]EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	maxCount = clampMaxCount(maxCount)

	ch := m.channel(channel)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	now := time.Now()
	ch.purgeExpiredLocked(m.ttl, now)

	out := make([]EventRecord, 0, maxCount)
	for e := ch.records.Front(); e != nil && len(out) < maxCount; e = e.Next() {
		rec := e.Value.(EventRecord) //nolint:forcetypeassert // channelLog only stores EventRecord
		if rec.SequenceID > afterSequenceID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// MaxSequenceID implements Store.
func (m *MemoryStore) MaxSequenceID(ctx context.Context, channel string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ch := m.channel(channel)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.nextSeq, nil
}

// Close is a no-op for the in-memory backend.
func (m *MemoryStore) Close() error { return nil }
