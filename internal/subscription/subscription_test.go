package subscription

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func maxSeqOf(n int64) MaxSequenceFunc {
	return func(context.Context, string) (int64, error) { return n, nil }
}

func TestRegistry_EphemeralSubscribeStartsAtChannelMax(t *testing.T) {
	r := NewRegistry(NewMemoryPositionStore(), maxSeqOf(5))
	sub, err := r.Subscribe(context.Background(), "node", "alice", nil, false, "")
	require.NoError(t, err)
	assert.Equal(t, int64(5), sub.LastEventID())
}

func TestRegistry_NewDurableSubscriberNoBackfill(t *testing.T) {
	r := NewRegistry(NewMemoryPositionStore(), maxSeqOf(7))
	sub, err := r.Subscribe(context.Background(), "node", "sched1", nil, false, "sched1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), sub.LastEventID(), "brand-new durable subscriber must not backfill")
}

func TestRegistry_DurableSubscriberResumesPersistedPosition(t *testing.T) {
	positions := NewMemoryPositionStore()
	require.NoError(t, positions.Persist(context.Background(), "sched1", "node", 3))

	r := NewRegistry(positions, maxSeqOf(99))
	sub, err := r.Subscribe(context.Background(), "node", "sched1", nil, false, "sched1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), sub.LastEventID(), "resuming subscriber must use persisted cursor, not channel max")
}

func TestRegistry_UnsubscribeRetainsDurablePosition(t *testing.T) {
	positions := NewMemoryPositionStore()
	r := NewRegistry(positions, maxSeqOf(0))

	sub, err := r.Subscribe(context.Background(), "node", "sched1", nil, false, "sched1")
	require.NoError(t, err)
	require.NoError(t, r.Persist(context.Background(), sub, 10))
	require.NoError(t, r.Unsubscribe(sub.ID))

	_, err = r.Get(sub.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	pos, found, err := positions.Load(context.Background(), "sched1", "node")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(10), pos)
}

func TestRegistry_ConflictOnSubscriberIDOwnedByAnotherPrincipal(t *testing.T) {
	r := NewRegistry(NewMemoryPositionStore(), maxSeqOf(0))
	_, err := r.Subscribe(context.Background(), "node", "alice", nil, false, "sched1")
	require.NoError(t, err)

	_, err = r.Subscribe(context.Background(), "node", "bob", nil, false, "sched1")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRegistry_TouchUpdatesLastPoll(t *testing.T) {
	r := NewRegistry(NewMemoryPositionStore(), maxSeqOf(0))
	sub, err := r.Subscribe(context.Background(), "node", "alice", nil, false, "")
	require.NoError(t, err)

	before := sub.LastPoll()
	require.NoError(t, r.Touch(sub.ID))
	assert.False(t, sub.LastPoll().Before(before))
}
