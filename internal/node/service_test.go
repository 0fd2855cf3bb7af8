package node

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelci/kernelci-api-core/internal/bus"
	"github.com/kernelci/kernelci-api-core/internal/eventlog"
)

func newTestService(t *testing.T) (*Service, eventlog.Store) {
	t.Helper()
	log := eventlog.NewMemoryStore(eventlog.DefaultTTL, nil)
	transit := bus.NewMemoryBus()
	require.NoError(t, transit.Start(context.Background()))
	t.Cleanup(func() { _ = transit.Stop(context.Background()) })
	return NewService(NewMemoryStore(nil, nil), NewSchemaRegistry(), log, transit, nil), log
}

func TestService_CreateAppendsCreatedEvent(t *testing.T) {
	svc, log := newTestService(t)
	ctx := context.Background()

	n, err := svc.Create(ctx, Draft{Kind: "checkout", Name: "mainline"}, "alice", nil)
	require.NoError(t, err)

	recs, err := log.ReadForward(ctx, channelName, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	var evt nodeEvent
	require.NoError(t, json.Unmarshal(recs[0].Payload, &evt))
	assert.Equal(t, "created", evt.Op)
	assert.Equal(t, n.ID, evt.ID)
}

func TestService_CreateRejectsInvalidSchemaData(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.schemas.Register("checkout", []byte(testCheckoutSchema)))

	_, err := svc.Create(context.Background(), Draft{Kind: "checkout", Name: "mainline", Data: json.RawMessage(`{}`)}, "alice", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestService_UpdateAppendsUpdatedEvent(t *testing.T) {
	svc, log := newTestService(t)
	ctx := context.Background()

	n, err := svc.Create(ctx, Draft{Kind: "checkout", Name: "mainline"}, "alice", nil)
	require.NoError(t, err)

	name := "renamed"
	_, err = svc.Update(ctx, n.ID, Patch{Name: &name}, "alice", nil, nil)
	require.NoError(t, err)

	recs, err := log.ReadForward(ctx, channelName, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	var evt nodeEvent
	require.NoError(t, json.Unmarshal(recs[1].Payload, &evt))
	assert.Equal(t, "updated", evt.Op)
}

func TestService_ApplyTransitionEmitsUpdatedEvent(t *testing.T) {
	svc, log := newTestService(t)
	ctx := context.Background()

	n, err := svc.Create(ctx, Draft{Kind: "checkout", Name: "mainline"}, "alice", nil)
	require.NoError(t, err)

	updated, err := svc.ApplyTransition(ctx, n, StateAvailable, nil)
	require.NoError(t, err)
	assert.Equal(t, StateAvailable, updated.State)

	recs, err := log.ReadForward(ctx, channelName, 0, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
