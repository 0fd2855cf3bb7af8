package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelci/kernelci-api-core/internal/bus"
	"github.com/kernelci/kernelci-api-core/internal/eventlog"
	"github.com/kernelci/kernelci-api-core/internal/node"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestDriver(t *testing.T, clock *fakeClock) *Driver {
	t.Helper()
	log := eventlog.NewMemoryStore(eventlog.DefaultTTL, nil)
	transit := bus.NewMemoryBus()
	require.NoError(t, transit.Start(context.Background()))
	t.Cleanup(func() { _ = transit.Stop(context.Background()) })

	store := node.NewMemoryStore(nil, clock.Now)
	service := node.NewService(store, nil, log, transit, nil)
	return New(service, time.Second, clock.Now, nil)
}

// TestDriver_HappyPathAvailableToDone reproduces scenario S3: a node in
// Available with an elapsed holdoff and no children advances to Done.
func TestDriver_HappyPathAvailableToDone(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := newTestDriver(t, clock)
	ctx := context.Background()

	n, err := d.service.Create(ctx, node.Draft{Kind: "checkout", Name: "mainline"}, "alice", nil)
	require.NoError(t, err)

	holdoff := clock.now.Add(10 * time.Second)
	state := node.StateAvailable
	n, err = d.service.Update(ctx, n.ID, node.Patch{State: &state, Holdoff: &holdoff}, "alice", nil, nil)
	require.NoError(t, err)

	clock.now = holdoff.Add(time.Second)
	require.NoError(t, d.Tick(ctx))

	n, err = d.service.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, node.StateDone, n.State)
}

// TestDriver_ClosingThenCompletion reproduces scenario S4: a node whose
// holdoff elapses while a child is still not Done moves to Closing; once
// the child finishes, the next tick moves it to Done.
func TestDriver_ClosingThenCompletion(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := newTestDriver(t, clock)
	ctx := context.Background()

	n1, err := d.service.Create(ctx, node.Draft{Kind: "checkout", Name: "mainline"}, "alice", nil)
	require.NoError(t, err)

	holdoff := clock.now.Add(time.Second)
	state := node.StateAvailable
	n1, err = d.service.Update(ctx, n1.ID, node.Patch{State: &state, Holdoff: &holdoff}, "alice", nil, nil)
	require.NoError(t, err)

	c1, err := d.service.Create(ctx, node.Draft{Kind: "kbuild", Name: "arm64", Parent: n1.ID}, "alice", nil)
	require.NoError(t, err)

	clock.now = holdoff.Add(time.Second)
	require.NoError(t, d.Tick(ctx))

	n1, err = d.service.Get(ctx, n1.ID)
	require.NoError(t, err)
	assert.Equal(t, node.StateClosing, n1.State, "holdoff elapsed but child not Done")

	done := node.StateDone
	pass := node.ResultPass
	_, err = d.service.Update(ctx, c1.ID, node.Patch{State: &done, Result: &pass}, "alice", nil, nil)
	require.NoError(t, err)

	require.NoError(t, d.Tick(ctx))
	n1, err = d.service.Get(ctx, n1.ID)
	require.NoError(t, err)
	assert.Equal(t, node.StateDone, n1.State)
}

// TestDriver_TimeoutCascade reproduces scenario S5: a parent's timeout
// elapses while a child is still Running; both are forced to Done with
// result=incomplete on the child.
func TestDriver_TimeoutCascade(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := newTestDriver(t, clock)
	ctx := context.Background()

	timeout := clock.now.Add(2 * time.Second)
	n1, err := d.service.Create(ctx, node.Draft{Kind: "checkout", Name: "mainline", Timeout: &timeout}, "alice", nil)
	require.NoError(t, err)

	c1, err := d.service.Create(ctx, node.Draft{Kind: "kbuild", Name: "arm64", Parent: n1.ID}, "alice", nil)
	require.NoError(t, err)

	clock.now = timeout.Add(time.Second)
	require.NoError(t, d.Tick(ctx))

	n1, err = d.service.Get(ctx, n1.ID)
	require.NoError(t, err)
	assert.Equal(t, node.StateDone, n1.State)
	assert.Equal(t, node.ResultIncomplete, n1.Result)

	c1, err = d.service.Get(ctx, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, node.StateDone, c1.State)
	assert.Equal(t, node.ResultIncomplete, c1.Result)
}

// TestDriver_TimeoutDominatesHoldoff verifies the tie-breaking rule: when
// both timeout and holdoff have elapsed in the same tick, the node still
// ends up Done via the timeout path (same outcome either way), and the
// Available-only holdoff branch is never separately required to fire.
func TestDriver_TimeoutDominatesHoldoff(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := newTestDriver(t, clock)
	ctx := context.Background()

	timeout := clock.now.Add(time.Second)
	n, err := d.service.Create(ctx, node.Draft{Kind: "checkout", Name: "mainline", Timeout: &timeout}, "alice", nil)
	require.NoError(t, err)

	holdoff := clock.now.Add(2 * time.Second)
	state := node.StateAvailable
	_, err = d.service.Update(ctx, n.ID, node.Patch{State: &state, Holdoff: &holdoff}, "alice", nil, nil)
	require.NoError(t, err)

	clock.now = holdoff.Add(time.Second)
	require.NoError(t, d.Tick(ctx))

	n, err = d.service.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, node.StateDone, n.State)
}

func TestDriver_PerNodeFailureIsolation(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := newTestDriver(t, clock)
	ctx := context.Background()

	timeout := clock.now.Add(time.Second)
	n1, err := d.service.Create(ctx, node.Draft{Kind: "checkout", Name: "a", Timeout: &timeout}, "alice", nil)
	require.NoError(t, err)
	n2, err := d.service.Create(ctx, node.Draft{Kind: "checkout", Name: "b", Timeout: &timeout}, "alice", nil)
	require.NoError(t, err)

	clock.now = timeout.Add(time.Second)
	require.NoError(t, d.Tick(ctx))

	n1, err = d.service.Get(ctx, n1.ID)
	require.NoError(t, err)
	n2, err = d.service.Get(ctx, n2.ID)
	require.NoError(t, err)
	assert.Equal(t, node.StateDone, n1.State)
	assert.Equal(t, node.StateDone, n2.State)
}
