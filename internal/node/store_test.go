package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestMemoryStore_CreateRootAssignsSingleSegmentPath(t *testing.T) {
	s := NewMemoryStore(nil, nil)
	n, err := s.Create(context.Background(), Draft{Kind: "checkout", Name: "mainline"}, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"mainline"}, n.Path)
	assert.Equal(t, StateRunning, n.State)
	assert.Equal(t, ResultAbsent, n.Result)
}

func TestMemoryStore_CreateChildInheritsParentPath(t *testing.T) {
	s := NewMemoryStore(nil, nil)
	ctx := context.Background()
	parent, err := s.Create(ctx, Draft{Kind: "checkout", Name: "mainline"}, "alice", nil)
	require.NoError(t, err)

	child, err := s.Create(ctx, Draft{Kind: "build", Name: "arm64", Parent: parent.ID}, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"mainline", "arm64"}, child.Path)
}

func TestMemoryStore_CreateRejectsDoneParent(t *testing.T) {
	s := NewMemoryStore(nil, nil)
	ctx := context.Background()
	parent, err := s.Create(ctx, Draft{Kind: "checkout", Name: "mainline"}, "alice", nil)
	require.NoError(t, err)

	done := StateDone
	_, err = s.Update(ctx, parent.ID, Patch{State: &done}, "alice", nil, nil)
	require.NoError(t, err)

	_, err = s.Create(ctx, Draft{Kind: "build", Name: "arm64", Parent: parent.ID}, "alice", nil)
	assert.ErrorIs(t, err, ErrInvalidParent)
}

func TestMemoryStore_CreateRejectsClosingParent(t *testing.T) {
	s := NewMemoryStore(nil, nil)
	ctx := context.Background()
	parent, err := s.Create(ctx, Draft{Kind: "checkout", Name: "mainline"}, "alice", nil)
	require.NoError(t, err)

	available := StateAvailable
	parent, err = s.Update(ctx, parent.ID, Patch{State: &available}, "alice", nil, nil)
	require.NoError(t, err)
	closing := StateClosing
	_, err = s.Update(ctx, parent.ID, Patch{State: &closing}, "alice", nil, nil)
	require.NoError(t, err)

	_, err = s.Create(ctx, Draft{Kind: "build", Name: "arm64", Parent: parent.ID}, "alice", nil)
	assert.ErrorIs(t, err, ErrInvalidParent, "a Closing parent forbids new children the same as a Done one")
}

func TestMemoryStore_CreateRejectsMissingParent(t *testing.T) {
	s := NewMemoryStore(nil, nil)
	_, err := s.Create(context.Background(), Draft{Kind: "build", Name: "arm64", Parent: "does-not-exist"}, "alice", nil)
	assert.ErrorIs(t, err, ErrInvalidParent)
}

func TestMemoryStore_UpdateEnforcesTransitionLegality(t *testing.T) {
	s := NewMemoryStore(nil, nil)
	ctx := context.Background()
	n, err := s.Create(ctx, Draft{Kind: "checkout", Name: "mainline"}, "alice", nil)
	require.NoError(t, err)

	closing := StateClosing
	_, err = s.Update(ctx, n.ID, Patch{State: &closing}, "alice", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition, "Running cannot jump directly to Closing")
}

func TestMemoryStore_UpdateRejectsMutationAfterDone(t *testing.T) {
	s := NewMemoryStore(nil, nil)
	ctx := context.Background()
	n, err := s.Create(ctx, Draft{Kind: "checkout", Name: "mainline"}, "alice", nil)
	require.NoError(t, err)

	done := StateDone
	n, err = s.Update(ctx, n.ID, Patch{State: &done}, "alice", nil, nil)
	require.NoError(t, err)

	name := "renamed"
	_, err = s.Update(ctx, n.ID, Patch{Name: &name}, "alice", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition, "a Done node is terminal and immutable")
}

func TestMemoryStore_UpdateDetectsConflict(t *testing.T) {
	s := NewMemoryStore(nil, nil)
	ctx := context.Background()
	n, err := s.Create(ctx, Draft{Kind: "checkout", Name: "mainline"}, "alice", nil)
	require.NoError(t, err)

	stale := n.Updated.Add(-time.Second)
	name := "renamed"
	_, err = s.Update(ctx, n.ID, Patch{Name: &name}, "alice", nil, &stale)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryStore_UpdateEnforcesGroupPermission(t *testing.T) {
	s := NewMemoryStore(nil, nil)
	ctx := context.Background()
	n, err := s.Create(ctx, Draft{Kind: "checkout", Name: "mainline", UserGroups: []string{"kernelci-admins"}}, "alice", nil)
	require.NoError(t, err)

	name := "renamed"
	_, err = s.Update(ctx, n.ID, Patch{Name: &name}, "bob", []string{"other-team"}, nil)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = s.Update(ctx, n.ID, Patch{Name: &name}, "bob", []string{"kernelci-admins"}, nil)
	assert.NoError(t, err, "a member of an allowed group may mutate even if not the owner")
}

func TestMemoryStore_QueryAndCountAgree(t *testing.T) {
	s := NewMemoryStore(nil, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.Create(ctx, Draft{Kind: "build", Name: "b"}, "alice", nil)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := s.Create(ctx, Draft{Kind: "test", Name: "t"}, "alice", nil)
		require.NoError(t, err)
	}

	filter, err := ParseFilter(map[string]string{"kind": "build"})
	require.NoError(t, err)

	count, err := s.Count(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	results, err := s.Query(ctx, filter, MaxLimit, 0)
	require.NoError(t, err)
	assert.Len(t, results, count)
}

func TestMemoryStore_QueryDefaultsAndClampsLimit(t *testing.T) {
	s := NewMemoryStore(nil, nil)
	ctx := context.Background()
	for i := 0; i < DefaultLimit+5; i++ {
		_, err := s.Create(ctx, Draft{Kind: "build", Name: "b"}, "alice", nil)
		require.NoError(t, err)
	}

	results, err := s.Query(ctx, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, results, DefaultLimit)

	results, err = s.Query(ctx, nil, MaxLimit*10, 0)
	require.NoError(t, err)
	assert.Len(t, results, DefaultLimit+5)
}

func TestMemoryStore_ChildrenReturnsDirectDescendantsOnly(t *testing.T) {
	s := NewMemoryStore(nil, nil)
	ctx := context.Background()
	root, err := s.Create(ctx, Draft{Kind: "checkout", Name: "mainline"}, "alice", nil)
	require.NoError(t, err)
	child, err := s.Create(ctx, Draft{Kind: "build", Name: "arm64", Parent: root.ID}, "alice", nil)
	require.NoError(t, err)
	_, err = s.Create(ctx, Draft{Kind: "test", Name: "boot", Parent: child.ID}, "alice", nil)
	require.NoError(t, err)

	children, err := s.Children(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child.ID, children[0].ID)
}

func TestMemoryStore_ListActiveExcludesDone(t *testing.T) {
	s := NewMemoryStore(nil, nil)
	ctx := context.Background()
	n1, err := s.Create(ctx, Draft{Kind: "checkout", Name: "a"}, "alice", nil)
	require.NoError(t, err)
	n2, err := s.Create(ctx, Draft{Kind: "checkout", Name: "b"}, "alice", nil)
	require.NoError(t, err)

	done := StateDone
	_, err = s.Update(ctx, n2.ID, Patch{State: &done}, "alice", nil, nil)
	require.NoError(t, err)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, n1.ID, active[0].ID)
}

func TestMemoryStore_CreateDefaultTimeoutFromClock(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(nil, fixedClock(now))
	n, err := s.Create(context.Background(), Draft{Kind: "checkout", Name: "mainline"}, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, now.Add(DefaultTimeout), n.Timeout)
}
