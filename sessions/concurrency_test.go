package sessions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devadigapratham/spoolshare/api/models"
	"github.com/devadigapratham/spoolshare/raft"
)

// interleavingApplier runs a competing write just before the first command
// matching match
type interleavingApplier struct {
	raft.Applier
	once    sync.Once
	match   func(*models.Command) bool
	compete func()
}

func (a *interleavingApplier) Apply(ctx context.Context, cmd *models.Command) error {
	if a.match != nil && a.match(cmd) {
		a.once.Do(a.compete)
	}
	return a.Applier.Apply(ctx, cmd)
}

// newRacingManagers returns a manager whose writes go through applier and a
// second manager writing straight to the same state
func newRacingManagers(t *testing.T) (*Manager, *Manager, *interleavingApplier, *raft.Store) {
	t.Helper()
	fsm := raft.NewFSM()
	base := raft.NewLocalApplier(fsm)
	applier := &interleavingApplier{Applier: base}
	clock := tickingClock()
	store := raft.NewStore(fsm, base)
	m := NewManager(raft.NewStore(fsm, applier), WithClock(clock))
	other := NewManager(store, WithClock(clock))
	return m, other, applier, store
}

func firstOp(cmd *models.Command, typ models.OpType, field string) bool {
	return len(cmd.Ops) > 0 && cmd.Ops[0].Type == typ && cmd.Ops[0].Field == field
}

func TestLastLeaveConflictsWithConcurrentJoin(t *testing.T) {
	ctx := context.Background()
	m, other, applier, store := newRacingManagers(t)

	s, err := m.CreateSession(ctx, "alice", "bench")
	require.NoError(t, err)
	_, err = m.AddFilamentToSession(ctx, "alice", s.ID, "f1", "", 500)
	require.NoError(t, err)

	applier.match = func(cmd *models.Command) bool { return firstOp(cmd, models.OpDeleteTree, "") }
	applier.compete = func() {
		_, err := other.JoinSession(ctx, "bob", s.AccessCode)
		require.NoError(t, err)
	}

	_, err = m.LeaveSession(ctx, "alice", s.ID)
	assert.ErrorIs(t, err, models.ErrConflict)

	after, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, after.Participants)
	assert.Equal(t, "alice", after.OwnerID)
	assert.Equal(t, []string{"f1"}, after.Filaments)

	filaments, err := m.ListSessionFilaments(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, filaments, 1)
	assert.Equal(t, 500, filaments[0].CurrentWeight)

	_, err = store.Get(ctx, models.AccessCodePath(s.AccessCode))
	assert.NoError(t, err, "access code stays reserved")
	_, err = store.Get(ctx, models.MembershipPath("alice", s.ID))
	assert.NoError(t, err, "membership pointer stays")

	result, err := m.LeaveSession(ctx, "alice", s.ID)
	require.NoError(t, err)
	assert.False(t, result.Deleted)
	assert.Equal(t, "bob", result.NewOwner)
}

func TestUpdateFilamentWeightInSessionConflictsOnStaleVersion(t *testing.T) {
	ctx := context.Background()
	m, other, applier, _ := newRacingManagers(t)

	s, err := m.CreateSession(ctx, "alice", "bench")
	require.NoError(t, err)
	_, err = m.AddFilamentToSession(ctx, "alice", s.ID, "f1", "", 1000)
	require.NoError(t, err)
	before, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)

	applier.match = func(cmd *models.Command) bool {
		return len(cmd.Ops) == 1 && cmd.Ops[0].Path == models.SessionFilamentPath(s.ID, "f1")
	}
	applier.compete = func() {
		_, err := other.UpdateFilamentWeightInSession(ctx, "alice", s.ID, "f1", 700)
		require.NoError(t, err)
	}

	_, err = m.UpdateFilamentWeightInSession(ctx, "alice", s.ID, "f1", 600)
	assert.ErrorIs(t, err, models.ErrConflict)

	filaments, err := m.ListSessionFilaments(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, filaments, 1)
	assert.Equal(t, 700, filaments[0].CurrentWeight, "the competing write survives")
	assert.Equal(t, 1000, filaments[0].OriginalWeight)

	after, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	sf, err := m.UpdateFilamentWeightInSession(ctx, "alice", s.ID, "f1", 600)
	require.NoError(t, err)
	assert.Equal(t, 600, sf.CurrentWeight)
}

func TestConcurrentJoinBySameUser(t *testing.T) {
	ctx := context.Background()
	m, other, applier, store := newRacingManagers(t)

	s, err := m.CreateSession(ctx, "alice", "bench")
	require.NoError(t, err)

	applier.match = func(cmd *models.Command) bool { return firstOp(cmd, models.OpArrayUnion, "participants") }
	applier.compete = func() {
		_, err := other.JoinSession(ctx, "bob", s.AccessCode)
		require.NoError(t, err)
	}

	_, err = m.JoinSession(ctx, "bob", s.AccessCode)
	assert.ErrorIs(t, err, models.ErrAlreadyMember)

	after, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, after.Participants)
	_, err = store.Get(ctx, models.MembershipPath("bob", s.ID))
	assert.NoError(t, err)
}

func TestJoinRetriesWhenSessionChanges(t *testing.T) {
	ctx := context.Background()
	m, other, applier, _ := newRacingManagers(t)

	s, err := m.CreateSession(ctx, "alice", "bench")
	require.NoError(t, err)

	applier.match = func(cmd *models.Command) bool { return firstOp(cmd, models.OpArrayUnion, "participants") }
	applier.compete = func() {
		_, err := other.JoinSession(ctx, "carol", s.AccessCode)
		require.NoError(t, err)
	}

	joined, err := m.JoinSession(ctx, "bob", s.AccessCode)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol", "bob"}, joined.Participants)
}
