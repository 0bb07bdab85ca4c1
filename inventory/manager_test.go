package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devadigapratham/spoolshare/api/models"
	"github.com/devadigapratham/spoolshare/notify"
	"github.com/devadigapratham/spoolshare/raft"
)

type recordingScheduler struct {
	mu        sync.Mutex
	scheduled []notify.Alert
	canceled  []string
}

func (r *recordingScheduler) ScheduleExpirationAlert(_ context.Context, alert notify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, alert)
	return nil
}

func (r *recordingScheduler) CancelExpirationAlert(_ context.Context, _, filamentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = append(r.canceled, filamentID)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *raft.Store, *recordingScheduler) {
	t.Helper()
	store := raft.NewLocalStore()
	alerts := &recordingScheduler{}
	return NewManager(store, alerts, 24*time.Hour), store, alerts
}

func sampleSpool() models.FilamentSpool {
	return models.FilamentSpool{
		Type:           "PETG",
		Brand:          "Prusament",
		Weight:         1000,
		Status:         models.StatusOpened,
		Color:          models.Color{R: 0x10, G: 0x20, B: 0x30, A: 0xFF},
		ExpirationDate: models.Date{Year: 2027, Month: time.May, Day: 4},
		Note:           "dry before use",
	}
}

func TestSaveNewFilamentThenList(t *testing.T) {
	ctx := context.Background()
	m, _, alerts := newTestManager(t)

	first, err := m.SaveNewFilament(ctx, "u1", sampleSpool())
	require.NoError(t, err)
	second, err := m.SaveNewFilament(ctx, "u1", sampleSpool())
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)

	spools, err := m.ListFilaments(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, spools, 2)

	got := spools[0]
	want := sampleSpool()
	want.ID = first.ID
	assert.Equal(t, want, got)

	require.Len(t, alerts.scheduled, 2)
	assert.Equal(t, time.Date(2027, time.May, 3, 0, 0, 0, 0, time.UTC), alerts.scheduled[0].NotifyAt)
}

func TestSaveNewFilamentRejectsNegativeWeight(t *testing.T) {
	m, _, _ := newTestManager(t)
	spool := sampleSpool()
	spool.Weight = -1

	_, err := m.SaveNewFilament(context.Background(), "u1", spool)
	assert.ErrorIs(t, err, models.ErrInvalidWeight)
}

func TestOperationsRequirePrincipal(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	_, err := m.SaveNewFilament(ctx, "", sampleSpool())
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)
	_, err = m.LoadFilaments(ctx, "")
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)
	assert.ErrorIs(t, m.DeleteFilament(ctx, "", "x"), models.ErrNotAuthenticated)
}

func TestDeleteFilamentLeavesOthersUntouched(t *testing.T) {
	ctx := context.Background()
	m, store, alerts := newTestManager(t)

	keep, err := m.SaveNewFilament(ctx, "u1", sampleSpool())
	require.NoError(t, err)
	drop, err := m.SaveNewFilament(ctx, "u1", sampleSpool())
	require.NoError(t, err)

	before, err := store.Get(ctx, models.UserPath("u1"))
	require.NoError(t, err)

	require.NoError(t, m.DeleteFilament(ctx, "u1", drop.ID))

	after, err := store.Get(ctx, models.UserPath("u1"))
	require.NoError(t, err)
	require.Len(t, after.Array("filaments"), 1)
	assert.Equal(t, before.Array("filaments")[0], after.Array("filaments")[0])
	assert.Equal(t, keep.ID, models.EntryID(after.Array("filaments")[0]))
	assert.Equal(t, []string{drop.ID}, alerts.canceled)

	assert.ErrorIs(t, m.DeleteFilament(ctx, "u1", drop.ID), models.ErrFilamentNotFound)
}

func TestUpdateWeightAndNfc(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	spool, err := m.SaveNewFilament(ctx, "u1", sampleSpool())
	require.NoError(t, err)

	updated, err := m.UpdateFilamentWeight(ctx, "u1", spool.ID, 640)
	require.NoError(t, err)
	assert.Equal(t, 640, updated.Weight)

	_, err = m.UpdateFilamentWeight(ctx, "u1", spool.ID, -5)
	assert.ErrorIs(t, err, models.ErrInvalidWeight)

	updated, err = m.UpdateFilamentNfcStatus(ctx, "u1", spool.ID, true)
	require.NoError(t, err)
	assert.True(t, updated.ActiveNFC)
	assert.Equal(t, 640, updated.Weight)

	loaded, err := m.LoadFilamentByID(ctx, "u1", spool.ID)
	require.NoError(t, err)
	assert.Equal(t, updated, loaded)

	_, err = m.UpdateFilamentWeight(ctx, "u1", "missing", 1)
	assert.ErrorIs(t, err, models.ErrFilamentNotFound)
	_, err = m.LoadFilamentByID(ctx, "u2", spool.ID)
	assert.ErrorIs(t, err, models.ErrFilamentNotFound)
}

func TestSaveExistingFilamentReschedulesAlert(t *testing.T) {
	ctx := context.Background()
	m, _, alerts := newTestManager(t)
	spool, err := m.SaveNewFilament(ctx, "u1", sampleSpool())
	require.NoError(t, err)

	spool.Note = "moved to shelf"
	_, err = m.SaveExistingFilament(ctx, "u1", spool)
	require.NoError(t, err)
	assert.Len(t, alerts.scheduled, 1, "unchanged expiration keeps the alert")

	spool.ExpirationDate = models.Date{}
	saved, err := m.SaveExistingFilament(ctx, "u1", spool)
	require.NoError(t, err)
	assert.Equal(t, "moved to shelf", saved.Note)
	assert.Equal(t, []string{spool.ID}, alerts.canceled)

	_, err = m.SaveExistingFilament(ctx, "u1", models.FilamentSpool{Type: "PLA"})
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestMalformedEntriesAreSkippedAndPreserved(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)
	spool, err := m.SaveNewFilament(ctx, "u1", sampleSpool())
	require.NoError(t, err)

	broken := map[string]interface{}{"id": "bad", "color": "not-a-color"}
	require.NoError(t, store.ArrayUnion(ctx, models.UserPath("u1"), "filaments", []interface{}{broken}))

	spools, err := m.ListFilaments(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, spools, 1)
	assert.Equal(t, spool.ID, spools[0].ID)

	_, err = m.LoadFilamentByID(ctx, "u1", "bad")
	assert.ErrorIs(t, err, models.ErrParseFailure)

	_, err = m.UpdateFilamentWeight(ctx, "u1", spool.ID, 10)
	require.NoError(t, err)
	doc, err := store.Get(ctx, models.UserPath("u1"))
	require.NoError(t, err)
	assert.Contains(t, doc.Array("filaments"), interface{}(broken))
}

// interleavingApplier runs a competing write just before the first update it sees
type interleavingApplier struct {
	raft.Applier
	once    sync.Once
	compete func()
}

func (a *interleavingApplier) Apply(ctx context.Context, cmd *models.Command) error {
	if len(cmd.Ops) == 1 && cmd.Ops[0].Type == models.OpUpdate {
		a.once.Do(a.compete)
	}
	return a.Applier.Apply(ctx, cmd)
}

func TestConcurrentEditConflicts(t *testing.T) {
	ctx := context.Background()
	fsm := raft.NewFSM()
	base := raft.NewLocalApplier(fsm)
	other := raft.NewStore(fsm, base)
	applier := &interleavingApplier{Applier: base}
	m := NewManager(raft.NewStore(fsm, applier), &recordingScheduler{}, 0)

	spool, err := m.SaveNewFilament(ctx, "u1", sampleSpool())
	require.NoError(t, err)
	applier.compete = func() {
		competitor := sampleSpool()
		competitor.ID = "other"
		entry, err := competitor.Entry()
		require.NoError(t, err)
		require.NoError(t, other.ArrayUnion(ctx, models.UserPath("u1"), "filaments", []interface{}{entry}))
	}

	_, err = m.UpdateFilamentWeight(ctx, "u1", spool.ID, 10)
	assert.ErrorIs(t, err, models.ErrConflict)
	assert.ErrorIs(t, err, models.ErrStoreFailure)

	spools, err := m.ListFilaments(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, spools, 2, "the competing write survives")

	_, err = m.UpdateFilamentWeight(ctx, "u1", spool.ID, 10)
	assert.NoError(t, err, "a retry succeeds")
}

func TestLoadFilamentsStreamsChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m, _, _ := newTestManager(t)

	stream, err := m.LoadFilaments(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, next(t, stream))

	spool, err := m.SaveNewFilament(ctx, "u1", sampleSpool())
	require.NoError(t, err)
	spools := next(t, stream)
	require.Len(t, spools, 1)
	assert.Equal(t, spool.ID, spools[0].ID)

	require.NoError(t, m.DeleteFilament(ctx, "u1", spool.ID))
	assert.Empty(t, next(t, stream))

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-stream
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func next(t *testing.T, stream <-chan []models.FilamentSpool) []models.FilamentSpool {
	t.Helper()
	select {
	case spools, ok := <-stream:
		require.True(t, ok, "stream closed")
		return spools
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filaments")
	}
	return nil
}
