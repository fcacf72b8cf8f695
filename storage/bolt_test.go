package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/sunset/types"
)

func newTestStore(t *testing.T) (*BoltStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, dir
}

func record(id string, phase types.Phase) *types.LifecycleRecord {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	return &types.LifecycleRecord{
		ResourceID:  id,
		Kind:        types.KindVM,
		Phase:       phase,
		FirstSeenAt: now,
		LastSeenAt:  now,
		UpdatedAt:   now,
	}
}

func TestBoltStore_PutGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rec := record("vm-1", types.PhaseWarned)
	rec.Recipient = "team-web"
	require.NoError(t, store.Put(ctx, rec))
	assert.Equal(t, int64(1), rec.Revision)

	got, err := store.Get(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseWarned, got.Phase)
	assert.Equal(t, "team-web", got.Recipient)
	assert.Equal(t, int64(1), got.Revision)

	_, err = store.Get(ctx, "vm-missing")
	assert.True(t, IsNotFound(err))
}

func TestBoltStore_LastWriteWins(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, record("vm-1", types.PhaseUnseen)))
	require.NoError(t, store.Put(ctx, record("vm-1", types.PhaseWarned)))

	got, err := store.Get(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseWarned, got.Phase)
	assert.Equal(t, int64(2), got.Revision)

	unseen, err := store.ListByPhase(ctx, types.PhaseUnseen)
	require.NoError(t, err)
	assert.Empty(t, unseen)
}

func TestBoltStore_ListByPhase(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, r := range []*types.LifecycleRecord{
		record("vol-2", types.PhaseWarned),
		record("vm-1", types.PhaseDeletionPending),
		record("vol-1", types.PhaseWarned),
		record("db-1", types.PhaseDeleted),
	} {
		require.NoError(t, store.Put(ctx, r))
	}

	warned, err := store.ListByPhase(ctx, types.PhaseWarned)
	require.NoError(t, err)
	require.Len(t, warned, 2)
	assert.Equal(t, "vol-1", warned[0].ResourceID)
	assert.Equal(t, "vol-2", warned[1].ResourceID)

	pending, err := store.ListByPhase(ctx, types.PhaseDeletionPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "vm-1", pending[0].ResourceID)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestBoltStore_Delete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, record("vm-1", types.PhaseWarned)))
	require.NoError(t, store.Delete(ctx, "vm-1"))
	require.NoError(t, store.Delete(ctx, "vm-1"))

	_, err := store.Get(ctx, "vm-1")
	assert.ErrorIs(t, err, ErrNotFound)

	warned, err := store.ListByPhase(ctx, types.PhaseWarned)
	require.NoError(t, err)
	assert.Empty(t, warned)
}

func TestBoltStore_Prune(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	cutoff := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	old := record("vm-old", types.PhaseDeleted)
	old.DeletedAt = cutoff.Add(-time.Hour)
	fresh := record("vm-fresh", types.PhaseDeleted)
	fresh.DeletedAt = cutoff.Add(time.Hour)
	warned := record("vm-warned", types.PhaseWarned)

	for _, r := range []*types.LifecycleRecord{old, fresh, warned} {
		require.NoError(t, store.Put(ctx, r))
	}

	n, err := store.Prune(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, "vm-old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "vm-fresh")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "vm-warned")
	assert.NoError(t, err)
}

func TestBoltStore_ReopenRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, record("vm-1", types.PhaseDeletionFailed)))
	require.NoError(t, store.Put(ctx, record("vm-2", types.PhaseWarned)))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	assert.Equal(t, int64(2), reopened.CurrentRevision())
	failed, err := reopened.ListByPhase(ctx, types.PhaseDeletionFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "vm-1", failed[0].ResourceID)
}

func TestBoltStore_PutInvalidRecord(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.Put(context.Background(), &types.LifecycleRecord{Phase: types.PhaseWarned})
	require.Error(t, err)
	assert.True(t, types.IsPersistence(err))
}

func TestBoltStore_ClosedStoreIsPersistenceError(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	err = store.Put(context.Background(), record("vm-1", types.PhaseWarned))
	require.Error(t, err)
	assert.True(t, types.IsPersistence(err))
}
