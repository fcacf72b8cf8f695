package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/sunset/storage"
	"github.com/yairfalse/sunset/types"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(context.Background(), Config{
		Dialect: DialectSQLite,
		DSN:     filepath.Join(t.TempDir(), "sunset.sqlite"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func record(id string, phase types.Phase) *types.LifecycleRecord {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	return &types.LifecycleRecord{
		ResourceID:  id,
		Kind:        types.KindDisk,
		Phase:       phase,
		FirstSeenAt: now,
		LastSeenAt:  now,
		UpdatedAt:   now,
	}
}

func TestStore_PutGetUpsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := record("vol-1", types.PhaseUnseen)
	require.NoError(t, store.Put(ctx, rec))
	assert.Equal(t, int64(1), rec.Revision)

	rec.Phase = types.PhaseWarned
	rec.WarnedAt = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Put(ctx, rec))
	assert.Equal(t, int64(2), rec.Revision)

	got, err := store.Get(ctx, "vol-1")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseWarned, got.Phase)
	assert.True(t, got.WarnedAt.Equal(rec.WarnedAt))
	assert.Equal(t, int64(2), got.Revision)

	_, err = store.Get(ctx, "vol-404")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_ListByPhaseAndDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, record("vol-b", types.PhaseDeletionFailed)))
	require.NoError(t, store.Put(ctx, record("vol-a", types.PhaseDeletionFailed)))
	require.NoError(t, store.Put(ctx, record("vol-c", types.PhaseWarned)))

	failed, err := store.ListByPhase(ctx, types.PhaseDeletionFailed)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "vol-a", failed[0].ResourceID)

	require.NoError(t, store.Delete(ctx, "vol-a"))
	require.NoError(t, store.Delete(ctx, "vol-a"))

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_Prune(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	cutoff := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	old := record("vol-old", types.PhaseDeleted)
	old.DeletedAt = cutoff.Add(-48 * time.Hour)
	recent := record("vol-recent", types.PhaseDeleted)
	recent.DeletedAt = cutoff.Add(time.Hour)
	require.NoError(t, store.Put(ctx, old))
	require.NoError(t, store.Put(ctx, recent))
	require.NoError(t, store.Put(ctx, record("vol-live", types.PhaseWarned)))

	n, err := store.Prune(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_Rebind(t *testing.T) {
	pg := &Store{dialect: DialectPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &Store{dialect: DialectSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(context.Background(), Config{Dialect: DialectSQLite})
	assert.True(t, types.IsPersistence(err))

	_, err = Open(context.Background(), Config{Dialect: "mysql", DSN: "x"})
	assert.True(t, types.IsPersistence(err))
}
