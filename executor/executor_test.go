package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/sunset/types"
)

// mockDeleter replays scripted results; after the script runs out the
// last entry repeats
type mockDeleter struct {
	mu          sync.Mutex
	deleteErrs  []error
	deleteCalls int
	ExistsFunc  func(ctx context.Context, res types.Resource) (bool, error)
}

func (m *mockDeleter) Delete(_ context.Context, _ types.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	if len(m.deleteErrs) == 0 {
		return nil
	}
	idx := m.deleteCalls - 1
	if idx >= len(m.deleteErrs) {
		idx = len(m.deleteErrs) - 1
	}
	return m.deleteErrs[idx]
}

func (m *mockDeleter) Exists(ctx context.Context, res types.Resource) (bool, error) {
	if m.ExistsFunc != nil {
		return m.ExistsFunc(ctx, res)
	}
	return false, nil
}

func (m *mockDeleter) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteCalls
}

type mockGuard struct {
	DenyFunc func(ctx context.Context, res types.Resource, rec types.LifecycleRecord) ([]string, error)
}

func (g *mockGuard) Deny(ctx context.Context, res types.Resource, rec types.LifecycleRecord) ([]string, error) {
	return g.DenyFunc(ctx, res, rec)
}

func fastOptions() Options {
	return Options{
		MaxAttempts:    3,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
		VerifyAttempts: 2,
		VerifyInterval: time.Millisecond,
		GracePeriod:    7 * 24 * time.Hour,
	}
}

func pending(id string) (types.Resource, types.LifecycleRecord) {
	now := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)
	res := types.Resource{ID: id, Kind: types.KindVM}
	rec := types.NewRecord(res, now.Add(-14*24*time.Hour))
	rec.Phase = types.PhaseDeletionPending
	rec.WarnedAt = now.Add(-8 * 24 * time.Hour)
	rec.ScheduledAt = now
	return res, rec
}

func TestDelete_Success(t *testing.T) {
	d := &mockDeleter{}
	e := New(d, fastOptions())
	res, rec := pending("vm-1")

	out := e.Delete(context.Background(), res, rec, 3)
	require.NoError(t, out.Err)
	assert.True(t, out.Deleted)
	assert.True(t, out.Verified)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, d.calls())
}

func TestDelete_RateLimitedExhaustsAttempts(t *testing.T) {
	d := &mockDeleter{deleteErrs: []error{types.RateLimited("terminate", errors.New("Throttling"))}}
	e := New(d, fastOptions())
	res, rec := pending("vm-1")

	out := e.Delete(context.Background(), res, rec, 3)
	assert.False(t, out.Deleted)
	assert.Equal(t, types.ErrorClassRateLimited, out.Class)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, d.calls())
	assert.False(t, out.Terminal, "budget is the caller's concern")
}

func TestDelete_TransientThenSuccess(t *testing.T) {
	d := &mockDeleter{deleteErrs: []error{
		types.Transient("terminate", errors.New("timeout")),
		nil,
	}}
	e := New(d, fastOptions())
	res, rec := pending("vm-1")

	out := e.Delete(context.Background(), res, rec, 3)
	require.NoError(t, out.Err)
	assert.True(t, out.Deleted)
	assert.Equal(t, 2, out.Attempts)
}

func TestDelete_MaxTriesCappedByBudget(t *testing.T) {
	d := &mockDeleter{deleteErrs: []error{types.Transient("terminate", errors.New("timeout"))}}
	e := New(d, fastOptions())
	res, rec := pending("vm-1")

	out := e.Delete(context.Background(), res, rec, 1)
	assert.Equal(t, 1, out.Attempts)

	out = e.Delete(context.Background(), res, rec, 10)
	assert.Equal(t, 3, out.Attempts, "never more than MaxAttempts")
}

func TestDelete_NoBudget(t *testing.T) {
	d := &mockDeleter{}
	e := New(d, fastOptions())
	res, rec := pending("vm-1")

	out := e.Delete(context.Background(), res, rec, 0)
	assert.Error(t, out.Err)
	assert.Equal(t, 0, d.calls())
}

func TestDelete_NonRetryableClasses(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		class    types.ErrorClass
		terminal bool
	}{
		{"conflict", types.Conflict("terminate", errors.New("IncorrectInstanceState")), types.ErrorClassConflict, false},
		{"permission", types.Permission("terminate", errors.New("UnauthorizedOperation")), types.ErrorClassPermission, true},
		{"unknown", errors.New("boom"), types.ErrorClassUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &mockDeleter{deleteErrs: []error{tt.err}}
			e := New(d, fastOptions())
			res, rec := pending("vm-1")

			out := e.Delete(context.Background(), res, rec, 3)
			assert.False(t, out.Deleted)
			assert.Equal(t, tt.class, out.Class)
			assert.Equal(t, tt.terminal, out.Terminal)
			assert.Equal(t, 1, d.calls())
		})
	}
}

func TestDelete_NotFoundCountsAsDeleted(t *testing.T) {
	d := &mockDeleter{deleteErrs: []error{types.NotFound("terminate", errors.New("InvalidInstanceID.NotFound"))}}
	e := New(d, fastOptions())
	res, rec := pending("vm-1")

	out := e.Delete(context.Background(), res, rec, 3)
	require.NoError(t, out.Err)
	assert.True(t, out.Deleted)
	assert.True(t, out.AlreadyGone)
}

func TestDelete_StillPresentIsAmbiguous(t *testing.T) {
	d := &mockDeleter{ExistsFunc: func(context.Context, types.Resource) (bool, error) { return true, nil }}
	e := New(d, fastOptions())
	res, rec := pending("vm-1")

	out := e.Delete(context.Background(), res, rec, 3)
	assert.False(t, out.Deleted)
	assert.Equal(t, types.ErrorClassAmbiguous, out.Class)
	assert.Equal(t, 1, d.calls())
}

func TestDelete_VerifyEventuallyConsistent(t *testing.T) {
	seen := 0
	d := &mockDeleter{ExistsFunc: func(context.Context, types.Resource) (bool, error) {
		seen++
		return seen < 2, nil
	}}
	e := New(d, fastOptions())
	res, rec := pending("vm-1")

	out := e.Delete(context.Background(), res, rec, 3)
	assert.True(t, out.Deleted)
	assert.Equal(t, 2, seen)
}

func TestDelete_RunsAfterCancellation(t *testing.T) {
	d := &mockDeleter{}
	e := New(d, fastOptions())
	res, rec := pending("vm-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := e.Delete(ctx, res, rec, 3)
	assert.True(t, out.Deleted)
}

func TestDelete_SafetyChecks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.LifecycleRecord)
	}{
		{"not pending", func(r *types.LifecycleRecord) { r.Phase = types.PhaseWarned }},
		{"never warned", func(r *types.LifecycleRecord) { r.WarnedAt = time.Time{} }},
		{"warned too recently", func(r *types.LifecycleRecord) { r.WarnedAt = r.ScheduledAt.Add(-time.Hour) }},
		{"terminal", func(r *types.LifecycleRecord) { r.Terminal = true }},
		{"wrong record", func(r *types.LifecycleRecord) { r.ResourceID = "vm-2" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &mockDeleter{}
			e := New(d, fastOptions())
			res, rec := pending("vm-1")
			tt.mutate(&rec)

			out := e.Delete(context.Background(), res, rec, 3)
			assert.False(t, out.Deleted)
			assert.Equal(t, types.ErrorClassPolicy, out.Class)
			assert.True(t, out.Terminal)
			assert.Equal(t, 0, d.calls())
		})
	}
}

func TestDelete_ForceSkipsWarning(t *testing.T) {
	d := &mockDeleter{}
	e := New(d, fastOptions())
	res, rec := pending("vm-1")
	rec.WarnedAt = time.Time{}
	rec.ForceOverride = true

	out := e.Delete(context.Background(), res, rec, 3)
	assert.True(t, out.Deleted)
}

func TestDelete_GuardDenies(t *testing.T) {
	d := &mockDeleter{}
	guard := &mockGuard{DenyFunc: func(context.Context, types.Resource, types.LifecycleRecord) ([]string, error) {
		return []string{"production resources are protected"}, nil
	}}
	e := New(d, fastOptions(), WithGuard(guard))
	res, rec := pending("vm-1")

	out := e.Delete(context.Background(), res, rec, 3)
	assert.Equal(t, types.ErrorClassPolicy, out.Class)
	assert.True(t, out.Terminal)
	assert.Contains(t, out.Error(), "production resources are protected")
	assert.Equal(t, 0, d.calls())
}

func TestDelete_GuardError(t *testing.T) {
	d := &mockDeleter{}
	guard := &mockGuard{DenyFunc: func(context.Context, types.Resource, types.LifecycleRecord) ([]string, error) {
		return nil, errors.New("undefined ref")
	}}
	e := New(d, fastOptions(), WithGuard(guard))
	res, rec := pending("vm-1")

	out := e.Delete(context.Background(), res, rec, 3)
	assert.False(t, out.Deleted)
	assert.False(t, out.Terminal)
	assert.Equal(t, 0, d.calls())
}

func TestPreflight(t *testing.T) {
	e := New(&mockDeleter{}, fastOptions())
	res, rec := pending("vm-1")

	checks, ok, err := e.Preflight(context.Background(), res, rec)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, checks, len(DefaultSafetyChecks()))
}

func TestConfirm(t *testing.T) {
	res := types.Resource{ID: "vm-1"}

	gone := New(&mockDeleter{}, fastOptions()).Confirm(context.Background(), res)
	assert.True(t, gone.Deleted)

	present := New(&mockDeleter{ExistsFunc: func(context.Context, types.Resource) (bool, error) {
		return true, nil
	}}, fastOptions()).Confirm(context.Background(), res)
	assert.False(t, present.Deleted)
	assert.Equal(t, types.ErrorClassConflict, present.Class)

	broken := New(&mockDeleter{ExistsFunc: func(context.Context, types.Resource) (bool, error) {
		return false, errors.New("api down")
	}}, fastOptions()).Confirm(context.Background(), res)
	assert.False(t, broken.Deleted)
	assert.Equal(t, types.ErrorClassAmbiguous, broken.Class)
}
