package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/steveyegge/sift/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore keeps created errors per project in memory
type fakeStore struct {
	mu         sync.Mutex
	limits     map[string]int
	created    map[string][]time.Time
	limitReads int
	clock      quartz.Clock
}

func newFakeStore(clock quartz.Clock) *fakeStore {
	return &fakeStore{
		limits:  make(map[string]int),
		created: make(map[string][]time.Time),
		clock:   clock,
	}
}

func (f *fakeStore) GetUsageLimit(ctx context.Context, projectID string) (*types.UsageLimit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limitReads++
	cap, ok := f.limits[projectID]
	if !ok {
		return nil, types.ErrNotFound
	}
	return &types.UsageLimit{ProjectID: projectID, UniqueErrorCap: cap}, nil
}

func (f *fakeStore) CountRecentErrors(ctx context.Context, projectID string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.countLocked(projectID, since), nil
}

func (f *fakeStore) CreateError(ctx context.Context, projectID string, rec *types.ErrorRecord, cap int, since time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countLocked(projectID, since) >= cap {
		return ErrQuotaExceeded
	}
	f.created[projectID] = append(f.created[projectID], f.clock.Now())
	return nil
}

func (f *fakeStore) countLocked(projectID string, since time.Time) int {
	n := 0
	for _, t := range f.created[projectID] {
		if !t.Before(since) {
			n++
		}
	}
	return n
}

func newGuard(t *testing.T, store Store, clock quartz.Clock) *Guard {
	t.Helper()
	g, err := NewGuard(DefaultConfig(), store, clock)
	require.NoError(t, err)
	return g
}

func TestGuardDefaultCap(t *testing.T) {
	clock := quartz.NewMock(t)
	store := newFakeStore(clock)
	g := newGuard(t, store, clock)

	cap, err := g.Cap(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 100, cap)
}

func TestGuardRejectsAtCap(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	store := newFakeStore(clock)
	store.limits["p1"] = 5
	g := newGuard(t, store, clock)

	for i := 0; i < 5; i++ {
		require.NoError(t, g.CreateError(ctx, "p1", &types.ErrorRecord{IssueID: "i-1"}))
	}

	err := g.CreateError(ctx, "p1", &types.ErrorRecord{IssueID: "i-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	assert.Len(t, store.created["p1"], 5, "no error should be created past the cap")

	assert.ErrorIs(t, g.Check(ctx, "p1"), ErrQuotaExceeded)
	assert.NoError(t, g.Check(ctx, "p2"), "other tenants are unaffected")
}

func TestGuardWindowSlides(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	store := newFakeStore(clock)
	store.limits["p1"] = 2
	g := newGuard(t, store, clock)

	require.NoError(t, g.CreateError(ctx, "p1", &types.ErrorRecord{}))
	clock.Advance(10 * 24 * time.Hour)
	require.NoError(t, g.CreateError(ctx, "p1", &types.ErrorRecord{}))
	assert.ErrorIs(t, g.CreateError(ctx, "p1", &types.ErrorRecord{}), ErrQuotaExceeded)

	// The first error falls out of the 30 day window
	clock.Advance(21 * 24 * time.Hour)
	assert.NoError(t, g.CreateError(ctx, "p1", &types.ErrorRecord{}))
}

func TestGuardUsageStatus(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	store := newFakeStore(clock)
	store.limits["p1"] = 10
	g := newGuard(t, store, clock)

	u, err := g.Usage(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, u.Status)
	assert.Equal(t, clock.Now().Add(-30*24*time.Hour), u.Since)

	for i := 0; i < 8; i++ {
		require.NoError(t, g.CreateError(ctx, "p1", &types.ErrorRecord{}))
	}
	u, err = g.Usage(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 8, u.Count)
	assert.Equal(t, StatusWarning, u.Status)

	for i := 0; i < 2; i++ {
		require.NoError(t, g.CreateError(ctx, "p1", &types.ErrorRecord{}))
	}
	u, err = g.Usage(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusExceeded, u.Status)
	assert.Equal(t, "EXCEEDED", u.Status.String())
}

func TestGuardZeroCapBlocksEverything(t *testing.T) {
	clock := quartz.NewMock(t)
	store := newFakeStore(clock)
	store.limits["p1"] = 0
	g := newGuard(t, store, clock)

	assert.ErrorIs(t, g.CreateError(context.Background(), "p1", &types.ErrorRecord{}), ErrQuotaExceeded)
}

func TestGuardCachesLimits(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	store := newFakeStore(clock)
	store.limits["p1"] = 7
	g := newGuard(t, store, clock)

	for i := 0; i < 3; i++ {
		cap, err := g.Cap(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 7, cap)
	}
	assert.Equal(t, 1, store.limitReads)

	// A changed limit is seen after the TTL
	store.limits["p1"] = 9
	cap, _ := g.Cap(ctx, "p1")
	assert.Equal(t, 7, cap)
	clock.Advance(5 * time.Minute)
	cap, _ = g.Cap(ctx, "p1")
	assert.Equal(t, 9, cap)
	assert.Equal(t, 2, store.limitReads)

	// or right away after an explicit invalidation
	store.limits["p1"] = 11
	g.Invalidate("p1")
	cap, _ = g.Cap(ctx, "p1")
	assert.Equal(t, 11, cap)
}

type failingStore struct{ *fakeStore }

func (f *failingStore) GetUsageLimit(ctx context.Context, projectID string) (*types.UsageLimit, error) {
	return nil, errors.New("connection refused")
}

func TestGuardPropagatesLimitErrors(t *testing.T) {
	clock := quartz.NewMock(t)
	store := &failingStore{fakeStore: newFakeStore(clock)}
	g := newGuard(t, store, clock)

	err := g.CreateError(context.Background(), "p1", &types.ErrorRecord{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrQuotaExceeded))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestNewGuardValidates(t *testing.T) {
	clock := quartz.NewMock(t)
	cfg := DefaultConfig()
	cfg.Window = 0
	_, err := NewGuard(cfg, newFakeStore(clock), clock)
	assert.Error(t, err)

	_, err = NewGuard(DefaultConfig(), nil, clock)
	assert.Error(t, err)
}
