package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/sift/internal/merge"
	"github.com/steveyegge/sift/internal/quota"
	"github.com/steveyegge/sift/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
	t2 = t0.Add(2 * time.Minute)
)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := New(context.Background(), MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEvent(project, message, trace string) *types.RawEvent {
	return &types.RawEvent{
		ProjectID:   project,
		Message:     message,
		Script:      "ServerScriptService.Combat",
		Trace:       trace,
		Environment: types.EnvServer,
		Context:     map[string]any{"mode": "casual"},
		Breadcrumbs: []types.RawBreadcrumb{
			{Message: "init failed", Timestamp: t0},
			{Message: "retrying", Timestamp: t1},
		},
		Ancestors: []types.RawScriptAncestor{
			{Name: "Combat", Class: "Script"},
			{Name: "ServerScriptService", Class: "ServerScriptService"},
		},
		ServerID:     "srv-a",
		PlaceID:      100,
		PlaceVersion: 6,
	}
}

func seedIssue(t *testing.T, s *SQLiteStorage, ev *types.RawEvent, at time.Time) (*types.Issue, *types.ErrorRecord) {
	t.Helper()
	issue, rec := merge.NewIssue(ev, at)
	require.NoError(t, s.CreateIssue(context.Background(), issue, rec))
	return issue, rec
}

func TestCreateIssueRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	issue, rec := seedIssue(t, s, testEvent("p1", "NPE at line 5", "Combat:5"), t0)

	got, err := s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, "NPE at line 5", got.Title)
	assert.Equal(t, "p1", got.ProjectID)
	assert.False(t, got.Resolved)
	assert.True(t, got.CreatedAt.Equal(t0))

	errs, err := s.ListErrors(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	e := errs[0]
	assert.Equal(t, rec.ID, e.ID)
	assert.Equal(t, 1, e.Occurrences)
	assert.Equal(t, types.EnvServer, e.Environment)
	assert.Equal(t, map[string]any{"mode": "casual"}, e.Context)
	require.Len(t, e.Breadcrumbs, 2)
	assert.Equal(t, "init failed", e.Breadcrumbs[0].Message)
	assert.Len(t, e.Breadcrumbs[0].Timestamps, 1)
	assert.True(t, e.Breadcrumbs[0].Timestamps[0].Equal(t0))
	assert.True(t, e.HasServerID("srv-a"))
	assert.True(t, e.HasPlaceID(100))
	assert.True(t, e.HasPlaceVersion(6))
	require.Len(t, e.Ancestors, 2)
	assert.Equal(t, "Combat", e.Ancestors[0].Name)
	assert.Equal(t, "ServerScriptService", e.Ancestors[1].Class)

	open, err := s.ListOpenIssues(ctx, []string{"p1", "p2"})
	require.NoError(t, err)
	assert.Len(t, open, 1)

	open, err = s.ListOpenIssues(ctx, []string{"p2"})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestGetMissingRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetIssue(ctx, "nope")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	_, err = s.GetError(ctx, "nope")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	_, err = s.GetUsageLimit(ctx, "p1")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.ErrorIs(t, s.ResolveIssue(ctx, "nope", t2), types.ErrNotFound)
	assert.ErrorIs(t, s.ApplyMerge(ctx, &types.MergeOp{ErrorID: "nope", MergedAt: t0}), types.ErrNotFound)

	errs, err := s.ListErrors(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestApplyMergeIncrementsAndAppends(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ev := testEvent("p1", "NPE at line 5", "Combat:5")
	ev.Breadcrumbs = []types.RawBreadcrumb{{Message: "init failed", Timestamp: t0}, {Message: "init failed", Timestamp: t1}}
	issue, rec := merge.NewIssue(ev, t0)
	rec.Occurrences = 3
	require.NoError(t, s.CreateIssue(ctx, issue, rec))

	stored, err := s.GetError(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, stored.Breadcrumbs, 1)
	require.Len(t, stored.Breadcrumbs[0].Timestamps, 2)

	next := testEvent("p1", "NPE at line 5", "Combat:5")
	next.Breadcrumbs = []types.RawBreadcrumb{{Message: "init failed", Timestamp: t2}}
	next.Context = map[string]any{"mode": "ranked", "players": 12.0}
	require.NoError(t, s.ApplyMerge(ctx, merge.BuildMerge(stored, next, t2)))

	merged, err := s.GetError(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, merged.Occurrences)
	require.Len(t, merged.Breadcrumbs, 1, "no new breadcrumb row")
	assert.Len(t, merged.Breadcrumbs[0].Timestamps, 3)
	assert.Equal(t, map[string]any{"mode": "ranked", "players": 12.0}, merged.Context)
	assert.True(t, merged.UpdatedAt.Equal(t2))

	got, err := s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(t2), "merges touch the parent issue")
}

func TestApplyMergeRefsAreSets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, rec := seedIssue(t, s, testEvent("p1", "NPE", "trace"), t0)

	next := testEvent("p1", "NPE", "trace")
	next.ServerID = "srv-b"
	next.PlaceVersion = 7

	// Both ops are built from the same snapshot, as two events in one run would be
	op1 := merge.BuildMerge(rec, next, t1)
	op2 := merge.BuildMerge(rec, next, t2)
	require.NoError(t, s.ApplyMerge(ctx, op1))
	require.NoError(t, s.ApplyMerge(ctx, op2))
	// Replaying the exact same op keeps the sets intact
	require.NoError(t, s.ApplyMerge(ctx, op1))

	got, err := s.GetError(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Occurrences)
	assert.Len(t, got.ServerIDs, 2)
	assert.Len(t, got.PlaceVersions, 2)
	assert.Len(t, got.PlaceIDs, 1)
	assert.Len(t, got.Breadcrumbs, 2)
	assert.Len(t, got.Breadcrumbs[0].Timestamps, 4)
}

func TestApplyMergeConcurrentNewBreadcrumb(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, rec := seedIssue(t, s, testEvent("p1", "NPE", "trace"), t0)

	next := testEvent("p1", "NPE", "trace")
	next.Breadcrumbs = []types.RawBreadcrumb{{Message: "teleport", Timestamp: t1}}

	// Two ops each believe "teleport" is new; the second must append to the first's row
	require.NoError(t, s.ApplyMerge(ctx, merge.BuildMerge(rec, next, t1)))
	require.NoError(t, s.ApplyMerge(ctx, merge.BuildMerge(rec, next, t2)))

	got, err := s.GetError(ctx, rec.ID)
	require.NoError(t, err)
	crumb := got.Breadcrumb("teleport")
	require.NotNil(t, crumb)
	assert.Len(t, crumb.Timestamps, 2)
}

func TestCreateErrorEnforcesCap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	issue, _ := seedIssue(t, s, testEvent("p1", "NPE", "trace-0"), t0)
	since := t0.Add(-30 * 24 * time.Hour)

	second := merge.NewErrorRecord(testEvent("p1", "NPE", "trace-1"), issue.ID, t1)
	require.NoError(t, s.CreateError(ctx, "p1", second, 2, since))

	third := merge.NewErrorRecord(testEvent("p1", "NPE", "trace-2"), issue.ID, t2)
	err := s.CreateError(ctx, "p1", third, 2, since)
	assert.True(t, errors.Is(err, quota.ErrQuotaExceeded))

	_, err = s.GetError(ctx, third.ID)
	assert.ErrorIs(t, err, types.ErrNotFound, "rejected error must not be written")

	count, err := s.CountRecentErrors(ctx, "p1", since)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCountRecentErrorsScope(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	old, _ := seedIssue(t, s, testEvent("p1", "old", "trace"), t0)
	seedIssue(t, s, testEvent("p1", "new", "trace"), t2)
	seedIssue(t, s, testEvent("p2", "other tenant", "trace"), t2)

	count, err := s.CountRecentErrors(ctx, "p1", t0)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = s.CountRecentErrors(ctx, "p1", t1)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "errors before the window are not counted")

	require.NoError(t, s.ResolveIssue(ctx, old.ID, t2))
	count, err = s.CountRecentErrors(ctx, "p1", t0)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "errors under resolved issues are not counted")
}

func TestCreateErrorChecksOwnership(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	issue, _ := seedIssue(t, s, testEvent("p1", "NPE", "trace"), t0)

	rec := merge.NewErrorRecord(testEvent("p2", "NPE", "trace-2"), issue.ID, t1)
	err := s.CreateError(ctx, "p2", rec, 100, t0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "belongs to project p1")

	rec = merge.NewErrorRecord(testEvent("p1", "NPE", "trace-2"), "missing", t1)
	assert.ErrorIs(t, s.CreateError(ctx, "p1", rec, 100, t0), types.ErrNotFound)
}

func TestConcurrentCreateErrorNeverExceedsCap(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, filepath.Join(t.TempDir(), "sift.db"))
	require.NoError(t, err)
	defer s.Close()

	issue, _ := seedIssue(t, s, testEvent("p1", "NPE", "trace"), t0)

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	created, rejected := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := merge.NewErrorRecord(testEvent("p1", "NPE", "trace"), issue.ID, t1)
			err := s.CreateError(ctx, "p1", rec, 4, t0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, quota.ErrQuotaExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, created)
	assert.Equal(t, workers-3, rejected)
	count, err := s.CountRecentErrors(ctx, "p1", t0)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestUsageLimits(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetUsageLimit(ctx, &types.UsageLimit{ProjectID: "p1", UniqueErrorCap: 5, UpdatedAt: t0}))
	got, err := s.GetUsageLimit(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.UniqueErrorCap)
	assert.True(t, got.UpdatedAt.Equal(t0), "stored with the caller's timestamp")

	require.NoError(t, s.SetUsageLimit(ctx, &types.UsageLimit{ProjectID: "p1", UniqueErrorCap: 9, UpdatedAt: t1}))
	got, err = s.GetUsageLimit(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 9, got.UniqueErrorCap)
	assert.True(t, got.UpdatedAt.Equal(t1))

	assert.Error(t, s.SetUsageLimit(ctx, &types.UsageLimit{ProjectID: "p1", UniqueErrorCap: -1, UpdatedAt: t1}))
	assert.Error(t, s.SetUsageLimit(ctx, &types.UsageLimit{ProjectID: "p1", UniqueErrorCap: 3}), "timestamp is required")
}

func TestResolveAndListIssues(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, recA := seedIssue(t, s, testEvent("p1", "first", "trace"), t0)
	b, _ := seedIssue(t, s, testEvent("p1", "second", "trace"), t1)
	seedIssue(t, s, testEvent("p2", "third", "trace"), t2)

	require.NoError(t, s.ApplyMerge(ctx, merge.BuildMerge(recA, testEvent("p1", "first", "trace"), t2)))

	list, err := s.ListIssues(ctx, types.IssueFilter{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID, "most recently updated first")
	assert.Equal(t, 1, list[0].ErrorCount)
	assert.Equal(t, 2, list[0].Occurrences)

	require.NoError(t, s.ResolveIssue(ctx, b.ID, t2))
	require.NoError(t, s.ResolveIssue(ctx, b.ID, t2.Add(time.Hour)), "resolving twice is a no-op")

	got, err := s.GetIssue(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, got.ResolvedAt.Equal(t2), "stamped with the caller's time, not changed by the second call")
	assert.True(t, got.UpdatedAt.Equal(t2))

	list, err = s.ListIssues(ctx, types.IssueFilter{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = s.ListIssues(ctx, types.IssueFilter{IncludeResolved: true})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	list, err = s.ListIssues(ctx, types.IssueFilter{IncludeResolved: true, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	open, err := s.ListOpenIssues(ctx, []string{"p1"})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, a.ID, open[0].ID)
}

func TestRunHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	finished := t1
	require.NoError(t, s.RecordRun(ctx, &types.RunRecord{ID: "run-1", State: "persisting", StartedAt: t0}))
	require.NoError(t, s.RecordRun(ctx, &types.RunRecord{
		ID: "run-1", State: "done", StartedAt: t0, FinishedAt: &finished, Drained: 3, Merged: 2, CreatedIssues: 1,
	}))
	aborted := t2.Add(time.Second)
	require.NoError(t, s.RecordRun(ctx, &types.RunRecord{
		ID: "run-2", State: "aborted", StartedAt: t2, FinishedAt: &aborted, Error: "boom",
	}))

	err := s.RecordRun(ctx, &types.RunRecord{ID: "run-3", State: "done", StartedAt: t2, FinishedAt: &finished})
	assert.ErrorContains(t, err, "finished_at cannot be before started_at")

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, "aborted", runs[0].State)
	require.NotNil(t, runs[0].FinishedAt)
	assert.True(t, runs[0].FinishedAt.Equal(aborted))
	assert.Equal(t, "done", runs[1].State)
	assert.Equal(t, 3, runs[1].Drained)
	require.NotNil(t, runs[1].FinishedAt)
	assert.True(t, runs[1].FinishedAt.Equal(t1))

	deleted, err := s.CleanupRuns(ctx, t1, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	runs, err = s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-2", runs[0].ID)

	_, err = s.CleanupRuns(ctx, t1, 0)
	assert.Error(t, err)
	assert.Error(t, s.RecordRun(ctx, &types.RunRecord{State: "done"}))
}

func TestSchemaIsVersioned(t *testing.T) {
	s := newTestStore(t)
	var version int
	require.NoError(t, s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version))
	assert.Equal(t, Migrations().Latest(), version)
}
