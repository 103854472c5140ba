package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
	"github.com/steveyegge/sift/internal/alert"
	"github.com/steveyegge/sift/internal/buffer"
	"github.com/steveyegge/sift/internal/deduplication"
	"github.com/steveyegge/sift/internal/merge"
	"github.com/steveyegge/sift/internal/quota"
	"github.com/steveyegge/sift/internal/similarity"
	"github.com/steveyegge/sift/internal/storage/sqlite"
	"github.com/steveyegge/sift/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var base = time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)

// recordingReporter captures alerts instead of sending them
type recordingReporter struct {
	mu     sync.Mutex
	alerts []*alert.Alert
}

func (r *recordingReporter) Send(_ context.Context, a *alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

type harness struct {
	pipeline *Pipeline
	store    *sqlite.SQLiteStorage
	buffer   *buffer.Redis
	reporter *recordingReporter
	clock    *quartz.Mock
}

type harnessOption func(*Config, *Deps)

func withStore(wrap func(*sqlite.SQLiteStorage) Store) harnessOption {
	return func(_ *Config, d *Deps) { d.Store = wrap(d.Store.(*sqlite.SQLiteStorage)) }
}

func withConfig(fn func(*Config)) harnessOption {
	return func(c *Config, _ *Deps) { fn(c) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()

	clock := quartz.NewMock(t)
	clock.Set(base)

	store, err := sqlite.New(ctx, sqlite.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	buf := buffer.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), buffer.DefaultConfig().Key)
	t.Cleanup(func() { _ = buf.Close() })

	guard, err := quota.NewGuard(quota.DefaultConfig(), store, clock)
	require.NoError(t, err)
	resolver, err := deduplication.NewResolver(deduplication.DefaultConfig())
	require.NoError(t, err)

	reporter := &recordingReporter{}
	cfg := DefaultConfig()
	deps := Deps{
		Buffer:   buf,
		Store:    store,
		Quota:    guard,
		Resolver: resolver,
		Reporter: reporter,
		Clock:    clock,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	p, err := New(cfg, deps)
	require.NoError(t, err)
	return &harness{pipeline: p, store: store, buffer: buf, reporter: reporter, clock: clock}
}

func (h *harness) push(t *testing.T, events ...*types.RawEvent) {
	t.Helper()
	require.NoError(t, h.buffer.Push(context.Background(), events))
}

func event(project, message, trace string) *types.RawEvent {
	return &types.RawEvent{
		ProjectID:   project,
		Message:     message,
		Script:      "ServerScriptService.Combat",
		Trace:       trace,
		Environment: types.EnvServer,
		Breadcrumbs: []types.RawBreadcrumb{
			{Message: "init failed", Timestamp: base.Add(-time.Minute)},
		},
		Ancestors:    []types.RawScriptAncestor{{Name: "Combat", Class: "Script"}},
		ServerID:     "srv-a",
		PlaceID:      100,
		PlaceVersion: 6,
	}
}

func TestScenarioA_SingleEventCreatesIssue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.push(t, event("p1", "NPE at line 5", "Combat:5"))

	report, err := h.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateDone, report.State)
	assert.Equal(t, 1, report.Drained)
	assert.Equal(t, 1, report.CreatedIssues)

	issues, err := h.store.ListIssues(ctx, types.IssueFilter{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "NPE at line 5", issues[0].Title)
	assert.Equal(t, 1, issues[0].ErrorCount)
	assert.Equal(t, 1, issues[0].Occurrences)
	assert.Zero(t, h.reporter.count())
}

func TestScenarioB_SameRunNearDuplicatesAreNotMerged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a := event("p1", "Workspace.Arena.Sword:12: attempt to index nil with 'Handle'", "Sword:12")
	b := event("p1", "Workspace.Arena.Sword:12: attempt to index nil with 'Handles'", "Sword:12")
	require.Greater(t, similarity.Similarity(a.Message, b.Message), 0.9)
	h.push(t, a, b)

	report, err := h.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.CreatedIssues)
	assert.Zero(t, report.Merged)

	issues, err := h.store.ListOpenIssues(ctx, []string{"p1"})
	require.NoError(t, err)
	assert.Len(t, issues, 2)

	// The next run sees both issues and merges into one of them
	h.push(t, b)
	report, err = h.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Merged)
	assert.Zero(t, report.CreatedIssues)
}

func TestScenarioC_MergeAppendsBreadcrumbTimestamp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	seed := event("p1", "NPE at line 5", "Combat:5")
	seed.Breadcrumbs = []types.RawBreadcrumb{
		{Message: "init failed", Timestamp: base.Add(-2 * time.Hour)},
		{Message: "init failed", Timestamp: base.Add(-time.Hour)},
	}
	issue, rec := merge.NewIssue(seed, base.Add(-2*time.Hour))
	rec.Occurrences = 3
	require.NoError(t, h.store.CreateIssue(ctx, issue, rec))

	h.push(t, event("p1", "NPE at line 5", "Combat:5"))
	report, err := h.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateDone, report.State)
	assert.Equal(t, 1, report.Merged)

	got, err := h.store.GetError(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Occurrences)
	require.Len(t, got.Breadcrumbs, 1, "no new breadcrumb row")
	assert.Len(t, got.Breadcrumbs[0].Timestamps, 3)
	assert.Len(t, got.ServerIDs, 1, "known server id is not duplicated")
}

func TestScenarioD_QuotaExceededAbortsRun(t *testing.T) {
	for _, mode := range []FailureMode{FailureBatch, FailureIsolate} {
		t.Run(string(mode), func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, withConfig(func(c *Config) { c.FailureMode = mode }))

			issue, _ := merge.NewIssue(event("p1", "NPE at line 5", "trace-0"), base.Add(-time.Hour))
			first := merge.NewErrorRecord(event("p1", "NPE at line 5", "trace-0"), issue.ID, base.Add(-time.Hour))
			require.NoError(t, h.store.CreateIssue(ctx, issue, first))
			for _, trace := range []string{"Inventory:1", "Shop:22", "Quest:333", "Pets:4444"} {
				rec := merge.NewErrorRecord(event("p1", "NPE at line 5", trace), issue.ID, base.Add(-time.Hour))
				require.NoError(t, h.store.CreateError(ctx, "p1", rec, 100, base.Add(-24*time.Hour)))
			}
			require.NoError(t, h.store.SetUsageLimit(ctx, &types.UsageLimit{ProjectID: "p1", UniqueErrorCap: 5, UpdatedAt: base}))

			h.push(t, event("p1", "NPE at line 5", "ReplicatedStorage.Loot:7"))
			report, err := h.pipeline.Run(ctx)
			require.Error(t, err)
			assert.True(t, errors.Is(err, quota.ErrQuotaExceeded))

			var runErr *RunError
			require.True(t, errors.As(err, &runErr))
			assert.Equal(t, StatePersisting, runErr.State)
			assert.Equal(t, StateAborted, report.State)
			assert.Equal(t, 1, report.QuotaExceeded)
			assert.Equal(t, 1, h.reporter.count(), "exactly one failure notification")

			errs, err := h.store.ListErrors(ctx, issue.ID)
			require.NoError(t, err)
			assert.Len(t, errs, 5, "no error created past the cap")
		})
	}
}

func TestNewIssueBypassesQuota(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.SetUsageLimit(ctx, &types.UsageLimit{ProjectID: "p1", UniqueErrorCap: 0, UpdatedAt: base}))

	h.push(t, event("p1", "NPE at line 5", "Combat:5"))
	report, err := h.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CreatedIssues)
}

func TestCreateErrorUnderMatchedIssue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	issue, _ := merge.NewIssue(event("p1", "NPE at line 5", "Combat:5"), base.Add(-time.Hour))
	require.NoError(t, h.store.CreateIssue(ctx, issue, merge.NewErrorRecord(event("p1", "NPE at line 5", "Combat:5"), issue.ID, base.Add(-time.Hour))))

	h.push(t, event("p1", "NPE at line 5", "ReplicatedStorage.Loot:7"))
	report, err := h.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CreatedErrors)

	errs, err := h.store.ListErrors(ctx, issue.ID)
	require.NoError(t, err)
	assert.Len(t, errs, 2)
}

func TestSameRunMergesShareSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	issue, rec := merge.NewIssue(event("p1", "NPE at line 5", "Combat:5"), base.Add(-time.Hour))
	require.NoError(t, h.store.CreateIssue(ctx, issue, rec))

	a := event("p1", "NPE at line 5", "Combat:5")
	a.ServerID = "srv-b"
	b := event("p1", "NPE at line 5", "Combat:5")
	b.ServerID = "srv-b"
	b.PlaceVersion = 7
	h.push(t, a, b)

	report, err := h.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Merged)

	got, err := h.store.GetError(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Occurrences)
	assert.Len(t, got.ServerIDs, 2, "srv-b is added once")
	assert.Len(t, got.PlaceVersions, 2)
	assert.Len(t, got.Breadcrumbs[0].Timestamps, 3)
}

func TestEmptyDrainIsTrivialRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for i := 0; i < 2; i++ {
		report, err := h.pipeline.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, StateDone, report.State)
		assert.Zero(t, report.Drained)
		assert.Empty(t, report.Outcomes)
	}
	assert.Zero(t, h.reporter.count())

	runs, err := h.store.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestIdenticalEventsCollapse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ev := event("p1", "NPE at line 5", "Combat:5")
	h.push(t, ev, ev)

	report, err := h.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Drained)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 1, report.CreatedIssues)
}

type brokenBuffer struct{}

func (brokenBuffer) Drain(context.Context) (*buffer.Batch, error) {
	return nil, errors.New("connection refused")
}

func TestDrainFailureAbortsBeforeProcessing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(_ *Config, d *Deps) { d.Buffer = brokenBuffer{} })

	report, err := h.pipeline.Run(ctx)
	require.Error(t, err)
	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, StateDraining, runErr.State)
	assert.Equal(t, StateAborted, report.State)
	assert.Empty(t, report.Outcomes)
	assert.Equal(t, 1, h.reporter.count())

	runs, err := h.store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, string(StateAborted), runs[0].State)
	assert.Contains(t, runs[0].Error, "connection refused")
}

// failingStore fails issue creation for one tenant
type failingStore struct {
	*sqlite.SQLiteStorage
	project string
}

func (f *failingStore) CreateIssue(ctx context.Context, issue *types.Issue, rec *types.ErrorRecord) error {
	if issue.ProjectID == f.project {
		return errors.New("disk I/O error")
	}
	return f.SQLiteStorage.CreateIssue(ctx, issue, rec)
}

func failFor(project string) harnessOption {
	return withStore(func(s *sqlite.SQLiteStorage) Store {
		return &failingStore{SQLiteStorage: s, project: project}
	})
}

func TestBatchModeStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, failFor("bad"), withConfig(func(c *Config) {
		c.FailureMode = FailureBatch
		c.WriteConcurrency = 1
	}))
	h.push(t,
		event("bad", "NPE at line 5", "Combat:5"),
		event("p1", "NPE at line 5", "Combat:5"),
		event("p2", "NPE at line 5", "Combat:5"),
	)

	report, err := h.pipeline.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.Equal(t, StateAborted, report.State)
	assert.Zero(t, report.CreatedIssues, "queued operations are not started")
	assert.Equal(t, 3, report.Failed)
	assert.Equal(t, 1, h.reporter.count())

	skipped := 0
	for _, o := range report.Outcomes {
		if o.Skipped {
			skipped++
		}
	}
	assert.Equal(t, 2, skipped)
}

// inflightStore holds the "slow" tenant's write open until the "bad"
// tenant's write has failed
type inflightStore struct {
	*sqlite.SQLiteStorage
	entered chan struct{}
	failed  chan struct{}
}

func (s *inflightStore) CreateIssue(ctx context.Context, issue *types.Issue, rec *types.ErrorRecord) error {
	switch issue.ProjectID {
	case "slow":
		close(s.entered)
		<-s.failed
		select {
		case <-ctx.Done():
		case <-time.After(200 * time.Millisecond):
		}
	case "bad":
		<-s.entered
		defer close(s.failed)
		return errors.New("disk I/O error")
	}
	return s.SQLiteStorage.CreateIssue(ctx, issue, rec)
}

func TestBatchModeFinishesStartedWrites(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t,
		withStore(func(s *sqlite.SQLiteStorage) Store {
			return &inflightStore{SQLiteStorage: s, entered: make(chan struct{}), failed: make(chan struct{})}
		}),
		withConfig(func(c *Config) {
			c.FailureMode = FailureBatch
			c.WriteConcurrency = 2
		}),
	)
	h.push(t,
		event("bad", "NPE at line 5", "Combat:5"),
		event("slow", "NPE at line 5", "Combat:5"),
	)

	report, err := h.pipeline.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.Equal(t, StateAborted, report.State)
	assert.Equal(t, 1, report.CreatedIssues)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, h.reporter.count())

	for _, o := range report.Outcomes {
		if o.Event.ProjectID == "slow" {
			assert.True(t, o.Applied, "started write is not rolled back")
			assert.NoError(t, o.Err)
		}
	}

	open, err := h.store.ListOpenIssues(ctx, []string{"slow"})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestIsolateModeCompletesIndependentOperations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, failFor("bad"))
	h.push(t,
		event("bad", "NPE at line 5", "Combat:5"),
		event("p1", "NPE at line 5", "Combat:5"),
		event("p2", "NPE at line 5", "Combat:5"),
	)

	report, err := h.pipeline.Run(ctx)
	require.Error(t, err, "any failure aborts at the default rate")
	assert.Equal(t, StateAborted, report.State)
	assert.Equal(t, 2, report.CreatedIssues)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, h.reporter.count())

	open, err := h.store.ListOpenIssues(ctx, []string{"p1", "p2"})
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestIsolateModeToleratesFailureRate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, failFor("bad"), withConfig(func(c *Config) { c.MaxFailureRate = 0.5 }))
	h.push(t,
		event("bad", "NPE at line 5", "Combat:5"),
		event("p1", "NPE at line 5", "Combat:5"),
		event("p2", "NPE at line 5", "Combat:5"),
	)

	report, err := h.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateDone, report.State)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, h.reporter.count())

	var failed *Outcome
	for _, o := range report.Outcomes {
		if o.Failed() {
			failed = o
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, "bad", failed.Event.ProjectID)
}

type observerFunc func(*Report)

func (f observerFunc) ObserveRun(r *Report) { f(r) }

func TestObserverSeesEveryRun(t *testing.T) {
	ctx := context.Background()
	var seen []State
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Observer = observerFunc(func(r *Report) { seen = append(seen, r.State) })
	})
	h.push(t, event("p1", "NPE at line 5", "Combat:5"))

	_, err := h.pipeline.Run(ctx)
	require.NoError(t, err)
	_, err = h.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []State{StateDone, StateDone}, seen)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)

	_, err = New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"batch mode", func(c *Config) { c.FailureMode = FailureBatch }, false},
		{"zero reads", func(c *Config) { c.ReadConcurrency = 0 }, true},
		{"zero writes", func(c *Config) { c.WriteConcurrency = 0 }, true},
		{"unknown mode", func(c *Config) { c.FailureMode = "retry" }, true},
		{"rate above one", func(c *Config) { c.MaxFailureRate = 1.5 }, true},
		{"negative rate", func(c *Config) { c.MaxFailureRate = -0.1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
