package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/steveyegge/sift/internal/merge"
	"github.com/steveyegge/sift/internal/types"
	"golang.org/x/sync/errgroup"
)

// tenantIssues is the pre-run snapshot of one tenant's open issues
type tenantIssues struct {
	issues []*types.Issue
	err    error
}

// errorSet is the pre-run snapshot of one issue's error records, loaded at
// most once per run and shared read-only by every event matching the issue
type errorSet struct {
	once    sync.Once
	records []*types.ErrorRecord
	err     error
}

type errorSnapshot struct {
	store Store
	mu    sync.Mutex
	sets  map[string]*errorSet
}

func newErrorSnapshot(store Store) *errorSnapshot {
	return &errorSnapshot{store: store, sets: make(map[string]*errorSet)}
}

func (s *errorSnapshot) get(ctx context.Context, issueID string) ([]*types.ErrorRecord, error) {
	s.mu.Lock()
	set, ok := s.sets[issueID]
	if !ok {
		set = &errorSet{}
		s.sets[issueID] = set
	}
	s.mu.Unlock()

	set.once.Do(func() {
		set.records, set.err = s.store.ListErrors(ctx, issueID)
	})
	return set.records, set.err
}

// resolve plans one operation per event. In batch mode the first failure is
// returned and events not yet planned are skipped; in isolate mode failures
// stay on their outcomes.
func (p *Pipeline) resolve(ctx context.Context, events []*types.RawEvent, now time.Time) ([]*Outcome, error) {
	outcomes := make([]*Outcome, len(events))
	for i, ev := range events {
		outcomes[i] = &Outcome{Event: ev}
	}

	tenants, err := p.loadOpenIssues(ctx, events)
	if err != nil {
		return outcomes, err
	}

	snap := newErrorSnapshot(p.store)
	g, gctx := p.group(ctx, p.cfg.ReadConcurrency)
	for _, o := range outcomes {
		g.Go(func() error {
			if gctx.Err() != nil {
				o.Skipped = true
				return nil
			}
			o.Op, o.Err = p.plan(gctx, o.Event, tenants[o.Event.ProjectID], snap, now)
			if o.Err != nil && p.cfg.FailureMode == FailureBatch {
				return o.Err
			}
			return nil
		})
	}
	return outcomes, g.Wait()
}

// loadOpenIssues reads each tenant's open issues once
func (p *Pipeline) loadOpenIssues(ctx context.Context, events []*types.RawEvent) (map[string]*tenantIssues, error) {
	tenants := make(map[string]*tenantIssues)
	for _, ev := range events {
		if _, ok := tenants[ev.ProjectID]; !ok {
			tenants[ev.ProjectID] = &tenantIssues{}
		}
	}

	g, gctx := p.group(ctx, p.cfg.ReadConcurrency)
	for projectID, t := range tenants {
		g.Go(func() error {
			t.issues, t.err = p.store.ListOpenIssues(gctx, []string{projectID})
			if t.err != nil {
				t.err = fmt.Errorf("failed to load open issues for %s: %w", projectID, t.err)
				if p.cfg.FailureMode == FailureBatch {
					return t.err
				}
			}
			return nil
		})
	}
	return tenants, g.Wait()
}

// plan decides what to do with one event
func (p *Pipeline) plan(ctx context.Context, ev *types.RawEvent, tenant *tenantIssues, snap *errorSnapshot, now time.Time) (*types.Operation, error) {
	if tenant.err != nil {
		return nil, tenant.err
	}

	issueMatch := p.resolver.ResolveIssue(ev, tenant.issues)
	if issueMatch == nil {
		issue, rec := merge.NewIssue(ev, now)
		return &types.Operation{
			Kind:      types.OpCreateIssue,
			ProjectID: ev.ProjectID,
			Issue:     issue,
			Error:     rec,
		}, nil
	}

	records, err := snap.get(ctx, issueMatch.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load errors of issue %s: %w", issueMatch.ID, err)
	}

	if errMatch := p.resolver.ResolveError(ev, records); errMatch != nil {
		for _, rec := range records {
			if rec.ID == errMatch.ID {
				return &types.Operation{
					Kind:      types.OpMerge,
					ProjectID: ev.ProjectID,
					Merge:     merge.BuildMerge(rec, ev, now),
				}, nil
			}
		}
	}

	return &types.Operation{
		Kind:      types.OpCreateError,
		ProjectID: ev.ProjectID,
		Error:     merge.NewErrorRecord(ev, issueMatch.ID, now),
	}, nil
}

// group returns an errgroup bounded to limit. In batch mode the group
// context is cancelled by the first failure; callers check it before starting
// work, not while work is running.
func (p *Pipeline) group(ctx context.Context, limit int) (*errgroup.Group, context.Context) {
	var g *errgroup.Group
	if p.cfg.FailureMode == FailureBatch {
		g, ctx = errgroup.WithContext(ctx)
	} else {
		g = &errgroup.Group{}
	}
	g.SetLimit(limit)
	return g, ctx
}
