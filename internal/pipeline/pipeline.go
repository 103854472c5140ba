// Package pipeline runs one drain-resolve-persist cycle over buffered error
// events.
//
// A run moves through Draining, Resolving and Persisting and ends Done or
// Aborted. Every event is resolved against the issues and errors that
// existed before the run started, so two near-duplicate events in the same
// batch can each create their own row; they only merge across runs. Each
// operation is its own transaction and nothing is rolled back when a run
// aborts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"strconv"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/steveyegge/sift/internal/alert"
	"github.com/steveyegge/sift/internal/buffer"
	"github.com/steveyegge/sift/internal/deduplication"
	"github.com/steveyegge/sift/internal/quota"
	"github.com/steveyegge/sift/internal/types"
)

// Buffer is the event source drained once per run
type Buffer interface {
	Drain(ctx context.Context) (*buffer.Batch, error)
}

// Store is the subset of storage the pipeline reads and writes
type Store interface {
	ListOpenIssues(ctx context.Context, projectIDs []string) ([]*types.Issue, error)
	ListErrors(ctx context.Context, issueID string) ([]*types.ErrorRecord, error)
	ApplyMerge(ctx context.Context, op *types.MergeOp) error
	CreateIssue(ctx context.Context, issue *types.Issue, rec *types.ErrorRecord) error
	RecordRun(ctx context.Context, run *types.RunRecord) error
}

// Quota gates new errors under existing issues
type Quota interface {
	CreateError(ctx context.Context, projectID string, rec *types.ErrorRecord) error
}

// Observer is notified of every finished run
type Observer interface {
	ObserveRun(r *Report)
}

// Deps are the collaborators of a pipeline
type Deps struct {
	Buffer   Buffer
	Store    Store
	Quota    Quota
	Resolver *deduplication.Resolver
	Reporter alert.Reporter
	Observer Observer     // optional
	Clock    quartz.Clock // optional, defaults to the real clock
}

// Pipeline clusters buffered events into issues and error records
type Pipeline struct {
	cfg      Config
	buffer   Buffer
	store    Store
	quota    Quota
	resolver *deduplication.Resolver
	reporter alert.Reporter
	observer Observer
	clock    quartz.Clock
}

// New creates a pipeline, validating the configuration
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	switch {
	case deps.Buffer == nil:
		return nil, fmt.Errorf("buffer is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("store is required")
	case deps.Quota == nil:
		return nil, fmt.Errorf("quota guard is required")
	case deps.Resolver == nil:
		return nil, fmt.Errorf("resolver is required")
	}
	if deps.Reporter == nil {
		deps.Reporter = alert.Noop{}
	}
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}
	return &Pipeline{
		cfg:      cfg,
		buffer:   deps.Buffer,
		store:    deps.Store,
		quota:    deps.Quota,
		resolver: deps.Resolver,
		reporter: deps.Reporter,
		observer: deps.Observer,
		clock:    deps.Clock,
	}, nil
}

// Run executes one cycle. The report is always returned; the error is a
// *RunError when the run aborted.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	r := &Report{
		RunID:     uuid.NewString(),
		State:     StateDraining,
		StartedAt: p.clock.Now(),
	}

	batch, err := p.buffer.Drain(ctx)
	if err != nil {
		return p.finish(ctx, r, &RunError{State: StateDraining, Err: err})
	}
	r.Drained = len(batch.Events)
	r.Rejected = batch.Malformed + batch.Invalid
	r.Duplicates = batch.Duplicates
	slog.Info("drained buffer", "run", r.RunID, "events", r.Drained,
		"rejected", r.Rejected, "duplicates", r.Duplicates)

	if len(batch.Events) == 0 {
		r.State = StateDone
		return p.finish(ctx, r, nil)
	}

	r.State = StateResolving
	outcomes, err := p.resolve(ctx, batch.Events, p.clock.Now())
	r.Outcomes = outcomes
	if err != nil {
		return p.finish(ctx, r, &RunError{State: StateResolving, Err: err})
	}

	r.State = StatePersisting
	if err := p.persist(ctx, r); err != nil {
		return p.finish(ctx, r, &RunError{State: StatePersisting, Err: err})
	}

	r.State = StateDone
	return p.finish(ctx, r, nil)
}

// finish records the run, sends the failure alert when aborting and
// notifies the observer
func (p *Pipeline) finish(ctx context.Context, r *Report, runErr *RunError) (*Report, error) {
	r.FinishedAt = p.clock.Now()
	r.tally()

	// bookkeeping still happens when the caller's context is cancelled
	bg := context.WithoutCancel(ctx)

	if runErr != nil {
		r.State = StateAborted
		r.Err = runErr
		p.notify(bg, r, runErr)
	}

	if err := p.store.RecordRun(bg, r.Record()); err != nil {
		slog.Warn("failed to record run", "run", r.RunID, "error", err)
	}
	if p.observer != nil {
		p.observer.ObserveRun(r)
	}

	log.Printf("[PIPELINE] run %s %s in %v: drained=%d merged=%d new_errors=%d new_issues=%d rejected=%d failed=%d",
		r.RunID, r.State, r.Duration(), r.Drained, r.Merged, r.CreatedErrors, r.CreatedIssues, r.Rejected, r.Failed)

	if runErr != nil {
		return r, runErr
	}
	return r, nil
}

// notify sends exactly one failure alert for an aborted run
func (p *Pipeline) notify(ctx context.Context, r *Report, runErr *RunError) {
	a := &alert.Alert{
		Message: fmt.Sprintf("Error pipeline run aborted while %s", runErr.State),
		Color:   alert.ColorRed,
		Data: []alert.Field{
			{Name: "run", Value: r.RunID},
			{Name: "error", Value: runErr.Err.Error()},
			{Name: "drained", Value: strconv.Itoa(r.Drained)},
			{Name: "failed", Value: strconv.Itoa(r.Failed)},
		},
	}
	if err := p.reporter.Send(ctx, a); err != nil {
		slog.Error("failed to send failure alert", "run", r.RunID, "error", err)
	}
}

// apply performs one operation as its own atomic write
func (p *Pipeline) apply(ctx context.Context, op *types.Operation) error {
	switch op.Kind {
	case types.OpMerge:
		return p.store.ApplyMerge(ctx, op.Merge)
	case types.OpCreateError:
		return p.quota.CreateError(ctx, op.ProjectID, op.Error)
	case types.OpCreateIssue:
		return p.store.CreateIssue(ctx, op.Issue, op.Error)
	}
	return fmt.Errorf("unknown operation kind: %s", op.Kind)
}

// tally recomputes the per-kind counters from the outcomes
func (r *Report) tally() {
	r.Merged, r.CreatedErrors, r.CreatedIssues, r.QuotaExceeded, r.Failed = 0, 0, 0, 0, 0
	for _, o := range r.Outcomes {
		if o.Failed() {
			r.Failed++
			if errors.Is(o.Err, quota.ErrQuotaExceeded) {
				r.QuotaExceeded++
			}
			continue
		}
		if !o.Applied {
			continue
		}
		switch o.Op.Kind {
		case types.OpMerge:
			r.Merged++
		case types.OpCreateError:
			r.CreatedErrors++
		case types.OpCreateIssue:
			r.CreatedIssues++
		}
	}
}

func firstError(outcomes []*Outcome) error {
	for _, o := range outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return errors.New("operations were skipped")
}
