package pipeline

import (
	"fmt"
	"time"

	"github.com/steveyegge/sift/internal/types"
)

// State is a stage of a pipeline run
type State string

const (
	StateDraining   State = "draining"
	StateResolving  State = "resolving"
	StatePersisting State = "persisting"
	StateDone       State = "done"
	StateAborted    State = "aborted"
)

// IsTerminal reports whether the run has ended
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateAborted
}

// RunError is the error that aborted a run, with the state it occurred in
type RunError struct {
	State State
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("pipeline aborted while %s: %v", e.State, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Outcome is the result of one event's operation
type Outcome struct {
	Event *types.RawEvent
	Op    *types.Operation // nil if resolution failed
	Err   error
	// Applied is set once the operation has been written
	Applied bool
	// Skipped is set when the operation was never started because the run
	// was already aborting
	Skipped bool
}

// Failed reports whether the operation did not complete
func (o *Outcome) Failed() bool {
	return o.Err != nil || o.Skipped
}

// Report summarizes one pipeline run
type Report struct {
	RunID      string
	State      State
	StartedAt  time.Time
	FinishedAt time.Time

	// Drained is the number of valid, distinct events taken from the buffer
	Drained int
	// Rejected counts malformed elements and structurally invalid events
	Rejected int
	// Duplicates counts identical events collapsed within the batch
	Duplicates int

	Merged        int
	CreatedErrors int
	CreatedIssues int
	// QuotaExceeded counts create-error operations refused by the quota guard.
	// They are also counted in Failed.
	QuotaExceeded int
	Failed        int

	Outcomes []*Outcome
	Err      error
}

// Duration returns how long the run took
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Record converts the report into a persisted run record
func (r *Report) Record() *types.RunRecord {
	finished := r.FinishedAt
	rec := &types.RunRecord{
		ID:            r.RunID,
		State:         string(r.State),
		StartedAt:     r.StartedAt,
		FinishedAt:    &finished,
		Drained:       r.Drained,
		Merged:        r.Merged,
		CreatedErrors: r.CreatedErrors,
		CreatedIssues: r.CreatedIssues,
		Rejected:      r.Rejected,
		Failed:        r.Failed,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}
