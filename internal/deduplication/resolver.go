package deduplication

import (
	"fmt"

	"github.com/steveyegge/sift/internal/similarity"
	"github.com/steveyegge/sift/internal/types"
)

// Match is the winning candidate of a resolution
type Match struct {
	// ID is the matched issue or error record id
	ID string `json:"id"`

	// Score is the similarity of the winning candidate, strictly above threshold
	Score float64 `json:"score"`

	// ComparedCount is the number of candidates scored
	ComparedCount int `json:"compared_count"`
}

// Validate checks if the match has valid values
func (m *Match) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.Score < 0.0 || m.Score > 1.0 {
		return fmt.Errorf("score must be between 0.0 and 1.0 (got %.2f)", m.Score)
	}
	if m.ComparedCount < 1 {
		return fmt.Errorf("compared_count must be at least 1 (got %d)", m.ComparedCount)
	}
	return nil
}

// Resolver finds the best matching issue and error record for an event
type Resolver struct {
	cfg Config
}

// NewResolver creates a resolver, validating the configuration
func NewResolver(cfg Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Resolver{cfg: cfg}, nil
}

// Config returns the resolver configuration
func (r *Resolver) Config() Config {
	return r.cfg
}

// ResolveIssue returns the unresolved issue of the event's project whose
// title is most similar to the event message, or nil if none exceeds the
// threshold.
func (r *Resolver) ResolveIssue(ev *types.RawEvent, issues []*types.Issue) *Match {
	opts := r.cfg.options()
	var best *Match
	compared := 0
	for _, issue := range issues {
		if issue.ProjectID != ev.ProjectID || issue.Resolved {
			continue
		}
		compared++
		score := similarity.Compare(ev.Message, issue.Title, opts)
		best = r.pick(best, issue.ID, score)
	}
	if best != nil {
		best.ComparedCount = compared
	}
	return best
}

// ResolveError returns the error record whose trace is most similar to the
// event trace, or nil if none exceeds the threshold. Records are expected to
// belong to an issue already matched by ResolveIssue.
func (r *Resolver) ResolveError(ev *types.RawEvent, records []*types.ErrorRecord) *Match {
	opts := r.cfg.options()
	var best *Match
	for _, rec := range records {
		score := similarity.Compare(ev.Trace, rec.Trace, opts)
		best = r.pick(best, rec.ID, score)
	}
	if best != nil {
		best.ComparedCount = len(records)
	}
	return best
}

// pick keeps the higher scoring candidate above threshold. Ties go to the
// lowest id.
func (r *Resolver) pick(best *Match, id string, score float64) *Match {
	if score <= r.cfg.Threshold {
		return best
	}
	if best == nil || score > best.Score || (score == best.Score && id < best.ID) {
		return &Match{ID: id, Score: score}
	}
	return best
}
