// Package quota enforces each tenant's cap on distinct errors created in a
// trailing window.
//
// Only a new error under an existing issue is gated. Opening a new issue and
// merging into an existing error are not. The count and the insert are done
// atomically by the store, so concurrent creates for one tenant cannot
// overshoot the cap.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"github.com/steveyegge/sift/internal/types"
)

// ErrQuotaExceeded is returned when a tenant is at or above its cap
var ErrQuotaExceeded = errors.New("unique error quota exceeded")

// Status represents a tenant's position relative to its cap
type Status int

const (
	// StatusHealthy indicates usage below the alert threshold
	StatusHealthy Status = iota
	// StatusWarning indicates usage at or above the alert threshold
	StatusWarning
	// StatusExceeded indicates the cap has been reached
	StatusExceeded
)

// String returns a human-readable string representation of the status
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "HEALTHY"
	case StatusWarning:
		return "WARNING"
	case StatusExceeded:
		return "EXCEEDED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Store is the subset of storage the guard needs
type Store interface {
	GetUsageLimit(ctx context.Context, projectID string) (*types.UsageLimit, error)
	CountRecentErrors(ctx context.Context, projectID string, since time.Time) (int, error)
	CreateError(ctx context.Context, projectID string, rec *types.ErrorRecord, cap int, since time.Time) error
}

// Usage is a point-in-time view of one tenant's quota
type Usage struct {
	ProjectID string    `json:"project_id"`
	Count     int       `json:"count"`
	Cap       int       `json:"cap"`
	Since     time.Time `json:"since"`
	Status    Status    `json:"status"`
}

// Guard gates error creation on tenant caps
type Guard struct {
	cfg   Config
	store Store
	cache *LimitCache
	clock quartz.Clock
}

// NewGuard creates a guard with its own limit cache
func NewGuard(cfg Config, store Store, clock quartz.Clock) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid quota config: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Guard{
		cfg:   cfg,
		store: store,
		cache: NewLimitCache(clock, cfg.CacheTTL, cfg.CacheSize),
		clock: clock,
	}, nil
}

// Since returns the start of the counting window
func (g *Guard) Since() time.Time {
	return g.clock.Now().Add(-g.cfg.Window)
}

// Cap returns the tenant's cap, reading through the cache
func (g *Guard) Cap(ctx context.Context, projectID string) (int, error) {
	if cap, ok := g.cache.Get(projectID); ok {
		return cap, nil
	}

	cap := g.cfg.DefaultCap
	limit, err := g.store.GetUsageLimit(ctx, projectID)
	switch {
	case errors.Is(err, types.ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("failed to get usage limit for %s: %w", projectID, err)
	default:
		cap = limit.UniqueErrorCap
	}

	g.cache.Put(projectID, cap)
	return cap, nil
}

// Invalidate forgets the cached cap for projectID
func (g *Guard) Invalidate(projectID string) {
	g.cache.Invalidate(projectID)
}

// Usage reports the tenant's current count against its cap
func (g *Guard) Usage(ctx context.Context, projectID string) (*Usage, error) {
	cap, err := g.Cap(ctx, projectID)
	if err != nil {
		return nil, err
	}
	since := g.Since()
	count, err := g.store.CountRecentErrors(ctx, projectID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count recent errors for %s: %w", projectID, err)
	}
	return &Usage{
		ProjectID: projectID,
		Count:     count,
		Cap:       cap,
		Since:     since,
		Status:    g.status(count, cap),
	}, nil
}

// Check returns ErrQuotaExceeded if the tenant cannot create another error.
// It is advisory: CreateError repeats the check inside the write.
func (g *Guard) Check(ctx context.Context, projectID string) error {
	u, err := g.Usage(ctx, projectID)
	if err != nil {
		return err
	}
	if u.Status == StatusExceeded {
		return fmt.Errorf("project %s has %d/%d errors: %w", projectID, u.Count, u.Cap, ErrQuotaExceeded)
	}
	return nil
}

// CreateError persists rec if the tenant is under its cap
func (g *Guard) CreateError(ctx context.Context, projectID string, rec *types.ErrorRecord) error {
	cap, err := g.Cap(ctx, projectID)
	if err != nil {
		return err
	}

	err = g.store.CreateError(ctx, projectID, rec, cap, g.Since())
	if errors.Is(err, ErrQuotaExceeded) {
		slog.Warn("quota exceeded, dropping new error", "project", projectID, "cap", cap, "issue", rec.IssueID)
		return fmt.Errorf("project %s at cap %d: %w", projectID, cap, ErrQuotaExceeded)
	}
	return err
}

func (g *Guard) status(count, cap int) Status {
	if count >= cap {
		return StatusExceeded
	}
	if float64(count) >= float64(cap)*g.cfg.AlertThreshold {
		return StatusWarning
	}
	return StatusHealthy
}
