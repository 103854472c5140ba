// Package scheduler runs a job on a fixed cadence. A run that outlasts the
// interval delays the next one; two runs of the same job never overlap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// Job is one unit of scheduled work. A returned error is logged and does not
// stop the schedule.
type Job func(ctx context.Context) error

// Config holds scheduling configuration
type Config struct {
	// Interval is the time between runs
	Interval time.Duration `yaml:"interval"`
	// RunOnStart runs the job once immediately when the scheduler starts
	RunOnStart bool `yaml:"run_on_start"`
}

// DefaultConfig returns a two minute cadence that also runs on start
func DefaultConfig() Config {
	return Config{
		Interval:   2 * time.Minute,
		RunOnStart: true,
	}
}

// Validate checks the configuration for consistency
func (c Config) Validate() error {
	if c.Interval < time.Second {
		return fmt.Errorf("interval must be at least 1s (got %v)", c.Interval)
	}
	return nil
}

// Status describes the most recent run
type Status struct {
	Runs     int       `json:"runs"`
	Failures int       `json:"failures"`
	LastRun  time.Time `json:"last_run"`
	LastErr  string    `json:"last_error,omitempty"`
	Running  bool      `json:"running"`
}

// Scheduler triggers a job every interval
type Scheduler struct {
	name  string
	cfg   Config
	job   Job
	clock quartz.Clock

	mu     sync.Mutex
	status Status
}

// New creates a scheduler. The name tags log lines and the ticker.
func New(name string, cfg Config, job Job, clock quartz.Clock) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schedule for %s: %w", name, err)
	}
	if job == nil {
		return nil, fmt.Errorf("job is required")
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Scheduler{name: name, cfg: cfg, job: job, clock: clock}, nil
}

// Start runs the schedule until ctx is cancelled
func (s *Scheduler) Start(ctx context.Context) error {
	slog.Info("scheduler started", "job", s.name, "interval", s.cfg.Interval)
	if s.cfg.RunOnStart {
		s.runOnce(ctx)
	}

	w := s.clock.TickerFunc(ctx, s.cfg.Interval, func() error {
		s.runOnce(ctx)
		return nil
	}, "scheduler", s.name)

	err := w.Wait()
	slog.Info("scheduler stopped", "job", s.name)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Status returns a snapshot of the run counters
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	s.status.Running = true
	s.mu.Unlock()

	err := s.job(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Running = false
	s.status.Runs++
	s.status.LastRun = s.clock.Now()
	s.status.LastErr = ""
	if err != nil {
		s.status.Failures++
		s.status.LastErr = err.Error()
		slog.Warn("scheduled job failed", "job", s.name, "error", err)
	}
}
