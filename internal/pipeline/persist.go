package pipeline

import (
	"context"
	"fmt"
	"log/slog"
)

// persist applies every planned operation through the write throttle.
// Cancellation, from the first batch-mode failure or from the caller, only
// stops operations that have not started; a started write runs to completion.
func (p *Pipeline) persist(ctx context.Context, r *Report) error {
	writeCtx := context.WithoutCancel(ctx)
	g, gctx := p.group(ctx, p.cfg.WriteConcurrency)
	for _, o := range r.Outcomes {
		if o.Op == nil {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				o.Skipped = true
				return nil
			}
			if err := p.apply(writeCtx, o.Op); err != nil {
				o.Err = err
				slog.Warn("operation failed", "kind", o.Op.Kind, "project", o.Op.ProjectID, "error", err)
				if p.cfg.FailureMode == FailureBatch {
					return err
				}
				return nil
			}
			o.Applied = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.tally()
	if r.Failed == 0 {
		return nil
	}

	total := len(r.Outcomes)
	rate := float64(r.Failed) / float64(total)
	if rate > p.cfg.MaxFailureRate {
		return fmt.Errorf("%d of %d operations failed (max rate %.2f): %w",
			r.Failed, total, p.cfg.MaxFailureRate, firstError(r.Outcomes))
	}
	slog.Warn("tolerating failed operations", "failed", r.Failed, "total", total, "max_rate", p.cfg.MaxFailureRate)
	return nil
}
