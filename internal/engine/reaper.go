package engine

import (
	"context"
	"time"
)

// StartReaper sweeps the store for non-terminal jobs older than the pipeline
// budget and times them out, once immediately and then on every tick until
// ctx is cancelled. A process crash mid-pipeline leaves jobs stranded in a
// non-terminal state; the reaper converges them to timed_out instead of
// letting clients poll forever.
func (e *Engine) StartReaper(ctx context.Context, interval, budget time.Duration) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reap(ctx, budget)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.reap(ctx, budget)
			case <-ctx.Done():
				return
			case <-e.done:
				return
			}
		}
	}()
}

func (e *Engine) reap(ctx context.Context, budget time.Duration) {
	cutoff := time.Now().UTC().Add(-budget)
	n, err := e.store.ReapStale(ctx, cutoff)
	if err != nil {
		e.logger.Error("reap stale jobs", "error", err)
		return
	}
	if n > 0 {
		jobsReaped.Add(float64(n))
		e.logger.Warn("reaped stale jobs", "count", n, "cutoff", cutoff)
	}
}
