package executor

import (
	"context"
	"log/slog"
	"time"
)

// Run keeps the consumed-ID guard small until ctx is cancelled, then waits
// up to grace for in-flight executions to reach a terminal state. Callers
// should run executions on a context that outlives ctx so they are not cut
// off mid-hop.
func (c *Coordinator) Run(ctx context.Context, grace time.Duration) error {
	c.logger.Info("executor started")
	defer c.logger.Info("executor stopped")

	cleanup := time.NewTicker(c.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			c.drain(grace)
			return ctx.Err()
		case <-cleanup.C:
			c.dedup.Cleanup()
		}
	}
}

// drain blocks until no execution is in flight or grace elapses.
func (c *Coordinator) drain(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		c.logger.Warn("executions still in flight after shutdown grace",
			slog.Duration("grace", grace),
			slog.Any("reserved", c.reservations.Held()),
		)
	}
}

// SetCleanupInterval changes how often expired consumed IDs are dropped.
// Must be called before Run.
func (c *Coordinator) SetCleanupInterval(d time.Duration) {
	if d > 0 {
		c.cleanupInterval = d
	}
}
