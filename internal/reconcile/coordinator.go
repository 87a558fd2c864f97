package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// Coordinator runs the orchestrator on a fixed schedule. Unlike the
// allow-list refresher it waits for the first tick: a restart should not
// trigger a full sweep outside the nightly window.
type Coordinator struct {
	orchestrator *Orchestrator
	interval     time.Duration
}

// NewCoordinator creates the scheduled runner.
func NewCoordinator(o *Orchestrator, interval time.Duration) *Coordinator {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Coordinator{orchestrator: o, interval: interval}
}

// Run blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "reconcile-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "reconcile-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.orchestrator.RunOnce(ctx)
		}
	}
}
