// Package worker holds the housekeeping coordinator: sync log retention and
// expired guard-row sweeps.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// MaintenanceStore is the persistence surface housekeeping needs.
// Implemented by store.SQLiteStore.
type MaintenanceStore interface {
	PurgeSyncLogBefore(ctx context.Context, cutoff time.Time) (int64, error)
	SweepExpiredGuards(ctx context.Context) (int64, error)
}

// MaintenanceCoordinator purges aged sync log rows and sweeps expired lock
// and replay-guard entries on a daily cadence.
type MaintenanceCoordinator struct {
	store         MaintenanceStore
	interval      time.Duration
	retentionDays int
}

// NewMaintenanceCoordinator creates the coordinator.
func NewMaintenanceCoordinator(s MaintenanceStore, interval time.Duration, retentionDays int) *MaintenanceCoordinator {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &MaintenanceCoordinator{store: s, interval: interval, retentionDays: retentionDays}
}

// Run starts the coordinator loop. Sweeps immediately on start, then on each
// tick.
func (c *MaintenanceCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "maintenance",
		"interval", c.interval.String(),
		"retention_days", c.retentionDays,
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "maintenance",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *MaintenanceCoordinator) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -c.retentionDays)
	purged, err := c.store.PurgeSyncLogBefore(ctx, cutoff)
	if err != nil {
		slog.Error("sync log purge failed",
			"component", "worker", "worker", "maintenance", "error", err)
	}

	swept, err := c.store.SweepExpiredGuards(ctx)
	if err != nil {
		slog.Error("guard sweep failed",
			"component", "worker", "worker", "maintenance", "error", err)
	}

	if purged > 0 || swept > 0 {
		slog.Info("maintenance cycle completed",
			"component", "worker",
			"worker", "maintenance",
			"log_rows_purged", purged,
			"guard_rows_swept", swept,
		)
	}
}
