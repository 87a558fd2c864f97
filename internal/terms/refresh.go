package terms

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fpmdigital/resourcesync/internal/store"
)

// AllowlistStore persists the approved tag set and its revalidation state.
type AllowlistStore interface {
	ReplaceTagAllowlist(ctx context.Context, names []string) error
	GetSyncMeta(ctx context.Context, key string) (string, error)
	SetSyncMeta(ctx context.Context, key, value string) error
}

// AllowlistSource fetches the approved tag names from the remote governance
// table. Implemented by remote.Client.
type AllowlistSource interface {
	ListApprovedTags(ctx context.Context, etag string) (tags []string, newETag string, notModified bool, err error)
}

// RefreshCoordinator keeps the local tag allow-list aligned with the remote
// governance table on an hourly cadence, revalidating with the stored ETag so
// an unchanged list costs one conditional request.
type RefreshCoordinator struct {
	store    AllowlistStore
	source   AllowlistSource
	interval time.Duration
}

// NewRefreshCoordinator creates the coordinator.
func NewRefreshCoordinator(s AllowlistStore, source AllowlistSource, interval time.Duration) *RefreshCoordinator {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RefreshCoordinator{store: s, source: source, interval: interval}
}

// Run starts the coordinator loop. Refreshes immediately on start so a fresh
// deployment is not tagless for an hour, then on each tick.
func (c *RefreshCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "allowlist-refresh",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "allowlist-refresh",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// Refresh performs one allow-list sync. Failures are logged and retried on
// the next tick; the stale local list keeps serving in the meantime.
func (c *RefreshCoordinator) Refresh(ctx context.Context) {
	etag, err := c.store.GetSyncMeta(ctx, store.MetaAllowlistETag)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("failed to read allowlist etag",
			"component", "worker", "worker", "allowlist-refresh", "error", err)
		return
	}

	tags, newETag, notModified, err := c.source.ListApprovedTags(ctx, etag)
	if err != nil {
		slog.Error("allowlist refresh failed",
			"component", "worker", "worker", "allowlist-refresh", "error", err)
		return
	}
	if notModified {
		slog.Debug("allowlist unchanged",
			"component", "worker", "worker", "allowlist-refresh")
		return
	}

	if err := c.store.ReplaceTagAllowlist(ctx, tags); err != nil {
		slog.Error("failed to replace allowlist",
			"component", "worker", "worker", "allowlist-refresh", "error", err)
		return
	}
	if newETag != "" {
		if err := c.store.SetSyncMeta(ctx, store.MetaAllowlistETag, newETag); err != nil {
			slog.Warn("failed to store allowlist etag",
				"component", "worker", "worker", "allowlist-refresh", "error", err)
		}
	}

	slog.Info("allowlist refreshed",
		"component", "worker",
		"worker", "allowlist-refresh",
		"tags", len(tags),
	)
}
