// Package reconcile runs the nightly two-stage delta reconciliation: a
// cursor-driven upsert sweep through the shared ingestion queue, then a
// full-id-set diff that soft-deletes records the remote no longer has.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fpmdigital/resourcesync/internal/notify"
	"github.com/fpmdigital/resourcesync/internal/remote"
	"github.com/fpmdigital/resourcesync/internal/store"
	syncpkg "github.com/fpmdigital/resourcesync/internal/sync"
)

// Enqueuer feeds normalized records into the ingestion queue. Stage 1 never
// writes to local storage directly.
type Enqueuer interface {
	Enqueue(env syncpkg.Envelope) error
}

// RemoteSource is the paged read surface of the system of record.
// Implemented by remote.Client.
type RemoteSource interface {
	ListChangedSince(ctx context.Context, since time.Time, maxItems int, fn func(records []remote.Record) error) (int, error)
	ListAllIDs(ctx context.Context) ([]string, error)
}

// Store is the persistence surface the orchestrator needs.
// Implemented by store.SQLiteStore.
type Store interface {
	GetDeltaCursor(ctx context.Context) (time.Time, error)
	SetDeltaCursor(ctx context.Context, t time.Time) error
	ListActiveExternalIDs(ctx context.Context) ([]string, error)
	SoftDeleteResource(ctx context.Context, externalID string) (string, error)
	AppendSyncLog(ctx context.Context, e *syncpkg.LogEntry) (int64, error)
}

// Summary aggregates one run for the notification sink.
type Summary struct {
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	Enqueued        int       `json:"enqueued"`
	Deleted         int       `json:"deleted"`
	DeletionAborted bool      `json:"deletion_aborted"`
	Skipped         bool      `json:"skipped,omitempty"`
	Errors          []string  `json:"errors,omitempty"`
}

// Failed reports whether the run should be framed as a failure.
func (s Summary) Failed() bool {
	return len(s.Errors) > 0
}

// Orchestrator is the nightly job. Not reentrant: a run that starts while
// another is in flight is skipped, which is how the schedule and the manual
// trigger coexist without a distributed lock.
type Orchestrator struct {
	remote   RemoteSource
	queue    Enqueuer
	store    Store
	notifier notify.Notifier
	maxItems int
	running  atomic.Bool
	now      func() time.Time
}

// NewOrchestrator wires the job. maxItems caps the stage-1 sweep; a nil now
// func defaults to time.Now.
func NewOrchestrator(src RemoteSource, queue Enqueuer, s Store, notifier notify.Notifier, maxItems int, now func() time.Time) *Orchestrator {
	if maxItems <= 0 {
		maxItems = 5000
	}
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		remote:   src,
		queue:    queue,
		store:    s,
		notifier: notifier,
		maxItems: maxItems,
		now:      now,
	}
}

// RunOnce executes one full reconciliation run and always emits a summary
// notification. A stage error aborts the run early; the next scheduled or
// manual invocation starts clean.
func (o *Orchestrator) RunOnce(ctx context.Context) Summary {
	start := o.now().UTC()
	summary := Summary{StartedAt: start}

	if !o.running.CompareAndSwap(false, true) {
		slog.Warn("reconciliation already in flight, skipping",
			"component", "reconcile")
		summary.Skipped = true
		summary.FinishedAt = o.now().UTC()
		return summary
	}
	defer o.running.Store(false)

	slog.Info("reconciliation run started", "component", "reconcile")

	if err := o.stageUpserts(ctx, start, &summary); err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("stage 1: %s", err))
		slog.Error("stage 1 failed, aborting run",
			"component", "reconcile", "error", err)
	} else {
		o.stageDeletions(ctx, &summary)
	}

	summary.FinishedAt = o.now().UTC()
	o.emitSummary(ctx, summary)

	slog.Info("reconciliation run finished",
		"component", "reconcile",
		"enqueued", summary.Enqueued,
		"deleted", summary.Deleted,
		"deletion_aborted", summary.DeletionAborted,
		"errors", len(summary.Errors),
		"duration_ms", summary.FinishedAt.Sub(summary.StartedAt).Milliseconds(),
	)
	return summary
}

// stageUpserts sweeps records changed since the cursor into the queue. The
// cursor advances to the run's start time, not its end, so changes landing
// mid-run are re-read next time — harmless, the upsert path is idempotent.
func (o *Orchestrator) stageUpserts(ctx context.Context, start time.Time, summary *Summary) error {
	cursor, err := o.store.GetDeltaCursor(ctx)
	if errors.Is(err, store.ErrNotFound) {
		cursor = start.Add(-24 * time.Hour)
	} else if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}

	slog.Info("stage 1 sweep started",
		"component", "reconcile",
		"cursor", cursor.Format(time.RFC3339),
		"max_items", o.maxItems,
	)

	enqueued, err := o.remote.ListChangedSince(ctx, cursor, o.maxItems, func(records []remote.Record) error {
		for _, rec := range records {
			normalized := syncpkg.Normalize(rec.Fields)
			if normalized.ExternalID == "" {
				normalized.ExternalID = rec.ID
			}
			if err := o.queue.Enqueue(syncpkg.NewEnvelope(syncpkg.SourceNightly, normalized)); err != nil {
				return fmt.Errorf("enqueue %s: %w", normalized.ExternalID, err)
			}
		}
		return nil
	})
	summary.Enqueued = enqueued
	if err != nil {
		return err
	}

	if err := o.store.SetDeltaCursor(ctx, start); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// stageDeletions soft-deletes local records missing from the complete remote
// id set. An empty remote set aborts the stage: a transient fetch failure is
// far more likely than a true everything-was-removed event.
func (o *Orchestrator) stageDeletions(ctx context.Context, summary *Summary) {
	remoteIDs, err := o.remote.ListAllIDs(ctx)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("stage 2: fetch remote ids: %s", err))
		slog.Error("stage 2 failed", "component", "reconcile", "error", err)
		return
	}
	if len(remoteIDs) == 0 {
		summary.DeletionAborted = true
		summary.Errors = append(summary.Errors, "stage 2 aborted: remote id set came back empty")
		slog.Warn("stage 2 aborted: empty remote id set",
			"component", "reconcile")
		return
	}

	localIDs, err := o.store.ListActiveExternalIDs(ctx)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("stage 2: list local ids: %s", err))
		slog.Error("stage 2 failed", "component", "reconcile", "error", err)
		return
	}

	remoteSet := make(map[string]struct{}, len(remoteIDs))
	for _, id := range remoteIDs {
		remoteSet[id] = struct{}{}
	}

	for _, id := range localIDs {
		if _, present := remoteSet[id]; present {
			continue
		}
		localID, err := o.store.SoftDeleteResource(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // already deleted by a concurrent path
			}
			summary.Errors = append(summary.Errors, fmt.Sprintf("soft-delete %s: %s", id, err))
			slog.Error("soft delete failed",
				"component", "reconcile", "external_id", id, "error", err)
			continue
		}

		summary.Deleted++
		if _, err := o.store.AppendSyncLog(ctx, &syncpkg.LogEntry{
			TS:         time.Now().UTC(),
			Source:     syncpkg.SourceNightly,
			ExternalID: id,
			Action:     syncpkg.ActionDelete,
			LocalID:    localID,
			Status:     syncpkg.StatusOK,
			Attempts:   1,
			Message:    "absent from remote id set",
		}); err != nil {
			slog.Error("failed to log soft delete",
				"component", "reconcile", "external_id", id, "error", err)
		}
	}
}

// emitSummary always notifies, with distinct framing for success vs failure.
func (o *Orchestrator) emitSummary(ctx context.Context, summary Summary) {
	subject := "Resource sync completed"
	if summary.Failed() {
		subject = "Resource sync FAILED"
	}
	if err := o.notifier.Notify(ctx, subject, summary); err != nil {
		slog.Error("failed to send run summary",
			"component", "reconcile", "error", err)
	}
}
