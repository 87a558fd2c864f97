// Package engine implements the idempotent upsert state machine and the
// ingestion queue feeding it. Every delivery path — webhook, nightly sweep,
// manual replay — converges on Engine.Process, so create/update logic has
// exactly one implementation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fpmdigital/resourcesync/internal/store"
	syncpkg "github.com/fpmdigital/resourcesync/internal/sync"
)

// ResourceStore is the record materializer: it turns a normalized field set
// into a stored content record. Implemented by store.SQLiteStore.
type ResourceStore interface {
	GetResourceByExternalID(ctx context.Context, externalID string) (*store.Resource, error)
	CreateResource(ctx context.Context, res *store.Resource) error
	UpdateResource(ctx context.Context, res *store.Resource) error
}

// Locker is the best-effort per-record lock. Acquisition races are possible;
// the staleness check below is what actually guarantees convergence.
type Locker interface {
	AcquireRecordLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseRecordLock(ctx context.Context, key string) error
}

// TermResolver maps human-readable category names to local terms and
// enforces the tag allow-list.
type TermResolver interface {
	// ResolveType ensures the single-valued type term exists and returns its
	// canonical name.
	ResolveType(ctx context.Context, name string) (string, error)
	// FilterTags splits names into allow-listed survivors and rejects.
	FilterTags(ctx context.Context, names []string) (allowed, rejected []string, err error)
}

// FileMaterializer turns a remote file reference into a stable local key and
// a content fingerprint, deduplicating identical payloads.
type FileMaterializer interface {
	Materialize(ctx context.Context, ref syncpkg.FileRef) (key, fingerprint string, err error)
}

// SyncLog receives the terminal outcome of every processed envelope.
type SyncLog interface {
	AppendSyncLog(ctx context.Context, e *syncpkg.LogEntry) (int64, error)
}

// Outcome is the structured result of processing one envelope.
type Outcome struct {
	Action      syncpkg.Action
	Status      syncpkg.Status
	LocalID     string
	Fingerprint string
	ErrorCode   string
	Message     string
}

// Engine is the upsert state machine.
type Engine struct {
	resources ResourceStore
	locks     Locker
	terms     TermResolver
	files     FileMaterializer
	log       SyncLog
	lockTTL   time.Duration
}

// NewEngine wires the state machine to its collaborators.
func NewEngine(resources ResourceStore, locks Locker, terms TermResolver,
	files FileMaterializer, log SyncLog, lockTTL time.Duration) *Engine {
	if lockTTL <= 0 {
		lockTTL = 120 * time.Second
	}
	return &Engine{
		resources: resources,
		locks:     locks,
		terms:     terms,
		files:     files,
		log:       log,
		lockTTL:   lockTTL,
	}
}

// Process runs one envelope through the state machine and appends the
// terminal outcome to the sync log. It never panics outward: unexpected
// failures surface as error(exception) rows.
func (e *Engine) Process(ctx context.Context, env syncpkg.Envelope) Outcome {
	start := time.Now()

	out := e.processGuarded(ctx, env)

	entry := &syncpkg.LogEntry{
		TS:           time.Now().UTC(),
		Source:       env.Source,
		ExternalID:   env.Record.ExternalID,
		LastModified: env.Record.LastModified,
		Action:       out.Action,
		LocalID:      out.LocalID,
		Fingerprint:  out.Fingerprint,
		Status:       out.Status,
		Attempts:     1,
		DurationMS:   time.Since(start).Milliseconds(),
		ErrorCode:    out.ErrorCode,
		Message:      out.Message,
	}
	if payload, err := env.Marshal(); err == nil {
		entry.Payload = payload
	}
	if _, err := e.log.AppendSyncLog(ctx, entry); err != nil {
		slog.Error("failed to append sync log entry",
			"component", "engine",
			"external_id", env.Record.ExternalID,
			"error", err,
		)
	}

	slog.Info("record processed",
		"component", "engine",
		"action", string(out.Action),
		"status", string(out.Status),
		"source", string(env.Source),
		"external_id", env.Record.ExternalID,
		"local_id", out.LocalID,
		"error_code", out.ErrorCode,
		"duration_ms", entry.DurationMS,
	)

	return out
}

// processGuarded converts panics in the state machine body into classified
// error outcomes. Retry is an operator decision, never automatic here.
func (e *Engine) processGuarded(ctx context.Context, env syncpkg.Envelope) (out Outcome) {
	defer func() {
		if recovered := recover(); recovered != nil {
			slog.Error("panic during upsert",
				"component", "engine",
				"external_id", env.Record.ExternalID,
				"panic", recovered,
			)
			out = Outcome{
				Action:    syncpkg.ActionError,
				Status:    syncpkg.StatusError,
				ErrorCode: syncpkg.ErrCodeException,
				Message:   fmt.Sprintf("panic: %v", recovered),
			}
		}
	}()
	return e.process(ctx, env)
}

func (e *Engine) process(ctx context.Context, env syncpkg.Envelope) Outcome {
	rec := env.Record

	// Validate
	if rec.ExternalID == "" {
		return errorOutcome(syncpkg.ErrCodeInvalidPayload, "external_id is empty")
	}
	incomingMS, err := syncpkg.ParseLastModified(rec.LastModified)
	if err != nil {
		return errorOutcome(syncpkg.ErrCodeInvalidPayload, err.Error())
	}

	// Acquire lock. On contention the caller retries via redelivery or the
	// nightly sweep; we never block.
	acquired, err := e.locks.AcquireRecordLock(ctx, rec.ExternalID, e.lockTTL)
	if err != nil {
		return errorOutcome(syncpkg.ErrCodeException, fmt.Sprintf("acquire lock: %s", err))
	}
	if !acquired {
		return Outcome{
			Action:    syncpkg.ActionSkip,
			Status:    syncpkg.StatusSkipped,
			ErrorCode: syncpkg.SkipLocked,
			Message:   "record lock held by another worker",
		}
	}
	defer func() {
		if err := e.locks.ReleaseRecordLock(ctx, rec.ExternalID); err != nil {
			slog.Warn("failed to release record lock",
				"component", "engine",
				"external_id", rec.ExternalID,
				"error", err,
			)
		}
	}()

	// Lookup
	existing, err := e.resources.GetResourceByExternalID(ctx, rec.ExternalID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return errorOutcome(syncpkg.ErrCodeException, fmt.Sprintf("lookup resource: %s", err))
	}

	creating := existing == nil
	var res *store.Resource
	if creating {
		res = &store.Resource{ExternalID: rec.ExternalID}
	} else {
		// Staleness check: strictly greater-than is required to advance.
		// This is what makes redelivery and duplicate enqueues harmless.
		if incomingMS <= existing.LastModifiedMS {
			return Outcome{
				Action:    syncpkg.ActionSkip,
				Status:    syncpkg.StatusSkipped,
				LocalID:   existing.LocalID,
				ErrorCode: syncpkg.SkipStale,
				Message: fmt.Sprintf("incoming %d <= stored %d",
					incomingMS, existing.LastModifiedMS),
			}
		}
		res = existing
	}

	// Core fields, with defaults on create. An absent field never blanks an
	// existing value on update.
	if rec.Title != "" {
		res.Title = rec.Title
	} else if creating {
		res.Title = "Untitled resource"
	}
	if rec.Summary != "" {
		res.Summary = rec.Summary
	}
	if rec.ResourceDate != "" {
		res.ResourceDate = rec.ResourceDate
	}

	// Terms: type is single-valued, replace-if-present, else leave.
	if rec.Type != "" {
		typeName, err := e.terms.ResolveType(ctx, rec.Type)
		if err != nil {
			return errorOutcome(syncpkg.ErrCodeException, fmt.Sprintf("resolve type: %s", err))
		}
		res.Type = typeName
	}

	// Tags: allow-list filtered; survivors fully replace the prior set so
	// removed tags cannot linger. A nil slice means the field was absent.
	if rec.Tags != nil {
		allowed, rejected, err := e.terms.FilterTags(ctx, rec.Tags)
		if err != nil {
			return errorOutcome(syncpkg.ErrCodeException, fmt.Sprintf("filter tags: %s", err))
		}
		for _, name := range rejected {
			slog.Warn("tag rejected by allow-list",
				"component", "engine",
				"external_id", rec.ExternalID,
				"tag", name,
			)
		}
		res.Tags = allowed
	}

	// File reference: empty reference clears, present reference materializes
	// (the materializer may dedup on fingerprint and skip the download).
	var fingerprint string
	if rec.File != nil {
		if rec.File.URL == "" {
			res.FileKey = ""
			res.FileFingerprint = ""
		} else {
			key, fp, err := e.files.Materialize(ctx, *rec.File)
			if err != nil {
				return errorOutcome(syncpkg.ErrCodePersistence,
					fmt.Sprintf("materialize file: %s", err))
			}
			res.FileKey = key
			res.FileFingerprint = fp
			fingerprint = fp
		}
	}

	// Persist, always advancing the staleness watermark.
	res.LastModified = rec.LastModified
	res.LastModifiedMS = incomingMS

	if creating {
		if err := e.resources.CreateResource(ctx, res); err != nil {
			return errorOutcome(syncpkg.ErrCodePersistence, fmt.Sprintf("create resource: %s", err))
		}
		return Outcome{
			Action:      syncpkg.ActionCreate,
			Status:      syncpkg.StatusOK,
			LocalID:     res.LocalID,
			Fingerprint: fingerprint,
		}
	}

	if err := e.resources.UpdateResource(ctx, res); err != nil {
		return errorOutcome(syncpkg.ErrCodePersistence, fmt.Sprintf("update resource: %s", err))
	}
	return Outcome{
		Action:      syncpkg.ActionUpdate,
		Status:      syncpkg.StatusOK,
		LocalID:     res.LocalID,
		Fingerprint: fingerprint,
	}
}

func errorOutcome(code, message string) Outcome {
	return Outcome{
		Action:    syncpkg.ActionError,
		Status:    syncpkg.StatusError,
		ErrorCode: code,
		Message:   message,
	}
}
