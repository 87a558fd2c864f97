// Package api is the HTTP surface: the public signed webhook endpoint, a
// health probe, and the admin group (sync log query/export/replay, manual
// reconciliation trigger).
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/fpmdigital/resourcesync/internal/reconcile"
	"github.com/fpmdigital/resourcesync/internal/store"
	syncpkg "github.com/fpmdigital/resourcesync/internal/sync"
	"github.com/fpmdigital/resourcesync/internal/webhook"
)

// Enqueuer feeds envelopes into the ingestion queue.
type Enqueuer interface {
	Enqueue(env syncpkg.Envelope) error
	Depth() int
}

// SyncLogStore is the read surface the admin endpoints need.
// Implemented by store.SQLiteStore.
type SyncLogStore interface {
	QuerySyncLog(ctx context.Context, f store.SyncLogFilter) ([]syncpkg.LogEntry, int64, error)
	GetSyncLogEntry(ctx context.Context, id int64) (*syncpkg.LogEntry, error)
	CountResources(ctx context.Context) (int64, error)
}

// Reconciler triggers a reconciliation run. Implemented by
// reconcile.Orchestrator.
type Reconciler interface {
	RunOnce(ctx context.Context) reconcile.Summary
}

// Handler implements the API handlers
type Handler struct {
	auth         *webhook.Authenticator
	queue        Enqueuer
	store        SyncLogStore
	reconciler   Reconciler
	adminAPIKey  string
	maxBodyBytes int64
	version      string
}

// NewHandler creates a new Handler.
func NewHandler(auth *webhook.Authenticator, queue Enqueuer, s SyncLogStore, rec Reconciler, adminAPIKey string, maxBodyBytes int64, version string) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &Handler{
		auth:         auth,
		queue:        queue,
		store:        s,
		reconciler:   rec,
		adminAPIKey:  adminAPIKey,
		maxBodyBytes: maxBodyBytes,
		version:      version,
	}
}

// HealthResponse is the health probe body.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	ResourceCount int64  `json:"resource_count"`
	QueueDepth    int    `json:"queue_depth"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.CountResources(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	resp := HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		ResourceCount: count,
		QueueDepth:    h.queue.Depth(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
