package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fpmdigital/resourcesync/internal/store"
	syncpkg "github.com/fpmdigital/resourcesync/internal/sync"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	exportBatchSize = 500
)

// SyncLogResponse is the paged query result.
type SyncLogResponse struct {
	Entries []syncpkg.LogEntry `json:"entries"`
	Total   int64              `json:"total"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

// QuerySyncLog handles GET /api/v1/sync-log.
func (h *Handler) QuerySyncLog(w http.ResponseWriter, r *http.Request) {
	f := store.SyncLogFilter{
		Status: r.URL.Query().Get("status"),
		Source: r.URL.Query().Get("source"),
		Search: r.URL.Query().Get("q"),
		Limit:  defaultPageSize,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			WriteProblem(w, r, http.StatusBadRequest,
				fmt.Sprintf("limit must be between 1 and %d", maxPageSize))
			return
		}
		f.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteProblem(w, r, http.StatusBadRequest, "offset must be non-negative")
			return
		}
		f.Offset = n
	}

	entries, total, err := h.store.QuerySyncLog(r.Context(), f)
	if err != nil {
		slog.Error("sync log query failed", "component", "api", "error", err)
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SyncLogResponse{
		Entries: entries,
		Total:   total,
		Limit:   f.Limit,
		Offset:  f.Offset,
	})
}

// csvExportHeader is the column order of the CSV export.
var csvExportHeader = []string{
	"id", "ts", "source", "external_id", "last_modified", "action",
	"local_id", "fingerprint", "status", "attempts", "duration_ms",
	"error_code", "message",
}

// ExportSyncLog handles GET /api/v1/sync-log/export: a streamed CSV of the
// filtered log. The sort column is validated against the store's allow-list;
// every cell is neutralized against spreadsheet formula injection.
func (h *Handler) ExportSyncLog(w http.ResponseWriter, r *http.Request) {
	f := store.SyncLogFilter{
		Status: r.URL.Query().Get("status"),
		Source: r.URL.Query().Get("source"),
		Search: r.URL.Query().Get("q"),
	}
	if v := r.URL.Query().Get("sort"); v != "" {
		if !store.SortableSyncLogColumn(v) {
			WriteProblem(w, r, http.StatusBadRequest,
				fmt.Sprintf("cannot sort by %q", v))
			return
		}
		f.SortBy = v
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="sync-log.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	if err := cw.Write(csvExportHeader); err != nil {
		return
	}

	f.Limit = exportBatchSize
	for {
		entries, _, err := h.store.QuerySyncLog(r.Context(), f)
		if err != nil {
			// Headers are gone; all we can do is stop the stream and log.
			slog.Error("sync log export failed", "component", "api", "error", err)
			return
		}
		for _, e := range entries {
			row := []string{
				strconv.FormatInt(e.ID, 10),
				e.TS.UTC().Format("2006-01-02 15:04:05"),
				string(e.Source),
				e.ExternalID,
				e.LastModified,
				string(e.Action),
				e.LocalID,
				e.Fingerprint,
				string(e.Status),
				strconv.Itoa(e.Attempts),
				strconv.FormatInt(e.DurationMS, 10),
				e.ErrorCode,
				e.Message,
			}
			for i := range row {
				row[i] = neutralizeCSVCell(row[i])
			}
			if err := cw.Write(row); err != nil {
				return
			}
		}
		if len(entries) < exportBatchSize {
			break
		}
		f.Offset += exportBatchSize
	}
	cw.Flush()
}

// neutralizeCSVCell prefixes cells that a spreadsheet would evaluate as a
// formula with a single quote.
func neutralizeCSVCell(cell string) string {
	if cell == "" {
		return cell
	}
	switch cell[0] {
	case '=', '+', '-', '@':
		return "'" + cell
	}
	return cell
}

// ReplaySyncLogEntry handles POST /api/v1/sync-log/{id}/replay: validates the
// stored envelope and re-enqueues it with source manual-replay.
func (h *Handler) ReplaySyncLogEntry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "id must be an integer")
		return
	}

	entry, err := h.store.GetSyncLogEntry(r.Context(), id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if len(entry.Payload) == 0 {
		WriteProblem(w, r, http.StatusBadRequest,
			"log entry carries no replayable payload")
		return
	}

	env, err := syncpkg.ParseEnvelope(entry.Payload)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest,
			fmt.Sprintf("stored payload is not replayable: %s", err))
		return
	}

	env.Source = syncpkg.SourceManualReplay
	if err := h.queue.Enqueue(env); err != nil {
		WriteProblem(w, r, http.StatusServiceUnavailable,
			"ingestion queue full, retry later")
		return
	}

	slog.Info("sync log entry replayed",
		"component", "api",
		"log_id", id,
		"external_id", env.Record.ExternalID,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "enqueued",
		"log_id":      id,
		"external_id": env.Record.ExternalID,
	})
}

// TriggerReconcile handles POST /api/v1/reconcile/run: kicks off a
// reconciliation run in the background. A run already in flight reports
// itself as skipped in its own summary; the trigger always answers 202.
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	go h.reconciler.RunOnce(contextWithoutCancel(r))

	slog.Info("manual reconciliation triggered",
		"component", "api",
		"remote_ip", r.RemoteAddr,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "started"})
}

// contextWithoutCancel detaches the run from the request lifetime; the client
// disconnecting must not abort a sweep already underway.
func contextWithoutCancel(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
