package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/fpmdigital/resourcesync/internal/engine"
	syncpkg "github.com/fpmdigital/resourcesync/internal/sync"
	"github.com/fpmdigital/resourcesync/internal/webhook"
)

// Signature and timestamp header names for the inbound push endpoint.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// ReceiveWebhook handles POST /api/v1/webhooks/resource. The body is read
// with a hard byte cap so an oversized payload is rejected before signature
// verification is even attempted.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	// Read one byte past the cap to distinguish "at the limit" from "over it".
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes+1))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "failed to read request body")
		return
	}

	authErr := h.auth.Verify(r.Context(), webhook.Request{
		ContentType: r.Header.Get("Content-Type"),
		Timestamp:   r.Header.Get(HeaderTimestamp),
		Signature:   r.Header.Get(HeaderSignature),
		Body:        body,
	})
	if authErr != nil {
		var ae *webhook.AuthError
		if errors.As(authErr, &ae) {
			slog.Warn("webhook rejected",
				"component", "api",
				"code", ae.Code,
				"remote_ip", r.RemoteAddr,
			)
			WriteProblem(w, r, ae.Status, ae.Detail)
			return
		}
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "body must be a JSON object")
		return
	}

	record := syncpkg.Normalize(fields)
	if record.ExternalID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "payload is missing an external id")
		return
	}

	env := syncpkg.NewEnvelope(syncpkg.SourceWebhook, record)
	if err := h.queue.Enqueue(env); err != nil {
		if errors.Is(err, engine.ErrQueueFull) {
			slog.Warn("webhook deferred, queue full",
				"component", "api",
				"external_id", record.ExternalID,
			)
			WriteProblem(w, r, http.StatusServiceUnavailable,
				"ingestion queue full, retry later")
			return
		}
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	slog.Info("webhook accepted",
		"component", "api",
		"external_id", record.ExternalID,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"status":      "enqueued",
		"external_id": record.ExternalID,
	})
}
