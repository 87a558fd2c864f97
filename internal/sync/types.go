// Package sync defines the shared types flowing between the webhook surface,
// the ingestion queue, the upsert engine and the sync log.
package sync

import (
	"encoding/json"
	"time"
)

// Source identifies which path produced a sync event.
type Source string

const (
	SourceWebhook      Source = "webhook"
	SourceNightly      Source = "nightly"
	SourceManualReplay Source = "manual-replay"
)

// Action is the terminal outcome of processing one record.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionSkip   Action = "skip"
	ActionDelete Action = "delete"
	ActionError  Action = "error"
)

// Status classifies a sync log row for filtering.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// Skip reasons and error codes recorded in sync log rows.
const (
	SkipStale  = "stale"
	SkipLocked = "locked"

	ErrCodeInvalidPayload = "invalid_payload"
	ErrCodeException      = "exception"
	ErrCodePersistence    = "persistence_failed"
)

// FileRef is a remote file reference carried in a normalized record.
// A non-nil FileRef with an empty URL clears any existing file association.
type FileRef struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
}

// NormalizedRecord is the canonical field set produced by normalization.
// It is the only shape the upsert engine accepts, whichever path delivered it.
type NormalizedRecord struct {
	ExternalID   string   `json:"external_id"`
	Title        string   `json:"title"`
	Summary      string   `json:"summary,omitempty"`
	ResourceDate string   `json:"resource_date,omitempty"`
	Type         string   `json:"type,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	File         *FileRef `json:"file,omitempty"`
	LastModified string   `json:"last_modified"`
}

// EnvelopeVersion is the current replay envelope schema version.
const EnvelopeVersion = 1

// Envelope is the versioned payload stored in the sync log and carried through
// the ingestion queue. Old rows remain replayable as long as their version is
// understood; there is exactly one canonical encoding (JSON).
type Envelope struct {
	Version    int              `json:"version"`
	Source     Source           `json:"source"`
	ReceivedAt time.Time        `json:"received_at"`
	Record     NormalizedRecord `json:"record"`
}

// NewEnvelope wraps a normalized record in a current-version envelope.
func NewEnvelope(source Source, record NormalizedRecord) Envelope {
	return Envelope{
		Version:    EnvelopeVersion,
		Source:     source,
		ReceivedAt: time.Now().UTC(),
		Record:     record,
	}
}

// LogEntry is one append-only sync log row. Payload holds the full envelope so
// a failed row can be re-enqueued without contacting the remote source.
type LogEntry struct {
	ID           int64           `json:"id"`
	TS           time.Time       `json:"ts"`
	Source       Source          `json:"source"`
	ExternalID   string          `json:"external_id"`
	LastModified string          `json:"last_modified"`
	Action       Action          `json:"action"`
	LocalID      string          `json:"local_id,omitempty"`
	Fingerprint  string          `json:"fingerprint,omitempty"`
	Status       Status          `json:"status"`
	Attempts     int             `json:"attempts"`
	DurationMS   int64           `json:"duration_ms"`
	ErrorCode    string          `json:"error_code,omitempty"`
	Message      string          `json:"message,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}
