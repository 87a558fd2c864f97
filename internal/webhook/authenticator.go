// Package webhook authenticates inbound push notifications: HMAC signature
// verification with secret rotation, timestamp freshness, and replay
// detection via a time-bounded content-addressed guard.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Rejection codes, in check order. Each is a hard fail.
const (
	CodePayloadTooLarge    = "payload_too_large"
	CodeInvalidContentType = "invalid_content_type"
	CodeInvalidTimestamp   = "invalid_timestamp"
	CodeStaleRequest       = "stale_request"
	CodeBadSignatureFormat = "bad_signature_format"
	CodeServerMisconfig    = "server_misconfig"
	CodeBadSignature       = "bad_signature"
	CodeReplayDetected     = "replay_detected"
)

// AuthError is a classified rejection. Status is the HTTP status the surface
// layer should answer with.
type AuthError struct {
	Code   string
	Status int
	Detail string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func reject(code string, status int, detail string) *AuthError {
	return &AuthError{Code: code, Status: status, Detail: detail}
}

// ReplayGuard is the time-bounded cache preventing re-processing of an
// already-seen authenticated push. Implemented by store.SQLiteStore.
type ReplayGuard interface {
	CheckAndMarkReplay(ctx context.Context, signature []byte, ttl time.Duration) (bool, error)
}

// Options configures an Authenticator.
type Options struct {
	// MaxBodyBytes caps the raw body size. Checked before anything else.
	MaxBodyBytes int64
	// PrimarySecret and SecondarySecret are tried in order; either match
	// accepts, which is what makes zero-downtime rotation possible.
	PrimarySecret   string
	SecondarySecret string
	// PastTolerance/FutureTolerance bound the freshness window. The window is
	// asymmetric: queues delay requests far more than clocks drift.
	PastTolerance   time.Duration
	FutureTolerance time.Duration
	// ReplayTTL must be at least the freshness window, so a replay can never
	// outlive the guard entry that would have caught it.
	ReplayTTL time.Duration
}

// Authenticator verifies inbound push authenticity and freshness. Stateless
// except for the replay guard.
type Authenticator struct {
	opts  Options
	guard ReplayGuard
	now   func() time.Time
}

// NewAuthenticator builds an Authenticator. A nil now func defaults to
// time.Now; tests inject a fixed clock.
func NewAuthenticator(opts Options, guard ReplayGuard, now func() time.Time) *Authenticator {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.PastTolerance <= 0 {
		opts.PastTolerance = 300 * time.Second
	}
	if opts.FutureTolerance <= 0 {
		opts.FutureTolerance = 60 * time.Second
	}
	if opts.ReplayTTL < opts.PastTolerance {
		opts.ReplayTTL = opts.PastTolerance
	}
	if now == nil {
		now = time.Now
	}
	return &Authenticator{opts: opts, guard: guard, now: now}
}

// Request carries the pieces of an inbound push the authenticator inspects.
type Request struct {
	ContentType string
	Timestamp   string
	Signature   string
	Body        []byte
}

// Verify runs the check sequence and returns nil on acceptance or an
// *AuthError naming the first failure.
func (a *Authenticator) Verify(ctx context.Context, req Request) error {
	if int64(len(req.Body)) > a.opts.MaxBodyBytes {
		return reject(CodePayloadTooLarge, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("body exceeds %d bytes", a.opts.MaxBodyBytes))
	}

	if mediaType(req.ContentType) != "application/json" {
		return reject(CodeInvalidContentType, http.StatusUnsupportedMediaType,
			"Content-Type must be application/json")
	}

	tsSeconds, err := parseTimestamp(req.Timestamp)
	if err != nil {
		return reject(CodeInvalidTimestamp, http.StatusBadRequest, err.Error())
	}

	now := a.now().Unix()
	if now-tsSeconds > int64(a.opts.PastTolerance.Seconds()) ||
		tsSeconds-now > int64(a.opts.FutureTolerance.Seconds()) {
		return reject(CodeStaleRequest, http.StatusBadRequest,
			"timestamp outside the freshness window")
	}

	sig, err := decodeSignature(req.Signature)
	if err != nil {
		return reject(CodeBadSignatureFormat, http.StatusBadRequest, err.Error())
	}

	secrets := a.secrets()
	if len(secrets) == 0 {
		return reject(CodeServerMisconfig, http.StatusInternalServerError,
			"no webhook secret configured")
	}

	if !a.signatureMatches(req.Timestamp, req.Body, sig, secrets) {
		return reject(CodeBadSignature, http.StatusForbidden, "signature mismatch")
	}

	admitted, err := a.guard.CheckAndMarkReplay(ctx, sig, a.opts.ReplayTTL)
	if err != nil {
		return reject(CodeServerMisconfig, http.StatusInternalServerError,
			fmt.Sprintf("replay guard unavailable: %s", err))
	}
	if !admitted {
		return reject(CodeReplayDetected, http.StatusConflict,
			"identical signed request already processed")
	}

	return nil
}

// secrets returns the configured secrets, primary first.
func (a *Authenticator) secrets() [][]byte {
	var out [][]byte
	if a.opts.PrimarySecret != "" {
		out = append(out, []byte(a.opts.PrimarySecret))
	}
	if a.opts.SecondarySecret != "" {
		out = append(out, []byte(a.opts.SecondarySecret))
	}
	return out
}

// signatureMatches computes HMAC-SHA256(timestamp + "." + body) per secret and
// compares in constant time. Any match is acceptance.
func (a *Authenticator) signatureMatches(timestamp string, body, sig []byte, secrets [][]byte) bool {
	matched := false
	for _, secret := range secrets {
		mac := hmac.New(sha256.New, secret)
		mac.Write([]byte(timestamp))
		mac.Write([]byte("."))
		mac.Write(body)
		if hmac.Equal(mac.Sum(nil), sig) {
			matched = true
		}
	}
	return matched
}

// parseTimestamp accepts a pure base-10 integer in seconds or milliseconds
// and normalizes to seconds. Values at or above 1e12 are milliseconds.
func parseTimestamp(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("timestamp header missing")
	}
	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ts <= 0 {
		return 0, fmt.Errorf("timestamp %q is not a positive base-10 integer", value)
	}
	if ts >= 1_000_000_000_000 {
		ts /= 1000
	}
	return ts, nil
}

// decodeSignature accepts hex or base64 (standard or URL-safe) and requires
// the decoded digest to be SHA-256 sized.
func decodeSignature(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("signature header missing")
	}
	// Providers commonly prefix hex signatures with the algorithm name.
	value = strings.TrimPrefix(value, "sha256=")

	if b, err := hex.DecodeString(value); err == nil && len(b) == sha256.Size {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(value); err == nil && len(b) == sha256.Size {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(value); err == nil && len(b) == sha256.Size {
		return b, nil
	}
	return nil, fmt.Errorf("signature is neither hex nor base64 of a 32-byte digest")
}

// mediaType strips parameters like charset from a Content-Type header.
func mediaType(contentType string) string {
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
