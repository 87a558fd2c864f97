package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fpmdigital/resourcesync/internal/engine"
	"github.com/fpmdigital/resourcesync/internal/reconcile"
	"github.com/fpmdigital/resourcesync/internal/store"
	syncpkg "github.com/fpmdigital/resourcesync/internal/sync"
	"github.com/fpmdigital/resourcesync/internal/webhook"
)

const (
	testSecret   = "test-webhook-secret"
	testAdminKey = "test-admin-key"
)

type fakeGuard struct{ admit bool }

func (g *fakeGuard) CheckAndMarkReplay(ctx context.Context, sig []byte, ttl time.Duration) (bool, error) {
	return g.admit, nil
}

type fakeEnqueuer struct {
	envs []syncpkg.Envelope
	err  error
}

func (f *fakeEnqueuer) Enqueue(env syncpkg.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.envs = append(f.envs, env)
	return nil
}

func (f *fakeEnqueuer) Depth() int { return len(f.envs) }

type fakeSyncLogStore struct {
	entries []syncpkg.LogEntry
	entry   *syncpkg.LogEntry
	lastF   store.SyncLogFilter
	calls   int
}

func (f *fakeSyncLogStore) QuerySyncLog(ctx context.Context, filter store.SyncLogFilter) ([]syncpkg.LogEntry, int64, error) {
	f.calls++
	f.lastF = filter
	if f.calls > 1 {
		// Export pagination: one batch only
		return nil, int64(len(f.entries)), nil
	}
	return f.entries, int64(len(f.entries)), nil
}

func (f *fakeSyncLogStore) GetSyncLogEntry(ctx context.Context, id int64) (*syncpkg.LogEntry, error) {
	if f.entry == nil || f.entry.ID != id {
		return nil, store.ErrNotFound
	}
	return f.entry, nil
}

func (f *fakeSyncLogStore) CountResources(ctx context.Context) (int64, error) {
	return 7, nil
}

type fakeReconciler struct {
	ran chan struct{}
}

func (f *fakeReconciler) RunOnce(ctx context.Context) reconcile.Summary {
	if f.ran != nil {
		f.ran <- struct{}{}
	}
	return reconcile.Summary{}
}

func newTestRouter(queue *fakeEnqueuer, logStore *fakeSyncLogStore, rec *fakeReconciler, admit bool) http.Handler {
	auth := webhook.NewAuthenticator(webhook.Options{
		PrimarySecret: testSecret,
	}, &fakeGuard{admit: admit}, nil)
	h := NewHandler(auth, queue, logStore, rec, testAdminKey, 1<<20, "test")
	return NewRouter(h)
}

func signedWebhookRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/resource", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestWebhook_Accepted(t *testing.T) {
	queue := &fakeEnqueuer{}
	router := newTestRouter(queue, &fakeSyncLogStore{}, &fakeReconciler{}, true)

	body := []byte(`{"external_id":"rec_42","title":"Budget Report","last_modified":"2024-01-01T00:00:00.000Z"}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedWebhookRequest(t, body))

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(queue.envs) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(queue.envs))
	}
	env := queue.envs[0]
	if env.Source != syncpkg.SourceWebhook {
		t.Errorf("expected webhook source, got %s", env.Source)
	}
	if env.Record.ExternalID != "rec_42" || env.Record.Title != "Budget Report" {
		t.Errorf("unexpected record: %+v", env.Record)
	}
}

func TestWebhook_BadSignature(t *testing.T) {
	queue := &fakeEnqueuer{}
	router := newTestRouter(queue, &fakeSyncLogStore{}, &fakeReconciler{}, true)

	req := signedWebhookRequest(t, []byte(`{"external_id":"rec_1","last_modified":"2024-01-01T00:00:00Z"}`))
	req.Header.Set(HeaderSignature, hex.EncodeToString(make([]byte, 32)))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
	if len(queue.envs) != 0 {
		t.Error("nothing may be enqueued for a forged request")
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem response, got %q", ct)
	}
}

func TestWebhook_Replay(t *testing.T) {
	router := newTestRouter(&fakeEnqueuer{}, &fakeSyncLogStore{}, &fakeReconciler{}, false)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedWebhookRequest(t, []byte(`{"external_id":"rec_1","last_modified":"2024-01-01T00:00:00Z"}`)))
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestWebhook_WrongContentType(t *testing.T) {
	router := newTestRouter(&fakeEnqueuer{}, &fakeSyncLogStore{}, &fakeReconciler{}, true)

	req := signedWebhookRequest(t, []byte(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("expected 415, got %d", w.Code)
	}
}

func TestWebhook_OversizedBody(t *testing.T) {
	auth := webhook.NewAuthenticator(webhook.Options{
		MaxBodyBytes:  64,
		PrimarySecret: testSecret,
	}, &fakeGuard{admit: true}, nil)
	h := NewHandler(auth, &fakeEnqueuer{}, &fakeSyncLogStore{}, &fakeReconciler{}, testAdminKey, 64, "test")
	router := NewRouter(h)

	body := bytes.Repeat([]byte("x"), 100)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/resource", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	// No signature headers at all: the size check must still win
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
}

func TestWebhook_InvalidJSONBody(t *testing.T) {
	router := newTestRouter(&fakeEnqueuer{}, &fakeSyncLogStore{}, &fakeReconciler{}, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedWebhookRequest(t, []byte(`[1,2,3]`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-object body, got %d", w.Code)
	}
}

func TestWebhook_MissingExternalID(t *testing.T) {
	router := newTestRouter(&fakeEnqueuer{}, &fakeSyncLogStore{}, &fakeReconciler{}, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedWebhookRequest(t, []byte(`{"title":"No id"}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestWebhook_QueueFull(t *testing.T) {
	queue := &fakeEnqueuer{err: engine.ErrQueueFull}
	router := newTestRouter(queue, &fakeSyncLogStore{}, &fakeReconciler{}, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedWebhookRequest(t, []byte(`{"external_id":"rec_1","last_modified":"2024-01-01T00:00:00Z"}`)))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	router := newTestRouter(&fakeEnqueuer{}, &fakeSyncLogStore{}, &fakeReconciler{}, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "healthy" || resp.ResourceCount != 7 {
		t.Errorf("unexpected health response: %+v", resp)
	}
}

func adminRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	return req
}

func TestAdmin_RequiresAuth(t *testing.T) {
	router := newTestRouter(&fakeEnqueuer{}, &fakeSyncLogStore{}, &fakeReconciler{}, true)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/sync-log"},
		{http.MethodGet, "/api/v1/sync-log/export"},
		{http.MethodPost, "/api/v1/sync-log/1/replay"},
		{http.MethodPost, "/api/v1/reconcile/run"},
	}
	for _, p := range paths {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(p.method, p.path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token: expected 401, got %d", p.method, p.path, w.Code)
		}

		w = httptest.NewRecorder()
		req := httptest.NewRequest(p.method, p.path, nil)
		req.Header.Set("Authorization", "Bearer wrong-key")
		router.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s with wrong token: expected 401, got %d", p.method, p.path, w.Code)
		}
	}
}

func TestSyncLog_Query(t *testing.T) {
	logStore := &fakeSyncLogStore{entries: []syncpkg.LogEntry{
		{ID: 1, Source: syncpkg.SourceWebhook, ExternalID: "rec_1",
			Action: syncpkg.ActionCreate, Status: syncpkg.StatusOK},
	}}
	router := newTestRouter(&fakeEnqueuer{}, logStore, &fakeReconciler{}, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, adminRequest(http.MethodGet, "/api/v1/sync-log?status=ok&source=webhook&q=rec&limit=10&offset=5"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if logStore.lastF.Status != "ok" || logStore.lastF.Source != "webhook" ||
		logStore.lastF.Search != "rec" || logStore.lastF.Limit != 10 || logStore.lastF.Offset != 5 {
		t.Errorf("filter not passed through: %+v", logStore.lastF)
	}

	var resp SyncLogResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 || len(resp.Entries) != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestSyncLog_QueryBadPaging(t *testing.T) {
	router := newTestRouter(&fakeEnqueuer{}, &fakeSyncLogStore{}, &fakeReconciler{}, true)

	for _, q := range []string{"limit=0", "limit=9999", "limit=abc", "offset=-1"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, adminRequest(http.MethodGet, "/api/v1/sync-log?"+q))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestSyncLog_ExportNeutralizesCells(t *testing.T) {
	logStore := &fakeSyncLogStore{entries: []syncpkg.LogEntry{
		{ID: 1, Source: syncpkg.SourceWebhook, ExternalID: "=HYPERLINK(\"http://evil\")",
			Action: syncpkg.ActionError, Status: syncpkg.StatusError,
			Message: "+SUM(A1:A9)"},
	}}
	router := newTestRouter(&fakeEnqueuer{}, logStore, &fakeReconciler{}, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, adminRequest(http.MethodGet, "/api/v1/sync-log/export"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("expected CSV content type, got %q", ct)
	}

	out := w.Body.String()
	if !strings.Contains(out, `"'=HYPERLINK(""http://evil"")"`) {
		t.Errorf("formula cell not neutralized:\n%s", out)
	}
	if !strings.Contains(out, "'+SUM(A1:A9)") {
		t.Errorf("plus-prefixed cell not neutralized:\n%s", out)
	}
	if !strings.HasPrefix(out, "id,ts,source,external_id") {
		t.Errorf("missing header row:\n%s", out)
	}
}

func TestSyncLog_ExportRejectsUnknownSort(t *testing.T) {
	router := newTestRouter(&fakeEnqueuer{}, &fakeSyncLogStore{}, &fakeReconciler{}, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, adminRequest(http.MethodGet, "/api/v1/sync-log/export?sort=payload"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for disallowed sort column, got %d", w.Code)
	}
}

func TestSyncLog_Replay(t *testing.T) {
	env := syncpkg.NewEnvelope(syncpkg.SourceWebhook, syncpkg.NormalizedRecord{
		ExternalID:   "rec_42",
		Title:        "Budget Report",
		LastModified: "2024-01-01T00:00:00Z",
	})
	payload, err := env.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	queue := &fakeEnqueuer{}
	logStore := &fakeSyncLogStore{entry: &syncpkg.LogEntry{ID: 5, Payload: payload}}
	router := newTestRouter(queue, logStore, &fakeReconciler{}, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, adminRequest(http.MethodPost, "/api/v1/sync-log/5/replay"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(queue.envs) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(queue.envs))
	}
	if queue.envs[0].Source != syncpkg.SourceManualReplay {
		t.Errorf("expected manual-replay source, got %s", queue.envs[0].Source)
	}
	if queue.envs[0].Record.ExternalID != "rec_42" {
		t.Errorf("unexpected record: %+v", queue.envs[0].Record)
	}
}

func TestSyncLog_ReplayNotFound(t *testing.T) {
	router := newTestRouter(&fakeEnqueuer{}, &fakeSyncLogStore{}, &fakeReconciler{}, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, adminRequest(http.MethodPost, "/api/v1/sync-log/99/replay"))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestSyncLog_ReplayCorruptPayload(t *testing.T) {
	logStore := &fakeSyncLogStore{entry: &syncpkg.LogEntry{ID: 5, Payload: []byte(`{"version":`)}}
	router := newTestRouter(&fakeEnqueuer{}, logStore, &fakeReconciler{}, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, adminRequest(http.MethodPost, "/api/v1/sync-log/5/replay"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for corrupt payload, got %d", w.Code)
	}
}

func TestReconcile_ManualTrigger(t *testing.T) {
	rec := &fakeReconciler{ran: make(chan struct{}, 1)}
	router := newTestRouter(&fakeEnqueuer{}, &fakeSyncLogStore{}, rec, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, adminRequest(http.MethodPost, "/api/v1/reconcile/run"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}

	select {
	case <-rec.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciliation was never started")
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer abc", ""},
		{"Basic abc", ""},
		{"Bearer  padded ", "padded"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		if got := extractBearerToken(req); got != tt.want {
			t.Errorf("header %q: expected %q, got %q", tt.header, tt.want, got)
		}
	}
}
