package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fpmdigital/resourcesync/internal/store"
	syncpkg "github.com/fpmdigital/resourcesync/internal/sync"
)

type fakeResolver struct {
	allowed map[string]bool
	panics  bool
}

func (f *fakeResolver) ResolveType(ctx context.Context, name string) (string, error) {
	if f.panics {
		panic("resolver exploded")
	}
	return name, nil
}

func (f *fakeResolver) FilterTags(ctx context.Context, names []string) ([]string, []string, error) {
	if f.panics {
		panic("resolver exploded")
	}
	allowed := make([]string, 0)
	var rejected []string
	for _, n := range names {
		if f.allowed[n] {
			allowed = append(allowed, n)
		} else {
			rejected = append(rejected, n)
		}
	}
	return allowed, rejected, nil
}

type fakeMaterializer struct {
	key string
	fp  string
	err error
}

func (f *fakeMaterializer) Materialize(ctx context.Context, ref syncpkg.FileRef) (string, string, error) {
	return f.key, f.fp, f.err
}

func newTestEngine(t *testing.T) (*Engine, *store.SQLiteStore, *fakeResolver) {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	resolver := &fakeResolver{allowed: map[string]bool{"finance": true, "youth": true}}
	eng := NewEngine(db, db, resolver, &fakeMaterializer{key: "attachments/x", fp: "fp-1"}, db, time.Minute)
	return eng, db, resolver
}

func webhookEnvelope(rec syncpkg.NormalizedRecord) syncpkg.Envelope {
	return syncpkg.NewEnvelope(syncpkg.SourceWebhook, rec)
}

func TestEngine_CreateUpdateStaleScenario(t *testing.T) {
	eng, db, _ := newTestEngine(t)
	ctx := context.Background()

	out := eng.Process(ctx, webhookEnvelope(syncpkg.NormalizedRecord{
		ExternalID:   "rec_42",
		Title:        "Budget Report",
		LastModified: "2024-01-01T00:00:00.000Z",
	}))
	if out.Action != syncpkg.ActionCreate || out.Status != syncpkg.StatusOK {
		t.Fatalf("first push: got %s/%s (%s)", out.Action, out.Status, out.Message)
	}
	if out.LocalID == "" {
		t.Fatal("expected local id on create")
	}

	out = eng.Process(ctx, webhookEnvelope(syncpkg.NormalizedRecord{
		ExternalID:   "rec_42",
		Title:        "Budget Report v2",
		LastModified: "2024-01-02T00:00:00.000Z",
	}))
	if out.Action != syncpkg.ActionUpdate || out.Status != syncpkg.StatusOK {
		t.Fatalf("second push: got %s/%s (%s)", out.Action, out.Status, out.Message)
	}

	// Out-of-order delivery: between the two processed timestamps
	out = eng.Process(ctx, webhookEnvelope(syncpkg.NormalizedRecord{
		ExternalID:   "rec_42",
		Title:        "Budget Report (stale)",
		LastModified: "2024-01-01T12:00:00.000Z",
	}))
	if out.Action != syncpkg.ActionSkip || out.ErrorCode != syncpkg.SkipStale {
		t.Fatalf("stale push: got %s/%s", out.Action, out.ErrorCode)
	}

	res, err := db.GetResourceByExternalID(ctx, "rec_42")
	if err != nil {
		t.Fatal(err)
	}
	if res.Title != "Budget Report v2" {
		t.Errorf("expected title to survive stale push, got %q", res.Title)
	}

	_, total, err := db.QuerySyncLog(ctx, store.SyncLogFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Errorf("expected 3 log rows, got %d", total)
	}
}

func TestEngine_IdenticalTimestampSkips(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	env := webhookEnvelope(syncpkg.NormalizedRecord{
		ExternalID:   "rec_1",
		Title:        "Once",
		LastModified: "2024-01-01T00:00:00Z",
	})
	if out := eng.Process(ctx, env); out.Action != syncpkg.ActionCreate {
		t.Fatalf("got %s (%s)", out.Action, out.Message)
	}
	// Redelivery of the same envelope converges to a skip, not a second write
	out := eng.Process(ctx, env)
	if out.Action != syncpkg.ActionSkip || out.ErrorCode != syncpkg.SkipStale {
		t.Errorf("expected skip(stale) on redelivery, got %s/%s", out.Action, out.ErrorCode)
	}
}

func TestEngine_InvalidPayload(t *testing.T) {
	eng, db, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []syncpkg.NormalizedRecord{
		{ExternalID: "", LastModified: "2024-01-01T00:00:00Z"},
		{ExternalID: "rec_1", LastModified: ""},
		{ExternalID: "rec_1", LastModified: "not-a-date"},
	}
	for _, rec := range tests {
		out := eng.Process(ctx, webhookEnvelope(rec))
		if out.Action != syncpkg.ActionError || out.ErrorCode != syncpkg.ErrCodeInvalidPayload {
			t.Errorf("record %+v: got %s/%s", rec, out.Action, out.ErrorCode)
		}
	}

	errored, _, err := db.QuerySyncLog(ctx, store.SyncLogFilter{Status: "error"})
	if err != nil {
		t.Fatal(err)
	}
	if len(errored) != len(tests) {
		t.Errorf("expected %d error rows, got %d", len(tests), len(errored))
	}
}

func TestEngine_LockedRecordSkips(t *testing.T) {
	eng, db, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := db.AcquireRecordLock(ctx, "rec_9", time.Minute); err != nil {
		t.Fatal(err)
	}

	out := eng.Process(ctx, webhookEnvelope(syncpkg.NormalizedRecord{
		ExternalID:   "rec_9",
		LastModified: "2024-01-01T00:00:00Z",
	}))
	if out.Action != syncpkg.ActionSkip || out.ErrorCode != syncpkg.SkipLocked {
		t.Errorf("expected skip(locked), got %s/%s", out.Action, out.ErrorCode)
	}
}

func TestEngine_AbsentFieldsNeverBlank(t *testing.T) {
	eng, db, _ := newTestEngine(t)
	ctx := context.Background()

	eng.Process(ctx, webhookEnvelope(syncpkg.NormalizedRecord{
		ExternalID:   "rec_1",
		Title:        "Original",
		Summary:      "Original summary",
		Tags:         []string{"finance"},
		LastModified: "2024-01-01T00:00:00Z",
	}))

	// Update carries only a title; everything else is absent
	eng.Process(ctx, webhookEnvelope(syncpkg.NormalizedRecord{
		ExternalID:   "rec_1",
		Title:        "Renamed",
		LastModified: "2024-01-02T00:00:00Z",
	}))

	res, err := db.GetResourceByExternalID(ctx, "rec_1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Title != "Renamed" {
		t.Errorf("title: got %q", res.Title)
	}
	if res.Summary != "Original summary" {
		t.Errorf("expected absent summary to be preserved, got %q", res.Summary)
	}
	if len(res.Tags) != 1 || res.Tags[0] != "finance" {
		t.Errorf("expected absent tags to be preserved, got %v", res.Tags)
	}
}

func TestEngine_DefaultTitleOnCreate(t *testing.T) {
	eng, db, _ := newTestEngine(t)
	ctx := context.Background()

	eng.Process(ctx, webhookEnvelope(syncpkg.NormalizedRecord{
		ExternalID:   "rec_1",
		LastModified: "2024-01-01T00:00:00Z",
	}))

	res, err := db.GetResourceByExternalID(ctx, "rec_1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Title != "Untitled resource" {
		t.Errorf("expected default title, got %q", res.Title)
	}
}

func TestEngine_TagsFilteredAndReplaced(t *testing.T) {
	eng, db, _ := newTestEngine(t)
	ctx := context.Background()

	eng.Process(ctx, webhookEnvelope(syncpkg.NormalizedRecord{
		ExternalID:   "rec_1",
		Tags:         []string{"finance", "unapproved", "youth"},
		LastModified: "2024-01-01T00:00:00Z",
	}))

	res, err := db.GetResourceByExternalID(ctx, "rec_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Tags) != 2 || res.Tags[0] != "finance" || res.Tags[1] != "youth" {
		t.Fatalf("expected allow-listed survivors, got %v", res.Tags)
	}

	// An explicit empty set replaces: removed tags cannot linger
	eng.Process(ctx, webhookEnvelope(syncpkg.NormalizedRecord{
		ExternalID:   "rec_1",
		Tags:         []string{},
		LastModified: "2024-01-02T00:00:00Z",
	}))

	res, err = db.GetResourceByExternalID(ctx, "rec_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Tags) != 0 {
		t.Errorf("expected tags cleared by explicit empty set, got %v", res.Tags)
	}
}

func TestEngine_FileReference(t *testing.T) {
	eng, db, _ := newTestEngine(t)
	ctx := context.Background()

	out := eng.Process(ctx, webhookEnvelope(syncpkg.NormalizedRecord{
		ExternalID:   "rec_1",
		File:         &syncpkg.FileRef{URL: "https://files.example.com/report.pdf"},
		LastModified: "2024-01-01T00:00:00Z",
	}))
	if out.Fingerprint != "fp-1" {
		t.Errorf("expected fingerprint fp-1, got %q", out.Fingerprint)
	}

	res, err := db.GetResourceByExternalID(ctx, "rec_1")
	if err != nil {
		t.Fatal(err)
	}
	if res.FileKey != "attachments/x" || res.FileFingerprint != "fp-1" {
		t.Errorf("file fields: got %q/%q", res.FileKey, res.FileFingerprint)
	}

	// Empty reference clears the association
	eng.Process(ctx, webhookEnvelope(syncpkg.NormalizedRecord{
		ExternalID:   "rec_1",
		File:         &syncpkg.FileRef{},
		LastModified: "2024-01-02T00:00:00Z",
	}))

	res, err = db.GetResourceByExternalID(ctx, "rec_1")
	if err != nil {
		t.Fatal(err)
	}
	if res.FileKey != "" || res.FileFingerprint != "" {
		t.Errorf("expected file fields cleared, got %q/%q", res.FileKey, res.FileFingerprint)
	}
}

func TestEngine_PanicBecomesErrorOutcome(t *testing.T) {
	eng, db, resolver := newTestEngine(t)
	resolver.panics = true
	ctx := context.Background()

	out := eng.Process(ctx, webhookEnvelope(syncpkg.NormalizedRecord{
		ExternalID:   "rec_1",
		Type:         "Report",
		LastModified: "2024-01-01T00:00:00Z",
	}))
	if out.Action != syncpkg.ActionError || out.ErrorCode != syncpkg.ErrCodeException {
		t.Fatalf("expected error(exception), got %s/%s", out.Action, out.ErrorCode)
	}

	// Lock must have been released despite the panic
	ok, err := db.AcquireRecordLock(ctx, "rec_1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected lock to be released after panic")
	}
}

func TestEngine_ReviveSoftDeleted(t *testing.T) {
	eng, db, _ := newTestEngine(t)
	ctx := context.Background()

	eng.Process(ctx, webhookEnvelope(syncpkg.NormalizedRecord{
		ExternalID:   "rec_1",
		Title:        "Alive",
		LastModified: "2024-01-01T00:00:00Z",
	}))
	if _, err := db.SoftDeleteResource(ctx, "rec_1"); err != nil {
		t.Fatal(err)
	}

	out := eng.Process(ctx, webhookEnvelope(syncpkg.NormalizedRecord{
		ExternalID:   "rec_1",
		Title:        "Back again",
		LastModified: "2024-01-02T00:00:00Z",
	}))
	if out.Action != syncpkg.ActionUpdate {
		t.Fatalf("expected update to revive, got %s (%s)", out.Action, out.Message)
	}

	res, err := db.GetResourceByExternalID(ctx, "rec_1")
	if err != nil {
		t.Fatal(err)
	}
	if res.DeletedAt != nil {
		t.Error("expected revival to clear deleted_at")
	}
}
