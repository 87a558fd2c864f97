package sync

import (
	"testing"
)

func TestNormalize_CanonicalKeys(t *testing.T) {
	rec := Normalize(map[string]any{
		"external_id":   "rec_42",
		"title":         "Budget Report",
		"summary":       "Annual figures",
		"resource_date": "2024-01-15",
		"type":          "Report",
		"tags":          []any{"finance", "youth"},
		"last_modified": "2024-01-01T00:00:00.000Z",
	})

	if rec.ExternalID != "rec_42" {
		t.Errorf("external_id: got %q", rec.ExternalID)
	}
	if rec.Title != "Budget Report" {
		t.Errorf("title: got %q", rec.Title)
	}
	if rec.Type != "Report" {
		t.Errorf("type: got %q", rec.Type)
	}
	if len(rec.Tags) != 2 || rec.Tags[0] != "finance" {
		t.Errorf("tags: got %v", rec.Tags)
	}
	if rec.LastModified != "2024-01-01T00:00:00.000Z" {
		t.Errorf("last_modified: got %q", rec.LastModified)
	}
}

func TestNormalize_Aliases(t *testing.T) {
	rec := Normalize(map[string]any{
		"id":            "rec_7",
		"Name":          "Guide to Giving",
		"Description":   "Stewardship guide",
		"Resource Type": "Guide",
		"Universal Tags": []any{"stewardship"},
		"Last Modified": "2024-02-01T00:00:00Z",
	})

	if rec.ExternalID != "rec_7" {
		t.Errorf("external_id via alias: got %q", rec.ExternalID)
	}
	if rec.Title != "Guide to Giving" {
		t.Errorf("title via alias: got %q", rec.Title)
	}
	if rec.Summary != "Stewardship guide" {
		t.Errorf("summary via alias: got %q", rec.Summary)
	}
	if rec.Type != "Guide" {
		t.Errorf("type via alias: got %q", rec.Type)
	}
	if len(rec.Tags) != 1 || rec.Tags[0] != "stewardship" {
		t.Errorf("tags via alias: got %v", rec.Tags)
	}
	if rec.LastModified != "2024-02-01T00:00:00Z" {
		t.Errorf("last_modified via alias: got %q", rec.LastModified)
	}
}

func TestNormalize_FirstAliasWins(t *testing.T) {
	rec := Normalize(map[string]any{
		"external_id": "canonical",
		"id":          "fallback",
	})
	if rec.ExternalID != "canonical" {
		t.Errorf("expected canonical key to win, got %q", rec.ExternalID)
	}
}

func TestNormalize_AbsentFields(t *testing.T) {
	rec := Normalize(map[string]any{"external_id": "rec_1"})

	if rec.Tags != nil {
		t.Errorf("expected absent tags to stay nil, got %v", rec.Tags)
	}
	if rec.File != nil {
		t.Errorf("expected absent file to stay nil, got %v", rec.File)
	}
}

func TestNormalize_FileForms(t *testing.T) {
	// Object form
	rec := Normalize(map[string]any{
		"external_id": "rec_1",
		"file":        map[string]any{"url": "https://x/file.pdf", "filename": "file.pdf"},
	})
	if rec.File == nil || rec.File.URL != "https://x/file.pdf" || rec.File.Filename != "file.pdf" {
		t.Errorf("object form: got %+v", rec.File)
	}

	// Attachment-array form
	rec = Normalize(map[string]any{
		"external_id": "rec_1",
		"attachments": []any{map[string]any{"url": "https://x/a.pdf", "filename": "a.pdf"}},
	})
	if rec.File == nil || rec.File.URL != "https://x/a.pdf" {
		t.Errorf("array form: got %+v", rec.File)
	}

	// Present but empty clears
	rec = Normalize(map[string]any{
		"external_id": "rec_1",
		"file":        nil,
	})
	if rec.File == nil || rec.File.URL != "" {
		t.Errorf("expected present-but-empty file to yield clear ref, got %+v", rec.File)
	}
}

func TestNormalize_CommaSeparatedTags(t *testing.T) {
	rec := Normalize(map[string]any{
		"external_id": "rec_1",
		"tags":        "finance, youth , ",
	})
	if len(rec.Tags) != 2 || rec.Tags[0] != "finance" || rec.Tags[1] != "youth" {
		t.Errorf("got %v", rec.Tags)
	}
}

func TestParseLastModified(t *testing.T) {
	tests := []struct {
		value   string
		wantMS  int64
		wantErr bool
	}{
		{"2024-01-01T00:00:00.000Z", 1704067200000, false},
		{"2024-01-01T00:00:00Z", 1704067200000, false},
		{"1970-01-01T00:00:00Z", 0, true}, // zero epoch is not a usable watermark
		{"yesterday", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		ms, err := ParseLastModified(tt.value)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: expected error, got %d", tt.value, ms)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error %v", tt.value, err)
			continue
		}
		if ms != tt.wantMS {
			t.Errorf("%q: expected %d, got %d", tt.value, tt.wantMS, ms)
		}
	}
}
