package sync

import (
	"strings"
	"testing"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	env := NewEnvelope(SourceWebhook, NormalizedRecord{
		ExternalID:   "rec_42",
		Title:        "Budget Report",
		Tags:         []string{"finance"},
		LastModified: "2024-01-01T00:00:00.000Z",
	})

	raw, err := env.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	got, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != EnvelopeVersion {
		t.Errorf("expected version %d, got %d", EnvelopeVersion, got.Version)
	}
	if got.Source != SourceWebhook {
		t.Errorf("expected source webhook, got %s", got.Source)
	}
	if got.Record.ExternalID != "rec_42" {
		t.Errorf("expected rec_42, got %q", got.Record.ExternalID)
	}
}

func TestParseEnvelope_Rejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not JSON", `{{{`},
		{"missing version", `{"source":"webhook","record":{"external_id":"x","last_modified":"y"}}`},
		{"unknown source", `{"version":1,"source":"carrier-pigeon","record":{"external_id":"x","last_modified":"y"}}`},
		{"missing record", `{"version":1,"source":"webhook"}`},
		{"empty external id", `{"version":1,"source":"webhook","record":{"external_id":"","last_modified":"y"}}`},
		{"missing last_modified", `{"version":1,"source":"webhook","record":{"external_id":"x"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseEnvelope([]byte(tt.raw)); err == nil {
				t.Error("expected rejection")
			}
		})
	}
}

func TestParseEnvelope_FutureVersionRejected(t *testing.T) {
	raw := `{"version":99,"source":"webhook","record":{"external_id":"x","last_modified":"2024-01-01T00:00:00Z"}}`
	_, err := ParseEnvelope([]byte(raw))
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Errorf("expected future version rejection, got %v", err)
	}
}
