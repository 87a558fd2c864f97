package sync

import (
	"fmt"
	"strings"
	"time"
)

// fieldAliases maps each logical field to its ordered candidate keys. The
// remote source has renamed fields over the years; the first present key wins.
// Alias resolution happens exactly once, here, during normalization.
var fieldAliases = map[string][]string{
	"external_id":   {"external_id", "record_id", "id"},
	"title":         {"title", "Title", "Name", "name"},
	"summary":       {"summary", "Summary", "Description", "description"},
	"resource_date": {"resource_date", "Date", "date", "Published", "published_at"},
	"type":          {"type", "Type", "Resource Type", "resource_type"},
	"tags":          {"tags", "Tags", "Universal Tags", "universal_tags"},
	"file":          {"file", "File", "Attachment", "attachments"},
	"last_modified": {"last_modified", "Last Modified", "lastModified", "modified"},
}

// Normalize resolves field aliases in a raw field map and returns the
// canonical record. It does not validate; the upsert engine owns validation.
func Normalize(fields map[string]any) NormalizedRecord {
	rec := NormalizedRecord{
		ExternalID:   stringField(fields, "external_id"),
		Title:        stringField(fields, "title"),
		Summary:      stringField(fields, "summary"),
		ResourceDate: stringField(fields, "resource_date"),
		Type:         stringField(fields, "type"),
		Tags:         stringSliceField(fields, "tags"),
		LastModified: stringField(fields, "last_modified"),
	}

	if raw, ok := lookup(fields, "file"); ok {
		rec.File = fileField(raw)
	}

	return rec
}

// lookup returns the first alias hit for a logical field.
func lookup(fields map[string]any, logical string) (any, bool) {
	for _, key := range fieldAliases[logical] {
		if v, ok := fields[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func stringField(fields map[string]any, logical string) string {
	raw, ok := lookup(fields, logical)
	if !ok {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
	default:
		return ""
	}
}

func stringSliceField(fields map[string]any, logical string) []string {
	raw, ok := lookup(fields, logical)
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	case []string:
		return v
	case string:
		// Comma-separated fallback used by older webhook payloads.
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	default:
		return nil
	}
}

// fileField accepts either an object {url, filename} or the remote source's
// attachment-array form and returns the first usable reference. A present but
// empty value yields an empty FileRef, which the engine treats as "clear".
func fileField(raw any) *FileRef {
	switch v := raw.(type) {
	case map[string]any:
		ref := &FileRef{}
		if s, ok := v["url"].(string); ok {
			ref.URL = strings.TrimSpace(s)
		}
		if s, ok := v["filename"].(string); ok {
			ref.Filename = strings.TrimSpace(s)
		}
		return ref
	case []any:
		if len(v) == 0 {
			return &FileRef{}
		}
		if first, ok := v[0].(map[string]any); ok {
			return fileField(first)
		}
		return &FileRef{}
	case string:
		return &FileRef{URL: strings.TrimSpace(v)}
	case nil:
		return &FileRef{}
	default:
		return &FileRef{}
	}
}

// ParseLastModified parses the remote timestamp into epoch milliseconds, the
// authority for staleness comparisons. The raw string is never compared.
func ParseLastModified(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("last_modified is empty")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			ms := t.UnixMilli()
			if ms == 0 {
				return 0, fmt.Errorf("last_modified %q is the zero epoch", value)
			}
			return ms, nil
		}
	}
	return 0, fmt.Errorf("last_modified %q is not an RFC 3339 timestamp", value)
}
