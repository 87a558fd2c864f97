package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	stdsync "sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema is the explicit schema for the versioned replay envelope.
// Sync log payloads are validated against it before re-entering the queue, so
// a corrupted or hand-edited row is rejected instead of half-processed.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "source", "record"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "source": {"enum": ["webhook", "nightly", "manual-replay"]},
    "received_at": {"type": "string"},
    "record": {
      "type": "object",
      "required": ["external_id", "last_modified"],
      "properties": {
        "external_id": {"type": "string", "minLength": 1},
        "title": {"type": "string"},
        "summary": {"type": "string"},
        "resource_date": {"type": "string"},
        "type": {"type": "string"},
        "tags": {"type": "array", "items": {"type": "string"}},
        "file": {
          "type": "object",
          "required": ["url"],
          "properties": {
            "url": {"type": "string"},
            "filename": {"type": "string"}
          }
        },
        "last_modified": {"type": "string", "minLength": 1}
      }
    }
  }
}`

var (
	schemaOnce stdsync.Once
	compiled   *jsonschema.Schema
	compileErr error
)

func envelopeJSONSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
		if err != nil {
			compileErr = fmt.Errorf("parse envelope schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("envelope.json", doc); err != nil {
			compileErr = fmt.Errorf("add envelope schema: %w", err)
			return
		}
		compiled, compileErr = c.Compile("envelope.json")
	})
	return compiled, compileErr
}

// ParseEnvelope validates raw JSON against the envelope schema and decodes it.
// Versions newer than EnvelopeVersion are rejected; the reader cannot know
// what a future writer meant.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope

	schema, err := envelopeJSONSchema()
	if err != nil {
		return env, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return env, fmt.Errorf("envelope is not valid JSON: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return env, fmt.Errorf("envelope failed schema validation: %w", err)
	}

	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version > EnvelopeVersion {
		return env, fmt.Errorf("envelope version %d is newer than supported version %d", env.Version, EnvelopeVersion)
	}
	return env, nil
}

// Marshal encodes the envelope in its canonical JSON form.
func (e Envelope) Marshal() (json.RawMessage, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}
