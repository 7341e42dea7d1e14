// CLAUDE:SUMMARY JSON-Schema document validator implementing stream.Validator (google/jsonschema-go).
package validate

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/hazyhaar/streamreg/stream"
)

// Schema validates documents against a resolved JSON Schema.
type Schema struct {
	resolved *jsonschema.Resolved
}

// New compiles a JSON Schema given as raw JSON.
func New(raw []byte) (*Schema, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("validate: parse schema: %w", err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("validate: resolve schema: %w", err)
	}
	return &Schema{resolved: resolved}, nil
}

// MustNew is New for schemas known at compile time.
func MustNew(raw []byte) *Schema {
	s, err := New(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate implements stream.Validator. The document is normalised to
// plain JSON values first so typed Go maps and slices validate like
// their decoded form.
func (s *Schema) Validate(doc stream.Document) error {
	if doc == nil {
		return errors.New("validate: nil document")
	}
	norm, err := stream.NormalizeDocument(doc)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if err := s.resolved.Validate(map[string]any(norm)); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}

// RegistryDocument is the schema of a persisted user registry:
// {"users": [...], "module_data": {...}}.
const RegistryDocument = `{
  "type": "object",
  "required": ["users"],
  "properties": {
    "users": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "points": {"type": ["number", "null"]}
        }
      }
    },
    "module_data": {"type": "object"}
  }
}`

// Registry returns a validator for RegistryDocument.
func Registry() *Schema {
	return MustNew([]byte(RegistryDocument))
}
