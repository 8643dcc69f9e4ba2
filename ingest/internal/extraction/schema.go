package extraction

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ResponseSchema is the JSON Schema every service answer must satisfy. It
// checks the envelope and the type of every field that is present; missing
// candidate fields are left to Validate so one bad candidate is dropped
// instead of failing the whole answer.
const ResponseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["candidates"],
  "properties": {
    "candidates": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "text": {"type": ["string", "null"]},
          "options": {
            "type": ["array", "null"],
            "items": {
              "type": "object",
              "properties": {
                "letter": {"type": ["string", "null"]},
                "text": {"type": ["string", "null"]},
                "is_correct": {"type": ["boolean", "null"]}
              }
            }
          },
          "explanation": {"type": ["string", "null"]},
          "has_image": {"type": "boolean"},
          "image_refs": {"type": ["array", "null"], "items": {"type": "string"}},
          "subject": {"type": "string"},
          "category": {"type": "string"}
        }
      }
    }
  }
}`

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("response.json", strings.NewReader(ResponseSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile("response.json")
})

// ValidatePayload checks a raw service answer against ResponseSchema.
func ValidatePayload(payload []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("extraction: compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}
