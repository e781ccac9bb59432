package batchfile

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// requestSchema validates the overall shape of an input line before the
// strict struct decode. The schema catches structural problems (missing
// custom_id, empty messages, wrong role values) with positional error
// messages; the decoder then rejects unknown fields.
const requestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["custom_id", "method", "url", "body"],
  "properties": {
    "custom_id": {"type": "string", "minLength": 1, "maxLength": 256},
    "method": {"const": "POST"},
    "url": {"const": "/v1/chat/completions"},
    "body": {
      "type": "object",
      "required": ["model", "messages"],
      "properties": {
        "model": {"type": "string", "minLength": 1},
        "messages": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["role", "content"],
            "properties": {
              "role": {"enum": ["system", "user", "assistant"]},
              "content": {"type": "string"}
            }
          }
        },
        "max_tokens": {"type": "integer", "minimum": 1},
        "temperature": {"type": "number", "minimum": 0, "maximum": 2},
        "top_p": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
      }
    }
  }
}`

var compiledRequestSchema = jsonschema.MustCompileString("batch-request.json", requestSchema)

// ValidateRequestLine checks one raw JSONL line against the request
// schema.
func ValidateRequestLine(raw []byte) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("malformed json: %v", err)
	}
	if err := compiledRequestSchema.Validate(v); err != nil {
		return fmt.Errorf("schema: %v", err)
	}
	return nil
}
