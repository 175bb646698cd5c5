package session

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// recordSchema describes the durable SessionState document. A record that
// parses as JSON but violates this schema is treated the same as one that
// does not parse at all.
const recordSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "issueNumber", "createdAt", "lastAccessedAt", "history", "status"],
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1
    },
    "issueNumber": {
      "type": "integer",
      "minimum": 0
    },
    "complexity": {
      "type": "string",
      "enum": ["low", "medium", "high"]
    },
    "workspaceRef": {
      "type": "string"
    },
    "createdAt": {
      "type": "string"
    },
    "lastAccessedAt": {
      "type": "string"
    },
    "history": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["step", "prompt", "response", "timestamp"],
        "properties": {
          "step": {"type": "string"},
          "prompt": {"type": "string"},
          "response": {"type": "string"},
          "timestamp": {"type": "string"},
          "durationMs": {"type": "integer"},
          "tokenUsage": {
            "type": "object",
            "required": ["input", "output"],
            "properties": {
              "input": {"type": "integer"},
              "output": {"type": "integer"}
            }
          }
        }
      }
    },
    "metadata": {
      "type": "object"
    },
    "status": {
      "type": "string",
      "enum": ["active", "completed", "failed"]
    }
  }
}`

var recordSchemaLoader = gojsonschema.NewStringLoader(recordSchema)

// validateRecord validates raw record bytes against the store schema.
func validateRecord(data []byte) error {
	documentLoader := gojsonschema.NewBytesLoader(data)
	result, err := gojsonschema.Validate(recordSchemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var errMsg string
		for i, desc := range result.Errors() {
			if i > 0 {
				errMsg += "; "
			}
			errMsg += desc.String()
		}
		return fmt.Errorf("schema validation errors: %s", errMsg)
	}

	return nil
}
