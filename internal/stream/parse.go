package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

// ErrMalformedEvent is returned for messages that fail schema validation or
// carry anything other than exactly one payload field. Callers are expected
// to drop such messages; they must never reach the reducer.
var ErrMalformedEvent = errors.New("malformed stream event")

// eventSchema validates the wire shape once, at the parse boundary, so the
// reducer only ever sees well-formed tagged events.
const eventSchema = `{
  "type": "object",
  "properties": {
    "sequence": {"type": "integer", "minimum": 0},
    "activity": {
      "type": "object",
      "properties": {
        "kind": {"type": "string"},
        "label": {"type": "string"},
        "detail": {"type": "string"},
        "filePath": {"type": "string"},
        "toolId": {"type": "string"},
        "status": {"enum": ["running", "done", "error"]},
        "sequence": {"type": "integer", "minimum": 0}
      },
      "required": ["kind", "status"]
    },
    "narrative": {"type": "string"},
    "thinking": {"type": "string"},
    "intent": {
      "type": "object",
      "properties": {
        "family": {"type": "string"},
        "kind": {"type": "string"},
        "confidence": {"type": "number"}
      },
      "required": ["family", "kind"]
    },
    "content": {"type": "string"},
    "tool_output": {
      "type": "object",
      "properties": {
        "type": {"enum": ["stdout", "stderr", "file_content"]},
        "content": {"type": "string"},
        "path": {"type": "string"}
      },
      "required": ["type", "content"]
    },
    "done": {
      "type": "object",
      "properties": {
        "task_id": {"type": "string"},
        "iterations": {"type": "integer"},
        "files_read": {"type": "array", "items": {"type": "string"}},
        "files_modified": {"type": "array", "items": {"type": "string"}},
        "files_created": {"type": "array", "items": {"type": "string"}},
        "commands_run": {"type": "array", "items": {"type": "string"}},
        "verification_passed": {"type": "boolean"},
        "verification_attempts": {"type": "integer"},
        "max_iterations_reached": {"type": "boolean"}
      },
      "required": ["task_id"]
    },
    "verification": {
      "type": "object",
      "properties": {
        "status": {"enum": ["running", "complete"]},
        "success": {"type": "boolean"},
        "commands": {"type": "array", "items": {"type": "string"}},
        "results": {"type": "array"}
      },
      "required": ["status"]
    },
    "fixing": {
      "type": "object",
      "properties": {
        "attempt": {"type": "integer"},
        "max_attempts": {"type": "integer"}
      },
      "required": ["attempt"]
    },
    "phase_change": {
      "type": "object",
      "properties": {"phase": {"type": "string"}},
      "required": ["phase"]
    },
    "error": {"type": "string"}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiledSchema, schemaErr = compiler.Compile([]byte(eventSchema))
	})
	return compiledSchema, schemaErr
}

// ParseEvent decodes one wire message into a tagged Event. The message must
// validate against the event schema and populate exactly one payload field.
func ParseEvent(data []byte) (Event, error) {
	if !json.Valid(data) {
		return Event{}, fmt.Errorf("%w: invalid json", ErrMalformedEvent)
	}
	schema, err := compiled()
	if err != nil {
		return Event{}, fmt.Errorf("compile event schema: %w", err)
	}
	result := schema.ValidateJSON(data)
	if !result.IsValid() {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, result.Errors)
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.Kind() == KindUnknown {
		return Event{}, fmt.Errorf("%w: expected exactly one payload field", ErrMalformedEvent)
	}
	return evt, nil
}
