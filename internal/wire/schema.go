package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const frameSchemaURL = "relaycollab://schemas/frame.json"

const frameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {
      "enum": [
        "subscribe", "unsubscribe", "subscribed", "unsubscribed",
        "ping", "pong", "operation-request", "operation-result",
        "document-updated", "error"
      ]
    },
    "correlationId": {"type": "string"},
    "data": {"type": "object"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"enum": ["subscribe", "unsubscribe", "subscribed", "unsubscribed"]}}},
      "then": {
        "required": ["data"],
        "properties": {
          "data": {
            "required": ["documentId"],
            "properties": {"documentId": {"type": "string", "minLength": 1}}
          }
        }
      }
    },
    {
      "if": {"properties": {"type": {"const": "operation-request"}}},
      "then": {
        "required": ["data"],
        "properties": {
          "data": {
            "required": ["action"],
            "properties": {
              "action": {"type": "string", "minLength": 1},
              "documentId": {"type": "string"},
              "actorId": {"type": "string"},
              "correlationId": {"type": "string"},
              "payload": {"type": "object"}
            }
          }
        }
      }
    },
    {
      "if": {"properties": {"type": {"const": "operation-result"}}},
      "then": {
        "required": ["data"],
        "properties": {"data": {"required": ["success"], "properties": {"success": {"type": "boolean"}}}}
      }
    },
    {
      "if": {"properties": {"type": {"const": "document-updated"}}},
      "then": {
        "required": ["data"],
        "properties": {
          "data": {
            "required": ["documentId", "changes", "sourceClass"],
            "properties": {
              "changes": {"type": "array", "items": {"type": "object", "required": ["kind"]}},
              "sourceClass": {"enum": ["user", "agent"]}
            }
          }
        }
      }
    }
  ]
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchema))
		if err != nil {
			schemaErr = fmt.Errorf("parse frame schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(frameSchemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add frame schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(frameSchemaURL)
	})
	return schema, schemaErr
}

// Parse validates a raw text frame against the frame schema and decodes the
// envelope.
func Parse(raw []byte) (Message, error) {
	if err := Validate(raw); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg, nil
}

func Validate(raw []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// PeekCorrelationID returns the correlationId of a frame that failed
// validation, or "" when none can be read.
func PeekCorrelationID(raw []byte) string {
	var envelope struct {
		CorrelationID any `json:"correlationId"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ""
	}
	id, _ := envelope.CorrelationID.(string)
	return id
}
