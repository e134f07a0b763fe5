package envelope

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// payloadSchemaJSON accepts the payload cards the console can render:
// confirm, choice, and form. Unknown extra fields are tolerated so payloads
// and console releases can evolve independently.
const payloadSchemaJSON = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["confirm", "choice", "form"]}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "confirm"}}},
      "then": {
        "required": ["text"],
        "properties": {
          "text": {"type": "string"},
          "variant": {"type": "string"},
          "confirm_label": {"type": "string"},
          "cancel_label": {"type": "string"}
        }
      }
    },
    {
      "if": {"properties": {"type": {"const": "choice"}}},
      "then": {
        "required": ["options"],
        "properties": {
          "allow_multiple": {"type": "boolean"},
          "options": {
            "type": "array",
            "minItems": 1,
            "items": {
              "anyOf": [
                {"type": "string"},
                {
                  "type": "object",
                  "properties": {
                    "id": {"type": "string"},
                    "label": {"type": "string"}
                  }
                }
              ]
            }
          }
        }
      }
    },
    {
      "if": {"properties": {"type": {"const": "form"}}},
      "then": {
        "required": ["fields"],
        "properties": {
          "fields": {
            "type": "array",
            "minItems": 1,
            "items": {
              "anyOf": [
                {"type": "string"},
                {
                  "type": "object",
                  "properties": {
                    "id": {"type": "string"},
                    "label": {"type": "string"},
                    "kind": {"type": "string"},
                    "allow_multiple": {"type": "boolean"},
                    "options": {"type": "array"}
                  }
                }
              ]
            }
          }
        }
      }
    }
  ]
}`

// messageSchemaJSON is the shape of a queued message_json: text plus
// optional images and mentions.
const messageSchemaJSON = `{
  "type": "object",
  "properties": {
    "text": {"type": "string"},
    "images": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["mime_type", "base64_data"],
        "properties": {
          "mime_type": {"type": "string"},
          "base64_data": {"type": "string"}
        }
      }
    },
    "mentions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["userId", "start", "length"],
        "properties": {
          "userId": {"type": "string"},
          "start": {"type": "integer", "minimum": 0},
          "length": {"type": "integer", "minimum": 0},
          "display": {"type": "string"}
        }
      }
    }
  }
}`

var (
	compileOnce   sync.Once
	payloadSchema *jsonschema.Schema
	messageSchema *jsonschema.Schema
	compileErr    error
)

func compileSchemas() {
	payloadSchema, compileErr = compileSchema("payload.json", payloadSchemaJSON)
	if compileErr != nil {
		return
	}
	messageSchema, compileErr = compileSchema("message.json", messageSchemaJSON)
}

func compileSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	compiled, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return compiled, nil
}

// ValidatePayload checks a payload JSON string against the card schema.
// Rejections come back as ParseError so the agent sees a plain message.
func ValidatePayload(payloadJSON string) error {
	compileOnce.Do(compileSchemas)
	if compileErr != nil {
		return compileErr
	}
	return validate(payloadSchema, payloadJSON,
		"error: "+payloadOpen+" must be JSON object or null\n")
}

// ValidateMessage checks a queued message_json string.
func ValidateMessage(messageJSON string) error {
	compileOnce.Do(compileSchemas)
	if compileErr != nil {
		return compileErr
	}
	return validate(messageSchema, messageJSON, "error: invalid message JSON\n")
}

func validate(schema *jsonschema.Schema, instanceJSON, rejectMsg string) error {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(instanceJSON))
	if err != nil {
		return parseErrorf(rejectMsg)
	}
	if _, ok := parsed.(map[string]any); !ok {
		return parseErrorf(rejectMsg)
	}
	if err := schema.Validate(parsed); err != nil {
		return &ParseError{Message: fmt.Sprintf("%s%s\n", rejectMsg, err)}
	}
	return nil
}
