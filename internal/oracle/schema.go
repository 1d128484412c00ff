package oracle

import (
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xkilldash9x/formmapper/api/schemas"
)

const actionEnum = `["enter-text", "choose-option", "toggle", "click", "hover", "enter-context", "exit-context"]`

const interpretationSchema = `{
  "type": "object",
  "required": ["fields", "complete"],
  "properties": {
    "fields": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["name", "actionType"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "locator": {"type": "string"},
          "frameContext": {"type": ["array", "null"], "items": {"type": "string"}},
          "actionType": {"enum": ` + actionEnum + `},
          "value": {"type": "string"},
          "visibilityCondition": {"type": "string"},
          "description": {"type": "string"}
        }
      }
    },
    "nextActions": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "anyOf": [{"required": ["field"]}, {"required": ["locator"]}],
        "properties": {
          "field": {"type": "string"},
          "locator": {"type": "string"},
          "frameContext": {"type": ["array", "null"], "items": {"type": "string"}},
          "actionType": {"enum": ` + actionEnum[:len(actionEnum)-1] + `, ""]},
          "value": {"type": "string"}
        }
      }
    },
    "branchOptions": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["options"],
        "properties": {
          "name": {"type": "string"},
          "locator": {"type": "string"},
          "frameContext": {"type": ["array", "null"], "items": {"type": "string"}},
          "actionType": {"type": "string"},
          "options": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "complete": {"type": "boolean"}
  }
}`

const analysisSchema = `{
  "type": "object",
  "required": ["classificationHint"],
  "properties": {
    "classificationHint": {"enum": ["LocatorStale", "TransientPageError", "StructuralChange", "StepLogicError"]},
    "correctedStep": {
      "type": ["object", "null"],
      "properties": {
        "field": {"type": "string"},
        "locator": {"type": "string"},
        "actionType": {"type": "string"},
        "value": {"type": "string"}
      }
    },
    "prerequisiteSteps": {
      "type": ["array", "null"],
      "items": {"type": "object", "properties": {"field": {"type": "string"}, "locator": {"type": "string"}}}
    }
  }
}`

// validator checks model output against a compiled JSON Schema before it is decoded.
type validator struct {
	schema *jsonschema.Schema
}

func compile(name, source string) (*validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://formmapper.local/oracle/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(source)); err != nil {
		return nil, fmt.Errorf("failed to load %s schema: %w", name, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s schema: %w", name, err)
	}
	return &validator{schema: s}, nil
}

// decode validates raw and unmarshals it into out. Every failure wraps
// schemas.ErrInvalidResponse.
func (v *validator) decode(raw string, out interface{}) error {
	var doc interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("%w: malformed JSON: %v", schemas.ErrInvalidResponse, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", schemas.ErrInvalidResponse, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: %v", schemas.ErrInvalidResponse, err)
	}
	return nil
}
