package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aquenix/flowstate/pkg/schema"
)

// definitionSchemaJSON is the JSON Schema for workflow definition specs.
// Embedded as a constant to avoid filesystem dependencies.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowstate.dev/schemas/definition.json",
  "type": "object",
  "required": ["initial", "states"],
  "properties": {
    "initial": {
      "type": "string",
      "minLength": 1
    },
    "states": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/state" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "state": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "on_enter": {
          "type": "array",
          "items": { "$ref": "#/$defs/action" }
        },
        "sla": { "$ref": "#/$defs/sla" },
        "transitions": {
          "type": "array",
          "items": { "$ref": "#/$defs/transition" }
        }
      },
      "additionalProperties": false
    },
    "transition": {
      "type": "object",
      "required": ["to", "trigger"],
      "properties": {
        "to": {
          "type": "string",
          "minLength": 1
        },
        "trigger": {
          "type": "string",
          "minLength": 1
        },
        "guard": { "$ref": "#/$defs/guard" }
      },
      "additionalProperties": false
    },
    "guard": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {
          "type": "string",
          "enum": ["all", "any", "not", "role", "field", "cel", "expr"]
        },
        "guards": {
          "type": "array",
          "items": { "$ref": "#/$defs/guard" }
        },
        "guard": { "$ref": "#/$defs/guard" },
        "role": { "type": "string" },
        "path": { "type": "string" },
        "op": {
          "type": "string",
          "enum": ["eq", "ne", "gt", "gte", "lt", "lte", "in", "contains", "exists", "absent"]
        },
        "value": {},
        "expr": { "type": "string" }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {
          "type": "string",
          "enum": ["create.task", "set.context", "notify.webhook"]
        },
        "params": {
          "type": "object"
        }
      },
      "additionalProperties": false
    },
    "sla": {
      "type": "object",
      "required": ["threshold_seconds", "escalation_targets"],
      "properties": {
        "threshold_seconds": {
          "type": "integer",
          "minimum": 1
        },
        "escalation_targets": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/escalation_target" }
        },
        "max_level": {
          "type": "integer",
          "minimum": 1
        }
      },
      "additionalProperties": false
    },
    "escalation_target": {
      "type": "object",
      "required": ["target"],
      "properties": {
        "target": {
          "type": "string",
          "minLength": 1
        },
        "channel": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator performs structural validation of definition specs
// against the embedded JSON Schema (Draft 2020-12). Safe for concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema
}

func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource("https://flowstate.dev/schemas/definition.json", doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}

	compiled, err := c.Compile("https://flowstate.dev/schemas/definition.json")
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &JSONSchemaValidator{definitionSchema: compiled}, nil
}

// ValidateSpec validates the spec document against the definition schema.
func (v *JSONSchemaValidator) ValidateSpec(spec *schema.Spec) error {
	if spec == nil {
		return schema.NewError(schema.ErrCodeValidation, "definition spec is nil")
	}

	doc, err := toJSONValue(spec)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize definition spec").WithCause(err)
	}

	if err := v.definitionSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding so numbers
// become json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// every leaf violation listed, located by instance path.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	return schema.NewErrorf(schema.ErrCodeValidation,
		"spec validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
