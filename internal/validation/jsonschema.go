// Package validation checks workflow configurations at load time so a bad
// state machine fails at startup, never mid-transition.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/avsafe/caseflow/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowConfig validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://caseflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["entity_type", "initial_state", "states", "transitions"],
  "properties": {
    "entity_type": {
      "type": "string",
      "minLength": 1
    },
    "initial_state": {
      "type": "string",
      "minLength": 1
    },
    "states": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/state" }
    },
    "transitions": {
      "type": "array",
      "items": { "$ref": "#/$defs/transition" }
    },
    "context_fields": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "state": {
      "type": "object",
      "required": ["code"],
      "properties": {
        "code": {
          "type": "string",
          "minLength": 1
        },
        "label": { "type": "string" },
        "sla_target_days": {
          "type": "integer",
          "minimum": 0
        }
      },
      "additionalProperties": false
    },
    "transition": {
      "type": "object",
      "required": ["code", "from", "to"],
      "properties": {
        "code": {
          "type": "string",
          "minLength": 1
        },
        "from": {
          "type": "string",
          "minLength": 1
        },
        "to": {
          "type": "string",
          "minLength": 1
        },
        "label": { "type": "string" },
        "style": { "type": "string" },
        "requires_comment": { "type": "boolean" },
        "roles": {
          "type": "array",
          "items": { "type": "string" }
        },
        "condition": { "$ref": "#/$defs/rule" },
        "guard": { "$ref": "#/$defs/guard" }
      },
      "additionalProperties": false
    },
    "rule": {
      "type": "object",
      "oneOf": [
        {
          "required": ["rules"],
          "properties": {
            "logic": {
              "type": "string",
              "enum": ["AND", "OR"]
            },
            "rules": {
              "type": "array",
              "items": { "$ref": "#/$defs/rule" }
            },
            "label": { "type": "string" }
          },
          "additionalProperties": false
        },
        {
          "required": ["field", "operator"],
          "properties": {
            "field": {
              "type": "string",
              "minLength": 1
            },
            "operator": {
              "type": "string",
              "enum": ["eq", "neq", "gt", "gte", "lt", "lte", "in", "not_in", "exists", "matches"]
            },
            "value": {},
            "label": { "type": "string" }
          },
          "additionalProperties": false
        }
      ]
    },
    "guard": {
      "type": "object",
      "required": ["engine", "expression"],
      "properties": {
        "engine": {
          "type": "string",
          "enum": ["cel", "expr"]
        },
        "expression": {
          "type": "string",
          "minLength": 1
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates workflow configurations against the embedded
// JSON Schema plus the structural rules the schema language cannot express.
// Safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the workflow schema
// pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://caseflow.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://caseflow.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateConfig validates a workflow configuration. Schema violations and
// structural defects both surface as VALIDATION_ERROR.
func (v *JSONSchemaValidator) ValidateConfig(cfg *schema.WorkflowConfig) error {
	if cfg == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow config is nil")
	}

	doc, err := toJSONValue(cfg)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow config").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toCaseflowError(err)
	}

	return v.validateStructure(cfg)
}

// validateStructure enforces the referential rules JSON Schema cannot
// express: unique codes, known state references, and at most one edge per
// (from, to) pair so a target state names exactly one transition.
func (v *JSONSchemaValidator) validateStructure(cfg *schema.WorkflowConfig) error {
	states := make(map[string]struct{}, len(cfg.States))
	for _, st := range cfg.States {
		if _, exists := states[st.Code]; exists {
			return schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("duplicate state code %q", st.Code))
		}
		states[st.Code] = struct{}{}
	}

	if _, ok := states[cfg.InitialState]; !ok {
		return schema.NewError(schema.ErrCodeValidation,
			fmt.Sprintf("initial state %q is not a configured state", cfg.InitialState))
	}

	codes := make(map[string]struct{}, len(cfg.Transitions))
	edges := make(map[string]struct{}, len(cfg.Transitions))
	for _, t := range cfg.Transitions {
		if _, exists := codes[t.Code]; exists {
			return schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("duplicate transition code %q", t.Code))
		}
		codes[t.Code] = struct{}{}

		if _, ok := states[t.From]; !ok {
			return schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("transition %q references unknown source state %q", t.Code, t.From))
		}
		if _, ok := states[t.To]; !ok {
			return schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("transition %q references unknown target state %q", t.Code, t.To))
		}

		edge := t.From + "\x00" + t.To
		if _, exists := edges[edge]; exists {
			return schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("duplicate transition from %q to %q", t.From, t.To))
		}
		edges[edge] = struct{}{}
	}

	return nil
}

// ValidateDocument validates an entity document against a JSON Schema
// provided as raw bytes. The compiled schema is cached for subsequent calls.
func (v *JSONSchemaValidator) ValidateDocument(doc map[string]any, docSchema []byte) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "document is nil")
	}
	if len(docSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(docSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid document schema").WithCause(err)
	}

	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize document").WithCause(err)
	}

	if err := compiled.Validate(value); err != nil {
		return toCaseflowError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new
// one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("caseflow://document-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toCaseflowError converts a jsonschema.ValidationError into a CaseflowError
// with the individual violations collected for display.
func toCaseflowError(err error) *schema.CaseflowError {
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

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
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
