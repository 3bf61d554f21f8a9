package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// repositoriesSchemaJSON is the JSON Schema for the repositories config
// file. Embedded as a constant to avoid filesystem dependencies.
const repositoriesSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://pr-checks-agent.dev/schemas/repositories.json",
  "type": "object",
  "required": ["repositories"],
  "properties": {
    "repositories": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/repository" }
    },
    "global_limits": { "$ref": "#/$defs/global_limits" }
  },
  "additionalProperties": false,
  "$defs": {
    "repository": {
      "type": "object",
      "required": ["owner", "name"],
      "properties": {
        "owner": { "type": "string", "minLength": 1 },
        "name": { "type": "string", "minLength": 1 },
        "branch_filters": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "check_types": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "scan_schedule": { "type": "string", "minLength": 1 },
        "fix_limits": { "$ref": "#/$defs/fix_limits" },
        "priorities": { "$ref": "#/$defs/priorities" },
        "prompt": { "$ref": "#/$defs/prompt" },
        "escalation": { "$ref": "#/$defs/escalation" }
      },
      "additionalProperties": false
    },
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "fix_limits": {
      "type": "object",
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 1, "maximum": 50 },
        "base_delay": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" },
        "jitter": { "type": "number", "minimum": 0, "maximum": 1 },
        "cooldown": { "$ref": "#/$defs/duration" },
        "escalation_enabled": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "priorities": {
      "type": "object",
      "properties": {
        "check_types": {
          "type": "object",
          "additionalProperties": { "type": "integer", "minimum": 0 }
        },
        "branches": {
          "type": "object",
          "additionalProperties": { "type": "integer" }
        },
        "rule": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "prompt": {
      "type": "object",
      "properties": {
        "context": { "type": "string" },
        "template": { "type": "string" }
      },
      "additionalProperties": false
    },
    "escalation": {
      "type": "object",
      "properties": {
        "channel": { "type": "string" },
        "mentions": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "routing": {
          "type": "array",
          "items": { "$ref": "#/$defs/routing_rule" }
        }
      },
      "additionalProperties": false
    },
    "routing_rule": {
      "type": "object",
      "required": ["when"],
      "properties": {
        "when": { "type": "string", "minLength": 1 },
        "channel": { "type": "string" },
        "mentions": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "urgency": {
          "type": "string",
          "enum": ["low", "normal", "critical"]
        }
      },
      "additionalProperties": false
    },
    "global_limits": {
      "type": "object",
      "properties": {
        "max_daily_fixes": { "type": "integer", "minimum": 1 },
        "max_concurrent_fixes": { "type": "integer", "minimum": 1 },
        "rate_limits": {
          "type": "object",
          "additionalProperties": { "$ref": "#/$defs/rate_limit" }
        }
      },
      "additionalProperties": false
    },
    "rate_limit": {
      "type": "object",
      "required": ["per_hour"],
      "properties": {
        "per_hour": { "type": "integer", "minimum": 1 },
        "burst": { "type": "integer", "minimum": 1 }
      },
      "additionalProperties": false
    }
  }
}`

// structuralValidator runs the JSON Schema stage. Safe for concurrent
// use once compiled.
type structuralValidator struct {
	compiled *jsonschema.Schema
}

func newStructuralValidator() (*structuralValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(repositoriesSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal repositories schema: %w", err)
	}
	const url = "https://pr-checks-agent.dev/schemas/repositories.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add repositories schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile repositories schema: %w", err)
	}
	return &structuralValidator{compiled: compiled}, nil
}

// validateBytes validates a raw JSON document against the schema.
func (v *structuralValidator) validateBytes(raw []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "config is not valid JSON: "+err.Error())
		return result
	}
	v.validateDoc(doc, result)
	return result
}

// validateValue validates an already-decoded config. The value is
// round-tripped through JSON so numbers become json.Number, which the
// jsonschema library requires.
func (v *structuralValidator) validateValue(cfg *schema.RepositoriesConfig) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	doc, err := toJSONValue(cfg)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "serialize config: "+err.Error())
		return result
	}
	v.validateDoc(doc, result)
	return result
}

func (v *structuralValidator) validateDoc(doc any, result *schema.ValidationResult) {
	err := v.compiled.Validate(doc)
	if err == nil {
		return
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	collectViolations(verr, result)
}

// collectViolations walks a ValidationError tree and records each leaf
// with its instance location so operators can find the offending field.
func collectViolations(verr *jsonschema.ValidationError, result *schema.ValidationResult) {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		result.AddError(loc, schema.ErrCodeValidation, verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(cause, result)
	}
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so
// that numeric values become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}
