// Package validation checks the repositories configuration before the
// agent acts on it. Validation runs in three stages: structural (JSON
// Schema Draft 2020-12), semantic (cross-field rules the schema cannot
// express), and expressions (cron schedules, priority rules and routing
// conditions must compile). Structural failures short-circuit the later
// stages, which assume a well-formed document.
package validation

import (
	"context"
	"encoding/json"

	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// ConfigValidator validates a RepositoriesConfig through all three
// stages. It is safe for concurrent use.
type ConfigValidator struct {
	structural *structuralValidator
	rules      *ruleChecker
}

// NewConfigValidator compiles the embedded repositories schema and the
// expression engines used by the rules stage.
func NewConfigValidator() (*ConfigValidator, error) {
	sv, err := newStructuralValidator()
	if err != nil {
		return nil, err
	}
	rc, err := newRuleChecker()
	if err != nil {
		return nil, err
	}
	return &ConfigValidator{structural: sv, rules: rc}, nil
}

// Validate runs all stages against an already-decoded config.
func (v *ConfigValidator) Validate(ctx context.Context, cfg *schema.RepositoriesConfig) *schema.ValidationResult {
	if cfg == nil {
		result := &schema.ValidationResult{}
		result.AddError("/", schema.ErrCodeValidation, "repositories config is nil")
		return result
	}

	result := v.structural.validateValue(cfg)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(cfg))
	result.Merge(v.rules.validate(ctx, cfg))
	return result
}

// ValidateDocument validates a raw JSON document and decodes it. The
// structural stage runs against the raw bytes so unknown keys are
// caught before decoding silently drops them. Returns the decoded
// config on success, or a VALIDATION_ERROR carrying every issue found.
func (v *ConfigValidator) ValidateDocument(ctx context.Context, raw []byte) (*schema.RepositoriesConfig, error) {
	result := v.structural.validateBytes(raw)
	if !result.Valid() {
		return nil, result.ToError()
	}

	var cfg schema.RepositoriesConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"decode repositories config").WithCause(err)
	}

	result.Merge(validateSemantic(&cfg))
	result.Merge(v.rules.validate(ctx, &cfg))
	if err := result.ToError(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
