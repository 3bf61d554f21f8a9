package validation

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/feddericovonwernich/pr-checks-agent/internal/expressions"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// ruleChecker is the third validation stage: every expression the agent
// will evaluate later must compile now. Scan schedules parse as 5-field
// cron, priority rules compile against the scorer's variables, and
// routing conditions compile as CEL. Catching these at load time means
// a typo cannot surface mid-escalation.
type ruleChecker struct {
	cronParser cron.Parser
	expr       *expressions.ExprEngine
	cel        *expressions.CELEngine
}

func newRuleChecker() (*ruleChecker, error) {
	celEng, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &ruleChecker{
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		expr:       expressions.NewExprEngine(),
		cel:        celEng,
	}, nil
}

func (rc *ruleChecker) validate(ctx context.Context, cfg *schema.RepositoriesConfig) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	for i := range cfg.Repositories {
		pol := &cfg.Repositories[i]
		p := fmt.Sprintf("repositories[%d]", i)

		if pol.ScanSchedule != "" {
			if _, err := rc.cronParser.Parse(pol.ScanSchedule); err != nil {
				result.AddError(p+".scan_schedule", schema.ErrCodeValidation,
					fmt.Sprintf("invalid cron expression %q: %s", pol.ScanSchedule, err))
			}
		}

		if pol.Priorities.Rule != "" {
			rc.checkPriorityRule(ctx, pol.Priorities.Rule, p+".priorities.rule", result)
		}

		for j, rule := range pol.Escalation.Routing {
			rc.checkRoutingCondition(ctx, rule.When,
				fmt.Sprintf("%s.escalation.routing[%d].when", p, j), result)
		}
	}
	return result
}

// checkPriorityRule evaluates the rule against representative scorer
// variables. A compile failure or a non-numeric result is an error; a
// data-dependent runtime failure is accepted, real inputs may differ.
func (rc *ruleChecker) checkPriorityRule(ctx context.Context, rule, p string, result *schema.ValidationResult) {
	out, err := rc.expr.Evaluate(ctx, rule, map[string]any{
		"check_weight":  5,
		"branch_weight": 0,
		"check_type":    "tests",
		"check_name":    "unit-tests",
		"branch":        "main",
		"pr_number":     1,
	})
	if err != nil {
		if isCompileError(err) {
			result.AddError(p, schema.ErrCodeValidation,
				fmt.Sprintf("priority rule does not compile: %s", err))
		}
		return
	}
	switch out.(type) {
	case int, int64, float64, float32, uint64:
	default:
		result.AddError(p, schema.ErrCodeValidation,
			fmt.Sprintf("priority rule returned %T, want a number", out))
	}
}

// checkRoutingCondition compiles the CEL condition and, when the probe
// evaluation succeeds, checks that it yields a boolean.
func (rc *ruleChecker) checkRoutingCondition(ctx context.Context, when, p string, result *schema.ValidationResult) {
	out, err := rc.cel.Evaluate(ctx, when, map[string]any{
		"item": map[string]any{
			"repo": "acme/api", "pr_number": 1, "check_name": "unit-tests",
			"check_type": "tests", "branch": "main", "priority": 5,
			"attempt_count": 1, "status": "escalating",
		},
		"escalation": map[string]any{"reason": "retry_exhausted", "urgency": "normal"},
		"analysis":   map[string]any{"fixable": false, "severity": "normal"},
		"failure":    map[string]any{"excerpt": ""},
		"policy":     map[string]any{},
		"repo":       map[string]any{"full_name": "acme/api"},
	})
	if err != nil {
		if isCompileError(err) {
			result.AddError(p, schema.ErrCodeValidation,
				fmt.Sprintf("routing condition does not compile: %s", err))
		}
		return
	}
	if _, ok := out.(bool); !ok {
		result.AddError(p, schema.ErrCodeValidation,
			fmt.Sprintf("routing condition returned %T, want bool", out))
	}
}

// isCompileError distinguishes compile failures from runtime failures
// on the probe data. Only compile failures reject the config.
func isCompileError(err error) bool {
	var agErr *schema.AgentError
	if errors.As(err, &agErr) {
		return agErr.Code == schema.ErrCodeValidation
	}
	return true
}
