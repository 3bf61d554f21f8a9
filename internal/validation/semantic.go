package validation

import (
	"fmt"
	"path"
	"time"

	"github.com/feddericovonwernich/pr-checks-agent/internal/collab"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// validateSemantic performs cross-field analysis the JSON Schema cannot
// express: duplicate repositories, duration ordering, glob pattern
// syntax, and rate-limit targets.
func validateSemantic(cfg *schema.RepositoriesConfig) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[string]int, len(cfg.Repositories))
	for i := range cfg.Repositories {
		pol := &cfg.Repositories[i]
		p := fmt.Sprintf("repositories[%d]", i)

		if first, dup := seen[pol.FullName()]; dup {
			result.AddError(p, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate repository %q (first defined at repositories[%d])", pol.FullName(), first))
		} else {
			seen[pol.FullName()] = i
		}

		validateGlobs(pol.BranchFilters, p+".branch_filters", result)
		validateFixLimits(&pol.FixLimits, p+".fix_limits", result)
		validatePriorityGlobs(pol.Priorities.Branches, p+".priorities.branches", result)
		validateEscalation(pol, p, result)
	}

	if cfg.Limits != nil {
		validateGlobalLimits(cfg.Limits, "global_limits", result)
	}

	return result
}

func validateGlobs(patterns []string, p string, result *schema.ValidationResult) {
	for j, pattern := range patterns {
		if _, err := path.Match(pattern, "x"); err != nil {
			result.AddError(fmt.Sprintf("%s[%d]", p, j), schema.ErrCodeValidation,
				fmt.Sprintf("malformed glob pattern %q", pattern))
		}
	}
}

func validatePriorityGlobs(branches map[string]int, p string, result *schema.ValidationResult) {
	for pattern := range branches {
		if _, err := path.Match(pattern, "x"); err != nil {
			result.AddError(fmt.Sprintf("%s[%s]", p, pattern), schema.ErrCodeValidation,
				fmt.Sprintf("malformed glob pattern %q", pattern))
		}
	}
}

func validateFixLimits(limits *schema.FixLimits, p string, result *schema.ValidationResult) {
	base := schema.DefaultBaseDelay
	if limits.BaseDelay != "" {
		d, err := time.ParseDuration(limits.BaseDelay)
		if err != nil {
			result.AddError(p+".base_delay", schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", limits.BaseDelay))
		} else if d <= 0 {
			result.AddError(p+".base_delay", schema.ErrCodeValidation, "base_delay must be positive")
		} else {
			base = d
		}
	}

	maxDelay := schema.DefaultMaxDelay
	if limits.MaxDelay != "" {
		d, err := time.ParseDuration(limits.MaxDelay)
		if err != nil {
			result.AddError(p+".max_delay", schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", limits.MaxDelay))
		} else if d <= 0 {
			result.AddError(p+".max_delay", schema.ErrCodeValidation, "max_delay must be positive")
		} else {
			maxDelay = d
		}
	}

	if maxDelay < base {
		result.AddError(p+".max_delay", schema.ErrCodeValidation,
			fmt.Sprintf("max_delay (%s) is below base_delay (%s)", maxDelay, base))
	}

	if limits.Cooldown != "" {
		if d, err := time.ParseDuration(limits.Cooldown); err != nil {
			result.AddError(p+".cooldown", schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", limits.Cooldown))
		} else if d < 0 {
			result.AddError(p+".cooldown", schema.ErrCodeValidation, "cooldown must not be negative")
		}
	}

	if limits.MaxAttempts > 10 {
		result.AddWarning(p+".max_attempts", schema.ErrCodeValidation,
			fmt.Sprintf("high attempt cap (%d) can keep a broken check churning for hours", limits.MaxAttempts))
	}
}

func validateEscalation(pol *schema.RepositoryPolicy, p string, result *schema.ValidationResult) {
	if !pol.FixLimits.Escalate() {
		return
	}
	// Routing rules without channels only work when a default exists.
	if pol.Escalation.Channel != "" {
		return
	}
	for j, rule := range pol.Escalation.Routing {
		if rule.Channel == "" {
			result.AddWarning(fmt.Sprintf("%s.escalation.routing[%d].channel", p, j),
				schema.ErrCodeValidation,
				"rule has no channel and the repository has no default channel; matched escalations go to the notifier default")
		}
	}
}

func validateGlobalLimits(limits *schema.GlobalLimits, p string, result *schema.ValidationResult) {
	if limits.MaxDailyFixes > 0 && limits.MaxConcurrentFixes > limits.MaxDailyFixes {
		result.AddWarning(p+".max_concurrent_fixes", schema.ErrCodeValidation,
			fmt.Sprintf("max_concurrent_fixes (%d) exceeds max_daily_fixes (%d); the daily budget exhausts in one wave",
				limits.MaxConcurrentFixes, limits.MaxDailyFixes))
	}

	known := map[string]bool{
		collab.NameObserver:   true,
		collab.NameClassifier: true,
		collab.NameFixer:      true,
		collab.NameNotifier:   true,
	}
	for name, rl := range limits.RateLimits {
		rp := fmt.Sprintf("%s.rate_limits[%s]", p, name)
		if !known[name] {
			result.AddWarning(rp, schema.ErrCodeValidation,
				fmt.Sprintf("%q is not a collaborator role; this limit never applies", name))
		}
		if rl.Burst > 0 && rl.Burst > rl.PerHour {
			result.AddWarning(rp+".burst", schema.ErrCodeValidation,
				fmt.Sprintf("burst (%d) exceeds per_hour (%d)", rl.Burst, rl.PerHour))
		}
	}
}
