package schema

import (
	"fmt"
	"time"
)

// Defaults applied when the repositories config leaves a limit unset.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 60 * time.Second
	DefaultMaxDelay    = 30 * time.Minute
	DefaultJitter      = 0.2
	DefaultCooldown    = 24 * time.Hour

	DefaultScanSchedule = "*/5 * * * *"

	DefaultMaxDailyFixes      = 50
	DefaultMaxConcurrentFixes = 5
)

// RepositoriesConfig is the JSON repositories file format. Operators
// provide one entry per monitored repository plus optional global limits.
type RepositoriesConfig struct {
	Repositories []RepositoryPolicy `json:"repositories"`
	Limits       *GlobalLimits      `json:"global_limits,omitempty"`
}

// RepositoryPolicy is the per-repository configuration. It is loaded once
// per scan cycle and passed explicitly into every decision function.
type RepositoryPolicy struct {
	Owner         string           `json:"owner"`
	Name          string           `json:"name"`
	BranchFilters []string         `json:"branch_filters,omitempty"` // glob patterns; empty = all branches
	CheckTypes    []string         `json:"check_types,omitempty"`    // monitored check types; empty = all
	ScanSchedule  string           `json:"scan_schedule,omitempty"`  // 5-field cron (default: every 5 minutes)
	FixLimits     FixLimits        `json:"fix_limits"`
	Priorities    PriorityRules    `json:"priorities,omitempty"`
	Prompt        PromptConfig     `json:"prompt,omitempty"`
	Escalation    EscalationConfig `json:"escalation,omitempty"`
}

// FullName returns the owner/name form used as the repo key everywhere.
func (p *RepositoryPolicy) FullName() string {
	return fmt.Sprintf("%s/%s", p.Owner, p.Name)
}

// RetryPolicy returns the parsed retry configuration. Durations are
// validated at config load, so a parse failure here falls back to the
// defaults rather than surfacing again.
func (p *RepositoryPolicy) RetryPolicy() RetryPolicy {
	rp, err := p.FixLimits.RetryPolicy()
	if err != nil {
		return RetryPolicy{
			MaxAttempts: DefaultMaxAttempts,
			BaseDelay:   DefaultBaseDelay,
			MaxDelay:    DefaultMaxDelay,
			Jitter:      DefaultJitter,
		}
	}
	return rp
}

// FixLimits bounds the automated-fix machinery for one repository.
type FixLimits struct {
	MaxAttempts       int     `json:"max_attempts,omitempty"`       // fix attempts before escalation (default: 3)
	BaseDelay         string  `json:"base_delay,omitempty"`         // first retry delay (e.g. "60s")
	MaxDelay          string  `json:"max_delay,omitempty"`          // backoff cap (e.g. "30m")
	Jitter            float64 `json:"jitter,omitempty"`             // random fraction added to each delay
	Cooldown          string  `json:"cooldown,omitempty"`           // min gap between escalations per check (default: "24h")
	EscalationEnabled *bool   `json:"escalation_enabled,omitempty"` // default: true
}

// RetryPolicy is the parsed retry configuration handed to the retry
// controller. Produced from FixLimits after validation.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// RetryPolicy parses the string durations and applies defaults.
func (l *FixLimits) RetryPolicy() (RetryPolicy, error) {
	p := RetryPolicy{
		MaxAttempts: l.MaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      l.Jitter,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Jitter <= 0 {
		p.Jitter = DefaultJitter
	}
	if l.BaseDelay != "" {
		d, err := time.ParseDuration(l.BaseDelay)
		if err != nil {
			return p, NewErrorf(ErrCodeValidation, "invalid base_delay %q", l.BaseDelay).WithCause(err)
		}
		p.BaseDelay = d
	}
	if l.MaxDelay != "" {
		d, err := time.ParseDuration(l.MaxDelay)
		if err != nil {
			return p, NewErrorf(ErrCodeValidation, "invalid max_delay %q", l.MaxDelay).WithCause(err)
		}
		p.MaxDelay = d
	}
	return p, nil
}

// CooldownDuration parses the escalation cooldown, defaulting to 24h.
func (l *FixLimits) CooldownDuration() (time.Duration, error) {
	if l.Cooldown == "" {
		return DefaultCooldown, nil
	}
	d, err := time.ParseDuration(l.Cooldown)
	if err != nil {
		return 0, NewErrorf(ErrCodeValidation, "invalid cooldown %q", l.Cooldown).WithCause(err)
	}
	return d, nil
}

// Escalate reports whether escalation is enabled (default true).
func (l *FixLimits) Escalate() bool {
	return l.EscalationEnabled == nil || *l.EscalationEnabled
}

// PriorityRules assigns scheduling priority at item creation. Lower is
// more urgent. The optional rule expression overrides the additive
// default and receives check_weight, branch_weight, check_type, branch
// and pr_number.
type PriorityRules struct {
	CheckTypes map[string]int `json:"check_types,omitempty"` // e.g. security:1 tests:2 linting:3 ci:4
	Branches   map[string]int `json:"branches,omitempty"`    // glob pattern -> weight, first match wins
	Rule       string         `json:"rule,omitempty"`        // expression returning a number
}

// PromptConfig shapes the context handed to the fix agent.
type PromptConfig struct {
	Context  string `json:"context,omitempty"`  // repository background prepended to every fix request
	Template string `json:"template,omitempty"` // full template with ${{...}} interpolation
}

// EscalationConfig selects where human notifications go.
type EscalationConfig struct {
	Channel  string        `json:"channel,omitempty"`
	Mentions []string      `json:"mentions,omitempty"`
	Routing  []RoutingRule `json:"routing,omitempty"` // first matching rule wins
}

// RoutingRule routes an escalation when its condition holds.
type RoutingRule struct {
	When     string   `json:"when"` // CEL condition over item, escalation and policy
	Channel  string   `json:"channel,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
	Urgency  string   `json:"urgency,omitempty"` // low | normal | critical
}

// GlobalLimits caps the whole agent across repositories.
type GlobalLimits struct {
	MaxDailyFixes      int                  `json:"max_daily_fixes,omitempty"`      // UTC day (default: 50)
	MaxConcurrentFixes int                  `json:"max_concurrent_fixes,omitempty"` // hard cap, independent of the pool (default: 5)
	RateLimits         map[string]RateLimit `json:"rate_limits,omitempty"`          // collaborator name -> bucket
}

// RateLimit is a sustained-rate token bucket configuration.
type RateLimit struct {
	PerHour int `json:"per_hour"`
	Burst   int `json:"burst,omitempty"` // bucket capacity (default: per-minute share, min 1)
}
