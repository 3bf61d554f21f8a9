package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// GovernorConfig bundles the admission-control knobs.
type GovernorConfig struct {
	RateLimits         map[string]schema.RateLimit
	RateLimitFallback  schema.RateLimit
	Breaker            CircuitBreakerConfig
	MaxConcurrentFixes int
	MaxDailyFixes      int
}

// DefaultGovernorConfig returns the stock limits: observers may poll
// once a second sustained, fix attempts once a minute, notifications
// ten a minute.
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		RateLimits: map[string]schema.RateLimit{
			"observer": {PerHour: 3600, Burst: 60},
			"fixer":    {PerHour: 60, Burst: 5},
			"notifier": {PerHour: 600, Burst: 20},
		},
		RateLimitFallback:  schema.RateLimit{PerHour: 600, Burst: 10},
		Breaker:            DefaultCircuitBreakerConfig(),
		MaxConcurrentFixes: schema.DefaultMaxConcurrentFixes,
		MaxDailyFixes:      schema.DefaultMaxDailyFixes,
	}
}

// Governor guards every collaborator call: a token bucket and circuit
// breaker per collaborator, a hard cap on concurrent fix invocations,
// and a daily fix budget counted per UTC day.
type Governor struct {
	limiter  *RateLimiterRegistry
	breakers *CircuitBreakerRegistry
	fixSem   chan struct{}
	logger   *slog.Logger

	mu        sync.Mutex
	dailyUsed int
	dailyMax  int
	dailyDay  string
}

// NewGovernor creates a Governor from the given config.
func NewGovernor(cfg GovernorConfig, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	fixes := cfg.MaxConcurrentFixes
	if fixes <= 0 {
		fixes = schema.DefaultMaxConcurrentFixes
	}
	return &Governor{
		limiter:  NewRateLimiterRegistry(cfg.RateLimits, cfg.RateLimitFallback),
		breakers: NewCircuitBreakerRegistry(cfg.Breaker),
		fixSem:   make(chan struct{}, fixes),
		logger:   logger,
		dailyMax: cfg.MaxDailyFixes,
	}
}

// Admit runs breaker and bucket admission for one collaborator call.
// The breaker is consulted first so an open circuit does not burn tokens.
func (g *Governor) Admit(collaborator string) error {
	if err := g.breakers.AllowRequest(collaborator); err != nil {
		return err
	}
	return g.limiter.Allow(collaborator)
}

// Do wraps a collaborator call: admission, invocation, breaker
// bookkeeping.
func (g *Governor) Do(ctx context.Context, collaborator string, fn func(ctx context.Context) error) error {
	if err := g.Admit(collaborator); err != nil {
		return err
	}

	err := fn(ctx)
	g.Record(collaborator, err)
	return err
}

// Record feeds a call outcome into the collaborator's breaker. Callers
// that admit and invoke separately (the fix path opens a durable attempt
// between the two) report through here. Cancellation during shutdown is
// not recorded as a collaborator failure.
func (g *Governor) Record(collaborator string, err error) {
	if err == nil {
		g.breakers.RecordSuccess(collaborator)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	if state := g.breakers.RecordFailure(collaborator); state == CircuitOpen {
		g.logger.Warn("circuit breaker opened",
			"collaborator", collaborator,
			"stats", g.breakers.GetStats(collaborator))
	}
}

// AcquireFix takes a fix-concurrency slot, blocking until one frees or
// the context ends. The returned release is idempotent.
func (g *Governor) AcquireFix(ctx context.Context) (func(), error) {
	select {
	case g.fixSem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-g.fixSem })
		}, nil
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "fix slot wait cancelled").
			WithCause(ctx.Err())
	}
}

// SeedDailyBudget primes the counter for the given day, typically from
// the count of attempts already persisted today. Attempts survive a
// restart; the budget must too.
func (g *Governor) SeedDailyBudget(used int, day time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dailyDay = day.UTC().Format(time.DateOnly)
	g.dailyUsed = used
}

// ConsumeDailyFix takes one unit of today's budget. The counter resets
// when the UTC day rolls over. Denial carries the reset time so callers
// can park the item until then.
func (g *Governor) ConsumeDailyFix(now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	day := now.UTC().Format(time.DateOnly)
	if day != g.dailyDay {
		g.dailyDay = day
		g.dailyUsed = 0
	}
	if g.dailyMax > 0 && g.dailyUsed >= g.dailyMax {
		return schema.NewErrorf(schema.ErrCodeDailyLimit,
			"daily fix budget exhausted (%d/%d)", g.dailyUsed, g.dailyMax).
			WithDetails(map[string]any{
				"resets_at": NextUTCMidnight(now).Format(time.RFC3339),
			})
	}
	g.dailyUsed++
	return nil
}

// DailyBudget reports used and max for the current UTC day.
func (g *Governor) DailyBudget(now time.Time) (used, max int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if now.UTC().Format(time.DateOnly) != g.dailyDay {
		return 0, g.dailyMax
	}
	return g.dailyUsed, g.dailyMax
}

// BreakerState returns the circuit state for a collaborator.
func (g *Governor) BreakerState(collaborator string) CircuitState {
	return g.breakers.GetState(collaborator)
}

// Stats returns a diagnostic snapshot for the operator surface.
func (g *Governor) Stats(now time.Time) map[string]any {
	used, max := g.DailyBudget(now)
	return map[string]any{
		"daily_fixes_used":  used,
		"daily_fixes_max":   max,
		"fixes_in_flight":   len(g.fixSem),
		"fix_slots":         cap(g.fixSem),
		"breaker_observer":  g.breakers.GetState("observer").String(),
		"breaker_fixer":     g.breakers.GetState("fixer").String(),
		"breaker_notifier":  g.breakers.GetState("notifier").String(),
		"tokens_observer":   g.limiter.Tokens("observer"),
		"tokens_fixer":      g.limiter.Tokens("fixer"),
		"tokens_notifier":   g.limiter.Tokens("notifier"),
	}
}

// NextUTCMidnight returns the start of the next UTC day after now.
func NextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
