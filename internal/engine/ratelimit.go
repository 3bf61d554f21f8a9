package engine

import (
	"math"
	"sync"
	"time"

	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// RateLimiterRegistry manages per-collaborator token buckets. Tokens
// refill continuously at the configured sustained rate up to the burst
// size, so idle time buys a short surge but never a sustained overrun.
type RateLimiterRegistry struct {
	mu       sync.Mutex
	buckets  map[string]*tokenBucket
	limits   map[string]schema.RateLimit
	fallback schema.RateLimit
	now      func() time.Time
}

// NewRateLimiterRegistry creates a registry. Collaborators without an
// entry in limits get the fallback; a fallback of zero disables limiting
// for them.
func NewRateLimiterRegistry(limits map[string]schema.RateLimit, fallback schema.RateLimit) *RateLimiterRegistry {
	return &RateLimiterRegistry{
		buckets:  make(map[string]*tokenBucket),
		limits:   limits,
		fallback: fallback,
		now:      time.Now,
	}
}

type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	burst  float64
	perSec float64
	last   time.Time
}

// Allow takes one token for a call to the collaborator. Denial returns a
// RATE_LIMITED error carrying the wait until the next token; RATE_LIMITED
// is retryable, so a denied call defers rather than fails the item.
func (r *RateLimiterRegistry) Allow(collaborator string) error {
	b := r.getOrCreate(collaborator)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.perSec <= 0 {
		return nil
	}

	b.refill(r.now())
	if b.tokens >= 1 {
		b.tokens--
		return nil
	}

	wait := time.Duration((1 - b.tokens) / b.perSec * float64(time.Second))
	return schema.NewErrorf(schema.ErrCodeRateLimited,
		"rate limit reached for collaborator %q", collaborator).
		WithDetails(map[string]any{
			"collaborator": collaborator,
			"retry_after":  wait.String(),
		})
}

// Tokens reports the current token count for a collaborator, refilled
// to now. Diagnostic only.
func (r *RateLimiterRegistry) Tokens(collaborator string) float64 {
	b := r.getOrCreate(collaborator)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(r.now())
	return b.tokens
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.burst, b.tokens+elapsed*b.perSec)
		b.last = now
	}
}

func (r *RateLimiterRegistry) getOrCreate(collaborator string) *tokenBucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[collaborator]
	if !ok {
		limit, found := r.limits[collaborator]
		if !found {
			limit = r.fallback
		}
		burst := float64(limit.Burst)
		if burst < 1 {
			burst = 1
		}
		b = &tokenBucket{
			tokens: burst,
			burst:  burst,
			perSec: float64(limit.PerHour) / 3600.0,
			last:   r.now(),
		}
		r.buckets[collaborator] = b
	}
	return b
}
