package engine

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// ErrorClass is the coarse failure taxonomy the pipeline acts on.
type ErrorClass int

const (
	// ClassTransient errors go through the retry budget.
	ClassTransient ErrorClass = iota
	// ClassPermanent errors escalate without consuming further attempts.
	ClassPermanent
	// ClassFatal errors block the item until an operator intervenes.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps an error to its failure class. Typed AgentErrors are
// inspected first; untyped errors fall back to net.Error and string
// heuristics, defaulting to transient so the attempt budget stays the
// limiting factor.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}

	// A deadline is an action timeout, not a verdict on the fix.
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	// Cancellation means shutdown; the item resumes from its durable
	// state on the next boot.
	if errors.Is(err, context.Canceled) {
		return ClassTransient
	}

	var agErr *schema.AgentError
	if errors.As(err, &agErr) {
		if agErr.IsFatal() {
			return ClassFatal
		}
		if agErr.IsRetryable() {
			return ClassTransient
		}
		return ClassPermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return ClassTransient
		}
	}

	return ClassTransient
}

// Decision is the retry controller's verdict after a failed attempt.
// Retry false means the budget is exhausted and the failure path must
// escalate.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide returns the retry decision after attemptsUsed completed attempts.
// The delay carries a fresh random jitter draw; pass the result of
// ComputeBackoff directly when a deterministic delay is needed.
func Decide(attemptsUsed int, policy schema.RetryPolicy) Decision {
	if attemptsUsed >= policy.MaxAttempts {
		return Decision{Retry: false}
	}
	return Decision{
		Retry: true,
		Delay: ComputeBackoff(policy, attemptsUsed, rand.Float64()*policy.Jitter),
	}
}

// ComputeBackoff calculates the wait before the retry following the
// given attempt: base_delay doubled per prior attempt, scaled by
// (1 + jitterFrac), capped at max_delay. The first retry waits about
// one base_delay.
func ComputeBackoff(policy schema.RetryPolicy, attemptsUsed int, jitterFrac float64) time.Duration {
	if policy.BaseDelay <= 0 {
		return 0
	}
	if attemptsUsed < 1 {
		attemptsUsed = 1
	}
	if jitterFrac < 0 {
		jitterFrac = 0
	}

	// Float math to survive large exponents before the cap applies.
	delay := float64(policy.BaseDelay) * math.Pow(2, float64(attemptsUsed-1)) * (1 + jitterFrac)
	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		return policy.MaxDelay
	}
	return time.Duration(delay)
}

// WaitForBackoff sleeps for the given delay or returns early if the context
// is cancelled. Returns the context error on cancellation.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
