package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// --- Classify Tests ---

func TestClassify_Nil(t *testing.T) {
	assert.Equal(t, ClassTransient, Classify(nil))
}

func TestClassify_ContextDeadlineExceeded(t *testing.T) {
	// An action timeout is not a verdict on the fix.
	assert.Equal(t, ClassTransient, Classify(context.DeadlineExceeded))
}

func TestClassify_ContextCanceled(t *testing.T) {
	// Shutdown cancellation; the item resumes on the next boot.
	assert.Equal(t, ClassTransient, Classify(context.Canceled))
}

func TestClassify_AgentError_Fatal(t *testing.T) {
	fatalCodes := []string{
		schema.ErrCodeFatal,
		schema.ErrCodePermissionDenied,
		schema.ErrCodeVault,
	}

	for _, code := range fatalCodes {
		err := schema.NewError(code, "test")
		assert.Equal(t, ClassFatal, Classify(err), "expected %s to be fatal", code)
	}
}

func TestClassify_AgentError_Transient(t *testing.T) {
	transientCodes := []string{
		schema.ErrCodeTimeout,
		schema.ErrCodeCircuitOpen,
		schema.ErrCodeRateLimited,
		schema.ErrCodeDailyLimit,
		schema.ErrCodeUnavailable,
		schema.ErrCodeConflict,
		schema.ErrCodeExecution,
		schema.ErrCodeStore,
	}

	for _, code := range transientCodes {
		err := schema.NewError(code, "test")
		assert.Equal(t, ClassTransient, Classify(err), "expected %s to be transient", code)
	}
}

func TestClassify_AgentError_Permanent(t *testing.T) {
	permanentCodes := []string{
		schema.ErrCodeValidation,
		schema.ErrCodeNonRetryable,
		schema.ErrCodeInvalidTransition,
		schema.ErrCodeRetryExhausted,
		schema.ErrCodeCancelled,
	}

	for _, code := range permanentCodes {
		err := schema.NewError(code, "test")
		assert.Equal(t, ClassPermanent, Classify(err), "expected %s to be permanent", code)
	}
}

func TestClassify_WrappedAgentError(t *testing.T) {
	inner := schema.NewError(schema.ErrCodePermissionDenied, "token rejected")
	wrapped := fmt.Errorf("fixer call: %w", inner)
	assert.Equal(t, ClassFatal, Classify(wrapped))
}

func TestClassify_NetError(t *testing.T) {
	err := &net.DNSError{Err: "no such host", Name: "api.github.test", IsTimeout: true}
	assert.Equal(t, ClassTransient, Classify(err))
}

func TestClassify_NetworkPatterns(t *testing.T) {
	patterns := []string{
		"connection refused",
		"connection reset by peer",
		"broken pipe",
		"unexpected EOF",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}

	for _, p := range patterns {
		err := errors.New(p)
		assert.Equal(t, ClassTransient, Classify(err), "expected %q to be transient", p)
	}
}

func TestClassify_PlainError_DefaultTransient(t *testing.T) {
	// Unknown errors default to transient so the attempt budget stays
	// the limiting factor.
	err := errors.New("something went wrong")
	assert.Equal(t, ClassTransient, Classify(err))
}

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ClassTransient.String())
	assert.Equal(t, "permanent", ClassPermanent.String())
	assert.Equal(t, "fatal", ClassFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}

// --- Decide Tests ---

func TestDecide_BudgetExhausted(t *testing.T) {
	policy := schema.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Jitter: 0.2}

	d := Decide(3, policy)
	assert.False(t, d.Retry)
	assert.Equal(t, time.Duration(0), d.Delay)

	d = Decide(4, policy)
	assert.False(t, d.Retry)
}

func TestDecide_GrantsRetry(t *testing.T) {
	policy := schema.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Jitter: 0.2}

	d := Decide(1, policy)
	assert.True(t, d.Retry)
	assert.Greater(t, d.Delay, time.Duration(0))

	d = Decide(2, policy)
	assert.True(t, d.Retry)
}

func TestDecide_JitterBounds(t *testing.T) {
	policy := schema.RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    time.Hour,
		Jitter:      0.25,
	}

	// After two attempts the deterministic delay is 2s; jitter scales it
	// by [1, 1.25).
	for i := 0; i < 50; i++ {
		d := Decide(2, policy)
		assert.True(t, d.Retry)
		assert.GreaterOrEqual(t, d.Delay, 2*time.Second)
		assert.Less(t, d.Delay, 2500*time.Millisecond)
	}
}

// --- ComputeBackoff Tests ---

func TestComputeBackoff_ZeroBaseDelay(t *testing.T) {
	policy := schema.RetryPolicy{MaxAttempts: 3}
	assert.Equal(t, time.Duration(0), ComputeBackoff(policy, 1, 0))
}

func TestComputeBackoff_Exponential(t *testing.T) {
	policy := schema.RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond}

	assert.Equal(t, 10*time.Millisecond, ComputeBackoff(policy, 1, 0))
	assert.Equal(t, 20*time.Millisecond, ComputeBackoff(policy, 2, 0))
	assert.Equal(t, 40*time.Millisecond, ComputeBackoff(policy, 3, 0))
	assert.Equal(t, 80*time.Millisecond, ComputeBackoff(policy, 4, 0))
}

func TestComputeBackoff_FirstRetryClamped(t *testing.T) {
	policy := schema.RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}

	// Zero or negative attempt counts behave like the first retry.
	assert.Equal(t, 10*time.Millisecond, ComputeBackoff(policy, 0, 0))
	assert.Equal(t, 10*time.Millisecond, ComputeBackoff(policy, -5, 0))
}

func TestComputeBackoff_JitterScales(t *testing.T) {
	policy := schema.RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}

	assert.Equal(t, 15*time.Millisecond, ComputeBackoff(policy, 1, 0.5))
	assert.Equal(t, 30*time.Millisecond, ComputeBackoff(policy, 2, 0.5))
}

func TestComputeBackoff_NegativeJitterClamped(t *testing.T) {
	policy := schema.RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, ComputeBackoff(policy, 1, -0.5))
}

func TestComputeBackoff_MaxDelayCap(t *testing.T) {
	policy := schema.RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
	}

	// Without cap: 10, 20, 40, 80, 160...
	// With max_delay=50ms: 10, 20, 40, 50, 50...
	assert.Equal(t, 10*time.Millisecond, ComputeBackoff(policy, 1, 0))
	assert.Equal(t, 20*time.Millisecond, ComputeBackoff(policy, 2, 0))
	assert.Equal(t, 40*time.Millisecond, ComputeBackoff(policy, 3, 0))
	assert.Equal(t, 50*time.Millisecond, ComputeBackoff(policy, 4, 0)) // capped
	assert.Equal(t, 50*time.Millisecond, ComputeBackoff(policy, 5, 0)) // capped
}

func TestComputeBackoff_JitterStillCapped(t *testing.T) {
	policy := schema.RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
	}

	// 40ms * 1.5 = 60ms, over the cap.
	assert.Equal(t, 50*time.Millisecond, ComputeBackoff(policy, 3, 0.5))
}

func TestComputeBackoff_LargeExponent(t *testing.T) {
	policy := schema.RetryPolicy{
		MaxAttempts: 100,
		BaseDelay:   time.Second,
		MaxDelay:    time.Hour,
	}

	// 2^59 seconds overflows a Duration; the float path must still land
	// on the cap.
	assert.Equal(t, time.Hour, ComputeBackoff(policy, 60, 0))
}

// --- WaitForBackoff Tests ---

func TestWaitForBackoff_ZeroDelay(t *testing.T) {
	err := WaitForBackoff(context.Background(), 0)
	assert.NoError(t, err)
}

func TestWaitForBackoff_NegativeDelay(t *testing.T) {
	err := WaitForBackoff(context.Background(), -1)
	assert.NoError(t, err)
}

func TestWaitForBackoff_Waits(t *testing.T) {
	start := time.Now()
	err := WaitForBackoff(context.Background(), 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond) // allow some tolerance
}

func TestWaitForBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := WaitForBackoff(ctx, 5*time.Second)
	elapsed := time.Since(start)

	assert.Error(t, err)
	assert.Less(t, elapsed, time.Second) // should exit quickly, not wait 5s
}
