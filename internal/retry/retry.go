// Package retry implements spec §4.A: executing a function under a backoff
// policy, classifying which errors are worth another attempt.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/riftlabs/flowengine/internal/domain"
)

// ErrCancelled is returned when a cancel signal preempts a pending attempt.
var ErrCancelled = errors.New("retry: cancelled")

// RetryHooks are invoked around each attempt, mirroring the teacher's
// onAttempt/onRetry/onSuccess/onFailure callback shape.
type RetryHooks struct {
	OnAttempt func(attempt, maxAttempts int)
	OnRetry   func(attempt int, delay time.Duration, err error)
	OnSuccess func(attempt int, duration time.Duration)
	OnFailure func(attempt int, err error, duration time.Duration)
}

// RetryResult reports how ExecuteWithRetry unfolded.
type RetryResult struct {
	OK       bool
	Attempts int
	Delays   []time.Duration
	Duration time.Duration
}

// CalculateDelay computes the backoff delay before attempt k+1 (1-indexed k),
// capped at MaxDelay and jittered by ±Jitter. Grounded on the teacher's
// executor/retry.go calculateDelay.
func CalculateDelay(policy *domain.RetryPolicy, attempt int) time.Duration {
	var base float64
	switch policy.Backoff {
	case domain.BackoffLinear:
		base = float64(policy.InitialDelay) * float64(attempt)
	case domain.BackoffExponential:
		mult := policy.Multiplier
		if mult <= 0 {
			mult = 2.0
		}
		base = float64(policy.InitialDelay) * math.Pow(mult, float64(attempt-1))
	default: // constant
		base = float64(policy.InitialDelay)
	}

	if policy.MaxDelay > 0 && base > float64(policy.MaxDelay) {
		base = float64(policy.MaxDelay)
	}

	if policy.Jitter > 0 {
		jitterFactor := 1 + policy.Jitter*(rand.Float64()*2-1)
		base *= jitterFactor
	}

	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

// defaultClassifier matches network-like errors: connection reset/refused,
// timeouts, unresolved hosts, and HTTP 429/5xx-family messages — the same
// substring classification the teacher's retry.go applies.
func defaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	needles := []string{
		"connection reset", "connection refused", "timeout", "timed out",
		"no such host", "dial tcp", "429", "500", "502", "503", "504",
		"circuit", // let CircuitBreakerOpenError re-enter classification at call sites that want it
	}
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}

func isRetryable(policy *domain.RetryPolicy, err error) bool {
	if policy.Classifier != nil {
		return policy.Classifier(err)
	}
	return defaultClassifier(err)
}

// ExecuteWithRetry runs fn under policy, sleeping between attempts per
// CalculateDelay, honoring ctx cancellation as the external cancel signal.
// Attempt numbering is 1-indexed; it stops once attempt > MaxRetries+1 or
// the classifier rejects the error as non-retryable.
func ExecuteWithRetry[T any](ctx context.Context, policy *domain.RetryPolicy, fn func(ctx context.Context) (T, error), hooks RetryHooks) (T, RetryResult, error) {
	if policy == nil {
		policy = domain.DefaultRetryPolicy()
	}
	var zero T
	result := RetryResult{}
	start := time.Now()
	maxAttempts := policy.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, result, ErrCancelled
		default:
		}

		if hooks.OnAttempt != nil {
			hooks.OnAttempt(attempt, maxAttempts)
		}

		result.Attempts = attempt
		value, err := fn(ctx)
		if err == nil {
			result.OK = true
			result.Duration = time.Since(start)
			if hooks.OnSuccess != nil {
				hooks.OnSuccess(attempt, result.Duration)
			}
			return value, result, nil
		}

		lastErr = err
		if attempt == maxAttempts || !isRetryable(policy, err) {
			result.Duration = time.Since(start)
			if hooks.OnFailure != nil {
				hooks.OnFailure(attempt, err, result.Duration)
			}
			return zero, result, lastErr
		}

		delay := CalculateDelay(policy, attempt)
		result.Delays = append(result.Delays, delay)
		if hooks.OnRetry != nil {
			hooks.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, result, ErrCancelled
		case <-timer.C:
		}
	}

	result.Duration = time.Since(start)
	return zero, result, lastErr
}
