// Package retry provides bounded retry with explicit policies.
//
// A Policy decides how many attempts to make, how long to wait between
// them, and — through its Retryable predicate — which errors are worth
// retrying at all. Backoff can be fixed or exponential with jitter.
//
//	policy := retry.Policy{
//		MaxAttempts: 3,
//		Delay:       time.Second,
//		Retryable:   func(err error) bool { return errors.Is(err, ai.ErrInvalidFunctionArgs) },
//	}
//	err := retry.Do(ctx, policy, func() error {
//		return generateArguments()
//	})
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy controls retry behaviour for a single operation.
type Policy struct {
	MaxAttempts int           // Total attempts including the first (default: 1)
	Delay       time.Duration // Base delay between attempts
	MaxDelay    time.Duration // Cap for exponential backoff; 0 means no cap
	Multiplier  float64       // Backoff multiplier; <= 1 means fixed delay
	Jitter      bool          // Randomize delays to avoid thundering herds

	// Retryable reports whether an error should be retried. A nil
	// predicate retries every error.
	Retryable func(error) bool
}

// FixedPolicy returns a policy retrying up to attempts times with a
// fixed delay between attempts, for any error.
func FixedPolicy(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay}
}

// DefaultBackoffPolicy returns the exponential backoff policy used for
// transient infrastructure failures.
func DefaultBackoffPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Delay:       time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

func (p Policy) delayFor(attempt int) time.Duration {
	d := p.Delay
	if p.Multiplier > 1 && attempt > 1 {
		interval := float64(p.Delay) * math.Pow(p.Multiplier, float64(attempt-1))
		if p.MaxDelay > 0 && interval > float64(p.MaxDelay) {
			interval = float64(p.MaxDelay)
		}
		d = time.Duration(interval)
	}
	if p.Jitter && d > 0 {
		jitter := time.Duration(rand.Int63n(int64(d/2) + 1))
		d = d/2 + jitter
	}
	return d
}

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	return StopError{Err: err}
}

// Do runs fn until it succeeds, the policy is exhausted, the error is
// not retryable, or the context is cancelled.
func Do(ctx context.Context, policy Policy, fn func() error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-time.After(policy.delayFor(attempt - 1)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		if policy.Retryable != nil && !policy.Retryable(err) {
			return err
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
