// Package resilience provides the policy objects the engine's Context
// carries as delayer and backoff_function entries, plus a small set of
// optional guard modifiers (circuit breaker, rate limiter) that operations
// may attach the same way they attach retry or dedup.
package resilience

import (
	"context"
	"math/rand"
	"time"

	backoffv4 "github.com/cenkalti/backoff/v4"
)

// BackoffFunction computes the sleep duration before retry attempt
// retryIndex (0-based, the attempt that just failed).
type BackoffFunction func(retryIndex int) time.Duration

// Delayer sleeps for duration, honouring ctx cancellation.
type Delayer interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RealDelayer sleeps using the real clock via time.After.
type RealDelayer struct{}

func (RealDelayer) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoDelay never sleeps and is used by Client's testing mode.
type NoDelay struct{}

func (NoDelay) Sleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

// ExponentialBackoff builds a BackoffFunction on top of
// github.com/cenkalti/backoff/v4's exponential policy, capped at max and
// with full jitter applied on top of the library's own multiplier curve.
func ExponentialBackoff(base, max time.Duration) BackoffFunction {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 60 * time.Second
	}
	return func(retryIndex int) time.Duration {
		b := backoffv4.NewExponentialBackOff()
		b.InitialInterval = base
		b.MaxInterval = max
		b.MaxElapsedTime = 0 // caller owns the attempt limit, not the policy
		b.Multiplier = 2
		b.RandomizationFactor = 0
		var d time.Duration
		for i := 0; i <= retryIndex; i++ {
			d = b.NextBackOff()
		}
		if d > max {
			d = max
		}
		if d <= 0 {
			return 0
		}
		return time.Duration(rand.Int63n(int64(d) + 1))
	}
}

// ConstantBackoff always waits d.
func ConstantBackoff(d time.Duration) BackoffFunction {
	return func(int) time.Duration { return d }
}

// ZeroBackoff never waits; used when Client is constructed in testing mode.
func ZeroBackoff() BackoffFunction {
	return func(int) time.Duration { return 0 }
}
