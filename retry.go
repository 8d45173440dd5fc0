// Copyright 2026 Canonical Ltd.
// Licensed under the LGPLv3, see LICENCE file for details.

package vsphereclient

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
)

// unboundedRetries makes a retry strategy re-invoke its operation
// until it succeeds or fails with a non-retryable error.
const unboundedRetries = -1

// retryStrategy describes how one operation is retried. Counters are
// local to a single callWithRetry invocation; strategies themselves
// are immutable and may be shared.
type retryStrategy struct {
	// maxRetries bounds the number of re-invocations after the first
	// attempt: 0 means a single attempt, unboundedRetries means no
	// bound at all.
	maxRetries int

	// backoffIncrement is added to the sleep before each successive
	// retry, so retry k sleeps k*backoffIncrement, capped at
	// maxBackoff. The sleep never resets within one invocation.
	backoffIncrement time.Duration
	maxBackoff       time.Duration

	// isRetryable reports whether an error may trigger a retry. Any
	// error it rejects propagates immediately.
	isRetryable func(error) bool
}

// callWithRetry invokes f under the given strategy. On exhaustion the
// most recent error is propagated; ctx cancellation interrupts the
// inter-retry sleep.
func callWithRetry(ctx context.Context, clk clock.Clock, strategy retryStrategy, description string, f func() error) error {
	attempts := strategy.maxRetries + 1
	if strategy.maxRetries == unboundedRetries {
		attempts = retry.UnlimitedAttempts
	}
	err := retry.Call(retry.CallArgs{
		Func: f,
		IsFatalError: func(err error) bool {
			return !strategy.isRetryable(err)
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Warningf("retryable error calling %s (attempt %d): %v", description, attempt, lastError)
		},
		Attempts:    attempts,
		Delay:       strategy.backoffIncrement,
		MaxDelay:    strategy.maxBackoff,
		BackoffFunc: incrementalBackoff(strategy.backoffIncrement, strategy.maxBackoff),
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		return errors.Trace(retry.LastError(err))
	}
	return errors.Trace(err)
}

// incrementalBackoff grows the inter-retry sleep linearly: attempt k
// sleeps k*increment, capped at max.
func incrementalBackoff(increment, max time.Duration) func(time.Duration, int) time.Duration {
	return func(delay time.Duration, attempt int) time.Duration {
		d := time.Duration(attempt) * increment
		if d > max {
			return max
		}
		return d
	}
}
