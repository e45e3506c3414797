// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience provides stateless combinators for unreliable
// operations: bounded retry with exponential backoff and jitter, and a
// distinguishable timeout wrapper.
//
// The combinators introduce no shared state and are safe to run
// concurrently. Cancellation is cooperative: WithTimeout abandons the wait
// but only cancels the operation's context, it cannot preempt it.
package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryOptions configures WithRetry.
//
// Description:
//
//	The zero value retries up to DefaultMaxAttempts times with no delay
//	between attempts, which is what deterministic tests want. Use
//	DefaultRetryOptions for the production backoff profile.
type RetryOptions struct {
	// MaxAttempts is the total number of invocations, including the
	// first. Values below 1 are treated as DefaultMaxAttempts.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt. Subsequent
	// delays double, capped at MaxDelay. Zero retries immediately.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff. Zero means no cap.
	MaxDelay time.Duration

	// JitterRatio randomizes each delay within ±delay*JitterRatio.
	// Values <= 0 disable jitter.
	JitterRatio float64

	// ShouldRetry decides after each failure whether to continue.
	// Receives the error and the 1-based attempt number that failed.
	// Nil means always retry until MaxAttempts.
	ShouldRetry func(err error, attempt int) bool
}

// Default retry parameters, matching the production backoff profile.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 8 * time.Second
	DefaultJitterRatio = 0.2
)

// DefaultRetryOptions returns the production retry profile: three attempts,
// 1s base delay doubling to an 8s cap, 20% jitter.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		JitterRatio: DefaultJitterRatio,
	}
}

// WithRetry invokes fn until it succeeds or the attempt budget is spent.
//
// Description:
//
//	Runs fn up to MaxAttempts times. Between attempts it sleeps the
//	exponential backoff delay (with optional jitter), honoring context
//	cancellation during the wait. After each failure ShouldRetry (if
//	set) may stop the loop early. The error returned is always the
//	operation's own last error — never a wrapper — so callers can
//	branch on it with errors.Is/As.
//
// Outputs:
//
//	T - fn's result on the first success.
//	error - fn's last error, or ctx.Err() if cancelled while waiting.
func WithRetry[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts RetryOptions) (T, error) {
	var zero T

	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(err, attempt) {
			break
		}

		if err := sleep(ctx, backoffDelay(attempt, opts)); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// backoffDelay computes the wait after the given 1-based failed attempt:
// min(MaxDelay, BaseDelay * 2^(attempt-1)), jittered within ±JitterRatio.
func backoffDelay(attempt int, opts RetryOptions) time.Duration {
	if opts.BaseDelay <= 0 {
		return 0
	}

	delay := opts.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if opts.MaxDelay > 0 && delay >= opts.MaxDelay {
			delay = opts.MaxDelay
			break
		}
	}
	if opts.MaxDelay > 0 && delay > opts.MaxDelay {
		delay = opts.MaxDelay
	}

	if opts.JitterRatio > 0 {
		spread := float64(delay) * opts.JitterRatio
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
