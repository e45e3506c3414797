// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is the sentinel matched by errors.Is for timeout failures.
var ErrTimeout = errors.New("operation timed out")

// TimeoutError is the distinguished failure returned when an operation
// exceeds its deadline. Callers branch on it to separate "timed out" from
// "failed":
//
//	var te *resilience.TimeoutError
//	if errors.As(err, &te) { ... }
//
// It also matches ErrTimeout via errors.Is.
type TimeoutError struct {
	// After is the timeout that elapsed.
	After time.Duration

	// Message is the caller-supplied description, if any.
	Message string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("operation timed out after %v", e.After)
}

// Is makes the error match the ErrTimeout sentinel.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// TimeoutOptions configures WithTimeout.
type TimeoutOptions struct {
	// Timeout is how long to wait before giving up. Required.
	Timeout time.Duration

	// Message overrides the default timeout error message.
	Message string
}

// WithTimeout races fn against a timer.
//
// Description:
//
//	Runs fn in its own goroutine with a child context. If the timer
//	fires first the call returns *TimeoutError and the child context is
//	cancelled; the operation itself is not preempted (best-effort
//	cancellation), only the caller's wait is abandoned. The internal
//	timer is always stopped on either path.
//
// Outputs:
//
//	T - fn's result if it finishes in time.
//	error - fn's error, *TimeoutError on expiry, or ctx.Err() if the
//	parent context ends first.
func WithTimeout[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts TimeoutOptions) (T, error) {
	var zero T

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	// Buffered so the goroutine never leaks after the wait is abandoned.
	resultCh := make(chan result, 1)
	go func() {
		v, err := fn(opCtx)
		resultCh <- result{value: v, err: err}
	}()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	select {
	case r := <-resultCh:
		return r.value, r.err
	case <-timer.C:
		return zero, &TimeoutError{After: opts.Timeout, Message: opts.Message}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
