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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetry_SucceedsAfterFailures(t *testing.T) {
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}

	// Zero delays make the retry loop deterministic and instant.
	got, err := WithRetry(ctx, fn, RetryOptions{MaxAttempts: 3})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_ExhaustsBudgetAndReturnsOriginalError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("persistent failure")

	calls := 0
	_, err := WithRetry(ctx, func(context.Context) (int, error) {
		calls++
		return 0, boom
	}, RetryOptions{MaxAttempts: 3})

	assert.Equal(t, 3, calls)
	// The caller gets the operation's own error, not a wrapper.
	assert.Same(t, boom, err)
}

func TestWithRetry_ShouldRetryStopsEarly(t *testing.T) {
	ctx := context.Background()
	fatal := errors.New("fatal")

	calls := 0
	_, err := WithRetry(ctx, func(context.Context) (int, error) {
		calls++
		return 0, fatal
	}, RetryOptions{
		MaxAttempts: 5,
		ShouldRetry: func(err error, attempt int) bool { return false },
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, fatal, err)
}

func TestWithRetry_FirstAttemptSuccessNeverRetries(t *testing.T) {
	ctx := context.Background()

	calls := 0
	got, err := WithRetry(ctx, func(context.Context) (int, error) {
		calls++
		return 42, nil
	}, DefaultRetryOptions())

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_CancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := WithRetry(ctx, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("always fails")
	}, RetryOptions{MaxAttempts: 10, BaseDelay: time.Hour})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoffDelay_ExponentialWithCap(t *testing.T) {
	opts := RetryOptions{
		BaseDelay: time.Second,
		MaxDelay:  8 * time.Second,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 8 * time.Second}, // capped
		{10, 8 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDelay(tt.attempt, opts),
			"attempt %d", tt.attempt)
	}
}

func TestBackoffDelay_JitterStaysWithinRatio(t *testing.T) {
	opts := RetryOptions{
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
		JitterRatio: 0.2,
	}

	for i := 0; i < 100; i++ {
		d := backoffDelay(1, opts)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestBackoffDelay_ZeroBaseMeansNoWait(t *testing.T) {
	assert.Equal(t, time.Duration(0), backoffDelay(3, RetryOptions{}))
}
