// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	return Options{
		StaleAfter:  time.Hour,
		RetryDelay:  5 * time.Millisecond,
		MaxAttempts: 10,
	}
}

func TestAcquire_CreatesAndReleasesLockDir(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	m := NewManager(base, fastOptions())

	release, err := m.Acquire(ctx, "sessions")
	require.NoError(t, err)

	path := filepath.Join(base, ".research", ".locks", "sessions.lock")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquire_ContendedLockExhaustsBudget(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	m := NewManager(base, Options{
		StaleAfter:  time.Hour,
		RetryDelay:  time.Millisecond,
		MaxAttempts: 3,
	})

	release, err := m.Acquire(ctx, "sessions")
	require.NoError(t, err)
	defer release()

	_, err = m.Acquire(ctx, "sessions")
	var held *LockHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "sessions", held.Resource)
	assert.Equal(t, 3, held.Attempts)
}

func TestAcquire_StaleLockIsReclaimed(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	m := NewManager(base, Options{
		StaleAfter:  50 * time.Millisecond,
		RetryDelay:  time.Millisecond,
		MaxAttempts: 5,
	})

	// An abandoned lock from a crashed process.
	path := filepath.Join(base, ".research", ".locks", "sessions.lock")
	require.NoError(t, os.MkdirAll(path, 0o755))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))

	release, err := m.Acquire(ctx, "sessions")
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestRelease_Idempotent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(t.TempDir(), fastOptions())

	release, err := m.Acquire(ctx, "sessions")
	require.NoError(t, err)

	require.NoError(t, release())
	require.NoError(t, release(), "double release is fine")
}

func TestAcquire_ContextCancellationDuringRetry(t *testing.T) {
	base := t.TempDir()
	m := NewManager(base, Options{
		StaleAfter:  time.Hour,
		RetryDelay:  time.Hour, // would block forever without cancellation
		MaxAttempts: 10,
	})

	release, err := m.Acquire(context.Background(), "sessions")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, "sessions")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockPath_SanitizesResourceNames(t *testing.T) {
	m := NewManager("/base", fastOptions())

	path := m.lockPath("../../etc/passwd")
	assert.Equal(t, filepath.Join("/base", ".research", ".locks", "______etc_passwd.lock"), path)

	path = m.lockPath("session store")
	assert.Equal(t, filepath.Join("/base", ".research", ".locks", "session_store.lock"), path)
}

func TestWithFileLock_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()

	var mu sync.Mutex
	inCritical := 0
	maxInCritical := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := NewManager(base, Options{
				StaleAfter:  time.Hour,
				RetryDelay:  time.Millisecond,
				MaxAttempts: 1000,
			})
			err := m.With(ctx, "shared", func(context.Context) error {
				mu.Lock()
				inCritical++
				if inCritical > maxInCritical {
					maxInCritical = inCritical
				}
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				inCritical--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInCritical, "critical sections must not overlap")
}

func TestWith_ReleasesOnError(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	m := NewManager(base, fastOptions())

	wantErr := assert.AnError
	err := m.With(ctx, "sessions", func(context.Context) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)

	// The lock is free again.
	release, err := m.Acquire(ctx, "sessions")
	require.NoError(t, err)
	release()
}
