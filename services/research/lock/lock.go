// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides a cross-process advisory lock built on atomic
// directory creation. Two processes sharing a base directory (CLI
// invocations, a daemon and a one-shot command) use it to serialize
// mutations of the session store.
//
// The lock is a directory at <base>/.research/.locks/<resource>.lock:
// os.Mkdir either creates it or fails because it exists, atomically, on
// every platform and most network filesystems. Crash recovery relies on
// modtime staleness rather than pid files.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Defaults. StaleAfter must comfortably exceed the longest critical
// section; a holder that runs longer can lose the lock to a reclaimer.
const (
	DefaultStaleAfter  = 30 * time.Second
	DefaultRetryDelay  = 150 * time.Millisecond
	DefaultMaxAttempts = 50
)

const locksSubdir = ".research/.locks"

// LockHeldError reports that the lock could not be acquired within the
// retry budget.
type LockHeldError struct {
	Resource string
	Attempts int
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("lock %q still held after %d attempts", e.Resource, e.Attempts)
}

// Options tunes acquisition behavior. The zero value uses the defaults.
type Options struct {
	// StaleAfter is the age past which a lock directory is presumed
	// abandoned and reclaimed.
	StaleAfter time.Duration

	// RetryDelay is the pause between acquisition attempts.
	RetryDelay time.Duration

	// MaxAttempts bounds acquisition. At least 1.
	MaxAttempts int

	// Logger for reclaim and contention events.
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Manager acquires locks under one base directory.
type Manager struct {
	baseDir string
	opts    Options
}

// NewManager creates a lock manager rooted at baseDir.
func NewManager(baseDir string, opts Options) *Manager {
	return &Manager{
		baseDir: baseDir,
		opts:    opts.withDefaults(),
	}
}

// lockPath maps a resource name to its lock directory. Path separators
// and other hostile characters in the resource collapse to underscores so
// a name can never escape the locks directory.
func (m *Manager) lockPath(resource string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, resource)
	return filepath.Join(m.baseDir, locksSubdir, sanitized+".lock")
}

// Acquire takes the named lock, retrying until the budget runs out.
//
// Description:
//
//	Each attempt is a single os.Mkdir. On EEXIST the holder's modtime
//	is checked; a directory older than StaleAfter is removed and the
//	attempt repeats immediately. A failed stale removal (the holder
//	released between the check and the remove, or lost permissions)
//	falls through to a normal delayed retry.
//
// Outputs:
//
//	func() error - The release. Idempotent; releasing a lock someone
//	else already reclaimed is not an error.
//	error - nil, *LockHeldError when contended out, or ctx.Err().
func (m *Manager) Acquire(ctx context.Context, resource string) (func() error, error) {
	path := m.lockPath(resource)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating locks directory: %w", err)
	}

	opts := m.opts
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		err := os.Mkdir(path, 0o755)
		if err == nil {
			return func() error { return release(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquiring lock %q: %w", resource, err)
		}

		if info, statErr := os.Stat(path); statErr == nil &&
			time.Since(info.ModTime()) > opts.StaleAfter {
			opts.Logger.Warn("reclaiming stale lock",
				slog.String("resource", resource),
				slog.Duration("age", time.Since(info.ModTime())))
			if rmErr := os.Remove(path); rmErr == nil {
				// Reclaimed; race for it right away.
				continue
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RetryDelay):
		}
	}

	return nil, &LockHeldError{Resource: resource, Attempts: opts.MaxAttempts}
}

func release(path string) error {
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("releasing lock: %w", err)
}

// WithFileLock runs fn while holding the named lock under baseDir, with
// default options. The lock is released even when fn panics.
func WithFileLock(ctx context.Context, baseDir, resource string, fn func(ctx context.Context) error) error {
	return NewManager(baseDir, Options{}).With(ctx, resource, fn)
}

// With runs fn under the named lock.
func (m *Manager) With(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	releaseFn, err := m.Acquire(ctx, resource)
	if err != nil {
		return err
	}
	defer releaseFn()

	return fn(ctx)
}
