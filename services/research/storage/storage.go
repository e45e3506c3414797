// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the persistent key-value capability that backs the
// research session store and the offline action queue.
//
// The capability is deliberately narrow: get, set, remove, enumerate, plus a
// quota-exceeded error signal and an optional change-notification stream fed
// by other writers of the same store. Backends provided in this repository:
//
//   - Memory (this package): in-memory map for tests and ephemeral use
//   - badgerstore: embedded BadgerDB, low-latency local persistence
//   - filestore: one file per entry, observable by external tools
//   - redistore: shared Redis instance with pub/sub change propagation
//
// Higher layers never import a backend directly; they accept a Store (and
// optionally a Notifier) so deployments can choose durability characteristics.
package storage

import (
	"context"
	"errors"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrKeyNotFound is returned by Get when the key has no value.
	ErrKeyNotFound = errors.New("storage: key not found")

	// ErrQuotaExceeded is the host quota signal. Backends return it when a
	// write would exceed their configured or host-imposed capacity.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")

	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("storage: store is closed")
)

// -----------------------------------------------------------------------------
// Change notifications
// -----------------------------------------------------------------------------

// ChangeType classifies a change observed on the underlying store.
type ChangeType int

const (
	// ChangeSet indicates a key was written or overwritten.
	ChangeSet ChangeType = iota

	// ChangeRemove indicates a key was deleted.
	ChangeRemove

	// ChangeCleared indicates the whole store was cleared. The event
	// carries no key.
	ChangeCleared
)

// String returns a human-readable name for the change type.
func (t ChangeType) String() string {
	switch t {
	case ChangeSet:
		return "set"
	case ChangeRemove:
		return "remove"
	case ChangeCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// ChangeEvent describes a single mutation observed on the store.
//
// Description:
//
//	Events describe changes made by writers other than the local process
//	(another CLI invocation, another service sharing the same Redis, an
//	external tool editing the file store). Local writes are not echoed
//	back; callers already know about their own mutations.
type ChangeEvent struct {
	// Type is the kind of mutation.
	Type ChangeType

	// Key is the affected key. Empty for ChangeCleared.
	Key string
}

// -----------------------------------------------------------------------------
// Capability interfaces
// -----------------------------------------------------------------------------

// Store is the persistent key-value capability.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Store interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes the value for key. Returns ErrQuotaExceeded if the write
	// would exceed the backend's capacity; on that error the previous
	// value (if any) is left intact.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes the key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys returns all keys with the given prefix, in unspecified order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources. Further operations return
	// ErrStoreClosed.
	Close() error
}

// Notifier is an optional capability of a Store: a stream of changes made
// by other writers.
//
// # Description
//
// The channel is closed when the store is closed. Consumers must drain
// promptly; backends may drop events if the consumer lags (convergence is
// best-effort, not a replication log).
type Notifier interface {
	Changes() <-chan ChangeEvent
}
