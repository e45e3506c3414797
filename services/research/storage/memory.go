// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-memory Store for tests and ephemeral sessions.
//
// Description:
//
//	Backs the capability with a plain map. Supports a configurable byte
//	quota so quota-exhaustion paths can be exercised deterministically,
//	and an injection hook (EmitExternal) that simulates changes made by
//	another writer for cross-writer propagation tests.
//
// Thread Safety: Safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	data    map[string][]byte
	used    int64
	quota   int64
	closed  bool
	changes chan ChangeEvent
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithQuota limits the total bytes of stored values. Zero means unlimited.
func WithQuota(bytes int64) MemoryOption {
	return func(m *Memory) { m.quota = bytes }
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		data:    make(map[string][]byte),
		changes: make(chan ChangeEvent, 64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the value for key, or ErrKeyNotFound.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set writes the value for key, enforcing the configured quota.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	prev := int64(len(m.data[key]))
	next := m.used - prev + int64(len(value))
	if m.quota > 0 && next > m.quota {
		return ErrQuotaExceeded
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	m.used = next
	return nil
}

// Remove deletes the key. Absent keys are a no-op.
func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if v, ok := m.data[key]; ok {
		m.used -= int64(len(v))
		delete(m.data, key)
	}
	return nil
}

// Keys returns all keys with the given prefix.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close closes the store and its change stream.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.changes)
	return nil
}

// Changes implements Notifier.
func (m *Memory) Changes() <-chan ChangeEvent {
	return m.changes
}

// EmitExternal injects a change event as if another writer produced it.
//
// Description:
//
//	Test hook. For ChangeSet/ChangeRemove events the corresponding data
//	mutation must be applied separately (via Set/Remove); this only
//	delivers the notification. Dropped if the stream buffer is full.
func (m *Memory) EmitExternal(ev ChangeEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return
	}
	select {
	case m.changes <- ev:
	default:
	}
}

// UsedBytes returns the total bytes of stored values.
func (m *Memory) UsedBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

var (
	_ Store    = (*Memory)(nil)
	_ Notifier = (*Memory)(nil)
)
