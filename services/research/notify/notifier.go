// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify turns raw storage change events from other writers into
// session-level notifications. A CLI window, a second process, or another
// host sharing the same backing store can observe saves, deletes, and
// clears as they happen and refresh its view.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/ResearchLocal/services/research/session"
	"github.com/AleutianAI/ResearchLocal/services/research/storage"
)

// EventType classifies a session change observed from another writer.
type EventType string

const (
	// EventSave fires when a session appears or its UpdatedAt moved.
	EventSave EventType = "save"

	// EventDelete fires when a session left the index.
	EventDelete EventType = "delete"

	// EventClear fires when the whole store was wiped. SessionID is
	// empty.
	EventClear EventType = "clear"
)

// Event is one observed session change.
type Event struct {
	Type      EventType
	SessionID string
}

// Config configures the notifier.
type Config struct {
	// Logger for notifier lifecycle and diff activity.
	Logger *slog.Logger
}

// Notifier watches a storage change stream and publishes session events.
//
// # Description
//
// The underlying stream only says "this key changed"; the notifier keeps
// a snapshot of the session index and, whenever the index key changes,
// diffs the fresh index against the snapshot. New ids and ids with a
// moved UpdatedAt become saves, vanished ids become deletes, and a
// cleared store becomes a single clear event.
//
// # Thread Safety
//
// Safe for concurrent use. Listeners are invoked sequentially from the
// watch goroutine; slow listeners delay later events, never drop them.
type Notifier struct {
	kv     storage.Store
	source storage.Notifier
	logger *slog.Logger

	mu        sync.Mutex
	snapshot  map[string]time.Time
	listeners map[int]func(Event)
	nextToken int

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates a notifier over a store and its change stream.
func New(kv storage.Store, source storage.Notifier, cfg Config) *Notifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		kv:        kv,
		source:    source,
		logger:    logger.With(slog.String("component", "session_notify")),
		listeners: make(map[int]func(Event)),
	}
}

// Start snapshots the current index and begins watching the change
// stream. Calling Start twice is an error.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return errors.New("notify: already started")
	}

	snapshot, err := n.readIndex(ctx)
	if err != nil {
		return err
	}
	n.snapshot = snapshot
	n.started = true

	watchCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.done = make(chan struct{})
	go n.watch(watchCtx)

	n.logger.Info("session notifier started",
		slog.Int("known_sessions", len(snapshot)))
	return nil
}

// Close stops the watch goroutine and waits for it to exit.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = false
	cancel, done := n.cancel, n.done
	n.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Subscribe registers a listener for session events. The returned
// function unsubscribes it.
func (n *Notifier) Subscribe(fn func(Event)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	token := n.nextToken
	n.nextToken++
	n.listeners[token] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, token)
	}
}

func (n *Notifier) watch(ctx context.Context) {
	defer close(n.done)

	changes := n.source.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-changes:
			if !ok {
				n.logger.Info("change stream closed, notifier stopping")
				return
			}
			n.handle(ctx, ev)
		}
	}
}

func (n *Notifier) handle(ctx context.Context, ev storage.ChangeEvent) {
	if ev.Type == storage.ChangeCleared {
		n.mu.Lock()
		n.snapshot = map[string]time.Time{}
		n.mu.Unlock()
		n.publish(Event{Type: EventClear})
		return
	}

	// Blob writes are always followed by an index write, so diffing on
	// the index key alone sees every session mutation exactly once.
	if ev.Key != session.IndexKey {
		return
	}

	current, err := n.readIndex(ctx)
	if err != nil {
		n.logger.Warn("failed to read index after change",
			slog.String("error", err.Error()))
		return
	}

	n.mu.Lock()
	prev := n.snapshot
	n.snapshot = current
	n.mu.Unlock()

	var events []Event
	for id, updated := range current {
		prevUpdated, existed := prev[id]
		if !existed || !prevUpdated.Equal(updated) {
			events = append(events, Event{Type: EventSave, SessionID: id})
		}
	}
	for id := range prev {
		if _, still := current[id]; !still {
			events = append(events, Event{Type: EventDelete, SessionID: id})
		}
	}

	for _, e := range events {
		n.publish(e)
	}
}

func (n *Notifier) publish(ev Event) {
	n.mu.Lock()
	fns := make([]func(Event), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// readIndex loads the index as an id -> UpdatedAt map. A missing or
// undecodable index reads as empty.
func (n *Notifier) readIndex(ctx context.Context) (map[string]time.Time, error) {
	data, err := n.kv.Get(ctx, session.IndexKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return map[string]time.Time{}, nil
	}
	if err != nil {
		return nil, err
	}

	var index session.StorageIndex
	if err := json.Unmarshal(data, &index); err != nil {
		n.logger.Warn("index undecodable in notifier, treating as empty",
			slog.String("error", err.Error()))
		return map[string]time.Time{}, nil
	}

	out := make(map[string]time.Time, len(index.Summaries))
	for _, summary := range index.Summaries {
		out[summary.ID] = summary.UpdatedAt
	}
	return out, nil
}
