// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package offline implements the durable action queue: research actions
// performed while disconnected are enqueued locally and replayed against
// the backend once connectivity returns.
//
// The whole queue lives under a single storage key as a JSON array and is
// always rewritten atomically, so a crash mid-flush leaves either the old
// or the new queue, never a torn one.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/ResearchLocal/services/research/storage"
)

// QueueKey is the storage key holding the serialized queue.
const QueueKey = "research_offline_queue"

// Item kinds. Unknown kinds found in storage are dropped on read.
const (
	KindSessionKickoff = "session-kickoff"
	KindSessionAction  = "session-action"
)

// forbiddenPayloadKeys are top-level payload keys that are never
// legitimate and are used in prototype-pollution style attacks against
// consumers that merge payloads into objects. Items carrying them are
// discarded on read.
var forbiddenPayloadKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

var (
	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "research_offline_queue_depth",
		Help: "Items currently waiting in the offline queue",
	})

	queueFlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "research_offline_flush_items_total",
		Help: "Flushed queue items by outcome",
	}, []string{"outcome"})

	queueDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "research_offline_dropped_items_total",
		Help: "Queue items discarded as malformed or over the attempt cap",
	})
)

// QueueItem is one deferred action.
type QueueItem struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	AttemptCount  int             `json:"attemptCount"`
	LastAttemptAt time.Time       `json:"lastAttemptAt,omitempty"`
}

// Connectivity reports whether the backend is reachable. Implementations
// should be cheap; Flush consults it once per call.
type Connectivity interface {
	Online() bool
}

// ConnectivityFunc adapts a function to the Connectivity interface.
type ConnectivityFunc func() bool

func (f ConnectivityFunc) Online() bool { return f() }

// Config configures the queue.
type Config struct {
	// MaxItemAttempts drops an item after this many failed sends.
	// Default: 8.
	MaxItemAttempts int `validate:"gte=0"`

	// RetryBackoff is the minimum interval between send attempts for
	// the same item. An item inside its backoff window is skipped by
	// Flush and counted as remaining. Default: 30s.
	RetryBackoff time.Duration `validate:"gte=0"`

	// FlushRate bounds the item send rate during replay so a long queue
	// does not hammer a freshly recovered backend. Zero means unlimited.
	FlushRate rate.Limit

	// Logger for queue operations. Default: slog.Default().
	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxItemAttempts: 8,
		RetryBackoff:    30 * time.Second,
		FlushRate:       rate.Limit(10),
	}
}

// Queue is the persistent offline action queue.
//
// # Thread Safety
//
// Safe for concurrent use. Mutations are serialized internally and
// concurrent Flush calls coalesce into a single replay.
type Queue struct {
	kv           storage.Store
	sender       Sender
	connectivity Connectivity
	cfg          Config
	logger       *slog.Logger
	limiter      *rate.Limiter
	now          func() time.Time

	// mu serializes read-modify-write cycles on the stored array.
	mu sync.Mutex

	// flights coalesces concurrent Flush calls.
	flights singleflight.Group

	listenerMu sync.Mutex
	listeners  map[int]func(FlushResult)
	nextToken  int
}

// New creates a queue over the given storage capability.
func New(kv storage.Store, sender Sender, connectivity Connectivity, cfg Config) *Queue {
	if cfg.MaxItemAttempts <= 0 {
		cfg.MaxItemAttempts = 8
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	var limiter *rate.Limiter
	if cfg.FlushRate > 0 {
		limiter = rate.NewLimiter(cfg.FlushRate, 1)
	}

	return &Queue{
		kv:           kv,
		sender:       sender,
		connectivity: connectivity,
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "offline_queue")),
		limiter:      limiter,
		now:          now,
		listeners:    make(map[int]func(FlushResult)),
	}
}

// Enqueue appends an action to the queue.
//
// Description:
//
//	Assigns the item a fresh id and creation timestamp and rewrites the
//	stored array. The payload must be a JSON object without forbidden
//	keys; anything else is rejected up front rather than silently
//	dropped later.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload json.RawMessage) (*QueueItem, error) {
	if kind != KindSessionKickoff && kind != KindSessionAction {
		return nil, errors.New("offline: unknown item kind " + kind)
	}
	if err := checkPayload(payload); err != nil {
		return nil, err
	}

	item := QueueItem{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: q.now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.readItems(ctx)
	if err != nil {
		return nil, err
	}
	items = append(items, item)
	if err := q.writeItems(ctx, items); err != nil {
		return nil, err
	}

	q.logger.Debug("action enqueued",
		slog.String("item_id", item.ID),
		slog.String("kind", kind),
		slog.Int("depth", len(items)))
	return &item, nil
}

// Items returns the queued actions, oldest first.
func (q *Queue) Items(ctx context.Context) ([]QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readItems(ctx)
}

// Len returns the queue depth.
func (q *Queue) Len(ctx context.Context) (int, error) {
	items, err := q.Items(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Clear drops every queued action.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.writeItems(ctx, nil)
}

// Subscribe registers a listener invoked after every completed flush.
// The returned function unsubscribes it.
func (q *Queue) Subscribe(fn func(FlushResult)) func() {
	q.listenerMu.Lock()
	defer q.listenerMu.Unlock()

	token := q.nextToken
	q.nextToken++
	q.listeners[token] = fn

	return func() {
		q.listenerMu.Lock()
		defer q.listenerMu.Unlock()
		delete(q.listeners, token)
	}
}

// notify invokes listeners synchronously, outside the queue lock.
func (q *Queue) notify(result FlushResult) {
	q.listenerMu.Lock()
	fns := make([]func(FlushResult), 0, len(q.listeners))
	for _, fn := range q.listeners {
		fns = append(fns, fn)
	}
	q.listenerMu.Unlock()

	for _, fn := range fns {
		fn(result)
	}
}

// readItems decodes the stored array, dropping malformed entries.
//
// An item survives only if it has an id, a known kind, and a payload that
// passes the forbidden-key check. Everything else is logged and discarded;
// a single hostile entry must not wedge the whole queue.
func (q *Queue) readItems(ctx context.Context) ([]QueueItem, error) {
	data, err := q.kv.Get(ctx, QueueKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		queueDepthGauge.Set(0)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		q.logger.Warn("queue is undecodable, starting empty",
			slog.String("error", err.Error()))
		queueDroppedTotal.Inc()
		return nil, nil
	}

	items := make([]QueueItem, 0, len(raw))
	for _, entry := range raw {
		var item QueueItem
		if err := json.Unmarshal(entry, &item); err != nil {
			q.logger.Warn("dropping undecodable queue item",
				slog.String("error", err.Error()))
			queueDroppedTotal.Inc()
			continue
		}
		if item.ID == "" || (item.Kind != KindSessionKickoff && item.Kind != KindSessionAction) {
			q.logger.Warn("dropping malformed queue item",
				slog.String("item_id", item.ID),
				slog.String("kind", item.Kind))
			queueDroppedTotal.Inc()
			continue
		}
		if err := checkPayload(item.Payload); err != nil {
			q.logger.Warn("dropping queue item with hostile payload",
				slog.String("item_id", item.ID),
				slog.String("error", err.Error()))
			queueDroppedTotal.Inc()
			continue
		}
		items = append(items, item)
	}

	queueDepthGauge.Set(float64(len(items)))
	return items, nil
}

// writeItems rewrites the stored array in one shot.
func (q *Queue) writeItems(ctx context.Context, items []QueueItem) error {
	if len(items) == 0 {
		queueDepthGauge.Set(0)
		err := q.kv.Remove(ctx, QueueKey)
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil
		}
		return err
	}

	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	if err := q.kv.Set(ctx, QueueKey, data); err != nil {
		return err
	}
	queueDepthGauge.Set(float64(len(items)))
	return nil
}

// checkPayload rejects payloads that are not JSON objects or that carry
// forbidden top-level keys.
func checkPayload(payload json.RawMessage) error {
	if len(payload) == 0 {
		return errors.New("offline: payload must not be empty")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return errors.New("offline: payload must be a JSON object")
	}
	for key := range obj {
		if forbiddenPayloadKeys[key] {
			return errors.New("offline: payload contains forbidden key " + key)
		}
	}
	return nil
}
