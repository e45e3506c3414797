// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redistore backs the storage capability with a shared Redis
// instance.
//
// Unlike badgerstore, many unrelated processes can share one Redis; each
// store publishes its mutations on a pub/sub channel tagged with a writer
// id, and every store's change stream carries the mutations of the *other*
// writers. Any number of processes converge on the same data without a
// dedicated coordination service.
package redistore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/ResearchLocal/services/research/storage"
)

// changesChannelSuffix names the pub/sub channel within a namespace.
const changesChannelSuffix = "__changes__"

// Config holds configuration for a Redis-backed store.
type Config struct {
	// Addr is the Redis server address (host:port). Required unless
	// Client is set.
	Addr string

	// Client is an existing Redis client to use instead of dialing Addr.
	// The store takes ownership and closes it.
	Client *redis.Client

	// Namespace prefixes every key and the change channel, isolating
	// multiple applications on one Redis. Default: "research:".
	Namespace string

	// Logger for store operations. Default: slog.Default().
	Logger *slog.Logger
}

// changeMessage is the wire form of a published mutation.
type changeMessage struct {
	Writer string `json:"writer"`
	Type   string `json:"type"`
	Key    string `json:"key,omitempty"`
}

// Store implements storage.Store and storage.Notifier over Redis.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	client    *redis.Client
	namespace string
	writerID  string
	logger    *slog.Logger
	pubsub    *redis.PubSub
	changes   chan storage.ChangeEvent
	done      chan struct{}
}

// Open connects to Redis and starts the change subscription.
//
// Description:
//
//	Dials Addr (or adopts Client), subscribes to the namespace's change
//	channel, and filters out this writer's own mutations so the change
//	stream carries only what other writers did.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close() when done.
//	error - Non-nil if the connection or subscription fails.
func Open(cfg Config) (*Store, error) {
	client := cfg.Client
	if client == nil {
		if cfg.Addr == "" {
			return nil, errors.New("addr or client is required")
		}
		client = redis.NewClient(&redis.Options{Addr: cfg.Addr})
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "research:"
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	s := &Store{
		client:    client,
		namespace: namespace,
		writerID:  uuid.NewString(),
		logger:    logger.With(slog.String("component", "redistore")),
		pubsub:    client.Subscribe(ctx, namespace+changesChannelSuffix),
		changes:   make(chan storage.ChangeEvent, 64),
		done:      make(chan struct{}),
	}
	go s.receive()

	return s, nil
}

// receive translates published change messages into change events.
func (s *Store) receive() {
	defer close(s.done)
	defer close(s.changes)

	for msg := range s.pubsub.Channel() {
		var cm changeMessage
		if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
			s.logger.Warn("malformed change message",
				slog.String("error", err.Error()))
			continue
		}
		if cm.Writer == s.writerID {
			continue
		}

		ev := storage.ChangeEvent{Key: cm.Key}
		switch cm.Type {
		case "set":
			ev.Type = storage.ChangeSet
		case "remove":
			ev.Type = storage.ChangeRemove
		case "cleared":
			ev.Type = storage.ChangeCleared
		default:
			continue
		}

		select {
		case s.changes <- ev:
		default:
		}
	}
}

// publish announces a local mutation to other writers. Best-effort.
func (s *Store) publish(ctx context.Context, changeType, key string) {
	payload, err := json.Marshal(changeMessage{
		Writer: s.writerID,
		Type:   changeType,
		Key:    key,
	})
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, s.namespace+changesChannelSuffix, payload).Err(); err != nil {
		s.logger.Warn("publish change failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}

// Get returns the value for key, or storage.ErrKeyNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

// Set writes the value for key and announces the change.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.namespace+key, value, 0).Err(); err != nil {
		if isOOM(err) {
			return storage.ErrQuotaExceeded
		}
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	s.publish(ctx, "set", key)
	return nil
}

// Remove deletes the key and announces the change.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.namespace+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	s.publish(ctx, "remove", key)
	return nil
}

// Keys returns all keys with the given prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.namespace+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.namespace))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	return keys, nil
}

// Changes implements storage.Notifier.
func (s *Store) Changes() <-chan storage.ChangeEvent {
	return s.changes
}

// Close stops the subscription and closes the connection.
func (s *Store) Close() error {
	err := s.pubsub.Close()
	<-s.done
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// isOOM reports whether a Redis error is a memory-limit rejection.
func isOOM(err error) bool {
	return err != nil && strings.Contains(err.Error(), "OOM")
}

var (
	_ storage.Store    = (*Store)(nil)
	_ storage.Notifier = (*Store)(nil)
)
