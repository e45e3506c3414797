// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/AleutianAI/ResearchLocal/services/research/lock"
	"github.com/AleutianAI/ResearchLocal/services/research/session"
	"github.com/AleutianAI/ResearchLocal/services/research/storage"
	"github.com/AleutianAI/ResearchLocal/services/research/storage/badgerstore"
	"github.com/AleutianAI/ResearchLocal/services/research/storage/filestore"
	"github.com/AleutianAI/ResearchLocal/services/research/storage/redistore"
)

// lockResource serializes mutating commands across processes sharing the
// base directory.
const lockResource = "sessions"

// openStorage opens the configured storage backend.
func openStorage() (storage.Store, error) {
	switch config.Backend {
	case "badger":
		cfg := badgerstore.DefaultConfig(filepath.Join(config.BaseDir, "badger"))
		cfg.Logger = cliLogger
		return badgerstore.Open(cfg)
	case "redis":
		return redistore.Open(redistore.Config{
			Addr:   config.RedisAddr,
			Logger: cliLogger,
		})
	case "file", "":
		return filestore.Open(filestore.Config{
			Dir:    filepath.Join(config.BaseDir, "sessions"),
			Logger: cliLogger,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", config.Backend)
	}
}

// openSessionStore opens the backend and wraps it in the session store.
// The caller must Close the returned storage.Store.
func openSessionStore() (*session.Store, storage.Store, error) {
	kv, err := openStorage()
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s backend: %w", config.Backend, err)
	}
	cfg := session.DefaultConfig()
	cfg.Logger = cliLogger
	return session.New(kv, cfg), kv, nil
}

// withSessionStore runs fn against an open session store and closes the
// backend afterwards.
func withSessionStore(ctx context.Context, fn func(ctx context.Context, store *session.Store) error) error {
	store, kv, err := openSessionStore()
	if err != nil {
		return err
	}
	defer kv.Close()
	return fn(ctx, store)
}

// withLockedSessionStore is withSessionStore under the cross-process
// lock. Every mutating command goes through here.
func withLockedSessionStore(ctx context.Context, fn func(ctx context.Context, store *session.Store) error) error {
	return lock.WithFileLock(ctx, config.BaseDir, lockResource, func(ctx context.Context) error {
		return withSessionStore(ctx, fn)
	})
}
