// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package filestore backs the storage capability with one file per entry.
//
// Entries live under a single directory, written atomically (temp file plus
// rename) so a crash mid-write never leaves a torn value. An fsnotify watch
// on the directory turns writes by other OS processes into change events,
// which is what lets two concurrent CLI invocations sharing one project
// directory converge on the same view. The store's own writes are
// suppressed from the stream.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/ResearchLocal/services/research/storage"
)

// entryExt is the filename suffix for value files. Temp files use a
// different suffix so the watcher can ignore in-flight writes.
const (
	entryExt = ".kv"
	tmpExt   = ".tmp"
)

// selfSuppressWindow is how long a key written by this store stays muted in
// the change stream. fsnotify delivers our own writes too; without the mute
// every local save would echo back as an "external" change.
const selfSuppressWindow = time.Second

// Config holds configuration for a file-backed store.
type Config struct {
	// Dir is the directory holding one file per entry. Created if absent.
	Dir string

	// QuotaBytes limits the total size of stored values.
	// Zero means unlimited.
	QuotaBytes int64

	// Logger for store operations. Default: slog.Default().
	Logger *slog.Logger
}

// Store implements storage.Store and storage.Notifier over a directory of
// entry files.
//
// Thread Safety: Safe for concurrent use within one process. Concurrent
// writers in other processes are safe at the single-entry level (atomic
// rename) but are reconciled only eventually, last write wins.
type Store struct {
	dir     string
	quota   int64
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	changes chan storage.ChangeEvent

	mu        sync.Mutex
	closed    bool
	selfWrite map[string]time.Time
}

// Open creates the directory if needed and starts the change watcher.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("create store directory %s: %w", cfg.Dir, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(cfg.Dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", cfg.Dir, err)
	}

	s := &Store{
		dir:       cfg.Dir,
		quota:     cfg.QuotaBytes,
		logger:    logger.With(slog.String("component", "filestore")),
		watcher:   watcher,
		changes:   make(chan storage.ChangeEvent, 64),
		selfWrite: make(map[string]time.Time),
	}
	go s.watchLoop()

	return s, nil
}

// entryPath maps a key to its file path. Keys are escaped so arbitrary key
// strings stay within the store directory.
func (s *Store) entryPath(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+entryExt)
}

// keyFromName reverses entryPath for a directory entry name.
func keyFromName(name string) (string, bool) {
	if !strings.HasSuffix(name, entryExt) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(name, entryExt))
	if err != nil {
		return "", false
	}
	return key, true
}

// Get returns the value for key, or storage.ErrKeyNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.entryPath(key))
	if os.IsNotExist(err) {
		return nil, storage.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", key, err)
	}
	return data, nil
}

// Set writes the value for key atomically (temp file + rename).
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	if s.quota > 0 {
		used, err := s.usedBytesExcept(key)
		if err != nil {
			return err
		}
		if used+int64(len(value)) > s.quota {
			return storage.ErrQuotaExceeded
		}
	}

	path := s.entryPath(key)
	tmp, err := os.CreateTemp(s.dir, "write-*"+tmpExt)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write entry %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync entry %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close entry %s: %w", key, err)
	}

	s.markSelfWrite(key)
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename entry %s: %w", key, err)
	}
	return nil
}

// Remove deletes the key. Absent keys are a no-op.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	s.markSelfWrite(key)
	if err := os.Remove(s.entryPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove entry %s: %w", key, err)
	}
	return nil
}

// Keys returns all keys with the given prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read store directory: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, ok := keyFromName(entry.Name())
		if !ok {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Changes implements storage.Notifier.
func (s *Store) Changes() <-chan storage.ChangeEvent {
	return s.changes
}

// Close stops the watcher and closes the change stream.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.watcher.Close()
}

// check validates the context and the open state.
func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrStoreClosed
	}
	return nil
}

// usedBytesExcept sums the sizes of all entries other than key.
func (s *Store) usedBytesExcept(key string) (int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read store directory: %w", err)
	}

	skip := url.PathEscape(key) + entryExt
	var used int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entryExt) || entry.Name() == skip {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		used += info.Size()
	}
	return used, nil
}

// markSelfWrite records a local mutation so the watcher can mute its echo.
func (s *Store) markSelfWrite(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.selfWrite[key] = now

	// Opportunistic cleanup of expired entries.
	for k, at := range s.selfWrite {
		if now.Sub(at) > selfSuppressWindow {
			delete(s.selfWrite, k)
		}
	}
}

// isSelfWrite reports whether key was mutated locally within the window.
func (s *Store) isSelfWrite(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.selfWrite[key]
	return ok && time.Since(at) <= selfSuppressWindow
}

// watchLoop translates fsnotify events into change events.
func (s *Store) watchLoop() {
	defer close(s.changes)

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

// handleEvent processes a single fsnotify event.
func (s *Store) handleEvent(event fsnotify.Event) {
	// The store directory itself disappearing is a full clear.
	if event.Name == s.dir && event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		s.emit(storage.ChangeEvent{Type: storage.ChangeCleared})
		return
	}

	key, ok := keyFromName(filepath.Base(event.Name))
	if !ok {
		return
	}
	if s.isSelfWrite(key) {
		return
	}

	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		s.emit(storage.ChangeEvent{Type: storage.ChangeSet, Key: key})
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		s.emit(storage.ChangeEvent{Type: storage.ChangeRemove, Key: key})
	}
}

// emit delivers an event, dropping it if the consumer lags.
func (s *Store) emit(ev storage.ChangeEvent) {
	select {
	case s.changes <- ev:
	default:
	}
}

var (
	_ storage.Store    = (*Store)(nil)
	_ storage.Notifier = (*Store)(nil)
)
