// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package filestore

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ResearchLocal/services/research/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Set(ctx, "research_session_abc", []byte(`{"id":"abc"}`)))

	got, err := s.Get(ctx, "research_session_abc")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":"abc"}`), got)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestStore_NoTempFilesLeftBehind(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Set(ctx, "key", []byte("value")))
	}

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), tmpExt)
	}
}

func TestStore_KeyEscaping(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Keys with path separators must not escape the store directory.
	key := "weird/../key with spaces"
	require.NoError(t, s.Set(ctx, key, []byte("v")))

	keys, err := s.Keys(ctx, "weird")
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestStore_Quota(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Config{Dir: t.TempDir(), QuotaBytes: 10})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(ctx, "a", []byte("12345")))
	assert.ErrorIs(t, s.Set(ctx, "b", []byte("123456")), storage.ErrQuotaExceeded)

	// Overwrite of an existing entry does not double-count its old bytes.
	assert.NoError(t, s.Set(ctx, "a", []byte("1234567890")))
}

func TestStore_ExternalWriteProducesChangeEvent(t *testing.T) {
	s := newTestStore(t)

	// Simulate another process writing an entry directly.
	path := filepath.Join(s.dir, url.PathEscape("external_key")+entryExt)
	require.NoError(t, os.WriteFile(path, []byte("external"), 0640))

	select {
	case ev := <-s.Changes():
		assert.Equal(t, storage.ChangeSet, ev.Type)
		assert.Equal(t, "external_key", ev.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("no change event for external write")
	}
}

func TestStore_ExternalRemoveProducesChangeEvent(t *testing.T) {
	s := newTestStore(t)

	path := filepath.Join(s.dir, url.PathEscape("doomed")+entryExt)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0640))
	require.NoError(t, os.Remove(path))

	// An external os.WriteFile surfaces as a Create/Write pair of set
	// events; skip past them until the remove arrives.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Changes():
			assert.Equal(t, "doomed", ev.Key)
			if ev.Type == storage.ChangeRemove {
				return
			}
			assert.Equal(t, storage.ChangeSet, ev.Type)
		case <-deadline:
			t.Fatal("no change event for external remove")
		}
	}
}

func TestStore_OwnWritesAreSuppressed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Set(ctx, "local", []byte("v")))

	select {
	case ev := <-s.Changes():
		t.Fatalf("own write leaked into change stream: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestStore_ClosedOperationsFail(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, storage.ErrStoreClosed)
}
