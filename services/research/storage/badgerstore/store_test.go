// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badgerstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ResearchLocal/services/research/storage"
)

func TestStore_RoundTripInMemory(t *testing.T) {
	ctx := context.Background()

	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(ctx, "key", []byte("value")))

	got, err := s.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "durable", []byte("survives")))
	require.NoError(t, s.Close())

	s2, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, "durable")
	require.NoError(t, err)
	assert.Equal(t, []byte("survives"), got)
}

func TestStore_KeysByPrefix(t *testing.T) {
	ctx := context.Background()

	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(ctx, "session_a", []byte("1")))
	require.NoError(t, s.Set(ctx, "session_b", []byte("2")))
	require.NoError(t, s.Set(ctx, "other", []byte("3")))

	keys, err := s.Keys(ctx, "session_")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"session_a", "session_b"}, keys)
}

func TestStore_RemoveAbsentIsNoop(t *testing.T) {
	ctx := context.Background()

	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.Remove(ctx, "never-set"))
}

func TestStore_OpenRequiresPath(t *testing.T) {
	_, err := Open(Config{InMemory: false, Path: ""})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestStore_ChangeStreamDeliversWrites(t *testing.T) {
	ctx := context.Background()

	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(ctx, "watched", []byte("v")))

	ev := <-s.Changes()
	assert.Equal(t, storage.ChangeSet, ev.Type)
	assert.Equal(t, "watched", ev.Key)
}
