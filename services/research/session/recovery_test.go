// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ResearchLocal/services/research/storage"
)

func TestRecoverSessions_RebuildsIndexFromBlobs(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	store := newTestStore(t, kv, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(ctx, testSession(fmt.Sprintf("s%d", i))))
	}

	// Lose the index entirely.
	require.NoError(t, kv.Remove(ctx, IndexKey))

	recovered, err := store.RecoverSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, recovered)

	summaries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	assert.Equal(t, "s2", summaries[0].ID, "rebuilt index is newest-first")
}

func TestRecoverSessions_SkipsUndecodableBlobs(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	store := newTestStore(t, kv, nil)

	require.NoError(t, store.Save(ctx, testSession("good")))
	require.NoError(t, kv.Set(ctx, SessionKey("mangled"), []byte("@@@@")))
	require.NoError(t, kv.Set(ctx, SessionKey("hollow"), []byte(`{"id":"hollow"}`)))

	recovered, err := store.RecoverSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	// The bad blobs are skipped, not deleted.
	_, err = kv.Get(ctx, SessionKey("mangled"))
	assert.NoError(t, err)
}

func TestRecoverSessions_IgnoresExistingIndexRecord(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	store := newTestStore(t, kv, nil)

	require.NoError(t, store.Save(ctx, testSession("a")))
	require.NoError(t, store.Save(ctx, testSession("b")))

	// The index record is present during the scan; it is not a blob and
	// must not inflate the recovered count.
	recovered, err := store.RecoverSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)
}

func TestRecoverSessions_EmptyStore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, storage.NewMemory(), nil)

	recovered, err := store.RecoverSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

func TestRecoverSessions_BoundsIndexWithoutDeletingBlobs(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	store := newTestStore(t, kv, func(c *Config) { c.MaxSessions = 2 })

	// Seed blobs directly so more exist than the index may hold.
	seed := newTestStore(t, kv, nil)
	for i := 0; i < 4; i++ {
		require.NoError(t, seed.Save(ctx, testSession(fmt.Sprintf("s%d", i))))
	}

	recovered, err := store.RecoverSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	keys, err := kv.Keys(ctx, SessionKeyPrefix)
	require.NoError(t, err)
	assert.Len(t, keys, 4, "recovery never deletes blobs")
}

func TestLoadWithRecovery_PassesThroughHealthyLoad(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, storage.NewMemory(), nil)

	require.NoError(t, store.Save(ctx, testSession("ok")))

	result := store.LoadWithRecovery(ctx, "ok")
	require.NoError(t, result.Err)
	require.NotNil(t, result.Session)
	assert.Equal(t, "ok", result.Session.ID)
	assert.False(t, result.Recovered)
}

func TestLoadWithRecovery_CorruptionTriggersScan(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	store := newTestStore(t, kv, nil)

	require.NoError(t, store.Save(ctx, testSession("healthy")))
	require.NoError(t, kv.Set(ctx, SessionKey("broken"), []byte("not json")))
	require.NoError(t, kv.Remove(ctx, IndexKey))

	// The target stays corrupted, so the structured result carries the
	// original failure...
	result := store.LoadWithRecovery(ctx, "broken")
	assert.Nil(t, result.Session)
	assert.False(t, result.Recovered)
	assert.True(t, IsCode(result.Err, CodeCorruptedData))

	// ...but the scan it triggered rebuilt the index as a side effect.
	summaries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "healthy", summaries[0].ID)
}

func TestLoadWithRecovery_NothingRecoveredReturnsOriginalError(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	store := newTestStore(t, kv, nil)

	require.NoError(t, kv.Set(ctx, SessionKey("only"), []byte("not json")))

	result := store.LoadWithRecovery(ctx, "only")
	assert.Nil(t, result.Session)
	assert.True(t, IsCode(result.Err, CodeCorruptedData))
}

func TestLoadWithRecovery_HealthyBlobUnaffectedByWreckedIndex(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	store := newTestStore(t, kv, nil)

	require.NoError(t, store.Save(ctx, testSession("target")))

	// Loads read the blob directly; a wrecked index must not matter.
	require.NoError(t, kv.Set(ctx, IndexKey, []byte("wrecked")))

	result := store.LoadWithRecovery(ctx, "target")
	require.NoError(t, result.Err)
	require.NotNil(t, result.Session)
	assert.Equal(t, "target", result.Session.ID)
}
