// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package redistore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ResearchLocal/services/research/storage"
)

func newTestStore(t *testing.T, mr *miniredis.Miniredis) *Store {
	t.Helper()
	s, err := Open(Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := newTestStore(t, mr)

	require.NoError(t, s.Set(ctx, "session_a", []byte("payload")))

	got, err := s.Get(ctx, "session_a")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestStore_KeysAreNamespaced(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := newTestStore(t, mr)

	require.NoError(t, s.Set(ctx, "session_a", []byte("1")))
	require.NoError(t, s.Set(ctx, "session_b", []byte("2")))
	require.NoError(t, s.Set(ctx, "queue", []byte("3")))

	keys, err := s.Keys(ctx, "session_")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"session_a", "session_b"}, keys)

	// Raw Redis keys carry the namespace prefix.
	assert.True(t, mr.Exists("research:session_a"))
}

func TestStore_RemoveAbsentIsNoop(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := newTestStore(t, mr)

	assert.NoError(t, s.Remove(ctx, "never-set"))
}

func TestStore_OtherWriterChangesPropagate(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	writer := newTestStore(t, mr)
	observer := newTestStore(t, mr)

	require.NoError(t, writer.Set(ctx, "shared", []byte("v1")))

	select {
	case ev := <-observer.Changes():
		assert.Equal(t, storage.ChangeSet, ev.Type)
		assert.Equal(t, "shared", ev.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("observer saw no change event")
	}

	require.NoError(t, writer.Remove(ctx, "shared"))

	select {
	case ev := <-observer.Changes():
		assert.Equal(t, storage.ChangeRemove, ev.Type)
		assert.Equal(t, "shared", ev.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("observer saw no remove event")
	}
}

func TestStore_OwnChangesAreFiltered(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := newTestStore(t, mr)

	require.NoError(t, s.Set(ctx, "mine", []byte("v")))

	select {
	case ev := <-s.Changes():
		t.Fatalf("own write leaked into change stream: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}
