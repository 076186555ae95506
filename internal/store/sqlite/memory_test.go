// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoria-dev/memoria/internal/store"
	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

func newMemory(userID, text string, typ store.MemoryType, key string) *store.Memory {
	return &store.Memory{
		UserID:         userID,
		Text:           text,
		Type:           typ,
		Importance:     0.6,
		Confidence:     0.9,
		IdempotencyKey: key,
	}
}

func TestMemoryStore_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	mem := newMemory("u1", "I live in Tokyo", store.MemoryTypeFact, "fp-1")
	mem.Embedding = []float32{1, 0, 0, 0}
	mem.Provenance = map[string]string{"source": "user_message"}

	id, err := st.Memories().Insert(ctx, mem)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := st.Memories().Get(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, "I live in Tokyo", got.Text)
	assert.Equal(t, store.MemoryTypeFact, got.Type)
	assert.Equal(t, []float32{1, 0, 0, 0}, got.Embedding)
	assert.Equal(t, "user_message", got.Provenance["source"])
	assert.False(t, got.CreatedAt.IsZero())
}

func TestMemoryStore_InsertConflictReturnsExistingID(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	first, err := st.Memories().Insert(ctx, newMemory("u1", "I love Python", store.MemoryTypePreference, "fp-dup"))
	require.NoError(t, err)

	second, err := st.Memories().Insert(ctx, newMemory("u1", "I love Python", store.MemoryTypePreference, "fp-dup"))
	require.Error(t, err)
	assert.True(t, memerr.IsConflict(err))
	assert.Equal(t, first, second)
}

func TestMemoryStore_SameFingerprintDifferentUsers(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	_, err := st.Memories().Insert(ctx, newMemory("u1", "text", store.MemoryTypeFact, "fp-shared"))
	require.NoError(t, err)

	_, err = st.Memories().Insert(ctx, newMemory("u2", "text", store.MemoryTypeFact, "fp-shared"))
	require.NoError(t, err, "fingerprints are unique per user, not globally")
}

func TestMemoryStore_UserIsolation(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	id, err := st.Memories().Insert(ctx, newMemory("u1", "private", store.MemoryTypeFact, "fp-iso"))
	require.NoError(t, err)

	_, err = st.Memories().Get(ctx, "u2", id)
	require.Error(t, err)
	assert.True(t, memerr.IsNotFound(err))

	err = st.Memories().Update(ctx, "u2", id, store.MemoryPatch{Bad: boolPtr(true)})
	assert.True(t, memerr.IsNotFound(err))

	err = st.Memories().Delete(ctx, "u2", id)
	assert.True(t, memerr.IsNotFound(err))

	mems, err := st.Memories().List(ctx, "u2", store.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, mems)
}

func TestMemoryStore_UpdateTextClearsEmbedding(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	mem := newMemory("u1", "original", store.MemoryTypeFact, "fp-upd")
	mem.Embedding = []float32{0, 1, 0, 0}
	id, err := st.Memories().Insert(ctx, mem)
	require.NoError(t, err)

	text := "corrected"
	require.NoError(t, st.Memories().Update(ctx, "u1", id, store.MemoryPatch{Text: &text}))

	got, err := st.Memories().Get(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, "corrected", got.Text)
	assert.Nil(t, got.Embedding, "text change must clear the embedding until re-embedded")

	// The cleared row must no longer be reachable by vector search.
	matches, err := st.Memories().VectorTopK(ctx, "u1", []float32{0, 1, 0, 0}, 10, store.MemoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, matches)

	// Re-embedding restores it.
	emb := []float32{0, 1, 0, 0}
	require.NoError(t, st.Memories().Update(ctx, "u1", id, store.MemoryPatch{Embedding: &emb}))
	matches, err = st.Memories().VectorTopK(ctx, "u1", []float32{0, 1, 0, 0}, 10, store.MemoryFilter{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, id, matches[0].Memory.ID)
}

func TestMemoryStore_BadExcludedFromReads(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	mem := newMemory("u1", "I hate mornings", store.MemoryTypePreference, "fp-bad")
	mem.Embedding = []float32{1, 0, 0, 0}
	id, err := st.Memories().Insert(ctx, mem)
	require.NoError(t, err)

	require.NoError(t, st.Memories().Update(ctx, "u1", id, store.MemoryPatch{Bad: boolPtr(true)}))

	recent, err := st.Memories().Recent(ctx, "u1", 10, store.MemoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, recent)

	lex, err := st.Memories().LexicalTopK(ctx, "u1", "mornings", 10, store.MemoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, lex)

	vec, err := st.Memories().VectorTopK(ctx, "u1", []float32{1, 0, 0, 0}, 10, store.MemoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, vec)

	// The API listing still shows the row.
	all, err := st.Memories().List(ctx, "u1", store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Bad)
}

func TestMemoryStore_LexicalTopK(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	_, err := st.Memories().Insert(ctx, newMemory("u1", "I work as a data scientist in Berlin", store.MemoryTypeFact, "fp-l1"))
	require.NoError(t, err)
	_, err = st.Memories().Insert(ctx, newMemory("u1", "I love hiking on weekends", store.MemoryTypePreference, "fp-l2"))
	require.NoError(t, err)

	matches, err := st.Memories().LexicalTopK(ctx, "u1", "what does this user do for work?", 10, store.MemoryFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Contains(t, matches[0].Memory.Text, "data scientist")
	assert.Greater(t, matches[0].Rank, 0.0)
}

func TestMemoryStore_LexicalTopKNoTokens(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	matches, err := st.Memories().LexicalTopK(ctx, "u1", "?!,.", 10, store.MemoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMemoryStore_ListPagination(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	for i := 0; i < 5; i++ {
		_, err := st.Memories().Insert(ctx, newMemory("u1", "fact", store.MemoryTypeFact, "fp-pg-"+string(rune('a'+i))))
		require.NoError(t, err)
	}

	page, err := st.Memories().List(ctx, "u1", store.ListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := st.Memories().List(ctx, "u1", store.ListFilter{Limit: 10, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, rest, 3)
}

func boolPtr(b bool) *bool { return &b }
