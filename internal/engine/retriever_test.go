// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package engine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoria-dev/memoria/internal/engine"
	"github.com/memoria-dev/memoria/internal/store"
)

func newRetriever(h *testHarness, cfg engine.RetrieveConfig) *engine.Retriever {
	return engine.NewRetriever(h.store.Memories(), h.embedder, cfg, nil)
}

func TestRetrieve_VectorAndLexicalFusion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	query := "what does this user do for work?"
	h.embedder.setVector(query, []float32{1, 0, 0, 0})

	workID := h.seedMemory(t, "u1", "I work as a data scientist in Berlin", store.MemoryTypeFact, []float32{1, 0, 0, 0})
	h.seedMemory(t, "u1", "enjoys gardening", store.MemoryTypePreference, []float32{0, 0, 0, 1})

	results, err := newRetriever(h, engine.DefaultRetrieveConfig()).Retrieve(ctx, "u1", query, "")
	require.NoError(t, err)
	require.NotEmpty(t, results)

	top := results[0]
	assert.Equal(t, workID, top.Memory.ID, "exact vector match plus lexical overlap must rank first")
	assert.InDelta(t, 1.0, top.VecScore, 1e-4)
	assert.Greater(t, top.LexScore, 0.0, "the \"work\" token overlaps lexically")
	assert.InDelta(t, 0.6*top.VecScore+0.4*top.LexScore, top.Fused, 1e-9)
}

func TestRetrieve_PinnedFloor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// No lexical or vector affinity between the query and the memory.
	query := "recommend a dessert"
	h.embedder.setVector(query, []float32{1, 0, 0, 0})

	pinnedID := h.seedMemory(t, "u3", "allergic to peanuts", store.MemoryTypeFact, []float32{0, 0, 0, 1},
		func(m *store.Memory) { m.Confidence = 0.95; m.Pinned = true })

	results, err := newRetriever(h, engine.DefaultRetrieveConfig()).Retrieve(ctx, "u3", query, "")
	require.NoError(t, err)
	require.NotEmpty(t, results)

	var found bool
	for _, r := range results {
		if r.Memory.ID == pinnedID {
			found = true
			assert.GreaterOrEqual(t, r.Fused, 0.5, "pinned memories receive the score floor")
		}
	}
	assert.True(t, found, "the pinned memory must appear in the output")
}

func TestRetrieve_BadExcluded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	query := "when does this user prefer meetings?"
	h.embedder.setVector(query, []float32{1, 0, 0, 0})

	badID := h.seedMemory(t, "u2", "I hate mornings", store.MemoryTypePreference, []float32{1, 0, 0, 0},
		func(m *store.Memory) { m.Confidence = 0.9 })
	keepID := h.seedMemory(t, "u2", "I live in Tokyo", store.MemoryTypeFact, []float32{0, 1, 0, 0},
		func(m *store.Memory) { m.Confidence = 0.9 })

	require.NoError(t, h.engine.MarkBad(ctx, "u2", badID))

	results, err := newRetriever(h, engine.DefaultRetrieveConfig()).Retrieve(ctx, "u2", query, "")
	require.NoError(t, err)

	ids := resultIDs(results)
	assert.NotContains(t, ids, badID, "bad memories never appear, at any fused score")
	assert.Contains(t, ids, keepID)
}

func TestRetrieve_EmptyQueryReturnsRecent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		created := base.Add(time.Duration(i) * time.Minute)
		ids = append(ids, h.seedMemory(t, "u1", fmt.Sprintf("memory number %d", i), store.MemoryTypeFact, nil,
			func(m *store.Memory) { m.CreatedAt = created }))
	}

	// Control characters sanitize away to an empty query.
	results, err := newRetriever(h, engine.DefaultRetrieveConfig()).Retrieve(ctx, "u1", "\x00\x01 \x02", "")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, ids[2], results[0].Memory.ID, "recency ordering, newest first")
}

func TestRetrieve_EmbedderFailureDegrades(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.embedder.setFail(true)

	keepID := h.seedMemory(t, "u1", "I work as a data scientist", store.MemoryTypeFact, []float32{1, 0, 0, 0})

	results, err := newRetriever(h, engine.DefaultRetrieveConfig()).Retrieve(ctx, "u1", "what work does this user do?", "")
	require.NoError(t, err, "a dead embedder narrows retrieval, it does not fail it")
	assert.Contains(t, resultIDs(results), keepID, "lexical and recency sources still produce results")
}

func TestRetrieve_AllSourcesEmpty(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	results, err := newRetriever(h, engine.DefaultRetrieveConfig()).Retrieve(ctx, "u1", "anything", "")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRetrieve_BoundedOutput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for i := 0; i < 30; i++ {
		h.seedMemory(t, "u1", fmt.Sprintf("fact number %d about things", i), store.MemoryTypeFact, hashVector(fmt.Sprintf("%d", i)))
	}

	cfg := engine.DefaultRetrieveConfig()
	cfg.KOut = 20
	results, err := newRetriever(h, cfg).Retrieve(ctx, "u1", "fact about things", "")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 20)
}

func TestRetrieve_UserIsolation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.seedMemory(t, "other", "I work as a data scientist", store.MemoryTypeFact, []float32{1, 0, 0, 0})

	results, err := newRetriever(h, engine.DefaultRetrieveConfig()).Retrieve(ctx, "u1", "data scientist", "")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func resultIDs(results []engine.ScoredMemory) []string {
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.Memory.ID)
	}
	return ids
}
