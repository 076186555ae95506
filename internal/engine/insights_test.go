// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package engine_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoria-dev/memoria/internal/engine"
	"github.com/memoria-dev/memoria/internal/store"
)

func newMiner(h *testHarness) *engine.Miner {
	return engine.NewMiner(h.store, h.completion, h.validator, engine.DefaultMinerConfig(), nil)
}

func TestMine_StoresVerifiedInsights(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id1 := h.seedMemory(t, "u1", "uses Python daily", store.MemoryTypePreference, nil)
	id2 := h.seedMemory(t, "u1", "prefers typed languages", store.MemoryTypePreference, nil)

	h.completion.setResponse(engine.InsightSystemPrompt, fmt.Sprintf(`[
	{"text": "gravitates toward typed, scripting-friendly tooling", "supporting": ["%s", "%s", "mem-bogus"]},
	{"text": "hallucinated pattern", "supporting": ["mem-nope"]}
]`, id1, id2))

	stored, err := newMiner(h).Mine(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored, "insights with zero valid supports are dropped")

	insights, err := h.store.Insights().List(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.ElementsMatch(t, []string{id1, id2}, insights[0].Supporting, "unknown supporting ids are pruned")
}

func TestMine_SkipsLowConfidenceMemories(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.seedMemory(t, "u1", "shaky claim one", store.MemoryTypeFact, nil,
		func(m *store.Memory) { m.Confidence = 0.5 })
	h.seedMemory(t, "u1", "shaky claim two", store.MemoryTypeFact, nil,
		func(m *store.Memory) { m.Confidence = 0.5 })

	stored, err := newMiner(h).Mine(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, stored)
	assert.Zero(t, h.completion.callCount(), "low-confidence memories never form a group")
}

func TestMine_SingletonGroupsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.seedMemory(t, "u1", "one lonely fact", store.MemoryTypeFact, nil)

	stored, err := newMiner(h).Mine(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, stored)
	assert.Zero(t, h.completion.callCount(), "a single memory cannot yield a cross-memory pattern")
}

func TestMine_GroupsByType(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.seedMemory(t, "u1", "fact one", store.MemoryTypeFact, nil)
	h.seedMemory(t, "u1", "fact two", store.MemoryTypeFact, nil)
	h.seedMemory(t, "u1", "pref one", store.MemoryTypePreference, nil)
	h.seedMemory(t, "u1", "pref two", store.MemoryTypePreference, nil)

	h.completion.setResponse(engine.InsightSystemPrompt, `[]`)

	_, err := newMiner(h).Mine(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, h.completion.callCount(), "one completion call per type group")
}

func TestMine_GarbageOutputStoresNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.seedMemory(t, "u1", "fact one", store.MemoryTypeFact, nil)
	h.seedMemory(t, "u1", "fact two", store.MemoryTypeFact, nil)
	h.completion.setResponse(engine.InsightSystemPrompt, "no json here")

	stored, err := newMiner(h).Mine(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, stored)
}
