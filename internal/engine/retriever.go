// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package engine

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/memoria-dev/memoria/internal/provider"
	"github.com/memoria-dev/memoria/internal/security"
	"github.com/memoria-dev/memoria/internal/store"
)

// RetrieveConfig tunes the hybrid ranker.
type RetrieveConfig struct {
	KVec        int
	KLex        int
	KRecent     int
	KOut        int
	WVec        float64
	WLex        float64
	PinnedFloor float64
}

// DefaultRetrieveConfig returns the standard ranker tuning.
func DefaultRetrieveConfig() RetrieveConfig {
	return RetrieveConfig{
		KVec:        40,
		KLex:        40,
		KRecent:     10,
		KOut:        20,
		WVec:        0.6,
		WLex:        0.4,
		PinnedFloor: 0.5,
	}
}

// ScoredMemory is one ranked retrieval result with its per-source and
// fused scores.
type ScoredMemory struct {
	Memory   *store.Memory
	VecScore float64
	LexScore float64
	Fused    float64

	// recencyOrdinal is the reverse position in the recency source
	// (most recent = highest); 0 when absent from that source. Used
	// only as a tie-break.
	recencyOrdinal int
}

// Retriever fuses vector similarity, lexical relevance, and recency into
// a single bounded ordering under per-user isolation.
type Retriever struct {
	memories store.MemoryStore
	embedder provider.Embedder
	cfg      RetrieveConfig
	logger   *slog.Logger
}

// NewRetriever creates a Retriever over the given store and embedder.
func NewRetriever(memories store.MemoryStore, embedder provider.Embedder, cfg RetrieveConfig, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{memories: memories, embedder: embedder, cfg: cfg, logger: logger}
}

// Retrieve returns up to KOut memories ranked by fused score. Source
// failures degrade that source to empty: a dead embedder or a failed
// store branch never fails the call, only narrows it.
func (r *Retriever) Retrieve(ctx context.Context, userID, query, conversationID string) ([]ScoredMemory, error) {
	filter := store.MemoryFilter{ConversationID: conversationID}
	query = security.Sanitize(query)

	// An empty query skips vector and lexical sources entirely.
	if query == "" {
		recent, err := r.memories.Recent(ctx, userID, r.cfg.KOut, filter)
		if err != nil {
			r.logger.Warn("recency source failed for empty query", "user_id", userID, "error", err)
			return nil, nil
		}
		out := make([]ScoredMemory, 0, len(recent))
		for i, m := range recent {
			out = append(out, ScoredMemory{Memory: m, recencyOrdinal: len(recent) - i})
		}
		return out, nil
	}

	qvec := r.embedQuery(ctx, userID, query)

	var vecMatches []store.VectorMatch
	var lexMatches []store.LexicalMatch
	var recent []*store.Memory

	// The three source queries are independent; fan out and join with
	// per-branch error capture. A failed branch contributes nothing.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if qvec == nil {
			return nil
		}
		matches, err := r.memories.VectorTopK(gctx, userID, qvec, r.cfg.KVec, filter)
		if err != nil {
			r.logger.Warn("vector source failed", "user_id", userID, "error", err)
			return nil
		}
		vecMatches = matches
		return nil
	})
	g.Go(func() error {
		matches, err := r.memories.LexicalTopK(gctx, userID, query, r.cfg.KLex, filter)
		if err != nil {
			r.logger.Warn("lexical source failed", "user_id", userID, "error", err)
			return nil
		}
		lexMatches = matches
		return nil
	})
	g.Go(func() error {
		mems, err := r.memories.Recent(gctx, userID, r.cfg.KRecent, filter)
		if err != nil {
			r.logger.Warn("recency source failed", "user_id", userID, "error", err)
			return nil
		}
		recent = mems
		return nil
	})
	_ = g.Wait()

	return r.fuse(vecMatches, lexMatches, recent), nil
}

// embedQuery embeds the sanitized query, returning nil on failure so the
// ranker proceeds with lexical and recency sources only.
func (r *Retriever) embedQuery(ctx context.Context, userID, query string) []float32 {
	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) == 0 || vecs[0] == nil {
		r.logger.Warn("query embedding failed, degrading to lexical and recency", "user_id", userID, "error", err)
		return nil
	}
	return vecs[0]
}

// fuse merges the three sources into the final ordering.
func (r *Retriever) fuse(vec []store.VectorMatch, lex []store.LexicalMatch, recent []*store.Memory) []ScoredMemory {
	byID := map[string]*ScoredMemory{}
	enter := func(m *store.Memory) *ScoredMemory {
		if s, ok := byID[m.ID]; ok {
			return s
		}
		s := &ScoredMemory{Memory: m}
		byID[m.ID] = s
		return s
	}

	for _, vm := range vec {
		s := enter(vm.Memory)
		score := 1 - vm.Distance
		s.VecScore = clamp01(score)
	}

	var maxRank float64
	for _, lm := range lex {
		if lm.Rank > maxRank {
			maxRank = lm.Rank
		}
	}
	for _, lm := range lex {
		s := enter(lm.Memory)
		if maxRank > 0 {
			s.LexScore = lm.Rank / maxRank
		}
	}

	for i, m := range recent {
		s := enter(m)
		// Reverse position: the most recent row ranks highest.
		if ord := len(recent) - i; ord > s.recencyOrdinal {
			s.recencyOrdinal = ord
		}
	}

	if len(byID) == 0 {
		return nil
	}

	out := make([]ScoredMemory, 0, len(byID))
	for _, s := range byID {
		s.Fused = r.cfg.WVec*s.VecScore + r.cfg.WLex*s.LexScore
		if s.Memory.Pinned && s.Fused < r.cfg.PinnedFloor {
			s.Fused = r.cfg.PinnedFloor
		}
		out = append(out, *s)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Fused != b.Fused {
			return a.Fused > b.Fused
		}
		if a.recencyOrdinal != b.recencyOrdinal {
			return a.recencyOrdinal > b.recencyOrdinal
		}
		if !a.Memory.CreatedAt.Equal(b.Memory.CreatedAt) {
			return a.Memory.CreatedAt.After(b.Memory.CreatedAt)
		}
		return a.Memory.ID < b.Memory.ID
	})

	if len(out) > r.cfg.KOut {
		out = out[:r.cfg.KOut]
	}
	return out
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
