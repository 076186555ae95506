// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memoria-dev/memoria/internal/provider"
	"github.com/memoria-dev/memoria/internal/security"
	"github.com/memoria-dev/memoria/internal/store"
)

// MinerConfig tunes the insight miner.
type MinerConfig struct {
	MinConfidence float64 // memories below this are ignored; default 0.7
	MaxMemories   int     // how many recent memories to consider; default 100
	MaxPerGroup   int     // insights requested per type group; default 3
	MaxTokens     int     // completion budget per group; default 600
}

// DefaultMinerConfig returns the standard miner tuning.
func DefaultMinerConfig() MinerConfig {
	return MinerConfig{
		MinConfidence: 0.7,
		MaxMemories:   100,
		MaxPerGroup:   3,
		MaxTokens:     600,
	}
}

// Miner periodically groups recent high-confidence memories into
// higher-order insights with supporting citations. Insights are
// append-only; deduplication is left to the prompt.
type Miner struct {
	store      store.Store
	completion provider.Completion
	validator  security.Validator
	cfg        MinerConfig
	logger     *slog.Logger
}

// NewMiner creates a Miner with injected capabilities.
func NewMiner(st store.Store, completion provider.Completion, validator security.Validator, cfg MinerConfig, logger *slog.Logger) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{store: st, completion: completion, validator: validator, cfg: cfg, logger: logger}
}

// minedInsight is the strict shape of one miner output element.
type minedInsight struct {
	Text       string   `json:"text"`
	Supporting []string `json:"supporting"`
}

// Mine derives insights from the user's recent high-confidence memories
// and persists those with at least one valid supporting id. Returns the
// number of insights stored.
func (m *Miner) Mine(ctx context.Context, userID string) (int, error) {
	recent, err := m.store.Memories().Recent(ctx, userID, m.cfg.MaxMemories, store.MemoryFilter{})
	if err != nil {
		return 0, err
	}

	groups := map[store.MemoryType][]*store.Memory{}
	byID := map[string]*store.Memory{}
	for _, mem := range recent {
		if mem.Confidence < m.cfg.MinConfidence {
			continue
		}
		verdict, err := m.validator.Validate(ctx, mem.Text, security.TagInsightInput)
		if err != nil {
			return 0, err
		}
		if !verdict.Safe {
			continue
		}
		groups[mem.Type] = append(groups[mem.Type], mem)
		byID[mem.ID] = mem
	}

	stored := 0
	for typ, mems := range groups {
		n, err := m.mineGroup(ctx, userID, typ, mems, byID)
		if err != nil {
			m.logger.Warn("insight mining failed for group",
				"user_id", userID, "type", string(typ), "error", err)
			continue
		}
		stored += n
	}
	return stored, nil
}

func (m *Miner) mineGroup(ctx context.Context, userID string, typ store.MemoryType, mems []*store.Memory, byID map[string]*store.Memory) (int, error) {
	if len(mems) < 2 {
		return 0, nil
	}

	var lines []string
	for _, mem := range mems {
		lines = append(lines, fmt.Sprintf("- [%s] %s", mem.ID, mem.Text))
	}

	prompt := fmt.Sprintf(insightPromptTemplate, string(typ), m.cfg.MaxPerGroup, strings.Join(lines, "\n"))
	raw, err := m.completion.Complete(ctx, InsightSystemPrompt, prompt, provider.CompleteOptions{
		MaxTokens:   m.cfg.MaxTokens,
		Temperature: 0.2,
		Shape:       provider.ShapeJSON,
	})
	if err != nil {
		return 0, err
	}

	mined := parseInsights(raw)
	if len(mined) > m.cfg.MaxPerGroup {
		mined = mined[:m.cfg.MaxPerGroup]
	}

	stored := 0
	for _, ins := range mined {
		text := m.validator.Sanitize(ins.Text)
		if text == "" {
			continue
		}

		// Keep only supporting ids that are real memories of this user
		// from the considered set; an insight with no valid support is
		// dropped.
		var supporting []string
		for _, id := range ins.Supporting {
			if _, ok := byID[id]; ok {
				supporting = append(supporting, id)
			}
		}
		if len(supporting) == 0 {
			continue
		}

		err := m.store.Insights().Insert(ctx, &store.Insight{
			UserID:     userID,
			Content:    text,
			Supporting: supporting,
		})
		if err != nil {
			return stored, err
		}
		stored++
	}
	return stored, nil
}

// parseInsights parses the miner's JSON array, skipping malformed
// elements.
func parseInsights(raw string) []minedInsight {
	raw = stripCodeFence(raw)

	var elements []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &elements); err != nil {
		return nil
	}

	var out []minedInsight
	for _, el := range elements {
		dec := json.NewDecoder(strings.NewReader(string(el)))
		dec.DisallowUnknownFields()

		var ins minedInsight
		if err := dec.Decode(&ins); err != nil {
			continue
		}
		if ins.Text == "" {
			continue
		}
		out = append(out, ins)
	}
	return out
}
