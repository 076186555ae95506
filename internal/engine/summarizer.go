// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/memoria-dev/memoria/internal/provider"
	"github.com/memoria-dev/memoria/internal/security"
	"github.com/memoria-dev/memoria/internal/store"
	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

// SummarizerConfig tunes the rolling summarizer.
type SummarizerConfig struct {
	TurnInterval  int // summarize after this many new user turns; default 8
	CharThreshold int // or once new-turn characters exceed this; default 4000
	MaxChars      int // hard bound on summary length; default 2000
	MaxTokens     int // completion budget; default 600
}

// DefaultSummarizerConfig returns the standard summarizer tuning.
func DefaultSummarizerConfig() SummarizerConfig {
	return SummarizerConfig{
		TurnInterval:  8,
		CharThreshold: 4000,
		MaxChars:      2000,
		MaxTokens:     600,
	}
}

// unsafePlaceholder replaces messages the validator refuses so the
// summarizer never feeds refused text to the completion capability.
const unsafePlaceholder = "[message removed]"

var citationPattern = regexp.MustCompile(`\[\[(mem-[0-9a-fA-F-]+)\]\]`)

// Summarizer maintains one rolling summary per (user, conversation),
// folding new turns into the existing summary with citations.
type Summarizer struct {
	store      store.Store
	completion provider.Completion
	validator  security.Validator
	cfg        SummarizerConfig
	logger     *slog.Logger
}

// NewSummarizer creates a Summarizer with injected capabilities.
func NewSummarizer(st store.Store, completion provider.Completion, validator security.Validator, cfg SummarizerConfig, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{store: st, completion: completion, validator: validator, cfg: cfg, logger: logger}
}

// lastSummaryTime returns the UpdatedAt of the prior rolling summary,
// or the zero time if none exists yet.
func (s *Summarizer) lastSummaryTime(ctx context.Context, userID, conversationID string) (time.Time, error) {
	prior, err := s.store.Summaries().Get(ctx, userID, conversationID, store.SummaryScopeRolling)
	if err != nil && !memerr.IsNotFound(err) {
		return time.Time{}, err
	}
	if prior == nil {
		return time.Time{}, nil
	}
	return prior.UpdatedAt, nil
}

// ShouldSummarize reports whether enough new turns or characters have
// accumulated since the last rolling summary.
func (s *Summarizer) ShouldSummarize(ctx context.Context, userID, conversationID string) (bool, error) {
	since, err := s.lastSummaryTime(ctx, userID, conversationID)
	if err != nil {
		return false, err
	}

	turns, err := s.store.Conversations().CountUserTurnsSince(ctx, userID, conversationID, since)
	if err != nil {
		return false, err
	}
	if turns >= s.cfg.TurnInterval {
		return true, nil
	}
	if turns == 0 {
		return false, nil
	}

	msgs, err := s.store.Conversations().MessagesSince(ctx, userID, conversationID, since)
	if err != nil {
		return false, err
	}
	var chars int
	for _, m := range msgs {
		chars += len(m.Text)
	}
	return chars > s.cfg.CharThreshold, nil
}

// Summarize folds messages since the last rolling summary into a new
// bounded summary with citations. A failed attempt leaves the prior
// summary intact; the upsert is the only write.
func (s *Summarizer) Summarize(ctx context.Context, userID, conversationID string) (*store.Summary, error) {
	prior, err := s.store.Summaries().Get(ctx, userID, conversationID, store.SummaryScopeRolling)
	if err != nil && !memerr.IsNotFound(err) {
		return nil, err
	}

	var since time.Time
	var priorContent string
	if prior != nil {
		since = prior.UpdatedAt
		priorContent = prior.Content
	}

	msgs, err := s.store.Conversations().MessagesSince(ctx, userID, conversationID, since)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return prior, nil
	}
	windowStart := msgs[0].CreatedAt

	var lines []string
	for _, m := range msgs {
		text := m.Text
		verdict, err := s.validator.Validate(ctx, text, security.TagSummarizerInput)
		if err != nil {
			return nil, err
		}
		if !verdict.Safe {
			text = unsafePlaceholder
		} else {
			text = s.validator.Sanitize(text)
		}
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, text))
	}

	prompt := fmt.Sprintf(summaryPromptTemplate, s.cfg.MaxChars, priorContent, strings.Join(lines, "\n"))
	content, err := s.completion.Complete(ctx, SummarySystemPrompt, prompt, provider.CompleteOptions{
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: 0.2,
		Shape:       provider.ShapeText,
	})
	if err != nil {
		return nil, err
	}

	content = strings.TrimSpace(content)
	if len(content) > s.cfg.MaxChars {
		content = truncateAtRune(content, s.cfg.MaxChars)
	}

	priorCitations := map[string]bool{}
	if prior != nil {
		for _, id := range prior.Citations {
			priorCitations[id] = true
		}
	}
	citations := s.verifyCitations(ctx, userID, content, windowStart, priorCitations)

	summary := &store.Summary{
		UserID:         userID,
		ConversationID: conversationID,
		Scope:          store.SummaryScopeRolling,
		Content:        content,
		Citations:      citations,
	}
	if prior != nil {
		summary.ID = prior.ID
	}

	if err := s.store.Summaries().Upsert(ctx, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// verifyCitations extracts [[mem-...]] markers and keeps only ids that
// resolve to a non-bad memory of this user and were either created in
// the covered window or carried over from the prior summary.
func (s *Summarizer) verifyCitations(ctx context.Context, userID, content string, windowStart time.Time, prior map[string]bool) []string {
	seen := map[string]bool{}
	var citations []string

	for _, m := range citationPattern.FindAllStringSubmatch(content, -1) {
		id := m[1]
		if seen[id] {
			continue
		}
		seen[id] = true

		mem, err := s.store.Memories().Get(ctx, userID, id)
		if err != nil || mem.Bad {
			continue
		}
		if mem.CreatedAt.Before(windowStart) && !prior[id] {
			continue
		}
		citations = append(citations, id)
	}
	return citations
}

func truncateAtRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
