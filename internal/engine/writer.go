// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memoria-dev/memoria/internal/provider"
	"github.com/memoria-dev/memoria/internal/security"
	"github.com/memoria-dev/memoria/internal/store"
	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

// WriterConfig tunes extraction and the embedding retry budget.
type WriterConfig struct {
	MinConfidence     float64       // candidates below this are dropped; default 0.6
	MaxCandidateChars int           // candidate text cap after sanitize; default 1000
	EmbedBatchSize    int           // default 64
	EmbedAttempts     int           // attempts per batch embed call on transient failure; default 3
	EmbedBackoff      time.Duration // initial backoff between attempts; default 250ms
	ExtractMaxTokens  int           // completion budget for extraction; default 500
}

// DefaultWriterConfig returns the standard writer tuning.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		MinConfidence:     0.6,
		MaxCandidateChars: 1000,
		EmbedBatchSize:    64,
		EmbedAttempts:     3,
		EmbedBackoff:      250 * time.Millisecond,
		ExtractMaxTokens:  500,
	}
}

// ExtractResult reports one writer run. Partial failure does not roll
// back successful inserts.
type ExtractResult struct {
	MemoryIDs []string // every memory the run produced or re-confirmed
	Inserted  int      // fresh rows
	Upgraded  int      // conflicts where the new confidence won
	Absorbed  int      // conflicts treated as no-ops
	Discarded int      // malformed or low-confidence candidates
}

// Writer turns a user turn into typed, de-duplicated, confidence-scored
// memory records and keeps their embedding state consistent.
type Writer struct {
	store      store.Store
	completion provider.Completion
	embedder   provider.Embedder
	validator  security.Validator
	cfg        WriterConfig
	logger     *slog.Logger
}

// NewWriter creates a Writer with injected capabilities.
func NewWriter(st store.Store, completion provider.Completion, embedder provider.Embedder, validator security.Validator, cfg WriterConfig, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{store: st, completion: completion, embedder: embedder, validator: validator, cfg: cfg, logger: logger}
}

// candidate is the strict shape of one extractor output element.
// Unknown keys reject the element, not the batch.
type candidate struct {
	Text       string   `json:"text"`
	Type       string   `json:"type"`
	Confidence float64  `json:"confidence"`
	Importance *float64 `json:"importance"`
}

// ExtractFromMessage runs the full write path for one user message.
// Re-running it for the same message converges on the same set of
// (user, idempotency_key) rows; conflicts are absorbed.
func (w *Writer) ExtractFromMessage(ctx context.Context, userID, messageID string) (*ExtractResult, error) {
	msg, err := w.store.Conversations().GetMessage(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Role != store.MessageRoleUser {
		return nil, memerr.Errorf(memerr.CodeEngineInvalidInput, "extraction requires a user message, got role %q", msg.Role)
	}

	verdict, err := w.validator.Validate(ctx, msg.Text, security.TagWriterExtract)
	if err != nil {
		return nil, err
	}
	if !verdict.Safe {
		return nil, memerr.New(memerr.CodeSecurityUnsafe, "message refused by validator",
			memerr.FieldUserID(userID),
			memerr.Field("reason", verdict.Reason),
			memerr.Field("context_tag", string(security.TagWriterExtract)),
		)
	}

	prompt := fmt.Sprintf(extractPromptTemplate, w.validator.Sanitize(msg.Text))
	raw, err := w.completion.Complete(ctx, ExtractSystemPrompt, prompt, provider.CompleteOptions{
		MaxTokens:   w.cfg.ExtractMaxTokens,
		Temperature: 0.0,
		Shape:       provider.ShapeJSON,
	})
	if err != nil {
		return nil, err
	}

	candidates, discarded := parseCandidates(raw)

	result := &ExtractResult{Discarded: discarded}
	var toEmbed []*store.Memory

	for _, c := range candidates {
		mem, ok := w.buildMemory(userID, msg.ConversationID, c)
		if !ok {
			result.Discarded++
			continue
		}

		id, err := w.store.Memories().Insert(ctx, mem)
		switch {
		case err == nil:
			mem.ID = id
			result.Inserted++
			toEmbed = append(toEmbed, mem)
		case memerr.IsConflict(err):
			upgraded, upErr := w.absorbConflict(ctx, userID, id, mem)
			if upErr != nil {
				w.logger.Warn("conflict absorption failed", "user_id", userID, "memory_id", id, "error", upErr)
				continue
			}
			if upgraded {
				result.Upgraded++
			} else {
				result.Absorbed++
			}
		default:
			return result, err
		}
		result.MemoryIDs = append(result.MemoryIDs, id)
	}

	if len(toEmbed) > 0 {
		w.embedMemories(ctx, userID, toEmbed)
	}

	return result, nil
}

// buildMemory validates and normalizes one candidate into an insertable
// record. Returns false when the candidate must be discarded.
func (w *Writer) buildMemory(userID, conversationID string, c candidate) (*store.Memory, bool) {
	typ := store.MemoryType(c.Type)
	if !typ.Valid() {
		return nil, false
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return nil, false
	}
	if c.Confidence < w.cfg.MinConfidence {
		return nil, false
	}

	text := w.validator.Sanitize(c.Text)
	if text == "" {
		return nil, false
	}
	if len(text) > w.cfg.MaxCandidateChars {
		return nil, false
	}

	importance := typ.DefaultImportance()
	if c.Importance != nil && *c.Importance >= 0 && *c.Importance <= 1 {
		importance = *c.Importance
	}

	return &store.Memory{
		UserID:         userID,
		ConversationID: conversationID,
		Text:           text,
		Type:           typ,
		Importance:     importance,
		Confidence:     c.Confidence,
		IdempotencyKey: Fingerprint(text, typ),
		Provenance:     map[string]string{"source": "user_message"},
	}, true
}

// absorbConflict upgrades the existing row when the new candidate is
// more confident; otherwise the conflict is a no-op.
func (w *Writer) absorbConflict(ctx context.Context, userID, existingID string, fresh *store.Memory) (bool, error) {
	existing, err := w.store.Memories().Get(ctx, userID, existingID)
	if err != nil {
		return false, err
	}
	if existing.Confidence >= fresh.Confidence {
		return false, nil
	}

	err = w.store.Memories().Update(ctx, userID, existingID, store.MemoryPatch{
		Confidence: &fresh.Confidence,
		Importance: &fresh.Importance,
	})
	return err == nil, err
}

// Correct replaces a memory's text in place. Identity is preserved: the
// id and idempotency key do not change, and the row is re-embedded
// within the retry budget.
func (w *Writer) Correct(ctx context.Context, userID, memoryID, newText string) error {
	verdict, err := w.validator.Validate(ctx, newText, security.TagCorrection)
	if err != nil {
		return err
	}
	if !verdict.Safe {
		return memerr.New(memerr.CodeSecurityUnsafe, "correction refused by validator",
			memerr.FieldUserID(userID),
			memerr.FieldMemoryID(memoryID),
			memerr.Field("reason", verdict.Reason),
			memerr.Field("context_tag", string(security.TagCorrection)),
		)
	}

	sanitized := w.validator.Sanitize(newText)
	if sanitized == "" {
		return memerr.New(memerr.CodeEngineInvalidInput, "corrected text is empty after sanitize")
	}

	mem, err := w.store.Memories().Get(ctx, userID, memoryID)
	if err != nil {
		return err
	}

	if err := w.store.Memories().Update(ctx, userID, memoryID, store.MemoryPatch{Text: &sanitized}); err != nil {
		return err
	}

	mem.Text = sanitized
	w.embedMemories(ctx, userID, []*store.Memory{mem})
	return nil
}

// embedMemories batch-embeds rows and writes the vectors back. A batch
// call that fails transiently is retried as a whole, up to EmbedAttempts
// times with doubling backoff. Rows of a batch that still fails, and rows
// whose slot comes back nil, keep a null embedding and are marked
// degraded in provenance; a nil per-item slot is not retried.
func (w *Writer) embedMemories(ctx context.Context, userID string, mems []*store.Memory) {
	for start := 0; start < len(mems); start += w.cfg.EmbedBatchSize {
		end := start + w.cfg.EmbedBatchSize
		if end > len(mems) {
			end = len(mems)
		}
		w.embedBatch(ctx, userID, mems[start:end])
	}
}

func (w *Writer) embedBatch(ctx context.Context, userID string, batch []*store.Memory) {
	texts := make([]string, len(batch))
	for i, m := range batch {
		texts[i] = m.Text
	}

	var vecs [][]float32
	var err error
	backoff := w.cfg.EmbedBackoff
	for attempt := 1; attempt <= w.cfg.EmbedAttempts; attempt++ {
		vecs, err = w.embedder.Embed(ctx, texts)
		if err == nil {
			break
		}
		if !memerr.IsTransient(err) || attempt == w.cfg.EmbedAttempts {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			err = memerr.Wrapf(ctx.Err(), memerr.CodeTaskCancelled, "embedding cancelled")
			attempt = w.cfg.EmbedAttempts
		}
	}

	if err != nil || len(vecs) != len(batch) {
		w.logger.Warn("embedding batch failed, marking rows degraded",
			"user_id", userID, "batch", len(batch), "error", err)
		for _, m := range batch {
			w.markEmbeddingFailed(ctx, userID, m)
		}
		return
	}

	for i, m := range batch {
		vec := vecs[i]
		if vec == nil {
			w.markEmbeddingFailed(ctx, userID, m)
			continue
		}
		if err := w.store.Memories().Update(ctx, userID, m.ID, store.MemoryPatch{Embedding: &vec}); err != nil {
			w.logger.Warn("storing embedding failed", "user_id", userID, "memory_id", m.ID, "error", err)
		}
	}
}

func (w *Writer) markEmbeddingFailed(ctx context.Context, userID string, m *store.Memory) {
	prov := map[string]string{}
	for k, v := range m.Provenance {
		prov[k] = v
	}
	prov["embedding_failed"] = "true"

	if err := w.store.Memories().Update(ctx, userID, m.ID, store.MemoryPatch{Provenance: prov}); err != nil {
		w.logger.Warn("marking embedding failure failed", "user_id", userID, "memory_id", m.ID, "error", err)
	}
}

// parseCandidates parses the extractor's JSON array strictly, skipping
// malformed elements so one bad element never aborts the batch.
func parseCandidates(raw string) (candidates []candidate, discarded int) {
	raw = stripCodeFence(raw)

	var elements []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &elements); err != nil {
		return nil, 0
	}

	for _, el := range elements {
		dec := json.NewDecoder(strings.NewReader(string(el)))
		dec.DisallowUnknownFields()

		var c candidate
		if err := dec.Decode(&c); err != nil {
			discarded++
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, discarded
}

// stripCodeFence unwraps a markdown-fenced JSON block, a common
// completion-output artifact.
func stripCodeFence(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	return strings.TrimSpace(raw)
}
