// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package store

import (
	"context"
	"time"
)

// Store groups the per-user persistent subsystems. Every operation
// carries the owning user id and implementations enforce the partition:
// no call may return or mutate a row belonging to a different user.
type Store interface {
	Conversations() ConversationStore
	Memories() MemoryStore
	Summaries() SummaryStore
	Insights() InsightStore
	Close() error
}

// ConversationStore manages conversations and their append-only messages.
type ConversationStore interface {
	// AppendMessage creates the conversation lazily if absent, stamps
	// created_at, and returns the new message id.
	AppendMessage(ctx context.Context, userID, conversationID string, role MessageRole, text string) (string, error)

	Get(ctx context.Context, userID, conversationID string) (*Conversation, error)

	// GetMessage fetches a single message by id.
	GetMessage(ctx context.Context, userID, messageID string) (*Message, error)

	// RecentMessages returns the last k messages of the conversation in
	// ascending time order.
	RecentMessages(ctx context.Context, userID, conversationID string, k int) ([]*Message, error)

	// MessagesSince returns messages created strictly after since, in
	// ascending time order.
	MessagesSince(ctx context.Context, userID, conversationID string, since time.Time) ([]*Message, error)

	// CountUserTurnsSince counts user-role messages created strictly
	// after since.
	CountUserTurnsSince(ctx context.Context, userID, conversationID string, since time.Time) (int, error)

	// Delete removes the conversation, cascading to its messages and
	// summaries and detaching its memories.
	Delete(ctx context.Context, userID, conversationID string) error
}

// MemoryStore manages durable memory records and their indexes.
type MemoryStore interface {
	// Insert atomically creates a memory. When (user_id, idempotency_key)
	// already exists it returns the existing row's id together with a
	// conflict-classified error; callers may treat the conflict as
	// success.
	Insert(ctx context.Context, mem *Memory) (string, error)

	Get(ctx context.Context, userID, id string) (*Memory, error)

	// Update applies a partial patch. A text change clears the stored
	// embedding (and its vector index entry) until re-embedded.
	Update(ctx context.Context, userID, id string, patch MemoryPatch) error

	// Delete hard-deletes the memory and its vector index entry.
	Delete(ctx context.Context, userID, id string) error

	// List returns memories for the API layer, bad rows included,
	// ordered (created_at desc, id desc).
	List(ctx context.Context, userID string, filter ListFilter) ([]*Memory, error)

	// Recent returns the k most recent non-bad memories, ordered
	// (created_at desc, id desc).
	Recent(ctx context.Context, userID string, k int, filter MemoryFilter) ([]*Memory, error)

	// VectorTopK returns the k nearest non-bad memories by cosine
	// distance, ascending. Rows without an embedding are never returned.
	VectorTopK(ctx context.Context, userID string, query []float32, k int, filter MemoryFilter) ([]VectorMatch, error)

	// LexicalTopK returns the k best full-text matches over non-bad
	// memories, by descending rank.
	LexicalTopK(ctx context.Context, userID, query string, k int, filter MemoryFilter) ([]LexicalMatch, error)
}

// SummaryStore manages per-(user, conversation, scope) summaries.
type SummaryStore interface {
	Get(ctx context.Context, userID, conversationID string, scope SummaryScope) (*Summary, error)

	// Upsert creates or rewrites the single row for the summary's
	// (user, conversation, scope) key.
	Upsert(ctx context.Context, summary *Summary) error
}

// InsightStore manages append-only insights.
type InsightStore interface {
	Insert(ctx context.Context, insight *Insight) error
	List(ctx context.Context, userID string, limit int) ([]*Insight, error)
}
