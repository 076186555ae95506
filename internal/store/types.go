// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package store

import "time"

// --- Conversation types ---

// Conversation is a single chat thread owned by one user. Conversations
// are created lazily on the first message that references an unknown id
// and are never mutated afterwards.
type Conversation struct {
	ID        string
	UserID    string
	CreatedAt time.Time
}

// MessageRole identifies the sender of a message in a conversation.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
	MessageRoleTool      MessageRole = "tool"
)

// Valid reports whether the role is a known message role.
func (r MessageRole) Valid() bool {
	switch r {
	case MessageRoleUser, MessageRoleAssistant, MessageRoleSystem, MessageRoleTool:
		return true
	default:
		return false
	}
}

// Message is a single append-only turn within a conversation. Ordering
// within a conversation is (created_at asc, id asc).
type Message struct {
	ID             string
	ConversationID string
	UserID         string
	Role           MessageRole
	Text           string
	CreatedAt      time.Time
}

// --- Memory types ---

// MemoryType classifies a durable memory statement.
type MemoryType string

const (
	MemoryTypePreference MemoryType = "preference"
	MemoryTypeFact       MemoryType = "fact"
	MemoryTypePlan       MemoryType = "plan"
	MemoryTypeEntity     MemoryType = "entity"
	MemoryTypeRelation   MemoryType = "relation"
)

// Valid reports whether the type is a known memory type.
func (t MemoryType) Valid() bool {
	switch t {
	case MemoryTypePreference, MemoryTypeFact, MemoryTypePlan, MemoryTypeEntity, MemoryTypeRelation:
		return true
	default:
		return false
	}
}

// DefaultImportance returns the type-derived importance assigned to
// extracted candidates that carry none.
func (t MemoryType) DefaultImportance() float64 {
	switch t {
	case MemoryTypePreference:
		return 0.7
	case MemoryTypePlan:
		return 0.8
	case MemoryTypeFact:
		return 0.6
	default:
		return 0.5
	}
}

// Memory is a single durable, typed statement about a user.
//
// (UserID, IdempotencyKey) is unique; the key is the fingerprint over the
// normalized text and type. Embedding may be nil transiently while the
// embedding job is in flight; rows whose embedding never arrives are
// marked degraded via Provenance["embedding_failed"].
type Memory struct {
	ID             string
	UserID         string
	ConversationID string // empty when detached from its conversation
	Text           string
	Type           MemoryType
	Importance     float64
	Confidence     float64
	Bad            bool
	Pinned         bool
	IdempotencyKey string
	Embedding      []float32 // nil until embedded
	Provenance     map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MemoryPatch is a partial update applied via UpdateMemory. Nil fields are
// left untouched. Setting Text clears the stored embedding until the row
// is re-embedded; setting Embedding replaces it.
type MemoryPatch struct {
	Text       *string
	Embedding  *[]float32
	Bad        *bool
	Pinned     *bool
	Importance *float64
	Confidence *float64
	Provenance map[string]string // nil leaves provenance untouched; non-nil replaces it
}

// MemoryFilter restricts memory reads. The zero value matches all
// non-bad memories of the user.
type MemoryFilter struct {
	ConversationID string
}

// ListFilter paginates full memory listings (bad rows included).
type ListFilter struct {
	ConversationID string
	Limit          int
	Offset         int
}

// VectorMatch is one vector-kNN result. Distance is cosine distance,
// ascending (0 = identical direction).
type VectorMatch struct {
	Memory   *Memory
	Distance float64
}

// LexicalMatch is one full-text result. Rank is a relevance score,
// higher = better match.
type LexicalMatch struct {
	Memory *Memory
	Rank   float64
}

// --- Summary types ---

// SummaryScope distinguishes the rolling per-conversation summary from a
// full-conversation summary.
type SummaryScope string

const (
	SummaryScopeRolling SummaryScope = "rolling"
	SummaryScopeFull    SummaryScope = "full"
)

// Valid reports whether the scope is a known summary scope.
func (s SummaryScope) Valid() bool {
	return s == SummaryScopeRolling || s == SummaryScopeFull
}

// Summary is the bounded compression of a conversation's older turns.
// At most one row exists per (user, conversation, scope); the summarizer
// rewrites it in place.
type Summary struct {
	ID             string
	UserID         string
	ConversationID string
	Scope          SummaryScope
	Content        string
	Citations      []string // memory ids referenced by the summary
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// --- Insight types ---

// Insight is a higher-order statement derived from multiple memories.
// Insights are append-only.
type Insight struct {
	ID         string
	UserID     string
	Content    string
	Supporting []string // memory ids backing the insight
	CreatedAt  time.Time
}
