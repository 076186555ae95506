// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package engine

import (
	"fmt"
	"strings"

	"github.com/memoria-dev/memoria/internal/store"
)

const ExtractSystemPrompt = "You are a precise extractor. Output JSON only."

const extractPromptTemplate = `From the user's latest message, extract durable, user-specific memories to store.
Only include: stable preferences, facts about the user or their projects, decisions/plans with dates, or clear entities and relationships.
Do not include generic knowledge or assistant content.
Output a JSON array of objects:
[{"text": "...", "type": "preference|fact|plan|entity|relation", "confidence": 0.0-1.0, "importance": 0.0-1.0}]
The importance field is optional. If there are none, output [].

User message:
%s
`

const SummarySystemPrompt = "You produce concise rolling summaries with citations. Be faithful; do not invent."

const summaryPromptTemplate = `Update the rolling summary for this conversation.

Rules:
- Keep it under %d characters.
- Include only facts you can ground in the provided messages or the existing summary.
- Prefer durable facts and decisions over small talk.
- Cite memory ids embedded like [[mem-...]] when you rely on a stored memory; keep existing citations that still apply.

Existing summary (may be empty):
%s

New messages (chronological):
%s

Write the updated summary now.
`

const InsightSystemPrompt = "You are an analyst. You find helpful, non-obvious patterns and recommendations for the user."

const insightPromptTemplate = `You are given the user's stored %s memories, one per line as "- [id] text".
Identify up to %d higher-order patterns across them.
Output a JSON array of objects:
[{"text": "...", "supporting": ["mem-...", ...]}]
Every supporting id must come from the list below. If there are no patterns, output [].

Memories:
%s
`

const ResponderSystemPrompt = `You are a helpful assistant with long-term memory of this user.
Use the provided memories and conversation summary when they are relevant; do not mention the memory system itself.`

// buildResponderPrompt assembles the context pack injected ahead of the
// user's question: retrieved memories, the rolling summary, and the
// recent turns of the conversation.
func buildResponderPrompt(question string, memories []ScoredMemory, summary *store.Summary, recent []*store.Message) string {
	var b strings.Builder

	if len(memories) > 0 {
		b.WriteString("Known facts about the user:\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- [%s] %s\n", m.Memory.ID, m.Memory.Text)
		}
		b.WriteString("\n")
	}

	if summary != nil && summary.Content != "" {
		b.WriteString("Conversation summary:\n")
		b.WriteString(summary.Content)
		b.WriteString("\n\n")
	}

	if len(recent) > 0 {
		b.WriteString("Recent messages:\n")
		for _, msg := range recent {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Text)
		}
		b.WriteString("\n")
	}

	b.WriteString("User question:\n")
	b.WriteString(question)
	return b.String()
}
