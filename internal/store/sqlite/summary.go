// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/memoria-dev/memoria/internal/store"
	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

// Compile-time interface check.
var _ store.SummaryStore = (*summaryStore)(nil)

type summaryStore struct {
	db *sql.DB
}

func (s *summaryStore) Get(ctx context.Context, userID, conversationID string, scope store.SummaryScope) (*store.Summary, error) {
	var sum store.Summary
	var citJSON, createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, conversation_id, scope, content, citations, created_at, updated_at
FROM summaries WHERE user_id = ? AND conversation_id = ? AND scope = ?`,
		userID, conversationID, string(scope),
	).Scan(&sum.ID, &sum.UserID, &sum.ConversationID, &sum.Scope, &sum.Content, &citJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.New(memerr.CodeStoreSummaryNotFound, "summary not found",
			memerr.FieldUserID(userID), memerr.FieldConversationID(conversationID))
	}
	if err != nil {
		return nil, dbErr(err, "getting summary")
	}

	sum.CreatedAt = parseTime(createdAt)
	sum.UpdatedAt = parseTime(updatedAt)

	if citJSON != "" && citJSON != "[]" {
		if err := json.Unmarshal([]byte(citJSON), &sum.Citations); err != nil {
			return nil, memerr.Wrapf(err, memerr.CodeStoreDatabaseFatal, "unmarshalling citations")
		}
	}

	return &sum, nil
}

// Upsert creates or rewrites the single row for the summary's
// (user, conversation, scope) key, bumping updated_at.
func (s *summaryStore) Upsert(ctx context.Context, summary *store.Summary) error {
	if summary.UserID == "" || summary.ConversationID == "" {
		return memerr.New(memerr.CodeStoreInvalidInput, "user and conversation ids are required")
	}
	if !summary.Scope.Valid() {
		return memerr.Errorf(memerr.CodeStoreInvalidInput, "unknown summary scope %q", summary.Scope)
	}

	citations := summary.Citations
	if citations == nil {
		citations = []string{}
	}
	citJSON, err := json.Marshal(citations)
	if err != nil {
		return memerr.Wrapf(err, memerr.CodeStoreInvalidInput, "marshalling citations")
	}

	id := summary.ID
	if id == "" {
		id = "sum-" + uuid.NewString()
		summary.ID = id
	}
	now := formatTime(time.Now())

	const q = `INSERT INTO summaries (id, user_id, conversation_id, scope, content, citations, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id, conversation_id, scope) DO UPDATE SET
	content = excluded.content,
	citations = excluded.citations,
	updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, q,
		id, summary.UserID, summary.ConversationID, string(summary.Scope),
		summary.Content, string(citJSON), now, now,
	)
	if err != nil {
		return dbErr(err, "upserting summary")
	}
	return nil
}
