// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/memoria-dev/memoria/internal/store"
	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

// Compile-time interface check.
var _ store.ConversationStore = (*conversationStore)(nil)

type conversationStore struct {
	db *sql.DB
}

// AppendMessage creates the conversation lazily if absent, stamps
// created_at, and returns the new message id.
func (c *conversationStore) AppendMessage(ctx context.Context, userID, conversationID string, role store.MessageRole, text string) (string, error) {
	if userID == "" || conversationID == "" {
		return "", memerr.New(memerr.CodeStoreInvalidInput, "user and conversation ids are required")
	}
	if !role.Valid() {
		return "", memerr.Errorf(memerr.CodeStoreInvalidInput, "unknown message role %q", role)
	}

	now := time.Now()
	msgID := "msg-" + uuid.NewString()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return "", dbErr(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	// Lazy conversation create. The ownership check below catches the
	// case where the id exists under a different user.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations(id, user_id, created_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		conversationID, userID, formatTime(now),
	); err != nil {
		return "", dbErr(err, "ensuring conversation %s", conversationID)
	}

	var owner string
	if err := tx.QueryRowContext(ctx,
		`SELECT user_id FROM conversations WHERE id = ?`, conversationID,
	).Scan(&owner); err != nil {
		return "", dbErr(err, "checking conversation owner")
	}
	if owner != userID {
		return "", memerr.New(memerr.CodeStoreConversationNotFound, "conversation not found for user",
			memerr.FieldUserID(userID), memerr.FieldConversationID(conversationID))
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages(id, conversation_id, user_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msgID, conversationID, userID, string(role), text, formatTime(now),
	); err != nil {
		return "", dbErr(err, "appending message to %s", conversationID)
	}

	if err := tx.Commit(); err != nil {
		return "", dbErr(err, "committing message append")
	}
	return msgID, nil
}

func (c *conversationStore) Get(ctx context.Context, userID, conversationID string) (*store.Conversation, error) {
	var conv store.Conversation
	var createdAt string

	err := c.db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at FROM conversations WHERE id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&conv.ID, &conv.UserID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.New(memerr.CodeStoreConversationNotFound, "conversation not found",
			memerr.FieldUserID(userID), memerr.FieldConversationID(conversationID))
	}
	if err != nil {
		return nil, dbErr(err, "getting conversation %s", conversationID)
	}

	conv.CreatedAt = parseTime(createdAt)
	return &conv, nil
}

func (c *conversationStore) GetMessage(ctx context.Context, userID, messageID string) (*store.Message, error) {
	var msg store.Message
	var createdAt string

	err := c.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, user_id, role, content, created_at
FROM messages WHERE id = ? AND user_id = ?`,
		messageID, userID,
	).Scan(&msg.ID, &msg.ConversationID, &msg.UserID, &msg.Role, &msg.Text, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.New(memerr.CodeStoreConversationNotFound, "message not found",
			memerr.FieldUserID(userID), memerr.Field("message_id", messageID))
	}
	if err != nil {
		return nil, dbErr(err, "getting message %s", messageID)
	}

	msg.CreatedAt = parseTime(createdAt)
	return &msg, nil
}

// RecentMessages returns the last k messages in ascending time order.
func (c *conversationStore) RecentMessages(ctx context.Context, userID, conversationID string, k int) ([]*store.Message, error) {
	if k <= 0 {
		k = 20
	}

	// Take the newest k, then flip to chronological order.
	const q = `SELECT id, conversation_id, user_id, role, content, created_at FROM (
	SELECT id, conversation_id, user_id, role, content, created_at
	FROM messages
	WHERE conversation_id = ? AND user_id = ?
	ORDER BY created_at DESC, id DESC
	LIMIT ?
) ORDER BY created_at ASC, id ASC`

	rows, err := c.db.QueryContext(ctx, q, conversationID, userID, k)
	if err != nil {
		return nil, dbErr(err, "getting recent messages")
	}
	defer func() { _ = rows.Close() }()

	return scanMessages(rows)
}

func (c *conversationStore) MessagesSince(ctx context.Context, userID, conversationID string, since time.Time) ([]*store.Message, error) {
	const q = `SELECT id, conversation_id, user_id, role, content, created_at
FROM messages
WHERE conversation_id = ? AND user_id = ? AND created_at > ?
ORDER BY created_at ASC, id ASC`

	rows, err := c.db.QueryContext(ctx, q, conversationID, userID, formatTime(since))
	if err != nil {
		return nil, dbErr(err, "getting messages since %s", since)
	}
	defer func() { _ = rows.Close() }()

	return scanMessages(rows)
}

func (c *conversationStore) CountUserTurnsSince(ctx context.Context, userID, conversationID string, since time.Time) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages
WHERE conversation_id = ? AND user_id = ? AND role = ? AND created_at > ?`,
		conversationID, userID, string(store.MessageRoleUser), formatTime(since),
	).Scan(&count)
	if err != nil {
		return 0, dbErr(err, "counting user turns")
	}
	return count, nil
}

// Delete removes the conversation, its messages and summaries (foreign
// key cascade), and detaches its memories.
func (c *conversationStore) Delete(ctx context.Context, userID, conversationID string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE memories SET conversation_id = NULL WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	); err != nil {
		return dbErr(err, "detaching memories from %s", conversationID)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ? AND user_id = ?`,
		conversationID, userID,
	)
	if err != nil {
		return dbErr(err, "deleting conversation %s", conversationID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbErr(err, "deleting conversation %s: rows affected", conversationID)
	}
	if n == 0 {
		return memerr.New(memerr.CodeStoreConversationNotFound, "conversation not found",
			memerr.FieldUserID(userID), memerr.FieldConversationID(conversationID))
	}

	if err := tx.Commit(); err != nil {
		return dbErr(err, "committing conversation delete")
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]*store.Message, error) {
	var msgs []*store.Message
	for rows.Next() {
		var msg store.Message
		var createdAt string

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.UserID, &msg.Role, &msg.Text, &createdAt); err != nil {
			return nil, dbErr(err, "scanning message row")
		}

		msg.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "iterating messages")
	}
	return msgs, nil
}
