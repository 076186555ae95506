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
var _ store.MemoryStore = (*memoryStore)(nil)

type memoryStore struct {
	db   *sql.DB
	dims int
}

const memoryColumns = `id, user_id, COALESCE(conversation_id, ''), content, type, importance, confidence,
	bad, pinned, idempotency_key, embedding, provenance, created_at, updated_at`

// memoryColumnsAliased is memoryColumns qualified with the "mem" table
// alias for joined queries.
const memoryColumnsAliased = `mem.id, mem.user_id, COALESCE(mem.conversation_id, ''), mem.content, mem.type,
	mem.importance, mem.confidence, mem.bad, mem.pinned, mem.idempotency_key, mem.embedding,
	mem.provenance, mem.created_at, mem.updated_at`

// Insert atomically creates a memory. On a (user_id, idempotency_key)
// conflict the existing row's id is returned together with a
// conflict-classified error so the caller can absorb it.
func (m *memoryStore) Insert(ctx context.Context, mem *store.Memory) (string, error) {
	if mem.UserID == "" || mem.IdempotencyKey == "" {
		return "", memerr.New(memerr.CodeStoreInvalidInput, "user id and idempotency key are required")
	}
	if !mem.Type.Valid() {
		return "", memerr.Errorf(memerr.CodeStoreInvalidInput, "unknown memory type %q", mem.Type)
	}
	if mem.Embedding != nil && len(mem.Embedding) != m.dims {
		return "", memerr.Errorf(memerr.CodeStoreDimensionMismatch,
			"embedding has %d dimensions, store expects %d", len(mem.Embedding), m.dims)
	}

	id := mem.ID
	if id == "" {
		id = "mem-" + uuid.NewString()
	}
	now := time.Now()
	created := mem.CreatedAt
	if created.IsZero() {
		created = now
	}

	prov, err := json.Marshal(orEmptyMap(mem.Provenance))
	if err != nil {
		return "", memerr.Wrapf(err, memerr.CodeStoreInvalidInput, "marshalling provenance")
	}

	var blob []byte
	if mem.Embedding != nil {
		blob, err = serializeEmbedding(mem.Embedding)
		if err != nil {
			return "", err
		}
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return "", dbErr(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var convID any
	if mem.ConversationID != "" {
		convID = mem.ConversationID
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memories(id, user_id, conversation_id, content, type, importance, confidence,
	bad, pinned, idempotency_key, embedding, provenance, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, mem.UserID, convID, mem.Text, string(mem.Type), mem.Importance, mem.Confidence,
		boolInt(mem.Bad), boolInt(mem.Pinned), mem.IdempotencyKey, blob, string(prov),
		formatTime(created), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := m.idForFingerprint(ctx, mem.UserID, mem.IdempotencyKey)
			if lookupErr != nil {
				return "", lookupErr
			}
			return existing, memerr.New(memerr.CodeStoreMemoryInsertConflict, "memory already exists",
				memerr.FieldUserID(mem.UserID), memerr.FieldMemoryID(existing))
		}
		return "", dbErr(err, "inserting memory")
	}

	if blob != nil {
		if err := upsertVector(ctx, tx, id, blob); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", dbErr(err, "committing memory insert")
	}
	return id, nil
}

func (m *memoryStore) idForFingerprint(ctx context.Context, userID, key string) (string, error) {
	var id string
	err := m.db.QueryRowContext(ctx,
		`SELECT id FROM memories WHERE user_id = ? AND idempotency_key = ?`, userID, key,
	).Scan(&id)
	if err != nil {
		return "", dbErr(err, "resolving conflicting memory")
	}
	return id, nil
}

func (m *memoryStore) Get(ctx context.Context, userID, id string) (*store.Memory, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ? AND user_id = ?`, id, userID)

	mem, err := scanMemoryRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.New(memerr.CodeStoreMemoryNotFound, "memory not found",
			memerr.FieldUserID(userID), memerr.FieldMemoryID(id))
	}
	if err != nil {
		return nil, dbErr(err, "getting memory %s", id)
	}
	return mem, nil
}

// Update applies a partial patch. A text change clears the stored
// embedding and its vector index entry until the row is re-embedded.
func (m *memoryStore) Update(ctx context.Context, userID, id string, patch store.MemoryPatch) error {
	set := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now())}

	clearVector := false
	var newBlob []byte

	if patch.Text != nil {
		set = append(set, "content = ?", "embedding = NULL")
		args = append(args, *patch.Text)
		clearVector = true
	}
	if patch.Embedding != nil {
		emb := *patch.Embedding
		if len(emb) != m.dims {
			return memerr.Errorf(memerr.CodeStoreDimensionMismatch,
				"embedding has %d dimensions, store expects %d", len(emb), m.dims)
		}
		blob, err := serializeEmbedding(emb)
		if err != nil {
			return err
		}
		set = append(set, "embedding = ?")
		args = append(args, blob)
		newBlob = blob
		clearVector = false
	}
	if patch.Bad != nil {
		set = append(set, "bad = ?")
		args = append(args, boolInt(*patch.Bad))
	}
	if patch.Pinned != nil {
		set = append(set, "pinned = ?")
		args = append(args, boolInt(*patch.Pinned))
	}
	if patch.Importance != nil {
		set = append(set, "importance = ?")
		args = append(args, *patch.Importance)
	}
	if patch.Confidence != nil {
		set = append(set, "confidence = ?")
		args = append(args, *patch.Confidence)
	}
	if patch.Provenance != nil {
		prov, err := json.Marshal(patch.Provenance)
		if err != nil {
			return memerr.Wrapf(err, memerr.CodeStoreInvalidInput, "marshalling provenance")
		}
		set = append(set, "provenance = ?")
		args = append(args, string(prov))
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	q := "UPDATE memories SET " + joinSet(set) + " WHERE id = ? AND user_id = ?"
	args = append(args, id, userID)

	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return dbErr(err, "updating memory %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbErr(err, "updating memory %s: rows affected", id)
	}
	if n == 0 {
		return memerr.New(memerr.CodeStoreMemoryNotFound, "memory not found",
			memerr.FieldUserID(userID), memerr.FieldMemoryID(id))
	}

	switch {
	case newBlob != nil:
		if err := upsertVector(ctx, tx, id, newBlob); err != nil {
			return err
		}
	case clearVector:
		if _, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE id = ?`, id); err != nil {
			return dbErr(err, "clearing vector for %s", id)
		}
	}

	if err := tx.Commit(); err != nil {
		return dbErr(err, "committing memory update")
	}
	return nil
}

// Delete hard-deletes the memory and its vector index entry.
func (m *memoryStore) Delete(ctx context.Context, userID, id string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return dbErr(err, "deleting memory %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbErr(err, "deleting memory %s: rows affected", id)
	}
	if n == 0 {
		return memerr.New(memerr.CodeStoreMemoryNotFound, "memory not found",
			memerr.FieldUserID(userID), memerr.FieldMemoryID(id))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE id = ?`, id); err != nil {
		return dbErr(err, "deleting vector for %s", id)
	}

	if err := tx.Commit(); err != nil {
		return dbErr(err, "committing memory delete")
	}
	return nil
}

// List returns memories for the API layer, bad rows included.
func (m *memoryStore) List(ctx context.Context, userID string, filter store.ListFilter) ([]*store.Memory, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + memoryColumns + ` FROM memories WHERE user_id = ?`
	args := []any{userID}

	if filter.ConversationID != "" {
		q += ` AND conversation_id = ?`
		args = append(args, filter.ConversationID)
	}

	q += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, dbErr(err, "listing memories")
	}
	defer func() { _ = rows.Close() }()

	return scanMemories(rows)
}

// Recent returns the k most recent non-bad memories.
func (m *memoryStore) Recent(ctx context.Context, userID string, k int, filter store.MemoryFilter) ([]*store.Memory, error) {
	if k <= 0 {
		k = 10
	}

	q := `SELECT ` + memoryColumns + ` FROM memories WHERE user_id = ? AND bad = 0`
	args := []any{userID}

	if filter.ConversationID != "" {
		q += ` AND conversation_id = ?`
		args = append(args, filter.ConversationID)
	}

	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, k)

	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, dbErr(err, "getting recent memories")
	}
	defer func() { _ = rows.Close() }()

	return scanMemories(rows)
}

// LexicalTopK returns the k best FTS5 matches by descending bm25
// relevance. A query with no indexable tokens yields no results.
func (m *memoryStore) LexicalTopK(ctx context.Context, userID, query string, k int, filter store.MemoryFilter) ([]store.LexicalMatch, error) {
	if k <= 0 {
		k = 40
	}

	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	q := `SELECT ` + memoryColumnsAliased + `, -bm25(memories_fts) AS lex_rank
FROM memories mem
JOIN memories_fts ON mem.rowid = memories_fts.rowid
WHERE memories_fts MATCH ? AND mem.user_id = ? AND mem.bad = 0`
	args := []any{match, userID}

	if filter.ConversationID != "" {
		q += ` AND mem.conversation_id = ?`
		args = append(args, filter.ConversationID)
	}

	q += ` ORDER BY lex_rank DESC LIMIT ?`
	args = append(args, k)

	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, dbErr(err, "lexical search")
	}
	defer func() { _ = rows.Close() }()

	var matches []store.LexicalMatch
	for rows.Next() {
		var rank float64
		mem, err := scanMemoryRowWithExtra(rows, &rank)
		if err != nil {
			return nil, dbErr(err, "scanning lexical match")
		}
		matches = append(matches, store.LexicalMatch{Memory: mem, Rank: rank})
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "iterating lexical matches")
	}
	return matches, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func joinSet(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

// scanMemoryRow scans one memories row given a Scan-shaped function.
func scanMemoryRow(scan func(dest ...any) error) (*store.Memory, error) {
	var mem store.Memory
	var bad, pinned int
	var blob []byte
	var provJSON, createdAt, updatedAt string

	if err := scan(
		&mem.ID, &mem.UserID, &mem.ConversationID, &mem.Text, &mem.Type,
		&mem.Importance, &mem.Confidence, &bad, &pinned, &mem.IdempotencyKey,
		&blob, &provJSON, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	mem.Bad = bad != 0
	mem.Pinned = pinned != 0
	mem.CreatedAt = parseTime(createdAt)
	mem.UpdatedAt = parseTime(updatedAt)

	if len(blob) > 0 {
		emb, err := deserializeEmbedding(blob)
		if err != nil {
			return nil, err
		}
		mem.Embedding = emb
	}

	if provJSON != "" && provJSON != "{}" {
		if err := json.Unmarshal([]byte(provJSON), &mem.Provenance); err != nil {
			return nil, err
		}
	}

	return &mem, nil
}

// scanMemoryRowWithExtra scans a memories row followed by extra columns
// (e.g. a rank or distance) appended to the select list.
func scanMemoryRowWithExtra(rows *sql.Rows, extra ...any) (*store.Memory, error) {
	return scanMemoryRow(func(dest ...any) error {
		return rows.Scan(append(dest, extra...)...)
	})
}

func scanMemories(rows *sql.Rows) ([]*store.Memory, error) {
	var mems []*store.Memory
	for rows.Next() {
		mem, err := scanMemoryRow(rows.Scan)
		if err != nil {
			return nil, dbErr(err, "scanning memory row")
		}
		mems = append(mems, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "iterating memories")
	}
	return mems, nil
}
