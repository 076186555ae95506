// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/memoria-dev/memoria/internal/store"
	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

// vectorOverfetch is the multiplier applied to k when querying the vec0
// table. vec0 cannot filter by user or bad flag, so the kNN result is
// joined against memories afterwards and over-fetched to compensate for
// rows the join drops.
const vectorOverfetch = 4

// VectorTopK returns the k nearest non-bad memories of the user by
// cosine distance, ascending. Only embedded rows exist in the vectors
// table, so null-embedding memories are skipped by construction.
func (m *memoryStore) VectorTopK(ctx context.Context, userID string, query []float32, k int, filter store.MemoryFilter) ([]store.VectorMatch, error) {
	if k <= 0 {
		k = 40
	}
	if len(query) == 0 {
		return nil, nil
	}
	if len(query) != m.dims {
		return nil, memerr.Errorf(memerr.CodeStoreDimensionMismatch,
			"query vector has %d dimensions, store expects %d", len(query), m.dims)
	}

	blob, err := serializeEmbedding(query)
	if err != nil {
		return nil, err
	}

	q := `SELECT ` + memoryColumnsAliased + `, v.distance
FROM (
	SELECT id, distance FROM vectors
	WHERE embedding MATCH ? AND k = ?
) v
JOIN memories mem ON mem.id = v.id
WHERE mem.user_id = ? AND mem.bad = 0`
	args := []any{blob, k * vectorOverfetch, userID}

	if filter.ConversationID != "" {
		q += ` AND mem.conversation_id = ?`
		args = append(args, filter.ConversationID)
	}

	q += ` ORDER BY v.distance ASC LIMIT ?`
	args = append(args, k)

	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, dbErr(err, "vector search")
	}
	defer func() { _ = rows.Close() }()

	var matches []store.VectorMatch
	for rows.Next() {
		var dist float64
		mem, err := scanMemoryRowWithExtra(rows, &dist)
		if err != nil {
			return nil, dbErr(err, "scanning vector match")
		}
		matches = append(matches, store.VectorMatch{Memory: mem, Distance: dist})
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "iterating vector matches")
	}
	return matches, nil
}

// upsertVector replaces the vec0 row for id. vec0 does not support
// ON CONFLICT; delete first.
func upsertVector(ctx context.Context, tx *sql.Tx, id string, blob []byte) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE id = ?`, id); err != nil {
		return dbErr(err, "deleting existing vector %s", id)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO vectors(id, embedding) VALUES (?, ?)`, id, blob); err != nil {
		return dbErr(err, "inserting vector %s", id)
	}
	return nil
}

func serializeEmbedding(emb []float32) ([]byte, error) {
	blob, err := sqlite_vec.SerializeFloat32(emb)
	if err != nil {
		return nil, memerr.Wrapf(err, memerr.CodeStoreInvalidInput, "serializing embedding")
	}
	return blob, nil
}

// deserializeEmbedding reverses sqlite-vec's little-endian float32
// serialization for embeddings read back from the memories table.
func deserializeEmbedding(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, memerr.Errorf(memerr.CodeStoreDatabaseFatal, "embedding blob has %d bytes, not a multiple of 4", len(blob))
	}
	emb := make([]float32, len(blob)/4)
	for i := range emb {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		emb[i] = math.Float32frombits(bits)
	}
	return emb, nil
}
