// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/memoria-dev/memoria/internal/store"
	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

// Compile-time interface check.
var _ store.InsightStore = (*insightStore)(nil)

type insightStore struct {
	db *sql.DB
}

func (i *insightStore) Insert(ctx context.Context, insight *store.Insight) error {
	if insight.UserID == "" || insight.Content == "" {
		return memerr.New(memerr.CodeStoreInvalidInput, "user id and content are required")
	}

	supporting := insight.Supporting
	if supporting == nil {
		supporting = []string{}
	}
	supJSON, err := json.Marshal(supporting)
	if err != nil {
		return memerr.Wrapf(err, memerr.CodeStoreInvalidInput, "marshalling supporting ids")
	}

	id := insight.ID
	if id == "" {
		id = "ins-" + uuid.NewString()
		insight.ID = id
	}
	created := insight.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = i.db.ExecContext(ctx,
		`INSERT INTO insights(id, user_id, content, supporting, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, insight.UserID, insight.Content, string(supJSON), formatTime(created),
	)
	if err != nil {
		return dbErr(err, "inserting insight")
	}
	return nil
}

func (i *insightStore) List(ctx context.Context, userID string, limit int) ([]*store.Insight, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := i.db.QueryContext(ctx,
		`SELECT id, user_id, content, supporting, created_at
FROM insights WHERE user_id = ?
ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, dbErr(err, "listing insights")
	}
	defer func() { _ = rows.Close() }()

	var insights []*store.Insight
	for rows.Next() {
		var ins store.Insight
		var supJSON, createdAt string

		if err := rows.Scan(&ins.ID, &ins.UserID, &ins.Content, &supJSON, &createdAt); err != nil {
			return nil, dbErr(err, "scanning insight row")
		}

		ins.CreatedAt = parseTime(createdAt)
		if supJSON != "" && supJSON != "[]" {
			if err := json.Unmarshal([]byte(supJSON), &ins.Supporting); err != nil {
				return nil, memerr.Wrapf(err, memerr.CodeStoreDatabaseFatal, "unmarshalling supporting ids")
			}
		}

		insights = append(insights, &ins)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "iterating insights")
	}
	return insights, nil
}
