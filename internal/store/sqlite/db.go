// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

func migrate(db *sql.DB, vectorDims int) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);

CREATE TABLE IF NOT EXISTS messages (
	rowid           INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT UNIQUE NOT NULL,
	conversation_id TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, id);

CREATE TABLE IF NOT EXISTS memories (
	rowid           INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT UNIQUE NOT NULL,
	user_id         TEXT NOT NULL,
	conversation_id TEXT,
	content         TEXT NOT NULL DEFAULT '',
	type            TEXT NOT NULL,
	importance      REAL NOT NULL DEFAULT 0.5,
	confidence      REAL NOT NULL DEFAULT 0.8,
	bad             INTEGER NOT NULL DEFAULT 0,
	pinned          INTEGER NOT NULL DEFAULT 0,
	idempotency_key TEXT NOT NULL,
	embedding       BLOB,
	provenance      TEXT NOT NULL DEFAULT '{}',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	UNIQUE (user_id, idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_memories_user_created ON memories(user_id, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_memories_user_conversation ON memories(user_id, conversation_id);

CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	content,
	content='memories',
	content_rowid='rowid'
);

-- Triggers to keep the FTS index in sync with the main table.
CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
	INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
END;

CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE OF content ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
	INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TABLE IF NOT EXISTS summaries (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	scope           TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	citations       TEXT NOT NULL DEFAULT '[]',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	UNIQUE (user_id, conversation_id, scope),
	FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS insights (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	supporting TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_insights_user_created ON insights(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS vector_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
	if _, err := db.Exec(ddl); err != nil {
		return memerr.Wrapf(err, memerr.CodeStoreDatabaseFatal, "migrating tables")
	}

	vecDDL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS vectors USING vec0(id TEXT PRIMARY KEY, embedding float[%d] distance_metric=cosine)`,
		vectorDims,
	)
	if _, err := db.Exec(vecDDL); err != nil {
		return memerr.Wrapf(err, memerr.CodeStoreDatabaseFatal, "creating vectors virtual table")
	}

	return nil
}

// checkVectorDimensions records the embedding dimension on first open and
// refuses to open a database created with a different one. A mismatch
// means existing vectors are incompatible with the configured embedder.
func checkVectorDimensions(db *sql.DB, dims int) error {
	var stored string
	err := db.QueryRow(`SELECT value FROM vector_meta WHERE key = 'dimensions'`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = db.Exec(`INSERT INTO vector_meta(key, value) VALUES ('dimensions', ?)`, fmt.Sprintf("%d", dims))
		if err != nil {
			return memerr.Wrapf(err, memerr.CodeStoreDatabaseFatal, "recording vector dimensions")
		}
		return nil
	case err != nil:
		return memerr.Wrapf(err, memerr.CodeStoreDatabaseFatal, "reading vector dimensions")
	}

	if stored != fmt.Sprintf("%d", dims) {
		return memerr.Errorf(memerr.CodeStoreDimensionMismatch,
			"database has %s-dimensional vectors, configured dimension is %d", stored, dims)
	}
	return nil
}

// dbErr classifies a driver error into the Transient/Fatal split. Busy
// and locked conditions retry; constraint and schema failures do not.
func dbErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}

	msg := fmt.Sprintf(format, args...)

	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return memerr.Wrapf(err, memerr.CodeStoreDatabaseTransient, "%s", msg)
		}
	}

	return memerr.Wrapf(err, memerr.CodeStoreDatabaseFatal, "%s", msg)
}

// isUniqueViolation reports whether err is a unique-constraint failure.
func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code == sqlite3.ErrConstraint &&
		(serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

// ftsQuery rewrites free text into an FTS5 MATCH expression. Each token
// is double-quoted so user punctuation cannot be parsed as FTS syntax.
// Returns "" when the text has no indexable tokens.
func ftsQuery(text string) string {
	var tokens []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, `"`+string(cur)+`"`)
			cur = cur[:0]
		}
	}
	for _, r := range text {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r > 127 {
			cur = append(cur, r)
			continue
		}
		flush()
	}
	flush()

	if len(tokens) == 0 {
		return ""
	}

	out := tokens[0]
	for _, t := range tokens[1:] {
		out += " OR " + t
	}
	return out
}

// timeLayout is RFC3339 with fixed-width nanoseconds: zero padding keeps
// lexicographic order on the TEXT column chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// formatTime serialises a time for storage in UTC.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// parseTime deserialises a time string stored in the database.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
