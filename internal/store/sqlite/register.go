// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package sqlite

import (
	"database/sql"
	"path/filepath"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/memoria-dev/memoria/internal/store"
	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

func init() {
	sqlite_vec.Auto()
	store.RegisterBackend("sqlite", newStore)
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store implements store.Store backed by a single SQLite database with
// FTS5 for lexical rank and sqlite-vec for the vector index.
type Store struct {
	db            *sql.DB
	conversations *conversationStore
	memories      *memoryStore
	summaries     *summaryStore
	insights      *insightStore
}

func newStore(dataPath string, vectorDims int) (store.Store, error) {
	return Open(filepath.Join(dataPath, "memoria.db"), vectorDims)
}

// Open opens (or creates) the database at dbPath and runs migrations.
func Open(dbPath string, vectorDims int) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, memerr.Wrapf(err, memerr.CodeStoreDatabaseFatal, "opening sqlite db")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, memerr.Wrapf(err, memerr.CodeStoreDatabaseFatal, "pinging sqlite db")
	}

	if err := migrate(db, vectorDims); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := checkVectorDimensions(db, vectorDims); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db:            db,
		conversations: &conversationStore{db: db},
		memories:      &memoryStore{db: db, dims: vectorDims},
		summaries:     &summaryStore{db: db},
		insights:      &insightStore{db: db},
	}, nil
}

func (s *Store) Conversations() store.ConversationStore { return s.conversations }
func (s *Store) Memories() store.MemoryStore            { return s.memories }
func (s *Store) Summaries() store.SummaryStore          { return s.summaries }
func (s *Store) Insights() store.InsightStore           { return s.insights }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
