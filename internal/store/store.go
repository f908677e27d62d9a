// Package store provides a SQLite-backed query history log for the Quilora
// service. Every answered query is recorded with its outcome and per-step
// timings so operators can inspect what was asked, what was answered, and
// where the latency went.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Record is one answered query.
type Record struct {
	// Query is the question as received.
	Query string
	// Answer is the generated (or fixed no-context) answer.
	Answer string
	// SourceCount is the number of chunks the answer was grounded in.
	SourceCount int
	// InsufficientContext reports that nothing cleared the relevance
	// threshold and generation was skipped.
	InsufficientContext bool
	// EmbeddingMS, SearchMS, GenerationMS, TotalMS are per-step durations.
	EmbeddingMS  int64
	SearchMS     int64
	GenerationMS int64
	TotalMS      int64
	// CreatedAt is when the record was persisted.
	CreatedAt time.Time
}

// HistoryStore persists and retrieves answered queries. Implementations
// must be safe for concurrent use.
type HistoryStore interface {
	// Append persists a single query record.
	Append(ctx context.Context, rec Record) error
	// Recent returns the most recent n records, newest-first.
	Recent(ctx context.Context, n int) ([]Record, error)
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is a HistoryStore backed by a local SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// DefaultDBPath returns the default path for the query history database.
// It resolves to ~/.quilora/history.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".quilora")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "history.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS queries (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    query                 TEXT    NOT NULL,
    answer                TEXT    NOT NULL,
    source_count          INTEGER NOT NULL,
    insufficient_context  INTEGER NOT NULL CHECK(insufficient_context IN (0,1)),
    embedding_ms          INTEGER NOT NULL,
    search_ms             INTEGER NOT NULL,
    generation_ms         INTEGER NOT NULL,
    total_ms              INTEGER NOT NULL,
    created_at            INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_queries_created
    ON queries (created_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Append persists a single query record.
func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	const q = `INSERT INTO queries
    (query, answer, source_count, insufficient_context,
     embedding_ms, search_ms, generation_ms, total_ms, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	insufficient := 0
	if rec.InsufficientContext {
		insufficient = 1
	}
	_, err := s.db.ExecContext(ctx, q,
		rec.Query, rec.Answer, rec.SourceCount, insufficient,
		rec.EmbeddingMS, rec.SearchMS, rec.GenerationMS, rec.TotalMS,
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	return nil
}

// Recent returns the most recent n records, newest-first.
func (s *SQLiteStore) Recent(ctx context.Context, n int) ([]Record, error) {
	const q = `
SELECT query, answer, source_count, insufficient_context,
       embedding_ms, search_ms, generation_ms, total_ms, created_at
FROM   queries
ORDER  BY created_at DESC, id DESC
LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var insufficient int
		var ts int64
		if err := rows.Scan(&rec.Query, &rec.Answer, &rec.SourceCount, &insufficient,
			&rec.EmbeddingMS, &rec.SearchMS, &rec.GenerationMS, &rec.TotalMS, &ts); err != nil {
			return nil, fmt.Errorf("store: recent scan: %w", err)
		}
		rec.InsufficientContext = insufficient == 1
		rec.CreatedAt = time.Unix(ts, 0)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent rows: %w", err)
	}
	return recs, nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
