// Package jobstore implements the durable, SQLite-backed job queue and
// sample metadata tables for the analysis pipeline. The store performs no
// retries of its own; retry policy belongs to the worker pool.
package jobstore

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/PORTALSURFER/sempal-sub005/pkg/debug"
)

// Store provides transactional access to one sempal database.
// Methods are safe for concurrent use; the underlying database is opened
// in WAL mode with a busy timeout so concurrent writers block-and-retry
// rather than fail outright.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA cache_size = -16000", // 16MB cache
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			debug.Log("pragma failed: %s: %v", pragma, err)
		}
	}

	if _, err := db.Exec(schemaV1); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying handle for tests and one-off queries.
func (s *Store) DB() *sql.DB {
	return s.db
}
