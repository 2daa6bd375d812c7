// Package store is the durable repository behind the engine: accounts,
// folders, emails, folder joins, threads and contacts in sqlite. Every
// write is an idempotent upsert; re-applying the same record is a no-op,
// not a duplicate.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Store wraps the sqlite database.
type Store struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// Open opens (creating if needed) the sqlite database at dbPath.
func Open(dbPath string, logger *logrus.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("Store initialized")
	return &Store{db: db, logger: logger}, nil
}

// OpenInMemory opens a throwaway in-memory database, used by tests.
func OpenInMemory(logger *logrus.Logger) (*Store, error) {
	return Open(":memory:", logger)
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
