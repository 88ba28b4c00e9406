// Package sqlite provides a SQLite-backed persistent store. Domain
// transactions run in memory and are snapshotted to the state table; metric
// values, site-condition instances and the trigger log live in their own
// tables.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"worksafety/internal/infra/persistence/sqlstore"
	"worksafety/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

const defaultPath = "worksafety.db"

// Store is the SQLite persistent store.
type Store struct {
	*sqlstore.DomainStore
	path string
}

// NewStore opens (creating if needed) the database at path, applies the
// embedded migrations and hydrates the domain snapshot.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// single writer keeps the snapshot and upserts serialized
	db.SetMaxOpenConns(1)
	inner, err := sqlstore.Open(context.Background(), db, sqlstore.SQLite, engine)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DomainStore: inner, path: path}, nil
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
