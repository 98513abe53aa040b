// Package journal is an append-only SQLite record of what the coordinator
// decided: planning rounds, sequence outcomes, release incidents with their
// tokens, and alignment failures. It implements the recorder interfaces of
// the release and scenario packages.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed journal.
type Store struct {
	db *sql.DB
}

// Open creates or opens the journal at path. Parent directories are
// created. WAL mode and a busy timeout are enabled.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create parent directories: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", path)
	return open(ctx, dsn)
}

// OpenMemory returns a private in-memory journal, used by tests and by
// runs without a configured path.
func OpenMemory(ctx context.Context) (*Store, error) {
	dsn := fmt.Sprintf("file:journal-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	return open(ctx, dsn)
}

func open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	// One writer keeps appends ordered.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: init schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
