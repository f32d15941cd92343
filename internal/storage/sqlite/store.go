// Package sqlite implements the crawl state store on an embedded SQLite
// database opened in WAL mode. One file holds the whole crawl: the vertex
// and edge tables, the frontier and processing queues, the iteration log,
// and job metadata.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/redblackgraph/fscrawl/internal/storage"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteStore implements storage.Store on a single database file.
//
// Writes are serialized under one mutex (the single-writer discipline);
// reads go straight to the pool and may run concurrently. Transactions open
// with BEGIN IMMEDIATE (via the _txlock DSN parameter) so the write lock is
// taken up front rather than at first mutation.
type SQLiteStore struct {
	db   *sql.DB
	path string
	lock *flock.Flock

	mu sync.Mutex // serializes all mutations
}

// Options controls how the database is opened.
type Options struct {
	// CreateIfMissing initializes the schema when the file does not exist.
	// When false, opening a missing file is an error.
	CreateIfMissing bool

	// ReadOnly opens the database for status inspection without taking the
	// crawler lock. Mutating methods fail.
	ReadOnly bool
}

// Open opens (and if needed creates) the crawl database at path.
//
// A sidecar <path>.lock file is held for the lifetime of the store so that
// at most one crawler process writes a given database. Read-only opens skip
// the lock.
func Open(ctx context.Context, path string, opts Options) (*SQLiteStore, error) {
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat database: %w", err)
		}
		if !opts.CreateIfMissing {
			return nil, fmt.Errorf("database %s does not exist", path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}

	var lock *flock.Flock
	if !opts.ReadOnly {
		lock = flock.New(path + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquiring crawler lock: %w", err)
		}
		if !locked {
			return nil, storage.ErrLocked
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_txlock=immediate"
	if opts.ReadOnly {
		dsn = "file:" + path + "?mode=ro&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path, lock: lock}

	if !opts.ReadOnly {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
		if err := s.runMigrations(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases the database and the crawler lock.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
	return err
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// withTx runs fn inside a single BEGIN IMMEDIATE transaction under the
// writer mutex. The transaction commits when fn returns nil and rolls back
// otherwise, so partial mutations never reach a commit boundary.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
