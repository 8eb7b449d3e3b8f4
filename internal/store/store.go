package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a storage key has no row.
var ErrNotFound = errors.New("storage key not found")

// connParams are passed to go-sqlite3 in the DSN so every pooled
// connection starts with them, not just the first.
var connParams = map[string]string{
	"_journal_mode": "WAL",
	"_synchronous":  "NORMAL",
	"_busy_timeout": "5000",
	"_foreign_keys": "on",
}

// migrations run in order on top of schema.sql. PRAGMA user_version
// records how many have been applied.
var migrations = []string{
	// history lookup by token for resuming readers
	`CREATE INDEX IF NOT EXISTS idx_model_history_token ON model_history(token)`,
}

func schemaVersion() int { return len(migrations) }

// Store keeps serialized replica models in a SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens the database at path, creating it if needed, and brings its
// schema up to date. Opening an existing file again is a no-op.
func Open(path string) (*Store, error) {
	q := url.Values{}
	for k, v := range connParams {
		q.Set(k, v)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// one connection serializes writers, which the fenced
	// compare-and-set in WriteModel relies on
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &Store{db: db}
	if err := st.init(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init %s: %w", path, err)
	}
	return st, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	if mode, err := s.pragma("journal_mode"); err != nil {
		return err
	} else if mode != "wal" {
		return fmt.Errorf("journal_mode is %q, not wal", mode)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
		var applied int
		if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&applied); err != nil {
			return fmt.Errorf("user_version: %w", err)
		}
		for i := applied; i < len(migrations); i++ {
			if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
				return fmt.Errorf("migration %d: %w", i+1, err)
			}
		}
		if applied < schemaVersion() {
			// PRAGMA does not take bind parameters
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion())); err != nil {
				return fmt.Errorf("user_version: %w", err)
			}
		}
		return nil
	})
}

// pragma reads the current value of a connection setting.
func (s *Store) pragma(name string) (string, error) {
	var v string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&v); err != nil {
		return "", fmt.Errorf("pragma %s: %w", name, err)
	}
	return v, nil
}

// withTx commits when fn returns nil and rolls back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
