package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Model is the latest stored state of one storage key.
type Model struct {
	Key     string
	Data    []byte
	Version int
	Token   string
}

// HistoryEntry is one accepted write.
type HistoryEntry struct {
	Version int
	Token   string
	Data    []byte
}

// ReadModel returns the latest model for key, or ErrNotFound.
func (s *Store) ReadModel(ctx context.Context, key string) (Model, error) {
	m := Model{Key: key}
	err := s.db.QueryRowContext(ctx, `
		SELECT data, version, token FROM models WHERE storage_key = ?
	`, key).Scan(&m.Data, &m.Version, &m.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return Model{}, fmt.Errorf("read model %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return Model{}, fmt.Errorf("read model %s: %w", key, err)
	}
	return m, nil
}

// ModelExists reports whether key has a row.
func (s *Store) ModelExists(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM models WHERE storage_key = ?`, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("model exists: %w", err)
	}
	return n > 0, nil
}

// CurrentVersion returns the stored version for key, or 0 if absent.
func (s *Store) CurrentVersion(ctx context.Context, key string) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM models WHERE storage_key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("current version: %w", err)
	}
	return v, nil
}

// ListModels returns every stored key with its latest version, ordered by
// key. Data is not loaded.
func (s *Store) ListModels(ctx context.Context) ([]Model, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT storage_key, version, token FROM models
		ORDER BY storage_key COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []Model
	for rows.Next() {
		var m Model
		if err := rows.Scan(&m.Key, &m.Version, &m.Token); err != nil {
			return nil, fmt.Errorf("list models: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return out, nil
}

// History returns the accepted writes for key in version order.
func (s *Store) History(ctx context.Context, key string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, token, data FROM model_history
		WHERE storage_key = ?
		ORDER BY version ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", key, err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.Version, &h.Token, &h.Data); err != nil {
			return nil, fmt.Errorf("history %s: %w", key, err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history %s: %w", key, err)
	}
	return out, nil
}
