package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// CreateModel inserts an empty row (version 0) for key.
// Uses ON CONFLICT DO NOTHING; returns true if the row was created.
func (s *Store) CreateModel(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO models (storage_key, data, version, token)
		VALUES (?, NULL, 0, '')
		ON CONFLICT(storage_key) DO NOTHING
	`, key)
	if err != nil {
		return false, fmt.Errorf("create model: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create model: %w", err)
	}
	return n == 1, nil
}

// WriteModel stores data at version if the stored version is version-1.
//
// Returns the freshly minted token and true on success. A stale or skipped
// version returns ("", false, nil): the caller lost a race and must fetch
// before retrying. The accepted write is also appended to model_history
// in the same transaction.
func (s *Store) WriteModel(ctx context.Context, key string, data []byte, version int) (string, bool, error) {
	token := uuid.Must(uuid.NewV7()).String()
	accepted := false

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE models SET data = ?, version = ?, token = ?
			WHERE storage_key = ? AND version = ?
		`, data, version, token, key, version-1)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO model_history (storage_key, version, token, data)
			VALUES (?, ?, ?, ?)
		`, key, version, token, data); err != nil {
			return err
		}
		accepted = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("write model %s@%d: %w", key, version, err)
	}
	if !accepted {
		return "", false, nil
	}
	return token, true, nil
}

// DeleteModel removes key and its history.
func (s *Store) DeleteModel(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE storage_key = ?`, key); err != nil {
		return fmt.Errorf("delete model: %w", err)
	}
	return nil
}
