package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresProtocol is served by a PostgreSQL database.
const PostgresProtocol = "postgres"

const postgresChannel = "replicore_models"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS replicore_models (
    storage_key TEXT PRIMARY KEY,
    data        BYTEA,
    version     INTEGER NOT NULL DEFAULT 0,
    token       TEXT NOT NULL DEFAULT ''
)`

// PostgresBackend serves postgres:// keys from one table. Accepted writes
// raise a NOTIFY in the same transaction, so listeners only hear about
// committed versions. All drivers of a backend share one LISTEN
// connection, whatever the number of keys.
type PostgresBackend struct {
	pool    *pgxpool.Pool
	hub     *hub
	notices *notices
}

// changeNotice is the NOTIFY payload.
type changeNotice struct {
	Key     string `json:"key"`
	Version int    `json:"version"`
}

// NewPostgresBackend ensures the table exists and wraps pool.
func NewPostgresBackend(ctx context.Context, pool *pgxpool.Pool) (*PostgresBackend, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}
	b := &PostgresBackend{pool: pool, hub: newHub()}
	b.notices = newNotices(b.listen)
	return b, nil
}

// Factory returns a driver factory for postgres:// keys.
func (b *PostgresBackend) Factory() Factory {
	return func(ctx context.Context, key Key, mode ExistenceMode) (Driver, error) {
		return openBackendDriver(ctx, key, mode, b, b.hub)
	}
}

func (b *PostgresBackend) exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := b.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM replicore_models WHERE storage_key = $1)`, key).Scan(&ok)
	return ok, err
}

func (b *PostgresBackend) create(ctx context.Context, key string) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO replicore_models (storage_key) VALUES ($1)
		ON CONFLICT (storage_key) DO NOTHING`, key)
	return err
}

func (b *PostgresBackend) read(ctx context.Context, key string) (record, error) {
	var rec record
	err := b.pool.QueryRow(ctx, `
		SELECT data, version, token FROM replicore_models WHERE storage_key = $1`, key).
		Scan(&rec.Data, &rec.Version, &rec.Token)
	if errors.Is(err, pgx.ErrNoRows) {
		return record{}, nil
	}
	if err != nil {
		return record{}, fmt.Errorf("read %s: %w", key, err)
	}
	return rec, nil
}

func (b *PostgresBackend) write(ctx context.Context, key string, data []byte, version int) (string, bool, error) {
	token := uuid.NewString()
	accepted := false

	notice, err := json.Marshal(changeNotice{Key: key, Version: version})
	if err != nil {
		return "", false, err
	}

	err = pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE replicore_models SET data = $1, version = $2, token = $3
			WHERE storage_key = $4 AND version = $5`,
			data, version, token, key, version-1)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, postgresChannel, string(notice)); err != nil {
			return err
		}
		accepted = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("write %s@%d: %w", key, version, err)
	}
	if !accepted {
		return "", false, nil
	}
	return token, true, nil
}

func (b *PostgresBackend) watch(ctx context.Context, key string, onChange func(version int)) (func(), error) {
	return b.notices.watch(ctx, key, onChange)
}

// listen holds one connection in LISTEN for the whole backend. When the
// connection fails it is re-acquired with exponential backoff until stop
// is called.
func (b *PostgresBackend) listen(ctx context.Context, deliver func(key string, version int)) (func(), error) {
	conn, err := b.acquireListener(ctx)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			n, err := conn.Conn().WaitForNotification(loopCtx)
			if err != nil {
				dropListener(conn)
				if loopCtx.Err() != nil {
					return
				}
				slog.Warn("postgres listener dropped", "error", err)
				retry := backoff.WithContext(backoff.NewExponentialBackOff(), loopCtx)
				if err := backoff.Retry(func() error {
					c, err := b.acquireListener(loopCtx)
					if err != nil {
						return err
					}
					conn = c
					return nil
				}, retry); err != nil {
					return
				}
				// Writes may have landed while disconnected.
				deliver(allKeys, unknownVersion)
				continue
			}
			var notice changeNotice
			if err := json.Unmarshal([]byte(n.Payload), &notice); err != nil || notice.Key == allKeys {
				slog.Warn("ignoring malformed change notice", "payload", n.Payload)
				continue
			}
			deliver(notice.Key, notice.Version)
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

func (b *PostgresBackend) acquireListener(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+postgresChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}
	return conn, nil
}

// dropListener closes a LISTEN connection instead of returning it to the
// pool, where it would keep receiving notifications.
func dropListener(conn *pgxpool.Conn) {
	conn.Hijack().Close(context.Background())
}
