package driver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/replicore/internal/store"
)

// SQLiteProtocol is served by a store.Store file.
const SQLiteProtocol = "sqlite"

// SQLiteBackend serves sqlite:// keys from one store file. Drivers in this
// process see each other through the hub; writes from other processes are
// picked up by polling when a poll interval is set.
type SQLiteBackend struct {
	st   *store.Store
	hub  *hub
	poll time.Duration
}

// SQLiteOption configures a SQLiteBackend.
type SQLiteOption func(*SQLiteBackend)

// WithPollInterval enables polling for writes made by other processes.
func WithPollInterval(d time.Duration) SQLiteOption {
	return func(b *SQLiteBackend) {
		b.poll = d
	}
}

// NewSQLiteBackend wraps an open store.
func NewSQLiteBackend(st *store.Store, opts ...SQLiteOption) *SQLiteBackend {
	b := &SQLiteBackend{st: st, hub: newHub()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Factory returns a driver factory for sqlite:// keys.
func (b *SQLiteBackend) Factory() Factory {
	return func(ctx context.Context, key Key, mode ExistenceMode) (Driver, error) {
		if b.poll > 0 {
			return openBackendDriver(ctx, key, mode, pollingSQLite{b}, b.hub)
		}
		return openBackendDriver(ctx, key, mode, b, b.hub)
	}
}

func (b *SQLiteBackend) exists(ctx context.Context, key string) (bool, error) {
	return b.st.ModelExists(ctx, key)
}

func (b *SQLiteBackend) create(ctx context.Context, key string) error {
	_, err := b.st.CreateModel(ctx, key)
	return err
}

func (b *SQLiteBackend) read(ctx context.Context, key string) (record, error) {
	m, err := b.st.ReadModel(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return record{}, nil
	}
	if err != nil {
		return record{}, err
	}
	return record{Data: m.Data, Version: m.Version, Token: m.Token}, nil
}

func (b *SQLiteBackend) write(ctx context.Context, key string, data []byte, version int) (string, bool, error) {
	return b.st.WriteModel(ctx, key, data, version)
}

// pollingSQLite adds a version poller to SQLiteBackend.
type pollingSQLite struct {
	*SQLiteBackend
}

func (p pollingSQLite) watch(_ context.Context, key string, onChange func(version int)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.poll)
		defer ticker.Stop()
		last := -1
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			v, err := p.st.CurrentVersion(ctx, key)
			if err != nil {
				slog.Debug("sqlite poll failed", "key", key, "error", err)
				continue
			}
			if v != last {
				last = v
				onChange(v)
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}, nil
}
