package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// BoltProtocol is served by a bbolt file.
const BoltProtocol = "bolt"

var modelsBucket = []byte("models")

// BoltBackend serves bolt:// keys from one bbolt database. Each key is a
// JSON record in the models bucket.
type BoltBackend struct {
	db  *bolt.DB
	hub *hub
}

// OpenBolt opens or creates the bbolt file at path.
func OpenBolt(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(modelsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltBackend{db: db, hub: newHub()}, nil
}

// Close closes the database file.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

// Factory returns a driver factory for bolt:// keys.
func (b *BoltBackend) Factory() Factory {
	return func(ctx context.Context, key Key, mode ExistenceMode) (Driver, error) {
		return openBackendDriver(ctx, key, mode, b, b.hub)
	}
}

func (b *BoltBackend) exists(_ context.Context, key string) (bool, error) {
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(modelsBucket).Get([]byte(key)) != nil
		return nil
	})
	return ok, err
}

func (b *BoltBackend) create(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(modelsBucket)
		if bkt.Get([]byte(key)) != nil {
			return nil
		}
		raw, err := json.Marshal(record{})
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), raw)
	})
}

func (b *BoltBackend) read(_ context.Context, key string) (record, error) {
	var rec record
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(modelsBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return record{}, fmt.Errorf("read %s: %w", key, err)
	}
	return rec, nil
}

// write fences inside a single Update transaction; bbolt serializes
// writers, so the version check and the put cannot interleave.
func (b *BoltBackend) write(_ context.Context, key string, data []byte, version int) (string, bool, error) {
	var token string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(modelsBucket)
		var cur record
		if raw := bkt.Get([]byte(key)); raw != nil {
			if err := json.Unmarshal(raw, &cur); err != nil {
				return err
			}
		} else {
			return nil
		}
		if version != cur.Version+1 {
			return nil
		}
		token = uuid.NewString()
		raw, err := json.Marshal(record{Data: data, Version: version, Token: token})
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), raw)
	})
	if err != nil {
		return "", false, fmt.Errorf("write %s@%d: %w", key, version, err)
	}
	return token, token != "", nil
}
