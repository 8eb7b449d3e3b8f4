package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisProtocol is served by a Redis server.
const RedisProtocol = "redis"

// RedisBackend serves redis:// keys. Each key is a hash holding data,
// version and token; accepted writes publish the new version on a
// per-key channel so drivers in other processes can catch up. One pattern
// subscription serves every key.
type RedisBackend struct {
	rdb     *redis.Client
	hub     *hub
	prefix  string
	notices *notices
}

// NewRedisBackend wraps a connected client. prefix namespaces the hash
// and channel names; it defaults to "replicore".
func NewRedisBackend(rdb *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "replicore"
	}
	b := &RedisBackend{rdb: rdb, hub: newHub(), prefix: prefix}
	b.notices = newNotices(b.listen)
	return b
}

// Factory returns a driver factory for redis:// keys.
func (b *RedisBackend) Factory() Factory {
	return func(ctx context.Context, key Key, mode ExistenceMode) (Driver, error) {
		return openBackendDriver(ctx, key, mode, b, b.hub)
	}
}

func (b *RedisBackend) hashKey(key string) string { return b.prefix + ":model:" + key }
func (b *RedisBackend) channel(key string) string { return b.prefix + ":changes:" + key }

func (b *RedisBackend) exists(ctx context.Context, key string) (bool, error) {
	n, err := b.rdb.Exists(ctx, b.hashKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *RedisBackend) create(ctx context.Context, key string) error {
	return b.rdb.HSetNX(ctx, b.hashKey(key), "version", 0).Err()
}

func (b *RedisBackend) read(ctx context.Context, key string) (record, error) {
	return readRedisRecord(ctx, b.rdb, b.hashKey(key))
}

func readRedisRecord(ctx context.Context, c redis.Cmdable, hk string) (record, error) {
	fields, err := c.HGetAll(ctx, hk).Result()
	if err != nil {
		return record{}, fmt.Errorf("read %s: %w", hk, err)
	}
	var rec record
	if v, ok := fields["version"]; ok {
		rec.Version, err = strconv.Atoi(v)
		if err != nil {
			return record{}, fmt.Errorf("read %s: bad version %q", hk, v)
		}
	}
	if d, ok := fields["data"]; ok {
		rec.Data = []byte(d)
	}
	rec.Token = fields["token"]
	return rec, nil
}

// write fences with WATCH/MULTI. A concurrent modification aborts the
// transaction, which reports as a rejected send.
func (b *RedisBackend) write(ctx context.Context, key string, data []byte, version int) (string, bool, error) {
	hk := b.hashKey(key)
	token := uuid.NewString()
	accepted := false

	err := b.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, hk).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		cur, err := readRedisRecord(ctx, tx, hk)
		if err != nil {
			return err
		}
		if version != cur.Version+1 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hk, "data", data, "version", version, "token", token)
			pipe.Publish(ctx, b.channel(key), version)
			return nil
		})
		if err != nil {
			return err
		}
		accepted = true
		return nil
	}, hk)
	if errors.Is(err, redis.TxFailedErr) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("write %s@%d: %w", key, version, err)
	}
	if !accepted {
		return "", false, nil
	}
	return token, true, nil
}

func (b *RedisBackend) watch(ctx context.Context, key string, onChange func(version int)) (func(), error) {
	return b.notices.watch(ctx, key, onChange)
}

// listen pattern-subscribes to every change channel of the prefix on one
// connection. The initial subscription is retried with exponential
// backoff; go-redis re-subscribes on its own after later connection drops.
func (b *RedisBackend) listen(ctx context.Context, deliver func(key string, version int)) (func(), error) {
	ps := b.rdb.PSubscribe(ctx, b.channel("*"))

	subscribe := func() error {
		_, err := ps.Receive(ctx)
		return err
	}
	if err := backoff.Retry(subscribe, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel("*"), err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			key, ok := strings.CutPrefix(msg.Channel, b.channel(""))
			v, err := strconv.Atoi(msg.Payload)
			if !ok || key == allKeys || err != nil {
				slog.Warn("ignoring malformed change notice", "channel", msg.Channel, "payload", msg.Payload)
				continue
			}
			deliver(key, v)
		}
	}()

	return func() {
		ps.Close()
		<-done
	}, nil
}
