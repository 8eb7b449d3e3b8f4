package driver

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replicore/internal/store"
)

// backendCase opens a fresh registry for one protocol.
type backendCase struct {
	protocol string
	setup    func(t *testing.T) *Registry
}

func backendCases() []backendCase {
	return []backendCase{
		{VolatileProtocol, func(t *testing.T) *Registry {
			reg := NewRegistry()
			RegisterMemory(reg, nil)
			return reg
		}},
		{SQLiteProtocol, func(t *testing.T) *Registry {
			st, err := store.Open(filepath.Join(t.TempDir(), "models.db"))
			require.NoError(t, err)
			t.Cleanup(func() { st.Close() })
			reg := NewRegistry()
			reg.Register(SQLiteProtocol, NewSQLiteBackend(st).Factory())
			return reg
		}},
		{BoltProtocol, func(t *testing.T) *Registry {
			b, err := OpenBolt(filepath.Join(t.TempDir(), "models.bolt"))
			require.NoError(t, err)
			t.Cleanup(func() { b.Close() })
			reg := NewRegistry()
			reg.Register(BoltProtocol, b.Factory())
			return reg
		}},
		{RedisProtocol, func(t *testing.T) *Registry {
			addr := os.Getenv("REPLICORE_REDIS_ADDR")
			if addr == "" {
				t.Skip("REPLICORE_REDIS_ADDR not set")
			}
			rdb := redis.NewClient(&redis.Options{Addr: addr})
			t.Cleanup(func() { rdb.Close() })
			reg := NewRegistry()
			reg.Register(RedisProtocol, NewRedisBackend(rdb, "replicore-test-"+uuid.NewString()).Factory())
			return reg
		}},
		{PostgresProtocol, func(t *testing.T) *Registry {
			dsn := os.Getenv("REPLICORE_POSTGRES_DSN")
			if dsn == "" {
				t.Skip("REPLICORE_POSTGRES_DSN not set")
			}
			pool, err := pgxpool.New(context.Background(), dsn)
			require.NoError(t, err)
			t.Cleanup(pool.Close)
			b, err := NewPostgresBackend(context.Background(), pool)
			require.NoError(t, err)
			reg := NewRegistry()
			reg.Register(PostgresProtocol, b.Factory())
			return reg
		}},
	}
}

// uniqueKey avoids collisions on shared external servers.
func uniqueKey(protocol string) Key {
	return Key{Protocol: protocol, Location: "test/" + uuid.NewString()}
}

// collector records receiver deliveries.
type collector struct {
	mu       sync.Mutex
	versions []int
	data     [][]byte
}

func (c *collector) receive(data []byte, version int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions = append(c.versions, version)
	c.data = append(c.data, data)
}

func (c *collector) snapshot() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.versions...)
}

func TestDriver_Conformance(t *testing.T) {
	for _, bc := range backendCases() {
		t.Run(bc.protocol, func(t *testing.T) {
			t.Run("fenced sends", func(t *testing.T) {
				reg := bc.setup(t)
				ctx := context.Background()
				d, err := reg.Open(ctx, uniqueKey(bc.protocol), MayExist)
				require.NoError(t, err)
				defer d.Close()

				ok, err := d.Send(ctx, []byte("one"), 1)
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = d.Send(ctx, []byte("again"), 1)
				require.NoError(t, err)
				assert.False(t, ok, "duplicate version must be rejected")

				ok, err = d.Send(ctx, []byte("skip"), 3)
				require.NoError(t, err)
				assert.False(t, ok, "skipped version must be rejected")

				data, version, err := d.Fetch(ctx)
				require.NoError(t, err)
				assert.Equal(t, 1, version)
				assert.Equal(t, "one", string(data))
			})

			t.Run("empty fetch", func(t *testing.T) {
				reg := bc.setup(t)
				ctx := context.Background()
				d, err := reg.Open(ctx, uniqueKey(bc.protocol), MayExist)
				require.NoError(t, err)
				defer d.Close()

				data, version, err := d.Fetch(ctx)
				require.NoError(t, err)
				assert.Equal(t, 0, version)
				assert.Empty(t, data)
			})

			t.Run("existence modes", func(t *testing.T) {
				reg := bc.setup(t)
				ctx := context.Background()
				key := uniqueKey(bc.protocol)

				_, err := reg.Open(ctx, key, ShouldExist)
				assert.True(t, IsWrongExistenceError(err), "ShouldExist on a missing key: %v", err)

				d, err := reg.Open(ctx, key, ShouldCreate)
				require.NoError(t, err)
				d.Close()

				_, err = reg.Open(ctx, key, ShouldCreate)
				assert.True(t, IsWrongExistenceError(err), "ShouldCreate on an existing key: %v", err)

				d, err = reg.Open(ctx, key, ShouldExist)
				require.NoError(t, err)
				d.Close()

				d, err = reg.Open(ctx, key, MayExist)
				require.NoError(t, err)
				d.Close()
			})

			t.Run("peers receive, sender does not", func(t *testing.T) {
				reg := bc.setup(t)
				ctx := context.Background()
				key := uniqueKey(bc.protocol)

				a, err := reg.Open(ctx, key, MayExist)
				require.NoError(t, err)
				defer a.Close()
				b, err := reg.Open(ctx, key, MayExist)
				require.NoError(t, err)
				defer b.Close()

				var ca, cb collector
				require.NoError(t, a.RegisterReceiver(ctx, "", ca.receive))
				require.NoError(t, b.RegisterReceiver(ctx, "", cb.receive))

				ok, err := a.Send(ctx, []byte("v1"), 1)
				require.NoError(t, err)
				require.True(t, ok)

				require.Eventually(t, func() bool {
					return len(cb.snapshot()) == 1
				}, 2*time.Second, 10*time.Millisecond)
				assert.Equal(t, []int{1}, cb.snapshot())

				// Give any stray echo a chance to arrive.
				time.Sleep(50 * time.Millisecond)
				assert.Empty(t, ca.snapshot(), "sender must not receive its own send")
			})

			t.Run("token skips known state", func(t *testing.T) {
				reg := bc.setup(t)
				ctx := context.Background()
				key := uniqueKey(bc.protocol)

				a, err := reg.Open(ctx, key, MayExist)
				require.NoError(t, err)
				ok, err := a.Send(ctx, []byte("v1"), 1)
				require.NoError(t, err)
				require.True(t, ok)
				token := a.Token()
				require.NotEmpty(t, token)
				a.Close()

				// Same token: nothing delivered.
				b, err := reg.Open(ctx, key, ShouldExist)
				require.NoError(t, err)
				defer b.Close()
				var cb collector
				require.NoError(t, b.RegisterReceiver(ctx, token, cb.receive))

				// Stale token: current state delivered.
				c, err := reg.Open(ctx, key, ShouldExist)
				require.NoError(t, err)
				defer c.Close()
				var cc collector
				require.NoError(t, c.RegisterReceiver(ctx, "stale", cc.receive))

				require.Eventually(t, func() bool {
					return len(cc.snapshot()) == 1
				}, 2*time.Second, 10*time.Millisecond)
				time.Sleep(50 * time.Millisecond)
				assert.Empty(t, cb.snapshot())
				assert.Equal(t, token, b.Token())
			})

			t.Run("racing senders", func(t *testing.T) {
				reg := bc.setup(t)
				ctx := context.Background()
				key := uniqueKey(bc.protocol)

				const n = 8
				drivers := make([]Driver, n)
				for i := range drivers {
					d, err := reg.Open(ctx, key, MayExist)
					require.NoError(t, err)
					defer d.Close()
					drivers[i] = d
				}

				var wg sync.WaitGroup
				var mu sync.Mutex
				wins := 0
				for _, d := range drivers {
					wg.Add(1)
					go func(d Driver) {
						defer wg.Done()
						ok, err := d.Send(ctx, []byte("x"), 1)
						assert.NoError(t, err)
						if ok {
							mu.Lock()
							wins++
							mu.Unlock()
						}
					}(d)
				}
				wg.Wait()
				assert.Equal(t, 1, wins, "exactly one sender may win version 1")
			})
		})
	}
}

func TestSQLiteBackend_PollsOtherWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	st1, err := store.Open(path)
	require.NoError(t, err)
	defer st1.Close()
	st2, err := store.Open(path)
	require.NoError(t, err)
	defer st2.Close()

	// Two backends over one file stand in for two processes.
	reader := NewSQLiteBackend(st1, WithPollInterval(10*time.Millisecond))
	writer := NewSQLiteBackend(st2)
	key := MustParseKey("sqlite://shared/model")

	r, err := reader.Factory()(ctx, key, MayExist)
	require.NoError(t, err)
	defer r.Close()
	var c collector
	require.NoError(t, r.RegisterReceiver(ctx, "", c.receive))

	w, err := writer.Factory()(ctx, key, ShouldExist)
	require.NoError(t, err)
	defer w.Close()
	ok, err := w.Send(ctx, []byte("from elsewhere"), 1)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return len(c.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "from elsewhere", string(c.data[0]))
}

func TestMemoryDisk_RamdiskSharedAcrossRegistries(t *testing.T) {
	ctx := context.Background()
	shared := NewMemoryDisk()
	reg1, reg2 := NewRegistry(), NewRegistry()
	RegisterMemory(reg1, shared)
	RegisterMemory(reg2, shared)

	key := MustParseKey("ramdisk://people")
	d1, err := reg1.Open(ctx, key, ShouldCreate)
	require.NoError(t, err)
	defer d1.Close()
	ok, err := d1.Send(ctx, []byte("alice"), 1)
	require.NoError(t, err)
	require.True(t, ok)

	d2, err := reg2.Open(ctx, key, ShouldExist)
	require.NoError(t, err)
	defer d2.Close()
	data, version, err := d2.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.Equal(t, "alice", string(data))

	// Volatile disks are private to each registry.
	_, err = reg2.Open(ctx, MustParseKey("volatile://people"), ShouldExist)
	assert.True(t, IsWrongExistenceError(err))
	assert.Equal(t, 1, shared.Keys())
}
