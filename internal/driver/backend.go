package driver

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/roach88/replicore/internal/dispatch"
)

// record is one stored model.
type record struct {
	Data    []byte `json:"data"`
	Version int    `json:"version"`
	Token   string `json:"token"`
}

// backend is the storage half of a driver. write must be atomic and fenced:
// it succeeds only if the stored version is version-1, and it mints a new
// token on success.
type backend interface {
	exists(ctx context.Context, key string) (bool, error)
	create(ctx context.Context, key string) error
	read(ctx context.Context, key string) (record, error)
	write(ctx context.Context, key string, data []byte, version int) (string, bool, error)
}

// unknownVersion tells onChange to re-read without knowing the version,
// e.g. after a watcher reconnects.
const unknownVersion = math.MaxInt

// watcher is implemented by backends that can observe writes made outside
// this process. onChange is called with the new version; it may be called
// for versions the endpoint already has. ctx bounds only the setup; the
// watch lasts until stop is called.
type watcher interface {
	watch(ctx context.Context, key string, onChange func(version int)) (stop func(), err error)
}

// hub tracks the in-process drivers attached to each key of one backend so
// a send can notify the others without a round trip.
type hub struct {
	mu      sync.Mutex
	next    int
	clients map[string]map[int]*backendDriver
}

func newHub() *hub {
	return &hub{clients: make(map[string]map[int]*backendDriver)}
}

func (h *hub) attach(d *backendDriver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	d.id = h.next
	k := d.key.String()
	if h.clients[k] == nil {
		h.clients[k] = make(map[int]*backendDriver)
	}
	h.clients[k][d.id] = d
}

func (h *hub) detach(d *backendDriver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := d.key.String()
	delete(h.clients[k], d.id)
	if len(h.clients[k]) == 0 {
		delete(h.clients, k)
	}
}

// broadcast hands an accepted write to every other driver on the key.
func (h *hub) broadcast(from *backendDriver, rec record) {
	h.mu.Lock()
	peers := make([]*backendDriver, 0, len(h.clients[from.key.String()]))
	for id, d := range h.clients[from.key.String()] {
		if id != from.id {
			peers = append(peers, d)
		}
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.deliver(rec)
	}
}

// backendDriver implements Driver over a backend. It fences through the
// backend, fans out through the hub, and delivers to its receiver on its
// own queue so callbacks never run under a caller's lock.
type backendDriver struct {
	key     Key
	backend backend
	hub     *hub
	queue   *dispatch.Queue
	logger  *slog.Logger
	id      int

	mu       sync.Mutex
	receiver Receiver
	version  int
	token    string
	stop     func()
	closed   bool
}

// openBackendDriver enforces the existence mode and attaches a driver.
func openBackendDriver(ctx context.Context, key Key, mode ExistenceMode, b backend, h *hub) (*backendDriver, error) {
	exists, err := b.exists(ctx, key.String())
	if err != nil {
		return nil, fmt.Errorf("check existence: %w", err)
	}
	switch mode {
	case ShouldExist:
		if !exists {
			return nil, wrongExistence(key, mode, false)
		}
	case ShouldCreate:
		if exists {
			return nil, wrongExistence(key, mode, true)
		}
		if err := b.create(ctx, key.String()); err != nil {
			return nil, fmt.Errorf("create: %w", err)
		}
	case MayExist:
		if !exists {
			if err := b.create(ctx, key.String()); err != nil {
				return nil, fmt.Errorf("create: %w", err)
			}
		}
	default:
		return nil, &ConfigError{Code: ErrCodeWrongExistence, Message: fmt.Sprintf("unknown existence mode %d", mode), Key: key.String()}
	}

	d := &backendDriver{
		key:     key,
		backend: b,
		hub:     h,
		logger:  slog.Default().With("driver", key.Protocol, "key", key.String()),
	}
	d.queue = dispatch.New("driver "+key.String(), dispatch.WithLogger(d.logger))
	h.attach(d)

	if w, ok := b.(watcher); ok {
		stop, err := w.watch(ctx, key.String(), d.onExternalChange)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("watch: %w", err)
		}
		d.stop = stop
	}
	return d, nil
}

func (d *backendDriver) Key() Key { return d.key }

func (d *backendDriver) RegisterReceiver(ctx context.Context, token string, r Receiver) error {
	rec, err := d.backend.read(ctx, d.key.String())
	if err != nil {
		return fmt.Errorf("register receiver: %w", err)
	}

	d.mu.Lock()
	d.receiver = r
	if rec.Version > 0 && rec.Token == token && rec.Version > d.version {
		// The caller already holds this state.
		d.version, d.token = rec.Version, rec.Token
	}
	d.mu.Unlock()

	if rec.Version > 0 && rec.Token != token {
		d.deliver(rec)
	}
	return nil
}

func (d *backendDriver) Send(ctx context.Context, data []byte, version int) (bool, error) {
	token, ok, err := d.backend.write(ctx, d.key.String(), data, version)
	if err != nil {
		return false, fmt.Errorf("send version %d: %w", version, err)
	}
	if !ok {
		d.logger.Debug("send rejected", "version", version)
		return false, nil
	}

	d.mu.Lock()
	if version > d.version {
		d.version, d.token = version, token
	}
	d.mu.Unlock()

	d.hub.broadcast(d, record{Data: cloneBytes(data), Version: version, Token: token})
	return true, nil
}

func (d *backendDriver) Fetch(ctx context.Context) ([]byte, int, error) {
	rec, err := d.backend.read(ctx, d.key.String())
	if err != nil {
		return nil, 0, fmt.Errorf("fetch: %w", err)
	}
	d.mu.Lock()
	if rec.Version >= d.version {
		d.version, d.token = rec.Version, rec.Token
	}
	d.mu.Unlock()
	return rec.Data, rec.Version, nil
}

func (d *backendDriver) Token() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token
}

func (d *backendDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	stop := d.stop
	d.mu.Unlock()

	if stop != nil {
		stop()
	}
	d.hub.detach(d)
	d.queue.Close()
	return nil
}

// deliver queues rec for the receiver unless it is not newer than what
// this driver has already seen.
func (d *backendDriver) deliver(rec record) {
	d.queue.Enqueue(func() {
		d.mu.Lock()
		if rec.Version <= d.version || d.receiver == nil || d.closed {
			d.mu.Unlock()
			return
		}
		d.version, d.token = rec.Version, rec.Token
		r := d.receiver
		d.mu.Unlock()

		r(rec.Data, rec.Version)
	})
}

// onExternalChange re-reads the key when a watcher reports a newer version.
func (d *backendDriver) onExternalChange(version int) {
	d.queue.Enqueue(func() {
		d.mu.Lock()
		stale := version <= d.version || d.closed
		d.mu.Unlock()
		if stale {
			return
		}
		rec, err := d.backend.read(context.Background(), d.key.String())
		if err != nil {
			d.logger.Warn("refresh after external change failed", "version", version, "error", err)
			return
		}
		d.deliver(rec)
	})
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
