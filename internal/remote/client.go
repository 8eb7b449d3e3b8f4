package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/replicore/internal/dispatch"
	"github.com/roach88/replicore/internal/driver"
	"github.com/roach88/replicore/internal/storage"
)

// ErrConnectionClosed is returned for writes after the connection ends.
var ErrConnectionClosed = errors.New("remote: connection closed")

// Client is an Active Store reached over websocket. All local subscribers
// share one connection: model updates reach every local subscriber, and an
// acknowledged operation batch is handed to the other local subscribers
// the way a store fans it out.
type Client[D, O any] struct {
	key    driver.Key
	codec  storage.MessageCodec[D, O]
	conn   *websocket.Conn
	logger *slog.Logger
	queue  *dispatch.Queue

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[int]storage.Callback[D, O]
	nextID  int
	pending map[string]chan storage.Envelope
	closed  bool

	done chan struct{}
}

var _ storage.ActiveStore[int, int] = (*Client[int, int])(nil)

// ClientOption configures Dial.
type ClientOption func(*clientOptions)

type clientOptions struct {
	logger     *slog.Logger
	maxRetries uint64
	dialer     *websocket.Dialer
}

// WithClientLogger sets the client logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// WithDialRetries bounds dial attempts after the first. Default 5.
func WithDialRetries(n uint64) ClientOption {
	return func(o *clientOptions) { o.maxRetries = n }
}

// Dial connects to the store key hosted at baseURL (http or ws scheme).
// Transient dial failures are retried with exponential backoff; an
// unknown store fails immediately.
func Dial[D, O any](ctx context.Context, baseURL string, key driver.Key, codec storage.MessageCodec[D, O], opts ...ClientOption) (*Client[D, O], error) {
	o := clientOptions{logger: slog.Default(), maxRetries: 5, dialer: websocket.DefaultDialer}
	for _, opt := range opts {
		opt(&o)
	}

	target := wsURL(baseURL) + StorePath(key.String())
	var conn *websocket.Conn
	dial := func() error {
		c, resp, err := o.dialer.DialContext(ctx, target, nil)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return backoff.Permanent(fmt.Errorf("dial %s: unknown store", key))
			}
			o.logger.Debug("dial failed", "url", target, "error", err)
			return err
		}
		conn = c
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), o.maxRetries), ctx)
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	c := &Client[D, O]{
		key:     key,
		codec:   codec,
		conn:    conn,
		logger:  o.logger.With("key", key.String()),
		queue:   dispatch.New("remote:"+key.String(), dispatch.WithLogger(o.logger)),
		subs:    make(map[int]storage.Callback[D, O]),
		pending: make(map[string]chan storage.Envelope),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func wsURL(base string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	default:
		return base
	}
}

// Key returns the remote storage key.
func (c *Client[D, O]) Key() driver.Key { return c.key }

// On subscribes cb to frames from the remote store.
func (c *Client[D, O]) On(cb storage.Callback[D, O]) *storage.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs[id] = cb
	return storage.NewSubscription(id, c.Off)
}

// Off removes a local subscription.
func (c *Client[D, O]) Off(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, id)
}

// OnProxyMessage forwards msg. Operations block until the server
// acknowledges them or ctx ends; other frames are fire-and-forget.
func (c *Client[D, O]) OnProxyMessage(ctx context.Context, msg storage.ProxyMessage[D, O]) (bool, error) {
	if msg.Type != storage.Operations {
		if err := c.write(msg); err != nil {
			return false, err
		}
		return true, nil
	}

	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.Must(uuid.NewV7()).String()
	}
	ack := make(chan storage.Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrConnectionClosed
	}
	c.pending[msg.CorrelationID] = ack
	c.mu.Unlock()

	if err := c.write(msg); err != nil {
		c.forget(msg.CorrelationID)
		return false, err
	}

	select {
	case env, ok := <-ack:
		if !ok {
			return false, ErrConnectionClosed
		}
		if !env.OK {
			return false, ackError(env)
		}
		c.fanout(msg.ID, storage.ProxyMessage[D, O]{
			Type:          storage.Operations,
			Operations:    slices.Clone(msg.Operations),
			CorrelationID: msg.CorrelationID,
			ID:            msg.ID,
		})
		return true, ackError(env)
	case <-ctx.Done():
		c.forget(msg.CorrelationID)
		return false, ctx.Err()
	}
}

func ackError(env storage.Envelope) error {
	if env.Error == "" {
		return nil
	}
	return fmt.Errorf("remote store: %s", env.Error)
}

func (c *Client[D, O]) forget(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, correlationID)
}

func (c *Client[D, O]) write(msg storage.ProxyMessage[D, O]) error {
	env, err := c.codec.ToEnvelope(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readLoop routes acks to waiting writers and queues everything else for
// local subscribers. Callbacks never run on this goroutine, so a
// subscriber blocked on an ack cannot stall the loop that delivers it.
func (c *Client[D, O]) readLoop() {
	defer c.shutdown()
	for {
		var env storage.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.logger.Debug("connection ended", "error", err)
			return
		}
		if env.Type == FrameAck {
			c.mu.Lock()
			ack := c.pending[env.CorrelationID]
			delete(c.pending, env.CorrelationID)
			c.mu.Unlock()
			if ack != nil {
				ack <- env
			}
			continue
		}
		msg, err := c.codec.FromEnvelope(env)
		if err != nil {
			c.logger.Warn("dropping frame", "type", env.Type, "error", err)
			continue
		}
		c.fanout(0, msg)
	}
}

// fanout queues msg for every local subscriber except skip.
func (c *Client[D, O]) fanout(skip int, msg storage.ProxyMessage[D, O]) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		if id != skip {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()
	slices.Sort(ids)

	c.queue.Enqueue(func() {
		for _, id := range ids {
			c.mu.Lock()
			cb := c.subs[id]
			c.mu.Unlock()
			if cb != nil {
				cb(msg)
			}
		}
	})
}

func (c *Client[D, O]) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, ack := range c.pending {
		close(ack)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.done)
}

// Done is closed when the connection ends.
func (c *Client[D, O]) Done() <-chan struct{} { return c.done }

// Idle waits until queued deliveries have run.
func (c *Client[D, O]) Idle(ctx context.Context) error {
	return c.queue.Flush(ctx)
}

// Close sends a close frame and tears down the connection. The close
// frame is best effort; the server may already be gone.
func (c *Client[D, O]) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	c.queue.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
