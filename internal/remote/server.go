package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/replicore/internal/storage"
)

// defaultOutboxSize bounds frames queued for one connection.
const defaultOutboxSize = 64

// Server hosts endpoints over websocket:
//
//	GET /stores/{key}  websocket, key path-escaped
//	GET /healthz
//	GET /metrics       when a gatherer is configured
type Server struct {
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	router   *mux.Router
	outbox   int

	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithOutboxSize sets how many frames may queue for one client before it
// is disconnected as too slow.
func WithOutboxSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.outbox = n
		}
	}
}

// WithGatherer exposes g on /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) { s.gatherer = g }
}

// NewServer creates a server with no endpoints.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		logger:    slog.Default(),
		outbox:    defaultOutboxSize,
		endpoints: make(map[string]Endpoint),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.SkipClean(true)
	r.UseEncodedPath()
	r.HandleFunc("/stores/{key}", s.handleStore).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router = r
	return s
}

// Host makes ep reachable at /stores/{ep.Key()}.
func (s *Server) Host(ep Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.Key().String()] = ep
}

// Keys returns the hosted storage keys in sorted order.
func (s *Server) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.endpoints))
	for k := range s.endpoints {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// StorePath returns the request path for key.
func StorePath(key string) string {
	return "/stores/" + url.PathEscape(key)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "stores": s.Keys()})
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(mux.Vars(r)["key"])
	if err != nil {
		http.Error(w, "bad store key", http.StatusBadRequest)
		return
	}
	s.mu.RLock()
	ep, ok := s.endpoints[key]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown store "+key, http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "key", key, "error", err)
		return
	}
	s.serve(r.Context(), key, ep, conn)
}

// outbox queues frames for one connection without ever blocking the
// sender. A frame that does not fit marks the outbox overflowed; nothing
// is queued after that.
type outbox struct {
	frames     chan storage.Envelope
	overflowed chan struct{}
	once       sync.Once
}

func newOutbox(size int) *outbox {
	return &outbox{
		frames:     make(chan storage.Envelope, size),
		overflowed: make(chan struct{}),
	}
}

func (o *outbox) send(env storage.Envelope) {
	select {
	case <-o.overflowed:
		return
	default:
	}
	select {
	case o.frames <- env:
	default:
		o.once.Do(func() { close(o.overflowed) })
	}
}

// serve runs one connection. A single writer goroutine owns the socket
// for writes; the read loop hands frames to the endpoint in order. Sends
// run on the store's delivery queue, so a client that cannot keep up is
// disconnected rather than allowed to stall the queue.
func (s *Server) serve(ctx context.Context, key string, ep Endpoint, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	out := newOutbox(s.outbox)
	id, detach := ep.Attach(out.send)
	defer detach()
	logger := s.logger.With("key", key, "subscription", id)
	logger.Debug("client connected")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case env := <-out.frames:
				if err := conn.WriteJSON(env); err != nil {
					logger.Debug("write failed", "error", err)
					cancel()
					conn.Close()
					return
				}
			case <-out.overflowed:
				logger.Warn("client too slow, disconnecting", "queued", s.outbox)
				cancel()
				conn.Close()
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var env storage.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			logger.Debug("client disconnected", "error", err)
			break
		}
		ok, err := ep.Handle(ctx, id, env)
		if env.Type != storage.Operations.String() {
			if err != nil {
				logger.Warn("frame failed", "type", env.Type, "error", err)
			}
			continue
		}
		ack := storage.Envelope{Type: FrameAck, CorrelationID: env.CorrelationID, OK: ok}
		if err != nil {
			ack.Error = err.Error()
		}
		out.send(ack)
	}

	cancel()
	wg.Wait()
}
