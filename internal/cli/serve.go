package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/roach88/replicore/internal/crdt"
	"github.com/roach88/replicore/internal/driver"
	"github.com/roach88/replicore/internal/remote"
	"github.com/roach88/replicore/internal/schema"
	"github.com/roach88/replicore/internal/storage"
	"github.com/roach88/replicore/internal/store"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Config string
	Listen string // overrides the config's listen address
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host stores over websocket",
		Long: `Open the stores named in the config and host each one at
/stores/{key}. Proxies connect with the remote client.

Also serves /healthz, and /metrics when metrics are enabled.

Examples:
  replicore serve --config replicore.yaml
  replicore serve --config replicore.yaml --listen 127.0.0.1:9090 -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "replicore.yaml", "server config file")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := opts.Logger(cmd.ErrOrStderr())

	cfg, err := LoadConfig(opts.Config)
	if err != nil {
		return formatter.Fail(ExitCommandError, CodeConfig, "invalid config", err)
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}

	h, err := openHosted(ctx, cfg, logger)
	if err != nil {
		return formatter.Fail(ExitCommandError, CodeStore, "failed to open stores", err)
	}
	defer h.Close()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("serving", "addr", cfg.Listen, "stores", len(cfg.Stores), "metrics", cfg.Metrics)

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return formatter.Fail(ExitCommandError, CodeConfig, "listen failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "error", err)
	}
	return nil
}

// hosted is the set of stores and drivers behind one server.
type hosted struct {
	registry  *driver.Registry
	server    *remote.Server
	storeOpts []storage.Option
	logger    *slog.Logger

	stores   []io.Closer
	backends []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openHosted registers the configured drivers and opens every store.
// On error everything opened so far is closed.
func openHosted(ctx context.Context, cfg *Config, logger *slog.Logger) (*hosted, error) {
	h := &hosted{
		registry:  driver.NewRegistry(),
		storeOpts: []storage.Option{storage.WithLogger(logger)},
		logger:    logger,
	}
	serverOpts := []remote.ServerOption{remote.WithServerLogger(logger)}
	if cfg.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		h.storeOpts = append(h.storeOpts, storage.WithMetrics(storage.NewMetrics(reg)))
		serverOpts = append(serverOpts, remote.WithGatherer(reg))
	}
	h.server = remote.NewServer(serverOpts...)

	if err := h.registerDrivers(ctx, cfg.Drivers); err != nil {
		h.Close()
		return nil, err
	}

	var defs map[string]schema.Definition
	if cfg.Schemas != "" {
		var err error
		if defs, err = schema.LoadFile(cfg.Schemas); err != nil {
			h.Close()
			return nil, err
		}
	}

	for _, sc := range cfg.Stores {
		if err := h.open(ctx, sc, defs); err != nil {
			h.Close()
			return nil, err
		}
	}
	return h, nil
}

func (h *hosted) registerDrivers(ctx context.Context, cfg DriverConfig) error {
	driver.RegisterMemory(h.registry, nil)

	if c := cfg.SQLite; c != nil {
		st, err := store.Open(c.Path)
		if err != nil {
			return fmt.Errorf("sqlite %s: %w", c.Path, err)
		}
		h.backends = append(h.backends, st)
		var opts []driver.SQLiteOption
		if c.PollInterval > 0 {
			opts = append(opts, driver.WithPollInterval(c.PollInterval))
		}
		h.registry.Register(driver.SQLiteProtocol, driver.NewSQLiteBackend(st, opts...).Factory())
	}

	if c := cfg.Bolt; c != nil {
		b, err := driver.OpenBolt(c.Path)
		if err != nil {
			return err
		}
		h.backends = append(h.backends, b)
		h.registry.Register(driver.BoltProtocol, b.Factory())
	}

	if c := cfg.Redis; c != nil {
		rdb := redis.NewClient(&redis.Options{Addr: c.Addr})
		h.backends = append(h.backends, rdb)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", c.Addr, err)
		}
		prefix := c.Prefix
		if prefix == "" {
			prefix = "replicore"
		}
		h.registry.Register(driver.RedisProtocol, driver.NewRedisBackend(rdb, prefix).Factory())
	}

	if c := cfg.Postgres; c != nil {
		pool, err := pgxpool.New(ctx, c.DSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		h.backends = append(h.backends, closerFunc(func() error { pool.Close(); return nil }))
		b, err := driver.NewPostgresBackend(ctx, pool)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		h.registry.Register(driver.PostgresProtocol, b.Factory())
	}

	h.logger.Debug("drivers registered", "protocols", h.registry.Protocols())
	return nil
}

func (h *hosted) open(ctx context.Context, sc StoreConfig, defs map[string]schema.Definition) error {
	key, err := driver.ParseKey(sc.Key)
	if err != nil {
		return err
	}

	switch sc.Kind {
	case StoreKindSet:
		return hostStore(ctx, h, key,
			crdt.Model[crdt.SetData[crdt.Primitive], crdt.SetOp[crdt.Primitive], []crdt.Primitive](crdt.NewSet[crdt.Primitive]()),
			storage.SetMessageCodec[crdt.Primitive]())
	case StoreKindSingleton:
		return hostStore(ctx, h, key,
			crdt.Model[crdt.SetData[crdt.Primitive], crdt.SingletonOp[crdt.Primitive], *crdt.Primitive](crdt.NewSingleton[crdt.Primitive]()),
			storage.SingletonMessageCodec[crdt.Primitive]())
	case StoreKindEntity:
		def, err := lookupEntity(sc, defs)
		if err != nil {
			return err
		}
		return hostStore(ctx, h, key,
			crdt.Model[crdt.EntityData, crdt.EntityOp, crdt.RawEntity](crdt.NewEntity(def.Schema)),
			storage.EntityMessageCodec())
	case StoreKindRefCollection:
		def, err := lookupEntity(sc, defs)
		if err != nil {
			return err
		}
		rm, err := storage.NewRefModeCollection(ctx, h.registry, key, driver.MayExist, def.Schema, h.storeOpts...)
		if err != nil {
			return fmt.Errorf("open store %s: %w", key, err)
		}
		h.hostRefMode(key, rm, remote.NewEndpoint[crdt.SetData[crdt.Reference], crdt.SetOp[crdt.Reference]](rm.Container(), storage.SetMessageCodec[crdt.Reference]()))
		return nil
	case StoreKindRefSingleton:
		def, err := lookupEntity(sc, defs)
		if err != nil {
			return err
		}
		rm, err := storage.NewRefModeSingleton(ctx, h.registry, key, driver.MayExist, def.Schema, h.storeOpts...)
		if err != nil {
			return fmt.Errorf("open store %s: %w", key, err)
		}
		h.hostRefMode(key, rm, remote.NewEndpoint[crdt.SetData[crdt.Reference], crdt.SingletonOp[crdt.Reference]](rm.Container(), storage.SingletonMessageCodec[crdt.Reference]()))
		return nil
	default:
		return &ConfigError{Field: sc.Key, Message: fmt.Sprintf("unknown kind %q", sc.Kind)}
	}
}

func lookupEntity(sc StoreConfig, defs map[string]schema.Definition) (schema.Definition, error) {
	def, ok := defs[sc.Entity]
	if !ok {
		return schema.Definition{}, &ConfigError{Field: sc.Key, Message: fmt.Sprintf("entity %q is not declared (have %v)", sc.Entity, schema.Names(defs))}
	}
	return def, nil
}

// hostRefMode serves a reference-mode store's container under the
// composite key. Its backing entities stay server-side.
func (h *hosted) hostRefMode(key driver.Key, rm io.Closer, ep remote.Endpoint) {
	h.stores = append(h.stores, rm)
	h.server.Host(remote.Rekey(ep, key))
	h.logger.Debug("reference-mode store hosted", "key", key.String(), "container", ep.Key().String())
}

func hostStore[D, O, V any](ctx context.Context, h *hosted, key driver.Key, model crdt.Model[D, O, V], codec storage.MessageCodec[D, O]) error {
	st, err := storage.NewDirect(ctx, h.registry, key, driver.MayExist, model, h.storeOpts...)
	if err != nil {
		return fmt.Errorf("open store %s: %w", key, err)
	}
	h.stores = append(h.stores, st)
	h.server.Host(remote.NewEndpoint[D, O](st, codec))
	h.logger.Debug("store hosted", "key", key.String())
	return nil
}

// Handler returns the HTTP handler for the hosted stores.
func (h *hosted) Handler() http.Handler { return h.server.Handler() }

// Close closes stores before the backends they write to.
func (h *hosted) Close() error {
	var errs []error
	for _, c := range h.stores {
		errs = append(errs, c.Close())
	}
	for _, c := range h.backends {
		errs = append(errs, c.Close())
	}
	h.stores, h.backends = nil, nil
	return errors.Join(errs...)
}
