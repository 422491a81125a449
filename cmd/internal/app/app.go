// Package app wires the propchat server runtime: config, logging, storage backends, HTTP routes,
// the realtime gateway and the retention sweeper.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"propchat/cmd/internal/realtime"
	"propchat/cmd/internal/retention"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"
)

// App is the propchat server runtime: it owns the backend connections, the relay and the HTTP server.
type App struct {
	cfg Config
	log Logger

	backend *backend
	metrics *prometheus.Registry

	router  *realtime.Router
	ws      *realtime.WSGateway
	sweeper *retention.Sweeper
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	relayMetrics := realtime.NewMetrics(reg)

	router := realtime.NewRouter(log, realtime.NewRegistry(log), be.store, realtime.WithRouterMetrics(relayMetrics))

	gwOpts := []realtime.GatewayOption{realtime.WithGatewayMetrics(relayMetrics)}
	if be.dir != nil {
		gwOpts = append(gwOpts, realtime.WithDirectory(be.dir))
	}
	ws := realtime.NewWSGateway(log, router, gwOpts...)

	var sweeper *retention.Sweeper
	if cfg.RetentionEnabled {
		sweeper, err = retention.New(be.store, log,
			retention.WithWindow(cfg.RetentionWindow),
			retention.WithSchedule(cfg.RetentionSchedule),
			retention.WithMetrics(retention.NewMetrics(reg)),
		)
		if err != nil {
			_ = be.Close(context.Background())
			return nil, err
		}
	}

	return &App{
		cfg:     cfg,
		log:     log,
		backend: be,
		metrics: reg,
		router:  router,
		ws:      ws,
		sweeper: sweeper,
	}, nil
}

// Run starts the HTTP server and the retention sweeper, and blocks until context cancellation
// or a fatal server error. Backend connections are closed before it returns.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		// Hijacked websocket conns keep these deadlines, so both default to off.
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.backend.kind,
		"ws_url", wsBaseURL(base)+"/ws",
		"require_known_user", a.backend.dir != nil,
		"retention", a.sweeper != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	if a.sweeper != nil {
		g.Go(func() error { return a.sweeper.Run(gctx) })
	}

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := a.backend.Close(closeCtx); cerr != nil {
		a.log.Error("store.close.fail", "err", cerr)
	}

	if err != nil {
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// backend owns the connections behind the message store and user directory.
//
// Ownership model:
// - backend owns pool/client lifecycles
// - the realtime stores' Close() methods are no-ops
type backend struct {
	kind  string
	store realtime.MessageStore
	dir   realtime.UserDirectory

	pool  *pgxpool.Pool
	mongo *mongo.Client
	redis *redis.Client
}

// openBackend connects what the configured store kind and directory need.
func openBackend(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	b := &backend{kind: cfg.StoreKind()}

	fail := func(err error) (*backend, error) {
		_ = b.Close(context.Background())
		return nil, err
	}

	needPG := b.kind == StorePostgres ||
		(cfg.RequireKnownUser && b.kind != StoreMongo && cfg.DatabaseURL != "")
	if needPG {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		b.pool = pool
	}

	needMongo := b.kind == StoreMongo ||
		(cfg.RequireKnownUser && b.pool == nil && cfg.MongoURI != "")
	if needMongo {
		client, err := NewMongoClient(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		b.mongo = client
	}

	switch b.kind {
	case StorePostgres:
		st, err := realtime.NewPostgresStore(b.pool, realtime.WithSchema(cfg.DBSchema))
		if err != nil {
			return fail(err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			return fail(err)
		}
		b.store = st

	case StoreMongo:
		st, err := realtime.NewMongoStore(b.mongo.Database(cfg.MongoDatabase), "messages")
		if err != nil {
			return fail(err)
		}
		if err := st.EnsureIndexes(ctx); err != nil {
			return fail(err)
		}
		b.store = st

	case StoreRedis:
		client, err := NewRedisClient(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		b.redis = client
		st, err := realtime.NewRedisStore(client, realtime.WithKeyPrefix(cfg.RedisKeyPrefix))
		if err != nil {
			return fail(err)
		}
		b.store = st

	case StoreMemory:
		b.store = realtime.NewInMemoryStore(realtime.WithMemoryLogger(log))

	default:
		return fail(fmt.Errorf("unknown store %q", b.kind))
	}

	if cfg.RequireKnownUser {
		switch {
		case b.mongo != nil:
			dir, err := realtime.NewMongoDirectory(b.mongo.Database(cfg.MongoDatabase))
			if err != nil {
				return fail(err)
			}
			b.dir = dir
		case b.pool != nil:
			dir, err := realtime.NewPostgresDirectory(b.pool, realtime.WithDirectorySchema(cfg.DBSchema))
			if err != nil {
				return fail(err)
			}
			b.dir = dir
		default:
			return fail(errors.New("require_known_user: no user directory backend configured"))
		}
	}

	log.Info("store.open", "store", b.kind, "directory", b.dir != nil)
	return b, nil
}

// Ping checks the message store backend (used by /readyz).
func (b *backend) Ping(ctx context.Context) error {
	if b.store == nil {
		return realtime.ErrNilStore
	}
	return b.store.Ping(ctx)
}

// Close releases every connection the backend opened.
func (b *backend) Close(ctx context.Context) error {
	var errs []error
	if b.store != nil {
		errs = append(errs, b.store.Close())
	}
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	if b.mongo != nil {
		errs = append(errs, b.mongo.Disconnect(ctx))
	}
	if b.pool != nil {
		b.pool.Close()
	}
	return errors.Join(errs...)
}
