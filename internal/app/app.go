// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — shared store (Redis when configured, else in-process)
//  2. initServices — auth, key pool, metrics registry, sample buffer, rollup sink
//  3. initRouting  — transports, resolver, scheduler, sessions
//  4. initGateway  — the HTTP proxy surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-router/internal/auth"
	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/keypool"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/model"
	"github.com/nulpointcorp/llm-router/internal/proxy"
	"github.com/nulpointcorp/llm-router/internal/resolver"
	"github.com/nulpointcorp/llm-router/internal/rollup"
	"github.com/nulpointcorp/llm-router/internal/scheduler"
	"github.com/nulpointcorp/llm-router/internal/session"
	"github.com/nulpointcorp/llm-router/internal/transport"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// nil when running on the in-process store.
	rdb   *redis.Client
	store cache.Store

	authn     *auth.Authenticator
	pool      *keypool.Pool
	registry  *metrics.Registry
	buffer    *metrics.Buffer
	sink      *rollup.ClickHouseSink
	providers []*model.ProviderConfig

	transport *transport.Manager
	resolver  *resolver.Resolver
	scheduler *scheduler.Scheduler
	sessions  *session.Manager

	gw *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App. Everything
// allocated here is released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"routing", a.initRouting},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the metrics flusher, blocking until ctx is
// cancelled or the server fails. Shuts down gracefully on return.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("router_starting",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Bool("redis", a.rdb != nil),
		slog.Int("providers", len(a.providers)),
	)

	a.buffer.Start()
	srv := a.gw.Server(a.registry.Handler())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.ShutdownWithContext(shutdownCtx); err != nil {
			a.log.Error("server_shutdown_error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases resources in reverse-init order. Safe to call repeatedly.
func (a *App) Close() {
	if a.buffer != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.buffer.Stop(drainCtx)
		cancel()
		a.buffer = nil
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.log.Error("sink_close_error", slog.String("error", err.Error()))
		}
		a.sink = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store_close_error", slog.String("error", err.Error()))
		}
		a.store = nil
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a readiness probe reusing the existing client.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}
