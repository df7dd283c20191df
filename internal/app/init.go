package app

import (
	"context"
	"log/slog"

	"github.com/nulpointcorp/llm-router/internal/auth"
	"github.com/nulpointcorp/llm-router/internal/cache"
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

func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		a.log.Warn("memory_store_active",
			slog.String("hint", "set REDIS_URL to share routing state across replicas"))
		a.store = cache.NewMemoryStore(a.baseCtx)
		return nil
	}

	rdb, err := connectRedis(ctx, a.cfg.RedisURL)
	if err != nil {
		return err
	}
	a.rdb = rdb
	a.store = cache.NewRedisStoreFromClient(rdb)
	return nil
}

func (a *App) initServices(ctx context.Context) error {
	a.registry = metrics.New()
	a.registry.SetBuildInfo(a.version)

	keys := make([]auth.ConfiguredKey, 0, len(a.cfg.ClientKeys))
	for _, k := range a.cfg.ClientKeys {
		keys = append(keys, auth.ConfiguredKey{
			Key:              k.Key,
			Name:             k.Name,
			Active:           k.Active == nil || *k.Active,
			AllowedProviders: k.AllowedProviders,
		})
	}
	a.authn = auth.New(a.cfg.GatewaySecret, keys)

	a.pool = keypool.New(keypool.Options{
		Store:    a.store,
		Digester: a.authn,
		Logger:   a.log,
	})

	a.providers = make([]*model.ProviderConfig, 0, len(a.cfg.Providers))
	for i := range a.cfg.Providers {
		pm := a.cfg.Providers[i].ProviderModel()
		a.providers = append(a.providers, pm)
		a.pool.Configure(pm.ID, pm.APIKeys, pm.MaxQPS)
	}

	// A missing rollup sink degrades to log-only flushes; the router must not
	// refuse to start because the analytics store is down.
	if dsn := a.cfg.Buffer.ClickHouseDSN; dsn != "" {
		sink, err := rollup.Open(dsn, a.log)
		if err != nil {
			a.log.Warn("rollup_sink_unavailable", slog.String("error", err.Error()))
		} else {
			a.sink = sink
		}
	}

	opts := metrics.BufferOptions{
		Enabled:           a.cfg.Buffer.Enabled,
		BucketSeconds:     a.cfg.Buffer.BucketSeconds,
		FlushInterval:     a.cfg.Buffer.FlushInterval,
		MaxKeys:           a.cfg.Buffer.MaxKeys,
		ReservoirSize:     a.cfg.Buffer.ReservoirSize,
		SuccessSampleRate: a.cfg.Buffer.SuccessSampleRate,
		Store:             a.store,
		Registry:          a.registry,
		Logger:            a.log,
	}
	if a.sink != nil {
		opts.Sink = a.sink
	}
	a.buffer = metrics.NewBuffer(opts)

	return nil
}

func (a *App) initRouting(ctx context.Context) error {
	a.transport = transport.NewManager(transport.Options{
		Pool:             a.pool,
		Buffer:           a.buffer,
		Registry:         a.registry,
		Logger:           a.log,
		CandidateTimeout: a.cfg.CandidateTimeout,
	})

	static := make([]resolver.StaticGroup, 0, len(a.cfg.LogicalModels))
	for _, lm := range a.cfg.LogicalModels {
		ups := make([]resolver.StaticUpstream, 0, len(lm.Upstreams))
		for _, u := range lm.Upstreams {
			ups = append(ups, resolver.StaticUpstream{
				ProviderID:    u.Provider,
				UpstreamModel: u.UpstreamModel,
				Weight:        u.Weight,
			})
		}
		static = append(static, resolver.StaticGroup{
			ID:           lm.ID,
			Capabilities: lm.Capabilities,
			Enabled:      lm.Enabled == nil || *lm.Enabled,
			Upstreams:    ups,
		})
	}

	a.resolver = resolver.New(resolver.Options{
		Store:     a.store,
		Providers: a.providers,
		Static:    static,
		Lister:    a.transport,
		ListTTL:   a.cfg.ModelListTTL,
		Logger:    a.log,
	})

	a.scheduler = scheduler.New(scheduler.Options{
		Store: a.store,
		Keys:  a.pool,
		Strategy: model.Strategy{
			Alpha:          a.cfg.Scheduler.Alpha,
			Beta:           a.cfg.Scheduler.Beta,
			Gamma:          a.cfg.Scheduler.Gamma,
			Delta:          a.cfg.Scheduler.Delta,
			MinScore:       a.cfg.Scheduler.MinScore,
			DriftTolerance: a.cfg.Scheduler.DriftTolerance,
			LatencyCeilMs:  a.cfg.Scheduler.LatencyCeilMs,
		},
		Logger: a.log,
	})

	a.sessions = session.New(session.Options{
		Store:    a.store,
		TTL:      a.cfg.Session.TTL,
		RingSize: a.cfg.Session.RingSize,
		Logger:   a.log,
	})

	return nil
}

func (a *App) initGateway(ctx context.Context) error {
	ready := func() bool { return true }
	if a.rdb != nil {
		ready = redisPinger(a.baseCtx, a.rdb)
	}

	a.gw = proxy.New(proxy.Options{
		Auth:              a.authn,
		Resolver:          a.resolver,
		Scheduler:         a.scheduler,
		Sessions:          a.sessions,
		Transport:         a.transport,
		Store:             a.store,
		Registry:          a.registry,
		Logger:            a.log,
		RequestTimeout:    a.cfg.RequestTimeout,
		CooldownThreshold: a.cfg.CooldownThreshold,
		CooldownWindow:    a.cfg.CooldownWindow,
		CORSOrigins:       a.cfg.CORSOrigins,
		Version:           a.version,
		Ready:             ready,
	})

	return nil
}
