package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/repohub/internal/cache"
	"github.com/any-hub/repohub/internal/config"
	"github.com/any-hub/repohub/internal/events"
	"github.com/any-hub/repohub/internal/fetch"
	"github.com/any-hub/repohub/internal/lifecycle"
	"github.com/any-hub/repohub/internal/locks"
	"github.com/any-hub/repohub/internal/metrics"
	"github.com/any-hub/repohub/internal/pathindex"
	"github.com/any-hub/repohub/internal/registry"
	"github.com/any-hub/repohub/internal/registry/configstore"
	"github.com/any-hub/repohub/internal/resolve"
	"github.com/any-hub/repohub/internal/server"
	"github.com/any-hub/repohub/internal/server/routes"
	"github.com/any-hub/repohub/internal/store"
)

const (
	seedUser        = "config"
	relayBufferSize = 256
)

// service 持有一个进程内共享的全部组件。
type service struct {
	cfg    *config.Config
	logger *logrus.Logger

	configStore configstore.ConfigStore
	backend     cache.Backend
	cache       *cache.Cache
	registry    *registry.Registry
	engine      *resolve.Engine
	metrics     *metrics.Prom
	app         *fiber.App

	nc       *nats.Conn
	relay    *events.Relay
	serveErr chan error
}

// buildService 按配置装配组件，不启动任何后台任务。
func buildService(cfg *config.Config, logger *logrus.Logger) (*service, error) {
	rt := &service{cfg: cfg, logger: logger, serveErr: make(chan error, 1)}

	cs, err := openConfigStore(cfg.ConfigStore)
	if err != nil {
		return nil, err
	}
	rt.configStore = cs

	backend, err := openContentBackend(cfg)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.backend = backend

	g := cfg.Global
	rt.cache, err = cache.New(cache.Options{
		Backend:       backend,
		PositiveTTL:   g.PositiveCacheTTL.DurationValue(),
		NegativeTTL:   g.NegativeCacheTTL.DurationValue(),
		MaxEntries:    g.CacheMaxEntries,
		SweepInterval: g.CacheSweepInterval.DurationValue(),
		Logger:        logger,
	})
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.registry = registry.New(registry.Options{
		ConfigStore:  cs,
		Logger:       logger,
		FilterPolicy: g.Policy(),
	})
	rt.metrics = metrics.NewProm()
	rt.registry.OnChange(func(ev registry.ChangeEvent) {
		rt.metrics.IncStoreChange(string(ev.Kind))
	})

	index, err := pathindex.New(g.PathIndexMaxEntries)
	if err != nil {
		rt.close()
		return nil, err
	}
	hosted, err := fetch.NewHosted(g.HostedStoragePath)
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.engine, err = resolve.New(resolve.Options{
		Registry: rt.registry,
		Cache:    rt.cache,
		Index:    index,
		Locks: locks.New(locks.Options{
			WaitTimeout:  g.LockWaitTimeout.DurationValue(),
			FetchTimeout: g.FetchTimeout.DurationValue(),
		}),
		Hosted:             hosted,
		Remote:             fetch.NewRemote(fetch.RemoteOptions{UpstreamTimeout: g.UpstreamTimeout.DurationValue()}),
		Storage:            hosted,
		Logger:             logger,
		Metrics:            rt.metrics,
		TransientThreshold: g.TransientNegativeThreshold,
	})
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.app, err = server.NewApp(server.AppOptions{
		Logger:         logger,
		Content:        rt.engine,
		Registry:       rt.registry,
		Metrics:        rt.metrics,
		MetricsHandler: rt.metrics.Handler(),
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	routes.RegisterDiagnosticRoutes(rt.app, rt.registry)
	return rt, nil
}

// lifecycle 注册各阶段钩子。优先级越高越先执行。
func (rt *service) lifecycle() *lifecycle.Manager {
	b := lifecycle.NewBuilder(rt.logger)

	b.Boot(lifecycle.Hook{ID: "registry_load", Priority: 90, Fn: rt.registry.Load})
	b.Migration(lifecycle.MigrationHook{ID: "seed_stores", Priority: 50, Fn: rt.seedStores})

	b.Startup(lifecycle.Hook{ID: "cache_sweeper", Priority: 90, Fn: func(context.Context) error {
		rt.cache.Start()
		return nil
	}})
	b.Startup(lifecycle.Hook{ID: "event_relay", Priority: 50, Fn: rt.startRelay})
	b.Startup(lifecycle.Hook{ID: "http_server", Priority: 10, Fn: rt.listen})

	b.Shutdown(lifecycle.Hook{ID: "http_server", Priority: 90, Fn: func(ctx context.Context) error {
		return rt.app.ShutdownWithContext(ctx)
	}})
	b.Shutdown(lifecycle.Hook{ID: "event_relay", Priority: 50, Fn: func(context.Context) error {
		rt.stopRelay()
		return nil
	}})
	b.Shutdown(lifecycle.Hook{ID: "cache_sweeper", Priority: 30, Fn: func(context.Context) error {
		rt.cache.Stop()
		return nil
	}})
	b.Shutdown(lifecycle.Hook{ID: "close_backends", Priority: 10, Fn: func(context.Context) error {
		return rt.close()
	}})
	return b.Build()
}

// seedStores 写入配置文件中声明、但 Registry 里尚不存在的仓库。已存在的仓库保持不变。
func (rt *service) seedStores(ctx context.Context) (bool, error) {
	changed := false
	for _, sc := range rt.cfg.Stores {
		s, err := sc.ToStore()
		if err != nil {
			return changed, fmt.Errorf("seed %s:%s: %w", sc.Type, sc.Name, err)
		}
		key := store.KeyOf(s)
		if _, exists := rt.registry.Get(key); exists {
			continue
		}
		if _, err := rt.registry.Put(ctx, s, registry.PutOptions{
			User:    seedUser,
			Summary: "seeded from configuration",
		}); err != nil {
			return changed, fmt.Errorf("seed %s: %w", key, err)
		}
		changed = true
	}
	return changed, nil
}

func (rt *service) startRelay(context.Context) error {
	ev := rt.cfg.Events
	if ev.NatsURL == "" {
		return nil
	}
	nc, err := events.Connect(ev.NatsURL, rt.logger)
	if err != nil {
		return err
	}
	relay := events.NewRelay(nc, ev.SubjectPrefix, rt.logger)
	if err := relay.Start(rt.registry, relayBufferSize); err != nil {
		nc.Close()
		return err
	}
	rt.nc, rt.relay = nc, relay
	return nil
}

func (rt *service) stopRelay() {
	if rt.relay != nil {
		rt.relay.Stop()
		rt.relay = nil
	}
	if rt.nc != nil {
		if err := rt.nc.Drain(); err != nil {
			rt.nc.Close()
		}
		rt.nc = nil
	}
}

// listen 同步绑定端口，端口占用会让启动阶段失败；随后在后台处理请求。
func (rt *service) listen(context.Context) error {
	addr := net.JoinHostPort("", strconv.Itoa(rt.cfg.Global.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	rt.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   rt.cfg.Global.ListenPort,
	}).Info("Fiber 服务启动")
	go func() {
		rt.serveErr <- rt.app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	return nil
}

// close 释放配置存储与内容后端持有的连接。
func (rt *service) close() error {
	var errs []error
	if rt.configStore != nil {
		if err := rt.configStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("config store: %w", err))
		}
		rt.configStore = nil
	}
	if closer, ok := rt.backend.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("content backend: %w", err))
		}
		rt.backend = nil
	}
	return errors.Join(errs...)
}

func openConfigStore(cfg config.ConfigStoreConfig) (configstore.ConfigStore, error) {
	switch cfg.Backend {
	case "memory":
		return configstore.NewMemoryStore(), nil
	case "file":
		return configstore.NewFileStore(cfg.Dir)
	case "redis":
		return configstore.NewRedisStore(cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unsupported config store backend %q", cfg.Backend)
	}
}

func openContentBackend(cfg *config.Config) (cache.Backend, error) {
	switch cfg.ContentBackend.Backend {
	case "disk":
		return cache.NewDiskBackend(cfg.Global.StoragePath)
	case "redis":
		return cache.NewRedisBackend(cfg.ContentBackend.RedisURL)
	default:
		return nil, fmt.Errorf("unsupported content backend %q", cfg.ContentBackend.Backend)
	}
}
