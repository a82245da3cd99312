package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/wilsongn/Whatslike-sub000/internal/auth"
	"github.com/wilsongn/Whatslike-sub000/internal/config"
	"github.com/wilsongn/Whatslike-sub000/internal/logging"
	"github.com/wilsongn/Whatslike-sub000/internal/mesh"
	"github.com/wilsongn/Whatslike-sub000/internal/offline"
	"github.com/wilsongn/Whatslike-sub000/internal/registry"
	"github.com/wilsongn/Whatslike-sub000/internal/server"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	deps, cleanup, err := buildDependencies(ctx, cfg, logger, reg)
	if err != nil {
		logger.Fatal("init dependencies", zap.Error(err))
	}
	defer cleanup()

	srv, err := server.NewNodeServer(cfg, logger, deps)
	if err != nil {
		logger.Fatal("init server", zap.Error(err))
	}

	logger.Info("starting relay node",
		zap.String("node_id", cfg.NodeID),
		zap.String("backend", cfg.Backend),
		zap.String("offline_backend", cfg.Offline.Backend),
		zap.String("auth_mode", cfg.Auth.Mode),
	)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func buildDependencies(ctx context.Context, cfg config.Config, log *zap.Logger, reg *prometheus.Registry) (server.Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (server.Dependencies, func(), error) {
		cleanup()
		return server.Dependencies{}, func() {}, err
	}

	deps := server.Dependencies{Registry: reg}
	busMetrics := mesh.NewMetrics(reg)

	authn, err := auth.New(auth.Config{
		Mode:         cfg.Auth.Mode,
		Users:        cfg.Auth.Users,
		JWTSecretEnv: cfg.Auth.JWTSecretEnv,
	})
	if err != nil {
		return fail(err)
	}
	deps.Auth = authn

	var client *redis.Client
	if cfg.UsesRedis() {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { _ = client.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fail(fmt.Errorf("redis ping %s: %w", cfg.Redis.Address, err))
		}
	}

	switch cfg.Backend {
	case config.BackendRedis:
		rc := registry.RedisConfig{Client: client, KeyPrefix: cfg.Redis.KeyPrefix}
		if deps.Presence, err = registry.NewRedisPresence(rc); err != nil {
			return fail(err)
		}
		if deps.Groups, err = registry.NewRedisGroups(rc); err != nil {
			return fail(err)
		}
		if deps.Bus, err = mesh.NewRedisBus(mesh.RedisBusConfig{
			Client:    client,
			NodeID:    cfg.NodeID,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Log:       log,
			Metrics:   busMetrics,
		}); err != nil {
			return fail(err)
		}
	default:
		log.Warn("using in-memory presence, groups and bus; cross-node routing is disabled")
		deps.Presence = registry.NewInMemoryPresence()
		deps.Groups = registry.NewInMemoryGroups(0)
		deps.Bus = mesh.NewMemoryHub().Bus(cfg.NodeID, busMetrics)
	}

	switch cfg.Offline.Backend {
	case config.BackendRedis:
		sink, err := offline.NewRedisSink(offline.RedisSinkConfig{
			Client: client,
			Stream: cfg.Offline.Stream,
			MaxLen: cfg.Offline.MaxLen,
		})
		if err != nil {
			return fail(err)
		}
		deps.Offline = sink
	case config.BackendBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Offline.BoltPath), 0o750); err != nil {
			return fail(fmt.Errorf("create offline dir: %w", err))
		}
		sink, err := offline.OpenBoltSink(cfg.Offline.BoltPath)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() {
			if err := sink.Close(); err != nil {
				log.Warn("close offline store", zap.Error(err))
			}
		})
		deps.Offline = sink
	default:
		deps.Offline = offline.NewMemorySink()
	}

	return deps, cleanup, nil
}
