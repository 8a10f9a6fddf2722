package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/huguesloyatho/proxydash-sub001/internal/auth"
	"github.com/huguesloyatho/proxydash-sub001/internal/collector"
	"github.com/huguesloyatho/proxydash-sub001/internal/database"
	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	"github.com/huguesloyatho/proxydash-sub001/internal/hub"
	"github.com/huguesloyatho/proxydash-sub001/internal/metrics"
	"github.com/huguesloyatho/proxydash-sub001/internal/platform/config"
	"github.com/huguesloyatho/proxydash-sub001/internal/platform/logging"
	"github.com/huguesloyatho/proxydash-sub001/internal/platform/retry"
	"github.com/huguesloyatho/proxydash-sub001/internal/platform/version"
	"github.com/huguesloyatho/proxydash-sub001/internal/redis"
	"github.com/huguesloyatho/proxydash-sub001/internal/server"
	"github.com/huguesloyatho/proxydash-sub001/internal/widget"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

func runGracefulShutdown(srv *server.Server, h *hub.Hub, stopBackground context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		// Close sockets first so hijacked connections do not hold up the HTTP shutdown.
		h.Stop()
		stopBackground()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func logRetry(service string) func(attempt int, err error, backoff time.Duration) {
	return func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Backing service not ready, retrying", "service", service, "attempt", attempt, "backoff", backoff, "error", err)
	}
}

func setupDB(ctx context.Context, cfg *config.Config) *pgxpool.Pool {
	policy := retry.StartupPolicy
	policy.OnRetry = logRetry("postgres")

	db, err := retry.Value(ctx, policy, func(ctx context.Context) (*pgxpool.Pool, error) {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return database.Connect(connectCtx, cfg.DatabaseURL)
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := database.RunMigrations(migrateCtx, db); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return db
}

// setupRedis returns nil when no widget type is served from Redis.
func setupRedis(ctx context.Context, cfg *config.Config) *goredis.Client {
	if len(cfg.RedisTypes()) == 0 {
		return nil
	}

	policy := retry.StartupPolicy
	policy.OnRetry = logRetry("redis")

	client, err := retry.Value(ctx, policy, func(ctx context.Context) (*goredis.Client, error) {
		return redis.NewClient(ctx, cfg.RedisURL)
	})
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupCollectors(cfg *config.Config, redisClient *goredis.Client, clock clockwork.Clock) *collector.Registry {
	timeouts, err := cfg.CollectorTimeouts()
	if err != nil {
		slog.Error("Invalid collector timeouts", "error", err)
		os.Exit(1)
	}

	registry := collector.NewRegistry(cfg.CollectorTimeout, timeouts, clock)
	collector.RegisterBuiltins(registry, clock)

	if redisClient != nil {
		snapshots := redis.NewSnapshotCollector(redisClient)
		for _, widgetType := range cfg.RedisTypes() {
			registry.Register(widgetType, snapshots)
		}
	}

	slog.Info("Collectors registered", "types", registry.Types())
	return registry
}

func hubConfig(cfg *config.Config) hub.Config {
	return hub.Config{
		MaxConnections:           cfg.MaxConnections,
		SendQueueSize:            cfg.SendQueueSize,
		OverflowPolicy:           domain.OverflowPolicy(cfg.OverflowPolicy),
		MaxSendFailures:          cfg.MaxSendFailures,
		MaxProtocolErrors:        cfg.MaxProtocolErrors,
		HeartbeatInterval:        cfg.HeartbeatInterval,
		HeartbeatMissedThreshold: cfg.HeartbeatMissedThreshold,
		CacheTTL:                 cfg.CacheTTL,
		NegativeTTL:              cfg.CacheNegativeTTL,
		IdleWindow:               cfg.CacheIdleWindow,
		SweepInterval:            cfg.CacheSweepInterval,
		RefreshTick:              cfg.RefreshTick,
		RefreshConcurrency:       cfg.RefreshConcurrency,
	}
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	info := version.Get()
	metrics.BuildInfo.WithLabelValues(info.Version, info.Commit, info.BuildTime, info.GoVersion).Set(1)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", info.Short())

	ctx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	pool := setupDB(ctx, cfg)
	defer pool.Close()

	redisClient := setupRedis(ctx, cfg)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	widgets := widget.NewCachedSource(database.NewWidgetRepo(pool), cfg.WidgetCacheTTL, clock)
	go widgets.RunEviction(ctx, time.Minute)

	collectors := setupCollectors(cfg, redisClient, clock)

	h := hub.New(hubConfig(cfg), widgets, collectors, clock)
	h.Start()

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.AuthRequired, clock)
	if !verifier.Enabled() {
		slog.Warn("JWT_SECRET not set, all clients connect anonymously")
	}

	// Pass nil explicitly to avoid a typed-nil interface.
	var redisHealth server.RedisPinger
	if redisClient != nil {
		redisHealth = redisClient
	}
	srv := server.NewServer(cfg, h, verifier, pool, redisHealth, clock)

	done := runGracefulShutdown(srv, h, stopBackground)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
