package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	achttp "github.com/halcyon-sec/aegiscore/internal/adapter/http"
	acnats "github.com/halcyon-sec/aegiscore/internal/adapter/nats"
	"github.com/halcyon-sec/aegiscore/internal/adapter/otel"
	"github.com/halcyon-sec/aegiscore/internal/adapter/postgres"
	"github.com/halcyon-sec/aegiscore/internal/adapter/ristretto"
	"github.com/halcyon-sec/aegiscore/internal/adapter/ws"
	"github.com/halcyon-sec/aegiscore/internal/config"
	"github.com/halcyon-sec/aegiscore/internal/logger"
	"github.com/halcyon-sec/aegiscore/internal/middleware"
	"github.com/halcyon-sec/aegiscore/internal/resilience"
	"github.com/halcyon-sec/aegiscore/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"queue_high_water_mark", cfg.Router.HighWaterMark,
		"heartbeat_timeout", cfg.Registry.HeartbeatTimeout,
	)

	ctx := context.Background()

	// --- Infrastructure ---

	// PostgreSQL
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	version, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("migration version: %w", err)
	}
	slog.Info("migrations applied", "version", version)

	// NATS JetStream
	queue, err := acnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()
	slog.Info("nats connected", "url", cfg.NATS.URL)

	// Audit cache
	auditCache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer auditCache.Close()

	// Telemetry (optional)
	var metrics *otel.Metrics
	if cfg.Telemetry.Enabled {
		shutdownOtel, err := otel.Setup(ctx, cfg.Logging.Service, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownOtel(shutdownCtx); err != nil {
				slog.Warn("telemetry shutdown", "error", err)
			}
		}()
		metrics, err = otel.NewMetrics()
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		slog.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
	}

	// --- Services ---
	hub := ws.NewHub()
	store := postgres.NewStore(pool)

	registry := service.NewRegistryService(store, hub, metrics, cfg.Registry, log)
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	router := service.NewRouterService(registry, queue, store, hub, metrics, breaker, cfg.Router, log)
	sweeper := service.NewSweeperService(registry, router, cfg, log)
	resolver := service.NewResolverService(router, queue, store, hub, metrics, cfg.Resolver, log)
	audit := service.NewAuditService(store, auditCache, cfg.Cache, log)

	// Startup recovery: rebuild the registry first so restored work can
	// find its agents, then requeue whatever was in flight.
	if err := registry.Restore(ctx); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}
	if err := router.Restore(ctx); err != nil {
		return fmt.Errorf("restore work queue: %w", err)
	}

	// NATS subscribers
	if err := registry.StartSubscribers(ctx, queue); err != nil {
		return fmt.Errorf("registry subscribers: %w", err)
	}
	if err := resolver.Start(ctx); err != nil {
		return fmt.Errorf("resolver subscribers: %w", err)
	}

	// Background loops
	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	go router.Start(loopCtx)
	go sweeper.Start(loopCtx)

	// --- HTTP ---
	handlers := achttp.NewHandlers(registry, router, resolver, audit, store, hub, queue)

	rateLimiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := rateLimiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopCleanup()

	r := chi.NewRouter()
	r.Use(achttp.CORS(cfg.Server.CORSOrigin))
	r.Use(achttp.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(achttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(rateLimiter.Handler)
	if cfg.Telemetry.Enabled {
		r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	}

	achttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down")

	// Shutdown order: stop accepting HTTP, stop the dispatch and sweep
	// loops, drain NATS subscriptions, then let the deferred pool close
	// run. In-flight work stays in the store for restart recovery.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	cancelLoops()
	if err := queue.Drain(); err != nil {
		slog.Warn("nats drain", "error", err)
	}
	return nil
}
