package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"ecopuntos-rewards/internal/backend"
	"ecopuntos-rewards/internal/cache"
	"ecopuntos-rewards/internal/config"
	"ecopuntos-rewards/internal/database"
	"ecopuntos-rewards/internal/events"
	"ecopuntos-rewards/internal/features"
	"ecopuntos-rewards/internal/handler"
	"ecopuntos-rewards/internal/metrics"
	"ecopuntos-rewards/internal/middleware"
	"ecopuntos-rewards/internal/observability"
	"ecopuntos-rewards/internal/receipts"
	"ecopuntos-rewards/internal/restoration"
	"ecopuntos-rewards/internal/session"
	"ecopuntos-rewards/internal/tracing"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "", "JSON config file path")
	envFile := flag.String("env", "", "Env file path (defaults to ./.env when present)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Log.Development)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal(context.Background(), "server failed", err)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
		Environment: cfg.Tracing.Environment,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.WarnWithError(context.Background(), "tracer shutdown failed", err)
		}
	}()

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer db.Close()

	snapshots, closeCache := openCache(ctx, cfg.Cache, logger)
	defer closeCache()

	flags := features.Defaults(
		cfg.Features.CatalogSnapshots,
		cfg.Features.ServerSideCategoryFilter,
		cfg.Features.ReceiptHistory,
	)

	bus := events.NewManager(true, logger)
	receipts.NewRecorder(db, flags, logger).Subscribe(bus)
	bus.Subscribe(events.EventCatalogFailed, func(ctx context.Context, e events.Event) error {
		if data, ok := e.Data.(events.CatalogFailedData); ok {
			logger.WarnWithError(observability.WithFields(ctx,
				observability.Field{Key: "user_id", Value: data.UserID},
				observability.Field{Key: "catalog_scope", Value: string(data.Category)},
			), "catalog unavailable", data.Err)
		}
		return nil
	})
	defer bus.Shutdown()

	m := metrics.New()
	tracker := restoration.NewTracker(db, logger)

	client := backend.New(backend.Config{
		BaseURL:         cfg.Backend.BaseURL,
		Timeout:         cfg.Backend.TimeoutDuration(),
		CurrentUserPath: cfg.Backend.CurrentUserPath,
		RedeemPath:      cfg.Backend.RedeemPath,
		UserAgent:       "ecopuntos-rewards/" + version,
	})

	sessions := session.NewManager(session.ClientDialer(client), session.Options{
		IdleTimeout: time.Duration(cfg.Session.IdleTimeout) * time.Second,
		SweepEvery:  time.Duration(cfg.Session.SweepEvery) * time.Second,
		Snapshots:   snapshots,
		SnapshotTTL: time.Duration(cfg.Cache.SnapshotTTL) * time.Second,
		Restoration: tracker,
		Features:    flags,
		Events:      bus,
		Metrics:     m,
		Logger:      logger,
	})
	defer sessions.Close()
	go sessions.Run(ctx)

	h := handler.NewHandlerWithOptions(sessions, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
		Receipts:    db,
		Restoration: tracker,
		Features:    flags,
		AdminToken:  cfg.Security.AdminToken,
		Logger:      logger,
	})

	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(observability.Middleware(logger))
	r.Use(m.Middleware)
	r.Use(middleware.TracingMiddleware(cfg.Tracing.ServiceName))

	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second, logger)
		defer limiter.Stop()
		r.Use(middleware.RateLimitMiddleware(limiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Security.Origins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			logger.Error(r.Context(), "database not ready", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())
	h.Register(r)

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(observability.WithFields(ctx,
			observability.Field{Key: "addr", Value: server.Addr},
			observability.Field{Key: "backend", Value: cfg.Backend.BaseURL},
			observability.Field{Key: "database", Value: cfg.Database.Path},
		), "starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openCache connects to Redis when an address is configured and falls back
// to an in-process cache otherwise or when Redis is unreachable.
func openCache(ctx context.Context, cfg config.CacheConfig, logger *observability.Logger) (cache.Cache, func()) {
	if cfg.RedisAddr == "" {
		return cache.NewInMemoryCache(), func() {}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rc, err := cache.NewRedisCache(pingCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Prefix)
	if err != nil {
		logger.WarnWithError(ctx, "redis unavailable, keeping catalog snapshots in memory", err)
		return cache.NewInMemoryCache(), func() {}
	}
	return rc, func() { rc.Close() }
}
