// Package main is the entry point for the health-data API server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/cache"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/config"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/database"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/handler"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/jobs"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/middleware"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/notify"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/fieldcrypt"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/keylock"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/policy"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/repository"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/service"
)

func main() {
	// Setup structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Server.Environment == "dev" {
		logHandler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)
	if cfg.Auth.JWTSecret == "" {
		log.Fatalf("auth.jwt_secret is required")
	}

	logger.Info("Starting health-data API",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Connect to PostgreSQL
	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	// Run migrations
	if err := db.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	// Connect to Redis
	redis, err := database.NewRedis(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()
	logger.Info("Connected to Redis")

	// Policy and disclaimer document
	registry, err := policy.Load(cfg.Policy.Path, logger)
	if err != nil {
		log.Fatalf("Failed to load policy: %v", err)
	}
	if cfg.Policy.Watch {
		go func() {
			if err := registry.Watch(ctx); err != nil {
				logger.Error("policy watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	var sealer *fieldcrypt.Sealer
	if cfg.Crypto.NoteKey != "" {
		sealer, err = fieldcrypt.NewFromHex(cfg.Crypto.NoteKey)
		if err != nil {
			log.Fatalf("Invalid crypto.note_key: %v", err)
		}
	} else {
		logger.Warn("crypto.note_key not set; readings with notes will be rejected")
	}

	var snapshots cache.SnapshotCache
	switch cfg.Analytics.CacheBackend {
	case "memory":
		snapshots = cache.NewMemory(cfg.Analytics.CacheTTL)
	default:
		snapshots = cache.NewRedis(redis.Client(), cfg.Analytics.CacheTTL)
	}

	// Repositories
	pool := db.Pool()
	consentRepo := repository.NewConsentRepository(pool)
	readingRepo := repository.NewReadingRepository(pool)
	alertRepo := repository.NewAlertRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)
	lifecycleRepo := repository.NewLifecycleRepository(pool)

	// Services
	locks := keylock.New()
	bus := cache.NewConsentBus(redis)
	auditService := service.NewAuditService(auditRepo, logger)
	consentService := service.NewConsentService(consentRepo, registry, auditService, bus, logger)
	alertService := service.NewAlertService(alertRepo, readingRepo, consentService, locks, cfg.Alerts, logger)
	analyticsService := service.NewAnalyticsService(readingRepo, consentService, snapshots, cfg.Analytics, cfg.Readings.QueryPageSize, logger)
	readingService := service.NewReadingService(readingRepo, consentService, alertService, analyticsService, auditService, sealer, locks,
		service.ReadingServiceConfig{Readings: cfg.Readings, LockTimeout: cfg.Lifecycle.LockTimeout}, logger)
	lifecycleService := service.NewLifecycleService(lifecycleRepo, analyticsService, consentService, bus, auditService, sealer, locks,
		cfg.Lifecycle.LockTimeout, logger)
	disclaimerService := service.NewDisclaimerService(registry, consentService, auditService, logger)

	// Other instances announce consent changes; drop our cached copy.
	go func() {
		if err := bus.Run(ctx, consentService.Forget); err != nil {
			logger.Error("consent bus stopped", slog.String("error", err.Error()))
		}
	}()

	// Alert delivery
	var sweeper jobs.AlertSweeper
	if cfg.Notify.Enabled {
		publisher := notify.NewAMQPPublisher(cfg.Notify.AMQPURL, cfg.Notify.Queue, logger)
		defer publisher.Close()

		dispatcher := notify.NewDispatcher(alertRepo, publisher, notify.DispatcherConfig{
			BatchSize:     cfg.Notify.BatchSize,
			RatePerSecond: cfg.Notify.RatePerSecond,
			Burst:         cfg.Notify.Burst,
		}, logger)
		alertService.OnFire(dispatcher.Kick)
		go dispatcher.Run(ctx)
		sweeper = dispatcher
	}

	scheduler, err := jobs.New(jobs.Config{
		ReminderScan:   cfg.Alerts.ReminderScan,
		ReplayInterval: cfg.Lifecycle.ReplayInterval,
		AuditPurge:     24 * time.Hour,
		AuditRetention: cfg.Lifecycle.AuditRetention,
		AlertSweep:     cfg.Notify.SweepInterval,
	}, jobs.Deps{
		Reminders: alertService,
		Erasures:  lifecycleService,
		Audit:     auditService,
		Alerts:    sweeper,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}
	scheduler.Start()

	// Handlers
	health := handler.NewHealthHandler(map[string]handler.Pinger{
		"database": db,
		"redis":    redis,
	})
	api := &handler.API{
		Consent:   handler.NewConsentHandler(consentService, registry),
		Readings:  handler.NewReadingHandler(readingService),
		Analytics: handler.NewAnalyticsHandler(analyticsService),
		Alerts:    handler.NewAlertHandler(alertService),
		Account:   handler.NewAccountHandler(lifecycleService, logger),
		Chat:      handler.NewChatHandler(disclaimerService),
	}

	// Setup router
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.Server.CORSOrigins))
	r.Use(chimiddleware.Timeout(30 * time.Second))

	// Health check endpoints (no auth required)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// API v1 routes
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth(middleware.AuthConfig{
			SkipPaths: []string{"/v1/policy"},
		}, middleware.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)))

		// Rate limiting keyed by user once authenticated
		r.Use(middleware.RateLimit(redis, middleware.RateLimitConfig{
			RequestsPerMinute: cfg.Server.RateLimit,
			BurstSize:         cfg.Server.RateLimit / 6,
		}))

		api.Mount(r)
	})

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down server", slog.String("signal", sig.String()))

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", slog.String("error", err.Error()))
	}
	if err := scheduler.Stop(); err != nil {
		logger.Error("Scheduler shutdown error", slog.String("error", err.Error()))
	}
	stop()

	logger.Info("Server stopped gracefully")
}
