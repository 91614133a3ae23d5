package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Burlarad/SolaraInsights.com-sub003/internal/archive"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/budget"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/config"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/coordinator"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/genai"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/handlers"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/httpserver"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/lock"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/metrics"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/ratelimit"
	"github.com/Burlarad/SolaraInsights.com-sub003/internal/store"
	"github.com/Burlarad/SolaraInsights.com-sub003/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("solara exited with error: %v", err)
	}
}

func run() error {
	// ----- Logger -----
	logger := logging.DefaultLogger()
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	// ----- Config -----
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("cache_backend", cfg.CacheBackend),
		zap.String("logic_version", cfg.LogicVersion),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.Bool("archive_enabled", cfg.PostgresDSN != ""),
		zap.Duration("lock_ttl", cfg.LockTTL),
		zap.Duration("content_ttl", cfg.ContentTTL),
		zap.Int64("daily_budget_units", cfg.DailyBudgetUnits),
	)

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.CacheBackend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established",
			zap.String("addr", cfg.RedisAddr),
		)
	}

	// ----- Shared coordination store -----
	sharedStore := store.NewStore(store.Config{
		Backend: cfg.CacheBackend,
		Prefix:  cfg.KeyPrefix,
	}, redisClient)
	sharedStore = store.NewLoggingStore(sharedStore)

	// ----- Durable archive (optional, generate-once content) -----
	var arc archive.Archive
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
		if err != nil {
			logger.Error("postgres connection failed", zap.Error(err))
			return err
		}
		defer pool.Close()

		if err := pool.Ping(context.Background()); err != nil {
			logger.Error("postgres ping failed", zap.Error(err))
			return err
		}
		logger.Info("postgres connection established")
		arc = archive.NewPostgresArchive(pool)
	}

	// ----- Generation client -----
	if cfg.GenAPIKey == "" {
		return fmt.Errorf("GEN_API_KEY is required")
	}

	genClient, err := genai.NewClient(genai.Config{
		BaseURL:         cfg.GenBaseURL,
		APIKey:          cfg.GenAPIKey,
		Model:           cfg.GenModel,
		UpstreamTimeout: cfg.GenerationTimeout,
	}, logger)
	if err != nil {
		return err
	}
	defer genClient.Close()

	// ----- Guards -----
	locks := lock.NewManager(sharedStore, cfg.LockTTL)
	limiter := ratelimit.NewLimiter(sharedStore, ratelimit.Config{
		Cooldown:        cfg.Cooldown,
		BurstLimit:      cfg.BurstLimit,
		BurstWindow:     cfg.BurstWindow,
		SustainedLimit:  cfg.SustainedLimit,
		SustainedWindow: cfg.SustainedWindow,
	})
	guard := budget.NewGuard(sharedStore, cfg.DailyBudgetUnits)

	// ----- Coordinator -----
	coord := coordinator.New(sharedStore, locks, limiter, guard, genClient, arc, coordinator.Config{
		LogicVersion:        cfg.LogicVersion,
		ContentTTL:          cfg.ContentTTL,
		IdempotencyTTL:      cfg.IdempotencyTTL,
		GenerationTimeout:   cfg.GenerationTimeout,
		WaitPollInterval:    cfg.WaitPollInterval,
		WaitPollMaxAttempts: cfg.WaitPollMaxAttempts,
	})

	// ----- Handlers -----
	readingHandler := handlers.NewReadingHandler(coord)

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, readingHandler)

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting solara reading service",
		zap.String("addr", srv.Addr),
		zap.String("cache_backend", cfg.CacheBackend),
		zap.String("logic_version", cfg.LogicVersion),
	)

	// Start server in background
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}
