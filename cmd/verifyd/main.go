package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/habitaplus/commission-verify-go/internal/classifier"
	"github.com/habitaplus/commission-verify-go/internal/config"
	"github.com/habitaplus/commission-verify-go/internal/domain"
	"github.com/habitaplus/commission-verify-go/internal/handler"
	"github.com/habitaplus/commission-verify-go/internal/infra/cache"
	"github.com/habitaplus/commission-verify-go/internal/infra/notify"
	"github.com/habitaplus/commission-verify-go/internal/infra/observability"
	"github.com/habitaplus/commission-verify-go/internal/infra/postgrest"
	"github.com/habitaplus/commission-verify-go/internal/infra/resilience"
	"github.com/habitaplus/commission-verify-go/internal/port"
	"github.com/habitaplus/commission-verify-go/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
		zap.Int("batch_concurrency", cfg.BatchConcurrency),
		zap.Duration("stats_cache_ttl", cfg.StatsCacheTTL),
		zap.Float64("min_amount_threshold", cfg.MinAmountThreshold),
		zap.Int("grace_period_days", cfg.GracePeriodDays),
		zap.Int("default_required_slots", cfg.DefaultRequiredSlots),
	)

	if cfg.StoreURL == "" {
		logger.Fatal("STORE_URL is required")
	}

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "commission-verifyd")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
	}
	cb := resilience.NewCircuitBreaker("postgrest")

	// --- Store ---
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	store := postgrest.NewClient(
		httpClient,
		cfg.StoreURL,
		cfg.StoreAPIKey,
		cfg.StoreServiceKey,
		cb,
		resilienceCfg,
		metrics,
		logger,
	)

	// --- Cache ---
	statsCache := cache.New[domain.VerificationStats](cfg.StatsCacheTTL)
	defer statsCache.Close()

	// --- Event publishers ---
	publishers := []port.EventPublisher{notify.NewLogPublisher(logger)}
	if cfg.WebhookURL != "" {
		logger.Info("webhook publisher enabled", zap.String("webhook_url", cfg.WebhookURL))
		publishers = append(publishers, notify.NewWebhookPublisher(httpClient, cfg.WebhookURL, resilienceCfg, metrics, logger))
	}
	dispatcher := notify.NewDispatcher(logger, publishers...)

	// --- Services ---
	cls := classifier.New(classifier.Config{
		MinimumAmountThreshold: cfg.MinAmountThreshold,
		GracePeriodDays:        cfg.GracePeriodDays,
	})
	engine := service.NewVerificationService(
		store,
		store,
		store,
		dispatcher,
		cls,
		statsCache,
		cfg.DefaultRequiredSlots,
		cfg.BatchConcurrency,
		metrics,
		logger,
	)
	statsSvc := service.NewStatsService(store, store, store, statsCache, metrics, logger)

	// --- Router ---
	router := handler.NewRouter(engine, statsSvc, store, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
