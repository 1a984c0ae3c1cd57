package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diatonic-ai/nexus-metering/internal/billing"
	"github.com/diatonic-ai/nexus-metering/internal/config"
	"github.com/diatonic-ai/nexus-metering/internal/gateway"
	"github.com/diatonic-ai/nexus-metering/internal/metering"
	"github.com/diatonic-ai/nexus-metering/internal/secrets"
	"github.com/diatonic-ai/nexus-metering/internal/store"
	"github.com/diatonic-ai/nexus-metering/pkg/cache"
	"github.com/diatonic-ai/nexus-metering/pkg/database"
	"github.com/diatonic-ai/nexus-metering/pkg/events"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting Nexus metering plane")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	// Resolve secrets. A mounted secret volume takes precedence over env vars.
	secretSource := buildSecretSource()

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 10*time.Second)
	webhookSecret, err := secretSource.Get(startupCtx, cfg.Billing.WebhookSigningSecret)
	if err != nil {
		startupCancel()
		logger.Fatal("failed to resolve webhook signing secret", zap.Error(err))
	}
	stripeAPIKey, err := secretSource.Get(startupCtx, cfg.Billing.StripeAPIKeySecret)
	if err != nil {
		startupCancel()
		logger.Fatal("failed to resolve Stripe API key", zap.Error(err))
	}
	// Initialize database
	db, err := database.NewDatabase(startupCtx, cfg.Database)
	if err != nil {
		startupCancel()
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	startupCancel()
	defer db.Close()
	logger.Info("connected to database")

	// Initialize Redis cache
	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	// Initialize event bus
	eventBus := events.NewBus(logger)
	logger.Info("initialized event bus")

	// Durable store
	st := store.NewPostgres(db)

	// Usage emission
	retention := time.Duration(cfg.Metering.RetentionDays) * 24 * time.Hour
	emitter := metering.NewEmitter(st, metering.NewPriceTable(), logger, cfg.Metering.EmitTimeout, retention)
	logger.Info("initialized usage emitter",
		zap.Int("retention_days", cfg.Metering.RetentionDays),
	)

	// Webhook pipeline: signature check, idempotency guard, typed dispatch
	guard := billing.NewGuard(st, logger)
	router := billing.NewRouter(logger)
	handlers := billing.NewHandlers(st, eventBus, logger)
	handlers.Register(router)
	webhookHandler := billing.NewWebhookHandler(webhookSecret, guard, router, logger)
	logger.Info("initialized webhook handler")

	// Aggregation pipeline: daily rollups, Stripe sync, retention sweep
	syncer := billing.NewStripeSyncer(stripeAPIKey, cfg.Billing.SyncTimeout, logger)
	aggregator := billing.NewAggregator(
		st, st, st,
		syncer,
		redisCache,
		eventBus,
		logger,
		cfg.Billing.LeaseTTL,
		cfg.Metering.SweepBatchSize,
	)
	logger.Info("initialized aggregator")

	// Start background services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := billing.NewScheduler(aggregator, logger)
	if err := scheduler.Start(ctx,
		cfg.Billing.AggregationSchedule,
		cfg.Billing.IntradaySchedule,
		cfg.Billing.SyncRetrySchedule,
		cfg.Metering.SweepSchedule,
	); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}

	// Initialize API gateway
	gw := gateway.NewGateway(db, redisCache, logger, webhookHandler, emitter, st)
	gw.StartHealthMetrics(ctx)
	logger.Info("initialized API gateway")

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	scheduler.Stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

func buildSecretSource() secrets.Source {
	if dir := os.Getenv("SECRETS_DIR"); dir != "" {
		return secrets.Chain{secrets.FileSource{Dir: dir}, secrets.EnvSource{}}
	}
	return secrets.EnvSource{}
}
