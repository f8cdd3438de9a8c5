package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	appmetering "github.com/pagemagic/meter/internal/application/metering"
	"github.com/pagemagic/meter/internal/domain/metering"
	"github.com/pagemagic/meter/internal/domain/shared"
	"github.com/pagemagic/meter/internal/infrastructure/billing"
	"github.com/pagemagic/meter/internal/infrastructure/cache"
	"github.com/pagemagic/meter/internal/infrastructure/config"
	"github.com/pagemagic/meter/internal/infrastructure/event"
	"github.com/pagemagic/meter/internal/infrastructure/logger"
	"github.com/pagemagic/meter/internal/infrastructure/persistence"
	"github.com/pagemagic/meter/internal/infrastructure/scheduler"
	"github.com/pagemagic/meter/internal/infrastructure/telemetry"
	"github.com/pagemagic/meter/internal/interfaces/http/handler"
	"github.com/pagemagic/meter/internal/interfaces/http/middleware"
	"github.com/pagemagic/meter/internal/interfaces/http/router"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	baseLog, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	log := baseLog

	ctx := context.Background()

	// Telemetry
	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    cfg.App.Version,
		Insecure:          cfg.Telemetry.Insecure,
	}, baseLog)
	if err != nil {
		baseLog.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}

	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.MetricsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.ExportInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    cfg.App.Version,
		Insecure:          cfg.Telemetry.Insecure,
	}, baseLog)
	if err != nil {
		baseLog.Fatal("Failed to initialize meter provider", zap.Error(err))
	}

	loggerProvider, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.LogsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    cfg.App.Version,
		Insecure:          cfg.Telemetry.Insecure,
	}, baseLog)
	if err != nil {
		baseLog.Fatal("Failed to initialize logger provider", zap.Error(err))
	}
	if loggerProvider.IsEnabled() {
		level, _ := logger.ParseLevel(cfg.Log.Level)
		log = telemetry.NewBridgedLogger(baseLog, telemetry.NewZapOTELCore(telemetry.ZapBridgeConfig{
			ServiceName:    cfg.Telemetry.ServiceName,
			LoggerProvider: loggerProvider,
			Level:          level,
		}))
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting meter service",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	var meteringMetrics *telemetry.MeteringMetrics
	var httpMeter metric.Meter
	if meterProvider.IsEnabled() {
		httpMeter = meterProvider.Meter("http.server")
		meteringMetrics, err = telemetry.NewMeteringMetrics(meterProvider.Meter("metering"), log)
		if err != nil {
			log.Warn("Failed to create metering metrics, continuing without them", zap.Error(err))
		}
	}

	// Database
	db, err := persistence.NewDatabase(&cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := telemetry.RegisterDBTracing(db.DB, telemetry.DBTracingConfig{
		Enabled:    cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled,
		DBName:     cfg.Database.DBName,
		LogFullSQL: cfg.Telemetry.DBLogFullSQL,
	}, log); err != nil {
		log.Fatal("Failed to register database tracing", zap.Error(err))
	}

	// Meter registry
	defs, err := cfg.MeterDefinitions()
	if err != nil {
		log.Fatal("Invalid meter configuration", zap.Error(err))
	}
	registry, err := metering.NewRegistry(defs...)
	if err != nil {
		log.Fatal("Invalid meter configuration", zap.Error(err))
	}
	log.Info("Meter registry loaded", zap.Strings("meters", registry.Names()))

	// Repositories
	eventRepo := persistence.NewGormUsageEventRepository(db.DB)
	bucketRepo := persistence.NewGormMeterBucketRepository(db.DB)

	// Application services
	aggregator := appmetering.NewAggregator(registry, eventRepo, bucketRepo, log.Named("aggregator"), appmetering.AggregatorConfig{
		Granularity:    cfg.Metering.Granularity,
		StorageTimeout: cfg.Metering.StorageTimeout,
	})
	aggregator.SetMetrics(meteringMetrics)
	batchProcessor := appmetering.NewBatchProcessor(aggregator, log.Named("batch"))
	queryService := appmetering.NewUsageQueryService(registry, bucketRepo, log.Named("usage-query"),
		cfg.Metering.QueryLimit, cfg.Metering.StorageTimeout)

	// Billing client
	billingClient := newBillingClient(cfg, log)

	// Sync lease
	leaseStore := newLeaseStore(cfg, log)

	dispatcher := appmetering.NewSyncDispatcher(registry, bucketRepo, billingClient, log.Named("sync"), appmetering.SyncConfig{
		GraceWindow:    cfg.Metering.GraceWindow,
		BatchLimit:     cfg.Metering.SyncBatchLimit,
		StorageTimeout: cfg.Metering.StorageTimeout,
		BillingTimeout: cfg.Metering.BillingTimeout,
		MaxAttempts:    cfg.Metering.MaxSyncAttempts,
		RetryBaseDelay: cfg.Metering.RetryBaseDelay,
		RetryMaxDelay:  cfg.Metering.RetryMaxDelay,
		LeaseTTL:       cfg.Metering.LeaseTTL,
	}, appmetering.WithLeaseStore(leaseStore))
	dispatcher.SetMetrics(meteringMetrics)

	// Scheduler
	syncScheduler, err := scheduler.NewSyncScheduler(dispatcher, log, scheduler.SyncSchedulerConfig{
		Enabled:    cfg.Metering.SyncEnabled,
		Interval:   cfg.Metering.SyncInterval,
		RunTimeout: cfg.Metering.SyncTimeout,
		RunOnStart: true,
	})
	if err != nil {
		log.Fatal("Failed to create sync scheduler", zap.Error(err))
	}
	if err := syncScheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start sync scheduler", zap.Error(err))
	}

	// Kafka consumer (optional)
	var consumer *event.UsageEventConsumer
	if cfg.Kafka.Enabled {
		consumerCfg := event.KafkaConsumerConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			GroupID:  cfg.Kafka.GroupID,
			MinBytes: cfg.Kafka.MinBytes,
			MaxBytes: cfg.Kafka.MaxBytes,
			MaxWait:  cfg.Kafka.MaxWait,
		}
		consumer = event.NewUsageEventConsumer(event.NewKafkaReader(consumerCfg), aggregator, consumerCfg, log)
		if err := consumer.Start(ctx); err != nil {
			log.Fatal("Failed to start usage event consumer", zap.Error(err))
		}
	}

	// HTTP
	if err := middleware.SetupValidator(); err != nil {
		log.Fatal("Failed to set up request validation", zap.Error(err))
	}
	engine := router.NewEngine(router.EngineConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		Production:     cfg.App.Env == "production",
		TracingEnabled: cfg.Telemetry.Enabled,
		Meter:          httpMeter,
		TrustedProxies: cfg.HTTP.TrustedProxies,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		MaxBodySize:    cfg.HTTP.MaxBodySize,
		HSTS:           cfg.HTTP.HSTS,
	}, log)

	healthHandler := handler.NewHealthHandler(cfg.App.Name, cfg.App.Version, db)

	meteringHandler := handler.NewMeteringHandler(registry, aggregator, batchProcessor, queryService, dispatcher,
		handler.MeteringHandlerConfig{MaxBatchSize: cfg.HTTP.MaxBatchSize})
	router.NewRouter(engine, router.WithAPIVersion("v1"), router.WithProbe("/health", healthHandler.Health)).
		Register(meteringHandler).
		Setup()

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if consumer != nil {
		if err := consumer.Stop(shutdownCtx); err != nil {
			log.Error("Error stopping usage event consumer", zap.Error(err))
		}
	}
	if err := syncScheduler.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping sync scheduler", zap.Error(err))
	}
	if err := leaseStore.Close(); err != nil {
		log.Error("Error closing lease store", zap.Error(err))
	}
	if err := db.Close(); err != nil {
		log.Error("Error closing database", zap.Error(err))
	}
	_ = tracerProvider.Shutdown(shutdownCtx)
	_ = meterProvider.Shutdown(shutdownCtx)
	_ = loggerProvider.Shutdown(shutdownCtx)

	log.Info("Server exited gracefully")
}

// newBillingClient builds the Stripe meter event client behind the rate limiter
// and circuit breaker. Without an API key every delivery fails and buckets stay unsynced.
func newBillingClient(cfg *config.Config, log *zap.Logger) metering.BillingClient {
	if cfg.Stripe.SecretKey == "" {
		log.Warn("Stripe secret key not set, billing sync will fail until configured")
		return billing.UnconfiguredClient{}
	}

	stripeClient, err := billing.NewStripeMeterClient(&billing.StripeConfig{
		SecretKey:          cfg.Stripe.SecretKey,
		APIURL:             cfg.Stripe.APIURL,
		CustomerPayloadKey: cfg.Stripe.CustomerPayloadKey,
	}, log.Named("stripe"))
	if err != nil {
		log.Fatal("Failed to create Stripe client", zap.Error(err))
	}

	return billing.NewResilientBillingClient(stripeClient, billing.ResilienceConfig{
		Name:               "stripe-meter-events",
		RateLimit:          cfg.Stripe.RateLimit,
		RateBurst:          cfg.Stripe.RateBurst,
		BreakerMaxFailures: cfg.Stripe.BreakerMaxFailures,
		BreakerTimeout:     cfg.Stripe.BreakerTimeout,
	}, log.Named("billing"))
}

// newLeaseStore returns the Redis lease store when Redis is enabled, otherwise
// a process-local store that only serializes passes within this instance.
func newLeaseStore(cfg *config.Config, log *zap.Logger) shared.LeaseStore {
	if !cfg.Redis.Enabled {
		log.Info("Redis disabled, sync lease is process-local")
		return cache.NewInMemoryLeaseStore()
	}

	store, err := cache.NewRedisLeaseStore(cache.RedisConfig{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	log.Info("Redis sync lease enabled", zap.String("addr", cfg.Redis.Addr()))
	return store
}
