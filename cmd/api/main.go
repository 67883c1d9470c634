package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rivvi_backend/internal/adapters"
	"rivvi_backend/internal/adapters/storage"
	"rivvi_backend/internal/calls"
	"rivvi_backend/internal/campaigns"
	"rivvi_backend/internal/dedup"
	"rivvi_backend/internal/events"
	"rivvi_backend/internal/exports"
	apphttp "rivvi_backend/internal/http"
	"rivvi_backend/internal/http/router"
	"rivvi_backend/internal/notification"
	"rivvi_backend/internal/runs"
	runsservice "rivvi_backend/internal/runs/service"
	"rivvi_backend/internal/runstate"
	"rivvi_backend/internal/scheduler"
	"rivvi_backend/internal/webhook"
	"rivvi_backend/migrations"
	"rivvi_backend/platform/config"
	"rivvi_backend/platform/db"
	"rivvi_backend/platform/httpkit"
	"rivvi_backend/platform/kv"
	"rivvi_backend/platform/logger"
	"rivvi_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const storageBucketEnsureErrPrefix = "failed to ensure storage bucket exists: "
const storageBucketEnsureErrMsg = "failed to ensure storage bucket exists"

const (
	webhookRateLimit = rate.Limit(100)
	webhookBurst     = 200
	shutdownTimeout  = 10 * time.Second
)

// ensureBucket wraps the retry logic for verifying a MinIO bucket exists.
func ensureBucket(ctx context.Context, log *logger.Logger, storageSvc storage.StorageService, name, bucket string) {
	if err := withRetry(ctx, log, "ensure "+name+" bucket", 5, 2*time.Second, func() error {
		return storageSvc.EnsureBucketExists(ctx, bucket)
	}); err != nil {
		log.Error(storageBucketEnsureErrMsg, "error", err, "bucket", bucket)
		panic(storageBucketEnsureErrPrefix + err.Error())
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize structured logger
	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()
	log.Info("database connection established")

	if cfg.MigrationsEnabled {
		if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
			return db.RunMigrations(ctx, pool, migrations.FS)
		}); err != nil {
			log.Error("failed to run database migrations", "error", err)
			panic("failed to run database migrations: " + err.Error())
		}
		log.Info("database migrations complete")
	}

	var rdb *redis.Client
	if err := withRetry(ctx, log, "redis connection", 5, 2*time.Second, func() error {
		c, err := kv.NewClient(ctx, cfg)
		if err != nil {
			return err
		}
		rdb = c
		return nil
	}); err != nil {
		log.Error("failed to connect to redis", "error", err)
		panic("failed to connect to redis: " + err.Error())
	}
	defer func() { _ = rdb.Close() }()

	// Event bus for decoupled communication between modules
	eventBus := events.NewInMemoryBus(log)

	// Shared validator instance for dependency injection
	val := validator.New()

	// Storage service for source files and raw call events (MinIO)
	storageSvc, err := storage.NewMinIOService(cfg)
	if err != nil {
		log.Error("failed to initialize storage service", "error", err)
		panic("failed to initialize storage service: " + err.Error())
	}
	ensureBucket(ctx, log, storageSvc, "raw-uploads", cfg.GetMinioBucketRawUploads())
	ensureBucket(ctx, log, storageSvc, "processed-data", cfg.GetMinioBucketProcessedData())
	ensureBucket(ctx, log, storageSvc, "call-events", cfg.GetMinioBucketCallEvents())
	log.Info(
		"storage service initialized",
		"rawUploadsBucket", cfg.GetMinioBucketRawUploads(),
		"processedDataBucket", cfg.GetMinioBucketProcessedData(),
		"callEventsBucket", cfg.GetMinioBucketCallEvents(),
	)

	queueClient, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize scheduler client", "error", err)
		panic("failed to initialize scheduler client: " + err.Error())
	}
	defer func() { _ = queueClient.Close() }()

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

	runStates := runstate.NewStore(rdb, eventBus, log)

	callsRepo := calls.NewRepository(pool)
	resolver := dedup.NewEngine(dedup.NewRedisIndex(rdb), callsRepo.Patients(nil), log)

	campaignsModule := campaigns.NewModule(pool, val, log)

	runsModule := runs.NewModule(pool, runsservice.Deps{
		State:     runStates,
		Campaigns: adapters.NewCampaignChecker(campaignsModule.Repository()),
		Patients:  resolver,
		Calls:     calls.NewService(callsRepo, resolver, log),
		Scheduler: queueClient,
		Store:     storageSvc,
		Buckets: runsservice.Buckets{
			RawUploads:    cfg.GetMinioBucketRawUploads(),
			ProcessedData: cfg.GetMinioBucketProcessedData(),
			MaxFileSize:   cfg.GetMinIOMaxFileSize(),
		},
		Bus: eventBus,
		Log: log,
	}, val)

	// Webhook ingestion: reconcile live counters, then queue durable persistence
	runMirror := adapters.NewRunSource(runsModule.Repository())
	processor := webhook.NewProcessor(
		storageSvc,
		cfg.GetMinioBucketCallEvents(),
		runStates,
		runMirror,
		webhook.NewRedisLedger(rdb, cfg.GetWebhookDedupTTL()),
		queueClient,
		val,
		log,
	)
	webhookLimiter := httpkit.NewIPRateLimiter(webhookRateLimit, webhookBurst, log)
	webhookModule := webhook.NewModule(processor, queueClient, cfg.GetWebhookSecret(), webhookLimiter)

	exportsModule := exports.NewModule(pool, storageSvc)

	// Live run updates: bus -> Redis relay -> SSE clients
	notificationModule := notification.New(rdb, log)
	notificationModule.RegisterHandlers(eventBus)
	go notificationModule.Run(ctx)

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config:   cfg,
		Logger:   log,
		Health:   []apphttp.HealthChecker{pool, kv.NewPinger(rdb)},
		EventBus: eventBus,
		Modules: []apphttp.Module{
			campaignsModule,
			runsModule,
			exportsModule,
			webhookModule,
			notificationModule,
		},
	}

	engine := router.New(app)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
		// SSE streams end when their clients are closed; close them before
		// Shutdown waits on open connections.
		notificationModule.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown failed", "error", err)
		}
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
