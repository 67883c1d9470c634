package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rivvi_backend/internal/adapters"
	"rivvi_backend/internal/calls"
	"rivvi_backend/internal/dedup"
	"rivvi_backend/internal/dispatcher"
	"rivvi_backend/internal/events"
	"rivvi_backend/internal/notification"
	"rivvi_backend/internal/provider"
	runsrepo "rivvi_backend/internal/runs/repository"
	"rivvi_backend/internal/runstate"
	"rivvi_backend/internal/scheduler"
	"rivvi_backend/internal/webhook"
	"rivvi_backend/platform/config"
	"rivvi_backend/platform/db"
	"rivvi_backend/platform/kv"
	"rivvi_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	eventBus := events.NewInMemoryBus(log)

	// Status changes made here reach API-side SSE clients through the relay.
	relay := notification.NewRelay(rdb, log)
	eventBus.Subscribe(events.RunStatusChanged{}.EventName(), relay)
	eventBus.Subscribe(events.CallEventDeadLettered{}.EventName(), events.HandlerFunc(func(ctx context.Context, event events.Event) error {
		e, ok := event.(events.CallEventDeadLettered)
		if !ok {
			return nil
		}
		log.WithContext(ctx).Warn("call event dead-lettered",
			"eventId", e.EventID,
			"orgId", e.OrgID,
			"retryCount", e.RetryCount,
			"reason", e.Reason,
		)
		return nil
	}))

	queueClient, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize scheduler client", "error", err)
		panic("failed to initialize scheduler client: " + err.Error())
	}
	defer func() { _ = queueClient.Close() }()

	runStates := runstate.NewStore(rdb, eventBus, log)

	callsRepo := calls.NewRepository(pool)
	resolver := dedup.NewEngine(dedup.NewRedisIndex(rdb), callsRepo.Patients(nil), log)
	callsService := calls.NewService(callsRepo, resolver, log)

	runSource := adapters.NewRunSource(runsrepo.New(pool))
	runDispatcher := dispatcher.New(runStates, runSource, callsService, provider.NewClient(cfg, log), cfg, log)

	consumer := webhook.NewConsumer(callsService, queueClient, eventBus, cfg, log)

	worker, err := scheduler.NewWorker(cfg, runDispatcher, consumer, log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	worker.Run(ctx)
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
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
