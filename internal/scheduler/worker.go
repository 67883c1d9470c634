package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"rivvi_backend/internal/webhook"
	"rivvi_backend/platform/config"
	"rivvi_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// RunDispatcher performs one dispatch pass for a run.
type RunDispatcher interface {
	Run(ctx context.Context, runID uuid.UUID) error
}

// CallEventConsumer persists one queued call event.
type CallEventConsumer interface {
	Handle(ctx context.Context, msg webhook.BatchMessage) error
}

type Worker struct {
	server     *asynq.Server
	mux        *asynq.ServeMux
	dispatcher RunDispatcher
	consumer   CallEventConsumer
	log        *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, dispatcher RunDispatcher, consumer CallEventConsumer, log *logger.Logger) (*Worker, error) {
	opt, err := redisClientOpt(cfg)
	if err != nil {
		return nil, err
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	// The dead-letter queue is deliberately absent: its messages wait for an operator.
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName(cfg): 1,
		},
		Logger: newAsynqLogger(log),
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server:     server,
		mux:        mux,
		dispatcher: dispatcher,
		consumer:   consumer,
		log:        log,
	}

	mux.HandleFunc(TaskDispatchRun, w.handleDispatchRun)
	mux.HandleFunc(TaskPersistCallEvent, w.handlePersistCallEvent)

	return w, nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

func (w *Worker) handleDispatchRun(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseDispatchRunPayload(task)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	runID, err := uuid.Parse(payload.RunID)
	if err != nil {
		return fmt.Errorf("%w: invalid run id %q", asynq.SkipRetry, payload.RunID)
	}

	w.log.Info("dispatch pass dequeued", slog.String("run_id", runID.String()))
	return w.dispatcher.Run(ctx, runID)
}

func (w *Worker) handlePersistCallEvent(ctx context.Context, task *asynq.Task) error {
	msg, err := ParsePersistCallEventPayload(task)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return w.consumer.Handle(ctx, msg)
}

// asynqLogger routes asynq's internal logging through the application logger.
type asynqLogger struct {
	log *logger.Logger
}

func newAsynqLogger(log *logger.Logger) asynqLogger {
	return asynqLogger{log: log}
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug(fmt.Sprint(args...), "component", "asynq") }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info(fmt.Sprint(args...), "component", "asynq") }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn(fmt.Sprint(args...), "component", "asynq") }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error(fmt.Sprint(args...), "component", "asynq") }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.Error(fmt.Sprint(args...), "component", "asynq") }
