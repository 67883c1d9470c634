package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rivvi_backend/internal/webhook"
	"rivvi_backend/platform/config"
	"rivvi_backend/platform/kv"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// dispatchTimeout bounds a single dispatch pass.
const dispatchTimeout = 12 * time.Hour

// deadLetterRetention keeps dead letters around for manual inspection.
const deadLetterRetention = 30 * 24 * time.Hour

type Client struct {
	client          *asynq.Client
	inspector       *asynq.Inspector
	queue           string
	deadLetterQueue string
}

// DispatchScheduler starts dispatch passes for runs.
type DispatchScheduler interface {
	ScheduleDispatch(ctx context.Context, runID uuid.UUID) error
}

func NewClient(cfg config.SchedulerConfig) (*Client, error) {
	opt, err := redisClientOpt(cfg)
	if err != nil {
		return nil, err
	}

	return &Client{
		client:          asynq.NewClient(opt),
		inspector:       asynq.NewInspector(opt),
		queue:           queueName(cfg),
		deadLetterQueue: deadLetterQueueName(cfg),
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return errors.Join(c.client.Close(), c.inspector.Close())
}

// ScheduleDispatch enqueues a dispatch pass for the run. Passes are not
// retried by the queue; a failed pass has already marked the run FAILED.
// At most one pass per run is queued or running; scheduling while one is
// succeeds without enqueueing another.
func (c *Client) ScheduleDispatch(ctx context.Context, runID uuid.UUID) error {
	task, err := NewDispatchRunTask(DispatchRunPayload{RunID: runID.String()})
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.queue),
		asynq.TaskID(dispatchTaskID(runID)),
		asynq.MaxRetry(0),
		asynq.Timeout(dispatchTimeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue dispatch pass: %w", err)
	}
	return nil
}

func dispatchTaskID(runID uuid.UUID) string {
	return "dispatch:" + runID.String()
}

// EnqueueCallEvent hands a call event to the persistence consumer. Retries are
// counted in the message itself, so the queue never retries the task.
func (c *Client) EnqueueCallEvent(ctx context.Context, msg webhook.BatchMessage, delay time.Duration) error {
	task, err := NewPersistCallEventTask(msg)
	if err != nil {
		return err
	}

	opts := []asynq.Option{asynq.Queue(c.queue), asynq.MaxRetry(0)}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	_, err = c.client.EnqueueContext(ctx, task, opts...)
	return err
}

// DeadLetter parks a message on the dead-letter queue. No worker serves that
// queue; messages stay pending until an operator inspects them.
func (c *Client) DeadLetter(ctx context.Context, msg webhook.BatchMessage) error {
	task, err := NewPersistCallEventTask(msg)
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.deadLetterQueue),
		asynq.MaxRetry(0),
		asynq.Retention(deadLetterRetention),
	)
	return err
}

// ListDeadLetters returns up to limit dead-lettered messages, oldest first.
func (c *Client) ListDeadLetters(_ context.Context, limit int) ([]webhook.BatchMessage, error) {
	infos, err := c.inspector.ListPendingTasks(c.deadLetterQueue, asynq.PageSize(limit))
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return []webhook.BatchMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return decodeDeadLetters(infos), nil
}

func decodeDeadLetters(infos []*asynq.TaskInfo) []webhook.BatchMessage {
	out := make([]webhook.BatchMessage, 0, len(infos))
	for _, info := range infos {
		if info.Type != TaskPersistCallEvent {
			continue
		}
		msg, err := decodeBatchMessage(info.Payload)
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func queueName(cfg config.SchedulerConfig) string {
	if q := cfg.GetAsynqQueueName(); q != "" {
		return q
	}
	return "default"
}

func deadLetterQueueName(cfg config.SchedulerConfig) string {
	if q := cfg.GetAsynqDeadLetterQueueName(); q != "" {
		return q
	}
	return "call-events-dead"
}

func redisClientOpt(cfg config.RedisConfig) (asynq.RedisClientOpt, error) {
	opt, err := kv.ParseOptions(cfg.GetRedisURL(), cfg.GetRedisTLSInsecure())
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}, nil
}
