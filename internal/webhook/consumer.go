package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rivvi_backend/internal/calls"
	"rivvi_backend/internal/events"
	"rivvi_backend/platform/config"
	"rivvi_backend/platform/logger"

	"github.com/google/uuid"
)

// Persister writes a call outcome durably.
type Persister interface {
	PersistOutcome(ctx context.Context, in calls.PersistInput) (calls.PersistResult, error)
}

// Consumer persists queued call events. A failed write is re-enqueued with an
// incremented retry count until the retry budget is spent, then the message is
// dead-lettered with its failure reason.
type Consumer struct {
	persister  Persister
	queue      Queue
	bus        events.Bus
	maxRetries int
	retryDelay time.Duration
	log        *logger.Logger
	now        func() time.Time
}

// NewConsumer creates a Consumer.
func NewConsumer(persister Persister, queue Queue, bus events.Bus, cfg config.PersistenceConfig, log *logger.Logger) *Consumer {
	return &Consumer{
		persister:  persister,
		queue:      queue,
		bus:        bus,
		maxRetries: cfg.GetPersistMaxRetries(),
		retryDelay: cfg.GetPersistRetryDelay(),
		log:        log,
		now:        time.Now,
	}
}

// Handle persists one message. It returns an error only when the message could
// be neither persisted, re-enqueued nor dead-lettered.
func (c *Consumer) Handle(ctx context.Context, msg BatchMessage) error {
	log := c.log.WithContext(ctx).With(
		slog.String("event_id", msg.Event.ID),
		slog.Int("retry_count", msg.RetryCount),
	)

	in, err := toPersistInput(msg)
	if err != nil {
		// A payload that cannot be mapped never succeeds on retry.
		return c.deadLetter(ctx, msg, fmt.Errorf("malformed call event: %w", err))
	}

	res, err := c.persister.PersistOutcome(ctx, in)
	if err == nil {
		log.Info("call event persisted",
			slog.String("call_id", res.CallID.String()),
			slog.Bool("new_patient", res.NewPatient),
		)
		return nil
	}

	if msg.RetryCount < c.maxRetries {
		msg.RetryCount++
		log.Warn("call event persistence failed, retrying",
			slog.Int("next_retry", msg.RetryCount),
			slog.String("error", err.Error()),
		)
		if qErr := c.queue.EnqueueCallEvent(ctx, msg, c.retryDelay*time.Duration(msg.RetryCount)); qErr != nil {
			return fmt.Errorf("re-enqueue call event: %w", qErr)
		}
		return nil
	}

	return c.deadLetter(ctx, msg, err)
}

func (c *Consumer) deadLetter(ctx context.Context, msg BatchMessage, cause error) error {
	failedAt := c.now().UTC()
	msg.FailureReason = cause.Error()
	msg.FailedAt = &failedAt

	if err := c.queue.DeadLetter(ctx, msg); err != nil {
		return fmt.Errorf("dead-letter call event: %w", err)
	}

	c.log.WithContext(ctx).Error("call event dead-lettered",
		slog.String("event_id", msg.Event.ID),
		slog.Int("retry_count", msg.RetryCount),
		slog.String("reason", msg.FailureReason),
	)

	if c.bus != nil {
		orgID, _ := uuid.Parse(msg.Event.Metadata.OrgID)
		runID, _ := msg.Event.RunID()
		c.bus.Publish(ctx, events.CallEventDeadLettered{
			BaseEvent:  events.NewBaseEvent(),
			EventID:    msg.Event.ID,
			OrgID:      orgID,
			RunID:      runID,
			RetryCount: msg.RetryCount,
			Reason:     msg.FailureReason,
		})
	}
	return nil
}
