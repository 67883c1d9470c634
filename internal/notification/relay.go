package notification

import (
	"context"
	"encoding/json"
	"log/slog"

	"rivvi_backend/internal/events"
	"rivvi_backend/internal/notification/sse"
	"rivvi_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// runStatusChannel carries run status changes between the API and scheduler processes.
const runStatusChannel = "runs:status"

// Sink receives relayed events for delivery to connected clients.
type Sink interface {
	PublishToOrganization(orgID uuid.UUID, event sse.Event)
}

// Relay fans run status changes out over Redis pub/sub. Transitions happen in
// both processes (dispatch in the scheduler, webhooks in the API), while SSE
// clients are only connected to the API.
type Relay struct {
	rdb *redis.Client
	log *logger.Logger
}

// NewRelay creates a relay on the given Redis client.
func NewRelay(rdb *redis.Client, log *logger.Logger) *Relay {
	return &Relay{rdb: rdb, log: log}
}

// Handle publishes a RunStatusChanged event to the relay channel.
func (r *Relay) Handle(ctx context.Context, event events.Event) error {
	changed, ok := event.(events.RunStatusChanged)
	if !ok {
		return nil
	}
	payload, err := json.Marshal(changed)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, runStatusChannel, payload).Err()
}

// Run delivers relayed events to sink until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, sink Sink) {
	sub := r.rdb.Subscribe(ctx, runStatusChannel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		r.log.Error("run status relay not subscribed", slog.String("error", err.Error()))
		return
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var changed events.RunStatusChanged
			if err := json.Unmarshal([]byte(msg.Payload), &changed); err != nil {
				r.log.Warn("malformed run status message", slog.String("error", err.Error()))
				continue
			}
			sink.PublishToOrganization(changed.OrgID, sse.Event{
				Type:  sse.EventRunStatusChanged,
				RunID: changed.RunID,
				Data:  changed,
			})
		}
	}
}
