// Package notification pushes live run updates to connected dashboards.
// Run status changes published on the event bus are relayed through Redis
// and streamed to every client of the run's organization over SSE.
package notification

import (
	"context"

	"rivvi_backend/internal/events"
	apphttp "rivvi_backend/internal/http"
	"rivvi_backend/internal/notification/sse"
	"rivvi_backend/platform/logger"

	"github.com/redis/go-redis/v9"
)

// Module is the notification module implementing http.Module.
type Module struct {
	sse   *sse.Service
	relay *Relay
	log   *logger.Logger
}

// New creates the notification module.
func New(rdb *redis.Client, log *logger.Logger) *Module {
	return &Module{
		sse:   sse.New(log),
		relay: NewRelay(rdb, log),
		log:   log,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "notification"
}

// SSE returns the SSE service.
func (m *Module) SSE() *sse.Service {
	return m.sse
}

// RegisterRoutes mounts the run event stream.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Protected.GET("/runs/events", m.sse.Handler())
}

// RegisterHandlers forwards run status changes from bus to the relay channel.
func (m *Module) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.RunStatusChanged{}.EventName(), m.relay)
}

// Run streams relayed events to SSE clients until ctx is cancelled.
func (m *Module) Run(ctx context.Context) {
	m.relay.Run(ctx, m.sse)
}

// Close disconnects all SSE clients.
func (m *Module) Close() {
	m.sse.Close()
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
