// Package events defines the domain events modules exchange over the bus.
// The bus itself lives in platform/events; its types are aliased here so
// modules import a single package.
package events

import (
	"rivvi_backend/platform/events"
	"rivvi_backend/platform/logger"

	"github.com/google/uuid"
)

type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
	InMemoryBus = events.InMemoryBus
)

var NewBaseEvent = events.NewBaseEvent

// NewInMemoryBus creates the process-local bus.
func NewInMemoryBus(log *logger.Logger) *InMemoryBus {
	return events.NewInMemoryBus(log)
}

// =============================================================================
// Run Domain Events
// =============================================================================

// RunCreated is published when a run record and its state are created.
type RunCreated struct {
	BaseEvent
	RunID      uuid.UUID `json:"runId"`
	OrgID      uuid.UUID `json:"orgId"`
	CampaignID uuid.UUID `json:"campaignId"`
	Name       string    `json:"name"`
}

func (e RunCreated) EventName() string { return "runs.run.created" }

// RunStatusChanged is published whenever a run's status is written to the
// run state store. From is empty for the initial PENDING state.
type RunStatusChanged struct {
	BaseEvent
	RunID          uuid.UUID `json:"runId"`
	OrgID          uuid.UUID `json:"orgId"`
	CampaignID     uuid.UUID `json:"campaignId"`
	From           string    `json:"from,omitempty"`
	To             string    `json:"to"`
	TotalCalls     int64     `json:"totalCalls"`
	CompletedCalls int64     `json:"completedCalls"`
	FailedCalls    int64     `json:"failedCalls"`
	ActiveCalls    int64     `json:"activeCalls"`
}

func (e RunStatusChanged) EventName() string { return "runs.run.status_changed" }

// =============================================================================
// Call Domain Events
// =============================================================================

// CallEventDeadLettered is published when a call event exhausted its
// persistence retries and was routed to the dead-letter queue.
type CallEventDeadLettered struct {
	BaseEvent
	EventID    string     `json:"eventId"`
	OrgID      uuid.UUID  `json:"orgId"`
	RunID      *uuid.UUID `json:"runId,omitempty"`
	RetryCount int        `json:"retryCount"`
	Reason     string     `json:"reason"`
}

func (e CallEventDeadLettered) EventName() string { return "calls.event.dead_lettered" }
