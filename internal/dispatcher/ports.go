package dispatcher

import (
	"context"

	"rivvi_backend/internal/provider"
	"rivvi_backend/internal/runstate"

	"github.com/google/uuid"
)

// StateStore is the subset of the run state store the dispatcher mutates.
type StateStore interface {
	Get(ctx context.Context, runID uuid.UUID) (runstate.RunState, error)
	ApplyDelta(ctx context.Context, runID uuid.UUID, delta runstate.Delta, override *runstate.Status) error
	CompleteIfDone(ctx context.Context, runID uuid.UUID) (bool, error)
}

// Target is what the dispatcher needs to know about a run.
type Target struct {
	RunID              uuid.UUID
	OrgID              uuid.UUID
	CampaignID         uuid.UUID
	AgentID            string
	MaxConcurrentCalls int
	// Variables are campaign-level prompt variables applied to every call.
	Variables map[string]string
}

// Patient is a contact attached to a run with no call attempt yet.
type Patient struct {
	ID        uuid.UUID
	FirstName string
	LastName  string
	Phone     string
	DOB       string
	Variables map[string]string
}

// RunSource reads dispatch inputs from the durable store and mirrors status into it.
type RunSource interface {
	LoadDispatchTarget(ctx context.Context, runID uuid.UUID) (Target, error)
	ListUndispatchedPatients(ctx context.Context, runID uuid.UUID) ([]Patient, error)
	UpdateRunStatus(ctx context.Context, runID uuid.UUID, status runstate.Status) error
}

// CallLog records outbound call attempts.
type CallLog interface {
	CreateOutboundCall(ctx context.Context, orgID, runID, patientID uuid.UUID) (uuid.UUID, error)
	// MarkDispatched moves a PENDING call to IN_PROGRESS and stores the provider's call id.
	MarkDispatched(ctx context.Context, callID uuid.UUID, providerCallID string) error
	MarkDispatchFailed(ctx context.Context, callID uuid.UUID, reason string) error
}

// Caller places a call with the provider.
type Caller interface {
	MakeCall(ctx context.Context, call provider.CallRequest) (provider.CallResponse, error)
}
