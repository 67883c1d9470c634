package service

import (
	"context"
	"io"

	"rivvi_backend/internal/calls"
	"rivvi_backend/internal/dedup"
	"rivvi_backend/internal/runstate"

	"github.com/google/uuid"
)

// StateStore is the subset of the run state store the run lifecycle uses.
type StateStore interface {
	Initialize(ctx context.Context, runID, campaignID, orgID uuid.UUID) (runstate.RunState, error)
	Get(ctx context.Context, runID uuid.UUID) (runstate.RunState, error)
	SetStatus(ctx context.Context, runID uuid.UUID, status runstate.Status) error
	Transition(ctx context.Context, runID uuid.UUID, t runstate.Transition) (runstate.TransitionResult, error)
	ApplyDelta(ctx context.Context, runID uuid.UUID, delta runstate.Delta, override *runstate.Status) error
	QueryByOrg(ctx context.Context, orgID uuid.UUID, status *runstate.Status) ([]runstate.RunState, error)
	QueryByCampaign(ctx context.Context, campaignID uuid.UUID) ([]runstate.RunState, error)
	RegisterPhones(ctx context.Context, runID uuid.UUID, phones []string) error
}

// CampaignChecker confirms a campaign belongs to the organization.
type CampaignChecker interface {
	EnsureCampaign(ctx context.Context, orgID, campaignID uuid.UUID) error
}

// PatientResolver resolves uploaded rows to patients.
type PatientResolver interface {
	BatchResolve(ctx context.Context, orgID uuid.UUID, rows []dedup.Row) (dedup.BatchResult, error)
}

// CallReader lists a run's calls.
type CallReader interface {
	ListByRun(ctx context.Context, runID uuid.UUID, limit int) ([]calls.Call, error)
}

// DispatchScheduler starts a dispatch pass in the background.
type DispatchScheduler interface {
	ScheduleDispatch(ctx context.Context, runID uuid.UUID) error
}

// ObjectStore archives uploaded and processed files.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key, contentType string, reader io.Reader, size int64) (string, error)
	PutJSON(ctx context.Context, bucket, key string, v any) (string, error)
}

// Buckets names the object store locations for run files.
type Buckets struct {
	RawUploads    string
	ProcessedData string
	MaxFileSize   int64
}

// UploadFile is a run source file received from a client.
type UploadFile struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}
