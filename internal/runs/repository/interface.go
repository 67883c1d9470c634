package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Run is the durable record of a run. Status mirrors the run state store.
type Run struct {
	ID           uuid.UUID  `db:"id"`
	OrgID        uuid.UUID  `db:"org_id"`
	CampaignID   uuid.UUID  `db:"campaign_id"`
	Name         string     `db:"name"`
	Status       string     `db:"status"`
	FileRef      *string    `db:"file_ref"`
	ProcessedRef *string    `db:"processed_ref"`
	TotalRows    int        `db:"total_rows"`
	InvalidRows  int        `db:"invalid_rows"`
	ScheduledAt  *time.Time `db:"scheduled_at"`
	StartedAt    *time.Time `db:"started_at"`
	PausedAt     *time.Time `db:"paused_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// CreateRunParams contains data for creating a run.
type CreateRunParams struct {
	OrgID       uuid.UUID
	CampaignID  uuid.UUID
	Name        string
	ScheduledAt *time.Time
}

// RunPatient attaches a resolved patient to a run with its per-row variables.
type RunPatient struct {
	PatientID uuid.UUID
	Variables map[string]string
}

// DispatchTarget is a run joined with its campaign and organization settings.
type DispatchTarget struct {
	RunID              uuid.UUID
	OrgID              uuid.UUID
	CampaignID         uuid.UUID
	AgentID            string
	MaxConcurrentCalls int
	Variables          map[string]string
}

// PendingPatient is an attached patient with no outbound call yet.
type PendingPatient struct {
	ID        uuid.UUID
	FirstName string
	LastName  string
	Phone     string
	DOB       string
	Variables map[string]string
}

// RunReader reads runs.
type RunReader interface {
	GetByID(ctx context.Context, orgID, id uuid.UUID) (Run, error)
	ListByCampaign(ctx context.Context, orgID, campaignID uuid.UUID) ([]Run, error)
	// FindByStatus returns the organization's newest run in one of statuses,
	// ignoring excludeID, or nil when there is none.
	FindByStatus(ctx context.Context, orgID uuid.UUID, statuses []string, excludeID uuid.UUID) (*Run, error)
}

// RunWriter mutates runs.
type RunWriter interface {
	Create(ctx context.Context, params CreateRunParams) (Run, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	SetFileRef(ctx context.Context, id uuid.UUID, fileRef string) error
	RecordProcessed(ctx context.Context, id uuid.UUID, processedRef string, totalRows, invalidRows int) error
	// AttachPatients links patients to the run and reports how many links are new.
	AttachPatients(ctx context.Context, runID uuid.UUID, patients []RunPatient) (int, error)
}

// DispatchReader serves the dispatcher.
type DispatchReader interface {
	LoadDispatchTarget(ctx context.Context, runID uuid.UUID) (DispatchTarget, error)
	ListUndispatchedPatients(ctx context.Context, runID uuid.UUID) ([]PendingPatient, error)
}

// Repository is the full run persistence contract.
type Repository interface {
	RunReader
	RunWriter
	DispatchReader
}
