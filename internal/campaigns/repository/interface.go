package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Campaign is a reusable call script: the provider agent plus default prompt variables.
type Campaign struct {
	ID        uuid.UUID         `db:"id"`
	OrgID     uuid.UUID         `db:"org_id"`
	Name      string            `db:"name"`
	AgentID   string            `db:"agent_id"`
	Variables map[string]string `db:"variables"`
	CreatedAt time.Time         `db:"created_at"`
	UpdatedAt time.Time         `db:"updated_at"`
}

// RunSummary is the slice of a run shown alongside its campaign.
type RunSummary struct {
	ID         uuid.UUID `db:"id"`
	CampaignID uuid.UUID `db:"campaign_id"`
	Name       string    `db:"name"`
	Status     string    `db:"status"`
	TotalRows  int       `db:"total_rows"`
	CreatedAt  time.Time `db:"created_at"`
}

// CreateCampaignParams contains data for creating a campaign.
type CreateCampaignParams struct {
	OrgID     uuid.UUID
	Name      string
	AgentID   string
	Variables map[string]string
}

// Repository defines campaign persistence.
type Repository interface {
	Create(ctx context.Context, params CreateCampaignParams) (Campaign, error)
	GetByID(ctx context.Context, orgID, id uuid.UUID) (Campaign, error)
	ListByOrg(ctx context.Context, orgID uuid.UUID) ([]Campaign, error)
	// RecentRuns returns up to perCampaign newest runs for each campaign.
	RecentRuns(ctx context.Context, campaignIDs []uuid.UUID, perCampaign int) (map[uuid.UUID][]RunSummary, error)
}
