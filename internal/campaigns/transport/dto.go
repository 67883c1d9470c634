package transport

import (
	"time"

	"github.com/google/uuid"
)

type CreateCampaignRequest struct {
	Name      string            `json:"name" validate:"required,min=1,max=200"`
	AgentID   string            `json:"agentId" validate:"required,min=1,max=200"`
	Variables map[string]string `json:"variables,omitempty" validate:"omitempty,max=50,dive,keys,min=1,max=100,endkeys,max=1000"`
}

type RunSummaryResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	TotalRows int       `json:"totalRows"`
	CreatedAt time.Time `json:"createdAt"`
}

type CampaignResponse struct {
	ID         uuid.UUID            `json:"id"`
	Name       string               `json:"name"`
	AgentID    string               `json:"agentId"`
	Variables  map[string]string    `json:"variables"`
	CreatedAt  time.Time            `json:"createdAt"`
	UpdatedAt  time.Time            `json:"updatedAt"`
	RecentRuns []RunSummaryResponse `json:"recentRuns,omitempty"`
}

type CampaignListResponse struct {
	Items []CampaignResponse `json:"items"`
}
