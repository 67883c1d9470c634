package adapters

import (
	"context"

	campaignsrepo "rivvi_backend/internal/campaigns/repository"

	"github.com/google/uuid"
)

// CampaignLookup is the narrow campaign repository contract used by runs.
type CampaignLookup interface {
	GetByID(ctx context.Context, orgID, id uuid.UUID) (campaignsrepo.Campaign, error)
}

// CampaignChecker adapts the campaigns repository to the runs service.
type CampaignChecker struct {
	campaigns CampaignLookup
}

// NewCampaignChecker creates a new campaign checker adapter.
func NewCampaignChecker(campaigns CampaignLookup) *CampaignChecker {
	return &CampaignChecker{campaigns: campaigns}
}

// EnsureCampaign returns a NotFound error unless the campaign belongs to orgID.
func (a *CampaignChecker) EnsureCampaign(ctx context.Context, orgID, campaignID uuid.UUID) error {
	_, err := a.campaigns.GetByID(ctx, orgID, campaignID)
	return err
}
