package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"rivvi_backend/internal/campaigns/repository"
	"rivvi_backend/internal/campaigns/transport"
	"rivvi_backend/platform/logger"
)

// recentRunsPerCampaign is how many runs the campaign list shows per campaign.
const recentRunsPerCampaign = 5

// Service provides business logic for campaigns.
type Service struct {
	repo repository.Repository
	log  *logger.Logger
}

// New creates a new campaign service.
func New(repo repository.Repository, log *logger.Logger) *Service {
	return &Service{repo: repo, log: log}
}

// Create stores a new campaign for the organization.
func (s *Service) Create(ctx context.Context, orgID uuid.UUID, req transport.CreateCampaignRequest) (transport.CampaignResponse, error) {
	campaign, err := s.repo.Create(ctx, repository.CreateCampaignParams{
		OrgID:     orgID,
		Name:      strings.TrimSpace(req.Name),
		AgentID:   strings.TrimSpace(req.AgentID),
		Variables: req.Variables,
	})
	if err != nil {
		return transport.CampaignResponse{}, err
	}

	s.log.WithContext(ctx).Info("campaign created",
		slog.String("campaign_id", campaign.ID.String()),
		slog.String("org_id", orgID.String()),
	)
	return toCampaignResponse(campaign, nil), nil
}

// Get returns one campaign with its most recent runs.
func (s *Service) Get(ctx context.Context, orgID, id uuid.UUID) (transport.CampaignResponse, error) {
	campaign, err := s.repo.GetByID(ctx, orgID, id)
	if err != nil {
		return transport.CampaignResponse{}, err
	}

	runs, err := s.repo.RecentRuns(ctx, []uuid.UUID{id}, recentRunsPerCampaign)
	if err != nil {
		return transport.CampaignResponse{}, err
	}
	return toCampaignResponse(campaign, runs[id]), nil
}

// List returns the organization's campaigns, each with its most recent runs.
func (s *Service) List(ctx context.Context, orgID uuid.UUID) (transport.CampaignListResponse, error) {
	campaigns, err := s.repo.ListByOrg(ctx, orgID)
	if err != nil {
		return transport.CampaignListResponse{}, err
	}

	ids := make([]uuid.UUID, len(campaigns))
	for i, c := range campaigns {
		ids[i] = c.ID
	}
	runs, err := s.repo.RecentRuns(ctx, ids, recentRunsPerCampaign)
	if err != nil {
		return transport.CampaignListResponse{}, err
	}

	items := make([]transport.CampaignResponse, len(campaigns))
	for i, c := range campaigns {
		items[i] = toCampaignResponse(c, runs[c.ID])
	}
	return transport.CampaignListResponse{Items: items}, nil
}

func toCampaignResponse(c repository.Campaign, runs []repository.RunSummary) transport.CampaignResponse {
	resp := transport.CampaignResponse{
		ID:        c.ID,
		Name:      c.Name,
		AgentID:   c.AgentID,
		Variables: c.Variables,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	for _, r := range runs {
		resp.RecentRuns = append(resp.RecentRuns, transport.RunSummaryResponse{
			ID:        r.ID,
			Name:      r.Name,
			Status:    r.Status,
			TotalRows: r.TotalRows,
			CreatedAt: r.CreatedAt,
		})
	}
	return resp
}
