package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rivvi_backend/platform/apperr"
	"rivvi_backend/platform/db"
)

const campaignNotFoundMessage = "campaign not found"

// Repo implements the campaign repository.
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a new campaign repository.
func New(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// Compile-time check that Repo implements Repository.
var _ Repository = (*Repo)(nil)

// Create inserts a campaign.
func (r *Repo) Create(ctx context.Context, params CreateCampaignParams) (Campaign, error) {
	variables, err := json.Marshal(nonNil(params.Variables))
	if err != nil {
		return Campaign{}, err
	}

	var campaign Campaign
	err = db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		// Organizations are provisioned by the identity provider; the first
		// campaign materializes the local row that runs and calls reference.
		if _, err := tx.Exec(ctx, `
		INSERT INTO organizations (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`, params.OrgID, params.OrgID.String()); err != nil {
			return fmt.Errorf("ensure organization: %w", err)
		}

		query := `
		INSERT INTO campaigns (id, org_id, name, agent_id, variables)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, org_id, name, agent_id, variables, created_at, updated_at`

		row := tx.QueryRow(ctx, query, uuid.New(), params.OrgID, params.Name, params.AgentID, variables)
		campaign, err = scanCampaign(row)
		if err != nil {
			return fmt.Errorf("create campaign: %w", err)
		}
		return nil
	})
	if err != nil {
		return Campaign{}, err
	}
	return campaign, nil
}

// GetByID returns a campaign scoped to its organization.
func (r *Repo) GetByID(ctx context.Context, orgID, id uuid.UUID) (Campaign, error) {
	query := `
		SELECT id, org_id, name, agent_id, variables, created_at, updated_at
		FROM campaigns
		WHERE id = $1 AND org_id = $2`

	campaign, err := scanCampaign(r.pool.QueryRow(ctx, query, id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Campaign{}, apperr.NotFound(campaignNotFoundMessage)
	}
	if err != nil {
		return Campaign{}, fmt.Errorf("get campaign: %w", err)
	}
	return campaign, nil
}

// ListByOrg returns an organization's campaigns, newest first.
func (r *Repo) ListByOrg(ctx context.Context, orgID uuid.UUID) ([]Campaign, error) {
	query := `
		SELECT id, org_id, name, agent_id, variables, created_at, updated_at
		FROM campaigns
		WHERE org_id = $1
		ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := make([]Campaign, 0)
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, campaign)
	}
	return campaigns, rows.Err()
}

// RecentRuns returns up to perCampaign newest runs for each campaign in one query.
func (r *Repo) RecentRuns(ctx context.Context, campaignIDs []uuid.UUID, perCampaign int) (map[uuid.UUID][]RunSummary, error) {
	result := make(map[uuid.UUID][]RunSummary, len(campaignIDs))
	if len(campaignIDs) == 0 {
		return result, nil
	}

	query := `
		SELECT id, campaign_id, name, status, total_rows, created_at
		FROM (
			SELECT id, campaign_id, name, status, total_rows, created_at,
				ROW_NUMBER() OVER (PARTITION BY campaign_id ORDER BY created_at DESC) AS rn
			FROM runs
			WHERE campaign_id = ANY($1)
		) ranked
		WHERE rn <= $2
		ORDER BY campaign_id, created_at DESC`

	rows, err := r.pool.Query(ctx, query, campaignIDs, perCampaign)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var run RunSummary
		if err := rows.Scan(&run.ID, &run.CampaignID, &run.Name, &run.Status, &run.TotalRows, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run summary: %w", err)
		}
		result[run.CampaignID] = append(result[run.CampaignID], run)
	}
	return result, rows.Err()
}

func scanCampaign(row pgx.Row) (Campaign, error) {
	var c Campaign
	var variables []byte
	if err := row.Scan(&c.ID, &c.OrgID, &c.Name, &c.AgentID, &variables, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Campaign{}, err
	}
	c.Variables = map[string]string{}
	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &c.Variables); err != nil {
			return Campaign{}, fmt.Errorf("decode campaign variables: %w", err)
		}
	}
	return c, nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
