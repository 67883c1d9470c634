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

const runNotFoundMessage = "run not found"

const runColumns = `id, org_id, campaign_id, name, status, file_ref, processed_ref, total_rows, invalid_rows,
		scheduled_at, started_at, paused_at, completed_at, created_at, updated_at`

// Repo implements the run repository.
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a new run repository.
func New(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// Compile-time check that Repo implements Repository.
var _ Repository = (*Repo)(nil)

// Create inserts a PENDING run.
func (r *Repo) Create(ctx context.Context, params CreateRunParams) (Run, error) {
	query := `
		INSERT INTO runs (id, org_id, campaign_id, name, status, scheduled_at)
		VALUES ($1, $2, $3, $4, 'PENDING', $5)
		RETURNING ` + runColumns

	run, err := scanRun(r.pool.QueryRow(ctx, query, uuid.New(), params.OrgID, params.CampaignID, params.Name, params.ScheduledAt))
	if err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// GetByID returns a run scoped to its organization.
func (r *Repo) GetByID(ctx context.Context, orgID, id uuid.UUID) (Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1 AND org_id = $2`

	run, err := scanRun(r.pool.QueryRow(ctx, query, id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, apperr.NotFound(runNotFoundMessage)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListByCampaign returns a campaign's runs, newest first.
func (r *Repo) ListByCampaign(ctx context.Context, orgID, campaignID uuid.UUID) ([]Run, error) {
	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE org_id = $1 AND campaign_id = $2
		ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, orgID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// FindByStatus returns the organization's newest run in one of statuses.
func (r *Repo) FindByStatus(ctx context.Context, orgID uuid.UUID, statuses []string, excludeID uuid.UUID) (*Run, error) {
	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE org_id = $1 AND status = ANY($2) AND id <> $3
		ORDER BY created_at DESC
		LIMIT 1`

	run, err := scanRun(r.pool.QueryRow(ctx, query, orgID, statuses, excludeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find run by status: %w", err)
	}
	return &run, nil
}

// UpdateStatus writes the mirrored status and stamps the matching lifecycle column.
func (r *Repo) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := `
		UPDATE runs
		SET status = $2,
			started_at = CASE WHEN $2 = 'RUNNING' AND started_at IS NULL THEN now() ELSE started_at END,
			paused_at = CASE WHEN $2 = 'PAUSED' THEN now() WHEN $2 = 'RUNNING' THEN NULL ELSE paused_at END,
			completed_at = CASE WHEN $2 IN ('COMPLETED', 'FAILED') THEN COALESCE(completed_at, now()) ELSE completed_at END,
			updated_at = now()
		WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(runNotFoundMessage)
	}
	return nil
}

// SetFileRef records where the raw upload was archived.
func (r *Repo) SetFileRef(ctx context.Context, id uuid.UUID, fileRef string) error {
	_, err := r.pool.Exec(ctx, `UPDATE runs SET file_ref = $2, updated_at = now() WHERE id = $1`, id, fileRef)
	if err != nil {
		return fmt.Errorf("set run file: %w", err)
	}
	return nil
}

// RecordProcessed stores the processed file reference and row totals.
func (r *Repo) RecordProcessed(ctx context.Context, id uuid.UUID, processedRef string, totalRows, invalidRows int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE runs
		SET processed_ref = $2, total_rows = $3, invalid_rows = $4, updated_at = now()
		WHERE id = $1`, id, processedRef, totalRows, invalidRows)
	if err != nil {
		return fmt.Errorf("record processed upload: %w", err)
	}
	return nil
}

// AttachPatients links patients to the run in one transaction. A patient
// already attached keeps its first variables.
func (r *Repo) AttachPatients(ctx context.Context, runID uuid.UUID, patients []RunPatient) (int, error) {
	if len(patients) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, p := range patients {
		variables, err := json.Marshal(nonNil(p.Variables))
		if err != nil {
			return 0, err
		}
		batch.Queue(`
			INSERT INTO run_patients (run_id, patient_id, variables)
			VALUES ($1, $2, $3)
			ON CONFLICT (run_id, patient_id) DO NOTHING`, runID, p.PatientID, variables)
	}

	attached := 0
	err := db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for range patients {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return fmt.Errorf("attach patient: %w", err)
			}
			attached += int(tag.RowsAffected())
		}
		return results.Close()
	})
	if err != nil {
		return 0, err
	}
	return attached, nil
}

// LoadDispatchTarget joins the run with its campaign agent and organization ceiling.
func (r *Repo) LoadDispatchTarget(ctx context.Context, runID uuid.UUID) (DispatchTarget, error) {
	query := `
		SELECT r.id, r.org_id, r.campaign_id, c.agent_id, o.max_concurrent_calls, c.variables
		FROM runs r
		JOIN campaigns c ON c.id = r.campaign_id
		JOIN organizations o ON o.id = r.org_id
		WHERE r.id = $1`

	var t DispatchTarget
	var variables []byte
	err := r.pool.QueryRow(ctx, query, runID).Scan(&t.RunID, &t.OrgID, &t.CampaignID, &t.AgentID, &t.MaxConcurrentCalls, &variables)
	if errors.Is(err, pgx.ErrNoRows) {
		return DispatchTarget{}, apperr.NotFound(runNotFoundMessage)
	}
	if err != nil {
		return DispatchTarget{}, fmt.Errorf("load dispatch target: %w", err)
	}
	if t.Variables, err = decodeVariables(variables); err != nil {
		return DispatchTarget{}, err
	}
	return t, nil
}

// ListUndispatchedPatients returns attached patients without an outbound call, oldest first.
func (r *Repo) ListUndispatchedPatients(ctx context.Context, runID uuid.UUID) ([]PendingPatient, error) {
	query := `
		SELECT p.id, p.first_name, p.last_name, p.phone, to_char(p.dob, 'YYYY-MM-DD'), rp.variables
		FROM run_patients rp
		JOIN patients p ON p.id = rp.patient_id
		WHERE rp.run_id = $1
			AND NOT EXISTS (
				SELECT 1 FROM calls c
				WHERE c.run_id = rp.run_id AND c.patient_id = rp.patient_id AND c.direction = 'OUTBOUND'
			)
		ORDER BY rp.created_at, p.id`

	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list undispatched patients: %w", err)
	}
	defer rows.Close()

	patients := make([]PendingPatient, 0)
	for rows.Next() {
		var p PendingPatient
		var variables []byte
		if err := rows.Scan(&p.ID, &p.FirstName, &p.LastName, &p.Phone, &p.DOB, &variables); err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		if p.Variables, err = decodeVariables(variables); err != nil {
			return nil, err
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

func scanRun(row pgx.Row) (Run, error) {
	var run Run
	err := row.Scan(
		&run.ID, &run.OrgID, &run.CampaignID, &run.Name, &run.Status, &run.FileRef, &run.ProcessedRef,
		&run.TotalRows, &run.InvalidRows, &run.ScheduledAt, &run.StartedAt, &run.PausedAt, &run.CompletedAt,
		&run.CreatedAt, &run.UpdatedAt,
	)
	return run, err
}

func decodeVariables(raw []byte) (map[string]string, error) {
	out := map[string]string{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode variables: %w", err)
	}
	return out, nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
