package exports

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"rivvi_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ReportRun identifies the run a report is built for.
type ReportRun struct {
	ID           uuid.UUID
	Name         string
	Status       string
	FileRef      *string
	ProcessedRef *string
}

// ReportRow is one patient of a run joined with one of its calls. A patient
// with no call yet has a nil CallID.
type ReportRow struct {
	PatientID     uuid.UUID
	FirstName     string
	LastName      string
	Phone         string
	DOB           string
	CallID        *uuid.UUID
	Direction     *string
	CallStatus    *string
	Result        json.RawMessage
	CallUpdatedAt *time.Time
}

// Repository reads run report data.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new exports repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetRun returns the run when it belongs to orgID.
func (r *Repository) GetRun(ctx context.Context, orgID, runID uuid.UUID) (ReportRun, error) {
	var run ReportRun
	err := r.pool.QueryRow(ctx, `
    SELECT id, name, status, file_ref, processed_ref
    FROM runs
    WHERE id = $1 AND org_id = $2
  `, runID, orgID).Scan(&run.ID, &run.Name, &run.Status, &run.FileRef, &run.ProcessedRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return ReportRun{}, apperr.NotFound("run not found")
	}
	return run, err
}

// ListRunReport returns every patient attached to the run with its calls,
// ordered by patient then call time.
func (r *Repository) ListRunReport(ctx context.Context, runID uuid.UUID, limit int) ([]ReportRow, error) {
	rows, err := r.pool.Query(ctx, `
    SELECT p.id, p.first_name, p.last_name, p.phone, to_char(p.dob, 'YYYY-MM-DD'),
           c.id, c.direction, c.status, c.result, c.updated_at
    FROM run_patients rp
    JOIN patients p ON p.id = rp.patient_id
    LEFT JOIN calls c ON c.run_id = rp.run_id AND c.patient_id = rp.patient_id
    WHERE rp.run_id = $1
    ORDER BY p.last_name, p.first_name, p.id, c.created_at
    LIMIT $2
  `, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ReportRow
	for rows.Next() {
		var row ReportRow
		if err := rows.Scan(
			&row.PatientID, &row.FirstName, &row.LastName, &row.Phone, &row.DOB,
			&row.CallID, &row.Direction, &row.CallStatus, &row.Result, &row.CallUpdatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
