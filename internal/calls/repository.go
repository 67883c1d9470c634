// Package calls persists call attempts and the patients they reach.
package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rivvi_backend/internal/dedup"
	"rivvi_backend/platform/apperr"
	"rivvi_backend/platform/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Call is a persisted call attempt.
type Call struct {
	ID             uuid.UUID
	OrgID          uuid.UUID
	RunID          *uuid.UUID
	PatientID      *uuid.UUID
	ProviderCallID *string
	Direction      Direction
	Status         Status
	RawEventRef    *string
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Outcome is the terminal state of a call as reported by the provider.
type Outcome struct {
	// AttemptID is the call id assigned at dispatch, when the event carries it.
	AttemptID      *uuid.UUID
	ProviderCallID string
	OrgID          uuid.UUID
	RunID          *uuid.UUID
	PatientID      *uuid.UUID
	Direction      Direction
	Status         Status
	RawEventRef    string
	Result         json.RawMessage
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InTx runs fn inside one transaction, committing only if fn succeeds.
func (r *Repository) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return db.InTx(ctx, r.pool, fn)
}

// UpsertPatient inserts the identity or returns the row already holding its hash.
func (r *Repository) UpsertPatient(ctx context.Context, q DBTX, orgID uuid.UUID, identity dedup.Identity) (uuid.UUID, bool, error) {
	var id uuid.UUID
	var inserted bool
	err := q.QueryRow(ctx, `
    INSERT INTO patients (id, org_id, identity_hash, first_name, last_name, phone, dob)
    VALUES ($1, $2, $3, $4, $5, $6, $7::date)
    ON CONFLICT (identity_hash) DO UPDATE SET identity_hash = EXCLUDED.identity_hash
    RETURNING id, (xmax = 0) AS inserted
  `, uuid.New(), orgID, identity.Hash, identity.FirstName, identity.LastName, identity.Phone, identity.DOB).Scan(&id, &inserted)
	return id, inserted, err
}

// Patients returns a dedup.PatientStore writing through q.
func (r *Repository) Patients(q DBTX) dedup.PatientStore {
	if q == nil {
		q = r.pool
	}
	return patientStore{repo: r, q: q}
}

type patientStore struct {
	repo *Repository
	q    DBTX
}

func (s patientStore) UpsertPatient(ctx context.Context, orgID uuid.UUID, identity dedup.Identity) (uuid.UUID, bool, error) {
	return s.repo.UpsertPatient(ctx, s.q, orgID, identity)
}

// CreateOutboundCall records a PENDING outbound attempt before the provider is
// contacted. A patient gets at most one outbound attempt per run; a second one
// is a Conflict.
func (r *Repository) CreateOutboundCall(ctx context.Context, orgID, runID, patientID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `
    INSERT INTO calls (id, org_id, run_id, patient_id, direction, status)
    VALUES ($1, $2, $3, $4, $5, $6)
    ON CONFLICT (run_id, patient_id) WHERE direction = 'OUTBOUND' DO NOTHING
    RETURNING id
  `, uuid.New(), orgID, runID, patientID, DirectionOutbound, StatusPending).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, apperr.Conflict("call already dispatched for patient")
	}
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// MarkDispatched moves a PENDING attempt to IN_PROGRESS. A call whose outcome
// has already been persisted is left alone.
func (r *Repository) MarkDispatched(ctx context.Context, callID uuid.UUID, providerCallID string) error {
	_, err := r.pool.Exec(ctx, `
    UPDATE calls
    SET status = $2, provider_call_id = COALESCE(NULLIF($3, ''), provider_call_id), updated_at = now()
    WHERE id = $1 AND status = $4
  `, callID, StatusInProgress, providerCallID, StatusPending)
	return err
}

// MarkDispatchFailed fails an attempt that never reached the provider.
func (r *Repository) MarkDispatchFailed(ctx context.Context, callID uuid.UUID, reason string) error {
	result, err := json.Marshal(map[string]string{"error": reason})
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
    UPDATE calls
    SET status = $2, result = $3, updated_at = now()
    WHERE id = $1 AND status IN ($4, $5)
  `, callID, StatusFailed, result, StatusPending, StatusInProgress)
	return err
}

// UpsertOutcome writes a terminal call outcome. The dispatch-time attempt is
// updated when known; otherwise the row is keyed by the provider call id, so
// replaying the same outcome never creates a second call.
func (r *Repository) UpsertOutcome(ctx context.Context, q DBTX, o Outcome) (uuid.UUID, error) {
	if o.AttemptID != nil {
		var id uuid.UUID
		err := q.QueryRow(ctx, `
      UPDATE calls
      SET status = $2,
          provider_call_id = COALESCE(provider_call_id, NULLIF($3, '')),
          raw_event_ref = $4,
          result = $5,
          patient_id = COALESCE(patient_id, $6),
          updated_at = now()
      WHERE id = $1
      RETURNING id
    `, *o.AttemptID, o.Status, o.ProviderCallID, o.RawEventRef, o.Result, o.PatientID).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, err
		}
	}

	if o.ProviderCallID == "" {
		return uuid.Nil, fmt.Errorf("call outcome has neither attempt id nor provider call id")
	}

	var id uuid.UUID
	err := q.QueryRow(ctx, `
    INSERT INTO calls (id, org_id, run_id, patient_id, provider_call_id, direction, status, raw_event_ref, result)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    ON CONFLICT (provider_call_id) DO UPDATE SET
      status = EXCLUDED.status,
      raw_event_ref = EXCLUDED.raw_event_ref,
      result = EXCLUDED.result,
      run_id = COALESCE(calls.run_id, EXCLUDED.run_id),
      patient_id = COALESCE(calls.patient_id, EXCLUDED.patient_id),
      updated_at = now()
    RETURNING id
  `, uuid.New(), o.OrgID, o.RunID, o.PatientID, o.ProviderCallID, o.Direction, o.Status, o.RawEventRef, o.Result).Scan(&id)
	return id, err
}

// CountActiveCalls counts a run's calls currently with the provider.
func (r *Repository) CountActiveCalls(ctx context.Context, runID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
    SELECT COUNT(*) FROM calls WHERE run_id = $1 AND status = $2
  `, runID, StatusInProgress).Scan(&n)
	return n, err
}

// ListByRun returns a run's calls, newest first.
func (r *Repository) ListByRun(ctx context.Context, runID uuid.UUID, limit int) ([]Call, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
    SELECT id, org_id, run_id, patient_id, provider_call_id, direction, status, raw_event_ref, result, created_at, updated_at
    FROM calls
    WHERE run_id = $1
    ORDER BY created_at DESC
    LIMIT $2
  `, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Call
	for rows.Next() {
		var c Call
		var direction, status string
		if err := rows.Scan(&c.ID, &c.OrgID, &c.RunID, &c.PatientID, &c.ProviderCallID, &direction, &status, &c.RawEventRef, &c.Result, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Direction = Direction(direction)
		c.Status = Status(status)
		result = append(result, c)
	}
	return result, rows.Err()
}
