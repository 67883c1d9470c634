package calls

import (
	"context"
	"errors"
	"log/slog"

	"rivvi_backend/internal/dedup"
	"rivvi_backend/platform/apperr"
	"rivvi_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PersistInput is one call outcome plus, when the event identifies the
// person, the contact fields used to resolve the patient.
type PersistInput struct {
	Outcome Outcome
	Contact *dedup.Row
}

// PersistResult reports what was written.
type PersistResult struct {
	CallID     uuid.UUID
	PatientID  *uuid.UUID
	NewPatient bool
}

// Service writes call outcomes durably.
type Service struct {
	repo  *Repository
	dedup *dedup.Engine
	log   *logger.Logger
}

func NewService(repo *Repository, engine *dedup.Engine, log *logger.Logger) *Service {
	return &Service{repo: repo, dedup: engine, log: log}
}

// PersistOutcome resolves the patient and upserts the call in a single
// transaction. The identity index is updated only after commit.
func (s *Service) PersistOutcome(ctx context.Context, in PersistInput) (PersistResult, error) {
	var result PersistResult
	var identityHash string

	err := s.repo.InTx(ctx, func(tx pgx.Tx) error {
		outcome := in.Outcome
		if in.Contact != nil && outcome.PatientID == nil {
			res, err := s.dedup.ResolveIn(ctx, s.repo.Patients(tx), outcome.OrgID, *in.Contact)
			var verr *dedup.ValidationError
			switch {
			case errors.As(err, &verr):
				// An unusable contact does not block persisting the call itself.
				s.log.WithContext(ctx).Warn("call contact not resolved",
					slog.String("provider_call_id", outcome.ProviderCallID),
					slog.String("error", verr.Error()),
				)
			case err != nil:
				return err
			default:
				outcome.PatientID = &res.PatientID
				result.NewPatient = res.IsNew
				identityHash = res.Identity.Hash
			}
		}

		callID, err := s.repo.UpsertOutcome(ctx, tx, outcome)
		if err != nil {
			return err
		}
		result.CallID = callID
		result.PatientID = outcome.PatientID
		return nil
	})
	if err != nil {
		return PersistResult{}, apperr.PersistenceFailure("call outcome not persisted", err)
	}

	if identityHash != "" && result.PatientID != nil {
		if _, err := s.dedup.Remember(ctx, identityHash, *result.PatientID); err != nil {
			s.log.WithContext(ctx).Warn("identity index not updated",
				slog.String("patient_id", result.PatientID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return result, nil
}

// CreateOutboundCall records a PENDING outbound attempt.
func (s *Service) CreateOutboundCall(ctx context.Context, orgID, runID, patientID uuid.UUID) (uuid.UUID, error) {
	return s.repo.CreateOutboundCall(ctx, orgID, runID, patientID)
}

func (s *Service) MarkDispatched(ctx context.Context, callID uuid.UUID, providerCallID string) error {
	return s.repo.MarkDispatched(ctx, callID, providerCallID)
}

func (s *Service) MarkDispatchFailed(ctx context.Context, callID uuid.UUID, reason string) error {
	return s.repo.MarkDispatchFailed(ctx, callID, reason)
}

// ListByRun returns a run's most recent calls.
func (s *Service) ListByRun(ctx context.Context, runID uuid.UUID, limit int) ([]Call, error) {
	return s.repo.ListByRun(ctx, runID, limit)
}

// CountActiveCalls counts a run's calls currently with the provider.
func (s *Service) CountActiveCalls(ctx context.Context, runID uuid.UUID) (int, error) {
	n, err := s.repo.CountActiveCalls(ctx, runID)
	if err != nil {
		s.log.DatabaseError("calls.CountActiveCalls", err)
	}
	return n, err
}
