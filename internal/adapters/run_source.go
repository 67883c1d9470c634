package adapters

import (
	"context"

	"rivvi_backend/internal/dispatcher"
	runsrepo "rivvi_backend/internal/runs/repository"
	"rivvi_backend/internal/runstate"

	"github.com/google/uuid"
)

// RunSourceReader is the narrow run repository contract the dispatcher needs.
type RunSourceReader interface {
	LoadDispatchTarget(ctx context.Context, runID uuid.UUID) (runsrepo.DispatchTarget, error)
	ListUndispatchedPatients(ctx context.Context, runID uuid.UUID) ([]runsrepo.PendingPatient, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
}

// RunSource adapts the runs repository to dispatcher.RunSource. It also
// serves as the webhook processor's durable status mirror.
type RunSource struct {
	runs RunSourceReader
}

// NewRunSource creates a new run source adapter.
func NewRunSource(runs RunSourceReader) *RunSource {
	return &RunSource{runs: runs}
}

// LoadDispatchTarget reads the run with its campaign agent and concurrency ceiling.
func (a *RunSource) LoadDispatchTarget(ctx context.Context, runID uuid.UUID) (dispatcher.Target, error) {
	t, err := a.runs.LoadDispatchTarget(ctx, runID)
	if err != nil {
		return dispatcher.Target{}, err
	}
	return dispatcher.Target{
		RunID:              t.RunID,
		OrgID:              t.OrgID,
		CampaignID:         t.CampaignID,
		AgentID:            t.AgentID,
		MaxConcurrentCalls: t.MaxConcurrentCalls,
		Variables:          t.Variables,
	}, nil
}

// ListUndispatchedPatients lists attached patients not yet called in this run.
func (a *RunSource) ListUndispatchedPatients(ctx context.Context, runID uuid.UUID) ([]dispatcher.Patient, error) {
	pending, err := a.runs.ListUndispatchedPatients(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]dispatcher.Patient, len(pending))
	for i, p := range pending {
		out[i] = dispatcher.Patient{
			ID:        p.ID,
			FirstName: p.FirstName,
			LastName:  p.LastName,
			Phone:     p.Phone,
			DOB:       p.DOB,
			Variables: p.Variables,
		}
	}
	return out, nil
}

// UpdateRunStatus mirrors a live status into the durable run record.
func (a *RunSource) UpdateRunStatus(ctx context.Context, runID uuid.UUID, status runstate.Status) error {
	return a.runs.UpdateStatus(ctx, runID, string(status))
}

// Compile-time check that RunSource implements dispatcher.RunSource.
var _ dispatcher.RunSource = (*RunSource)(nil)
