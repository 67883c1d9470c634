package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"rivvi_backend/internal/calls"
	"rivvi_backend/internal/events"
	"rivvi_backend/internal/runs/repository"
	"rivvi_backend/internal/runs/transport"
	"rivvi_backend/internal/runstate"
	"rivvi_backend/platform/apperr"
	"rivvi_backend/platform/logger"
)

const (
	msgActiveRunExists = "Organization already has an active run"
	activeCallsLimit   = 1000
)

// Service provides the run lifecycle: create, upload, start, pause, resume,
// finish and the read models built from the durable and live stores.
type Service struct {
	repo      repository.Repository
	state     StateStore
	campaigns CampaignChecker
	patients  PatientResolver
	calls     CallReader
	scheduler DispatchScheduler
	store     ObjectStore
	buckets   Buckets
	bus       events.Bus
	log       *logger.Logger
	now       func() time.Time
}

// Deps groups the collaborators of the run service.
type Deps struct {
	Repo      repository.Repository
	State     StateStore
	Campaigns CampaignChecker
	Patients  PatientResolver
	Calls     CallReader
	Scheduler DispatchScheduler
	Store     ObjectStore
	Buckets   Buckets
	Bus       events.Bus
	Log       *logger.Logger
}

// New creates a new run service.
func New(deps Deps) *Service {
	return &Service{
		repo:      deps.Repo,
		state:     deps.State,
		campaigns: deps.Campaigns,
		patients:  deps.Patients,
		calls:     deps.Calls,
		scheduler: deps.Scheduler,
		store:     deps.Store,
		buckets:   deps.Buckets,
		bus:       deps.Bus,
		log:       deps.Log,
		now:       time.Now,
	}
}

// Create registers a PENDING run and its live state. An organization may not
// create a run while another one is processing or running.
func (s *Service) Create(ctx context.Context, orgID uuid.UUID, req transport.CreateRunRequest) (transport.RunResponse, error) {
	if err := s.campaigns.EnsureCampaign(ctx, orgID, req.CampaignID); err != nil {
		return transport.RunResponse{}, err
	}

	active, err := s.repo.FindByStatus(ctx, orgID, []string{string(runstate.StatusProcessing), string(runstate.StatusRunning)}, uuid.Nil)
	if err != nil {
		return transport.RunResponse{}, err
	}
	if active != nil {
		return transport.RunResponse{}, apperr.PreconditionFailed(msgActiveRunExists).WithOp("runs.Create")
	}

	run, err := s.repo.Create(ctx, repository.CreateRunParams{
		OrgID:       orgID,
		CampaignID:  req.CampaignID,
		Name:        req.Name,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		return transport.RunResponse{}, err
	}

	state, err := s.state.Initialize(ctx, run.ID, run.CampaignID, orgID)
	if err != nil {
		return transport.RunResponse{}, fmt.Errorf("initialize run state: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(ctx, events.RunCreated{
			BaseEvent:  events.NewBaseEvent(),
			RunID:      run.ID,
			OrgID:      orgID,
			CampaignID: run.CampaignID,
			Name:       run.Name,
		})
	}

	s.log.WithContext(ctx).Info("run created",
		slog.String("run_id", run.ID.String()),
		slog.String("campaign_id", run.CampaignID.String()),
	)
	return toRunResponse(run, &state), nil
}

// Get returns the durable run merged with its live counters. When the two
// stores disagree on status the durable record is brought in line with the
// live one.
func (s *Service) Get(ctx context.Context, orgID, runID uuid.UUID) (transport.RunResponse, error) {
	run, live, err := s.load(ctx, orgID, runID)
	if err != nil {
		return transport.RunResponse{}, err
	}
	if live == nil {
		return toRunResponse(run, nil), nil
	}

	if string(live.Status) != run.Status && live.Status.Valid() {
		if err := s.repo.UpdateStatus(ctx, runID, string(live.Status)); err != nil {
			s.log.WithContext(ctx).Warn("run status mirror not repaired",
				slog.String("run_id", runID.String()),
				slog.String("error", err.Error()),
			)
		} else {
			s.log.WithContext(ctx).Info("run status mirror repaired",
				slog.String("run_id", runID.String()),
				slog.String("from", run.Status),
				slog.String("to", string(live.Status)),
			)
			run.Status = string(live.Status)
		}
	}
	return toRunResponse(run, live), nil
}

// Start moves a READY run to RUNNING and schedules its dispatch pass.
func (s *Service) Start(ctx context.Context, orgID, runID uuid.UUID) (transport.RunResponse, error) {
	run, live, err := s.loadLive(ctx, orgID, runID)
	if err != nil {
		return transport.RunResponse{}, err
	}
	if err := startGuard.check(live); err != nil {
		return transport.RunResponse{}, err
	}
	if err := s.ensureNoOtherRunning(ctx, orgID, runID, startGuard.op); err != nil {
		return transport.RunResponse{}, err
	}

	if err := s.advance(ctx, runID, startGuard); err != nil {
		return transport.RunResponse{}, err
	}
	if err := s.scheduler.ScheduleDispatch(ctx, runID); err != nil {
		s.revert(ctx, runID, runstate.StatusRunning, runstate.StatusReady)
		return transport.RunResponse{}, fmt.Errorf("schedule dispatch: %w", err)
	}

	run.Status = string(runstate.StatusRunning)
	live.Status = runstate.StatusRunning
	return toRunResponse(run, &live), nil
}

// Pause stops dispatching new calls. It is refused while calls are in flight.
func (s *Service) Pause(ctx context.Context, orgID, runID uuid.UUID) (transport.RunResponse, error) {
	run, live, err := s.loadLive(ctx, orgID, runID)
	if err != nil {
		return transport.RunResponse{}, err
	}
	if err := pauseGuard.check(live); err != nil {
		return transport.RunResponse{}, err
	}

	if err := s.advance(ctx, runID, pauseGuard); err != nil {
		return transport.RunResponse{}, err
	}
	run.Status = string(runstate.StatusPaused)
	live.Status = runstate.StatusPaused
	return toRunResponse(run, &live), nil
}

// Resume returns a PAUSED run to RUNNING and schedules a new dispatch pass
// over the patients not yet called.
func (s *Service) Resume(ctx context.Context, orgID, runID uuid.UUID) (transport.RunResponse, error) {
	run, live, err := s.loadLive(ctx, orgID, runID)
	if err != nil {
		return transport.RunResponse{}, err
	}
	if err := resumeGuard.check(live); err != nil {
		return transport.RunResponse{}, err
	}
	if err := s.ensureNoOtherRunning(ctx, orgID, runID, resumeGuard.op); err != nil {
		return transport.RunResponse{}, err
	}

	if err := s.advance(ctx, runID, resumeGuard); err != nil {
		return transport.RunResponse{}, err
	}
	if err := s.scheduler.ScheduleDispatch(ctx, runID); err != nil {
		s.revert(ctx, runID, runstate.StatusRunning, runstate.StatusPaused)
		return transport.RunResponse{}, fmt.Errorf("schedule dispatch: %w", err)
	}

	run.Status = string(runstate.StatusRunning)
	live.Status = runstate.StatusRunning
	return toRunResponse(run, &live), nil
}

// Finish completes a RUNNING or PAUSED run early. It is refused while calls are in flight.
func (s *Service) Finish(ctx context.Context, orgID, runID uuid.UUID) (transport.RunResponse, error) {
	run, live, err := s.loadLive(ctx, orgID, runID)
	if err != nil {
		return transport.RunResponse{}, err
	}
	if err := finishGuard.check(live); err != nil {
		return transport.RunResponse{}, err
	}

	if err := s.advance(ctx, runID, finishGuard); err != nil {
		return transport.RunResponse{}, err
	}
	run.Status = string(runstate.StatusCompleted)
	live.Status = runstate.StatusCompleted
	return toRunResponse(run, &live), nil
}

// ListByCampaign returns a campaign's runs with live counters where available.
func (s *Service) ListByCampaign(ctx context.Context, orgID, campaignID uuid.UUID) (transport.RunListResponse, error) {
	if err := s.campaigns.EnsureCampaign(ctx, orgID, campaignID); err != nil {
		return transport.RunListResponse{}, err
	}

	var runs []repository.Run
	var states []runstate.RunState
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		runs, err = s.repo.ListByCampaign(gctx, orgID, campaignID)
		return err
	})
	g.Go(func() error {
		var err error
		states, err = s.state.QueryByCampaign(gctx, campaignID)
		return err
	})
	if err := g.Wait(); err != nil {
		return transport.RunListResponse{}, err
	}

	live := make(map[uuid.UUID]runstate.RunState, len(states))
	for _, st := range states {
		live[st.RunID] = st
	}

	items := make([]transport.RunResponse, len(runs))
	for i, run := range runs {
		if st, ok := live[run.ID]; ok {
			items[i] = toRunResponse(run, &st)
			continue
		}
		items[i] = toRunResponse(run, nil)
	}
	return transport.RunListResponse{Items: items}, nil
}

// ActiveRun returns the organization's processing, running or paused run, if any.
func (s *Service) ActiveRun(ctx context.Context, orgID uuid.UUID) (transport.ActiveRunResponse, error) {
	statuses := []string{string(runstate.StatusProcessing), string(runstate.StatusRunning), string(runstate.StatusPaused)}
	run, err := s.repo.FindByStatus(ctx, orgID, statuses, uuid.Nil)
	if err != nil || run == nil {
		return transport.ActiveRunResponse{}, err
	}

	resp, err := s.Get(ctx, orgID, run.ID)
	if err != nil {
		return transport.ActiveRunResponse{}, err
	}
	return transport.ActiveRunResponse{Run: &resp}, nil
}

// QueryStates returns the organization's live run states, optionally filtered by status.
func (s *Service) QueryStates(ctx context.Context, orgID uuid.UUID, status string) (transport.RunStateListResponse, error) {
	var filter *runstate.Status
	if status != "" {
		st := runstate.Status(status)
		if !st.Valid() {
			return transport.RunStateListResponse{}, apperr.Validation("unknown run status")
		}
		filter = &st
	}

	states, err := s.state.QueryByOrg(ctx, orgID, filter)
	if err != nil {
		return transport.RunStateListResponse{}, err
	}

	items := make([]transport.RunStateResponse, len(states))
	for i, st := range states {
		items[i] = transport.RunStateResponse{
			RunID:          st.RunID,
			CampaignID:     st.CampaignID,
			Status:         string(st.Status),
			TotalCalls:     st.TotalCalls,
			CompletedCalls: st.CompletedCalls,
			FailedCalls:    st.FailedCalls,
			ActiveCalls:    st.ActiveCalls,
			PendingCalls:   st.PendingCalls,
			LastUpdated:    st.LastUpdated,
		}
	}
	return transport.RunStateListResponse{Items: items}, nil
}

// ActiveCalls returns the run's calls currently with the provider.
func (s *Service) ActiveCalls(ctx context.Context, orgID, runID uuid.UUID) (transport.ActiveCallsResponse, error) {
	if _, err := s.repo.GetByID(ctx, orgID, runID); err != nil {
		return transport.ActiveCallsResponse{}, err
	}

	list, err := s.calls.ListByRun(ctx, runID, activeCallsLimit)
	if err != nil {
		return transport.ActiveCallsResponse{}, err
	}

	active := make([]transport.CallResponse, 0)
	for _, c := range list {
		if c.Status == calls.StatusInProgress {
			active = append(active, toCallResponse(c))
		}
	}
	return transport.ActiveCallsResponse{Count: len(active), Calls: active}, nil
}

// ListCalls returns the run's most recent calls.
func (s *Service) ListCalls(ctx context.Context, orgID, runID uuid.UUID, limit int) (transport.CallListResponse, error) {
	if _, err := s.repo.GetByID(ctx, orgID, runID); err != nil {
		return transport.CallListResponse{}, err
	}

	list, err := s.calls.ListByRun(ctx, runID, limit)
	if err != nil {
		return transport.CallListResponse{}, err
	}

	items := make([]transport.CallResponse, len(list))
	for i, c := range list {
		items[i] = toCallResponse(c)
	}
	return transport.CallListResponse{Items: items}, nil
}

func toCallResponse(c calls.Call) transport.CallResponse {
	return transport.CallResponse{
		ID:             c.ID,
		PatientID:      c.PatientID,
		ProviderCallID: c.ProviderCallID,
		Direction:      string(c.Direction),
		Status:         string(c.Status),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

// load fetches the durable record and live state in parallel. A missing live
// state yields a nil pointer rather than an error.
func (s *Service) load(ctx context.Context, orgID, runID uuid.UUID) (repository.Run, *runstate.RunState, error) {
	var run repository.Run
	var live *runstate.RunState

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		run, err = s.repo.GetByID(gctx, orgID, runID)
		return err
	})
	g.Go(func() error {
		st, err := s.state.Get(gctx, runID)
		if apperr.Is(err, apperr.KindNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		live = &st
		return nil
	})
	if err := g.Wait(); err != nil {
		return repository.Run{}, nil, err
	}

	// The live store is keyed by run id alone, so scope it through the durable record.
	if live != nil && live.OrgID != uuid.Nil && live.OrgID != orgID {
		return repository.Run{}, nil, apperr.NotFound("run not found")
	}
	return run, live, nil
}

func (s *Service) loadLive(ctx context.Context, orgID, runID uuid.UUID) (repository.Run, runstate.RunState, error) {
	run, live, err := s.load(ctx, orgID, runID)
	if err != nil {
		return repository.Run{}, runstate.RunState{}, err
	}
	if live == nil {
		return repository.Run{}, runstate.RunState{}, apperr.NotFound("run state not found")
	}
	return run, *live, nil
}

func (s *Service) ensureNoOtherRunning(ctx context.Context, orgID, runID uuid.UUID, op string) error {
	other, err := s.repo.FindByStatus(ctx, orgID, []string{string(runstate.StatusRunning)}, runID)
	if err != nil {
		return err
	}
	if other != nil {
		return apperr.PreconditionFailed(msgActiveRunExists).WithOp(op)
	}
	return nil
}

// advance applies a guarded transition in the live store, then mirrors the
// new status durably. A refused guard maps to PreconditionFailed.
func (s *Service) advance(ctx context.Context, runID uuid.UUID, g guard) error {
	res, err := s.state.Transition(ctx, runID, g.transition())
	if err != nil {
		return fmt.Errorf("set run status: %w", err)
	}
	if !res.Applied {
		return g.refusal(res.Previous, res.ActiveCalls)
	}
	return s.mirror(ctx, runID, g.to)
}

// setStatus overrides the live status unconditionally, then mirrors it durably.
func (s *Service) setStatus(ctx context.Context, runID uuid.UUID, status runstate.Status) error {
	if err := s.state.SetStatus(ctx, runID, status); err != nil {
		return fmt.Errorf("set run status: %w", err)
	}
	return s.mirror(ctx, runID, status)
}

func (s *Service) mirror(ctx context.Context, runID uuid.UUID, status runstate.Status) error {
	if err := s.repo.UpdateStatus(ctx, runID, string(status)); err != nil {
		s.log.DatabaseError("runs.UpdateStatus", err)
		return apperr.PersistenceFailure("run status not saved", err)
	}
	return nil
}

// revert undoes a transition whose follow-up failed, unless the run has moved
// on since. Failures are logged only.
func (s *Service) revert(ctx context.Context, runID uuid.UUID, from, to runstate.Status) {
	ctx = context.WithoutCancel(ctx)
	g := guard{op: "runs.revert", from: []runstate.Status{from}, to: to}
	if err := s.advance(ctx, runID, g); err != nil {
		s.log.WithContext(ctx).Error("run status not reverted",
			slog.String("run_id", runID.String()),
			slog.String("status", string(to)),
			slog.String("error", err.Error()),
		)
	}
}

func toRunResponse(run repository.Run, live *runstate.RunState) transport.RunResponse {
	resp := transport.RunResponse{
		ID:           run.ID,
		CampaignID:   run.CampaignID,
		Name:         run.Name,
		Status:       run.Status,
		FileRef:      run.FileRef,
		ProcessedRef: run.ProcessedRef,
		TotalRows:    run.TotalRows,
		InvalidRows:  run.InvalidRows,
		ScheduledAt:  run.ScheduledAt,
		StartedAt:    run.StartedAt,
		PausedAt:     run.PausedAt,
		CompletedAt:  run.CompletedAt,
		CreatedAt:    run.CreatedAt,
		UpdatedAt:    run.UpdatedAt,
	}
	if live != nil {
		resp.Status = string(live.Status)
		resp.Live = &transport.LiveCounters{
			TotalCalls:     live.TotalCalls,
			CompletedCalls: live.CompletedCalls,
			FailedCalls:    live.FailedCalls,
			ActiveCalls:    live.ActiveCalls,
			PendingCalls:   live.PendingCalls,
			LastUpdated:    live.LastUpdated,
		}
	}
	return resp
}
