// Package dispatcher drives the outbound calls of a run under the
// organization's concurrency ceiling.
//
// A pass snapshots the run's undispatched patients and walks them in fixed
// batches. Each batch is a barrier: its calls are placed in parallel and all
// of them settle before the next batch starts. Every call reserves its slot in
// the run state (pending -> active) before the provider is contacted, and a
// failed dispatch releases the slot as a failed call.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rivvi_backend/internal/provider"
	"rivvi_backend/internal/runstate"
	"rivvi_backend/platform/apperr"
	"rivvi_backend/platform/config"
	"rivvi_backend/platform/logger"
	"rivvi_backend/platform/validator"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const adultAge = 18

var (
	// dispatchFailure releases a reserved slot as a failed call.
	dispatchFailure = runstate.Delta{Active: -1, Failed: 1}
	// unreserve returns a reserved slot to pending when no call was placed
	// for the patient in this pass.
	unreserve = runstate.Delta{Pending: 1, Active: -1, Total: -1}
)

// errStopped ends a pass early because the run left RUNNING.
var errStopped = errors.New("run is no longer running")

type Dispatcher struct {
	state   StateStore
	runs    RunSource
	calls   CallLog
	caller  Caller
	cfg     config.DispatchConfig
	backoff Backoff
	log     *logger.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(state StateStore, runs RunSource, calls CallLog, caller Caller, cfg config.DispatchConfig, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		state:  state,
		runs:   runs,
		calls:  calls,
		caller: caller,
		cfg:    cfg,
		backoff: Backoff{
			Initial: cfg.GetDispatchBackoffBase(),
			Max:     cfg.GetDispatchBackoffMax(),
		},
		log:   log,
		now:   time.Now,
		sleep: sleepContext,
	}
}

// Run performs one dispatch pass for a RUNNING run. It returns nil when the
// pass finishes or stops because the run was paused. Any run-level failure
// marks the run FAILED in both stores and is returned to the caller.
func (d *Dispatcher) Run(ctx context.Context, runID uuid.UUID) error {
	log := d.log.WithContext(ctx).With(slog.String("run_id", runID.String()))

	state, err := d.state.Get(ctx, runID)
	if err != nil {
		return d.fail(ctx, runID, fmt.Errorf("read run state: %w", err))
	}
	if state.Status != runstate.StatusRunning {
		log.Info("dispatch skipped", slog.String("status", string(state.Status)))
		return nil
	}

	target, err := d.runs.LoadDispatchTarget(ctx, runID)
	if err != nil {
		return d.fail(ctx, runID, fmt.Errorf("load run: %w", err))
	}
	patients, err := d.runs.ListUndispatchedPatients(ctx, runID)
	if err != nil {
		return d.fail(ctx, runID, fmt.Errorf("list pending patients: %w", err))
	}
	if target.MaxConcurrentCalls <= 0 {
		target.MaxConcurrentCalls = d.cfg.GetMaxConcurrentCalls()
	}

	limiter := d.batchLimiter()
	batches := chunk(patients, d.cfg.GetDispatchBatchSize())
	log.Info("dispatch pass started",
		slog.Int("patients", len(patients)),
		slog.Int("batches", len(batches)),
		slog.Int("max_concurrent_calls", target.MaxConcurrentCalls),
	)

	for i, batch := range batches {
		err := d.dispatchBatch(ctx, target, batch)
		if errors.Is(err, errStopped) {
			log.Info("dispatch pass stopped", slog.Int("batch", i))
			return nil
		}
		if err != nil {
			return d.fail(ctx, runID, err)
		}

		current, err := d.state.Get(ctx, runID)
		if err != nil {
			return d.fail(ctx, runID, fmt.Errorf("read run state: %w", err))
		}
		if current.Status != runstate.StatusRunning {
			log.Info("dispatch pass stopped", slog.Int("batch", i), slog.String("status", string(current.Status)))
			return nil
		}

		if i < len(batches)-1 {
			if err := limiter.Wait(ctx); err != nil {
				return d.fail(ctx, runID, err)
			}
		}
	}

	completed, err := d.state.CompleteIfDone(ctx, runID)
	if err != nil {
		return d.fail(ctx, runID, fmt.Errorf("check completion: %w", err))
	}
	if completed {
		if err := d.runs.UpdateRunStatus(ctx, runID, runstate.StatusCompleted); err != nil {
			return fmt.Errorf("mirror completed status: %w", err)
		}
	}
	log.Info("dispatch pass finished", slog.Bool("completed", completed))
	return nil
}

// dispatchBatch places every call of the batch, never more at once than the
// free capacity observed in the run state. While the ceiling is reached it
// backs off and retries the same batch.
func (d *Dispatcher) dispatchBatch(ctx context.Context, target Target, batch []Patient) error {
	remaining := batch
	attempt := 0
	for len(remaining) > 0 {
		state, err := d.state.Get(ctx, target.RunID)
		if err != nil {
			return fmt.Errorf("read run state: %w", err)
		}
		if state.Status != runstate.StatusRunning {
			return errStopped
		}

		free := int64(target.MaxConcurrentCalls) - state.ActiveCalls
		if free <= 0 {
			attempt++
			delay := d.backoff.NextDelay(attempt)
			d.log.Debug("concurrency ceiling reached",
				slog.String("run_id", target.RunID.String()),
				slog.Int64("active_calls", state.ActiveCalls),
				slog.Duration("backoff", delay),
			)
			if err := d.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		attempt = 0

		n := len(remaining)
		if int64(n) > free {
			n = int(free)
		}
		if err := d.dispatchAll(ctx, target, remaining[:n]); err != nil {
			return err
		}
		remaining = remaining[n:]
	}
	return nil
}

// dispatchAll places calls in parallel and waits for all of them. In-flight
// calls are not cancelled when one of them reports a run-level error.
func (d *Dispatcher) dispatchAll(ctx context.Context, target Target, patients []Patient) error {
	var g errgroup.Group
	for _, p := range patients {
		g.Go(func() error {
			return d.dispatchOne(ctx, target, p)
		})
	}
	return g.Wait()
}

// dispatchOne places a single call. Provider failures are absorbed into the
// failed counter; only run state failures are returned.
func (d *Dispatcher) dispatchOne(ctx context.Context, target Target, p Patient) error {
	if err := d.state.ApplyDelta(ctx, target.RunID, runstate.Reservation, nil); err != nil {
		return fmt.Errorf("reserve call slot: %w", err)
	}

	callID, err := d.calls.CreateOutboundCall(ctx, target.OrgID, target.RunID, p.ID)
	if apperr.Is(err, apperr.KindConflict) {
		d.log.Debug("patient already dispatched by another pass",
			slog.String("run_id", target.RunID.String()),
			slog.String("patient_id", p.ID.String()),
		)
		if err := d.state.ApplyDelta(ctx, target.RunID, unreserve, nil); err != nil {
			return fmt.Errorf("return call slot: %w", err)
		}
		return nil
	}
	if err != nil {
		// Without a call row the patient is still undispatched, so the slot
		// goes back to pending for the next pass.
		d.log.Warn("call attempt not recorded",
			slog.String("run_id", target.RunID.String()),
			slog.String("patient_id", p.ID.String()),
			slog.String("error", err.Error()),
		)
		if err := d.state.ApplyDelta(ctx, target.RunID, unreserve, nil); err != nil {
			return fmt.Errorf("return call slot: %w", err)
		}
		return nil
	}

	resp, err := d.caller.MakeCall(ctx, provider.CallRequest{
		ToNumber:  p.Phone,
		AgentID:   target.AgentID,
		Variables: d.variables(target, p),
		Metadata: map[string]string{
			"runId":      target.RunID.String(),
			"campaignId": target.CampaignID.String(),
			"orgId":      target.OrgID.String(),
			"rowId":      p.ID.String(),
			"callId":     callID.String(),
		},
	})
	if err != nil {
		return d.release(ctx, target, p, callID, err)
	}

	if err := d.calls.MarkDispatched(ctx, callID, resp.CallID); err != nil {
		d.log.Warn("failed to mark call dispatched",
			slog.String("call_id", callID.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// release compensates a reservation whose call never reached the provider.
func (d *Dispatcher) release(ctx context.Context, target Target, p Patient, callID uuid.UUID, cause error) error {
	d.log.Warn("call dispatch failed",
		slog.String("run_id", target.RunID.String()),
		slog.String("patient_id", p.ID.String()),
		slog.String("error", cause.Error()),
	)

	if err := d.state.ApplyDelta(ctx, target.RunID, dispatchFailure, nil); err != nil {
		return fmt.Errorf("release call slot: %w", err)
	}

	if callID != uuid.Nil {
		if err := d.calls.MarkDispatchFailed(ctx, callID, cause.Error()); err != nil {
			d.log.Warn("failed to mark call failed",
				slog.String("call_id", callID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// fail marks the run FAILED in both stores and returns cause. Cancellation is
// a shutdown, not a run failure, and leaves the run untouched.
func (d *Dispatcher) fail(ctx context.Context, runID uuid.UUID, cause error) error {
	if errors.Is(cause, context.Canceled) {
		return cause
	}

	bg := context.WithoutCancel(ctx)
	failed := runstate.StatusFailed
	if err := d.state.ApplyDelta(bg, runID, runstate.Delta{}, &failed); err != nil {
		d.log.Error("failed to mark run state failed",
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
	}
	if err := d.runs.UpdateRunStatus(bg, runID, runstate.StatusFailed); err != nil {
		d.log.DatabaseError("runs.UpdateRunStatus", err)
	}
	d.log.Error("dispatch pass failed",
		slog.String("run_id", runID.String()),
		slog.String("error", cause.Error()),
	)
	return cause
}

func (d *Dispatcher) variables(target Target, p Patient) map[string]string {
	vars := make(map[string]string, len(target.Variables)+len(p.Variables)+6)
	for k, v := range target.Variables {
		vars[k] = v
	}
	for k, v := range p.Variables {
		vars[k] = v
	}
	vars["first_name"] = p.FirstName
	vars["last_name"] = p.LastName
	vars["dob"] = p.DOB
	vars["phone"] = p.Phone
	vars["is_minor"] = minorFlag(p.DOB, d.now())
	return vars
}

func (d *Dispatcher) batchLimiter() *rate.Limiter {
	delay := d.cfg.GetDispatchBatchDelay()
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	limiter := rate.NewLimiter(rate.Every(delay), 1)
	// The first batch goes out immediately; the burst token is spent on it.
	limiter.Allow()
	return limiter
}

// minorFlag is "TRUE" when someone born on dob is under 18 at now, else
// "FALSE". An unparseable date counts as an adult.
func minorFlag(dob string, now time.Time) string {
	born, err := time.Parse(validator.DateLayout, dob)
	if err != nil || !born.AddDate(adultAge, 0, 0).After(now) {
		return "FALSE"
	}
	return "TRUE"
}

func chunk(patients []Patient, size int) [][]Patient {
	if size <= 0 {
		size = 1
	}
	var out [][]Patient
	for start := 0; start < len(patients); start += size {
		end := start + size
		if end > len(patients) {
			end = len(patients)
		}
		out = append(out, patients[start:end])
	}
	return out
}
