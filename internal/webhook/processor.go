// Package webhook ingests call-outcome events from the call provider.
//
// An event moves RECEIVED -> STORED -> RECONCILED -> QUEUED. The raw payload
// is archived first, run counters are reconciled next, and the event is then
// handed to a queue for transactional persistence by the Consumer.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rivvi_backend/internal/adapters/storage"
	"rivvi_backend/internal/runstate"
	"rivvi_backend/platform/apperr"
	"rivvi_backend/platform/logger"
	"rivvi_backend/platform/phone"
	"rivvi_backend/platform/validator"

	"github.com/google/uuid"
)

// Reconciliation deltas.
var (
	outboundCompleted = runstate.Delta{Active: -1, Completed: 1}
	outboundFailed    = runstate.Delta{Active: -1, Failed: 1}
	// An inbound call is only seen once it is over, so its reservation and
	// release land together.
	inboundSettled = runstate.Delta{Total: 1, Completed: 1}
)

// Status is the ingestion result reported to the provider.
type Status string

const (
	StatusIgnored   Status = "ignored"
	StatusQueued    Status = "queued"
	StatusDuplicate Status = "duplicate"
)

// Result describes what ingestion did with an event.
type Result struct {
	Status           Status     `json:"status"`
	StorageReference string     `json:"storageReference,omitempty"`
	RunID            *uuid.UUID `json:"runId,omitempty"`
	RunCompleted     bool       `json:"runCompleted,omitempty"`
}

// Archive stores raw event payloads.
type Archive interface {
	PutJSON(ctx context.Context, bucket, key string, v any) (string, error)
}

// RunStates is the subset of the run state store reconciliation uses.
type RunStates interface {
	ApplyDelta(ctx context.Context, runID uuid.UUID, delta runstate.Delta, override *runstate.Status) error
	CompleteIfDone(ctx context.Context, runID uuid.UUID) (bool, error)
	FindActiveRunByPhone(ctx context.Context, orgID uuid.UUID, phone string) (*runstate.RunState, error)
}

// StatusMirror writes run status into the durable run record.
type StatusMirror interface {
	UpdateRunStatus(ctx context.Context, runID uuid.UUID, status runstate.Status) error
}

// Queue hands events to the durable-persistence consumer.
type Queue interface {
	EnqueueCallEvent(ctx context.Context, msg BatchMessage, delay time.Duration) error
	DeadLetter(ctx context.Context, msg BatchMessage) error
}

// Processor ingests provider events.
type Processor struct {
	archive Archive
	bucket  string
	state   RunStates
	runs    StatusMirror
	ledger  Ledger
	queue   Queue
	val     *validator.Validator
	log     *logger.Logger
}

// NewProcessor creates a Processor archiving raw events into bucket.
func NewProcessor(archive Archive, bucket string, state RunStates, runs StatusMirror, ledger Ledger, queue Queue, val *validator.Validator, log *logger.Logger) *Processor {
	return &Processor{
		archive: archive,
		bucket:  bucket,
		state:   state,
		runs:    runs,
		ledger:  ledger,
		queue:   queue,
		val:     val,
		log:     log,
	}
}

// Process ingests one event. Events other than call_analyzed are dropped.
// A returned error means the event was not fully ingested and the delivery
// should be retried by the sender.
func (p *Processor) Process(ctx context.Context, ev Event) (Result, error) {
	if ev.Type != EventCallAnalyzed {
		return Result{Status: StatusIgnored}, nil
	}
	if err := p.val.Struct(ev); err != nil {
		return Result{}, apperr.Validation("invalid call event").WithDetails(err.Error())
	}
	orgID, err := ev.OrgID()
	if err != nil {
		return Result{}, apperr.Validation("invalid organization id")
	}
	log := p.log.WithContext(ctx).With(
		slog.String("event_id", ev.ID),
		slog.String("direction", ev.Direction),
	)

	ref, err := p.store(ctx, ev)
	if err != nil {
		return Result{}, err
	}
	result := Result{Status: StatusQueued, StorageReference: ref}

	claimed, err := p.ledger.Claim(ctx, ev.ledgerKey())
	if err != nil {
		return Result{}, fmt.Errorf("claim delivery: %w", err)
	}
	if !claimed {
		log.Info("duplicate call event delivery, skipping reconciliation")
		result.Status = StatusDuplicate
		if err := p.settleDuplicate(ctx, orgID, &ev, &result); err != nil {
			return Result{}, err
		}
	} else {
		applied, err := p.reconcile(ctx, orgID, &ev, &result)
		if err != nil {
			// A claim whose delta landed is never released.
			if !applied {
				if relErr := p.ledger.Release(context.WithoutCancel(ctx), ev.ledgerKey()); relErr != nil {
					log.Error("failed to release delivery claim", slog.String("error", relErr.Error()))
				}
			}
			return Result{}, err
		}
	}

	if err := p.queue.EnqueueCallEvent(ctx, BatchMessage{Event: ev, StorageReference: ref}, 0); err != nil {
		return Result{}, fmt.Errorf("enqueue call event: %w", err)
	}
	log.Info("call event queued",
		slog.String("storage_reference", ref),
		slog.Bool("run_completed", result.RunCompleted),
	)
	return result, nil
}

// store archives the raw event. The key is derived from the event itself, so
// a redelivery overwrites the same object.
func (p *Processor) store(ctx context.Context, ev Event) (string, error) {
	key := storage.CallEventKey(ev.Direction, ev.ID, ev.Type, ev.Timestamp.UnixMilli())
	ref, err := p.archive.PutJSON(ctx, p.bucket, key, ev)
	if err != nil {
		return "", fmt.Errorf("archive call event: %w", err)
	}
	return ref, nil
}

// reconcile applies the event's counter delta and reports whether it landed.
// A correlated inbound event has its run written into the event metadata for
// the persistence consumer.
func (p *Processor) reconcile(ctx context.Context, orgID uuid.UUID, ev *Event, result *Result) (bool, error) {
	if !ev.IsOutbound() {
		return p.reconcileInbound(ctx, orgID, ev, result)
	}

	runID, err := outboundRun(ev)
	if err != nil {
		return false, err
	}
	result.RunID = runID

	delta := outboundCompleted
	if ev.Failed() {
		delta = outboundFailed
	}
	if err := p.state.ApplyDelta(ctx, *runID, delta, nil); err != nil {
		return false, fmt.Errorf("apply outbound delta: %w", err)
	}
	return true, p.complete(ctx, *runID, result)
}

// settleDuplicate repeats the side-effect-free steps of a delivery that was
// already claimed: the completion check for outbound events and run
// correlation for inbound ones. No counter moves.
func (p *Processor) settleDuplicate(ctx context.Context, orgID uuid.UUID, ev *Event, result *Result) error {
	if !ev.IsOutbound() {
		run, err := p.correlate(ctx, orgID, ev)
		if err != nil || run == nil {
			return err
		}
		p.attachRun(ev, result, run)
		return nil
	}

	runID, err := outboundRun(ev)
	if err != nil {
		return err
	}
	result.RunID = runID
	return p.complete(ctx, *runID, result)
}

// complete transitions the run to COMPLETED when its counters allow it and
// mirrors the status into the durable record. CompleteIfDone is idempotent.
func (p *Processor) complete(ctx context.Context, runID uuid.UUID, result *Result) error {
	completed, err := p.state.CompleteIfDone(ctx, runID)
	if err != nil {
		return fmt.Errorf("check run completion: %w", err)
	}
	if completed {
		result.RunCompleted = true
		if err := p.runs.UpdateRunStatus(context.WithoutCancel(ctx), runID, runstate.StatusCompleted); err != nil {
			// The fast-path state is already terminal; the run record is
			// repaired the next time the run is read.
			p.log.DatabaseError("runs.UpdateRunStatus", err)
		}
	}
	return nil
}

// reconcileInbound settles a correlated inbound call in one delta whose net
// effect equals reserving a slot ({active:+1, total:+1}) and releasing it as
// completed ({active:-1, completed:+1}).
func (p *Processor) reconcileInbound(ctx context.Context, orgID uuid.UUID, ev *Event, result *Result) (bool, error) {
	run, err := p.correlate(ctx, orgID, ev)
	if err != nil || run == nil {
		return false, err
	}

	err = p.state.ApplyDelta(ctx, run.RunID, inboundSettled, nil)
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("apply inbound delta: %w", err)
	}

	p.attachRun(ev, result, run)
	return true, nil
}

// correlate finds the running campaign that dialed the caller, if any.
func (p *Processor) correlate(ctx context.Context, orgID uuid.UUID, ev *Event) (*runstate.RunState, error) {
	from, err := phone.ParseE164(ev.FromNumber)
	if err != nil {
		return nil, nil
	}
	run, err := p.state.FindActiveRunByPhone(ctx, orgID, from)
	if err != nil {
		return nil, fmt.Errorf("correlate inbound call: %w", err)
	}
	return run, nil
}

func (p *Processor) attachRun(ev *Event, result *Result, run *runstate.RunState) {
	ev.Metadata.RunID = run.RunID.String()
	ev.Metadata.CampaignID = run.CampaignID.String()
	result.RunID = &run.RunID
}

func outboundRun(ev *Event) (*uuid.UUID, error) {
	runID, err := ev.RunID()
	if err != nil {
		return nil, apperr.Validation("invalid run id")
	}
	if runID == nil {
		return nil, apperr.MissingCorrelation("outbound call event has no run")
	}
	return runID, nil
}
