// Package runstate is the fast-path store for per-run counters and status.
//
// State lives in one Redis hash per run and is only ever mutated through
// server-side Lua scripts that add signed deltas, so concurrent dispatch
// passes and webhook reconciliations never lose each other's updates.
package runstate

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle status of a run.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusReady      Status = "READY"
	StatusRunning    Status = "RUNNING"
	StatusPaused     Status = "PAUSED"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusReady, StatusRunning, StatusPaused, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// RunState is the live view of a run.
type RunState struct {
	RunID          uuid.UUID `json:"runId"`
	OrgID          uuid.UUID `json:"orgId"`
	CampaignID     uuid.UUID `json:"campaignId"`
	Status         Status    `json:"status"`
	TotalCalls     int64     `json:"totalCalls"`
	CompletedCalls int64     `json:"completedCalls"`
	FailedCalls    int64     `json:"failedCalls"`
	ActiveCalls    int64     `json:"activeCalls"`
	// PendingCalls counts patients attached to the run that have not been dispatched yet.
	PendingCalls int64     `json:"pendingCalls"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

// Done reports whether the completion condition holds.
func (s RunState) Done() bool {
	return s.ActiveCalls == 0 &&
		s.PendingCalls == 0 &&
		s.TotalCalls > 0 &&
		s.CompletedCalls+s.FailedCalls == s.TotalCalls
}

// Transition is a status change guarded by the current status and, when
// RequireIdle is set, by there being no active calls.
type Transition struct {
	From        []Status
	To          Status
	RequireIdle bool
}

// TransitionResult is what the store observed when applying a Transition.
type TransitionResult struct {
	Applied     bool
	Previous    Status
	ActiveCalls int64
}

// Delta is a set of signed counter adjustments applied atomically.
type Delta struct {
	Total     int64
	Completed int64
	Failed    int64
	Active    int64
	Pending   int64
}

// Reservation moves one patient from pending to active and counts the call.
var Reservation = Delta{Pending: -1, Active: 1, Total: 1}

// IsZero reports whether the delta changes no counter.
func (d Delta) IsZero() bool {
	return d == Delta{}
}

// Add returns the field-wise sum of two deltas.
func (d Delta) Add(o Delta) Delta {
	return Delta{
		Total:     d.Total + o.Total,
		Completed: d.Completed + o.Completed,
		Failed:    d.Failed + o.Failed,
		Active:    d.Active + o.Active,
		Pending:   d.Pending + o.Pending,
	}
}

const (
	fieldStatus      = "status"
	fieldOrgID       = "org_id"
	fieldCampaignID  = "campaign_id"
	fieldTotal       = "total_calls"
	fieldCompleted   = "completed_calls"
	fieldFailed      = "failed_calls"
	fieldActive      = "active_calls"
	fieldPending     = "pending_calls"
	fieldLastUpdated = "last_updated"
)

// args flattens the non-zero entries as field/delta pairs for the apply script.
func (d Delta) args() []interface{} {
	pairs := []struct {
		field string
		value int64
	}{
		{fieldTotal, d.Total},
		{fieldCompleted, d.Completed},
		{fieldFailed, d.Failed},
		{fieldActive, d.Active},
		{fieldPending, d.Pending},
	}
	out := make([]interface{}, 0, len(pairs)*2)
	for _, p := range pairs {
		if p.value != 0 {
			out = append(out, p.field, p.value)
		}
	}
	return out
}
