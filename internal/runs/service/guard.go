package service

import (
	"rivvi_backend/internal/runstate"
	"rivvi_backend/platform/apperr"
)

// guard is a lifecycle transition with the messages reported when it is refused.
type guard struct {
	op          string
	from        []runstate.Status
	to          runstate.Status
	requireIdle bool
	wrongStatus string
	busy        string
}

var (
	uploadGuard = guard{
		op:          "runs.Upload",
		from:        []runstate.Status{runstate.StatusPending},
		to:          runstate.StatusProcessing,
		wrongStatus: "Run already has an upload",
	}
	startGuard = guard{
		op:          "runs.Start",
		from:        []runstate.Status{runstate.StatusReady},
		to:          runstate.StatusRunning,
		wrongStatus: "Run is not ready to start",
	}
	pauseGuard = guard{
		op:          "runs.Pause",
		from:        []runstate.Status{runstate.StatusRunning},
		to:          runstate.StatusPaused,
		requireIdle: true,
		wrongStatus: "Run is not currently running",
		busy:        "Cannot pause run with active calls",
	}
	resumeGuard = guard{
		op:          "runs.Resume",
		from:        []runstate.Status{runstate.StatusPaused},
		to:          runstate.StatusRunning,
		wrongStatus: "Run is not paused",
	}
	finishGuard = guard{
		op:          "runs.Finish",
		from:        []runstate.Status{runstate.StatusRunning, runstate.StatusPaused},
		to:          runstate.StatusCompleted,
		requireIdle: true,
		wrongStatus: "Run must be running or paused to finish",
		busy:        "Cannot finish run with active calls",
	}
)

func (g guard) transition() runstate.Transition {
	return runstate.Transition{From: g.from, To: g.to, RequireIdle: g.requireIdle}
}

// check evaluates the guard against a snapshot. The store re-evaluates it
// atomically when the transition is applied.
func (g guard) check(live runstate.RunState) error {
	return g.refusal(live.Status, live.ActiveCalls)
}

// refusal returns the error for a run in status with active calls, or nil when
// the guard admits it.
func (g guard) refusal(status runstate.Status, active int64) error {
	allowed := false
	for _, from := range g.from {
		if status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		msg := g.wrongStatus
		if msg == "" {
			msg = "Run status changed"
		}
		return apperr.PreconditionFailed(msg).WithOp(g.op)
	}
	if g.requireIdle && active > 0 {
		return apperr.PreconditionFailed(g.busy).WithOp(g.op)
	}
	return nil
}
