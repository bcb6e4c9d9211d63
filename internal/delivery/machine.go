package delivery

import (
	"time"

	"github.com/ashita-ai/jakeops/internal/model"
)

// The functions in this file are pure: each takes a delivery snapshot and
// returns a new one, leaving the input untouched.

var forward = map[model.Phase]model.Phase{
	model.PhaseIntake:    model.PhasePlan,
	model.PhasePlan:      model.PhaseImplement,
	model.PhaseImplement: model.PhaseReview,
	model.PhaseReview:    model.PhaseVerify,
	model.PhaseVerify:    model.PhaseDeploy,
	model.PhaseDeploy:    model.PhaseObserve,
	model.PhaseObserve:   model.PhaseClose,
}

var backward = map[model.Phase]model.Phase{
	model.PhasePlan:      model.PhaseIntake,
	model.PhaseImplement: model.PhasePlan,
	model.PhaseReview:    model.PhaseImplement,
	model.PhaseDeploy:    model.PhaseVerify,
}

// gates are the phases that wait for a human approve or reject.
var gates = map[model.Phase]bool{
	model.PhasePlan:   true,
	model.PhaseReview: true,
	model.PhaseDeploy: true,
}

// IsGate reports whether p waits for human sign-off once it succeeds.
func IsGate(p model.Phase) bool {
	return gates[p]
}

// Next returns the phase a delivery moves to when its current phase is
// accepted. The endpoint phase exits straight to close.
func Next(d model.Delivery) model.Phase {
	if d.Phase == d.Endpoint {
		return model.PhaseClose
	}
	return forward[d.Phase]
}

func terminal(s model.RunStatus) bool {
	return s == model.RunStatusSucceeded || s == model.RunStatusFailed || s == model.RunStatusCanceled
}

func executorFor(d model.Delivery, p model.Phase) model.ExecutorKind {
	if d.Executor != nil {
		return *d.Executor
	}
	return model.DefaultExecutor(p)
}

// transition clones d, moves it to phase/status and appends the audit entry.
func transition(d model.Delivery, phase model.Phase, status model.RunStatus, executor model.ExecutorKind, verdict *model.Verdict, now time.Time) model.Delivery {
	out := d.Clone()
	out.Phase = phase
	out.RunStatus = status
	out.UpdatedAt = now
	run := model.PhaseRun{
		Phase:     phase,
		RunStatus: status,
		Executor:  executor,
		Verdict:   verdict,
		StartedAt: now,
	}
	if terminal(status) {
		ended := now
		run.EndedAt = &ended
	}
	out.PhaseRuns = append(out.PhaseRuns, run)
	return out
}

// Approve accepts a succeeded gate phase and moves to the next phase.
func Approve(d model.Delivery, now time.Time) (model.Delivery, error) {
	if !gates[d.Phase] || d.RunStatus != model.RunStatusSucceeded {
		return model.Delivery{}, invalid("approve", d, "a gate phase (plan, review, deploy) with run_status succeeded")
	}
	next := Next(d)
	return transition(d, next, model.RunStatusPending, executorFor(d, next), nil, now), nil
}

// Reject sends a delivery back one phase with the reason recorded.
func Reject(d model.Delivery, reason string, now time.Time) (model.Delivery, error) {
	prev, ok := backward[d.Phase]
	if !ok || d.RunStatus == model.RunStatusRunning || d.RunStatus == model.RunStatusCanceled {
		return model.Delivery{}, invalid("reject", d, "phase plan, implement, review or deploy that is not running")
	}
	out := transition(d, prev, model.RunStatusPending, executorFor(d, prev), nil, now)
	out.RejectReason = reason
	return out, nil
}

// Retry resets a failed phase to pending and clears its error.
func Retry(d model.Delivery, now time.Time) (model.Delivery, error) {
	if d.RunStatus != model.RunStatusFailed {
		return model.Delivery{}, invalid("retry", d, "run_status failed")
	}
	out := transition(d, d.Phase, model.RunStatusPending, executorFor(d, d.Phase), nil, now)
	out.Error = ""
	return out, nil
}

// Cancel stops a delivery where it stands.
func Cancel(d model.Delivery, now time.Time) (model.Delivery, error) {
	if d.Phase == model.PhaseClose || d.RunStatus == model.RunStatusCanceled {
		return model.Delivery{}, invalid("cancel", d, "an open delivery that is not already canceled")
	}
	return transition(d, d.Phase, model.RunStatusCanceled, model.ExecutorHuman, nil, now), nil
}

// Close finishes a delivery regardless of its phase.
func Close(d model.Delivery, now time.Time) (model.Delivery, error) {
	if d.Phase == model.PhaseClose {
		return model.Delivery{}, invalid("close", d, "a delivery that is not closed")
	}
	return transition(d, model.PhaseClose, model.RunStatusSucceeded, model.ExecutorSystem, nil, now), nil
}

// Advance moves a succeeded non-gate phase forward without a human.
func Advance(d model.Delivery, now time.Time) (model.Delivery, error) {
	if gates[d.Phase] || d.Phase == model.PhaseClose || d.RunStatus != model.RunStatusSucceeded {
		return model.Delivery{}, invalid("advance", d, "a non-gate phase with run_status succeeded")
	}
	next := Next(d)
	return transition(d, next, model.RunStatusPending, executorFor(d, next), nil, now), nil
}

// Record stores the outcome of a phase run by a system or human executor.
func Record(d model.Delivery, status model.RunStatus, executor model.ExecutorKind, verdict *model.Verdict, now time.Time) (model.Delivery, error) {
	switch status {
	case model.RunStatusRunning, model.RunStatusSucceeded, model.RunStatusFailed, model.RunStatusBlocked:
	default:
		return model.Delivery{}, invalid("record", d, "a target run_status of running, succeeded, failed or blocked")
	}
	switch d.RunStatus {
	case model.RunStatusPending, model.RunStatusRunning, model.RunStatusBlocked:
	default:
		return model.Delivery{}, invalid("record", d, "run_status pending, running or blocked")
	}
	if d.Phase == model.PhaseClose {
		return model.Delivery{}, invalid("record", d, "a delivery that is not closed")
	}
	if executor == "" {
		executor = executorFor(d, d.Phase)
	}
	return transition(d, d.Phase, status, executor, verdict, now), nil
}

// StartRun marks phase p running for an agent. The plan phase also starts
// from a pending intake.
func StartRun(d model.Delivery, p model.Phase, now time.Time) (model.Delivery, error) {
	ok := d.RunStatus == model.RunStatusPending &&
		(d.Phase == p || (p == model.PhasePlan && d.Phase == model.PhaseIntake))
	if !ok {
		return model.Delivery{}, invalid("run_"+string(p), d, "phase "+string(p)+" with run_status pending")
	}
	out := transition(d, p, model.RunStatusRunning, model.ExecutorAgent, nil, now)
	out.Error = ""
	return out, nil
}

// Succeed ends a running phase successfully.
func Succeed(d model.Delivery, now time.Time) model.Delivery {
	return transition(d, d.Phase, model.RunStatusSucceeded, model.ExecutorAgent, nil, now)
}

// Fail ends a running phase with an error message. The phase is unchanged.
func Fail(d model.Delivery, msg string, now time.Time) model.Delivery {
	out := transition(d, d.Phase, model.RunStatusFailed, model.ExecutorAgent, nil, now)
	out.Error = msg
	return out
}
