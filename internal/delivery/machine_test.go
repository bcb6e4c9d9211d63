package delivery

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/jakeops/internal/model"
)

var allStatuses = []model.RunStatus{
	model.RunStatusPending, model.RunStatusRunning, model.RunStatusSucceeded,
	model.RunStatusFailed, model.RunStatusBlocked, model.RunStatusCanceled,
}

func at(phase model.Phase, status model.RunStatus) model.Delivery {
	return model.Delivery{
		ID:        "abc",
		Phase:     phase,
		RunStatus: status,
		Endpoint:  model.PhaseDeploy,
		PhaseRuns: []model.PhaseRun{{Phase: phase, RunStatus: status, Executor: model.ExecutorSystem, StartedAt: t0}},
	}
}

func requireInvalid(t *testing.T, err error, op string) {
	t.Helper()
	var ite *InvalidTransitionError
	require.True(t, errors.As(err, &ite), "want InvalidTransitionError, got %v", err)
	assert.Equal(t, op, ite.Op)
}

func TestApprove_OnlyFromSucceededGates(t *testing.T) {
	now := t0.Add(time.Minute)
	for _, p := range model.Phases {
		for _, s := range allStatuses {
			t.Run(fmt.Sprintf("%s/%s", p, s), func(t *testing.T) {
				out, err := Approve(at(p, s), now)
				if IsGate(p) && s == model.RunStatusSucceeded {
					require.NoError(t, err)
					assert.Equal(t, model.RunStatusPending, out.RunStatus)
					return
				}
				requireInvalid(t, err, "approve")
			})
		}
	}
}

func TestApprove_FollowsForwardMap(t *testing.T) {
	cases := map[model.Phase]model.Phase{
		model.PhasePlan:   model.PhaseImplement,
		model.PhaseReview: model.PhaseVerify,
	}
	for from, want := range cases {
		out, err := Approve(at(from, model.RunStatusSucceeded), t0)
		require.NoError(t, err)
		assert.Equal(t, want, out.Phase)
	}
}

func TestApprove_EndpointRoutesToClose(t *testing.T) {
	d := at(model.PhaseDeploy, model.RunStatusSucceeded)
	out, err := Approve(d, t0)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseClose, out.Phase)
	assert.Equal(t, model.RunStatusPending, out.RunStatus)

	d = at(model.PhasePlan, model.RunStatusSucceeded)
	d.Endpoint = model.PhasePlan
	out, err = Approve(d, t0)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseClose, out.Phase)
}

func TestReject_BackwardMap(t *testing.T) {
	cases := map[model.Phase]model.Phase{
		model.PhasePlan:      model.PhaseIntake,
		model.PhaseImplement: model.PhasePlan,
		model.PhaseReview:    model.PhaseImplement,
		model.PhaseDeploy:    model.PhaseVerify,
	}
	for from, want := range cases {
		out, err := Reject(at(from, model.RunStatusSucceeded), "needs work", t0)
		require.NoError(t, err, from)
		assert.Equal(t, want, out.Phase)
		assert.Equal(t, model.RunStatusPending, out.RunStatus)
		assert.Equal(t, "needs work", out.RejectReason)
	}

	for _, p := range []model.Phase{model.PhaseIntake, model.PhaseVerify, model.PhaseObserve, model.PhaseClose} {
		_, err := Reject(at(p, model.RunStatusSucceeded), "x", t0)
		requireInvalid(t, err, "reject")
	}
}

func TestReject_NotWhileRunning(t *testing.T) {
	_, err := Reject(at(model.PhaseReview, model.RunStatusRunning), "x", t0)
	requireInvalid(t, err, "reject")

	_, err = Reject(at(model.PhaseReview, model.RunStatusFailed), "x", t0)
	assert.NoError(t, err)
}

func TestRetry_OnlyFailed(t *testing.T) {
	for _, s := range allStatuses {
		d := at(model.PhaseImplement, s)
		d.Error = "boom"
		out, err := Retry(d, t0)
		if s != model.RunStatusFailed {
			requireInvalid(t, err, "retry")
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, model.PhaseImplement, out.Phase)
		assert.Equal(t, model.RunStatusPending, out.RunStatus)
		assert.Empty(t, out.Error)
	}
}

func TestCancel(t *testing.T) {
	out, err := Cancel(at(model.PhaseImplement, model.RunStatusRunning), t0)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCanceled, out.RunStatus)
	assert.Equal(t, model.PhaseImplement, out.Phase)
	assert.True(t, out.Terminal())

	_, err = Cancel(out, t0)
	requireInvalid(t, err, "cancel")

	_, err = Cancel(at(model.PhaseClose, model.RunStatusPending), t0)
	requireInvalid(t, err, "cancel")
}

func TestClose(t *testing.T) {
	out, err := Close(at(model.PhaseReview, model.RunStatusPending), t0)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseClose, out.Phase)
	assert.Equal(t, model.RunStatusSucceeded, out.RunStatus)

	_, err = Close(out, t0)
	requireInvalid(t, err, "close")
}

func TestAdvance(t *testing.T) {
	out, err := Advance(at(model.PhaseVerify, model.RunStatusSucceeded), t0)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseDeploy, out.Phase)
	assert.Equal(t, model.RunStatusPending, out.RunStatus)
	assert.Equal(t, model.ExecutorSystem, out.PhaseRuns[len(out.PhaseRuns)-1].Executor)

	out, err = Advance(at(model.PhaseImplement, model.RunStatusSucceeded), t0)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseReview, out.Phase)
	assert.Equal(t, model.ExecutorAgent, out.PhaseRuns[len(out.PhaseRuns)-1].Executor)

	_, err = Advance(at(model.PhasePlan, model.RunStatusSucceeded), t0)
	requireInvalid(t, err, "advance")
	_, err = Advance(at(model.PhaseVerify, model.RunStatusPending), t0)
	requireInvalid(t, err, "advance")
}

func TestRecord(t *testing.T) {
	pass := model.VerdictPass
	out, err := Record(at(model.PhaseVerify, model.RunStatusPending), model.RunStatusSucceeded, model.ExecutorHuman, &pass, t0)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, out.RunStatus)
	last := out.PhaseRuns[len(out.PhaseRuns)-1]
	assert.Equal(t, model.ExecutorHuman, last.Executor)
	require.NotNil(t, last.Verdict)
	assert.Equal(t, model.VerdictPass, *last.Verdict)

	out, err = Record(at(model.PhaseObserve, model.RunStatusRunning), model.RunStatusBlocked, "", nil, t0)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutorSystem, out.PhaseRuns[len(out.PhaseRuns)-1].Executor)

	_, err = Record(at(model.PhaseVerify, model.RunStatusSucceeded), model.RunStatusFailed, "", nil, t0)
	requireInvalid(t, err, "record")
	_, err = Record(at(model.PhaseVerify, model.RunStatusPending), model.RunStatusCanceled, "", nil, t0)
	requireInvalid(t, err, "record")
	_, err = Record(at(model.PhaseClose, model.RunStatusPending), model.RunStatusSucceeded, "", nil, t0)
	requireInvalid(t, err, "record")
}

func TestStartRun(t *testing.T) {
	out, err := StartRun(at(model.PhaseIntake, model.RunStatusPending), model.PhasePlan, t0)
	require.NoError(t, err)
	assert.Equal(t, model.PhasePlan, out.Phase)
	assert.Equal(t, model.RunStatusRunning, out.RunStatus)

	_, err = StartRun(at(model.PhaseIntake, model.RunStatusPending), model.PhaseImplement, t0)
	requireInvalid(t, err, "run_implement")
	_, err = StartRun(at(model.PhaseImplement, model.RunStatusRunning), model.PhaseImplement, t0)
	requireInvalid(t, err, "run_implement")
	_, err = StartRun(at(model.PhaseReview, model.RunStatusPending), model.PhaseReview, t0)
	assert.NoError(t, err)
}

func TestTransitions_AppendOnlyAndInputUntouched(t *testing.T) {
	d := at(model.PhasePlan, model.RunStatusPending)
	before := d.Clone()

	steps := []func(model.Delivery, time.Time) (model.Delivery, error){
		func(d model.Delivery, now time.Time) (model.Delivery, error) {
			return StartRun(d, model.PhasePlan, now)
		},
		func(d model.Delivery, now time.Time) (model.Delivery, error) { return Succeed(d, now), nil },
		Approve,
		func(d model.Delivery, now time.Time) (model.Delivery, error) { return Reject(d, "redo", now) },
		Cancel,
	}

	cur := d
	for i, step := range steps {
		now := t0.Add(time.Duration(i+1) * time.Minute)
		next, err := step(cur, now)
		require.NoError(t, err, "step %d", i)
		require.Len(t, next.PhaseRuns, len(cur.PhaseRuns)+1)
		assert.Equal(t, cur.PhaseRuns, next.PhaseRuns[:len(cur.PhaseRuns)], "earlier entries changed at step %d", i)
		assert.Equal(t, now, next.UpdatedAt)
		cur = next
	}
	assert.Equal(t, before, d, "input snapshot mutated")

	// Terminal entries are stamped on append; open ones are not.
	runs := cur.PhaseRuns
	assert.Nil(t, runs[1].EndedAt, "running")
	require.NotNil(t, runs[2].EndedAt, "succeeded")
	assert.Nil(t, runs[3].EndedAt, "pending")
	require.NotNil(t, runs[5].EndedAt, "canceled")
}

func TestFail_KeepsPhase(t *testing.T) {
	d := at(model.PhaseImplement, model.RunStatusRunning)
	out := Fail(d, "claude CLI failed: x", t0)
	assert.Equal(t, model.PhaseImplement, out.Phase)
	assert.Equal(t, model.RunStatusFailed, out.RunStatus)
	assert.Equal(t, "claude CLI failed: x", out.Error)
	assert.Empty(t, d.Error)
}

func TestDeliveryID(t *testing.T) {
	a := DeliveryID("acme/app", "#1")
	assert.Len(t, a, 12)
	assert.Equal(t, a, DeliveryID("acme/app", "#1"))
	assert.NotEqual(t, a, DeliveryID("acme/app", "#2"))
	assert.NotEqual(t, a, DeliveryID("acme/other", "#1"))
}

func TestSummarize(t *testing.T) {
	long := ""
	for range 250 {
		long += "é"
	}
	assert.Equal(t, 200, len([]rune(summarize(long))))
	assert.Equal(t, "short", summarize("short"))
}
