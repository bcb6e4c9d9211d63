package mcp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/jakeops/internal/model"
)

func TestNextAction(t *testing.T) {
	tests := []struct {
		phase  model.Phase
		status model.RunStatus
		want   string
	}{
		{model.PhaseIntake, model.RunStatusPending, "run plan"},
		{model.PhasePlan, model.RunStatusPending, "run plan"},
		{model.PhasePlan, model.RunStatusRunning, "wait: agent running"},
		{model.PhasePlan, model.RunStatusSucceeded, "approve or reject"},
		{model.PhaseImplement, model.RunStatusPending, "run implement"},
		{model.PhaseImplement, model.RunStatusSucceeded, "advance"},
		{model.PhaseImplement, model.RunStatusFailed, "retry or cancel"},
		{model.PhaseReview, model.RunStatusPending, "run review"},
		{model.PhaseDeploy, model.RunStatusSucceeded, "approve or reject"},
		{model.PhaseVerify, model.RunStatusPending, ""},
		{model.PhaseClose, model.RunStatusSucceeded, ""},
		{model.PhasePlan, model.RunStatusCanceled, ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase)+"/"+string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, nextAction(model.Delivery{Phase: tt.phase, RunStatus: tt.status}))
		})
	}
}

func TestCompactDelivery(t *testing.T) {
	d := model.Delivery{
		ID:         "abc",
		Repository: "acme/app",
		Summary:    strings.Repeat("x", 300),
		Phase:      model.PhasePlan,
		RunStatus:  model.RunStatusFailed,
		Error:      "agent exited 1",
		Refs: []model.Ref{
			{Role: model.RefRoleTrigger, Type: model.RefTypeGitHubIssue, URL: "https://github.com/acme/app/issues/1"},
		},
	}
	m := compactDelivery(d)
	assert.Equal(t, "abc", m["id"])
	assert.Equal(t, "https://github.com/acme/app/issues/1", m["trigger_url"])
	assert.Equal(t, "agent exited 1", m["error"])
	assert.Equal(t, "retry or cancel", m["next_action"])
	assert.Len(t, []rune(m["summary"].(string)), maxCompactText+3)
	assert.NotContains(t, m, "reject_reason")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "héll...", truncate("héllo wörld", 4))
}
