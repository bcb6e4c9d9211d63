package mcp

import (
	"github.com/ashita-ai/jakeops/internal/delivery"
	"github.com/ashita-ai/jakeops/internal/model"
)

const maxCompactText = 200

// compactDelivery returns the fields an agent acts on. Audit history and run
// records are left to jakeops_get_delivery.
func compactDelivery(d model.Delivery) map[string]any {
	m := map[string]any{
		"id":         d.ID,
		"repository": d.Repository,
		"summary":    truncate(d.Summary, maxCompactText),
		"phase":      d.Phase,
		"run_status": d.RunStatus,
		"updated_at": d.UpdatedAt,
	}
	if ref, ok := d.TriggerRef(); ok && ref.URL != "" {
		m["trigger_url"] = ref.URL
	}
	if d.Error != "" {
		m["error"] = truncate(d.Error, maxCompactText)
	}
	if d.RejectReason != "" {
		m["reject_reason"] = truncate(d.RejectReason, maxCompactText)
	}
	if action := nextAction(d); action != "" {
		m["next_action"] = action
	}
	return m
}

// nextAction names what the delivery is waiting on, or "" when nothing is
// actionable.
func nextAction(d model.Delivery) string {
	switch {
	case d.Terminal():
		return ""
	case d.RunStatus == model.RunStatusRunning:
		return "wait: agent running"
	case d.RunStatus == model.RunStatusFailed:
		return "retry or cancel"
	case d.RunStatus == model.RunStatusSucceeded && delivery.IsGate(d.Phase):
		return "approve or reject"
	case d.RunStatus == model.RunStatusSucceeded:
		return "advance"
	case d.RunStatus == model.RunStatusPending && (d.Phase == model.PhaseIntake || d.Phase == model.PhasePlan):
		return "run plan"
	case d.RunStatus == model.RunStatusPending && (d.Phase == model.PhaseImplement || d.Phase == model.PhaseReview):
		return "run " + string(d.Phase)
	}
	return ""
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
