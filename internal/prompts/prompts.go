// Package prompts builds the agent prompts for each phase.
//
// System prompts say what to do in one line. User prompts carry the delivery
// summary and its reference URLs; the cloned repository supplies the rest.
package prompts

import (
	"strings"

	"github.com/ashita-ai/jakeops/internal/model"
)

const (
	PlanSystem      = "Analyze this codebase and produce an implementation plan."
	ImplementSystem = "Implement the changes described in the plan."
	ReviewSystem    = "Review the recent changes in this repository."
)

// ReadOnlyTools are the tools allowed in phases that must not edit files.
var ReadOnlyTools = []string{"Read", "Glob", "Grep", "LS", "WebFetch", "WebSearch", "Task"}

// Prompt is a rendered phase prompt with its tool policy.
type Prompt struct {
	User         string
	System       string
	AllowedTools []string
}

func refURLs(d model.Delivery, role model.RefRole) []string {
	var urls []string
	for _, r := range d.Refs {
		if role != "" && r.Role != role {
			continue
		}
		if r.URL != "" {
			urls = append(urls, r.URL)
		}
	}
	return urls
}

func writeRefs(b *strings.Builder, urls []string) {
	if len(urls) == 0 {
		return
	}
	b.WriteString("\n\n## References")
	for _, u := range urls {
		b.WriteString("\n- ")
		b.WriteString(u)
	}
}

func header(d model.Delivery) string {
	return d.Summary + "\n\nRepository: " + d.Repository
}

// Plan builds the plan phase prompt from the trigger refs.
func Plan(d model.Delivery) Prompt {
	var b strings.Builder
	b.WriteString(header(d))
	writeRefs(&b, refURLs(d, model.RefRoleTrigger))
	return Prompt{User: b.String(), System: PlanSystem, AllowedTools: ReadOnlyTools}
}

// Implement builds the implement prompt. Review feedback from a rejection
// is included so the agent can address it.
func Implement(d model.Delivery) Prompt {
	var b strings.Builder
	b.WriteString("## Summary\n")
	b.WriteString(header(d))
	b.WriteString("\n\n## Plan\n")
	if d.Plan != nil {
		b.WriteString(d.Plan.Content)
	}
	if d.RejectReason != "" {
		b.WriteString("\n\n## Review Feedback\n")
		b.WriteString(d.RejectReason)
	}
	writeRefs(&b, refURLs(d, ""))
	return Prompt{User: b.String(), System: ImplementSystem}
}

// Review builds the review prompt.
func Review(d model.Delivery) Prompt {
	var b strings.Builder
	b.WriteString(header(d))
	writeRefs(&b, refURLs(d, ""))
	return Prompt{User: b.String(), System: ReviewSystem, AllowedTools: ReadOnlyTools}
}

// ForPhase returns the builder for an agent phase.
func ForPhase(p model.Phase) (func(model.Delivery) Prompt, bool) {
	switch p {
	case model.PhasePlan:
		return Plan, true
	case model.PhaseImplement:
		return Implement, true
	case model.PhaseReview:
		return Review, true
	}
	return nil, false
}
