package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/jakeops/internal/delivery"
	"github.com/ashita-ai/jakeops/internal/model"
)

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-delivery",
			mcplib.WithPromptDescription("Review a delivery waiting at a gate and decide whether to approve or reject it"),
			mcplib.WithArgument("delivery_id",
				mcplib.ArgumentDescription("The delivery to review"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleReviewDeliveryPrompt,
	)

	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("operator-setup",
			mcplib.WithPromptDescription("How to drive the jakeops pipeline with the available tools"),
		),
		s.handleOperatorSetupPrompt,
	)
}

func (s *Server) handleReviewDeliveryPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	id := request.Params.Arguments["delivery_id"]
	if id == "" {
		return nil, fmt.Errorf("delivery_id argument is required")
	}
	d, found, err := s.deliveries.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: review prompt: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("delivery not found: %s", id)
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Review %s at %s", d.ID, d.Phase),
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: reviewText(d)},
			},
		},
	}, nil
}

func reviewText(d model.Delivery) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Delivery %s for %s is in phase %s with run status %s.\n\n", d.ID, d.Repository, d.Phase, d.RunStatus)
	fmt.Fprintf(&b, "Summary: %s\n", d.Summary)
	if ref, ok := d.TriggerRef(); ok && ref.URL != "" {
		fmt.Fprintf(&b, "Trigger: %s\n", ref.URL)
	}
	if d.RejectReason != "" {
		fmt.Fprintf(&b, "Previous rejection: %s\n", d.RejectReason)
	}
	if d.Error != "" {
		fmt.Fprintf(&b, "Last error: %s\n", d.Error)
	}
	if d.Plan != nil && d.Plan.Content != "" {
		fmt.Fprintf(&b, "\n## Plan\n\n%s\n", d.Plan.Content)
	}

	b.WriteString("\n## What to do\n\n")
	switch {
	case !delivery.IsGate(d.Phase):
		fmt.Fprintf(&b, "Phase %s is not a gate. Nothing to approve; next step: %s.\n", d.Phase, orNone(nextAction(d)))
	case d.RunStatus != model.RunStatusSucceeded:
		fmt.Fprintf(&b, "The %s run has not succeeded yet (%s). Next step: %s.\n", d.Phase, d.RunStatus, orNone(nextAction(d)))
	default:
		if run, ok := d.LastRun(); ok {
			fmt.Fprintf(&b, "Read the latest run with jakeops_get_transcript (delivery_id=%q, run_id=%q).\n", d.ID, run.ID)
		}
		fmt.Fprintf(&b, `Then either:
- CALL jakeops_approve with delivery_id=%q if the work is ready to move on, or
- CALL jakeops_reject with delivery_id=%q and a reason that tells the agent what to change.
`, d.ID, d.ID)
	}
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func (s *Server) handleOperatorSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "jakeops operator workflow",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You operate jakeops, a delivery pipeline that moves each change through
intake, plan, implement, review, verify, deploy and observe. Agents run the
plan, implement and review phases. Plan, review and deploy are gates: a
person (or you) must approve them before the delivery moves on.

## Working a delivery

1. CALL jakeops_list_deliveries with active_only=true. Each entry has a
   next_action field.
2. For "approve or reject", read the plan or transcript first
   (jakeops_get_delivery, jakeops_get_transcript), then call jakeops_approve
   or jakeops_reject with a concrete reason.
3. For "retry or cancel", read the error. Call jakeops_retry when the
   failure looks transient; call jakeops_cancel when the work should stop.

## Available Tools

- jakeops_list_deliveries: Pipeline overview with next actions
- jakeops_get_delivery: Full delivery with plan, phase history and runs
- jakeops_get_transcript: Agent transcript for one run
- jakeops_approve: Approve a succeeded gate
- jakeops_reject: Send a delivery back one phase with feedback
- jakeops_retry: Reset a failed phase to pending
- jakeops_cancel: Stop a delivery for good`,
				},
			},
		},
	}, nil
}
