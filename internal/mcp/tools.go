package mcp

import (
	"context"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/jakeops/internal/delivery"
	"github.com/ashita-ai/jakeops/internal/model"
)

func (s *Server) registerTools() {
	idArg := mcplib.WithString("delivery_id",
		mcplib.Description("Delivery id as returned by jakeops_list_deliveries"),
		mcplib.Required(),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("jakeops_list_deliveries",
			mcplib.WithDescription(`List deliveries, newest first.

Each entry carries phase, run_status and next_action, the step the delivery
is waiting on ("approve or reject", "retry or cancel", "run plan", ...).
Filter with phase, run_status or repository; set active_only to hide
closed and canceled deliveries.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("phase", mcplib.Description("Only deliveries in this phase"),
				mcplib.Enum(phaseNames()...)),
			mcplib.WithString("run_status", mcplib.Description("Only deliveries with this run status"),
				mcplib.Enum("pending", "running", "succeeded", "failed", "blocked", "canceled")),
			mcplib.WithString("repository", mcplib.Description("Only deliveries for owner/repo")),
			mcplib.WithBoolean("active_only", mcplib.Description("Hide closed and canceled deliveries")),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of deliveries to return"),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleListDeliveries,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("jakeops_get_delivery",
			mcplib.WithDescription("Get one delivery with its plan, phase history and agent runs."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			idArg,
		),
		s.handleGetDelivery,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("jakeops_approve",
			mcplib.WithDescription(`Approve a gate phase (plan, review, deploy) whose run succeeded.
The delivery moves to the next phase with run_status pending, or to close
when the phase is the delivery's endpoint.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			idArg,
		),
		s.transitionTool(s.deliveries.Approve),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("jakeops_reject",
			mcplib.WithDescription(`Send a delivery back one phase with a reason. The reason is shown to the
agent on the next implement run as review feedback.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			idArg,
			mcplib.WithString("reason", mcplib.Description("What needs to change"), mcplib.Required()),
		),
		s.handleReject,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("jakeops_retry",
			mcplib.WithDescription("Reset a failed phase to pending so it can run again."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			idArg,
		),
		s.transitionTool(s.deliveries.Retry),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("jakeops_cancel",
			mcplib.WithDescription("Cancel a delivery and stop any agent still running for it. This is final."),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			idArg,
		),
		s.handleCancel,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("jakeops_get_transcript",
			mcplib.WithDescription(`Get the transcript of one agent run, bucketed by agent (leader first,
then each subagent). Run ids are listed under runs in jakeops_get_delivery.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			idArg,
			mcplib.WithString("run_id", mcplib.Description("Run id"), mcplib.Required()),
		),
		s.handleGetTranscript,
	)
}

func phaseNames() []string {
	out := make([]string, len(model.Phases))
	for i, p := range model.Phases {
		out[i] = string(p)
	}
	return out
}

func (s *Server) handleListDeliveries(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	phase := request.GetString("phase", "")
	status := request.GetString("run_status", "")
	repo := request.GetString("repository", "")
	activeOnly := request.GetBool("active_only", false)
	limit := request.GetInt("limit", 20)
	if limit < 1 {
		limit = 20
	}

	all, err := s.deliveries.List(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("list failed: %v", err)), nil
	}

	out := make([]map[string]any, 0, min(limit, len(all)))
	matched := 0
	for _, d := range all {
		if (phase != "" && string(d.Phase) != phase) ||
			(status != "" && string(d.RunStatus) != status) ||
			(repo != "" && d.Repository != repo) ||
			(activeOnly && d.Terminal()) {
			continue
		}
		matched++
		if len(out) < limit {
			out = append(out, compactDelivery(d))
		}
	}
	return jsonResult(map[string]any{
		"deliveries": out,
		"total":      matched,
	}), nil
}

func (s *Server) handleGetDelivery(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("delivery_id", "")
	if id == "" {
		return errorResult("delivery_id is required"), nil
	}
	d, found, err := s.deliveries.Get(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("get failed: %v", err)), nil
	}
	if !found {
		return errorResult("delivery not found: " + id), nil
	}
	return jsonResult(d), nil
}

// transitionTool adapts a service transition into a tool handler.
func (s *Server) transitionTool(fn func(ctx context.Context, id string) (model.Delivery, bool, error)) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		id := request.GetString("delivery_id", "")
		if id == "" {
			return errorResult("delivery_id is required"), nil
		}
		return transitionResult(id)(fn(ctx, id)), nil
	}
}

func (s *Server) handleReject(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("delivery_id", "")
	reason := request.GetString("reason", "")
	if id == "" || reason == "" {
		return errorResult("delivery_id and reason are required"), nil
	}
	return transitionResult(id)(s.deliveries.Reject(ctx, id, reason)), nil
}

func (s *Server) handleCancel(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("delivery_id", "")
	if id == "" {
		return errorResult("delivery_id is required"), nil
	}
	d, found, err := s.deliveries.Cancel(ctx, id)
	if err == nil && found && s.executor != nil && s.executor.Kill(id) {
		s.logger.Info("mcp: agent killed on cancel", "delivery_id", id)
	}
	return transitionResult(id)(d, found, err), nil
}

// transitionResult renders the outcome of a transition. Illegal transitions
// are tool errors the agent can read, not protocol errors.
func transitionResult(id string) func(model.Delivery, bool, error) *mcplib.CallToolResult {
	return func(d model.Delivery, found bool, err error) *mcplib.CallToolResult {
		var transition *delivery.InvalidTransitionError
		switch {
		case errors.As(err, &transition):
			return errorResult("not allowed: " + transition.Error())
		case err != nil:
			return errorResult(fmt.Sprintf("update failed: %v", err))
		case !found:
			return errorResult("delivery not found: " + id)
		}
		return jsonResult(compactDelivery(d))
	}
}

func (s *Server) handleGetTranscript(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("delivery_id", "")
	runID := request.GetString("run_id", "")
	if id == "" || runID == "" {
		return errorResult("delivery_id and run_id are required"), nil
	}
	t, found, err := s.deliveries.GetTranscript(ctx, id, runID)
	if err != nil {
		return errorResult(fmt.Sprintf("get transcript failed: %v", err)), nil
	}
	if !found {
		return errorResult(fmt.Sprintf("transcript not found: %s/%s", id, runID)), nil
	}
	return jsonResult(t), nil
}
