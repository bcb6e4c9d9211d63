// Package mcp exposes deliveries over the Model Context Protocol so agents
// can inspect the pipeline and act on gated phases.
package mcp

import (
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/jakeops/internal/delivery"
)

// Server wraps the MCP server with the delivery service layer.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	deliveries *delivery.Service
	executor   *delivery.Executor
	logger     *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts. executor may be nil; cancel then only records the transition.
func New(deliveries *delivery.Service, executor *delivery.Executor, logger *slog.Logger, version string) *Server {
	s := &Server{
		deliveries: deliveries,
		executor:   executor,
		logger:     logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"jakeops",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
