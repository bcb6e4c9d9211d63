package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/jakeops/internal/delivery"
	"github.com/ashita-ai/jakeops/internal/ratelimit"
	"github.com/ashita-ai/jakeops/internal/source"
)

// Server is the jakeops HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Sources, Store, Syncer, Workers, MCPServer,
// RateLimiter.
type ServerConfig struct {
	// Required dependencies.
	Deliveries *delivery.Service
	Executor   *delivery.Executor
	Logger     *slog.Logger

	// Optional dependencies (nil = disabled).
	Sources   *source.Service
	Store     Pinger
	Syncer    Syncer
	Workers   Workers
	MCPServer *mcpserver.MCPServer
	// RateLimiter throttles agent launches and sync passes per client IP.
	RateLimiter ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	CORSOrigins         []string
	MaxRequestBodyBytes int64
	Heartbeat           time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Deliveries: cfg.Deliveries,
		Executor:   cfg.Executor,
		Sources:    cfg.Sources,
		Store:      cfg.Store,
		Syncer:     cfg.Syncer,
		Workers:    cfg.Workers,
		Logger:     cfg.Logger,
		Version:    cfg.Version,
		Heartbeat:  cfg.Heartbeat,
	})

	mux := http.NewServeMux()
	limited := func(next http.HandlerFunc) http.Handler {
		return rateLimitMiddleware(cfg.RateLimiter, cfg.Logger, next)
	}

	// Deliveries.
	mux.HandleFunc("GET /api/deliveries", h.HandleListDeliveries)
	mux.HandleFunc("POST /api/deliveries", h.HandleCreateDelivery)
	mux.HandleFunc("GET /api/deliveries/{id}", h.HandleGetDelivery)
	mux.HandleFunc("PATCH /api/deliveries/{id}", h.HandleUpdateDelivery)

	// Transitions.
	mux.HandleFunc("POST /api/deliveries/{id}/approve", h.handleTransition(cfg.Deliveries.Approve))
	mux.HandleFunc("POST /api/deliveries/{id}/retry", h.handleTransition(cfg.Deliveries.Retry))
	mux.HandleFunc("POST /api/deliveries/{id}/advance", h.handleTransition(cfg.Deliveries.Advance))
	mux.HandleFunc("POST /api/deliveries/{id}/close", h.handleTransition(cfg.Deliveries.Close))
	mux.HandleFunc("POST /api/deliveries/{id}/cancel", h.HandleCancel)
	mux.HandleFunc("POST /api/deliveries/{id}/reject", h.HandleReject)
	mux.HandleFunc("POST /api/deliveries/{id}/record", h.HandleRecord)

	// Agent runs.
	mux.Handle("POST /api/deliveries/{id}/run/{phase}", limited(h.HandleRunPhase))
	mux.HandleFunc("POST /api/deliveries/{id}/kill", h.HandleKill)
	mux.HandleFunc("POST /api/deliveries/{id}/publish", h.HandlePublishPlan)
	mux.HandleFunc("POST /api/deliveries/{id}/collect", h.HandleCollect)
	mux.HandleFunc("GET /api/deliveries/{id}/runs/{run_id}/transcript", h.HandleGetTranscript)

	// Live view (long-lived connection).
	mux.HandleFunc("GET /api/deliveries/{id}/stream", h.HandleStream)

	// Sources.
	if cfg.Sources != nil {
		mux.HandleFunc("GET /api/sources", h.HandleListSources)
		mux.HandleFunc("POST /api/sources", h.HandleCreateSource)
		mux.HandleFunc("GET /api/sources/{id}", h.HandleGetSource)
		mux.HandleFunc("PATCH /api/sources/{id}", h.HandleUpdateSource)
		mux.HandleFunc("DELETE /api/sources/{id}", h.HandleDeleteSource)
	}

	// Workers.
	mux.Handle("POST /api/sync", limited(h.HandleSync))
	mux.HandleFunc("GET /api/workers", h.HandleWorkers)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health.
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → CORS → recovery → body limit → handler.
	var handler http.Handler = mux
	handler = bodyLimitMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = corsMiddleware(cfg.CORSOrigins, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
