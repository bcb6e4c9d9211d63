package server

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/jakeops/internal/delivery"
	"github.com/ashita-ai/jakeops/internal/model"
	"github.com/ashita-ai/jakeops/internal/source"
	"github.com/ashita-ai/jakeops/internal/stream"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Syncer runs one issue sync pass on demand.
type Syncer interface {
	SyncOnce(ctx context.Context) (model.SyncResult, error)
}

// Workers lists background worker health.
type Workers interface {
	All() []model.WorkerStatus
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	deliveries *delivery.Service
	executor   *delivery.Executor
	sources    *source.Service
	store      Pinger
	syncer     Syncer
	workers    Workers
	logger     *slog.Logger
	startedAt  time.Time
	version    string
	heartbeat  time.Duration
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Sources, Store, Syncer, Workers.
type HandlersDeps struct {
	Deliveries *delivery.Service
	Executor   *delivery.Executor
	Sources    *source.Service
	Store      Pinger
	Syncer     Syncer
	Workers    Workers
	Logger     *slog.Logger
	Version    string
	Heartbeat  time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.Heartbeat <= 0 {
		d.Heartbeat = 15 * time.Second
	}
	return &Handlers{
		deliveries: d.Deliveries,
		executor:   d.Executor,
		sources:    d.Sources,
		store:      d.Store,
		syncer:     d.Syncer,
		workers:    d.Workers,
		logger:     d.Logger,
		startedAt:  time.Now(),
		version:    d.Version,
		heartbeat:  d.Heartbeat,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Store:   "ok",
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			h.logger.Warn("health: store ping failed", "error", err)
			resp.Status = "unhealthy"
			resp.Store = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	if h.executor != nil {
		resp.LiveTopics, resp.Subscribers = h.executor.Bus().Stats()
	}
	writeJSON(w, r, status, resp)
}

// writeServiceError maps domain errors onto API error responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var transition *delivery.InvalidTransitionError
	var notConfigured *delivery.ConfigurationError
	switch {
	case errors.As(err, &transition):
		writeError(w, r, http.StatusConflict, model.ErrCodeInvalidTransition, transition.Error())
	case errors.As(err, &notConfigured):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeNotConfigured, notConfigured.Error())
	case errors.Is(err, delivery.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "delivery not found")
	case errors.Is(err, stream.ErrSessionNotFound), errors.Is(err, fs.ErrNotExist):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session log not found")
	case errors.Is(err, delivery.ErrAlreadyRunning):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, source.ErrDuplicate):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, delivery.ErrInvalidInput), errors.Is(err, source.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	default:
		h.logger.Error("request failed", "error", err, "path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

func writeNotFound(w http.ResponseWriter, r *http.Request, what string) {
	writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, what+" not found")
}
