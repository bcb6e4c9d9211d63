package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/jakeops/internal/model"
)

// HandleRunPhase handles POST /api/deliveries/{id}/run/{phase}. The agent
// runs in the background and the call returns 202 once the phase is marked
// running; ?wait=true blocks until the run finishes and returns its result.
func (h *Handlers) HandleRunPhase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	phase := model.Phase(r.PathValue("phase"))

	wait := false
	if v := r.URL.Query().Get("wait"); v != "" {
		var err error
		if wait, err = strconv.ParseBool(v); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "wait must be a boolean")
			return
		}
	}

	results, err := h.executor.StartPhase(r.Context(), id, phase)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !wait {
		writeJSON(w, r, http.StatusAccepted, model.PhaseResult{ID: id, Phase: phase, RunStatus: model.RunStatusRunning})
		return
	}

	select {
	case res := <-results:
		writeJSON(w, r, http.StatusOK, res)
	case <-r.Context().Done():
		// The run keeps going; its outcome lands on the delivery.
	}
}

// HandleKill handles POST /api/deliveries/{id}/kill.
func (h *Handlers) HandleKill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	killed := h.executor.Kill(id)
	if killed {
		h.logger.Info("agent killed", "delivery_id", id)
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"id": id, "killed": killed})
}

// HandleGetTranscript handles GET /api/deliveries/{id}/runs/{run_id}/transcript.
func (h *Handlers) HandleGetTranscript(w http.ResponseWriter, r *http.Request) {
	t, found, err := h.deliveries.GetTranscript(r.Context(), r.PathValue("id"), r.PathValue("run_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !found {
		writeNotFound(w, r, "transcript")
		return
	}
	writeJSON(w, r, http.StatusOK, t)
}

// HandleCollect handles POST /api/deliveries/{id}/collect.
func (h *Handlers) HandleCollect(w http.ResponseWriter, r *http.Request) {
	var req model.CollectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	run, found, err := h.deliveries.CollectSession(r.Context(), r.PathValue("id"), req)
	switch {
	case err != nil:
		h.writeServiceError(w, r, err)
	case !found:
		writeNotFound(w, r, "delivery")
	default:
		writeJSON(w, r, http.StatusCreated, run)
	}
}

// HandleStream handles GET /api/deliveries/{id}/stream (SSE). Each live
// event is one data frame; idle periods get a heartbeat comment and the
// stream ends with a done event once the run's topic closes. A delivery with
// no run in flight gets the done event straight away.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, found, err := h.deliveries.Get(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	} else if !found {
		writeNotFound(w, r, "delivery")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	bus := h.executor.Bus()
	if !bus.IsActive(id) && !h.executor.Running(id) {
		writeDone(w, flusher)
		return
	}

	events, cancel := bus.Subscribe(r.Context(), id)
	defer cancel()

	keepalive := time.NewTicker(h.heartbeat)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					writeDone(w, flusher)
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn("stream: skipping unencodable event", "delivery_id", id, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			keepalive.Reset(h.heartbeat)
		}
	}
}

func writeDone(w http.ResponseWriter, flusher http.Flusher) {
	_, _ = w.Write([]byte("event: done\ndata: {}\n\n"))
	flusher.Flush()
}
