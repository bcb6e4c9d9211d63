package server

import (
	"net/http"

	"github.com/ashita-ai/jakeops/internal/model"
)

// HandleListSources handles GET /api/sources. Tokens are masked.
func (h *Handlers) HandleListSources(w http.ResponseWriter, r *http.Request) {
	all, err := h.sources.List(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, all)
}

// HandleGetSource handles GET /api/sources/{id}.
func (h *Handlers) HandleGetSource(w http.ResponseWriter, r *http.Request) {
	src, found, err := h.sources.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !found {
		writeNotFound(w, r, "source")
		return
	}
	writeJSON(w, r, http.StatusOK, src)
}

// HandleCreateSource handles POST /api/sources.
func (h *Handlers) HandleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req model.CreateSourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	src, err := h.sources.Create(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, src)
}

// HandleUpdateSource handles PATCH /api/sources/{id}.
func (h *Handlers) HandleUpdateSource(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateSourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	src, found, err := h.sources.Update(r.Context(), r.PathValue("id"), req)
	switch {
	case err != nil:
		h.writeServiceError(w, r, err)
	case !found:
		writeNotFound(w, r, "source")
	default:
		writeJSON(w, r, http.StatusOK, src)
	}
}

// HandleDeleteSource handles DELETE /api/sources/{id}.
func (h *Handlers) HandleDeleteSource(w http.ResponseWriter, r *http.Request) {
	found, err := h.sources.Delete(r.Context(), r.PathValue("id"))
	switch {
	case err != nil:
		h.writeServiceError(w, r, err)
	case !found:
		writeNotFound(w, r, "source")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleSync handles POST /api/sync.
func (h *Handlers) HandleSync(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeNotConfigured, "sync is not configured")
		return
	}
	res, err := h.syncer.SyncOnce(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleWorkers handles GET /api/workers.
func (h *Handlers) HandleWorkers(w http.ResponseWriter, r *http.Request) {
	workers := []model.WorkerStatus{}
	if h.workers != nil {
		workers = h.workers.All()
	}
	writeJSON(w, r, http.StatusOK, workers)
}
