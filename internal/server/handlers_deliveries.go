package server

import (
	"context"
	"net/http"

	"github.com/ashita-ai/jakeops/internal/model"
)

// HandleListDeliveries handles GET /api/deliveries. Optional filters:
// ?phase=, ?run_status=, ?repository=.
func (h *Handlers) HandleListDeliveries(w http.ResponseWriter, r *http.Request) {
	all, err := h.deliveries.List(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	q := r.URL.Query()
	phase, status, repo := q.Get("phase"), q.Get("run_status"), q.Get("repository")
	if phase == "" && status == "" && repo == "" {
		writeJSON(w, r, http.StatusOK, all)
		return
	}
	out := make([]model.Delivery, 0, len(all))
	for _, d := range all {
		if (phase == "" || string(d.Phase) == phase) &&
			(status == "" || string(d.RunStatus) == status) &&
			(repo == "" || d.Repository == repo) {
			out = append(out, d)
		}
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleGetDelivery handles GET /api/deliveries/{id}.
func (h *Handlers) HandleGetDelivery(w http.ResponseWriter, r *http.Request) {
	d, found, err := h.deliveries.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !found {
		writeNotFound(w, r, "delivery")
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleCreateDelivery handles POST /api/deliveries. Creating an existing
// delivery returns it with 200 instead of 201.
func (h *Handlers) HandleCreateDelivery(w http.ResponseWriter, r *http.Request) {
	var req model.NewDelivery
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	d, created, err := h.deliveries.Create(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, d)
}

// HandleUpdateDelivery handles PATCH /api/deliveries/{id}.
func (h *Handlers) HandleUpdateDelivery(w http.ResponseWriter, r *http.Request) {
	var req model.DeliveryPatch
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	h.respond(w, r)(h.deliveries.Update(r.Context(), r.PathValue("id"), req))
}

type transitionFunc func(ctx context.Context, id string) (model.Delivery, bool, error)

// handleTransition adapts a body-less service transition into a handler.
func (h *Handlers) handleTransition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.respond(w, r)(fn(r.Context(), r.PathValue("id")))
	}
}

// HandleCancel handles POST /api/deliveries/{id}/cancel. Any agent still
// running for the delivery is killed after the transition is recorded.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, found, err := h.deliveries.Cancel(r.Context(), id)
	if err == nil && found && h.executor != nil && h.executor.Kill(id) {
		h.logger.Info("agent killed on cancel", "delivery_id", id)
	}
	h.respond(w, r)(d, found, err)
}

// HandleReject handles POST /api/deliveries/{id}/reject.
func (h *Handlers) HandleReject(w http.ResponseWriter, r *http.Request) {
	var req model.RejectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	h.respond(w, r)(h.deliveries.Reject(r.Context(), r.PathValue("id"), req.Reason))
}

// HandleRecord handles POST /api/deliveries/{id}/record.
func (h *Handlers) HandleRecord(w http.ResponseWriter, r *http.Request) {
	var req model.RecordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	h.respond(w, r)(h.deliveries.Record(r.Context(), r.PathValue("id"), req))
}

// HandlePublishPlan handles POST /api/deliveries/{id}/publish.
func (h *Handlers) HandlePublishPlan(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.executor.PublishPlan(r.Context(), r.PathValue("id")))
}

// respond returns a writer for the (delivery, found, err) triple every
// service transition yields.
func (h *Handlers) respond(w http.ResponseWriter, r *http.Request) func(model.Delivery, bool, error) {
	return func(d model.Delivery, found bool, err error) {
		switch {
		case err != nil:
			h.writeServiceError(w, r, err)
		case !found:
			writeNotFound(w, r, "delivery")
		default:
			writeJSON(w, r, http.StatusOK, d)
		}
	}
}
