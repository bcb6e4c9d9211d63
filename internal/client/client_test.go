package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/jakeops/internal/model"
)

// mockServer creates an httptest server that mimics the jakeops API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: serverURL + "/", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestListDeliveries_SendsFilters(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/deliveries": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "plan", r.URL.Query().Get("phase"))
			assert.Equal(t, "succeeded", r.URL.Query().Get("run_status"))
			assert.Equal(t, "acme/app", r.URL.Query().Get("repository"))
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []model.Delivery{{ID: "d1", Phase: model.PhasePlan}},
			})
		},
	})
	c := newTestClient(t, srv.URL)

	ds, err := c.ListDeliveries(context.Background(), ListOptions{
		Phase: model.PhasePlan, RunStatus: model.RunStatusSucceeded, Repository: "acme/app",
	})
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "d1", ds[0].ID)
}

func TestTransitions(t *testing.T) {
	var (
		mu        sync.Mutex
		gotReason string
		hit       = map[string]bool{}
	)
	handler := func(action string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "d1", r.PathValue("id"))
			var req model.RejectRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			mu.Lock()
			hit[action] = true
			if action == "reject" {
				gotReason = req.Reason
			}
			mu.Unlock()
			writeJSON(w, http.StatusOK, map[string]any{"data": model.Delivery{ID: "d1"}})
		}
	}
	handlers := map[string]http.HandlerFunc{}
	for _, a := range []string{"approve", "reject", "retry", "advance", "cancel", "close"} {
		handlers["POST /api/deliveries/{id}/"+a] = handler(a)
	}
	c := newTestClient(t, mockServer(t, handlers).URL)
	ctx := context.Background()

	for _, call := range []func() (model.Delivery, error){
		func() (model.Delivery, error) { return c.Approve(ctx, "d1") },
		func() (model.Delivery, error) { return c.Reject(ctx, "d1", "needs tests") },
		func() (model.Delivery, error) { return c.Retry(ctx, "d1") },
		func() (model.Delivery, error) { return c.Advance(ctx, "d1") },
		func() (model.Delivery, error) { return c.Cancel(ctx, "d1") },
		func() (model.Delivery, error) { return c.Close(ctx, "d1") },
	} {
		d, err := call()
		require.NoError(t, err)
		assert.Equal(t, "d1", d.ID)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, hit, 6)
	assert.Equal(t, "needs tests", gotReason)
}

func TestErrorResponses(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/deliveries/{id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "delivery not found"},
			})
		},
		"POST /api/deliveries/{id}/approve": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": map[string]any{"code": "INVALID_TRANSITION", "message": "approve not allowed"},
			})
		},
		"POST /api/sync": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("sync off"))
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.GetDelivery(ctx, "missing")
	assert.True(t, IsNotFound(err))
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
	assert.Equal(t, "delivery not found", apiErr.Message)

	_, err = c.Approve(ctx, "d1")
	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFound(err))

	_, err = c.Sync(ctx)
	assert.True(t, IsNotConfigured(err))
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "sync off", apiErr.Message)
}

func TestRunPhase_Wait(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/deliveries/{id}/run/{phase}": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "plan", r.PathValue("phase"))
			if r.URL.Query().Get("wait") == "true" {
				writeJSON(w, http.StatusOK, map[string]any{"data": model.PhaseResult{
					ID: "d1", Phase: model.PhasePlan, RunStatus: model.RunStatusSucceeded, RunID: "r1",
				}})
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"data": model.PhaseResult{
				ID: "d1", Phase: model.PhasePlan, RunStatus: model.RunStatusRunning,
			}})
		},
	})
	c := newTestClient(t, srv.URL)

	res, err := c.RunPhase(context.Background(), "d1", model.PhasePlan, false)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, res.RunStatus)

	res, err = c.RunPhase(context.Background(), "d1", model.PhasePlan, true)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, res.RunStatus)
	assert.Equal(t, "r1", res.RunID)
}

func TestKillAndHealth(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/deliveries/{id}/kill": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"id": r.PathValue("id"), "killed": true}})
		},
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": model.HealthResponse{Status: "ok", Version: "1.2.3"}})
		},
	})
	c := newTestClient(t, srv.URL)

	killed, err := c.Kill(context.Background(), "d1")
	require.NoError(t, err)
	assert.True(t, killed)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", h.Version)
}

func TestWatch(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/deliveries/{id}/stream": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, ": heartbeat\n\n")
			fmt.Fprint(w, "data: {\"type\":\"assistant\",\"session_id\":\"s1\"}\n\n")
			fmt.Fprint(w, "data: {\"type\":\"metadata\",\"agent_buckets\":[]}\n\n")
			fmt.Fprint(w, "event: done\ndata: {}\n\n")
			fmt.Fprint(w, "data: {\"type\":\"never\"}\n\n")
		},
	})
	c := newTestClient(t, srv.URL)

	var types []string
	err := c.Watch(context.Background(), "d1", func(f Frame) error {
		types = append(types, f.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"assistant", "metadata"}, types)
}

func TestWatch_NotFound(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/deliveries/{id}/stream": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "delivery not found"},
			})
		},
	})
	c := newTestClient(t, srv.URL)

	err := c.Watch(context.Background(), "nope", func(Frame) error { return nil })
	assert.True(t, IsNotFound(err))
}

func TestWatch_CallbackErrorStops(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/deliveries/{id}/stream": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "data: {\"type\":\"assistant\"}\n\n")
			fmt.Fprint(w, "data: {\"type\":\"result\"}\n\n")
		},
	})
	c := newTestClient(t, srv.URL)

	stop := fmt.Errorf("stop")
	calls := 0
	err := c.Watch(context.Background(), "d1", func(Frame) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
