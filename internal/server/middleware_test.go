package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/jakeops/internal/model"
	"github.com/ashita-ai/jakeops/internal/ratelimit"
	"github.com/ashita-ai/jakeops/internal/testutil"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := requestIDMiddleware(recoveryMiddleware(testutil.TestLogger(),
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/deliveries", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ErrCodeInternalError, body.Error.Code)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), body.Meta.RequestID)
}

func TestCORSMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	t.Run("allowed origin", func(t *testing.T) {
		handler := corsMiddleware([]string{"https://board.example"}, inner)
		req := httptest.NewRequest(http.MethodGet, "/api/deliveries", nil)
		req.Header.Set("Origin", "https://board.example")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, "https://board.example", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("other origin", func(t *testing.T) {
		handler := corsMiddleware([]string{"https://board.example"}, inner)
		req := httptest.NewRequest(http.MethodGet, "/api/deliveries", nil)
		req.Header.Set("Origin", "https://evil.example")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		handler := corsMiddleware([]string{"*"}, inner)
		req := httptest.NewRequest(http.MethodOptions, "/api/deliveries/x/approve", nil)
		req.Header.Set("Origin", "https://any.example")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PATCH")
	})
}

func TestStatusWriter_KeepsFirstStatusAndFlushes(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	sw.WriteHeader(http.StatusAccepted)
	sw.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusAccepted, sw.statusCode)

	var w http.ResponseWriter = sw
	_, ok := w.(http.Flusher)
	assert.True(t, ok)
	sw.Flush()
	assert.True(t, rec.Flushed)
	assert.Same(t, rec, sw.Unwrap())
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("down") }
func (brokenLimiter) Close() error                                { return nil }

func TestRateLimitMiddleware(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	handler := rateLimitMiddleware(limiter, testutil.TestLogger(),
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) }))

	call := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/deliveries/x/run/plan", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusAccepted, call("10.0.0.1:5000").Code)
	rec := call("10.0.0.1:5001")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "same host, different port")
	assert.Equal(t, "1000", rec.Header().Get("Retry-After"), "one request per 1000s")
	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)

	assert.Equal(t, http.StatusAccepted, call("10.0.0.2:5000").Code)
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, "1", retryAfter(nil, "k"))
	assert.Equal(t, "1", retryAfter(fixedDelay(200*time.Millisecond), "k"))
	assert.Equal(t, "5", retryAfter(fixedDelay(4200*time.Millisecond), "k"))
}

type fixedDelay time.Duration

func (d fixedDelay) Delay(string) time.Duration { return time.Duration(d) }

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	handler := rateLimitMiddleware(brokenLimiter{}, testutil.TestLogger(),
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sync", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", clientIP(req))
	req.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", clientIP(req))
}
