package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Standard error codes.
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// RejectRequest is the request body for POST /api/deliveries/{id}/reject.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// RecordRequest is the request body for POST /api/deliveries/{id}/record.
type RecordRequest struct {
	RunStatus RunStatus    `json:"run_status"`
	Executor  ExecutorKind `json:"executor,omitempty"`
	Verdict   *Verdict     `json:"verdict,omitempty"`
}

// CollectRequest is the request body for POST /api/deliveries/{id}/collect.
type CollectRequest struct {
	SessionID string `json:"session_id"`
	Mode      string `json:"mode,omitempty"`
}

// PhaseResult is returned by every agent phase execution.
type PhaseResult struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id,omitempty"`
	Phase      Phase     `json:"phase"`
	RunStatus  RunStatus `json:"run_status"`
	ResultText string    `json:"result_text,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// SyncResult counts the deliveries touched by one sync pass.
type SyncResult struct {
	Created int `json:"created"`
	Closed  int `json:"closed"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Store       string `json:"store"`
	LiveTopics  int    `json:"live_topics"`
	Subscribers int    `json:"subscribers"`
	Uptime      int64  `json:"uptime_seconds"`
}
