package model

import "time"

// SourceType identifies the issue tracker behind a source.
type SourceType string

// SourceTypeGitHub is the only tracker currently synced.
const SourceTypeGitHub SourceType = "github"

// Source is a repository whose open issues become deliveries.
type Source struct {
	ID           string     `json:"id"`
	Type         SourceType `json:"type"`
	Owner        string     `json:"owner"`
	Repo         string     `json:"repo"`
	Token        string     `json:"token,omitempty"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
}

// Repository returns "owner/repo".
func (s Source) Repository() string {
	return s.Owner + "/" + s.Repo
}

// Redacted returns s with the token masked for display. Tokens longer than
// eight characters keep their first and last four.
func (s Source) Redacted() Source {
	s.Token = MaskToken(s.Token)
	return s
}

// MaskToken hides all but the edges of a credential.
func MaskToken(token string) string {
	switch {
	case token == "":
		return ""
	case len(token) <= 8:
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}

// CreateSourceRequest is the request body for POST /api/sources.
type CreateSourceRequest struct {
	Type   SourceType `json:"type"`
	Owner  string     `json:"owner"`
	Repo   string     `json:"repo"`
	Token  string     `json:"token,omitempty"`
	Active *bool      `json:"active,omitempty"`
}

// UpdateSourceRequest is the request body for PATCH /api/sources/{id}.
type UpdateSourceRequest struct {
	Token  *string `json:"token,omitempty"`
	Active *bool   `json:"active,omitempty"`
}

// WorkerStatus reports the health of one background worker.
type WorkerStatus struct {
	Name        string     `json:"name"`
	Label       string     `json:"label"`
	IntervalSec int        `json:"interval_sec"`
	Enabled     bool       `json:"enabled"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	LastResult  any        `json:"last_result,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	RunCount    int        `json:"run_count"`
	ErrorCount  int        `json:"error_count"`
}
