// Package github is a minimal GitHub REST client for the issue endpoints
// the sync worker needs.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultBaseURL is the public GitHub API.
const DefaultBaseURL = "https://api.github.com"

const (
	perPage  = 100
	maxPages = 10
)

// ErrNotFound is returned when the repository or issue does not exist.
var ErrNotFound = errors.New("github: not found")

// Issue is the subset of a GitHub issue that becomes a delivery.
type Issue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
	Body    string `json:"body,omitempty"`
}

type apiIssue struct {
	Issue
	Body        *string   `json:"body"`
	PullRequest *struct{} `json:"pull_request"`
}

// Client talks to the GitHub REST API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient returns a client for baseURL (DefaultBaseURL when empty). The
// transport is instrumented with OpenTelemetry.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// ListOpenIssues returns the open issues of owner/repo, skipping pull
// requests. A missing repository yields an empty list.
func (c *Client) ListOpenIssues(ctx context.Context, owner, repo, token string) ([]Issue, error) {
	var out []Issue
	for page := 1; page <= maxPages; page++ {
		q := url.Values{}
		q.Set("state", "open")
		q.Set("per_page", strconv.Itoa(perPage))
		q.Set("page", strconv.Itoa(page))

		var items []apiIssue
		err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/issues?%s", owner, repo, q.Encode()), token, &items)
		if errors.Is(err, ErrNotFound) {
			c.logger.Warn("github: repository not found", "owner", owner, "repo", repo)
			return []Issue{}, nil
		}
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			if it.PullRequest != nil {
				continue
			}
			out = append(out, it.Issue)
		}
		if len(items) < perPage {
			break
		}
	}
	if out == nil {
		out = []Issue{}
	}
	return out, nil
}

// GetIssue fetches one issue including its body.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int, token string) (Issue, error) {
	var it apiIssue
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number), token, &it); err != nil {
		return Issue{}, err
	}
	if it.Body != nil {
		it.Issue.Body = *it.Body
	}
	return it.Issue, nil
}

func (c *Client) get(ctx context.Context, path, token string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("github: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("github: GET %s: %w", redactQuery(path), err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("github: GET %s: status %d: %s", redactQuery(path), resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("github: decode %s: %w", redactQuery(path), err)
	}
	return nil
}

func redactQuery(path string) string {
	p, _, _ := strings.Cut(path, "?")
	return p
}
