// Package vcs drives the git and gh command-line tools to prepare agent
// workspaces and publish work back to GitHub.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds every git/gh invocation.
const DefaultCommandTimeout = 120 * time.Second

const (
	botName  = "jakeops[bot]"
	botEmail = "jakeops@noreply"
)

// GitCLI implements the workspace and publishing operations with git and gh.
type GitCLI struct {
	// Git and GH are the binaries to run. Defaults: "git", "gh".
	Git string
	GH  string
	// RemoteBase is the clone host prefix. Default "https://github.com".
	RemoteBase string
	Timeout    time.Duration
	Logger     *slog.Logger
}

// NewGitCLI returns a GitCLI with default binaries and remote.
func NewGitCLI(logger *slog.Logger) *GitCLI {
	return &GitCLI{
		Git:        "git",
		GH:         "gh",
		RemoteBase: "https://github.com",
		Timeout:    DefaultCommandTimeout,
		Logger:     logger,
	}
}

// RepoURL returns the plain (credential-free) clone URL for owner/repo.
func (g *GitCLI) RepoURL(owner, repo string) string {
	base := g.RemoteBase
	if base == "" {
		base = "https://github.com"
	}
	return strings.TrimSuffix(base, "/") + "/" + owner + "/" + repo + ".git"
}

// authURL embeds token into an https URL. Other schemes pass through.
func authURL(url, token string) string {
	if token == "" || !strings.HasPrefix(url, "https://") {
		return url
	}
	return "https://x-access-token:" + token + "@" + strings.TrimPrefix(url, "https://")
}

// Clone makes a shallow clone of owner/repo into dest.
func (g *GitCLI) Clone(ctx context.Context, owner, repo, token, dest string) error {
	url := authURL(g.RepoURL(owner, repo), token)
	_, err := g.git(ctx, "", "clone", token, nil, "clone", "--depth=1", url, dest)
	return err
}

// CheckoutBranch fetches branch from origin and checks it out in dir.
func (g *GitCLI) CheckoutBranch(ctx context.Context, dir, branch string) error {
	refspec := branch + ":" + branch
	if _, err := g.git(ctx, dir, "fetch", "", nil, "fetch", "--depth=1", "origin", refspec); err != nil {
		return err
	}
	_, err := g.git(ctx, dir, "checkout", "", nil, "checkout", branch)
	return err
}

// CreateBranchWithFile clones repoURL, writes content to filePath on a new
// branch, commits it as the bot user and pushes the branch.
func (g *GitCLI) CreateBranchWithFile(ctx context.Context, repoURL, branch, filePath, content, message, token string) error {
	if filepath.IsAbs(filePath) || strings.HasPrefix(filepath.Clean(filePath), "..") {
		return fmt.Errorf("vcs: file path %q must stay inside the repository", filePath)
	}
	tmp, err := os.MkdirTemp("", "jakeops-git-")
	if err != nil {
		return fmt.Errorf("vcs: create temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	if _, err := g.git(ctx, "", "clone", token, nil, "clone", "--depth=1", authURL(repoURL, token), tmp); err != nil {
		return err
	}
	if _, err := g.git(ctx, tmp, "checkout", "", nil, "checkout", "-b", branch); err != nil {
		return err
	}

	target := filepath.Join(tmp, filePath)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("vcs: create %s: %w", filepath.Dir(filePath), err)
	}
	if err := os.WriteFile(target, []byte(content), 0o600); err != nil {
		return fmt.Errorf("vcs: write %s: %w", filePath, err)
	}

	if _, err := g.git(ctx, tmp, "add", "", nil, "add", filePath); err != nil {
		return err
	}
	author := []string{
		"GIT_AUTHOR_NAME=" + botName, "GIT_COMMITTER_NAME=" + botName,
		"GIT_AUTHOR_EMAIL=" + botEmail, "GIT_COMMITTER_EMAIL=" + botEmail,
	}
	if _, err := g.git(ctx, tmp, "commit", "", author, "commit", "-m", message); err != nil {
		return err
	}
	_, err = g.git(ctx, tmp, "push", token, nil, "push", "-u", "origin", branch)
	return err
}

// CreateDraftPR opens a draft pull request for branch and returns its URL.
func (g *GitCLI) CreateDraftPR(ctx context.Context, owner, repo, branch, title, body, token string) (string, error) {
	var env []string
	if token != "" {
		env = []string{"GH_TOKEN=" + token}
	}
	out, err := g.run(ctx, "", token, env, g.bin(g.GH, "gh"),
		"pr", "create",
		"--repo", owner+"/"+repo,
		"--head", branch,
		"--title", title,
		"--body", body,
		"--draft",
	)
	if err != nil {
		return "", fmt.Errorf("vcs: create draft PR for %s/%s: %w", owner, repo, err)
	}
	return strings.TrimSpace(out), nil
}

func (g *GitCLI) git(ctx context.Context, dir, label, token string, env []string, args ...string) (string, error) {
	out, err := g.run(ctx, dir, token, env, g.bin(g.Git, "git"), args...)
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w", label, err)
	}
	return out, nil
}

// run executes name with args. Any error text has token replaced by ***.
func (g *GitCLI) run(ctx context.Context, dir, token string, env []string, name string, args ...string) (string, error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // binaries come from configuration
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(cmd.Env, env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = "timed out: " + msg
		}
		return "", errors.New(Mask(msg, token))
	}
	if g.Logger != nil {
		g.Logger.Debug("vcs: command ok", "cmd", name, "arg0", args[0], "dir", dir)
	}
	return stdout.String(), nil
}

func (g *GitCLI) bin(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

// Mask replaces every occurrence of token in s with ***.
func Mask(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}
