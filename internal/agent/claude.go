// Package agent runs the Claude CLI as a subprocess, either collecting its
// final JSON answer or streaming its stream-json events line by line.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/jakeops/internal/model"
	"github.com/ashita-ai/jakeops/internal/stream"
)

const (
	// DefaultBinary is looked up on PATH when no binary is configured.
	DefaultBinary = "claude"
	// DefaultIdleTimeout bounds the wait for each line of output.
	DefaultIdleTimeout = 5 * time.Minute

	maxStderrBytes = 2000
)

// ErrTimeout is wrapped when the CLI stops producing output.
var ErrTimeout = errors.New("claude CLI timeout")

// ErrKilled is wrapped when a run was stopped through Kill.
var ErrKilled = errors.New("claude CLI killed")

// Request describes one agent invocation.
type Request struct {
	// Key registers the process for Kill. Usually the delivery id.
	Key          string
	Prompt       string
	SystemPrompt string
	AllowedTools []string
	// Dir is the working directory of the CLI.
	Dir string
}

// Result is the final answer of a non-streaming run.
type Result struct {
	Text      string
	SessionID string
}

// ClaudeCLI invokes the claude binary.
type ClaudeCLI struct {
	binary      string
	idleTimeout time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	procs map[string]*proc
}

type proc struct {
	cmd    *exec.Cmd
	killed bool
}

// NewClaudeCLI creates a runner. Empty binary and non-positive idleTimeout
// select the defaults.
func NewClaudeCLI(binary string, idleTimeout time.Duration, logger *slog.Logger) *ClaudeCLI {
	if binary == "" {
		binary = DefaultBinary
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &ClaudeCLI{
		binary:      binary,
		idleTimeout: idleTimeout,
		logger:      logger,
		procs:       make(map[string]*proc),
	}
}

func args(req Request, format string) []string {
	a := []string{"-p", req.Prompt, "--output-format", format}
	if format == "stream-json" {
		a = append(a, "--verbose")
	}
	if len(req.AllowedTools) > 0 {
		a = append(a, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if req.SystemPrompt != "" {
		a = append(a, "--append-system-prompt", req.SystemPrompt)
	}
	return a
}

func (c *ClaudeCLI) command(req Request, format string) *exec.Cmd {
	cmd := exec.Command(c.binary, args(req, format)...) //nolint:gosec // binary comes from operator config
	cmd.Dir = req.Dir
	setProcessGroup(cmd)
	return cmd
}

// Run waits for the CLI's single JSON answer. The idle timeout bounds the
// whole run since nothing is printed before the answer.
func (c *ClaudeCLI) Run(ctx context.Context, req Request) (Result, error) {
	cmd := c.command(req, "json")
	var stdout bytes.Buffer
	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("agent: start claude: %w", err)
	}
	p := c.register(req.Key, cmd)
	defer c.unregister(req.Key, p)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	timer := time.NewTimer(c.idleTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-waitErr:
	case <-timer.C:
		_ = killProcessGroup(cmd)
		<-waitErr
		return Result{}, fmt.Errorf("%w (exceeded %s)", ErrTimeout, c.idleTimeout)
	case <-ctx.Done():
		_ = killProcessGroup(cmd)
		<-waitErr
		return Result{}, fmt.Errorf("agent: claude run: %w", ctx.Err())
	}
	if err != nil {
		return Result{}, c.exitError(p, stderr)
	}

	var out struct {
		Result    string `json:"result"`
		SessionID string `json:"session_id"`
		IsError   bool   `json:"is_error"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Result{}, fmt.Errorf("agent: decode claude output: %w", err)
	}
	if out.IsError {
		return Result{}, fmt.Errorf("claude CLI returned error: %s", out.Result)
	}
	return Result{Text: out.Result, SessionID: out.SessionID}, nil
}

// Stream runs the CLI in stream-json mode and calls onEvent for every parsed
// line, in order, on the calling goroutine. Malformed lines are logged and
// skipped. Each line must arrive within the idle timeout or the process
// group is killed.
func (c *ClaudeCLI) Stream(ctx context.Context, req Request, onEvent func(model.StreamEvent)) error {
	cmd := c.command(req, "stream-json")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agent: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("agent: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("agent: start claude: %w", err)
	}
	p := c.register(req.Key, cmd)
	defer c.unregister(req.Key, p)

	lines := make(chan []byte)
	done := make(chan struct{})
	stderr := &cappedBuffer{limit: maxStderrBytes}

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(stderr, stderrPipe)
		return err
	})
	g.Go(func() error {
		defer close(lines)
		sc := stream.Scanner(stdout)
		for sc.Scan() {
			line := bytes.Clone(sc.Bytes())
			select {
			case lines <- line:
			case <-done:
				// Keep draining so the child never blocks on a full pipe.
			}
		}
		return sc.Err()
	})

	timer := time.NewTimer(c.idleTimeout)
	defer timer.Stop()

	var stopErr error
	lineNo := 0
read:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break read
			}
			timer.Reset(c.idleTimeout)
			lineNo++
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			ev, err := stream.ParseLine(line)
			if err != nil {
				stream.WarnMalformed(c.logger, lineNo, line, err)
				continue
			}
			onEvent(ev)
		case <-timer.C:
			stopErr = fmt.Errorf("%w (no output for %s)", ErrTimeout, c.idleTimeout)
			break read
		case <-ctx.Done():
			stopErr = fmt.Errorf("agent: claude stream: %w", ctx.Err())
			break read
		}
	}
	close(done)
	if stopErr != nil {
		_ = killProcessGroup(cmd)
	}

	readErr := g.Wait()
	waitErr := cmd.Wait()
	switch {
	case stopErr != nil:
		return stopErr
	case waitErr != nil:
		return c.exitError(p, stderr)
	case readErr != nil:
		return fmt.Errorf("agent: read claude output: %w", readErr)
	}
	return nil
}

func (c *ClaudeCLI) exitError(p *proc, stderr *cappedBuffer) error {
	c.mu.Lock()
	killed := p.killed
	c.mu.Unlock()
	if killed {
		return ErrKilled
	}
	return fmt.Errorf("claude CLI failed: %s", strings.TrimSpace(stderr.String()))
}

// Kill stops the run registered under key. It reports whether one existed.
func (c *ClaudeCLI) Kill(key string) bool {
	c.mu.Lock()
	p, ok := c.procs[key]
	if ok {
		p.killed = true
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if err := killProcessGroup(p.cmd); err != nil && c.logger != nil {
		c.logger.Warn("agent: kill failed", "key", key, "error", err)
	}
	return true
}

func (c *ClaudeCLI) register(key string, cmd *exec.Cmd) *proc {
	p := &proc{cmd: cmd}
	if key == "" {
		return p
	}
	c.mu.Lock()
	c.procs[key] = p
	c.mu.Unlock()
	return p
}

func (c *ClaudeCLI) unregister(key string, p *proc) {
	if key == "" {
		return
	}
	c.mu.Lock()
	if c.procs[key] == p {
		delete(c.procs, key)
	}
	c.mu.Unlock()
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
