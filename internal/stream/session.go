package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ashita-ai/jakeops/internal/model"
)

// ErrNoAssistantText is returned when a session log has nothing to summarize.
var ErrNoAssistantText = errors.New("stream: session has no assistant text")

// ErrInvalidSessionID is returned for ids that are empty or name a path.
var ErrInvalidSessionID = errors.New("stream: invalid session id")

// ErrSessionNotFound is returned when no session file matches an id.
var ErrSessionNotFound = errors.New("stream: session file not found")

// sessionNoise are session-log entry types with no conversational content.
var sessionNoise = map[string]struct{}{
	model.EventTypeProgress: {},
	"file-history-snapshot": {},
	"queue-operation":       {},
	"summary":               {},
}

type sessionEntry struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype"`
	ParentToolUseID *string         `json:"parentToolUseID"`
	Message         json.RawMessage `json:"message"`
	SessionID       string          `json:"sessionId"`
}

// ParseSessionLines reads a Claude session log (.jsonl). Session logs use
// camelCase keys and carry bookkeeping entries that are dropped here.
func ParseSessionLines(r io.Reader, logger *slog.Logger) ([]model.StreamEvent, error) {
	var events []model.StreamEvent
	sc := Scanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e sessionEntry
		if err := json.Unmarshal(line, &e); err != nil {
			WarnMalformed(logger, n, line, err)
			continue
		}
		if _, noise := sessionNoise[e.Type]; noise || e.Type == "" {
			continue
		}
		ev, err := buildEvent(e.Type, e.Subtype, e.ParentToolUseID, e.SessionID, e.Message, line)
		if err != nil {
			WarnMalformed(logger, n, line, err)
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return events, fmt.Errorf("stream: read session: %w", err)
	}
	return events, nil
}

// SynthesizeResult builds the result event a session log lacks, summing
// assistant usage and taking the last assistant text as the result.
func SynthesizeResult(events []model.StreamEvent) (model.StreamEvent, error) {
	var in, out int64
	last := ""
	for _, ev := range events {
		if ev.Type != model.EventTypeAssistant || ev.Message == nil {
			continue
		}
		if u := ev.Message.Usage; u != nil {
			in += u.InputTokens
			out += u.OutputTokens
		}
		for _, t := range textBlocks(ev.Message) {
			last = t
		}
	}
	if last == "" {
		return model.StreamEvent{}, ErrNoAssistantText
	}
	isError := false
	return model.StreamEvent{
		Type:    model.EventTypeResult,
		Subtype: "success",
		Message: &model.Message{
			Result:       last,
			IsError:      &isError,
			InputTokens:  in,
			OutputTokens: out,
		},
	}, nil
}

// FindSessionFile looks for <sessionID>.jsonl one level below each base
// directory, the layout of ~/.claude/projects.
func FindSessionFile(sessionID string, bases ...string) (string, error) {
	if sessionID == "" || filepath.Base(sessionID) != sessionID {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	if len(bases) == 0 {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("stream: resolve home: %w", err)
		}
		bases = []string{filepath.Join(home, ".claude", "projects")}
	}
	for _, base := range bases {
		entries, err := os.ReadDir(base)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			candidate := filepath.Join(base, e.Name(), sessionID+".jsonl")
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	return "", ErrSessionNotFound
}
