// Package stream turns agent CLI output into structured events, metadata
// and per-agent transcripts.
//
// Two consumers share the same event semantics: the batch extractors run
// once over a finished run, and Tracker follows a run while it streams.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ashita-ai/jakeops/internal/model"
)

// MaxLineBytes bounds a single line of agent output. Tool results that
// embed whole files can be large.
const MaxLineBytes = 16 * 1024 * 1024

// ErrMalformed is returned by ParseLine for lines that are not stream events.
var ErrMalformed = errors.New("stream: malformed event")

type wireEvent struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Message         json.RawMessage `json:"message"`
	SessionID       string          `json:"session_id"`
}

// ParseLine decodes one stream-json line. Lines from the CLI put init and
// result fields at the top level; those are folded into Message so every
// consumer reads one shape.
func ParseLine(line []byte) (model.StreamEvent, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return model.StreamEvent{}, fmt.Errorf("%w: empty line", ErrMalformed)
	}
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return model.StreamEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Type == "" {
		return model.StreamEvent{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return buildEvent(w.Type, w.Subtype, w.ParentToolUseID, w.SessionID, w.Message, line)
}

func buildEvent(typ, subtype string, parent *string, sessionID string, msg json.RawMessage, line []byte) (model.StreamEvent, error) {
	ev := model.StreamEvent{
		Type:            typ,
		Subtype:         subtype,
		ParentToolUseID: parent,
		SessionID:       sessionID,
	}
	if parent != nil && *parent == "" {
		ev.ParentToolUseID = nil
	}

	msg = bytes.TrimSpace(msg)
	switch {
	case len(msg) > 0 && msg[0] == '{':
		var m model.Message
		if err := json.Unmarshal(msg, &m); err != nil {
			return model.StreamEvent{}, fmt.Errorf("%w: message: %v", ErrMalformed, err)
		}
		ev.Message = &m
	case len(msg) > 0 && msg[0] == '"':
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			return model.StreamEvent{}, fmt.Errorf("%w: message: %v", ErrMalformed, err)
		}
		ev.Message = &model.Message{Content: model.TextContent(s)}
	case typ == model.EventTypeSystem || typ == model.EventTypeResult:
		var m model.Message
		if err := json.Unmarshal(line, &m); err != nil {
			return model.StreamEvent{}, fmt.Errorf("%w: %s payload: %v", ErrMalformed, typ, err)
		}
		m = m.Detached()
		ev.Message = &m
	}
	return ev, nil
}

// Scanner returns a bufio.Scanner sized for agent output.
func Scanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	return sc
}

// ParseLines reads every line of r. Blank lines are skipped; malformed lines
// are skipped with a warning so one bad line never aborts a run.
func ParseLines(r io.Reader, logger *slog.Logger) ([]model.StreamEvent, error) {
	var events []model.StreamEvent
	sc := Scanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := ParseLine(line)
		if err != nil {
			WarnMalformed(logger, n, line, err)
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return events, fmt.Errorf("stream: read lines: %w", err)
	}
	return events, nil
}

// WarnMalformed logs a skipped line with a bounded excerpt.
func WarnMalformed(logger *slog.Logger, lineNumber int, line []byte, err error) {
	if logger == nil {
		return
	}
	logger.Warn("stream: skipping malformed line",
		"line_number", lineNumber,
		"error", err,
		"content", Truncate(string(line), 200),
	)
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
