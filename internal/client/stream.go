package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Frame is one data frame of a delivery's live stream. Type is "metadata"
// for summary updates and the agent event type otherwise.
type Frame struct {
	Type string
	Data json.RawMessage
}

// Watch follows the live stream of a delivery, calling fn for every frame
// until the server signals the run is done, fn returns an error or ctx ends.
// A delivery with no running agent ends immediately.
func (c *Client) Watch(ctx context.Context, id string, fn func(Frame) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+deliveryPath(id)+"/stream", nil)
	if err != nil {
		return fmt.Errorf("jakeops: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("jakeops: stream %s: %w", id, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return handleResponse(resp, nil)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event == "done" {
				return nil
			}
			if data.Len() > 0 {
				if err := emit(data.String(), fn); err != nil {
					return err
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// Heartbeat.
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("jakeops: read stream %s: %w", id, err)
	}
	return ctx.Err()
}

func emit(raw string, fn func(Frame) error) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(raw), &head); err != nil {
		return fmt.Errorf("jakeops: decode stream frame: %w", err)
	}
	return fn(Frame{Type: head.Type, Data: json.RawMessage(raw)})
}
