package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Stream event types emitted by the agent CLI.
const (
	EventTypeSystem    = "system"
	EventTypeAssistant = "assistant"
	EventTypeUser      = "user"
	EventTypeResult    = "result"
	EventTypeProgress  = "progress"

	SubtypeInit = "init"
)

// StreamEvent is one parsed line of agent output.
type StreamEvent struct {
	Type            string   `json:"type"`
	Subtype         string   `json:"subtype,omitempty"`
	ParentToolUseID *string  `json:"parent_tool_use_id,omitempty"`
	Message         *Message `json:"message,omitempty"`
	SessionID       string   `json:"session_id,omitempty"`
}

// IsLeader reports whether the event came from the top-level agent.
func (e StreamEvent) IsLeader() bool {
	return e.ParentToolUseID == nil || *e.ParentToolUseID == ""
}

// IsInit reports whether e is the system/init event.
func (e StreamEvent) IsInit() bool {
	return e.Type == EventTypeSystem && e.Subtype == SubtypeInit
}

// Usage is the token accounting attached to assistant and result payloads.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// Message is the payload of a stream event. Assistant and user events carry
// role/model/content; system/init and result events carry the remaining
// fields. The raw bytes are kept so observers see the payload unchanged.
type Message struct {
	Role    string  `json:"role,omitempty"`
	Model   string  `json:"model,omitempty"`
	Content Content `json:"content,omitzero"`
	Usage   *Usage  `json:"usage,omitempty"`

	CWD        string   `json:"cwd,omitempty"`
	Tools      NameList `json:"tools,omitempty"`
	MCPServers NameList `json:"mcp_servers,omitempty"`
	Skills     NameList `json:"skills,omitempty"`
	Plugins    NameList `json:"plugins,omitempty"`
	Agents     NameList `json:"agents,omitempty"`

	Result       string  `json:"result,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	IsError      *bool   `json:"is_error,omitempty"`

	raw json.RawMessage
}

type messageFields Message

// UnmarshalJSON decodes the known fields and keeps the original bytes.
func (m *Message) UnmarshalJSON(data []byte) error {
	var f messageFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*m = Message(f)
	m.raw = bytes.Clone(data)
	return nil
}

// MarshalJSON returns the original payload when the message was decoded,
// and the known fields otherwise.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.raw) > 0 {
		return m.raw, nil
	}
	return json.Marshal(messageFields(m))
}

// Detached returns m without its original bytes, so it marshals from the
// decoded fields.
func (m Message) Detached() Message {
	m.raw = nil
	return m
}

// Cost returns the reported cost, preferring the total when both are set.
func (m Message) Cost() float64 {
	if m.TotalCostUSD != 0 {
		return m.TotalCostUSD
	}
	return m.CostUSD
}

// Tokens returns input and output token counts, falling back to usage.
func (m Message) Tokens() (in, out int64) {
	in, out = m.InputTokens, m.OutputTokens
	if m.Usage != nil {
		if in == 0 {
			in = m.Usage.InputTokens
		}
		if out == 0 {
			out = m.Usage.OutputTokens
		}
	}
	return in, out
}

// NameList decodes either a list of strings or a list of objects with a
// "name" field. The CLI has emitted both shapes for its inventories.
type NameList []string

// UnmarshalJSON accepts ["a","b"] and [{"name":"a"},...].
func (l *NameList) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("name list: %w", err)
	}
	out := make(NameList, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var named struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(item, &named); err == nil && named.Name != "" {
			out = append(out, named.Name)
		}
	}
	*l = out
	return nil
}

// Content is a message body: either plain text or a list of blocks.
type Content struct {
	Text   string
	Blocks []ContentBlock
}

// TextContent wraps a plain string.
func TextContent(s string) Content {
	return Content{Text: s}
}

// BlockContent wraps a list of blocks.
func BlockContent(blocks ...ContentBlock) Content {
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	return Content{Blocks: blocks}
}

// IsZero reports whether the content is absent.
func (c Content) IsZero() bool {
	return c.Text == "" && c.Blocks == nil
}

// UnmarshalJSON accepts a string or an array of typed blocks.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = Content{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
		return nil
	}
	if data[0] != '[' {
		*c = Content{Blocks: []ContentBlock{RawBlock{Raw: bytes.Clone(data)}}}
		return nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("content: %w", err)
	}
	blocks := make([]ContentBlock, 0, len(raws))
	for _, raw := range raws {
		b, err := DecodeBlock(raw)
		if err != nil {
			return err
		}
		blocks = append(blocks, b)
	}
	*c = Content{Blocks: blocks}
	return nil
}

// MarshalJSON writes the string form or the block array.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Blocks == nil {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Blocks)
}

// ContentBlock is the closed set of block kinds found in message content.
// The concrete types are TextBlock, ThinkingBlock, ToolUseBlock,
// ToolResultBlock and RawBlock.
type ContentBlock interface {
	BlockType() string
	contentBlock()
}

// Content block type names.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// TextBlock is plain assistant or user text.
type TextBlock struct {
	Text string
}

// ThinkingBlock is extended-thinking output.
type ThinkingBlock struct {
	Thinking  string
	Signature string
}

// ToolUseBlock is a tool invocation by the agent.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResultBlock is the result fed back for a tool invocation.
type ToolResultBlock struct {
	ToolUseID string
	Content   json.RawMessage
	IsError   bool
}

// RawBlock is any block kind not modelled above, kept verbatim.
type RawBlock struct {
	Type string
	Raw  json.RawMessage
}

func (TextBlock) BlockType() string       { return BlockText }
func (ThinkingBlock) BlockType() string   { return BlockThinking }
func (ToolUseBlock) BlockType() string    { return BlockToolUse }
func (ToolResultBlock) BlockType() string { return BlockToolResult }
func (b RawBlock) BlockType() string      { return b.Type }

func (TextBlock) contentBlock()       {}
func (ThinkingBlock) contentBlock()   {}
func (ToolUseBlock) contentBlock()    {}
func (ToolResultBlock) contentBlock() {}
func (RawBlock) contentBlock()        {}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// DecodeBlock decodes one content block by its "type" field.
func DecodeBlock(raw json.RawMessage) (ContentBlock, error) {
	var w wireBlock
	if err := json.Unmarshal(raw, &w); err != nil {
		// Non-object entries (bare strings, numbers) pass through untouched.
		return RawBlock{Raw: bytes.Clone(raw)}, nil
	}
	switch w.Type {
	case BlockText:
		return TextBlock{Text: w.Text}, nil
	case BlockThinking:
		return ThinkingBlock{Thinking: w.Thinking, Signature: w.Signature}, nil
	case BlockToolUse:
		return ToolUseBlock{ID: w.ID, Name: w.Name, Input: w.Input}, nil
	case BlockToolResult:
		return ToolResultBlock{ToolUseID: w.ToolUseID, Content: w.Content, IsError: w.IsError}, nil
	default:
		return RawBlock{Type: w.Type, Raw: bytes.Clone(raw)}, nil
	}
}

func (b TextBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{BlockText, b.Text})
}

func (b ThinkingBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireBlock{Type: BlockThinking, Thinking: b.Thinking, Signature: b.Signature})
}

func (b ToolUseBlock) MarshalJSON() ([]byte, error) {
	input := b.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return json.Marshal(struct {
		Type  string          `json:"type"`
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	}{BlockToolUse, b.ID, b.Name, input})
}

func (b ToolResultBlock) MarshalJSON() ([]byte, error) {
	content := b.Content
	if len(content) == 0 {
		content = json.RawMessage("null")
	}
	return json.Marshal(struct {
		Type      string          `json:"type"`
		Content   json.RawMessage `json:"content"`
		ToolUseID string          `json:"tool_use_id"`
		IsError   bool            `json:"is_error,omitempty"`
	}{BlockToolResult, content, b.ToolUseID, b.IsError})
}

func (b RawBlock) MarshalJSON() ([]byte, error) {
	if len(b.Raw) == 0 {
		return json.Marshal(struct {
			Type string `json:"type"`
		}{b.Type})
	}
	return b.Raw, nil
}

// LiveEvent is one frame delivered to live observers of a delivery: either
// a raw stream event or a metadata change notification.
type LiveEvent struct {
	Stream   *StreamEvent
	Metadata *LiveMetadata
}

// LiveMetadata is the incremental summary pushed while a run streams.
type LiveMetadata struct {
	Model        string        `json:"model,omitempty"`
	AgentBuckets []AgentBucket `json:"agent_buckets"`
	UsedSkills   []string      `json:"used_skills"`
}

// MarshalJSON writes stream events as-is and metadata with type "metadata".
func (e LiveEvent) MarshalJSON() ([]byte, error) {
	if e.Metadata != nil {
		return json.Marshal(struct {
			Type string `json:"type"`
			LiveMetadata
		}{"metadata", *e.Metadata})
	}
	if e.Stream == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e.Stream)
}

// AgentBucket names one transcript partition.
type AgentBucket struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// StreamMetadata summarizes one run's event stream.
type StreamMetadata struct {
	Model        string        `json:"model"`
	CWD          string        `json:"cwd,omitempty"`
	Tools        []string      `json:"tools"`
	Skills       []string      `json:"skills"`
	Plugins      []string      `json:"plugins"`
	Agents       []string      `json:"agents"`
	MCPServers   []string      `json:"mcp_servers"`
	UsedSkills   []string      `json:"used_skills"`
	AgentBuckets []AgentBucket `json:"agent_buckets"`
	CostUSD      float64       `json:"cost_usd"`
	InputTokens  int64         `json:"input_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	DurationMS   int64         `json:"duration_ms"`
	IsSuccess    bool          `json:"is_success"`
	ResultText   string        `json:"result_text"`
}
