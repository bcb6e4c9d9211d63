package stream

import (
	"slices"
	"strings"

	"github.com/ashita-ai/jakeops/internal/model"
)

// NoOutputPlaceholder replaces an empty result text.
const NoOutputPlaceholder = "(no output captured)"

// UnknownModel is recorded when a bucket's model cannot be determined.
const UnknownModel = "unknown"

// skipTypes never appear in transcripts.
var skipTypes = map[string]struct{}{
	model.EventTypeSystem:   {},
	model.EventTypeResult:   {},
	model.EventTypeProgress: {},
	"file-history-snapshot": {},
}

// HasResult reports whether events contain a terminal result event.
func HasResult(events []model.StreamEvent) bool {
	return slices.ContainsFunc(events, func(ev model.StreamEvent) bool {
		return ev.Type == model.EventTypeResult && ev.Message != nil
	})
}

// ExtractMetadata summarizes a finished run. Without a result event the
// result text is rebuilt from the final leader assistant text, and success
// means that text is non-empty.
func ExtractMetadata(events []model.StreamEvent) model.StreamMetadata {
	meta := model.StreamMetadata{Model: UnknownModel}
	hasResult := false

	for _, ev := range events {
		if ev.Message == nil {
			continue
		}
		m := ev.Message
		switch {
		case ev.IsInit():
			if m.Model != "" {
				meta.Model = m.Model
			}
			meta.CWD = m.CWD
			meta.Tools = slices.Clone([]string(m.Tools))
			meta.Skills = slices.Clone([]string(m.Skills))
			meta.Plugins = slices.Clone([]string(m.Plugins))
			meta.Agents = slices.Clone([]string(m.Agents))
			meta.MCPServers = slices.Clone([]string(m.MCPServers))
		case ev.Type == model.EventTypeResult:
			hasResult = true
			meta.ResultText = m.Result
			meta.CostUSD = m.Cost()
			meta.InputTokens, meta.OutputTokens = m.Tokens()
			meta.DurationMS = m.DurationMS
			meta.IsSuccess = m.IsError != nil && !*m.IsError
		}
	}

	if !hasResult {
		meta.ResultText = assembleResultText(events)
		meta.IsSuccess = meta.ResultText != ""
	}
	if meta.ResultText == "" {
		meta.ResultText = NoOutputPlaceholder
	}

	t := NewTracker()
	for _, ev := range events {
		t.Observe(ev)
	}
	snap := t.Snapshot()
	meta.UsedSkills = snap.UsedSkills
	meta.AgentBuckets = snap.AgentBuckets
	if meta.Model == UnknownModel && snap.Model != "" {
		meta.Model = snap.Model
	}

	for _, l := range []*[]string{&meta.Tools, &meta.Skills, &meta.Plugins, &meta.Agents, &meta.MCPServers} {
		if *l == nil {
			*l = []string{}
		}
	}
	return meta
}

// assembleResultText joins the text blocks of the last contiguous run of
// leader assistant events that carry text. Subagent events are ignored; a
// leader user event or a text-less assistant event ends the run.
func assembleResultText(events []model.StreamEvent) string {
	var chunks [][]string
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if !ev.IsLeader() {
			continue
		}
		if ev.Type != model.EventTypeAssistant && ev.Type != model.EventTypeUser {
			continue
		}
		var texts []string
		if ev.Type == model.EventTypeAssistant {
			texts = textBlocks(ev.Message)
		}
		if len(texts) == 0 {
			if len(chunks) > 0 {
				break
			}
			continue
		}
		chunks = append(chunks, texts)
	}
	slices.Reverse(chunks)
	var parts []string
	for _, c := range chunks {
		parts = append(parts, c...)
	}
	return strings.Join(parts, "\n")
}

func textBlocks(m *model.Message) []string {
	if m == nil {
		return nil
	}
	var out []string
	for _, b := range m.Content.Blocks {
		if tb, ok := b.(model.TextBlock); ok && tb.Text != "" {
			out = append(out, tb.Text)
		}
	}
	return out
}

// ExtractTranscript partitions a run's events into the leader bucket and one
// bucket per subagent, narrowing content blocks to their minimal shape.
func ExtractTranscript(events []model.StreamEvent) model.Transcript {
	tr := model.NewTranscript()
	tr.Buckets[model.LeaderBucket] = []model.TranscriptEntry{}
	tr.Order = []string{model.LeaderBucket}

	leaderModel := UnknownModel
	for _, ev := range events {
		if ev.IsInit() && ev.Message != nil {
			if ev.Message.Model != "" {
				leaderModel = ev.Message.Model
			}
			break
		}
	}
	tr.Agents[model.LeaderBucket] = model.AgentMeta{Model: leaderModel}

	labels := map[string]string{}
	for _, ev := range events {
		if !transcriptType(ev.Type) {
			continue
		}
		var msg model.Message
		if ev.Message != nil {
			msg = *ev.Message
		}
		role := msg.Role
		if role == "" {
			role = ev.Type
		}
		entry := model.TranscriptEntry{Role: role, Content: NarrowContent(msg.Content)}

		if ev.Type == model.EventTypeAssistant {
			for _, b := range msg.Content.Blocks {
				if tu, ok := b.(model.ToolUseBlock); ok && (tu.Name == ToolTask || tu.Name == ToolAgent) && tu.ID != "" {
					if l := taskLabel(tu.Input); l != "" {
						labels[tu.ID] = l
					}
				}
			}
		}

		if ev.IsLeader() {
			tr.Append(model.LeaderBucket, entry)
			continue
		}
		key := model.SubagentBucket(*ev.ParentToolUseID)
		tr.Append(key, entry)
		if meta, ok := tr.Agents[key]; !ok || meta.Model == UnknownModel {
			m := UnknownModel
			if msg.Model != "" {
				m = msg.Model
			}
			tr.Agents[key] = model.AgentMeta{Model: m}
		}
	}

	for _, key := range tr.Order {
		if key == model.LeaderBucket {
			continue
		}
		meta := tr.Agents[key]
		id := strings.TrimPrefix(key, "subagent_")
		if l, ok := labels[id]; ok {
			meta.Label = l
		} else {
			meta.Label = fallbackLabel(id)
		}
		tr.Agents[key] = meta
	}
	return tr
}

// NarrowContent reduces each block to the fields needed to reproduce it.
// String content and unknown block kinds pass through unchanged.
func NarrowContent(c model.Content) model.Content {
	if c.Blocks == nil {
		return c
	}
	out := make([]model.ContentBlock, 0, len(c.Blocks))
	for _, b := range c.Blocks {
		switch v := b.(type) {
		case model.TextBlock:
			out = append(out, model.TextBlock{Text: v.Text})
		case model.ThinkingBlock:
			out = append(out, model.ThinkingBlock{Thinking: v.Thinking})
		case model.ToolUseBlock:
			out = append(out, model.ToolUseBlock{Name: v.Name, Input: v.Input})
		case model.ToolResultBlock:
			out = append(out, model.ToolResultBlock{ToolUseID: v.ToolUseID, Content: v.Content})
		case model.RawBlock:
			out = append(out, v)
		}
	}
	return model.Content{Blocks: out}
}
