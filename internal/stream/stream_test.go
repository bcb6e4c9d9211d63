package stream

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/jakeops/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mustParse(t *testing.T, line string) model.StreamEvent {
	t.Helper()
	ev, err := ParseLine([]byte(line))
	require.NoError(t, err)
	return ev
}

func parseAll(t *testing.T, lines ...string) []model.StreamEvent {
	t.Helper()
	events := make([]model.StreamEvent, 0, len(lines))
	for _, l := range lines {
		events = append(events, mustParse(t, l))
	}
	return events
}

const (
	initLine      = `{"type":"system","subtype":"init","session_id":"sess-1","model":"claude-sonnet-4","cwd":"/work","tools":["Read","Edit"],"mcp_servers":[{"name":"github","status":"connected"}],"skills":["pdf"],"plugins":[],"agents":["general-purpose"]}`
	assistantText = `{"type":"assistant","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"%s"}]},"session_id":"sess-1"}`
	resultLine    = `{"type":"result","subtype":"success","is_error":false,"result":"All done","total_cost_usd":0.42,"duration_ms":1234,"usage":{"input_tokens":100,"output_tokens":50},"session_id":"sess-1"}`
)

func assistant(text string) string {
	return strings.Replace(assistantText, "%s", text, 1)
}

func TestParseLine_TopLevelFieldsFoldIntoMessage(t *testing.T) {
	ev := mustParse(t, initLine)
	assert.True(t, ev.IsInit())
	require.NotNil(t, ev.Message)
	assert.Equal(t, "claude-sonnet-4", ev.Message.Model)
	assert.Equal(t, "/work", ev.Message.CWD)
	assert.Equal(t, []string{"github"}, []string(ev.Message.MCPServers))
	assert.Equal(t, "sess-1", ev.SessionID)

	res := mustParse(t, resultLine)
	require.NotNil(t, res.Message)
	assert.Equal(t, "All done", res.Message.Result)
	assert.InDelta(t, 0.42, res.Message.Cost(), 1e-9)
	in, out := res.Message.Tokens()
	assert.Equal(t, int64(100), in)
	assert.Equal(t, int64(50), out)
}

func TestParseLine_NestedMessageShape(t *testing.T) {
	ev := mustParse(t, `{"type":"system","subtype":"init","message":{"model":"opus","cwd":"/tmp/x","tools":["Bash"]}}`)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "opus", ev.Message.Model)
	assert.Equal(t, []string{"Bash"}, []string(ev.Message.Tools))
}

func TestParseLine_Rejects(t *testing.T) {
	for _, line := range []string{"", "not json", `{"subtype":"init"}`, `[1,2]`} {
		_, err := ParseLine([]byte(line))
		assert.ErrorIs(t, err, ErrMalformed, "line %q", line)
	}
}

func TestParseLines_SkipsBlankAndMalformed(t *testing.T) {
	input := strings.Join([]string{
		initLine,
		"",
		"{broken",
		assistant("hello"),
		"   ",
		resultLine,
	}, "\n")
	events, err := ParseLines(strings.NewReader(input), testLogger())
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.EventTypeSystem, events[0].Type)
	assert.Equal(t, model.EventTypeAssistant, events[1].Type)
	assert.Equal(t, model.EventTypeResult, events[2].Type)
}

func TestParseLine_PreservesRawMessageForObservers(t *testing.T) {
	line := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"server_tool_use","id":"x","extra":true}],"stop_reason":null}}`
	ev := mustParse(t, line)
	out, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"stop_reason":null`)
	assert.Contains(t, string(out), `"server_tool_use"`)
}

func TestExtractMetadata_InitAndResult(t *testing.T) {
	events := parseAll(t, initLine, assistant("working"), resultLine)
	meta := ExtractMetadata(events)

	assert.Equal(t, "claude-sonnet-4", meta.Model)
	assert.Equal(t, "/work", meta.CWD)
	assert.Equal(t, []string{"Read", "Edit"}, meta.Tools)
	assert.Equal(t, []string{"pdf"}, meta.Skills)
	assert.Equal(t, []string{"general-purpose"}, meta.Agents)
	assert.Equal(t, "All done", meta.ResultText)
	assert.InDelta(t, 0.42, meta.CostUSD, 1e-9)
	assert.Equal(t, int64(100), meta.InputTokens)
	assert.Equal(t, int64(50), meta.OutputTokens)
	assert.Equal(t, int64(1234), meta.DurationMS)
	assert.True(t, meta.IsSuccess)
}

func TestExtractMetadata_ResultErrorFlag(t *testing.T) {
	events := parseAll(t, `{"type":"result","is_error":true,"result":"boom"}`)
	meta := ExtractMetadata(events)
	assert.False(t, meta.IsSuccess)
	assert.Equal(t, "boom", meta.ResultText)

	// A result without is_error counts as a failure.
	events = parseAll(t, `{"type":"result","result":"maybe"}`)
	assert.False(t, ExtractMetadata(events).IsSuccess)
}

func TestExtractMetadata_FallbackUsesLastContiguousText(t *testing.T) {
	events := parseAll(t,
		initLine,
		assistant("early thoughts"),
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}`,
		assistant("final part one"),
		`{"type":"assistant","parent_tool_use_id":"task-1","message":{"role":"assistant","content":[{"type":"text","text":"subagent noise"}]}}`,
		assistant("final part two"),
	)
	meta := ExtractMetadata(events)
	assert.True(t, meta.IsSuccess)
	assert.Equal(t, "final part one\nfinal part two", meta.ResultText)
}

func TestExtractMetadata_PlaceholderWhenNothingCaptured(t *testing.T) {
	events := parseAll(t, initLine,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`,
	)
	meta := ExtractMetadata(events)
	assert.False(t, meta.IsSuccess)
	assert.Equal(t, NoOutputPlaceholder, meta.ResultText)

	meta = ExtractMetadata(nil)
	assert.False(t, meta.IsSuccess)
	assert.Equal(t, NoOutputPlaceholder, meta.ResultText)
	assert.Equal(t, UnknownModel, meta.Model)
}

func TestExtractMetadata_SkillsAndSubagents(t *testing.T) {
	events := parseAll(t,
		initLine,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"s1","name":"Skill","input":{"skill":"pdf"}},{"type":"tool_use","id":"task-1","name":"Task","input":{"description":"Scan tests","subagent_type":"Explore"}}]}}`,
		`{"type":"assistant","parent_tool_use_id":"task-1","message":{"role":"assistant","model":"claude-haiku","content":[{"type":"text","text":"found 3"}]}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"s2","name":"Skill","input":{"skill":"pdf"}},{"type":"tool_use","id":"s3","name":"Skill","input":{"skill":"xlsx"}}]}}`,
		resultLine,
	)
	meta := ExtractMetadata(events)
	assert.Equal(t, []string{"pdf", "xlsx"}, meta.UsedSkills)
	require.Len(t, meta.AgentBuckets, 2)
	assert.Equal(t, model.LeaderBucket, meta.AgentBuckets[0].Key)
	assert.Equal(t, model.AgentBucket{Key: "subagent_task-1", Label: "Explore: Scan tests"}, meta.AgentBuckets[1])
}

func TestExtractTranscript_Bucketing(t *testing.T) {
	events := parseAll(t,
		initLine,
		assistant("leader says hi"),
		`{"type":"assistant","parent_tool_use_id":"toolu_A","message":{"role":"assistant","model":"claude-haiku","content":[{"type":"text","text":"a"}]}}`,
		`{"type":"user","parent_tool_use_id":"toolu_B","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"x","content":"b","is_error":false}]}}`,
		`{"type":"progress","parent_tool_use_id":"toolu_C"}`,
		resultLine,
	)
	tr := ExtractTranscript(events)

	assert.Equal(t, []string{"leader", "subagent_toolu_A", "subagent_toolu_B"}, tr.Keys())
	assert.Len(t, tr.Buckets["leader"], 1)
	assert.Len(t, tr.Buckets["subagent_toolu_A"], 1)
	assert.Len(t, tr.Buckets["subagent_toolu_B"], 1)

	assert.Equal(t, "claude-sonnet-4", tr.Agents["leader"].Model)
	assert.Equal(t, "claude-haiku", tr.Agents["subagent_toolu_A"].Model)
	assert.Equal(t, UnknownModel, tr.Agents["subagent_toolu_B"].Model)
	assert.Equal(t, "user", tr.Buckets["subagent_toolu_B"][0].Role)
}

func TestExtractTranscript_LeaderAlwaysPresent(t *testing.T) {
	tr := ExtractTranscript(parseAll(t, resultLine))
	assert.Equal(t, []string{"leader"}, tr.Keys())
	assert.Empty(t, tr.Buckets["leader"])
	assert.Equal(t, UnknownModel, tr.Agents["leader"].Model)
}

func TestExtractTranscript_NarrowsBlocks(t *testing.T) {
	events := parseAll(t,
		`{"type":"assistant","message":{"role":"assistant","id":"msg_1","content":[`+
			`{"type":"thinking","thinking":"hmm","signature":"sig"},`+
			`{"type":"tool_use","id":"toolu_1","name":"Read","input":{"file_path":"a.go"}},`+
			`{"type":"image","source":{"type":"base64"}}]}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"package a","is_error":false}]}}`,
		`{"type":"user","message":{"role":"user","content":"plain prompt"}}`,
	)
	tr := ExtractTranscript(events)
	out, err := json.Marshal(tr)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	leader := decoded["leader"].([]any)
	require.Len(t, leader, 3)

	first := leader[0].(map[string]any)
	assert.Equal(t, "assistant", first["role"])
	blocks := first["content"].([]any)
	assert.Equal(t, map[string]any{"type": "thinking", "thinking": "hmm"}, blocks[0])
	assert.Equal(t, map[string]any{"type": "tool_use", "name": "Read", "input": map[string]any{"file_path": "a.go"}}, blocks[1])
	assert.Equal(t, map[string]any{"type": "image", "source": map[string]any{"type": "base64"}}, blocks[2])

	second := leader[1].(map[string]any)["content"].([]any)
	assert.Equal(t, map[string]any{"type": "tool_result", "content": "package a", "tool_use_id": "toolu_1"}, second[0])

	third := leader[2].(map[string]any)
	assert.Equal(t, "plain prompt", third["content"])

	meta := decoded["meta"].(map[string]any)["agents"].(map[string]any)
	assert.Contains(t, meta, "leader")
}

func TestTranscript_RoundTripKeepsBuckets(t *testing.T) {
	tr := ExtractTranscript(parseAll(t,
		initLine,
		assistant("x"),
		`{"type":"assistant","parent_tool_use_id":"toolu_Z","message":{"role":"assistant","content":[{"type":"text","text":"z"}]}}`,
	))
	data, err := json.Marshal(tr)
	require.NoError(t, err)

	var back model.Transcript
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, tr.Keys(), back.Keys())
	assert.Equal(t, tr.Agents, back.Agents)

	again, err := json.Marshal(back)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
}

func TestTracker_EmitsOnlyOnNewInformation(t *testing.T) {
	tr := NewTracker()

	_, changed := tr.Observe(mustParse(t, initLine))
	assert.True(t, changed, "init model is new")

	_, changed = tr.Observe(mustParse(t, assistant("thinking out loud")))
	assert.False(t, changed, "plain text adds nothing")

	// Subagent events arrive before the Task block that names them.
	snap, changed := tr.Observe(mustParse(t, `{"type":"assistant","parent_tool_use_id":"toolu_T","message":{"role":"assistant","content":[{"type":"text","text":"sub"}]}}`))
	assert.True(t, changed, "new bucket")
	require.Len(t, snap.AgentBuckets, 2)
	assert.Equal(t, "subagent toolu_T", snap.AgentBuckets[1].Label)

	_, changed = tr.Observe(mustParse(t, `{"type":"user","parent_tool_use_id":"toolu_T","message":{"role":"user","content":"more"}}`))
	assert.False(t, changed, "known bucket")

	snap, changed = tr.Observe(mustParse(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"toolu_T","name":"Task","input":{"description":"Audit deps"}}]}}`))
	assert.True(t, changed, "label resolved")
	assert.Equal(t, "Audit deps", snap.AgentBuckets[1].Label)

	snap, changed = tr.Observe(mustParse(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"s1","name":"Skill","input":{"skill":"docx"}}]}}`))
	assert.True(t, changed, "new skill")
	assert.Equal(t, []string{"docx"}, snap.UsedSkills)

	_, changed = tr.Observe(mustParse(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"s2","name":"Skill","input":{"skill":"docx"}}]}}`))
	assert.False(t, changed, "repeated skill")

	_, changed = tr.Observe(mustParse(t, resultLine))
	assert.False(t, changed)

	assert.Equal(t, "claude-sonnet-4", tr.Snapshot().Model)
}

func TestTracker_SnapshotIsACopy(t *testing.T) {
	tr := NewTracker()
	snap, _ := tr.Observe(mustParse(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"s","name":"Skill","input":{"skill":"a"}}]}}`))
	snap.UsedSkills[0] = "mutated"
	snap.AgentBuckets[0].Label = "mutated"
	assert.Equal(t, []string{"a"}, tr.Snapshot().UsedSkills)
	assert.Equal(t, model.LeaderBucket, tr.Snapshot().AgentBuckets[0].Label)
}

func TestParseSessionLines(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"file-history-snapshot","snapshot":{}}`,
		`{"type":"user","sessionId":"s-9","message":{"role":"user","content":"fix the bug"}}`,
		`{"type":"assistant","sessionId":"s-9","message":{"role":"assistant","model":"claude-opus","content":[{"type":"text","text":"looking"}],"usage":{"input_tokens":10,"output_tokens":3}}}`,
		`{"type":"progress","data":{}}`,
		`{"type":"assistant","sessionId":"s-9","parentToolUseID":"toolu_S","message":{"role":"assistant","content":[{"type":"text","text":"sub work"}],"usage":{"input_tokens":5,"output_tokens":2}}}`,
		`garbage`,
		`{"type":"assistant","sessionId":"s-9","message":{"role":"assistant","content":[{"type":"text","text":"fixed it"}],"usage":{"input_tokens":7,"output_tokens":4}}}`,
	}, "\n")

	events, err := ParseSessionLines(strings.NewReader(input), testLogger())
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "s-9", events[0].SessionID)
	require.NotNil(t, events[2].ParentToolUseID)
	assert.Equal(t, "toolu_S", *events[2].ParentToolUseID)

	res, err := SynthesizeResult(events)
	require.NoError(t, err)
	all := append(events, res)
	meta := ExtractMetadata(all)
	assert.True(t, meta.IsSuccess)
	assert.Equal(t, "fixed it", meta.ResultText)
	assert.Equal(t, int64(22), meta.InputTokens)
	assert.Equal(t, int64(9), meta.OutputTokens)
}

func TestSynthesizeResult_NoText(t *testing.T) {
	_, err := SynthesizeResult(parseAll(t, `{"type":"user","message":{"role":"user","content":"hi"}}`))
	assert.ErrorIs(t, err, ErrNoAssistantText)
}

func TestFindSessionFile(t *testing.T) {
	base := t.TempDir()
	proj := filepath.Join(base, "-home-me-repo")
	require.NoError(t, os.MkdirAll(proj, 0o755))
	want := filepath.Join(proj, "abc.jsonl")
	require.NoError(t, os.WriteFile(want, []byte("{}\n"), 0o600))

	got, err := FindSessionFile("abc", base)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = FindSessionFile("missing", base)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	for _, id := range []string{"", "../escape", "/etc/passwd", "proj/abc"} {
		_, err = FindSessionFile(id, base)
		assert.ErrorIs(t, err, ErrInvalidSessionID, id)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "héll", Truncate("héllo", 4))
	assert.Equal(t, "short", Truncate("short", 200))
	assert.Equal(t, "", Truncate("x", 0))
	assert.Equal(t, 200, len([]rune(Truncate(string(bytes.Repeat([]byte("a"), 500)), 200))))
}
