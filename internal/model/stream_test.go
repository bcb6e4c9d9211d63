package model_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/jakeops/internal/model"
)

func TestContent_StringOrBlocks(t *testing.T) {
	var c model.Content
	require.NoError(t, json.Unmarshal([]byte(`"hello"`), &c))
	assert.Equal(t, "hello", c.Text)
	assert.Nil(t, c.Blocks)

	require.NoError(t, json.Unmarshal([]byte(`[
		{"type":"text","text":"hi"},
		{"type":"tool_use","id":"t1","name":"Read","input":{"path":"a.go"}},
		{"type":"server_tool_use","id":"x"},
		"bare"
	]`), &c))
	require.Len(t, c.Blocks, 4)
	assert.Equal(t, model.TextBlock{Text: "hi"}, c.Blocks[0])
	tool, ok := c.Blocks[1].(model.ToolUseBlock)
	require.True(t, ok)
	assert.Equal(t, "Read", tool.Name)
	assert.Equal(t, "server_tool_use", c.Blocks[2].BlockType())
	raw, ok := c.Blocks[3].(model.RawBlock)
	require.True(t, ok)
	assert.JSONEq(t, `"bare"`, string(raw.Raw))
}

func TestMessage_KeepsOriginalBytes(t *testing.T) {
	in := `{"role":"assistant","model":"m","content":"x","unknown_field":{"a":1}}`
	var m model.Message
	require.NoError(t, json.Unmarshal([]byte(in), &m))
	assert.Equal(t, "assistant", m.Role)

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))

	out, err = json.Marshal(m.Detached())
	require.NoError(t, err)
	assert.NotContains(t, string(out), "unknown_field")
}

func TestMessage_CostAndTokens(t *testing.T) {
	m := model.Message{CostUSD: 0.1, TotalCostUSD: 0.3, Usage: &model.Usage{InputTokens: 10, OutputTokens: 20}}
	assert.InDelta(t, 0.3, m.Cost(), 1e-9)
	in, out := m.Tokens()
	assert.Equal(t, int64(10), in)
	assert.Equal(t, int64(20), out)

	m = model.Message{CostUSD: 0.1, InputTokens: 5}
	assert.InDelta(t, 0.1, m.Cost(), 1e-9)
	in, _ = m.Tokens()
	assert.Equal(t, int64(5), in)
}

func TestNameList_BothShapes(t *testing.T) {
	var l model.NameList
	require.NoError(t, json.Unmarshal([]byte(`["Read","Bash"]`), &l))
	assert.Equal(t, model.NameList{"Read", "Bash"}, l)

	require.NoError(t, json.Unmarshal([]byte(`[{"name":"github","status":"ok"},{"status":"no name"}]`), &l))
	assert.Equal(t, model.NameList{"github"}, l)
}

func TestStreamEvent_IsLeader(t *testing.T) {
	parent := "toolu_1"
	empty := ""
	assert.True(t, model.StreamEvent{}.IsLeader())
	assert.True(t, model.StreamEvent{ParentToolUseID: &empty}.IsLeader())
	assert.False(t, model.StreamEvent{ParentToolUseID: &parent}.IsLeader())
	assert.True(t, model.StreamEvent{Type: model.EventTypeSystem, Subtype: model.SubtypeInit}.IsInit())
}

func TestLiveEvent_Marshal(t *testing.T) {
	data, err := json.Marshal(model.LiveEvent{Metadata: &model.LiveMetadata{
		Model:        "claude-test",
		AgentBuckets: []model.AgentBucket{{Key: model.LeaderBucket, Label: "Leader"}},
		UsedSkills:   []string{},
	}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"metadata","model":"claude-test","agent_buckets":[{"key":"leader","label":"Leader"}],"used_skills":[]}`, string(data))

	data, err = json.Marshal(model.LiveEvent{Stream: &model.StreamEvent{Type: "assistant", SessionID: "s1"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"assistant","session_id":"s1"}`, string(data))
}
