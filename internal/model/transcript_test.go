package model_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/jakeops/internal/model"
)

func TestTranscript_WireShape(t *testing.T) {
	tr := model.NewTranscript()
	sub := model.SubagentBucket("toolu_9")
	tr.Agents[model.LeaderBucket] = model.AgentMeta{Model: "claude-test"}
	tr.Append(model.LeaderBucket, model.TranscriptEntry{Role: "assistant", Content: model.TextContent("plan")})
	tr.Append(sub, model.TranscriptEntry{Role: "user", Content: model.TextContent("look at a.go")})

	data, err := json.Marshal(tr)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"meta": {"agents": {"leader": {"model": "claude-test"}}},
		"leader": [{"role": "assistant", "content": "plan"}],
		"subagent_toolu_9": [{"role": "user", "content": "look at a.go"}]
	}`, string(data))
	assert.Equal(t, []string{model.LeaderBucket, sub}, tr.Keys())
}

func TestTranscript_UnmarshalOrdersLeaderFirst(t *testing.T) {
	var tr model.Transcript
	require.NoError(t, json.Unmarshal([]byte(`{
		"subagent_b": [],
		"subagent_a": [{"role":"assistant","content":[{"type":"text","text":"x"}]}],
		"leader": [],
		"meta": {"agents": {"subagent_a": {"model": "m", "label": "Explore"}}}
	}`), &tr))
	assert.Equal(t, []string{"leader", "subagent_a", "subagent_b"}, tr.Keys())
	assert.Equal(t, "Explore", tr.Agents["subagent_a"].Label)
	require.Len(t, tr.Buckets["subagent_a"], 1)
	assert.Equal(t, model.TextBlock{Text: "x"}, tr.Buckets["subagent_a"][0].Content.Blocks[0])
}

func TestTranscript_EmptyHasMeta(t *testing.T) {
	data, err := json.Marshal(model.Transcript{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"meta":{"agents":{}}}`, string(data))
}
