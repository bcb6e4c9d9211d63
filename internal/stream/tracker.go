package stream

import (
	"encoding/json"
	"slices"

	"github.com/ashita-ai/jakeops/internal/model"
)

// Tool names that carry skill and subagent information.
const (
	ToolSkill = "Skill"
	ToolTask  = "Task"
	ToolAgent = "Agent"
)

// Tracker follows a run one event at a time and reports when the live
// summary gains information. It is not safe for concurrent use.
type Tracker struct {
	model      string
	buckets    []model.AgentBucket
	bucketIdx  map[string]int
	resolved   map[string]bool
	skills     []string
	skillSet   map[string]bool
	taskLabels map[string]string
}

// NewTracker returns a tracker that already knows the leader bucket.
func NewTracker() *Tracker {
	return &Tracker{
		buckets:    []model.AgentBucket{{Key: model.LeaderBucket, Label: model.LeaderBucket}},
		bucketIdx:  map[string]int{model.LeaderBucket: 0},
		resolved:   map[string]bool{model.LeaderBucket: true},
		skillSet:   map[string]bool{},
		taskLabels: map[string]string{},
	}
}

// Observe folds one event into the tracker. It returns the new snapshot and
// true only when the model, bucket set, a bucket label or the used-skill
// list changed.
func (t *Tracker) Observe(ev model.StreamEvent) (model.LiveMetadata, bool) {
	changed := false
	msg := ev.Message

	if msg != nil && msg.Model != "" {
		if ev.IsInit() && t.model != msg.Model {
			t.model = msg.Model
			changed = true
		} else if t.model == "" && ev.IsLeader() {
			t.model = msg.Model
			changed = true
		}
	}

	if !ev.IsLeader() && transcriptType(ev.Type) {
		id := *ev.ParentToolUseID
		key := model.SubagentBucket(id)
		if _, ok := t.bucketIdx[key]; !ok {
			label, ok := t.taskLabels[id]
			if !ok {
				label = fallbackLabel(id)
			}
			t.bucketIdx[key] = len(t.buckets)
			t.buckets = append(t.buckets, model.AgentBucket{Key: key, Label: label})
			t.resolved[key] = ok
			changed = true
		}
	}

	if ev.Type == model.EventTypeAssistant && msg != nil {
		for _, b := range msg.Content.Blocks {
			tu, ok := b.(model.ToolUseBlock)
			if !ok {
				continue
			}
			switch tu.Name {
			case ToolSkill:
				if name := skillName(tu.Input); name != "" && !t.skillSet[name] {
					t.skillSet[name] = true
					t.skills = append(t.skills, name)
					changed = true
				}
			case ToolTask, ToolAgent:
				label := taskLabel(tu.Input)
				if label == "" || tu.ID == "" {
					continue
				}
				t.taskLabels[tu.ID] = label
				key := model.SubagentBucket(tu.ID)
				if i, ok := t.bucketIdx[key]; ok && !t.resolved[key] {
					t.buckets[i].Label = label
					t.resolved[key] = true
					changed = true
				}
			}
		}
	}

	return t.Snapshot(), changed
}

// Snapshot returns a copy of the current summary.
func (t *Tracker) Snapshot() model.LiveMetadata {
	skills := slices.Clone(t.skills)
	if skills == nil {
		skills = []string{}
	}
	return model.LiveMetadata{
		Model:        t.model,
		AgentBuckets: slices.Clone(t.buckets),
		UsedSkills:   skills,
	}
}

// transcriptType reports whether events of this type land in a transcript.
func transcriptType(typ string) bool {
	_, skip := skipTypes[typ]
	return !skip
}

func skillName(input json.RawMessage) string {
	var in struct {
		Skill   string `json:"skill"`
		Command string `json:"command"`
		Name    string `json:"name"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return ""
	}
	switch {
	case in.Skill != "":
		return in.Skill
	case in.Command != "":
		return in.Command
	}
	return in.Name
}

func taskLabel(input json.RawMessage) string {
	var in struct {
		Description  string `json:"description"`
		SubagentType string `json:"subagent_type"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return ""
	}
	switch {
	case in.SubagentType != "" && in.Description != "":
		return in.SubagentType + ": " + in.Description
	case in.Description != "":
		return in.Description
	}
	return in.SubagentType
}

func fallbackLabel(toolUseID string) string {
	return "subagent " + Truncate(toolUseID, 8)
}
