package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
)

// LeaderBucket is the transcript key for top-level agent events.
const LeaderBucket = "leader"

// SubagentBucket returns the transcript key for events emitted under the
// given Task tool_use id.
func SubagentBucket(toolUseID string) string {
	return "subagent_" + toolUseID
}

// TranscriptEntry is one role-tagged turn in a bucket.
type TranscriptEntry struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// AgentMeta describes the agent behind one bucket.
type AgentMeta struct {
	Model string `json:"model"`
	Label string `json:"label,omitempty"`
}

// Transcript is the persisted rendering of one run, partitioned by agent.
// On the wire buckets are top-level keys next to "meta".
type Transcript struct {
	Agents  map[string]AgentMeta
	Buckets map[string][]TranscriptEntry
	// Order is the bucket discovery order. Marshalling follows it.
	Order []string
}

// NewTranscript returns an empty transcript.
func NewTranscript() Transcript {
	return Transcript{
		Agents:  map[string]AgentMeta{},
		Buckets: map[string][]TranscriptEntry{},
	}
}

// Append adds an entry to a bucket, registering the bucket on first use.
func (t *Transcript) Append(bucket string, e TranscriptEntry) {
	if _, ok := t.Buckets[bucket]; !ok {
		t.Order = append(t.Order, bucket)
	}
	t.Buckets[bucket] = append(t.Buckets[bucket], e)
}

// Keys returns bucket keys in discovery order.
func (t Transcript) Keys() []string {
	return slices.Clone(t.Order)
}

// MarshalJSON writes {"meta":{"agents":{...}}, "<bucket>": [...], ...}.
func (t Transcript) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	agents := t.Agents
	if agents == nil {
		agents = map[string]AgentMeta{}
	}
	meta, err := json.Marshal(struct {
		Agents map[string]AgentMeta `json:"agents"`
	}{agents})
	if err != nil {
		return nil, fmt.Errorf("transcript meta: %w", err)
	}
	buf.WriteString(`"meta":`)
	buf.Write(meta)

	for _, key := range t.orderedKeys() {
		k, _ := json.Marshal(key)
		entries := t.Buckets[key]
		if entries == nil {
			entries = []TranscriptEntry{}
		}
		v, err := json.Marshal(entries)
		if err != nil {
			return nil, fmt.Errorf("transcript bucket %s: %w", key, err)
		}
		buf.WriteByte(',')
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the wire form. Bucket order is leader first, then
// the remaining keys sorted.
func (t *Transcript) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	out := NewTranscript()
	if raw, ok := fields["meta"]; ok {
		var meta struct {
			Agents map[string]AgentMeta `json:"agents"`
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("transcript meta: %w", err)
		}
		for k, v := range meta.Agents {
			out.Agents[k] = v
		}
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k != "meta" {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == LeaderBucket || keys[j] == LeaderBucket {
			return keys[i] == LeaderBucket
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		var entries []TranscriptEntry
		if err := json.Unmarshal(fields[k], &entries); err != nil {
			return fmt.Errorf("transcript bucket %s: %w", k, err)
		}
		out.Buckets[k] = entries
		out.Order = append(out.Order, k)
	}
	*t = out
	return nil
}

// orderedKeys returns Order plus any bucket missing from it, sorted.
func (t Transcript) orderedKeys() []string {
	seen := make(map[string]bool, len(t.Order))
	keys := make([]string, 0, len(t.Buckets))
	for _, k := range t.Order {
		if _, ok := t.Buckets[k]; ok && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	var rest []string
	for k := range t.Buckets {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}
