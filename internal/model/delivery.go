// Package model defines the core domain types for jakeops.
//
// Deliveries are plain values. Every state change goes through Clone first,
// so a snapshot handed to a caller is never modified behind its back.
package model

import (
	"slices"
	"time"
)

// SchemaVersion is written into every persisted delivery.
const SchemaVersion = 4

// Phase is one stage of the delivery pipeline.
type Phase string

const (
	PhaseIntake    Phase = "intake"
	PhasePlan      Phase = "plan"
	PhaseImplement Phase = "implement"
	PhaseReview    Phase = "review"
	PhaseVerify    Phase = "verify"
	PhaseDeploy    Phase = "deploy"
	PhaseObserve   Phase = "observe"
	PhaseClose     Phase = "close"
)

// Phases lists the pipeline in order.
var Phases = []Phase{
	PhaseIntake, PhasePlan, PhaseImplement, PhaseReview,
	PhaseVerify, PhaseDeploy, PhaseObserve, PhaseClose,
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return slices.Contains(Phases, p)
}

// RunStatus is the execution state of the current phase.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusBlocked   RunStatus = "blocked"
	RunStatusCanceled  RunStatus = "canceled"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusBlocked, RunStatusCanceled:
		return true
	}
	return false
}

// ExecutorKind records who performed a phase run. Audit only.
type ExecutorKind string

const (
	ExecutorSystem ExecutorKind = "system"
	ExecutorAgent  ExecutorKind = "agent"
	ExecutorHuman  ExecutorKind = "human"
)

// Valid reports whether k is a known executor kind.
func (k ExecutorKind) Valid() bool {
	return k == ExecutorSystem || k == ExecutorAgent || k == ExecutorHuman
}

// DefaultExecutor returns the executor kind that normally runs a phase.
func DefaultExecutor(p Phase) ExecutorKind {
	switch p {
	case PhasePlan, PhaseImplement, PhaseReview:
		return ExecutorAgent
	}
	return ExecutorSystem
}

// Verdict is the optional outcome judgement on a phase run.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictNotPass Verdict = "not_pass"
)

// RefRole describes how a ref relates to the delivery.
type RefRole string

const (
	RefRoleTrigger RefRole = "trigger"
	RefRoleOutput  RefRole = "output"
	RefRoleWork    RefRole = "work"
	RefRoleParent  RefRole = "parent"
)

// RefType is the kind of object a ref points at.
type RefType string

const (
	RefTypeGitHubIssue RefType = "github_issue"
	RefTypeGitHubPR    RefType = "github_pr"
	RefTypeIssue       RefType = "issue"
	RefTypePR          RefType = "pr"
	RefTypeCommit      RefType = "commit"
	RefTypeRepo        RefType = "repo"
	RefTypeBranch      RefType = "branch"
	RefTypeJira        RefType = "jira"
	RefTypeVerbal      RefType = "verbal"
	RefTypePerformance RefType = "performance"
	RefTypeIncident    RefType = "incident"
)

// Ref is a typed link from a delivery to an external object.
type Ref struct {
	Role  RefRole `json:"role"`
	Type  RefType `json:"type"`
	Label string  `json:"label,omitempty"`
	URL   string  `json:"url,omitempty"`
}

// Plan is the output of a successful plan phase.
type Plan struct {
	Content     string    `json:"content"`
	Model       string    `json:"model"`
	GeneratedAt time.Time `json:"generated_at"`
	CWD         string    `json:"cwd,omitempty"`
}

// PhaseRun is one audit-log entry. Entries are only ever appended.
type PhaseRun struct {
	Phase     Phase        `json:"phase"`
	RunStatus RunStatus    `json:"run_status"`
	Executor  ExecutorKind `json:"executor"`
	Verdict   *Verdict     `json:"verdict,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
}

// RunSession identifies the agent session behind a run.
type RunSession struct {
	Model string `json:"model"`
}

// RunStats carries usage numbers for one agent invocation.
type RunStats struct {
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	DurationMS   int64   `json:"duration_ms"`
}

// Run is one agent invocation against a delivery.
type Run struct {
	ID        string     `json:"id"`
	Mode      string     `json:"mode"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	Session   RunSession `json:"session"`
	Stats     RunStats   `json:"stats"`
	SessionID string     `json:"session_id,omitempty"`
	Summary   string     `json:"summary,omitempty"`
}

// RunStatusSuccess is the terminal status written on a completed run record.
const RunStatusSuccess = "success"

// Delivery is the unit of work moved through the pipeline.
type Delivery struct {
	ID            string        `json:"id"`
	SchemaVersion int           `json:"schema_version"`
	Seq           int64         `json:"seq"`
	Phase         Phase         `json:"phase"`
	RunStatus     RunStatus     `json:"run_status"`
	Endpoint      Phase         `json:"endpoint"`
	Checkpoints   []Phase       `json:"checkpoints"`
	Executor      *ExecutorKind `json:"executor,omitempty"`
	Repository    string        `json:"repository"`
	Summary       string        `json:"summary"`
	Refs          []Ref         `json:"refs"`
	Plan          *Plan         `json:"plan,omitempty"`
	Error         string        `json:"error,omitempty"`
	RejectReason  string        `json:"reject_reason,omitempty"`
	PhaseRuns     []PhaseRun    `json:"phase_runs"`
	Runs          []Run         `json:"runs"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Clone returns a deep copy of d.
func (d Delivery) Clone() Delivery {
	out := d
	out.Checkpoints = slices.Clone(d.Checkpoints)
	out.Refs = slices.Clone(d.Refs)
	out.Runs = slices.Clone(d.Runs)
	if d.Executor != nil {
		k := *d.Executor
		out.Executor = &k
	}
	if d.Plan != nil {
		p := *d.Plan
		out.Plan = &p
	}
	if d.PhaseRuns != nil {
		out.PhaseRuns = make([]PhaseRun, len(d.PhaseRuns))
		for i, pr := range d.PhaseRuns {
			if pr.Verdict != nil {
				v := *pr.Verdict
				pr.Verdict = &v
			}
			if pr.EndedAt != nil {
				t := *pr.EndedAt
				pr.EndedAt = &t
			}
			out.PhaseRuns[i] = pr
		}
	}
	return out
}

// TriggerRef returns the first trigger ref, if any.
func (d Delivery) TriggerRef() (Ref, bool) {
	for _, r := range d.Refs {
		if r.Role == RefRoleTrigger {
			return r, true
		}
	}
	return Ref{}, false
}

// WorkBranch returns the label of the work branch ref, if one is recorded.
func (d Delivery) WorkBranch() string {
	for _, r := range d.Refs {
		if r.Role == RefRoleWork && r.Type == RefTypeBranch && r.Label != "" {
			return r.Label
		}
	}
	return ""
}

// LastRun returns the most recent run record.
func (d Delivery) LastRun() (Run, bool) {
	if len(d.Runs) == 0 {
		return Run{}, false
	}
	return d.Runs[len(d.Runs)-1], true
}

// Terminal reports whether the delivery needs no further work.
func (d Delivery) Terminal() bool {
	return d.Phase == PhaseClose || d.RunStatus == RunStatusCanceled
}

// DefaultCheckpoints are the phases that require sign-off by default.
func DefaultCheckpoints() []Phase {
	return []Phase{PhasePlan, PhaseImplement, PhaseReview}
}

// NewDelivery carries the caller-supplied fields for creating a delivery.
type NewDelivery struct {
	Repository  string    `json:"repository"`
	Summary     string    `json:"summary"`
	Phase       Phase     `json:"phase,omitempty"`
	RunStatus   RunStatus `json:"run_status,omitempty"`
	Endpoint    Phase     `json:"endpoint,omitempty"`
	Checkpoints []Phase   `json:"checkpoints,omitempty"`
	Refs        []Ref     `json:"refs"`
}

// DeliveryPatch carries the mutable descriptive fields of a delivery.
// Phase and run status are changed only through transitions.
type DeliveryPatch struct {
	Summary  *string `json:"summary,omitempty"`
	Plan     *Plan   `json:"plan,omitempty"`
	Error    *string `json:"error,omitempty"`
	Endpoint *Phase  `json:"endpoint,omitempty"`
	Refs     []Ref   `json:"refs,omitempty"`
}
