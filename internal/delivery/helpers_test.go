package delivery

import (
	"context"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/jakeops/internal/agent"
	"github.com/ashita-ai/jakeops/internal/model"
	"github.com/ashita-ai/jakeops/internal/storage"
	"github.com/ashita-ai/jakeops/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// memRepo is an in-memory Repository.
type memRepo struct {
	mu          sync.Mutex
	deliveries  map[string]model.Delivery
	transcripts map[string]model.Transcript
	seq         int64
	saves       int
	// saveErr, when set, can refuse a delivery write.
	saveErr func(model.Delivery) error
}

func newMemRepo() *memRepo {
	return &memRepo{
		deliveries:  make(map[string]model.Delivery),
		transcripts: make(map[string]model.Transcript),
	}
}

func (r *memRepo) ListDeliveries(context.Context) ([]model.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Delivery, 0, len(r.deliveries))
	for _, d := range r.deliveries {
		out = append(out, d.Clone())
	}
	slices.SortFunc(out, func(a, b model.Delivery) int { return int(b.Seq - a.Seq) })
	return out, nil
}

func (r *memRepo) GetDelivery(_ context.Context, id string) (model.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deliveries[id]
	if !ok {
		return model.Delivery{}, storage.ErrNotFound
	}
	return d.Clone(), nil
}

func (r *memRepo) SaveDelivery(_ context.Context, d model.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		if err := r.saveErr(d); err != nil {
			return err
		}
	}
	r.deliveries[d.ID] = d.Clone()
	r.saves++
	return nil
}

func (r *memRepo) GetRunTranscript(_ context.Context, id, runID string) (model.Transcript, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transcripts[id+"/"+runID]
	if !ok {
		return model.Transcript{}, storage.ErrNotFound
	}
	return t, nil
}

func (r *memRepo) SaveRunTranscript(_ context.Context, id, runID string, t model.Transcript) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcripts[id+"/"+runID] = t
	return nil
}

func (r *memRepo) NextSeq(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq, nil
}

func (r *memRepo) ListSources(context.Context) ([]model.Source, error) {
	return []model.Source{
		{ID: "s1", Type: model.SourceTypeGitHub, Owner: "acme", Repo: "app", Token: "ghp_secret", Active: true},
	}, nil
}

func (r *memRepo) get(t *testing.T, id string) model.Delivery {
	t.Helper()
	d, err := r.GetDelivery(context.Background(), id)
	require.NoError(t, err)
	return d
}

func newTestService(repo *memRepo) *Service {
	s := NewService(repo, testutil.TestLogger())
	s.now = func() time.Time { return t0 }
	return s
}

// seed stores a delivery in the given state and returns it.
func seed(t *testing.T, repo *memRepo, phase model.Phase, status model.RunStatus) model.Delivery {
	t.Helper()
	d := model.Delivery{
		ID:            DeliveryID("acme/app", "#1"),
		SchemaVersion: model.SchemaVersion,
		Seq:           1,
		Phase:         phase,
		RunStatus:     status,
		Endpoint:      model.PhaseDeploy,
		Checkpoints:   model.DefaultCheckpoints(),
		Repository:    "acme/app",
		Summary:       "GitHub Issue #1: crash on save",
		Refs: []model.Ref{
			{Role: model.RefRoleTrigger, Type: model.RefTypeGitHubIssue, Label: "#1", URL: "https://github.com/acme/app/issues/1"},
		},
		PhaseRuns: []model.PhaseRun{{Phase: phase, RunStatus: status, Executor: model.DefaultExecutor(phase), StartedAt: t0}},
		Runs:      []model.Run{},
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	require.NoError(t, repo.SaveDelivery(context.Background(), d))
	return d
}

// fakeRunner replays scripted events. When gate is set, Stream blocks on it
// before returning.
type fakeRunner struct {
	mu       sync.Mutex
	events   []model.StreamEvent
	err      error
	gate     chan struct{}
	requests []agent.Request
	killed   []string
	started  chan struct{}
}

func (f *fakeRunner) Stream(ctx context.Context, req agent.Request, onEvent func(model.StreamEvent)) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	events, err, gate, started := f.events, f.err, f.gate, f.started
	f.mu.Unlock()

	if _, statErr := os.Stat(req.Dir); statErr != nil {
		return statErr
	}
	for _, ev := range events {
		onEvent(ev)
	}
	if started != nil {
		close(started)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeRunner) Kill(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, key)
	return true
}

func (f *fakeRunner) lastRequest() agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type cloneCall struct {
	owner, repo, token, dest string
}

type fakeVCS struct {
	mu        sync.Mutex
	clones    []cloneCall
	checkouts []string
	cloneErr  error
}

func (f *fakeVCS) Clone(_ context.Context, owner, repo, token, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clones = append(f.clones, cloneCall{owner, repo, token, dest})
	return f.cloneErr
}

func (f *fakeVCS) CheckoutBranch(_ context.Context, _, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts = append(f.checkouts, branch)
	return nil
}

func textMessage(role, modelName, text string) *model.Message {
	return &model.Message{
		Role:    role,
		Model:   modelName,
		Content: model.BlockContent(model.TextBlock{Text: text}),
	}
}

// successEvents is a minimal successful agent run.
func successEvents(result string) []model.StreamEvent {
	isError := false
	return []model.StreamEvent{
		{Type: model.EventTypeSystem, Subtype: model.SubtypeInit, SessionID: "sess-1",
			Message: &model.Message{Model: "claude-test", CWD: "/work"}},
		{Type: model.EventTypeAssistant, SessionID: "sess-1",
			Message: textMessage("assistant", "claude-test", result)},
		{Type: model.EventTypeResult, Subtype: "success", SessionID: "sess-1",
			Message: &model.Message{Result: result, IsError: &isError, TotalCostUSD: 0.25, DurationMS: 1200}},
	}
}
