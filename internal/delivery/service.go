// Package delivery owns the delivery lifecycle: the phase state machine, the
// repository-backed service that applies it, and the executor that runs an
// agent against a phase.
//
// Both the HTTP API and the MCP server delegate to Service, so every
// interface enforces the same transition rules.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ashita-ai/jakeops/internal/model"
	"github.com/ashita-ai/jakeops/internal/storage"
	"github.com/ashita-ai/jakeops/internal/stream"
)

// ErrInvalidInput is wrapped by validation failures on caller input.
var ErrInvalidInput = errors.New("delivery: invalid input")

// CollectModeExecution is the run mode recorded for collected sessions.
const CollectModeExecution = "execution"

// Repository is the persistence the service needs.
type Repository interface {
	ListDeliveries(ctx context.Context) ([]model.Delivery, error)
	GetDelivery(ctx context.Context, id string) (model.Delivery, error)
	SaveDelivery(ctx context.Context, d model.Delivery) error
	GetRunTranscript(ctx context.Context, id, runID string) (model.Transcript, error)
	SaveRunTranscript(ctx context.Context, id, runID string, t model.Transcript) error
	NextSeq(ctx context.Context) (int64, error)
}

// Service applies state machine transitions to stored deliveries. Writes to
// the same id are serialized within the process.
type Service struct {
	repo        Repository
	locks       *keyedMutex
	logger      *slog.Logger
	now         func() time.Time
	sessionDirs []string
}

// NewService creates a Service. sessionDirs overrides where CollectSession
// looks for Claude session logs; empty means ~/.claude/projects.
func NewService(repo Repository, logger *slog.Logger, sessionDirs ...string) *Service {
	return &Service{
		repo:        repo,
		locks:       newKeyedMutex(),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		sessionDirs: sessionDirs,
	}
}

// List returns every delivery, newest first.
func (s *Service) List(ctx context.Context) ([]model.Delivery, error) {
	ds, err := s.repo.ListDeliveries(ctx)
	if err != nil {
		return nil, fmt.Errorf("delivery: list: %w", err)
	}
	return ds, nil
}

// Get returns a delivery. found is false when the id is unknown.
func (s *Service) Get(ctx context.Context, id string) (model.Delivery, bool, error) {
	d, err := s.repo.GetDelivery(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Delivery{}, false, nil
	}
	if err != nil {
		return model.Delivery{}, false, fmt.Errorf("delivery: get %s: %w", id, err)
	}
	return d, true, nil
}

// Create stores a new delivery. Creating a delivery whose id already exists
// returns the stored one with created false.
func (s *Service) Create(ctx context.Context, in model.NewDelivery) (d model.Delivery, created bool, err error) {
	if err := validateNew(&in); err != nil {
		return model.Delivery{}, false, err
	}
	label := ""
	if ref, ok := (model.Delivery{Refs: in.Refs}).TriggerRef(); ok {
		label = ref.Label
	}
	id := DeliveryID(in.Repository, label)

	unlock := s.locks.Lock(id)
	defer unlock()

	existing, found, err := s.Get(ctx, id)
	if err != nil {
		return model.Delivery{}, false, err
	}
	if found {
		return existing, false, nil
	}

	seq, err := s.repo.NextSeq(ctx)
	if err != nil {
		return model.Delivery{}, false, fmt.Errorf("delivery: next seq: %w", err)
	}
	now := s.now()
	d = model.Delivery{
		ID:            id,
		SchemaVersion: model.SchemaVersion,
		Seq:           seq,
		Phase:         in.Phase,
		RunStatus:     in.RunStatus,
		Endpoint:      in.Endpoint,
		Checkpoints:   in.Checkpoints,
		Repository:    in.Repository,
		Summary:       in.Summary,
		Refs:          in.Refs,
		PhaseRuns:     []model.PhaseRun{},
		Runs:          []model.Run{},
		CreatedAt:     now,
	}
	d = transition(d, in.Phase, in.RunStatus, executorFor(d, in.Phase), nil, now)
	if err := s.repo.SaveDelivery(ctx, d); err != nil {
		return model.Delivery{}, false, fmt.Errorf("delivery: create: %w", err)
	}
	s.logger.Info("delivery created", "delivery_id", id, "repository", d.Repository, "phase", d.Phase)
	return d, true, nil
}

func validateNew(in *model.NewDelivery) error {
	owner, repo, ok := strings.Cut(in.Repository, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return fmt.Errorf("%w: repository must be owner/repo, got %q", ErrInvalidInput, in.Repository)
	}
	if strings.TrimSpace(in.Summary) == "" {
		return fmt.Errorf("%w: summary is required", ErrInvalidInput)
	}
	if in.Phase == "" {
		in.Phase = model.PhaseIntake
	}
	if in.RunStatus == "" {
		in.RunStatus = model.RunStatusPending
	}
	if in.Endpoint == "" {
		in.Endpoint = model.PhaseDeploy
	}
	if in.Checkpoints == nil {
		in.Checkpoints = model.DefaultCheckpoints()
	}
	if in.Refs == nil {
		in.Refs = []model.Ref{}
	}
	if !in.Phase.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidInput, in.Phase)
	}
	if err := validateEndpoint(in.Endpoint); err != nil {
		return err
	}
	if !in.RunStatus.Valid() {
		return fmt.Errorf("%w: unknown run_status %q", ErrInvalidInput, in.RunStatus)
	}
	for _, p := range in.Checkpoints {
		if !p.Valid() {
			return fmt.Errorf("%w: unknown checkpoint %q", ErrInvalidInput, p)
		}
	}
	return validateRefs(in.Refs)
}

// validateEndpoint requires a gate phase: the endpoint is where an approval
// routes the delivery to close.
func validateEndpoint(p model.Phase) error {
	if !IsGate(p) {
		return fmt.Errorf("%w: endpoint %q is not a gate phase (plan, review or deploy)", ErrInvalidInput, p)
	}
	return nil
}

func validateRefs(refs []model.Ref) error {
	for _, r := range refs {
		switch r.Role {
		case model.RefRoleTrigger, model.RefRoleOutput, model.RefRoleWork, model.RefRoleParent:
		default:
			return fmt.Errorf("%w: unknown ref role %q", ErrInvalidInput, r.Role)
		}
		if r.Type == "" {
			return fmt.Errorf("%w: ref type is required", ErrInvalidInput)
		}
	}
	return nil
}

// Update applies a descriptive patch. An output ref replaces any existing
// output ref of the same type; other refs are appended.
func (s *Service) Update(ctx context.Context, id string, p model.DeliveryPatch) (model.Delivery, bool, error) {
	if err := validateRefs(p.Refs); err != nil {
		return model.Delivery{}, false, err
	}
	if p.Endpoint != nil {
		if err := validateEndpoint(*p.Endpoint); err != nil {
			return model.Delivery{}, false, err
		}
	}
	return s.apply(ctx, id, func(d model.Delivery, now time.Time) (model.Delivery, error) {
		out := d.Clone()
		if p.Summary != nil {
			out.Summary = *p.Summary
		}
		if p.Plan != nil {
			plan := *p.Plan
			out.Plan = &plan
		}
		if p.Error != nil {
			out.Error = *p.Error
		}
		if p.Endpoint != nil {
			out.Endpoint = *p.Endpoint
		}
		out.Refs = mergeRefs(out.Refs, p.Refs)
		out.UpdatedAt = now
		return out, nil
	})
}

func mergeRefs(existing, incoming []model.Ref) []model.Ref {
	out := existing
	for _, in := range incoming {
		if in.Role != model.RefRoleOutput {
			continue
		}
		kept := out[:0:0]
		for _, r := range out {
			if r.Role == model.RefRoleOutput && r.Type == in.Type {
				continue
			}
			kept = append(kept, r)
		}
		out = kept
	}
	return append(out, incoming...)
}

// Approve accepts the current gate phase.
func (s *Service) Approve(ctx context.Context, id string) (model.Delivery, bool, error) {
	return s.apply(ctx, id, Approve)
}

// Reject sends the delivery back one phase.
func (s *Service) Reject(ctx context.Context, id, reason string) (model.Delivery, bool, error) {
	return s.apply(ctx, id, func(d model.Delivery, now time.Time) (model.Delivery, error) {
		return Reject(d, reason, now)
	})
}

// Retry resets a failed phase.
func (s *Service) Retry(ctx context.Context, id string) (model.Delivery, bool, error) {
	return s.apply(ctx, id, Retry)
}

// Cancel stops the delivery.
func (s *Service) Cancel(ctx context.Context, id string) (model.Delivery, bool, error) {
	return s.apply(ctx, id, Cancel)
}

// Close finishes the delivery.
func (s *Service) Close(ctx context.Context, id string) (model.Delivery, bool, error) {
	return s.apply(ctx, id, Close)
}

// Advance moves a succeeded non-gate phase forward.
func (s *Service) Advance(ctx context.Context, id string) (model.Delivery, bool, error) {
	return s.apply(ctx, id, Advance)
}

// Record stores a system or human phase outcome.
func (s *Service) Record(ctx context.Context, id string, req model.RecordRequest) (model.Delivery, bool, error) {
	if req.Executor != "" && !req.Executor.Valid() {
		return model.Delivery{}, false, fmt.Errorf("%w: unknown executor %q", ErrInvalidInput, req.Executor)
	}
	if req.Verdict != nil && *req.Verdict != model.VerdictPass && *req.Verdict != model.VerdictNotPass {
		return model.Delivery{}, false, fmt.Errorf("%w: unknown verdict %q", ErrInvalidInput, *req.Verdict)
	}
	return s.apply(ctx, id, func(d model.Delivery, now time.Time) (model.Delivery, error) {
		return Record(d, req.RunStatus, req.Executor, req.Verdict, now)
	})
}

// apply loads id, runs fn on it and saves the result, holding the id's lock.
func (s *Service) apply(ctx context.Context, id string, fn func(model.Delivery, time.Time) (model.Delivery, error)) (model.Delivery, bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	d, found, err := s.Get(ctx, id)
	if err != nil || !found {
		return model.Delivery{}, found, err
	}
	out, err := fn(d, s.now())
	if err != nil {
		return model.Delivery{}, true, err
	}
	if err := s.repo.SaveDelivery(ctx, out); err != nil {
		return model.Delivery{}, true, fmt.Errorf("delivery: save %s: %w", id, err)
	}
	if out.Phase != d.Phase || out.RunStatus != d.RunStatus {
		s.logger.Info("delivery transitioned",
			"delivery_id", id,
			"from_phase", d.Phase, "from_run_status", d.RunStatus,
			"phase", out.Phase, "run_status", out.RunStatus)
	}
	return out, true, nil
}

// GetTranscript returns the transcript of one run.
func (s *Service) GetTranscript(ctx context.Context, id, runID string) (model.Transcript, bool, error) {
	t, err := s.repo.GetRunTranscript(ctx, id, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Transcript{}, false, nil
	}
	if err != nil {
		return model.Transcript{}, false, fmt.Errorf("delivery: get transcript %s/%s: %w", id, runID, err)
	}
	return t, true, nil
}

// CollectSession turns a local Claude session log into a run and transcript
// on an existing delivery. The phase and run status are left alone.
func (s *Service) CollectSession(ctx context.Context, id string, req model.CollectRequest) (model.Run, bool, error) {
	if req.SessionID == "" {
		return model.Run{}, false, fmt.Errorf("%w: session_id is required", ErrInvalidInput)
	}
	if _, found, err := s.Get(ctx, id); err != nil || !found {
		return model.Run{}, found, err
	}

	// Only files inside the session directories are ever opened.
	path, err := stream.FindSessionFile(req.SessionID, s.sessionDirs...)
	if errors.Is(err, stream.ErrInvalidSessionID) {
		return model.Run{}, true, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err != nil {
		return model.Run{}, true, fmt.Errorf("delivery: collect %s: %w", id, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return model.Run{}, true, fmt.Errorf("delivery: collect %s: %w", id, err)
	}
	defer func() { _ = f.Close() }()

	events, err := stream.ParseSessionLines(f, s.logger)
	if err != nil {
		return model.Run{}, true, fmt.Errorf("delivery: collect %s: %w", id, err)
	}
	if !stream.HasResult(events) {
		result, err := stream.SynthesizeResult(events)
		if err != nil {
			return model.Run{}, true, fmt.Errorf("delivery: collect %s: %w", id, err)
		}
		events = append(events, result)
	}
	meta := stream.ExtractMetadata(events)
	if meta.Model == stream.UnknownModel {
		// Session logs have no init event; the assistant turns name the model.
		meta.Model = assistantModel(events, meta.Model)
	}
	transcript := stream.ExtractTranscript(events)

	mode := req.Mode
	if mode == "" {
		mode = CollectModeExecution
	}
	run := newRun(mode, meta, req.SessionID, s.now())
	if !meta.IsSuccess {
		run.Status = string(model.RunStatusFailed)
	}

	_, found, err := s.apply(ctx, id, func(d model.Delivery, now time.Time) (model.Delivery, error) {
		out := d.Clone()
		out.Runs = append(out.Runs, run)
		out.UpdatedAt = now
		return out, nil
	})
	if err != nil || !found {
		return model.Run{}, found, err
	}
	if err := s.repo.SaveRunTranscript(ctx, id, run.ID, transcript); err != nil {
		return model.Run{}, true, fmt.Errorf("delivery: save transcript %s/%s: %w", id, run.ID, err)
	}
	s.logger.Info("session collected", "delivery_id", id, "run_id", run.ID, "session_id", req.SessionID)
	return run, true, nil
}

func newRun(mode string, meta model.StreamMetadata, sessionID string, now time.Time) model.Run {
	return model.Run{
		ID:        newRunID(),
		Mode:      mode,
		Status:    model.RunStatusSuccess,
		CreatedAt: now,
		Session:   model.RunSession{Model: meta.Model},
		Stats: model.RunStats{
			CostUSD:      meta.CostUSD,
			InputTokens:  meta.InputTokens,
			OutputTokens: meta.OutputTokens,
			DurationMS:   meta.DurationMS,
		},
		SessionID: sessionID,
		Summary:   summarize(meta.ResultText),
	}
}

func assistantModel(events []model.StreamEvent, fallback string) string {
	for _, ev := range events {
		if ev.Type == model.EventTypeAssistant && ev.IsLeader() && ev.Message != nil && ev.Message.Model != "" {
			return ev.Message.Model
		}
	}
	return fallback
}

// sessionOf returns the last session id seen in events.
func sessionOf(events []model.StreamEvent) string {
	id := ""
	for _, ev := range events {
		if ev.SessionID != "" {
			id = ev.SessionID
		}
	}
	return id
}
