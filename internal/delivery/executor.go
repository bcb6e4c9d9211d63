package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/jakeops/internal/agent"
	"github.com/ashita-ai/jakeops/internal/eventbus"
	"github.com/ashita-ai/jakeops/internal/model"
	"github.com/ashita-ai/jakeops/internal/prompts"
	"github.com/ashita-ai/jakeops/internal/stream"
	"github.com/ashita-ai/jakeops/internal/telemetry"
)

// DefaultCloseGrace is how long a finished run's live topic stays open so
// late observers still get the replay.
const DefaultCloseGrace = 2 * time.Second

// PhaseRequest is the agent input for one phase run.
type PhaseRequest struct {
	Prompt       string
	SystemPrompt string
	AllowedTools []string
}

// Runner streams agent events for a request.
type Runner interface {
	Stream(ctx context.Context, req agent.Request, onEvent func(model.StreamEvent)) error
	Kill(key string) bool
}

// Workspace prepares a checkout for the agent to work in.
type Workspace interface {
	Clone(ctx context.Context, owner, repo, token, dest string) error
	CheckoutBranch(ctx context.Context, dir, branch string) error
}

// SourceLister resolves repository credentials.
type SourceLister interface {
	ListSources(ctx context.Context) ([]model.Source, error)
}

// ExecutorConfig holds the executor's collaborators. Runner and VCS are
// required to run phases; the rest are optional.
type ExecutorConfig struct {
	Runner     Runner
	VCS        Workspace
	Sources    SourceLister
	Publisher  Publisher
	Bus        *eventbus.Bus
	CloseGrace time.Duration
	Logger     *slog.Logger
}

// Executor runs an agent against a delivery phase: it marks the phase
// running, prepares a workspace, streams the agent's events to live
// observers and records the outcome.
type Executor struct {
	svc     *Service
	runner  Runner
	vcs     Workspace
	sources SourceLister
	pub     Publisher
	bus     *eventbus.Bus
	grace   time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup

	tracer  trace.Tracer
	metrics *telemetry.PhaseMetrics
}

// NewExecutor creates an Executor bound to svc.
func NewExecutor(svc *Service, cfg ExecutorConfig) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = svc.logger
	}
	if cfg.Bus == nil {
		cfg.Bus = eventbus.New(0, cfg.Logger)
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = DefaultCloseGrace
	}

	meter := telemetry.Meter("jakeops/delivery")
	bus := cfg.Bus
	if err := telemetry.ObserveGauge(meter, "jakeops.bus.topics", "Deliveries with an open live topic", func() int64 {
		topics, _ := bus.Stats()
		return int64(topics)
	}); err != nil {
		cfg.Logger.Warn("bus gauge not registered", "error", err)
	}

	return &Executor{
		svc:      svc,
		runner:   cfg.Runner,
		vcs:      cfg.VCS,
		sources:  cfg.Sources,
		pub:      cfg.Publisher,
		bus:      cfg.Bus,
		grace:    cfg.CloseGrace,
		logger:   cfg.Logger,
		inflight: make(map[string]struct{}),
		tracer:   telemetry.Tracer("jakeops/delivery"),
		metrics:  telemetry.NewPhaseMetrics(meter),
	}
}

// Bus returns the event bus live events are published to.
func (e *Executor) Bus() *eventbus.Bus {
	return e.bus
}

func (e *Executor) configured() error {
	var missing []string
	if e.runner == nil {
		missing = append(missing, "agent runner")
	}
	if e.vcs == nil {
		missing = append(missing, "vcs")
	}
	if len(missing) > 0 {
		return &ConfigurationError{Missing: missing}
	}
	return nil
}

// ExecutePhase runs phase p on delivery id and waits for the outcome. A
// failed agent run is reported in the result, not as an error; errors are
// reserved for requests that never started.
func (e *Executor) ExecutePhase(ctx context.Context, id string, p model.Phase, req PhaseRequest) (model.PhaseResult, error) {
	ch, err := e.Start(ctx, id, p, req)
	if err != nil {
		return model.PhaseResult{}, err
	}
	return <-ch, nil
}

// Start validates the request and marks the phase running before returning.
// The agent then runs in the background and its result is delivered on the
// returned channel.
func (e *Executor) Start(ctx context.Context, id string, p model.Phase, req PhaseRequest) (<-chan model.PhaseResult, error) {
	if err := e.configured(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if _, busy := e.inflight[id]; busy {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.inflight[id] = struct{}{}
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		delete(e.inflight, id)
		e.mu.Unlock()
	}

	d, found, err := e.svc.apply(ctx, id, func(d model.Delivery, now time.Time) (model.Delivery, error) {
		return StartRun(d, p, now)
	})
	if err != nil || !found {
		release()
		if err == nil {
			err = ErrNotFound
		}
		return nil, err
	}

	epoch := e.bus.Begin(id)
	ch := make(chan model.PhaseResult, 1)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer release()
		// The run outlives the request that started it.
		ch <- e.run(context.WithoutCancel(ctx), d, req, epoch)
	}()
	return ch, nil
}

func (e *Executor) run(ctx context.Context, d model.Delivery, req PhaseRequest, epoch uint64) model.PhaseResult {
	ctx, span := e.tracer.Start(ctx, "delivery.execute_phase", trace.WithAttributes(
		attribute.String("jakeops.delivery_id", d.ID),
		attribute.String("jakeops.phase", string(d.Phase)),
		attribute.String("jakeops.repository", d.Repository),
	))
	defer span.End()

	start := time.Now()
	e.logger.Info("phase run started", "delivery_id", d.ID, "phase", d.Phase)

	res, cost := e.execute(ctx, d, req)

	e.metrics.RecordRun(ctx, string(res.Phase), string(res.RunStatus), time.Since(start), cost)
	if res.RunStatus == model.RunStatusFailed {
		span.SetStatus(codes.Error, res.Error)
		e.logger.Warn("phase run failed", "delivery_id", d.ID, "phase", d.Phase, "error", res.Error)
	} else {
		e.logger.Info("phase run finished", "delivery_id", d.ID, "phase", d.Phase,
			"run_id", res.RunID, "run_status", res.RunStatus, "duration_ms", time.Since(start).Milliseconds())
	}

	e.bus.CloseAfter(d.ID, epoch, e.grace)
	return res
}

func (e *Executor) execute(ctx context.Context, d model.Delivery, req PhaseRequest) (model.PhaseResult, float64) {
	owner, repo, _ := strings.Cut(d.Repository, "/")
	token := e.token(ctx, owner, repo)

	dir, err := os.MkdirTemp("", "jakeops-work-")
	if err != nil {
		return e.fail(ctx, d, fmt.Errorf("create workspace: %w", err)), 0
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn("workspace cleanup failed", "delivery_id", d.ID, "dir", dir, "error", err)
		}
	}()

	if err := e.vcs.Clone(ctx, owner, repo, token, dir); err != nil {
		return e.fail(ctx, d, err), 0
	}
	if branch := d.WorkBranch(); branch != "" {
		if err := e.vcs.CheckoutBranch(ctx, dir, branch); err != nil {
			return e.fail(ctx, d, err), 0
		}
	}

	tracker := stream.NewTracker()
	var events []model.StreamEvent
	err = e.runner.Stream(ctx, agent.Request{
		Key:          d.ID,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		AllowedTools: req.AllowedTools,
		Dir:          dir,
	}, func(ev model.StreamEvent) {
		events = append(events, ev)
		e.bus.Publish(d.ID, model.LiveEvent{Stream: &ev})
		if meta, changed := tracker.Observe(ev); changed {
			e.bus.Publish(d.ID, model.LiveEvent{Metadata: &meta})
		}
	})
	if err != nil {
		return e.fail(ctx, d, err), 0
	}

	meta := stream.ExtractMetadata(events)
	if !meta.IsSuccess {
		return e.fail(ctx, d, fmt.Errorf("claude CLI returned error: %s", meta.ResultText)), meta.CostUSD
	}
	return e.succeed(ctx, d, meta, events), meta.CostUSD
}

func (e *Executor) succeed(ctx context.Context, d model.Delivery, meta model.StreamMetadata, events []model.StreamEvent) model.PhaseResult {
	run := newRun(string(d.Phase), meta, sessionOf(events), e.svc.now())
	res := model.PhaseResult{
		ID:         d.ID,
		RunID:      run.ID,
		Phase:      d.Phase,
		RunStatus:  model.RunStatusSucceeded,
		ResultText: meta.ResultText,
	}

	out, _, err := e.svc.apply(ctx, d.ID, func(cur model.Delivery, now time.Time) (model.Delivery, error) {
		var next model.Delivery
		if stillRunning(cur, d.Phase) {
			next = Succeed(cur, now)
		} else {
			// Canceled or moved while the agent ran: keep the record only.
			next = cur.Clone()
			next.UpdatedAt = now
		}
		next.Runs = append(next.Runs, run)
		if d.Phase == model.PhasePlan && next.Phase == model.PhasePlan {
			next.Plan = &model.Plan{
				Content:     meta.ResultText,
				Model:       meta.Model,
				GeneratedAt: now,
				CWD:         meta.CWD,
			}
		}
		return next, nil
	})
	if err != nil {
		e.logger.Error("record phase success failed", "delivery_id", d.ID, "error", err)
		res.RunStatus = model.RunStatusFailed
		res.Error = err.Error()
		return res
	}
	// Written only once a run record points at it.
	if err := e.svc.repo.SaveRunTranscript(ctx, d.ID, run.ID, stream.ExtractTranscript(events)); err != nil {
		e.logger.Error("save transcript failed", "delivery_id", d.ID, "run_id", run.ID, "error", err)
	}
	res.Phase, res.RunStatus = out.Phase, out.RunStatus
	return res
}

func (e *Executor) fail(ctx context.Context, d model.Delivery, cause error) model.PhaseResult {
	msg := cause.Error()
	res := model.PhaseResult{ID: d.ID, Phase: d.Phase, RunStatus: model.RunStatusFailed, Error: msg}
	_, _, err := e.svc.apply(ctx, d.ID, func(cur model.Delivery, now time.Time) (model.Delivery, error) {
		if !stillRunning(cur, d.Phase) {
			return cur, nil
		}
		return Fail(cur, msg, now), nil
	})
	if err != nil {
		e.logger.Error("record phase failure failed", "delivery_id", d.ID, "error", err)
	}
	return res
}

func stillRunning(d model.Delivery, p model.Phase) bool {
	return d.Phase == p && d.RunStatus == model.RunStatusRunning
}

// token returns the credential of the source registered for owner/repo, or
// "" when there is none.
func (e *Executor) token(ctx context.Context, owner, repo string) string {
	if e.sources == nil {
		return ""
	}
	sources, err := e.sources.ListSources(ctx)
	if err != nil {
		e.logger.Warn("list sources failed, cloning without token", "error", err)
		return ""
	}
	for _, s := range sources {
		if s.Owner == owner && s.Repo == repo {
			return s.Token
		}
	}
	return ""
}

// StartPhase builds the phase prompt from the stored delivery and starts it.
func (e *Executor) StartPhase(ctx context.Context, id string, p model.Phase) (<-chan model.PhaseResult, error) {
	build, ok := prompts.ForPhase(p)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an agent phase", ErrInvalidInput, p)
	}
	d, found, err := e.svc.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	pr := build(d)
	return e.Start(ctx, id, p, PhaseRequest{Prompt: pr.User, SystemPrompt: pr.System, AllowedTools: pr.AllowedTools})
}

func (e *Executor) runPhase(ctx context.Context, id string, p model.Phase) (model.PhaseResult, error) {
	ch, err := e.StartPhase(ctx, id, p)
	if err != nil {
		return model.PhaseResult{}, err
	}
	return <-ch, nil
}

// GeneratePlan runs the plan phase. A delivery still at intake is moved to
// plan first.
func (e *Executor) GeneratePlan(ctx context.Context, id string) (model.PhaseResult, error) {
	return e.runPhase(ctx, id, model.PhasePlan)
}

// RunImplement runs the implement phase.
func (e *Executor) RunImplement(ctx context.Context, id string) (model.PhaseResult, error) {
	return e.runPhase(ctx, id, model.PhaseImplement)
}

// RunReview runs the review phase.
func (e *Executor) RunReview(ctx context.Context, id string) (model.PhaseResult, error) {
	return e.runPhase(ctx, id, model.PhaseReview)
}

// Kill stops the agent running for id. It reports whether one was running.
func (e *Executor) Kill(id string) bool {
	if e.runner == nil {
		return false
	}
	return e.runner.Kill(id)
}

// Running reports whether a phase run for id is in flight in this process.
func (e *Executor) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

// Shutdown kills every in-flight run and waits for them to record their
// outcome, or for ctx to end.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.inflight))
	for id := range e.inflight {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.Kill(id)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(fmt.Errorf("delivery: %d runs still in flight", len(ids)), ctx.Err())
	}
}
