// Package syncer turns open GitHub issues of registered sources into
// deliveries and closes deliveries whose issue went away.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashita-ai/jakeops/internal/github"
	"github.com/ashita-ai/jakeops/internal/model"
	"github.com/ashita-ai/jakeops/internal/worker"
)

// WorkerName identifies the sync loop in the worker registry.
const WorkerName = "delivery_sync"

// Issues is the issue tracker the syncer polls.
type Issues interface {
	ListOpenIssues(ctx context.Context, owner, repo, token string) ([]github.Issue, error)
	GetIssue(ctx context.Context, owner, repo string, number int, token string) (github.Issue, error)
}

// Sources is the source registry.
type Sources interface {
	ListSources(ctx context.Context) ([]model.Source, error)
	SaveSource(ctx context.Context, s model.Source) error
}

// Deliveries is the slice of the delivery service the syncer drives.
type Deliveries interface {
	List(ctx context.Context) ([]model.Delivery, error)
	Create(ctx context.Context, in model.NewDelivery) (model.Delivery, bool, error)
	Close(ctx context.Context, id string) (model.Delivery, bool, error)
}

// Syncer runs sync passes. Passes never overlap.
type Syncer struct {
	issues     Issues
	sources    Sources
	deliveries Deliveries
	registry   *worker.Registry
	logger     *slog.Logger
	now        func() time.Time

	mu sync.Mutex
}

// New creates a Syncer. registry may be nil.
func New(issues Issues, sources Sources, deliveries Deliveries, registry *worker.Registry, logger *slog.Logger) *Syncer {
	return &Syncer{
		issues:     issues,
		sources:    sources,
		deliveries: deliveries,
		registry:   registry,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SyncOnce polls every active source. A source that cannot be polled is
// logged and skipped; the error return is reserved for failures that stop
// the whole pass.
func (s *Syncer) SyncOnce(ctx context.Context) (model.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sources, err := s.sources.ListSources(ctx)
	if err != nil {
		return model.SyncResult{}, fmt.Errorf("syncer: list sources: %w", err)
	}

	var res model.SyncResult
	for _, src := range sources {
		if !src.Active {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		created, closed, err := s.syncSource(ctx, src)
		res.Created += created
		res.Closed += closed
		if err != nil {
			s.logger.Error("syncer: source failed", "source_id", src.ID, "repository", src.Repository(), "error", err)
		}
	}
	return res, nil
}

func (s *Syncer) syncSource(ctx context.Context, src model.Source) (created, closed int, err error) {
	issues, err := s.issues.ListOpenIssues(ctx, src.Owner, src.Repo, src.Token)
	if err != nil {
		return 0, 0, fmt.Errorf("list open issues: %w", err)
	}

	polled := s.now()
	src.LastPolledAt = &polled
	if err := s.sources.SaveSource(ctx, src); err != nil {
		s.logger.Warn("syncer: save source failed", "source_id", src.ID, "error", err)
	}

	repository := src.Repository()
	open := make(map[int]bool, len(issues))
	for _, is := range issues {
		open[is.Number] = true
		_, isNew, err := s.deliveries.Create(ctx, model.NewDelivery{
			Repository: repository,
			Summary:    fmt.Sprintf("GitHub Issue #%d: %s", is.Number, is.Title),
			Phase:      model.PhaseIntake,
			RunStatus:  model.RunStatusPending,
			Refs: []model.Ref{{
				Role:  model.RefRoleTrigger,
				Type:  model.RefTypeGitHubIssue,
				Label: "#" + strconv.Itoa(is.Number),
				URL:   is.HTMLURL,
			}},
		})
		if err != nil {
			return created, closed, fmt.Errorf("create delivery for #%d: %w", is.Number, err)
		}
		if isNew {
			created++
			s.logger.Info("syncer: delivery created", "repository", repository, "issue", is.Number)
		}
	}

	all, err := s.deliveries.List(ctx)
	if err != nil {
		return created, closed, fmt.Errorf("list deliveries: %w", err)
	}
	for _, d := range all {
		if d.Terminal() || d.Repository != repository {
			continue
		}
		number, ok := triggerIssue(d)
		if !ok || open[number] || s.stillOpen(ctx, src, number) {
			continue
		}
		if _, _, err := s.deliveries.Close(ctx, d.ID); err != nil {
			s.logger.Warn("syncer: close delivery failed", "delivery_id", d.ID, "error", err)
			continue
		}
		closed++
		s.logger.Info("syncer: delivery closed", "delivery_id", d.ID, "repository", repository, "issue", number)
	}
	return created, closed, nil
}

// stillOpen double-checks an issue missing from the listing, which is
// capped in size. Lookup errors count as open so nothing is closed on a
// transient failure.
func (s *Syncer) stillOpen(ctx context.Context, src model.Source, number int) bool {
	is, err := s.issues.GetIssue(ctx, src.Owner, src.Repo, number, src.Token)
	switch {
	case errors.Is(err, github.ErrNotFound):
		return false
	case err != nil:
		s.logger.Warn("syncer: issue lookup failed", "repository", src.Repository(), "issue", number, "error", err)
		return true
	}
	return is.State == "open"
}

func triggerIssue(d model.Delivery) (int, bool) {
	for _, r := range d.Refs {
		if r.Role != model.RefRoleTrigger || r.Type != model.RefTypeGitHubIssue {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(r.Label, "#"))
		if err != nil || !strings.HasPrefix(r.Label, "#") {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// Run syncs immediately and then every interval until ctx is done,
// reporting each pass to the worker registry.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if s.registry != nil {
		s.registry.Register(WorkerName, "Delivery Sync", interval, true)
	}
	s.logger.Info("syncer: started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.pass(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("syncer: stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Syncer) pass(ctx context.Context) {
	res, err := s.SyncOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("syncer: pass failed", "error", err)
		if s.registry != nil {
			s.registry.RecordError(WorkerName, err)
		}
		return
	}
	if res.Created > 0 || res.Closed > 0 {
		s.logger.Info("syncer: pass done", "created", res.Created, "closed", res.Closed)
	}
	if s.registry != nil {
		s.registry.RecordSuccess(WorkerName, res)
	}
}
