// Package source manages the registry of repositories whose issues are
// synced into deliveries.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashita-ai/jakeops/internal/model"
	"github.com/ashita-ai/jakeops/internal/storage"
)

var (
	// ErrDuplicate is returned when owner/repo is already registered.
	ErrDuplicate = errors.New("source: already exists")
	// ErrInvalidInput wraps validation failures on caller input.
	ErrInvalidInput = errors.New("source: invalid input")
)

// Store is the persistence the registry needs.
type Store interface {
	ListSources(ctx context.Context) ([]model.Source, error)
	GetSource(ctx context.Context, id string) (model.Source, error)
	SaveSource(ctx context.Context, s model.Source) error
	DeleteSource(ctx context.Context, id string) error
}

// Service exposes sources with their tokens masked.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// ID derives the stable id of owner/repo.
func ID(owner, repo string) string {
	sum := sha256.Sum256([]byte(owner + "/" + repo))
	return hex.EncodeToString(sum[:])[:12]
}

func (s *Service) List(ctx context.Context) ([]model.Source, error) {
	all, err := s.store.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("source: list: %w", err)
	}
	for i := range all {
		all[i] = all[i].Redacted()
	}
	return all, nil
}

// Get returns a masked source. found is false for an unknown id.
func (s *Service) Get(ctx context.Context, id string) (model.Source, bool, error) {
	src, err := s.store.GetSource(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Source{}, false, nil
	}
	if err != nil {
		return model.Source{}, false, fmt.Errorf("source: get %s: %w", id, err)
	}
	return src.Redacted(), true, nil
}

// Create registers a repository. Sources start active unless the request
// says otherwise.
func (s *Service) Create(ctx context.Context, req model.CreateSourceRequest) (model.Source, error) {
	if req.Type == "" {
		req.Type = model.SourceTypeGitHub
	}
	if req.Type != model.SourceTypeGitHub {
		return model.Source{}, fmt.Errorf("%w: unsupported type %q", ErrInvalidInput, req.Type)
	}
	req.Owner, req.Repo = strings.TrimSpace(req.Owner), strings.TrimSpace(req.Repo)
	if req.Owner == "" || req.Repo == "" || strings.ContainsAny(req.Owner+req.Repo, "/ ") {
		return model.Source{}, fmt.Errorf("%w: owner and repo are required", ErrInvalidInput)
	}

	id := ID(req.Owner, req.Repo)
	if _, err := s.store.GetSource(ctx, id); err == nil {
		return model.Source{}, fmt.Errorf("%w: %s/%s", ErrDuplicate, req.Owner, req.Repo)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return model.Source{}, fmt.Errorf("source: create: %w", err)
	}

	src := model.Source{
		ID:        id,
		Type:      req.Type,
		Owner:     req.Owner,
		Repo:      req.Repo,
		Token:     req.Token,
		Active:    req.Active == nil || *req.Active,
		CreatedAt: s.now(),
	}
	if err := s.store.SaveSource(ctx, src); err != nil {
		return model.Source{}, fmt.Errorf("source: create: %w", err)
	}
	s.logger.Info("source registered", "source_id", id, "repository", src.Repository())
	return src.Redacted(), nil
}

// Update changes the token or active flag.
func (s *Service) Update(ctx context.Context, id string, req model.UpdateSourceRequest) (model.Source, bool, error) {
	src, err := s.store.GetSource(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Source{}, false, nil
	}
	if err != nil {
		return model.Source{}, false, fmt.Errorf("source: update %s: %w", id, err)
	}
	if req.Token != nil {
		src.Token = *req.Token
	}
	if req.Active != nil {
		src.Active = *req.Active
	}
	if err := s.store.SaveSource(ctx, src); err != nil {
		return model.Source{}, true, fmt.Errorf("source: update %s: %w", id, err)
	}
	return src.Redacted(), true, nil
}

// Delete removes a source. It reports false when the id is unknown.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	err := s.store.DeleteSource(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("source: delete %s: %w", id, err)
	}
	s.logger.Info("source deleted", "source_id", id)
	return true, nil
}
