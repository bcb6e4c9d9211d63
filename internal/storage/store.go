// Package storage persists deliveries, run transcripts and sources.
//
// Three backends implement Store: FileStore (JSON files, the default),
// SQLiteStore (a single local database file) and PGStore (PostgreSQL with
// JSONB columns). All of them are last-write-wins per record.
package storage

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	"github.com/ashita-ai/jakeops/internal/model"
)

// Store is the persistence surface shared by every backend.
type Store interface {
	// ListDeliveries returns every readable delivery, newest first.
	ListDeliveries(ctx context.Context) ([]model.Delivery, error)
	GetDelivery(ctx context.Context, id string) (model.Delivery, error)
	SaveDelivery(ctx context.Context, d model.Delivery) error
	GetRunTranscript(ctx context.Context, id, runID string) (model.Transcript, error)
	SaveRunTranscript(ctx context.Context, id, runID string, t model.Transcript) error
	// NextSeq returns the next delivery sequence number, starting at 1.
	NextSeq(ctx context.Context) (int64, error)

	ListSources(ctx context.Context) ([]model.Source, error)
	GetSource(ctx context.Context, id string) (model.Source, error)
	SaveSource(ctx context.Context, s model.Source) error
	DeleteSource(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}

// Backend kinds accepted by Open.
const (
	KindFile     = "file"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Kind        string
	DataDir     string
	SQLitePath  string
	DatabaseURL string
}

// Open creates the backend named by opts.Kind.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	switch opts.Kind {
	case KindFile, "":
		return NewFileStore(opts.DataDir, logger)
	case KindSQLite:
		return NewSQLiteStore(ctx, opts.SQLitePath, logger)
	case KindPostgres:
		return NewPGStore(ctx, opts.DatabaseURL, logger)
	}
	return nil, fmt.Errorf("storage: unknown backend %q", opts.Kind)
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// checkID rejects ids that could escape a directory or a key namespace.
func checkID(ids ...string) error {
	for _, id := range ids {
		if !idPattern.MatchString(id) {
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}

func sortDeliveries(ds []model.Delivery) {
	slices.SortFunc(ds, func(a, b model.Delivery) int {
		if c := cmp.Compare(b.Seq, a.Seq); c != 0 {
			return c
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}

func sortSources(ss []model.Source) {
	slices.SortFunc(ss, func(a, b model.Source) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
