package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/jakeops/internal/model"
	"github.com/ashita-ai/jakeops/migrations"
)

const (
	saveRetries    = 3
	saveRetryDelay = 20 * time.Millisecond
)

// PGStore keeps records as JSONB rows in PostgreSQL.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGStore connects to dsn, verifies the connection and applies any
// pending migrations.
func NewPGStore(ctx context.Context, dsn string, logger *slog.Logger) (*PGStore, error) {
	if dsn == "" {
		return nil, errors.New("storage: database url is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	s := &PGStore{pool: pool, logger: logger}
	if err := s.RunMigrations(ctx, migrations.FS); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// RunMigrations executes unapplied .sql files from migrationsFS in name
// order, recording each in schema_migrations.
func (s *PGStore) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") || applied[name] {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}

		s.logger.Info("running migration", "file", name)
		if _, err := s.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *PGStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (s *PGStore) ListDeliveries(ctx context.Context) ([]model.Delivery, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, data FROM deliveries ORDER BY seq DESC, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list deliveries: %w", err)
	}
	defer rows.Close()

	out := []model.Delivery{}
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("storage: scan delivery: %w", err)
		}
		var d model.Delivery
		if err := json.Unmarshal(data, &d); err != nil {
			s.logger.Warn("storage: skipping unreadable delivery", "id", id, "error", err)
			continue
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list deliveries: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
	var d model.Delivery
	if err := s.getJSON(ctx, &d, `SELECT data FROM deliveries WHERE id = $1`, id); err != nil {
		return model.Delivery{}, pgNotFound(err, "get delivery "+id)
	}
	return d, nil
}

func (s *PGStore) SaveDelivery(ctx context.Context, d model.Delivery) error {
	if err := checkID(d.ID); err != nil {
		return err
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("storage: encode delivery: %w", err)
	}
	err = WithRetry(ctx, saveRetries, saveRetryDelay, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO deliveries (id, seq, repository, data, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				seq = EXCLUDED.seq,
				repository = EXCLUDED.repository,
				data = EXCLUDED.data,
				updated_at = EXCLUDED.updated_at`,
			d.ID, d.Seq, d.Repository, string(data), d.CreatedAt, d.UpdatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: save delivery %s: %w", d.ID, err)
	}
	return nil
}

func (s *PGStore) GetRunTranscript(ctx context.Context, id, runID string) (model.Transcript, error) {
	var t model.Transcript
	err := s.getJSON(ctx, &t, `SELECT data FROM run_transcripts WHERE delivery_id = $1 AND run_id = $2`, id, runID)
	if err != nil {
		return model.Transcript{}, pgNotFound(err, "get transcript "+id+"/"+runID)
	}
	return t, nil
}

func (s *PGStore) SaveRunTranscript(ctx context.Context, id, runID string, t model.Transcript) error {
	if err := checkID(id, runID); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("storage: encode transcript: %w", err)
	}
	err = WithRetry(ctx, saveRetries, saveRetryDelay, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO run_transcripts (delivery_id, run_id, data) VALUES ($1, $2, $3)
			ON CONFLICT (delivery_id, run_id) DO UPDATE SET data = EXCLUDED.data`,
			id, runID, string(data))
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: save transcript %s/%s: %w", id, runID, err)
	}
	return nil
}

func (s *PGStore) NextSeq(ctx context.Context) (int64, error) {
	var next int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('delivery_seq')`).Scan(&next); err != nil {
		return 0, fmt.Errorf("storage: next seq: %w", err)
	}
	return next, nil
}

func (s *PGStore) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, data FROM sources ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list sources: %w", err)
	}
	defer rows.Close()

	out := []model.Source{}
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("storage: scan source: %w", err)
		}
		var src model.Source
		if err := json.Unmarshal(data, &src); err != nil {
			s.logger.Warn("storage: skipping unreadable source", "id", id, "error", err)
			continue
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list sources: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetSource(ctx context.Context, id string) (model.Source, error) {
	var src model.Source
	if err := s.getJSON(ctx, &src, `SELECT data FROM sources WHERE id = $1`, id); err != nil {
		return model.Source{}, pgNotFound(err, "get source "+id)
	}
	return src, nil
}

func (s *PGStore) SaveSource(ctx context.Context, src model.Source) error {
	if err := checkID(src.ID); err != nil {
		return err
	}
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("storage: encode source: %w", err)
	}
	err = WithRetry(ctx, saveRetries, saveRetryDelay, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO sources (id, data, created_at) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`,
			src.ID, string(data), src.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: save source %s: %w", src.ID, err)
	}
	return nil
}

func (s *PGStore) DeleteSource(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete source %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PGStore) getJSON(ctx context.Context, v any, query string, args ...any) error {
	var data []byte
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&data); err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func pgNotFound(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("storage: %s: %w", op, err)
}
