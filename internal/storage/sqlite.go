package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/jakeops/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS deliveries (
	id         TEXT PRIMARY KEY,
	seq        INTEGER NOT NULL,
	repository TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS deliveries_seq_idx ON deliveries (seq DESC);

CREATE TABLE IF NOT EXISTS run_transcripts (
	delivery_id TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	data        TEXT NOT NULL,
	PRIMARY KEY (delivery_id, run_id)
);

CREATE TABLE IF NOT EXISTS sources (
	id         TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS counters (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
INSERT OR IGNORE INTO counters (name, value) VALUES ('delivery_seq', 0);
`

// SQLiteStore keeps records as JSON documents in a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("storage: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("storage: create sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// One connection keeps the pragmas below in effect for every statement.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: pragma %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) ListDeliveries(ctx context.Context) ([]model.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM deliveries ORDER BY seq DESC, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Delivery
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("storage: scan delivery: %w", err)
		}
		var d model.Delivery
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			s.logger.Warn("storage: skipping unreadable delivery", "id", id, "error", err)
			continue
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list deliveries: %w", err)
	}
	if out == nil {
		out = []model.Delivery{}
	}
	return out, nil
}

func (s *SQLiteStore) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
	var d model.Delivery
	err := s.getJSON(ctx, &d, `SELECT data FROM deliveries WHERE id = ?`, id)
	if err != nil {
		return model.Delivery{}, wrapGet(err, "get delivery "+id)
	}
	return d, nil
}

func (s *SQLiteStore) SaveDelivery(ctx context.Context, d model.Delivery) error {
	if err := checkID(d.ID); err != nil {
		return err
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("storage: encode delivery: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deliveries (id, seq, repository, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			seq = excluded.seq,
			repository = excluded.repository,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		d.ID, d.Seq, d.Repository, string(data),
		d.CreatedAt.UTC().Format(time.RFC3339Nano), d.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("storage: save delivery %s: %w", d.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRunTranscript(ctx context.Context, id, runID string) (model.Transcript, error) {
	var t model.Transcript
	err := s.getJSON(ctx, &t, `SELECT data FROM run_transcripts WHERE delivery_id = ? AND run_id = ?`, id, runID)
	if err != nil {
		return model.Transcript{}, wrapGet(err, "get transcript "+id+"/"+runID)
	}
	return t, nil
}

func (s *SQLiteStore) SaveRunTranscript(ctx context.Context, id, runID string, t model.Transcript) error {
	if err := checkID(id, runID); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("storage: encode transcript: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_transcripts (delivery_id, run_id, data) VALUES (?, ?, ?)
		ON CONFLICT (delivery_id, run_id) DO UPDATE SET data = excluded.data`,
		id, runID, string(data))
	if err != nil {
		return fmt.Errorf("storage: save transcript %s/%s: %w", id, runID, err)
	}
	return nil
}

func (s *SQLiteStore) NextSeq(ctx context.Context) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE counters SET value = value + 1 WHERE name = 'delivery_seq' RETURNING value`,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("storage: next seq: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM sources ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []model.Source{}
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("storage: scan source: %w", err)
		}
		var src model.Source
		if err := json.Unmarshal([]byte(data), &src); err != nil {
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

func (s *SQLiteStore) GetSource(ctx context.Context, id string) (model.Source, error) {
	var src model.Source
	if err := s.getJSON(ctx, &src, `SELECT data FROM sources WHERE id = ?`, id); err != nil {
		return model.Source{}, wrapGet(err, "get source "+id)
	}
	return src, nil
}

func (s *SQLiteStore) SaveSource(ctx context.Context, src model.Source) error {
	if err := checkID(src.ID); err != nil {
		return err
	}
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("storage: encode source: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sources (id, data, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data`,
		src.ID, string(data), src.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("storage: save source %s: %w", src.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSource(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: delete source %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) getJSON(ctx context.Context, v any, query string, args ...any) error {
	var data string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&data); err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), v)
}

func wrapGet(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("storage: %s: %w", op, err)
}
