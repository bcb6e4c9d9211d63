package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ashita-ai/jakeops/internal/model"
)

// FileStore keeps every record as a JSON file under one directory:
//
//	<dir>/deliveries/<id>/delivery.json
//	<dir>/deliveries/<id>/run-<runID>.transcript.json
//	<dir>/sources/<id>.json
//	<dir>/seq
//
// Writes go to a temp file in the same directory and are renamed into place,
// so readers never see a partial record.
type FileStore struct {
	dir    string
	logger *slog.Logger
	seqMu  sync.Mutex
}

// NewFileStore creates the directory layout under dir.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("storage: data dir is required")
	}
	for _, sub := range []string{"deliveries", "sources"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("storage: create %s dir: %w", sub, err)
		}
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) deliveryDir(id string) string {
	return filepath.Join(s.dir, "deliveries", id)
}

func (s *FileStore) ListDeliveries(_ context.Context) ([]model.Delivery, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "deliveries"))
	if err != nil {
		return nil, fmt.Errorf("storage: list deliveries: %w", err)
	}
	out := make([]model.Delivery, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || checkID(e.Name()) != nil {
			continue
		}
		path := filepath.Join(s.deliveryDir(e.Name()), "delivery.json")
		var d model.Delivery
		if err := readJSON(path, &d); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("storage: skipping unreadable delivery", "path", path, "error", err)
			}
			continue
		}
		out = append(out, d)
	}
	sortDeliveries(out)
	return out, nil
}

func (s *FileStore) GetDelivery(_ context.Context, id string) (model.Delivery, error) {
	if checkID(id) != nil {
		return model.Delivery{}, ErrNotFound
	}
	var d model.Delivery
	if err := readJSON(filepath.Join(s.deliveryDir(id), "delivery.json"), &d); err != nil {
		return model.Delivery{}, notFound(err, "get delivery "+id)
	}
	return d, nil
}

func (s *FileStore) SaveDelivery(_ context.Context, d model.Delivery) error {
	if err := checkID(d.ID); err != nil {
		return err
	}
	dir := s.deliveryDir(d.ID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("storage: create delivery dir: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(dir, "delivery.json"), d); err != nil {
		return fmt.Errorf("storage: save delivery %s: %w", d.ID, err)
	}
	return nil
}

func transcriptName(runID string) string {
	return "run-" + runID + ".transcript.json"
}

func (s *FileStore) GetRunTranscript(_ context.Context, id, runID string) (model.Transcript, error) {
	if checkID(id, runID) != nil {
		return model.Transcript{}, ErrNotFound
	}
	var t model.Transcript
	if err := readJSON(filepath.Join(s.deliveryDir(id), transcriptName(runID)), &t); err != nil {
		return model.Transcript{}, notFound(err, "get transcript "+id+"/"+runID)
	}
	return t, nil
}

func (s *FileStore) SaveRunTranscript(_ context.Context, id, runID string, t model.Transcript) error {
	if err := checkID(id, runID); err != nil {
		return err
	}
	dir := s.deliveryDir(id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("storage: create delivery dir: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(dir, transcriptName(runID)), t); err != nil {
		return fmt.Errorf("storage: save transcript %s/%s: %w", id, runID, err)
	}
	return nil
}

func (s *FileStore) NextSeq(_ context.Context) (int64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	path := filepath.Join(s.dir, "seq")
	var cur int64
	raw, err := os.ReadFile(path) //nolint:gosec // path is under the configured data dir
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return 0, fmt.Errorf("storage: read seq: %w", err)
	default:
		if cur, err = strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64); err != nil {
			return 0, fmt.Errorf("storage: parse seq: %w", err)
		}
	}
	next := cur + 1
	if err := writeFileAtomic(path, []byte(strconv.FormatInt(next, 10)+"\n")); err != nil {
		return 0, fmt.Errorf("storage: write seq: %w", err)
	}
	return next, nil
}

func (s *FileStore) sourcePath(id string) string {
	return filepath.Join(s.dir, "sources", id+".json")
}

func (s *FileStore) ListSources(_ context.Context) ([]model.Source, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "sources"))
	if err != nil {
		return nil, fmt.Errorf("storage: list sources: %w", err)
	}
	out := make([]model.Source, 0, len(entries))
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".json")
		if e.IsDir() || !ok || checkID(id) != nil {
			continue
		}
		var src model.Source
		if err := readJSON(s.sourcePath(id), &src); err != nil {
			s.logger.Warn("storage: skipping unreadable source", "id", id, "error", err)
			continue
		}
		out = append(out, src)
	}
	sortSources(out)
	return out, nil
}

func (s *FileStore) GetSource(_ context.Context, id string) (model.Source, error) {
	if checkID(id) != nil {
		return model.Source{}, ErrNotFound
	}
	var src model.Source
	if err := readJSON(s.sourcePath(id), &src); err != nil {
		return model.Source{}, notFound(err, "get source "+id)
	}
	return src, nil
}

func (s *FileStore) SaveSource(_ context.Context, src model.Source) error {
	if err := checkID(src.ID); err != nil {
		return err
	}
	if err := writeJSONAtomic(s.sourcePath(src.ID), src); err != nil {
		return fmt.Errorf("storage: save source %s: %w", src.ID, err)
	}
	return nil
}

func (s *FileStore) DeleteSource(_ context.Context, id string) error {
	if checkID(id) != nil {
		return ErrNotFound
	}
	if err := os.Remove(s.sourcePath(id)); err != nil {
		return notFound(err, "delete source "+id)
	}
	return nil
}

// Ping checks that the data directory is still reachable.
func (s *FileStore) Ping(_ context.Context) error {
	if _, err := os.Stat(s.dir); err != nil {
		return fmt.Errorf("storage: stat data dir: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func notFound(err error, op string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return fmt.Errorf("storage: %s: %w", op, err)
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path) //nolint:gosec // callers build path from validated ids
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(data, '\n'))
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
