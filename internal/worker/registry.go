// Package worker tracks the health of background loops for the status API.
package worker

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/ashita-ai/jakeops/internal/model"
)

// Registry records the last outcome of each registered worker. It is safe
// for concurrent use.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*model.WorkerStatus
	now     func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]*model.WorkerStatus),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register adds a worker, or updates its label, interval and enabled flag
// while keeping its counters.
func (r *Registry) Register(name, label string, interval time.Duration, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[name]
	if !ok {
		w = &model.WorkerStatus{Name: name}
		r.workers[name] = w
	}
	w.Label = label
	w.IntervalSec = int(interval / time.Second)
	w.Enabled = enabled
}

// RecordSuccess stores result as the latest outcome and clears the error.
func (r *Registry) RecordSuccess(name string, result any) {
	r.record(name, func(w *model.WorkerStatus) {
		w.LastResult = result
		w.LastError = ""
	})
}

// RecordError stores err as the latest outcome.
func (r *Registry) RecordError(name string, err error) {
	r.record(name, func(w *model.WorkerStatus) {
		w.LastResult = nil
		w.LastError = err.Error()
		w.ErrorCount++
	})
}

func (r *Registry) record(name string, fn func(*model.WorkerStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[name]
	if !ok {
		w = &model.WorkerStatus{Name: name, Label: name}
		r.workers[name] = w
	}
	now := r.now()
	w.LastRunAt = &now
	w.RunCount++
	fn(w)
}

// All returns a snapshot of every worker sorted by name.
func (r *Registry) All() []model.WorkerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.WorkerStatus, 0, len(r.workers))
	for _, w := range r.workers {
		cp := *w
		if w.LastRunAt != nil {
			t := *w.LastRunAt
			cp.LastRunAt = &t
		}
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b model.WorkerStatus) int { return cmp.Compare(a.Name, b.Name) })
	return out
}
