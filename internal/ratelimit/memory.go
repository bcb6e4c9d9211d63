package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

const sweepInterval = time.Minute

// MemoryLimiter is a per-key limiter held in process memory. It implements
// the generic cell rate algorithm: each key stores only the time at which
// its budget would be fully restored, and a request is admitted when moving
// that time one interval forward keeps it within burst intervals of now.
// The result matches a token bucket of size burst refilled at rate.
//
// A key whose restore time has passed has its full burst again, so it is
// indistinguishable from an unseen key and the sweep drops it.
type MemoryLimiter struct {
	interval time.Duration // cost of one request
	window   time.Duration // interval * burst

	now func() time.Time

	mu     sync.Mutex
	tat    map[string]time.Time
	closed chan struct{}
	once   sync.Once
}

// NewMemoryLimiter admits rate requests per second per key, with bursts of
// up to burst. A rate or burst <= 0 denies everything. Call Close to stop
// the background sweep.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		interval: time.Duration(math.MaxInt64),
		now:      time.Now,
		tat:      make(map[string]time.Time),
		closed:   make(chan struct{}),
	}
	if rate > 0 && burst > 0 {
		m.interval = time.Duration(float64(time.Second) / rate)
		m.window = m.interval * time.Duration(burst)
	}
	go m.sweepLoop()
	return m
}

// Allow admits one request for key if its budget allows.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	ok, _ := m.reserve(key)
	return ok, nil
}

// Delay reports how long key must wait before its next request is
// admitted. Zero means it would be admitted now.
func (m *MemoryLimiter) Delay(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, wait := m.check(key, m.now())
	return wait
}

func (m *MemoryLimiter) reserve(key string) (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	next, wait := m.check(key, now)
	if wait > 0 {
		return false, wait
	}
	m.tat[key] = next
	return true, 0
}

// check returns the restore time key would have after one more request, and
// how long that request would have to wait. Callers hold m.mu.
func (m *MemoryLimiter) check(key string, now time.Time) (time.Time, time.Duration) {
	if m.window == 0 {
		return now, m.interval
	}
	tat, ok := m.tat[key]
	if !ok || tat.Before(now) {
		tat = now
	}
	next := tat.Add(m.interval)
	if over := next.Sub(now) - m.window; over > 0 {
		return tat, over
	}
	return next, 0
}

// Close stops the sweep. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *MemoryLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.closed:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep drops keys that are back to a full budget.
func (m *MemoryLimiter) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for key, tat := range m.tat {
		if !tat.After(now) {
			delete(m.tat, key)
		}
	}
}

func (m *MemoryLimiter) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tat)
}
