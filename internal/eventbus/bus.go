// Package eventbus fans live run events out to observers of a delivery.
//
// Each delivery id is a topic with a bounded replay buffer, so an observer
// that connects mid-run first sees what it missed. Delivery to subscribers
// never blocks the publisher: every subscriber owns an unbounded queue that
// a pump goroutine drains into its channel. Nothing is persisted.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/jakeops/internal/model"
)

// DefaultReplaySize is the number of events retained per topic.
const DefaultReplaySize = 2000

// Bus is an in-process, per-delivery publish/subscribe hub.
type Bus struct {
	mu         sync.Mutex
	replaySize int
	buffers    map[string][]model.LiveEvent
	subs       map[string]map[*subscriber]struct{}
	epochs     map[string]uint64
	logger     *slog.Logger
}

// New creates a Bus. replaySize <= 0 uses DefaultReplaySize.
func New(replaySize int, logger *slog.Logger) *Bus {
	if replaySize <= 0 {
		replaySize = DefaultReplaySize
	}
	return &Bus{
		replaySize: replaySize,
		buffers:    make(map[string][]model.LiveEvent),
		subs:       make(map[string]map[*subscriber]struct{}),
		epochs:     make(map[string]uint64),
		logger:     logger,
	}
}

// Publish appends ev to the topic's replay buffer and queues it for every
// current subscriber. Publishing to a closed topic starts a fresh buffer.
func (b *Bus) Publish(id string, ev model.LiveEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := append(b.buffers[id], ev)
	if over := len(buf) - b.replaySize; over > 0 {
		// Drop the oldest entries and let the backing array be reclaimed.
		buf = append(buf[:0:0], buf[over:]...)
	}
	b.buffers[id] = buf

	for s := range b.subs[id] {
		s.enqueue(ev)
	}
}

// Subscribe returns a channel that first replays the topic's buffer and then
// carries every later event until the topic is closed, ctx is done, or the
// returned cancel func is called. The channel is closed at the end.
func (b *Bus) Subscribe(ctx context.Context, id string) (<-chan model.LiveEvent, func()) {
	s := &subscriber{
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		out:    make(chan model.LiveEvent),
	}

	b.mu.Lock()
	s.queue = append(s.queue, b.buffers[id]...)
	if b.subs[id] == nil {
		b.subs[id] = make(map[*subscriber]struct{})
	}
	b.subs[id][s] = struct{}{}
	b.mu.Unlock()

	if len(s.queue) > 0 {
		s.signal()
	}

	go func() {
		s.pump(ctx)
		b.remove(id, s)
	}()

	return s.out, s.cancel
}

// Close ends every current subscription to id and drops its replay buffer.
func (b *Bus) Close(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked(id)
}

func (b *Bus) closeLocked(id string) {
	for s := range b.subs[id] {
		s.finish()
	}
	delete(b.subs, id)
	delete(b.buffers, id)
	b.epochs[id]++
}

// Begin opens a fresh topic for a new run on id and returns its epoch. The
// topic is live from here on, before the first event is published. If an
// earlier run's topic is still open its subscribers are finished and its
// replay dropped; observers that subscribed while no topic existed stay on
// for the new run. A pending CloseAfter from an earlier run becomes a no-op.
func (b *Bus) Begin(id string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, open := b.buffers[id]; open {
		for s := range b.subs[id] {
			s.finish()
		}
		delete(b.subs, id)
	}
	b.buffers[id] = []model.LiveEvent{}
	b.epochs[id]++
	return b.epochs[id]
}

// CloseAfter closes id once d has elapsed, unless another run has begun on
// it in the meantime. It does not block.
func (b *Bus) CloseAfter(id string, epoch uint64, d time.Duration) {
	time.AfterFunc(d, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.epochs[id] != epoch {
			return
		}
		b.closeLocked(id)
		if b.logger != nil {
			b.logger.Debug("eventbus: topic closed", "delivery_id", id)
		}
	})
}

// IsActive reports whether id has an open topic: a run has begun on it, or
// events were published, and it has not been closed since.
func (b *Bus) IsActive(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.buffers[id]
	return ok
}

// Stats returns the number of live topics and subscribers.
func (b *Bus) Stats() (topics, subscribers int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subs {
		subscribers += len(subs)
	}
	return len(b.buffers), subscribers
}

func (b *Bus) remove(id string, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subs[id]
	if !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(b.subs, id)
	}
}

type subscriber struct {
	mu       sync.Mutex
	queue    []model.LiveEvent
	finished bool

	notify   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	out      chan model.LiveEvent
}

func (s *subscriber) enqueue(ev model.LiveEvent) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

// finish marks the end of the topic. Already queued events still drain.
func (s *subscriber) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) cancel() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *subscriber) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump moves queued events to out in order and closes out when the topic
// finishes or the subscriber goes away.
func (s *subscriber) pump(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		finished := s.finished
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if finished {
			return
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}
