package proxyvisor

import (
	"sync"
	"time"
)

// SystemInstance tags events that belong to no single instance.
const SystemInstance = "system"

// EventKind classifies a LogEvent.
type EventKind string

const (
	EventOutput    EventKind = "output"
	EventLifecycle EventKind = "lifecycle"
	EventError     EventKind = "error"
)

// LogEvent is one line attributed to an instance.
type LogEvent struct {
	Instance string    `json:"instance"`
	RunID    string    `json:"runId,omitempty"`
	Kind     EventKind `json:"kind"`
	Line     string    `json:"line"`
	Time     time.Time `json:"time"`
}

// Subscription receives LogEvents published after it was created.
type Subscription struct {
	C <-chan LogEvent

	ch     chan LogEvent
	bus    *LogBus
	once   sync.Once
	closed bool
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// LogBus fans LogEvents out to subscribers without ever blocking the
// publisher. A subscriber that falls behind loses events.
type LogBus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewLogBus() *LogBus {
	return &LogBus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber with the given channel buffer.
func (b *LogBus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan LogEvent, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers ev to every subscriber that has room for it.
func (b *LogBus) Publish(ev LogEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			eventsDropped.Inc()
		}
	}
}

// Close closes every subscription. Later publishes are discarded.
func (b *LogBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.closed = true
		close(sub.ch)
		delete(b.subs, sub)
	}
}

func (b *LogBus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub)
	close(sub.ch)
}
