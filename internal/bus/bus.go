// Package bus fans control events out to every connected observer.
package bus

import (
	"sync"

	"github.com/iksnae/mindmap/internal/protocol"
	"go.uber.org/zap"
)

// DefaultBuffer is the subscriber channel size used when none is given
const DefaultBuffer = 256

type subscriber struct {
	ch    chan protocol.Envelope
	types map[string]bool
}

func (s *subscriber) wants(eventType string) bool {
	return len(s.types) == 0 || s.types[eventType]
}

// Bus delivers published envelopes to subscribers in publish order. Publish
// never blocks: a subscriber whose buffer is full is dropped and its channel
// closed, so one stalled observer cannot hold up the controller.
type Bus struct {
	logger *zap.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
	closed bool
}

// New creates an empty bus
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger.Named("bus"),
		subs:   make(map[int]*subscriber),
	}
}

// Publish sends env to every interested subscriber
func (b *Bus) Publish(env protocol.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, s := range b.subs {
		if !s.wants(env.EventType) {
			continue
		}
		select {
		case s.ch <- env:
		default:
			b.logger.Warn("Dropping slow subscriber",
				zap.Int("subscriber", id),
				zap.String("event_type", env.EventType))
			delete(b.subs, id)
			close(s.ch)
		}
	}
}

// Subscribe registers a subscriber for the given event types, or for all
// events when none are given. The returned cancel func unregisters it and
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int, types ...string) (<-chan protocol.Envelope, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &subscriber{ch: make(chan protocol.Envelope, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(s.ch)
		return s.ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = s

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			// the subscriber may already be gone if it was dropped or the bus closed
			if cur, ok := b.subs[id]; ok && cur == s {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
	return s.ch, cancel
}

// Subscribers returns the number of registered subscribers
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
	b.logger.Debug("Bus closed")
}
