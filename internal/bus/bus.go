// Package bus implements the in-process event bus: named-channel pub/sub with
// per-subscriber bounded queues.
//
// Delivery semantics: terminal events (phase_change, score_update,
// project_complete, project_failed) and conversation_update are lossless —
// when a subscriber's queue is full the publisher blocks briefly, then drops
// the subscriber entirely rather than the event. High-frequency events
// (conversation_chunk, heartbeat, log) are lossy per subscriber.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/CodeTumbler/internal/domain/event"
)

const (
	// DefaultQueueSize bounds each subscriber's event queue.
	DefaultQueueSize = 256
	// DefaultBlockWait is how long a publisher blocks on a full queue before
	// disconnecting the slow subscriber (lossless events only).
	DefaultBlockWait = time.Second
)

// Subscription is one registered consumer of bus events.
type Subscription struct {
	id      string
	project string              // "" matches every project
	types   map[event.Type]bool // nil matches every type
	ch      chan event.Event

	closeOnce sync.Once
	bus       *Bus
}

// Events returns the subscriber's receive channel. The channel is closed
// when the subscription is closed or the bus disconnects a slow consumer.
func (s *Subscription) Events() <-chan event.Event {
	return s.ch
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.remove(s, "closed by subscriber")
}

func (s *Subscription) matches(ev event.Event) bool {
	if s.project != "" && s.project != ev.Project {
		return false
	}
	if s.types != nil && !s.types[ev.Type] {
		return false
	}
	return true
}

// Bus is the process-wide event bus. Publishers never block indefinitely.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	queueSize int
	blockWait time.Duration
	log       *slog.Logger
}

// New creates a Bus with the given subscriber queue size and slow-subscriber
// grace interval. Zero values select the defaults.
func New(queueSize int, blockWait time.Duration, log *slog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if blockWait <= 0 {
		blockWait = DefaultBlockWait
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subs:      make(map[string]*Subscription),
		queueSize: queueSize,
		blockWait: blockWait,
		log:       log,
	}
}

// Subscribe registers a consumer. project == "" receives all projects;
// types == nil receives all event types.
func (b *Bus) Subscribe(project string, types ...event.Type) *Subscription {
	sub := &Subscription{
		id:      uuid.NewString(),
		project: project,
		ch:      make(chan event.Event, b.queueSize),
		bus:     b,
	}
	if len(types) > 0 {
		sub.types = make(map[event.Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// SubscriberCount returns the number of registered subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish fans the event out to every matching subscriber. Events published
// from a single goroutine arrive at each subscriber in publish order; no
// ordering holds across projects.
func (b *Bus) Publish(ev event.Event) {
	lossless := ev.Type.Terminal() || ev.Type == event.TypeConversationUpdate

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(ev) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		if !lossless {
			continue // lossy event, slow subscriber: drop the event
		}

		// Lossless event: give the subscriber a bounded grace interval,
		// then drop the subscriber rather than the event.
		timer := time.NewTimer(b.blockWait)
		select {
		case sub.ch <- ev:
			timer.Stop()
		case <-timer.C:
			b.remove(sub, "queue full on lossless event")
		}
	}
}

func (b *Bus) remove(sub *Subscription, reason string) {
	b.mu.Lock()
	_, present := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()

	sub.closeOnce.Do(func() {
		close(sub.ch)
		if present && reason != "closed by subscriber" {
			b.log.Warn("event bus subscriber disconnected",
				"subscriber", sub.id, "reason", reason)
		}
	})
}
