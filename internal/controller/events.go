package controller

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kjanssen/vidcore/internal/source"
)

// EventKind classifies a controller-level event.
type EventKind int

const (
	EventAdded EventKind = iota
	EventStateChanged
	EventHealthChanged
	EventRemoved
	EventQuarantined
	// EventCircuitOpened fires when a source's circuit breaker trips,
	// either from accumulated failures or a forced Permanent-error open.
	EventCircuitOpened
	// EventCircuitClosed fires when a source's circuit breaker returns
	// to Closed after a successful half-open probe or an explicit Reset.
	EventCircuitClosed
)

// Event is offered once to every current subscriber; a subscriber whose
// buffer is full when the event is published misses it. EventID lets a
// consumer dedup events it has already seen, e.g. after a reconnect.
type Event struct {
	EventID  uuid.UUID
	SourceID source.ID
	Kind     EventKind
	State    source.LifecycleState
	Healthy  bool
	Err      error
	// Until is set on EventCircuitOpened: the earliest time the breaker
	// will consider a half-open probe.
	Until time.Time
}

// subscription is one consumer's event channel. Slow consumers are
// dropped from, not blocking, future publishes — the channel is
// buffered and a full channel just skips that subscriber for that event.
type subscription struct {
	id uuid.UUID
	ch chan Event
}

// eventBus fans out controller events to every active subscriber.
type eventBus struct {
	mu   sync.RWMutex
	subs []*subscription
}

func newEventBus() *eventBus {
	return &eventBus{}
}

// Subscribe returns a channel of future events and an unsubscribe func.
// The channel is buffered; a subscriber that falls behind misses events
// rather than stalling publishers.
func (b *eventBus) Subscribe(bufferDepth int) (<-chan Event, func()) {
	if bufferDepth < 1 {
		bufferDepth = 32
	}
	sub := &subscription{id: uuid.New(), ch: make(chan Event, bufferDepth)}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return sub.ch, unsubscribe
}

// Publish delivers ev to every current subscriber, tagging it with a
// fresh EventID. A subscriber with a full buffer is skipped for this
// event rather than blocking the publisher.
func (b *eventBus) Publish(ev Event) {
	ev.EventID = uuid.New()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
