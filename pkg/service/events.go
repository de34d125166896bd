package service

import (
	"context"
	"sync"
	"time"

	"github.com/cskr/pubsub"
)

// EventType names a lifecycle event topic.
type EventType string

const (
	EventOnline   EventType = "online"
	EventClosed   EventType = "closed"
	EventRejected EventType = "rejected"
)

// AllEvents lists every lifecycle topic.
var AllEvents = []EventType{EventOnline, EventClosed, EventRejected}

// Event describes one registry transition.
type Event struct {
	Type      EventType `json:"type"`
	Service   string    `json:"service"`
	Identity  string    `json:"identity,omitempty"`
	Remote    string    `json:"remote,omitempty"`
	Transport string    `json:"transport,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Time      time.Time `json:"time"`
}

type eventBus struct {
	mu     sync.RWMutex
	closed bool
	bus    *pubsub.PubSub
}

func newEventBus(capacity int) *eventBus {
	return &eventBus{bus: pubsub.New(capacity)}
}

// publish never blocks the registry; a subscriber with a full queue misses
// the event.
func (e *eventBus) publish(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	e.bus.TryPub(ev, string(ev.Type))
}

func (e *eventBus) subscribe(ctx context.Context, types ...EventType) <-chan Event {
	if len(types) == 0 {
		types = AllEvents
	}
	topics := make([]string, len(types))
	for i, t := range types {
		topics[i] = string(t)
	}

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		out := make(chan Event)
		close(out)
		return out
	}
	ch := e.bus.Sub(topics...)
	e.mu.RUnlock()

	out := make(chan Event, cap(ch))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				// Unsub must run apart from the reader, which drains until
				// the bus closes ch.
				go e.unsubscribe(ch, topics)
				for range ch {
				}
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, ok := msg.(Event)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
				}
			}
		}
	}()
	return out
}

// unsubscribe is a no-op once the bus is shut down; Shutdown already
// closed every channel.
func (e *eventBus) unsubscribe(ch chan interface{}, topics []string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.closed {
		e.bus.Unsub(ch, topics...)
	}
}

func (e *eventBus) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.bus.Shutdown()
}
