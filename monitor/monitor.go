// Package monitor implements the lifecycle-event fan-out: a publisher with
// a read-mostly subscriber list, dispatching fire-and-forget to each
// subscriber under a recover() so a broken subscriber can never crash the
// engine (spec §5/§7 "mandatory exception capture to prevent unobserved-
// failure crashes").
package monitor

import (
	"sync"

	"github.com/minisource/evertask/logging"
)

// EventKind names a lifecycle event.
type EventKind string

const (
	EventDispatched EventKind = "Dispatched"
	EventQueued     EventKind = "Queued"
	EventStarted    EventKind = "Started"
	EventCompleted  EventKind = "Completed"
	EventFailed     EventKind = "Failed"
	EventRetrying   EventKind = "Retrying"
	EventCancelled  EventKind = "Cancelled"
)

// Event is published to every subscriber on a lifecycle transition.
type Event struct {
	Kind   EventKind
	TaskID string
	Type   string
	Err    error
}

// Subscriber receives fan-out events. Implementations should return quickly;
// Publish already runs each subscriber call in its own goroutine.
type Subscriber func(Event)

// Publisher is a thread-safe list of subscribers.
type Publisher struct {
	mu   sync.RWMutex
	subs []Subscriber
}

// New creates an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Subscribe registers fn and returns an unsubscribe function.
func (p *Publisher) Subscribe(fn Subscriber) (unsubscribe func()) {
	p.mu.Lock()
	idx := len(p.subs)
	p.subs = append(p.subs, fn)
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if idx < len(p.subs) {
			p.subs[idx] = nil
		}
	}
}

// Publish fans event out to every subscriber, fire-and-forget, each call
// isolated by its own recover() so a panicking subscriber is logged and
// never propagates into the executor (spec §7 "Monitoring subscriber
// failure ... captured and logged; never propagates into executor").
func (p *Publisher) Publish(event Event) {
	p.mu.RLock()
	subs := make([]Subscriber, len(p.subs))
	copy(subs, p.subs)
	p.mu.RUnlock()

	logger := logging.For("monitor")
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		go func(fn Subscriber) {
			defer func() {
				if r := recover(); r != nil {
					logger.WithField("panic", r).Error("monitor subscriber panicked")
				}
			}()
			fn(event)
		}(sub)
	}
}
