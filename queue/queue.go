// Package queue implements a single bounded FIFO channel of ready
// executions with one of three overflow policies (spec §4.4).
package queue

import (
	"fmt"

	"github.com/minisource/evertask/ekind"
	"github.com/minisource/evertask/model"
)

// FullBehavior selects what happens when a producer hits a full queue.
type FullBehavior int

const (
	// Wait blocks the producer until space is available.
	Wait FullBehavior = iota
	// Reject returns ekind.ErrQueueFull immediately.
	Reject
	// FallbackToDefault re-attempts the enqueue on the default queue.
	FallbackToDefault
)

// Item is one ready execution moving through a queue.
type Item struct {
	Task *model.PersistedTask
}

// Queue is a bounded FIFO channel with a configured overflow policy.
type Queue struct {
	Name     string
	Behavior FullBehavior
	ch       chan Item
}

// New creates a queue with the given name, capacity and overflow policy.
func New(name string, capacity int, behavior FullBehavior) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{Name: name, Behavior: behavior, ch: make(chan Item, capacity)}
}

// Chan exposes the receiving end for worker pools to range over.
func (q *Queue) Chan() <-chan Item {
	return q.ch
}

// Len reports the number of items currently queued.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap reports the queue's configured capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// push always blocks until space is available; used internally once a
// Wait-policy decision has been made.
func (q *Queue) push(item Item) {
	q.ch <- item
}

// TryPush attempts a non-blocking enqueue regardless of policy, returning
// false immediately if the queue is full (spec §4.4 "tryQueue(task)").
func (q *Queue) TryPush(item Item) bool {
	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

// Push enqueues item honoring the queue's configured FullBehavior. fallback,
// if non-nil, is the default queue used by FallbackToDefault; passing nil
// (the queue itself is the default) causes a full fallback attempt to
// surface ekind.ErrQueueFull, per spec §4.4.
func (q *Queue) Push(item Item, fallback *Queue) error {
	switch q.Behavior {
	case Wait:
		q.push(item)
		return nil
	case Reject:
		if q.TryPush(item) {
			return nil
		}
		return ekind.New(ekind.QueueFull, item.Task.ID, fmt.Errorf("%w: queue %q", ekind.ErrQueueFull, q.Name))
	case FallbackToDefault:
		if q.TryPush(item) {
			return nil
		}
		if fallback == nil || fallback == q {
			return ekind.New(ekind.QueueFull, item.Task.ID, fmt.Errorf("%w: queue %q (is the default)", ekind.ErrQueueFull, q.Name))
		}
		if fallback.TryPush(item) {
			return nil
		}
		return ekind.New(ekind.QueueFull, item.Task.ID, fmt.Errorf("%w: queue %q and fallback %q", ekind.ErrQueueFull, q.Name, fallback.Name))
	default:
		q.push(item)
		return nil
	}
}
