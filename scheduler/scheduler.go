// Package scheduler replaces the teacher's 1-second time.Ticker poll with a
// min-heap of pending due-times and a single-bit wake signal: the loop
// sleeps exactly until the earliest entry is due (or indefinitely when
// empty), burning zero CPU while idle and waking immediately when a new,
// earlier-due entry is added (spec §4.3 "Redesign flags").
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/minisource/evertask/logging"
)

// FireFunc is invoked once a task's due instant has arrived. It runs on the
// scheduler's own goroutine and must not block; callers typically hand off
// to a queue manager's Enqueue (itself fast, or Wait-blocking by design) in
// a short-lived goroutine if back-pressure is possible.
type FireFunc func(ctx context.Context, taskID string)

// Scheduler tracks one due-instant per task id and fires FireFunc exactly
// once per entry, in due-time order.
type Scheduler struct {
	mu      sync.Mutex
	h       timeHeap
	byTask  map[string]*entry
	wake    chan struct{}
	fire    FireFunc
	clock   func() time.Time
}

// New creates a Scheduler that invokes fire for each due entry. now lets
// tests inject a fake clock; pass time.Now in production.
func New(fire FireFunc, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		byTask: make(map[string]*entry),
		wake:   make(chan struct{}, 1),
		fire:   fire,
		clock:  now,
	}
	heap.Init(&s.h)
	return s
}

// signalWake is non-blocking: the wake channel only ever needs to carry the
// fact "something changed", never a count.
func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Schedule registers (or reschedules) taskID to fire at dueUTC. Calling it
// again for an already-scheduled id moves the existing entry rather than
// creating a duplicate.
func (s *Scheduler) Schedule(taskID string, dueUTC time.Time) {
	s.mu.Lock()
	if e, ok := s.byTask[taskID]; ok {
		e.DueUTC = dueUTC
		heap.Fix(&s.h, e.index)
	} else {
		e := &entry{DueUTC: dueUTC, TaskID: taskID}
		heap.Push(&s.h, e)
		s.byTask[taskID] = e
	}
	s.mu.Unlock()
	s.signalWake()
}

// Cancel removes taskID's pending entry, if any, reporting whether one was
// found (used when a cancel races a not-yet-fired scheduled run).
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byTask[taskID]
	if !ok {
		return false
	}
	heap.Remove(&s.h, e.index)
	delete(s.byTask, taskID)
	return true
}

// Len reports the number of pending entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.Len()
}

// nextDue peeks the earliest entry's due time and whether the heap is
// non-empty.
func (s *Scheduler) nextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h.Len() == 0 {
		return time.Time{}, false
	}
	return s.h[0].DueUTC, true
}

// popDue removes and returns every entry whose DueUTC has arrived.
func (s *Scheduler) popDue(now time.Time) []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*entry
	for s.h.Len() > 0 && !s.h[0].DueUTC.After(now) {
		e := heap.Pop(&s.h).(*entry)
		delete(s.byTask, e.TaskID)
		due = append(due, e)
	}
	return due
}

// Run drives the wake loop until ctx is cancelled. It blocks on a timer set
// to the earliest pending due time, or indefinitely when idle, and is woken
// early by Schedule via the wake channel (spec §4.3 "sleep until
// earliest, wake on insert").
func (s *Scheduler) Run(ctx context.Context) {
	logger := logging.For("scheduler")
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	armed := false
	for {
		due, ok := s.nextDue()
		if ok {
			d := due.Sub(s.clock())
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
			armed = true
		} else if armed {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			armed = false
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			if armed {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				armed = false
			}
			continue
		case <-timer.C:
			armed = false
			for _, e := range s.popDue(s.clock()) {
				logger.WithField("task", e.TaskID).Debug("task due, firing")
				s.fire(ctx, e.TaskID)
			}
		}
	}
}
