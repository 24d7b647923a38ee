package scheduler

import (
	"container/heap"
	"time"
)

// entry is one pending wake-up: run task's due instant at DueUTC.
type entry struct {
	DueUTC time.Time
	TaskID string
	index  int
}

// timeHeap is a container/heap.Interface ordering entries by DueUTC, giving
// the scheduler O(log n) insert and O(1) peek-earliest instead of the
// teacher's O(n) poll-everything-every-tick (spec §4.3 "Redesign flags").
type timeHeap []*entry

func (h timeHeap) Len() int { return len(h) }
func (h timeHeap) Less(i, j int) bool { return h[i].DueUTC.Before(h[j].DueUTC) }
func (h timeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timeHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

var _ heap.Interface = (*timeHeap)(nil)
