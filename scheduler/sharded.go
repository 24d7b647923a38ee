package scheduler

import (
	"context"
	"hash/fnv"
	"time"
)

// Sharded fans a single logical scheduler out over N independent
// Scheduler instances, each with its own heap and mutex, so that under high
// task counts Schedule/Cancel contention is divided by N (spec §4.3
// "useShardedScheduler(N)", an opt-in scaling knob, never auto-enabled).
type Sharded struct {
	shards []*Scheduler
}

// NewSharded creates n independent shards, each invoking fire for its own
// due entries.
func NewSharded(n int, fire FireFunc, now func() time.Time) *Sharded {
	if n < 1 {
		n = 1
	}
	sh := &Sharded{shards: make([]*Scheduler, n)}
	for i := range sh.shards {
		sh.shards[i] = New(fire, now)
	}
	return sh
}

// shardFor routes taskID to a stable shard via an unsigned hash, so repeated
// Schedule calls for the same id always land on the same shard.
func (s *Sharded) shardFor(taskID string) *Scheduler {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *Sharded) Schedule(taskID string, dueUTC time.Time) {
	s.shardFor(taskID).Schedule(taskID, dueUTC)
}

func (s *Sharded) Cancel(taskID string) bool {
	return s.shardFor(taskID).Cancel(taskID)
}

func (s *Sharded) Len() int {
	total := 0
	for _, sh := range s.shards {
		total += sh.Len()
	}
	return total
}

// Run starts every shard's loop and blocks until ctx is cancelled and all
// shards have returned.
func (s *Sharded) Run(ctx context.Context) {
	done := make(chan struct{}, len(s.shards))
	for _, sh := range s.shards {
		go func(sh *Scheduler) {
			sh.Run(ctx)
			done <- struct{}{}
		}(sh)
	}
	for range s.shards {
		<-done
	}
}
