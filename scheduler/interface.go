package scheduler

import (
	"context"
	"time"
)

// Runner is satisfied by both Scheduler and Sharded; the engine depends on
// this interface so swapping in the sharded variant (spec §4.3
// useShardedScheduler) requires no change above this package.
type Runner interface {
	Schedule(taskID string, dueUTC time.Time)
	Cancel(taskID string) bool
	Len() int
	Run(ctx context.Context)
}

var (
	_ Runner = (*Scheduler)(nil)
	_ Runner = (*Sharded)(nil)
)
