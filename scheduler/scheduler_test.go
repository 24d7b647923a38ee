package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fireRecorder struct {
	mu    sync.Mutex
	fired []string
}

func (r *fireRecorder) fire(ctx context.Context, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, taskID)
}

func (r *fireRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fired...)
}

func TestScheduleFiresAtDueTime(t *testing.T) {
	rec := &fireRecorder{}
	s := New(rec.fire, time.Now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Schedule("task-1", time.Now().Add(30*time.Millisecond))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"task-1"}, rec.snapshot())
}

func TestScheduleAgainMovesExistingEntryInsteadOfDuplicating(t *testing.T) {
	rec := &fireRecorder{}
	s := New(rec.fire, time.Now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Schedule("task-1", time.Now().Add(time.Hour))
	assert.Equal(t, 1, s.Len())
	s.Schedule("task-1", time.Now().Add(20*time.Millisecond))
	assert.Equal(t, 1, s.Len())

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCancelRemovesPendingEntry(t *testing.T) {
	rec := &fireRecorder{}
	s := New(rec.fire, time.Now)

	s.Schedule("task-1", time.Now().Add(time.Hour))
	assert.True(t, s.Cancel("task-1"))
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Cancel("task-1"), "cancelling again should report nothing was found")
}

func TestRunIdlesWithoutFiringWhenEmpty(t *testing.T) {
	rec := &fireRecorder{}
	s := New(rec.fire, time.Now)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()

	assert.Empty(t, rec.snapshot())
}

func TestShardedRoutingIsStablePerTaskID(t *testing.T) {
	rec := &fireRecorder{}
	sh := NewSharded(4, rec.fire, time.Now)

	ids := []string{"a", "b", "c", "d", "e", "f", "-2147483648", ""}
	for _, id := range ids {
		shard := sh.shardFor(id)
		require.NotNil(t, shard)
		assert.Same(t, shard, sh.shardFor(id), "routing for %q must be stable across calls", id)
	}
}

func TestShardedLenAggregatesAcrossShards(t *testing.T) {
	rec := &fireRecorder{}
	sh := NewSharded(3, rec.fire, time.Now)

	for i := 0; i < 9; i++ {
		sh.Schedule(string(rune('a'+i)), time.Now().Add(time.Hour))
	}
	assert.Equal(t, 9, sh.Len())
}

func TestShardedRunFiresOnCorrectShard(t *testing.T) {
	rec := &fireRecorder{}
	sh := NewSharded(4, rec.fire, time.Now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sh.Run(ctx)

	sh.Schedule("task-x", time.Now().Add(20*time.Millisecond))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"task-x"}, rec.snapshot())
}
