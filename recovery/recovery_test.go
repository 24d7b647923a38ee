package recovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minisource/evertask/clock"
	"github.com/minisource/evertask/model"
	"github.com/minisource/evertask/monitor"
	"github.com/minisource/evertask/queue"
	"github.com/minisource/evertask/queuemgr"
	"github.com/minisource/evertask/scheduler"
	"github.com/minisource/evertask/storage"
	"github.com/minisource/evertask/storage/redisstore"
)

func newTestRecovery(t *testing.T, now time.Time, pageSize int) (*Recovery, *storage.Memory, *queue.Queue, scheduler.Runner) {
	t.Helper()
	store := storage.NewMemory()
	defaultQueue := queue.New(queuemgr.DefaultQueueName, 1000, queue.Wait)
	mgr := queuemgr.New(map[string]*queue.Queue{queuemgr.DefaultQueueName: defaultQueue}, store)
	sched := scheduler.New(func(ctx context.Context, taskID string) {}, func() time.Time { return now })

	rec := &Recovery{
		Storage:   store,
		Scheduler: sched,
		QueueMgr:  mgr,
		Monitor:   monitor.New(),
		Clock:     clock.NewFake(now),
		PageSize:  pageSize,
	}
	return rec, store, defaultQueue, sched
}

func seedTask(t *testing.T, store *storage.Memory, id string, createdAt time.Time, status model.Status, scheduledAt *time.Time) {
	t.Helper()
	_, _, err := store.Persist(context.Background(), &model.PersistedTask{
		ID: id, Type: "demo", HandlerType: "demo", Status: status,
		CreatedAtUTC: createdAt, ScheduledExecutionUTC: scheduledAt,
	})
	require.NoError(t, err)
}

func TestRecoveryReEnqueuesDueTask(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec, store, q, _ := newTestRecovery(t, now, 100)

	seedTask(t, store, "t1", now.Add(-time.Hour), model.StatusPending, nil)

	require.NoError(t, rec.Run(context.Background()))
	assert.Equal(t, 1, q.Len())
}

func TestRecoveryReSchedulesFutureTask(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec, store, q, sched := newTestRecovery(t, now, 100)

	future := now.Add(time.Hour)
	seedTask(t, store, "t2", now.Add(-time.Hour), model.StatusPending, &future)

	require.NoError(t, rec.Run(context.Background()))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1, sched.Len())
}

func TestRecoveryReEnqueuesInProgressTaskFromCrash(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec, store, q, _ := newTestRecovery(t, now, 100)

	future := now.Add(time.Hour)
	seedTask(t, store, "t3", now.Add(-time.Hour), model.StatusInProgress, &future)

	require.NoError(t, rec.Run(context.Background()))
	assert.Equal(t, 1, q.Len(), "an InProgress task found at startup must be re-enqueued regardless of its scheduled time")
}

func TestRecoveryMarksInvalidRecurringScheduleFailed(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec, store, q, sched := newTestRecovery(t, now, 100)

	task := &model.PersistedTask{
		ID: "t4", Type: "demo", HandlerType: "demo", Status: model.StatusPending,
		CreatedAtUTC: now.Add(-time.Hour),
		Recurring:    &model.RecurringSchedule{}, // no base interval and no cron: invalid
	}
	_, _, err := store.Persist(context.Background(), task)
	require.NoError(t, err)

	require.NoError(t, rec.Run(context.Background()))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, sched.Len())

	stored, err := store.Get(context.Background(), "t4")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
}

// TestRecoveryIsolatesCorruptRowAndRecoversValidOnes exercises the
// per-row isolation fix end to end against a real RetrievePending
// implementation (redisstore, backed by miniredis): a row whose stored JSON
// cannot be deserialized must not abort the page or fail Recovery.Run, and
// every valid row around it must still be recovered (spec §4.7/§7).
func TestRecoveryIsolatesCorruptRowAndRecoversValidOnes(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := redisstore.NewWithClient(client)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	seedRedisTask(t, store, "good-1", now.Add(-2*time.Hour))

	const corruptID = "corrupt-1"
	require.NoError(t, client.Set(ctx, "evertask:task:"+corruptID, "{not-valid-json", 0).Err())
	require.NoError(t, client.ZAdd(ctx, "evertask:pending", redis.Z{
		Score: float64(now.Add(-90 * time.Minute).UnixNano()), Member: corruptID,
	}).Err())

	seedRedisTask(t, store, "good-2", now.Add(-time.Hour))

	defaultQueue := queue.New(queuemgr.DefaultQueueName, 1000, queue.Wait)
	mgr := queuemgr.New(map[string]*queue.Queue{queuemgr.DefaultQueueName: defaultQueue}, store)
	sched := scheduler.New(func(ctx context.Context, taskID string) {}, func() time.Time { return now })

	rec := &Recovery{
		Storage:   store,
		Scheduler: sched,
		QueueMgr:  mgr,
		Monitor:   monitor.New(),
		Clock:     clock.NewFake(now),
		PageSize:  100,
	}

	require.NoError(t, rec.Run(ctx))
	assert.Equal(t, 2, defaultQueue.Len(), "both valid tasks must be recovered despite the corrupt row between them")

	corrupt, err := store.Get(ctx, corruptID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, corrupt.Status, "the corrupt row must be marked Failed instead of crashing recovery")
}

func seedRedisTask(t *testing.T, store *redisstore.Store, id string, createdAt time.Time) {
	t.Helper()
	_, _, err := store.Persist(context.Background(), &model.PersistedTask{
		ID: id, Type: "demo", HandlerType: "demo", Status: model.StatusPending,
		CreatedAtUTC: createdAt,
	})
	require.NoError(t, err)
}

func TestRecoveryPaginatesAcrossMultiplePages(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec, store, q, _ := newTestRecovery(t, now, 3)

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("task-%02d", i)
		created := now.Add(-time.Hour).Add(time.Duration(i) * time.Second)
		seedTask(t, store, id, created, model.StatusPending, nil)
	}

	require.NoError(t, rec.Run(context.Background()))
	assert.Equal(t, 10, q.Len(), "every page must be walked, not just the first")
}
