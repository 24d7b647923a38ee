package evertask

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minisource/evertask/config"
	"github.com/minisource/evertask/dispatcher"
	"github.com/minisource/evertask/ekind"
	"github.com/minisource/evertask/model"
	"github.com/minisource/evertask/queue"
	"github.com/minisource/evertask/queuemgr"
	"github.com/minisource/evertask/retry"
	"github.com/minisource/evertask/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Queues: []config.QueueConfig{
			{Name: queuemgr.DefaultQueueName, Capacity: 100, MaxParallelism: 2, Behavior: queue.Wait},
			{Name: queuemgr.RecurringQueueName, Capacity: 100, MaxParallelism: 2, Behavior: queue.Wait},
		},
		MaxDegreeOfParallelism: 2,
		ChannelCapacity:        100,
		DefaultRetryPolicy:     retry.Linear(1, 0),
		DefaultTimeout:         5 * time.Second,
	}
}

type recordingHandler struct {
	calls *atomic.Int32
	mu    *sync.Mutex
	seen  *[]string
}

func (h recordingHandler) Handle(ctx context.Context, request model.TaskRequest) error {
	h.calls.Add(1)
	h.mu.Lock()
	*h.seen = append(*h.seen, "ran")
	h.mu.Unlock()
	return nil
}

func startEngine(t *testing.T, engine *Engine) {
	t.Helper()
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = engine.Stop(ctx)
	})
}

func TestEndToEndImmediateDispatchRuns(t *testing.T) {
	calls := &atomic.Int32{}
	var mu sync.Mutex
	var seen []string

	engine := New(testConfig(), storage.NewMemory())
	engine.RegisterHandler("demo", func() model.Handler {
		return recordingHandler{calls: calls, mu: &mu, seen: &seen}
	}, model.HandlerConfig{})
	startEngine(t, engine)

	id, err := engine.Dispatch(context.Background(), "demo", map[string]string{"x": "1"}, dispatcher.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEndToEndAuditTrailRecordsFullLifecycle(t *testing.T) {
	calls := &atomic.Int32{}
	var mu sync.Mutex
	var seen []string

	store := storage.NewMemory()
	engine := New(testConfig(), store)
	engine.RegisterHandler("demo", func() model.Handler {
		return recordingHandler{calls: calls, mu: &mu, seen: &seen}
	}, model.HandlerConfig{})
	startEngine(t, engine)

	id, err := engine.Dispatch(context.Background(), "demo", nil, dispatcher.Options{AuditLevel: model.AuditStandard})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		task, err := store.Get(context.Background(), id)
		return err == nil && task.Status == model.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	var transitions []string
	require.Eventually(t, func() bool {
		transitions = nil
		for _, rec := range store.Audits() {
			if rec.TaskID != id {
				continue
			}
			transitions = append(transitions, string(rec.From)+"->"+string(rec.To))
		}
		return len(transitions) == 3
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{
		"Pending->Queued",
		"Queued->InProgress",
		"InProgress->Completed",
	}, transitions)
}

func TestEndToEndDelayedDispatchWaitsForDueTime(t *testing.T) {
	calls := &atomic.Int32{}
	var mu sync.Mutex
	var seen []string

	engine := New(testConfig(), storage.NewMemory())
	engine.RegisterHandler("demo", func() model.Handler {
		return recordingHandler{calls: calls, mu: &mu, seen: &seen}
	}, model.HandlerConfig{})
	startEngine(t, engine)

	delay := 60 * time.Millisecond
	_, err := engine.Dispatch(context.Background(), "demo", nil, dispatcher.Options{Delay: &delay})
	require.NoError(t, err)

	assert.Equal(t, int32(0), calls.Load(), "a delayed task must not run before its due time")
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEndToEndRecurringTaskRunsMultipleTimes(t *testing.T) {
	calls := &atomic.Int32{}
	var mu sync.Mutex
	var seen []string

	engine := New(testConfig(), storage.NewMemory())
	engine.RegisterHandler("demo", func() model.Handler {
		return recordingHandler{calls: calls, mu: &mu, seen: &seen}
	}, model.HandlerConfig{})
	startEngine(t, engine)

	_, err := engine.Dispatch(context.Background(), "demo", nil, dispatcher.Options{
		Recurring: &model.RecurringSchedule{Kind: model.IntervalSecond, Every: 1, RunNow: true, MaxRuns: intPtr(3)},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 5*time.Second, 20*time.Millisecond)
}

func TestEndToEndIdempotentTaskKeyDispatchesOnce(t *testing.T) {
	calls := &atomic.Int32{}
	var mu sync.Mutex
	var seen []string

	engine := New(testConfig(), storage.NewMemory())
	engine.RegisterHandler("demo", func() model.Handler {
		return recordingHandler{calls: calls, mu: &mu, seen: &seen}
	}, model.HandlerConfig{})
	startEngine(t, engine)

	delay := 200 * time.Millisecond
	id1, err := engine.Dispatch(context.Background(), "demo", nil, dispatcher.Options{TaskKey: "only-once", Delay: &delay})
	require.NoError(t, err)
	id2, err := engine.Dispatch(context.Background(), "demo", nil, dispatcher.Options{TaskKey: "only-once", Delay: &delay})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "a deduplicated dispatch must not produce a second run")
}

func TestEndToEndQueueFullRejectsImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.Queues = []config.QueueConfig{
		{Name: queuemgr.DefaultQueueName, Capacity: 1, MaxParallelism: 1, Behavior: queue.Reject},
	}

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	blockingFactory := func() model.Handler {
		return blockingHandlerFunc(func(ctx context.Context) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-block
			return nil
		})
	}

	engine := New(cfg, storage.NewMemory())
	engine.RegisterHandler("blocker", blockingFactory, model.HandlerConfig{})
	require.NoError(t, engine.Start(context.Background()))
	defer func() {
		close(block)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = engine.Stop(ctx)
	}()

	_, err := engine.Dispatch(context.Background(), "blocker", nil, dispatcher.Options{})
	require.NoError(t, err)
	<-started // first task now occupies the single worker

	_, err = engine.Dispatch(context.Background(), "blocker", nil, dispatcher.Options{})
	require.NoError(t, err)

	_, err = engine.Dispatch(context.Background(), "blocker", nil, dispatcher.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ekind.ErrQueueFull)
}

type blockingHandlerFunc func(ctx context.Context) error

func (f blockingHandlerFunc) Handle(ctx context.Context, request model.TaskRequest) error {
	return f(ctx)
}

func intPtr(v int) *int { return &v }
