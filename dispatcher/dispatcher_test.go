package dispatcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minisource/evertask/blacklist"
	"github.com/minisource/evertask/cancelreg"
	"github.com/minisource/evertask/clock"
	"github.com/minisource/evertask/ekind"
	"github.com/minisource/evertask/model"
	"github.com/minisource/evertask/monitor"
	"github.com/minisource/evertask/queue"
	"github.com/minisource/evertask/queuemgr"
	"github.com/minisource/evertask/registry"
	"github.com/minisource/evertask/scheduler"
	"github.com/minisource/evertask/storage"
)

type noopHandler struct{}

func (noopHandler) Handle(ctx context.Context, request model.TaskRequest) error { return nil }

func newTestDispatcher(t *testing.T, now time.Time) (*Dispatcher, storage.Storage, scheduler.Runner) {
	t.Helper()
	reg := registry.New()
	reg.Register("noop", func() model.Handler { return noopHandler{} }, model.HandlerConfig{})

	store := storage.NewMemory()
	queues := map[string]*queue.Queue{
		queuemgr.DefaultQueueName:   queue.New(queuemgr.DefaultQueueName, 10, queue.Wait),
		queuemgr.RecurringQueueName: queue.New(queuemgr.RecurringQueueName, 10, queue.Wait),
	}
	mgr := queuemgr.New(queues, store)
	sched := scheduler.New(func(ctx context.Context, taskID string) {}, func() time.Time { return now })

	n := 0
	idgen := func() (string, error) {
		n++
		return fmt.Sprintf("id-%d", n), nil
	}

	d := &Dispatcher{
		Registry:  reg,
		Storage:   store,
		QueueMgr:  mgr,
		Scheduler: sched,
		CancelReg: cancelreg.New(),
		Blacklist: blacklist.New(),
		Monitor:   monitor.New(),
		IDGen:     idgen,
		Clock:     testClock{now},
	}
	return d, store, sched
}

type testClock struct{ t time.Time }

func (c testClock) Now() time.Time { return c.t }

var _ clock.Clock = testClock{}

func TestDispatchUnknownHandlerFails(t *testing.T) {
	d, _, _ := newTestDispatcher(t, time.Now())
	_, err := d.Dispatch(context.Background(), "missing", nil, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ekind.ErrNoHandlerRegistered)
}

func TestDispatchImmediateRoutesToQueue(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d, store, _ := newTestDispatcher(t, now)

	id, err := d.Dispatch(context.Background(), "noop", map[string]string{"a": "b"}, Options{})
	require.NoError(t, err)

	task, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, task.Status)
}

func TestDispatchDelayedRoutesToScheduler(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d, store, sched := newTestDispatcher(t, now)

	delay := time.Hour
	id, err := d.Dispatch(context.Background(), "noop", nil, Options{Delay: &delay})
	require.NoError(t, err)

	assert.Equal(t, 1, sched.Len())
	task, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, task.Status)
}

func TestDispatchIdempotentTaskKeyIgnoresInProgressDuplicate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d, store, _ := newTestDispatcher(t, now)

	id, err := d.Dispatch(context.Background(), "noop", nil, Options{TaskKey: "job-123"})
	require.NoError(t, err)
	require.NoError(t, store.SetInProgress(context.Background(), id))

	secondID, err := d.Dispatch(context.Background(), "noop", nil, Options{TaskKey: "job-123"})
	require.NoError(t, err)
	assert.Equal(t, id, secondID, "dispatching the same key while InProgress must return the existing id")
}

func TestDispatchIdempotentTaskKeyReplacesTerminalDuplicate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d, store, _ := newTestDispatcher(t, now)

	id, err := d.Dispatch(context.Background(), "noop", nil, Options{TaskKey: "job-123"})
	require.NoError(t, err)
	require.NoError(t, store.SetCompleted(context.Background(), id))

	secondID, err := d.Dispatch(context.Background(), "noop", nil, Options{TaskKey: "job-123"})
	require.NoError(t, err)
	assert.NotEqual(t, id, secondID, "a terminal duplicate must be replaced by a fresh run")
}

func TestCancelNotYetRunningTaskBlacklistsAndCancelsSchedulerEntry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d, store, sched := newTestDispatcher(t, now)

	delay := time.Hour
	id, err := d.Dispatch(context.Background(), "noop", nil, Options{Delay: &delay})
	require.NoError(t, err)
	require.Equal(t, 1, sched.Len())

	require.NoError(t, d.Cancel(context.Background(), id))

	assert.Equal(t, 0, sched.Len())
	assert.True(t, d.Blacklist.Contains(id))
	task, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelledByUser, task.Status)
}

func TestCancelInProgressTaskInvokesCancelToken(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d, store, _ := newTestDispatcher(t, now)

	id, err := d.Dispatch(context.Background(), "noop", nil, Options{})
	require.NoError(t, err)
	require.NoError(t, store.SetInProgress(context.Background(), id))

	invoked := false
	d.CancelReg.CreateToken(id, func() { invoked = true })

	require.NoError(t, d.Cancel(context.Background(), id))
	assert.True(t, invoked)
	task, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelledByUser, task.Status)
}
