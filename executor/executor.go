// Package executor drives a single task's run: build the handler, enforce
// timeout and cancellation, run the retry loop, invoke lifecycle callbacks,
// persist the terminal status, and — for recurring tasks — compute and
// publish the next occurrence (spec §4.5/§4.6).
package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/minisource/evertask/blacklist"
	"github.com/minisource/evertask/cancelreg"
	"github.com/minisource/evertask/clock"
	"github.com/minisource/evertask/ekind"
	"github.com/minisource/evertask/logging"
	"github.com/minisource/evertask/model"
	"github.com/minisource/evertask/monitor"
	"github.com/minisource/evertask/recurring"
	"github.com/minisource/evertask/registry"
	"github.com/minisource/evertask/retry"
	"github.com/minisource/evertask/storage"
)

// lazyHandlerDelayThreshold and lazyHandlerRecurringThreshold describe the
// memory-pressure boundary at which constructing a handler instance ahead of
// its due time would be wasteful for a deploy with many far-future tasks.
// The executor always builds a handler immediately before Handle — the
// lazy side of that boundary — and these constants exist so the boundary is
// named, not so a caller can flip it: construction timing is never
// user-configurable (spec §4.5 "Redesign flags").
const (
	lazyHandlerDelayThreshold     = 30 * time.Minute
	lazyHandlerRecurringThreshold = 5 * time.Minute
)

// Reschedule is called once a recurring task's next occurrence has been
// computed; the engine wires this to the scheduler's Schedule method,
// keeping executor free of any import on (and ownership cycle with)
// scheduler.
type Reschedule func(taskID string, dueUTC time.Time)

// Config bundles the engine-wide defaults applied when a handler does not
// override them, either through the HandlerConfig it was registered with or
// via model.Configured (which takes precedence).
type Config struct {
	DefaultRetryPolicy retry.Policy
	DefaultTimeout     time.Duration
	ThrowIfUnableToPersist bool
}

// Executor runs individual task executions end to end.
type Executor struct {
	Registry   *registry.Registry
	Storage    storage.Storage
	CancelReg  *cancelreg.Registry
	Blacklist  *blacklist.Blacklist
	Monitor    *monitor.Publisher
	Clock      clock.Clock
	Config     Config
	Reschedule Reschedule

	// shuttingDown is set by the engine's Stop before it cancels the root
	// context, so an in-flight execution can tell a service-initiated
	// cancellation apart from a user-initiated one when both surface as
	// ctx.Err() == context.Canceled (spec §5 "cancellation composition").
	shuttingDown atomic.Bool
}

// MarkShuttingDown flips the executor into shutdown mode; called once by the
// engine at the start of Stop, before the root context is cancelled.
func (e *Executor) MarkShuttingDown() {
	e.shuttingDown.Store(true)
}

// Run executes one dequeued task. It never returns an error to the caller
// (the worker pool loop continues regardless); all failure information is
// persisted and published through Monitor instead.
func (e *Executor) Run(ctx context.Context, task *model.PersistedTask) {
	logger := logging.For("executor").WithField("task", task.ID)

	if e.Blacklist.Contains(task.ID) {
		e.Blacklist.Remove(task.ID)
		e.setStatus(ctx, task.ID, model.StatusCancelledByUser)
		e.recordTransition(ctx, task, model.StatusCancelledByUser, nil)
		e.Monitor.Publish(monitor.Event{Kind: monitor.EventCancelled, TaskID: task.ID, Type: task.Type})
		logger.Info("task skipped at dequeue: blacklisted")
		return
	}

	handler, ok := e.Registry.Build(task.HandlerType)
	if !ok {
		err := ekind.New(ekind.HandlerFailure, task.ID, fmt.Errorf("%w: %q", ekind.ErrNoHandlerRegistered, task.HandlerType))
		e.fail(ctx, task, err)
		return
	}
	if disposer, ok := handler.(model.Disposer); ok {
		defer func() {
			if err := disposer.Dispose(); err != nil {
				logger.WithError(err).Warn("handler dispose failed")
			}
		}()
	}

	policy, timeout := e.resolveConfig(task.HandlerType, handler)

	runCtx, cancel := context.WithCancel(ctx)
	if timeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, timeout)
		defer timeoutCancel()
	}
	e.CancelReg.CreateToken(task.ID, cancel)
	defer e.CancelReg.Delete(task.ID)
	defer cancel()

	if err := e.setStatus(ctx, task.ID, model.StatusInProgress); err != nil {
		logger.WithError(err).Warn("failed to persist InProgress status")
	}
	e.recordTransition(ctx, task, model.StatusInProgress, nil)
	e.Monitor.Publish(monitor.Event{Kind: monitor.EventStarted, TaskID: task.ID, Type: task.Type})
	if hook, ok := handler.(model.OnStarted); ok {
		hook.OnStarted(runCtx, task.ID)
	}

	var request model.TaskRequest
	if len(task.Request) > 0 {
		request = task.Request
	}

	onRetry := func(attempt int, retryErr error, delay time.Duration) {
		e.Monitor.Publish(monitor.Event{Kind: monitor.EventRetrying, TaskID: task.ID, Type: task.Type, Err: retryErr})
		if hook, ok := handler.(model.OnRetry); ok {
			hook.OnRetry(runCtx, task.ID, attempt, retryErr, delay)
		}
	}

	err := policy.Execute(runCtx, func(c context.Context) (handleErr error) {
		defer func() {
			if r := recover(); r != nil {
				handleErr = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return handler.Handle(c, request)
	}, onRetry)

	if err != nil {
		e.handleFailure(runCtx, task, handler, err)
		return
	}

	e.handleSuccess(runCtx, task, handler)
}

func (e *Executor) resolveConfig(handlerType string, handler model.Handler) (retry.Policy, time.Duration) {
	policy := e.Config.DefaultRetryPolicy
	timeout := e.Config.DefaultTimeout
	var overrides []model.HandlerConfig
	if cfg, ok := e.Registry.Config(handlerType); ok {
		overrides = append(overrides, cfg)
	}
	if cfgProvider, ok := handler.(model.Configured); ok {
		overrides = append(overrides, cfgProvider.HandlerConfig())
	}
	for _, cfg := range overrides {
		if cfg.RetryPolicy != nil {
			policy = *cfg.RetryPolicy
		}
		if cfg.Timeout > 0 {
			timeout = cfg.Timeout
		}
	}
	return policy, timeout
}

func (e *Executor) handleSuccess(ctx context.Context, task *model.PersistedTask, handler model.Handler) {
	if hook, ok := handler.(model.OnCompleted); ok {
		hook.OnCompleted(ctx, task.ID)
	}
	e.Monitor.Publish(monitor.Event{Kind: monitor.EventCompleted, TaskID: task.ID, Type: task.Type})

	// Persistence uses a detached context: runCtx may already carry a
	// timeout deadline even on the success path (a handler can return nil
	// right as its deadline expires), and that must not abort the write of
	// its own terminal status.
	persistCtx := context.Background()
	if task.Recurring == nil {
		e.setStatus(persistCtx, task.ID, model.StatusCompleted)
		e.recordTransition(persistCtx, task, model.StatusCompleted, nil)
		return
	}
	e.rescheduleOrComplete(persistCtx, task)
}

func (e *Executor) handleFailure(ctx context.Context, task *model.PersistedTask, handler model.Handler, err error) {
	if hook, ok := handler.(model.OnError); ok {
		hook.OnError(ctx, task.ID, err)
	}

	// Persistence is detached from runCtx, which is exactly what just fired
	// (cancel or timeout) and must not also abort writing that outcome.
	persistCtx := context.Background()

	if ctx.Err() == context.Canceled {
		// A cancelled run is never a "failure": either dispatcher.Cancel
		// already persisted CancelledByUser before interrupting this
		// execution, or the engine is shutting down and must persist
		// CancelledByService itself (spec §5 cancellation composition).
		if e.shuttingDown.Load() {
			if setErr := e.Storage.SetCancelledByService(persistCtx, task.ID); setErr != nil {
				logging.For("executor").WithError(setErr).WithField("task", task.ID).
					Warn("failed to persist CancelledByService status")
			}
			e.recordTransition(persistCtx, task, model.StatusCancelledByService, nil)
		}
		e.Monitor.Publish(monitor.Event{Kind: monitor.EventCancelled, TaskID: task.ID, Type: task.Type, Err: err})
		return
	}

	e.Monitor.Publish(monitor.Event{Kind: monitor.EventFailed, TaskID: task.ID, Type: task.Type, Err: err})
	detail := &model.ExceptionDetail{Message: err.Error()}
	if setErr := e.Storage.SetFailed(persistCtx, task.ID, detail); setErr != nil {
		logging.For("executor").WithError(setErr).WithField("task", task.ID).Warn("failed to persist Failed status")
	}
	e.recordTransition(persistCtx, task, model.StatusFailed, detail)

	if task.Recurring != nil {
		e.rescheduleOrComplete(persistCtx, task)
	}
}

// rescheduleOrComplete implements spec §4.6: a recurring task's outcome
// (success or failure) never ends the series early; only MaxRuns/RunUntil
// do. The next occurrence is always anchored at the task's own
// ScheduledExecutionUTC, never at "now" — the drift-correction invariant.
func (e *Executor) rescheduleOrComplete(ctx context.Context, task *model.PersistedTask) {
	logger := logging.For("executor").WithField("task", task.ID)

	runCount := task.CurrentRunCount + 1
	anchor := e.Clock.Now()
	if task.ScheduledExecutionUTC != nil {
		anchor = *task.ScheduledExecutionUTC
	}

	now := e.Clock.Now()
	next, skippedCount, skipped, err := recurring.NextValidRun(task.Recurring, anchor, runCount, now)
	if err != nil {
		logger.WithError(err).Error("failed to compute next recurring occurrence, ending series")
		e.setStatus(ctx, task.ID, model.StatusCompleted)
		e.recordTransition(ctx, task, model.StatusCompleted, nil)
		return
	}
	if next == nil {
		e.setStatus(ctx, task.ID, model.StatusCompleted)
		e.recordTransition(ctx, task, model.StatusCompleted, nil)
		return
	}

	if err := e.Storage.UpdateCurrentRun(ctx, task.ID, runCount, next); err != nil {
		logger.WithError(err).Warn("failed to persist updated run count")
	}
	if skippedCount > 0 {
		if recorder, ok := e.Storage.(storage.SkipRecorder); ok {
			occurrences := make([]model.SkippedOccurrence, 0, len(skipped))
			for _, inst := range skipped {
				occurrences = append(occurrences, model.SkippedOccurrence{TaskID: task.ID, InstantUTC: inst})
			}
			if err := recorder.RecordSkippedOccurrences(ctx, occurrences); err != nil {
				logger.WithError(err).Warn("failed to record skipped occurrences")
			}
		}
		logger.WithField("skippedCount", skippedCount).Info("recurring task caught up past downtime")
	}

	task.ScheduledExecutionUTC = next
	task.CurrentRunCount = runCount
	if err := e.setStatus(ctx, task.ID, model.StatusPending); err != nil {
		logger.WithError(err).Warn("failed to persist Pending status for next occurrence")
	}
	e.recordTransition(ctx, task, model.StatusPending, nil)
	if stored, err := e.Storage.Get(ctx, task.ID); err == nil {
		stored.ScheduledExecutionUTC = next
		if err := e.Storage.UpdateTask(ctx, stored); err != nil {
			logger.WithError(err).Warn("failed to persist next scheduled execution")
		}
	}
	if e.Reschedule != nil {
		e.Reschedule(task.ID, *next)
	}
}

func (e *Executor) fail(ctx context.Context, task *model.PersistedTask, err error) {
	detail := &model.ExceptionDetail{Message: err.Error()}
	if setErr := e.Storage.SetFailed(ctx, task.ID, detail); setErr != nil {
		logging.For("executor").WithError(setErr).WithField("task", task.ID).Warn("failed to persist Failed status")
	}
	e.recordTransition(ctx, task, model.StatusFailed, detail)
	e.Monitor.Publish(monitor.Event{Kind: monitor.EventFailed, TaskID: task.ID, Type: task.Type, Err: err})
}

// recordTransition persists a from->to audit row (spec §4 AuditLevel) via the
// same capability-probe pattern as SkipRecorder, then mutates task.Status in
// memory so a subsequent transition on the same task computes the right
// "from". Invoked alongside every status-transition write above.
func (e *Executor) recordTransition(ctx context.Context, task *model.PersistedTask, to model.Status, exception *model.ExceptionDetail) {
	from := task.Status
	task.Status = to
	if err := storage.RecordTransition(ctx, e.Storage, task, from, to, exception, e.Clock.Now()); err != nil {
		logging.For("executor").WithError(err).WithField("task", task.ID).Warn("failed to record audit transition")
	}
}

func (e *Executor) setStatus(ctx context.Context, id string, status model.Status) error {
	switch status {
	case model.StatusInProgress:
		return e.Storage.SetInProgress(ctx, id)
	case model.StatusCompleted:
		return e.Storage.SetCompleted(ctx, id)
	case model.StatusCancelledByUser:
		return e.Storage.SetCancelledByUser(ctx, id)
	case model.StatusCancelledByService:
		return e.Storage.SetCancelledByService(ctx, id)
	default:
		return e.Storage.SetStatus(ctx, id, status)
	}
}
