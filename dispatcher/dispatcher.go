// Package dispatcher is the single entry point for submitting and
// cancelling tasks (spec §4.1): it validates the handler is registered,
// resolves the task-key dedup rule, computes the initial
// scheduledExecutionUtc, persists, and routes the task to either the
// scheduler (future due time) or straight to the queue manager (due now).
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minisource/evertask/blacklist"
	"github.com/minisource/evertask/cancelreg"
	"github.com/minisource/evertask/clock"
	"github.com/minisource/evertask/ekind"
	"github.com/minisource/evertask/idgen"
	"github.com/minisource/evertask/logging"
	"github.com/minisource/evertask/model"
	"github.com/minisource/evertask/monitor"
	"github.com/minisource/evertask/queuemgr"
	"github.com/minisource/evertask/recurring"
	"github.com/minisource/evertask/registry"
	"github.com/minisource/evertask/scheduler"
	"github.com/minisource/evertask/storage"
)

// Options describes how a single task should be scheduled and tracked,
// supplied by the caller at Dispatch time (spec §4.1 "dispatch options").
type Options struct {
	// TaskKey, if set, makes this dispatch idempotent per the dedup rules
	// of spec §4.1.
	TaskKey string
	// QueueName routes to a specific named queue; empty means "let
	// queuemgr decide" (recurring queue, else default).
	QueueName string
	// Delay schedules the first run Delay from now. Mutually exclusive
	// with RunAt and Recurring.InitialDelay/RunNow/SpecificRunTime.
	Delay *time.Duration
	// RunAt schedules the first (and, if not recurring, only) run at an
	// absolute instant.
	RunAt *time.Time
	// Recurring, if set, makes this a recurring task; see model.RecurringSchedule.
	Recurring *model.RecurringSchedule
	// AuditLevel controls how much history storage retains for this task.
	AuditLevel model.AuditLevel
}

// Config holds dispatcher-wide policy.
type Config struct {
	// ThrowIfUnableToPersist controls what happens when Storage.Persist
	// fails: true returns the error to the caller; false logs and
	// continues routing the task using its in-memory id, accepting it
	// will not survive a crash (spec §6 "throwIfUnableToPersist").
	ThrowIfUnableToPersist bool
}

// Dispatcher is the ingress and cancellation façade.
type Dispatcher struct {
	Registry  *registry.Registry
	Storage   storage.Storage
	QueueMgr  *queuemgr.Manager
	Scheduler scheduler.Runner
	CancelReg *cancelreg.Registry
	Blacklist *blacklist.Blacklist
	Monitor   *monitor.Publisher
	IDGen     idgen.Generator
	Clock     clock.Clock
	Config    Config
}

// Dispatch validates, persists, and routes a new (or deduplicated)
// task, returning the effective task id.
func (d *Dispatcher) Dispatch(ctx context.Context, handlerType string, request model.TaskRequest, opts Options) (string, error) {
	if !d.Registry.Has(handlerType) {
		return "", ekind.New(ekind.HandlerFailure, "", fmt.Errorf("%w: %q", ekind.ErrNoHandlerRegistered, handlerType))
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return "", ekind.New(ekind.Deserialization, "", fmt.Errorf("%w: %v", ekind.ErrSerializationFailed, err))
	}

	if opts.Recurring != nil {
		if err := recurring.Validate(opts.Recurring); err != nil {
			return "", ekind.New(ekind.Configuration, "", err)
		}
	}

	now := d.Clock.Now()
	scheduledAt, err := d.computeInitialRun(now, opts)
	if err != nil {
		return "", ekind.New(ekind.Configuration, "", err)
	}

	id, err := d.IDGen()
	if err != nil {
		return "", ekind.New(ekind.Configuration, "", fmt.Errorf("failed to generate task id: %w", err))
	}

	queueCfg, handlerQueue := d.Registry.Config(handlerType)
	queueName := opts.QueueName
	if queueName == "" && handlerQueue {
		queueName = queueCfg.QueueName
	}

	task := &model.PersistedTask{
		ID:                    id,
		TaskKey:               opts.TaskKey,
		Type:                  handlerType,
		Request:               payload,
		HandlerType:           handlerType,
		QueueName:             queueName,
		Status:                model.StatusPending,
		CreatedAtUTC:          now,
		ScheduledExecutionUTC: scheduledAt,
		Recurring:             opts.Recurring,
		AuditLevel:            opts.AuditLevel,
	}

	effective, routed, err := d.Storage.Persist(ctx, task)
	if err != nil {
		logging.For("dispatcher").WithError(err).WithField("task", id).Warn("failed to persist task")
		if d.Config.ThrowIfUnableToPersist {
			return "", ekind.New(ekind.Persistence, id, fmt.Errorf("%w: %v", ekind.ErrPersistenceFailed, err))
		}
		effective, routed = task, true
	}

	d.Monitor.Publish(monitor.Event{Kind: monitor.EventDispatched, TaskID: effective.ID, Type: effective.Type})
	if routed {
		if err := d.route(ctx, effective, now); err != nil {
			return effective.ID, err
		}
	}
	return effective.ID, nil
}

// computeInitialRun resolves scheduledExecutionUtc for the 0th run (spec
// §4.1): RunAt wins outright; Delay offsets from now; a Recurring schedule
// computes its own first run (which may itself honor InitialDelay/RunNow/
// SpecificRunTime); absent all three, the task runs immediately.
func (d *Dispatcher) computeInitialRun(now time.Time, opts Options) (*time.Time, error) {
	if opts.RunAt != nil {
		t := opts.RunAt.UTC()
		return &t, nil
	}
	if opts.Delay != nil {
		t := now.Add(*opts.Delay)
		return &t, nil
	}
	if opts.Recurring != nil {
		return recurring.FirstRun(opts.Recurring, now)
	}
	t := now
	return &t, nil
}

// route enqueues immediately-due tasks directly into the queue manager, and
// hands future-due tasks to the scheduler to wake at the right instant. A
// synchronous dispatch call is the producer referred to by a Reject-policy
// queue's contract: its enqueue failure (most often QueueFull) must surface
// to the caller immediately rather than be swallowed, unlike the scheduler's
// and recovery's own asynchronous re-enqueues, which have no caller left to
// report to and fall back to logging.
func (d *Dispatcher) route(ctx context.Context, task *model.PersistedTask, now time.Time) error {
	if task.ScheduledExecutionUTC == nil || !task.ScheduledExecutionUTC.After(now) {
		return d.QueueMgr.Enqueue(ctx, task)
	}
	d.Scheduler.Schedule(task.ID, *task.ScheduledExecutionUTC)
	return nil
}

// Cancel implements spec §4 cancellation: a not-yet-running task is
// blacklisted (and its scheduler entry removed, if any) so the worker skips
// it at dequeue; an in-progress task is interrupted via its cancellation
// token. Both paths persist CancelledByUser.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	// Best-effort: a fetch failure here must never block cancellation itself,
	// it only means the audit write below is skipped.
	task, _ := d.Storage.Get(ctx, taskID)

	if d.CancelReg.Has(taskID) {
		if err := d.Storage.SetCancelledByUser(ctx, taskID); err != nil {
			logging.For("dispatcher").WithError(err).WithField("task", taskID).Warn("failed to persist CancelledByUser before interrupting")
		}
		d.recordTransition(ctx, task, model.StatusCancelledByUser)
		d.CancelReg.Cancel(taskID)
		d.Monitor.Publish(monitor.Event{Kind: monitor.EventCancelled, TaskID: taskID})
		return nil
	}

	d.Blacklist.Add(taskID)
	d.Scheduler.Cancel(taskID)
	if err := d.Storage.SetCancelledByUser(ctx, taskID); err != nil {
		return ekind.New(ekind.Persistence, taskID, err)
	}
	d.recordTransition(ctx, task, model.StatusCancelledByUser)
	d.Monitor.Publish(monitor.Event{Kind: monitor.EventCancelled, TaskID: taskID})
	return nil
}

// recordTransition records a cancellation audit row if task was fetched
// successfully and its AuditLevel requests history; task may be nil when the
// best-effort fetch in Cancel failed, in which case this is a no-op (storage.
// RecordTransition already guards nil, this check just documents why it can
// be nil here).
func (d *Dispatcher) recordTransition(ctx context.Context, task *model.PersistedTask, to model.Status) {
	if task == nil {
		return
	}
	if err := storage.RecordTransition(ctx, d.Storage, task, task.Status, to, nil, d.Clock.Now()); err != nil {
		logging.For("dispatcher").WithError(err).WithField("task", task.ID).Warn("failed to record audit transition")
	}
}
