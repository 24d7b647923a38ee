// Package recovery implements the startup resume loop (spec §4.7): walk
// every Pending/Queued/InProgress task via keyset pagination ordered by
// (createdAtUtc, id), and re-route each exactly as dispatcher.route would —
// due-now work straight to the queue manager, future work back onto the
// scheduler — so a crash loses no work and gains no special-cased resume
// behavior.
package recovery

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/minisource/evertask/clock"
	"github.com/minisource/evertask/logging"
	"github.com/minisource/evertask/model"
	"github.com/minisource/evertask/monitor"
	"github.com/minisource/evertask/recurring"
	"github.com/minisource/evertask/scheduler"
	"github.com/minisource/evertask/storage"
)

// DefaultPageSize matches the teacher's pagination default for bulk scans.
const DefaultPageSize = 100

// QueueEnqueuer is the narrow slice of queuemgr.Manager recovery needs.
type QueueEnqueuer interface {
	Enqueue(ctx context.Context, task *model.PersistedTask) error
}

// Recovery drives the startup resume walk.
type Recovery struct {
	Storage   storage.Storage
	Scheduler scheduler.Runner
	QueueMgr  QueueEnqueuer
	Monitor   *monitor.Publisher
	Clock     clock.Clock
	PageSize  int
}

// Run walks every recoverable task exactly once and re-routes it. A task
// found InProgress means the process died mid-execution; it is treated as
// immediately ready and re-enqueued rather than left stranded. A Pending/
// Queued task with an invalid recurring schedule is marked Failed with
// reason instead of being routed at all (spec §4.7 "deserialization
// failure -> mark Failed with reason").
func (r *Recovery) Run(ctx context.Context) error {
	if r.PageSize <= 0 {
		r.PageSize = DefaultPageSize
	}
	logger := logging.For("recovery")
	now := r.Clock.Now()

	cursor := storage.Cursor{}
	total := 0
	for {
		// A page-fetch error never aborts the walk: per-row deserialization
		// failures are handled inside RetrievePending itself (the task is
		// marked Failed and excluded from the page), so an error reaching
		// here means the backend itself is unavailable. Recovery still must
		// not fail engine startup over it (spec §4.7/§7 "never crash the
		// recovery pass") — log and stop the walk with whatever was already
		// recovered.
		page, err := r.Storage.RetrievePending(ctx, cursor, r.PageSize)
		if err != nil {
			logger.WithError(err).Error("recovery: retrieve pending page failed, stopping walk")
			break
		}
		if len(page) == 0 {
			break
		}
		for _, task := range page {
			r.recoverOne(ctx, logger, task, now)
			total++
		}
		last := page[len(page)-1]
		cursor = storage.Cursor{CreatedAtUTC: last.CreatedAtUTC, ID: last.ID}
		if len(page) < r.PageSize {
			break
		}
	}
	logger.WithField("count", total).Info("recovery walk complete")
	return nil
}

func (r *Recovery) recoverOne(ctx context.Context, logger *logrus.Entry, task *model.PersistedTask, now time.Time) {
	taskLogger := logger.WithField("task", task.ID)

	if task.Recurring != nil {
		if err := recurring.Validate(task.Recurring); err != nil {
			taskLogger.WithError(err).Warn("recovered task has an invalid recurring schedule, marking Failed")
			detail := &model.ExceptionDetail{Message: err.Error()}
			if setErr := r.Storage.SetFailed(ctx, task.ID, detail); setErr != nil {
				taskLogger.WithError(setErr).Warn("failed to persist Failed status during recovery")
			}
			if auditErr := storage.RecordTransition(ctx, r.Storage, task, task.Status, model.StatusFailed, detail, r.Clock.Now()); auditErr != nil {
				taskLogger.WithError(auditErr).Warn("failed to record audit transition")
			}
			return
		}
	}

	if task.Status == model.StatusInProgress {
		taskLogger.Warn("recovered task was in progress at crash, re-enqueuing")
		if err := r.QueueMgr.Enqueue(ctx, task); err != nil {
			taskLogger.WithError(err).Warn("failed to re-enqueue recovered in-progress task")
		}
		r.Monitor.Publish(monitor.Event{Kind: monitor.EventQueued, TaskID: task.ID, Type: task.Type})
		return
	}

	if task.ScheduledExecutionUTC == nil || !task.ScheduledExecutionUTC.After(now) {
		if err := r.QueueMgr.Enqueue(ctx, task); err != nil {
			taskLogger.WithError(err).Warn("failed to re-enqueue recovered due task")
		}
		return
	}
	r.Scheduler.Schedule(task.ID, *task.ScheduledExecutionUTC)
}
