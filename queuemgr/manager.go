// Package queuemgr routes a task to one of several named bounded queues
// (spec §4.4): explicit queueName on the handler/request, else "recurring"
// if the task is recurring and that queue exists, else "default". Unknown
// names fall back to default with a warning.
package queuemgr

import (
	"context"
	"time"

	"github.com/minisource/evertask/logging"
	"github.com/minisource/evertask/model"
	"github.com/minisource/evertask/queue"
	"github.com/minisource/evertask/storage"
)

const (
	DefaultQueueName   = "default"
	RecurringQueueName = "recurring"
)

// StatusUpdater is the narrow slice of the storage contract the manager
// needs to best-effort mark a task Queued after a successful enqueue.
type StatusUpdater interface {
	SetQueued(ctx context.Context, id string) error
}

// Manager owns the set of named queues and routes tasks into them.
type Manager struct {
	queues  map[string]*queue.Queue
	storage StatusUpdater
}

// New creates a Manager over the given named queues. A "default" queue must
// be present.
func New(queues map[string]*queue.Queue, storage StatusUpdater) *Manager {
	return &Manager{queues: queues, storage: storage}
}

// Default returns the default queue.
func (m *Manager) Default() *queue.Queue {
	return m.queues[DefaultQueueName]
}

// Queue returns the named queue, or nil if it does not exist.
func (m *Manager) Queue(name string) *queue.Queue {
	return m.queues[name]
}

// Resolve implements the routing rule of spec §4.4.
func (m *Manager) Resolve(task *model.PersistedTask) *queue.Queue {
	if task.QueueName != "" {
		if q, ok := m.queues[task.QueueName]; ok {
			return q
		}
		logging.For("queuemgr").WithFields(map[string]any{
			"queue": task.QueueName, "task": task.ID,
		}).Warn("unknown queue name, falling back to default")
		return m.Default()
	}
	if task.Recurring != nil {
		if q, ok := m.queues[RecurringQueueName]; ok {
			return q
		}
	}
	return m.Default()
}

// Enqueue routes task to its resolved queue, honoring that queue's overflow
// policy, and best-effort marks the task Queued in storage on success (spec
// §4.4 "Integration with storage").
func (m *Manager) Enqueue(ctx context.Context, task *model.PersistedTask) error {
	q := m.Resolve(task)
	if err := q.Push(queue.Item{Task: task}, m.Default()); err != nil {
		return err
	}
	from := task.Status
	if m.storage != nil {
		if err := m.storage.SetQueued(ctx, task.ID); err != nil {
			logging.For("queuemgr").WithError(err).WithField("task", task.ID).
				Warn("best-effort setQueued failed after successful enqueue")
		}
	}
	task.Status = model.StatusQueued
	m.recordTransition(ctx, task, from, model.StatusQueued)
	return nil
}

// recordTransition probes m.storage for the optional AuditRecorder
// capability, matching the SkipRecorder pattern elsewhere in the engine.
// m.storage's static type is the narrow StatusUpdater interface so the
// manager stays constructible without a full Storage fake, but the
// concrete value handed in by the engine always satisfies AuditRecorder
// too when its backend supports it.
func (m *Manager) recordTransition(ctx context.Context, task *model.PersistedTask, from, to model.Status) {
	if task.AuditLevel < model.AuditStandard {
		return
	}
	recorder, ok := m.storage.(storage.AuditRecorder)
	if !ok {
		return
	}
	if err := recorder.RecordAudit(ctx, model.AuditRecord{
		TaskID: task.ID,
		From:   from,
		To:     to,
		AtUTC:  time.Now().UTC(),
	}); err != nil {
		logging.For("queuemgr").WithError(err).WithField("task", task.ID).Warn("failed to record audit transition")
	}
}

// TryEnqueue is the non-blocking variant for callers that must never wait
// on a full queue; the dispatcher itself uses Enqueue.
func (m *Manager) TryEnqueue(task *model.PersistedTask) bool {
	q := m.Resolve(task)
	return q.TryPush(queue.Item{Task: task})
}

// All returns every registered queue, used by the worker pool to spawn one
// consumer set per queue.
func (m *Manager) All() map[string]*queue.Queue {
	return m.queues
}
