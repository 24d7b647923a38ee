// Package storage defines the persistence contract every EverTask backing
// store must satisfy (spec §6). Implementations beyond Memory (gormstore,
// redisstore) are sample providers layered on top of this interface; the
// engine itself depends only on Storage.
package storage

import (
	"context"
	"time"

	"github.com/minisource/evertask/model"
)

// Storage is the full persistence contract. Status transitions are exposed
// as individual methods rather than a single generic "update" so that each
// implementation can choose the cheapest representation for a transition
// (e.g. a single UPDATE ... SET status = ? for setInProgress rather than a
// full row rewrite).
type Storage interface {
	// Persist inserts a new task row, or upserts according to the dedup
	// rules in spec §4.1 if a row with the same TaskKey already exists:
	// an InProgress match is left untouched and returned as-is with
	// routed=false (the caller must not schedule or enqueue a second
	// execution); a Pending/Queued match is updated in place, preserving
	// CurrentRunCount; a terminal match gives up the key to a newly
	// inserted row and is itself kept. routed
	// reports whether the caller should proceed to route the returned
	// task (false only for the InProgress-dedup case).
	Persist(ctx context.Context, task *model.PersistedTask) (effective *model.PersistedTask, routed bool, err error)

	// GetByTaskKey looks up a non-terminal task by its idempotency key.
	GetByTaskKey(ctx context.Context, taskKey string) (*model.PersistedTask, error)

	// Get retrieves a single task by id.
	Get(ctx context.Context, id string) (*model.PersistedTask, error)

	SetStatus(ctx context.Context, id string, status model.Status) error
	SetInProgress(ctx context.Context, id string) error
	SetQueued(ctx context.Context, id string) error
	SetCompleted(ctx context.Context, id string) error
	SetCancelledByUser(ctx context.Context, id string) error
	SetCancelledByService(ctx context.Context, id string) error
	SetFailed(ctx context.Context, id string, exception *model.ExceptionDetail) error

	// UpdateTask rewrites the full row, used after recompute of
	// ScheduledExecutionUTC/NextRunUTC for a recurring task.
	UpdateTask(ctx context.Context, task *model.PersistedTask) error

	// GetCurrentRunCount and UpdateCurrentRun track completed-run counters
	// for recurring series (spec §4.6 MaxRuns enforcement).
	GetCurrentRunCount(ctx context.Context, id string) (int, error)
	UpdateCurrentRun(ctx context.Context, id string, runCount int, nextRunUTC *time.Time) error

	Remove(ctx context.Context, id string) error

	// RetrievePending returns up to pageSize tasks in Pending, Queued or
	// InProgress status ordered by (createdAtUtc, id), strictly after the
	// given cursor, for the startup recovery loop (spec §4.7). A zero-value
	// cursor starts from the beginning.
	RetrievePending(ctx context.Context, cursor Cursor, pageSize int) ([]*model.PersistedTask, error)
}

// Cursor is the keyset pagination position used by RetrievePending.
type Cursor struct {
	CreatedAtUTC time.Time
	ID           string
}

// IsZero reports whether c is the starting cursor.
func (c Cursor) IsZero() bool {
	return c.CreatedAtUTC.IsZero() && c.ID == ""
}

// SkipRecorder is an optional capability: implementations may track skipped
// recurring occurrences (spec §4.6) for audit purposes. Callers must type-
// assert for it rather than requiring it on Storage.
type SkipRecorder interface {
	RecordSkippedOccurrences(ctx context.Context, skips []model.SkippedOccurrence) error
}

// AuditRecorder is an optional capability: implementations may persist a
// full status-transition audit trail (spec §4 AuditLevel).
type AuditRecorder interface {
	RecordAudit(ctx context.Context, record model.AuditRecord) error
}

// LogRecorder is an optional capability for persisting free-text execution
// log entries; no engine component calls it.
type LogRecorder interface {
	RecordExecutionLog(ctx context.Context, entry model.ExecutionLogEntry) error
}

// RecordTransition writes a from->to audit row for task if store implements
// the optional AuditRecorder capability and task.AuditLevel is at least
// AuditStandard (spec §6 "setStatus(id, status, exception?, auditLevel, ct)"
// pairs a status update with an audit insert). Like SkipRecorder, this is a
// capability probe: callers type-assert rather than requiring it on Storage,
// and a write failure is returned for the caller to log rather than undoing
// the status update it documents.
func RecordTransition(ctx context.Context, store Storage, task *model.PersistedTask, from, to model.Status, exception *model.ExceptionDetail, at time.Time) error {
	if task == nil || task.AuditLevel < model.AuditStandard {
		return nil
	}
	recorder, ok := store.(AuditRecorder)
	if !ok {
		return nil
	}
	return recorder.RecordAudit(ctx, model.AuditRecord{
		TaskID:    task.ID,
		From:      from,
		To:        to,
		AtUTC:     at,
		Exception: exception,
	})
}
