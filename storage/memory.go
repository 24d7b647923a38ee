package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/minisource/evertask/ekind"
	"github.com/minisource/evertask/model"
)

// Memory is an in-process reference Storage implementation: a mutex-guarded
// map, good enough for tests and for single-process deployments that accept
// losing pending work on crash.
type Memory struct {
	mu      sync.RWMutex
	tasks   map[string]*model.PersistedTask
	byKey   map[string]string // TaskKey -> id, only for non-terminal tasks
	skipped []model.SkippedOccurrence
	audits  []model.AuditRecord
	logs    []model.ExecutionLogEntry
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks: make(map[string]*model.PersistedTask),
		byKey: make(map[string]string),
	}
}

func (m *Memory) Persist(ctx context.Context, task *model.PersistedTask) (*model.PersistedTask, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task.TaskKey != "" {
		if existingID, ok := m.byKey[task.TaskKey]; ok {
			existing := m.tasks[existingID]
			switch existing.Status {
			case model.StatusInProgress:
				// already running: ignore the new dispatch entirely (spec
				// §4.1 dedup rule); caller must not route it.
				return existing.Clone(), false, nil
			case model.StatusPending, model.StatusQueued:
				// update in place, preserving the run counter.
				runCount := existing.CurrentRunCount
				clone := task.Clone()
				clone.ID = existing.ID
				clone.CurrentRunCount = runCount
				m.tasks[existing.ID] = clone
				return clone.Clone(), true, nil
			default:
				// terminal: the key moves to the new row inserted below; the
				// old row is kept under its own id.
				delete(m.byKey, task.TaskKey)
			}
		}
	}

	stored := task.Clone()
	m.tasks[stored.ID] = stored
	if stored.TaskKey != "" && !stored.Status.IsTerminal() {
		m.byKey[stored.TaskKey] = stored.ID
	}
	return stored.Clone(), true, nil
}

func (m *Memory) GetByTaskKey(ctx context.Context, taskKey string) (*model.PersistedTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[taskKey]
	if !ok {
		return nil, ekind.New(ekind.Persistence, "", ekind.ErrTaskNotFound)
	}
	return m.tasks[id].Clone(), nil
}

func (m *Memory) Get(ctx context.Context, id string) (*model.PersistedTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ekind.New(ekind.Persistence, id, ekind.ErrTaskNotFound)
	}
	return t.Clone(), nil
}

func (m *Memory) setStatus(id string, status model.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ekind.New(ekind.Persistence, id, ekind.ErrTaskNotFound)
	}
	t.Status = status
	if status.IsTerminal() && t.TaskKey != "" {
		delete(m.byKey, t.TaskKey)
	}
	return nil
}

func (m *Memory) SetStatus(ctx context.Context, id string, status model.Status) error {
	return m.setStatus(id, status)
}

func (m *Memory) SetInProgress(ctx context.Context, id string) error {
	return m.setStatus(id, model.StatusInProgress)
}

func (m *Memory) SetQueued(ctx context.Context, id string) error {
	return m.setStatus(id, model.StatusQueued)
}

func (m *Memory) SetCompleted(ctx context.Context, id string) error {
	return m.setStatus(id, model.StatusCompleted)
}

func (m *Memory) SetCancelledByUser(ctx context.Context, id string) error {
	return m.setStatus(id, model.StatusCancelledByUser)
}

func (m *Memory) SetCancelledByService(ctx context.Context, id string) error {
	return m.setStatus(id, model.StatusCancelledByService)
}

func (m *Memory) SetFailed(ctx context.Context, id string, exception *model.ExceptionDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ekind.New(ekind.Persistence, id, ekind.ErrTaskNotFound)
	}
	t.Status = model.StatusFailed
	t.LastException = exception
	if t.TaskKey != "" {
		delete(m.byKey, t.TaskKey)
	}
	return nil
}

func (m *Memory) UpdateTask(ctx context.Context, task *model.PersistedTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return ekind.New(ekind.Persistence, task.ID, ekind.ErrTaskNotFound)
	}
	clone := task.Clone()
	m.tasks[task.ID] = clone
	if clone.TaskKey != "" && !clone.Status.IsTerminal() {
		m.byKey[clone.TaskKey] = clone.ID
	}
	return nil
}

func (m *Memory) GetCurrentRunCount(ctx context.Context, id string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return 0, ekind.New(ekind.Persistence, id, ekind.ErrTaskNotFound)
	}
	return t.CurrentRunCount, nil
}

func (m *Memory) UpdateCurrentRun(ctx context.Context, id string, runCount int, nextRunUTC *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ekind.New(ekind.Persistence, id, ekind.ErrTaskNotFound)
	}
	t.CurrentRunCount = runCount
	t.NextRunUTC = nextRunUTC
	return nil
}

func (m *Memory) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ekind.New(ekind.Persistence, id, ekind.ErrTaskNotFound)
	}
	if t.TaskKey != "" {
		delete(m.byKey, t.TaskKey)
	}
	delete(m.tasks, id)
	return nil
}

func (m *Memory) RetrievePending(ctx context.Context, cursor Cursor, pageSize int) ([]*model.PersistedTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []*model.PersistedTask
	for _, t := range m.tasks {
		switch t.Status {
		case model.StatusPending, model.StatusQueued, model.StatusInProgress:
			candidates = append(candidates, t)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAtUTC.Equal(candidates[j].CreatedAtUTC) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAtUTC.Before(candidates[j].CreatedAtUTC)
	})

	after := func(t *model.PersistedTask) bool {
		if cursor.IsZero() {
			return true
		}
		if t.CreatedAtUTC.Equal(cursor.CreatedAtUTC) {
			return t.ID > cursor.ID
		}
		return t.CreatedAtUTC.After(cursor.CreatedAtUTC)
	}

	var page []*model.PersistedTask
	for _, t := range candidates {
		if !after(t) {
			continue
		}
		page = append(page, t.Clone())
		if len(page) == pageSize {
			break
		}
	}
	return page, nil
}

// RecordSkippedOccurrences implements SkipRecorder.
func (m *Memory) RecordSkippedOccurrences(ctx context.Context, skips []model.SkippedOccurrence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped = append(m.skipped, skips...)
	return nil
}

// RecordAudit implements AuditRecorder.
func (m *Memory) RecordAudit(ctx context.Context, record model.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, record)
	return nil
}

// Audits returns a copy of every audit row recorded so far, in insertion
// order. Intended for tests asserting on the transition trail.
func (m *Memory) Audits() []model.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AuditRecord, len(m.audits))
	copy(out, m.audits)
	return out
}

// RecordExecutionLog implements LogRecorder.
func (m *Memory) RecordExecutionLog(ctx context.Context, entry model.ExecutionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}
