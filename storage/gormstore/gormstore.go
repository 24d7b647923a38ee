// Package gormstore is a sample relational Storage implementation backed by
// gorm/postgres, mirroring the teacher's JobRepository/ExecutionRepository/
// HistoryRepository trio (minisource-scheduler's internal/repository)
// adapted to the PersistedTask/audit/skip-record schema of spec §6. It is
// not part of the core engine line budget, same as the teacher's own DB
// provider boilerplate.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/minisource/evertask/ekind"
	"github.com/minisource/evertask/logging"
	"github.com/minisource/evertask/model"
	"github.com/minisource/evertask/storage"
)

// Config mirrors the teacher's PostgresConfig shape.
type Config struct {
	Host               string
	Port               string
	User               string
	Password           string
	DBName             string
	SSLMode            string
	MaxOpenConns       int
	MaxIdleConns       int
	MaxLifetimeMinutes int
}

// taskRow is the gorm model for the task header table. A composite index on
// (created_at, id) backs keyset pagination; task_key carries a partial
// unique index (non-null only) applied via a raw migration statement, since
// gorm's struct tags cannot express a partial index directly.
type taskRow struct {
	ID                    string `gorm:"type:varchar(36);primaryKey;index:idx_tasks_created_id,priority:2"`
	TaskKey               string `gorm:"type:varchar(255);index:idx_tasks_key"`
	Type                  string `gorm:"type:varchar(255);not null"`
	Request               json.RawMessage `gorm:"type:jsonb"`
	HandlerType           string `gorm:"type:varchar(255);not null"`
	QueueName             string `gorm:"type:varchar(100)"`
	Status                string `gorm:"type:varchar(30);not null;index:idx_tasks_status"`
	CreatedAtUTC          time.Time `gorm:"not null;index:idx_tasks_created_id,priority:1"`
	ScheduledExecutionUTC *time.Time
	Recurring             json.RawMessage `gorm:"type:jsonb"`
	CurrentRunCount       int
	NextRunUTC            *time.Time
	AuditLevel            int
	LastException         json.RawMessage `gorm:"type:jsonb"`
}

func (taskRow) TableName() string { return "evertask_tasks" }

type auditRow struct {
	ID        uint `gorm:"primaryKey;autoIncrement"`
	TaskID    string `gorm:"type:varchar(36);index:idx_audits_task"`
	From      string
	To        string
	AtUTC     time.Time
	Exception json.RawMessage `gorm:"type:jsonb"`
}

func (auditRow) TableName() string { return "evertask_audits" }

type skipRow struct {
	ID         uint `gorm:"primaryKey;autoIncrement"`
	TaskID     string `gorm:"type:varchar(36);index:idx_skips_task"`
	InstantUTC time.Time
}

func (skipRow) TableName() string { return "evertask_skips" }

// Store is the gorm-backed Storage implementation.
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres, mirroring the teacher's NewPostgresConnection
// (internal/database/postgres.go): DSN assembly, connection-pool tuning, and
// a quiet-by-default gorm logger.
func Open(cfg Config) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("gormstore: connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gormstore: underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.MaxLifetimeMinutes) * time.Minute)
	return &Store{db: db}, nil
}

// Migrate auto-migrates the schema and adds the partial unique index on
// task_key that gorm tags alone cannot express.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&taskRow{}, &auditRow{}, &skipRow{}); err != nil {
		return fmt.Errorf("gormstore: migrate: %w", err)
	}
	return s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_key_unique
		ON evertask_tasks (task_key) WHERE task_key <> ''`).Error
}

func toRow(t *model.PersistedTask) (*taskRow, error) {
	var recurring json.RawMessage
	if t.Recurring != nil {
		b, err := json.Marshal(t.Recurring)
		if err != nil {
			return nil, err
		}
		recurring = b
	}
	var exception json.RawMessage
	if t.LastException != nil {
		b, err := json.Marshal(t.LastException)
		if err != nil {
			return nil, err
		}
		exception = b
	}
	return &taskRow{
		ID:                    t.ID,
		TaskKey:               t.TaskKey,
		Type:                  t.Type,
		Request:               t.Request,
		HandlerType:           t.HandlerType,
		QueueName:             t.QueueName,
		Status:                string(t.Status),
		CreatedAtUTC:          t.CreatedAtUTC,
		ScheduledExecutionUTC: t.ScheduledExecutionUTC,
		Recurring:             recurring,
		CurrentRunCount:       t.CurrentRunCount,
		NextRunUTC:            t.NextRunUTC,
		AuditLevel:            int(t.AuditLevel),
		LastException:         exception,
	}, nil
}

func fromRow(r *taskRow) (*model.PersistedTask, error) {
	t := &model.PersistedTask{
		ID:                    r.ID,
		TaskKey:               r.TaskKey,
		Type:                  r.Type,
		Request:               r.Request,
		HandlerType:           r.HandlerType,
		QueueName:             r.QueueName,
		Status:                model.Status(r.Status),
		CreatedAtUTC:          r.CreatedAtUTC,
		ScheduledExecutionUTC: r.ScheduledExecutionUTC,
		CurrentRunCount:       r.CurrentRunCount,
		NextRunUTC:            r.NextRunUTC,
		AuditLevel:            model.AuditLevel(r.AuditLevel),
	}
	if len(r.Recurring) > 0 {
		var rs model.RecurringSchedule
		if err := json.Unmarshal(r.Recurring, &rs); err != nil {
			return nil, err
		}
		t.Recurring = &rs
	}
	if len(r.LastException) > 0 {
		var ex model.ExceptionDetail
		if err := json.Unmarshal(r.LastException, &ex); err != nil {
			return nil, err
		}
		t.LastException = &ex
	}
	return t, nil
}

// Persist implements the dedup rules of spec §4.1 inside a single
// transaction, mirroring JobRepository.Create/Update but adding the
// taskKey-conflict branch the teacher's uuid-keyed jobs never needed.
func (s *Store) Persist(ctx context.Context, task *model.PersistedTask) (*model.PersistedTask, bool, error) {
	var effective *model.PersistedTask
	routed := true

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if task.TaskKey != "" {
			var existing taskRow
			err := tx.Where("task_key = ?", task.TaskKey).First(&existing).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				// fall through to insert below
			case err != nil:
				return err
			default:
				switch model.Status(existing.Status) {
				case model.StatusInProgress:
					t, convErr := fromRow(&existing)
					if convErr != nil {
						return convErr
					}
					effective, routed = t, false
					return nil
				case model.StatusPending, model.StatusQueued:
					task.ID = existing.ID
					task.CurrentRunCount = existing.CurrentRunCount
				default:
					// terminal: release the key so the new row can take it
					// under the unique task_key index; the old row is kept.
					if err := tx.Model(&taskRow{}).Where("id = ?", existing.ID).Update("task_key", "").Error; err != nil {
						return err
					}
				}
			}
		}

		row, convErr := toRow(task)
		if convErr != nil {
			return convErr
		}
		if err := tx.Save(row).Error; err != nil {
			return err
		}
		effective, routed = task, true
		return nil
	})
	if err != nil {
		return nil, false, ekind.New(ekind.Persistence, task.ID, err)
	}
	return effective, routed, nil
}

func (s *Store) GetByTaskKey(ctx context.Context, taskKey string) (*model.PersistedTask, error) {
	var row taskRow
	if err := s.db.WithContext(ctx).Where("task_key = ?", taskKey).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ekind.New(ekind.Persistence, "", ekind.ErrTaskNotFound)
		}
		return nil, ekind.New(ekind.Persistence, "", err)
	}
	return fromRow(&row)
}

func (s *Store) Get(ctx context.Context, id string) (*model.PersistedTask, error) {
	var row taskRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ekind.New(ekind.Persistence, id, ekind.ErrTaskNotFound)
		}
		return nil, ekind.New(ekind.Persistence, id, err)
	}
	return fromRow(&row)
}

func (s *Store) setStatus(ctx context.Context, id string, status model.Status) error {
	res := s.db.WithContext(ctx).Model(&taskRow{}).Where("id = ?", id).Update("status", string(status))
	if res.Error != nil {
		return ekind.New(ekind.Persistence, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ekind.New(ekind.Persistence, id, ekind.ErrTaskNotFound)
	}
	return nil
}

func (s *Store) SetStatus(ctx context.Context, id string, status model.Status) error {
	return s.setStatus(ctx, id, status)
}
func (s *Store) SetInProgress(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, model.StatusInProgress)
}
func (s *Store) SetQueued(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, model.StatusQueued)
}
func (s *Store) SetCompleted(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, model.StatusCompleted)
}
func (s *Store) SetCancelledByUser(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, model.StatusCancelledByUser)
}
func (s *Store) SetCancelledByService(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, model.StatusCancelledByService)
}

func (s *Store) SetFailed(ctx context.Context, id string, exception *model.ExceptionDetail) error {
	b, err := json.Marshal(exception)
	if err != nil {
		return ekind.New(ekind.Persistence, id, err)
	}
	res := s.db.WithContext(ctx).Model(&taskRow{}).Where("id = ?", id).Updates(map[string]any{
		"status":         string(model.StatusFailed),
		"last_exception": json.RawMessage(b),
	})
	if res.Error != nil {
		return ekind.New(ekind.Persistence, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ekind.New(ekind.Persistence, id, ekind.ErrTaskNotFound)
	}
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, task *model.PersistedTask) error {
	row, err := toRow(task)
	if err != nil {
		return ekind.New(ekind.Persistence, task.ID, err)
	}
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return ekind.New(ekind.Persistence, task.ID, err)
	}
	return nil
}

func (s *Store) GetCurrentRunCount(ctx context.Context, id string) (int, error) {
	var row taskRow
	if err := s.db.WithContext(ctx).Select("current_run_count").First(&row, "id = ?", id).Error; err != nil {
		return 0, ekind.New(ekind.Persistence, id, err)
	}
	return row.CurrentRunCount, nil
}

func (s *Store) UpdateCurrentRun(ctx context.Context, id string, runCount int, nextRunUTC *time.Time) error {
	res := s.db.WithContext(ctx).Model(&taskRow{}).Where("id = ?", id).Updates(map[string]any{
		"current_run_count": runCount,
		"next_run_utc":       nextRunUTC,
	})
	if res.Error != nil {
		return ekind.New(ekind.Persistence, id, res.Error)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&taskRow{}, "id = ?", id).Error; err != nil {
		return ekind.New(ekind.Persistence, id, err)
	}
	return nil
}

// RetrievePending implements keyset pagination on (created_at_utc, id), the
// relational equivalent of the teacher's offset/limit Query (spec §4.7/§6
// require true keyset pagination instead).
func (s *Store) RetrievePending(ctx context.Context, cursor storage.Cursor, pageSize int) ([]*model.PersistedTask, error) {
	q := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(model.StatusPending), string(model.StatusQueued), string(model.StatusInProgress)})
	if !cursor.IsZero() {
		q = q.Where("(created_at_utc, id) > (?, ?)", cursor.CreatedAtUTC, cursor.ID)
	}

	var rows []taskRow
	if err := q.Order("created_at_utc ASC, id ASC").Limit(pageSize).Find(&rows).Error; err != nil {
		return nil, ekind.New(ekind.Persistence, "", err)
	}

	// A row that fails to deserialize (e.g. malformed recurring/exception
	// JSON written by an incompatible version) must not abort the whole
	// page: it is marked Failed by id, using the untouched status column —
	// no deserialization required for that write — and excluded from the
	// returned page (spec §4.7/§7 "deserialization failure -> mark Failed
	// with reason, never crash the recovery pass").
	tasks := make([]*model.PersistedTask, 0, len(rows))
	for i := range rows {
		t, err := fromRow(&rows[i])
		if err != nil {
			logging.For("gormstore").WithError(err).WithField("task", rows[i].ID).
				Warn("failed to deserialize pending row, marking Failed")
			detail := &model.ExceptionDetail{Message: fmt.Sprintf("deserialization failed: %v", err)}
			if setErr := s.SetFailed(ctx, rows[i].ID, detail); setErr != nil {
				logging.For("gormstore").WithError(setErr).WithField("task", rows[i].ID).
					Warn("failed to persist Failed status for corrupt row")
			}
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// RecordSkippedOccurrences implements storage.SkipRecorder.
func (s *Store) RecordSkippedOccurrences(ctx context.Context, skips []model.SkippedOccurrence) error {
	rows := make([]skipRow, 0, len(skips))
	for _, sk := range skips {
		rows = append(rows, skipRow{TaskID: sk.TaskID, InstantUTC: sk.InstantUTC})
	}
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return ekind.New(ekind.Persistence, "", err)
	}
	return nil
}

// RecordAudit implements storage.AuditRecorder.
func (s *Store) RecordAudit(ctx context.Context, record model.AuditRecord) error {
	var exception json.RawMessage
	if record.Exception != nil {
		b, err := json.Marshal(record.Exception)
		if err != nil {
			return ekind.New(ekind.Persistence, record.TaskID, err)
		}
		exception = b
	}
	row := auditRow{
		TaskID:    record.TaskID,
		From:      string(record.From),
		To:        string(record.To),
		AtUTC:     record.AtUTC,
		Exception: exception,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return ekind.New(ekind.Persistence, record.TaskID, err)
	}
	return nil
}

var (
	_ storage.Storage       = (*Store)(nil)
	_ storage.SkipRecorder  = (*Store)(nil)
	_ storage.AuditRecorder = (*Store)(nil)
)
