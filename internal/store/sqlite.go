package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"pbm/internal/model"
)

const batchSize = 500

type SQLite struct {
	db *gorm.DB
}

var _ Store = (*SQLite)(nil)

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema.
func Open(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(10 * time.Minute)

	if err := db.AutoMigrate(&taskRecord{}, &historyRecord{}, &fileRecord{}, &executionRecord{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLite) LoadTasks(ctx context.Context) ([]*model.BackupTask, error) {
	var rows []taskRecord
	if err := s.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	tasks := make([]*model.BackupTask, 0, len(rows))
	for i := range rows {
		tasks = append(tasks, rows[i].model())
	}
	return tasks, nil
}

func (s *SQLite) SaveTask(ctx context.Context, task *model.BackupTask) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	if err := s.db.WithContext(ctx).Save(toTaskRecord(task)).Error; err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// DeleteTask removes the task with its histories, file records and executions.
func (s *SQLite) DeleteTask(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&fileRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("task_id = ?", id).Delete(&historyRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("task_id = ?", id).Delete(&executionRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&taskRecord{}).Error
	})
}

// LoadHistories returns the task's histories, newest first.
func (s *SQLite) LoadHistories(ctx context.Context, taskID string) ([]*model.BackupHistory, error) {
	var rows []historyRecord
	if err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Order("start_time desc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load histories: %w", err)
	}
	out := make([]*model.BackupHistory, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return out, nil
}

func (s *SQLite) GetHistory(ctx context.Context, id string) (*model.BackupHistory, error) {
	var row historyRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return row.model(), nil
}

func (s *SQLite) SaveHistory(ctx context.Context, h *model.BackupHistory) error {
	if h.ID == "" {
		return errors.New("history id is required")
	}
	if err := s.db.WithContext(ctx).Save(toHistoryRecord(h)).Error; err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteHistory(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("history_id = ?", id).Delete(&fileRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&historyRecord{}).Error
	})
}

func (s *SQLite) CleanupHistories(ctx context.Context, olderThan time.Time) (int64, error) {
	finished := []int{int(model.Completed), int(model.Failed), int(model.Cancelled)}
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&historyRecord{}).
			Where("start_time < ? AND status IN ?", olderThan.UnixNano(), finished).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("history_id IN ?", ids).Delete(&fileRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&historyRecord{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up histories: %w", err)
	}
	return deleted, nil
}

func (s *SQLite) LastBackupFiles(ctx context.Context, taskID string) (map[string]model.FileBackupInfo, error) {
	return s.baseline(ctx, taskID, nil)
}

func (s *SQLite) LastFullBackupFiles(ctx context.Context, taskID string) (map[string]model.FileBackupInfo, error) {
	full := model.Full
	return s.baseline(ctx, taskID, &full)
}

func (s *SQLite) baseline(ctx context.Context, taskID string, mode *model.BackupMode) (map[string]model.FileBackupInfo, error) {
	q := s.db.WithContext(ctx).Where("task_id = ? AND status = ?", taskID, int(model.Completed))
	if mode != nil {
		q = q.Where("mode = ?", int(*mode))
	}

	var h historyRecord
	err := q.Order("start_time desc").First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return map[string]model.FileBackupInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find baseline run: %w", err)
	}

	records, err := s.FileRecords(ctx, taskID, h.ID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.FileBackupInfo, len(records))
	for _, r := range records {
		out[r.RelPath] = r
	}
	return out, nil
}

func (s *SQLite) SaveFileRecords(ctx context.Context, records []model.FileBackupInfo, taskID, historyID string) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]fileRecord, 0, len(records))
	for _, r := range records {
		rows = append(rows, toFileRecord(r, taskID, historyID))
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, batchSize).Error; err != nil {
		return fmt.Errorf("failed to save file records: %w", err)
	}
	return nil
}

func (s *SQLite) FileRecords(ctx context.Context, taskID, historyID string) ([]model.FileBackupInfo, error) {
	var rows []fileRecord
	if err := s.db.WithContext(ctx).
		Where("task_id = ? AND history_id = ?", taskID, historyID).
		Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load file records: %w", err)
	}
	out := make([]model.FileBackupInfo, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return out, nil
}

func (s *SQLite) SaveExecution(ctx context.Context, e *model.ScheduledExecution) error {
	if e.ID == "" {
		return errors.New("execution id is required")
	}
	if err := s.db.WithContext(ctx).Save(toExecutionRecord(e)).Error; err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

func (s *SQLite) Executions(ctx context.Context, taskID string) ([]*model.ScheduledExecution, error) {
	return s.executions(s.db.WithContext(ctx).Where("task_id = ?", taskID))
}

func (s *SQLite) AllExecutions(ctx context.Context) ([]*model.ScheduledExecution, error) {
	return s.executions(s.db.WithContext(ctx))
}

func (s *SQLite) executions(q *gorm.DB) ([]*model.ScheduledExecution, error) {
	var rows []executionRecord
	if err := q.Order("executed_at desc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load executions: %w", err)
	}
	out := make([]*model.ScheduledExecution, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return out, nil
}
