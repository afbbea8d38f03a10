// Package store persists tasks, run histories, per-file backup records and
// scheduled executions.
package store

import (
	"context"
	"errors"
	"time"

	"pbm/internal/model"
)

var ErrNotFound = errors.New("record not found")

type Store interface {
	LoadTasks(ctx context.Context) ([]*model.BackupTask, error)
	SaveTask(ctx context.Context, task *model.BackupTask) error
	DeleteTask(ctx context.Context, id string) error

	LoadHistories(ctx context.Context, taskID string) ([]*model.BackupHistory, error)
	GetHistory(ctx context.Context, id string) (*model.BackupHistory, error)
	SaveHistory(ctx context.Context, h *model.BackupHistory) error
	DeleteHistory(ctx context.Context, id string) error
	// CleanupHistories deletes finished histories that started before
	// olderThan, with their file records.
	CleanupHistories(ctx context.Context, olderThan time.Time) (int64, error)

	// LastBackupFiles returns the file records of the task's most recent
	// completed run of any mode, keyed by relative path.
	LastBackupFiles(ctx context.Context, taskID string) (map[string]model.FileBackupInfo, error)
	// LastFullBackupFiles is LastBackupFiles restricted to full runs.
	LastFullBackupFiles(ctx context.Context, taskID string) (map[string]model.FileBackupInfo, error)
	SaveFileRecords(ctx context.Context, records []model.FileBackupInfo, taskID, historyID string) error
	FileRecords(ctx context.Context, taskID, historyID string) ([]model.FileBackupInfo, error)

	SaveExecution(ctx context.Context, e *model.ScheduledExecution) error
	Executions(ctx context.Context, taskID string) ([]*model.ScheduledExecution, error)
	AllExecutions(ctx context.Context) ([]*model.ScheduledExecution, error)

	Close() error
}
