package store

import (
	"time"

	"pbm/internal/model"
)

// Times are stored as Unix nanoseconds so that modification time comparisons
// against a baseline are exact.

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

type taskRecord struct {
	ID               string `gorm:"primaryKey"`
	Name             string `gorm:"index"`
	Source           string
	Destination      string
	Mode             int
	Enabled          bool
	Exclude          []string `gorm:"serializer:json"`
	Compress         bool
	CompressionLevel int
	Encrypt          bool
	EncryptionMode   int
	AgeRecipient     string
	Versioning       bool
	VersionsKept     int
	BandwidthLimit   int64
	Resumable        bool
	Offsite          bool
	Schedule         *model.BackupSchedule `gorm:"serializer:json"`
	CreatedAt        int64
	LastRunAt        int64
	NextRunAt        int64
	LastStatus       int
}

func (taskRecord) TableName() string { return "tasks" }

// Passwords are never persisted; they come from configuration.
func toTaskRecord(t *model.BackupTask) *taskRecord {
	return &taskRecord{
		ID:               t.ID,
		Name:             t.Name,
		Source:           t.Source,
		Destination:      t.Destination,
		Mode:             int(t.Mode),
		Enabled:          t.Enabled,
		Exclude:          t.Exclude,
		Compress:         t.Compress,
		CompressionLevel: int(t.CompressionLevel),
		Encrypt:          t.Encrypt,
		EncryptionMode:   int(t.EncryptionMode),
		AgeRecipient:     t.AgeRecipient,
		Versioning:       t.Versioning,
		VersionsKept:     t.VersionsKept,
		BandwidthLimit:   t.BandwidthLimit,
		Resumable:        t.Resumable,
		Offsite:          t.Offsite,
		Schedule:         t.Schedule,
		CreatedAt:        nanos(t.CreatedAt),
		LastRunAt:        nanos(t.LastRunAt),
		NextRunAt:        nanos(t.NextRunAt),
		LastStatus:       int(t.LastStatus),
	}
}

func (r *taskRecord) model() *model.BackupTask {
	return &model.BackupTask{
		ID:               r.ID,
		Name:             r.Name,
		Source:           r.Source,
		Destination:      r.Destination,
		Mode:             model.BackupMode(r.Mode),
		Enabled:          r.Enabled,
		Exclude:          r.Exclude,
		Compress:         r.Compress,
		CompressionLevel: model.CompressionLevel(r.CompressionLevel),
		Encrypt:          r.Encrypt,
		EncryptionMode:   model.EncryptionMode(r.EncryptionMode),
		AgeRecipient:     r.AgeRecipient,
		Versioning:       r.Versioning,
		VersionsKept:     r.VersionsKept,
		BandwidthLimit:   r.BandwidthLimit,
		Resumable:        r.Resumable,
		Offsite:          r.Offsite,
		Schedule:         r.Schedule,
		CreatedAt:        fromNanos(r.CreatedAt),
		LastRunAt:        fromNanos(r.LastRunAt),
		NextRunAt:        fromNanos(r.NextRunAt),
		LastStatus:       model.Status(r.LastStatus),
	}
}

type historyRecord struct {
	ID         string `gorm:"primaryKey"`
	TaskID     string `gorm:"index"`
	TaskName   string
	StartTime  int64 `gorm:"index"`
	EndTime    int64
	Mode       int
	Status     int
	TotalFiles int
	Success    int
	Failed     int
	Skipped    int
	TotalSize  int64
	Error      string
	Artifact   string
}

func (historyRecord) TableName() string { return "histories" }

func toHistoryRecord(h *model.BackupHistory) *historyRecord {
	return &historyRecord{
		ID:         h.ID,
		TaskID:     h.TaskID,
		TaskName:   h.TaskName,
		StartTime:  nanos(h.StartTime),
		EndTime:    nanos(h.EndTime),
		Mode:       int(h.Mode),
		Status:     int(h.Status),
		TotalFiles: h.TotalFiles,
		Success:    h.Success,
		Failed:     h.Failed,
		Skipped:    h.Skipped,
		TotalSize:  h.TotalSize,
		Error:      h.Error,
		Artifact:   h.Artifact,
	}
}

func (r *historyRecord) model() *model.BackupHistory {
	return &model.BackupHistory{
		ID:         r.ID,
		TaskID:     r.TaskID,
		TaskName:   r.TaskName,
		StartTime:  fromNanos(r.StartTime),
		EndTime:    fromNanos(r.EndTime),
		Mode:       model.BackupMode(r.Mode),
		Status:     model.Status(r.Status),
		TotalFiles: r.TotalFiles,
		Success:    r.Success,
		Failed:     r.Failed,
		Skipped:    r.Skipped,
		TotalSize:  r.TotalSize,
		Error:      r.Error,
		Artifact:   r.Artifact,
	}
}

type fileRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	TaskID     string `gorm:"index"`
	HistoryID  string `gorm:"index"`
	RelPath    string
	DestPath   string
	Size       int64
	ModTime    int64
	Hash       string
	CapturedAt int64
	Mode       int
	Copied     bool
	Reason     string
}

func (fileRecord) TableName() string { return "file_records" }

func toFileRecord(f model.FileBackupInfo, taskID, historyID string) fileRecord {
	return fileRecord{
		TaskID:     taskID,
		HistoryID:  historyID,
		RelPath:    f.RelPath,
		DestPath:   f.DestPath,
		Size:       f.Size,
		ModTime:    nanos(f.ModTime),
		Hash:       f.Hash,
		CapturedAt: nanos(f.CapturedAt),
		Mode:       int(f.Mode),
		Copied:     f.Copied,
		Reason:     f.Reason,
	}
}

func (r *fileRecord) model() model.FileBackupInfo {
	return model.FileBackupInfo{
		RelPath:    r.RelPath,
		DestPath:   r.DestPath,
		Size:       r.Size,
		ModTime:    fromNanos(r.ModTime),
		Hash:       r.Hash,
		CapturedAt: fromNanos(r.CapturedAt),
		Mode:       model.BackupMode(r.Mode),
		Copied:     r.Copied,
		Reason:     r.Reason,
	}
}

type executionRecord struct {
	ID          string `gorm:"primaryKey"`
	TaskID      string `gorm:"index"`
	TaskName    string
	ExecutedAt  int64 `gorm:"index"`
	Success     bool
	Error       string
	Files       int
	Bytes       int64
	Duration    int64
	Mode        int
	IsAutomatic bool
}

func (executionRecord) TableName() string { return "executions" }

func toExecutionRecord(e *model.ScheduledExecution) *executionRecord {
	return &executionRecord{
		ID:          e.ID,
		TaskID:      e.TaskID,
		TaskName:    e.TaskName,
		ExecutedAt:  nanos(e.ExecutedAt),
		Success:     e.Success,
		Error:       e.Error,
		Files:       e.Files,
		Bytes:       e.Bytes,
		Duration:    int64(e.Duration),
		Mode:        int(e.Mode),
		IsAutomatic: e.IsAutomatic,
	}
}

func (r *executionRecord) model() *model.ScheduledExecution {
	return &model.ScheduledExecution{
		ID:          r.ID,
		TaskID:      r.TaskID,
		TaskName:    r.TaskName,
		ExecutedAt:  fromNanos(r.ExecutedAt),
		Success:     r.Success,
		Error:       r.Error,
		Files:       r.Files,
		Bytes:       r.Bytes,
		Duration:    time.Duration(r.Duration),
		Mode:        model.ScheduleMode(r.Mode),
		IsAutomatic: r.IsAutomatic,
	}
}
