package model

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type BackupMode int

const (
	Full BackupMode = iota
	Incremental
	Differential
)

func (m BackupMode) String() string {
	switch m {
	case Full:
		return "full"
	case Incremental:
		return "incremental"
	case Differential:
		return "differential"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func ParseBackupMode(s string) (BackupMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full", "":
		return Full, nil
	case "incremental":
		return Incremental, nil
	case "differential":
		return Differential, nil
	}
	return Full, fmt.Errorf("unknown backup mode: %s", s)
}

type Status int

const (
	Idle Status = iota
	Running
	Paused
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether a run in this status has finished.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// CanTransition reports whether a task may move from s to next.
func (s Status) CanTransition(next Status) bool {
	switch next {
	case Running:
		return s == Idle || s == Paused || s.Terminal()
	case Paused:
		return s == Running
	case Completed, Failed:
		return s == Running
	case Cancelled:
		return s == Running || s == Paused
	case Idle:
		return s != Running && s != Paused
	}
	return false
}

type ScheduleMode int

const (
	Manual ScheduleMode = iota
	Daily
	Weekly
	Monthly
	Interval
	Cron
)

func (m ScheduleMode) String() string {
	switch m {
	case Manual:
		return "manual"
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	case Interval:
		return "interval"
	case Cron:
		return "cron"
	}
	return fmt.Sprintf("schedule(%d)", int(m))
}

func ParseScheduleMode(s string) (ScheduleMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "manual", "":
		return Manual, nil
	case "daily":
		return Daily, nil
	case "weekly":
		return Weekly, nil
	case "monthly":
		return Monthly, nil
	case "interval":
		return Interval, nil
	case "cron":
		return Cron, nil
	}
	return Manual, fmt.Errorf("unknown schedule mode: %s", s)
}

type BackupSchedule struct {
	Mode ScheduleMode
	// StartTime carries the time of day (and for Interval the first anchor).
	StartTime  time.Time
	Interval   time.Duration
	Weekdays   []time.Weekday
	DayOfMonth int
	Recurring  bool
	Cron       string
}

// CompressionLevel selects the archive codec rather than a numeric ratio.
type CompressionLevel int

const (
	CompressionNone CompressionLevel = iota
	CompressionFast
	CompressionNormal
	CompressionMaximum
)

func (l CompressionLevel) String() string {
	switch l {
	case CompressionNone:
		return "none"
	case CompressionFast:
		return "fast"
	case CompressionNormal:
		return "normal"
	case CompressionMaximum:
		return "maximum"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func ParseCompressionLevel(s string) (CompressionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "store":
		return CompressionNone, nil
	case "fast":
		return CompressionFast, nil
	case "normal", "":
		return CompressionNormal, nil
	case "maximum", "max":
		return CompressionMaximum, nil
	}
	return CompressionNormal, fmt.Errorf("unknown compression level: %s", s)
}

type EncryptionMode int

const (
	EncryptPassword EncryptionMode = iota
	EncryptAge
)

type BackupTask struct {
	ID          string
	Name        string
	Source      string
	Destination string
	Mode        BackupMode
	Enabled     bool
	Exclude     []string

	Compress         bool
	CompressionLevel CompressionLevel

	Encrypt        bool
	EncryptionMode EncryptionMode
	Password       string
	AgeRecipient   string

	Versioning   bool
	VersionsKept int

	// BandwidthLimit is in bytes per second; zero or less disables throttling.
	BandwidthLimit int64
	Resumable      bool
	Offsite        bool

	Schedule *BackupSchedule

	CreatedAt  time.Time
	LastRunAt  time.Time
	NextRunAt  time.Time
	LastStatus Status

	mu             sync.Mutex
	status         Status
	totalFiles     atomic.Int64
	processedFiles atomic.Int64
	totalBytes     atomic.Int64
	processedBytes atomic.Int64
}

func (t *BackupTask) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus moves the task to next if the transition is allowed.
func (t *BackupTask) SetStatus(next Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == next {
		return nil
	}
	if !t.status.CanTransition(next) {
		return fmt.Errorf("invalid status transition %s -> %s", t.status, next)
	}
	t.status = next
	return nil
}

type Progress struct {
	TotalFiles     int64
	ProcessedFiles int64
	TotalBytes     int64
	ProcessedBytes int64
}

func (p Progress) Percent() float64 {
	if p.TotalFiles == 0 {
		return 0
	}
	return float64(p.ProcessedFiles) / float64(p.TotalFiles) * 100
}

func (t *BackupTask) Progress() Progress {
	return Progress{
		TotalFiles:     t.totalFiles.Load(),
		ProcessedFiles: t.processedFiles.Load(),
		TotalBytes:     t.totalBytes.Load(),
		ProcessedBytes: t.processedBytes.Load(),
	}
}

func (t *BackupTask) ResetProgress(files, bytes int64) {
	t.totalFiles.Store(files)
	t.totalBytes.Store(bytes)
	t.processedFiles.Store(0)
	t.processedBytes.Store(0)
}

// AddProcessed records one finished file and returns the processed file count.
func (t *BackupTask) AddProcessed(bytes int64) int64 {
	t.processedBytes.Add(bytes)
	return t.processedFiles.Add(1)
}

type BackupHistory struct {
	ID          string
	TaskID      string
	TaskName    string
	StartTime   time.Time
	EndTime     time.Time
	Mode        BackupMode
	Status      Status
	TotalFiles  int
	Success     int
	Failed      int
	Skipped     int
	TotalSize   int64
	Error       string
	Artifact    string
	Files       []FileBackupInfo
}

func (h *BackupHistory) Duration() time.Duration {
	if h.EndTime.IsZero() {
		return time.Since(h.StartTime)
	}
	return h.EndTime.Sub(h.StartTime)
}

type FileBackupInfo struct {
	RelPath    string
	DestPath   string
	Size       int64
	ModTime    time.Time
	Hash       string
	CapturedAt time.Time
	Mode       BackupMode
	// Copied is false for files recorded as unchanged against the baseline.
	Copied bool
	Reason string
}

type TransferStatus int

const (
	TransferInProgress TransferStatus = iota
	TransferPaused
	TransferCompleted
)

func (s TransferStatus) String() string {
	switch s {
	case TransferInProgress:
		return "in_progress"
	case TransferPaused:
		return "paused"
	case TransferCompleted:
		return "completed"
	}
	return fmt.Sprintf("transfer(%d)", int(s))
}

type FileVersion struct {
	ID           string    `yaml:"id"`
	OriginalPath string    `yaml:"original_path"`
	StoredPath   string    `yaml:"stored_path"`
	CreatedAt    time.Time `yaml:"created_at"`
	Size         int64     `yaml:"size"`
	Hash         string    `yaml:"hash"`
	Comment      string    `yaml:"comment,omitempty"`
	Number       int       `yaml:"number"`
}

type ScheduledExecution struct {
	ID          string
	TaskID      string
	TaskName    string
	ExecutedAt  time.Time
	Success     bool
	Error       string
	Files       int
	Bytes       int64
	Duration    time.Duration
	Mode        ScheduleMode
	IsAutomatic bool
}

func (s TransferStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TransferStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "in_progress":
		*s = TransferInProgress
	case "paused":
		*s = TransferPaused
	case "completed":
		*s = TransferCompleted
	default:
		return fmt.Errorf("unknown transfer status: %s", b)
	}
	return nil
}
