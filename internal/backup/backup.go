package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"pbm/internal/model"
	"pbm/internal/notify"
	"pbm/internal/remote"
	"pbm/internal/store"
	"pbm/internal/throttle"
	"pbm/internal/transfer"
	"pbm/internal/util"
	"pbm/internal/version"
)

var (
	ErrAlreadyRunning = errors.New("task is already running")
	ErrNotRunning     = errors.New("task is not running")
)

type Stage string

const (
	StageScan     Stage = "scan"
	StageTransfer Stage = "transfer"
	StageCompress Stage = "compress"
	StageEncrypt  Stage = "encrypt"
	StageUpload   Stage = "upload"
)

// Progress is reported per stage; each stage runs from 0 to 100 percent.
type Progress struct {
	Stage   Stage
	Percent float64
	File    string
	Task    model.Progress
}

type ProgressFunc func(Progress)

type Options struct {
	Store     store.Store
	Transfers *transfer.Service
	Versions  *version.Store
	Notifier  notify.Notifier
	Remote    remote.Backend
	Logger    *slog.Logger
}

// handle is the registry entry of an active run.
type handle struct {
	task   *model.BackupTask
	cancel context.CancelFunc
	gate   *gate
}

type Service struct {
	store     store.Store
	transfers *transfer.Service
	versions  *version.Store
	notifier  notify.Notifier
	remote    remote.Backend
	logger    *slog.Logger

	mu   sync.Mutex
	runs map[string]*handle
}

func New(opts Options) *Service {
	s := &Service{
		store:     opts.Store,
		transfers: opts.Transfers,
		versions:  opts.Versions,
		notifier:  opts.Notifier,
		remote:    opts.Remote,
		logger:    opts.Logger,
		runs:      make(map[string]*handle),
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Service) register(ctx context.Context, task *model.BackupTask) (context.Context, *handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[task.ID]; ok {
		return nil, nil, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	h := &handle{task: task, cancel: cancel, gate: newGate()}
	s.runs[task.ID] = h
	return runCtx, h, nil
}

func (s *Service) unregister(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.runs[taskID]; ok {
		h.cancel()
		delete(s.runs, taskID)
	}
}

func (s *Service) lookup(taskID string) (*handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.runs[taskID]
	if !ok {
		return nil, ErrNotRunning
	}
	return h, nil
}

// Running reports whether taskID has an active run.
func (s *Service) Running(taskID string) bool {
	_, err := s.lookup(taskID)
	return err == nil
}

// Stop cancels the task's active run.
func (s *Service) Stop(taskID string) error {
	h, err := s.lookup(taskID)
	if err != nil {
		return err
	}
	h.cancel()
	return nil
}

// Pause holds the run before its next file.
func (s *Service) Pause(taskID string) error {
	h, err := s.lookup(taskID)
	if err != nil {
		return err
	}
	if err := h.task.SetStatus(model.Paused); err != nil {
		return err
	}
	h.gate.Pause()
	s.logger.Info("Backup paused", "task", h.task.Name)
	return nil
}

func (s *Service) Resume(taskID string) error {
	h, err := s.lookup(taskID)
	if err != nil {
		return err
	}
	if err := h.task.SetStatus(model.Running); err != nil {
		return err
	}
	h.gate.Resume()
	s.logger.Info("Backup resumed", "task", h.task.Name)
	return nil
}

func (s *Service) History(ctx context.Context, taskID string) ([]*model.BackupHistory, error) {
	return s.store.LoadHistories(ctx, taskID)
}

// Run starts a backup without progress reporting.
func (s *Service) Run(ctx context.Context, task *model.BackupTask) (*model.BackupHistory, error) {
	return s.Start(ctx, task, nil)
}

// Start runs one backup of task and returns its finished history. Failures
// and cancellation are reported through the history status; an error is
// returned only when the run could not be started or recorded.
func (s *Service) Start(ctx context.Context, task *model.BackupTask, progress ProgressFunc) (*model.BackupHistory, error) {
	runCtx, h, err := s.register(ctx, task)
	if err != nil {
		return nil, err
	}
	defer s.unregister(task.ID)

	if err := task.SetStatus(model.Running); err != nil {
		return nil, err
	}
	task.ResetProgress(0, 0)

	hist := &model.BackupHistory{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		TaskName:  task.Name,
		StartTime: time.Now(),
		Mode:      task.Mode,
		Status:    model.Running,
	}
	if err := s.store.SaveHistory(ctx, hist); err != nil {
		task.SetStatus(model.Failed)
		return nil, fmt.Errorf("failed to record backup start: %w", err)
	}

	logger := s.logger.With("task", task.Name, "history", hist.ID)
	logger.Info("Backup started", "mode", task.Mode, "source", task.Source, "destination", task.Destination)
	s.notifier.Info(task.Name, fmt.Sprintf("%s backup started", task.Mode))

	r := &runner{
		svc:      s,
		task:     task,
		hist:     hist,
		gate:     h.gate,
		progress: progress,
		logger:   logger,
	}
	runErr := r.execute(runCtx)

	hist.EndTime = time.Now()
	switch {
	case runErr == nil:
		hist.Status = model.Completed
	case runCtx.Err() != nil:
		hist.Status = model.Cancelled
		hist.Error = "cancelled"
	default:
		hist.Status = model.Failed
		hist.Error = runErr.Error()
	}

	if hist.Status == model.Completed {
		r.postProcess(runCtx)
		if err := r.writeManifest(); err != nil {
			logger.Warn("Failed to write run manifest", "error", err)
		}
	}

	s.finish(ctx, task, hist, logger)
	return hist, nil
}

func (s *Service) finish(ctx context.Context, task *model.BackupTask, hist *model.BackupHistory, logger *slog.Logger) {
	// Only Cancelled may be entered directly from Paused.
	if task.Status() == model.Paused && hist.Status != model.Cancelled {
		task.SetStatus(model.Running)
	}
	if err := task.SetStatus(hist.Status); err != nil {
		logger.Warn("Unexpected task status transition", "error", err)
	}
	task.LastRunAt = hist.StartTime
	task.LastStatus = hist.Status

	saveCtx := context.WithoutCancel(ctx)
	if err := s.store.SaveHistory(saveCtx, hist); err != nil {
		logger.Error("Failed to save backup history", "error", err)
	}
	if err := s.store.SaveTask(saveCtx, task); err != nil {
		logger.Warn("Failed to save task state", "error", err)
	}

	switch hist.Status {
	case model.Completed:
		logger.Info("Backup completed", "success", hist.Success, "failed", hist.Failed, "skipped", hist.Skipped,
			"bytes", hist.TotalSize, "duration", hist.Duration())
		s.notifier.Success(task.Name, fmt.Sprintf("Backup completed: %d copied, %d failed, %d unchanged",
			hist.Success, hist.Failed, hist.Skipped))
	case model.Cancelled:
		logger.Warn("Backup cancelled", "success", hist.Success)
		s.notifier.Warning(task.Name, "Backup cancelled")
	default:
		logger.Error("Backup failed", "error", hist.Error)
		s.notifier.Error(task.Name, "Backup failed: "+hist.Error)
	}
}

// runner carries the state of one run down the call chain.
type runner struct {
	svc      *Service
	task     *model.BackupTask
	hist     *model.BackupHistory
	gate     *gate
	progress ProgressFunc
	logger   *slog.Logger

	records   []model.FileBackupInfo
	copied    []model.FileBackupInfo
	artifacts []artifact
}

func (r *runner) report(p Progress) {
	if r.progress != nil {
		p.Task = r.task.Progress()
		r.progress(p)
	}
}

func (r *runner) execute(ctx context.Context) error {
	r.report(Progress{Stage: StageScan})
	planned, excluded, err := r.svc.plan(ctx, r.task)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.task.Destination, 0o755); err != nil {
		return fmt.Errorf("destination not accessible: %w", err)
	}

	var copyCount, copyBytes int64
	for _, f := range planned {
		if f.Copy {
			copyCount++
			copyBytes += f.Size
		}
	}
	r.hist.TotalFiles = len(planned)
	r.task.ResetProgress(copyCount, copyBytes)
	r.logger.Info("Source scanned", "files", len(planned), "to_copy", copyCount, "bytes", copyBytes, "excluded", excluded)
	r.report(Progress{Stage: StageScan, Percent: 100})

	var limiter *throttle.Limiter
	if r.task.BandwidthLimit > 0 && !r.task.Resumable {
		limiter = throttle.New()
		limiter.SetUploadLimit(r.task.BandwidthLimit)
	}

	lastTick := int64(0)
	now := time.Now()
	for _, f := range planned {
		if !f.Copy {
			base := f.Base
			base.CapturedAt = now
			base.Copied = false
			base.Reason = ReasonUnchanged
			base.Mode = r.task.Mode
			r.records = append(r.records, base)
			r.hist.Skipped++
			continue
		}

		if err := r.gate.Wait(ctx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		dst := filepath.Join(r.task.Destination, filepath.FromSlash(f.Rel))
		r.report(Progress{Stage: StageTransfer, File: f.Rel, Percent: r.task.Progress().Percent()})
		if err := r.copyFile(ctx, f, dst, limiter); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("Failed to copy file", "file", f.Rel, "error", err)
			r.hist.Failed++
			r.tick(0, &lastTick)
			continue
		}
		if err := os.Chtimes(dst, f.ModTime, f.ModTime); err != nil {
			r.logger.Debug("Failed to preserve modification time", "file", f.Rel, "error", err)
		}

		if r.task.Versioning && r.svc.versions != nil {
			r.snapshot(ctx, dst)
		}

		rec := model.FileBackupInfo{
			RelPath:    f.Rel,
			DestPath:   dst,
			Size:       f.Size,
			ModTime:    f.ModTime,
			CapturedAt: time.Now(),
			Mode:       r.task.Mode,
			Copied:     true,
			Reason:     f.Reason,
		}
		r.records = append(r.records, rec)
		r.copied = append(r.copied, rec)
		r.hist.Success++
		r.hist.TotalSize += f.Size
		r.tick(f.Size, &lastTick)
	}

	if err := r.svc.store.SaveFileRecords(ctx, r.records, r.task.ID, r.hist.ID); err != nil {
		return err
	}
	r.hist.Files = r.records
	r.report(Progress{Stage: StageTransfer, Percent: 100})
	return nil
}

// tick records one processed file and notifies on every 10% step.
func (r *runner) tick(bytes int64, last *int64) {
	n := r.task.AddProcessed(bytes)
	total := r.task.Progress().TotalFiles
	if total == 0 {
		return
	}
	step := n * 10 / total
	if step > *last {
		*last = step
		r.svc.notifier.Progress(r.task.Name, fmt.Sprintf("%d/%d files", n, total), float64(step*10))
	}
}

func (r *runner) copyFile(ctx context.Context, f plannedFile, dst string, limiter *throttle.Limiter) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	switch {
	case r.task.Resumable && r.svc.transfers != nil:
		_, err := r.svc.transfers.Transfer(ctx, f.Abs, dst, nil)
		return err
	case limiter != nil:
		_, err := limiter.CopyFile(ctx, f.Abs, dst, throttle.Upload, nil)
		return err
	default:
		_, err := util.CopyFile(ctx, f.Abs, dst)
		return err
	}
}

func (r *runner) snapshot(ctx context.Context, dst string) {
	comment := fmt.Sprintf("%s backup on %s", r.task.Mode, time.Now().Format("2006-01-02 15:04"))
	v, err := r.svc.versions.Create(ctx, dst, comment)
	if err != nil {
		r.logger.Warn("Failed to create version", "file", dst, "error", err)
		return
	}
	r.logger.Debug("Version recorded", "file", dst, "version", v.Number)
	if r.task.VersionsKept > 0 {
		if _, err := r.svc.versions.Cleanup(dst, r.task.VersionsKept); err != nil {
			r.logger.Warn("Failed to clean up versions", "file", dst, "error", err)
		}
	}
}
