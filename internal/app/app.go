// Package app wires a loaded configuration into the running services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"pbm/internal/backup"
	"pbm/internal/config"
	"pbm/internal/lock"
	"pbm/internal/model"
	"pbm/internal/notify"
	"pbm/internal/remote"
	"pbm/internal/schedule"
	"pbm/internal/store"
	"pbm/internal/transfer"
	"pbm/internal/util"
	"pbm/internal/version"
)

type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     store.Store
	Transfers *transfer.Service
	Versions  *version.Store
	Remote    remote.Backend
	Backup    *backup.Service
	Scheduler *schedule.Scheduler

	logFile *os.File
}

// Open loads configPath and builds every service. The caller must Close it.
func Open(ctx context.Context, configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return New(ctx, cfg)
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := util.SetupDirectories(cfg.BaseDir, util.RunDir(cfg.BaseDir)); err != nil {
		return nil, err
	}

	logger, logFile, err := util.SetupLogging(util.LogPath(cfg.BaseDir, time.Now()), cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(logger)

	a := &App{Config: cfg, Logger: logger, logFile: logFile}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	a.Store, err = store.Open(a.Config.Database)
	if err != nil {
		return err
	}
	a.Transfers, err = transfer.New(util.CheckpointDir(a.Config.BaseDir), a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize transfers: %w", err)
	}
	a.Versions, err = version.New(util.VersionDir(a.Config.BaseDir), a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize version store: %w", err)
	}
	a.Remote, err = remote.New(ctx, a.Config)
	if err != nil {
		return fmt.Errorf("failed to initialize remote: %w", err)
	}

	a.Backup = backup.New(backup.Options{
		Store:     a.Store,
		Transfers: a.Transfers,
		Versions:  a.Versions,
		Notifier:  notify.NewLog(a.Logger),
		Remote:    a.Remote,
		Logger:    a.Logger,
	})
	a.Scheduler = schedule.New(schedule.RunnerFunc(a.runScheduled), a.Store, a.Logger)
	return nil
}

// Lock takes the per-task run lock shared by manual and scheduled runs.
func (a *App) Lock(task *model.BackupTask) (func() error, error) {
	release, err := lock.Acquire(util.LockPath(a.Config.BaseDir, task.Name), task.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return release, nil
}

func (a *App) runScheduled(ctx context.Context, task *model.BackupTask) (*model.BackupHistory, error) {
	release, err := a.Lock(task)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := release(); err != nil {
			a.Logger.Warn("Failed to release lock", "task", task.Name, "error", err)
		}
	}()
	return a.Backup.Run(ctx, task)
}

// Task resolves a configured task and merges its persisted run state.
func (a *App) Task(ctx context.Context, name string) (*model.BackupTask, error) {
	t, err := a.Config.FindTask(name)
	if err != nil {
		return nil, err
	}
	task, err := t.ToModel()
	if err != nil {
		return nil, err
	}
	a.merge(ctx, task)
	return task, nil
}

// Tasks resolves every configured task.
func (a *App) Tasks(ctx context.Context) ([]*model.BackupTask, error) {
	tasks := make([]*model.BackupTask, 0, len(a.Config.Tasks))
	for i := range a.Config.Tasks {
		task, err := a.Config.Tasks[i].ToModel()
		if err != nil {
			return nil, err
		}
		a.merge(ctx, task)
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (a *App) merge(ctx context.Context, task *model.BackupTask) {
	saved, err := a.Store.LoadTasks(ctx)
	if err != nil {
		a.Logger.Warn("Failed to load saved tasks", "error", err)
		return
	}
	for _, s := range saved {
		if s.ID == task.ID {
			task.CreatedAt = s.CreatedAt
			task.LastRunAt = s.LastRunAt
			task.LastStatus = s.LastStatus
			return
		}
	}
	task.CreatedAt = time.Now()
	if err := a.Store.SaveTask(ctx, task); err != nil {
		a.Logger.Warn("Failed to save task", "task", task.Name, "error", err)
	}
}

func (a *App) Close() error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.logFile != nil {
		errs = append(errs, a.logFile.Close())
	}
	return errors.Join(errs...)
}
