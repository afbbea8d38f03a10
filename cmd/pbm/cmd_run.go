package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/urfave/cli/v3"

	"pbm/internal/app"
	"pbm/internal/backup"
	"pbm/internal/config"
	"pbm/internal/model"
	"pbm/internal/schedule"
)

func withApp(ctx context.Context, cmd *cli.Command, fn func(*app.App) error) error {
	a, err := app.Open(ctx, cmd.String("config"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run a backup task now",
		Flags: []cli.Flag{
			configFlag(),
			taskFlag(),
			&cli.StringFlag{
				Name:  "mode",
				Usage: "Override the task mode: full, incremental or differential",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(a *app.App) error {
				return runBackup(ctx, a, cmd.String("task"), cmd.String("mode"))
			})
		},
	}
}

func runBackup(ctx context.Context, a *app.App, taskName, mode string) error {
	if ctx.Err() != nil {
		return fmt.Errorf("backup cancelled before start: %w", ctx.Err())
	}

	task, err := a.Task(ctx, taskName)
	if err != nil {
		return err
	}
	if !task.Enabled {
		return fmt.Errorf("backup task is disabled: %s", taskName)
	}
	if mode != "" {
		if task.Mode, err = model.ParseBackupMode(mode); err != nil {
			return err
		}
	}

	releaseLock, err := a.Lock(task)
	if err != nil {
		return err
	}
	defer func() {
		if err := releaseLock(); err != nil {
			a.Logger.Warn("Failed to release lock", "error", err)
		}
	}()

	lastStage := backup.Stage("")
	hist, err := a.Backup.Start(ctx, task, func(p backup.Progress) {
		if p.Stage != lastStage {
			lastStage = p.Stage
			fmt.Printf("==> %s\n", p.Stage)
		}
	})
	if err != nil {
		return err
	}

	fmt.Printf("\nBackup %s: %s\n", hist.ID, hist.Status)
	fmt.Printf("  Copied:    %d (%s)\n", hist.Success, humanize.IBytes(uint64(hist.TotalSize)))
	fmt.Printf("  Unchanged: %d\n", hist.Skipped)
	fmt.Printf("  Failed:    %d\n", hist.Failed)
	fmt.Printf("  Duration:  %s\n", hist.Duration().Round(time.Millisecond))
	if hist.Artifact != "" {
		fmt.Printf("  Artifact:  %s\n", hist.Artifact)
	}

	switch hist.Status {
	case model.Cancelled:
		return context.Canceled
	case model.Failed:
		return fmt.Errorf("backup failed: %s", hist.Error)
	}
	return nil
}

func previewCommand() *cli.Command {
	return &cli.Command{
		Name:  "preview",
		Usage: "Show what a run would copy",
		Flags: []cli.Flag{configFlag(), taskFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(a *app.App) error {
				task, err := a.Task(ctx, cmd.String("task"))
				if err != nil {
					return err
				}
				p, err := a.Backup.Preview(ctx, task)
				if err != nil {
					return err
				}
				fmt.Printf("Task %s (%s)\n", p.TaskName, p.Mode)
				for _, e := range p.ToCopy {
					fmt.Printf("  + %-10s %s (%s)\n", e.Reason, e.RelPath, humanize.IBytes(uint64(e.Size)))
				}
				fmt.Printf("\nTo copy:   %d files, %s\n", len(p.ToCopy), humanize.IBytes(uint64(p.CopyBytes)))
				fmt.Printf("Unchanged: %d files\n", len(p.Unchanged))
				fmt.Printf("Excluded:  %d files\n", p.Excluded)
				fmt.Printf("Total:     %s\n", humanize.IBytes(uint64(p.TotalBytes)))
				return nil
			})
		},
	}
}

func daemonCommand() *cli.Command {
	return &cli.Command{
		Name:  "daemon",
		Usage: "Run scheduled tasks until interrupted, reloading the config on change",
		Flags: []cli.Flag{configFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(a *app.App) error {
				return runDaemon(ctx, a, cmd.String("config"))
			})
		},
	}
}

func scheduleAll(ctx context.Context, a *app.App) {
	for _, id := range a.Scheduler.Scheduled() {
		a.Scheduler.Remove(id)
	}
	tasks, err := a.Tasks(ctx)
	if err != nil {
		a.Logger.Error("Failed to load tasks", "error", err)
		return
	}
	for _, task := range tasks {
		if err := a.Scheduler.Add(task); err != nil && err != schedule.ErrNotScheduled {
			a.Logger.Error("Failed to schedule task", "task", task.Name, "error", err)
		}
	}
}

func runDaemon(ctx context.Context, a *app.App, configPath string) error {
	a.Scheduler.Start(ctx)
	defer a.Scheduler.Stop()
	scheduleAll(ctx, a)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}
	// Editors replace files on save, so the directory is watched.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch config: %w", err)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		cfg, err := config.Load(abs)
		if err != nil {
			a.Logger.Error("Config reload failed, keeping previous config", "error", err)
			return
		}
		if changed := a.Config.RestartFields(cfg); len(changed) > 0 {
			a.Logger.Warn("Config changes need a daemon restart to take effect", "fields", changed)
		}
		a.Config.Tasks = cfg.Tasks
		scheduleAll(ctx, a)
		a.Logger.Info("Config reloaded", "tasks", len(cfg.Tasks))
	}

	a.Logger.Info("Daemon started", "config", abs, "scheduled", len(a.Scheduler.Scheduled()))
	for {
		select {
		case <-ctx.Done():
			a.Logger.Info("Daemon stopping")
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(100*time.Millisecond, reload)
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintln(os.Stderr, "watch error:", err)
		}
	}
}
