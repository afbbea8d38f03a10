package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"pbm/internal/app"
	"pbm/internal/keys"
	"pbm/internal/manifest"
	"pbm/internal/restore"
)

func restoreCommand() *cli.Command {
	return &cli.Command{
		Name:  "restore",
		Usage: "Restore a run into a target directory",
		Flags: []cli.Flag{
			configFlag(),
			taskFlag(),
			&cli.StringFlag{
				Name:     "target",
				Usage:    "Directory to restore into",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "history",
				Usage: "Run id to restore (defaults to the latest run)",
			},
			&cli.BoolFlag{
				Name:  "from-artifact",
				Usage: "Restore from the run's archive instead of the destination tree",
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "Password for encrypted files",
				Sources: cli.EnvVars("PBM_PASSWORD"),
			},
			&cli.StringFlag{
				Name:  "private-key",
				Usage: "Path to age private key file",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite existing files in the target",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Show what would be restored without actually restoring",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(a *app.App) error {
				return restoreBackup(ctx, a, cmd)
			})
		},
	}
}

func restoreBackup(ctx context.Context, a *app.App, cmd *cli.Command) error {
	task, err := a.Task(ctx, cmd.String("task"))
	if err != nil {
		return err
	}

	opts := restore.Options{
		Target:   cmd.String("target"),
		Password: cmd.String("password"),
		Remote:   a.Remote,
		DryRun:   cmd.Bool("dry-run"),
		Force:    cmd.Bool("force"),
	}
	if opts.Password == "" {
		opts.Password = task.Password
	}
	if path := cmd.String("private-key"); path != "" {
		if opts.Identity, err = keys.LoadIdentity(path); err != nil {
			return err
		}
	}

	historyID := cmd.String("history")
	if historyID == "" {
		histories, err := a.Backup.History(ctx, task.ID)
		if err == nil && len(histories) > 0 {
			historyID = histories[0].ID
		}
	}

	if cmd.Bool("from-artifact") {
		var m *manifest.Run
		if historyID == "" {
			m, err = manifest.ReadLatest(task.Destination)
		} else {
			m, err = manifest.ReadRun(task.Destination, historyID)
		}
		if err != nil {
			return fmt.Errorf("failed to read run manifest: %w", err)
		}
		if len(m.Artifacts) == 0 {
			return fmt.Errorf("run %s has no artifact", m.HistoryID)
		}
		art := m.Artifacts[len(m.Artifacts)-1]
		return restore.FromArtifact(ctx, art.Path, art.RemotePath, art.Blake3Hash, opts)
	}

	files, err := restore.Files(ctx, a.Store, task, historyID)
	if err != nil {
		return err
	}
	res, err := restore.FromHistory(ctx, files, opts)
	if err != nil {
		return err
	}
	if !opts.DryRun {
		fmt.Printf("Restored %d file(s) to %s\n", res.Restored, opts.Target)
		for _, m := range res.Missing {
			fmt.Printf("  missing: %s\n", m)
		}
	}
	return nil
}
