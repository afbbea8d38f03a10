package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"pbm/internal/app"
	"pbm/internal/check"
	"pbm/internal/config"
	"pbm/internal/keys"
)

func genkeyCommand() *cli.Command {
	return &cli.Command{
		Name:  "genkey",
		Usage: "Generate an age key pair",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Usage: "Write the private key to this file"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, err := keys.Generate(ctx, os.Stdout, cmd.String("out"))
			return err
		},
	}
}

func testKeysCommand() *cli.Command {
	return &cli.Command{
		Name:  "test-keys",
		Usage: "Test that a task's age recipient matches a private key",
		Flags: []cli.Flag{
			configFlag(),
			taskFlag(),
			&cli.StringFlag{
				Name:     "private-key",
				Usage:    "Path to age private key file",
				Required: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			task, err := cfg.FindTask(cmd.String("task"))
			if err != nil {
				return err
			}
			if task.Encryption.AgeRecipient == "" {
				return fmt.Errorf("task %s has no age recipient", task.Name)
			}
			return keys.Test(ctx, os.Stdout, task.Encryption.AgeRecipient, cmd.String("private-key"))
		},
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Verify config, sources, free space and remote credentials",
		Flags: []cli.Flag{configFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			return check.Run(ctx, cfg, os.Stdout)
		},
	}
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Score every task from its backup history and print recommendations",
		Flags: []cli.Flag{configFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(a *app.App) error {
				tasks, err := a.Tasks(ctx)
				if err != nil {
					return err
				}
				report, err := check.Health(ctx, a.Store, tasks, time.Now())
				if err != nil {
					return err
				}
				return check.WriteHealth(os.Stdout, report)
			})
		},
	}
}
