package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"pbm/internal/app"
	"pbm/internal/list"
)

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List the runs of a task as JSON",
		Flags: []cli.Flag{
			configFlag(),
			taskFlag(),
			&cli.StringFlag{
				Name:  "mode",
				Usage: "Filter by mode: full, incremental or differential",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(a *app.App) error {
				task, err := a.Task(ctx, cmd.String("task"))
				if err != nil {
					return err
				}
				return list.Run(ctx, a.Store, task, cmd.String("mode"), os.Stdout)
			})
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Manage run history",
		Commands: []*cli.Command{
			{
				Name:  "prune",
				Usage: "Delete finished runs older than a given age",
				Flags: []cli.Flag{
					configFlag(),
					&cli.DurationFlag{
						Name:  "older-than",
						Usage: "Age of runs to delete",
						Value: 90 * 24 * time.Hour,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(a *app.App) error {
						cutoff := time.Now().Add(-cmd.Duration("older-than"))
						n, err := a.Store.CleanupHistories(ctx, cutoff)
						if err != nil {
							return err
						}
						fmt.Printf("Deleted %d run(s) started before %s\n", n, cutoff.Format("2006-01-02 15:04"))
						return nil
					})
				},
			},
			{
				Name:  "executions",
				Usage: "Show scheduled executions",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{Name: "task", Usage: "Only show executions of this task"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(a *app.App) error {
						return listExecutions(ctx, a, cmd.String("task"))
					})
				},
			},
		},
	}
}

func listExecutions(ctx context.Context, a *app.App, taskName string) error {
	if taskName == "" {
		execs, err := a.Scheduler.AllExecutions(ctx)
		if err != nil {
			return err
		}
		for _, e := range execs {
			printExecution(e.TaskName, e.ExecutedAt, e.Success, e.IsAutomatic, e.Error)
		}
		return nil
	}

	task, err := a.Task(ctx, taskName)
	if err != nil {
		return err
	}
	execs, err := a.Scheduler.Executions(ctx, task.ID)
	if err != nil {
		return err
	}
	for _, e := range execs {
		printExecution(e.TaskName, e.ExecutedAt, e.Success, e.IsAutomatic, e.Error)
	}
	return nil
}

func printExecution(task string, at time.Time, success, automatic bool, errMsg string) {
	status := "ok"
	if !success {
		status = "failed: " + errMsg
	}
	trigger := "manual"
	if automatic {
		trigger = "scheduled"
	}
	fmt.Printf("%s  %-20s %-9s %s\n", at.Format("2006-01-02 15:04:05"), task, trigger, status)
}
