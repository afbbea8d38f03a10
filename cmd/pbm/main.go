package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "config",
		Usage: "path to configuration yaml file",
		Value: "pbm.yaml",
	}
}

func taskFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "task",
		Usage:    "Name of the backup task",
		Required: true,
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "pbm",
		Usage:   "Personal Backup Manager",
		Version: "0.1.0",
		Commands: []*cli.Command{
			runCommand(),
			daemonCommand(),
			previewCommand(),
			listCommand(),
			historyCommand(),
			restoreCommand(),
			versionCommand(),
			dedupCommand(),
			encryptCommand(),
			decryptCommand(),
			compressCommand(),
			extractCommand(),
			archiveInfoCommand(),
			transferCommand(),
			checkCommand(),
			healthCommand(),
			genkeyCommand(),
			testKeysCommand(),
		},
	}
}

func main() {
	cmd := newCommand()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "\n⚠ Interrupted by user")
			os.Exit(130)
		}
		slog.Error("CLI error", "error", err)
		os.Exit(1)
	}
}
