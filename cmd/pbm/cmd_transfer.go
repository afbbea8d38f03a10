package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"pbm/internal/app"
	"pbm/internal/transfer"
)

func printTransfer(st *transfer.State) {
	pct := 0.0
	if st.TotalBytes > 0 {
		pct = float64(st.TransferredBytes) / float64(st.TotalBytes) * 100
	}
	fmt.Printf("%s  %-11s %5.1f%%  %s / %s  %s -> %s\n", st.ID, st.Status, pct,
		humanize.IBytes(uint64(st.TransferredBytes)), humanize.IBytes(uint64(st.TotalBytes)), st.Source, st.Destination)
}

func transferCommand() *cli.Command {
	return &cli.Command{
		Name:  "transfer",
		Usage: "Inspect and manage resumable transfers",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Show checkpointed transfers",
				Flags: []cli.Flag{configFlag(), &cli.StringFlag{Name: "id"}},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(a *app.App) error {
						if id := cmd.String("id"); id != "" {
							st, err := a.Transfers.State(id)
							if err != nil {
								return err
							}
							printTransfer(st)
							return nil
						}
						states, err := a.Transfers.List()
						if err != nil {
							return err
						}
						for _, st := range states {
							printTransfer(st)
						}
						return nil
					})
				},
			},
			{
				Name:  "resume",
				Usage: "Resume a checkpointed transfer",
				Flags: []cli.Flag{configFlag(), idFlag("id", "Transfer id")},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(a *app.App) error {
						res, err := a.Transfers.Resume(ctx, cmd.String("id"), nil)
						if err != nil {
							return err
						}
						fmt.Printf("Transferred %s (resumed from %s) in %s\n",
							humanize.IBytes(uint64(res.Transferred)), humanize.IBytes(uint64(res.ResumedFrom)), res.Duration)
						return nil
					})
				},
			},
			{
				Name:  "cancel",
				Usage: "Cancel a transfer and remove its partial output",
				Flags: []cli.Flag{configFlag(), idFlag("id", "Transfer id")},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(a *app.App) error {
						return a.Transfers.Cancel(cmd.String("id"))
					})
				},
			},
			{
				Name:  "cleanup",
				Usage: "Remove every checkpoint",
				Flags: []cli.Flag{configFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(a *app.App) error {
						n, err := a.Transfers.CleanupAll()
						if err != nil {
							return err
						}
						fmt.Printf("Removed %d checkpoint(s)\n", n)
						return nil
					})
				},
			},
		},
	}
}
