package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"pbm/internal/dedup"
)

func dirFlag(name string) cli.Flag {
	return &cli.StringFlag{Name: name, Usage: "Directory to scan", Required: true}
}

func printGroups(res *dedup.Result) {
	for _, g := range res.Groups {
		fmt.Printf("%s (%s x %d)\n", g.Hash[:16], humanize.IBytes(uint64(g.Size)), len(g.Files))
		for _, f := range g.Files {
			fmt.Printf("  %s\n", f.Path)
		}
	}
	fmt.Printf("\nGroups: %d  Duplicates: %d  Reclaimable: %s  (%s)\n",
		len(res.Groups), res.TotalDuplicateFiles, humanize.IBytes(uint64(res.PotentialSpaceSaving)), res.Duration)
}

func progressPrinter(label string) dedup.ProgressFunc {
	last := -10.0
	return func(pct float64) {
		if pct-last >= 10 || pct == 100 {
			last = pct
			slog.Debug(label, "percent", pct)
		}
	}
}

func dedupCommand() *cli.Command {
	return &cli.Command{
		Name:  "dedup",
		Usage: "Find and resolve duplicate files",
		Commands: []*cli.Command{
			{
				Name:  "scan",
				Usage: "List duplicate files under a directory",
				Flags: []cli.Flag{dirFlag("dir")},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					res, err := dedup.New(nil).Scan(ctx, cmd.String("dir"), progressPrinter("Scanning"))
					if err != nil {
						return err
					}
					printGroups(res)
					return nil
				},
			},
			{
				Name:  "compare",
				Usage: "List files duplicated between two directories",
				Flags: []cli.Flag{dirFlag("a"), dirFlag("b")},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					res, err := dedup.New(nil).Compare(ctx, cmd.String("a"), cmd.String("b"), progressPrinter("Comparing"))
					if err != nil {
						return err
					}
					printGroups(res)
					return nil
				},
			},
			{
				Name:  "remove",
				Usage: "Delete duplicates, keeping one file per group",
				Flags: []cli.Flag{
					dirFlag("dir"),
					&cli.StringFlag{Name: "keep", Usage: "Survivor: oldest, newest or shortest", Value: "oldest"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					strategy, err := dedup.ParseStrategy(cmd.String("keep"))
					if err != nil {
						return err
					}
					d := dedup.New(nil)
					res, err := d.Scan(ctx, cmd.String("dir"), nil)
					if err != nil {
						return err
					}
					fmt.Printf("Removed %d file(s)\n", d.Remove(res, strategy))
					return nil
				},
			},
			{
				Name:  "link",
				Usage: "Replace duplicates with hard links",
				Flags: []cli.Flag{dirFlag("dir")},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					d := dedup.New(nil)
					res, err := d.Scan(ctx, cmd.String("dir"), nil)
					if err != nil {
						return err
					}
					fmt.Printf("Linked %d file(s)\n", d.HardLink(res))
					return nil
				},
			},
		},
	}
}
