package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"pbm/internal/app"
)

func fileFlag() cli.Flag {
	return &cli.StringFlag{Name: "file", Usage: "Path of the versioned file", Required: true}
}

func idFlag(name, usage string) cli.Flag {
	return &cli.StringFlag{Name: name, Usage: usage, Required: true}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Manage file versions",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Snapshot a file",
				Flags: []cli.Flag{configFlag(), fileFlag(), &cli.StringFlag{Name: "comment"}},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(a *app.App) error {
						v, err := a.Versions.Create(ctx, cmd.String("file"), cmd.String("comment"))
						if err != nil {
							return err
						}
						fmt.Printf("Version %d of %s: %s\n", v.Number, v.OriginalPath, v.ID)
						return nil
					})
				},
			},
			{
				Name:  "list",
				Usage: "List the versions of a file, newest first",
				Flags: []cli.Flag{configFlag(), fileFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(a *app.App) error {
						versions, err := a.Versions.Versions(cmd.String("file"))
						if err != nil {
							return err
						}
						for _, v := range versions {
							fmt.Printf("#%-4d %s  %s  %-10s %s\n", v.Number, v.ID,
								v.CreatedAt.Format("2006-01-02 15:04:05"), humanize.IBytes(uint64(v.Size)), v.Comment)
						}
						return nil
					})
				},
			},
			{
				Name:  "restore",
				Usage: "Copy a version to a target path",
				Flags: []cli.Flag{configFlag(), idFlag("id", "Version id"), idFlag("target", "Target path")},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(a *app.App) error {
						path, err := a.Versions.Restore(ctx, cmd.String("id"), cmd.String("target"))
						if err != nil {
							return err
						}
						fmt.Printf("Restored to %s\n", path)
						return nil
					})
				},
			},
			{
				Name:  "delete",
				Usage: "Delete a version",
				Flags: []cli.Flag{configFlag(), idFlag("id", "Version id")},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(a *app.App) error {
						return a.Versions.Delete(cmd.String("id"))
					})
				},
			},
			{
				Name:  "cleanup",
				Usage: "Keep only the newest versions of a file",
				Flags: []cli.Flag{configFlag(), fileFlag(), &cli.IntFlag{Name: "keep", Value: 5}},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(a *app.App) error {
						n, err := a.Versions.Cleanup(cmd.String("file"), cmd.Int("keep"))
						if err != nil {
							return err
						}
						fmt.Printf("Deleted %d version(s)\n", n)
						return nil
					})
				},
			},
			{
				Name:  "diff",
				Usage: "Compare two versions",
				Flags: []cli.Flag{configFlag(), idFlag("old", "Older version id"), idFlag("new", "Newer version id")},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(a *app.App) error {
						d, err := a.Versions.Diff(cmd.String("old"), cmd.String("new"))
						if err != nil {
							return err
						}
						fmt.Printf("Identical:  %t\n", d.Identical)
						fmt.Printf("Size delta: %+d bytes\n", d.SizeDelta)
						fmt.Printf("Old:        %s\n", d.OldTime.Format("2006-01-02 15:04:05"))
						fmt.Printf("New:        %s\n", d.NewTime.Format("2006-01-02 15:04:05"))
						return nil
					})
				},
			},
		},
	}
}
