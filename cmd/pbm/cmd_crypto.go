package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"pbm/internal/archive"
	"pbm/internal/crypto"
	"pbm/internal/model"
)

func passwordFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "password",
		Usage:   "Encryption password",
		Sources: cli.EnvVars("PBM_PASSWORD"),
	}
}

func requirePassword(cmd *cli.Command) (string, error) {
	pw := cmd.String("password")
	if pw == "" {
		return "", errors.New("a password is required (--password or PBM_PASSWORD)")
	}
	return pw, nil
}

func encryptCommand() *cli.Command {
	return &cli.Command{
		Name:  "encrypt",
		Usage: "Encrypt a file with a password",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Required: true},
			passwordFlag(),
			&cli.StringFlag{Name: "out", Usage: "Output path (defaults to <file>.encrypted)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			pw, err := requirePassword(cmd)
			if err != nil {
				return err
			}
			out := cmd.String("out")
			if out == "" {
				out, err = crypto.EncryptFile(ctx, cmd.String("file"), pw, nil)
			} else {
				err = crypto.EncryptFileTo(ctx, cmd.String("file"), out, pw, nil)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Encrypted to %s\n", out)
			return nil
		},
	}
}

func decryptCommand() *cli.Command {
	return &cli.Command{
		Name:  "decrypt",
		Usage: "Decrypt a password encrypted file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Required: true},
			passwordFlag(),
			&cli.StringFlag{Name: "out", Usage: "Output path (defaults to <file>.decrypted)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			pw, err := requirePassword(cmd)
			if err != nil {
				return err
			}
			out := cmd.String("out")
			if out == "" {
				out, err = crypto.DecryptFile(ctx, cmd.String("file"), pw, nil)
			} else {
				err = crypto.DecryptFileTo(ctx, cmd.String("file"), out, pw, nil)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Decrypted to %s\n", out)
			return nil
		},
	}
}

func compressCommand() *cli.Command {
	return &cli.Command{
		Name:  "compress",
		Usage: "Pack a file or directory into a zip archive",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "source", Required: true},
			&cli.StringFlag{Name: "dest", Required: true},
			&cli.StringFlag{Name: "level", Usage: "none, fast, normal or maximum", Value: "normal"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			level, err := model.ParseCompressionLevel(cmd.String("level"))
			if err != nil {
				return err
			}
			out, err := archive.Compress(ctx, cmd.String("source"), cmd.String("dest"), level, nil)
			if err != nil {
				return err
			}
			fmt.Printf("Archive written to %s\n", out)
			return nil
		},
	}
}

func extractCommand() *cli.Command {
	return &cli.Command{
		Name:  "extract",
		Usage: "Extract a zip archive",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "archive", Required: true},
			&cli.StringFlag{Name: "dest", Required: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return archive.Extract(ctx, cmd.String("archive"), cmd.String("dest"), nil)
		},
	}
}

func archiveInfoCommand() *cli.Command {
	return &cli.Command{
		Name:  "archive-info",
		Usage: "Show the size and file count of a zip archive",
		Flags: []cli.Flag{&cli.StringFlag{Name: "archive", Required: true}},
		Action: func(_ context.Context, cmd *cli.Command) error {
			info, err := archive.GetInfo(cmd.String("archive"))
			if err != nil {
				return err
			}
			ratio := 0.0
			if info.UncompressedSize > 0 {
				ratio = float64(info.CompressedSize) / float64(info.UncompressedSize) * 100
			}
			fmt.Printf("Files:        %d\n", info.FileCount)
			fmt.Printf("Compressed:   %s\n", humanize.IBytes(uint64(info.CompressedSize)))
			fmt.Printf("Uncompressed: %s\n", humanize.IBytes(uint64(info.UncompressedSize)))
			fmt.Printf("Ratio:        %.1f%%\n", ratio)
			return nil
		},
	}
}
