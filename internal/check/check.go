// Package check verifies that a configuration can actually run.
package check

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"

	"pbm/internal/config"
	"pbm/internal/lock"
	"pbm/internal/remote"
	"pbm/internal/util"
)

// existingParent walks up from path to the first directory that exists.
func existingParent(path string) string {
	p := filepath.Clean(path)
	for {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

func checkTask(cfg *config.Config, t *config.Task, w io.Writer) error {
	info, err := os.Stat(t.Source)
	if err != nil {
		return fmt.Errorf("source not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source is not a directory: %s", t.Source)
	}
	size, err := util.DirSize(t.Source)
	if err != nil {
		return fmt.Errorf("failed to size source: %w", err)
	}
	fmt.Fprintf(w, "task %s source %s: OK (%s)\n", t.Name, t.Source, humanize.IBytes(uint64(size)))

	usage, err := disk.Usage(existingParent(t.Destination))
	if err != nil {
		return fmt.Errorf("failed to read free space for %s: %w", t.Destination, err)
	}
	if usage.Free < uint64(size) {
		fmt.Fprintf(w, "task %s destination %s: WARNING only %s free\n", t.Name, t.Destination, humanize.IBytes(usage.Free))
	} else {
		fmt.Fprintf(w, "task %s destination %s: OK (%s free)\n", t.Name, t.Destination, humanize.IBytes(usage.Free))
	}

	if entry, held := lock.Held(util.LockPath(cfg.BaseDir, t.Name)); held {
		fmt.Fprintf(w, "task %s: running in pid %d\n", t.Name, entry.Pid)
	}
	return nil
}

// Run checks every enabled task and the remote. All failures are reported
// together.
func Run(ctx context.Context, cfg *config.Config, w io.Writer) error {
	fmt.Fprintln(w, "config: OK")

	var errs []error
	for i := range cfg.Tasks {
		t := &cfg.Tasks[i]
		if !t.IsEnabled() {
			fmt.Fprintf(w, "task %s: skipped (disabled)\n", t.Name)
			continue
		}
		if err := checkTask(cfg, t, w); err != nil {
			fmt.Fprintf(w, "task %s: FAILED %v\n", t.Name, err)
			errs = append(errs, fmt.Errorf("task %s: %w", t.Name, err))
		}
	}

	if cfg.Remote.Type != "" {
		backend, err := remote.New(ctx, cfg)
		if err == nil {
			err = backend.VerifyCredentials(ctx)
		}
		if err != nil {
			fmt.Fprintf(w, "remote %s: FAILED %v\n", cfg.Remote.Type, err)
			errs = append(errs, fmt.Errorf("remote: %w", err))
		} else {
			fmt.Fprintf(w, "remote %s: OK\n", cfg.Remote.Type)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	fmt.Fprintln(w, "all checks passed")
	return nil
}
