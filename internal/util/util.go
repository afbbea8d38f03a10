package util

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"pbm/internal/logging"
)

const copyChunk = 80 * 1024

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// TaskSlug turns a task name into something safe to use as a directory name.
func TaskSlug(name string) string {
	s := unsafeName.ReplaceAllString(strings.TrimSpace(name), "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "task"
	}
	return s
}

func RunDir(baseDir string) string {
	return filepath.Join(baseDir, "run")
}

func LockPath(baseDir, taskName string) string {
	return filepath.Join(RunDir(baseDir), TaskSlug(taskName)+".lock")
}

func LogDir(baseDir string) string {
	return filepath.Join(baseDir, "logs")
}

func LogPath(baseDir string, now time.Time) string {
	return filepath.Join(LogDir(baseDir), fmt.Sprintf("%s.log", now.Format("2006-01-02")))
}

func CheckpointDir(baseDir string) string {
	return filepath.Join(baseDir, "checkpoints")
}

func VersionDir(baseDir string) string {
	return filepath.Join(baseDir, "versions")
}

func SetupDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func SetupLogging(logPath, level string) (*slog.Logger, *os.File, error) {
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logger, logFile, err := logging.NewLogger(logPath, level)
	if err != nil {
		return nil, nil, err
	}

	return logger, logFile, nil
}

// CopyFile copies src to dst, checking ctx between chunks. The destination
// is removed if the copy does not finish.
func CopyFile(ctx context.Context, src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create destination directory: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("failed to create destination: %w", err)
	}

	var written int64
	buf := make([]byte, copyChunk)
	for {
		if err = ctx.Err(); err != nil {
			break
		}
		var n int
		n, err = in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				err = fmt.Errorf("failed to write destination: %w", werr)
				break
			}
			written += int64(n)
		}
		if err == io.EOF {
			err = nil
			break
		}
		if err != nil {
			err = fmt.Errorf("failed to read source: %w", err)
			break
		}
	}

	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close destination: %w", cerr)
	}
	if err != nil {
		os.Remove(dst)
		return written, err
	}
	return written, nil
}

// DirSize sums the sizes of regular files under root.
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total, err
}
