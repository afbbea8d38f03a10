// Package lock keeps two pbm processes from running the same task.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrLocked = errors.New("task is locked by another process")

type Entry struct {
	Pid       int       `yaml:"pid"`
	Task      string    `yaml:"task"`
	StartedAt time.Time `yaml:"started_at"`
}

// Read returns the lock entry at path, or nil when there is none.
func Read(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entry Entry
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse lock %s: %w", path, err)
	}
	return &entry, nil
}

func write(path string, entry *Entry) error {
	data, err := yaml.Marshal(entry)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err != syscall.ESRCH
}

// Held reports whether the lock at path belongs to a live process.
func Held(path string) (*Entry, bool) {
	entry, err := Read(path)
	if err != nil || entry == nil {
		return nil, false
	}
	return entry, isProcessAlive(entry.Pid)
}

// Acquire takes the lock for task. A lock left by a dead process is
// reclaimed. The returned release function removes the lock.
func Acquire(path, task string) (func() error, error) {
	existing, err := Read(path)
	if err != nil {
		return nil, err
	}
	if existing != nil && isProcessAlive(existing.Pid) {
		return nil, fmt.Errorf("%w: pid %d (started %s)", ErrLocked, existing.Pid, existing.StartedAt.Format(time.RFC3339))
	}

	entry := &Entry{Pid: os.Getpid(), Task: task, StartedAt: time.Now()}
	if err := write(path, entry); err != nil {
		return nil, fmt.Errorf("failed to write lock: %w", err)
	}

	release := func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return release, nil
}
