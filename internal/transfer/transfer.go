package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pbm/internal/digest"
	"pbm/internal/model"
)

const (
	chunkSize          = 80 * 1024
	checkpointInterval = 5 * 1024 * 1024
)

var (
	ErrNoCheckpoint = errors.New("no checkpoint for transfer")
	ErrPaused       = errors.New("transfer paused")
	ErrCancelled    = errors.New("transfer cancelled")
	ErrActive       = errors.New("transfer already in progress")
)

// State is the persisted checkpoint of one resumable copy.
type State struct {
	ID               string               `json:"transfer_id"`
	Source           string               `json:"source_path"`
	Destination      string               `json:"destination_path"`
	TotalBytes       int64                `json:"total_bytes"`
	TransferredBytes int64                `json:"transferred_bytes"`
	LastUpdate       time.Time            `json:"last_update"`
	Status           model.TransferStatus `json:"status"`
}

type Result struct {
	ID          string
	TotalBytes  int64
	Transferred int64
	// ResumedFrom is the offset the copy continued from, zero for a fresh copy.
	ResumedFrom int64
	Duration    time.Duration
}

type Progress struct {
	Transferred int64
	Total       int64
	Speed       float64
}

type ProgressFunc func(Progress)

// Service copies files with a checkpoint persisted every 5 MiB so an
// interrupted copy continues from its last recorded offset.
type Service struct {
	dir    string
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
}

func New(dir string, logger *slog.Logger) (*Service, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		dir:    dir,
		logger: logger,
		active: make(map[string]context.CancelCauseFunc),
	}, nil
}

func (s *Service) checkpointPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Transfer copies src to dst, continuing from a prior checkpoint for the
// same pair when one exists and the source size is unchanged.
func (s *Service) Transfer(ctx context.Context, src, dst string, progress ProgressFunc) (*Result, error) {
	id := digest.TransferID(src, dst)

	var offset int64
	if st, err := s.State(id); err == nil && st.Status != model.TransferCompleted {
		if info, err := os.Stat(src); err == nil && info.Size() == st.TotalBytes {
			offset = st.TransferredBytes
		} else {
			s.logger.Info("Source changed since checkpoint, restarting transfer", "id", id)
		}
	}
	return s.run(ctx, id, src, dst, offset, progress)
}

// Resume continues a checkpointed transfer by id.
func (s *Service) Resume(ctx context.Context, id string, progress ProgressFunc) (*Result, error) {
	st, err := s.State(id)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, id, st.Source, st.Destination, st.TransferredBytes, progress)
}

// Pause stops an active transfer, which then records a Paused checkpoint at
// its exact offset. An inactive checkpoint is marked Paused in place.
func (s *Service) Pause(id string) error {
	s.mu.Lock()
	cancel, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		cancel(ErrPaused)
		return nil
	}

	st, err := s.State(id)
	if err != nil {
		return err
	}
	st.Status = model.TransferPaused
	st.LastUpdate = time.Now()
	return s.save(st)
}

// Cancel stops an active transfer and discards its checkpoint.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	cancel, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		cancel(ErrCancelled)
	}
	return s.remove(id)
}

// State returns the checkpoint for id. A missing or unreadable checkpoint
// yields ErrNoCheckpoint.
func (s *Service) State(id string) (*State, error) {
	data, err := os.ReadFile(s.checkpointPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil || st.ID == "" {
		s.logger.Warn("Ignoring corrupt checkpoint", "id", id, "error", err)
		return nil, ErrNoCheckpoint
	}
	return &st, nil
}

// List returns every readable checkpoint, most recently updated first.
func (s *Service) List() ([]*State, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	var states []*State
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		st, err := s.State(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].LastUpdate.After(states[j].LastUpdate)
	})
	return states, nil
}

// CleanupAll removes every checkpoint file and returns how many were removed.
func (s *Service) CleanupAll() (int, error) {
	files, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, f := range files {
		if err := os.Remove(f); err != nil {
			s.logger.Warn("Failed to remove checkpoint", "file", f, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *Service) save(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	path := s.checkpointPath(st.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return os.Rename(tmp, path)
}

func (s *Service) remove(id string) error {
	if err := os.Remove(s.checkpointPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove checkpoint: %w", err)
	}
	return nil
}

func (s *Service) register(ctx context.Context, id string) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; ok {
		return nil, nil, ErrActive
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	s.active[id] = cancel
	return runCtx, func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
		cancel(nil)
	}, nil
}

func (s *Service) run(ctx context.Context, id, src, dst string, offset int64, progress ProgressFunc) (*Result, error) {
	runCtx, done, err := s.register(ctx, id)
	if err != nil {
		return nil, err
	}
	defer done()

	start := time.Now()
	result := &Result{ID: id}

	in, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat source: %w", err)
	}
	total := info.Size()
	result.TotalBytes = total

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	offset = s.validOffset(offset, total, dst)
	flags := os.O_CREATE | os.O_WRONLY
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(dst, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination: %w", err)
	}
	defer out.Close()

	if offset > 0 {
		if err := out.Truncate(offset); err != nil {
			return nil, fmt.Errorf("failed to truncate destination: %w", err)
		}
		if _, err := out.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to seek destination: %w", err)
		}
		if _, err := in.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to seek source: %w", err)
		}
		result.ResumedFrom = offset
		s.logger.Info("Resuming transfer", "id", id, "offset", offset, "total", total)
	}

	st := &State{
		ID:               id,
		Source:           src,
		Destination:      dst,
		TotalBytes:       total,
		TransferredBytes: offset,
		LastUpdate:       time.Now(),
		Status:           model.TransferInProgress,
	}
	if err := s.save(st); err != nil {
		return nil, err
	}

	transferred := offset
	lastCheckpoint := offset
	buf := make([]byte, chunkSize)

	interrupt := func() (*Result, error) {
		result.Transferred = transferred
		result.Duration = time.Since(start)
		cause := context.Cause(runCtx)
		if errors.Is(cause, ErrCancelled) {
			out.Close()
			os.Remove(dst)
			if err := s.remove(id); err != nil {
				s.logger.Warn("Failed to remove checkpoint", "id", id, "error", err)
			}
			return result, ErrCancelled
		}
		if err := out.Sync(); err == nil {
			st.TransferredBytes = transferred
		}
		st.Status = model.TransferPaused
		st.LastUpdate = time.Now()
		if err := s.save(st); err != nil {
			s.logger.Warn("Failed to save checkpoint", "id", id, "error", err)
		}
		if errors.Is(cause, ErrPaused) {
			return result, ErrPaused
		}
		return result, cause
	}

	for {
		if runCtx.Err() != nil {
			return interrupt()
		}

		n, rerr := in.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return nil, fmt.Errorf("failed to write destination: %w", err)
			}
			transferred += int64(n)

			if transferred-lastCheckpoint >= checkpointInterval {
				if err := out.Sync(); err != nil {
					return nil, fmt.Errorf("failed to sync destination: %w", err)
				}
				st.TransferredBytes = transferred
				st.LastUpdate = time.Now()
				if err := s.save(st); err != nil {
					return nil, err
				}
				lastCheckpoint = transferred
			}

			if progress != nil {
				p := Progress{Transferred: transferred, Total: total}
				if elapsed := time.Since(start).Seconds(); elapsed > 0 {
					p.Speed = float64(transferred-offset) / elapsed
				}
				progress(p)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("failed to read source: %w", rerr)
		}
	}

	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to close destination: %w", err)
	}

	result.Transferred = transferred
	result.Duration = time.Since(start)

	if transferred == total {
		if err := s.remove(id); err != nil {
			s.logger.Warn("Failed to remove checkpoint", "id", id, "error", err)
		}
	} else {
		// Source changed size while copying; keep the record for inspection.
		st.TransferredBytes = transferred
		st.Status = model.TransferCompleted
		st.LastUpdate = time.Now()
		if err := s.save(st); err != nil {
			s.logger.Warn("Failed to save checkpoint", "id", id, "error", err)
		}
	}
	return result, nil
}

// validOffset returns offset if the destination holds at least that many
// bytes and the source is at least as long, otherwise zero.
func (s *Service) validOffset(offset, total int64, dst string) int64 {
	if offset <= 0 || offset > total {
		return 0
	}
	info, err := os.Stat(dst)
	if err != nil || info.Size() < offset {
		return 0
	}
	return offset
}
