package list

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"pbm/internal/model"
	"pbm/internal/store"
)

type Info struct {
	ID          string `json:"id"`
	Mode        string `json:"mode"`
	Status      string `json:"status"`
	Datetime    int64  `json:"datetime"`
	DatetimeStr string `json:"datetime_str"`
	Duration    string `json:"duration"`
	Files       int    `json:"files"`
	Copied      int    `json:"copied"`
	Failed      int    `json:"failed"`
	Unchanged   int    `json:"unchanged"`
	Size        int64  `json:"size"`
	SizeStr     string `json:"size_str"`
	Artifact    string `json:"artifact,omitempty"`
	Error       string `json:"error,omitempty"`
}

type Output struct {
	Task    string `json:"task"`
	TaskID  string `json:"task_id"`
	Backups []Info `json:"backups"`
	Summary struct {
		TotalBackups        int    `json:"total_backups"`
		FullBackups         int    `json:"full_backups"`
		IncrementalBackups  int    `json:"incremental_backups"`
		DifferentialBackups int    `json:"differential_backups"`
		FailedBackups       int    `json:"failed_backups"`
		TotalSize           string `json:"total_size"`
	} `json:"summary"`
}

// Build collects the task's histories, newest first. An empty mode keeps
// every run.
func Build(ctx context.Context, st store.Store, task *model.BackupTask, mode string) (*Output, error) {
	histories, err := st.LoadHistories(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load histories: %w", err)
	}

	output := &Output{Task: task.Name, TaskID: task.ID, Backups: []Info{}}
	var total int64
	for _, h := range histories {
		if mode != "" && h.Mode.String() != mode {
			continue
		}
		output.Backups = append(output.Backups, Info{
			ID:          h.ID,
			Mode:        h.Mode.String(),
			Status:      h.Status.String(),
			Datetime:    h.StartTime.Unix(),
			DatetimeStr: h.StartTime.Format("2006-01-02 15:04:05"),
			Duration:    h.Duration().Round(time.Second).String(),
			Files:       h.TotalFiles,
			Copied:      h.Success,
			Failed:      h.Failed,
			Unchanged:   h.Skipped,
			Size:        h.TotalSize,
			SizeStr:     humanize.IBytes(uint64(h.TotalSize)),
			Artifact:    h.Artifact,
			Error:       h.Error,
		})

		switch h.Mode {
		case model.Full:
			output.Summary.FullBackups++
		case model.Incremental:
			output.Summary.IncrementalBackups++
		case model.Differential:
			output.Summary.DifferentialBackups++
		}
		if h.Status == model.Failed {
			output.Summary.FailedBackups++
		}
		total += h.TotalSize
	}
	output.Summary.TotalBackups = len(output.Backups)
	output.Summary.TotalSize = humanize.IBytes(uint64(total))
	return output, nil
}

func Run(ctx context.Context, st store.Store, task *model.BackupTask, mode string, w io.Writer) error {
	output, err := Build(ctx, st, task, mode)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(output); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	return nil
}
