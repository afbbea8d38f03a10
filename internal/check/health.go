package check

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"pbm/internal/model"
)

type Level int

const (
	Healthy Level = iota
	Warning
	Critical
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	}
	return "healthy"
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

const (
	recentRuns      = 10
	staleWarnAfter  = 3 * 24 * time.Hour
	staleCritAfter  = 7 * 24 * time.Hour
	failuresWarn    = 3
	failuresCrit    = 5
	rateWarnBelow   = 80.0
	rateCritBelow   = 50.0
	freeWarnBelow   = 20.0
	freeCritBelow   = 10.0
	longGapDuration = 30 * 24 * time.Hour
)

type TaskHealth struct {
	TaskID              string     `json:"task_id"`
	TaskName            string     `json:"task"`
	Level               Level      `json:"level"`
	Score               float64    `json:"score"`
	Issues              []string   `json:"issues,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	SuccessRate         float64    `json:"success_rate"`
}

func (h *TaskHealth) raise(level Level, issue string) {
	h.Issues = append(h.Issues, issue)
	h.Level = max(h.Level, level)
}

type Recommendation struct {
	Category string `json:"category"`
	Issue    string `json:"issue"`
	Action   string `json:"action"`
	Priority Level  `json:"priority"`
}

type HealthReport struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	TotalTasks      int              `json:"total_tasks"`
	HealthyTasks    int              `json:"healthy_tasks"`
	WarningTasks    int              `json:"warning_tasks"`
	CriticalTasks   int              `json:"critical_tasks"`
	OverallScore    float64          `json:"overall_score"`
	Tasks           []TaskHealth     `json:"tasks"`
	Recommendations []Recommendation `json:"recommendations"`
}

// HistoryLoader is the part of the store the health report reads.
type HistoryLoader interface {
	LoadHistories(ctx context.Context, taskID string) ([]*model.BackupHistory, error)
}

// freeSpace reports the free percentage of the filesystem holding path.
var freeSpace = func(path string) (float64, error) {
	usage, err := disk.Usage(existingParent(path))
	if err != nil {
		return 0, err
	}
	if usage.Total == 0 {
		return 100, nil
	}
	return float64(usage.Free) / float64(usage.Total) * 100, nil
}

// creatable reports whether path exists as a directory or could be created
// below its nearest existing ancestor.
func creatable(path string) bool {
	p := filepath.Clean(path)
	for {
		if info, err := os.Stat(p); err == nil {
			return info.IsDir()
		}
		parent := filepath.Dir(p)
		if parent == p {
			return false
		}
		p = parent
	}
}

func newestFirst(histories []*model.BackupHistory) []*model.BackupHistory {
	out := append([]*model.BackupHistory(nil), histories...)
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out
}

// Evaluate scores one task from its run history as of now. The score starts
// at 100, loses 10 per consecutive failure and the failure percentage of the
// last runs. A task without issues always scores 100.
func Evaluate(task *model.BackupTask, histories []*model.BackupHistory, now time.Time) TaskHealth {
	h := TaskHealth{TaskID: task.ID, TaskName: task.Name}
	if len(histories) == 0 {
		h.raise(Warning, "no backup history")
		h.Score = 50
		return h
	}
	sorted := newestFirst(histories)

	for _, run := range sorted {
		if run.Status == model.Completed {
			at := run.StartTime
			h.LastSuccess = &at
			break
		}
	}
	if h.LastSuccess == nil {
		h.raise(Critical, "never completed successfully")
	} else if age := now.Sub(*h.LastSuccess); age > staleCritAfter {
		h.raise(Critical, fmt.Sprintf("last successful backup was %.0f days ago", age.Hours()/24))
	} else if age > staleWarnAfter {
		h.raise(Warning, fmt.Sprintf("last successful backup was %.0f days ago", age.Hours()/24))
	}

	recent := sorted[:min(len(sorted), recentRuns)]
	succeeded := 0
	counting := true
	for _, run := range recent {
		switch run.Status {
		case model.Completed:
			succeeded++
			counting = false
		case model.Failed:
			if counting {
				h.ConsecutiveFailures++
			}
		}
	}
	switch {
	case h.ConsecutiveFailures >= failuresCrit:
		h.raise(Critical, fmt.Sprintf("%d consecutive failures", h.ConsecutiveFailures))
	case h.ConsecutiveFailures >= failuresWarn:
		h.raise(Warning, fmt.Sprintf("%d consecutive failures", h.ConsecutiveFailures))
	}

	h.SuccessRate = float64(succeeded) / float64(len(recent)) * 100
	switch {
	case h.SuccessRate < rateCritBelow:
		h.raise(Critical, fmt.Sprintf("success rate only %.0f%%", h.SuccessRate))
	case h.SuccessRate < rateWarnBelow:
		h.raise(Warning, fmt.Sprintf("success rate %.0f%% needs improvement", h.SuccessRate))
	}

	if _, err := os.Stat(task.Source); err != nil {
		h.raise(Critical, "source path is missing or not accessible")
	}
	if !creatable(task.Destination) {
		h.raise(Critical, "destination path cannot be created")
	}

	if len(h.Issues) == 0 {
		h.Score = 100
		return h
	}
	h.Score = max(0, 100-float64(h.ConsecutiveFailures*10)-(100-h.SuccessRate))
	return h
}

func recommend(tasks []*model.BackupTask, runs map[string][]*model.BackupHistory) []Recommendation {
	var recs []Recommendation
	for _, t := range tasks {
		free, err := freeSpace(t.Destination)
		if err != nil {
			continue
		}
		switch {
		case free < freeCritBelow:
			recs = append(recs, Recommendation{
				Category: "storage",
				Issue:    fmt.Sprintf("destination of %s has only %.1f%% free", t.Name, free),
				Action:   "free disk space or move the destination to a larger device",
				Priority: Critical,
			})
		case free < freeWarnBelow:
			recs = append(recs, Recommendation{
				Category: "storage",
				Issue:    fmt.Sprintf("destination of %s is getting full (%.1f%% free)", t.Name, free),
				Action:   "prune old backups or extend the storage",
				Priority: Warning,
			})
		}
	}

	for _, t := range tasks {
		sorted := newestFirst(runs[t.ID])
		if len(sorted) < 2 {
			continue
		}
		if gap := sorted[0].StartTime.Sub(sorted[1].StartTime); gap > longGapDuration {
			recs = append(recs, Recommendation{
				Category: "frequency",
				Issue:    fmt.Sprintf("task %s ran %.0f days apart", t.Name, gap.Hours()/24),
				Action:   "schedule the task more often",
				Priority: Warning,
			})
		}
	}

	if len(tasks) == 0 {
		return recs
	}
	var encrypted, versioned int
	for _, t := range tasks {
		if t.Encrypt {
			encrypted++
		}
		if t.Versioning {
			versioned++
		}
	}
	if encrypted == 0 {
		recs = append(recs, Recommendation{
			Category: "security",
			Issue:    "no task encrypts its backups",
			Action:   "enable encryption for tasks holding sensitive data",
			Priority: Warning,
		})
	}
	if versioned == 0 {
		recs = append(recs, Recommendation{
			Category: "versioning",
			Issue:    "no task keeps file versions",
			Action:   "enable versioning to keep earlier copies of changed files",
			Priority: Warning,
		})
	}
	return recs
}

// Health scores every task from its stored history and collects
// recommendations.
func Health(ctx context.Context, st HistoryLoader, tasks []*model.BackupTask, now time.Time) (*HealthReport, error) {
	report := &HealthReport{GeneratedAt: now, TotalTasks: len(tasks), OverallScore: 100}
	runs := make(map[string][]*model.BackupHistory, len(tasks))
	var total float64
	for _, t := range tasks {
		histories, err := st.LoadHistories(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load histories for %s: %w", t.Name, err)
		}
		runs[t.ID] = histories

		h := Evaluate(t, histories, now)
		switch h.Level {
		case Healthy:
			report.HealthyTasks++
		case Warning:
			report.WarningTasks++
		case Critical:
			report.CriticalTasks++
		}
		total += h.Score
		report.Tasks = append(report.Tasks, h)
	}
	if len(tasks) > 0 {
		report.OverallScore = total / float64(len(tasks))
	}
	report.Recommendations = recommend(tasks, runs)
	return report, nil
}

// WriteHealth prints the report as indented JSON.
func WriteHealth(w io.Writer, report *HealthReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
