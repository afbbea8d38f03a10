package check

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pbm/internal/model"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func runAt(ago time.Duration, status model.Status) *model.BackupHistory {
	return &model.BackupHistory{StartTime: now.Add(-ago), Status: status}
}

func healthTask(t *testing.T) *model.BackupTask {
	t.Helper()
	return &model.BackupTask{
		ID:          "t1",
		Name:        "docs",
		Source:      t.TempDir(),
		Destination: filepath.Join(t.TempDir(), "backups"),
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		runs     []*model.BackupHistory
		level    Level
		score    float64
		failures int
		rate     float64
	}{
		{
			name:  "no history",
			level: Warning,
			score: 50,
		},
		{
			name:  "recent successes",
			runs:  []*model.BackupHistory{runAt(time.Hour, model.Completed), runAt(25*time.Hour, model.Completed)},
			level: Healthy,
			score: 100,
			rate:  100,
		},
		{
			name:  "stale for five days",
			runs:  []*model.BackupHistory{runAt(5*24*time.Hour, model.Completed)},
			level: Warning,
			score: 100,
			rate:  100,
		},
		{
			name:  "stale for eight days",
			runs:  []*model.BackupHistory{runAt(8*24*time.Hour, model.Completed)},
			level: Critical,
			score: 100,
			rate:  100,
		},
		{
			name: "three failures after a success",
			runs: []*model.BackupHistory{
				runAt(time.Hour, model.Failed), runAt(2*time.Hour, model.Failed),
				runAt(3*time.Hour, model.Failed), runAt(4*time.Hour, model.Completed),
			},
			level:    Critical,
			score:    0,
			failures: 3,
			rate:     25,
		},
		{
			name:     "never completed",
			runs:     []*model.BackupHistory{runAt(time.Hour, model.Failed), runAt(2*time.Hour, model.Failed)},
			level:    Critical,
			score:    0,
			failures: 2,
		},
		{
			name: "seventy percent over the last ten",
			runs: []*model.BackupHistory{
				runAt(1*time.Hour, model.Failed), runAt(2*time.Hour, model.Failed),
				runAt(3*time.Hour, model.Completed), runAt(4*time.Hour, model.Completed),
				runAt(5*time.Hour, model.Failed), runAt(6*time.Hour, model.Completed),
				runAt(7*time.Hour, model.Completed), runAt(8*time.Hour, model.Completed),
				runAt(9*time.Hour, model.Completed), runAt(10*time.Hour, model.Completed),
				runAt(11*time.Hour, model.Failed), runAt(12*time.Hour, model.Failed),
			},
			level:    Warning,
			score:    50,
			failures: 2,
			rate:     70,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Evaluate(healthTask(t), tt.runs, now)
			assert.Equal(t, tt.level, h.Level, h.Issues)
			assert.InDelta(t, tt.score, h.Score, 0.001)
			assert.Equal(t, tt.failures, h.ConsecutiveFailures)
			assert.InDelta(t, tt.rate, h.SuccessRate, 0.001)
		})
	}
}

func TestEvaluateEscalatesOnly(t *testing.T) {
	runs := []*model.BackupHistory{
		runAt(time.Hour, model.Failed), runAt(2*time.Hour, model.Failed), runAt(3*time.Hour, model.Failed),
		runAt(9*24*time.Hour, model.Completed), runAt(10*24*time.Hour, model.Completed),
		runAt(11*24*time.Hour, model.Completed), runAt(12*24*time.Hour, model.Completed),
		runAt(13*24*time.Hour, model.Completed), runAt(14*24*time.Hour, model.Completed),
		runAt(15*24*time.Hour, model.Completed),
	}
	h := Evaluate(healthTask(t), runs, now)
	assert.Equal(t, Critical, h.Level)
	assert.Len(t, h.Issues, 3)
}

func TestEvaluateMissingPaths(t *testing.T) {
	task := healthTask(t)
	task.Source = filepath.Join(t.TempDir(), "gone")
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	task.Destination = filepath.Join(blocker, "backups")

	h := Evaluate(task, []*model.BackupHistory{runAt(time.Hour, model.Completed)}, now)
	assert.Equal(t, Critical, h.Level)
	assert.Contains(t, h.Issues, "source path is missing or not accessible")
	assert.Contains(t, h.Issues, "destination path cannot be created")
}

type fakeHistories map[string][]*model.BackupHistory

func (f fakeHistories) LoadHistories(_ context.Context, taskID string) ([]*model.BackupHistory, error) {
	if taskID == "broken" {
		return nil, errors.New("database is locked")
	}
	return f[taskID], nil
}

func stubFreeSpace(t *testing.T, pct float64) {
	t.Helper()
	orig := freeSpace
	freeSpace = func(string) (float64, error) { return pct, nil }
	t.Cleanup(func() { freeSpace = orig })
}

func categories(recs []Recommendation) map[string]Level {
	out := make(map[string]Level)
	for _, r := range recs {
		out[r.Category] = r.Priority
	}
	return out
}

func TestHealthReport(t *testing.T) {
	stubFreeSpace(t, 50)
	healthy := healthTask(t)
	fresh := healthTask(t)
	fresh.ID = "t2"
	fresh.Name = "photos"
	fresh.Encrypt = true

	st := fakeHistories{
		"t1": {runAt(time.Hour, model.Completed), runAt(40*24*time.Hour, model.Completed)},
	}
	report, err := Health(context.Background(), st, []*model.BackupTask{healthy, fresh}, now)
	require.NoError(t, err)

	assert.Equal(t, 2, report.TotalTasks)
	assert.Equal(t, 1, report.HealthyTasks)
	assert.Equal(t, 1, report.WarningTasks)
	assert.InDelta(t, 75, report.OverallScore, 0.001)

	recs := categories(report.Recommendations)
	assert.Equal(t, Warning, recs["frequency"])
	assert.Equal(t, Warning, recs["versioning"])
	assert.NotContains(t, recs, "security")
	assert.NotContains(t, recs, "storage")

	var out bytes.Buffer
	require.NoError(t, WriteHealth(&out, report))
	assert.Contains(t, out.String(), `"level": "warning"`)
}

func TestHealthStorageRecommendations(t *testing.T) {
	tests := []struct {
		free float64
		want Level
		ok   bool
	}{
		{free: 5, want: Critical, ok: true},
		{free: 15, want: Warning, ok: true},
		{free: 40},
	}
	for _, tt := range tests {
		stubFreeSpace(t, tt.free)
		report, err := Health(context.Background(), fakeHistories{}, []*model.BackupTask{healthTask(t)}, now)
		require.NoError(t, err)
		level, ok := categories(report.Recommendations)["storage"]
		assert.Equal(t, tt.ok, ok, "free %.0f%%", tt.free)
		if tt.ok {
			assert.Equal(t, tt.want, level)
		}
	}
}

func TestHealthWithoutTasks(t *testing.T) {
	report, err := Health(context.Background(), fakeHistories{}, nil, now)
	require.NoError(t, err)
	assert.Equal(t, 100.0, report.OverallScore)
	assert.Empty(t, report.Recommendations)
}

func TestHealthLoadError(t *testing.T) {
	task := healthTask(t)
	task.ID = "broken"
	_, err := Health(context.Background(), fakeHistories{}, []*model.BackupTask{task}, now)
	assert.ErrorContains(t, err, "database is locked")
}
