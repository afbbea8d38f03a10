package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pbm/internal/model"
)

func openTest(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "pbm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func saveRun(t *testing.T, s *SQLite, id string, mode model.BackupMode, status model.Status, start time.Time, files ...string) {
	t.Helper()
	ctx := context.Background()
	h := &model.BackupHistory{ID: id, TaskID: "task", TaskName: "docs", StartTime: start, EndTime: start.Add(time.Minute), Mode: mode, Status: status}
	require.NoError(t, s.SaveHistory(ctx, h))

	var records []model.FileBackupInfo
	for _, f := range files {
		records = append(records, model.FileBackupInfo{RelPath: f, Size: 10, ModTime: start, Mode: mode, Copied: true})
	}
	require.NoError(t, s.SaveFileRecords(ctx, records, "task", id))
}

func TestTaskRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	task := &model.BackupTask{
		ID:          "t1",
		Name:        "docs",
		Source:      "/src",
		Destination: "/dst",
		Mode:        model.Differential,
		Enabled:     true,
		Exclude:     []string{"*.tmp", "cache"},
		Password:    "secret",
		Schedule:    &model.BackupSchedule{Mode: model.Weekly, Weekdays: []time.Weekday{time.Wednesday}, Recurring: true},
		LastStatus:  model.Completed,
	}
	require.NoError(t, s.SaveTask(ctx, task))

	tasks, err := s.LoadTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	got := tasks[0]
	assert.Equal(t, "docs", got.Name)
	assert.Equal(t, model.Differential, got.Mode)
	assert.Equal(t, []string{"*.tmp", "cache"}, got.Exclude)
	assert.Empty(t, got.Password)
	require.NotNil(t, got.Schedule)
	assert.Equal(t, []time.Weekday{time.Wednesday}, got.Schedule.Weekdays)
	assert.Equal(t, model.Completed, got.LastStatus)

	require.NoError(t, s.DeleteTask(ctx, "t1"))
	tasks, err = s.LoadTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestBaselines(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	saveRun(t, s, "full", model.Full, model.Completed, base, "a", "b")
	saveRun(t, s, "inc", model.Incremental, model.Completed, base.Add(10*time.Minute), "a", "b", "c")
	saveRun(t, s, "failed", model.Incremental, model.Failed, base.Add(20*time.Minute), "x")

	last, err := s.LastBackupFiles(ctx, "task")
	require.NoError(t, err)
	assert.Len(t, last, 3)
	assert.Contains(t, last, "c")

	full, err := s.LastFullBackupFiles(ctx, "task")
	require.NoError(t, err)
	assert.Len(t, full, 2)
	assert.NotContains(t, full, "c")

	none, err := s.LastBackupFiles(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestModTimeIsExact(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	mtime := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)

	require.NoError(t, s.SaveHistory(ctx, &model.BackupHistory{ID: "h", TaskID: "task", StartTime: time.Now(), Status: model.Completed}))
	require.NoError(t, s.SaveFileRecords(ctx, []model.FileBackupInfo{{RelPath: "a", ModTime: mtime}}, "task", "h"))

	records, err := s.FileRecords(ctx, "task", "h")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].ModTime.Equal(mtime))
}

func TestHistoriesAndCleanup(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now()

	saveRun(t, s, "old", model.Full, model.Completed, now.Add(-48*time.Hour), "a")
	saveRun(t, s, "running", model.Full, model.Running, now.Add(-47*time.Hour))
	saveRun(t, s, "new", model.Full, model.Completed, now, "a")

	histories, err := s.LoadHistories(ctx, "task")
	require.NoError(t, err)
	require.Len(t, histories, 3)
	assert.Equal(t, "new", histories[0].ID)

	n, err := s.CleanupHistories(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetHistory(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	records, err := s.FileRecords(ctx, "task", "old")
	require.NoError(t, err)
	assert.Empty(t, records)

	h, err := s.GetHistory(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, model.Running, h.Status)

	require.NoError(t, s.DeleteHistory(ctx, "new"))
	histories, err = s.LoadHistories(ctx, "task")
	require.NoError(t, err)
	assert.Len(t, histories, 1)
}

func TestExecutions(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveExecution(ctx, &model.ScheduledExecution{ID: "e1", TaskID: "a", ExecutedAt: now.Add(-time.Minute), Success: true, Duration: 3 * time.Second, Mode: model.Daily, IsAutomatic: true}))
	require.NoError(t, s.SaveExecution(ctx, &model.ScheduledExecution{ID: "e2", TaskID: "a", ExecutedAt: now, Error: "boom"}))
	require.NoError(t, s.SaveExecution(ctx, &model.ScheduledExecution{ID: "e3", TaskID: "b", ExecutedAt: now}))

	list, err := s.Executions(ctx, "a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "e2", list[0].ID)
	assert.Equal(t, 3*time.Second, list[1].Duration)
	assert.True(t, list[1].IsAutomatic)

	all, err := s.AllExecutions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
