package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pbm/internal/model"
)

type memStore struct {
	mu   sync.Mutex
	list []*model.ScheduledExecution
}

func (m *memStore) SaveExecution(_ context.Context, e *model.ScheduledExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list = append(m.list, e)
	return nil
}

func (m *memStore) Executions(_ context.Context, taskID string) ([]*model.ScheduledExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ScheduledExecution
	for _, e := range m.list {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) AllExecutions(context.Context) ([]*model.ScheduledExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.ScheduledExecution(nil), m.list...), nil
}

func intervalTask(id string, every time.Duration, recurring bool) *model.BackupTask {
	return &model.BackupTask{
		ID:       id,
		Name:     id,
		Enabled:  true,
		Schedule: &model.BackupSchedule{Mode: model.Interval, Interval: every, Recurring: recurring},
	}
}

func TestSchedulerFiresOnce(t *testing.T) {
	runs := make(chan string, 10)
	runner := RunnerFunc(func(_ context.Context, task *model.BackupTask) (*model.BackupHistory, error) {
		runs <- task.ID
		return &model.BackupHistory{Status: model.Completed, Success: 3, TotalSize: 42}, nil
	})
	store := &memStore{}
	s := New(runner, store, nil)
	s.Start(context.Background())
	defer s.Stop()

	task := intervalTask("once", 20*time.Millisecond, false)
	require.NoError(t, s.Add(task))
	_, armed := s.NextRun("once")
	assert.True(t, armed)

	select {
	case id := <-runs:
		assert.Equal(t, "once", id)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled task did not run")
	}

	assert.Eventually(t, func() bool {
		list, _ := s.Executions(context.Background(), "once")
		return len(list) == 1
	}, time.Second, 10*time.Millisecond)

	list, err := s.Executions(context.Background(), "once")
	require.NoError(t, err)
	assert.True(t, list[0].Success)
	assert.True(t, list[0].IsAutomatic)
	assert.Equal(t, 3, list[0].Files)
	assert.EqualValues(t, 42, list[0].Bytes)
	assert.Equal(t, model.Interval, list[0].Mode)

	_, armed = s.NextRun("once")
	assert.False(t, armed)
}

func TestSchedulerRecurring(t *testing.T) {
	var mu sync.Mutex
	count := 0
	runner := RunnerFunc(func(context.Context, *model.BackupTask) (*model.BackupHistory, error) {
		mu.Lock()
		count++
		mu.Unlock()
		return &model.BackupHistory{Status: model.Completed}, nil
	})
	s := New(runner, &memStore{}, nil)
	s.Start(context.Background())

	require.NoError(t, s.Add(intervalTask("repeat", 10*time.Millisecond, true)))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 3
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	assert.Empty(t, s.Scheduled())
}

func TestSchedulerRemoveBeforeFire(t *testing.T) {
	ran := make(chan struct{}, 1)
	runner := RunnerFunc(func(context.Context, *model.BackupTask) (*model.BackupHistory, error) {
		ran <- struct{}{}
		return &model.BackupHistory{Status: model.Completed}, nil
	})
	s := New(runner, nil, nil)
	s.Start(context.Background())
	defer s.Stop()

	require.NoError(t, s.Add(intervalTask("gone", 50*time.Millisecond, false)))
	s.Remove("gone")

	select {
	case <-ran:
		t.Fatal("removed task ran")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSchedulerSkipsDisabledAtFire(t *testing.T) {
	ran := make(chan struct{}, 1)
	runner := RunnerFunc(func(context.Context, *model.BackupTask) (*model.BackupHistory, error) {
		ran <- struct{}{}
		return nil, nil
	})
	s := New(runner, nil, nil)
	s.Start(context.Background())
	defer s.Stop()

	task := intervalTask("off", 30*time.Millisecond, true)
	require.NoError(t, s.Add(task))
	s.mu.Lock()
	task.Enabled = false
	s.mu.Unlock()

	select {
	case <-ran:
		t.Fatal("disabled task ran")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestAddIgnoresManualAndDisabled(t *testing.T) {
	s := New(nil, nil, nil)
	assert.ErrorIs(t, s.Add(&model.BackupTask{ID: "m", Enabled: true, Schedule: &model.BackupSchedule{Mode: model.Manual}}), ErrNotScheduled)
	assert.ErrorIs(t, s.Add(&model.BackupTask{ID: "n", Enabled: true}), ErrNotScheduled)

	task := intervalTask("d", time.Hour, true)
	task.Enabled = false
	assert.ErrorIs(t, s.Add(task), ErrNotScheduled)
}

func TestRunNowRecordsFailure(t *testing.T) {
	runner := RunnerFunc(func(context.Context, *model.BackupTask) (*model.BackupHistory, error) {
		return nil, errors.New("source missing")
	})
	store := &memStore{}
	s := New(runner, store, nil)

	exec := s.RunNow(context.Background(), intervalTask("manual", time.Hour, false))
	assert.False(t, exec.Success)
	assert.False(t, exec.IsAutomatic)
	assert.Equal(t, "source missing", exec.Error)

	all, err := s.AllExecutions(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func blockingRunner(started chan<- string, release <-chan struct{}) RunnerFunc {
	return func(_ context.Context, task *model.BackupTask) (*model.BackupHistory, error) {
		started <- task.ID
		<-release
		return &model.BackupHistory{Status: model.Completed}, nil
	}
}

func TestUpdateDuringRunKeepsNewSchedule(t *testing.T) {
	started := make(chan string, 10)
	release := make(chan struct{})
	s := New(blockingRunner(started, release), nil, nil)
	s.Start(context.Background())
	defer s.Stop()

	require.NoError(t, s.Add(intervalTask("busy", 20*time.Millisecond, true)))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled task did not run")
	}

	updated := &model.BackupTask{
		ID:       "busy",
		Name:     "busy",
		Enabled:  true,
		Schedule: &model.BackupSchedule{Mode: model.Daily, StartTime: time.Date(0, 1, 1, 3, 0, 0, 0, time.Local), Recurring: true},
	}
	require.NoError(t, s.Update(updated))
	want, armed := s.NextRun("busy")
	require.True(t, armed)
	close(release)

	select {
	case <-started:
		t.Fatal("stale interval schedule fired again")
	case <-time.After(150 * time.Millisecond):
	}
	got, armed := s.NextRun("busy")
	require.True(t, armed)
	assert.Equal(t, want, got)
	assert.Equal(t, 3, got.Hour())
}

func TestRemoveDuringRunStopsRearm(t *testing.T) {
	started := make(chan string, 10)
	release := make(chan struct{})
	s := New(blockingRunner(started, release), nil, nil)
	s.Start(context.Background())
	defer s.Stop()

	require.NoError(t, s.Add(intervalTask("busy", 20*time.Millisecond, true)))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled task did not run")
	}
	s.Remove("busy")
	close(release)

	select {
	case <-started:
		t.Fatal("removed task fired again")
	case <-time.After(150 * time.Millisecond):
	}
	assert.Empty(t, s.Scheduled())
}
