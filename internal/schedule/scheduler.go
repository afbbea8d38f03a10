package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"pbm/internal/model"
)

var ErrNotScheduled = errors.New("task has no automatic schedule")

// Runner executes one backup run of a task.
type Runner interface {
	Run(ctx context.Context, task *model.BackupTask) (*model.BackupHistory, error)
}

type RunnerFunc func(ctx context.Context, task *model.BackupTask) (*model.BackupHistory, error)

func (f RunnerFunc) Run(ctx context.Context, task *model.BackupTask) (*model.BackupHistory, error) {
	return f(ctx, task)
}

type ExecutionStore interface {
	SaveExecution(ctx context.Context, e *model.ScheduledExecution) error
	Executions(ctx context.Context, taskID string) ([]*model.ScheduledExecution, error)
	AllExecutions(ctx context.Context) ([]*model.ScheduledExecution, error)
}

type entry struct {
	task  *model.BackupTask
	timer *time.Timer
	next  time.Time
	gen   uint64
	// firing is set while the task runs. The entry stays registered so that
	// Remove and Update during the run replace it and stop the re-arm.
	firing bool
}

// Scheduler arms one timer per task and runs the task when it fires.
// Recurring schedules are re-armed after each execution.
type Scheduler struct {
	runner Runner
	store  ExecutionStore
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(runner Runner, store ExecutionStore, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:  runner,
		store:   store,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Start enables firing. Runs started by the scheduler use a context derived
// from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.logger.Info("Scheduler started", "tasks", len(s.entries))
}

// Stop disarms every timer, cancels executions in flight and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// Add arms a timer for task. Manual schedules and disabled tasks are ignored
// and reported with ErrNotScheduled.
func (s *Scheduler) Add(task *model.BackupTask) error {
	if task.Schedule == nil || task.Schedule.Mode == model.Manual || !task.Enabled {
		return ErrNotScheduled
	}

	now := s.now()
	next, ok := NextRun(task.Schedule, now)
	if !ok {
		return fmt.Errorf("cannot compute next run for task %s", task.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarm(task.ID)
	s.arm(task, now, next)
	return nil
}

// arm must be called with s.mu held.
func (s *Scheduler) arm(task *model.BackupTask, now, next time.Time) {
	s.gen++
	gen := s.gen
	delay := max(next.Sub(now), 0)
	task.NextRunAt = next
	s.entries[task.ID] = &entry{
		task: task,
		next: next,
		gen:  gen,
		timer: time.AfterFunc(delay, func() {
			s.fire(task.ID, gen)
		}),
	}
	s.logger.Info("Task scheduled", "task", task.Name, "mode", task.Schedule.Mode, "next", next)
}

func (s *Scheduler) Remove(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarm(taskID)
}

func (s *Scheduler) Update(task *model.BackupTask) error {
	s.Remove(task.ID)
	return s.Add(task)
}

func (s *Scheduler) disarm(taskID string) {
	if e, ok := s.entries[taskID]; ok {
		e.timer.Stop()
		delete(s.entries, taskID)
	}
}

// NextRun reports the armed fire time of a task.
func (s *Scheduler) NextRun(taskID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[taskID]; ok && !e.firing {
		return e.next, true
	}
	return time.Time{}, false
}

// Scheduled returns the ids of armed tasks.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id, e := range s.entries {
		if !e.firing {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Scheduler) fire(taskID string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[taskID]
	if !ok || e.gen != gen || e.firing {
		s.mu.Unlock()
		return
	}
	if running, enabled := s.running, e.task.Enabled; !running || !enabled {
		delete(s.entries, taskID)
		s.mu.Unlock()
		s.logger.Info("Skipping scheduled run", "task", e.task.Name, "running", running, "enabled", enabled)
		return
	}
	e.firing = true
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	task := e.task
	s.execute(ctx, task, true)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Remove, Update or Stop during the run replaced or dropped the entry.
	if s.entries[taskID] != e {
		return
	}
	delete(s.entries, taskID)
	if !s.running || !task.Schedule.Recurring || !task.Enabled {
		return
	}
	now := s.now()
	next, ok := NextRun(task.Schedule, now)
	if !ok {
		s.logger.Warn("Failed to re-arm schedule", "task", task.Name)
		return
	}
	s.arm(task, now, next)
}

// RunNow executes task immediately and records it as a manual execution.
func (s *Scheduler) RunNow(ctx context.Context, task *model.BackupTask) *model.ScheduledExecution {
	return s.execute(ctx, task, false)
}

func (s *Scheduler) execute(ctx context.Context, task *model.BackupTask, automatic bool) *model.ScheduledExecution {
	exec := &model.ScheduledExecution{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		TaskName:    task.Name,
		ExecutedAt:  s.now(),
		IsAutomatic: automatic,
	}
	if task.Schedule != nil {
		exec.Mode = task.Schedule.Mode
	}

	s.logger.Info("Executing task", "task", task.Name, "automatic", automatic)
	start := time.Now()
	hist, err := s.runner.Run(ctx, task)
	exec.Duration = time.Since(start)

	switch {
	case err != nil:
		exec.Error = err.Error()
	case hist == nil:
		exec.Error = "no history returned"
	default:
		exec.Success = hist.Status == model.Completed
		exec.Error = hist.Error
		exec.Files = hist.Success
		exec.Bytes = hist.TotalSize
	}

	if s.store != nil {
		// The run context may already be cancelled; the record is still kept.
		if err := s.store.SaveExecution(context.WithoutCancel(ctx), exec); err != nil {
			s.logger.Warn("Failed to save execution", "task", task.Name, "error", err)
		}
	}
	s.logger.Info("Task execution finished", "task", task.Name, "success", exec.Success, "duration", exec.Duration)
	return exec
}

func (s *Scheduler) Executions(ctx context.Context, taskID string) ([]*model.ScheduledExecution, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.Executions(ctx, taskID)
}

func (s *Scheduler) AllExecutions(ctx context.Context) ([]*model.ScheduledExecution, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.AllExecutions(ctx)
}
