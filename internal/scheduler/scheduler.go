// Package scheduler runs the engine's periodic maintenance passes: the daily
// decay pass and the review finalization / dispute expiry sweeps.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teamgrid/reputation/internal/logging"
)

// Scheduler manages registered maintenance tasks
type Scheduler struct {
	tasks   map[string]*Task
	running map[string]context.CancelFunc
	mu      sync.RWMutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	logger  *logging.Logger
}

// New creates a scheduler. Tasks run in UTC: score maintenance must not
// shift with the host timezone.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:   make(map[string]*Task),
		running: make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logging.WithField("component", "scheduler"),
	}
}

// Task is a registered maintenance pass
type Task struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Schedule   Schedule      `json:"schedule"`
	Handler    TaskHandler   `json:"-"`
	Enabled    bool          `json:"enabled"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	NextRun    *time.Time    `json:"next_run,omitempty"`
	RunCount   int64         `json:"run_count"`
	ErrorCount int64         `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Timeout    time.Duration `json:"timeout"`
}

// TaskHandler is the function executed for a task
type TaskHandler func(ctx context.Context) error

// Schedule defines when a task runs
type Schedule struct {
	Type     ScheduleType  `json:"type"`
	Interval time.Duration `json:"interval,omitempty"` // for interval schedules
	At       string        `json:"at,omitempty"`       // for daily schedules ("03:00")
}

// ScheduleType represents the type of schedule
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval" // run every X duration
	ScheduleDaily    ScheduleType = "daily"    // run at a fixed UTC time daily
)

// IntervalTask creates a task that runs at a fixed interval
func IntervalTask(id, name string, interval time.Duration, handler TaskHandler) *Task {
	return &Task{
		ID:       id,
		Name:     name,
		Schedule: Schedule{Type: ScheduleInterval, Interval: interval},
		Handler:  handler,
	}
}

// DailyTask creates a task that runs daily at a fixed UTC time
func DailyTask(id, name, at string, handler TaskHandler) *Task {
	return &Task{
		ID:       id,
		Name:     name,
		Schedule: Schedule{Type: ScheduleDaily, At: at},
		Handler:  handler,
	}
}

// Register adds a task to the scheduler
func (s *Scheduler) Register(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Handler == nil {
		return fmt.Errorf("task handler is required")
	}
	if task.Timeout == 0 {
		task.Timeout = 5 * time.Minute
	}

	task.Enabled = true
	nextRun := calculateNextRun(task.Schedule)
	task.NextRun = &nextRun

	s.tasks[task.ID] = task

	if s.started {
		s.startTask(task)
	}

	return nil
}

// Enable enables a task
func (s *Scheduler) Enable(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}

	task.Enabled = true
	if s.started {
		s.startTask(task)
	}
	return nil
}

// Disable disables a task
func (s *Scheduler) Disable(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}

	task.Enabled = false
	if cancel, ok := s.running[taskID]; ok {
		cancel()
		delete(s.running, taskID)
	}
	return nil
}

// Start starts all enabled tasks
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	for _, task := range s.tasks {
		if task.Enabled {
			s.startTask(task)
		}
	}

	s.logger.Info("Scheduler started: tasks=%d", len(s.tasks))
	return nil
}

// Stop stops the scheduler and waits for in-flight tasks
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}

	s.cancel()
	for _, cancel := range s.running {
		cancel()
	}
	s.running = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.started = false
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	return nil
}

func (s *Scheduler) startTask(task *Task) {
	taskCtx, cancel := context.WithCancel(s.ctx)
	s.running[task.ID] = cancel

	s.wg.Add(1)
	go s.runTaskLoop(taskCtx, task)
}

func (s *Scheduler) runTaskLoop(ctx context.Context, task *Task) {
	defer s.wg.Done()

	for {
		var waitDuration time.Duration

		s.mu.RLock()
		if task.NextRun != nil {
			waitDuration = time.Until(*task.NextRun)
		} else {
			waitDuration = time.Until(calculateNextRun(task.Schedule))
		}
		s.mu.RUnlock()

		if waitDuration < 0 {
			waitDuration = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(waitDuration):
			s.executeTask(ctx, task)
		}
	}
}

func (s *Scheduler) executeTask(ctx context.Context, task *Task) {
	execCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	now := time.Now().UTC()
	s.mu.Lock()
	task.LastRun = &now
	task.RunCount++
	s.mu.Unlock()

	err := task.Handler(execCtx)

	s.mu.Lock()
	if err != nil {
		task.ErrorCount++
		task.LastError = err.Error()
		s.logger.Error("Task %s failed: %v", task.ID, err)
	} else {
		task.LastError = ""
	}

	nextRun := calculateNextRun(task.Schedule)
	task.NextRun = &nextRun
	s.mu.Unlock()
}

func calculateNextRun(schedule Schedule) time.Time {
	now := time.Now().UTC()

	switch schedule.Type {
	case ScheduleInterval:
		return now.Add(schedule.Interval)

	case ScheduleDaily:
		hour, minute := 3, 0 // default 03:00 UTC, a quiet hour
		fmt.Sscanf(schedule.At, "%d:%d", &hour, &minute)

		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
		if next.Before(now) {
			next = next.Add(24 * time.Hour)
		}
		return next

	default:
		return now.Add(time.Hour)
	}
}

// RunNow executes a task immediately, outside its schedule
func (s *Scheduler) RunNow(taskID string) error {
	s.mu.RLock()
	task, ok := s.tasks[taskID]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}

	go s.executeTask(s.ctx, task)
	return nil
}

// GetTask returns a task by ID
func (s *Scheduler) GetTask(taskID string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	return task, ok
}

// ListTasks returns all registered tasks
func (s *Scheduler) ListTasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	return tasks
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Started:      s.started,
		TotalTasks:   len(s.tasks),
		RunningTasks: len(s.running),
	}

	for _, task := range s.tasks {
		if task.Enabled {
			stats.EnabledTasks++
		}
		stats.TotalRuns += task.RunCount
		stats.TotalErrors += task.ErrorCount
	}

	return stats
}

// Stats contains scheduler statistics
type Stats struct {
	Started      bool  `json:"started"`
	TotalTasks   int   `json:"total_tasks"`
	EnabledTasks int   `json:"enabled_tasks"`
	RunningTasks int   `json:"running_tasks"`
	TotalRuns    int64 `json:"total_runs"`
	TotalErrors  int64 `json:"total_errors"`
}
