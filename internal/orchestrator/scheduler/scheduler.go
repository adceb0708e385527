// Package scheduler dispatches pending tasks to the executor. It polls
// the task store on a fixed cadence, bounded by the configured
// concurrency limit, and owns the store write-backs for everything the
// executor reports through its callbacks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/gantryhq/gantry/internal/common/errors"
	"github.com/gantryhq/gantry/internal/common/logger"
	"github.com/gantryhq/gantry/internal/events"
	"github.com/gantryhq/gantry/internal/events/bus"
	"github.com/gantryhq/gantry/internal/metrics"
	"github.com/gantryhq/gantry/internal/orchestrator/executor"
	"github.com/gantryhq/gantry/internal/task/models"
	"github.com/gantryhq/gantry/internal/task/repository"
	v1 "github.com/gantryhq/gantry/pkg/api/v1"
	"github.com/gantryhq/gantry/pkg/claudecode"
)

var (
	// ErrSchedulerAlreadyRunning is returned when starting an already running scheduler
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
	// ErrSchedulerNotRunning is returned when stopping a non-running scheduler
	ErrSchedulerNotRunning = errors.New("scheduler not running")
)

// Config controls the dispatch loop.
type Config struct {
	// PollInterval is how often the store is checked for dispatchable work.
	PollInterval time.Duration
	// MaxConcurrent bounds the number of tasks in progress at once.
	// Zero disables dispatch entirely.
	MaxConcurrent int
	// PlanReview routes successful plan-mode runs to review instead of
	// completed, so the plan waits for approval before execution.
	PlanReview bool
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:  2 * time.Second,
		MaxConcurrent: 3,
		PlanReview:    true,
	}
}

// AgentRunner is the executor surface the scheduler drives. Implemented
// by *executor.Executor.
type AgentRunner interface {
	// Execute runs a task's agent to completion, reporting through cb.
	Execute(ctx context.Context, task *models.Task, cb executor.Callbacks)
	// ActiveCount returns the number of agents currently running.
	ActiveCount() int
}

// Status is a snapshot of the scheduler's dispatch counters.
type Status struct {
	Dispatched    int `json:"dispatched"`
	Succeeded     int `json:"succeeded"`
	Failed        int `json:"failed"`
	ActiveWorkers int `json:"active_workers"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Scheduler polls the task store and starts ready tasks. The store is
// the single source of truth: occupancy is counted from it, candidates
// are ranked by it, and the guarded dispatch claim in MarkDispatched is
// what actually moves a task to in_progress, so concurrent loops cannot
// double-run a task.
type Scheduler struct {
	repo   repository.Repository
	runner AgentRunner
	bus    bus.EventBus
	cfg    Config
	logger *logger.Logger

	mu      sync.RWMutex
	running bool
	runCtx  context.Context
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// dispatchMu serializes dispatch passes. The free-slot check and the
	// claim are separate store reads, so overlapping passes from the poll
	// loop and Tick could each fill the same slot.
	dispatchMu sync.Mutex

	statsMu    sync.Mutex
	dispatched int
	succeeded  int
	failed     int

	// warnedMissingDep tracks tasks already reported for depending on an
	// id that does not exist, so the warning is logged once per task.
	warnedMu         sync.Mutex
	warnedMissingDep map[int64]bool
}

// NewScheduler creates a scheduler. The bus receives a state event on
// every dispatch, an output event per agent event and a complete event
// per finished run.
func NewScheduler(repo repository.Repository, runner AgentRunner, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Scheduler{
		repo:             repo,
		runner:           runner,
		bus:              eventBus,
		cfg:              cfg,
		logger:           log.WithComponent("scheduler"),
		warnedMissingDep: make(map[int64]bool),
	}
}

// Start launches the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerAlreadyRunning
	}

	s.running = true
	s.runCtx = ctx
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.pollLoop(ctx)

	s.logger.Info("scheduler started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Int("max_concurrent", s.cfg.MaxConcurrent))
	return nil
}

// Stop halts the dispatch loop and waits for it to exit. Agents already
// running are left alone; they keep reporting through their callbacks.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning reports whether the dispatch loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Status returns the dispatch counters.
func (s *Scheduler) Status() Status {
	active := s.runner.ActiveCount()
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return Status{
		Dispatched:    s.dispatched,
		Succeeded:     s.succeeded,
		Failed:        s.failed,
		ActiveWorkers: active,
		MaxConcurrent: s.cfg.MaxConcurrent,
	}
}

// Tick runs one dispatch pass outside the poll cadence. The API layer
// calls it after writes that can unblock work, so a freshly created or
// approved task does not wait out the poll interval. Agents started by
// the pass run on the scheduler's own context, not the caller's: a
// dispatched agent must outlive the request that triggered it.
func (s *Scheduler) Tick(ctx context.Context) {
	s.dispatchReady(s.dispatchContext(ctx))
}

func (s *Scheduler) dispatchContext(ctx context.Context) context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.running && s.runCtx != nil {
		return s.runCtx
	}
	return ctx
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler loop stopped by context")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.dispatchReady(ctx)
			s.updateGauges(ctx)
		}
	}
}

// dispatchReady starts as many pending tasks as there are free slots.
// Occupancy is recounted from the store on every iteration so tasks
// started by anyone else are accounted for.
func (s *Scheduler) dispatchReady(ctx context.Context) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		active, err := s.repo.CountTasks(ctx, v1.TaskStatusInProgress)
		if err != nil {
			s.logger.Error("failed to count running tasks", zap.Error(err))
			return
		}
		if active >= s.cfg.MaxConcurrent {
			return
		}

		next, err := s.repo.GetNextPendingTask(ctx)
		if err != nil {
			s.logger.Error("failed to fetch next pending task", zap.Error(err))
			return
		}
		if next == nil {
			return
		}
		if !s.dependenciesMet(ctx, next) {
			return
		}

		task, err := s.repo.MarkDispatched(ctx, next.ID)
		if err != nil {
			// Claimed or deleted between ranking and dispatch.
			if apperrors.IsStateConflict(err) || apperrors.IsNotFound(err) {
				continue
			}
			s.logger.Error("failed to claim task",
				zap.Int64("task_id", next.ID),
				zap.Error(err))
			return
		}

		s.startTask(ctx, task)
	}
}

// dependenciesMet reports whether every dependency exists and has
// completed. A dependency on a missing id can never be satisfied; it is
// logged once and the task stays pending until it is removed.
func (s *Scheduler) dependenciesMet(ctx context.Context, task *models.Task) bool {
	for _, depID := range task.DependsOn {
		dep, err := s.repo.GetTask(ctx, depID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				s.warnMissingDep(task.ID, depID)
				return false
			}
			s.logger.Error("failed to load dependency",
				zap.Int64("task_id", task.ID),
				zap.Int64("depends_on", depID),
				zap.Error(err))
			return false
		}
		if dep.Status != v1.TaskStatusCompleted {
			return false
		}
	}
	return true
}

func (s *Scheduler) warnMissingDep(taskID, depID int64) {
	s.warnedMu.Lock()
	defer s.warnedMu.Unlock()
	if s.warnedMissingDep[taskID] {
		return
	}
	s.warnedMissingDep[taskID] = true
	s.logger.Warn("task depends on a missing task and will never dispatch",
		zap.Int64("task_id", taskID),
		zap.Int64("depends_on", depID))
}

func (s *Scheduler) startTask(ctx context.Context, task *models.Task) {
	s.statsMu.Lock()
	s.dispatched++
	s.statsMu.Unlock()
	metrics.TasksDispatched.Inc()

	s.logger.Info("dispatching task",
		zap.Int64("task_id", task.ID),
		zap.String("title", task.Title),
		zap.String("mode", string(task.Mode)),
		zap.String("priority", string(task.Priority)))

	s.publish(ctx, events.BuildTaskStateSubject(task.ID), events.TaskState, map[string]interface{}{
		"task_id": task.ID,
		"type":    v1.StreamEventState,
		"status":  string(v1.TaskStatusInProgress),
	})

	go s.runner.Execute(ctx, task, executor.Callbacks{
		OnStart:  s.handleStart,
		OnOutput: s.handleOutput,
		OnComplete: func(_ int64, res *executor.Result) {
			s.handleComplete(task, res)
		},
	})
}

// handleStart records the agent's process identity as soon as it spawns.
// Callback writes use a fresh context: they must land even while the
// server context is being torn down.
func (s *Scheduler) handleStart(taskID int64, pid int, branch, workdir string) {
	patch := &repository.TaskUpdate{
		WorkerPID:        &pid,
		WorktreeBranch:   &branch,
		WorkingDirectory: &workdir,
	}
	if _, err := s.repo.UpdateTask(context.Background(), taskID, patch); err != nil {
		s.logger.Error("failed to record agent start",
			zap.Int64("task_id", taskID),
			zap.Error(err))
	}
}

// handleOutput mirrors one parsed agent event into the task log and onto
// the bus.
func (s *Scheduler) handleOutput(taskID int64, ev claudecode.Event) {
	ctx := context.Background()

	level := v1.LogLevelInfo
	if ev.Kind == claudecode.EventError {
		level = v1.LogLevelError
	}
	message := ev.Describe()

	if _, err := s.repo.AddLog(ctx, taskID, level, message, ev.Raw); err != nil {
		s.logger.Warn("failed to store task log",
			zap.Int64("task_id", taskID),
			zap.Error(err))
	}

	s.publish(ctx, events.BuildTaskOutputSubject(taskID), events.TaskOutput, map[string]interface{}{
		"task_id": taskID,
		"type":    v1.StreamEventOutput,
		"level":   string(level),
		"message": message,
		"raw":     ev.Raw,
	})
}

// handleComplete persists the executor's verdict. A successful plan-mode
// run lands in review when plan review is enabled, so the plan waits for
// approval instead of closing the task.
func (s *Scheduler) handleComplete(task *models.Task, res *executor.Result) {
	ctx := context.Background()

	status := res.Status
	if status == v1.TaskStatusCompleted && task.Mode == v1.TaskModePlan && s.cfg.PlanReview {
		status = v1.TaskStatusReview
	}

	patch := &repository.TaskUpdate{
		Status:       &status,
		ExitCode:     &res.ExitCode,
		Output:       &res.Output,
		Plan:         &res.Plan,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		CostUSD:      res.CostUSD,
	}
	if res.Error != "" {
		patch.Error = &res.Error
	}

	if _, err := s.repo.UpdateTask(ctx, task.ID, patch); err != nil {
		s.logger.Error("failed to record task result",
			zap.Int64("task_id", task.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}

	summary := fmt.Sprintf("Task finished with status %s (exit code %d)", status, res.ExitCode)
	level := v1.LogLevelInfo
	if status == v1.TaskStatusFailed {
		level = v1.LogLevelError
	}
	if _, err := s.repo.AddLog(ctx, task.ID, level, summary, ""); err != nil {
		s.logger.Warn("failed to store completion log",
			zap.Int64("task_id", task.ID),
			zap.Error(err))
	}

	s.statsMu.Lock()
	if status == v1.TaskStatusFailed {
		s.failed++
	} else {
		s.succeeded++
	}
	s.statsMu.Unlock()
	metrics.TaskCompletions.WithLabelValues(string(status)).Inc()

	s.logger.Info("task finished",
		zap.Int64("task_id", task.ID),
		zap.String("status", string(status)),
		zap.Int("exit_code", res.ExitCode))

	data := map[string]interface{}{
		"task_id":   task.ID,
		"type":      v1.StreamEventComplete,
		"status":    string(status),
		"exit_code": res.ExitCode,
	}
	if res.InputTokens != nil {
		data["input_tokens"] = *res.InputTokens
	}
	if res.OutputTokens != nil {
		data["output_tokens"] = *res.OutputTokens
	}
	if res.CostUSD != nil {
		data["cost_usd"] = *res.CostUSD
	}
	s.publish(ctx, events.BuildTaskCompleteSubject(task.ID), events.TaskComplete, data)
}

// updateGauges refreshes the store-derived gauges on the poll cadence.
func (s *Scheduler) updateGauges(ctx context.Context) {
	counts, err := s.repo.StatusCounts(ctx)
	if err != nil {
		return
	}
	for _, status := range []v1.TaskStatus{
		v1.TaskStatusPending,
		v1.TaskStatusInProgress,
		v1.TaskStatusReview,
		v1.TaskStatusCompleted,
		v1.TaskStatusFailed,
		v1.TaskStatusCancelled,
	} {
		metrics.TasksByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	metrics.ActiveAgents.Set(float64(s.runner.ActiveCount()))
}

func (s *Scheduler) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(eventType, "scheduler", data)); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
