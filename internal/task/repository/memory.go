package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/gantryhq/gantry/internal/common/errors"
	"github.com/gantryhq/gantry/internal/task/models"
	v1 "github.com/gantryhq/gantry/pkg/api/v1"
)

// MemoryRepository provides in-memory task storage with the same state
// machine semantics as the SQL store. Useful for tests and ephemeral runs;
// nothing survives a restart.
type MemoryRepository struct {
	mu      sync.RWMutex
	tasks   map[int64]*models.Task
	logs    map[int64][]*models.TaskLog
	nextID  int64
	nextLog int64
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory task repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks: make(map[int64]*models.Task),
		logs:  make(map[int64][]*models.TaskLog),
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateTask creates a new task
func (r *MemoryRepository) CreateTask(ctx context.Context, task *models.Task) error {
	if err := validateNewTask(task); err != nil {
		return err
	}
	applyTaskDefaults(task)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dep := range task.DependsOn {
		if _, ok := r.tasks[dep]; !ok {
			return apperrors.ValidationError("depends_on", fmt.Sprintf("references missing task %d", dep))
		}
	}

	r.nextID++
	task.ID = r.nextID
	r.tasks[task.ID] = task.Clone()
	return nil
}

// GetTask retrieves a task by ID
func (r *MemoryRepository) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	return task.Clone(), nil
}

// ListTasks returns tasks filtered by status when non-nil.
func (r *MemoryRepository) ListTasks(ctx context.Context, status *v1.TaskStatus) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Task
	for _, task := range r.tasks {
		if status == nil || task.Status == *status {
			result = append(result, task.Clone())
		}
	}
	if status != nil && *status == v1.TaskStatusPending {
		sortByDispatchOrder(result)
	} else {
		sort.Slice(result, func(i, j int) bool {
			if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
				return result[i].CreatedAt.Before(result[j].CreatedAt)
			}
			return result[i].ID < result[j].ID
		})
	}
	return result, nil
}

// UpdateTask applies a partial patch under the state machine rules.
func (r *MemoryRepository) UpdateTask(ctx context.Context, id int64, patch *TaskUpdate) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}

	target := task.Status
	if patch.Status != nil {
		target = *patch.Status
	}
	if !models.CanTransition(task.Status, target) {
		return nil, apperrors.StateConflict(fmt.Sprintf("task %d cannot transition from %s to %s", id, task.Status, target))
	}

	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Prompt != nil {
		task.Prompt = *patch.Prompt
	}
	if patch.Mode != nil {
		task.Mode = *patch.Mode
	}
	if patch.Priority != nil {
		task.Priority = *patch.Priority
	}
	if patch.WorktreeBranch != nil {
		task.WorktreeBranch = *patch.WorktreeBranch
	}
	if patch.WorkingDirectory != nil {
		task.WorkingDirectory = *patch.WorkingDirectory
	}
	if patch.WorkerPID != nil {
		pid := *patch.WorkerPID
		task.WorkerPID = &pid
	}
	if patch.Output != nil {
		task.Output = *patch.Output
	}
	if patch.Plan != nil {
		task.Plan = *patch.Plan
	}
	if patch.Error != nil {
		task.Error = *patch.Error
	}
	if patch.ExitCode != nil {
		code := *patch.ExitCode
		task.ExitCode = &code
	}
	if patch.InputTokens != nil {
		tok := *patch.InputTokens
		task.InputTokens = &tok
	}
	if patch.OutputTokens != nil {
		tok := *patch.OutputTokens
		task.OutputTokens = &tok
	}
	if patch.CostUSD != nil {
		cost := *patch.CostUSD
		task.CostUSD = &cost
	}
	if patch.StartedAt != nil {
		t := *patch.StartedAt
		task.StartedAt = &t
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		task.CompletedAt = &t
	}

	if patch.Status != nil && *patch.Status != task.Status {
		now := time.Now().UTC()
		if *patch.Status == v1.TaskStatusInProgress && patch.StartedAt == nil {
			task.StartedAt = &now
		}
		if patch.Status.IsTerminal() {
			if patch.CompletedAt == nil {
				task.CompletedAt = &now
			}
			task.WorkerPID = nil
		}
		task.Status = *patch.Status
	}

	return task.Clone(), nil
}

// DeleteTask deletes a task and its logs
func (r *MemoryRepository) DeleteTask(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return apperrors.NotFound("task", id)
	}
	delete(r.tasks, id)
	delete(r.logs, id)
	return nil
}

// CountTasks returns the number of tasks with the given status
func (r *MemoryRepository) CountTasks(ctx context.Context, status v1.TaskStatus) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, task := range r.tasks {
		if task.Status == status {
			count++
		}
	}
	return count, nil
}

// StatusCounts returns the number of tasks per status.
func (r *MemoryRepository) StatusCounts(ctx context.Context) (map[v1.TaskStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[v1.TaskStatus]int)
	for _, task := range r.tasks {
		counts[task.Status]++
	}
	return counts, nil
}

// GetNextPendingTask returns the best-ranked pending task, or nil.
func (r *MemoryRepository) GetNextPendingTask(ctx context.Context) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var pending []*models.Task
	for _, task := range r.tasks {
		if task.Status == v1.TaskStatusPending {
			pending = append(pending, task)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sortByDispatchOrder(pending)
	return pending[0].Clone(), nil
}

// MarkDispatched atomically claims a pending task for execution.
func (r *MemoryRepository) MarkDispatched(ctx context.Context, id int64) (*models.Task, error) {
	return r.guardedTransition(id, v1.TaskStatusPending, "only pending tasks can be dispatched", func(task *models.Task) {
		now := time.Now().UTC()
		task.Status = v1.TaskStatusInProgress
		task.StartedAt = &now
	})
}

// RetryTask resets a failed task for another attempt.
func (r *MemoryRepository) RetryTask(ctx context.Context, id int64) (*models.Task, error) {
	return r.guardedTransition(id, v1.TaskStatusFailed, "only failed tasks can be retried", func(task *models.Task) {
		task.Status = v1.TaskStatusPending
		task.Error = ""
		task.ExitCode = nil
		task.InputTokens = nil
		task.OutputTokens = nil
		task.CostUSD = nil
		task.CompletedAt = nil
		task.WorkerPID = nil
	})
}

// ApprovePlan releases a reviewed plan for execution.
func (r *MemoryRepository) ApprovePlan(ctx context.Context, id int64) (*models.Task, error) {
	return r.guardedTransition(id, v1.TaskStatusReview, "only tasks in review can be approved", func(task *models.Task) {
		task.Status = v1.TaskStatusPending
		task.Mode = v1.TaskModeExecute
	})
}

func (r *MemoryRepository) guardedTransition(id int64, required v1.TaskStatus, conflictMsg string, apply func(*models.Task)) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	if task.Status != required {
		return nil, apperrors.StateConflict(fmt.Sprintf("task %d: %s", id, conflictMsg))
	}
	apply(task)
	return task.Clone(), nil
}

// Recover rewrites every in_progress task back to pending.
func (r *MemoryRepository) Recover(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, task := range r.tasks {
		if task.Status == v1.TaskStatusInProgress {
			task.Status = v1.TaskStatusPending
			task.StartedAt = nil
			task.WorkerPID = nil
			count++
		}
	}
	return count, nil
}

// AddLog appends one log entry for a task.
func (r *MemoryRepository) AddLog(ctx context.Context, taskID int64, level v1.LogLevel, message, rawOutput string) (*models.TaskLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[taskID]; !ok {
		return nil, apperrors.NotFound("task", taskID)
	}

	r.nextLog++
	entry := &models.TaskLog{
		ID:        r.nextLog,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		RawOutput: rawOutput,
	}
	r.logs[taskID] = append(r.logs[taskID], entry)
	return entry, nil
}

// GetTaskLogs returns a task's log entries in insertion order.
func (r *MemoryRepository) GetTaskLogs(ctx context.Context, taskID int64) ([]*models.TaskLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.logs[taskID]
	result := make([]*models.TaskLog, len(entries))
	copy(result, entries)
	return result, nil
}

// sortByDispatchOrder sorts tasks the way the scheduler consumes them:
// priority rank descending, then oldest first, then lowest id.
func sortByDispatchOrder(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		ri, rj := tasks[i].Priority.Rank(), tasks[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
