package repository

import (
	"context"
	"time"

	"github.com/gantryhq/gantry/internal/task/models"
	v1 "github.com/gantryhq/gantry/pkg/api/v1"
)

// TaskUpdate is a partial patch for a task. Nil fields are left untouched.
// A status change is validated against the task state machine before
// anything is written; a disallowed transition fails with a state conflict.
type TaskUpdate struct {
	Title            *string
	Prompt           *string
	Status           *v1.TaskStatus
	Mode             *v1.TaskMode
	Priority         *v1.TaskPriority
	WorktreeBranch   *string
	WorkingDirectory *string
	WorkerPID        *int
	Output           *string
	Plan             *string
	Error            *string
	ExitCode         *int
	InputTokens      *int64
	OutputTokens     *int64
	CostUSD          *float64
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// Repository defines the interface for durable task and log storage.
//
// The store owns the task state machine: every write that changes status
// is checked against the allowed transitions, timestamps are maintained at
// the boundary (started_at on dispatch, completed_at on entry to a terminal
// state), and the guarded transition methods below are atomic so concurrent
// schedulers or API calls cannot double-apply them.
type Repository interface {
	// CreateTask persists a new pending task, assigning its ID and
	// created_at. Every id in DependsOn must reference an existing task.
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	// ListTasks returns tasks filtered by status when non-nil. Pending
	// tasks come back in dispatch order; every other listing is ordered
	// by creation time.
	ListTasks(ctx context.Context, status *v1.TaskStatus) ([]*models.Task, error)
	UpdateTask(ctx context.Context, id int64, patch *TaskUpdate) (*models.Task, error)
	// DeleteTask removes a task and cascades to its log entries.
	DeleteTask(ctx context.Context, id int64) error
	CountTasks(ctx context.Context, status v1.TaskStatus) (int, error)
	StatusCounts(ctx context.Context) (map[v1.TaskStatus]int, error)
	// GetNextPendingTask returns the best-ranked pending task: highest
	// priority first, then oldest, then lowest id. Returns nil when no
	// task is pending.
	GetNextPendingTask(ctx context.Context) (*models.Task, error)

	// MarkDispatched atomically moves a pending task to in_progress and
	// stamps started_at.
	MarkDispatched(ctx context.Context, id int64) (*models.Task, error)
	// RetryTask atomically moves a failed task back to pending, clearing
	// error, exit code, usage accounting and completed_at.
	RetryTask(ctx context.Context, id int64) (*models.Task, error)
	// ApprovePlan atomically moves a review task back to pending and
	// switches its mode to execute.
	ApprovePlan(ctx context.Context, id int64) (*models.Task, error)
	// Recover forces every in_progress task back to pending, clearing
	// started_at. Called once on boot before the scheduler starts; the
	// returned count is the number of repaired tasks.
	Recover(ctx context.Context) (int, error)

	AddLog(ctx context.Context, taskID int64, level v1.LogLevel, message, rawOutput string) (*models.TaskLog, error)
	GetTaskLogs(ctx context.Context, taskID int64) ([]*models.TaskLog, error)

	// Close closes the repository (for database connections)
	Close() error
}
