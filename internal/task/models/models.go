package models

import (
	"time"

	v1 "github.com/gantryhq/gantry/pkg/api/v1"
)

// Task is the persistent record for one agent invocation. The store owns
// every durable field; the executor only ever reports back through status
// updates.
type Task struct {
	ID               int64           `json:"id"`
	Title            string          `json:"title"`
	Prompt           string          `json:"prompt"`
	Status           v1.TaskStatus   `json:"status"`
	Mode             v1.TaskMode     `json:"mode"`
	Priority         v1.TaskPriority `json:"priority"`
	WorktreeBranch   string          `json:"worktree_branch,omitempty"`
	WorkingDirectory string          `json:"working_directory,omitempty"`
	WorkerPID        *int            `json:"worker_pid,omitempty"`
	Output           string          `json:"output,omitempty"`
	Plan             string          `json:"plan,omitempty"`
	Error            string          `json:"error,omitempty"`
	ExitCode         *int            `json:"exit_code,omitempty"`
	InputTokens      *int64          `json:"input_tokens,omitempty"`
	OutputTokens     *int64          `json:"output_tokens,omitempty"`
	CostUSD          *float64        `json:"cost_usd,omitempty"`
	DependsOn        []int64         `json:"depends_on"`
	RepoPath         string          `json:"repo_path,omitempty"`
	Tags             []string        `json:"tags"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// TaskLog represents one append-only log entry for a task
type TaskLog struct {
	ID        int64       `json:"id"`
	TaskID    int64       `json:"task_id"`
	Timestamp time.Time   `json:"timestamp"`
	Level     v1.LogLevel `json:"level"`
	Message   string      `json:"message"`
	RawOutput string      `json:"raw_output,omitempty"`
}

// validTransitions enumerates every allowed status change. Anything not
// listed here is a state conflict.
var validTransitions = map[v1.TaskStatus][]v1.TaskStatus{
	v1.TaskStatusPending: {
		v1.TaskStatusInProgress,
		v1.TaskStatusCancelled,
	},
	v1.TaskStatusInProgress: {
		v1.TaskStatusReview,
		v1.TaskStatusCompleted,
		v1.TaskStatusFailed,
		v1.TaskStatusCancelled,
	},
	v1.TaskStatusReview: {
		v1.TaskStatusPending,
	},
	v1.TaskStatusFailed: {
		v1.TaskStatusPending,
	},
}

// CanTransition reports whether a task may move from one status to another.
// A same-status write is not a transition and is permitted unless the task
// is already terminal, which makes it immutable.
func CanTransition(from, to v1.TaskStatus) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, allowed := range validTransitions[from] {
		if to == allowed {
			return true
		}
	}
	return false
}

// ToAPI converts the internal task to its wire representation
func (t *Task) ToAPI() *v1.Task {
	dependsOn := t.DependsOn
	if dependsOn == nil {
		dependsOn = []int64{}
	}
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	return &v1.Task{
		ID:               t.ID,
		Title:            t.Title,
		Prompt:           t.Prompt,
		Status:           t.Status,
		Mode:             t.Mode,
		Priority:         t.Priority,
		WorktreeBranch:   t.WorktreeBranch,
		WorkingDirectory: t.WorkingDirectory,
		WorkerPID:        t.WorkerPID,
		Output:           t.Output,
		Plan:             t.Plan,
		Error:            t.Error,
		ExitCode:         t.ExitCode,
		InputTokens:      t.InputTokens,
		OutputTokens:     t.OutputTokens,
		CostUSD:          t.CostUSD,
		DependsOn:        dependsOn,
		RepoPath:         t.RepoPath,
		Tags:             tags,
		CreatedAt:        t.CreatedAt,
		StartedAt:        t.StartedAt,
		CompletedAt:      t.CompletedAt,
	}
}

// ToAPI converts the internal log entry to its wire representation
func (l *TaskLog) ToAPI() *v1.TaskLog {
	return &v1.TaskLog{
		ID:        l.ID,
		TaskID:    l.TaskID,
		Timestamp: l.Timestamp,
		Level:     l.Level,
		Message:   l.Message,
		RawOutput: l.RawOutput,
	}
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.DependsOn != nil {
		c.DependsOn = append([]int64(nil), t.DependsOn...)
	}
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	c.WorkerPID = clonePtr(t.WorkerPID)
	c.ExitCode = clonePtr(t.ExitCode)
	c.InputTokens = clonePtr(t.InputTokens)
	c.OutputTokens = clonePtr(t.OutputTokens)
	c.CostUSD = clonePtr(t.CostUSD)
	c.StartedAt = clonePtr(t.StartedAt)
	c.CompletedAt = clonePtr(t.CompletedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
