package v1

import "time"

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further work. Terminal
// tasks are immutable except for an explicit retry of a failed task.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a recognised status value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusReview,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskMode selects how the agent prompt is composed
type TaskMode string

const (
	TaskModeExecute TaskMode = "execute"
	TaskModePlan    TaskMode = "plan"
)

// Valid reports whether m is a recognised mode value.
func (m TaskMode) Valid() bool {
	return m == TaskModeExecute || m == TaskModePlan
}

// TaskPriority orders pending tasks for dispatch
type TaskPriority string

const (
	TaskPriorityLow    TaskPriority = "low"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityHigh   TaskPriority = "high"
	TaskPriorityUrgent TaskPriority = "urgent"
)

// Rank returns the numeric dispatch rank. Higher ranks dispatch first;
// unknown values rank below low.
func (p TaskPriority) Rank() int {
	switch p {
	case TaskPriorityUrgent:
		return 4
	case TaskPriorityHigh:
		return 3
	case TaskPriorityMedium:
		return 2
	case TaskPriorityLow:
		return 1
	}
	return 0
}

// Valid reports whether p is a recognised priority value.
func (p TaskPriority) Valid() bool {
	return p.Rank() > 0
}

// LogLevel classifies task log entries
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Task is the wire representation of a task
type Task struct {
	ID               int64        `json:"id"`
	Title            string       `json:"title"`
	Prompt           string       `json:"prompt"`
	Status           TaskStatus   `json:"status"`
	Mode             TaskMode     `json:"mode"`
	Priority         TaskPriority `json:"priority"`
	WorktreeBranch   string       `json:"worktree_branch,omitempty"`
	WorkingDirectory string       `json:"working_directory,omitempty"`
	WorkerPID        *int         `json:"worker_pid,omitempty"`
	Output           string       `json:"output,omitempty"`
	Plan             string       `json:"plan,omitempty"`
	Error            string       `json:"error,omitempty"`
	ExitCode         *int         `json:"exit_code,omitempty"`
	InputTokens      *int64       `json:"input_tokens,omitempty"`
	OutputTokens     *int64       `json:"output_tokens,omitempty"`
	CostUSD          *float64     `json:"cost_usd,omitempty"`
	DependsOn        []int64      `json:"depends_on"`
	RepoPath         string       `json:"repo_path,omitempty"`
	Tags             []string     `json:"tags"`
	CreatedAt        time.Time    `json:"created_at"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
}

// TaskLog is one append-only log entry for a task
type TaskLog struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	RawOutput string    `json:"raw_output,omitempty"`
}

// CreateTaskRequest for submitting a new task
type CreateTaskRequest struct {
	Title     string       `json:"title" binding:"required,max=200"`
	Prompt    string       `json:"prompt" binding:"required"`
	Mode      TaskMode     `json:"mode,omitempty"`
	Priority  TaskPriority `json:"priority,omitempty"`
	DependsOn []int64      `json:"depends_on,omitempty"`
	RepoPath  string       `json:"repo_path,omitempty"`
	Tags      []string     `json:"tags,omitempty"`
}

// BatchTaskRequest is one item of a batch submission. DependsOnIndex
// names dependencies on other items of the same batch by list position;
// they resolve to real task ids once the referenced items are inserted.
type BatchTaskRequest struct {
	CreateTaskRequest
	DependsOnIndex []int `json:"depends_on_index,omitempty"`
}

// TaskWithLogs pairs a task with its ordered log entries
type TaskWithLogs struct {
	Task *Task      `json:"task"`
	Logs []*TaskLog `json:"logs"`
}

// ActionResponse acknowledges a state-changing action with the resulting status
type ActionResponse struct {
	Status string `json:"status"`
}

// HealthResponse for liveness probes
type HealthResponse struct {
	Status string `json:"status"`
}

// MergeResponse reports the outcome of merging a task branch into the base repository
type MergeResponse struct {
	Merged bool   `json:"merged"`
	Output string `json:"output,omitempty"`
}

// StatusResponse summarises store occupancy and scheduler load
type StatusResponse struct {
	Pending       int `json:"pending"`
	InProgress    int `json:"in_progress"`
	Review        int `json:"review"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Cancelled     int `json:"cancelled"`
	MaxConcurrent int `json:"max_concurrent"`
	ActiveWorkers int `json:"active_workers"`
}

// Stream event types pushed to websocket observers
const (
	StreamEventState    = "state"
	StreamEventOutput   = "output"
	StreamEventComplete = "complete"
	StreamEventChat     = "chat"
)

// StreamEvent is the envelope pushed to websocket observers. Fields beyond
// TaskID and Type are populated per event type: state events carry Status,
// output events carry Level/Message/Raw, complete events carry Status plus
// the exit code and usage accounting.
type StreamEvent struct {
	TaskID       int64      `json:"task_id,omitempty"`
	Type         string     `json:"type"`
	Status       TaskStatus `json:"status,omitempty"`
	Level        LogLevel   `json:"level,omitempty"`
	Message      string     `json:"message,omitempty"`
	Raw          string     `json:"raw,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	InputTokens  *int64     `json:"input_tokens,omitempty"`
	OutputTokens *int64     `json:"output_tokens,omitempty"`
	CostUSD      *float64   `json:"cost_usd,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
}

// ChatSession is the wire representation of an interactive agent session
type ChatSession struct {
	ID             string    `json:"id"`
	WorkingDir     string    `json:"working_dir"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	Processing     bool      `json:"processing"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChatMessage is one transcript entry in a chat session
type ChatMessage struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CreateChatSessionRequest for opening a new chat session
type CreateChatSessionRequest struct {
	WorkingDir string `json:"working_dir,omitempty"`
}

// ChatMessageRequest for sending one message to a chat session
type ChatMessageRequest struct {
	Text string `json:"text" binding:"required"`
}
