package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/gantryhq/gantry/internal/common/errors"
	"github.com/gantryhq/gantry/internal/db"
	"github.com/gantryhq/gantry/internal/task/models"
	v1 "github.com/gantryhq/gantry/pkg/api/v1"
)

// SQLRepository provides task storage over SQLite or PostgreSQL. Queries
// are written with ? placeholders and rebound per driver, so the same
// implementation serves both backends.
type SQLRepository struct {
	db *sqlx.DB
}

// Ensure SQLRepository implements Repository interface
var _ Repository = (*SQLRepository)(nil)

// schemaTemplate is instantiated with the driver's auto-increment primary
// key column definition.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS tasks (
	id %s,
	title TEXT NOT NULL,
	prompt TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	mode TEXT NOT NULL DEFAULT 'execute',
	priority TEXT NOT NULL DEFAULT 'medium',
	worktree_branch TEXT,
	working_directory TEXT,
	worker_pid INTEGER,
	output TEXT,
	plan TEXT,
	error TEXT,
	exit_code INTEGER,
	input_tokens BIGINT,
	output_tokens BIGINT,
	cost_usd REAL,
	depends_on TEXT NOT NULL DEFAULT '[]',
	repo_path TEXT,
	tags TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS task_logs (
	id %s,
	task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	timestamp TIMESTAMP NOT NULL,
	level TEXT NOT NULL DEFAULT 'info',
	message TEXT NOT NULL,
	raw_output TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority, created_at);
CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id);
`

const taskColumns = `id, title, prompt, status, mode, priority, worktree_branch, working_directory, worker_pid, output, plan, error, exit_code, input_tokens, output_tokens, cost_usd, depends_on, repo_path, tags, created_at, started_at, completed_at`

// priorityRankSQL orders pending tasks for dispatch: urgent > high >
// medium > low, unknown last. Kept in SQL so ranking happens on the
// indexed (priority, created_at) pair.
const priorityRankSQL = `
	CASE priority
		WHEN 'urgent' THEN 4
		WHEN 'high'   THEN 3
		WHEN 'medium' THEN 2
		WHEN 'low'    THEN 1
		ELSE 0
	END`

// NewSQLRepository creates a repository on an open database handle and
// initialises the schema.
func NewSQLRepository(database *sqlx.DB) (*SQLRepository, error) {
	repo := &SQLRepository{db: database}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *SQLRepository) initSchema() error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if db.IsPostgres(r.db.DriverName()) {
		pk = "BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY"
	}
	_, err := r.db.Exec(fmt.Sprintf(schemaTemplate, pk, pk))
	return err
}

// Close closes the database connection
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// CreateTask persists a new pending task. Dependency ids are validated
// inside the insert transaction so a referenced task cannot vanish between
// check and insert.
func (r *SQLRepository) CreateTask(ctx context.Context, task *models.Task) error {
	if err := validateNewTask(task); err != nil {
		return err
	}
	applyTaskDefaults(task)

	dependsOn, err := json.Marshal(task.DependsOn)
	if err != nil {
		return apperrors.ValidationError("depends_on", err.Error())
	}
	tags, err := json.Marshal(task.Tags)
	if err != nil {
		return apperrors.ValidationError("tags", err.Error())
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.InternalError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(task.DependsOn) > 0 {
		if err := checkDependenciesExist(ctx, tx, task.DependsOn); err != nil {
			return err
		}
	}

	id, err := db.InsertReturningID(ctx, tx, `
		INSERT INTO tasks (title, prompt, status, mode, priority, depends_on, repo_path, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.Title, task.Prompt, string(task.Status), string(task.Mode), string(task.Priority),
		string(dependsOn), nullableString(task.RepoPath), string(tags), task.CreatedAt)
	if err != nil {
		return apperrors.InternalError("failed to insert task", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.InternalError("failed to commit task insert", err)
	}

	task.ID = id
	return nil
}

// checkDependenciesExist verifies every dependency id references a stored
// task. It runs inside the caller's transaction.
func checkDependenciesExist(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	unique := uniqueIDs(ids)
	query, args, err := sqlx.In(`SELECT COUNT(*) FROM tasks WHERE id IN (?)`, unique)
	if err != nil {
		return apperrors.InternalError("failed to build dependency query", err)
	}
	var count int
	if err := tx.GetContext(ctx, &count, tx.Rebind(query), args...); err != nil {
		return apperrors.InternalError("failed to check dependencies", err)
	}
	if count != len(unique) {
		return apperrors.ValidationError("depends_on", fmt.Sprintf("references %d missing task(s)", len(unique)-count))
	}
	return nil
}

// GetTask retrieves a task by ID
func (r *SQLRepository) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE id = ?
	`), id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to read task", err)
	}
	return task, nil
}

// ListTasks returns tasks filtered by status when non-nil. Pending tasks
// come back in dispatch order; everything else by creation time.
func (r *SQLRepository) ListTasks(ctx context.Context, status *v1.TaskStatus) ([]*models.Task, error) {
	var (
		query string
		args  []any
	)
	switch {
	case status != nil && *status == v1.TaskStatusPending:
		query = `SELECT ` + taskColumns + ` FROM tasks WHERE status = ? ORDER BY` + priorityRankSQL + ` DESC, created_at ASC, id ASC`
		args = []any{string(*status)}
	case status != nil:
		query = `SELECT ` + taskColumns + ` FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC`
		args = []any{string(*status)}
	default:
		query = `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at ASC, id ASC`
	}

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, apperrors.InternalError("failed to list tasks", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// UpdateTask applies a partial patch. Status changes are validated against
// the state machine and guarded against concurrent writers; timestamps are
// maintained here so callers cannot break the lifecycle invariants.
func (r *SQLRepository) UpdateTask(ctx context.Context, id int64, patch *TaskUpdate) (*models.Task, error) {
	current, err := r.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	target := current.Status
	if patch.Status != nil {
		target = *patch.Status
	}
	if !models.CanTransition(current.Status, target) {
		return nil, apperrors.StateConflict(fmt.Sprintf("task %d cannot transition from %s to %s", id, current.Status, target))
	}

	var sets []string
	var args []any
	set := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if patch.Title != nil {
		set("title", *patch.Title)
	}
	if patch.Prompt != nil {
		set("prompt", *patch.Prompt)
	}
	if patch.Mode != nil {
		set("mode", string(*patch.Mode))
	}
	if patch.Priority != nil {
		set("priority", string(*patch.Priority))
	}
	if patch.WorktreeBranch != nil {
		set("worktree_branch", *patch.WorktreeBranch)
	}
	if patch.WorkingDirectory != nil {
		set("working_directory", *patch.WorkingDirectory)
	}
	if patch.WorkerPID != nil {
		set("worker_pid", *patch.WorkerPID)
	}
	if patch.Output != nil {
		set("output", *patch.Output)
	}
	if patch.Plan != nil {
		set("plan", *patch.Plan)
	}
	if patch.Error != nil {
		set("error", *patch.Error)
	}
	if patch.ExitCode != nil {
		set("exit_code", *patch.ExitCode)
	}
	if patch.InputTokens != nil {
		set("input_tokens", *patch.InputTokens)
	}
	if patch.OutputTokens != nil {
		set("output_tokens", *patch.OutputTokens)
	}
	if patch.CostUSD != nil {
		set("cost_usd", *patch.CostUSD)
	}
	if patch.StartedAt != nil {
		set("started_at", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		set("completed_at", *patch.CompletedAt)
	}

	if patch.Status != nil && *patch.Status != current.Status {
		set("status", string(*patch.Status))
		now := time.Now().UTC()
		if *patch.Status == v1.TaskStatusInProgress && patch.StartedAt == nil {
			set("started_at", now)
		}
		if patch.Status.IsTerminal() {
			if patch.CompletedAt == nil {
				set("completed_at", now)
			}
			// The worker handle dies with the process.
			set("worker_pid", nil)
		}
	}

	if len(sets) == 0 {
		return current, nil
	}

	args = append(args, id, string(current.Status))
	query := `UPDATE tasks SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ?`
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, apperrors.InternalError("failed to update task", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// The status guard failed: the task changed under us.
		return nil, apperrors.StateConflict(fmt.Sprintf("task %d was concurrently modified", id))
	}

	return r.GetTask(ctx, id)
}

// DeleteTask deletes a task; its log entries go with it via the foreign
// key cascade.
func (r *SQLRepository) DeleteTask(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return apperrors.InternalError("failed to delete task", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("task", id)
	}
	return nil
}

// CountTasks returns the number of tasks with the given status
func (r *SQLRepository) CountTasks(ctx context.Context, status v1.TaskStatus) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, r.db.Rebind(`SELECT COUNT(*) FROM tasks WHERE status = ?`), string(status))
	if err != nil {
		return 0, apperrors.InternalError("failed to count tasks", err)
	}
	return count, nil
}

// StatusCounts returns the number of tasks per status in one query.
func (r *SQLRepository) StatusCounts(ctx context.Context) (map[v1.TaskStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, apperrors.InternalError("failed to count tasks by status", err)
	}
	defer rows.Close()

	counts := make(map[v1.TaskStatus]int)
	for rows.Next() {
		var status v1.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperrors.InternalError("failed to scan status count", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// GetNextPendingTask returns the best-ranked pending task, or nil when the
// queue is empty.
func (r *SQLRepository) GetNextPendingTask(ctx context.Context) (*models.Task, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'pending'
		ORDER BY`+priorityRankSQL+` DESC, created_at ASC, id ASC
		LIMIT 1
	`)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to read next pending task", err)
	}
	return task, nil
}

// MarkDispatched atomically claims a pending task for execution.
func (r *SQLRepository) MarkDispatched(ctx context.Context, id int64) (*models.Task, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?
	`), string(v1.TaskStatusInProgress), time.Now().UTC(), id, string(v1.TaskStatusPending))
	if err != nil {
		return nil, apperrors.InternalError("failed to dispatch task", err)
	}
	return r.afterGuardedTransition(ctx, id, result, "only pending tasks can be dispatched")
}

// RetryTask resets a failed task for another attempt.
func (r *SQLRepository) RetryTask(ctx context.Context, id int64) (*models.Task, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks
		SET status = ?, error = NULL, exit_code = NULL,
		    input_tokens = NULL, output_tokens = NULL, cost_usd = NULL,
		    completed_at = NULL, worker_pid = NULL
		WHERE id = ? AND status = ?
	`), string(v1.TaskStatusPending), id, string(v1.TaskStatusFailed))
	if err != nil {
		return nil, apperrors.InternalError("failed to retry task", err)
	}
	return r.afterGuardedTransition(ctx, id, result, "only failed tasks can be retried")
}

// ApprovePlan releases a reviewed plan for execution.
func (r *SQLRepository) ApprovePlan(ctx context.Context, id int64) (*models.Task, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET status = ?, mode = ? WHERE id = ? AND status = ?
	`), string(v1.TaskStatusPending), string(v1.TaskModeExecute), id, string(v1.TaskStatusReview))
	if err != nil {
		return nil, apperrors.InternalError("failed to approve plan", err)
	}
	return r.afterGuardedTransition(ctx, id, result, "only tasks in review can be approved")
}

// afterGuardedTransition resolves the outcome of a guarded UPDATE: zero
// rows affected means either the task is missing or it was not in the
// required source status.
func (r *SQLRepository) afterGuardedTransition(ctx context.Context, id int64, result sql.Result, conflictMsg string) (*models.Task, error) {
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := r.GetTask(ctx, id); err != nil {
			return nil, err
		}
		return nil, apperrors.StateConflict(fmt.Sprintf("task %d: %s", id, conflictMsg))
	}
	return r.GetTask(ctx, id)
}

// Recover rewrites every in_progress task back to pending. Invoked once on
// boot, before the scheduler starts, so a crash never leaves phantom
// running tasks behind.
func (r *SQLRepository) Recover(ctx context.Context) (int, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET status = ?, started_at = NULL, worker_pid = NULL WHERE status = ?
	`), string(v1.TaskStatusPending), string(v1.TaskStatusInProgress))
	if err != nil {
		return 0, apperrors.InternalError("failed to recover in-progress tasks", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, apperrors.InternalError("failed to count recovered tasks", err)
	}
	return int(rows), nil
}

// AddLog appends one log entry for a task.
func (r *SQLRepository) AddLog(ctx context.Context, taskID int64, level v1.LogLevel, message, rawOutput string) (*models.TaskLog, error) {
	entry := &models.TaskLog{
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		RawOutput: rawOutput,
	}
	id, err := db.InsertReturningID(ctx, r.db, `
		INSERT INTO task_logs (task_id, timestamp, level, message, raw_output)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, entry.Timestamp, string(level), message, nullableString(rawOutput))
	if err != nil {
		return nil, apperrors.InternalError("failed to insert log", err)
	}
	entry.ID = id
	return entry, nil
}

// GetTaskLogs returns a task's log entries ordered by time, with the
// monotonic insert id as tie-break.
func (r *SQLRepository) GetTaskLogs(ctx context.Context, taskID int64) ([]*models.TaskLog, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT id, task_id, timestamp, level, message, raw_output
		FROM task_logs WHERE task_id = ?
		ORDER BY timestamp ASC, id ASC
	`), taskID)
	if err != nil {
		return nil, apperrors.InternalError("failed to list logs", err)
	}
	defer rows.Close()

	var result []*models.TaskLog
	for rows.Next() {
		entry := &models.TaskLog{}
		var raw sql.NullString
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.Timestamp, &entry.Level, &entry.Message, &raw); err != nil {
			return nil, apperrors.InternalError("failed to scan log", err)
		}
		entry.RawOutput = raw.String
		result = append(result, entry)
	}
	return result, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task                               models.Task
		branch, workDir, output, plan      sql.NullString
		errMsg, repoPath                   sql.NullString
		workerPID, exitCode, inTok, outTok sql.NullInt64
		cost                               sql.NullFloat64
		dependsOn, tags                    string
		startedAt, completedAt             sql.NullTime
	)
	err := row.Scan(
		&task.ID, &task.Title, &task.Prompt, &task.Status, &task.Mode, &task.Priority,
		&branch, &workDir, &workerPID, &output, &plan, &errMsg, &exitCode,
		&inTok, &outTok, &cost, &dependsOn, &repoPath, &tags,
		&task.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	task.WorktreeBranch = branch.String
	task.WorkingDirectory = workDir.String
	task.Output = output.String
	task.Plan = plan.String
	task.Error = errMsg.String
	task.RepoPath = repoPath.String
	if workerPID.Valid {
		pid := int(workerPID.Int64)
		task.WorkerPID = &pid
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		task.ExitCode = &code
	}
	if inTok.Valid {
		task.InputTokens = &inTok.Int64
	}
	if outTok.Valid {
		task.OutputTokens = &outTok.Int64
	}
	if cost.Valid {
		task.CostUSD = &cost.Float64
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	_ = json.Unmarshal([]byte(dependsOn), &task.DependsOn)
	_ = json.Unmarshal([]byte(tags), &task.Tags)
	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var result []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, apperrors.InternalError("failed to scan task", err)
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

// validateNewTask enforces the create-time field constraints.
func validateNewTask(task *models.Task) error {
	if strings.TrimSpace(task.Title) == "" {
		return apperrors.ValidationError("title", "must not be empty")
	}
	if len(task.Title) > 200 {
		return apperrors.ValidationError("title", "must be at most 200 characters")
	}
	if strings.TrimSpace(task.Prompt) == "" {
		return apperrors.ValidationError("prompt", "must not be empty")
	}
	if task.Mode != "" && !task.Mode.Valid() {
		return apperrors.ValidationError("mode", fmt.Sprintf("%q is not a valid mode", task.Mode))
	}
	if task.Priority != "" && !task.Priority.Valid() {
		return apperrors.ValidationError("priority", fmt.Sprintf("%q is not a valid priority", task.Priority))
	}
	if task.Status != "" && task.Status != v1.TaskStatusPending {
		return apperrors.ValidationError("status", "new tasks always start pending")
	}
	return nil
}

func applyTaskDefaults(task *models.Task) {
	task.Status = v1.TaskStatusPending
	if task.Mode == "" {
		task.Mode = v1.TaskModeExecute
	}
	if task.Priority == "" {
		task.Priority = v1.TaskPriorityMedium
	}
	if task.DependsOn == nil {
		task.DependsOn = []int64{}
	} else {
		task.DependsOn = uniqueIDs(task.DependsOn)
	}
	if task.Tags == nil {
		task.Tags = []string{}
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
}

// uniqueIDs deduplicates while preserving first-seen order.
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
