// Package executor runs agent subprocesses for tasks. Each run
// provisions a git worktree, launches the agent CLI inside it, streams
// parsed events to the caller and reports a final Result.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gantryhq/gantry/internal/common/logger"
	"github.com/gantryhq/gantry/internal/task/models"
	"github.com/gantryhq/gantry/internal/workspace"
	v1 "github.com/gantryhq/gantry/pkg/api/v1"
	"github.com/gantryhq/gantry/pkg/claudecode"
)

// termGracePeriod is how long a cancelled agent gets to exit after
// SIGTERM before the whole process group is force-killed.
const termGracePeriod = 2 * time.Second

// Config holds the agent invocation settings.
type Config struct {
	// Binary is the agent CLI executable, typically "claude".
	Binary string
	// LogDir receives one raw stream log per task (task-<id>.log).
	LogDir string
}

// Result is the final outcome of one agent run.
type Result struct {
	Status       v1.TaskStatus // completed, failed or cancelled
	ExitCode     int
	Output       string
	Plan         string
	Error        string
	InputTokens  *int64
	OutputTokens *int64
	CostUSD      *float64
}

// Callbacks connect a run back to its owner. OnStart fires once the
// agent process is spawned, OnOutput once per parsed stream event,
// OnComplete at most once with the final result (a run interrupted by
// server shutdown reports nothing and is repaired by crash recovery).
type Callbacks struct {
	OnStart    func(taskID int64, pid int, branch, workdir string)
	OnOutput   func(taskID int64, event claudecode.Event)
	OnComplete func(taskID int64, result *Result)
}

type agentProcess struct {
	cmd       *exec.Cmd
	done      chan struct{}
	cancelled bool // guarded by Executor.mu
}

// Executor launches and tracks agent subprocesses, one per task.
type Executor struct {
	workspaces *workspace.Manager
	binary     string
	logDir     string
	baseLog    *logger.Logger
	logger     *logger.Logger

	mu     sync.Mutex
	active map[int64]*agentProcess
}

// NewExecutor creates an Executor using the given default workspace
// manager. Tasks with a repo_path override get a manager of their own.
func NewExecutor(workspaces *workspace.Manager, cfg Config, log *logger.Logger) *Executor {
	binary := cfg.Binary
	if binary == "" {
		binary = claudecode.BinaryName
	}
	return &Executor{
		workspaces: workspaces,
		binary:     binary,
		logDir:     cfg.LogDir,
		baseLog:    log,
		logger:     log.WithComponent("executor"),
		active:     make(map[int64]*agentProcess),
	}
}

// ActiveCount returns the number of agent processes currently running.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// IsActive reports whether a task has a registered agent process.
func (e *Executor) IsActive(taskID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[taskID]
	return ok
}

// Execute runs the task's agent to completion. It blocks until the
// agent exits and the result has been delivered; callers dispatch it on
// its own goroutine.
func (e *Executor) Execute(ctx context.Context, task *models.Task, cb Callbacks) {
	log := e.logger.WithTaskID(task.ID)

	wsm, err := e.workspaceManager(task)
	var ws *workspace.Workspace
	if err == nil {
		ws, err = wsm.Create(ctx, task.ID, task.Title)
	}
	if err != nil {
		log.Error("workspace provisioning failed", zap.Error(err))
		e.complete(cb, task.ID, &Result{
			Status:   v1.TaskStatusFailed,
			ExitCode: 1,
			Error:    err.Error(),
		})
		return
	}

	prompt := ComposePrompt(task, ws.Branch, wsm.BaseRepo())

	cmd := exec.CommandContext(ctx, e.binary, claudecode.Args(prompt, "")...)
	cmd.Dir = ws.Path
	cmd.Env = claudecode.Env()
	setProcGroup(cmd)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		log.Error("agent spawn failed", zap.Error(err))
		e.removeWorkspace(ctx, wsm, ws, log)
		e.complete(cb, task.ID, &Result{
			Status:   v1.TaskStatusFailed,
			ExitCode: 1,
			Error:    fmt.Sprintf("agent spawn failed: %v", err),
		})
		return
	}

	proc := &agentProcess{cmd: cmd, done: make(chan struct{})}
	e.mu.Lock()
	e.active[task.ID] = proc
	e.mu.Unlock()

	pid := cmd.Process.Pid
	log.Info("agent started",
		zap.Int("pid", pid),
		zap.String("branch", ws.Branch),
		zap.String("workdir", ws.Path))
	if cb.OnStart != nil {
		cb.OnStart(task.ID, pid, ws.Branch, ws.Path)
	}

	run := &runState{}
	e.streamOutput(task.ID, stdout, run, cb, log)

	waitErr := cmd.Wait()
	close(proc.done)
	exitCode := exitCodeFromWait(waitErr)

	e.mu.Lock()
	cancelled := proc.cancelled
	delete(e.active, task.ID)
	e.mu.Unlock()

	// A run torn down by server shutdown stays in_progress; boot-time
	// recovery moves it back to pending with the workspace intact.
	if ctx.Err() != nil && !cancelled {
		log.Warn("agent interrupted by shutdown, leaving task for recovery",
			zap.Int("exit_code", exitCode))
		return
	}

	res := e.finalize(ctx, task, wsm, ws, run, exitCode, stderr.String(), cancelled, log)
	log.Info("agent finished",
		zap.String("status", string(res.Status)),
		zap.Int("exit_code", res.ExitCode))
	e.complete(cb, task.ID, res)
}

// Cancel signals the task's agent process group and removes the task
// from the active map. It reports whether a process was signalled;
// unknown ids are a no-op.
func (e *Executor) Cancel(taskID int64) bool {
	e.mu.Lock()
	proc, ok := e.active[taskID]
	if ok {
		proc.cancelled = true
		delete(e.active, taskID)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}

	e.logger.Info("cancelling agent", zap.Int64("task_id", taskID))
	go e.terminate(proc)
	return true
}

// terminate asks the process group to exit and escalates to a kill
// after the grace period.
func (e *Executor) terminate(proc *agentProcess) {
	p := proc.cmd.Process
	if p == nil {
		return
	}
	terminateAgent(p)
	select {
	case <-proc.done:
	case <-time.After(termGracePeriod):
		killAgent(p)
	}
}

type runState struct {
	texts  []string
	result *claudecode.Event
}

// streamOutput consumes agent stdout until EOF, forwarding parsed
// events and mirroring raw lines into the per-task log file.
func (e *Executor) streamOutput(taskID int64, r io.Reader, run *runState, cb Callbacks, log *logger.Logger) {
	logFile := e.openTaskLog(taskID, log)
	if logFile != nil {
		defer logFile.Close()
	}
	logBroken := false

	scanner := claudecode.NewLineScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if logFile != nil && !logBroken {
			if _, err := logFile.Write(line); err != nil {
				log.Warn("task log write failed, output no longer mirrored", zap.Error(err))
				logBroken = true
			} else {
				logFile.Write([]byte{'\n'})
			}
		}

		for _, ev := range claudecode.ParseLine(line) {
			switch {
			case ev.Kind == claudecode.EventAssistant && ev.Text != "":
				run.texts = append(run.texts, ev.Text)
			case ev.Terminal():
				evCopy := ev
				run.result = &evCopy
			}
			if cb.OnOutput != nil {
				cb.OnOutput(taskID, ev)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("agent stdout read error", zap.Error(err))
	}
}

func (e *Executor) openTaskLog(taskID int64, log *logger.Logger) *os.File {
	if e.logDir == "" {
		return nil
	}
	if err := os.MkdirAll(e.logDir, 0o755); err != nil {
		log.Warn("task log dir unavailable", zap.Error(err))
		return nil
	}
	f, err := os.Create(filepath.Join(e.logDir, fmt.Sprintf("task-%d.log", taskID)))
	if err != nil {
		log.Warn("task log file unavailable", zap.Error(err))
		return nil
	}
	return f
}

func (e *Executor) finalize(ctx context.Context, task *models.Task, wsm *workspace.Manager, ws *workspace.Workspace, run *runState, exitCode int, stderr string, cancelled bool, log *logger.Logger) *Result {
	res := &Result{ExitCode: exitCode}

	switch {
	case cancelled:
		res.Status = v1.TaskStatusCancelled
		e.removeWorkspace(ctx, wsm, ws, log)

	case exitCode == 0:
		res.Status = v1.TaskStatusCompleted
		output := strings.Join(run.texts, "\n")
		if run.result != nil {
			output = run.result.Text
			res.InputTokens = run.result.InputTokens
			res.OutputTokens = run.result.OutputTokens
			res.CostUSD = run.result.CostUSD
		}
		res.Plan, res.Output = splitPlan(output, task.Mode)
		// Workspace retained: it holds the committed work.

	default:
		res.Status = v1.TaskStatusFailed
		res.Error = strings.TrimSpace(stderr)
		if res.Error == "" {
			res.Error = fmt.Sprintf("agent exited with code %d", exitCode)
		}
		e.removeWorkspace(ctx, wsm, ws, log)
	}
	return res
}

func (e *Executor) removeWorkspace(ctx context.Context, wsm *workspace.Manager, ws *workspace.Workspace, log *logger.Logger) {
	if err := wsm.Remove(ctx, ws.Path, ws.Branch, true); err != nil {
		log.Warn("workspace removal failed", zap.Error(err))
	}
}

func (e *Executor) complete(cb Callbacks, taskID int64, res *Result) {
	if cb.OnComplete != nil {
		cb.OnComplete(taskID, res)
	}
}

// workspaceManager returns the manager for the task's repository. A
// repo_path override gets a dedicated manager with the default
// worktrees layout.
func (e *Executor) workspaceManager(task *models.Task) (*workspace.Manager, error) {
	if task.RepoPath == "" {
		return e.workspaces, nil
	}
	return workspace.NewManager(task.RepoPath, "", e.baseLog)
}
