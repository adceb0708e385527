package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gantryhq/gantry/internal/common/logger"
	"github.com/gantryhq/gantry/internal/events"
	"github.com/gantryhq/gantry/internal/events/bus"
	"github.com/gantryhq/gantry/internal/orchestrator/executor"
	"github.com/gantryhq/gantry/internal/task/models"
	"github.com/gantryhq/gantry/internal/task/repository"
	v1 "github.com/gantryhq/gantry/pkg/api/v1"
	"github.com/gantryhq/gantry/pkg/claudecode"
)

// stubRunner is a scripted executor stand-in. Every Execute call is
// recorded and signalled on execCh after the script (when set) has run
// its callbacks, so tests can wait for dispatches deterministically.
type stubRunner struct {
	mu      sync.Mutex
	started []int64
	active  int
	script  func(task *models.Task, cb executor.Callbacks)
	execCh  chan int64
}

func newStubRunner() *stubRunner {
	return &stubRunner{execCh: make(chan int64, 16)}
}

func (r *stubRunner) Execute(ctx context.Context, task *models.Task, cb executor.Callbacks) {
	r.mu.Lock()
	r.started = append(r.started, task.ID)
	script := r.script
	r.mu.Unlock()

	if script != nil {
		script(task, cb)
	}
	r.execCh <- task.ID
}

func (r *stubRunner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *stubRunner) startedIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.started))
	copy(out, r.started)
	return out
}

// eventSink collects bus events for assertions.
type eventSink struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (s *eventSink) handle(_ context.Context, ev *bus.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *eventSink) byType(eventType string) []*bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*bus.Event
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func newTestScheduler(t *testing.T, runner *stubRunner, cfg Config) (*Scheduler, *repository.MemoryRepository, *eventSink) {
	t.Helper()
	log := newTestLogger(t)
	repo := repository.NewMemoryRepository()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	sink := &eventSink{}
	if _, err := eventBus.Subscribe(events.BuildTaskWildcardSubject(), sink.handle); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	return NewScheduler(repo, runner, eventBus, cfg, log), repo, sink
}

func createTask(t *testing.T, repo repository.Repository, title string, priority v1.TaskPriority, deps ...int64) *models.Task {
	t.Helper()
	task := &models.Task{
		Title:     title,
		Prompt:    "do " + title,
		Status:    v1.TaskStatusPending,
		Mode:      v1.TaskModeExecute,
		Priority:  priority,
		DependsOn: deps,
	}
	if err := repo.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return task
}

func completeTask(t *testing.T, repo repository.Repository, id int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := repo.MarkDispatched(ctx, id); err != nil {
		t.Fatalf("failed to dispatch task %d: %v", id, err)
	}
	status := v1.TaskStatusCompleted
	if _, err := repo.UpdateTask(ctx, id, &repository.TaskUpdate{Status: &status}); err != nil {
		t.Fatalf("failed to complete task %d: %v", id, err)
	}
}

func waitStarted(t *testing.T, runner *stubRunner, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-runner.execCh:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for execution %d of %d", i+1, n)
		}
	}
}

func taskStatus(t *testing.T, repo repository.Repository, id int64) v1.TaskStatus {
	t.Helper()
	task, err := repo.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get task %d: %v", id, err)
	}
	return task.Status
}

func TestNewScheduler(t *testing.T) {
	s, _, _ := newTestScheduler(t, newStubRunner(), DefaultConfig())
	if s == nil {
		t.Fatal("NewScheduler returned nil")
	}
	if s.IsRunning() {
		t.Error("scheduler should not be running initially")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.PollInterval != 2*time.Second {
		t.Errorf("expected PollInterval = 2s, got %v", cfg.PollInterval)
	}
	if cfg.MaxConcurrent != 3 {
		t.Errorf("expected MaxConcurrent = 3, got %d", cfg.MaxConcurrent)
	}
	if !cfg.PlanReview {
		t.Error("expected PlanReview enabled by default")
	}
}

func TestStartStop(t *testing.T) {
	s, _, _ := newTestScheduler(t, newStubRunner(), DefaultConfig())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.IsRunning() {
		t.Error("scheduler should be running after Start")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.IsRunning() {
		t.Error("scheduler should not be running after Stop")
	}
}

func TestStartAlreadyRunning(t *testing.T) {
	s, _, _ := newTestScheduler(t, newStubRunner(), DefaultConfig())

	_ = s.Start(context.Background())
	defer func() {
		_ = s.Stop()
	}()

	if err := s.Start(context.Background()); err != ErrSchedulerAlreadyRunning {
		t.Errorf("expected ErrSchedulerAlreadyRunning, got %v", err)
	}
}

func TestStopNotRunning(t *testing.T) {
	s, _, _ := newTestScheduler(t, newStubRunner(), DefaultConfig())

	if err := s.Stop(); err != ErrSchedulerNotRunning {
		t.Errorf("expected ErrSchedulerNotRunning, got %v", err)
	}
}

func TestStopAfterContextCancelled(t *testing.T) {
	s, _, _ := newTestScheduler(t, newStubRunner(), DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cancel()

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop after context cancel failed: %v", err)
	}
	if s.IsRunning() {
		t.Error("scheduler should not be running after Stop")
	}
}

func TestTickDispatchesHighestPriorityFirst(t *testing.T) {
	runner := newStubRunner()
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	s, repo, _ := newTestScheduler(t, runner, cfg)

	low := createTask(t, repo, "low", v1.TaskPriorityLow)
	urgent := createTask(t, repo, "urgent", v1.TaskPriorityUrgent)

	s.Tick(context.Background())
	waitStarted(t, runner, 1)

	if got := runner.startedIDs(); len(got) != 1 || got[0] != urgent.ID {
		t.Fatalf("expected task %d dispatched, got %v", urgent.ID, got)
	}
	if status := taskStatus(t, repo, urgent.ID); status != v1.TaskStatusInProgress {
		t.Errorf("urgent task status = %s, want in_progress", status)
	}
	if status := taskStatus(t, repo, low.ID); status != v1.TaskStatusPending {
		t.Errorf("low task status = %s, want pending", status)
	}
}

func TestTickFillsAllFreeSlots(t *testing.T) {
	runner := newStubRunner()
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 3
	s, repo, _ := newTestScheduler(t, runner, cfg)

	var ids []int64
	for _, title := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, createTask(t, repo, title, v1.TaskPriorityMedium).ID)
	}

	s.Tick(context.Background())
	waitStarted(t, runner, 3)

	started := runner.startedIDs()
	if len(started) != 3 {
		t.Fatalf("expected 3 dispatches in one tick, got %d", len(started))
	}
	// Execute goroutines record themselves concurrently; compare as a set.
	sort.Slice(started, func(i, j int) bool { return started[i] < started[j] })
	for i, id := range ids[:3] {
		if started[i] != id {
			t.Errorf("dispatch %d = task %d, want %d (three oldest)", i, started[i], id)
		}
	}

	inProgress, err := repo.CountTasks(context.Background(), v1.TaskStatusInProgress)
	if err != nil {
		t.Fatalf("CountTasks failed: %v", err)
	}
	if inProgress != 3 {
		t.Errorf("in_progress count = %d, want 3", inProgress)
	}
	pending, err := repo.CountTasks(context.Background(), v1.TaskStatusPending)
	if err != nil {
		t.Fatalf("CountTasks failed: %v", err)
	}
	if pending != 2 {
		t.Errorf("pending count = %d, want 2", pending)
	}
}

// Overlapping passes (poll loop plus API-triggered ticks) share the
// free-slot accounting; the bound must hold however many fire at once.
func TestConcurrentTicksRespectConcurrencyBound(t *testing.T) {
	runner := newStubRunner()
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	s, repo, _ := newTestScheduler(t, runner, cfg)

	for _, title := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		createTask(t, repo, title, v1.TaskPriorityMedium)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Tick(context.Background())
		}()
	}
	wg.Wait()

	// Every claim lands in the store before Tick returns, so the count
	// is exact here even though the Execute goroutines may still be
	// starting up.
	inProgress, err := repo.CountTasks(context.Background(), v1.TaskStatusInProgress)
	if err != nil {
		t.Fatalf("CountTasks failed: %v", err)
	}
	if inProgress != 2 {
		t.Fatalf("in_progress count = %d, want 2", inProgress)
	}

	waitStarted(t, runner, 2)
	if got := runner.startedIDs(); len(got) != 2 {
		t.Errorf("dispatched %d tasks across concurrent ticks, want 2", len(got))
	}
}

func TestTickWithZeroConcurrencyNeverDispatches(t *testing.T) {
	runner := newStubRunner()
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 0
	s, repo, _ := newTestScheduler(t, runner, cfg)

	createTask(t, repo, "waiting", v1.TaskPriorityUrgent)

	s.Tick(context.Background())

	if got := runner.startedIDs(); len(got) != 0 {
		t.Fatalf("expected no dispatches with max_concurrent=0, got %v", got)
	}
	pending, _ := repo.CountTasks(context.Background(), v1.TaskStatusPending)
	if pending != 1 {
		t.Errorf("pending count = %d, want 1", pending)
	}
}

func TestTickBlocksOnUnmetDependency(t *testing.T) {
	runner := newStubRunner()
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	s, repo, _ := newTestScheduler(t, runner, cfg)

	prep := createTask(t, repo, "prep", v1.TaskPriorityLow)
	ship := createTask(t, repo, "ship", v1.TaskPriorityUrgent, prep.ID)

	// The best-ranked pending task decides the tick: ship ranks first but
	// its dependency is not completed, so nothing dispatches.
	s.Tick(context.Background())

	if got := runner.startedIDs(); len(got) != 0 {
		t.Fatalf("expected no dispatches behind unmet dependency, got %v", got)
	}

	completeTask(t, repo, prep.ID)

	s.Tick(context.Background())
	waitStarted(t, runner, 1)

	if got := runner.startedIDs(); len(got) != 1 || got[0] != ship.ID {
		t.Fatalf("expected task %d dispatched after dependency completed, got %v", ship.ID, got)
	}
}

func TestTickBlocksForeverOnMissingDependency(t *testing.T) {
	runner := newStubRunner()
	s, repo, _ := newTestScheduler(t, runner, DefaultConfig())

	prep := createTask(t, repo, "prep", v1.TaskPriorityMedium)
	ship := createTask(t, repo, "ship", v1.TaskPriorityUrgent, prep.ID)
	if err := repo.DeleteTask(context.Background(), prep.ID); err != nil {
		t.Fatalf("failed to delete task: %v", err)
	}

	s.Tick(context.Background())
	s.Tick(context.Background())

	if got := runner.startedIDs(); len(got) != 0 {
		t.Fatalf("expected no dispatches for dangling dependency, got %v", got)
	}
	if status := taskStatus(t, repo, ship.ID); status != v1.TaskStatusPending {
		t.Errorf("task status = %s, want pending", status)
	}
}

func TestRunCallbacksPersistResult(t *testing.T) {
	runner := newStubRunner()
	runner.script = func(task *models.Task, cb executor.Callbacks) {
		cb.OnStart(task.ID, 4242, "task-1-build", "/work/task-1-build")
		cb.OnOutput(task.ID, claudecode.Event{
			Kind: claudecode.EventAssistant,
			Text: "hello from the agent",
			Raw:  `{"type":"assistant"}`,
		})
		in, out, cost := int64(10), int64(5), 0.25
		cb.OnComplete(task.ID, &executor.Result{
			Status:       v1.TaskStatusCompleted,
			ExitCode:     0,
			Output:       "hello from the agent",
			InputTokens:  &in,
			OutputTokens: &out,
			CostUSD:      &cost,
		})
	}
	s, repo, sink := newTestScheduler(t, runner, DefaultConfig())

	created := createTask(t, repo, "build", v1.TaskPriorityMedium)

	s.Tick(context.Background())
	waitStarted(t, runner, 1)

	task, err := repo.GetTask(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if task.Status != v1.TaskStatusCompleted {
		t.Errorf("status = %s, want completed", task.Status)
	}
	if task.WorkerPID == nil || *task.WorkerPID != 4242 {
		t.Errorf("worker_pid = %v, want 4242", task.WorkerPID)
	}
	if task.WorktreeBranch != "task-1-build" {
		t.Errorf("worktree_branch = %q, want task-1-build", task.WorktreeBranch)
	}
	if task.WorkingDirectory != "/work/task-1-build" {
		t.Errorf("working_directory = %q", task.WorkingDirectory)
	}
	if task.ExitCode == nil || *task.ExitCode != 0 {
		t.Errorf("exit_code = %v, want 0", task.ExitCode)
	}
	if task.Output != "hello from the agent" {
		t.Errorf("output = %q", task.Output)
	}
	if task.InputTokens == nil || *task.InputTokens != 10 {
		t.Errorf("input_tokens = %v, want 10", task.InputTokens)
	}
	if task.CostUSD == nil || *task.CostUSD != 0.25 {
		t.Errorf("cost_usd = %v, want 0.25", task.CostUSD)
	}

	logs, err := repo.GetTaskLogs(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("failed to get logs: %v", err)
	}
	var sawOutput, sawSummary bool
	for _, entry := range logs {
		if entry.Message == "hello from the agent" && entry.RawOutput != "" {
			sawOutput = true
		}
		if strings.Contains(entry.Message, "Task finished with status completed") {
			sawSummary = true
		}
	}
	if !sawOutput {
		t.Error("expected an output log entry with raw payload")
	}
	if !sawSummary {
		t.Error("expected a completion summary log entry")
	}

	if got := sink.byType(events.TaskState); len(got) == 0 {
		t.Error("expected a state event on dispatch")
	}
	if got := sink.byType(events.TaskOutput); len(got) != 1 {
		t.Errorf("expected 1 output event, got %d", len(got))
	}
	completes := sink.byType(events.TaskComplete)
	if len(completes) != 1 {
		t.Fatalf("expected 1 complete event, got %d", len(completes))
	}
	if status, _ := completes[0].Data["status"].(string); status != "completed" {
		t.Errorf("complete event status = %q, want completed", status)
	}
}

func TestFailedRunRecordsError(t *testing.T) {
	runner := newStubRunner()
	runner.script = func(task *models.Task, cb executor.Callbacks) {
		cb.OnComplete(task.ID, &executor.Result{
			Status:   v1.TaskStatusFailed,
			ExitCode: 3,
			Error:    "agent exited with code 3",
		})
	}
	s, repo, _ := newTestScheduler(t, runner, DefaultConfig())

	created := createTask(t, repo, "doomed", v1.TaskPriorityMedium)

	s.Tick(context.Background())
	waitStarted(t, runner, 1)

	task, err := repo.GetTask(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if task.Status != v1.TaskStatusFailed {
		t.Errorf("status = %s, want failed", task.Status)
	}
	if task.Error != "agent exited with code 3" {
		t.Errorf("error = %q", task.Error)
	}
	if task.ExitCode == nil || *task.ExitCode != 3 {
		t.Errorf("exit_code = %v, want 3", task.ExitCode)
	}

	logs, _ := repo.GetTaskLogs(context.Background(), created.ID)
	var sawErrorSummary bool
	for _, entry := range logs {
		if entry.Level == v1.LogLevelError && strings.Contains(entry.Message, "failed") {
			sawErrorSummary = true
		}
	}
	if !sawErrorSummary {
		t.Error("expected an error-level completion log entry")
	}
}

func TestCancelledRunPersists(t *testing.T) {
	runner := newStubRunner()
	runner.script = func(task *models.Task, cb executor.Callbacks) {
		cb.OnComplete(task.ID, &executor.Result{
			Status:   v1.TaskStatusCancelled,
			ExitCode: 143,
		})
	}
	s, repo, _ := newTestScheduler(t, runner, DefaultConfig())

	created := createTask(t, repo, "stopped", v1.TaskPriorityMedium)

	s.Tick(context.Background())
	waitStarted(t, runner, 1)

	if status := taskStatus(t, repo, created.ID); status != v1.TaskStatusCancelled {
		t.Errorf("status = %s, want cancelled", status)
	}
}

func TestPlanModeLandsInReview(t *testing.T) {
	runner := newStubRunner()
	runner.script = func(task *models.Task, cb executor.Callbacks) {
		cb.OnComplete(task.ID, &executor.Result{
			Status:   v1.TaskStatusCompleted,
			ExitCode: 0,
			Plan:     "1. change things\n2. carefully",
		})
	}
	cfg := DefaultConfig()
	cfg.PlanReview = true
	s, repo, _ := newTestScheduler(t, runner, cfg)

	task := &models.Task{
		Title:    "design",
		Prompt:   "plan the refactor",
		Status:   v1.TaskStatusPending,
		Mode:     v1.TaskModePlan,
		Priority: v1.TaskPriorityMedium,
	}
	if err := repo.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	s.Tick(context.Background())
	waitStarted(t, runner, 1)

	got, err := repo.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != v1.TaskStatusReview {
		t.Errorf("status = %s, want review", got.Status)
	}
	if got.Plan == "" {
		t.Error("expected plan text persisted")
	}
}

func TestPlanModeCompletesWhenReviewDisabled(t *testing.T) {
	runner := newStubRunner()
	runner.script = func(task *models.Task, cb executor.Callbacks) {
		cb.OnComplete(task.ID, &executor.Result{
			Status:   v1.TaskStatusCompleted,
			ExitCode: 0,
			Plan:     "just do it",
		})
	}
	cfg := DefaultConfig()
	cfg.PlanReview = false
	s, repo, _ := newTestScheduler(t, runner, cfg)

	task := &models.Task{
		Title:    "design",
		Prompt:   "plan the refactor",
		Status:   v1.TaskStatusPending,
		Mode:     v1.TaskModePlan,
		Priority: v1.TaskPriorityMedium,
	}
	if err := repo.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	s.Tick(context.Background())
	waitStarted(t, runner, 1)

	if status := taskStatus(t, repo, task.ID); status != v1.TaskStatusCompleted {
		t.Errorf("status = %s, want completed", status)
	}
}

func TestStatusCounters(t *testing.T) {
	runner := newStubRunner()
	runner.script = func(task *models.Task, cb executor.Callbacks) {
		res := &executor.Result{Status: v1.TaskStatusCompleted, ExitCode: 0}
		if task.Title == "bad" {
			res = &executor.Result{Status: v1.TaskStatusFailed, ExitCode: 1, Error: "boom"}
		}
		cb.OnComplete(task.ID, res)
	}
	s, repo, _ := newTestScheduler(t, runner, DefaultConfig())

	createTask(t, repo, "good", v1.TaskPriorityMedium)
	createTask(t, repo, "bad", v1.TaskPriorityMedium)

	s.Tick(context.Background())
	waitStarted(t, runner, 2)

	status := s.Status()
	if status.Dispatched != 2 {
		t.Errorf("Dispatched = %d, want 2", status.Dispatched)
	}
	if status.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1", status.Succeeded)
	}
	if status.Failed != 1 {
		t.Errorf("Failed = %d, want 1", status.Failed)
	}
	if status.MaxConcurrent != DefaultConfig().MaxConcurrent {
		t.Errorf("MaxConcurrent = %d", status.MaxConcurrent)
	}
}

func TestPollLoopDispatches(t *testing.T) {
	runner := newStubRunner()
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	s, repo, _ := newTestScheduler(t, runner, cfg)

	created := createTask(t, repo, "polled", v1.TaskPriorityMedium)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		_ = s.Stop()
	}()

	waitStarted(t, runner, 1)

	if got := runner.startedIDs(); len(got) != 1 || got[0] != created.ID {
		t.Fatalf("expected task %d dispatched by poll loop, got %v", created.ID, got)
	}
}
