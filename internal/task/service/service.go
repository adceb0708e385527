// Package service implements the task operations behind the HTTP API.
// It persists mutations through the repository, mirrors API-driven state
// changes onto the event bus, keeps the registry file in sync and nudges
// the scheduler when a write makes new work dispatchable.
package service

import (
	"context"
	"fmt"

	"github.com/gammazero/toposort"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/gantryhq/gantry/internal/common/errors"
	"github.com/gantryhq/gantry/internal/common/logger"
	"github.com/gantryhq/gantry/internal/events"
	"github.com/gantryhq/gantry/internal/events/bus"
	"github.com/gantryhq/gantry/internal/orchestrator/scheduler"
	"github.com/gantryhq/gantry/internal/task/models"
	"github.com/gantryhq/gantry/internal/task/repository"
	v1 "github.com/gantryhq/gantry/pkg/api/v1"
)

// AgentCanceller stops the agent process of a running task. Implemented
// by *executor.Executor.
type AgentCanceller interface {
	// Cancel signals the task's agent, reporting false when no process
	// is registered for the id.
	Cancel(taskID int64) bool
}

// Dispatcher runs dispatch passes outside the scheduler's poll cadence
// and exposes its counters. Implemented by *scheduler.Scheduler.
type Dispatcher interface {
	Tick(ctx context.Context)
	Status() scheduler.Status
}

// BranchMerger merges a task branch into the base repository's checked
// out branch. Implemented by *workspace.Manager.
type BranchMerger interface {
	Merge(ctx context.Context, branch string) (bool, string)
}

// RegistrySyncer rewrites the shared registry file from the store.
// Implemented by *registry.Registry.
type RegistrySyncer interface {
	Sync(ctx context.Context) error
}

// Service provides task business logic. The store owns validation and
// the state machine; the service composes store writes with agent
// cancellation, bus broadcasts and registry sync.
type Service struct {
	repo   repository.Repository
	bus    bus.EventBus
	logger *logger.Logger

	canceller  AgentCanceller
	dispatcher Dispatcher
	merger     BranchMerger
	registry   RegistrySyncer

	statusGroup singleflight.Group
}

// NewService creates a task service. Collaborators beyond the store and
// bus are wired afterwards via the Set methods; every operation
// tolerates their absence.
func NewService(repo repository.Repository, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		bus:    eventBus,
		logger: log.WithComponent("task-service"),
	}
}

// SetAgentCanceller wires the executor so cancel and delete can stop a
// running agent.
func (s *Service) SetAgentCanceller(c AgentCanceller) {
	s.canceller = c
}

// SetDispatcher wires the scheduler for immediate dispatch passes after
// writes that unblock work.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// SetBranchMerger wires the workspace manager behind the merge endpoint.
func (s *Service) SetBranchMerger(m BranchMerger) {
	s.merger = m
}

// SetRegistry wires the registry file mirror, synced after mutations.
func (s *Service) SetRegistry(r RegistrySyncer) {
	s.registry = r
}

// Create persists a new pending task and triggers a dispatch pass so it
// does not wait out the poll interval.
func (s *Service) Create(ctx context.Context, req *v1.CreateTaskRequest) (*models.Task, error) {
	task := taskFromRequest(req)
	if err := s.repo.CreateTask(ctx, task); err != nil {
		s.logger.Error("failed to create task", zap.Error(err))
		return nil, err
	}

	s.publishState(ctx, task)
	s.syncRegistry(ctx)
	s.tickDispatcher(ctx)

	s.logger.Info("task created",
		zap.Int64("task_id", task.ID),
		zap.String("title", task.Title),
		zap.String("mode", string(task.Mode)),
		zap.String("priority", string(task.Priority)))
	return task, nil
}

// CreateBatch persists a list of tasks as a unit. Items may depend on
// each other by list position through DependsOnIndex; inserts run in
// dependency order so those references resolve to assigned ids. A cycle
// or any per-item failure rejects the whole batch, removing the items
// already inserted. The result is ordered like the request.
func (s *Service) CreateBatch(ctx context.Context, reqs []v1.BatchTaskRequest) ([]*models.Task, error) {
	if len(reqs) == 0 {
		return []*models.Task{}, nil
	}

	order, err := batchInsertOrder(reqs)
	if err != nil {
		return nil, err
	}

	created := make([]*models.Task, len(reqs))
	for _, i := range order {
		task := taskFromRequest(&reqs[i].CreateTaskRequest)
		for _, j := range reqs[i].DependsOnIndex {
			task.DependsOn = append(task.DependsOn, created[j].ID)
		}
		if err := s.repo.CreateTask(ctx, task); err != nil {
			s.rollbackBatch(ctx, created)
			s.logger.Error("failed to create batch task",
				zap.Int("index", i),
				zap.Error(err))
			return nil, apperrors.Wrap(err, fmt.Sprintf("batch item %d", i))
		}
		created[i] = task
	}

	for _, task := range created {
		s.publishState(ctx, task)
	}
	s.syncRegistry(ctx)
	s.tickDispatcher(ctx)

	s.logger.Info("task batch created", zap.Int("count", len(created)))
	return created, nil
}

// Get returns a task by id.
func (s *Service) Get(ctx context.Context, id int64) (*models.Task, error) {
	return s.repo.GetTask(ctx, id)
}

// GetWithLogs returns a task together with its ordered log entries.
func (s *Service) GetWithLogs(ctx context.Context, id int64) (*models.Task, []*models.TaskLog, error) {
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	logs, err := s.repo.GetTaskLogs(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return task, logs, nil
}

// List returns tasks, optionally filtered by status. Pending tasks come
// back in dispatch order, everything else by creation time.
func (s *Service) List(ctx context.Context, status *v1.TaskStatus) ([]*models.Task, error) {
	return s.repo.ListTasks(ctx, status)
}

// Logs returns a task's ordered log entries, failing when the task does
// not exist.
func (s *Service) Logs(ctx context.Context, id int64) ([]*models.TaskLog, error) {
	if _, err := s.repo.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetTaskLogs(ctx, id)
}

// Cancel stops a task. A running task has its agent signalled and the
// executor records the terminal state once the process dies; a pending
// task is cancelled directly in the store. Any other state fails with a
// state conflict.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return err
	}

	if task.Status == v1.TaskStatusInProgress && s.canceller != nil && s.canceller.Cancel(id) {
		s.logger.Info("cancel signalled to running agent", zap.Int64("task_id", id))
		return nil
	}

	status := v1.TaskStatusCancelled
	updated, err := s.repo.UpdateTask(ctx, id, &repository.TaskUpdate{Status: &status})
	if err != nil {
		return err
	}

	s.publishState(ctx, updated)
	s.syncRegistry(ctx)
	s.logger.Info("task cancelled", zap.Int64("task_id", id))
	return nil
}

// Retry re-queues a failed task, clearing the previous attempt's error,
// exit code, usage accounting and completion time.
func (s *Service) Retry(ctx context.Context, id int64) (*models.Task, error) {
	task, err := s.repo.RetryTask(ctx, id)
	if err != nil {
		return nil, err
	}

	s.publishState(ctx, task)
	s.syncRegistry(ctx)
	s.tickDispatcher(ctx)

	s.logger.Info("task queued for retry", zap.Int64("task_id", id))
	return task, nil
}

// ApprovePlan releases a reviewed plan: the task re-enters the queue in
// execute mode and the executor prefaces the next run with the stored
// plan.
func (s *Service) ApprovePlan(ctx context.Context, id int64) (*models.Task, error) {
	task, err := s.repo.ApprovePlan(ctx, id)
	if err != nil {
		return nil, err
	}

	s.publishState(ctx, task)
	s.syncRegistry(ctx)
	s.tickDispatcher(ctx)

	s.logger.Info("plan approved", zap.Int64("task_id", id))
	return task, nil
}

// Delete removes a task and its logs. A running agent is stopped first;
// its workspace is cleaned up by the executor's cancellation path.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if _, err := s.repo.GetTask(ctx, id); err != nil {
		return err
	}

	if s.canceller != nil && s.canceller.Cancel(id) {
		s.logger.Info("running agent stopped for delete", zap.Int64("task_id", id))
	}

	if err := s.repo.DeleteTask(ctx, id); err != nil {
		s.logger.Error("failed to delete task", zap.Int64("task_id", id), zap.Error(err))
		return err
	}

	s.syncRegistry(ctx)
	s.logger.Info("task deleted", zap.Int64("task_id", id))
	return nil
}

// Merge merges the task's worktree branch into the base repository's
// checked-out branch. A conflict is reported in the output rather than
// as an error; git leaves it in the tree for manual resolution.
func (s *Service) Merge(ctx context.Context, id int64) (*v1.MergeResponse, error) {
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.WorktreeBranch == "" {
		return nil, apperrors.StateConflict(fmt.Sprintf("task %d has no worktree branch to merge", id))
	}
	if s.merger == nil {
		return nil, apperrors.InternalError("no workspace manager configured", nil)
	}

	merged, output := s.merger.Merge(ctx, task.WorktreeBranch)
	s.logger.Info("task branch merge attempted",
		zap.Int64("task_id", id),
		zap.String("branch", task.WorktreeBranch),
		zap.Bool("merged", merged))

	return &v1.MergeResponse{Merged: merged, Output: output}, nil
}

// Status reports store occupancy and scheduler load. The UI polls it
// from every open tab, so concurrent callers share a single store scan.
func (s *Service) Status(ctx context.Context) (*v1.StatusResponse, error) {
	v, err, _ := s.statusGroup.Do("status", func() (interface{}, error) {
		return s.repo.StatusCounts(ctx)
	})
	if err != nil {
		return nil, err
	}
	counts := v.(map[v1.TaskStatus]int)

	resp := &v1.StatusResponse{
		Pending:    counts[v1.TaskStatusPending],
		InProgress: counts[v1.TaskStatusInProgress],
		Review:     counts[v1.TaskStatusReview],
		Completed:  counts[v1.TaskStatusCompleted],
		Failed:     counts[v1.TaskStatusFailed],
		Cancelled:  counts[v1.TaskStatusCancelled],
	}
	if s.dispatcher != nil {
		st := s.dispatcher.Status()
		resp.MaxConcurrent = st.MaxConcurrent
		resp.ActiveWorkers = st.ActiveWorkers
	}
	return resp, nil
}

func taskFromRequest(req *v1.CreateTaskRequest) *models.Task {
	return &models.Task{
		Title:     req.Title,
		Prompt:    req.Prompt,
		Mode:      req.Mode,
		Priority:  req.Priority,
		DependsOn: append([]int64(nil), req.DependsOn...),
		RepoPath:  req.RepoPath,
		Tags:      req.Tags,
	}
}

// batchInsertOrder validates intra-batch references and returns the item
// indices in dependency order.
func batchInsertOrder(reqs []v1.BatchTaskRequest) ([]int, error) {
	edges := make([]toposort.Edge, 0, len(reqs))
	for i, req := range reqs {
		if len(req.DependsOnIndex) == 0 {
			edges = append(edges, toposort.Edge{nil, i})
			continue
		}
		for _, j := range req.DependsOnIndex {
			if j < 0 || j >= len(reqs) {
				return nil, apperrors.ValidationError("depends_on_index",
					fmt.Sprintf("item %d references position %d outside the batch", i, j))
			}
			if j == i {
				return nil, apperrors.ValidationError("depends_on_index",
					fmt.Sprintf("item %d depends on itself", i))
			}
			edges = append(edges, toposort.Edge{j, i})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, apperrors.ValidationError("depends_on_index", "dependency cycle in batch")
	}

	order := make([]int, 0, len(reqs))
	for _, v := range sorted {
		if v != nil {
			order = append(order, v.(int))
		}
	}
	return order, nil
}

// rollbackBatch removes the tasks a failed batch already inserted.
func (s *Service) rollbackBatch(ctx context.Context, created []*models.Task) {
	for _, task := range created {
		if task == nil {
			continue
		}
		if err := s.repo.DeleteTask(ctx, task.ID); err != nil {
			s.logger.Warn("failed to roll back batch task",
				zap.Int64("task_id", task.ID),
				zap.Error(err))
		}
	}
}

// publishState mirrors an API-driven status change onto the bus using
// the same frame the scheduler broadcasts on dispatch.
func (s *Service) publishState(ctx context.Context, task *models.Task) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(events.TaskState, "task-service", map[string]interface{}{
		"task_id": task.ID,
		"type":    v1.StreamEventState,
		"status":  string(task.Status),
	})
	if err := s.bus.Publish(ctx, events.BuildTaskStateSubject(task.ID), event); err != nil {
		s.logger.Warn("failed to publish state event",
			zap.Int64("task_id", task.ID),
			zap.Error(err))
	}
}

func (s *Service) syncRegistry(ctx context.Context) {
	if s.registry == nil {
		return
	}
	if err := s.registry.Sync(ctx); err != nil {
		s.logger.Warn("registry sync failed", zap.Error(err))
	}
}

func (s *Service) tickDispatcher(ctx context.Context) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Tick(ctx)
}
