// Package api provides the gin handlers behind the Gantry HTTP API.
package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/gantryhq/gantry/internal/common/errors"
	"github.com/gantryhq/gantry/internal/common/logger"
	"github.com/gantryhq/gantry/internal/task/models"
	"github.com/gantryhq/gantry/internal/task/service"
	v1 "github.com/gantryhq/gantry/pkg/api/v1"
)

// Handler contains the HTTP handlers for the task API. Failures are
// attached to the gin context and translated by the ErrorHandler
// middleware.
type Handler struct {
	service *service.Service
	logger  *logger.Logger
}

// NewHandler creates a new task API handler.
func NewHandler(svc *service.Service, log *logger.Logger) *Handler {
	return &Handler{
		service: svc,
		logger:  log,
	}
}

// Health answers liveness probes
// GET /api/health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, v1.HealthResponse{Status: "ok"})
}

// CreateTask submits a new task
// POST /api/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req v1.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ValidationError("body", err.Error()))
		return
	}

	task, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, task.ToAPI())
}

// CreateTasksBatch submits a list of tasks as one unit. The body is a
// bare JSON array; items may reference each other by list position via
// depends_on_index. Any rejected item rejects the whole batch.
// POST /api/tasks/batch
func (h *Handler) CreateTasksBatch(c *gin.Context) {
	var reqs []v1.BatchTaskRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		_ = c.Error(apperrors.ValidationError("body", err.Error()))
		return
	}

	tasks, err := h.service.CreateBatch(c.Request.Context(), reqs)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, tasksToAPI(tasks))
}

// ListTasks returns all tasks, optionally filtered by status
// GET /api/tasks?status=
func (h *Handler) ListTasks(c *gin.Context) {
	var status *v1.TaskStatus
	if raw := c.Query("status"); raw != "" {
		s := v1.TaskStatus(raw)
		if !s.Valid() {
			_ = c.Error(apperrors.ValidationError("status", fmt.Sprintf("unknown status %q", raw)))
			return
		}
		status = &s
	}

	tasks, err := h.service.List(c.Request.Context(), status)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, tasksToAPI(tasks))
}

// GetTask returns a task together with its ordered logs
// GET /api/tasks/:id
func (h *Handler) GetTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}

	task, logs, err := h.service.GetWithLogs(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, v1.TaskWithLogs{
		Task: task.ToAPI(),
		Logs: logsToAPI(logs),
	})
}

// GetTaskLogs returns a task's ordered logs
// GET /api/tasks/:id/logs
func (h *Handler) GetTaskLogs(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}

	logs, err := h.service.Logs(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, logsToAPI(logs))
}

// CancelTask stops a task, signalling its agent when one is running
// POST /api/tasks/:id/cancel
func (h *Handler) CancelTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}

	if err := h.service.Cancel(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, v1.ActionResponse{Status: string(v1.TaskStatusCancelled)})
}

// RetryTask re-queues a failed task
// POST /api/tasks/:id/retry
func (h *Handler) RetryTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}

	if _, err := h.service.Retry(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, v1.ActionResponse{Status: string(v1.TaskStatusPending)})
}

// ApprovePlan releases a reviewed plan back into the queue
// POST /api/tasks/:id/approve-plan
func (h *Handler) ApprovePlan(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}

	if _, err := h.service.ApprovePlan(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, v1.ActionResponse{Status: string(v1.TaskStatusPending)})
}

// MergeTask merges the task's worktree branch into the base repository
// POST /api/tasks/:id/merge
func (h *Handler) MergeTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}

	resp, err := h.service.Merge(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// DeleteTask removes a task and its logs
// DELETE /api/tasks/:id
func (h *Handler) DeleteTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}

	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, v1.ActionResponse{Status: "deleted"})
}

// GetStatus summarises store occupancy and scheduler load
// GET /api/status
func (h *Handler) GetStatus(c *gin.Context) {
	resp, err := h.service.Status(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// taskID parses the :id path parameter, rejecting the request itself
// when the value is not an integer.
func taskID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		_ = c.Error(apperrors.ValidationError("id", "must be an integer"))
		return 0, false
	}
	return id, true
}

func tasksToAPI(tasks []*models.Task) []*v1.Task {
	out := make([]*v1.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.ToAPI()
	}
	return out
}

func logsToAPI(logs []*models.TaskLog) []*v1.TaskLog {
	out := make([]*v1.TaskLog, len(logs))
	for i, l := range logs {
		out[i] = l.ToAPI()
	}
	return out
}
