package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/gantryhq/gantry/internal/chat"
	"github.com/gantryhq/gantry/internal/common/httpmw"
	"github.com/gantryhq/gantry/internal/common/logger"
	"github.com/gantryhq/gantry/internal/events/bus"
	"github.com/gantryhq/gantry/internal/task/repository"
	"github.com/gantryhq/gantry/internal/task/service"
	v1 "github.com/gantryhq/gantry/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func setupTestRouter(t *testing.T, apiKey string) (*gin.Engine, *repository.MemoryRepository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := newTestLogger(t)
	repo := repository.NewMemoryRepository()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	svc := service.NewService(repo, eventBus, log)

	router := gin.New()
	router.Use(httpmw.Recovery(log), httpmw.ErrorHandler(log))
	SetupRoutes(router, Deps{
		Tasks:         svc,
		Chat:          chat.NewService(chat.Config{Binary: "claude"}, eventBus, log),
		APICredential: apiKey,
	}, log)
	return router, repo
}

func perform(router http.Handler, method, path string, body interface{}, apiKey string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", w.Body.String(), err)
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeBody(t, w, &resp)
	return resp.Error.Code
}

func seedTask(t *testing.T, router http.Handler, title string) v1.Task {
	t.Helper()
	w := perform(router, http.MethodPost, "/api/tasks", v1.CreateTaskRequest{
		Title:  title,
		Prompt: "do " + title,
	}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("seed task failed: %d: %s", w.Code, w.Body.String())
	}
	var task v1.Task
	decodeBody(t, w, &task)
	return task
}

func TestHandler_Health(t *testing.T) {
	router, _ := setupTestRouter(t, "")

	w := perform(router, http.MethodGet, "/api/health", nil, "")

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	var resp v1.HealthResponse
	decodeBody(t, w, &resp)
	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", resp.Status)
	}
}

func TestHandler_CreateTask(t *testing.T) {
	router, repo := setupTestRouter(t, "")

	w := perform(router, http.MethodPost, "/api/tasks", v1.CreateTaskRequest{
		Title:    "Test Task",
		Prompt:   "implement the thing",
		Priority: v1.TaskPriorityHigh,
	}, "")

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp v1.Task
	decodeBody(t, w, &resp)
	if resp.Title != "Test Task" {
		t.Errorf("expected title 'Test Task', got %s", resp.Title)
	}
	if resp.Status != v1.TaskStatusPending {
		t.Errorf("expected status pending, got %s", resp.Status)
	}

	if _, err := repo.GetTask(context.Background(), resp.ID); err != nil {
		t.Errorf("task not persisted: %v", err)
	}
}

func TestHandler_CreateTaskMissingTitle(t *testing.T) {
	router, _ := setupTestRouter(t, "")

	w := perform(router, http.MethodPost, "/api/tasks", map[string]string{
		"prompt": "no title",
	}, "")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestHandler_CreateTasksBatch(t *testing.T) {
	router, _ := setupTestRouter(t, "")

	w := perform(router, http.MethodPost, "/api/tasks/batch", []v1.BatchTaskRequest{
		{CreateTaskRequest: v1.CreateTaskRequest{Title: "first", Prompt: "p"}},
		{CreateTaskRequest: v1.CreateTaskRequest{Title: "second", Prompt: "p"}, DependsOnIndex: []int{0}},
	}, "")

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp []v1.Task
	decodeBody(t, w, &resp)
	if len(resp) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(resp))
	}
	if resp[0].Title != "first" || resp[1].Title != "second" {
		t.Errorf("batch result out of order: %s, %s", resp[0].Title, resp[1].Title)
	}
	if len(resp[1].DependsOn) != 1 || resp[1].DependsOn[0] != resp[0].ID {
		t.Errorf("expected second to depend on %d, got %v", resp[0].ID, resp[1].DependsOn)
	}
}

func TestHandler_CreateTasksBatchCycle(t *testing.T) {
	router, repo := setupTestRouter(t, "")

	w := perform(router, http.MethodPost, "/api/tasks/batch", []v1.BatchTaskRequest{
		{CreateTaskRequest: v1.CreateTaskRequest{Title: "a", Prompt: "p"}, DependsOnIndex: []int{1}},
		{CreateTaskRequest: v1.CreateTaskRequest{Title: "b", Prompt: "p"}, DependsOnIndex: []int{0}},
	}, "")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}

	tasks, err := repo.ListTasks(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected no tasks after rejected batch, got %d", len(tasks))
	}
}

func TestHandler_ListTasks(t *testing.T) {
	router, _ := setupTestRouter(t, "")
	seedTask(t, router, "one")
	seedTask(t, router, "two")

	w := perform(router, http.MethodGet, "/api/tasks", nil, "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp []v1.Task
	decodeBody(t, w, &resp)
	if len(resp) != 2 {
		t.Errorf("expected 2 tasks, got %d", len(resp))
	}
}

func TestHandler_ListTasksStatusFilter(t *testing.T) {
	router, repo := setupTestRouter(t, "")
	task := seedTask(t, router, "running")
	seedTask(t, router, "queued")
	if _, err := repo.MarkDispatched(context.Background(), task.ID); err != nil {
		t.Fatalf("MarkDispatched failed: %v", err)
	}

	w := perform(router, http.MethodGet, "/api/tasks?status=in_progress", nil, "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp []v1.Task
	decodeBody(t, w, &resp)
	if len(resp) != 1 || resp[0].ID != task.ID {
		t.Errorf("expected only the dispatched task, got %+v", resp)
	}
}

func TestHandler_ListTasksUnknownStatus(t *testing.T) {
	router, _ := setupTestRouter(t, "")

	w := perform(router, http.MethodGet, "/api/tasks?status=bogus", nil, "")

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestHandler_GetTaskWithLogs(t *testing.T) {
	router, repo := setupTestRouter(t, "")
	task := seedTask(t, router, "logged")
	if _, err := repo.AddLog(context.Background(), task.ID, v1.LogLevelInfo, "started", ""); err != nil {
		t.Fatalf("AddLog failed: %v", err)
	}

	w := perform(router, http.MethodGet, "/api/tasks/1", nil, "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp v1.TaskWithLogs
	decodeBody(t, w, &resp)
	if resp.Task == nil || resp.Task.ID != task.ID {
		t.Fatalf("expected task %d in envelope, got %+v", task.ID, resp.Task)
	}
	if len(resp.Logs) != 1 || resp.Logs[0].Message != "started" {
		t.Errorf("expected one log entry, got %+v", resp.Logs)
	}
}

func TestHandler_GetTaskNotFound(t *testing.T) {
	router, _ := setupTestRouter(t, "")

	w := perform(router, http.MethodGet, "/api/tasks/99", nil, "")

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %s", code)
	}
}

func TestHandler_GetTaskInvalidID(t *testing.T) {
	router, _ := setupTestRouter(t, "")

	w := perform(router, http.MethodGet, "/api/tasks/abc", nil, "")

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestHandler_GetTaskLogs(t *testing.T) {
	router, repo := setupTestRouter(t, "")
	task := seedTask(t, router, "logged")
	for _, msg := range []string{"one", "two"} {
		if _, err := repo.AddLog(context.Background(), task.ID, v1.LogLevelInfo, msg, ""); err != nil {
			t.Fatalf("AddLog failed: %v", err)
		}
	}

	w := perform(router, http.MethodGet, "/api/tasks/1/logs", nil, "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp []v1.TaskLog
	decodeBody(t, w, &resp)
	if len(resp) != 2 || resp[0].Message != "one" {
		t.Errorf("expected ordered logs, got %+v", resp)
	}
}

func TestHandler_CancelTask(t *testing.T) {
	router, repo := setupTestRouter(t, "")
	task := seedTask(t, router, "doomed")

	w := perform(router, http.MethodPost, "/api/tasks/1/cancel", nil, "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp v1.ActionResponse
	decodeBody(t, w, &resp)
	if resp.Status != "cancelled" {
		t.Errorf("expected status 'cancelled', got %q", resp.Status)
	}

	stored, err := repo.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if stored.Status != v1.TaskStatusCancelled {
		t.Errorf("expected cancelled in store, got %s", stored.Status)
	}
}

func TestHandler_CancelCompletedTaskConflicts(t *testing.T) {
	router, repo := setupTestRouter(t, "")
	task := seedTask(t, router, "done")
	ctx := context.Background()
	if _, err := repo.MarkDispatched(ctx, task.ID); err != nil {
		t.Fatalf("MarkDispatched failed: %v", err)
	}
	completed := v1.TaskStatusCompleted
	if _, err := repo.UpdateTask(ctx, task.ID, &repository.TaskUpdate{Status: &completed}); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	w := perform(router, http.MethodPost, "/api/tasks/1/cancel", nil, "")

	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "STATE_CONFLICT" {
		t.Errorf("expected STATE_CONFLICT, got %s", code)
	}
}

func TestHandler_RetryTask(t *testing.T) {
	router, repo := setupTestRouter(t, "")
	task := seedTask(t, router, "flaky")
	ctx := context.Background()
	if _, err := repo.MarkDispatched(ctx, task.ID); err != nil {
		t.Fatalf("MarkDispatched failed: %v", err)
	}
	failed := v1.TaskStatusFailed
	if _, err := repo.UpdateTask(ctx, task.ID, &repository.TaskUpdate{Status: &failed}); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	w := perform(router, http.MethodPost, "/api/tasks/1/retry", nil, "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp v1.ActionResponse
	decodeBody(t, w, &resp)
	if resp.Status != "pending" {
		t.Errorf("expected status 'pending', got %q", resp.Status)
	}
}

func TestHandler_ApprovePlan(t *testing.T) {
	router, repo := setupTestRouter(t, "")
	ctx := context.Background()

	w := perform(router, http.MethodPost, "/api/tasks", v1.CreateTaskRequest{
		Title:  "design",
		Prompt: "plan it",
		Mode:   v1.TaskModePlan,
	}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("seed task failed: %d", w.Code)
	}
	var task v1.Task
	decodeBody(t, w, &task)

	if _, err := repo.MarkDispatched(ctx, task.ID); err != nil {
		t.Fatalf("MarkDispatched failed: %v", err)
	}
	review := v1.TaskStatusReview
	if _, err := repo.UpdateTask(ctx, task.ID, &repository.TaskUpdate{Status: &review}); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	w = perform(router, http.MethodPost, "/api/tasks/1/approve-plan", nil, "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	stored, err := repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if stored.Status != v1.TaskStatusPending || stored.Mode != v1.TaskModeExecute {
		t.Errorf("expected pending/execute, got %s/%s", stored.Status, stored.Mode)
	}
}

func TestHandler_DeleteTask(t *testing.T) {
	router, repo := setupTestRouter(t, "")
	task := seedTask(t, router, "gone")

	w := perform(router, http.MethodDelete, "/api/tasks/1", nil, "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp v1.ActionResponse
	decodeBody(t, w, &resp)
	if resp.Status != "deleted" {
		t.Errorf("expected status 'deleted', got %q", resp.Status)
	}

	if _, err := repo.GetTask(context.Background(), task.ID); err == nil {
		t.Error("expected task to be deleted")
	}
}

func TestHandler_GetStatus(t *testing.T) {
	router, _ := setupTestRouter(t, "")
	seedTask(t, router, "one")
	seedTask(t, router, "two")

	w := perform(router, http.MethodGet, "/api/status", nil, "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp v1.StatusResponse
	decodeBody(t, w, &resp)
	if resp.Pending != 2 {
		t.Errorf("expected 2 pending, got %d", resp.Pending)
	}
}

func TestHandler_APIKeyGuardsMutations(t *testing.T) {
	router, _ := setupTestRouter(t, "secret")

	body := v1.CreateTaskRequest{Title: "guarded", Prompt: "p"}

	w := perform(router, http.MethodPost, "/api/tasks", body, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 without key, got %d", w.Code)
	}

	w = perform(router, http.MethodPost, "/api/tasks", body, "wrong")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 with wrong key, got %d", w.Code)
	}

	w = perform(router, http.MethodPost, "/api/tasks", body, "secret")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201 with key, got %d: %s", w.Code, w.Body.String())
	}

	// Reads stay open.
	w = perform(router, http.MethodGet, "/api/tasks", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200 for open read, got %d", w.Code)
	}
}

func TestHandler_MergeWithoutBranch(t *testing.T) {
	router, _ := setupTestRouter(t, "")
	seedTask(t, router, "never ran")

	w := perform(router, http.MethodPost, "/api/tasks/1/merge", nil, "")

	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestChatHandlers_SessionLifecycle(t *testing.T) {
	router, _ := setupTestRouter(t, "")

	w := perform(router, http.MethodPost, "/api/chat/sessions", v1.CreateChatSessionRequest{WorkingDir: t.TempDir()}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var session v1.ChatSession
	decodeBody(t, w, &session)
	if session.ID == "" {
		t.Fatal("expected session id")
	}

	w = perform(router, http.MethodGet, "/api/chat/sessions", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var sessions []v1.ChatSession
	decodeBody(t, w, &sessions)
	if len(sessions) != 1 {
		t.Errorf("expected 1 session, got %d", len(sessions))
	}

	w = perform(router, http.MethodGet, "/api/chat/sessions/"+session.ID+"/messages", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var messages []v1.ChatMessage
	decodeBody(t, w, &messages)
	if len(messages) != 0 {
		t.Errorf("expected empty transcript, got %d entries", len(messages))
	}

	w = perform(router, http.MethodPost, "/api/chat/sessions/"+session.ID+"/cancel", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var action v1.ActionResponse
	decodeBody(t, w, &action)
	if action.Status != "idle" {
		t.Errorf("expected status 'idle' for cancel with no turn, got %q", action.Status)
	}

	w = perform(router, http.MethodDelete, "/api/chat/sessions/"+session.ID, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	w = perform(router, http.MethodGet, "/api/chat/sessions/"+session.ID, nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 after delete, got %d", w.Code)
	}
}
