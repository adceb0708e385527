package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gantryhq/gantry/internal/common/logger"
	"github.com/gantryhq/gantry/internal/events"
	"github.com/gantryhq/gantry/internal/events/bus"
	"github.com/gantryhq/gantry/internal/task/models"
	"github.com/gantryhq/gantry/internal/task/repository"
	v1 "github.com/gantryhq/gantry/pkg/api/v1"
)

// syncedFile mirrors the on-disk layout with entries kept generic so
// CLI and web records can be inspected side by side.
type syncedFile struct {
	Meta  Meta                     `json:"meta"`
	Tasks []map[string]interface{} `json:"tasks"`
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func newTestRegistry(t *testing.T) (*Registry, *repository.MemoryRepository, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dev-tasks.json")
	repo := repository.NewMemoryRepository()
	return New(path, repo, newTestLogger(t)), repo, path
}

func createTask(t *testing.T, repo repository.Repository, title string) *models.Task {
	t.Helper()
	task := &models.Task{
		Title:    title,
		Prompt:   "do " + title,
		Status:   v1.TaskStatusPending,
		Mode:     v1.TaskModeExecute,
		Priority: v1.TaskPriorityMedium,
	}
	if err := repo.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return task
}

func setCost(t *testing.T, repo repository.Repository, id int64, cost float64) {
	t.Helper()
	if _, err := repo.UpdateTask(context.Background(), id, &repository.TaskUpdate{CostUSD: &cost}); err != nil {
		t.Fatalf("failed to set cost on task %d: %v", id, err)
	}
}

func readRegistry(t *testing.T, path string) syncedFile {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read registry file: %v", err)
	}
	var file syncedFile
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("failed to parse registry file: %v", err)
	}
	return file
}

func entryIDs(file syncedFile) map[string]map[string]interface{} {
	byID := make(map[string]map[string]interface{}, len(file.Tasks))
	for _, entry := range file.Tasks {
		id, _ := entry["id"].(string)
		byID[id] = entry
	}
	return byID
}

func TestSyncWritesWebEntries(t *testing.T) {
	reg, repo, path := newTestRegistry(t)
	a := createTask(t, repo, "build the parser")
	b := createTask(t, repo, "wire the gateway")
	setCost(t, repo, b.ID, 0.25)

	if err := reg.Sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	file := readRegistry(t, path)
	if file.Meta.WebTasks != 2 || file.Meta.CLITasks != 0 {
		t.Errorf("meta counts = %d web / %d cli, want 2 / 0",
			file.Meta.WebTasks, file.Meta.CLITasks)
	}
	if file.Meta.TotalCostUSD != 0.25 {
		t.Errorf("total cost = %v, want 0.25", file.Meta.TotalCostUSD)
	}
	if file.Meta.LastSyncedAt.IsZero() {
		t.Error("last_synced_at not set")
	}

	byID := entryIDs(file)
	first, ok := byID["web-"+itoa(a.ID)]
	if !ok {
		t.Fatalf("entry for task %d missing, have %v", a.ID, byID)
	}
	if first["source"] != "web" {
		t.Errorf("source = %v, want web", first["source"])
	}
	if first["status"] != "pending" {
		t.Errorf("status = %v, want pending", first["status"])
	}
	if first["title"] != "build the parser" {
		t.Errorf("title = %v", first["title"])
	}
}

func TestSyncPrefixesDependencyIDs(t *testing.T) {
	reg, repo, path := newTestRegistry(t)
	dep := createTask(t, repo, "prepare fixtures")
	task := &models.Task{
		Title:     "run suite",
		Prompt:    "run the suite",
		Status:    v1.TaskStatusPending,
		Mode:      v1.TaskModeExecute,
		Priority:  v1.TaskPriorityMedium,
		DependsOn: []int64{dep.ID},
	}
	if err := repo.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	if err := reg.Sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	byID := entryIDs(readRegistry(t, path))
	entry := byID["web-"+itoa(task.ID)]
	deps, ok := entry["depends_on"].([]interface{})
	if !ok || len(deps) != 1 {
		t.Fatalf("depends_on = %v, want one entry", entry["depends_on"])
	}
	if deps[0] != "web-"+itoa(dep.ID) {
		t.Errorf("dependency id = %v, want web-%d", deps[0], dep.ID)
	}
}

func TestLoadPreservesCLITasks(t *testing.T) {
	reg, repo, path := newTestRegistry(t)
	seed := `{
  "meta": {"cli_tasks": 2},
  "tasks": [
    {"id": "fix-login", "source": "cli", "cost_usd": 0.5},
    {"id": "legacy-entry", "title": "predates source field"},
    {"id": "web-99", "source": "web", "title": "stale web entry"}
  ]
}`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatalf("failed to seed registry: %v", err)
	}
	if err := reg.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	task := createTask(t, repo, "new web task")
	setCost(t, repo, task.ID, 0.25)
	if err := reg.Sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	file := readRegistry(t, path)
	if file.Meta.CLITasks != 2 || file.Meta.WebTasks != 1 {
		t.Errorf("meta counts = %d cli / %d web, want 2 / 1",
			file.Meta.CLITasks, file.Meta.WebTasks)
	}
	if file.Meta.TotalCostUSD != 0.75 {
		t.Errorf("total cost = %v, want 0.75", file.Meta.TotalCostUSD)
	}

	byID := entryIDs(file)
	if _, ok := byID["fix-login"]; !ok {
		t.Error("cli entry dropped")
	}
	legacy, ok := byID["legacy-entry"]
	if !ok {
		t.Fatal("legacy entry dropped")
	}
	if legacy["source"] != "cli" {
		t.Errorf("legacy entry source = %v, want cli", legacy["source"])
	}
	if _, ok := byID["web-99"]; ok {
		t.Error("stale web entry survived the sync")
	}
	if _, ok := byID["web-"+itoa(task.ID)]; !ok {
		t.Error("new web entry missing")
	}
}

func TestLoadAcceptsLegacyArrayLayout(t *testing.T) {
	reg, repo, path := newTestRegistry(t)
	seed := `[{"id": "old-style", "title": "from the flat file days"}]`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatalf("failed to seed registry: %v", err)
	}
	if err := reg.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	createTask(t, repo, "anything")
	if err := reg.Sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	byID := entryIDs(readRegistry(t, path))
	if _, ok := byID["old-style"]; !ok {
		t.Error("legacy array entry dropped")
	}
}

func TestLoadMissingFile(t *testing.T) {
	reg, repo, path := newTestRegistry(t)
	if err := reg.Load(); err != nil {
		t.Fatalf("load of missing file failed: %v", err)
	}
	createTask(t, repo, "first ever task")
	if err := reg.Sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	file := readRegistry(t, path)
	if file.Meta.WebTasks != 1 {
		t.Errorf("web tasks = %d, want 1", file.Meta.WebTasks)
	}
}

func TestLoadCorruptFileStartsOver(t *testing.T) {
	reg, repo, path := newTestRegistry(t)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("failed to seed registry: %v", err)
	}
	if err := reg.Load(); err != nil {
		t.Fatalf("load of corrupt file failed: %v", err)
	}
	createTask(t, repo, "rebuild")
	if err := reg.Sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	file := readRegistry(t, path)
	if file.Meta.CLITasks != 0 {
		t.Errorf("cli tasks = %d, want 0 after corrupt load", file.Meta.CLITasks)
	}
}

func TestSyncLeavesNoTempFiles(t *testing.T) {
	reg, repo, path := newTestRegistry(t)
	createTask(t, repo, "tidy")
	if err := reg.Sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("failed to list registry dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != filepath.Base(path) {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("registry dir contents = %v, want only %s", names, filepath.Base(path))
	}
}

func TestSyncRoundsTotalCost(t *testing.T) {
	reg, repo, path := newTestRegistry(t)
	task := createTask(t, repo, "fractional")
	setCost(t, repo, task.ID, 1.0/3.0)
	if err := reg.Sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	file := readRegistry(t, path)
	if file.Meta.TotalCostUSD != 0.333333 {
		t.Errorf("total cost = %v, want 0.333333", file.Meta.TotalCostUSD)
	}
}

func TestWatchSyncsOnCompletion(t *testing.T) {
	reg, repo, path := newTestRegistry(t)
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	sub, err := reg.Watch(eventBus)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer sub.Unsubscribe()

	task := createTask(t, repo, "observed")
	err = eventBus.Publish(context.Background(),
		events.BuildTaskCompleteSubject(task.ID),
		bus.NewEvent(events.TaskComplete, "test", map[string]interface{}{
			"task_id": task.ID,
			"type":    "complete",
			"status":  "completed",
		}))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	byID := entryIDs(readRegistry(t, path))
	if _, ok := byID["web-"+itoa(task.ID)]; !ok {
		t.Error("registry not synced after completion event")
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
