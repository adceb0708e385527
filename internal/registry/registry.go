// Package registry mirrors the task store into a JSON file shared with
// CLI tooling, so runs started from the web UI show up next to tasks
// tracked by hand.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gantryhq/gantry/internal/common/logger"
	"github.com/gantryhq/gantry/internal/events"
	"github.com/gantryhq/gantry/internal/events/bus"
	"github.com/gantryhq/gantry/internal/task/models"
	"github.com/gantryhq/gantry/internal/task/repository"
)

// Entry is one web-managed registry record. Its id carries the
// "web-<task id>" prefix that separates it from CLI-owned entries.
type Entry struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Status       string     `json:"status"`
	Source       string     `json:"source"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	Priority     string     `json:"priority"`
	Mode         string     `json:"mode"`
	CostUSD      *float64   `json:"cost_usd"`
	InputTokens  *int64     `json:"input_tokens"`
	OutputTokens *int64     `json:"output_tokens"`
	ExitCode     *int       `json:"exit_code"`
	Error        string     `json:"error,omitempty"`
	Tags         []string   `json:"tags"`
	DependsOn    []string   `json:"depends_on"`
}

// Meta summarizes the registry contents as of the last sync.
type Meta struct {
	LastSyncedAt time.Time `json:"last_synced_at"`
	TotalCostUSD float64   `json:"total_cost_usd"`
	CLITasks     int       `json:"cli_tasks"`
	WebTasks     int       `json:"web_tasks"`
}

type registryFile struct {
	Meta  Meta          `json:"meta"`
	Tasks []interface{} `json:"tasks"`
}

// Registry rewrites the shared registry file from the task store.
// Entries owned by CLI tooling are cached once at load time and carried
// through every subsequent write untouched; web entries are replaced
// wholesale on each sync.
type Registry struct {
	path   string
	repo   repository.Repository
	logger *logger.Logger

	mu       sync.Mutex
	cliTasks []map[string]interface{}
}

// New creates a registry backed by the given store. Call Load before
// the first Sync so existing CLI entries survive.
func New(path string, repo repository.Repository, log *logger.Logger) *Registry {
	return &Registry{
		path:   path,
		repo:   repo,
		logger: log.WithComponent("registry"),
	}
}

// Load reads the registry file and caches the entries owned by CLI
// tooling. A missing file is a fresh registry. A file that does not
// parse is treated as empty so the next sync rewrites it; that drops
// whatever the corrupt file held, which is logged.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read registry file: %w", err)
	}

	entries, ok := decodeEntries(data)
	if !ok {
		r.logger.Warn("registry file is not valid JSON, starting over",
			zap.String("path", r.path))
	}

	cli := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		source, _ := entry["source"].(string)
		if source == "" || source == "cli" {
			// Legacy entries predate the source field.
			entry["source"] = "cli"
			cli = append(cli, entry)
		}
	}

	r.mu.Lock()
	r.cliTasks = cli
	r.mu.Unlock()

	r.logger.Info("registry loaded", zap.String("path", r.path),
		zap.Int("cli_tasks", len(cli)))
	return nil
}

// decodeEntries accepts both registry layouts: the current object with
// a tasks array and the legacy bare array.
func decodeEntries(data []byte) ([]map[string]interface{}, bool) {
	var file struct {
		Tasks []map[string]interface{} `json:"tasks"`
	}
	if err := json.Unmarshal(data, &file); err == nil {
		return file.Tasks, true
	}
	var list []map[string]interface{}
	if err := json.Unmarshal(data, &list); err == nil {
		return list, true
	}
	return nil, false
}

// Sync rewrites the registry file from the current store contents
// merged with the cached CLI entries. The write is atomic: a temp file
// in the same directory is renamed over the target, so readers never
// observe a half-written registry.
func (r *Registry) Sync(ctx context.Context) error {
	tasks, err := r.repo.ListTasks(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to list tasks for registry sync: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]interface{}, 0, len(r.cliTasks)+len(tasks))
	var totalCost float64
	for _, entry := range r.cliTasks {
		if cost, ok := entry["cost_usd"].(float64); ok {
			totalCost += cost
		}
		all = append(all, entry)
	}
	for _, task := range tasks {
		if task.CostUSD != nil {
			totalCost += *task.CostUSD
		}
		all = append(all, webEntry(task))
	}

	out := registryFile{
		Meta: Meta{
			LastSyncedAt: time.Now().UTC(),
			TotalCostUSD: math.Round(totalCost*1e6) / 1e6,
			CLITasks:     len(r.cliTasks),
			WebTasks:     len(tasks),
		},
		Tasks: all,
	}
	if err := r.writeAtomic(out); err != nil {
		return err
	}

	r.logger.Debug("registry synced",
		zap.Int("web_tasks", len(tasks)),
		zap.Int("cli_tasks", len(r.cliTasks)))
	return nil
}

// Watch resyncs the registry whenever a task reaches a terminal state,
// so results recorded by the scheduler reach CLI tooling without
// waiting for the next API write.
func (r *Registry) Watch(eventBus bus.EventBus) (bus.Subscription, error) {
	return eventBus.Subscribe(events.BuildTaskCompleteWildcardSubject(),
		func(ctx context.Context, _ *bus.Event) error {
			if err := r.Sync(ctx); err != nil {
				r.logger.Warn("registry sync after completion failed", zap.Error(err))
			}
			return nil
		})
}

func webEntry(task *models.Task) Entry {
	deps := make([]string, len(task.DependsOn))
	for i, id := range task.DependsOn {
		deps[i] = fmt.Sprintf("web-%d", id)
	}
	tags := task.Tags
	if tags == nil {
		tags = []string{}
	}
	return Entry{
		ID:           fmt.Sprintf("web-%d", task.ID),
		Title:        task.Title,
		Status:       string(task.Status),
		Source:       "web",
		CreatedAt:    task.CreatedAt,
		StartedAt:    task.StartedAt,
		CompletedAt:  task.CompletedAt,
		Priority:     string(task.Priority),
		Mode:         string(task.Mode),
		CostUSD:      task.CostUSD,
		InputTokens:  task.InputTokens,
		OutputTokens: task.OutputTokens,
		ExitCode:     task.ExitCode,
		Error:        task.Error,
		Tags:         tags,
		DependsOn:    deps,
	}
}

func (r *Registry) writeAtomic(out registryFile) error {
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp registry file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp registry file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace registry file: %w", err)
	}
	return nil
}
