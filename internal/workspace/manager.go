// Package workspace manages git worktrees for task execution.
//
// Each task runs the agent inside its own worktree on its own branch so
// concurrent tasks never touch the base checkout. Worktrees live in a
// directory outside the base repository (by default a sibling named
// "worktrees") because git refuses nested worktree paths.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/gantryhq/gantry/internal/common/errors"
	"github.com/gantryhq/gantry/internal/common/logger"
)

const slugMaxLen = 20

// Workspace describes a provisioned task worktree.
type Workspace struct {
	// Branch is the dedicated task branch checked out in the worktree.
	Branch string
	// Path is the absolute worktree directory.
	Path string
}

// Manager provisions and removes per-task worktrees for a base repository.
type Manager struct {
	baseRepo     string
	worktreesDir string
	logger       *logger.Logger
}

// NewManager creates a Manager for the repository at baseRepo. When
// worktreesDir is empty a "worktrees" directory next to the base
// repository is used.
func NewManager(baseRepo, worktreesDir string, log *logger.Logger) (*Manager, error) {
	abs, err := filepath.Abs(baseRepo)
	if err != nil {
		return nil, apperrors.WorkspaceError(fmt.Sprintf("resolving repo path %s", baseRepo), err)
	}
	if !isGitRepo(abs) {
		return nil, apperrors.WorkspaceError(fmt.Sprintf("%s is not a git repository", abs), nil)
	}
	if worktreesDir == "" {
		worktreesDir = filepath.Join(filepath.Dir(abs), "worktrees")
	}
	return &Manager{
		baseRepo:     abs,
		worktreesDir: worktreesDir,
		logger:       log.WithComponent("workspace-manager"),
	}, nil
}

// BaseRepo returns the absolute path of the managed repository.
func (m *Manager) BaseRepo() string {
	return m.baseRepo
}

// Slug condenses a task title into a branch-safe fragment: lowercase,
// [a-z0-9-] only, runs of other characters collapse to a single hyphen,
// at most 20 characters.
func Slug(title string) string {
	var b strings.Builder
	lastHyphen := true // swallow leading hyphens
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > slugMaxLen {
		slug = strings.TrimRight(slug[:slugMaxLen], "-")
	}
	return slug
}

// BranchName returns the branch used for a task's worktree.
func BranchName(taskID int64, title string) string {
	slug := Slug(title)
	if slug == "" {
		return fmt.Sprintf("task-%d", taskID)
	}
	return fmt.Sprintf("task-%d-%s", taskID, slug)
}

// Create provisions a worktree and branch for the task. A stale branch
// left behind by an earlier attempt (task retry) is removed first so the
// new worktree starts from the current base HEAD.
func (m *Manager) Create(ctx context.Context, taskID int64, title string) (*Workspace, error) {
	branch := BranchName(taskID, title)
	path := filepath.Join(m.worktreesDir, branch)

	if m.branchExists(ctx, branch) {
		m.logger.Info("removing stale task branch",
			zap.Int64("task_id", taskID),
			zap.String("branch", branch))
		m.Remove(ctx, path, branch, true)
	}

	if err := os.MkdirAll(m.worktreesDir, 0o755); err != nil {
		return nil, apperrors.WorkspaceError(fmt.Sprintf("creating worktrees dir %s", m.worktreesDir), err)
	}

	out, err := m.git(ctx, "worktree", "add", "-b", branch, path)
	if err != nil {
		return nil, apperrors.WorkspaceError(fmt.Sprintf("worktree creation failed: %s", out), err)
	}

	m.logger.Info("created worktree",
		zap.Int64("task_id", taskID),
		zap.String("branch", branch),
		zap.String("path", path))
	return &Workspace{Branch: branch, Path: path}, nil
}

// Remove tears down a worktree and its branch. Missing paths and
// branches are ignored so removal can be retried safely. The returned
// error is non-nil only when the worktree directory survives every
// removal strategy.
func (m *Manager) Remove(ctx context.Context, path, branch string, force bool) error {
	var dirErr error
	if path != "" {
		dirErr = m.removeWorktreeDir(ctx, path, force)
	}
	if branch != "" && m.branchExists(ctx, branch) {
		if out, err := m.git(ctx, "branch", "-D", branch); err != nil {
			m.logger.Warn("branch deletion failed",
				zap.String("branch", branch),
				zap.String("output", out))
		}
	}
	return dirErr
}

func (m *Manager) removeWorktreeDir(ctx context.Context, path string, force bool) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Directory already gone; drop any stale registration.
		m.git(ctx, "worktree", "prune")
		return nil
	}

	out, err := m.git(ctx, "worktree", "remove", path)
	if err == nil {
		return nil
	}
	if force {
		if out, err = m.git(ctx, "worktree", "remove", "--force", path); err == nil {
			return nil
		}
	}

	m.logger.Warn("git worktree remove failed, falling back to direct removal",
		zap.String("path", path),
		zap.String("output", out))
	if rmErr := os.RemoveAll(path); rmErr != nil {
		return apperrors.WorkspaceError(fmt.Sprintf("removing worktree %s", path), rmErr)
	}
	m.git(ctx, "worktree", "prune")
	return nil
}

// Prune drops worktree registrations whose directories no longer exist.
func (m *Manager) Prune(ctx context.Context) error {
	if out, err := m.git(ctx, "worktree", "prune"); err != nil {
		return apperrors.WorkspaceError(fmt.Sprintf("worktree prune failed: %s", out), err)
	}
	return nil
}

// List returns the worktree paths registered with the base repository,
// excluding the base checkout itself.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	out, err := m.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, apperrors.WorkspaceError(fmt.Sprintf("worktree list failed: %s", out), err)
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		path := strings.TrimSpace(strings.TrimPrefix(line, "worktree "))
		if path == "" || path == m.baseRepo {
			continue
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Merge merges a task branch into the branch checked out in the base
// repository. A failed merge (conflicts, unknown branch) reports
// merged=false with git's output rather than an error; the caller
// surfaces the output to the user.
func (m *Manager) Merge(ctx context.Context, branch string) (bool, string) {
	out, err := m.git(ctx, "merge", branch)
	if err != nil {
		m.logger.Warn("merge failed",
			zap.String("branch", branch),
			zap.String("output", out))
		return false, out
	}
	m.logger.Info("merged branch", zap.String("branch", branch))
	return true, out
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	_, err := m.git(ctx, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// git runs a git command in the base repository and returns its combined
// output with surrounding whitespace trimmed.
func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.baseRepo
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// isGitRepo reports whether path contains a .git directory or file (the
// latter is how worktrees link back to the main repository).
func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && (info.IsDir() || info.Mode().IsRegular())
}
