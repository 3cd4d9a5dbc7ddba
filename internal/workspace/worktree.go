package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apexerrors "apex/internal/errors"
	"apex/internal/execx"
	"apex/internal/logging"
	"apex/internal/task"
)

// WorktreeConfig controls the VCS worktree provider.
type WorktreeConfig struct {
	ProjectPath         string
	BaseDir             string // default: <projectPath>/../.apex-worktrees
	MaxActive           int
	PruneStaleAfterDays int
	CommandTimeout      time.Duration
}

// WorktreeProvider shells out to git to manage one worktree per task at
// <baseDir>/task-<taskId>.
type WorktreeProvider struct {
	cfg    WorktreeConfig
	logger logging.Logger

	// statDir is swappable so classification can be tested without a
	// real checkout.
	statDir func(path string) (os.FileInfo, error)
}

// NewWorktreeProvider applies defaults: base dir beside the project,
// max 10 active worktrees, 7-day staleness.
func NewWorktreeProvider(cfg WorktreeConfig, logger logging.Logger) *WorktreeProvider {
	if cfg.BaseDir == "" {
		cfg.BaseDir = filepath.Join(filepath.Dir(cfg.ProjectPath), ".apex-worktrees")
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 10
	}
	if cfg.PruneStaleAfterDays <= 0 {
		cfg.PruneStaleAfterDays = 7
	}
	return &WorktreeProvider{cfg: cfg, logger: logging.OrNop(logger), statDir: os.Stat}
}

func (p *WorktreeProvider) pathFor(taskID string) string {
	return filepath.Join(p.cfg.BaseDir, "task-"+taskID)
}

func (p *WorktreeProvider) git(ctx context.Context, args ...string) (string, error) {
	return execx.Output(ctx, "git", args, execx.Options{
		Dir:     p.cfg.ProjectPath,
		Timeout: p.cfg.CommandTimeout,
	})
}

// Create adds a worktree on a fresh branch. Reusing a task id fails with
// a conflict; exceeding the active limit fails outright.
func (p *WorktreeProvider) Create(ctx context.Context, taskID, branch string) (string, error) {
	if taskID == "" {
		return "", fmt.Errorf("worktree create: task id is required")
	}

	entries, err := p.List(ctx)
	if err != nil {
		return "", err
	}
	active := 0
	for _, e := range entries {
		if e.Status == StatusActive {
			active++
		}
	}
	if active >= p.cfg.MaxActive {
		return "", fmt.Errorf("worktree create: active limit reached (%d)", p.cfg.MaxActive)
	}

	path := p.pathFor(taskID)
	if _, err := p.statDir(path); err == nil {
		return "", apexerrors.Conflict("worktree", taskID)
	}

	if branch == "" {
		branch = "task/" + taskID
	}
	if _, err := p.git(ctx, "worktree", "add", "-b", branch, path); err != nil {
		return "", fmt.Errorf("worktree create %s: %w", taskID, err)
	}
	p.logger.Info("workspace: created worktree %s on branch %s", path, branch)
	return path, nil
}

// Get returns the worktree info for a task, or nil when none exists.
func (p *WorktreeProvider) Get(ctx context.Context, taskID string) (*Info, error) {
	entries, err := p.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].TaskID == taskID {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// SwitchTo bumps the worktree's last-used timestamp and returns its path.
func (p *WorktreeProvider) SwitchTo(ctx context.Context, taskID string) (string, error) {
	info, err := p.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", fmt.Errorf("worktree switch: no worktree for task %s", taskID)
	}
	now := time.Now()
	if err := os.Chtimes(info.Path, now, now); err != nil {
		p.logger.Warn("workspace: could not touch %s: %v", info.Path, err)
	}
	return info.Path, nil
}

// Delete removes the task's worktree. Returns false when none existed.
// When git fails, the directory is removed manually and the worktree
// metadata pruned so a dead engine cannot strand the path forever.
func (p *WorktreeProvider) Delete(ctx context.Context, taskID string) (bool, error) {
	info, err := p.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}

	if _, err := p.git(ctx, "worktree", "remove", "--force", info.Path); err != nil {
		p.logger.Warn("workspace: git worktree remove failed for %s, cleaning up manually: %v", info.Path, err)
		if rmErr := os.RemoveAll(info.Path); rmErr != nil {
			return false, fmt.Errorf("worktree delete %s: %w", taskID, rmErr)
		}
		if _, pruneErr := p.git(ctx, "worktree", "prune"); pruneErr != nil {
			p.logger.Warn("workspace: worktree prune failed: %v", pruneErr)
		}
	}
	p.logger.Info("workspace: removed worktree for task %s", taskID)
	return true, nil
}

// List enumerates worktrees from `git worktree list --porcelain`,
// skipping the main checkout.
func (p *WorktreeProvider) List(ctx context.Context) ([]Info, error) {
	out, err := p.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("worktree list: %w", err)
	}

	var infos []Info
	for _, entry := range parseWorktreePorcelain(out) {
		if samePath(entry.path, p.cfg.ProjectPath) {
			continue
		}
		info := Info{
			TaskID:   taskIDFromPath(entry.path),
			Path:     entry.path,
			Branch:   entry.branch,
			Strategy: task.WorkspaceWorktree,
		}
		fi, statErr := p.statDir(entry.path)
		if statErr == nil {
			info.LastUsedAt = fi.ModTime()
		}
		info.Status = classifyWorktree(info.TaskID != "", statErr == nil, info.LastUsedAt, p.cfg.PruneStaleAfterDays, time.Now())
		infos = append(infos, info)
	}
	return infos, nil
}

// CleanupOrphaned deletes every stale or prunable worktree and returns
// the task ids that were removed.
func (p *WorktreeProvider) CleanupOrphaned(ctx context.Context) ([]string, error) {
	entries, err := p.List(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, e := range entries {
		if e.Status == StatusActive {
			continue
		}
		if _, err := p.git(ctx, "worktree", "remove", "--force", e.Path); err != nil {
			p.logger.Warn("workspace: orphan cleanup of %s failed: %v", e.Path, err)
			_ = os.RemoveAll(e.Path)
		}
		if e.TaskID != "" {
			removed = append(removed, e.TaskID)
		}
	}
	if len(removed) > 0 {
		if _, err := p.git(ctx, "worktree", "prune"); err != nil {
			p.logger.Warn("workspace: worktree prune failed: %v", err)
		}
	}
	return removed, nil
}

type worktreeEntry struct {
	path   string
	branch string
}

// parseWorktreePorcelain splits the porcelain output into entries. Each
// block starts with a "worktree <path>" line.
func parseWorktreePorcelain(out string) []worktreeEntry {
	var entries []worktreeEntry
	var current *worktreeEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				entries = append(entries, *current)
			}
			current = &worktreeEntry{path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && current != nil:
			current.branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if current != nil {
		entries = append(entries, *current)
	}
	return entries
}

// taskIDFromPath derives the owning task id from the final path segment
// when it matches task-<id>; other paths yield "".
func taskIDFromPath(path string) string {
	base := filepath.Base(path)
	if id, ok := strings.CutPrefix(base, "task-"); ok && id != "" {
		return id
	}
	return ""
}

// classifyWorktree applies the status rules: a task-tagged worktree is
// active while its directory exists and was touched within the staleness
// window; past the window it is stale. A non-task path with no
// accessible directory is prunable.
func classifyWorktree(isTask, exists bool, lastUsed time.Time, staleDays int, now time.Time) Status {
	if !exists {
		if isTask {
			return StatusStale
		}
		return StatusPrunable
	}
	if isTask && now.Sub(lastUsed) > time.Duration(staleDays)*24*time.Hour {
		return StatusStale
	}
	return StatusActive
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
