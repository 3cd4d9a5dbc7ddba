package workspace

import (
	"context"
	"fmt"

	"apex/internal/logging"
	"apex/internal/task"
)

// ManagerConfig carries the global workspace policy.
type ManagerConfig struct {
	// CleanupOnComplete removes workspaces when a task reaches a
	// terminal state, unless preservation applies.
	CleanupOnComplete bool
	// WorktreePreserveOnFailure is the global default for worktree
	// tasks that do not set preservation themselves.
	WorktreePreserveOnFailure bool
	// DefaultStrategy applies to tasks that do not name one.
	DefaultStrategy task.WorkspaceStrategy
}

// Manager routes workspace operations to the provider matching each
// task's strategy.
type Manager struct {
	cfg       ManagerConfig
	providers map[task.WorkspaceStrategy]Provider
	logger    logging.Logger
}

// NewManager wires the available providers. Strategies without a
// provider (for example "shared") resolve to no workspace at all.
func NewManager(cfg ManagerConfig, providers map[task.WorkspaceStrategy]Provider, logger logging.Logger) *Manager {
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = task.WorkspaceWorktree
	}
	return &Manager{cfg: cfg, providers: providers, logger: logging.OrNop(logger)}
}

func (m *Manager) strategyFor(t *task.Task) task.WorkspaceStrategy {
	if t.Workspace.Strategy != "" {
		return t.Workspace.Strategy
	}
	return m.cfg.DefaultStrategy
}

// ProviderFor returns the provider serving a strategy, or nil when the
// strategy needs no managed workspace.
func (m *Manager) ProviderFor(strategy task.WorkspaceStrategy) Provider {
	return m.providers[strategy]
}

// CreateWorkspace provisions the task's workspace and returns its path.
// Tasks on an unmanaged strategy get their project path back.
func (m *Manager) CreateWorkspace(ctx context.Context, t *task.Task) (string, error) {
	provider := m.ProviderFor(m.strategyFor(t))
	if provider == nil {
		return t.ProjectPath, nil
	}
	return provider.Create(ctx, t.ID, "")
}

// GetWorkspace looks up the task's workspace across its provider.
func (m *Manager) GetWorkspace(ctx context.Context, t *task.Task) (*Info, error) {
	provider := m.ProviderFor(m.strategyFor(t))
	if provider == nil {
		return nil, nil
	}
	return provider.Get(ctx, t.ID)
}

// ShouldPreserveOnFailure decides whether a failed task keeps its
// workspace. The task-level setting wins when present; otherwise the
// global worktree default applies to worktree tasks and every other
// strategy defaults to false.
func (m *Manager) ShouldPreserveOnFailure(t *task.Task) bool {
	if t.Workspace.PreserveOnFailure != nil {
		return *t.Workspace.PreserveOnFailure
	}
	if m.strategyFor(t) == task.WorkspaceWorktree {
		return m.cfg.WorktreePreserveOnFailure
	}
	return false
}

// CleanupWorkspace removes the task's workspace if policy allows.
// failed tasks consult ShouldPreserveOnFailure first.
func (m *Manager) CleanupWorkspace(ctx context.Context, t *task.Task, failed bool) (bool, error) {
	if !m.cfg.CleanupOnComplete {
		return false, nil
	}
	if failed && m.ShouldPreserveOnFailure(t) {
		m.logger.Info("workspace: preserving workspace for failed task %s", t.ID)
		return false, nil
	}
	provider := m.ProviderFor(m.strategyFor(t))
	if provider == nil {
		return false, nil
	}
	removed, err := provider.Delete(ctx, t.ID)
	if err != nil {
		return false, fmt.Errorf("workspace cleanup %s: %w", t.ID, err)
	}
	return removed, nil
}

// CleanupOrphaned sweeps every provider and aggregates removed task ids.
func (m *Manager) CleanupOrphaned(ctx context.Context) ([]string, error) {
	var removed []string
	for strategy, provider := range m.providers {
		ids, err := provider.CleanupOrphaned(ctx)
		if err != nil {
			m.logger.Warn("workspace: orphan sweep for %s failed: %v", strategy, err)
			continue
		}
		removed = append(removed, ids...)
	}
	return removed, nil
}
