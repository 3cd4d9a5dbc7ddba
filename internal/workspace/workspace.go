// Package workspace manages the isolated filesystem environments tasks
// execute in. Two interchangeable providers exist: VCS worktrees and
// containers.
package workspace

import (
	"context"
	"time"

	"apex/internal/task"
)

// Status classifies a workspace entry.
type Status string

const (
	StatusActive   Status = "active"
	StatusStale    Status = "stale"
	StatusPrunable Status = "prunable"
)

// Info describes one workspace.
type Info struct {
	TaskID     string                 `json:"taskId"`
	Path       string                 `json:"path"`
	Branch     string                 `json:"branch,omitempty"`
	Strategy   task.WorkspaceStrategy `json:"strategy"`
	Status     Status                 `json:"status"`
	CreatedAt  time.Time              `json:"createdAt"`
	LastUsedAt time.Time              `json:"lastUsedAt"`
}

// Provider is the common surface both workspace backends implement.
//
// Create is idempotent per task id: a second call for the same id fails
// with a conflict error. Delete returns false when nothing existed for
// the id. CleanupOrphaned removes entries classified stale or prunable
// and reports the task ids it removed; the main checkout is never
// touched.
type Provider interface {
	Create(ctx context.Context, taskID, branch string) (string, error)
	Get(ctx context.Context, taskID string) (*Info, error)
	SwitchTo(ctx context.Context, taskID string) (string, error)
	Delete(ctx context.Context, taskID string) (bool, error)
	List(ctx context.Context) ([]Info, error)
	CleanupOrphaned(ctx context.Context) ([]string, error)
}
