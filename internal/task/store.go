package task

import (
	"context"
	"time"
)

// Patch is a partial task update. Nil pointer fields are not-in-patch.
// The Clear* flags distinguish "set to null" from "leave alone" for the
// pause fields and completion timestamp.
type Patch struct {
	Description        *string
	AcceptanceCriteria *string
	Autonomy           *Autonomy
	Priority           *Priority
	Effort             *string

	Status       *Status
	CurrentStage *string
	RetryCount   *int
	MaxRetries   *int
	ResumeAttempts *int
	Branch       *string
	PRURL        *string
	Error        *string

	PausedAt    *time.Time
	ResumeAfter *time.Time
	PauseReason *PauseReason
	ClearPause  bool // null out pausedAt, resumeAfter and pauseReason

	Usage     *Usage
	Workspace *WorkspaceConfig
	Session   *SessionData

	ParentTaskID    *string
	SubtaskIDs      *[]string
	SubtaskStrategy *string

	// DependsOn replaces the whole edge set atomically when non-nil.
	DependsOn *[]string

	CompletedAt      *time.Time
	ClearCompletedAt bool
	TrashedAt        *time.Time

	// UpdatedAt overrides the automatic bump when set. The store stamps
	// time.Now() otherwise.
	UpdatedAt *time.Time
}

// Filter selects tasks for listing.
type Filter struct {
	Statuses        []Status
	Limit           int
	OrderByPriority bool
	IncludeTrashed  bool
}

// Store is the durable task persistence port. The adapter owns the database
// file exclusively; multi-statement updates run inside transactions so
// readers never observe a partial edge set.
type Store interface {
	// CreateTask inserts the task and its dependency edges atomically.
	// Fails with a conflict error when the id collides.
	CreateTask(ctx context.Context, t *Task) error

	// GetTask returns the hydrated task (logs, artifacts, dependsOn, derived
	// blockedBy, iteration history) or nil when absent.
	GetTask(ctx context.Context, id string) (*Task, error)

	// UpdateTask applies a partial update. Setting DependsOn replaces the
	// edge set atomically.
	UpdateTask(ctx context.Context, id string, patch Patch) error

	// ListTasks returns tasks matching the filter. OrderByPriority sorts
	// urgent→high→normal→low then createdAt ascending.
	ListTasks(ctx context.Context, filter Filter) ([]*Task, error)

	// GetNextQueuedTask returns the highest-priority pending task with no
	// incomplete dependency, or nil.
	GetNextQueuedTask(ctx context.Context) (*Task, error)

	// GetReadyTasks is the batch form of GetNextQueuedTask.
	GetReadyTasks(ctx context.Context, limit int, orderByPriority bool) ([]*Task, error)

	// GetPausedTasksForResume returns paused tasks with a resumable pause
	// reason whose resumeAfter is null or past, priority then createdAt.
	GetPausedTasksForResume(ctx context.Context) ([]*Task, error)

	// ListTrashed returns soft-deleted tasks.
	ListTrashed(ctx context.Context) ([]*Task, error)

	SaveCheckpoint(ctx context.Context, ck *Checkpoint) error
	GetLatestCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error)

	AddLog(ctx context.Context, entry *Log) error
	AddArtifact(ctx context.Context, artifact *Artifact) error

	SetGate(ctx context.Context, gate *Gate) error
	ApproveGate(ctx context.Context, taskID, name, approver, comment string) error
	RejectGate(ctx context.Context, taskID, name, approver, comment string) error
	GetGate(ctx context.Context, taskID, name string) (*Gate, error)
	GetPendingGates(ctx context.Context) ([]*Gate, error)
	GetAllGates(ctx context.Context, taskID string) ([]*Gate, error)

	AddIterationEntry(ctx context.Context, entry *IterationEntry) error
	UpdateIterationEntry(ctx context.Context, iterID string, after *Snapshot, summary string, modifiedFiles []string) error
	GetIterationHistory(ctx context.Context, taskID string) ([]*IterationEntry, error)

	AddInteraction(ctx context.Context, interaction *Interaction) error

	// Close releases the database handle.
	Close() error
}
