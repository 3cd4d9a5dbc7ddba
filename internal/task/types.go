// Package task defines the unified task domain model and store port.
//
// It is the single source of truth for task state, durable across daemon
// restarts: lifecycle status, workflow position, usage accounting, pause
// state, dependency edges, checkpoints and iteration history all live here.
package task

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status is a final state. Paused is not
// terminal: paused tasks resume.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority orders dispatch across tasks. Within a tier, FIFO by creation.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the sort weight for a priority; lower dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Autonomy controls how much human approval a task requires between stages.
type Autonomy string

const (
	AutonomyFull       Autonomy = "full"
	AutonomySupervised Autonomy = "supervised"
	AutonomyManual     Autonomy = "manual"
)

// PauseReason explains why a task entered the paused state.
type PauseReason string

const (
	PauseUsageLimit     PauseReason = "usage_limit"
	PauseBudget         PauseReason = "budget"
	PauseCapacity       PauseReason = "capacity"
	PauseManual         PauseReason = "manual"
	PauseUserRequest    PauseReason = "user_request"
	PauseSystemShutdown PauseReason = "system_shutdown"
	PauseError          PauseReason = "error"
)

// IsResumable reports whether the daemon may auto-resume a task paused for
// this reason once capacity returns.
func (r PauseReason) IsResumable() bool {
	switch r {
	case PauseUsageLimit, PauseBudget, PauseCapacity:
		return true
	default:
		return false
	}
}

// Usage is cumulative token and cost accounting for a task.
type Usage struct {
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	TotalTokens   int     `json:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// Add accumulates delta into u, keeping TotalTokens consistent.
func (u *Usage) Add(delta Usage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.TotalTokens = u.InputTokens + u.OutputTokens
	u.EstimatedCost += delta.EstimatedCost
}

// Normalize enforces the totalTokens invariant.
func (u *Usage) Normalize() {
	u.TotalTokens = u.InputTokens + u.OutputTokens
}

// WorkspaceStrategy selects the isolation provider for a task.
type WorkspaceStrategy string

const (
	WorkspaceWorktree  WorkspaceStrategy = "worktree"
	WorkspaceContainer WorkspaceStrategy = "container"
	WorkspaceShared    WorkspaceStrategy = "shared"
)

// WorkspaceConfig is the per-task workspace request.
type WorkspaceConfig struct {
	Strategy          WorkspaceStrategy `json:"strategy,omitempty"`
	BaseDir           string            `json:"base_dir,omitempty"`
	Image             string            `json:"image,omitempty"`
	PreserveOnFailure *bool             `json:"preserve_on_failure,omitempty"`
}

// SessionData carries resumable conversation state for a task.
type SessionData struct {
	LastCheckpointAt *time.Time `json:"last_checkpoint_at,omitempty"`
	ContextSummary   string     `json:"context_summary,omitempty"`
	ConversationRef  string     `json:"conversation_ref,omitempty"`
}

// Task is the atomic unit of work.
type Task struct {
	ID          string `json:"id" db:"id"`
	ProjectPath string `json:"project_path" db:"project_path"`
	Workflow    string `json:"workflow" db:"workflow"`

	Description        string   `json:"description" db:"description"`
	AcceptanceCriteria string   `json:"acceptance_criteria,omitempty" db:"acceptance_criteria"`
	Autonomy           Autonomy `json:"autonomy" db:"autonomy"`
	Priority           Priority `json:"priority" db:"priority"`
	Effort             string   `json:"effort,omitempty" db:"effort"`

	Status         Status `json:"status" db:"status"`
	CurrentStage   string `json:"current_stage,omitempty" db:"current_stage"`
	RetryCount     int    `json:"retry_count" db:"retry_count"`
	MaxRetries     int    `json:"max_retries" db:"max_retries"`
	ResumeAttempts int    `json:"resume_attempts" db:"resume_attempts"`
	Branch         string `json:"branch,omitempty" db:"branch"`
	PRURL          string `json:"pr_url,omitempty" db:"pr_url"`
	Error          string `json:"error,omitempty" db:"error"`

	PausedAt    *time.Time  `json:"paused_at,omitempty" db:"paused_at"`
	ResumeAfter *time.Time  `json:"resume_after,omitempty" db:"resume_after"`
	PauseReason PauseReason `json:"pause_reason,omitempty" db:"pause_reason"`

	Usage     Usage           `json:"usage"`
	Workspace WorkspaceConfig `json:"workspace"`
	Session   SessionData     `json:"session"`

	ParentTaskID    string   `json:"parent_task_id,omitempty" db:"parent_task_id"`
	SubtaskIDs      []string `json:"subtask_ids,omitempty"`
	SubtaskStrategy string   `json:"subtask_strategy,omitempty" db:"subtask_strategy"`

	// DependsOn is the explicit edge set; BlockedBy is derived on read: the
	// subset of DependsOn whose referent is not completed or cancelled.
	DependsOn []string `json:"depends_on,omitempty"`
	BlockedBy []string `json:"blocked_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	TrashedAt   *time.Time `json:"trashed_at,omitempty" db:"trashed_at"`

	Logs       []Log            `json:"logs,omitempty"`
	Artifacts  []Artifact       `json:"artifacts,omitempty"`
	Iterations []IterationEntry `json:"iterations,omitempty"`
}

// IsBlocked reports whether any dependency is still incomplete.
func (t *Task) IsBlocked() bool {
	return len(t.BlockedBy) > 0
}

// LogLevel is the severity of a task log entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// Log is an append-only task log entry.
type Log struct {
	ID        string          `json:"id" db:"id"`
	TaskID    string          `json:"task_id" db:"task_id"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Level     LogLevel        `json:"level" db:"level"`
	Stage     string          `json:"stage,omitempty" db:"stage"`
	Agent     string          `json:"agent,omitempty" db:"agent"`
	Message   string          `json:"message" db:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty" db:"metadata"`
}

// Artifact is an append-only task output record.
type Artifact struct {
	ID        string    `json:"id" db:"id"`
	TaskID    string    `json:"task_id" db:"task_id"`
	Name      string    `json:"name" db:"name"`
	Type      string    `json:"type" db:"type"` // file | diff | data | ...
	Path      string    `json:"path,omitempty" db:"path"`
	Content   string    `json:"content,omitempty" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// GateStatus is the resolution state of an approval gate.
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateRejected GateStatus = "rejected"
)

// Gate is a named approval checkpoint, unique per (task, name).
type Gate struct {
	TaskID      string     `json:"task_id" db:"task_id"`
	Name        string     `json:"name" db:"name"`
	Status      GateStatus `json:"status" db:"status"`
	RequiredAt  time.Time  `json:"required_at" db:"required_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty" db:"responded_at"`
	Approver    string     `json:"approver,omitempty" db:"approver"`
	Comment     string     `json:"comment,omitempty" db:"comment"`
}

// Checkpoint is a durable resume point at a stage boundary, unique per
// (task, checkpointID). Latest means max CreatedAt.
type Checkpoint struct {
	TaskID       string          `json:"task_id" db:"task_id"`
	CheckpointID string          `json:"checkpoint_id" db:"checkpoint_id"`
	Stage        string          `json:"stage" db:"stage"`
	StageIndex   int             `json:"stage_index" db:"stage_index"`
	Conversation json.RawMessage `json:"conversation,omitempty" db:"conversation"`
	Metadata     json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// FileSet partitions workspace files touched up to a snapshot.
type FileSet struct {
	Created  []string `json:"created"`
	Modified []string `json:"modified"`
}

// All returns the union of created and modified paths.
func (f FileSet) All() []string {
	out := make([]string, 0, len(f.Created)+len(f.Modified))
	out = append(out, f.Created...)
	out = append(out, f.Modified...)
	return out
}

// Snapshot captures task state at an iteration boundary.
type Snapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	Stage         string    `json:"stage"`
	Status        Status    `json:"status"`
	Files         FileSet   `json:"files"`
	Usage         Usage     `json:"usage"`
	ArtifactCount int       `json:"artifact_count"`
}

// IterationEntry records one mid-flight refinement of an in-progress task.
type IterationEntry struct {
	ID            string     `json:"id" db:"id"`
	TaskID        string     `json:"task_id" db:"task_id"`
	Feedback      string     `json:"feedback" db:"feedback"`
	Stage         string     `json:"stage" db:"stage"`
	Before        Snapshot   `json:"before_state"`
	After         *Snapshot  `json:"after_state,omitempty"`
	ModifiedFiles []string   `json:"modified_files,omitempty"`
	DiffSummary   string     `json:"diff_summary,omitempty" db:"diff_summary"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Interaction is an audit row for submitInteraction commands.
type Interaction struct {
	ID          string          `json:"id" db:"id"`
	TaskID      string          `json:"task_id" db:"task_id"`
	Command     string          `json:"command" db:"command"`
	Params      json.RawMessage `json:"params,omitempty" db:"params"`
	RequestedBy string          `json:"requested_by" db:"requested_by"`
	Result      string          `json:"result,omitempty" db:"result"` // ok | error:<message>
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}
