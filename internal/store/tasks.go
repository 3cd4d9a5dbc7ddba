package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	apexerrors "apex/internal/errors"
	"apex/internal/task"
)

const taskColumns = `id, project_path, workflow, description, acceptance_criteria, autonomy, priority, effort,
	status, current_stage, retry_count, max_retries, resume_attempts, branch, pr_url, error,
	paused_at, resume_after, pause_reason,
	input_tokens, output_tokens, total_tokens, estimated_cost,
	workspace_json, session_json, parent_task_id, subtask_ids_json, subtask_strategy,
	created_at, updated_at, completed_at, trashed_at`

// readyPredicate excludes tasks with any incomplete dependency. A dependency
// on a nonexistent task blocks as well: its referent is not completed.
const readyPredicate = `t.status = 'pending' AND t.trashed_at IS NULL AND NOT EXISTS (
	SELECT 1 FROM task_dependencies d
	LEFT JOIN tasks dep ON dep.id = d.depends_on_id
	WHERE d.task_id = t.id AND (dep.id IS NULL OR dep.status NOT IN ('completed', 'cancelled')))`

const priorityOrder = `CASE t.priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END, t.created_at ASC`

type taskRow struct {
	ID                 string         `db:"id"`
	ProjectPath        string         `db:"project_path"`
	Workflow           string         `db:"workflow"`
	Description        string         `db:"description"`
	AcceptanceCriteria string         `db:"acceptance_criteria"`
	Autonomy           string         `db:"autonomy"`
	Priority           string         `db:"priority"`
	Effort             string         `db:"effort"`
	Status             string         `db:"status"`
	CurrentStage       string         `db:"current_stage"`
	RetryCount         int            `db:"retry_count"`
	MaxRetries         int            `db:"max_retries"`
	ResumeAttempts     int            `db:"resume_attempts"`
	Branch             string         `db:"branch"`
	PRURL              string         `db:"pr_url"`
	Error              string         `db:"error"`
	PausedAt           sql.NullString `db:"paused_at"`
	ResumeAfter        sql.NullString `db:"resume_after"`
	PauseReason        string         `db:"pause_reason"`
	InputTokens        int            `db:"input_tokens"`
	OutputTokens       int            `db:"output_tokens"`
	TotalTokens        int            `db:"total_tokens"`
	EstimatedCost      float64        `db:"estimated_cost"`
	WorkspaceJSON      string         `db:"workspace_json"`
	SessionJSON        string         `db:"session_json"`
	ParentTaskID       string         `db:"parent_task_id"`
	SubtaskIDsJSON     string         `db:"subtask_ids_json"`
	SubtaskStrategy    string         `db:"subtask_strategy"`
	CreatedAt          string         `db:"created_at"`
	UpdatedAt          string         `db:"updated_at"`
	CompletedAt        sql.NullString `db:"completed_at"`
	TrashedAt          sql.NullString `db:"trashed_at"`
}

func (r *taskRow) toTask() (*task.Task, error) {
	t := &task.Task{
		ID:                 r.ID,
		ProjectPath:        r.ProjectPath,
		Workflow:           r.Workflow,
		Description:        r.Description,
		AcceptanceCriteria: r.AcceptanceCriteria,
		Autonomy:           task.Autonomy(r.Autonomy),
		Priority:           task.Priority(r.Priority),
		Effort:             r.Effort,
		Status:             task.Status(r.Status),
		CurrentStage:       r.CurrentStage,
		RetryCount:         r.RetryCount,
		MaxRetries:         r.MaxRetries,
		ResumeAttempts:     r.ResumeAttempts,
		Branch:             r.Branch,
		PRURL:              r.PRURL,
		Error:              r.Error,
		PauseReason:        task.PauseReason(r.PauseReason),
		ParentTaskID:       r.ParentTaskID,
		SubtaskStrategy:    r.SubtaskStrategy,
		Usage: task.Usage{
			InputTokens:   r.InputTokens,
			OutputTokens:  r.OutputTokens,
			TotalTokens:   r.TotalTokens,
			EstimatedCost: r.EstimatedCost,
		},
	}
	var err error
	if t.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return nil, err
	}
	if t.PausedAt, err = parseTimePtr(r.PausedAt); err != nil {
		return nil, err
	}
	if t.ResumeAfter, err = parseTimePtr(r.ResumeAfter); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseTimePtr(r.CompletedAt); err != nil {
		return nil, err
	}
	if t.TrashedAt, err = parseTimePtr(r.TrashedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(orJSON(r.WorkspaceJSON, "{}")), &t.Workspace); err != nil {
		return nil, fmt.Errorf("task %s: workspace column: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(orJSON(r.SessionJSON, "{}")), &t.Session); err != nil {
		return nil, fmt.Errorf("task %s: session column: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(orJSON(r.SubtaskIDsJSON, "[]")), &t.SubtaskIDs); err != nil {
		return nil, fmt.Errorf("task %s: subtask_ids column: %w", r.ID, err)
	}
	return t, nil
}

func orJSON(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// CreateTask inserts the task and its dependency edges atomically.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *task.Task) error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("task id is required")
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	if t.Priority == "" {
		t.Priority = task.PriorityNormal
	}
	if t.Autonomy == "" {
		t.Autonomy = task.AutonomyFull
	}
	t.Usage.Normalize()

	workspaceJSON, err := json.Marshal(t.Workspace)
	if err != nil {
		return fmt.Errorf("marshal workspace: %w", err)
	}
	sessionJSON, err := json.Marshal(t.Session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	subtasksJSON, err := json.Marshal(orSlice(t.SubtaskIDs))
	if err != nil {
		return fmt.Errorf("marshal subtask ids: %w", err)
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES
			(?, ?, ?, ?, ?, ?, ?, ?,
			 ?, ?, ?, ?, ?, ?, ?, ?,
			 ?, ?, ?,
			 ?, ?, ?, ?,
			 ?, ?, ?, ?, ?,
			 ?, ?, ?, ?)`,
			t.ID, t.ProjectPath, t.Workflow, t.Description, t.AcceptanceCriteria, string(t.Autonomy), string(t.Priority), t.Effort,
			string(t.Status), t.CurrentStage, t.RetryCount, t.MaxRetries, t.ResumeAttempts, t.Branch, t.PRURL, t.Error,
			formatTimePtr(t.PausedAt), formatTimePtr(t.ResumeAfter), string(t.PauseReason),
			t.Usage.InputTokens, t.Usage.OutputTokens, t.Usage.TotalTokens, t.Usage.EstimatedCost,
			string(workspaceJSON), string(sessionJSON), t.ParentTaskID, string(subtasksJSON), t.SubtaskStrategy,
			formatTime(t.CreatedAt), formatTime(t.UpdatedAt), formatTimePtr(t.CompletedAt), formatTimePtr(t.TrashedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return apexerrors.Conflict("task", t.ID)
			}
			return fmt.Errorf("insert task: %w", err)
		}
		return replaceDependencies(ctx, tx, t.ID, t.DependsOn)
	})
}

func orSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}

func replaceDependencies(ctx context.Context, tx *sqlx.Tx, taskID string, dependsOn []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("clear dependencies: %w", err)
	}
	for _, dep := range dependsOn {
		dep = strings.TrimSpace(dep)
		if dep == "" || dep == taskID {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`, taskID, dep); err != nil {
			return fmt.Errorf("insert dependency: %w", err)
		}
	}
	return nil
}

// GetTask returns the fully hydrated task, or nil when absent.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	t, err := row.toTask()
	if err != nil {
		return nil, err
	}
	if err := s.hydrateGraph(ctx, t); err != nil {
		return nil, err
	}
	if err := s.hydrateBags(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) hydrateGraph(ctx context.Context, t *task.Task) error {
	if err := s.db.SelectContext(ctx, &t.DependsOn,
		`SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_id`, t.ID); err != nil {
		return fmt.Errorf("load dependencies: %w", err)
	}
	// blockedBy is derived on every read, never stored.
	if err := s.db.SelectContext(ctx, &t.BlockedBy,
		`SELECT d.depends_on_id FROM task_dependencies d
		 LEFT JOIN tasks dep ON dep.id = d.depends_on_id
		 WHERE d.task_id = ? AND (dep.id IS NULL OR dep.status NOT IN ('completed', 'cancelled'))
		 ORDER BY d.depends_on_id`, t.ID); err != nil {
		return fmt.Errorf("derive blocked_by: %w", err)
	}
	return nil
}

func (s *SQLiteStore) hydrateBags(ctx context.Context, t *task.Task) error {
	logs, err := s.getLogs(ctx, t.ID)
	if err != nil {
		return err
	}
	t.Logs = logs

	artifacts, err := s.getArtifacts(ctx, t.ID)
	if err != nil {
		return err
	}
	t.Artifacts = artifacts

	iterations, err := s.GetIterationHistory(ctx, t.ID)
	if err != nil {
		return err
	}
	t.Iterations = make([]task.IterationEntry, 0, len(iterations))
	for _, entry := range iterations {
		t.Iterations = append(t.Iterations, *entry)
	}
	return nil
}

// UpdateTask applies a partial update inside a transaction.
func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, patch task.Patch) error {
	sets := []string{}
	args := []any{}
	add := func(clause string, value any) {
		sets = append(sets, clause)
		args = append(args, value)
	}

	if patch.Description != nil {
		add("description = ?", *patch.Description)
	}
	if patch.AcceptanceCriteria != nil {
		add("acceptance_criteria = ?", *patch.AcceptanceCriteria)
	}
	if patch.Autonomy != nil {
		add("autonomy = ?", string(*patch.Autonomy))
	}
	if patch.Priority != nil {
		add("priority = ?", string(*patch.Priority))
	}
	if patch.Effort != nil {
		add("effort = ?", *patch.Effort)
	}
	if patch.Status != nil {
		add("status = ?", string(*patch.Status))
	}
	if patch.CurrentStage != nil {
		add("current_stage = ?", *patch.CurrentStage)
	}
	if patch.RetryCount != nil {
		add("retry_count = ?", *patch.RetryCount)
	}
	if patch.MaxRetries != nil {
		add("max_retries = ?", *patch.MaxRetries)
	}
	if patch.ResumeAttempts != nil {
		add("resume_attempts = ?", *patch.ResumeAttempts)
	}
	if patch.Branch != nil {
		add("branch = ?", *patch.Branch)
	}
	if patch.PRURL != nil {
		add("pr_url = ?", *patch.PRURL)
	}
	if patch.Error != nil {
		add("error = ?", *patch.Error)
	}
	if patch.ClearPause {
		sets = append(sets, "paused_at = NULL", "resume_after = NULL", "pause_reason = ''")
	} else {
		if patch.PausedAt != nil {
			add("paused_at = ?", formatTime(*patch.PausedAt))
		}
		if patch.ResumeAfter != nil {
			add("resume_after = ?", formatTime(*patch.ResumeAfter))
		}
		if patch.PauseReason != nil {
			add("pause_reason = ?", string(*patch.PauseReason))
		}
	}
	if patch.Usage != nil {
		u := *patch.Usage
		u.Normalize()
		add("input_tokens = ?", u.InputTokens)
		add("output_tokens = ?", u.OutputTokens)
		add("total_tokens = ?", u.TotalTokens)
		add("estimated_cost = ?", u.EstimatedCost)
	}
	if patch.Workspace != nil {
		raw, err := json.Marshal(*patch.Workspace)
		if err != nil {
			return fmt.Errorf("marshal workspace: %w", err)
		}
		add("workspace_json = ?", string(raw))
	}
	if patch.Session != nil {
		raw, err := json.Marshal(*patch.Session)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		add("session_json = ?", string(raw))
	}
	if patch.ParentTaskID != nil {
		add("parent_task_id = ?", *patch.ParentTaskID)
	}
	if patch.SubtaskIDs != nil {
		raw, err := json.Marshal(orSlice(*patch.SubtaskIDs))
		if err != nil {
			return fmt.Errorf("marshal subtask ids: %w", err)
		}
		add("subtask_ids_json = ?", string(raw))
	}
	if patch.SubtaskStrategy != nil {
		add("subtask_strategy = ?", *patch.SubtaskStrategy)
	}
	if patch.ClearCompletedAt {
		sets = append(sets, "completed_at = NULL")
	} else if patch.CompletedAt != nil {
		add("completed_at = ?", formatTime(*patch.CompletedAt))
	}
	if patch.TrashedAt != nil {
		add("trashed_at = ?", formatTime(*patch.TrashedAt))
	}
	if patch.UpdatedAt != nil {
		add("updated_at = ?", formatTime(*patch.UpdatedAt))
	} else {
		add("updated_at = ?", formatTime(time.Now()))
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", strings.Join(sets, ", "))
		result, err := tx.ExecContext(ctx, query, append(args, id)...)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("task %s not found", id)
		}
		if patch.DependsOn != nil {
			return replaceDependencies(ctx, tx, id, *patch.DependsOn)
		}
		return nil
	})
}

// ListTasks returns tasks matching the filter with graph fields derived.
// Logs, artifacts and iterations are hydrated by GetTask only.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter task.Filter) ([]*task.Task, error) {
	where := []string{"1=1"}
	args := []any{}
	if !filter.IncludeTrashed {
		where = append(where, "t.trashed_at IS NULL")
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(st))
		}
		where = append(where, fmt.Sprintf("t.status IN (%s)", strings.Join(placeholders, ", ")))
	}

	order := "t.created_at ASC"
	if filter.OrderByPriority {
		order = priorityOrder
	}
	query := fmt.Sprintf("SELECT %s FROM tasks t WHERE %s ORDER BY %s",
		qualify(taskColumns), strings.Join(where, " AND "), order)
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.queryTasks(ctx, query, args...)
}

// ListTrashed returns soft-deleted tasks, newest trash first.
func (s *SQLiteStore) ListTrashed(ctx context.Context) ([]*task.Task, error) {
	query := fmt.Sprintf("SELECT %s FROM tasks t WHERE t.trashed_at IS NOT NULL ORDER BY t.trashed_at DESC", qualify(taskColumns))
	return s.queryTasks(ctx, query)
}

// GetNextQueuedTask returns the highest-priority dispatchable task, or nil.
func (s *SQLiteStore) GetNextQueuedTask(ctx context.Context) (*task.Task, error) {
	ready, err := s.GetReadyTasks(ctx, 1, true)
	if err != nil {
		return nil, err
	}
	if len(ready) == 0 {
		return nil, nil
	}
	return ready[0], nil
}

// GetReadyTasks returns pending tasks with no incomplete dependency.
func (s *SQLiteStore) GetReadyTasks(ctx context.Context, limit int, orderByPriority bool) ([]*task.Task, error) {
	order := "t.created_at ASC"
	if orderByPriority {
		order = priorityOrder
	}
	query := fmt.Sprintf("SELECT %s FROM tasks t WHERE %s ORDER BY %s",
		qualify(taskColumns), readyPredicate, order)
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryTasks(ctx, query, args...)
}

// GetPausedTasksForResume returns auto-resumable paused tasks.
func (s *SQLiteStore) GetPausedTasksForResume(ctx context.Context) ([]*task.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks t
		WHERE t.status = 'paused' AND t.trashed_at IS NULL
		  AND t.pause_reason IN ('usage_limit', 'budget', 'capacity')
		  AND (t.resume_after IS NULL OR t.resume_after <= ?)
		ORDER BY %s`, qualify(taskColumns), priorityOrder)
	return s.queryTasks(ctx, query, formatTime(time.Now()))
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]*task.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		if err := s.hydrateGraph(ctx, t); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// qualify prefixes each column in taskColumns with the tasks alias.
func qualify(columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = "t." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
