package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"apex/internal/task"
)

// AddIterationEntry persists a new iteration record.
func (s *SQLiteStore) AddIterationEntry(ctx context.Context, entry *task.IterationEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("iteration id is required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	beforeJSON, err := json.Marshal(entry.Before)
	if err != nil {
		return fmt.Errorf("marshal before state: %w", err)
	}
	modifiedJSON, err := json.Marshal(orSlice(entry.ModifiedFiles))
	if err != nil {
		return fmt.Errorf("marshal modified files: %w", err)
	}
	var afterJSON any
	if entry.After != nil {
		raw, err := json.Marshal(entry.After)
		if err != nil {
			return fmt.Errorf("marshal after state: %w", err)
		}
		afterJSON = string(raw)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO iteration_entries (id, task_id, feedback, stage, before_json, after_json, modified_files_json, diff_summary, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TaskID, entry.Feedback, entry.Stage, string(beforeJSON), afterJSON,
		string(modifiedJSON), entry.DiffSummary, formatTime(entry.CreatedAt), formatTimePtr(entry.CompletedAt))
	if err != nil {
		return fmt.Errorf("add iteration: %w", err)
	}
	return nil
}

// UpdateIterationEntry completes an iteration with its after state and diff.
func (s *SQLiteStore) UpdateIterationEntry(ctx context.Context, iterID string, after *task.Snapshot, summary string, modifiedFiles []string) error {
	var afterJSON any
	if after != nil {
		raw, err := json.Marshal(after)
		if err != nil {
			return fmt.Errorf("marshal after state: %w", err)
		}
		afterJSON = string(raw)
	}
	modifiedJSON, err := json.Marshal(orSlice(modifiedFiles))
	if err != nil {
		return fmt.Errorf("marshal modified files: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE iteration_entries
		 SET after_json = ?, diff_summary = ?, modified_files_json = ?, completed_at = ?
		 WHERE id = ?`,
		afterJSON, summary, string(modifiedJSON), formatTime(time.Now()), iterID)
	if err != nil {
		return fmt.Errorf("update iteration: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("iteration %s not found", iterID)
	}
	return nil
}

// GetIterationHistory returns a task's iterations, oldest first.
func (s *SQLiteStore) GetIterationHistory(ctx context.Context, taskID string) ([]*task.IterationEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, feedback, stage, before_json, after_json, modified_files_json, diff_summary, created_at, completed_at
		 FROM iteration_entries WHERE task_id = ? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load iterations: %w", err)
	}
	defer rows.Close()

	var entries []*task.IterationEntry
	for rows.Next() {
		var (
			entry     task.IterationEntry
			before    string
			after     sql.NullString
			modified  string
			created   string
			completed sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.Feedback, &entry.Stage,
			&before, &after, &modified, &entry.DiffSummary, &created, &completed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(orJSON(before, "{}")), &entry.Before); err != nil {
			return nil, fmt.Errorf("iteration %s: before column: %w", entry.ID, err)
		}
		if after.Valid && after.String != "" {
			var snapshot task.Snapshot
			if err := json.Unmarshal([]byte(after.String), &snapshot); err != nil {
				return nil, fmt.Errorf("iteration %s: after column: %w", entry.ID, err)
			}
			entry.After = &snapshot
		}
		if err := json.Unmarshal([]byte(orJSON(modified, "[]")), &entry.ModifiedFiles); err != nil {
			return nil, fmt.Errorf("iteration %s: modified_files column: %w", entry.ID, err)
		}
		if entry.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if entry.CompletedAt, err = parseTimePtr(completed); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// AddInteraction records a submitInteraction audit row.
func (s *SQLiteStore) AddInteraction(ctx context.Context, interaction *task.Interaction) error {
	if interaction.ID == "" {
		interaction.ID = "int-" + ksuid.New().String()
	}
	if interaction.CreatedAt.IsZero() {
		interaction.CreatedAt = time.Now()
	}
	var params any
	if len(interaction.Params) > 0 {
		params = string(interaction.Params)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_interactions (id, task_id, command, params, requested_by, result, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		interaction.ID, interaction.TaskID, interaction.Command, params,
		interaction.RequestedBy, interaction.Result, formatTime(interaction.CreatedAt))
	if err != nil {
		return fmt.Errorf("add interaction: %w", err)
	}
	return nil
}
