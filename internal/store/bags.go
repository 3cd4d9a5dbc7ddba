package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"apex/internal/task"
)

// AddLog appends a log entry for a task. Append order equals call order:
// the single connection serializes per-task writes.
func (s *SQLiteStore) AddLog(ctx context.Context, entry *task.Log) error {
	if entry.ID == "" {
		entry.ID = "log-" + ksuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Level == "" {
		entry.Level = task.LogInfo
	}
	var metadata any
	if len(entry.Metadata) > 0 {
		metadata = string(entry.Metadata)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_logs (id, task_id, timestamp, level, stage, agent, message, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TaskID, formatTime(entry.Timestamp), string(entry.Level),
		entry.Stage, entry.Agent, entry.Message, metadata)
	if err != nil {
		return fmt.Errorf("add log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) getLogs(ctx context.Context, taskID string) ([]task.Log, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, timestamp, level, stage, agent, message, metadata
		 FROM task_logs WHERE task_id = ? ORDER BY timestamp, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load logs: %w", err)
	}
	defer rows.Close()

	var logs []task.Log
	for rows.Next() {
		var (
			entry    task.Log
			stamp    string
			metadata sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.TaskID, &stamp, &entry.Level,
			&entry.Stage, &entry.Agent, &entry.Message, &metadata); err != nil {
			return nil, err
		}
		if entry.Timestamp, err = parseTime(stamp); err != nil {
			return nil, err
		}
		if metadata.Valid && metadata.String != "" {
			entry.Metadata = []byte(metadata.String)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// AddArtifact appends an artifact record for a task.
func (s *SQLiteStore) AddArtifact(ctx context.Context, artifact *task.Artifact) error {
	if artifact.ID == "" {
		artifact.ID = "artifact-" + ksuid.New().String()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now()
	}
	if artifact.Type == "" {
		artifact.Type = "data"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_artifacts (id, task_id, name, type, path, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.TaskID, artifact.Name, artifact.Type,
		artifact.Path, artifact.Content, formatTime(artifact.CreatedAt))
	if err != nil {
		return fmt.Errorf("add artifact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) getArtifacts(ctx context.Context, taskID string) ([]task.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, name, type, path, content, created_at
		 FROM task_artifacts WHERE task_id = ? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []task.Artifact
	for rows.Next() {
		var (
			artifact task.Artifact
			created  string
		)
		if err := rows.Scan(&artifact.ID, &artifact.TaskID, &artifact.Name, &artifact.Type,
			&artifact.Path, &artifact.Content, &created); err != nil {
			return nil, err
		}
		if artifact.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}
