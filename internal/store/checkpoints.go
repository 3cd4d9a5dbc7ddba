package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"apex/internal/task"
)

// SaveCheckpoint upserts on (taskID, checkpointID).
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, ck *task.Checkpoint) error {
	if ck.CheckpointID == "" {
		ck.CheckpointID = "ckpt-" + ksuid.New().String()
	}
	if ck.CreatedAt.IsZero() {
		ck.CreatedAt = time.Now()
	}
	var conversation, metadata any
	if len(ck.Conversation) > 0 {
		conversation = string(ck.Conversation)
	}
	if len(ck.Metadata) > 0 {
		metadata = string(ck.Metadata)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_checkpoints (task_id, checkpoint_id, stage, stage_index, conversation, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id, checkpoint_id) DO UPDATE SET
			stage = excluded.stage,
			stage_index = excluded.stage_index,
			conversation = excluded.conversation,
			metadata = excluded.metadata,
			created_at = excluded.created_at`,
		ck.TaskID, ck.CheckpointID, ck.Stage, ck.StageIndex, conversation, metadata, formatTime(ck.CreatedAt))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// GetLatestCheckpoint returns the checkpoint with max createdAt, or nil.
func (s *SQLiteStore) GetLatestCheckpoint(ctx context.Context, taskID string) (*task.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT task_id, checkpoint_id, stage, stage_index, conversation, metadata, created_at
		 FROM task_checkpoints WHERE task_id = ?
		 ORDER BY created_at DESC, checkpoint_id DESC LIMIT 1`, taskID)

	var (
		ck           task.Checkpoint
		conversation sql.NullString
		metadata     sql.NullString
		created      string
	)
	err := row.Scan(&ck.TaskID, &ck.CheckpointID, &ck.Stage, &ck.StageIndex,
		&conversation, &metadata, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	if ck.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if conversation.Valid && conversation.String != "" {
		ck.Conversation = []byte(conversation.String)
	}
	if metadata.Valid && metadata.String != "" {
		ck.Metadata = []byte(metadata.String)
	}
	return &ck, nil
}
