package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"apex/internal/task"
)

// SetGate upserts an approval gate; (taskID, name) is the identity.
func (s *SQLiteStore) SetGate(ctx context.Context, gate *task.Gate) error {
	if gate.Status == "" {
		gate.Status = task.GatePending
	}
	if gate.RequiredAt.IsZero() {
		gate.RequiredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gates (task_id, name, status, required_at, responded_at, approver, comment)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id, name) DO UPDATE SET
			status = excluded.status,
			required_at = excluded.required_at,
			responded_at = excluded.responded_at,
			approver = excluded.approver,
			comment = excluded.comment`,
		gate.TaskID, gate.Name, string(gate.Status), formatTime(gate.RequiredAt),
		formatTimePtr(gate.RespondedAt), gate.Approver, gate.Comment)
	if err != nil {
		return fmt.Errorf("set gate: %w", err)
	}
	return nil
}

// ApproveGate resolves a gate as approved.
func (s *SQLiteStore) ApproveGate(ctx context.Context, taskID, name, approver, comment string) error {
	return s.respondGate(ctx, taskID, name, task.GateApproved, approver, comment)
}

// RejectGate resolves a gate as rejected.
func (s *SQLiteStore) RejectGate(ctx context.Context, taskID, name, approver, comment string) error {
	return s.respondGate(ctx, taskID, name, task.GateRejected, approver, comment)
}

func (s *SQLiteStore) respondGate(ctx context.Context, taskID, name string, status task.GateStatus, approver, comment string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE gates SET status = ?, responded_at = ?, approver = ?, comment = ?
		 WHERE task_id = ? AND name = ?`,
		string(status), formatTime(time.Now()), approver, comment, taskID, name)
	if err != nil {
		return fmt.Errorf("respond gate: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("gate %s/%s not found", taskID, name)
	}
	return nil
}

// GetGate returns one gate, or nil when absent.
func (s *SQLiteStore) GetGate(ctx context.Context, taskID, name string) (*task.Gate, error) {
	gates, err := s.scanGates(ctx,
		`SELECT task_id, name, status, required_at, responded_at, approver, comment
		 FROM gates WHERE task_id = ? AND name = ?`, taskID, name)
	if err != nil {
		return nil, err
	}
	if len(gates) == 0 {
		return nil, nil
	}
	return gates[0], nil
}

// GetPendingGates returns all unresolved gates, oldest first.
func (s *SQLiteStore) GetPendingGates(ctx context.Context) ([]*task.Gate, error) {
	return s.scanGates(ctx,
		`SELECT task_id, name, status, required_at, responded_at, approver, comment
		 FROM gates WHERE status = 'pending' ORDER BY required_at`)
}

// GetAllGates returns every gate for a task.
func (s *SQLiteStore) GetAllGates(ctx context.Context, taskID string) ([]*task.Gate, error) {
	return s.scanGates(ctx,
		`SELECT task_id, name, status, required_at, responded_at, approver, comment
		 FROM gates WHERE task_id = ? ORDER BY required_at`, taskID)
}

func (s *SQLiteStore) scanGates(ctx context.Context, query string, args ...any) ([]*task.Gate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load gates: %w", err)
	}
	defer rows.Close()

	var gates []*task.Gate
	for rows.Next() {
		var (
			gate      task.Gate
			required  string
			responded sql.NullString
		)
		if err := rows.Scan(&gate.TaskID, &gate.Name, &gate.Status, &required,
			&responded, &gate.Approver, &gate.Comment); err != nil {
			return nil, err
		}
		if gate.RequiredAt, err = parseTime(required); err != nil {
			return nil, err
		}
		if gate.RespondedAt, err = parseTimePtr(responded); err != nil {
			return nil, err
		}
		gates = append(gates, &gate)
	}
	return gates, rows.Err()
}
