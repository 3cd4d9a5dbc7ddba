// Package interaction implements mid-flight task refinement: a user can
// feed new instructions into an in-progress task, bracketed by before
// and after snapshots so the effect of each iteration stays inspectable.
package interaction

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"apex/internal/diffview"
	"apex/internal/events"
	"apex/internal/logging"
	"apex/internal/task"
)

// Snapshotter captures a task's current state. The default reads from
// the task record; richer implementations may inspect the workspace.
type Snapshotter interface {
	Capture(ctx context.Context, t *task.Task) (task.Snapshot, error)
}

type taskSnapshotter struct{}

func (taskSnapshotter) Capture(_ context.Context, t *task.Task) (task.Snapshot, error) {
	return task.Snapshot{
		Timestamp:     time.Now(),
		Stage:         t.CurrentStage,
		Status:        t.Status,
		Usage:         t.Usage,
		ArtifactCount: len(t.Artifacts),
	}, nil
}

// Change is a from/to pair in an iteration diff.
type Change struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// IterationDiff compares two snapshots of a task.
type IterationDiff struct {
	TaskID          string             `json:"taskId"`
	IterationID     string             `json:"iterationId,omitempty"`
	FilesChanged    diffview.ChangeSet `json:"filesChanged"`
	TokenUsageDelta int                `json:"tokenUsageDelta"`
	CostDelta       float64            `json:"costDelta"`
	StageChange     *Change            `json:"stageChange,omitempty"`
	StatusChange    *Change            `json:"statusChange,omitempty"`
	Summary         string             `json:"summary"`
}

// Manager provides the interaction surface over an in-progress task.
type Manager struct {
	store  task.Store
	bus    *events.Bus
	snap   Snapshotter
	logger logging.Logger

	mu       sync.Mutex
	counters map[string]int // taskID -> next iteration ordinal
	now      func() time.Time
}

// NewManager wires the interaction surface. snap may be nil to use the
// task-record snapshotter.
func NewManager(store task.Store, bus *events.Bus, snap Snapshotter, logger logging.Logger) *Manager {
	if snap == nil {
		snap = taskSnapshotter{}
	}
	return &Manager{
		store:    store,
		bus:      bus,
		snap:     snap,
		logger:   logging.OrNop(logger),
		counters: make(map[string]int),
		now:      time.Now,
	}
}

// nextIterationID hands out <taskId>-iter-<n> ids. The counter is seeded
// from the persisted history once and guarded by the mutex, so two
// near-simultaneous calls can never collide.
func (m *Manager) nextIterationID(ctx context.Context, taskID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seeded := m.counters[taskID]; !seeded {
		history, err := m.store.GetIterationHistory(ctx, taskID)
		if err != nil {
			return "", err
		}
		m.counters[taskID] = len(history)
	}
	n := m.counters[taskID]
	m.counters[taskID] = n + 1
	return fmt.Sprintf("%s-iter-%d", taskID, n), nil
}

// IterateTask records new instructions against an in-progress task and
// announces them to the running worker via task:iterate.
func (m *Manager) IterateTask(ctx context.Context, taskID, feedback, userContext string) (string, error) {
	if feedback == "" {
		return "", fmt.Errorf("iterate: feedback is required")
	}
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if t == nil {
		return "", fmt.Errorf("iterate: task %s not found", taskID)
	}
	if t.Status != task.StatusInProgress {
		return "", fmt.Errorf("iterate: task %s is %s, not in-progress", taskID, t.Status)
	}

	before, err := m.snap.Capture(ctx, t)
	if err != nil {
		return "", fmt.Errorf("iterate: capture before state: %w", err)
	}
	iterationID, err := m.nextIterationID(ctx, taskID)
	if err != nil {
		return "", err
	}

	entry := &task.IterationEntry{
		ID:        iterationID,
		TaskID:    taskID,
		Feedback:  feedback,
		Stage:     t.CurrentStage,
		Before:    before,
		CreatedAt: m.now(),
	}
	if err := m.store.AddIterationEntry(ctx, entry); err != nil {
		return "", err
	}

	m.bus.Publish(events.Event{
		Name:   events.TaskIterate,
		TaskID: taskID,
		Payload: map[string]any{
			"iterationId":  iterationID,
			"instructions": feedback,
			"context":      userContext,
			"timestamp":    entry.CreatedAt,
		},
	})
	m.logger.Info("interaction: iteration %s queued for task %s", iterationID, taskID)
	return iterationID, nil
}

// CompleteIteration closes an iteration with an after snapshot, the
// union of files it touched and a diff summary.
func (m *Manager) CompleteIteration(ctx context.Context, taskID, iterationID string) error {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("complete iteration: task %s not found", taskID)
	}
	entry, err := m.findEntry(ctx, taskID, iterationID)
	if err != nil {
		return err
	}

	after, err := m.snap.Capture(ctx, t)
	if err != nil {
		return fmt.Errorf("complete iteration: capture after state: %w", err)
	}

	cs := diffview.CompareFileSets(entry.Before.Files, after.Files, after.Files.Modified)
	modified := append(append(append([]string{}, cs.Added...), cs.Modified...), cs.Removed...)
	summary := diffview.Summarize(cs)

	return m.store.UpdateIterationEntry(ctx, iterationID, &after, summary, modified)
}

func (m *Manager) findEntry(ctx context.Context, taskID, iterationID string) (*task.IterationEntry, error) {
	history, err := m.store.GetIterationHistory(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, entry := range history {
		if entry.ID == iterationID {
			return entry, nil
		}
	}
	return nil, fmt.Errorf("iteration %s not found for task %s", iterationID, taskID)
}

// GetIterationDiff compares the named iteration's before/after states,
// or, with an empty id, the last two iterations. The result is a pure
// function of the stored history.
func (m *Manager) GetIterationDiff(ctx context.Context, taskID, iterationID string) (*IterationDiff, error) {
	history, err := m.store.GetIterationHistory(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("iteration diff: task %s has no iterations", taskID)
	}

	var before, after task.Snapshot
	var modified []string
	if iterationID != "" {
		entry, err := m.findEntry(ctx, taskID, iterationID)
		if err != nil {
			return nil, err
		}
		before = entry.Before
		after = snapshotOf(entry)
		modified = entry.ModifiedFiles
	} else {
		last := history[len(history)-1]
		if len(history) >= 2 {
			before = snapshotOf(history[len(history)-2])
		} else {
			before = last.Before
		}
		after = snapshotOf(last)
		iterationID = last.ID
		modified = last.ModifiedFiles
	}

	diff := &IterationDiff{
		TaskID:          taskID,
		IterationID:     iterationID,
		FilesChanged:    diffview.CompareFileSets(before.Files, after.Files, modified),
		TokenUsageDelta: after.Usage.TotalTokens - before.Usage.TotalTokens,
		CostDelta:       after.Usage.EstimatedCost - before.Usage.EstimatedCost,
	}
	if before.Stage != after.Stage {
		diff.StageChange = &Change{From: before.Stage, To: after.Stage}
	}
	if before.Status != after.Status {
		diff.StatusChange = &Change{From: string(before.Status), To: string(after.Status)}
	}
	diff.Summary = m.describe(diff)
	return diff, nil
}

// snapshotOf prefers the after state and falls back to before for
// iterations still in flight.
func snapshotOf(entry *task.IterationEntry) task.Snapshot {
	if entry.After != nil {
		return *entry.After
	}
	return entry.Before
}

func (m *Manager) describe(d *IterationDiff) string {
	summary := fmt.Sprintf("%s; %+d tokens, %+.4f cost", diffview.Summarize(d.FilesChanged), d.TokenUsageDelta, d.CostDelta)
	if d.StageChange != nil {
		summary += fmt.Sprintf("; stage %s -> %s", d.StageChange.From, d.StageChange.To)
	}
	if d.StatusChange != nil {
		summary += fmt.Sprintf("; status %s -> %s", d.StatusChange.From, d.StatusChange.To)
	}
	return summary
}

// SubmitInteraction dispatches a user command against a task, bracketed
// by interaction:received and interaction:processed events and recorded
// in the audit table.
func (m *Manager) SubmitInteraction(ctx context.Context, taskID, command string, params map[string]any, requestedBy string) (any, error) {
	m.bus.Publish(events.Event{
		Name:   events.InteractionReceived,
		TaskID: taskID,
		Payload: map[string]any{
			"command":     command,
			"params":      params,
			"requestedBy": requestedBy,
		},
	})

	var result any
	var err error
	switch command {
	case "iterate":
		result, err = m.IterateTask(ctx, taskID, stringParam(params, "feedback"), stringParam(params, "context"))
	case "iteration-diff":
		result, err = m.GetIterationDiff(ctx, taskID, stringParam(params, "iterationId"))
	default:
		err = fmt.Errorf("unknown interaction command %q", command)
	}

	processed := map[string]any{"command": command}
	audit := "ok"
	if err != nil {
		processed["error"] = err.Error()
		audit = "error:" + err.Error()
	} else {
		processed["result"] = result
	}
	m.bus.Publish(events.Event{
		Name:    events.InteractionProcessed,
		TaskID:  taskID,
		Payload: processed,
	})

	paramsJSON, _ := json.Marshal(params)
	if auditErr := m.store.AddInteraction(ctx, &task.Interaction{
		TaskID:      taskID,
		Command:     command,
		Params:      paramsJSON,
		RequestedBy: requestedBy,
		Result:      audit,
		CreatedAt:   m.now(),
	}); auditErr != nil {
		m.logger.Warn("interaction: audit write failed for task %s: %v", taskID, auditErr)
	}
	return result, err
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}
