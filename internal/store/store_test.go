package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apexerrors "apex/internal/errors"
	"apex/internal/task"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenFile(context.Background(), filepath.Join(t.TempDir(), "apex.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTask(id string, mutate ...func(*task.Task)) *task.Task {
	t := &task.Task{
		ID:          id,
		ProjectPath: "/tmp/project",
		Workflow:    "feature",
		Description: "do the thing",
		Priority:    task.PriorityNormal,
		Status:      task.StatusPending,
	}
	for _, fn := range mutate {
		fn(t)
	}
	return t
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	preserve := true
	created := newTask("task-a", func(tk *task.Task) {
		tk.AcceptanceCriteria = "tests pass"
		tk.Autonomy = task.AutonomySupervised
		tk.Priority = task.PriorityHigh
		tk.Effort = "medium"
		tk.MaxRetries = 5
		tk.Workspace = task.WorkspaceConfig{Strategy: task.WorkspaceWorktree, PreserveOnFailure: &preserve}
		tk.Session = task.SessionData{ContextSummary: "fresh"}
		tk.SubtaskIDs = []string{"task-sub-1"}
		tk.Usage = task.Usage{InputTokens: 10, OutputTokens: 5, EstimatedCost: 0.01}
	})
	require.NoError(t, s.CreateTask(ctx, created))

	got, err := s.GetTask(ctx, "task-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.Description, got.Description)
	assert.Equal(t, task.AutonomySupervised, got.Autonomy)
	assert.Equal(t, task.PriorityHigh, got.Priority)
	assert.Equal(t, 5, got.MaxRetries)
	assert.Equal(t, task.WorkspaceWorktree, got.Workspace.Strategy)
	require.NotNil(t, got.Workspace.PreserveOnFailure)
	assert.True(t, *got.Workspace.PreserveOnFailure)
	assert.Equal(t, []string{"task-sub-1"}, got.SubtaskIDs)
	assert.Equal(t, 15, got.Usage.TotalTokens, "totalTokens invariant")
	assert.Empty(t, got.BlockedBy)
}

func TestCreateTaskIDCollision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, newTask("task-dup")))
	err := s.CreateTask(ctx, newTask("task-dup"))
	require.Error(t, err)
	assert.True(t, apexerrors.IsConflict(err))
}

func TestGetTaskAbsentReturnsNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetTask(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDependencyGating(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, newTask("A")))
	require.NoError(t, s.CreateTask(ctx, newTask("B", func(tk *task.Task) {
		tk.DependsOn = []string{"A"}
	})))

	next, err := s.GetNextQueuedTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "A", next.ID)

	b, err := s.GetTask(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, b.DependsOn)
	assert.Equal(t, []string{"A"}, b.BlockedBy)

	completed := task.StatusCompleted
	require.NoError(t, s.UpdateTask(ctx, "A", task.Patch{Status: &completed}))

	next, err = s.GetNextQueuedTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "B", next.ID)

	b, err = s.GetTask(ctx, "B")
	require.NoError(t, err)
	assert.Empty(t, b.BlockedBy, "blockedBy recomputed on read")
}

func TestPriorityThenFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	seed := []struct {
		id       string
		priority task.Priority
		offset   time.Duration
	}{
		{"urgent_1", task.PriorityUrgent, 0},
		{"high_1", task.PriorityHigh, time.Minute},
		{"normal_1", task.PriorityNormal, 2 * time.Minute},
		{"urgent_2", task.PriorityUrgent, 3 * time.Minute},
		{"high_2", task.PriorityHigh, 4 * time.Minute},
	}
	for _, row := range seed {
		tk := newTask(row.id, func(tk *task.Task) {
			tk.Priority = row.priority
			tk.CreatedAt = base.Add(row.offset)
			tk.UpdatedAt = tk.CreatedAt
		})
		require.NoError(t, s.CreateTask(ctx, tk))
	}

	listed, err := s.ListTasks(ctx, task.Filter{OrderByPriority: true})
	require.NoError(t, err)
	ids := make([]string, 0, len(listed))
	for _, tk := range listed {
		ids = append(ids, tk.ID)
	}
	assert.Equal(t, []string{"urgent_1", "urgent_2", "high_1", "high_2", "normal_1"}, ids)
}

func TestUpdateTaskPauseFieldSemantics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("task-p")))

	pausedAt := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	resumeAfter := pausedAt.Add(time.Hour)
	paused := task.StatusPaused
	reason := task.PauseCapacity
	require.NoError(t, s.UpdateTask(ctx, "task-p", task.Patch{
		Status:      &paused,
		PausedAt:    &pausedAt,
		ResumeAfter: &resumeAfter,
		PauseReason: &reason,
	}))

	got, err := s.GetTask(ctx, "task-p")
	require.NoError(t, err)
	require.NotNil(t, got.PausedAt)
	require.NotNil(t, got.ResumeAfter)
	assert.Equal(t, task.PauseCapacity, got.PauseReason)
	assert.True(t, got.ResumeAfter.After(*got.PausedAt) || got.ResumeAfter.Equal(*got.PausedAt))

	// Patch that does not mention pause fields leaves them alone.
	stage := "implement"
	require.NoError(t, s.UpdateTask(ctx, "task-p", task.Patch{CurrentStage: &stage}))
	got, err = s.GetTask(ctx, "task-p")
	require.NoError(t, err)
	assert.NotNil(t, got.PausedAt)

	// Explicit clear nulls all three.
	pending := task.StatusPending
	require.NoError(t, s.UpdateTask(ctx, "task-p", task.Patch{Status: &pending, ClearPause: true}))
	got, err = s.GetTask(ctx, "task-p")
	require.NoError(t, err)
	assert.Nil(t, got.PausedAt)
	assert.Nil(t, got.ResumeAfter)
	assert.Empty(t, string(got.PauseReason))
}

func TestUpdateTaskReplacesDependencySet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("dep-1")))
	require.NoError(t, s.CreateTask(ctx, newTask("dep-2")))
	require.NoError(t, s.CreateTask(ctx, newTask("main", func(tk *task.Task) {
		tk.DependsOn = []string{"dep-1"}
	})))

	deps := []string{"dep-2"}
	require.NoError(t, s.UpdateTask(ctx, "main", task.Patch{DependsOn: &deps}))

	got, err := s.GetTask(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"dep-2"}, got.DependsOn)
}

func TestGetPausedTasksForResume(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mkPaused := func(id string, reason task.PauseReason, resumeAfter *time.Time) {
		tk := newTask(id, func(tk *task.Task) {
			tk.Status = task.StatusPaused
			now := time.Now().Add(-time.Hour)
			tk.PausedAt = &now
			tk.PauseReason = reason
			tk.ResumeAfter = resumeAfter
		})
		require.NoError(t, s.CreateTask(ctx, tk))
	}

	future := time.Now().Add(2 * time.Hour)
	past := time.Now().Add(-time.Minute)
	mkPaused("resume-capacity", task.PauseCapacity, nil)
	mkPaused("resume-budget", task.PauseBudget, &past)
	mkPaused("hold-manual", task.PauseManual, nil)
	mkPaused("hold-future", task.PauseUsageLimit, &future)

	resumable, err := s.GetPausedTasksForResume(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(resumable))
	for _, tk := range resumable {
		ids = append(ids, tk.ID)
	}
	assert.ElementsMatch(t, []string{"resume-capacity", "resume-budget"}, ids)
}

func TestCheckpointUpsertAndLatest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("task-ck")))

	first := &task.Checkpoint{
		TaskID:       "task-ck",
		CheckpointID: "ck-1",
		Stage:        "plan",
		StageIndex:   0,
		Conversation: json.RawMessage(`{"turns":1}`),
		CreatedAt:    time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveCheckpoint(ctx, first))

	second := &task.Checkpoint{
		TaskID:       "task-ck",
		CheckpointID: "ck-2",
		Stage:        "implement",
		StageIndex:   1,
		CreatedAt:    time.Date(2026, 2, 1, 11, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveCheckpoint(ctx, second))

	latest, err := s.GetLatestCheckpoint(ctx, "task-ck")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "ck-2", latest.CheckpointID)
	assert.Equal(t, 1, latest.StageIndex)

	// Upsert same id replaces in place.
	first.Stage = "plan-revised"
	require.NoError(t, s.SaveCheckpoint(ctx, first))
	latest, err = s.GetLatestCheckpoint(ctx, "task-ck")
	require.NoError(t, err)
	assert.Equal(t, "ck-2", latest.CheckpointID)
}

func TestGateLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("task-g")))

	require.NoError(t, s.SetGate(ctx, &task.Gate{TaskID: "task-g", Name: "review"}))
	pending, err := s.GetPendingGates(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.ApproveGate(ctx, "task-g", "review", "alice", "lgtm"))
	gate, err := s.GetGate(ctx, "task-g", "review")
	require.NoError(t, err)
	assert.Equal(t, task.GateApproved, gate.Status)
	assert.Equal(t, "alice", gate.Approver)
	assert.NotNil(t, gate.RespondedAt)

	pending, err = s.GetPendingGates(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLogsAndArtifactsAppendInOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("task-l")))

	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	for i, msg := range []string{"first", "second", "third"} {
		require.NoError(t, s.AddLog(ctx, &task.Log{
			TaskID:    "task-l",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Level:     task.LogInfo,
			Message:   msg,
		}))
	}
	require.NoError(t, s.AddArtifact(ctx, &task.Artifact{TaskID: "task-l", Name: "patch", Type: "diff"}))

	got, err := s.GetTask(ctx, "task-l")
	require.NoError(t, err)
	require.Len(t, got.Logs, 3)
	assert.Equal(t, "first", got.Logs[0].Message)
	assert.Equal(t, "third", got.Logs[2].Message)
	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, "diff", got.Artifacts[0].Type)
}

func TestTrashInvisibleByDefault(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("task-t")))

	cancelled := task.StatusCancelled
	now := time.Now()
	require.NoError(t, s.UpdateTask(ctx, "task-t", task.Patch{Status: &cancelled, TrashedAt: &now}))

	visible, err := s.ListTasks(ctx, task.Filter{})
	require.NoError(t, err)
	assert.Empty(t, visible)

	trashed, err := s.ListTrashed(ctx)
	require.NoError(t, err)
	require.Len(t, trashed, 1)
	assert.Equal(t, "task-t", trashed[0].ID)

	all, err := s.ListTasks(ctx, task.Filter{IncludeTrashed: true})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestIterationEntryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("task-i")))

	entry := &task.IterationEntry{
		ID:       "task-i-iter-0",
		TaskID:   "task-i",
		Feedback: "tighten the loop",
		Stage:    "implement",
		Before: task.Snapshot{
			Stage:  "implement",
			Status: task.StatusInProgress,
			Files:  task.FileSet{Created: []string{"a.go"}},
			Usage:  task.Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
		},
	}
	require.NoError(t, s.AddIterationEntry(ctx, entry))

	after := &task.Snapshot{
		Stage:  "implement",
		Status: task.StatusInProgress,
		Files:  task.FileSet{Created: []string{"a.go", "b.go"}},
		Usage:  task.Usage{InputTokens: 150, OutputTokens: 90, TotalTokens: 240},
	}
	require.NoError(t, s.UpdateIterationEntry(ctx, "task-i-iter-0", after, "1 file added", []string{"b.go"}))

	history, err := s.GetIterationHistory(ctx, "task-i")
	require.NoError(t, err)
	require.Len(t, history, 1)
	got := history[0]
	assert.Equal(t, "tighten the loop", got.Feedback)
	require.NotNil(t, got.After)
	assert.Equal(t, []string{"b.go"}, got.ModifiedFiles)
	assert.Equal(t, "1 file added", got.DiffSummary)
	assert.NotNil(t, got.CompletedAt)
}

func TestMigrationIsAdditive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apex.db")
	ctx := context.Background()

	s, err := OpenFile(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateTask(ctx, newTask("survivor")))
	require.NoError(t, s.Close())

	// Re-open runs the migration pass again; existing data must survive and
	// the column set converges on the same schema.
	s2, err := OpenFile(ctx, path, nil)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetTask(ctx, "survivor")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "do the thing", got.Description)
}

func TestUpdatedAtOverride(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("task-u")))

	stale := time.Now().Add(-2 * time.Hour)
	inProgress := task.StatusInProgress
	require.NoError(t, s.UpdateTask(ctx, "task-u", task.Patch{Status: &inProgress, UpdatedAt: &stale}))

	got, err := s.GetTask(ctx, "task-u")
	require.NoError(t, err)
	assert.WithinDuration(t, stale, got.UpdatedAt, time.Second)
}
