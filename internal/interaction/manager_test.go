package interaction

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apex/internal/events"
	"apex/internal/store"
	"apex/internal/task"
)

// recordingSnapshotter returns a scripted sequence of snapshots.
type recordingSnapshotter struct {
	mu    sync.Mutex
	queue []task.Snapshot
}

func (r *recordingSnapshotter) Capture(_ context.Context, t *task.Task) (task.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return task.Snapshot{Stage: t.CurrentStage, Status: t.Status, Usage: t.Usage}, nil
	}
	snap := r.queue[0]
	r.queue = r.queue[1:]
	return snap, nil
}

func setup(t *testing.T) (*Manager, task.Store, *events.Bus, *recordingSnapshotter) {
	t.Helper()
	s, err := store.OpenFile(context.Background(), filepath.Join(t.TempDir(), "apex.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bus := events.NewBus(nil)
	snap := &recordingSnapshotter{}
	return NewManager(s, bus, snap, nil), s, bus, snap
}

func seedInProgress(t *testing.T, s task.Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateTask(context.Background(), &task.Task{
		ID:           id,
		ProjectPath:  "/tmp/p",
		Workflow:     "feature",
		Description:  "work",
		Priority:     task.PriorityNormal,
		Status:       task.StatusInProgress,
		CurrentStage: "implement",
	}))
}

func TestIterateTaskHappyPath(t *testing.T) {
	m, s, bus, _ := setup(t)
	ctx := context.Background()
	seedInProgress(t, s, "t1")

	var iterateEvents []events.Event
	bus.Subscribe(events.TaskIterate, func(e events.Event) { iterateEvents = append(iterateEvents, e) })

	id, err := m.IterateTask(ctx, "t1", "tighten error handling", "review feedback")
	require.NoError(t, err)
	assert.Equal(t, "t1-iter-0", id)

	require.Len(t, iterateEvents, 1)
	assert.Equal(t, "tighten error handling", iterateEvents[0].Payload["instructions"])
	assert.Equal(t, "review feedback", iterateEvents[0].Payload["context"])

	history, err := s.GetIterationHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "implement", history[0].Stage)
}

func TestIterateTaskPreflight(t *testing.T) {
	m, s, _, _ := setup(t)
	ctx := context.Background()

	_, err := m.IterateTask(ctx, "missing", "feedback", "")
	require.ErrorContains(t, err, "not found")

	require.NoError(t, s.CreateTask(ctx, &task.Task{
		ID: "done", ProjectPath: "/tmp/p", Workflow: "feature",
		Description: "x", Priority: task.PriorityNormal, Status: task.StatusCompleted,
	}))
	_, err = m.IterateTask(ctx, "done", "feedback", "")
	require.ErrorContains(t, err, "not in-progress")

	seedInProgress(t, s, "live")
	_, err = m.IterateTask(ctx, "live", "", "")
	require.ErrorContains(t, err, "feedback is required")
}

func TestConcurrentIterationIDsAreDistinct(t *testing.T) {
	m, s, _, _ := setup(t)
	seedInProgress(t, s, "t1")

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			id, err := m.IterateTask(context.Background(), "t1", "go again", "")
			require.NoError(t, err)
			ids[slot] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, callers)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate iteration id %s", id)
		seen[id] = true
	}
}

func TestCompleteIterationComputesDiff(t *testing.T) {
	m, s, _, snap := setup(t)
	ctx := context.Background()
	seedInProgress(t, s, "t1")

	snap.queue = []task.Snapshot{
		{ // before
			Stage: "implement", Status: task.StatusInProgress,
			Files: task.FileSet{Created: []string{"a.go"}},
			Usage: task.Usage{TotalTokens: 100, EstimatedCost: 0.1},
		},
		{ // after
			Stage: "implement", Status: task.StatusInProgress,
			Files: task.FileSet{Created: []string{"a.go", "b.go"}, Modified: []string{"a.go"}},
			Usage: task.Usage{TotalTokens: 160, EstimatedCost: 0.2},
		},
	}

	id, err := m.IterateTask(ctx, "t1", "add b.go", "")
	require.NoError(t, err)
	require.NoError(t, m.CompleteIteration(ctx, "t1", id))

	history, err := s.GetIterationHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	entry := history[0]
	require.NotNil(t, entry.After)
	assert.ElementsMatch(t, []string{"a.go", "b.go"}, entry.ModifiedFiles)
	assert.Contains(t, entry.DiffSummary, "1 added")
	assert.NotNil(t, entry.CompletedAt)
}

func TestGetIterationDiffIsDeterministic(t *testing.T) {
	m, s, _, snap := setup(t)
	ctx := context.Background()
	seedInProgress(t, s, "t1")

	snap.queue = []task.Snapshot{
		{Stage: "implement", Status: task.StatusInProgress, Usage: task.Usage{TotalTokens: 100, EstimatedCost: 0.1}},
		{Stage: "test", Status: task.StatusInProgress,
			Files: task.FileSet{Created: []string{"b.go"}},
			Usage: task.Usage{TotalTokens: 150, EstimatedCost: 0.18}},
	}
	id, err := m.IterateTask(ctx, "t1", "feedback", "")
	require.NoError(t, err)
	require.NoError(t, m.CompleteIteration(ctx, "t1", id))

	first, err := m.GetIterationDiff(ctx, "t1", id)
	require.NoError(t, err)
	second, err := m.GetIterationDiff(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, 50, first.TokenUsageDelta)
	assert.InDelta(t, 0.08, first.CostDelta, 1e-9)
	require.NotNil(t, first.StageChange)
	assert.Equal(t, "implement", first.StageChange.From)
	assert.Equal(t, "test", first.StageChange.To)
	assert.Nil(t, first.StatusChange)
	assert.Equal(t, []string{"b.go"}, first.FilesChanged.Added)

	// Empty id falls back to the latest iteration.
	latest, err := m.GetIterationDiff(ctx, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, id, latest.IterationID)
}

func TestSubmitInteractionDispatchAndAudit(t *testing.T) {
	m, s, bus, _ := setup(t)
	ctx := context.Background()
	seedInProgress(t, s, "t1")

	var names []string
	bus.Subscribe(events.InteractionReceived, func(e events.Event) { names = append(names, e.Name) })
	bus.Subscribe(events.InteractionProcessed, func(e events.Event) { names = append(names, e.Name) })

	result, err := m.SubmitInteraction(ctx, "t1", "iterate",
		map[string]any{"feedback": "do more"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, "t1-iter-0", result)
	assert.Equal(t, []string{events.InteractionReceived, events.InteractionProcessed}, names)

	// Unknown commands error but still emit processed with the error.
	names = nil
	_, err = m.SubmitInteraction(ctx, "t1", "explode", nil, "alice")
	require.ErrorContains(t, err, "unknown interaction command")
	assert.Equal(t, []string{events.InteractionReceived, events.InteractionProcessed}, names)
}
