package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apex/internal/agent"
	"apex/internal/events"
	"apex/internal/execx"
	"apex/internal/store"
	"apex/internal/task"
	"apex/internal/workflow"
	"apex/internal/workspace"
)

// stubRunner records the stages it is asked to run and answers from a
// script.
type stubRunner struct {
	mu       sync.Mutex
	stages   []string
	failures int // fail the first N invocations
	usage    task.Usage
}

func (s *stubRunner) Run(_ context.Context, req agent.Request) (*agent.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = append(s.stages, req.Stage)
	if s.failures > 0 {
		s.failures--
		return &agent.Result{Failed: true, Error: "agent exploded"}, nil
	}
	conversation, _ := json.Marshal(map[string]any{"lastStage": req.Stage})
	return &agent.Result{
		Output:       "done " + req.Stage,
		Conversation: conversation,
		Usage:        s.usage,
		Logs:         []agent.LogLine{{Level: task.LogInfo, Message: "ran " + req.Stage}},
	}, nil
}

type memProvider struct {
	mu      sync.Mutex
	created map[string]string
	deleted []string
}

func newMemProvider() *memProvider {
	return &memProvider{created: make(map[string]string)}
}

func (p *memProvider) Create(_ context.Context, taskID, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	path := "/ws/task-" + taskID
	p.created[taskID] = path
	return path, nil
}
func (p *memProvider) Get(_ context.Context, taskID string) (*workspace.Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	path, ok := p.created[taskID]
	if !ok {
		return nil, nil
	}
	return &workspace.Info{TaskID: taskID, Path: path, Strategy: task.WorkspaceWorktree}, nil
}
func (p *memProvider) SwitchTo(_ context.Context, taskID string) (string, error) {
	return "/ws/task-" + taskID, nil
}
func (p *memProvider) Delete(_ context.Context, taskID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.created[taskID]; !ok {
		return false, nil
	}
	delete(p.created, taskID)
	p.deleted = append(p.deleted, taskID)
	return true, nil
}
func (p *memProvider) List(context.Context) ([]workspace.Info, error)    { return nil, nil }
func (p *memProvider) CleanupOrphaned(context.Context) ([]string, error) { return nil, nil }

type fixture struct {
	orch     *Orchestrator
	store    task.Store
	bus      *events.Bus
	runner   *stubRunner
	provider *memProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.OpenFile(context.Background(), filepath.Join(t.TempDir(), "apex.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bus := events.NewBus(nil)
	runner := &stubRunner{usage: task.Usage{InputTokens: 10, OutputTokens: 5, EstimatedCost: 0.01}}
	provider := newMemProvider()
	manager := workspace.NewManager(
		workspace.ManagerConfig{CleanupOnComplete: true},
		map[task.WorkspaceStrategy]workspace.Provider{task.WorkspaceWorktree: provider},
		nil,
	)
	orch := New(
		Config{WorktreeManagement: true, GatePollInterval: time.Millisecond},
		s, bus, workflow.NewRegistry(), runner, manager, nil,
		WithMetrics(MustNewMetrics(prometheus.NewRegistry())),
	)
	return &fixture{orch: orch, store: s, bus: bus, runner: runner, provider: provider}
}

func (f *fixture) createTask(t *testing.T, mutate ...func(*CreateRequest)) *task.Task {
	t.Helper()
	req := CreateRequest{
		ProjectPath: "/tmp/project",
		Workflow:    "fix",
		Description: "repair the widget",
		Workspace:   task.WorkspaceConfig{Strategy: task.WorkspaceWorktree},
	}
	for _, fn := range mutate {
		fn(&req)
	}
	created, err := f.orch.CreateTask(context.Background(), req)
	require.NoError(t, err)
	return created
}

func TestCreateTaskValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.CreateTask(ctx, CreateRequest{ProjectPath: "/p"})
	assert.ErrorContains(t, err, "description is required")

	_, err = f.orch.CreateTask(ctx, CreateRequest{Description: "x"})
	assert.ErrorContains(t, err, "project path is required")

	_, err = f.orch.CreateTask(ctx, CreateRequest{Description: "x", ProjectPath: "/p", Workflow: "nope"})
	assert.ErrorContains(t, err, "unknown workflow")
}

func TestCreateTaskDefaultsAndEvent(t *testing.T) {
	f := newFixture(t)

	var created []events.Event
	f.bus.Subscribe(events.TaskCreated, func(e events.Event) { created = append(created, e) })

	tk := f.createTask(t, func(r *CreateRequest) { r.Workflow = "" })
	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, "feature", tk.Workflow)
	assert.Equal(t, task.PriorityNormal, tk.Priority)
	assert.Equal(t, task.AutonomyFull, tk.Autonomy)
	assert.Equal(t, 3, tk.MaxRetries)
	require.Len(t, created, 1)
	assert.Equal(t, tk.ID, created[0].TaskID)
}

func TestExecuteTaskRunsAllStages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.createTask(t)

	var names []string
	f.bus.SubscribeAll(func(e events.Event) { names = append(names, e.Name) })

	require.NoError(t, f.orch.ExecuteTask(ctx, tk.ID))

	assert.Equal(t, []string{"diagnose", "implement", "test"}, f.runner.stages)
	assert.Contains(t, names, events.TaskStarted)
	assert.Contains(t, names, events.TaskCompleted)

	got, err := f.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, 45, got.Usage.TotalTokens, "3 stages x 15 tokens")
	assert.NotEmpty(t, got.Logs)

	ck, err := f.store.GetLatestCheckpoint(ctx, tk.ID)
	require.NoError(t, err)
	require.NotNil(t, ck)
	assert.Equal(t, 3, ck.StageIndex)

	// Completed workspace was cleaned up.
	assert.Equal(t, []string{tk.ID}, f.provider.deleted)
}

func TestExecuteTaskResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.createTask(t)

	require.NoError(t, f.store.SaveCheckpoint(ctx, &task.Checkpoint{
		TaskID:       tk.ID,
		CheckpointID: "seeded",
		Stage:        "diagnose",
		StageIndex:   1,
	}))

	require.NoError(t, f.orch.ExecuteTask(ctx, tk.ID))
	assert.Equal(t, []string{"implement", "test"}, f.runner.stages)
}

func TestFailureRequeuesThenFailsTerminally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.createTask(t, func(r *CreateRequest) { r.MaxRetries = 2 })

	var failed []events.Event
	f.bus.Subscribe(events.TaskFailed, func(e events.Event) { failed = append(failed, e) })

	// First run fails and re-queues.
	f.runner.failures = 1
	require.NoError(t, f.orch.ExecuteTask(ctx, tk.ID))
	got, err := f.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, failed)

	// Second failure exhausts retries.
	f.runner.failures = 99
	require.NoError(t, f.orch.ExecuteTask(ctx, tk.ID))
	got, err = f.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, "agent exploded", got.Error)
	require.Len(t, failed, 1)

	// Failed workspace with no preservation was cleaned.
	assert.Contains(t, f.provider.deleted, tk.ID)
}

func TestManualAutonomyHaltsAfterPlanning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.createTask(t, func(r *CreateRequest) {
		r.Workflow = "feature"
		r.Autonomy = task.AutonomyManual
	})

	require.NoError(t, f.orch.ExecuteTask(ctx, tk.ID))

	assert.Equal(t, []string{"plan"}, f.runner.stages)
	got, err := f.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, got.Status)
	assert.Equal(t, task.PauseManual, got.PauseReason)
}

func TestSupervisedWaitsOnGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.createTask(t, func(r *CreateRequest) { r.Autonomy = task.AutonomySupervised })

	// Pre-approve the post-planning gates so the run does not block.
	for _, stage := range []string{"implement", "test"} {
		require.NoError(t, f.store.SetGate(ctx, &task.Gate{
			TaskID: tk.ID, Name: stage, Status: task.GateApproved,
		}))
	}

	require.NoError(t, f.orch.ExecuteTask(ctx, tk.ID))
	got, err := f.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
}

func TestSupervisedGateRejectionFailsTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.createTask(t, func(r *CreateRequest) { r.Autonomy = task.AutonomySupervised })

	require.NoError(t, f.store.SetGate(ctx, &task.Gate{
		TaskID: tk.ID, Name: "implement", Status: task.GateRejected,
	}))

	require.NoError(t, f.orch.ExecuteTask(ctx, tk.ID))
	got, err := f.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "rejected")
}

func TestResumePausedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.createTask(t)

	// Pause mid-flight with a checkpoint after the first stage.
	require.NoError(t, f.store.SaveCheckpoint(ctx, &task.Checkpoint{
		TaskID:       tk.ID,
		CheckpointID: "ck-1",
		Stage:        "diagnose",
		StageIndex:   1,
		Conversation: json.RawMessage(`{"notes":"found the bug"}`),
	}))
	paused := task.StatusPaused
	reason := task.PauseCapacity
	require.NoError(t, f.store.UpdateTask(ctx, tk.ID, task.Patch{Status: &paused, PauseReason: &reason}))

	var resumed []events.Event
	f.bus.Subscribe(events.TaskSessionResumed, func(e events.Event) { resumed = append(resumed, e) })

	require.NoError(t, f.orch.ResumePausedTask(ctx, tk.ID))

	require.Len(t, resumed, 1)
	assert.Equal(t, "capacity", resumed[0].Payload["reason"])
	assert.Equal(t, []string{"implement", "test"}, f.runner.stages)

	got, err := f.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Contains(t, got.Session.ContextSummary, "diagnose")
}

func TestResumeManuallyPausedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.createTask(t, func(r *CreateRequest) {
		r.Workflow = "feature"
		r.Autonomy = task.AutonomyManual
	})

	// Halts after planning with a manual pause.
	require.NoError(t, f.orch.ExecuteTask(ctx, tk.ID))
	got, err := f.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPaused, got.Status)
	require.Equal(t, task.PauseManual, got.PauseReason)

	// An explicit resume picks up after the planning checkpoint and runs
	// the task to completion.
	require.NoError(t, f.orch.ResumePausedTask(ctx, tk.ID))
	assert.Equal(t, []string{"plan", "implement", "test"}, f.runner.stages)

	got, err = f.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
}

func TestResumeRequiresPausedStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.createTask(t)

	err := f.orch.ResumePausedTask(ctx, tk.ID)
	assert.ErrorContains(t, err, "not paused")
}

// blockingRunner parks inside a stage until released or cancelled.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (b *blockingRunner) Run(ctx context.Context, req agent.Request) (*agent.Result, error) {
	b.started <- struct{}{}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.release:
		return &agent.Result{Output: "done " + req.Stage}, nil
	}
}

func awaitWorker(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestPauseDuringExecutionKeepsPauseState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runner := newBlockingRunner()
	f.orch.runner = runner
	tk := f.createTask(t)

	done := make(chan error, 1)
	go func() { done <- f.orch.ExecuteTask(ctx, tk.ID) }()
	<-runner.started

	require.NoError(t, f.orch.PauseTask(ctx, tk.ID, task.PauseUsageLimit, nil))
	awaitWorker(t, done)

	got, err := f.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, got.Status)
	assert.Equal(t, task.PauseUsageLimit, got.PauseReason)
	assert.Zero(t, got.RetryCount, "a pause is not a failed attempt")
}

func TestTrashDuringExecutionStaysCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runner := newBlockingRunner()
	f.orch.runner = runner
	tk := f.createTask(t)

	done := make(chan error, 1)
	go func() { done <- f.orch.ExecuteTask(ctx, tk.ID) }()
	<-runner.started

	require.NoError(t, f.orch.TrashTask(ctx, tk.ID))
	awaitWorker(t, done)

	got, err := f.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.NotNil(t, got.TrashedAt)
	assert.Zero(t, got.RetryCount)
}

func TestCancelledRunPersistsShutdownPause(t *testing.T) {
	f := newFixture(t)
	runner := newBlockingRunner()
	f.orch.runner = runner
	tk := f.createTask(t)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.ExecuteTask(runCtx, tk.ID) }()
	<-runner.started
	cancel()
	awaitWorker(t, done)

	// The pause must land even though the worker's context is gone.
	got, err := f.store.GetTask(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, got.Status)
	assert.Equal(t, task.PauseSystemShutdown, got.PauseReason)
	require.NotNil(t, got.PausedAt)
}

func TestTrashTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.createTask(t)

	var trashed []events.Event
	f.bus.Subscribe(events.TaskTrashed, func(e events.Event) { trashed = append(trashed, e) })

	require.NoError(t, f.orch.TrashTask(ctx, tk.ID))
	require.Len(t, trashed, 1)

	got, err := f.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.NotNil(t, got.TrashedAt)

	listed, err := f.store.ListTasks(ctx, task.Filter{})
	require.NoError(t, err)
	assert.Empty(t, listed)
}

// fakeCLI answers git/gh invocations from a script keyed on the joined
// command line prefix.
type fakeCLI struct {
	mu      sync.Mutex
	calls   []string
	replies map[string]execx.Result
}

func (f *fakeCLI) run(_ context.Context, name string, args []string, _ execx.Options) (execx.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := name + " " + joinArgs(args)
	f.calls = append(f.calls, line)
	for prefix, res := range f.replies {
		if len(line) >= len(prefix) && line[:len(prefix)] == prefix {
			return res, nil
		}
	}
	return execx.Result{}, nil
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func TestCheckPRMergedDegradesToFalse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.createTask(t)

	// CLI missing.
	f.orch.cliAvailable = func(string) bool { return false }
	assert.False(t, f.orch.CheckPRMerged(ctx, tk.ID))

	// No PR URL.
	f.orch.cliAvailable = func(string) bool { return true }
	assert.False(t, f.orch.CheckPRMerged(ctx, tk.ID))

	// Unparsable URL.
	url := "https://example.com/not-a-pr"
	require.NoError(t, f.store.UpdateTask(ctx, tk.ID, task.Patch{PRURL: &url}))
	assert.False(t, f.orch.CheckPRMerged(ctx, tk.ID))

	// Open PR.
	url = "https://github.com/acme/widgets/pull/456"
	require.NoError(t, f.store.UpdateTask(ctx, tk.ID, task.Patch{PRURL: &url}))
	cli := &fakeCLI{replies: map[string]execx.Result{
		"gh pr view 456": {Stdout: `{"state":"OPEN"}`},
	}}
	f.orch.runCLI = cli.run
	assert.False(t, f.orch.CheckPRMerged(ctx, tk.ID))

	// Merged PR.
	cli.replies["gh pr view 456"] = execx.Result{Stdout: `{"state":"MERGED"}`}
	assert.True(t, f.orch.CheckPRMerged(ctx, tk.ID))
}

func TestCleanupMergedWorktree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.createTask(t)

	url := fmt.Sprintf("https://github.com/acme/widgets/pull/%d", 456)
	require.NoError(t, f.store.UpdateTask(ctx, tk.ID, task.Patch{PRURL: &url}))
	_, err := f.provider.Create(ctx, tk.ID, "")
	require.NoError(t, err)

	f.orch.cliAvailable = func(string) bool { return true }
	cli := &fakeCLI{replies: map[string]execx.Result{
		"gh pr view 456": {Stdout: `{"state":"OPEN"}`},
	}}
	f.orch.runCLI = cli.run

	var cleaned []events.Event
	f.bus.Subscribe(events.WorktreeMergeCleaned, func(e events.Event) { cleaned = append(cleaned, e) })

	// Open PR: nothing happens.
	removed, err := f.orch.CleanupMergedWorktree(ctx, tk.ID)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Empty(t, f.provider.deleted)

	// Merged PR: worktree removed and event emitted with the PR URL.
	cli.replies["gh pr view 456"] = execx.Result{Stdout: `{"state":"MERGED"}`}
	removed, err = f.orch.CleanupMergedWorktree(ctx, tk.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, []string{tk.ID}, f.provider.deleted)
	require.Len(t, cleaned, 1)
	assert.Equal(t, url, cleaned[0].Payload["prUrl"])

	// Empty id and unknown task.
	_, err = f.orch.CleanupMergedWorktree(ctx, "")
	assert.Error(t, err)
	removed, err = f.orch.CleanupMergedWorktree(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestMergeTaskBranchConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.createTask(t)

	cli := &fakeCLI{replies: map[string]execx.Result{
		"git rev-parse --verify refs/heads/main": {ExitCode: 0},
		"git merge task/" + tk.ID:                {ExitCode: 1, Stderr: "CONFLICT"},
	}}
	f.orch.runCLI = cli.run

	res, err := f.orch.MergeTaskBranch(ctx, tk.ID, MergeOptions{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.Conflicted)
	assert.Equal(t, "merge conflicts", res.Error)

	var aborted bool
	for _, call := range cli.calls {
		if call == "git merge --abort" {
			aborted = true
		}
	}
	assert.True(t, aborted, "conflicted merge must be aborted")
}

func TestMergeTaskBranchSquash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.createTask(t)

	cli := &fakeCLI{replies: map[string]execx.Result{
		"git rev-parse --verify refs/heads/main": {ExitCode: 0},
		"git diff --name-only":                   {Stdout: "a.go\nb.go\n"},
	}}
	f.orch.runCLI = cli.run

	res, err := f.orch.MergeTaskBranch(ctx, tk.ID, MergeOptions{Squash: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"a.go", "b.go"}, res.ChangedFiles)

	var squashed bool
	for _, call := range cli.calls {
		if call == "git merge --squash task/"+tk.ID {
			squashed = true
		}
	}
	assert.True(t, squashed)
}
