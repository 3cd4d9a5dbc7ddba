// Package orchestrator drives the task lifecycle: creation, stage-by-
// stage execution through the external agent, checkpointed resume,
// trash and branch-merge housekeeping.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"apex/internal/agent"
	apexerrors "apex/internal/errors"
	"apex/internal/events"
	"apex/internal/execx"
	"apex/internal/logging"
	"apex/internal/task"
	"apex/internal/usage"
	"apex/internal/workflow"
	"apex/internal/workspace"
)

// Config tunes the orchestrator.
type Config struct {
	// WorktreeManagement enables the merge-cleanup surface.
	WorktreeManagement bool
	// GatePollInterval is how often a supervised task re-checks its
	// pending gate.
	GatePollInterval time.Duration
	// DefaultMaxRetries applies to tasks created without one.
	DefaultMaxRetries int
}

// Orchestrator is safe for concurrent use; each task executes on its
// own worker goroutine.
type Orchestrator struct {
	cfg        Config
	store      task.Store
	bus        *events.Bus
	registry   *workflow.Registry
	runner     agent.Runner
	workspaces *workspace.Manager
	usage      *usage.Manager
	metrics    *Metrics
	tracer     trace.Tracer
	logger     logging.Logger
	now        func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	// runCLI and cliAvailable are swappable for tests.
	runCLI       func(ctx context.Context, name string, args []string, opts execx.Options) (execx.Result, error)
	cliAvailable func(name string) bool
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithMetrics overrides the shared process metrics, mainly for tests.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithUsageManager attaches usage accounting.
func WithUsageManager(m *usage.Manager) Option {
	return func(o *Orchestrator) { o.usage = m }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New wires an orchestrator over its collaborators.
func New(cfg Config, store task.Store, bus *events.Bus, registry *workflow.Registry, runner agent.Runner, workspaces *workspace.Manager, logger logging.Logger, opts ...Option) *Orchestrator {
	if cfg.GatePollInterval <= 0 {
		cfg.GatePollInterval = 2 * time.Second
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	o := &Orchestrator{
		cfg:          cfg,
		store:        store,
		bus:          bus,
		registry:     registry,
		runner:       runner,
		workspaces:   workspaces,
		tracer:       otel.Tracer("apex/orchestrator"),
		logger:       logging.OrNop(logger),
		now:          time.Now,
		cancels:      make(map[string]context.CancelFunc),
		runCLI:       execx.Run,
		cliAvailable: execx.Available,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = defaultMetrics()
	}
	return o
}

// CreateRequest is the closed option set for new tasks.
type CreateRequest struct {
	ProjectPath        string
	Workflow           string
	Description        string
	AcceptanceCriteria string
	Priority           task.Priority
	Autonomy           task.Autonomy
	Effort             string
	MaxRetries         int
	Workspace          task.WorkspaceConfig
	DependsOn          []string
	ParentTaskID       string
}

// CreateTask validates the request, persists the task and announces it.
func (o *Orchestrator) CreateTask(ctx context.Context, req CreateRequest) (*task.Task, error) {
	if strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("create task: description is required")
	}
	if req.ProjectPath == "" {
		return nil, fmt.Errorf("create task: project path is required")
	}
	workflowName := req.Workflow
	if workflowName == "" {
		workflowName = "feature"
	}
	if _, ok := o.registry.Get(workflowName); !ok {
		return nil, fmt.Errorf("create task: unknown workflow %q", workflowName)
	}
	if req.Priority == "" {
		req.Priority = task.PriorityNormal
	}
	if req.Autonomy == "" {
		req.Autonomy = task.AutonomyFull
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = o.cfg.DefaultMaxRetries
	}

	t := &task.Task{
		ID:                 uuid.NewString(),
		ProjectPath:        req.ProjectPath,
		Workflow:           workflowName,
		Description:        req.Description,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Priority:           req.Priority,
		Autonomy:           req.Autonomy,
		Effort:             req.Effort,
		Status:             task.StatusPending,
		MaxRetries:         req.MaxRetries,
		Workspace:          req.Workspace,
		DependsOn:          req.DependsOn,
		ParentTaskID:       req.ParentTaskID,
	}
	if err := o.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	o.bus.Publish(events.Event{Name: events.TaskCreated, TaskID: t.ID, Payload: map[string]any{"task": t}})
	o.logger.Info("orchestrator: created task %s (%s)", t.ID, workflowName)
	return t, nil
}

// ExecuteTask runs a pending task through its workflow stages, resuming
// from the latest checkpoint when one exists.
func (o *Orchestrator) ExecuteTask(ctx context.Context, taskID string) error {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("execute: task %s not found", taskID)
	}
	if t.Status == task.StatusCompleted {
		return fmt.Errorf("execute: task %s already completed", taskID)
	}
	if t.IsBlocked() {
		return fmt.Errorf("execute: task %s is blocked by %v", taskID, t.BlockedBy)
	}
	wf, ok := o.registry.Get(t.Workflow)
	if !ok {
		return fmt.Errorf("execute: task %s has unknown workflow %q", taskID, t.Workflow)
	}

	execCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[taskID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.cancels, taskID)
		o.mu.Unlock()
	}()

	workspacePath, err := o.acquireWorkspace(execCtx, t)
	if err != nil {
		return o.failTask(ctx, t, fmt.Sprintf("workspace: %v", err))
	}

	inProgress := task.StatusInProgress
	if err := o.store.UpdateTask(ctx, taskID, task.Patch{Status: &inProgress, ClearPause: true}); err != nil {
		return err
	}
	t.Status = inProgress
	o.bus.Publish(events.Event{Name: events.TaskStarted, TaskID: taskID})
	o.metrics.TaskStarted()
	defer o.metrics.TaskEnded()
	if o.usage != nil {
		o.usage.TaskStarted(taskID)
	}

	startIdx := 0
	var conversation json.RawMessage
	if ck, err := o.store.GetLatestCheckpoint(ctx, taskID); err != nil {
		return err
	} else if ck != nil {
		startIdx = ck.StageIndex
		conversation = ck.Conversation
		o.logger.Info("orchestrator: task %s resumes at stage index %d", taskID, startIdx)
	}

	for i := startIdx; i < len(wf.Stages); i++ {
		if execCtx.Err() != nil {
			return o.pauseForShutdown(ctx, t)
		}
		stage := wf.Stages[i]

		stageName := stage.Name
		if err := o.store.UpdateTask(ctx, taskID, task.Patch{CurrentStage: &stageName}); err != nil {
			return err
		}
		t.CurrentStage = stageName

		if t.Autonomy == task.AutonomySupervised && i > 0 {
			approved, err := o.awaitGate(execCtx, t, stageName)
			if err != nil {
				return o.pauseForShutdown(ctx, t)
			}
			if !approved {
				return o.failTerminal(ctx, t, fmt.Sprintf("gate %q rejected", stageName))
			}
		}

		result, stageErr := o.runStage(execCtx, t, stage, workspacePath, conversation)
		if stageErr != nil {
			// A cancelled worker is never a retry: the interrupting call
			// (pause, trash, shutdown) decides the task's fate.
			if execCtx.Err() != nil {
				return o.pauseForShutdown(ctx, t)
			}
			return o.failTask(ctx, t, stageErr.Error())
		}
		if result.Failed {
			return o.failTask(ctx, t, result.Error)
		}

		if err := o.recordStageOutput(ctx, t, result); err != nil {
			return err
		}
		conversation = result.Conversation

		if err := o.store.SaveCheckpoint(ctx, &task.Checkpoint{
			TaskID:       taskID,
			CheckpointID: fmt.Sprintf("%s-stage-%d", taskID, i),
			Stage:        stageName,
			StageIndex:   i + 1,
			Conversation: conversation,
			CreatedAt:    o.now(),
		}); err != nil {
			return err
		}

		if t.Autonomy == task.AutonomyManual && i == 0 {
			return o.pauseManual(ctx, t)
		}
	}
	return o.completeTask(ctx, t)
}

// acquireWorkspace creates the task's workspace, or switches to the
// existing one when a previous attempt already created it.
func (o *Orchestrator) acquireWorkspace(ctx context.Context, t *task.Task) (string, error) {
	path, err := o.workspaces.CreateWorkspace(ctx, t)
	if err == nil {
		return path, nil
	}
	if apexerrors.IsConflict(err) {
		if provider := o.workspaces.ProviderFor(t.Workspace.Strategy); provider != nil {
			return provider.SwitchTo(ctx, t.ID)
		}
	}
	return "", err
}

func (o *Orchestrator) runStage(ctx context.Context, t *task.Task, stage workflow.Stage, workspacePath string, conversation json.RawMessage) (*agent.Result, error) {
	stageCtx, span := o.tracer.Start(ctx, "orchestrator.stage",
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.workflow", t.Workflow),
			attribute.String("stage", stage.Name),
		))
	defer span.End()

	started := o.now()
	result, err := o.runner.Run(stageCtx, agent.Request{
		TaskID:         t.ID,
		Stage:          stage.Name,
		AgentKind:      stage.AgentKind,
		Instructions:   buildInstructions(t, stage),
		ContextSummary: t.Session.ContextSummary,
		WorkspacePath:  workspacePath,
		Conversation:   conversation,
	})
	status := "ok"
	if err != nil || (result != nil && result.Failed) {
		status = "failed"
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	o.metrics.ObserveStage(stage.Name, status, o.now().Sub(started))
	return result, err
}

func buildInstructions(t *task.Task, stage workflow.Stage) string {
	var b strings.Builder
	b.WriteString(stage.Description)
	b.WriteString("\n\nTask: ")
	b.WriteString(t.Description)
	if t.AcceptanceCriteria != "" {
		b.WriteString("\nAcceptance criteria: ")
		b.WriteString(t.AcceptanceCriteria)
	}
	return b.String()
}

// recordStageOutput appends the agent's logs and artifacts and folds its
// usage into the task's cumulative totals.
func (o *Orchestrator) recordStageOutput(ctx context.Context, t *task.Task, result *agent.Result) error {
	for _, line := range result.Logs {
		if err := o.store.AddLog(ctx, &task.Log{
			TaskID:    t.ID,
			Timestamp: o.now(),
			Level:     line.Level,
			Message:   line.Message,
			Stage:     t.CurrentStage,
		}); err != nil {
			return err
		}
	}
	for _, art := range result.Artifacts {
		if err := o.store.AddArtifact(ctx, &task.Artifact{
			TaskID:    t.ID,
			Name:      art.Name,
			Type:      art.Type,
			Path:      art.Path,
			Content:   art.Content,
			CreatedAt: o.now(),
		}); err != nil {
			return err
		}
	}

	if result.Usage != (task.Usage{}) {
		updated := t.Usage
		updated.Add(result.Usage)
		if err := o.store.UpdateTask(ctx, t.ID, task.Patch{Usage: &updated}); err != nil {
			return err
		}
		t.Usage = updated
		if o.usage != nil {
			o.usage.RecordUsage(t.ID, result.Usage)
		}
	}
	return nil
}

// awaitGate opens (or reuses) the stage gate and polls until it
// resolves. Returns an error only when the context ends first.
func (o *Orchestrator) awaitGate(ctx context.Context, t *task.Task, stageName string) (bool, error) {
	gate, err := o.store.GetGate(ctx, t.ID, stageName)
	if err != nil {
		return false, err
	}
	if gate == nil {
		if err := o.store.SetGate(ctx, &task.Gate{TaskID: t.ID, Name: stageName, RequiredAt: o.now()}); err != nil {
			return false, err
		}
		o.logger.Info("orchestrator: task %s waiting on gate %q", t.ID, stageName)
	}

	ticker := time.NewTicker(o.cfg.GatePollInterval)
	defer ticker.Stop()
	for {
		gate, err := o.store.GetGate(ctx, t.ID, stageName)
		if err != nil {
			return false, err
		}
		if gate != nil {
			switch gate.Status {
			case task.GateApproved:
				return true, nil
			case task.GateRejected:
				return false, nil
			}
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) completeTask(ctx context.Context, t *task.Task) error {
	completed := task.StatusCompleted
	now := o.now()
	if err := o.store.UpdateTask(ctx, t.ID, task.Patch{Status: &completed, CompletedAt: &now}); err != nil {
		return err
	}
	o.bus.Publish(events.Event{Name: events.TaskCompleted, TaskID: t.ID})
	o.metrics.CountOutcome(string(completed))
	if o.usage != nil {
		o.usage.TaskFinished(t.ID, true)
	}
	o.logger.Info("orchestrator: task %s completed", t.ID)

	if _, err := o.workspaces.CleanupWorkspace(ctx, t, false); err != nil {
		o.logger.Warn("orchestrator: workspace cleanup for %s failed: %v", t.ID, err)
	}
	return nil
}

// failTask requeues the task while retries remain, otherwise fails it
// terminally.
func (o *Orchestrator) failTask(ctx context.Context, t *task.Task, message string) error {
	newCount := t.RetryCount + 1
	if newCount < t.MaxRetries {
		pending := task.StatusPending
		if err := o.store.UpdateTask(ctx, t.ID, task.Patch{
			Status:     &pending,
			RetryCount: &newCount,
			Error:      &message,
		}); err != nil {
			return err
		}
		_ = o.store.AddLog(ctx, &task.Log{
			TaskID:    t.ID,
			Timestamp: o.now(),
			Level:     task.LogWarn,
			Message:   fmt.Sprintf("attempt %d failed, re-queued: %s", newCount, message),
			Stage:     t.CurrentStage,
		})
		o.metrics.CountRetry()
		o.logger.Warn("orchestrator: task %s re-queued after failure (%d/%d): %s", t.ID, newCount, t.MaxRetries, message)
		return nil
	}
	t.RetryCount = newCount
	return o.failTerminal(ctx, t, message)
}

func (o *Orchestrator) failTerminal(ctx context.Context, t *task.Task, message string) error {
	failed := task.StatusFailed
	if err := o.store.UpdateTask(ctx, t.ID, task.Patch{
		Status:     &failed,
		RetryCount: &t.RetryCount,
		Error:      &message,
	}); err != nil {
		return err
	}
	_ = o.store.AddLog(ctx, &task.Log{
		TaskID:    t.ID,
		Timestamp: o.now(),
		Level:     task.LogError,
		Message:   message,
		Stage:     t.CurrentStage,
	})
	o.bus.Publish(events.Event{Name: events.TaskFailed, TaskID: t.ID, Payload: map[string]any{"error": message}})
	o.metrics.CountOutcome(string(failed))
	if o.usage != nil {
		o.usage.TaskFinished(t.ID, false)
	}
	o.logger.Error("orchestrator: task %s failed: %s", t.ID, message)

	// Cleanup errors are logged to the task trail and stderr, never
	// propagated: the failure above is the outcome that matters.
	if _, err := o.workspaces.CleanupWorkspace(ctx, t, true); err != nil {
		_ = o.store.AddLog(ctx, &task.Log{
			TaskID:    t.ID,
			Timestamp: o.now(),
			Level:     task.LogWarn,
			Message:   fmt.Sprintf("workspace cleanup failed: %v", err),
		})
		o.logger.Warn("orchestrator: workspace cleanup for failed task %s: %v", t.ID, err)
	}
	return nil
}

// pauseForShutdown settles a cancelled worker. When the interrupting
// call already persisted a pause or a trash, that state stands; anything
// else gets a durable system-shutdown pause. The writes run on a
// detached context because shutdown usually cancelled the caller's.
func (o *Orchestrator) pauseForShutdown(ctx context.Context, t *task.Task) error {
	ctx = context.WithoutCancel(ctx)
	current, err := o.store.GetTask(ctx, t.ID)
	if err == nil && current != nil {
		switch current.Status {
		case task.StatusCancelled, task.StatusPaused:
			return nil
		}
	}
	paused := task.StatusPaused
	reason := task.PauseSystemShutdown
	now := o.now()
	if err := o.store.UpdateTask(ctx, t.ID, task.Patch{
		Status:      &paused,
		PausedAt:    &now,
		PauseReason: &reason,
	}); err != nil {
		return err
	}
	o.bus.Publish(events.Event{Name: events.TaskPaused, TaskID: t.ID, Payload: map[string]any{"reason": string(reason)}})
	o.logger.Info("orchestrator: task %s paused for shutdown", t.ID)
	return nil
}

func (o *Orchestrator) pauseManual(ctx context.Context, t *task.Task) error {
	paused := task.StatusPaused
	reason := task.PauseManual
	now := o.now()
	if err := o.store.UpdateTask(ctx, t.ID, task.Patch{
		Status:      &paused,
		PausedAt:    &now,
		PauseReason: &reason,
	}); err != nil {
		return err
	}
	o.bus.Publish(events.Event{Name: events.TaskPaused, TaskID: t.ID, Payload: map[string]any{"reason": string(reason)}})
	o.logger.Info("orchestrator: task %s halted after planning (manual autonomy)", t.ID)
	return nil
}

// PauseTask pauses an active task with the given reason, typically from
// a usage-limit signal.
func (o *Orchestrator) PauseTask(ctx context.Context, taskID string, reason task.PauseReason, resumeAfter *time.Time) error {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("pause: task %s not found", taskID)
	}
	paused := task.StatusPaused
	now := o.now()
	if err := o.store.UpdateTask(ctx, taskID, task.Patch{
		Status:      &paused,
		PausedAt:    &now,
		ResumeAfter: resumeAfter,
		PauseReason: &reason,
	}); err != nil {
		return err
	}
	o.Cancel(taskID)
	o.bus.Publish(events.Event{Name: events.TaskPaused, TaskID: taskID, Payload: map[string]any{"reason": string(reason)}})
	return nil
}

// ResumePausedTask reconstitutes the session context from the latest
// checkpoint and re-enters execution at the recorded stage index. Any
// paused task may be resumed explicitly; the automatic capacity sweep
// narrows to auto-resumable reasons in its store query instead.
func (o *Orchestrator) ResumePausedTask(ctx context.Context, taskID string) error {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("resume: task %s not found", taskID)
	}
	if t.Status != task.StatusPaused {
		return fmt.Errorf("resume: task %s is %s, not paused", taskID, t.Status)
	}

	summary := o.BuildContextSummary(ctx, t)
	pending := task.StatusPending
	attempts := t.ResumeAttempts + 1
	session := t.Session
	session.ContextSummary = summary
	if err := o.store.UpdateTask(ctx, taskID, task.Patch{
		Status:         &pending,
		ClearPause:     true,
		ResumeAttempts: &attempts,
		Session:        &session,
	}); err != nil {
		return err
	}

	o.bus.Publish(events.Event{
		Name:   events.TaskSessionResumed,
		TaskID: taskID,
		Payload: map[string]any{
			"reason":      string(t.PauseReason),
			"sessionData": session,
		},
	})
	o.bus.Publish(events.Event{Name: events.TaskResumed, TaskID: taskID})
	return o.ExecuteTask(ctx, taskID)
}

// BuildContextSummary assembles a short resume brief from the latest
// checkpoint and the tail of the conversation.
func (o *Orchestrator) BuildContextSummary(ctx context.Context, t *task.Task) string {
	wf, _ := o.registry.Get(t.Workflow)
	ck, err := o.store.GetLatestCheckpoint(ctx, t.ID)
	if err != nil || ck == nil {
		return fmt.Sprintf("Resuming task %q from the beginning.", t.Description)
	}
	summary := fmt.Sprintf("Resuming task %q after stage %q (%d/%d stages done).",
		t.Description, ck.Stage, ck.StageIndex, len(wf.Stages))
	if excerpt := conversationExcerpt(ck.Conversation, 400); excerpt != "" {
		summary += " Recent conversation: " + excerpt
	}
	return summary
}

func conversationExcerpt(conversation json.RawMessage, limit int) string {
	text := strings.TrimSpace(string(conversation))
	if text == "" || text == "null" {
		return ""
	}
	if len(text) > limit {
		text = "…" + text[len(text)-limit:]
	}
	return text
}

// TrashTask soft-deletes a task, cancelling its worker when active.
func (o *Orchestrator) TrashTask(ctx context.Context, taskID string) error {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("trash: task %s not found", taskID)
	}
	cancelled := task.StatusCancelled
	now := o.now()
	if err := o.store.UpdateTask(ctx, taskID, task.Patch{Status: &cancelled, TrashedAt: &now}); err != nil {
		return err
	}
	o.Cancel(taskID)
	o.bus.Publish(events.Event{Name: events.TaskTrashed, TaskID: taskID, Payload: map[string]any{"task": t}})
	o.metrics.CountOutcome(string(cancelled))
	return nil
}

// Cancel signals the task's worker, if any. The worker stops at its
// next safe boundary.
func (o *Orchestrator) Cancel(taskID string) {
	o.mu.Lock()
	cancel := o.cancels[taskID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ApproveGate and RejectGate resolve a pending gate on behalf of an
// operator.
func (o *Orchestrator) ApproveGate(ctx context.Context, taskID, name, approver, comment string) error {
	return o.store.ApproveGate(ctx, taskID, name, approver, comment)
}

func (o *Orchestrator) RejectGate(ctx context.Context, taskID, name, approver, comment string) error {
	return o.store.RejectGate(ctx, taskID, name, approver, comment)
}
