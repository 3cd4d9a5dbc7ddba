// Package daemon runs the long-lived process: a polling dispatch loop
// feeding the orchestrator, bounded by a concurrency pool, with startup
// orphan recovery and auto-resume on restored capacity.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"apex/internal/async"
	"apex/internal/events"
	"apex/internal/health"
	"apex/internal/logging"
	"apex/internal/schedule"
	"apex/internal/task"
)

const (
	minPollInterval = time.Second
	maxPollInterval = 60 * time.Second

	defaultMaxConcurrent   = 2
	defaultShutdownTimeout = 30 * time.Second
	defaultOrphanStaleness = 10 * time.Minute

	// shutdownCancelGrace bounds the wait for cancelled workers to
	// persist their shutdown pause before the store closes.
	shutdownCancelGrace = 5 * time.Second
)

// Config is the runner's effective configuration. Zero values are
// replaced with defaults; PollInterval is clamped to [1s, 60s].
type Config struct {
	ProjectPath        string
	PollInterval       time.Duration
	MaxConcurrentTasks int
	ShutdownTimeout    time.Duration

	// OrphanStaleness is how long an in-progress task may go without a
	// store update before startup recovery resets it to pending.
	OrphanStaleness time.Duration

	// MergeCleanupInterval drives the periodic merged-PR worktree sweep.
	// Zero disables the sweep.
	MergeCleanupInterval time.Duration

	LogLevel logging.Level
}

func (c Config) withDefaults() Config {
	if c.PollInterval < minPollInterval {
		c.PollInterval = minPollInterval
	}
	if c.PollInterval > maxPollInterval {
		c.PollInterval = maxPollInterval
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = defaultMaxConcurrent
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.OrphanStaleness <= 0 {
		c.OrphanStaleness = defaultOrphanStaleness
	}
	return c
}

// Engine is the slice of the orchestrator the runner drives.
type Engine interface {
	ExecuteTask(ctx context.Context, taskID string) error
	ResumePausedTask(ctx context.Context, taskID string) error
	CleanupMergedWorktree(ctx context.Context, taskID string) (bool, error)
}

// Gatekeeper answers whether dispatching is allowed right now.
type Gatekeeper interface {
	ShouldPauseTasks(t time.Time) schedule.PauseDecision
}

// Runner owns the daemon goroutines: the poll loop, the per-task
// workers and the merge-cleanup sweep.
type Runner struct {
	cfg    Config
	store  task.Store
	engine Engine
	sched  Gatekeeper
	bus    *events.Bus
	dlog   *logging.DaemonLog
	logger logging.Logger

	pool *semaphore.Weighted

	mu       sync.Mutex
	active   int
	inflight map[string]struct{}

	now         func() time.Time
	health      *health.Monitor
	storeCloser io.Closer
	unsubscribe func()
	cancel      context.CancelFunc

	// workerCtx outlives the poll loop so active tasks can finish during
	// shutdown; workerCancel fires only when the drain deadline expires.
	workerCtx    context.Context
	workerCancel context.CancelFunc

	loopDone chan struct{}
	started  bool
}

// Option tunes a Runner.
type Option func(*Runner)

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithHealthMonitor feeds the poll loop's store probes into the
// process health counters.
func WithHealthMonitor(h *health.Monitor) Option {
	return func(r *Runner) { r.health = h }
}

// WithStoreCloser registers the store handle to close on shutdown.
func WithStoreCloser(c io.Closer) Option {
	return func(r *Runner) { r.storeCloser = c }
}

// WithDaemonLog substitutes the daemon log sink (tests pass an
// in-memory writer).
func WithDaemonLog(d *logging.DaemonLog) Option {
	return func(r *Runner) { r.dlog = d }
}

// New wires a runner. The daemon log opens under
// <projectPath>/.apex/daemon.log unless an option substitutes it.
func New(cfg Config, store task.Store, engine Engine, sched Gatekeeper, bus *events.Bus, logger logging.Logger, opts ...Option) *Runner {
	cfg = cfg.withDefaults()
	r := &Runner{
		cfg:      cfg,
		store:    store,
		engine:   engine,
		sched:    sched,
		bus:      bus,
		logger:   logging.OrNop(logger),
		pool:     semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		inflight: make(map[string]struct{}),
		now:      time.Now,
		loopDone: make(chan struct{}),
	}
	r.workerCtx, r.workerCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(r)
	}
	if r.dlog == nil {
		r.dlog = logging.OpenDaemonLog(cfg.ProjectPath, cfg.LogLevel)
	}
	return r
}

// ActiveTasks reports how many workers are currently executing.
func (r *Runner) ActiveTasks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// HealthReport summarizes process health plus current task counts.
// Returns a zero report when no health monitor is attached.
func (r *Runner) HealthReport(ctx context.Context) health.Report {
	if r.health == nil {
		return health.Report{}
	}
	counts := health.TaskCounts{Active: r.ActiveTasks()}
	if pending, err := r.store.ListTasks(ctx, task.Filter{Statuses: []task.Status{task.StatusPending}}); err == nil {
		counts.Queued = len(pending)
	}
	if done, err := r.store.ListTasks(ctx, task.Filter{Statuses: []task.Status{task.StatusCompleted}}); err == nil {
		counts.Completed = len(done)
	}
	if failed, err := r.store.ListTasks(ctx, task.Filter{Statuses: []task.Status{task.StatusFailed}}); err == nil {
		counts.Failed = len(failed)
	}
	return r.health.GetHealthReport(&counts)
}

// Start recovers orphans, subscribes to capacity-restored and launches
// the poll loop. It returns once the loop is running.
func (r *Runner) Start(ctx context.Context) error {
	if r.started {
		return fmt.Errorf("daemon: already started")
	}
	r.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.dlog.Lifecycle("daemon starting (poll=%s, maxConcurrent=%d)", r.cfg.PollInterval, r.cfg.MaxConcurrentTasks)

	if err := r.recoverOrphans(loopCtx); err != nil {
		r.dlog.Error("orphan recovery failed: %v", err)
		r.logger.Error("daemon: orphan recovery failed: %v", err)
	}

	r.unsubscribe = r.bus.Subscribe(events.CapacityRestored, func(e events.Event) {
		async.Go(r.logger, "capacity-resume", func() { r.resumePausedBatch(loopCtx, e) })
	})

	async.Go(r.logger, "daemon-loop", func() {
		defer close(r.loopDone)
		r.loop(loopCtx)
	})
	return nil
}

// Run is the blocking entrypoint: Start, wait for SIGINT/SIGTERM or
// context cancellation, then Stop with the configured deadline.
func (r *Runner) Run(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := r.Start(signalCtx); err != nil {
		return err
	}
	<-signalCtx.Done()
	r.dlog.Lifecycle("shutdown signal received")
	return r.Stop(context.Background())
}

// Stop halts dispatching, waits for active workers up to the shutdown
// deadline, then flushes the log and closes the store.
func (r *Runner) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	<-r.loopDone

	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.ShutdownTimeout)
	defer cancel()
	// Acquiring the whole pool means every worker has released its slot.
	drained := r.pool.Acquire(waitCtx, int64(r.cfg.MaxConcurrentTasks)) == nil
	if drained {
		r.pool.Release(int64(r.cfg.MaxConcurrentTasks))
		r.dlog.Lifecycle("daemon stopped")
	} else {
		// Deadline expired: cut the stragglers, then give them a moment
		// to persist their shutdown pause before the store closes.
		interrupted := r.ActiveTasks()
		r.workerCancel()
		graceCtx, cancelGrace := context.WithTimeout(context.Background(), shutdownCancelGrace)
		defer cancelGrace()
		if r.pool.Acquire(graceCtx, int64(r.cfg.MaxConcurrentTasks)) == nil {
			r.pool.Release(int64(r.cfg.MaxConcurrentTasks))
		}
		r.dlog.Lifecycle("daemon stopped after interrupting %d task(s)", interrupted)
	}

	var firstErr error
	if err := r.dlog.Close(); err != nil {
		firstErr = err
	}
	if r.storeCloser != nil {
		if err := r.storeCloser.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Runner) loop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	var lastSweep time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		r.tick(ctx)

		if r.cfg.MergeCleanupInterval > 0 && r.now().Sub(lastSweep) >= r.cfg.MergeCleanupInterval {
			lastSweep = r.now()
			r.sweepMergedWorktrees(ctx)
		}
	}
}

// tick dispatches queued tasks into free pool slots, unless the
// scheduler says to hold.
func (r *Runner) tick(ctx context.Context) {
	decision := r.sched.ShouldPauseTasks(r.now())
	if decision.ShouldPause {
		r.dlog.Debug("dispatch paused: %s", decision.Reason)
		return
	}

	// seen stops the loop from re-dispatching a task the queue hands
	// out again before its worker flips the status.
	seen := make(map[string]struct{})
	for {
		r.mu.Lock()
		free := r.cfg.MaxConcurrentTasks - r.active
		r.mu.Unlock()
		if free <= 0 {
			return
		}

		next, err := r.store.GetNextQueuedTask(ctx)
		if r.health != nil {
			r.health.RecordHealthCheck(err == nil)
		}
		if err != nil {
			r.logger.Warn("daemon: queue poll failed: %v", err)
			return
		}
		if next == nil {
			return
		}
		if _, dup := seen[next.ID]; dup {
			return
		}
		seen[next.ID] = struct{}{}
		if !r.dispatch(next.ID) {
			return
		}
	}
}

// dispatch claims a pool slot and runs the task on a fresh worker. The
// worker runs on workerCtx so a shutdown lets it finish up to the drain
// deadline. Returns false when the task is already in flight or no slot
// is free.
func (r *Runner) dispatch(taskID string) bool {
	r.mu.Lock()
	if _, dup := r.inflight[taskID]; dup {
		r.mu.Unlock()
		return false
	}
	if !r.pool.TryAcquire(1) {
		r.mu.Unlock()
		return false
	}
	r.inflight[taskID] = struct{}{}
	r.active++
	r.mu.Unlock()

	r.dlog.Info("dispatching task %s", taskID)
	async.Go(r.logger, "task-"+taskID, func() {
		defer func() {
			r.mu.Lock()
			delete(r.inflight, taskID)
			r.active--
			r.mu.Unlock()
			r.pool.Release(1)
		}()
		if err := r.engine.ExecuteTask(r.workerCtx, taskID); err != nil {
			r.dlog.Error("task %s execution error: %v", taskID, err)
			r.logger.Warn("daemon: task %s: %v", taskID, err)
		}
	})
	return true
}

// recoverOrphans resets in-progress tasks that have gone stale. A task
// whose updatedAt sits exactly on the threshold is not an orphan.
func (r *Runner) recoverOrphans(ctx context.Context) error {
	tasks, err := r.store.ListTasks(ctx, task.Filter{Statuses: []task.Status{task.StatusInProgress}})
	if err != nil {
		return err
	}
	cutoff := r.now().Add(-r.cfg.OrphanStaleness)
	var orphans []*task.Task
	for _, t := range tasks {
		if t.UpdatedAt.Before(cutoff) {
			orphans = append(orphans, t)
		}
	}
	if len(orphans) == 0 {
		return nil
	}

	ids := make([]string, len(orphans))
	for i, t := range orphans {
		ids[i] = t.ID
	}
	detectedAt := r.now()
	r.bus.Publish(events.Event{
		Name: events.OrphanDetected,
		Payload: map[string]any{
			"tasks":              ids,
			"reason":             "startup_check",
			"stalenessThreshold": r.cfg.OrphanStaleness.String(),
			"detectedAt":         detectedAt,
		},
	})
	r.dlog.Lifecycle("orphan recovery: %d stale in-progress task(s)", len(orphans))

	pending := task.StatusPending
	for _, t := range orphans {
		if err := r.store.UpdateTask(ctx, t.ID, task.Patch{Status: &pending}); err != nil {
			r.logger.Warn("daemon: orphan reset of %s failed: %v", t.ID, err)
			continue
		}
		r.bus.Publish(events.Event{
			Name:   events.OrphanRecovered,
			TaskID: t.ID,
			Payload: map[string]any{
				"previousStatus": string(task.StatusInProgress),
				"newStatus":      string(task.StatusPending),
				"action":         "reset_pending",
				"message":        fmt.Sprintf("task %s reset to pending after daemon restart", t.ID),
				"timestamp":      r.now(),
			},
		})
		r.dlog.Info("recovered orphan task %s", t.ID)
	}
	return nil
}

// resumePausedBatch resumes every auto-resumable paused task, one at a
// time, then reports the batch outcome. Failures are collected, never
// fatal.
func (r *Runner) resumePausedBatch(ctx context.Context, trigger events.Event) {
	paused, err := r.store.GetPausedTasksForResume(ctx)
	if err != nil {
		r.logger.Warn("daemon: paused-task enumeration failed: %v", err)
		return
	}
	if len(paused) == 0 {
		return
	}

	resumed := 0
	var failures []map[string]any
	for _, t := range paused {
		// The engine resumes any paused task on request; the automatic
		// sweep only touches auto-resumable reasons.
		if !t.PauseReason.IsResumable() {
			continue
		}
		if err := r.resumeOne(ctx, t.ID); err != nil {
			failures = append(failures, map[string]any{"taskId": t.ID, "error": err.Error()})
			r.dlog.Warn("auto-resume of %s failed: %v", t.ID, err)
			continue
		}
		resumed++
	}

	reason, _ := trigger.Payload["reason"].(string)
	r.bus.Publish(events.Event{
		Name: events.TasksAutoResumed,
		Payload: map[string]any{
			"resumedCount": resumed,
			"errors":       failures,
			"reason":       reason,
			"timestamp":    r.now(),
		},
	})
	r.dlog.Lifecycle("auto-resumed %d task(s) after %s", resumed, reason)
}

// resumeOne shields the batch from a panicking resume.
func (r *Runner) resumeOne(ctx context.Context, taskID string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("resume panicked: %v", rec)
		}
	}()
	if err := r.pool.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.pool.Release(1)

	r.mu.Lock()
	r.inflight[taskID] = struct{}{}
	r.active++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, taskID)
		r.active--
		r.mu.Unlock()
	}()

	return r.engine.ResumePausedTask(r.workerCtx, taskID)
}

// sweepMergedWorktrees removes worktrees of completed tasks whose PR
// has merged.
func (r *Runner) sweepMergedWorktrees(ctx context.Context) {
	done, err := r.store.ListTasks(ctx, task.Filter{Statuses: []task.Status{task.StatusCompleted}})
	if err != nil {
		r.logger.Warn("daemon: merge sweep listing failed: %v", err)
		return
	}
	for _, t := range done {
		if t.PRURL == "" {
			continue
		}
		removed, err := r.engine.CleanupMergedWorktree(ctx, t.ID)
		if err != nil {
			r.logger.Warn("daemon: merge sweep of %s: %v", t.ID, err)
			continue
		}
		if removed {
			r.dlog.Info("cleaned merged worktree for task %s", t.ID)
		}
	}
}
