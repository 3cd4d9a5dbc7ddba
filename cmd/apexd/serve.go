package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"apex/internal/agent"
	"apex/internal/async"
	"apex/internal/capacity"
	"apex/internal/config"
	"apex/internal/daemon"
	"apex/internal/events"
	"apex/internal/health"
	"apex/internal/logging"
	"apex/internal/orchestrator"
	"apex/internal/schedule"
	"apex/internal/store"
	"apex/internal/task"
	"apex/internal/usage"
	"apex/internal/workflow"
	"apex/internal/workspace"
)

var (
	banner  = color.New(color.FgCyan, color.Bold).SprintFunc()
	dimmed  = color.New(color.FgHiBlack).SprintFunc()
	failure = color.New(color.FgRed).SprintFunc()
)

func newServeCmd() *cobra.Command {
	var (
		configPath    string
		projectPath   string
		pollInterval  time.Duration
		maxConcurrent int
		logLevel      string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath,
				config.WithProjectPath(projectPath),
				config.WithPollInterval(pollInterval),
				config.WithMaxConcurrentTasks(maxConcurrent),
				config.WithLogLevel(logLevel),
			)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the config file")
	cmd.Flags().StringVarP(&projectPath, "project", "p", "", "project root (overrides config)")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 0, "queue poll interval (overrides config)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "max concurrent tasks (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "daemon log level (debug|info|warn|error)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	level := cfg.Level()
	logger := logging.NewComponentLoggerAt("apexd", level)

	fmt.Println(banner("apexd"), dimmed(fmt.Sprintf("project=%s poll=%s concurrency=%d",
		cfg.ProjectPath, cfg.Daemon.PollInterval, cfg.Daemon.MaxConcurrentTasks)))

	st, err := store.OpenFile(ctx, cfg.DBPath(), logging.NewComponentLoggerAt("store", level))
	if err != nil {
		fmt.Println(failure("store open failed"))
		return err
	}

	bus := events.NewBus(logging.NewComponentLoggerAt("events", level))

	// The limit handler needs the orchestrator, which in turn holds the
	// usage manager; the closure resolves the cycle.
	var (
		orch    *orchestrator.Orchestrator
		monitor *capacity.Monitor
	)
	usageMgr := usage.NewManager(cfg.UsageLimits(), logging.NewComponentLoggerAt("usage", level),
		usage.WithRolloverHandler(func(date string) {
			if monitor != nil {
				monitor.NotifyBudgetReset(date)
			}
		}),
		usage.WithLimitHandler(func(sig usage.LimitSignal) {
			if sig.TaskID == "" || orch == nil {
				return
			}
			reason := task.PauseUsageLimit
			if sig.Kind == usage.LimitDailyBudget {
				reason = task.PauseBudget
			}
			if err := orch.PauseTask(context.Background(), sig.TaskID, reason, nil); err != nil {
				logger.Warn("limit pause of %s failed: %v", sig.TaskID, err)
			}
		}),
	)
	provider := usage.NewProvider(usageMgr)
	sched := schedule.NewScheduler(cfg.ScheduleConfig(), provider)
	monitor = capacity.NewMonitor(provider, bus, sched.Threshold(sched.CurrentTimeWindow(time.Now()).Mode),
		logging.NewComponentLoggerAt("capacity", level))

	registry := workflow.NewRegistry()
	runner := agent.NewSubprocessRunner(agent.SubprocessConfig{
		Command: cfg.Agent.Command,
		Args:    cfg.Agent.Args,
		Timeout: cfg.Agent.Timeout,
	}, logging.NewComponentLoggerAt("agent", level))

	providers := map[task.WorkspaceStrategy]workspace.Provider{
		task.WorkspaceWorktree: workspace.NewWorktreeProvider(cfg.WorktreeConfig(),
			logging.NewComponentLoggerAt("worktree", level)),
	}
	if cfg.Workspace.Container.Image != "" {
		containerProvider, err := workspace.NewContainerProvider(workspace.ContainerConfig{
			Image:       cfg.Workspace.Container.Image,
			NetworkMode: workspace.NetworkMode(cfg.Workspace.Container.NetworkMode),
			Labels:      cfg.Workspace.Container.Labels,
			Limits: workspace.ResourceLimits{
				CPU:       cfg.Workspace.Container.CPU,
				Memory:    cfg.Workspace.Container.Memory,
				PidsLimit: cfg.Workspace.Container.PidsLimit,
			},
		}, workspace.CompatibilityRange{}, logging.NewComponentLoggerAt("container", level))
		if err != nil {
			return fmt.Errorf("container provider: %w", err)
		}
		providers[task.WorkspaceContainer] = containerProvider
	}
	workspaces := workspace.NewManager(cfg.WorkspaceManagerConfig(), providers,
		logging.NewComponentLoggerAt("workspace", level))

	orch = orchestrator.New(cfg.OrchestratorConfig(), st, bus, registry, runner, workspaces,
		logging.NewComponentLoggerAt("orchestrator", level),
		orchestrator.WithUsageManager(usageMgr),
	)

	runnerCfg := cfg.DaemonConfig()
	d := daemon.New(runnerCfg, st, orch, sched, bus, logger,
		daemon.WithStoreCloser(st),
		daemon.WithHealthMonitor(health.NewMonitor(20)),
	)

	if err := usageMgr.Start(); err != nil {
		return fmt.Errorf("usage manager: %w", err)
	}

	// Observe budget pressure alongside the dispatch cadence so
	// capacity restoration fires without waiting for a usage write.
	observeCtx, stopObserve := context.WithCancel(ctx)
	defer stopObserve()
	async.Go(logger, "capacity-observe", func() {
		ticker := time.NewTicker(runnerCfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-observeCtx.Done():
				return
			case <-ticker.C:
				window := sched.CurrentTimeWindow(time.Now())
				monitor.NotifyModeSwitch(string(window.Mode), sched.Threshold(window.Mode))
				monitor.Observe()
			}
		}
	})

	return d.Run(ctx)
}
