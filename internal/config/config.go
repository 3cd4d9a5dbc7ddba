// Package config loads the daemon's effective configuration. Precedence
// for overlapping settings: explicit options > environment > config
// file > defaults. Components never read viper themselves; they receive
// the projected config structs.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"apex/internal/daemon"
	"apex/internal/logging"
	"apex/internal/orchestrator"
	"apex/internal/schedule"
	"apex/internal/task"
	"apex/internal/usage"
	"apex/internal/workspace"
)

const envPrefix = "APEX"

// ModeLimits mirror schedule.ModeLimits for decoding.
type ModeLimits struct {
	MaxConcurrentTasks int     `mapstructure:"max_concurrent_tasks"`
	MaxTokensPerTask   int     `mapstructure:"max_tokens_per_task"`
	MaxCostPerTask     float64 `mapstructure:"max_cost_per_task"`
}

// Config is the effective configuration tree.
type Config struct {
	ProjectPath string `mapstructure:"project_path"`
	LogLevel    string `mapstructure:"log_level"`

	Daemon struct {
		PollInterval         time.Duration `mapstructure:"poll_interval"`
		MaxConcurrentTasks   int           `mapstructure:"max_concurrent_tasks"`
		ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
		OrphanStaleness      time.Duration `mapstructure:"orphan_staleness"`
		MergeCleanupInterval time.Duration `mapstructure:"merge_cleanup_interval"`
	} `mapstructure:"daemon"`

	Usage struct {
		MaxTokensPerTask int     `mapstructure:"max_tokens_per_task"`
		MaxCostPerTask   float64 `mapstructure:"max_cost_per_task"`
		DailyBudget      float64 `mapstructure:"daily_budget"`
	} `mapstructure:"usage"`

	// Schedule gates dispatch by day/night windows. Disabled (the
	// default) means no time gating: the daemon dispatches around the
	// clock and only capacity thresholds can pause it.
	Schedule struct {
		Enabled        bool       `mapstructure:"enabled"`
		DayHours       []int      `mapstructure:"day_hours"`
		NightHours     []int      `mapstructure:"night_hours"`
		DayThreshold   float64    `mapstructure:"day_threshold"`
		NightThreshold float64    `mapstructure:"night_threshold"`
		DayLimits      ModeLimits `mapstructure:"day_limits"`
		NightLimits    ModeLimits `mapstructure:"night_limits"`
	} `mapstructure:"schedule"`

	Orchestrator struct {
		WorktreeManagement bool          `mapstructure:"worktree_management"`
		GatePollInterval   time.Duration `mapstructure:"gate_poll_interval"`
		DefaultMaxRetries  int           `mapstructure:"default_max_retries"`
	} `mapstructure:"orchestrator"`

	Workspace struct {
		DefaultStrategy    string `mapstructure:"default_strategy"`
		CleanupOnComplete  bool   `mapstructure:"cleanup_on_complete"`
		PreserveOnFailure  bool   `mapstructure:"preserve_on_failure"`
		Worktree           struct {
			BaseDir             string        `mapstructure:"base_dir"`
			MaxActive           int           `mapstructure:"max_active"`
			PruneStaleAfterDays int           `mapstructure:"prune_stale_after_days"`
			CommandTimeout      time.Duration `mapstructure:"command_timeout"`
		} `mapstructure:"worktree"`
		Container struct {
			Image       string            `mapstructure:"image"`
			NetworkMode string            `mapstructure:"network_mode"`
			CPU         float64           `mapstructure:"cpu"`
			Memory      string            `mapstructure:"memory"`
			PidsLimit   uint32            `mapstructure:"pids_limit"`
			Labels      map[string]string `mapstructure:"labels"`
		} `mapstructure:"container"`
	} `mapstructure:"workspace"`

	Agent struct {
		Command string        `mapstructure:"command"`
		Args    []string      `mapstructure:"args"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"agent"`
}

// Option overrides loaded values; options win over every other source.
type Option func(*Config)

// WithProjectPath pins the project root.
func WithProjectPath(path string) Option {
	return func(c *Config) { c.ProjectPath = path }
}

// WithPollInterval overrides the daemon poll interval. Zero keeps the
// loaded value.
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Daemon.PollInterval = d
		}
	}
}

// WithMaxConcurrentTasks overrides the pool size. Zero keeps the
// loaded value.
func WithMaxConcurrentTasks(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.Daemon.MaxConcurrentTasks = n
		}
	}
}

// WithLogLevel overrides the daemon log level.
func WithLogLevel(level string) Option {
	return func(c *Config) {
		if level != "" {
			c.LogLevel = level
		}
	}
}

// WithOverride applies an arbitrary final mutation.
func WithOverride(fn func(*Config)) Option {
	return func(c *Config) { fn(c) }
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("project_path", ".")
	v.SetDefault("log_level", "info")

	v.SetDefault("daemon.poll_interval", 5*time.Second)
	v.SetDefault("daemon.max_concurrent_tasks", 2)
	v.SetDefault("daemon.shutdown_timeout", 30*time.Second)
	v.SetDefault("daemon.orphan_staleness", 10*time.Minute)
	v.SetDefault("daemon.merge_cleanup_interval", time.Duration(0))

	v.SetDefault("usage.daily_budget", 100.0)

	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.day_threshold", 0.90)
	v.SetDefault("schedule.night_threshold", 0.96)

	v.SetDefault("orchestrator.worktree_management", true)
	v.SetDefault("orchestrator.gate_poll_interval", 2*time.Second)
	v.SetDefault("orchestrator.default_max_retries", 3)

	v.SetDefault("workspace.default_strategy", string(task.WorkspaceWorktree))
	v.SetDefault("workspace.cleanup_on_complete", true)
	v.SetDefault("workspace.worktree.max_active", 10)
	v.SetDefault("workspace.worktree.prune_stale_after_days", 7)

	v.SetDefault("agent.timeout", 10*time.Minute)
}

// Load reads the config file (when path is non-empty), applies APEX_*
// environment variables on top, then the explicit options.
func Load(path string, opts ...Option) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if path != "" {
		dir := filepath.Dir(path)
		base := filepath.Base(path)
		ext := filepath.Ext(base)
		v.SetConfigName(strings.TrimSuffix(base, ext))
		v.SetConfigType(strings.TrimPrefix(ext, "."))
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg, nil
}

// Level parses the configured log level.
func (c *Config) Level() logging.Level {
	return logging.ParseLevel(c.LogLevel)
}

// DaemonConfig projects the runner configuration.
func (c *Config) DaemonConfig() daemon.Config {
	return daemon.Config{
		ProjectPath:          c.ProjectPath,
		PollInterval:         c.Daemon.PollInterval,
		MaxConcurrentTasks:   c.Daemon.MaxConcurrentTasks,
		ShutdownTimeout:      c.Daemon.ShutdownTimeout,
		OrphanStaleness:      c.Daemon.OrphanStaleness,
		MergeCleanupInterval: c.Daemon.MergeCleanupInterval,
		LogLevel:             c.Level(),
	}
}

// UsageLimits projects the usage manager ceilings.
func (c *Config) UsageLimits() usage.Limits {
	return usage.Limits{
		MaxTokensPerTask: c.Usage.MaxTokensPerTask,
		MaxCostPerTask:   c.Usage.MaxCostPerTask,
		DailyBudget:      c.Usage.DailyBudget,
	}
}

// ScheduleConfig projects the day/night window configuration.
func (c *Config) ScheduleConfig() schedule.Config {
	return schedule.Config{
		Enabled:        c.Schedule.Enabled,
		DayHours:       c.Schedule.DayHours,
		NightHours:     c.Schedule.NightHours,
		DayThreshold:   c.Schedule.DayThreshold,
		NightThreshold: c.Schedule.NightThreshold,
		DayLimits:      modeLimits(c.Schedule.DayLimits),
		NightLimits:    modeLimits(c.Schedule.NightLimits),
	}
}

func modeLimits(m ModeLimits) schedule.ModeLimits {
	return schedule.ModeLimits{
		MaxConcurrentTasks: m.MaxConcurrentTasks,
		MaxTokensPerTask:   m.MaxTokensPerTask,
		MaxCostPerTask:     m.MaxCostPerTask,
	}
}

// OrchestratorConfig projects the lifecycle engine configuration.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		WorktreeManagement: c.Orchestrator.WorktreeManagement,
		GatePollInterval:   c.Orchestrator.GatePollInterval,
		DefaultMaxRetries:  c.Orchestrator.DefaultMaxRetries,
	}
}

// WorktreeConfig projects the worktree provider configuration.
func (c *Config) WorktreeConfig() workspace.WorktreeConfig {
	return workspace.WorktreeConfig{
		ProjectPath:         c.ProjectPath,
		BaseDir:             c.Workspace.Worktree.BaseDir,
		MaxActive:           c.Workspace.Worktree.MaxActive,
		PruneStaleAfterDays: c.Workspace.Worktree.PruneStaleAfterDays,
		CommandTimeout:      c.Workspace.Worktree.CommandTimeout,
	}
}

// WorkspaceManagerConfig projects the workspace policy.
func (c *Config) WorkspaceManagerConfig() workspace.ManagerConfig {
	return workspace.ManagerConfig{
		CleanupOnComplete:         c.Workspace.CleanupOnComplete,
		WorktreePreserveOnFailure: c.Workspace.PreserveOnFailure,
		DefaultStrategy:           task.WorkspaceStrategy(c.Workspace.DefaultStrategy),
	}
}

// DBPath is the store location for the configured project.
func (c *Config) DBPath() string {
	return filepath.Join(c.ProjectPath, ".apex", "apex.db")
}
