package workspace

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	apexerrors "apex/internal/errors"
	"apex/internal/execx"
	"apex/internal/logging"
	"apex/internal/task"
)

// Runtime identifies the detected container engine.
type Runtime string

const (
	RuntimeDocker Runtime = "docker"
	RuntimePodman Runtime = "podman"
	RuntimeNone   Runtime = "none"
)

// NetworkMode restricts the container network configuration to the
// modes the daemon supports.
type NetworkMode string

const (
	NetworkBridge    NetworkMode = "bridge"
	NetworkHost      NetworkMode = "host"
	NetworkNone      NetworkMode = "none"
	NetworkContainer NetworkMode = "container"
)

// ResourceLimits caps a task container.
type ResourceLimits struct {
	CPU               float64
	Memory            string
	MemoryReservation string
	MemorySwap        string
	CPUShares         uint32
	PidsLimit         uint32
}

// InstallConfig drives optional dependency installation after start.
type InstallConfig struct {
	Command []string
	Timeout time.Duration
	Retries int
}

// ContainerConfig is the closed option set for task containers.
type ContainerConfig struct {
	Image        string
	Command      []string
	Entrypoint   []string
	WorkingDir   string
	User         string
	Env          map[string]string
	Volumes      map[string]string // host path -> container path
	Limits       ResourceLimits
	NetworkMode  NetworkMode
	Privileged   bool
	AutoRemove   bool
	CapAdd       []string
	CapDrop      []string
	SecurityOpts []string
	Labels       map[string]string
	Install      *InstallConfig
}

// Validate enforces the bounds the engines accept.
func (c *ContainerConfig) Validate() error {
	if c.Image == "" {
		return fmt.Errorf("container config: image is required")
	}
	if c.Limits.CPU != 0 && (c.Limits.CPU < 0.1 || c.Limits.CPU > 64) {
		return fmt.Errorf("container config: cpu must be in [0.1, 64], got %g", c.Limits.CPU)
	}
	if c.Limits.CPUShares != 0 && (c.Limits.CPUShares < 2 || c.Limits.CPUShares > 262144) {
		return fmt.Errorf("container config: cpuShares must be in [2, 262144], got %d", c.Limits.CPUShares)
	}
	if c.Limits.PidsLimit != 0 && c.Limits.PidsLimit < 1 {
		return fmt.Errorf("container config: pidsLimit must be >= 1")
	}
	if c.Install != nil {
		if c.Install.Timeout <= 0 {
			return fmt.Errorf("container config: install timeout must be > 0")
		}
		if c.Install.Retries < 0 {
			return fmt.Errorf("container config: install retries must be >= 0")
		}
	}
	switch c.NetworkMode {
	case "", NetworkBridge, NetworkHost, NetworkNone, NetworkContainer:
	default:
		return fmt.Errorf("container config: unknown network mode %q", c.NetworkMode)
	}
	return nil
}

// ContainerStats is one sample from the engine's stats command.
type ContainerStats struct {
	CPUPercent    float64
	MemoryUsage   string
	MemoryLimit   string
	MemoryPercent float64
}

// CompatibilityRange bounds the engine versions the provider accepts.
type CompatibilityRange struct {
	MinVersion string
	MaxVersion string
}

const containerLabel = "apex.task"

// ContainerProvider manages one container per task through the docker or
// podman CLI. Runtime detection is cached until ClearCache.
type ContainerProvider struct {
	cfg    ContainerConfig
	compat CompatibilityRange
	logger logging.Logger

	mu       sync.Mutex
	detected *Runtime
	lastUsed map[string]time.Time

	// runCLI is swappable for tests.
	runCLI func(ctx context.Context, name string, args []string, opts execx.Options) (execx.Result, error)
}

// NewContainerProvider validates the config up front.
func NewContainerProvider(cfg ContainerConfig, compat CompatibilityRange, logger logging.Logger) (*ContainerProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ContainerProvider{
		cfg:      cfg,
		compat:   compat,
		logger:   logging.OrNop(logger),
		lastUsed: make(map[string]time.Time),
		runCLI:   execx.Run,
	}, nil
}

// Detect probes for docker then podman and caches the answer. Docker
// wins when both are present.
func (p *ContainerProvider) Detect(ctx context.Context) Runtime {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detected != nil {
		return *p.detected
	}

	runtime := RuntimeNone
	for _, candidate := range []Runtime{RuntimeDocker, RuntimePodman} {
		res, err := p.runCLI(ctx, string(candidate), []string{"--version"}, execx.Options{})
		if err == nil && res.ExitCode == 0 {
			runtime = candidate
			break
		}
	}
	p.detected = &runtime
	p.logger.Debug("workspace: container runtime detected: %s", runtime)
	return runtime
}

// ClearCache forgets the detection result. Safe to call concurrently
// with Detect and idempotent.
func (p *ContainerProvider) ClearCache() {
	p.mu.Lock()
	p.detected = nil
	p.mu.Unlock()
}

func (p *ContainerProvider) containerName(taskID string) string {
	return "apex-task-" + taskID
}

// buildCreateArgs renders the engine command line for one task
// container. Map-backed flags are emitted in sorted key order so the
// command is deterministic.
func (p *ContainerProvider) buildCreateArgs(taskID string) []string {
	cfg := p.cfg
	args := []string{"create", "--name", p.containerName(taskID), "--label", containerLabel + "=" + taskID}

	for _, key := range sortedKeys(cfg.Labels) {
		args = append(args, "--label", key+"="+cfg.Labels[key])
	}
	for _, key := range sortedKeys(cfg.Env) {
		args = append(args, "--env", key+"="+cfg.Env[key])
	}
	for _, host := range sortedKeys(cfg.Volumes) {
		args = append(args, "--volume", host+":"+cfg.Volumes[host])
	}
	if cfg.WorkingDir != "" {
		args = append(args, "--workdir", cfg.WorkingDir)
	}
	if cfg.User != "" {
		args = append(args, "--user", cfg.User)
	}
	if cfg.NetworkMode != "" {
		args = append(args, "--network", string(cfg.NetworkMode))
	}
	if cfg.Limits.CPU != 0 {
		args = append(args, "--cpus", strconv.FormatFloat(cfg.Limits.CPU, 'f', -1, 64))
	}
	if cfg.Limits.CPUShares != 0 {
		args = append(args, "--cpu-shares", strconv.FormatUint(uint64(cfg.Limits.CPUShares), 10))
	}
	if cfg.Limits.Memory != "" {
		args = append(args, "--memory", cfg.Limits.Memory)
	}
	if cfg.Limits.MemoryReservation != "" {
		args = append(args, "--memory-reservation", cfg.Limits.MemoryReservation)
	}
	if cfg.Limits.MemorySwap != "" {
		args = append(args, "--memory-swap", cfg.Limits.MemorySwap)
	}
	if cfg.Limits.PidsLimit != 0 {
		args = append(args, "--pids-limit", strconv.FormatUint(uint64(cfg.Limits.PidsLimit), 10))
	}
	if cfg.Privileged {
		args = append(args, "--privileged")
	}
	if cfg.AutoRemove {
		args = append(args, "--rm")
	}
	for _, capability := range cfg.CapAdd {
		args = append(args, "--cap-add", capability)
	}
	for _, capability := range cfg.CapDrop {
		args = append(args, "--cap-drop", capability)
	}
	for _, opt := range cfg.SecurityOpts {
		args = append(args, "--security-opt", opt)
	}
	if len(cfg.Entrypoint) > 0 {
		args = append(args, "--entrypoint", strings.Join(cfg.Entrypoint, " "))
	}
	args = append(args, cfg.Image)
	args = append(args, cfg.Command...)
	return args
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *ContainerProvider) engine(ctx context.Context) (string, error) {
	runtime := p.Detect(ctx)
	if runtime == RuntimeNone {
		return "", apexerrors.Permanent(fmt.Errorf("no container runtime available"))
	}
	return string(runtime), nil
}

// Create builds and starts the task container, rolling back any partial
// creation on failure.
func (p *ContainerProvider) Create(ctx context.Context, taskID, _ string) (string, error) {
	engine, err := p.engine(ctx)
	if err != nil {
		return "", err
	}

	name := p.containerName(taskID)
	if existing, err := p.Get(ctx, taskID); err == nil && existing != nil {
		return "", apexerrors.Conflict("container", taskID)
	}

	if res, err := p.runCLI(ctx, engine, p.buildCreateArgs(taskID), execx.Options{}); err != nil || res.ExitCode != 0 {
		p.rollback(ctx, engine, name)
		if err == nil {
			err = fmt.Errorf("%s create exited %d: %s", engine, res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		return "", fmt.Errorf("container create %s: %w", taskID, err)
	}
	if res, err := p.runCLI(ctx, engine, []string{"start", name}, execx.Options{}); err != nil || res.ExitCode != 0 {
		p.rollback(ctx, engine, name)
		if err == nil {
			err = fmt.Errorf("%s start exited %d: %s", engine, res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		return "", fmt.Errorf("container start %s: %w", taskID, err)
	}

	p.mu.Lock()
	p.lastUsed[taskID] = time.Now()
	p.mu.Unlock()
	p.logger.Info("workspace: started container %s", name)
	return name, nil
}

// rollback force-removes a partially created container. Errors are
// logged only; the original failure is what the caller sees.
func (p *ContainerProvider) rollback(ctx context.Context, engine, name string) {
	if _, err := p.runCLI(ctx, engine, []string{"rm", "--force", name}, execx.Options{}); err != nil {
		p.logger.Warn("workspace: rollback of %s failed: %v", name, err)
	}
}

// Get inspects the task container. A missing container yields nil, nil.
func (p *ContainerProvider) Get(ctx context.Context, taskID string) (*Info, error) {
	engine, err := p.engine(ctx)
	if err != nil {
		return nil, err
	}
	name := p.containerName(taskID)
	res, err := p.runCLI(ctx, engine, []string{"inspect", "--format", "{{.State.Status}}|{{.Created}}", name}, execx.Options{})
	if err != nil || res.ExitCode != 0 {
		return nil, nil
	}

	parts := strings.SplitN(strings.TrimSpace(res.Stdout), "|", 2)
	info := &Info{
		TaskID:   taskID,
		Path:     name,
		Strategy: task.WorkspaceContainer,
		Status:   StatusActive,
	}
	if len(parts) == 2 {
		if created, parseErr := time.Parse(time.RFC3339Nano, parts[1]); parseErr == nil {
			info.CreatedAt = created
		}
		if state := parts[0]; state != "running" && state != "created" {
			info.Status = StatusPrunable
		}
	}
	p.mu.Lock()
	if used, ok := p.lastUsed[taskID]; ok {
		info.LastUsedAt = used
	}
	p.mu.Unlock()
	return info, nil
}

// SwitchTo refreshes the last-used stamp and returns the container name.
func (p *ContainerProvider) SwitchTo(ctx context.Context, taskID string) (string, error) {
	info, err := p.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", fmt.Errorf("container switch: no container for task %s", taskID)
	}
	p.mu.Lock()
	p.lastUsed[taskID] = time.Now()
	p.mu.Unlock()
	return info.Path, nil
}

// Delete stops and removes the task container. Returns false when none
// existed.
func (p *ContainerProvider) Delete(ctx context.Context, taskID string) (bool, error) {
	engine, err := p.engine(ctx)
	if err != nil {
		return false, err
	}
	info, err := p.Get(ctx, taskID)
	if err != nil || info == nil {
		return false, err
	}

	name := p.containerName(taskID)
	if _, err := p.runCLI(ctx, engine, []string{"stop", "--time", "10", name}, execx.Options{}); err != nil {
		p.logger.Warn("workspace: container stop failed for %s: %v", name, err)
	}
	if res, err := p.runCLI(ctx, engine, []string{"rm", "--force", name}, execx.Options{}); err != nil || res.ExitCode != 0 {
		if err == nil {
			err = fmt.Errorf("rm exited %d", res.ExitCode)
		}
		return false, fmt.Errorf("container delete %s: %w", taskID, err)
	}
	p.mu.Lock()
	delete(p.lastUsed, taskID)
	p.mu.Unlock()
	return true, nil
}

// List enumerates apex-labelled containers.
func (p *ContainerProvider) List(ctx context.Context) ([]Info, error) {
	engine, err := p.engine(ctx)
	if err != nil {
		return nil, err
	}
	res, err := p.runCLI(ctx, engine, []string{
		"ps", "--all",
		"--filter", "label=" + containerLabel,
		"--format", "{{.Label \"" + containerLabel + "\"}}|{{.Names}}|{{.State}}",
	}, execx.Options{})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	var infos []Info
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		status := StatusActive
		if state := parts[2]; state != "running" && state != "created" {
			status = StatusPrunable
		}
		infos = append(infos, Info{
			TaskID:   parts[0],
			Path:     parts[1],
			Strategy: task.WorkspaceContainer,
			Status:   status,
		})
	}
	return infos, nil
}

// CleanupOrphaned removes every non-running apex container.
func (p *ContainerProvider) CleanupOrphaned(ctx context.Context) ([]string, error) {
	infos, err := p.List(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, info := range infos {
		if info.Status == StatusActive {
			continue
		}
		if ok, err := p.Delete(ctx, info.TaskID); err != nil {
			p.logger.Warn("workspace: orphan cleanup of container %s failed: %v", info.Path, err)
		} else if ok {
			removed = append(removed, info.TaskID)
		}
	}
	return removed, nil
}

// GetStats parses one line of `stats --no-stream` output. Malformed
// input returns nil without error.
func (p *ContainerProvider) GetStats(ctx context.Context, taskID string) (*ContainerStats, error) {
	engine, err := p.engine(ctx)
	if err != nil {
		return nil, err
	}
	res, err := p.runCLI(ctx, engine, []string{
		"stats", "--no-stream",
		"--format", "{{.CPUPerc}}|{{.MemUsage}}|{{.MemPerc}}",
		p.containerName(taskID),
	}, execx.Options{})
	if err != nil || res.ExitCode != 0 {
		return nil, err
	}
	return parseStatsLine(res.Stdout), nil
}

// parseStatsLine decodes "12.34%|100MiB / 2GiB|4.88%". Any deviation
// from that shape yields nil.
func parseStatsLine(line string) *ContainerStats {
	line = strings.TrimSpace(line)
	parts := strings.Split(line, "|")
	if len(parts) != 3 {
		return nil
	}
	cpu, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(parts[0]), "%"), 64)
	if err != nil {
		return nil
	}
	memParts := strings.SplitN(parts[1], "/", 2)
	if len(memParts) != 2 {
		return nil
	}
	memPct, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(parts[2]), "%"), 64)
	if err != nil {
		return nil
	}
	return &ContainerStats{
		CPUPercent:    cpu,
		MemoryUsage:   strings.TrimSpace(memParts[0]),
		MemoryLimit:   strings.TrimSpace(memParts[1]),
		MemoryPercent: memPct,
	}
}

// ValidateCompatibility checks the detected engine's version against
// the configured range. An empty range accepts everything.
func (p *ContainerProvider) ValidateCompatibility(ctx context.Context) error {
	engine, err := p.engine(ctx)
	if err != nil {
		return err
	}
	res, err := p.runCLI(ctx, engine, []string{"--version"}, execx.Options{})
	if err != nil {
		return err
	}
	version := extractVersion(res.Stdout)
	if version == "" {
		return fmt.Errorf("container compatibility: could not parse version from %q", strings.TrimSpace(res.Stdout))
	}
	if p.compat.MinVersion != "" && CompareVersions(version, p.compat.MinVersion) < 0 {
		return fmt.Errorf("container compatibility: %s %s is older than minimum %s", engine, version, p.compat.MinVersion)
	}
	if p.compat.MaxVersion != "" && CompareVersions(version, p.compat.MaxVersion) > 0 {
		return fmt.Errorf("container compatibility: %s %s is newer than maximum %s", engine, version, p.compat.MaxVersion)
	}
	return nil
}

// extractVersion pulls the first dotted-number token out of a
// "--version" banner.
func extractVersion(banner string) string {
	for _, field := range strings.Fields(banner) {
		field = strings.TrimSuffix(field, ",")
		if len(field) > 0 && field[0] >= '0' && field[0] <= '9' && strings.Contains(field, ".") {
			return field
		}
	}
	return ""
}

// CompareVersions compares dotted version strings component-wise as
// integers, ignoring non-numeric suffixes ("24.0.7-ce" reads as 24.0.7).
// Missing components count as zero.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av = leadingInt(as[i])
		}
		if i < len(bs) {
			bv = leadingInt(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func leadingInt(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, _ := strconv.Atoi(s[:end])
	return n
}
