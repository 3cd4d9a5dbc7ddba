package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apexerrors "apex/internal/errors"
	"apex/internal/execx"
	"apex/internal/logging"
)

// SubprocessConfig describes how to launch the agent binary.
type SubprocessConfig struct {
	Command string
	Args    []string
	Timeout time.Duration
	Env     []string
}

// SubprocessRunner invokes the agent as a child process. The request is
// written to stdin as one JSON document and the result is read back from
// stdout the same way.
type SubprocessRunner struct {
	cfg    SubprocessConfig
	logger logging.Logger
}

// NewSubprocessRunner builds a runner for the configured agent binary.
func NewSubprocessRunner(cfg SubprocessConfig, logger logging.Logger) *SubprocessRunner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &SubprocessRunner{cfg: cfg, logger: logging.OrNop(logger)}
}

// Available reports whether the agent binary is on PATH.
func (r *SubprocessRunner) Available() bool {
	return execx.Available(r.cfg.Command)
}

// Run executes one stage. Exit codes and malformed output are permanent
// failures; timeouts surface as transient so the stage can be retried.
func (r *SubprocessRunner) Run(ctx context.Context, req Request) (*Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, apexerrors.Permanent(fmt.Errorf("agent: encode request: %w", err))
	}

	r.logger.Debug("agent: invoking %s for task %s stage %s", r.cfg.Command, req.TaskID, req.Stage)
	res, err := execx.Run(ctx, r.cfg.Command, r.cfg.Args, execx.Options{
		Stdin:   string(payload),
		Timeout: r.cfg.Timeout,
		Env:     r.cfg.Env,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, apexerrors.Permanent(fmt.Errorf("agent: subprocess failed: %w", &exitError{code: res.ExitCode, stderr: res.Stderr}))
	}

	var result Result
	if err := json.Unmarshal([]byte(res.Stdout), &result); err != nil {
		return nil, apexerrors.Permanent(fmt.Errorf("agent: decode result: %w", err))
	}
	result.Usage.Normalize()
	return &result, nil
}

type exitError struct {
	code   int
	stderr string
}

func (e *exitError) Error() string {
	if e.stderr == "" {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return fmt.Sprintf("exit code %d: %s", e.code, e.stderr)
}
