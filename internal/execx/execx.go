// Package execx wraps os/exec with a mandatory timeout and captured output.
// Every external CLI the daemon shells out to (git, gh, docker, podman, the
// agent binary) goes through Run so no subprocess can hang the caller.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	apexerrors "apex/internal/errors"
)

// DefaultTimeout bounds CLI invocations that do not supply their own.
const DefaultTimeout = 30 * time.Second

// Result carries the outcome of a subprocess invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Options controls a single invocation.
type Options struct {
	Dir     string
	Env     []string
	Stdin   string
	Timeout time.Duration
}

// ErrTimeout marks invocations killed by the deadline.
var ErrTimeout = errors.New("subprocess timed out")

// Run executes name with args, returning captured output. A zero timeout
// falls back to DefaultTimeout. Deadline overruns return ErrTimeout wrapped
// as transient; a missing binary surfaces as permanent.
func Run(ctx context.Context, name string, args []string, opts Options) (Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return result, nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return result, apexerrors.Transient(fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), ErrTimeout))
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return result, apexerrors.Permanent(fmt.Errorf("%s: %w", name, err))
	}
	return result, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
}

// Output runs the command and returns trimmed stdout, mirroring the common
// "git plumbing" call shape.
func Output(ctx context.Context, name string, args []string, opts Options) (string, error) {
	result, err := Run(ctx, name, args, opts)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Stdout), nil
}

// Available reports whether a binary resolves on PATH.
func Available(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
