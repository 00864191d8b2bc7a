package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/harun/vigil/internal/tracing"
	"github.com/rs/zerolog/log"
)

// HostRunner executes commands directly on the host. It is reached only for
// calls the broker authorized for elevated execution.
type HostRunner struct {
	// Shell runs the command string; defaults to /bin/sh.
	Shell string
}

// NewHostRunner returns a host runner using /bin/sh.
func NewHostRunner() *HostRunner {
	return &HostRunner{Shell: "/bin/sh"}
}

// Run executes req in its own process group. On timeout or cancellation the
// whole group is killed so no child outlives the call.
func (h *HostRunner) Run(ctx context.Context, spec Spec, req Request) (Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	shell := h.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(execCtx, shell, "-c", req.Command)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second

	if spec.Filesystem != FilesystemNone && spec.Workspace != "" {
		cmd.Dir = spec.Workspace
	} else {
		cmd.Dir = os.TempDir()
	}
	cmd.Env = buildEnvironment(req.Env)

	stdout := newCappedBuffer(maxOutputBytes)
	stderr := newCappedBuffer(maxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: duration,
	}

	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, ctx.Err()
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		result.ExitCode = -1
		result.TimedOut = true
		return result, ErrExecutionTimeout
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("failed to run command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("runner", "host").
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("Command executed on host")

	return result, nil
}

// buildEnvironment starts from a minimal environment rather than the
// daemon's own, which carries provider credentials.
func buildEnvironment(env map[string]string) []string {
	result := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + os.TempDir(),
		"LANG=C.UTF-8",
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		result = append(result, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return result
}
