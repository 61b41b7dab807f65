// Package runner executes the external test command for one attempt.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// SentinelExitCode reports environment errors (missing working
	// directory, failed exec) that prevented the command from running.
	SentinelExitCode = 2

	// TimeoutExitCode reports an attempt that was forcibly terminated
	// after exceeding the configured timeout.
	TimeoutExitCode = 124
)

// Result captures the outcome of one command execution. Err holds a
// human-readable error entry when the command could not run or was
// terminated; it never aborts the orchestrator.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      string
}

// Runner runs a command vector in a working directory with extra
// environment variables merged over the process environment.
type Runner interface {
	Run(ctx context.Context, cwd string, command []string, env map[string]string) Result
}

// Config for the runner.
type Config struct {
	// Timeout bounds a single attempt. Zero means no bound, which
	// leaves a hung child blocking the run indefinitely.
	Timeout time.Duration
}

type runner struct {
	log logrus.FieldLogger
	cfg *Config
}

// Ensure interface compliance.
var _ Runner = (*runner)(nil)

// NewRunner creates a command runner.
func NewRunner(log logrus.FieldLogger, cfg *Config) Runner {
	if cfg == nil {
		cfg = &Config{}
	}

	return &runner{
		log: log.WithField("component", "runner"),
		cfg: cfg,
	}
}

// Run executes the command and blocks until it exits. Failures to
// launch are reported inside the Result with the sentinel exit code
// rather than returned, so the caller can continue with degraded
// information.
func (r *runner) Run(ctx context.Context, cwd string, command []string, env map[string]string) Result {
	if len(command) == 0 {
		return Result{
			ExitCode: SentinelExitCode,
			Err:      "no command configured",
		}
	}

	if _, err := os.Stat(cwd); err != nil {
		return Result{
			ExitCode: SentinelExitCode,
			Stderr:   fmt.Sprintf("Directory not found: %s", cwd),
			Err:      fmt.Sprintf("cwd not found: %s", cwd),
		}
	}

	runCtx := ctx

	var cancel context.CancelFunc

	if r.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, command[0], command[1:]...)
	cmd.Dir = cwd
	cmd.Env = mergeEnv(os.Environ(), env)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.WithFields(logrus.Fields{
		"cwd":     cwd,
		"command": command,
	}).Debug("Executing test command")

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	switch {
	case err == nil:
		result.ExitCode = 0
	case runCtx.Err() == context.DeadlineExceeded:
		result.ExitCode = TimeoutExitCode
		result.Err = fmt.Sprintf(
			"command timed out after %s and was terminated", r.cfg.Timeout,
		)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// Exec itself failed (missing binary, permissions).
			result.ExitCode = SentinelExitCode
			result.Err = fmt.Sprintf("executing command: %v", err)
		}
	}

	r.log.WithFields(logrus.Fields{
		"exit_code": result.ExitCode,
		"duration":  elapsed.Round(time.Millisecond),
	}).Debug("Test command finished")

	return result
}

// mergeEnv appends overrides as KEY=VALUE entries. exec gives later
// entries precedence on key collision, so overrides go last.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}

	merged := make([]string, 0, len(base)+len(overrides))
	merged = append(merged, base...)

	for k, v := range overrides {
		merged = append(merged, k+"="+v)
	}

	return merged
}
