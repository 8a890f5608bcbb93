// Package executil provides command execution helpers for harness stages.
package executil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"
)

const (
	artifactPerm = 0o644
	// waitDelay bounds how long Run waits for inherited descriptors after
	// the context kills the process.
	waitDelay = 2 * time.Second
)

// Command is a structured stage invocation. Stdout and Stderr name files that
// receive the process streams; an empty target attaches the null device.
type Command struct {
	Label  string
	Argv   []string
	Dir    string
	Stdout string
	Stderr string
	Env    map[string]string
}

// CommandRunner abstracts command execution for the stage runner.
//
// Run returns the process exit status. The error is reserved for failures to
// start the process or to open a redirection target; a non-zero exit is not
// an error.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (int, error)
}

// OSRunner executes commands on the host.
type OSRunner struct{}

// Run executes cmd with its streams redirected to the configured artifacts.
func (OSRunner) Run(ctx context.Context, c Command) (int, error) {
	if len(c.Argv) == 0 {
		return -1, fmt.Errorf("empty argv")
	}
	stdout, closeOut, err := openTarget(c.Stdout)
	if err != nil {
		return -1, fmt.Errorf("open stdout target: %w", err)
	}
	defer closeOut()
	stderr, closeErr, err := openTarget(c.Stderr)
	if err != nil {
		return -1, fmt.Errorf("open stderr target: %w", err)
	}
	defer closeErr()

	// #nosec G204 -- argv comes from the suite manifest tool configuration.
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = waitDelay
	// Streams are files or the null device, never pipes, so Run returns when
	// the process dies even if a background child still holds a descriptor.
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}
	if len(c.Env) != 0 {
		cmd.Env = MergeEnv(cmd.Environ(), c.Env)
	}
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ctx.Err() != nil {
				return exitErr.ExitCode(), fmt.Errorf("run %q: %w", c.Argv, ctx.Err())
			}
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("run %q failed: %w", c.Argv, err)
	}
	return 0, nil
}

// MergeEnv appends env to base in sorted key order so child environments are
// reproducible.
func MergeEnv(base []string, env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	merged := append([]string(nil), base...)
	for _, k := range keys {
		merged = append(merged, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return merged
}

func openTarget(path string) (*os.File, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}
	// #nosec G304 -- target is a template-derived artifact path.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, artifactPerm)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}
