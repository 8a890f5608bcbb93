// Package stage runs a test case's ordered sequence of external commands.
//
// Execution is fail-fast: the first stage whose exit status is not 0 ends the
// sequence and later stages are never launched. Artifacts already written are
// left in place for inspection.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/lattice-substrate/xlate-check/harnesserr"
	"github.com/lattice-substrate/xlate-check/runtime/executil"
)

// Options configures one stage sequence.
type Options struct {
	// Report is invoked after every successful stage.
	Report func()
	// Log receives each rendered command line before it is launched.
	Log io.Writer
	// StageTimeout bounds each stage. Zero means no limit.
	StageTimeout time.Duration
}

// Run executes cmds in order through runner.
func Run(ctx context.Context, runner executil.CommandRunner, cmds []executil.Command, opts Options) error {
	if runner == nil {
		runner = executil.OSRunner{}
	}
	for i, cmd := range cmds {
		line := Render(cmd)
		if opts.Log != nil {
			if _, err := io.WriteString(opts.Log, line+"\n"); err != nil {
				return harnesserr.Wrap(harnesserr.InternalIO, "write command log", err)
			}
		}
		code, err := runOne(ctx, runner, cmd, opts.StageTimeout)
		if err != nil {
			class := harnesserr.StageFailed
			if errors.Is(err, context.DeadlineExceeded) {
				class = harnesserr.StageTimeout
			}
			return &harnesserr.Error{
				Class:   class,
				Stage:   i,
				Message: describe(cmd, line),
				Want:    "0",
				Got:     strconv.Itoa(code),
				Cause:   err,
			}
		}
		if code != 0 {
			return &harnesserr.Error{
				Class:   harnesserr.StageFailed,
				Stage:   i,
				Message: describe(cmd, line),
				Want:    "0",
				Got:     strconv.Itoa(code),
			}
		}
		if opts.Report != nil {
			opts.Report()
		}
	}
	return nil
}

func runOne(ctx context.Context, runner executil.CommandRunner, cmd executil.Command, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return runner.Run(ctx, cmd)
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return runner.Run(stageCtx, cmd)
}

func describe(cmd executil.Command, line string) string {
	if cmd.Label == "" {
		return line
	}
	return cmd.Label + ": " + line
}

// Render returns the command as a quoted shell-style line, including its
// redirections. It is used for the command log and failure messages only;
// commands are never executed through a shell.
func Render(cmd executil.Command) string {
	parts := make([]string, 0, len(cmd.Argv)+2)
	for _, arg := range cmd.Argv {
		parts = append(parts, quote(arg))
	}
	if cmd.Stdout != "" {
		parts = append(parts, "> "+quote(cmd.Stdout))
	}
	if cmd.Stderr != "" {
		parts = append(parts, "2> "+quote(cmd.Stderr))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\"'\\$`|&;<>(){}*?[]#~") {
		return s
	}
	return fmt.Sprintf("%q", s)
}
