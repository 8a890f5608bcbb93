// Command xlate-gate verifies the repository before a merge.
//
// Every check is a stage of one fail-fast sequence run by the harness's own
// stage runner. Each check's output is captured under a log directory, and
// the captured output of a failing check is replayed on stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/lattice-substrate/xlate-check/harnesserr"
	"github.com/lattice-substrate/xlate-check/runtime/executil"
	"github.com/lattice-substrate/xlate-check/stage"
)

// hostRunner launches the checks. Tests replace it.
var hostRunner executil.CommandRunner = executil.OSRunner{}

type check struct {
	name string
	args []string
	slow bool
}

var checks = []check{
	{name: "mod-verify", args: []string{"mod", "verify"}},
	{name: "vet", args: []string{"vet", "./..."}},
	{name: "unit", args: []string{"test", "./...", "-count=1"}},
	{name: "race", args: []string{"test", "./...", "-race", "-count=1"}, slow: true},
	{name: "conformance", args: []string{"test", "./conformance", "-count=1", "-v"}},
}

type options struct {
	help    bool
	quick   bool
	logDir  string
	timeout time.Duration
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args)
	if err != nil {
		code := fail(stderr, err)
		_ = writeUsage(stderr)
		return code
	}
	if opts.help {
		if err := writeUsage(stdout); err != nil {
			return harnesserr.InternalIO.ExitCode()
		}
		return 0
	}

	logDir, err := prepareLogDir(opts.logDir)
	if err != nil {
		return fail(stderr, err)
	}
	cmds := gateCommands(selectChecks(opts.quick), logDir)

	cmdLog, err := os.Create(filepath.Join(logDir, "commands.txt"))
	if err != nil {
		return fail(stderr, harnesserr.Wrap(harnesserr.InternalIO, "create command log", err))
	}
	defer func() { _ = cmdLog.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var (
		passed   int
		writeErr error
	)
	start := time.Now()
	err = stage.Run(ctx, hostRunner, cmds, stage.Options{
		Log:          cmdLog,
		StageTimeout: opts.timeout,
		Report: func() {
			passed++
			if err := writef(stdout, "[%d/%d] %s ok\n", passed, len(cmds), cmds[passed-1].Label); err != nil && writeErr == nil {
				writeErr = err
			}
		},
	})
	if err != nil {
		var he *harnesserr.Error
		if errors.As(err, &he) && he.Stage >= 0 && he.Stage < len(cmds) {
			failed := cmds[he.Stage]
			_ = writef(stderr, "[%d/%d] %s failed\n", he.Stage+1, len(cmds), failed.Label)
			replay(stderr, failed.Stdout)
			replay(stderr, failed.Stderr)
		}
		return fail(stderr, err)
	}
	if writeErr != nil {
		return fail(stderr, harnesserr.Wrap(harnesserr.InternalIO, "write progress", writeErr))
	}
	if err := writef(stdout, "all %d checks passed in %s (logs: %s)\n",
		len(cmds), time.Since(start).Round(time.Second), logDir); err != nil {
		return harnesserr.InternalIO.ExitCode()
	}
	return 0
}

func parseArgs(args []string) (options, error) {
	var opts options
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--help", "-h":
			opts.help = true
			continue
		case "--quick":
			opts.quick = true
			continue
		case "--log-dir", "--timeout":
		default:
			return opts, usage(fmt.Sprintf("unknown argument %q", arg))
		}
		if !hasValue {
			if i+1 >= len(args) {
				return opts, usage("missing value for " + name)
			}
			i++
			value = args[i]
		}
		if name == "--log-dir" {
			opts.logDir = value
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return opts, usage(fmt.Sprintf("invalid --timeout %q", value))
		}
		opts.timeout = d
	}
	return opts, nil
}

func selectChecks(quick bool) []check {
	if !quick {
		return checks
	}
	out := make([]check, 0, len(checks))
	for _, c := range checks {
		if !c.slow {
			out = append(out, c)
		}
	}
	return out
}

// gateCommands turns checks into stages whose streams land in logDir as
// NN-name.out and NN-name.err.
func gateCommands(selected []check, logDir string) []executil.Command {
	cmds := make([]executil.Command, 0, len(selected))
	for i, c := range selected {
		base := filepath.Join(logDir, fmt.Sprintf("%02d-%s", i+1, c.name))
		cmds = append(cmds, executil.Command{
			Label:  c.name,
			Argv:   append([]string{"go"}, c.args...),
			Stdout: base + ".out",
			Stderr: base + ".err",
		})
	}
	return cmds
}

func prepareLogDir(dir string) (string, error) {
	if dir == "" {
		tmp, err := os.MkdirTemp("", "xlate-gate-")
		if err != nil {
			return "", harnesserr.Wrap(harnesserr.InternalIO, "create log dir", err)
		}
		return tmp, nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", harnesserr.Wrap(harnesserr.InternalIO, "create log dir", err)
	}
	return dir, nil
}

// replay copies a captured stream to w. Empty or missing captures are skipped.
func replay(w io.Writer, path string) {
	// #nosec G304 -- path is a gate-owned capture file.
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return
	}
	_ = writef(w, "--- %s ---\n%s", path, data)
	if data[len(data)-1] != '\n' {
		_ = writeLine(w, "")
	}
}

func usage(msg string) error {
	return harnesserr.New(harnesserr.CLIUsage, msg)
}

func fail(stderr io.Writer, err error) int {
	_ = writef(stderr, "gate failed: %v\n", err)
	var he *harnesserr.Error
	if errors.As(err, &he) {
		return he.Class.ExitCode()
	}
	return harnesserr.InternalIO.ExitCode()
}

func writeUsage(w io.Writer) error {
	for _, line := range []string{
		"usage: go run ./cmd/xlate-gate [--quick] [--log-dir DIR] [--timeout DURATION]",
		"checks: mod-verify, vet, unit, race (skipped by --quick), conformance",
		"--timeout bounds each check; captured output goes to --log-dir or a temp dir",
	} {
		if err := writeLine(w, line); err != nil {
			return err
		}
	}
	return nil
}

func writeLine(w io.Writer, msg string) error {
	return writef(w, "%s\n", msg)
}

func writef(w io.Writer, format string, args ...any) error {
	if _, err := fmt.Fprintf(w, format, args...); err != nil {
		return fmt.Errorf("write stream: %w", err)
	}
	return nil
}
