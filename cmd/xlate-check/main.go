// Command xlate-check runs differential golden-output suites against a
// source-to-source transpiler.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-substrate/xlate-check/artifact"
	"github.com/lattice-substrate/xlate-check/bundle"
	"github.com/lattice-substrate/xlate-check/evidence"
	"github.com/lattice-substrate/xlate-check/harnesserr"
	"github.com/lattice-substrate/xlate-check/ledger"
	"github.com/lattice-substrate/xlate-check/pathnorm"
	"github.com/lattice-substrate/xlate-check/progress"
	"github.com/lattice-substrate/xlate-check/runtime/executil"
	"github.com/lattice-substrate/xlate-check/suite"
	"github.com/lattice-substrate/xlate-check/testcase"
)

// hostRunner launches stage commands. Tests replace it.
var hostRunner executil.CommandRunner = executil.OSRunner{}

var boolFlags = []string{"--verbose", "--expect-failure"}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		if err := writeUsage(stdout); err != nil {
			return harnesserr.InternalIO.ExitCode()
		}
		return 0
	}

	sub := args[0]
	flags, err := parseKV(args[1:], boolFlags...)
	if err != nil {
		return fail(stderr, harnesserr.Wrap(harnesserr.CLIUsage, "parse flags", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var code int
	switch sub {
	case "run":
		code, err = cmdRun(ctx, flags, stdout)
	case "case":
		code, err = cmdCase(ctx, flags, stdout)
	case "template":
		err = cmdTemplate(flags, stdout)
	case "pack":
		err = cmdPack(flags, stdout)
	case "unpack":
		err = cmdUnpack(flags, stdout)
	case "verify-evidence":
		err = cmdVerifyEvidence(flags, stdout)
	case "report":
		code, err = cmdReport(flags, stdout)
	case "history":
		code, err = cmdHistory(ctx, flags, stdout)
	default:
		_ = writef(stderr, "error: unknown subcommand %q\n", sub)
		_ = writeUsage(stderr)
		return harnesserr.CLIUsage.ExitCode()
	}
	if err != nil {
		return fail(stderr, err)
	}
	return code
}

func cmdRun(ctx context.Context, flags map[string]string, stdout io.Writer) (int, error) {
	manifestPath := requireFlag(flags, "--manifest")
	if manifestPath == "" {
		return 0, usage("run requires --manifest")
	}
	m, err := suite.Load(manifestPath)
	if err != nil {
		return 0, err
	}
	entries, err := suite.Discover(m)
	if err != nil {
		return 0, err
	}
	timeout, err := m.Timeout()
	if err != nil {
		return 0, err
	}
	parallel := m.Parallel
	if v := requireFlag(flags, "--parallel"); v != "" {
		parallel, err = strconv.Atoi(v)
		if err != nil || parallel < 0 {
			return 0, usage(fmt.Sprintf("--parallel must be a non-negative integer, got %q", v))
		}
	}
	var filter *regexp.Regexp
	if v := requireFlag(flags, "--filter"); v != "" {
		filter, err = regexp.Compile(v)
		if err != nil {
			return 0, harnesserr.Wrap(harnesserr.CLIUsage, "compile --filter", err)
		}
	}

	runID := uuid.NewString()
	opts := suite.RunOptions{
		Parallel:     parallel,
		Filter:       filter,
		Reporter:     progress.New(stdout, progress.Verbose(flags["--verbose"] == "true")),
		RunID:        runID,
		Runner:       wrapRunner(m),
		StageTimeout: timeout,
	}

	var l *ledger.Ledger
	if dsn := requireFlag(flags, "--ledger"); dsn != "" {
		l, err = ledger.Open(ctx, requireFlag(flags, "--ledger-driver"), dsn)
		if err != nil {
			return 0, err
		}
		defer func() { _ = l.Close() }()
		if err := l.BeginRun(ctx, runID, m.Path, m.SHA256); err != nil {
			return 0, err
		}
		opts.Recorder = l
	}

	summary, err := suite.Run(ctx, m.Tools, entries, opts)
	if err != nil {
		return 0, err
	}
	if len(summary.Results) == 0 {
		return 0, usage("no case matches --filter")
	}
	if l != nil {
		if err := l.FinishRun(ctx, runID, summary.Tally); err != nil {
			return 0, err
		}
	}
	if err := writef(stdout, "run: %s\n", runID); err != nil {
		return 0, err
	}
	if path := requireFlag(flags, "--evidence"); path != "" {
		report, err := evidence.Build(summary, m, time.Now())
		if err != nil {
			return 0, err
		}
		if err := evidence.Write(path, report); err != nil {
			return 0, err
		}
		if err := writef(stdout, "evidence: %s\n", path); err != nil {
			return 0, err
		}
	}
	if dir := requireFlag(flags, "--pack-dir"); dir != "" {
		if err := packFailures(dir, m, entries, summary, stdout); err != nil {
			return 0, err
		}
	}
	if !summary.OK() {
		return 1, nil
	}
	return 0, nil
}

func cmdCase(ctx context.Context, flags map[string]string, stdout io.Writer) (int, error) {
	variant := requireFlag(flags, "--variant")
	source := requireFlag(flags, "--source")
	manifestPath := requireFlag(flags, "--manifest")
	if variant == "" || source == "" || manifestPath == "" {
		return 0, usage("case requires --variant, --source, --manifest")
	}
	m, err := suite.Load(manifestPath)
	if err != nil {
		return 0, err
	}
	timeout, err := m.Timeout()
	if err != nil {
		return 0, err
	}
	factory, err := testcase.FactoryFor(testcase.Variant(variant))
	if err != nil {
		return 0, err
	}
	if flags["--expect-failure"] == "true" {
		factory = testcase.Invert(factory)
	}
	abs, err := filepath.Abs(source)
	if err != nil {
		return 0, harnesserr.Wrap(harnesserr.InternalIO, "resolve source path", err)
	}
	name := pathnorm.Normalize(source)
	if rel, err := filepath.Rel(m.Dir, abs); err == nil && !strings.HasPrefix(rel, "..") {
		name = pathnorm.Normalize(rel)
	}

	reporter := progress.New(stdout, progress.Verbose(flags["--verbose"] == "true"))
	var hook func()
	c := factory(m.Tools, abs,
		testcase.WithName(name),
		testcase.WithRunner(wrapRunner(m)),
		testcase.WithStageTimeout(timeout),
		testcase.WithReport(func() { hook() }),
	)
	hook = reporter.Hook(name, c.Steps())
	res := c.Execute(ctx)
	reporter.CaseDone(res)
	if err := reporter.Err(); err != nil {
		return 0, harnesserr.Wrap(harnesserr.InternalIO, "write progress", err)
	}
	if !res.Status.OK() {
		return 1, nil
	}
	return 0, nil
}

func cmdTemplate(flags map[string]string, stdout io.Writer) error {
	source := requireFlag(flags, "--source")
	if source == "" {
		return usage("template requires --source")
	}
	ext, err := targetExt(flags)
	if err != nil {
		return err
	}
	tmpl, err := artifact.Build(source, ext)
	if err != nil {
		return err
	}
	return writef(stdout, "%s", tmpl.String())
}

func cmdPack(flags map[string]string, stdout io.Writer) error {
	source := requireFlag(flags, "--source")
	out := requireFlag(flags, "--out")
	if source == "" || out == "" {
		return usage("pack requires --source, --out and one of --manifest, --target-ext")
	}
	ext, err := targetExt(flags)
	if err != nil {
		return err
	}
	tmpl, err := artifact.Build(source, ext)
	if err != nil {
		return err
	}
	name := requireFlag(flags, "--name")
	if name == "" {
		name = pathnorm.Normalize(source)
	}
	a, err := bundle.Pack(tmpl, name, nil)
	if err != nil {
		return err
	}
	if err := bundle.Write(out, a); err != nil {
		return err
	}
	if err := writef(stdout, "pack: %s\n", out); err != nil {
		return err
	}
	return writef(stdout, "files: %d\n", len(a.Files))
}

func cmdUnpack(flags map[string]string, stdout io.Writer) error {
	packPath := requireFlag(flags, "--pack")
	dir := requireFlag(flags, "--dir")
	if packPath == "" || dir == "" {
		return usage("unpack requires --pack, --dir")
	}
	a, err := bundle.Read(packPath)
	if err != nil {
		return err
	}
	written, err := bundle.Unpack(a, dir)
	if err != nil {
		return err
	}
	if err := writef(stdout, "case: %s\n", bundle.Case(a)); err != nil {
		return err
	}
	for _, p := range written {
		if err := writeLine(stdout, p); err != nil {
			return err
		}
	}
	return nil
}

func cmdVerifyEvidence(flags map[string]string, stdout io.Writer) error {
	path := requireFlag(flags, "--evidence")
	if path == "" {
		return usage("verify-evidence requires --evidence")
	}
	report, err := evidence.Load(path)
	if err != nil {
		return err
	}
	if err := evidence.Validate(report); err != nil {
		return err
	}
	return writeLine(stdout, "ok")
}

func cmdReport(flags map[string]string, stdout io.Writer) (int, error) {
	path := requireFlag(flags, "--evidence")
	if path == "" {
		return 0, usage("report requires --evidence")
	}
	report, err := evidence.Load(path)
	if err != nil {
		return 0, err
	}
	lines := []string{
		"schema: " + report.SchemaVersion,
		"run: " + report.RunID,
		"manifest_sha256: " + report.ManifestSHA256,
		"generated: " + report.GeneratedAtUTC,
		fmt.Sprintf("cases: %d passed, %d failed, %d expected failures, %d unexpected passes",
			report.Passed, report.Failed, report.ExpectedFailures, report.UnexpectedPasses),
	}
	for _, c := range report.Cases {
		if c.Status == string(testcase.StatusPassed) {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s (%s): %s", c.Status, c.Name, c.Variant, c.FailureClass))
	}
	for _, line := range lines {
		if err := writeLine(stdout, line); err != nil {
			return 0, err
		}
	}
	if !report.OK() {
		return 1, nil
	}
	return 0, nil
}

func cmdHistory(ctx context.Context, flags map[string]string, stdout io.Writer) (int, error) {
	dsn := requireFlag(flags, "--ledger")
	runID := requireFlag(flags, "--run")
	if dsn == "" || runID == "" {
		return 0, usage("history requires --ledger, --run")
	}
	l, err := ledger.Open(ctx, requireFlag(flags, "--ledger-driver"), dsn)
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Close() }()
	r, err := l.Run(ctx, runID)
	if err != nil {
		return 0, err
	}
	cases, err := l.Cases(ctx, runID)
	if err != nil {
		return 0, err
	}
	if err := writef(stdout, "run: %s\nmanifest: %s\nstarted: %s\n", r.ID, r.ManifestPath, r.StartedAt.Format(time.RFC3339)); err != nil {
		return 0, err
	}
	for _, c := range cases {
		line := fmt.Sprintf("%s %s (%s) steps=%d", c.Status, c.Name, c.Variant, c.Steps)
		if c.FailureClass != "" {
			line += " " + string(c.FailureClass)
		}
		if err := writeLine(stdout, line); err != nil {
			return 0, err
		}
	}
	if !r.Tally.OK() {
		return 1, nil
	}
	return 0, nil
}

func packFailures(dir string, m *suite.Manifest, entries []suite.Entry, s *suite.Summary, stdout io.Writer) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return harnesserr.Wrap(harnesserr.InternalIO, "create pack dir", err)
	}
	sources := make(map[string]string, len(entries))
	for _, e := range entries {
		sources[e.Name] = e.Source
	}
	for _, res := range s.Results {
		if res.Status.OK() {
			continue
		}
		tmpl, err := artifact.Build(sources[res.Name], m.Tools.TargetExt)
		if err != nil {
			return err
		}
		a, err := bundle.Pack(tmpl, res.Name, res.Err)
		if harnesserr.Is(err, harnesserr.MissingExpectedArtifact) {
			continue
		}
		if err != nil {
			return err
		}
		out := filepath.Join(dir, strings.ReplaceAll(res.Name, "/", "__")+".txtar")
		if err := bundle.Write(out, a); err != nil {
			return err
		}
		if err := writef(stdout, "pack: %s\n", out); err != nil {
			return err
		}
	}
	return nil
}

func wrapRunner(m *suite.Manifest) executil.CommandRunner {
	if len(m.Wrapper) == 0 {
		return hostRunner
	}
	return executil.NewPrefixRunner(hostRunner, m.Wrapper, nil)
}

func targetExt(flags map[string]string) (string, error) {
	if ext := requireFlag(flags, "--target-ext"); ext != "" {
		return ext, nil
	}
	if path := requireFlag(flags, "--manifest"); path != "" {
		m, err := suite.Load(path)
		if err != nil {
			return "", err
		}
		return m.Tools.TargetExt, nil
	}
	return "", usage("one of --target-ext, --manifest is required")
}

func parseKV(args []string, bools ...string) (map[string]string, error) {
	isBool := make(map[string]bool, len(bools))
	for _, b := range bools {
		isBool[b] = true
	}
	flags := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--help" || arg == "-h" {
			flags[arg] = "true"
			continue
		}
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument %q", arg)
		}
		if name, value, ok := strings.Cut(arg, "="); ok {
			flags[name] = value
			continue
		}
		if isBool[arg] {
			flags[arg] = "true"
			continue
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("flag %s requires value", arg)
		}
		flags[arg] = args[i+1]
		i++
	}
	return flags, nil
}

func requireFlag(flags map[string]string, name string) string {
	return strings.TrimSpace(flags[name])
}

func usage(msg string) error {
	return harnesserr.New(harnesserr.CLIUsage, msg)
}

// fail prints err and maps it to an exit code. Unclassified errors are
// internal.
func fail(stderr io.Writer, err error) int {
	_ = writef(stderr, "error: %v\n", err)
	var he *harnesserr.Error
	if errors.As(err, &he) {
		return he.Class.ExitCode()
	}
	return harnesserr.InternalIO.ExitCode()
}

func writeUsage(w io.Writer) error {
	for _, line := range []string{
		"usage: xlate-check <run|case|template|pack|unpack|verify-evidence|report|history> [flags]",
		"  run --manifest <path> [--parallel N] [--filter RE] [--verbose] [--ledger DSN] [--ledger-driver sqlite|postgres|mysql] [--evidence <path>] [--pack-dir <dir>]",
		"  case --variant <name> --source <path> --manifest <path> [--expect-failure] [--verbose]",
		"  template --source <path> (--target-ext <ext> | --manifest <path>)",
		"  pack --source <path> --out <file.txtar> (--target-ext <ext> | --manifest <path>) [--name <case>]",
		"  unpack --pack <file.txtar> --dir <dir>",
		"  verify-evidence --evidence <path>",
		"  report --evidence <path>",
		"  history --ledger <dsn> --run <id> [--ledger-driver sqlite|postgres|mysql]",
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
		return harnesserr.Wrap(harnesserr.InternalIO, "write stream", err)
	}
	return nil
}
