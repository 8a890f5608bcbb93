package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lattice-substrate/xlate-check/runtime/executil"
)

type fakeRunner struct {
	calls  []executil.Command
	failAt int
	broken bool
}

func (f *fakeRunner) Run(_ context.Context, c executil.Command) (int, error) {
	f.calls = append(f.calls, c)
	if f.broken {
		return -1, errors.New("exec: go: not found")
	}
	if f.failAt > 0 && len(f.calls) == f.failAt {
		if err := os.WriteFile(c.Stderr, []byte("--- FAIL: TestSomething\n"), 0o600); err != nil {
			return -1, err
		}
		return 1, nil
	}
	return 0, os.WriteFile(c.Stdout, []byte("ok\n"), 0o600)
}

func withRunner(t *testing.T, r executil.CommandRunner) {
	t.Helper()
	prev := hostRunner
	hostRunner = r
	t.Cleanup(func() { hostRunner = prev })
}

func TestRunHelp(t *testing.T) {
	fr := &fakeRunner{}
	withRunner(t, fr)
	var out, errOut bytes.Buffer
	if code := run([]string{"--help"}, &out, &errOut); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if len(fr.calls) != 0 {
		t.Fatalf("expected no command invocations, got %d", len(fr.calls))
	}
	if !strings.Contains(out.String(), "--quick") {
		t.Fatalf("usage does not mention --quick: %q", out.String())
	}
}

func TestRunAllChecksCapturesOutput(t *testing.T) {
	fr := &fakeRunner{}
	withRunner(t, fr)
	logDir := t.TempDir()
	var out, errOut bytes.Buffer
	if code := run([]string{"--log-dir", logDir}, &out, &errOut); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%q", code, errOut.String())
	}
	if len(fr.calls) != len(checks) {
		t.Fatalf("expected %d calls, got %d", len(checks), len(fr.calls))
	}
	for i, c := range fr.calls {
		if c.Argv[0] != "go" || c.Label != checks[i].name {
			t.Fatalf("call %d = %q %v", i, c.Label, c.Argv)
		}
		if filepath.Dir(c.Stdout) != logDir || filepath.Dir(c.Stderr) != logDir {
			t.Fatalf("call %d captures outside log dir: %q %q", i, c.Stdout, c.Stderr)
		}
	}
	for _, want := range []string{"[1/5] mod-verify ok", "[5/5] conformance ok", "all 5 checks passed"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("stdout missing %q: %q", want, out.String())
		}
	}
	log, err := os.ReadFile(filepath.Join(logDir, "commands.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(log), "\n"); n != len(checks) {
		t.Fatalf("command log has %d lines, want %d:\n%s", n, len(checks), log)
	}
}

func TestRunQuickSkipsRace(t *testing.T) {
	fr := &fakeRunner{}
	withRunner(t, fr)
	var out, errOut bytes.Buffer
	if code := run([]string{"--quick", "--log-dir=" + t.TempDir()}, &out, &errOut); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	for _, c := range fr.calls {
		if strings.Contains(strings.Join(c.Argv, " "), "-race") {
			t.Fatalf("quick gate ran race tests: %v", c.Argv)
		}
	}
	if len(fr.calls) != len(checks)-1 {
		t.Fatalf("expected %d calls, got %d", len(checks)-1, len(fr.calls))
	}
}

func TestRunStopsOnFirstFailure(t *testing.T) {
	fr := &fakeRunner{failAt: 3}
	withRunner(t, fr)
	var out, errOut bytes.Buffer
	if code := run([]string{"--log-dir", t.TempDir()}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if len(fr.calls) != 3 {
		t.Fatalf("expected to stop at failing check, got %d calls", len(fr.calls))
	}
	for _, want := range []string{"[3/5] unit failed", "--- FAIL: TestSomething", "STAGE_FAILED"} {
		if !strings.Contains(errOut.String(), want) {
			t.Fatalf("stderr missing %q: %q", want, errOut.String())
		}
	}
	if strings.Contains(out.String(), "[3/5]") {
		t.Fatalf("failed check reported as ok: %q", out.String())
	}
}

func TestRunLaunchFailure(t *testing.T) {
	withRunner(t, &fakeRunner{broken: true})
	var out, errOut bytes.Buffer
	if code := run([]string{"--log-dir", t.TempDir()}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "not found") {
		t.Fatalf("launch error not reported: %q", errOut.String())
	}
}

func TestRunRejectsBadArguments(t *testing.T) {
	tests := [][]string{
		{"--nope"},
		{"--timeout=soon"},
		{"--timeout", "-1s"},
		{"--log-dir"},
	}
	for _, args := range tests {
		fr := &fakeRunner{}
		withRunner(t, fr)
		var out, errOut bytes.Buffer
		if code := run(args, &out, &errOut); code != 2 {
			t.Fatalf("%v: expected exit 2, got %d", args, code)
		}
		if len(fr.calls) != 0 {
			t.Fatalf("%v: expected no command invocations, got %d", args, len(fr.calls))
		}
	}
}
