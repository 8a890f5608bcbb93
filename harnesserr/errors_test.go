package harnesserr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lattice-substrate/xlate-check/harnesserr"
)

func TestFailureClassExitCodes(t *testing.T) {
	cases := []struct {
		class    harnesserr.FailureClass
		wantExit int
	}{
		{harnesserr.StageFailed, 1},
		{harnesserr.StageTimeout, 1},
		{harnesserr.MissingExpectedArtifact, 1},
		{harnesserr.ContentMismatch, 1},
		{harnesserr.UnexpectedPass, 1},
		{harnesserr.ConfigInvalid, 2},
		{harnesserr.CLIUsage, 2},
		{harnesserr.InternalIO, 10},
	}
	for _, tc := range cases {
		if got := tc.class.ExitCode(); got != tc.wantExit {
			t.Errorf("%s.ExitCode() = %d, want %d", tc.class, got, tc.wantExit)
		}
	}
}

func TestErrorFormat(t *testing.T) {
	e := &harnesserr.Error{
		Class:   harnesserr.StageFailed,
		Stage:   1,
		Message: `translate: python py2rb.py "a.py"`,
		Want:    "0",
		Got:     "3",
	}
	want := `harness: STAGE_FAILED at stage 1: translate: python py2rb.py "a.py": want 0, got 3`
	if e.Error() != want {
		t.Fatalf("unexpected error string:\n got %s\nwant %s", e.Error(), want)
	}
}

func TestErrorFormatWithPath(t *testing.T) {
	e := harnesserr.New(harnesserr.MissingExpectedArtifact, "no golden file provided")
	e.Path = "tests/a.rb.expected"
	if e.Error() != "harness: MISSING_EXPECTED_ARTIFACT (tests/a.rb.expected): no golden file provided" {
		t.Fatalf("unexpected error string: %s", e.Error())
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	e := harnesserr.Wrap(harnesserr.InternalIO, "read failed", cause)
	if !errors.Is(e, cause) {
		t.Fatal("Unwrap did not return cause")
	}
	if got := e.Error(); got != "harness: INTERNAL_IO: read failed: underlying" {
		t.Fatalf("unexpected wrapped error string: %s", got)
	}
}

func TestClassOfWrapped(t *testing.T) {
	e := harnesserr.New(harnesserr.ContentMismatch, "differs")
	wrapped := fmt.Errorf("case a.py: %w", e)
	if got := harnesserr.ClassOf(wrapped); got != harnesserr.ContentMismatch {
		t.Fatalf("ClassOf = %q, want CONTENT_MISMATCH", got)
	}
	if !harnesserr.Is(wrapped, harnesserr.ContentMismatch) {
		t.Fatal("Is returned false for wrapped class")
	}
	if harnesserr.ClassOf(errors.New("plain")) != "" {
		t.Fatal("expected empty class for plain error")
	}
	if harnesserr.Is(nil, harnesserr.ContentMismatch) {
		t.Fatal("nil error must not match any class")
	}
}
