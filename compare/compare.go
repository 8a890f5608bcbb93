// Package compare implements the output verification policies: substring
// containment, exact line equality, and the dynamic expectation fallback.
//
// All functions operate on artifact files that a successful stage sequence
// has already produced.
package compare

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/lattice-substrate/xlate-check/harnesserr"
)

// Mode records which expectation the dynamic policy compared against.
type Mode string

const (
	ModeSubstring Mode = "substring"
	ModeStatic    Mode = "static"
	ModeSelf      Mode = "self"
)

// OutputPaths names the artifacts consulted by Output.
type OutputPaths struct {
	// Actual is the translated program's captured stdout.
	Actual string
	// ExpectedInOut holds text that must appear somewhere in Actual.
	ExpectedInOut string
	// ExpectedOut holds the complete expected stdout.
	ExpectedOut string
	// Reference is the original program's captured stdout.
	Reference string
}

// Contained fails unless the content of expectedPath is a contiguous
// substring of the content of actualPath. A missing expectedPath is reported
// as MissingExpectedArtifact, never as a content mismatch.
func Contained(expectedPath, actualPath string) error {
	expected, err := readExpected(expectedPath)
	if err != nil {
		return err
	}
	actual, err := readActual(actualPath)
	if err != nil {
		return err
	}
	if strings.Contains(actual, expected) {
		return nil
	}
	return &harnesserr.Error{
		Class:   harnesserr.ContentMismatch,
		Stage:   -1,
		Path:    actualPath,
		Message: fmt.Sprintf("content of %s not found in %s", expectedPath, actualPath),
		Want:    strconv.Quote(expected),
		Got:     strconv.Quote(actual),
	}
}

// Lines fails unless both files hold the same sequence of lines. Line
// terminators are part of each line, so a missing final newline is a
// difference.
func Lines(expectedPath, actualPath string) error {
	expected, err := readExpected(expectedPath)
	if err != nil {
		return err
	}
	actual, err := readActual(actualPath)
	if err != nil {
		return err
	}
	want := SplitLines(expected)
	got := SplitLines(actual)
	idx := firstDifference(want, got)
	if idx < 0 {
		return nil
	}
	return &harnesserr.Error{
		Class: harnesserr.ContentMismatch,
		Stage: -1,
		Path:  actualPath,
		Message: fmt.Sprintf("line %d of %s differs from %s (-want +got):\n%s",
			idx, actualPath, expectedPath, cmp.Diff(want, got)),
		Want: lineAt(want, idx),
		Got:  lineAt(got, idx),
	}
}

// Output applies the dynamic policy. The expectation is chosen in a fixed
// order: the substring file, then the full expected-output file, then the
// original program's own output. report is invoked once after the comparison
// whether or not it passed.
func Output(paths OutputPaths, report func()) (Mode, error) {
	if report != nil {
		defer report()
	}
	ok, err := exists(paths.ExpectedInOut)
	if err != nil {
		return "", err
	}
	if ok {
		return ModeSubstring, Contained(paths.ExpectedInOut, paths.Actual)
	}
	ok, err = exists(paths.ExpectedOut)
	if err != nil {
		return "", err
	}
	if ok {
		return ModeStatic, Lines(paths.ExpectedOut, paths.Actual)
	}
	return ModeSelf, Lines(paths.Reference, paths.Actual)
}

// SplitLines splits s after every '\n', keeping the terminators.
func SplitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func firstDifference(want, got []string) int {
	n := len(want)
	if len(got) < n {
		n = len(got)
	}
	for i := 0; i < n; i++ {
		if want[i] != got[i] {
			return i
		}
	}
	if len(want) != len(got) {
		return n
	}
	return -1
}

func lineAt(lines []string, idx int) string {
	if idx >= len(lines) {
		return "<no line>"
	}
	return strconv.Quote(lines[idx])
}

func exists(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, harnesserr.Wrap(harnesserr.InternalIO, "stat "+path, err)
}

//nolint:gosec // expected path is template-derived.
func readExpected(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			e := harnesserr.New(harnesserr.MissingExpectedArtifact, "file not found")
			e.Path = path
			return "", e
		}
		return "", harnesserr.Wrap(harnesserr.InternalIO, "read "+path, err)
	}
	return string(data), nil
}

//nolint:gosec // actual path is template-derived.
func readActual(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", harnesserr.Wrap(harnesserr.InternalIO, "read "+path, err)
	}
	return string(data), nil
}
