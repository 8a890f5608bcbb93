// Package harnesserr defines the failure taxonomy for xlate-check.
//
// Every failure a test case can produce maps to exactly one FailureClass, so a
// missing golden file is never confused with a content mismatch and a failing
// stage is never confused with either.
package harnesserr

import (
	"errors"
	"fmt"
	"strings"
)

// FailureClass is a stable failure category.
type FailureClass string

const (
	StageFailed             FailureClass = "STAGE_FAILED"
	StageTimeout            FailureClass = "STAGE_TIMEOUT"
	MissingExpectedArtifact FailureClass = "MISSING_EXPECTED_ARTIFACT"
	ContentMismatch         FailureClass = "CONTENT_MISMATCH"
	UnexpectedPass          FailureClass = "UNEXPECTED_PASS"
	ConfigInvalid           FailureClass = "CONFIG_INVALID"
	CLIUsage                FailureClass = "CLI_USAGE"
	InternalIO              FailureClass = "INTERNAL_IO"
)

// ExitCode returns the process exit code for this failure class.
func (fc FailureClass) ExitCode() int {
	switch fc {
	case InternalIO:
		return 10
	case ConfigInvalid, CLIUsage:
		return 2
	default:
		return 1
	}
}

// Error is the structured error type for all harness failures.
//
// Stage is the zero-based stage index for stage failures and -1 otherwise.
// Want and Got carry the compared values (exit codes, lines) when the class
// has them.
type Error struct {
	Class   FailureClass
	Stage   int
	Path    string
	Want    string
	Got     string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("harness: ")
	b.WriteString(string(e.Class))
	if e.Stage >= 0 {
		fmt.Fprintf(&b, " at stage %d", e.Stage)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Want != "" || e.Got != "" {
		fmt.Fprintf(&b, ": want %s, got %s", e.Want, e.Got)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given class and message.
func New(class FailureClass, message string) *Error {
	return &Error{Class: class, Stage: -1, Message: message}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(class FailureClass, message string, cause error) *Error {
	return &Error{Class: class, Stage: -1, Message: message, Cause: cause}
}

// ClassOf returns the class of the first *Error in err's chain, or "" when
// err carries none.
func ClassOf(err error) FailureClass {
	var target *Error
	if errors.As(err, &target) {
		return target.Class
	}
	return ""
}

// Is reports whether err carries a *Error of the given class.
func Is(err error, class FailureClass) bool {
	return err != nil && ClassOf(err) == class
}
