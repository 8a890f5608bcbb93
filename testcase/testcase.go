// Package testcase builds the executable test cases of a transpiler suite.
//
// A factory turns one source path and an explicit Config into a Case. Running
// the Case executes its stages through the stage runner and, for comparison
// variants, checks the produced artifacts.
package testcase

import (
	"context"
	"fmt"
	"time"

	"github.com/lattice-substrate/xlate-check/artifact"
	"github.com/lattice-substrate/xlate-check/compare"
	"github.com/lattice-substrate/xlate-check/harnesserr"
	"github.com/lattice-substrate/xlate-check/pathnorm"
	"github.com/lattice-substrate/xlate-check/runtime/executil"
)

// Status is the classified outcome of one execution.
type Status string

const (
	StatusPassed          Status = "passed"
	StatusFailed          Status = "failed"
	StatusExpectedFailure Status = "expected-failure"
	StatusUnexpectedPass  Status = "unexpected-pass"
)

// OK reports whether the status counts as success for the suite.
func (s Status) OK() bool {
	return s == StatusPassed || s == StatusExpectedFailure
}

// Result is the outcome of Case.Execute. For an expected failure Err holds
// the swallowed failure.
type Result struct {
	Name     string
	Variant  Variant
	Status   Status
	Mode     compare.Mode
	Err      error
	Duration time.Duration
}

// Case is one executable test.
type Case struct {
	name     string
	source   string
	variant  Variant
	tmpl     artifact.Template
	cfg      Config
	report   func()
	runner   executil.CommandRunner
	timeout  time.Duration
	inverted bool
	steps    int
	initErr  error
	body     func(ctx context.Context, c *Case) (compare.Mode, error)
	now      func() time.Time
}

// Option customises a Case.
type Option func(*Case)

// WithName overrides the case name, which defaults to the source path.
func WithName(name string) Option {
	return func(c *Case) {
		if name != "" {
			c.name = name
		}
	}
}

// WithReport sets the progress hook, invoked after every successful stage
// and after every comparison.
func WithReport(report func()) Option {
	return func(c *Case) {
		if report != nil {
			c.report = report
		}
	}
}

// WithRunner replaces the host command runner.
func WithRunner(r executil.CommandRunner) Option {
	return func(c *Case) {
		if r != nil {
			c.runner = r
		}
	}
}

// WithStageTimeout bounds every stage of the case.
func WithStageTimeout(d time.Duration) Option {
	return func(c *Case) { c.timeout = d }
}

func newCase(v Variant, cfg Config, source string, steps int, opts []Option) *Case {
	c := &Case{
		name:    source,
		source:  source,
		variant: v,
		cfg:     cfg,
		report:  func() {},
		runner:  executil.OSRunner{},
		steps:   steps,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := cfg.Validate(v); err != nil {
		c.initErr = err
		return c
	}
	tmpl, err := artifact.Build(source, cfg.TargetExt)
	if err != nil {
		c.initErr = err
		return c
	}
	c.tmpl = tmpl
	return c
}

// Name is the case identity.
func (c *Case) Name() string { return c.name }

// Variant names the factory that built the case.
func (c *Case) Variant() Variant { return c.variant }

// Template returns the artifact paths of the case.
func (c *Case) Template() artifact.Template { return c.tmpl }

// Inverted reports whether the case is expected to fail.
func (c *Case) Inverted() bool { return c.inverted }

// Steps is the number of progress reports in a clean pass.
func (c *Case) Steps() int { return c.steps }

// String renders the slash-normalized source with its step count.
func (c *Case) String() string {
	return fmt.Sprintf("%s [%d]: ", pathnorm.Normalize(c.source), c.steps)
}

// Execute runs the case once and classifies the outcome.
func (c *Case) Execute(ctx context.Context) Result {
	start := c.now()
	res := Result{Name: c.name, Variant: c.variant}
	var err error
	if c.initErr != nil {
		err = c.initErr
	} else {
		res.Mode, err = c.body(ctx, c)
	}
	res.Duration = c.now().Sub(start)

	switch {
	case !c.inverted && err == nil:
		res.Status = StatusPassed
	case !c.inverted:
		res.Status = StatusFailed
		res.Err = err
	case err != nil && c.initErr == nil:
		res.Status = StatusExpectedFailure
		res.Err = err
	case err != nil:
		// a broken configuration is never the failure a case was marked for.
		res.Status = StatusFailed
		res.Err = err
	default:
		res.Status = StatusUnexpectedPass
		res.Err = harnesserr.New(harnesserr.UnexpectedPass,
			fmt.Sprintf("%s passed but is marked as an expected failure", c.name))
	}
	return res
}

// Run executes the case and returns nil when the outcome is a pass or an
// expected failure.
func (c *Case) Run(ctx context.Context) error {
	res := c.Execute(ctx)
	if res.Status.OK() {
		return nil
	}
	return res.Err
}
