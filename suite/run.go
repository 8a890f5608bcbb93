// Package suite loads a suite manifest, discovers its cases and runs them.
package suite

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lattice-substrate/xlate-check/progress"
	"github.com/lattice-substrate/xlate-check/runtime/executil"
	"github.com/lattice-substrate/xlate-check/testcase"
)

// Recorder is an external result collector fed by the progress hooks.
type Recorder interface {
	RecordProgress(ctx context.Context, runID, caseName string, step int) error
	RecordCase(ctx context.Context, runID string, res testcase.Result, steps int) error
}

// RunOptions configures suite execution.
type RunOptions struct {
	// Parallel bounds concurrently running cases; values below 2 run serially.
	Parallel     int
	Filter       *regexp.Regexp
	Reporter     *progress.Reporter
	Recorder     Recorder
	RunID        string
	Runner       executil.CommandRunner
	StageTimeout time.Duration
	Now          func() time.Time
}

// Summary is the outcome of a suite run. Results follow discovery order.
type Summary struct {
	RunID   string
	Results []testcase.Result
	Tally   progress.Tally
}

// OK reports whether every case passed or failed as expected.
func (s *Summary) OK() bool {
	return s.Tally.OK()
}

// Run executes entries with the tool configuration cfg. The returned error
// reports collector failures; case failures are in the summary.
func Run(ctx context.Context, cfg testcase.Config, entries []Entry, opts RunOptions) (*Summary, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	selected := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if opts.Filter == nil || opts.Filter.MatchString(e.Name) {
			selected = append(selected, e)
		}
	}

	var (
		errMu    sync.Mutex
		firstErr error
	)
	record := func(err error) {
		if err == nil {
			return
		}
		errMu.Lock()
		defer errMu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	// Entries sharing a source share artifact paths and run one at a time.
	sourceLocks := make(map[string]*sync.Mutex)
	for _, e := range selected {
		if sourceLocks[e.Source] == nil {
			sourceLocks[e.Source] = new(sync.Mutex)
		}
	}

	start := now()
	results := make([]testcase.Result, len(selected))
	var g errgroup.Group
	if opts.Parallel > 1 {
		g.SetLimit(opts.Parallel)
	} else {
		g.SetLimit(1)
	}
	for i, e := range selected {
		g.Go(func() error {
			lock := sourceLocks[e.Source]
			lock.Lock()
			defer lock.Unlock()
			res, err := runEntry(ctx, cfg, e, opts)
			record(err)
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	summary := &Summary{RunID: opts.RunID, Results: results}
	for _, res := range results {
		summary.Tally.Add(res.Status)
	}
	summary.Tally.Elapsed = now().Sub(start)
	if opts.Reporter != nil {
		opts.Reporter.Summary(summary.Tally)
		record(opts.Reporter.Err())
	}
	return summary, firstErr
}

func runEntry(ctx context.Context, cfg testcase.Config, e Entry, opts RunOptions) (testcase.Result, error) {
	factory, err := testcase.FactoryFor(e.Variant)
	if err != nil {
		return testcase.Result{Name: e.Name, Variant: e.Variant, Status: testcase.StatusFailed, Err: err}, nil
	}
	if e.ExpectFailure {
		factory = testcase.Invert(factory)
	}

	var (
		hookMu  sync.Mutex
		step    int
		hookErr error
		report  func()
	)
	c := factory(cfg, e.Source,
		testcase.WithName(e.Name),
		testcase.WithRunner(opts.Runner),
		testcase.WithStageTimeout(opts.StageTimeout),
		testcase.WithReport(func() { report() }),
	)
	var show func()
	if opts.Reporter != nil {
		show = opts.Reporter.Hook(e.Name, c.Steps())
	}
	report = func() {
		hookMu.Lock()
		step++
		k := step
		hookMu.Unlock()
		if show != nil {
			show()
		}
		if opts.Recorder != nil {
			if err := opts.Recorder.RecordProgress(ctx, opts.RunID, e.Name, k); err != nil && hookErr == nil {
				hookErr = fmt.Errorf("record progress for %s: %w", e.Name, err)
			}
		}
	}

	res := c.Execute(ctx)
	if opts.Reporter != nil {
		opts.Reporter.CaseDone(res)
	}
	if opts.Recorder != nil {
		if err := opts.Recorder.RecordCase(ctx, opts.RunID, res, step); err != nil && hookErr == nil {
			hookErr = fmt.Errorf("record case %s: %w", e.Name, err)
		}
	}
	return res, hookErr
}
