// Package progress prints per-stage and per-case progress lines for a suite
// run. It is the default progress-report hook collector of the CLI.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/lattice-substrate/xlate-check/testcase"
)

const (
	colorReset  = "\x1b[0m"
	colorGreen  = "\x1b[32m"
	colorRed    = "\x1b[31m"
	colorYellow = "\x1b[33m"
)

// Tally counts case outcomes of one run.
type Tally struct {
	Passed          int
	Failed          int
	ExpectedFailure int
	UnexpectedPass  int
	Elapsed         time.Duration
}

// Add counts one outcome.
func (t *Tally) Add(s testcase.Status) {
	switch s {
	case testcase.StatusPassed:
		t.Passed++
	case testcase.StatusFailed:
		t.Failed++
	case testcase.StatusExpectedFailure:
		t.ExpectedFailure++
	case testcase.StatusUnexpectedPass:
		t.UnexpectedPass++
	}
}

// Total is the number of counted cases.
func (t Tally) Total() int {
	return t.Passed + t.Failed + t.ExpectedFailure + t.UnexpectedPass
}

// OK reports whether every case passed or failed as expected.
func (t Tally) OK() bool {
	return t.Failed == 0 && t.UnexpectedPass == 0
}

// Reporter writes progress lines. It is safe for concurrent use.
type Reporter struct {
	mu      sync.Mutex
	w       io.Writer
	color   bool
	width   int
	verbose bool
	err     error
}

// Option customises a Reporter.
type Option func(*Reporter)

// Verbose also prints one line per progress hook call.
func Verbose(v bool) Option {
	return func(r *Reporter) { r.verbose = v }
}

// Color forces colour output on or off.
func Color(on bool) Option {
	return func(r *Reporter) { r.color = on }
}

// New creates a Reporter. Colour and line truncation are enabled only when w
// is a terminal.
func New(w io.Writer, opts ...Option) *Reporter {
	r := &Reporter{w: w}
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		r.color = true
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			r.width = width
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Hook returns a progress hook for one case. Each call advances the case's
// step counter.
func (r *Reporter) Hook(name string, steps int) func() {
	var mu sync.Mutex
	done := 0
	return func() {
		mu.Lock()
		done++
		k := done
		mu.Unlock()
		if r.verbose {
			r.printf("", "  [%d/%d] %s", k, steps, name)
		}
	}
}

// CaseDone prints the classified outcome of a case.
func (r *Reporter) CaseDone(res testcase.Result) {
	label, color := statusLabel(res.Status)
	if res.Err != nil && !res.Status.OK() {
		r.printf(color, "%-5s %s (%s): %v", label, res.Name, res.Variant, res.Err)
		return
	}
	r.printf(color, "%-5s %s (%s)", label, res.Name, res.Variant)
}

// Summary prints the run totals.
func (r *Reporter) Summary(t Tally) {
	color := colorGreen
	if !t.OK() {
		color = colorRed
	}
	r.printf(color, "%s cases in %s: %s passed, %s failed, %s expected failures, %s unexpected passes",
		humanize.Comma(int64(t.Total())),
		t.Elapsed.Round(time.Millisecond),
		humanize.Comma(int64(t.Passed)),
		humanize.Comma(int64(t.Failed)),
		humanize.Comma(int64(t.ExpectedFailure)),
		humanize.Comma(int64(t.UnexpectedPass)))
}

// Err returns the first write error, if any.
func (r *Reporter) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Reporter) printf(color, format string, args ...any) {
	line := truncate(fmt.Sprintf(format, args...), r.width)
	if r.color && color != "" {
		line = color + line + colorReset
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	if _, err := fmt.Fprintln(r.w, line); err != nil {
		r.err = fmt.Errorf("write progress: %w", err)
	}
}

func statusLabel(s testcase.Status) (string, string) {
	switch s {
	case testcase.StatusPassed:
		return "PASS", colorGreen
	case testcase.StatusExpectedFailure:
		return "XFAIL", colorYellow
	case testcase.StatusUnexpectedPass:
		return "XPASS", colorRed
	default:
		return "FAIL", colorRed
	}
}

func truncate(s string, width int) string {
	if width <= 0 || utf8.RuneCountInString(s) <= width {
		return s
	}
	runes := []rune(s)
	return string(runes[:width-1]) + "…"
}
