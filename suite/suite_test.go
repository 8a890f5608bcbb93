package suite

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-substrate/xlate-check/harnesserr"
	"github.com/lattice-substrate/xlate-check/runtime/executil"
	"github.com/lattice-substrate/xlate-check/testcase"
)

const manifestYAML = `version: v1
target_ext: rb
stage_timeout: 30s
parallel: 2
tools:
  origin_runtime: [python]
  translator: [python, py2rb.py]
  translator_flags: [-m, -f, -w, -s]
  target_runtime: [ruby]
  shim_dir: py2rb/builtins
  shim_entry: py2rb/builtins/module.rb
groups:
  - name: basic
    variant: translate-run
    include: ["tests/basic/*.py"]
    exclude: ["tests/basic/skip_*.py"]
    expected_failures: ["tests/basic/broken.py"]
  - name: stdlib
    variant: run-with-runtime
    include: ["tests/stdlib/*.rb"]
`

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	}
	return dir
}

func TestLoadManifest(t *testing.T) {
	dir := writeTree(t, map[string]string{"suite.yaml": manifestYAML})
	m, err := Load(filepath.Join(dir, "suite.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "rb", m.Tools.TargetExt)
	assert.Equal(t, []string{"python", "py2rb.py"}, m.Tools.Translator)
	assert.Equal(t, dir, m.Tools.WorkDir)
	assert.Len(t, m.SHA256, 64)
	d, err := m.Timeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown field", manifestYAML + "surprise: true\n", "surprise"},
		{"bad version", strings.Replace(manifestYAML, "version: v1", "version: v9", 1), "unsupported manifest version"},
		{"trailing document", manifestYAML + "---\nversion: v1\n", "trailing"},
		{"bad timeout", strings.Replace(manifestYAML, "30s", "soon", 1), "stage_timeout"},
		{"missing tool", strings.Replace(manifestYAML, "  target_runtime: [ruby]\n", "", 1), "target_runtime"},
		{"unknown variant", strings.Replace(manifestYAML, "variant: run-with-runtime", "variant: nope", 1), "unknown variant"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.Equal(t, harnesserr.ConfigInvalid, harnesserr.ClassOf(err))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func suiteTree(t *testing.T) (*Manifest, string) {
	t.Helper()
	dir := writeTree(t, map[string]string{
		"suite.yaml":              manifestYAML,
		"tests/basic/b.py":        "print(2)\n",
		"tests/basic/a.py":        "print(1)\n",
		"tests/basic/broken.py":   "print(3)\n",
		"tests/basic/skip_me.py":  "print(4)\n",
		"tests/basic/a.py.out":    "stale\n",
		"tests/stdlib/strings.rb": "puts 1\n",
	})
	m, err := Load(filepath.Join(dir, "suite.yaml"))
	require.NoError(t, err)
	return m, dir
}

func TestDiscover(t *testing.T) {
	m, dir := suiteTree(t)
	entries, err := Discover(m)
	require.NoError(t, err)

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	assert.Equal(t, []string{
		"tests/basic/a.py",
		"tests/basic/b.py",
		"tests/basic/broken.py",
		"tests/stdlib/strings.rb",
	}, names)
	assert.True(t, entries[2].ExpectFailure)
	assert.False(t, entries[0].ExpectFailure)
	assert.Equal(t, testcase.RunWithRuntimeVariant, entries[3].Variant)
	assert.Equal(t, filepath.Join(dir, "tests", "basic", "a.py"), entries[0].Source)
}

func TestDiscoverRejectsSharedStem(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"suite.yaml": `version: v1
target_ext: rb
tools:
  origin_runtime: [python]
groups:
  - variant: compile-check
    include: ["x/*"]
`,
		"x/a.py":  "",
		"x/a.pyw": "",
	})
	m, err := Load(filepath.Join(dir, "suite.yaml"))
	require.NoError(t, err)
	_, err = Discover(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shares artifact stem")
}

const sharedSourceYAML = `version: v1
target_ext: rb
tools:
  origin_runtime: [python]
  translator: [python, py2rb.py]
  target_runtime: [ruby]
  shim_dir: py2rb/builtins
  shim_entry: py2rb/builtins/module.rb
groups:
  - name: run
    variant: translate-run
    include: ["tests/*.py"]
  - name: compile
    variant: compile-check
    include: ["tests/a.py"]
`

func TestDiscoverSharedSourceAcrossGroups(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"suite.yaml": sharedSourceYAML,
		"tests/a.py": "print(1)\n",
		"tests/b.py": "print(2)\n",
	})
	m, err := Load(filepath.Join(dir, "suite.yaml"))
	require.NoError(t, err)
	entries, err := Discover(m)
	require.NoError(t, err)

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	assert.Equal(t, []string{
		"tests/a.py@translate-run",
		"tests/b.py",
		"tests/a.py@compile-check",
	}, names)
	assert.Equal(t, entries[0].Source, entries[2].Source)
}

func TestDiscoverRejectsRepeatedVariant(t *testing.T) {
	doc := strings.Replace(sharedSourceYAML, "variant: compile-check", "variant: translate-run", 1)
	dir := writeTree(t, map[string]string{
		"suite.yaml": doc,
		"tests/a.py": "print(1)\n",
	})
	m, err := Load(filepath.Join(dir, "suite.yaml"))
	require.NoError(t, err)
	_, err = Discover(m)
	require.Error(t, err)
	assert.Equal(t, harnesserr.ConfigInvalid, harnesserr.ClassOf(err))
	assert.Contains(t, err.Error(), "already listed with variant translate-run")
}

func TestDiscoverRejectsStaleExpectedFailure(t *testing.T) {
	m, _ := suiteTree(t)
	m.Groups[0].ExpectedFailures = append(m.Groups[0].ExpectedFailures, "tests/basic/gone.py")
	_, err := Discover(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gone.py")
}

// scriptedTools fakes every tool; any source whose content contains "FAIL"
// makes the translated program print something else.
type scriptedTools struct {
	mu    sync.Mutex
	calls int
}

func (s *scriptedTools) Run(_ context.Context, c executil.Command) (int, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	src := c.Env["XLATE_SOURCE"]
	data, err := os.ReadFile(src)
	if err != nil {
		return -1, err
	}
	switch c.Label {
	case "origin-runtime":
		return 0, os.WriteFile(c.Stdout, data, 0o600)
	case "translate":
		return 0, os.WriteFile(strings.TrimSuffix(src, filepath.Ext(src))+".rb", data, 0o600)
	case "target-runtime":
		out := data
		if strings.Contains(string(data), "FAIL") {
			out = []byte("different\n")
		}
		return 0, os.WriteFile(c.Stdout, out, 0o600)
	}
	return 127, nil
}

type memRecorder struct {
	mu       sync.Mutex
	progress map[string]int
	cases    map[string]testcase.Status
}

func (r *memRecorder) RecordProgress(_ context.Context, _ string, name string, step int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[name] = step
	return nil
}

func (r *memRecorder) RecordCase(_ context.Context, _ string, res testcase.Result, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cases[res.Name] = res.Status
	return nil
}

func TestRunSuite(t *testing.T) {
	for _, parallel := range []int{1, 4} {
		t.Run("parallel="+strconv.Itoa(parallel), func(t *testing.T) {
			m, dir := suiteTree(t)
			require.NoError(t, os.WriteFile(filepath.Join(dir, "tests", "basic", "broken.py"), []byte("FAIL\n"), 0o600))
			entries, err := Discover(m)
			require.NoError(t, err)

			rec := &memRecorder{progress: map[string]int{}, cases: map[string]testcase.Status{}}
			summary, err := Run(context.Background(), m.Tools, entries, RunOptions{
				Parallel: parallel,
				Runner:   &scriptedTools{},
				Recorder: rec,
				RunID:    "run-1",
			})
			require.NoError(t, err)

			assert.True(t, summary.OK())
			assert.Equal(t, "run-1", summary.RunID)
			assert.Equal(t, 3, summary.Tally.Passed)
			assert.Equal(t, 1, summary.Tally.ExpectedFailure)
			require.Len(t, summary.Results, 4)
			assert.Equal(t, "tests/basic/a.py", summary.Results[0].Name)
			assert.Equal(t, testcase.StatusExpectedFailure, rec.cases["tests/basic/broken.py"])
			assert.Equal(t, 4, rec.progress["tests/basic/a.py"])
			assert.Equal(t, 1, rec.progress["tests/stdlib/strings.rb"])
		})
	}
}

// exclusiveTools flags any moment where two stages touch the same source.
type exclusiveTools struct {
	scriptedTools
	mu      sync.Mutex
	active  map[string]int
	overlap bool
}

func (x *exclusiveTools) Run(ctx context.Context, c executil.Command) (int, error) {
	src := c.Env["XLATE_SOURCE"]
	x.mu.Lock()
	x.active[src]++
	if x.active[src] > 1 {
		x.overlap = true
	}
	x.mu.Unlock()
	defer func() {
		x.mu.Lock()
		x.active[src]--
		x.mu.Unlock()
	}()
	time.Sleep(5 * time.Millisecond)
	return x.scriptedTools.Run(ctx, c)
}

func TestRunSerializesSharedSource(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"suite.yaml": sharedSourceYAML,
		"tests/a.py": "print(1)\n",
		"tests/b.py": "print(2)\n",
	})
	m, err := Load(filepath.Join(dir, "suite.yaml"))
	require.NoError(t, err)
	entries, err := Discover(m)
	require.NoError(t, err)

	tools := &exclusiveTools{active: map[string]int{}}
	summary, err := Run(context.Background(), m.Tools, entries, RunOptions{
		Parallel: 4,
		Runner:   tools,
	})
	require.NoError(t, err)
	assert.True(t, summary.OK())
	assert.Equal(t, 3, summary.Tally.Passed)
	assert.False(t, tools.overlap, "cases sharing a source ran concurrently")
}

func TestRunFilterAndUnexpectedPass(t *testing.T) {
	m, _ := suiteTree(t)
	entries, err := Discover(m)
	require.NoError(t, err)

	summary, err := Run(context.Background(), m.Tools, entries, RunOptions{
		Runner: &scriptedTools{},
		Filter: regexp.MustCompile(`broken`),
	})
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, testcase.StatusUnexpectedPass, summary.Results[0].Status)
	assert.False(t, summary.OK())
	assert.NotEmpty(t, summary.RunID)
}
