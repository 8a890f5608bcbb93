package pathnorm

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNormalizeSepWindows(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`tests\basic\for.py`, "tests/basic/for.py"},
		{`C:\work\a.py`, "C:/work/a.py"},
		{`a.py`, "a.py"},
		{`\\server\share\x.py`, "//server/share/x.py"},
		{`dir\`, "dir/"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeSep(tc.in, '\\'); got != tc.want {
			t.Errorf("NormalizeSep(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeSegmentCountAndOrder(t *testing.T) {
	inputs := [][]string{
		{"tests", "basic", "for.py"},
		{"one"},
		{"a", "b", "c", "d", "e.py"},
		{"", "abs", "x.py"},
	}
	for _, segs := range inputs {
		native := strings.Join(segs, `\`)
		got := NormalizeSep(native, '\\')
		if diff := cmp.Diff(segs, Segments(got)); diff != "" {
			t.Errorf("segments of %q mismatch (-want +got):\n%s", native, diff)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{`tests\basic\for.py`, "tests/basic/for.py", `a\b/c`, ""}
	for _, in := range inputs {
		once := NormalizeSep(in, '\\')
		twice := NormalizeSep(once, '\\')
		if once != twice {
			t.Errorf("not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestNormalizeHost(t *testing.T) {
	native := filepath.Join("tests", "strings", "join.py")
	if got := Normalize(native); got != "tests/strings/join.py" {
		t.Fatalf("Normalize(%q) = %q", native, got)
	}
	if Normalize(Normalize(native)) != Normalize(native) {
		t.Fatal("Normalize is not idempotent on host paths")
	}
}
