package artifact

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lattice-substrate/xlate-check/harnesserr"
)

func TestBuildSuffixTable(t *testing.T) {
	src := filepath.Join("tests", "basic", "for.py")
	tmpl, err := Build(src, "rb")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	stem := filepath.Join("tests", "basic", "for")
	want := map[Role]string{
		Source:                  src,
		SourceDir:               filepath.Join("tests", "basic"),
		SourceOut:               src + ".out",
		SourceErr:               src + ".err",
		Translated:              stem + ".rb",
		TranslatedExpected:      stem + ".rb.expected",
		TranslatedOut:           stem + ".rb.out",
		TranslatedErr:           stem + ".rb.err",
		TranslatedExpectedOut:   stem + ".rb.expected_out",
		TranslatedExpectedInOut: stem + ".rb.expected_in_out",
		CompilerErr:             src + ".comp.err",
		CommandLog:              stem + ".cmd.txt",
	}
	if diff := cmp.Diff(want, tmpl.Map()); diff != "" {
		t.Fatalf("template mismatch (-want +got):\n%s", diff)
	}
	if tmpl.Stem() != stem {
		t.Fatalf("stem = %q, want %q", tmpl.Stem(), stem)
	}
}

func TestStemTable(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"tests/for.py", "tests/for"},
		{"tests/a.b.py", "tests/a.b"},
		{"tests/noext", "tests/noext"},
		{"tests/.hidden", "tests/.hidden"},
		{"tests/..x", "tests/..x"},
		{"tests/.hidden.py", "tests/.hidden"},
		{"tests.d/run", "tests.d/run"},
		{"for.py", "for"},
	}
	for _, tc := range tests {
		if got := Stem(tc.in); got != tc.want {
			t.Errorf("Stem(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBuildHiddenSource(t *testing.T) {
	tmpl := MustBuild(filepath.Join("tests", ".hidden"), "rb")
	want := filepath.Join("tests", ".hidden.rb")
	if got := tmpl.Path(Translated); got != want {
		t.Fatalf("translated = %q, want %q", got, want)
	}
}

func TestBuildDeterministic(t *testing.T) {
	for _, src := range []string{"a.py", "deep/dir/b.py", "noext", "x.tar.py", ".hidden"} {
		a := MustBuild(src, "rb")
		b := MustBuild(src, "rb")
		if !a.Equal(b) {
			t.Fatalf("two builds of %q differ:\n%s\n%s", src, a, b)
		}
		if diff := cmp.Diff(a.Map(), b.Map()); diff != "" {
			t.Fatalf("maps differ for %q:\n%s", src, diff)
		}
	}
}

func TestBuildSharesStem(t *testing.T) {
	tmpl := MustBuild("suite/x.tar.py", ".rb")
	if tmpl.Path(Translated) != "suite/x.tar.rb" {
		t.Fatalf("unexpected translated path %q", tmpl.Path(Translated))
	}
	if tmpl.Path(CommandLog) != "suite/x.tar.cmd.txt" {
		t.Fatalf("unexpected command log path %q", tmpl.Path(CommandLog))
	}
}

func TestMapIsCopy(t *testing.T) {
	tmpl := MustBuild("a.py", "rb")
	m := tmpl.Map()
	m[Source] = "mutated"
	if tmpl.Path(Source) != "a.py" {
		t.Fatal("mutating Map() leaked into the template")
	}
}

func TestBuildRejectsEmptyInputs(t *testing.T) {
	if _, err := Build("", "rb"); !harnesserr.Is(err, harnesserr.ConfigInvalid) {
		t.Fatalf("expected CONFIG_INVALID for empty source, got %v", err)
	}
	if _, err := Build("a.py", ""); !harnesserr.Is(err, harnesserr.ConfigInvalid) {
		t.Fatalf("expected CONFIG_INVALID for empty extension, got %v", err)
	}
}

func TestRolesSorted(t *testing.T) {
	roles := MustBuild("a.py", "rb").Roles()
	if len(roles) != 12 {
		t.Fatalf("expected 12 roles, got %d", len(roles))
	}
	for i := 1; i < len(roles); i++ {
		if roles[i-1] >= roles[i] {
			t.Fatalf("roles not sorted: %v", roles)
		}
	}
}
