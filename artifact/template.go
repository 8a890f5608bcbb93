// Package artifact derives every artifact path belonging to one source file.
//
// Derivation is a pure string transform: the stage runner writes these paths
// and the comparator reads them, so both must agree byte for byte.
package artifact

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lattice-substrate/xlate-check/harnesserr"
)

// Role names one artifact of a test case.
type Role string

const (
	Source                  Role = "source"
	SourceDir               Role = "source_dir"
	SourceOut               Role = "source_out"
	SourceErr               Role = "source_err"
	Translated              Role = "translated"
	TranslatedExpected      Role = "translated_expected"
	TranslatedOut           Role = "translated_out"
	TranslatedErr           Role = "translated_err"
	TranslatedExpectedOut   Role = "translated_expected_out"
	TranslatedExpectedInOut Role = "translated_expected_in_out"
	CompilerErr             Role = "compiler_err"
	CommandLog              Role = "command_log"
)

// Template is an immutable mapping from role to derived path.
type Template struct {
	stem  string
	paths map[Role]string
}

// Build derives the template for sourcePath. targetExt is the translated
// source extension without the leading dot.
func Build(sourcePath, targetExt string) (Template, error) {
	if sourcePath == "" {
		return Template{}, harnesserr.New(harnesserr.ConfigInvalid, "source path is required")
	}
	targetExt = strings.TrimPrefix(targetExt, ".")
	if targetExt == "" {
		return Template{}, harnesserr.New(harnesserr.ConfigInvalid, "target extension is required")
	}
	stem := Stem(sourcePath)
	target := stem + "." + targetExt
	return Template{
		stem: stem,
		paths: map[Role]string{
			Source:                  sourcePath,
			SourceDir:               filepath.Dir(sourcePath),
			SourceOut:               sourcePath + ".out",
			SourceErr:               sourcePath + ".err",
			Translated:              target,
			TranslatedExpected:      target + ".expected",
			TranslatedOut:           target + ".out",
			TranslatedErr:           target + ".err",
			TranslatedExpectedOut:   target + ".expected_out",
			TranslatedExpectedInOut: target + ".expected_in_out",
			CompilerErr:             sourcePath + ".comp.err",
			CommandLog:              stem + ".cmd.txt",
		},
	}, nil
}

// Stem strips the extension from the last element of p. The extension starts
// at the final dot of that element, except that leading dots never begin one:
// "tests/.hidden" and "tests/..x" are their own stems.
func Stem(p string) string {
	i := strings.LastIndexAny(p, "/"+string(filepath.Separator))
	base := p[i+1:]
	j := strings.LastIndexByte(base, '.')
	if j <= 0 || strings.Trim(base[:j], ".") == "" {
		return p
	}
	return p[:i+1+j]
}

// MustBuild is Build for statically known inputs.
func MustBuild(sourcePath, targetExt string) Template {
	t, err := Build(sourcePath, targetExt)
	if err != nil {
		panic(err)
	}
	return t
}

// Path returns the path for role, or "" for an unknown role.
func (t Template) Path(role Role) string {
	return t.paths[role]
}

// Stem is the source path with its extension stripped.
func (t Template) Stem() string {
	return t.stem
}

// Roles returns every role in the template, sorted.
func (t Template) Roles() []Role {
	roles := make([]Role, 0, len(t.paths))
	for r := range t.paths {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// Map returns a copy of the role mapping.
func (t Template) Map() map[Role]string {
	m := make(map[Role]string, len(t.paths))
	for k, v := range t.paths {
		m[k] = v
	}
	return m
}

// Equal reports whether both templates map every role to the same path.
func (t Template) Equal(other Template) bool {
	if t.stem != other.stem || len(t.paths) != len(other.paths) {
		return false
	}
	for k, v := range t.paths {
		if other.paths[k] != v {
			return false
		}
	}
	return true
}

// String renders the template one role per line.
func (t Template) String() string {
	var b strings.Builder
	for _, r := range t.Roles() {
		fmt.Fprintf(&b, "%s: %s\n", r, t.paths[r])
	}
	return b.String()
}
