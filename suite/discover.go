package suite

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"

	"github.com/lattice-substrate/xlate-check/artifact"
	"github.com/lattice-substrate/xlate-check/harnesserr"
	"github.com/lattice-substrate/xlate-check/pathnorm"
	"github.com/lattice-substrate/xlate-check/testcase"
)

// Entry is one discovered test case.
type Entry struct {
	// Name is the source path relative to the manifest, slash-separated. A
	// source listed by several groups gets its variant appended as
	// "path@variant" so that names stay unique.
	Name string
	// Source is the absolute source path.
	Source        string
	Variant       testcase.Variant
	ExpectFailure bool
}

// stemClaim records which source owns an artifact stem and the variants
// already scheduled for it.
type stemClaim struct {
	name     string
	variants map[testcase.Variant]bool
}

// Discover expands every group of m into entries in a deterministic order.
// Distinct sources may never share a stem, since their artifacts would
// collide. One source may appear in several groups with different variants;
// Run never executes those entries concurrently.
func Discover(m *Manifest) ([]Entry, error) {
	if err := Validate(m); err != nil {
		return nil, err
	}
	var entries []Entry
	claims := make(map[string]*stemClaim)
	for i, g := range m.Groups {
		label := g.Name
		if label == "" {
			label = fmt.Sprintf("groups[%d]", i)
		}
		matched, err := expand(m.Dir, g.Include)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", label, err)
		}
		excluded, err := expand(m.Dir, g.Exclude)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", label, err)
		}
		used := make([]bool, len(g.ExpectedFailures))
		groupCount := 0
		for _, rel := range sortedKeys(matched) {
			if _, skip := excluded[rel]; skip {
				continue
			}
			name := pathnorm.Normalize(rel)
			stem := artifact.Stem(name)
			claim, ok := claims[stem]
			switch {
			case !ok:
				claims[stem] = &stemClaim{name: name, variants: map[testcase.Variant]bool{g.Variant: true}}
			case claim.name != name:
				return nil, harnesserr.New(harnesserr.ConfigInvalid,
					fmt.Sprintf("%s: %s shares artifact stem %q with %s", label, name, stem, claim.name))
			case claim.variants[g.Variant]:
				return nil, harnesserr.New(harnesserr.ConfigInvalid,
					fmt.Sprintf("%s: %s is already listed with variant %s", label, name, g.Variant))
			default:
				claim.variants[g.Variant] = true
			}
			e := Entry{
				Name:    name,
				Source:  filepath.Join(m.Dir, rel),
				Variant: g.Variant,
			}
			for j, pattern := range g.ExpectedFailures {
				if ok, _ := path.Match(pattern, name); ok {
					e.ExpectFailure = true
					used[j] = true
				}
			}
			entries = append(entries, e)
			groupCount++
		}
		if groupCount == 0 {
			return nil, harnesserr.New(harnesserr.ConfigInvalid, fmt.Sprintf("%s: include patterns matched no files", label))
		}
		for j, ok := range used {
			if !ok {
				return nil, harnesserr.New(harnesserr.ConfigInvalid,
					fmt.Sprintf("%s: expected_failures entry %q matches no case", label, g.ExpectedFailures[j]))
			}
		}
	}
	qualifyShared(entries)
	return entries, nil
}

func qualifyShared(entries []Entry) {
	count := make(map[string]int, len(entries))
	for _, e := range entries {
		count[e.Name]++
	}
	for i := range entries {
		if count[entries[i].Name] > 1 {
			entries[i].Name += "@" + string(entries[i].Variant)
		}
	}
}

// expand returns the sorted set of manifest-relative paths matched by the
// patterns.
func expand(dir string, patterns []string) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, filepath.FromSlash(pattern)))
		if err != nil {
			return nil, harnesserr.Wrap(harnesserr.ConfigInvalid, fmt.Sprintf("glob %q", pattern), err)
		}
		for _, match := range matches {
			rel, err := filepath.Rel(dir, match)
			if err != nil {
				return nil, harnesserr.Wrap(harnesserr.InternalIO, "relativize "+match, err)
			}
			set[rel] = struct{}{}
		}
	}
	return set, nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
