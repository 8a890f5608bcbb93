package suite

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lattice-substrate/xlate-check/harnesserr"
	"github.com/lattice-substrate/xlate-check/testcase"
)

// ManifestVersion is the only supported manifest version.
const ManifestVersion = "v1"

// Manifest describes a transpiler suite: where the tools are and which
// fixtures run under which variant.
type Manifest struct {
	Version      string          `yaml:"version"`
	TargetExt    string          `yaml:"target_ext"`
	Tools        testcase.Config `yaml:"tools"`
	StageTimeout string          `yaml:"stage_timeout"`
	Parallel     int             `yaml:"parallel"`
	Wrapper      []string        `yaml:"wrapper"`
	Groups       []Group         `yaml:"groups"`

	// Dir is the manifest directory; globs and relative tool paths resolve
	// against it.
	Dir string `yaml:"-"`
	// SHA256 is the digest of the manifest bytes.
	SHA256 string `yaml:"-"`
	// Path is where the manifest was loaded from.
	Path string `yaml:"-"`
}

// Group selects fixtures for one variant.
type Group struct {
	Name             string           `yaml:"name"`
	Variant          testcase.Variant `yaml:"variant"`
	Include          []string         `yaml:"include"`
	Exclude          []string         `yaml:"exclude"`
	ExpectedFailures []string         `yaml:"expected_failures"`
}

// Load reads, decodes and validates a suite manifest.
//
//nolint:gosec // manifest path is explicit operator input.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.ConfigInvalid, "read manifest", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.InternalIO, "resolve manifest path", err)
	}
	m.Path = path
	m.Dir = filepath.Dir(abs)
	if m.Tools.WorkDir == "" {
		m.Tools.WorkDir = m.Dir
	} else if !filepath.IsAbs(m.Tools.WorkDir) {
		m.Tools.WorkDir = filepath.Join(m.Dir, m.Tools.WorkDir)
	}
	return m, nil
}

// Parse decodes and validates manifest bytes. Unknown fields and trailing
// documents are rejected.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, harnesserr.Wrap(harnesserr.ConfigInvalid, "decode manifest yaml", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, harnesserr.New(harnesserr.ConfigInvalid, "unexpected trailing yaml document")
		}
		return nil, harnesserr.Wrap(harnesserr.ConfigInvalid, "decode trailing yaml document", err)
	}
	if m.Tools.TargetExt == "" {
		m.Tools.TargetExt = m.TargetExt
	}
	sum := sha256.Sum256(data)
	m.SHA256 = hex.EncodeToString(sum[:])
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks manifest semantics.
func Validate(m *Manifest) error {
	if m == nil {
		return harnesserr.New(harnesserr.ConfigInvalid, "manifest is nil")
	}
	if m.Version != ManifestVersion {
		return harnesserr.New(harnesserr.ConfigInvalid, fmt.Sprintf("unsupported manifest version %q", m.Version))
	}
	if m.Parallel < 0 {
		return harnesserr.New(harnesserr.ConfigInvalid, "parallel cannot be negative")
	}
	if _, err := m.Timeout(); err != nil {
		return err
	}
	if len(m.Groups) == 0 {
		return harnesserr.New(harnesserr.ConfigInvalid, "manifest must include at least one group")
	}
	for i, g := range m.Groups {
		label := g.Name
		if label == "" {
			label = fmt.Sprintf("groups[%d]", i)
		}
		if len(g.Include) == 0 {
			return harnesserr.New(harnesserr.ConfigInvalid, fmt.Sprintf("%s: include is required", label))
		}
		if err := m.Tools.Validate(g.Variant); err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
		for _, pattern := range append(append([]string(nil), g.Include...), g.Exclude...) {
			if _, err := filepath.Match(pattern, ""); err != nil {
				return harnesserr.Wrap(harnesserr.ConfigInvalid, fmt.Sprintf("%s: bad pattern %q", label, pattern), err)
			}
		}
	}
	return nil
}

// Timeout parses the per-stage timeout. Empty means no limit.
func (m *Manifest) Timeout() (time.Duration, error) {
	if m.StageTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(m.StageTimeout)
	if err != nil || d < 0 {
		return 0, harnesserr.New(harnesserr.ConfigInvalid, fmt.Sprintf("invalid stage_timeout %q", m.StageTimeout))
	}
	return d, nil
}
