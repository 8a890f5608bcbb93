// Package evidence writes and verifies the machine-readable report of a
// suite run.
//
// A report is stored as RFC 8785 canonical JSON. Its report_sha256 field is
// the SHA-256 of the canonical form of the report with that field empty, so
// any edit to a stored report is detected by Validate.
package evidence

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"

	"github.com/lattice-substrate/xlate-check/harnesserr"
	"github.com/lattice-substrate/xlate-check/suite"
	"github.com/lattice-substrate/xlate-check/testcase"
)

const SchemaVersion = "xlate-evidence.v1"

const filePerm = 0o600

// Report is the evidence document of one suite run.
type Report struct {
	SchemaVersion    string         `json:"schema_version"`
	RunID            string         `json:"run_id"`
	ManifestPath     string         `json:"manifest_path"`
	ManifestSHA256   string         `json:"manifest_sha256"`
	GeneratedAtUTC   string         `json:"generated_at_utc"`
	ElapsedMS        int64          `json:"elapsed_ms"`
	Cases            []CaseEvidence `json:"cases"`
	Passed           int            `json:"passed"`
	Failed           int            `json:"failed"`
	ExpectedFailures int            `json:"expected_failures"`
	UnexpectedPasses int            `json:"unexpected_passes"`
	ReportSHA256     string         `json:"report_sha256"`
}

// CaseEvidence is the outcome of one case.
type CaseEvidence struct {
	Name         string `json:"name"`
	Variant      string `json:"variant"`
	Status       string `json:"status"`
	Mode         string `json:"mode,omitempty"`
	FailureClass string `json:"failure_class,omitempty"`
	Message      string `json:"message,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
}

// Build assembles a report from a finished run. Cases are ordered by name.
func Build(s *suite.Summary, m *suite.Manifest, generated time.Time) (*Report, error) {
	if s == nil || m == nil {
		return nil, harnesserr.New(harnesserr.InternalIO, "summary and manifest are required")
	}
	r := &Report{
		SchemaVersion:    SchemaVersion,
		RunID:            s.RunID,
		ManifestPath:     m.Path,
		ManifestSHA256:   m.SHA256,
		GeneratedAtUTC:   generated.UTC().Format(time.RFC3339),
		ElapsedMS:        s.Tally.Elapsed.Milliseconds(),
		Cases:            make([]CaseEvidence, 0, len(s.Results)),
		Passed:           s.Tally.Passed,
		Failed:           s.Tally.Failed,
		ExpectedFailures: s.Tally.ExpectedFailure,
		UnexpectedPasses: s.Tally.UnexpectedPass,
	}
	for _, res := range s.Results {
		c := CaseEvidence{
			Name:       res.Name,
			Variant:    string(res.Variant),
			Status:     string(res.Status),
			Mode:       string(res.Mode),
			DurationMS: res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			c.FailureClass = string(harnesserr.ClassOf(res.Err))
			c.Message = res.Err.Error()
		}
		r.Cases = append(r.Cases, c)
	}
	sort.Slice(r.Cases, func(i, j int) bool { return r.Cases[i].Name < r.Cases[j].Name })
	digest, err := Digest(r)
	if err != nil {
		return nil, err
	}
	r.ReportSHA256 = digest
	return r, nil
}

// Digest returns the hex SHA-256 of the canonical form of r with
// report_sha256 cleared.
func Digest(r *Report) (string, error) {
	clone := *r
	clone.ReportSHA256 = ""
	data, err := canonical(&clone)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Write stores r as canonical JSON followed by a newline.
func Write(path string, r *Report) error {
	if r == nil {
		return harnesserr.New(harnesserr.InternalIO, "evidence report is nil")
	}
	data, err := canonical(r)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, filePerm); err != nil {
		return harnesserr.Wrap(harnesserr.InternalIO, "write evidence file", err)
	}
	return nil
}

// Load reads a report. Unknown fields and trailing content are rejected.
//
//nolint:gosec // evidence path is explicit operator input.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.ConfigInvalid, "read evidence", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var r Report
	if err := dec.Decode(&r); err != nil {
		return nil, harnesserr.Wrap(harnesserr.ConfigInvalid, "decode evidence", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, harnesserr.New(harnesserr.ConfigInvalid, "unexpected trailing json content")
		}
		return nil, harnesserr.Wrap(harnesserr.ConfigInvalid, "decode trailing json token", err)
	}
	return &r, nil
}

// Validate checks report structure, count consistency and the digest.
//
//nolint:gocyclo,cyclop // every rejected field gets its own message.
func Validate(r *Report) error {
	if r == nil {
		return invalid("evidence report is nil")
	}
	if r.SchemaVersion != SchemaVersion {
		return invalid(fmt.Sprintf("unsupported schema_version %q", r.SchemaVersion))
	}
	if strings.TrimSpace(r.RunID) == "" {
		return invalid("run_id is required")
	}
	if !isHexDigest(r.ManifestSHA256) {
		return invalid("manifest_sha256 must be 64 lowercase hex characters")
	}
	if _, err := time.Parse(time.RFC3339, r.GeneratedAtUTC); err != nil {
		return invalid(fmt.Sprintf("generated_at_utc %q is not RFC 3339", r.GeneratedAtUTC))
	}
	if len(r.Cases) == 0 {
		return invalid("evidence must include cases")
	}

	counts := map[testcase.Status]int{}
	var prev string
	for i, c := range r.Cases {
		if c.Name == "" {
			return invalid(fmt.Sprintf("cases[%d] has empty name", i))
		}
		if i > 0 && c.Name <= prev {
			return invalid(fmt.Sprintf("cases[%d] %q is out of order or duplicated", i, c.Name))
		}
		prev = c.Name
		if _, err := testcase.FactoryFor(testcase.Variant(c.Variant)); err != nil {
			return invalid(fmt.Sprintf("case %s has unknown variant %q", c.Name, c.Variant))
		}
		status := testcase.Status(c.Status)
		switch status {
		case testcase.StatusPassed:
			if c.FailureClass != "" {
				return invalid(fmt.Sprintf("case %s passed but records failure_class %s", c.Name, c.FailureClass))
			}
		case testcase.StatusUnexpectedPass:
			if c.FailureClass != string(harnesserr.UnexpectedPass) {
				return invalid(fmt.Sprintf("case %s is %s but records failure_class %q", c.Name, status, c.FailureClass))
			}
		case testcase.StatusFailed, testcase.StatusExpectedFailure:
			if c.FailureClass == "" {
				return invalid(fmt.Sprintf("case %s is %s without failure_class", c.Name, status))
			}
		default:
			return invalid(fmt.Sprintf("case %s has unknown status %q", c.Name, c.Status))
		}
		counts[status]++
	}
	for _, check := range []struct {
		name string
		got  int
		want int
	}{
		{"passed", r.Passed, counts[testcase.StatusPassed]},
		{"failed", r.Failed, counts[testcase.StatusFailed]},
		{"expected_failures", r.ExpectedFailures, counts[testcase.StatusExpectedFailure]},
		{"unexpected_passes", r.UnexpectedPasses, counts[testcase.StatusUnexpectedPass]},
	} {
		if check.got != check.want {
			return invalid(fmt.Sprintf("%s count mismatch: report=%d cases=%d", check.name, check.got, check.want))
		}
	}

	digest, err := Digest(r)
	if err != nil {
		return err
	}
	if r.ReportSHA256 != digest {
		return invalid("report_sha256 mismatch")
	}
	return nil
}

// OK reports whether the run recorded in r succeeded.
func (r *Report) OK() bool {
	return r.Failed == 0 && r.UnexpectedPasses == 0
}

func canonical(r *Report) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.InternalIO, "marshal evidence", err)
	}
	out, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.InternalIO, "canonicalize evidence", err)
	}
	return out, nil
}

func isHexDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func invalid(msg string) error {
	return harnesserr.New(harnesserr.ConfigInvalid, msg)
}
