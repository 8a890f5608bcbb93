// Package bundle packs the artifacts of one test case into a txtar archive
// for postmortem inspection, and restores them.
package bundle

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/tools/txtar"

	"github.com/lattice-substrate/xlate-check/artifact"
	"github.com/lattice-substrate/xlate-check/harnesserr"
)

const (
	header      = "xlate-check pack v1"
	failureFile = "failure.txt"
	filePerm    = 0o644
)

// Pack collects every existing artifact of tmpl. The archive comment records
// the case name, the failure class and a digest line per file; the full
// failure text, if any, is stored as failure.txt.
func Pack(tmpl artifact.Template, name string, failure error) (*txtar.Archive, error) {
	a := &txtar.Archive{}
	var (
		lines []string
		total uint64
	)
	for _, role := range tmpl.Roles() {
		if role == artifact.SourceDir {
			continue
		}
		p := tmpl.Path(role)
		// #nosec G304 -- artifact path is template-derived.
		data, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, harnesserr.Wrap(harnesserr.InternalIO, "read artifact "+p, err)
		}
		entry := string(role) + "/" + filepath.Base(p)
		if err := addFile(a, entry, data); err != nil {
			return nil, err
		}
		lines = append(lines, fileLine(entry, data))
		total += uint64(len(data))
	}
	if len(a.Files) == 0 {
		return nil, harnesserr.New(harnesserr.MissingExpectedArtifact,
			fmt.Sprintf("no artifacts exist for %s", tmpl.Path(artifact.Source)))
	}
	class := "none"
	if failure != nil {
		msg := []byte(failure.Error() + "\n")
		if err := addFile(a, failureFile, msg); err != nil {
			return nil, err
		}
		lines = append(lines, fileLine(failureFile, msg))
		if c := harnesserr.ClassOf(failure); c != "" {
			class = string(c)
		} else {
			class = "unclassified"
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\ncase: %s\nclass: %s\ntotal: %s in %d files\n",
		header, name, class, humanize.Bytes(total), len(lines))
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	a.Comment = []byte(b.String())
	return a, nil
}

// Write stores the archive at path.
func Write(path string, a *txtar.Archive) error {
	if err := os.WriteFile(path, txtar.Format(a), filePerm); err != nil {
		return harnesserr.Wrap(harnesserr.InternalIO, "write pack", err)
	}
	return nil
}

// Read loads and verifies an archive written by Write.
func Read(path string) (*txtar.Archive, error) {
	a, err := txtar.ParseFile(path)
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.ConfigInvalid, "read pack", err)
	}
	if err := Verify(a); err != nil {
		return nil, err
	}
	return a, nil
}

// Verify checks every file of a against the digest lines in its comment.
func Verify(a *txtar.Archive) error {
	want, err := parseComment(a.Comment)
	if err != nil {
		return err
	}
	if len(want) != len(a.Files) {
		return invalid(fmt.Sprintf("pack lists %d files but holds %d", len(want), len(a.Files)))
	}
	for _, f := range a.Files {
		meta, ok := want[f.Name]
		if !ok {
			return invalid(fmt.Sprintf("pack file %s is not listed", f.Name))
		}
		if got := sha256Hex(restore(f.Data, meta)); got != meta.sha {
			return invalid(fmt.Sprintf("pack file %s digest mismatch", f.Name))
		}
	}
	return nil
}

// Unpack writes the artifacts of a into dir under their original base names
// and returns the written paths.
func Unpack(a *txtar.Archive, dir string) ([]string, error) {
	meta, err := parseComment(a.Comment)
	if err != nil {
		return nil, err
	}
	written := make([]string, 0, len(a.Files))
	for _, f := range a.Files {
		if !validName(f.Name) {
			return nil, invalid(fmt.Sprintf("pack file name %q is not role/base", f.Name))
		}
		m, ok := meta[f.Name]
		if !ok {
			return nil, invalid(fmt.Sprintf("pack file %s is not listed", f.Name))
		}
		dst := filepath.Join(dir, path.Base(f.Name))
		if err := os.WriteFile(dst, restore(f.Data, m), filePerm); err != nil {
			return nil, harnesserr.Wrap(harnesserr.InternalIO, "unpack "+f.Name, err)
		}
		written = append(written, dst)
	}
	return written, nil
}

// Case returns the case name recorded in the archive comment.
func Case(a *txtar.Archive) string {
	sc := bufio.NewScanner(bytes.NewReader(a.Comment))
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "case: "); ok {
			return name
		}
	}
	return ""
}

func validName(name string) bool {
	if name == failureFile {
		return true
	}
	role, base, ok := strings.Cut(name, "/")
	return ok && role != "" && role != "." && role != ".." && base != "" && !strings.ContainsAny(base, "/\\") && base != "." && base != ".."
}

type fileMeta struct {
	sha string
	// trimmed marks data that had no final newline before txtar added one.
	trimmed bool
}

// fileLine quotes name so base names with spaces survive the round trip.
func fileLine(name string, data []byte) string {
	line := "file " + strconv.Quote(name) + " " + sha256Hex(data) + " " + strconv.Itoa(len(data))
	if len(data) > 0 && data[len(data)-1] != '\n' {
		line += " nonl"
	}
	return line
}

func parseComment(comment []byte) (map[string]fileMeta, error) {
	sc := bufio.NewScanner(bytes.NewReader(comment))
	if !sc.Scan() || sc.Text() != header {
		return nil, invalid("pack header missing")
	}
	out := make(map[string]fileMeta)
	for sc.Scan() {
		rest, ok := strings.CutPrefix(sc.Text(), "file ")
		if !ok {
			continue
		}
		quoted, err := strconv.QuotedPrefix(rest)
		if err != nil {
			return nil, invalid(fmt.Sprintf("malformed pack file line %q", sc.Text()))
		}
		name, err := strconv.Unquote(quoted)
		if err != nil {
			return nil, invalid(fmt.Sprintf("malformed pack file line %q", sc.Text()))
		}
		fields := strings.Fields(rest[len(quoted):])
		if len(fields) < 2 || len(fields) > 3 || (len(fields) == 3 && fields[2] != "nonl") {
			return nil, invalid(fmt.Sprintf("malformed pack file line %q", sc.Text()))
		}
		out[name] = fileMeta{sha: fields[0], trimmed: len(fields) == 3}
	}
	if err := sc.Err(); err != nil {
		return nil, harnesserr.Wrap(harnesserr.InternalIO, "scan pack comment", err)
	}
	return out, nil
}

func restore(data []byte, m fileMeta) []byte {
	if m.trimmed && len(data) > 0 && data[len(data)-1] == '\n' {
		return data[:len(data)-1]
	}
	return data
}

// addFile rejects content txtar would misparse as a file marker.
func addFile(a *txtar.Archive, name string, data []byte) error {
	if strings.TrimSpace(name) != name {
		return harnesserr.New(harnesserr.InternalIO,
			fmt.Sprintf("%q has surrounding blanks that a txtar header would drop", name))
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if bytes.HasPrefix(line, []byte("-- ")) && bytes.HasSuffix(line, []byte(" --")) {
			return harnesserr.New(harnesserr.InternalIO,
				fmt.Sprintf("%s contains a txtar file marker line and cannot be packed", name))
		}
	}
	a.Files = append(a.Files, txtar.File{Name: name, Data: data})
	return nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func invalid(msg string) error {
	return harnesserr.New(harnesserr.ConfigInvalid, msg)
}
