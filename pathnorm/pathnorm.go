// Package pathnorm turns native file paths into slash-separated identifiers.
//
// The result is for display and test naming only. File access always uses
// the native path.
package pathnorm

import (
	"path/filepath"
	"strings"
)

// Normalize rejoins the components of a host-native path with forward slashes.
func Normalize(path string) string {
	return NormalizeSep(path, filepath.Separator)
}

// NormalizeSep splits path on sep and rejoins the components with '/'.
// Component names and order are preserved, including empty components, so a
// path of N segments always yields N segments.
func NormalizeSep(path string, sep rune) string {
	if sep == '/' {
		return path
	}
	return strings.Join(strings.Split(path, string(sep)), "/")
}

// Segments returns the components of a normalized path.
func Segments(normalized string) []string {
	return strings.Split(normalized, "/")
}
