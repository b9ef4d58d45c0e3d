package validation

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when a path resolves outside its confinement
// root.
var ErrPathTraversal = errors.New("path escapes confinement root")

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ResolveUnder canonicalizes candidate against root and guarantees the result
// stays inside root. Every externally supplied path the engine touches goes
// through here: fix proposal targets, archive entry names, requested file
// reads, and scanned artifact paths.
//
// candidate may be relative to root or already absolute. The returned abs is
// the cleaned absolute path and rel is the slash-separated path relative to
// root ("." for root itself). Paths that resolve outside root return
// ErrPathTraversal.
func ResolveUnder(root, candidate string) (abs string, rel string, err error) {
	if strings.TrimSpace(candidate) == "" {
		return "", "", &ValidationError{Field: "path", Message: "path is required"}
	}
	if strings.ContainsRune(candidate, 0) {
		return "", "", &ValidationError{Field: "path", Message: "path contains a NUL byte"}
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", "", fmt.Errorf("resolving root %s: %w", root, err)
	}

	abs = filepath.FromSlash(candidate)
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(rootAbs, abs)
	}
	abs = filepath.Clean(abs)

	rel, err = filepath.Rel(rootAbs, abs)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrPathTraversal, candidate)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %s", ErrPathTraversal, candidate)
	}

	return abs, filepath.ToSlash(rel), nil
}
