// Package pathutil decides what to do with output paths that may
// already exist and keeps generated filenames legal on the host
// filesystem.
package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Policy governs how a pre-existing output path is handled when a job
// is admitted.
type Policy string

const (
	// PolicySkip leaves an existing file alone and marks the job to be
	// skipped without running.
	PolicySkip Policy = "skip"
	// PolicyReplace overwrites an existing file.
	PolicyReplace Policy = "replace"
	// PolicyUnique writes to a numbered "name (N).ext" variant instead.
	PolicyUnique Policy = "unique"
)

const (
	maxFilenameLength = 255
	maxUniqueAttempts = 9999
	fallbackName      = "converted_file"
)

// ErrPathExhausted is returned when every numbered variant up to the
// attempt limit already exists.
var ErrPathExhausted = errors.New("no unique output path available")

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// ParsePolicy validates a policy string coming from config or an API
// request.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicySkip, PolicyReplace, PolicyUnique:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown overwrite policy %q", s)
}

// Resolve applies an overwrite policy to a desired output path. It
// returns the path to write and skip=true when the skip policy matched
// an existing file. A desired path that does not exist yet is always
// returned unchanged.
func Resolve(desired string, policy Policy) (string, bool, error) {
	switch policy {
	case PolicySkip:
		if exists(desired) {
			return desired, true, nil
		}
		return desired, false, nil
	case PolicyReplace:
		return desired, false, nil
	case PolicyUnique:
		if !exists(desired) {
			return desired, false, nil
		}
		dir := filepath.Dir(desired)
		base := filepath.Base(desired)
		ext := filepath.Ext(base)
		stem := strings.TrimSuffix(base, ext)
		unique, err := UniquePath(dir, stem, ext)
		if err != nil {
			return "", false, err
		}
		return unique, false, nil
	}
	return "", false, fmt.Errorf("unknown overwrite policy %q", policy)
}

// UniquePath returns the first non-existing "<stem> (N)<ext>" variant
// in dir, trying the plain name first. The stem is sanitized before
// any candidate is built.
func UniquePath(dir, stem, ext string) (string, error) {
	stem = SanitizeFilename(stem)

	candidate := filepath.Join(dir, stem+ext)
	if !exists(candidate) {
		return candidate, nil
	}
	for n := 1; n <= maxUniqueAttempts; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if !exists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w for %q", ErrPathExhausted, stem)
}

// SanitizeFilename replaces characters that are illegal on at least
// one supported platform, trims stray dots and whitespace, substitutes
// a fallback for empty results, and truncates overlong names, keeping
// the extension when it fits within the length limit.
func SanitizeFilename(name string) string {
	sanitized := invalidFilenameChars.ReplaceAllString(name, "_")
	sanitized = strings.Trim(sanitized, ". ")
	if sanitized == "" {
		sanitized = fallbackName
	}
	if len(sanitized) > maxFilenameLength {
		ext := filepath.Ext(sanitized)
		if len(ext) >= maxFilenameLength {
			ext = ""
		}
		sanitized = sanitized[:maxFilenameLength-len(ext)] + ext
	}
	return sanitized
}

// EnsureDir creates dir and any missing parents.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
