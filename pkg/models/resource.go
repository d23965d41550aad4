package models

import (
	"bytes"
	"io"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
)

// Resource path validation
var resourcePathRegex = regexp.MustCompile(`^(/[A-Za-z0-9_.\-]+)+$`)

// MaxResourcePathLength bounds resource paths in every backend.
const MaxResourcePathLength = 512

// ErrInvalidResourcePath marks paths rejected by ValidateResourcePath.
var ErrInvalidResourcePath = errors.New("invalid resource path: must be absolute, slash separated, no '..'")

// Resource is the content of a stored path with the time it was written.
// Callers must close Content.
type Resource struct {
	Path    string
	Content io.ReadCloser
	// Timestamp is the write time in Unix milliseconds.
	Timestamp int64
}

// ValidateResourcePath checks that path is absolute and made of plain
// segments.
func ValidateResourcePath(path string) error {
	if path == "" || len(path) > MaxResourcePathLength {
		return ErrInvalidResourcePath
	}
	if !resourcePathRegex.MatchString(path) {
		return ErrInvalidResourcePath
	}
	for _, seg := range strings.Split(path[1:], "/") {
		if seg == "." || seg == ".." {
			return ErrInvalidResourcePath
		}
	}
	return nil
}

// NewResource wraps stored bytes as a Resource.
func NewResource(path string, data []byte, timestamp int64) *Resource {
	return &Resource{
		Path:      path,
		Content:   io.NopCloser(bytes.NewReader(data)),
		Timestamp: timestamp,
	}
}

// ResourceNotFound wraps ErrNotFound with the missing path.
func ResourceNotFound(path string) error {
	return errors.Wrapf(ErrNotFound, "resource %s", path)
}
