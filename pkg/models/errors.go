package models

import "github.com/cockroachdb/errors"

// Failure classes shared by every planner package. Callers test with
// errors.Is; producers wrap the sentinel or errors.Mark a lower-level error
// with it.
var (
	// ErrNotFound marks a missing statistics resource or dictionary.
	ErrNotFound = errors.New("not found")

	// ErrCorruptData marks a truncated or malformed sketch, record or snapshot.
	ErrCorruptData = errors.New("corrupt data")

	// ErrIncompatibleSketch marks a merge of sketches with different precision.
	ErrIncompatibleSketch = errors.New("incompatible sketch")

	// ErrInvalidConfiguration marks inconsistent cube or job settings.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrEncodingOverflow marks a dictionary too large for a 4-byte id.
	ErrEncodingOverflow = errors.New("encoding overflow")
)
