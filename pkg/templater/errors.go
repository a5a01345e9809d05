package templater

import (
	"fmt"

	"gitlab.com/tozd/go/errors"
)

// ErrInternalConsistency reports a trace that could not be turned into a
// valid templated file. It points at a defect in the tracer, never at the
// template being processed.
var ErrInternalConsistency = errors.Base("templater internal consistency failure")

// SkipFileError is returned instead of an Outcome when a file is too large to
// be templated. It is a resource decision, not a templating defect.
type SkipFileError struct {
	Name   string
	Length int
	Limit  int
}

func (e *SkipFileError) Error() string {
	return fmt.Sprintf("Length of file %d is over limit %d", e.Length, e.Limit)
}
