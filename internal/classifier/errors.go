package classifier

import (
	"errors"
	"fmt"
)

var (
	// ErrIO is returned when an artifact cannot be read.
	ErrIO = errors.New("artifact unreadable")

	// ErrMalformedArtifact explains why a payload was not recognized. It is
	// carried on Result.Reason and never returned from Classify.
	ErrMalformedArtifact = errors.New("malformed artifact")
)

// IOError wraps a read failure with the artifact path.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrIO, e.Path, e.Err)
}

func (e *IOError) Unwrap() []error {
	return []error{ErrIO, e.Err}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedArtifact, fmt.Sprintf(format, args...))
}
