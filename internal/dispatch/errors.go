package dispatch

import (
	"errors"
	"fmt"

	"midsoc/internal/schema"
)

var (
	// ErrCapability marks a failed call against a tool adapter.
	ErrCapability = errors.New("capability failed")

	// ErrRejected is wrapped when an adapter returns false without an error.
	ErrRejected = errors.New("operation rejected by tool")

	// ErrDelete marks a failed removal of a consumed artifact.
	ErrDelete = errors.New("artifact cleanup failed")

	// ErrNoCapability is returned when no adapter is configured for a tool.
	ErrNoCapability = errors.New("no adapter configured")
)

// CapabilityError describes a failed action against a target tool.
type CapabilityError struct {
	Tool schema.Tool
	Kind schema.Kind
	Err  error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Tool, e.Kind, e.Err)
}

func (e *CapabilityError) Unwrap() []error {
	return []error{ErrCapability, e.Err}
}

// DeleteError describes a consumed artifact that could not be removed.
type DeleteError struct {
	Path string
	Err  error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrDelete, e.Path, e.Err)
}

func (e *DeleteError) Unwrap() []error {
	return []error{ErrDelete, e.Err}
}
