package watcher

import (
	"errors"
	"fmt"
)

// ErrDirectoryNotFound is returned when a watched path is missing or is not
// a directory.
var ErrDirectoryNotFound = errors.New("directory not found")

// DirectoryNotFoundError carries the offending path.
type DirectoryNotFoundError struct {
	Path string
	Err  error
}

func (e *DirectoryNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("watch %s: %v: %v", e.Path, ErrDirectoryNotFound, e.Err)
	}
	return fmt.Sprintf("watch %s: %v", e.Path, ErrDirectoryNotFound)
}

func (e *DirectoryNotFoundError) Unwrap() error {
	return ErrDirectoryNotFound
}
