// Package blob stores opaque byte objects under slash-separated paths. Two
// backends are provided: Dir keeps objects on the local filesystem and Remote
// talks to an HTTP blob service. Callers distinguish a missing object from a
// failing backend: the former is ErrNotFound, the latter an *Error.
package blob

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound reports that no object exists at the requested path. It is a
// lookup miss, not a backend failure.
var ErrNotFound = errors.New("blob: object not found")

// Store reads, writes and deletes byte objects by path.
type Store interface {
	// Read returns the object at path, or ErrNotFound when none exists.
	Read(ctx context.Context, path string) ([]byte, error)
	// Stat returns the size in bytes of the object at path, or ErrNotFound
	// when none exists. Backends that cannot determine the size report -1.
	Stat(ctx context.Context, path string) (int64, error)
	// Write stores data at path, replacing any previous object.
	Write(ctx context.Context, path string, data []byte) error
	// Delete removes the object at path. Deleting a missing object is not
	// an error.
	Delete(ctx context.Context, path string) error
}

// Error describes a failed storage operation. Transient errors may succeed
// when retried later; anything else is a hard failure.
type Error struct {
	Op        string
	Path      string
	Status    int
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("blob %s %s: status %d: %v", e.Op, e.Path, e.Status, e.Err)
	}
	return fmt.Sprintf("blob %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a storage error worth retrying.
func IsTransient(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Transient
}
