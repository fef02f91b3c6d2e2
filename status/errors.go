package status

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/rgt-harness/rgt/model"
)

var (
	ErrAlreadyExists     = errors.New("status file already exists")
	ErrNotFound          = errors.New("status file not found")
	ErrIllegalTransition = errors.New("illegal lifecycle transition")
	ErrLocked            = errors.New("status file is held by another writer")
	ErrClosed            = errors.New("status file is closed")
)

// AlreadyExistsError is returned when a status file is opened with ModeNew
// at a path that already holds a file.
type AlreadyExistsError struct {
	Path string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAlreadyExists, e.Path)
}

func (e *AlreadyExistsError) Unwrap() error { return ErrAlreadyExists }

// NotFoundError is returned when a status file is opened with ModeOld at a
// path that does not exist.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", ErrNotFound, e.Path)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// TransitionError describes an event that breaks the lifecycle ordering.
type TransitionError struct {
	// Index of the offending event in the record, or -1 for a rejected append
	Index  int
	Kind   model.EventKind
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %s: %s", ErrIllegalTransition, e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: event %d (%s): %s", ErrIllegalTransition, e.Index, e.Kind, e.Reason)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }
