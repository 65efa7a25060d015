package repo

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a conditional write whose precondition no longer holds.
	ErrConflict = errors.New("conflict")
)
