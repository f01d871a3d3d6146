package repository

import "errors"

// Storage-level sentinel errors. Services translate these at their boundary;
// handlers map them to response codes via errors.Is.
var (
	// ErrNotFound means the referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists means a uniqueness constraint rejected the insert.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrInvalidState means the record is not in a state that permits the
	// requested mutation (e.g. the attempt is already submitted).
	ErrInvalidState = errors.New("record state does not permit this operation")
)
