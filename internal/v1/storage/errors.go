package storage

import "errors"

// Sentinel errors forming the Storage error taxonomy. Backend errors are
// not a sentinel — callers wrap the underlying driver error with
// fmt.Errorf("...: %w", err) and detect them with errors.As against the
// driver's own error types, or simply treat "not one of these sentinels"
// as Backend.
var (
	// ErrNotFound indicates the referenced room, update range, or
	// snapshot does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyExists indicates a room create collided with an
	// existing room of the same ID.
	ErrAlreadyExists = errors.New("storage: already exists")

	// ErrInvalidArgument indicates a caller supplied a malformed
	// argument (e.g. an empty update batch).
	ErrInvalidArgument = errors.New("storage: invalid argument")

	// ErrDecoding indicates stored bytes could not be decoded by the
	// caller (surfaced here so the taxonomy has a place for CRDT
	// decode failures discovered while replaying a loaded update log).
	ErrDecoding = errors.New("storage: decoding error")
)
