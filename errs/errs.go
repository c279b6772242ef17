// Package errs contains sentinel errors shared by the store and server layers.
package errs

import "errors"

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates failed authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidInput indicates a value the store cannot accept (e.g., a non-numeric user id).
	ErrInvalidInput = errors.New("invalid input")
)
