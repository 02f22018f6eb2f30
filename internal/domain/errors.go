package domain

import "errors"

var (
	ErrNotFound = errors.New("record not found")
	// ErrStoreUnavailable marks a transient persistent-store failure or timeout.
	ErrStoreUnavailable = errors.New("persistent store unavailable")
	// ErrAlreadyConsumed is returned when a conditional single-use update matched no row.
	ErrAlreadyConsumed = errors.New("already consumed")
)
