package domain

import (
	"errors"

	"github.com/fllarpy/request-profiler/domain/query"
)

var (
	// ErrNotInitialized is returned when an operation needs a profiler that was
	// never initialized for the requested application.
	ErrNotInitialized = errors.New("profiler not initialized")

	// ErrInvalidConfiguration marks malformed storage selection, bad identifiers,
	// invalid ignore patterns or a sampling function that is not callable.
	ErrInvalidConfiguration = errors.New("invalid profiler configuration")

	// ErrStorageFailure wraps backend I/O errors.
	ErrStorageFailure = errors.New("storage failure")

	// ErrInvalidQuery is returned when a raw query value cannot be parsed.
	ErrInvalidQuery = query.ErrInvalid
)
