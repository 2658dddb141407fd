package backend

import "errors"

var (
	// ErrNotFound is returned when the trusted image named by LoadConfig
	// does not exist or cannot be opened.
	ErrNotFound = errors.New("backend: trusted image not found")
	// ErrBadSymbol is returned when a required exported symbol is missing
	// from an otherwise loadable trusted image.
	ErrBadSymbol = errors.New("backend: required symbol missing from trusted image")
	// ErrInitFailed is returned when the trusted image's initializer
	// returned a non-OK status.
	ErrInitFailed = errors.New("backend: trusted image initializer failed")
)
