package dispatch

import "errors"

var (
	// ErrAlreadyRegistered is returned when RegisterExitHandler is called
	// twice for the same selector.
	ErrAlreadyRegistered = errors.New("dispatch: selector already registered")
	// ErrReserved is returned when user code attempts to register a
	// handler in the reserved selector range.
	ErrReserved = errors.New("dispatch: selector is in the reserved range")
)
