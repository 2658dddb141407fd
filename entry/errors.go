package entry

import "errors"

var (
	// ErrAlreadyRegistered is returned when Register is called twice for
	// the same selector.
	ErrAlreadyRegistered = errors.New("entry: selector already registered")
	// ErrReserved is returned when user code attempts to register a
	// handler in the reserved selector range outside of runtime init.
	ErrReserved = errors.New("entry: selector is in the reserved range")
)
