package paramstack

import "errors"

var (
	// ErrEmpty is returned by Pop/PopValue when the stack has no frames.
	ErrEmpty = errors.New("paramstack: stack is empty")
	// ErrSizeMismatch is returned by PopValue when the top frame's length
	// does not match the requested type's size.
	ErrSizeMismatch = errors.New("paramstack: frame size does not match requested type")
)
