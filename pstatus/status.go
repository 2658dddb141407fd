// Package pstatus carries the narrow (code, message) result of crossing the
// trust boundary. It is intentionally thinner than a Go error with wrapped
// causes: frames never carry a call stack across the boundary.
package pstatus

import "fmt"

// Kind classifies a Status's Code into one of a small, fixed set of
// reserved negative ranges, mirroring the coarse error categories
// recognized on both sides of the boundary.
type Kind int32

const (
	KindOK Kind = iota
	KindInvalidArgument
	KindNotFound
	KindAlreadyExists
	KindFailedPrecondition
	KindInternal
	KindUnknown
)

// codes maps each Kind to the reserved Code value a Status of that Kind
// carries. Positive codes are reserved for backend-specific detail and are
// never produced directly by this package.
var codes = map[Kind]int32{
	KindOK:                 0,
	KindInvalidArgument:    -1,
	KindNotFound:           -2,
	KindAlreadyExists:      -3,
	KindFailedPrecondition: -4,
	KindInternal:           -5,
	KindUnknown:            -6,
}

// Status is the result of an EnclaveCall or exit-call invocation: an error
// code and a short, human-readable message. It is the only thing allowed
// to travel alongside a parameter stack; it never wraps an arbitrary error
// chain.
type Status struct {
	Code    int32
	Message string
}

// OK is the canonical success status.
var OK = Status{Code: codes[KindOK]}

// New builds a Status of the given Kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) Status {
	return Status{Code: codes[kind], Message: fmt.Sprintf(format, args...)}
}

// IsOK reports whether the status represents success.
func (s Status) IsOK() bool {
	return s.Code == codes[KindOK]
}

// Kind recovers the reserved Kind this status's Code belongs to, or
// KindUnknown if the code does not match a known reserved value (e.g. a
// backend-specific positive code).
func (s Status) Kind() Kind {
	for k, c := range codes {
		if c == s.Code {
			return k
		}
	}
	return KindUnknown
}

// Error implements the error interface so a Status composes with standard
// Go error handling on the untrusted side. It is never itself wrapped with
// fmt.Errorf's %w across the boundary; callers that need to preserve a
// Status through ordinary Go error plumbing should carry the Status value
// itself, not a wrapped error built from it.
func (s Status) Error() string {
	if s.Message == "" {
		return fmt.Sprintf("status code %d", s.Code)
	}
	return s.Message
}
