// Package backend defines the minimal surface a concrete trust technology
// (the in-process simulator, an out-of-process IPC backend, or eventually a
// real hardware enclave) must satisfy to be loaded and entered through the
// enclave package.
package backend

import (
	"context"

	"github.com/enclavecore/primitives/dispatch"
	"github.com/enclavecore/primitives/enclave"
)

// LoadConfig carries the untrusted-side inputs to Load: the path to the
// trusted image, and the exit-call dispatch table the resulting client
// will own. The table may already have handlers registered -- Load must
// not clear it -- so callers can register handlers the trusted side's
// initializer itself depends on before loading.
type LoadConfig struct {
	// Path names the trusted image to load. Its interpretation is
	// backend-specific: a shared object path for the simulator, a unix
	// socket address or spawn command for an out-of-process backend.
	Path string

	// Table is the dispatch table the resulting client will own and
	// consult for exit calls. Must not be nil.
	Table *dispatch.Table
}

// Backend loads a trusted image and produces an enclave.Client bound to
// it. Implementations are responsible for the load-time handshake (symbol
// resolution, process spawn, handshake) and for entering the trusted side
// on EnclaveCall.
type Backend interface {
	// Load constructs a concrete client for the trusted image named by
	// cfg.Path, invoking any required initializer. It returns a typed
	// load error (see errors.go) and no client on failure.
	Load(ctx context.Context, cfg LoadConfig) (*enclave.Client, error)

	// LeaksMemoryOnAbort reports whether this backend intentionally
	// leaves trusted-side resources allocated after an Abort selector
	// succeeds, rather than tearing them down. Test harnesses use this to
	// calibrate leak detection instead of treating every backend alike.
	LeaksMemoryOnAbort() bool
}
