// Package loopback implements a Backend whose trusted side is ordinary Go
// code in the same process: an entry.Registry populated by an init
// function at load time. It provides the full primitives contract --
// entries, exit calls, reentrancy, abort, the probe selectors -- without a
// foreign trusted image, for embedders and tests that do not need the
// simulator's dlopen surface.
package loopback

import (
	"context"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/enclavecore/primitives/backend"
	"github.com/enclavecore/primitives/diag"
	"github.com/enclavecore/primitives/elog"
	"github.com/enclavecore/primitives/enclave"
	"github.com/enclavecore/primitives/entry"
	"github.com/enclavecore/primitives/extent"
	"github.com/enclavecore/primitives/paramstack"
	"github.com/enclavecore/primitives/pstatus"
	"github.com/enclavecore/primitives/selector"
)

// InitFunc populates the trusted side at load time. It registers entry
// handlers on t and may issue exit calls through t.UntrustedCall (exit
// handlers the caller registered on the LoadConfig's table before Load
// are reachable here, mirroring a real trusted initializer calling back
// out during bring-up). A returned error fails the load.
type InitFunc func(t *Trusted) error

// Trusted is the loopback's stand-in for the trusted-side runtime: the
// handle an InitFunc and entry handlers use to register themselves and to
// call back out across the (simulated) boundary.
type Trusted struct {
	reg     *entry.Registry
	client  *enclave.Client
	aborted atomic.Bool
}

// Register installs an entry handler, rejecting reserved selectors.
func (t *Trusted) Register(sel selector.Selector, handler entry.Handler, context interface{}) error {
	return t.reg.Register(sel, handler, context)
}

// UntrustedCall issues an exit call: it routes sel through the owning
// client's dispatch table on the untrusted side. The invoked handler may
// itself re-enter the enclave.
func (t *Trusted) UntrustedCall(sel selector.Selector, params *paramstack.Stack) pstatus.Status {
	return t.client.ExitCallProvider().InvokeExitHandler(sel, t.client, params)
}

// Backend is the in-process loopback backend. Load calls Init once to
// populate the trusted side; Path in the LoadConfig is recorded for
// logging only.
type Backend struct {
	// Init populates the trusted side at load. Must not be nil.
	Init InitFunc
	// Fini, if set, runs once when the loaded client is destroyed.
	Fini func()
	// TraceCapacity sizes the diag.Trace attached to the loaded client.
	// Zero disables tracing.
	TraceCapacity int
}

// Load builds the trusted-side registry, wires it to a new client, and
// runs the backend's InitFunc. The init observes a fully usable client:
// exit calls made during init reach handlers already present on
// cfg.Table.
func (b *Backend) Load(_ context.Context, cfg backend.LoadConfig) (*enclave.Client, error) {
	if b.Init == nil {
		return nil, fmt.Errorf("%w: loopback backend has no Init", backend.ErrInitFailed)
	}

	t := &Trusted{reg: entry.NewRegistry()}

	var trace *diag.Trace
	if b.TraceCapacity > 0 {
		trace = diag.NewTrace(b.TraceCapacity)
	}

	client := enclave.NewClient(&enterer{t: t}, &closer{fini: b.Fini}, cfg.Table, trace, b.LeaksMemoryOnAbort())
	t.client = client

	if err := b.Init(t); err != nil {
		_ = client.Destroy()
		return nil, fmt.Errorf("%w: %v", backend.ErrInitFailed, err)
	}

	elog.New("loopback").WithField("path", cfg.Path).Info("loaded in-process trusted side")
	return client, nil
}

// LeaksMemoryOnAbort reports false: the loopback's trusted side lives on
// the ordinary Go heap and is collected like anything else after abort.
func (b *Backend) LeaksMemoryOnAbort() bool {
	return false
}

type enterer struct {
	t *Trusted
}

func (e *enterer) Enter(_ context.Context, sel selector.Selector, params *paramstack.Stack) pstatus.Status {
	if e.t.aborted.Load() {
		return pstatus.New(pstatus.KindFailedPrecondition, "loopback: trusted side aborted")
	}

	switch sel {
	case selector.Abort:
		e.t.aborted.Store(true)
		return pstatus.OK
	case selector.ProbeTrustedMalloc:
		return pushProbeExtent(params, true)
	case selector.ProbeUntrustedMalloc:
		return pushProbeExtent(params, false)
	}
	return e.t.reg.Dispatch(sel, params)
}

// pushProbeExtent services the malloc-probe selectors: it allocates a
// small region and pushes an extent over it tagged with the requested
// trust domain. The loopback has no genuinely separate trusted allocator,
// so the tag is the constructor's, which is exactly what the probe
// contract observes.
func pushProbeExtent(params *paramstack.Stack, trusted bool) pstatus.Status {
	region := make([]byte, 16)
	addr := uintptr(unsafe.Pointer(&region[0]))
	var ext extent.Extent
	if trusted {
		ext = extent.FromTrusted(addr, len(region))
	} else {
		ext = extent.FromUntrusted(addr, len(region))
	}
	paramstack.PushValue(params, ext)
	return pstatus.OK
}

type closer struct {
	fini func()
}

func (c *closer) Close() error {
	if c.fini != nil {
		c.fini()
	}
	return nil
}
