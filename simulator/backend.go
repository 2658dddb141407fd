// Package simulator implements the reference Backend: it loads a dynamic
// object with dlopen and calls into it in-process. There is no real
// context switch: the boundary is a plain function call, which makes this
// backend a faithful functional stand-in for a hardware enclave without
// providing any of its isolation guarantees.
package simulator

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>
#include "shim.h"
*/
import "C"

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/minio/highwayhash"

	"github.com/enclavecore/primitives/backend"
	"github.com/enclavecore/primitives/diag"
	"github.com/enclavecore/primitives/elog"
	"github.com/enclavecore/primitives/enclave"
	"github.com/enclavecore/primitives/paramstack"
	"github.com/enclavecore/primitives/pstatus"
	"github.com/enclavecore/primitives/selector"
)

const (
	initSymbol  = "enclave_init"
	finiSymbol  = "enclave_fini"
	entrySymbol = "enclave_entry"

	// bridgeSymbol is optional: an image that exports it is handed the
	// exit-call bridge before init runs, and may then call back out.
	bridgeSymbol = "enclave_set_exit_bridge"
)

// fingerprintKey is a fixed HighwayHash key. The fingerprint logged at
// load time is an operational aid for correlating loaded images across
// restarts, not a security control -- consistent with the Non-goals, this
// backend provides no integrity guarantee over the loaded image.
var fingerprintKey = [32]byte{}

// Backend is the dlopen-based reference implementation of the backend
// trait. The zero value is ready to use.
type Backend struct {
	// TraceCapacity sizes the diag.Trace attached to every Client this
	// Backend loads. Zero disables per-client call tracing.
	TraceCapacity int
}

// Load opens the shared object at cfg.Path, resolves its enclave_init/
// enclave_fini/enclave_entry symbol triad, and calls the initializer. It
// returns backend.ErrNotFound, backend.ErrBadSymbol, or
// backend.ErrInitFailed (wrapped with detail) on the respective failure,
// and no client.
func (b *Backend) Load(ctx context.Context, cfg backend.LoadConfig) (*enclave.Client, error) {
	log := elog.New("simulator")

	cPath := C.CString(cfg.Path)
	defer C.free(unsafe.Pointer(cPath))

	handle := C.dlopen(cPath, C.RTLD_NOW)
	if handle == nil {
		return nil, fmt.Errorf("%w: %s: %s", backend.ErrNotFound, cfg.Path, C.GoString(C.dlerror()))
	}

	cInit := C.CString(initSymbol)
	cFini := C.CString(finiSymbol)
	cEntry := C.CString(entrySymbol)
	defer C.free(unsafe.Pointer(cInit))
	defer C.free(unsafe.Pointer(cFini))
	defer C.free(unsafe.Pointer(cEntry))

	initFn := C.dlsym(handle, cInit)
	finiFn := C.dlsym(handle, cFini)
	entryFn := C.dlsym(handle, cEntry)
	if initFn == nil || finiFn == nil || entryFn == nil {
		C.dlclose(handle)
		return nil, fmt.Errorf("%w: one of %s/%s/%s missing from %s",
			backend.ErrBadSymbol, initSymbol, finiSymbol, entrySymbol, cfg.Path)
	}

	cBridge := C.CString(bridgeSymbol)
	defer C.free(unsafe.Pointer(cBridge))
	setBridgeFn := C.dlsym(handle, cBridge)

	bridgeID, be := registerBridge(cfg.Table)
	if setBridgeFn != nil {
		C.sim_call_set_exit_bridge(C.sim_set_exit_bridge_fn(setBridgeFn), C.uint64_t(bridgeID))
	}

	var boot paramstack.Stack
	initStatus, err := callInit(initFn, &boot)
	if err != nil {
		unregisterBridge(bridgeID)
		C.dlclose(handle)
		return nil, fmt.Errorf("%w: %v", backend.ErrInitFailed, err)
	}
	if !initStatus.IsOK() {
		unregisterBridge(bridgeID)
		C.dlclose(handle)
		return nil, fmt.Errorf("%w: %s", backend.ErrInitFailed, initStatus.Message)
	}

	log.WithField("path", cfg.Path).
		WithField("fingerprint", fingerprint(cfg.Path)).
		Info("loaded trusted image")

	var trace *diag.Trace
	if b.TraceCapacity > 0 {
		trace = diag.NewTrace(b.TraceCapacity)
	}

	ent := &enterer{entryFn: entryFn}
	clo := &closer{handle: handle, finiFn: finiFn, bridgeID: bridgeID}
	client := enclave.NewClient(ent, clo, cfg.Table, trace, b.LeaksMemoryOnAbort())
	be.client.Store(client)
	return client, nil
}

// LeaksMemoryOnAbort reports false: the simulator keeps no trusted-side
// allocator state independent of the process heap, so there is nothing it
// intentionally leaks after Abort.
func (b *Backend) LeaksMemoryOnAbort() bool {
	return false
}

func fingerprint(path string) string {
	sum, err := highwayhash.New(fingerprintKey[:])
	if err != nil {
		return ""
	}
	sum.Write([]byte(path))
	return fmt.Sprintf("%x", sum.Sum(nil))
}

// enterer adds no serialization of its own: the boundary is a plain
// function call, concurrent and reentrant entries are the loaded image's
// to handle, and holding a lock here would deadlock an exit handler that
// re-enters.
type enterer struct {
	entryFn unsafe.Pointer
}

func (e *enterer) Enter(_ context.Context, sel selector.Selector, params *paramstack.Stack) pstatus.Status {
	status, err := callEntry(e.entryFn, sel, params)
	if err != nil {
		return pstatus.New(pstatus.KindInternal, "%v", err)
	}
	return status
}

type closer struct {
	handle   unsafe.Pointer
	finiFn   unsafe.Pointer
	bridgeID uint64
	closeMu  sync.Mutex
}

func (c *closer) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	unregisterBridge(c.bridgeID)
	callFini(c.finiFn)
	if C.dlclose(c.handle) != 0 {
		return fmt.Errorf("simulator: dlclose failed: %s", C.GoString(C.dlerror()))
	}
	return nil
}
