package simulator

/*
#include <stdint.h>
#include "shim.h"
*/
import "C"

import (
	"sync"
	"sync/atomic"

	"github.com/enclavecore/primitives/dispatch"
	"github.com/enclavecore/primitives/enclave"
	"github.com/enclavecore/primitives/paramstack"
	"github.com/enclavecore/primitives/pstatus"
	"github.com/enclavecore/primitives/selector"
)

// bridgeEntry ties a loaded image's client id to its dispatch table. The
// client pointer is bound late: during init the image may already make
// exit calls, before the enclave.Client wrapping it exists; handlers
// invoked that early receive a stand-in client that refuses reentry.
type bridgeEntry struct {
	table  *dispatch.Table
	client atomic.Pointer[enclave.Client]
}

var bridges = struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]*bridgeEntry
}{entries: make(map[uint64]*bridgeEntry)}

func registerBridge(table *dispatch.Table) (uint64, *bridgeEntry) {
	bridges.mu.Lock()
	defer bridges.mu.Unlock()
	bridges.nextID++
	id := bridges.nextID
	be := &bridgeEntry{table: table}
	bridges.entries[id] = be
	return id, be
}

func lookupBridge(id uint64) *bridgeEntry {
	bridges.mu.Lock()
	defer bridges.mu.Unlock()
	return bridges.entries[id]
}

func unregisterBridge(id uint64) {
	bridges.mu.Lock()
	defer bridges.mu.Unlock()
	delete(bridges.entries, id)
}

// initPendingClient is the client handed to exit handlers invoked during
// image initialization, before the real client exists.
type initPendingClient struct{}

func (initPendingClient) EnclaveCall(selector.Selector, *paramstack.Stack) pstatus.Status {
	return pstatus.New(pstatus.KindFailedPrecondition, "simulator: reentry during image initialization")
}

//export simExitBridge
func simExitBridge(clientID, sel C.uint64_t, in, out *C.sim_stack_t) C.int32_t {
	be := lookupBridge(uint64(clientID))
	if be == nil {
		return C.int32_t(pstatus.New(pstatus.KindNotFound, "").Code)
	}

	var stack paramstack.Stack
	copyInStack(in, &stack)

	var client dispatch.Client
	if c := be.client.Load(); c != nil {
		client = c
	} else {
		client = initPendingClient{}
	}

	status := be.table.InvokeExitHandler(selector.Selector(sel), client, &stack)
	writeOutStack(&stack, out)
	return C.int32_t(status.Code)
}
