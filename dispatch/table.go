// Package dispatch implements the untrusted side's exit-call dispatch
// table: the registry exit calls issued from trusted code are routed
// through.
package dispatch

import (
	"sync"
	"time"

	"github.com/enclavecore/primitives/elog"
	"github.com/enclavecore/primitives/metrics"
	"github.com/enclavecore/primitives/paramstack"
	"github.com/enclavecore/primitives/pstatus"
	"github.com/enclavecore/primitives/selector"
	"github.com/sirupsen/logrus"
)

// Client is the minimal surface a Handler needs from the enclave client
// that is making the exit call, sufficient to issue a reentrant call back
// into trusted code. enclave.Client satisfies this interface without
// dispatch needing to import the enclave package.
type Client interface {
	EnclaveCall(sel selector.Selector, params *paramstack.Stack) pstatus.Status
}

// Handler services one exit call. It receives the calling client (to
// support reentrant calls), an opaque context value supplied at
// registration, and the parameter stack carrying the call's arguments; it
// returns results by pushing onto the same stack.
type Handler func(client Client, context interface{}, params *paramstack.Stack) pstatus.Status

type handlerRecord struct {
	handler Handler
	context interface{}
}

// Table is a selector-keyed registry of exit-call handlers, safe for
// concurrent registration and invocation.
type Table struct {
	mu       sync.RWMutex
	handlers map[selector.Selector]*handlerRecord
	log      *logrus.Entry
}

// NewTable constructs an empty dispatch table.
func NewTable() *Table {
	return &Table{
		handlers: make(map[selector.Selector]*handlerRecord),
		log:      elog.New("dispatch"),
	}
}

// RegisterExitHandler registers handler under sel. It fails with
// ErrReserved if sel is in the reserved range, or ErrAlreadyRegistered if
// a handler is already registered for sel.
func (t *Table) RegisterExitHandler(sel selector.Selector, handler Handler, context interface{}) error {
	if selector.IsReserved(sel) {
		return ErrReserved
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.handlers[sel]; exists {
		return ErrAlreadyRegistered
	}
	t.handlers[sel] = &handlerRecord{handler: handler, context: context}
	metrics.ExitHandlersRegistered.Inc()
	t.log.WithField("selector", sel).Debug("registered exit handler")
	return nil
}

// InvokeExitHandler looks up and calls the handler registered for sel,
// passing client through for reentrant calls. The table's lock is held
// only long enough to fetch the handler record: invocation happens
// outside the lock so a handler may itself register new handlers or
// issue further exit calls without deadlocking.
func (t *Table) InvokeExitHandler(sel selector.Selector, client Client, params *paramstack.Stack) pstatus.Status {
	t.mu.RLock()
	rec, ok := t.handlers[sel]
	t.mu.RUnlock()

	if !ok {
		metrics.ExitHandlerMisses.Inc()
		return pstatus.New(pstatus.KindNotFound, "no exit handler registered for selector %d", sel)
	}

	start := time.Now()
	status := rec.handler(client, rec.context, params)
	metrics.ExitHandlerLatency.Observe(time.Since(start).Seconds())

	if !status.IsOK() {
		t.log.WithField("selector", sel).WithField("code", status.Code).
			Warn("exit handler returned failure status")
	}
	return status
}

// Registered reports whether a handler is registered for sel.
func (t *Table) Registered(sel selector.Selector) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.handlers[sel]
	return ok
}
