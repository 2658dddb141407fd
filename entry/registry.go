// Package entry implements the trusted side's entry registry and the
// trampoline that is the sole legitimate entrypoint from untrusted code.
package entry

import (
	"strconv"
	"sync"
	"time"

	"github.com/enclavecore/primitives/elog"
	"github.com/enclavecore/primitives/metrics"
	"github.com/enclavecore/primitives/paramstack"
	"github.com/enclavecore/primitives/pstatus"
	"github.com/enclavecore/primitives/selector"
	"github.com/sirupsen/logrus"
)

// Handler services one entry call on the trusted side. It receives an
// opaque context value supplied at registration and the parameter stack
// carrying the call's arguments, and returns results by pushing onto the
// same stack.
type Handler func(context interface{}, params *paramstack.Stack) pstatus.Status

type handlerRecord struct {
	handler Handler
	context interface{}
}

// Registry is a selector-keyed registry of entry handlers, symmetric to
// dispatch.Table but on the trusted side. It is populated during enclave
// initialization and consulted by Dispatch for every untrusted entry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[selector.Selector]*handlerRecord
	log      *logrus.Entry
}

// NewRegistry constructs an empty trusted entry registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[selector.Selector]*handlerRecord),
		log:      elog.New("entry"),
	}
}

// Register installs handler under sel. It fails with ErrReserved if sel is
// in the reserved range -- runtime-internal selectors are installed via
// RegisterReserved during initialization, never by user code -- or with
// ErrAlreadyRegistered if sel is already occupied.
func (r *Registry) Register(sel selector.Selector, handler Handler, context interface{}) error {
	if selector.IsReserved(sel) {
		return ErrReserved
	}
	return r.register(sel, handler, context)
}

// RegisterReserved installs a handler for a reserved runtime selector
// (Init, Fini, Abort, the malloc probes). It is used only by the backend
// during enclave bring-up, never by ordinary user code.
func (r *Registry) RegisterReserved(sel selector.Selector, handler Handler, context interface{}) error {
	return r.register(sel, handler, context)
}

func (r *Registry) register(sel selector.Selector, handler Handler, context interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[sel]; exists {
		return ErrAlreadyRegistered
	}
	r.handlers[sel] = &handlerRecord{handler: handler, context: context}
	metrics.EntryHandlersRegistered.Inc()
	r.log.WithField("selector", sel).Debug("registered entry handler")
	return nil
}

// Dispatch is the trampoline: the sole legitimate entrypoint from
// untrusted code. It looks up sel, invokes the registered handler, and
// converts any panic into a failure Status rather than letting it unwind
// across the trust boundary. Returns a NotFound status, never an error, so
// callers crossing the ABI boundary always get a well-formed Status.
func (r *Registry) Dispatch(sel selector.Selector, params *paramstack.Stack) (status pstatus.Status) {
	r.mu.RLock()
	rec, ok := r.handlers[sel]
	r.mu.RUnlock()

	if !ok {
		r.log.WithField("selector", sel).Warn("dispatch: selector not registered")
		return pstatus.New(pstatus.KindNotFound, "no entry handler registered for selector %d", sel)
	}

	defer func() {
		if p := recover(); p != nil {
			metrics.EntryHandlerPanics.Inc()
			r.log.WithField("selector", sel).WithField("panic", p).
				Error("entry handler panicked; converting to failure status")
			status = pstatus.New(pstatus.KindInternal, "entry handler for selector %d panicked: %v", sel, p)
		}
	}()

	start := time.Now()
	status = rec.handler(rec.context, params)
	metrics.EntryDispatchLatency.WithLabelValues(strconv.FormatUint(uint64(sel), 10)).Observe(time.Since(start).Seconds())
	return status
}

// Registered reports whether a handler is registered for sel.
func (r *Registry) Registered(sel selector.Selector) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[sel]
	return ok
}
