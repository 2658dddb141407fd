// Package enclave implements the untrusted-side handle for a loaded
// trusted module: load, enter with a selector, destroy, and the
// shared-ownership lifecycle guarantees that hold across co-owners.
package enclave

import (
	"context"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/enclavecore/primitives/diag"
	"github.com/enclavecore/primitives/dispatch"
	"github.com/enclavecore/primitives/elog"
	"github.com/enclavecore/primitives/metrics"
	"github.com/enclavecore/primitives/paramstack"
	"github.com/enclavecore/primitives/pstatus"
	"github.com/enclavecore/primitives/selector"
	"github.com/sirupsen/logrus"
)

// Enterer is the backend-supplied primitive that actually transfers
// control to the trusted side for one entry. A Backend's Load constructs
// one of these bound to whatever resource represents the loaded image
// (a resolved cgo symbol, an open gRPC connection) and hands it to
// NewClient.
type Enterer interface {
	Enter(ctx context.Context, sel selector.Selector, params *paramstack.Stack) pstatus.Status
}

// Closer releases backend-specific resources held by a loaded image (a
// dlclose, a socket teardown, a subprocess kill). The Client calls Close
// at most once, from the first Destroy; implementations need not guard
// against repeated calls.
type Closer interface {
	Close() error
}

// state is the data shared across every co-owning *Client produced from a
// single Load/Acquire chain. Co-owners observe the same closed/aborted
// state because they all point at the same *state.
type state struct {
	enterer            Enterer
	closer             Closer
	table              *dispatch.Table
	trace              *diag.Trace
	leaksMemoryOnAbort bool

	// mu/cond/active implement the drain: EnclaveCall counts itself in
	// and out, Destroy marks the client closed and waits for active to
	// reach zero before tearing the backend down. A plain counter rather
	// than an RWMutex because exit handlers re-enter EnclaveCall on the
	// same goroutine, and a recursive read lock deadlocks against a
	// waiting writer. A reentrant call that arrives after Destroy has
	// marked the client closed fails fast instead of extending the drain.
	mu     sync.Mutex
	cond   *sync.Cond
	active int

	closed    atomic.Bool
	closeOnce sync.Once
	refs      atomic.Int32

	log *logrus.Entry
}

// Client is the untrusted-side handle for a loaded trusted module. The
// zero value is not usable; construct one with NewClient (typically via a
// Backend's Load) and share further copies with Acquire.
type Client struct {
	s *state
}

// NewClient builds the first owning Client for a freshly loaded image. It
// is called by Backend implementations, not directly by most embedders.
func NewClient(enterer Enterer, closer Closer, table *dispatch.Table, trace *diag.Trace, leaksMemoryOnAbort bool) *Client {
	s := &state{
		enterer:            enterer,
		closer:             closer,
		table:              table,
		trace:              trace,
		leaksMemoryOnAbort: leaksMemoryOnAbort,
		log:                elog.New("enclave"),
	}
	s.cond = sync.NewCond(&s.mu)
	s.refs.Store(1)
	c := &Client{s: s}
	runtime.SetFinalizer(c, (*Client).finalize)
	return c
}

// Acquire returns a new co-owning Client sharing this one's lifecycle.
// Every Acquire must be balanced by a Release; the underlying resources
// are destroyed automatically when the last owner releases (or is
// garbage collected, as a backstop).
func (c *Client) Acquire() *Client {
	c.s.refs.Add(1)
	nc := &Client{s: c.s}
	runtime.SetFinalizer(nc, (*Client).finalize)
	return nc
}

// Release drops this Client's ownership share. If it was the last owner
// and the client has not already been destroyed, Release triggers
// Destroy implicitly so resources are never leaked by a dropped handle.
func (c *Client) Release() {
	runtime.SetFinalizer(c, nil)
	if c.s.refs.Add(-1) <= 0 {
		c.Destroy()
	}
}

func (c *Client) finalize() {
	if c.s.refs.Add(-1) <= 0 {
		c.Destroy()
	}
}

// ExitCallProvider returns the dispatch table this client owns, so
// handlers can be registered before or between calls.
func (c *Client) ExitCallProvider() *dispatch.Table {
	return c.s.table
}

// Trace returns the bounded recent-call trace attached at load time, or
// nil if the loading backend disabled tracing.
func (c *Client) Trace() *diag.Trace {
	return c.s.trace
}

// IsClosed reports whether the client has been destroyed or aborted.
// Visible identically to every co-owner.
func (c *Client) IsClosed() bool {
	return c.s.closed.Load()
}

// EnclaveCall enters the trusted side with sel and params. It fails with a
// FailedPrecondition status if the client is closed or aborted; otherwise
// it transfers control through the backend's Enterer and returns whatever
// status the trusted side produced. params is consumed and repopulated in
// place, per the parameter stack contract.
func (c *Client) EnclaveCall(sel selector.Selector, params *paramstack.Stack) pstatus.Status {
	return c.EnclaveCallContext(context.Background(), sel, params)
}

// EnclaveCallContext is EnclaveCall with an explicit context, threaded
// through to backends (such as ipcbackend) whose Enterer honors
// cancellation on the transport.
func (c *Client) EnclaveCallContext(ctx context.Context, sel selector.Selector, params *paramstack.Stack) pstatus.Status {
	c.s.mu.Lock()
	if c.s.closed.Load() {
		c.s.mu.Unlock()
		return c.closedStatus()
	}
	c.s.active++
	c.s.mu.Unlock()

	defer func() {
		c.s.mu.Lock()
		c.s.active--
		if c.s.active == 0 {
			c.s.cond.Broadcast()
		}
		c.s.mu.Unlock()
	}()

	start := time.Now()
	status := c.s.enterer.Enter(ctx, sel, params)
	metrics.EnclaveCallLatency.WithLabelValues(selLabel(sel)).Observe(time.Since(start).Seconds())

	outcome := "ok"
	if !status.IsOK() {
		outcome = "failed"
	}
	metrics.EnclaveCallsTotal.WithLabelValues(outcome).Inc()

	if c.s.trace != nil {
		c.s.trace.Record(sel, status)
	}

	if sel == selector.Abort && status.IsOK() {
		// Abort is a backend-mediated forced transition: the client
		// becomes non-enterable immediately, but per LeaksMemoryOnAbort
		// the backend may intentionally skip releasing its resources.
		// A later explicit Destroy still runs exactly once and is free
		// to finish tearing the backend down.
		c.s.closed.Store(true)
		c.s.log.WithField("leaks_memory", c.s.leaksMemoryOnAbort).Info("enclave aborted")
	}

	return status
}

func (c *Client) closedStatus() pstatus.Status {
	return pstatus.New(pstatus.KindFailedPrecondition, "enclave: client is closed")
}

// Destroy initiates close. It is idempotent: calling it from any co-owner,
// any number of times, concurrently, has the same observable effect, and
// every co-owner sees IsClosed() become true atomically once any one call
// to Destroy returns. Destroy drains any EnclaveCall already in flight on
// another goroutine before closing rather than interrupting it.
func (c *Client) Destroy() error {
	var err error
	c.s.closeOnce.Do(func() {
		c.s.mu.Lock()
		c.s.closed.Store(true)
		for c.s.active > 0 {
			c.s.cond.Wait()
		}
		c.s.mu.Unlock()
		if c.s.closer != nil {
			err = c.s.closer.Close()
		}
		c.s.log.Info("enclave destroyed")
	})
	return err
}

func selLabel(sel selector.Selector) string {
	return strconv.FormatUint(uint64(sel), 10)
}
