package enclave_test

import (
	"context"
	"sync"
	"testing"

	"github.com/enclavecore/primitives/dispatch"
	"github.com/enclavecore/primitives/enclave"
	"github.com/enclavecore/primitives/paramstack"
	"github.com/enclavecore/primitives/pstatus"
	"github.com/enclavecore/primitives/selector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEnterer is a backend-free Enterer used to exercise the Client state
// machine in isolation: TimesTwo doubles an int32 argument, Abort
// succeeds, everything else returns NotFound.
type fakeEnterer struct {
	calls     atomicCounter
	abortable bool
}

type atomicCounter struct {
	mu sync.Mutex
	n  int
}

func (c *atomicCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *atomicCounter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

const timesTwoSel = selector.Selector(selector.UserBase)

func (f *fakeEnterer) Enter(_ context.Context, sel selector.Selector, params *paramstack.Stack) pstatus.Status {
	f.calls.inc()
	switch sel {
	case timesTwoSel:
		v, err := paramstack.PopValue[int32](params)
		if err != nil {
			return pstatus.New(pstatus.KindInvalidArgument, "%v", err)
		}
		paramstack.PushValue(params, v*2)
		return pstatus.OK
	case selector.Abort:
		return pstatus.OK
	default:
		return pstatus.New(pstatus.KindNotFound, "selector %d not registered", sel)
	}
}

type fakeCloser struct {
	closes atomicCounter
}

func (f *fakeCloser) Close() error {
	f.closes.inc()
	return nil
}

func newFakeClient() (*enclave.Client, *fakeEnterer, *fakeCloser) {
	e := &fakeEnterer{}
	cl := &fakeCloser{}
	c := enclave.NewClient(e, cl, dispatch.NewTable(), nil, false)
	return c, e, cl
}

func TestLoadCallDestroy(t *testing.T) {
	c, _, _ := newFakeClient()

	var stack paramstack.Stack
	paramstack.PushValue(&stack, int32(1))
	status := c.EnclaveCall(timesTwoSel, &stack)
	require.True(t, status.IsOK())
	out, err := paramstack.PopValue[int32](&stack)
	require.NoError(t, err)
	assert.EqualValues(t, 2, out)

	require.NoError(t, c.Destroy())
	assert.True(t, c.IsClosed())

	var stack2 paramstack.Stack
	paramstack.PushValue(&stack2, int32(1))
	status = c.EnclaveCall(timesTwoSel, &stack2)
	assert.False(t, status.IsOK())
	assert.Equal(t, pstatus.KindFailedPrecondition, status.Kind())
}

func TestBadSelectorFails(t *testing.T) {
	c, _, _ := newFakeClient()
	var stack paramstack.Stack
	stack.PushAlloc(4096)
	status := c.EnclaveCall(selector.Selector(selector.UserBase+999), &stack)
	assert.False(t, status.IsOK())
}

func TestMultiOwnerLifetime(t *testing.T) {
	c, _, closer := newFakeClient()
	a := c.Acquire()
	b := c.Acquire()

	a.Release()
	assert.False(t, c.IsClosed())

	b.Release()
	assert.False(t, c.IsClosed())

	require.NoError(t, c.Destroy())
	assert.True(t, c.IsClosed())
	assert.True(t, a.IsClosed())
	assert.True(t, b.IsClosed())
	assert.Equal(t, 1, closer.closes.get())
}

func TestLastOwnerDropDestroysAutomatically(t *testing.T) {
	c, _, closer := newFakeClient()
	a := c.Acquire()

	c.Release()
	assert.Equal(t, 0, closer.closes.get())

	a.Release()
	assert.Equal(t, 1, closer.closes.get())
	assert.True(t, a.IsClosed())
}

func TestAbortPath(t *testing.T) {
	c, _, closer := newFakeClient()

	var stack paramstack.Stack
	paramstack.PushValue(&stack, int32(1))
	require.True(t, c.EnclaveCall(timesTwoSel, &stack).IsOK())

	var empty paramstack.Stack
	status := c.EnclaveCall(selector.Abort, &empty)
	require.True(t, status.IsOK())
	assert.True(t, c.IsClosed())

	var stack2 paramstack.Stack
	paramstack.PushValue(&stack2, int32(1))
	status = c.EnclaveCall(timesTwoSel, &stack2)
	assert.False(t, status.IsOK())
	assert.Equal(t, pstatus.KindFailedPrecondition, status.Kind())

	// Abort does not itself call Close; LeaksMemoryOnAbort backends may
	// skip teardown, but an explicit Destroy afterward still runs once.
	assert.Equal(t, 0, closer.closes.get())
	require.NoError(t, c.Destroy())
	assert.Equal(t, 1, closer.closes.get())
}

func TestConcurrentEntries(t *testing.T) {
	c, _, _ := newFakeClient()
	const workers = 64
	var wg sync.WaitGroup
	for round := 0; round < 32; round++ {
		for j := 0; j < workers; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				var stack paramstack.Stack
				paramstack.PushValue(&stack, int32(j))
				status := c.EnclaveCall(timesTwoSel, &stack)
				require.True(t, status.IsOK())
				out, err := paramstack.PopValue[int32](&stack)
				require.NoError(t, err)
				assert.EqualValues(t, j*2, out)
			}(j)
		}
	}
	wg.Wait()
}
