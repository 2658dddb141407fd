package loopback_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enclavecore/primitives/backend"
	"github.com/enclavecore/primitives/dispatch"
	"github.com/enclavecore/primitives/enclave"
	"github.com/enclavecore/primitives/extent"
	"github.com/enclavecore/primitives/loopback"
	"github.com/enclavecore/primitives/paramstack"
	"github.com/enclavecore/primitives/pstatus"
	"github.com/enclavecore/primitives/selector"
)

const (
	timesTwoSel     = selector.Selector(selector.UserBase)
	trustedFibSel   = selector.Selector(selector.UserBase + 1)
	untrustedFibSel = selector.Selector(selector.UserBase + 2)
	identitySel     = selector.Selector(selector.UserBase + 3)
)

// timesTwo doubles its single int32 argument, enforcing arity: anything
// other than exactly one frame of the right size is invalid-argument.
func timesTwo(_ interface{}, params *paramstack.Stack) pstatus.Status {
	if params.Len() != 1 {
		return pstatus.New(pstatus.KindInvalidArgument, "want 1 frame, have %d", params.Len())
	}
	v, err := paramstack.PopValue[int32](params)
	if err != nil {
		return pstatus.New(pstatus.KindInvalidArgument, "%v", err)
	}
	paramstack.PushValue(params, v*2)
	return pstatus.OK
}

// trustedFib computes fib(n), delegating to the untrusted side for n >= 2:
// it exit-calls untrustedFib, which re-enters the enclave twice.
func trustedFib(ctx interface{}, params *paramstack.Stack) pstatus.Status {
	t := ctx.(*loopback.Trusted)
	if params.Len() != 1 {
		return pstatus.New(pstatus.KindInvalidArgument, "want 1 frame, have %d", params.Len())
	}
	n, err := paramstack.PopValue[int32](params)
	if err != nil {
		return pstatus.New(pstatus.KindInvalidArgument, "%v", err)
	}
	if n < 2 {
		paramstack.PushValue(params, n)
		return pstatus.OK
	}
	paramstack.PushValue(params, n)
	return t.UntrustedCall(untrustedFibSel, params)
}

// untrustedFib is the exit handler: fib(n) = fib(n-1) + fib(n-2), each
// term computed by re-entering the enclave.
func untrustedFib(client dispatch.Client, _ interface{}, params *paramstack.Stack) pstatus.Status {
	n, err := paramstack.PopValue[int32](params)
	if err != nil {
		return pstatus.New(pstatus.KindInvalidArgument, "%v", err)
	}

	paramstack.PushValue(params, n-1)
	if status := client.EnclaveCall(trustedFibSel, params); !status.IsOK() {
		return status
	}
	a, err := paramstack.PopValue[int32](params)
	if err != nil {
		return pstatus.New(pstatus.KindInvalidArgument, "%v", err)
	}

	paramstack.PushValue(params, n-2)
	if status := client.EnclaveCall(trustedFibSel, params); !status.IsOK() {
		return status
	}
	b, err := paramstack.PopValue[int32](params)
	if err != nil {
		return pstatus.New(pstatus.KindInvalidArgument, "%v", err)
	}

	paramstack.PushValue(params, a+b)
	return pstatus.OK
}

type payload struct {
	X   int64
	Y   int64
	Tag [4]byte
}

func identity(_ interface{}, params *paramstack.Stack) pstatus.Status {
	v, err := paramstack.PopValue[payload](params)
	if err != nil {
		return pstatus.New(pstatus.KindInvalidArgument, "%v", err)
	}
	paramstack.PushValue(params, v)
	return pstatus.OK
}

func loadTestEnclave(t *testing.T) *enclave.Client {
	table := dispatch.NewTable()
	require.NoError(t, table.RegisterExitHandler(untrustedFibSel, untrustedFib, nil))

	b := &loopback.Backend{
		Init: func(tr *loopback.Trusted) error {
			if err := tr.Register(timesTwoSel, timesTwo, nil); err != nil {
				return err
			}
			if err := tr.Register(trustedFibSel, trustedFib, tr); err != nil {
				return err
			}
			return tr.Register(identitySel, identity, nil)
		},
		TraceCapacity: 16,
	}

	client, err := b.Load(context.Background(), backend.LoadConfig{Path: "loopback-test", Table: table})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Destroy() })
	return client
}

func TestLoadCallDestroy(t *testing.T) {
	client := loadTestEnclave(t)

	var stack paramstack.Stack
	paramstack.PushValue(&stack, int32(1))
	require.True(t, client.EnclaveCall(timesTwoSel, &stack).IsOK())
	out, err := paramstack.PopValue[int32](&stack)
	require.NoError(t, err)
	assert.EqualValues(t, 2, out)

	require.NoError(t, client.Destroy())
	assert.True(t, client.IsClosed())

	paramstack.PushValue(&stack, int32(1))
	status := client.EnclaveCall(timesTwoSel, &stack)
	assert.Equal(t, pstatus.KindFailedPrecondition, status.Kind())
}

func TestBadSelectorFails(t *testing.T) {
	client := loadTestEnclave(t)

	var stack paramstack.Stack
	stack.PushAlloc(4096)
	status := client.EnclaveCall(selector.Selector(selector.UserBase+999), &stack)
	require.False(t, status.IsOK())
	assert.Equal(t, pstatus.KindNotFound, status.Kind())
}

func TestArityMismatchFails(t *testing.T) {
	client := loadTestEnclave(t)

	var empty paramstack.Stack
	status := client.EnclaveCall(timesTwoSel, &empty)
	assert.Equal(t, pstatus.KindInvalidArgument, status.Kind())

	var two paramstack.Stack
	paramstack.PushValue(&two, int32(1))
	paramstack.PushValue(&two, int32(2))
	status = client.EnclaveCall(timesTwoSel, &two)
	assert.Equal(t, pstatus.KindInvalidArgument, status.Kind())
}

func TestReentrantFibonacci(t *testing.T) {
	client := loadTestEnclave(t)

	var stack paramstack.Stack
	paramstack.PushValue(&stack, int32(20))
	status := client.EnclaveCall(trustedFibSel, &stack)
	require.True(t, status.IsOK(), status.Message)

	require.Equal(t, 1, stack.Len())
	out, err := paramstack.PopValue[int32](&stack)
	require.NoError(t, err)
	assert.EqualValues(t, 6765, out)
	assert.True(t, stack.Empty())
}

func TestIdentityRoundTrip(t *testing.T) {
	client := loadTestEnclave(t)

	in := payload{X: -12345, Y: 1 << 40, Tag: [4]byte{'a', 'b', 'c', 'd'}}
	var stack paramstack.Stack
	paramstack.PushValue(&stack, in)
	require.True(t, client.EnclaveCall(identitySel, &stack).IsOK())

	out, err := paramstack.PopValue[payload](&stack)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestTrustDomainProbe(t *testing.T) {
	client := loadTestEnclave(t)

	var stack paramstack.Stack
	require.True(t, client.EnclaveCall(selector.ProbeTrustedMalloc, &stack).IsOK())
	trusted, err := paramstack.PopValue[extent.Extent](&stack)
	require.NoError(t, err)
	assert.True(t, trusted.IsTrusted())
	assert.False(t, trusted.Empty())

	require.True(t, client.EnclaveCall(selector.ProbeUntrustedMalloc, &stack).IsOK())
	untrusted, err := paramstack.PopValue[extent.Extent](&stack)
	require.NoError(t, err)
	assert.False(t, untrusted.IsTrusted())
}

func TestAbortVisibleToCoOwners(t *testing.T) {
	client := loadTestEnclave(t)
	co := client.Acquire()
	defer co.Release()

	var stack paramstack.Stack
	paramstack.PushValue(&stack, int32(1))
	require.True(t, client.EnclaveCall(timesTwoSel, &stack).IsOK())
	_, err := paramstack.PopValue[int32](&stack)
	require.NoError(t, err)

	var empty paramstack.Stack
	require.True(t, client.EnclaveCall(selector.Abort, &empty).IsOK())

	assert.True(t, client.IsClosed())
	assert.True(t, co.IsClosed())

	paramstack.PushValue(&stack, int32(1))
	status := co.EnclaveCall(timesTwoSel, &stack)
	assert.Equal(t, pstatus.KindFailedPrecondition, status.Kind())
}

func TestConcurrentEntries(t *testing.T) {
	client := loadTestEnclave(t)

	const workers = 64
	for round := 0; round < 32; round++ {
		var wg sync.WaitGroup
		for j := 0; j < workers; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				var stack paramstack.Stack
				paramstack.PushValue(&stack, int32(j))
				status := client.EnclaveCall(timesTwoSel, &stack)
				require.True(t, status.IsOK())
				out, err := paramstack.PopValue[int32](&stack)
				require.NoError(t, err)
				assert.EqualValues(t, j*2, out)
			}(j)
		}
		wg.Wait()
	}
}

func TestInitMayExitCall(t *testing.T) {
	const untrustedInitSel = selector.Selector(selector.UserBase + 7)

	var initCalled bool
	table := dispatch.NewTable()
	require.NoError(t, table.RegisterExitHandler(untrustedInitSel,
		func(dispatch.Client, interface{}, *paramstack.Stack) pstatus.Status {
			initCalled = true
			return pstatus.OK
		}, nil))

	b := &loopback.Backend{
		Init: func(tr *loopback.Trusted) error {
			var stack paramstack.Stack
			if status := tr.UntrustedCall(untrustedInitSel, &stack); !status.IsOK() {
				return errors.New(status.Message)
			}
			return nil
		},
	}

	client, err := b.Load(context.Background(), backend.LoadConfig{Path: "loopback-init", Table: table})
	require.NoError(t, err)
	defer func() { _ = client.Destroy() }()
	assert.True(t, initCalled)
}

func TestInitFailureFailsLoad(t *testing.T) {
	b := &loopback.Backend{
		Init: func(*loopback.Trusted) error { return errors.New("refused") },
	}
	_, err := b.Load(context.Background(), backend.LoadConfig{Path: "x", Table: dispatch.NewTable()})
	require.ErrorIs(t, err, backend.ErrInitFailed)
}

func TestFiniRunsOnDestroy(t *testing.T) {
	var finis int
	b := &loopback.Backend{
		Init: func(*loopback.Trusted) error { return nil },
		Fini: func() { finis++ },
	}
	client, err := b.Load(context.Background(), backend.LoadConfig{Path: "x", Table: dispatch.NewTable()})
	require.NoError(t, err)

	require.NoError(t, client.Destroy())
	require.NoError(t, client.Destroy())
	assert.Equal(t, 1, finis)
}
