package entry_test

import (
	"sync"
	"testing"

	"github.com/enclavecore/primitives/entry"
	"github.com/enclavecore/primitives/paramstack"
	"github.com/enclavecore/primitives/pstatus"
	"github.com/enclavecore/primitives/selector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timesTwo(_ interface{}, params *paramstack.Stack) pstatus.Status {
	v, err := paramstack.PopValue[int32](params)
	if err != nil {
		return pstatus.New(pstatus.KindInvalidArgument, "%v", err)
	}
	paramstack.PushValue(params, v*2)
	return pstatus.OK
}

func TestRegisterAndDispatch(t *testing.T) {
	r := entry.NewRegistry()
	const sel = selector.Selector(selector.UserBase)
	require.NoError(t, r.Register(sel, timesTwo, nil))

	var stack paramstack.Stack
	paramstack.PushValue(&stack, int32(21))
	status := r.Dispatch(sel, &stack)
	require.True(t, status.IsOK())

	out, err := paramstack.PopValue[int32](&stack)
	require.NoError(t, err)
	assert.EqualValues(t, 42, out)
}

func TestRegisterReservedRejected(t *testing.T) {
	r := entry.NewRegistry()
	err := r.Register(selector.Init, timesTwo, nil)
	assert.ErrorIs(t, err, entry.ErrReserved)
}

func TestRegisterReservedAllowedViaRegisterReserved(t *testing.T) {
	r := entry.NewRegistry()
	require.NoError(t, r.RegisterReserved(selector.Init, timesTwo, nil))
	assert.ErrorIs(t, r.RegisterReserved(selector.Init, timesTwo, nil), entry.ErrAlreadyRegistered)
}

func TestDoubleRegisterFails(t *testing.T) {
	r := entry.NewRegistry()
	const sel = selector.Selector(selector.UserBase)
	require.NoError(t, r.Register(sel, timesTwo, nil))
	assert.ErrorIs(t, r.Register(sel, timesTwo, nil), entry.ErrAlreadyRegistered)
}

func TestDispatchUnknownSelector(t *testing.T) {
	r := entry.NewRegistry()
	var stack paramstack.Stack
	status := r.Dispatch(selector.Selector(9999), &stack)
	assert.False(t, status.IsOK())
	assert.Equal(t, pstatus.KindNotFound, status.Kind())
}

func TestDispatchRecoversPanic(t *testing.T) {
	r := entry.NewRegistry()
	const sel = selector.Selector(selector.UserBase)
	require.NoError(t, r.Register(sel, func(interface{}, *paramstack.Stack) pstatus.Status {
		panic("boom")
	}, nil))

	var stack paramstack.Stack
	status := r.Dispatch(sel, &stack)
	assert.False(t, status.IsOK())
	assert.Equal(t, pstatus.KindInternal, status.Kind())
}

func TestConcurrentDisjointRegistration(t *testing.T) {
	r := entry.NewRegistry()
	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Register(selector.Selector(selector.UserBase+uint64(i)), timesTwo, nil)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}
