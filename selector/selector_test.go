package selector_test

import (
	"testing"

	"github.com/enclavecore/primitives/selector"
	"github.com/stretchr/testify/require"
)

func TestReservedRange(t *testing.T) {
	require.True(t, selector.IsReserved(selector.Init))
	require.True(t, selector.IsReserved(selector.Abort))
	require.True(t, selector.IsReserved(selector.Selector(selector.ReservedMax)))
	require.False(t, selector.IsReserved(selector.Selector(selector.UserBase)))
	require.False(t, selector.IsReserved(selector.Selector(selector.UserBase+100)))
}
