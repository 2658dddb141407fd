package diag_test

import (
	"testing"

	"github.com/enclavecore/primitives/diag"
	"github.com/enclavecore/primitives/pstatus"
	"github.com/enclavecore/primitives/selector"
	"github.com/stretchr/testify/assert"
)

func TestTraceBounded(t *testing.T) {
	tr := diag.NewTrace(3)
	for i := 0; i < 5; i++ {
		tr.Record(selector.Selector(selector.UserBase+uint64(i)), pstatus.OK)
	}
	assert.Equal(t, 3, tr.Len())

	recent := tr.Recent()
	require := assert.New(t)
	require.Len(recent, 3)
	// Oldest two entries (selectors UserBase, UserBase+1) were evicted.
	require.Equal(selector.Selector(selector.UserBase+2), recent[0].Selector)
	require.Equal(selector.Selector(selector.UserBase+4), recent[2].Selector)
}

func TestTraceOrderedBySequence(t *testing.T) {
	tr := diag.NewTrace(8)
	tr.Record(selector.Selector(1), pstatus.OK)
	tr.Record(selector.Selector(2), pstatus.New(pstatus.KindInternal, "boom"))

	recent := tr.Recent()
	assert.Len(t, recent, 2)
	assert.True(t, recent[0].Seq < recent[1].Seq)
	assert.False(t, recent[1].Status.IsOK())
}
