// Package diag provides a bounded most-recently-used trace of recent
// boundary-crossing invocations, for tooling (enclavectl trace) and tests
// that want to assert "the last N calls" without unbounded memory growth.
package diag

import (
	"sort"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/enclavecore/primitives/pstatus"
	"github.com/enclavecore/primitives/selector"
)

// Record is one traced invocation.
type Record struct {
	Seq      uint64
	Selector selector.Selector
	Status   pstatus.Status
	At       time.Time
}

// Trace is a fixed-capacity, thread-safe ring of the most recent Records.
// Once full, recording a new entry evicts the oldest.
type Trace struct {
	cache *lru.Cache[uint64, Record]
	seq   atomic.Uint64
}

// NewTrace builds a Trace holding at most capacity Records. A capacity of
// zero or less is treated as 1.
func NewTrace(capacity int) *Trace {
	if capacity <= 0 {
		capacity = 1
	}
	c, _ := lru.New[uint64, Record](capacity)
	return &Trace{cache: c}
}

// Record appends an invocation outcome to the trace.
func (t *Trace) Record(sel selector.Selector, status pstatus.Status) {
	seq := t.seq.Add(1)
	t.cache.Add(seq, Record{Seq: seq, Selector: sel, Status: status, At: time.Now()})
}

// Recent returns the currently retained Records, oldest first.
func (t *Trace) Recent() []Record {
	keys := t.cache.Keys()
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		if v, ok := t.cache.Peek(k); ok {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len reports how many Records are currently retained.
func (t *Trace) Len() int {
	return t.cache.Len()
}
