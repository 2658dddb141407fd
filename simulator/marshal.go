package simulator

/*
#include <stdlib.h>
#include "shim.h"
*/
import "C"

import (
	"errors"
	"unsafe"

	"github.com/enclavecore/primitives/paramstack"
	"github.com/enclavecore/primitives/pstatus"
	"github.com/enclavecore/primitives/selector"
)

// buildInStack builds a C sim_stack_t holding C-allocated copies of the
// Stack's frames. Copies rather than aliases of the Go backing bytes:
// the frame array lives in C memory, and C memory must never hold a Go
// pointer. The returned free releases the copies and the array.
func buildInStack(s *paramstack.Stack) (c C.sim_stack_t, free func()) {
	frames := s.Frames()
	if len(frames) == 0 {
		return C.sim_stack_t{}, func() {}
	}

	arr := C.malloc(C.size_t(len(frames)) * C.size_t(unsafe.Sizeof(C.sim_frame_t{})))
	slice := unsafe.Slice((*C.sim_frame_t)(arr), len(frames))
	for i, f := range frames {
		if len(f) > 0 {
			slice[i].data = (*C.uint8_t)(C.CBytes(f))
		} else {
			slice[i].data = nil
		}
		slice[i].len = C.size_t(len(f))
	}

	c = C.sim_stack_t{frames: (*C.sim_frame_t)(arr), count: C.size_t(len(frames))}
	return c, func() {
		for _, f := range slice {
			if f.data != nil {
				C.free(unsafe.Pointer(f.data))
			}
		}
		C.free(arr)
	}
}

// copyInStack rebuilds s from a trusted caller's input stack without
// taking ownership: the trusted side keeps its in frames.
func copyInStack(in *C.sim_stack_t, s *paramstack.Stack) {
	if in == nil || in.count == 0 || in.frames == nil {
		s.Clear()
		return
	}
	slice := unsafe.Slice(in.frames, int(in.count))
	frames := make([][]byte, len(slice))
	for i, f := range slice {
		if f.len > 0 {
			frames[i] = C.GoBytes(unsafe.Pointer(f.data), C.int(f.len))
		}
	}
	s.ReplaceFrames(frames)
}

// writeOutStack fills a trusted caller's output stack with C-allocated
// copies of s's frames; the trusted caller owns and frees them, the same
// convention entry calls use in the other direction.
func writeOutStack(s *paramstack.Stack, out *C.sim_stack_t) {
	if out == nil {
		return
	}
	frames := s.Frames()
	if len(frames) == 0 {
		out.frames = nil
		out.count = 0
		return
	}
	arr := C.malloc(C.size_t(len(frames)) * C.size_t(unsafe.Sizeof(C.sim_frame_t{})))
	slice := unsafe.Slice((*C.sim_frame_t)(arr), len(frames))
	for i, f := range frames {
		if len(f) > 0 {
			slice[i].data = (*C.uint8_t)(C.CBytes(f))
		} else {
			slice[i].data = nil
		}
		slice[i].len = C.size_t(len(f))
	}
	out.frames = (*C.sim_frame_t)(arr)
	out.count = C.size_t(len(frames))
}

// readOutStack copies an output sim_stack_t's frames into fresh Go-owned
// byte slices and replaces s's contents with them. Per the boundary
// convention documented in shim.h, whatever the callee leaves in the
// output stack is handed over to the caller; readOutStack frees that
// memory once it has copied it.
func readOutStack(out *C.sim_stack_t, s *paramstack.Stack) {
	if out.count == 0 || out.frames == nil {
		s.Clear()
		return
	}
	slice := unsafe.Slice(out.frames, int(out.count))
	frames := make([][]byte, len(slice))
	for i, f := range slice {
		if f.len > 0 {
			frames[i] = C.GoBytes(unsafe.Pointer(f.data), C.int(f.len))
			C.free(unsafe.Pointer(f.data))
		}
	}
	s.ReplaceFrames(frames)
	C.free(unsafe.Pointer(out.frames))
}

func toStatus(s C.sim_status_t) pstatus.Status {
	msg := ""
	if s.message != nil {
		msg = C.GoString(s.message)
	}
	return pstatus.Status{Code: int32(s.code), Message: msg}
}

func callInit(fn unsafe.Pointer, stack *paramstack.Stack) (pstatus.Status, error) {
	if fn == nil {
		return pstatus.Status{}, errors.New("simulator: nil init function")
	}
	in, freeIn := buildInStack(stack)
	defer freeIn()
	var out C.sim_stack_t
	result := C.sim_call_init(C.sim_init_fn(fn), &in, &out)
	readOutStack(&out, stack)
	return toStatus(result), nil
}

func callFini(fn unsafe.Pointer) {
	if fn == nil {
		return
	}
	C.sim_call_fini(C.sim_fini_fn(fn))
}

func callEntry(fn unsafe.Pointer, sel selector.Selector, stack *paramstack.Stack) (pstatus.Status, error) {
	if fn == nil {
		return pstatus.Status{}, errors.New("simulator: nil entry function")
	}
	in, freeIn := buildInStack(stack)
	defer freeIn()
	var out C.sim_stack_t
	result := C.sim_call_entry(C.sim_entry_fn(fn), C.uint64_t(sel), &in, &out)
	readOutStack(&out, stack)
	return toStatus(result), nil
}
