// Package paramstack implements the LIFO byte-frame buffer used to pass
// arguments and results across the trust boundary. A Stack carries no
// endianness translation and no padding: every pushed frame is the exact
// byte representation the caller supplied.
package paramstack

import "unsafe"

// frame is one entry on the stack. owned frames reference a slice of the
// Stack's own growth-by-doubling backing buffer; unowned frames reference
// caller-supplied memory the Stack never copies.
type frame struct {
	data  []byte
	owned bool
}

// Stack is a LIFO sequence of byte frames. The zero value is ready to use.
//
// Bytes returned by Pop/PopValue from an owned frame are valid only until
// the next Push call on the same Stack -- pushing may reuse the backing
// buffer a popped frame pointed into, exactly as a released service buffer
// is reused by the next reservation.
type Stack struct {
	buf    []byte
	used   int
	frames []frame
}

// Len reports the number of frames currently on the stack.
func (s *Stack) Len() int {
	return len(s.frames)
}

// Empty reports whether the stack has no frames.
func (s *Stack) Empty() bool {
	return len(s.frames) == 0
}

// Clear removes all frames and resets the backing buffer for reuse.
func (s *Stack) Clear() {
	s.frames = s.frames[:0]
	s.buf = s.buf[:0]
	s.used = 0
}

// reserve returns an n-byte slice of the backing buffer, growing it by
// doubling if needed. Prior frames remain valid: growth never copies over
// them, it allocates fresh storage and copies what's in use forward.
func (s *Stack) reserve(n int) []byte {
	l := s.used
	c := cap(s.buf)
	if c-l < n {
		if c == 0 {
			c = 64
		}
		for c-l < n {
			c <<= 1
		}
		next := make([]byte, l, c)
		copy(next, s.buf[:l])
		s.buf = next
	}
	s.buf = s.buf[:l+n]
	s.used = l + n
	return s.buf[l : l+n]
}

// PushAlloc reserves an n-byte owned frame on the stack and returns it for
// the caller to fill in.
func (s *Stack) PushAlloc(n int) []byte {
	dst := s.reserve(n)
	s.frames = append(s.frames, frame{data: dst, owned: true})
	return dst
}

// PushBytes copies data into a new owned frame.
func (s *Stack) PushBytes(data []byte) {
	dst := s.PushAlloc(len(data))
	copy(dst, data)
}

// PushRef attaches a caller-owned byte slice as the top frame without
// copying it. The caller must not mutate data until the frame is popped.
func (s *Stack) PushRef(data []byte) {
	s.frames = append(s.frames, frame{data: data, owned: false})
}

// PushValue pushes the raw bytes of a fixed-size value T. T must be a
// value type with no pointers or interfaces -- Go has no constraint to
// enforce this, so it is a caller obligation, not a compiler one.
func PushValue[T any](s *Stack, v T) {
	var zero T
	n := int(unsafe.Sizeof(zero))
	dst := s.PushAlloc(n)
	if n > 0 {
		src := (*[1 << 30]byte)(unsafe.Pointer(&v))[:n:n]
		copy(dst, src)
	}
}

// Pop removes and returns the top frame's bytes. The returned slice is
// valid only until the next Push call on this Stack.
func (s *Stack) Pop() ([]byte, error) {
	if len(s.frames) == 0 {
		return nil, ErrEmpty
	}
	top := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	if top.owned {
		s.used -= len(top.data)
		s.buf = s.buf[:s.used]
	}
	return top.data, nil
}

// Frames returns the current frames' bytes, bottom to top, sharing the
// Stack's backing storage (no copy). It is used by backends to build the
// extent-list view handed across the boundary; callers must not retain
// the returned slices past the next mutation of the Stack.
func (s *Stack) Frames() [][]byte {
	out := make([][]byte, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.data
	}
	return out
}

// ReplaceFrames discards every frame currently on the stack and rebuilds
// it as a sequence of owned frames holding copies of the given byte
// slices, bottom to top. Backends use this to reconstruct the Stack from
// whatever a trusted side (or an ipcbackend wire reply) reports as its
// final frame list after a call.
func (s *Stack) ReplaceFrames(frames [][]byte) {
	s.Clear()
	for _, f := range frames {
		s.PushBytes(f)
	}
}

// PopValue removes the top frame and decodes it as a fixed-size value T.
// It fails with ErrSizeMismatch if the frame's length does not match
// sizeof(T) exactly, leaving the stack unmodified.
func PopValue[T any](s *Stack) (T, error) {
	var out T
	if len(s.frames) == 0 {
		return out, ErrEmpty
	}
	n := int(unsafe.Sizeof(out))
	if top := s.frames[len(s.frames)-1]; len(top.data) != n {
		return out, ErrSizeMismatch
	}
	data, err := s.Pop()
	if err != nil {
		return out, err
	}
	if n > 0 {
		dst := (*[1 << 30]byte)(unsafe.Pointer(&out))[:n:n]
		copy(dst, data)
	}
	return out, nil
}
