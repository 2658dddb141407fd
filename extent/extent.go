// Package extent describes raw memory regions that cross the trust
// boundary, without owning or copying the bytes they describe.
package extent

// Extent is an (address, length) pair tagged with the trust domain of the
// allocator that produced it. It does not own the memory it describes; the
// owning side is responsible for the memory's lifetime.
type Extent struct {
	Addr    uintptr
	Len     int
	Trusted bool
}

// FromTrusted builds an Extent for memory allocated on the trusted side of
// the boundary.
func FromTrusted(addr uintptr, length int) Extent {
	return Extent{Addr: addr, Len: length, Trusted: true}
}

// FromUntrusted builds an Extent for memory allocated on the untrusted side.
func FromUntrusted(addr uintptr, length int) Extent {
	return Extent{Addr: addr, Len: length, Trusted: false}
}

// Empty reports whether the extent describes a zero-length region.
func (e Extent) Empty() bool {
	return e.Len == 0
}

// IsTrusted reports whether the extent was allocated on the trusted side.
func (e Extent) IsTrusted() bool {
	return e.Trusted
}
