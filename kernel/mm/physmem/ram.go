// Package physmem emulates the machine's physical RAM. A RAM value owns a
// contiguous block of host memory and translates physical addresses that fall
// inside it into host pointers so the allocators and page tables can store
// their state in-place, exactly as they would on bare metal.
package physmem

import (
	"unsafe"

	"github.com/PitiBouchon/magic-os/kernel"
	"github.com/PitiBouchon/magic-os/kernel/mm"
)

var (
	// ErrInvalidRange is returned by New when asked to emulate a region
	// that is empty or not page-aligned.
	ErrInvalidRange = &kernel.Error{Module: "physmem", Message: "RAM region must be non-empty and page-aligned"}

	errAddressNotBacked = &kernel.Error{Module: "physmem", Message: "physical address is not backed by RAM"}
)

// RAM is a block of emulated physical memory covering [Base, Base+Size).
type RAM struct {
	base mm.PhysicalAddress
	mem  []byte
}

// New allocates size bytes of host memory and exposes them as physical
// memory starting at base.
func New(base mm.PhysicalAddress, size mm.Size) (*RAM, error) {
	if size == 0 || !base.IsAligned(uint64(mm.PageSize)) || uint64(size)%uint64(mm.PageSize) != 0 {
		return nil, ErrInvalidRange
	}

	mem, err := allocArena(int(size))
	if err != nil {
		return nil, err
	}

	return &RAM{base: base, mem: mem}, nil
}

// Close releases the host memory backing the RAM. The RAM must not be used
// afterwards.
func (r *RAM) Close() error {
	if r.mem == nil {
		return nil
	}
	err := freeArena(r.mem)
	r.mem = nil
	return err
}

// Region returns the physical address range backed by this RAM.
func (r *RAM) Region() mm.Region {
	return mm.Region{Start: r.base, Size: mm.Size(len(r.mem))}
}

// Contains returns true if pa is backed by this RAM.
func (r *RAM) Contains(pa mm.PhysicalAddress) bool {
	return r.Region().Contains(pa)
}

// FramePointer implements mm.PhysicalMemory. It panics if the frame is not
// backed by this RAM.
func (r *RAM) FramePointer(f mm.Frame) unsafe.Pointer {
	return r.Pointer(f.Address())
}

// Pointer returns a host pointer to the byte at physical address pa. It
// panics if pa is not backed by this RAM.
func (r *RAM) Pointer(pa mm.PhysicalAddress) unsafe.Pointer {
	if !r.Contains(pa) {
		panic(errAddressNotBacked)
	}
	return unsafe.Pointer(&r.mem[pa-r.base])
}

// Bytes returns a slice aliasing the size bytes of RAM that start at pa. It
// panics if any part of the range is not backed by this RAM.
func (r *RAM) Bytes(pa mm.PhysicalAddress, size mm.Size) []byte {
	if size == 0 {
		return nil
	}
	if !r.Contains(pa) || !r.Contains(pa+mm.PhysicalAddress(size)-1) {
		panic(errAddressNotBacked)
	}
	off := uint64(pa - r.base)
	return r.mem[off : off+uint64(size) : off+uint64(size)]
}
