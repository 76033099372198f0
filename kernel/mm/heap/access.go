package heap

import (
	"unsafe"

	"github.com/PitiBouchon/magic-os/kernel"
	"github.com/PitiBouchon/magic-os/kernel/mm"
)

// Write copies buf to the heap memory that starts at va.
func (a *Allocator) Write(va mm.VirtualAddress, buf []byte) *kernel.Error {
	return a.access(va, len(buf), func(mem []byte, off int) {
		copy(mem, buf[off:])
	})
}

// Read fills buf with the heap memory that starts at va.
func (a *Allocator) Read(va mm.VirtualAddress, buf []byte) *kernel.Error {
	return a.access(va, len(buf), func(mem []byte, off int) {
		copy(buf[off:], mem)
	})
}

// access invokes fn for each page-sized chunk of [va, va+n) with a slice
// aliasing the chunk and the chunk's offset from va.
func (a *Allocator) access(va mm.VirtualAddress, n int, fn func(mem []byte, off int)) *kernel.Error {
	if n == 0 {
		return nil
	}

	a.mutex.Acquire()
	heapEnd := a.cfg.Base + mm.VirtualAddress(a.mapped)
	a.mutex.Release()

	if va < a.cfg.Base || va > heapEnd || uint64(heapEnd-va) < uint64(n) {
		return errAccessOutOfRange
	}

	for off := 0; off < n; {
		cur := va + mm.VirtualAddress(off)
		chunk := min(n-off, int(mm.PageSize)-int(cur.PageOffset()))

		ptr, err := a.pt.PointerTo(cur)
		if err != nil {
			return err
		}

		fn(unsafe.Slice((*byte)(ptr), chunk), off)
		off += chunk
	}

	return nil
}
