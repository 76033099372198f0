package kernel

import "unsafe"

// Memset sets size bytes at the given address to the supplied value. Instead
// of using a for loop, this function uses log2(size) copy calls which should
// give us a speed boost as page addresses are always aligned.
//
// The address must point to memory that is not managed by the Go allocator
// (e.g. the physical memory arena) or to memory kept alive by the caller.
func Memset(addr unsafe.Pointer, value byte, size uintptr) {
	if size == 0 {
		return
	}

	// overlay a slice on top of this address region
	target := unsafe.Slice((*byte)(addr), size)

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst.
func Memcopy(src, dst unsafe.Pointer, size uintptr) {
	if size == 0 {
		return
	}

	copy(unsafe.Slice((*byte)(dst), size), unsafe.Slice((*byte)(src), size))
}
