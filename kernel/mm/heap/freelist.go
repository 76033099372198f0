package heap

import (
	"unsafe"

	"github.com/PitiBouchon/magic-os/kernel"
	"github.com/PitiBouchon/magic-os/kernel/mm"
)

// freeNode is the header stored at the start of every free region.
type freeNode struct {
	next mm.VirtualAddress
	size mm.Size
}

// headerSize is the size of a freeNode. Allocation sizes are rounded up to
// a multiple of headerSize so any region can later be tracked as free.
const headerSize = mm.Size(unsafe.Sizeof(freeNode{}))

// nodeAt returns the header stored at va. Node addresses are always aligned
// to headerSize so a header never straddles two pages. nodeAt panics if va
// is not mapped.
func (a *Allocator) nodeAt(va mm.VirtualAddress) *freeNode {
	ptr, err := a.pt.PointerTo(va)
	if err != nil {
		panic(err)
	}
	return (*freeNode)(ptr)
}

// writeNode stores a header at va and returns it.
func (a *Allocator) writeNode(va, next mm.VirtualAddress, size mm.Size) *freeNode {
	n := a.nodeAt(va)
	n.next, n.size = next, size
	return n
}

// push adds a free region at the head of the list.
func (a *Allocator) push(va mm.VirtualAddress, size mm.Size) {
	a.writeNode(va, a.head, size)
	a.head = va
}

// setNext updates the link that follows prev; a zero prev refers to the
// list head.
func (a *Allocator) setNext(prev, next mm.VirtualAddress) {
	if prev == 0 {
		a.head = next
		return
	}
	a.nodeAt(prev).next = next
}

// roundSize rounds size up to a multiple of headerSize.
func roundSize(size mm.Size) mm.Size {
	return (size + headerSize - 1) &^ (headerSize - 1)
}

// Allocate reserves size bytes aligned to align and returns the address of
// the reserved region. The size is rounded up to a multiple of the free list
// header size. A zero size reserves nothing; the returned address may only be
// handed back to Deallocate with a zero size. If no free region is large
// enough, the heap grows once and the search is retried; Allocate returns
// ErrOutOfMemory if the request still cannot be satisfied.
//
// Allocate panics if align is not a power of 2.
func (a *Allocator) Allocate(size mm.Size, align uint64) (mm.VirtualAddress, *kernel.Error) {
	if align == 0 || align&(align-1) != 0 {
		panic(errInvalidAlignment)
	}
	size = roundSize(size)

	a.mutex.Acquire()
	defer a.mutex.Release()

	for attempt := 0; attempt < 2; attempt++ {
		if va, ok := a.firstFit(size, align); ok {
			return va, nil
		}

		if attempt == 0 {
			// Over-provision by align so a fresh page-aligned node can
			// always be padded to any alignment.
			growBy := max(size, headerSize)
			if align > uint64(mm.PageSize) {
				growBy += mm.Size(align)
			}
			if err := a.grow(growBy); err != nil {
				return 0, err
			}
		}
	}

	return 0, ErrOutOfMemory
}

// firstFit carves size bytes aligned to align out of the first free node
// that can hold them. Callers must hold the heap lock.
func (a *Allocator) firstFit(size mm.Size, align uint64) (mm.VirtualAddress, bool) {
	var prev mm.VirtualAddress

	for cur := a.head; cur != 0; prev, cur = cur, a.nodeAt(cur).next {
		node := a.nodeAt(cur)
		padding := mm.Size(alignUp(uint64(cur), align) - uint64(cur))
		if node.size < padding+size {
			continue
		}

		start := cur + mm.VirtualAddress(padding)
		remainder := node.size - padding - size
		next := node.next

		// Node addresses and sizes are multiples of headerSize so a
		// non-zero remainder can always hold a header.
		if remainder != 0 {
			rest := start + mm.VirtualAddress(size)
			a.writeNode(rest, next, remainder)
			next = rest
		}

		if padding != 0 {
			// The padding stays on the list as the shrunk original node.
			node.size, node.next = padding, next
		} else {
			a.setNext(prev, next)
		}

		return start, true
	}

	return 0, false
}

// Deallocate returns the region [ptr, ptr+size) to the heap. The size is
// rounded up the same way Allocate rounds it. If the region is adjacent to a
// free node, that node is extended to cover it; otherwise a new node is
// pushed to the head of the free list.
//
// Deallocate panics if ptr is not aligned to the free list header size, if
// the region lies outside the mapped part of the heap or if it is too small
// to hold a free list header and cannot be merged.
func (a *Allocator) Deallocate(ptr mm.VirtualAddress, size mm.Size) {
	size = roundSize(size)

	a.mutex.Acquire()
	defer a.mutex.Release()

	if !ptr.IsAligned(uint64(headerSize)) {
		panic(errFreeMisaligned)
	}

	heapEnd := a.cfg.Base + mm.VirtualAddress(a.mapped)
	if ptr < a.cfg.Base || ptr > heapEnd || mm.Size(heapEnd-ptr) < size {
		panic(errFreeOutOfRange)
	}

	end := ptr + mm.VirtualAddress(size)

	var prev mm.VirtualAddress
	for cur := a.head; cur != 0; prev, cur = cur, a.nodeAt(cur).next {
		node := a.nodeAt(cur)
		nodeEnd := cur + mm.VirtualAddress(node.size)

		switch {
		case cur == end:
			// The region precedes the node: move the header down.
			a.writeNode(ptr, node.next, mm.Size(nodeEnd-ptr))
			a.setNext(prev, ptr)
			a.coalesce(ptr)
			return
		case nodeEnd == ptr:
			// The region follows the node: extend it.
			node.size += size
			a.coalesce(cur)
			return
		}
	}

	if size < headerSize {
		panic(errUndersizedFree)
	}

	a.push(ptr, size)
}

// coalesce keeps merging the node at va with adjacent free nodes until no
// neighbor remains. It does nothing unless the heap was configured with
// CoalesceBothSides. Callers must hold the heap lock.
func (a *Allocator) coalesce(va mm.VirtualAddress) {
	if !a.cfg.CoalesceBothSides {
		return
	}

	for merged := true; merged; {
		merged = false
		node := a.nodeAt(va)
		nodeEnd := va + mm.VirtualAddress(node.size)

		var prev mm.VirtualAddress
		for cur := a.head; cur != 0; prev, cur = cur, a.nodeAt(cur).next {
			if cur == va {
				continue
			}

			other := a.nodeAt(cur)
			otherEnd := cur + mm.VirtualAddress(other.size)

			switch {
			case cur == nodeEnd:
				// absorb the following node
				node.size += other.size
				a.setNext(prev, other.next)
			case otherEnd == va:
				// let the preceding node absorb this one
				other.size += node.size
				a.unlink(va)
				va = cur
			default:
				continue
			}

			merged = true
			break
		}
	}
}

// unlink removes the node at va from the free list.
func (a *Allocator) unlink(va mm.VirtualAddress) {
	var prev mm.VirtualAddress
	for cur := a.head; cur != 0; prev, cur = cur, a.nodeAt(cur).next {
		if cur == va {
			a.setNext(prev, a.nodeAt(cur).next)
			return
		}
	}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
