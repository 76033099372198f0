package pmm

import (
	"github.com/PitiBouchon/magic-os/kernel"
	"github.com/PitiBouchon/magic-os/kernel/kfmt"
	"github.com/PitiBouchon/magic-os/kernel/mm"
	"github.com/PitiBouchon/magic-os/kernel/sync"
	"github.com/sirupsen/logrus"
)

var (
	// ErrExhausted is returned by Allocate when no free frames remain.
	ErrExhausted = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	errFreeMisaligned = &kernel.Error{Module: "pmm", Message: "attempted to free a non page-aligned address"}
	errFreeOutOfRange = &kernel.Error{Module: "pmm", Message: "attempted to free an address outside the managed region"}

	// memsetFn is used by tests to observe frame zeroing.
	memsetFn = kernel.Memset
)

// Allocator hands out the 4096-byte frames of a contiguous physical memory
// region.
//
// Free frames are kept in a singly linked list whose links are stored inside
// the free frames themselves: the first 8 bytes of each free frame hold the
// number of the next free frame, with mm.InvalidFrame terminating the list.
// The allocator therefore needs no memory beyond the region it manages.
type Allocator struct {
	mutex sync.Spinlock

	mem mm.PhysicalMemory

	// the managed frames are [startFrame, endFrame)
	startFrame, endFrame mm.Frame

	head      mm.Frame
	freeCount uint64
}

// New returns an allocator that manages the page-aligned portion of region.
// The frames are read and written through mem.
func New(mem mm.PhysicalMemory, region mm.Region) *Allocator {
	alloc := &Allocator{mem: mem}
	alloc.Init(region)
	return alloc
}

// Init partitions [roundUp(region.Start), roundDown(region.End)) into frames
// and threads all of them into the free list so that the lowest address is
// handed out first. Any previous state of the allocator is discarded.
func (alloc *Allocator) Init(region mm.Region) {
	aligned := region.PageAligned()

	alloc.mutex.Acquire()
	alloc.startFrame = mm.FrameFromAddress(aligned.Start)
	alloc.endFrame = alloc.startFrame + mm.Frame(aligned.Size.Pages())
	alloc.head = mm.InvalidFrame
	alloc.freeCount = 0

	// Push frames from the top down so the list ends up in ascending order.
	for frame := alloc.endFrame; frame > alloc.startFrame; {
		frame--
		alloc.push(frame)
	}
	alloc.mutex.Release()

	kfmt.Log("pmm").WithFields(logrus.Fields{
		"start": aligned.Start,
		"end":   aligned.End(),
		"free":  alloc.freeCount,
	}).Info("page allocator initialized")
}

// Allocate reserves a free frame, clears its contents and returns its
// physical address. Allocate returns ErrExhausted if no free frames remain.
func (alloc *Allocator) Allocate() (mm.PhysicalAddress, *kernel.Error) {
	frame, err := alloc.AllocFrame()
	if err != nil {
		return 0, err
	}
	return frame.Address(), nil
}

// AllocFrame implements mm.FrameAllocator. It behaves like Allocate but
// returns the reserved frame rather than its address.
func (alloc *Allocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.mutex.Acquire()
	if !alloc.head.Valid() {
		alloc.mutex.Release()
		return mm.InvalidFrame, ErrExhausted
	}

	frame := alloc.head
	alloc.head = *alloc.link(frame)
	alloc.freeCount--
	alloc.mutex.Release()

	// The frame is no longer reachable from the free list so it can be
	// cleared without holding the lock.
	memsetFn(alloc.mem.FramePointer(frame), 0, mm.PageSize)
	return frame, nil
}

// Free returns the frame that starts at pa to the allocator. Free panics if
// pa is not page-aligned or lies outside the managed region. Freeing a frame
// twice is not detected.
func (alloc *Allocator) Free(pa mm.PhysicalAddress) {
	if !pa.IsAligned(uint64(mm.PageSize)) {
		panic(errFreeMisaligned)
	}

	alloc.FreeFrame(mm.FrameFromAddress(pa))
}

// FreeFrame implements mm.FrameAllocator. It panics if the frame lies
// outside the managed region.
func (alloc *Allocator) FreeFrame(frame mm.Frame) {
	if frame < alloc.startFrame || frame >= alloc.endFrame {
		panic(errFreeOutOfRange)
	}

	alloc.mutex.Acquire()
	alloc.push(frame)
	alloc.mutex.Release()
}

// FreeCount returns the number of frames that are currently available.
func (alloc *Allocator) FreeCount() uint64 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.freeCount
}

// Range returns the physical memory region managed by the allocator.
func (alloc *Allocator) Range() mm.Region {
	return mm.Region{
		Start: alloc.startFrame.Address(),
		Size:  mm.Size(alloc.endFrame-alloc.startFrame) << mm.PageShift,
	}
}

// push links frame in at the head of the free list. Callers must hold the
// allocator lock.
func (alloc *Allocator) push(frame mm.Frame) {
	*alloc.link(frame) = alloc.head
	alloc.head = frame
	alloc.freeCount++
}

// link returns a pointer to the next-frame link stored in a free frame.
func (alloc *Allocator) link(frame mm.Frame) *mm.Frame {
	return (*mm.Frame)(alloc.mem.FramePointer(frame))
}
