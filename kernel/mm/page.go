package mm

import (
	"math"
	"unsafe"

	"github.com/PitiBouchon/magic-os/kernel"
)

// Frame describes a physical memory page index (the PFN of an address).
type Frame uint64

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() PhysicalAddress {
	return PhysicalAddress(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr PhysicalAddress) Frame {
	return Frame(pageRoundDown(uint64(physAddr)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uint64

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() VirtualAddress {
	return VirtualAddress(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr VirtualAddress) Page {
	return Page(pageRoundDown(uint64(virtAddr)) >> PageShift)
}

// FrameAllocator is implemented by physical frame allocators.
type FrameAllocator interface {
	// AllocFrame reserves a zero-filled frame.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame returns a frame obtained via AllocFrame.
	FreeFrame(Frame)
}

// PhysicalMemory provides the kernel with access to the contents of physical
// frames.
type PhysicalMemory interface {
	// FramePointer returns a pointer to the first byte of the frame.
	FramePointer(Frame) unsafe.Pointer
}

// FrameAllocatorFn adapts a function to the FrameAllocator interface.
// Frames returned to a FrameAllocatorFn are dropped.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// AllocFrame implements FrameAllocator.
func (fn FrameAllocatorFn) AllocFrame() (Frame, *kernel.Error) { return fn() }

// FreeFrame implements FrameAllocator.
func (fn FrameAllocatorFn) FreeFrame(Frame) {}

var (
	// frameAllocator points to a frame allocator registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocator
)

// SetFrameAllocator registers the allocator that will be used by AllocFrame
// and FreeFrame.
func SetFrameAllocator(alloc FrameAllocator) { frameAllocator = alloc }

// DefaultFrameAllocator returns the allocator registered via
// SetFrameAllocator.
func DefaultFrameAllocator() FrameAllocator { return frameAllocator }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) { return frameAllocator.AllocFrame() }

// FreeFrame releases a frame using the currently active physical frame
// allocator.
func FreeFrame(f Frame) { frameAllocator.FreeFrame(f) }
