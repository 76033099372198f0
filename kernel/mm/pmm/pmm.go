// Package pmm implements the kernel's physical page allocator.
package pmm

import (
	"github.com/PitiBouchon/magic-os/kernel"
	"github.com/PitiBouchon/magic-os/kernel/mm"
)

var (
	// defaultAllocator is the page allocator used by the kernel once Init
	// has been invoked.
	defaultAllocator *Allocator

	errNoUsableMemory = &kernel.Error{Module: "pmm", Message: "free memory region does not contain a single page"}
)

// Init sets up the kernel physical memory allocation sub-system using the
// supplied free memory region and registers it as the system frame
// allocator.
func Init(mem mm.PhysicalMemory, region mm.Region) *kernel.Error {
	if region.PageAligned().Size == 0 {
		return errNoUsableMemory
	}

	defaultAllocator = New(mem, region)
	mm.SetFrameAllocator(defaultAllocator)
	return nil
}

// Default returns the allocator set up by Init or nil if Init has not been
// called yet.
func Default() *Allocator {
	return defaultAllocator
}
