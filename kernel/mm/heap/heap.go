// Package heap implements the kernel's variable-size memory allocator. The
// heap lives in a reserved virtual address range that is backed on demand by
// frames from the physical page allocator.
package heap

import (
	"github.com/PitiBouchon/magic-os/kernel"
	"github.com/PitiBouchon/magic-os/kernel/kfmt"
	"github.com/PitiBouchon/magic-os/kernel/mm"
	"github.com/PitiBouchon/magic-os/kernel/mm/vmm"
	"github.com/PitiBouchon/magic-os/kernel/sync"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultBase is the start of the virtual address range reserved for
	// the kernel heap.
	DefaultBase = mm.VirtualAddress(0x1_0000_0000)

	// DefaultLimit is the end of the virtual address range reserved for
	// the kernel heap.
	DefaultLimit = mm.VirtualAddress(0x1_1000_0000)
)

var (
	// ErrOutOfMemory is returned by Allocate when the request cannot be
	// satisfied even after growing the heap.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

	errInvalidConfig    = &kernel.Error{Module: "heap", Message: "heap range must be page-aligned, non-empty and not start at 0"}
	errInvalidAlignment = &kernel.Error{Module: "heap", Message: "alignment must be a non-zero power of 2"}
	errUndersizedFree   = &kernel.Error{Module: "heap", Message: "freed region is too small to hold a free list header"}
	errFreeMisaligned   = &kernel.Error{Module: "heap", Message: "freed address is not aligned to the free list header size"}
	errFreeOutOfRange   = &kernel.Error{Module: "heap", Message: "freed region is outside the heap"}
	errAccessOutOfRange = &kernel.Error{Module: "heap", Message: "access outside the mapped heap"}
)

// Config describes the virtual address range used by a heap.
type Config struct {
	// Base is the first address of the heap range. It must be
	// page-aligned and non-zero.
	Base mm.VirtualAddress

	// Limit is the first address past the heap range.
	Limit mm.VirtualAddress

	// CoalesceBothSides keeps merging a freed region with its neighbors
	// until no adjacent free block remains. When unset, each Deallocate
	// call merges with at most one neighbor.
	CoalesceBothSides bool
}

// DefaultConfig returns the configuration of the kernel heap.
func DefaultConfig() Config {
	return Config{Base: DefaultBase, Limit: DefaultLimit}
}

// Stats describes the state of a heap.
type Stats struct {
	// Mapped is the number of bytes backed by frames.
	Mapped mm.Size

	// Free is the number of bytes tracked by the free list.
	Free mm.Size

	// FreeNodes is the length of the free list.
	FreeNodes int
}

// Block describes a free region of the heap.
type Block struct {
	Start mm.VirtualAddress
	Size  mm.Size
}

// Allocator is a first-fit free list allocator. Free regions are tracked by
// freeNode headers written at the start of each region and accessed through
// the page table that maps the heap.
type Allocator struct {
	mutex sync.Spinlock

	cfg    Config
	frames mm.FrameAllocator
	pt     *vmm.PageTable

	// mapped is the number of bytes starting at cfg.Base that are backed
	// by frames.
	mapped mm.Size

	// head is the address of the first free node or 0 if the list is
	// empty.
	head mm.VirtualAddress
}

// New creates a heap that covers the range described by cfg. New maps one
// frame obtained from frames at cfg.Base using pt and seeds the free list
// with it.
func New(cfg Config, frames mm.FrameAllocator, pt *vmm.PageTable) (*Allocator, *kernel.Error) {
	if cfg.Base == 0 || cfg.Limit <= cfg.Base ||
		!cfg.Base.IsAligned(uint64(mm.PageSize)) || !cfg.Limit.IsAligned(uint64(mm.PageSize)) {
		return nil, errInvalidConfig
	}

	a := &Allocator{cfg: cfg, frames: frames, pt: pt}
	if err := a.grow(mm.Size(mm.PageSize)); err != nil {
		return nil, err
	}

	kfmt.Log("heap").WithFields(logrus.Fields{
		"base":  cfg.Base,
		"limit": cfg.Limit,
	}).Info("heap initialized")

	return a, nil
}

// grow maps enough frames to cover size bytes after the currently mapped
// part of the heap and pushes them to the free list as a single node. If the
// frames cannot all be obtained, the ones that were mapped are still added to
// the free list and ErrOutOfMemory is returned. Callers must hold the heap
// lock.
func (a *Allocator) grow(size mm.Size) *kernel.Error {
	var (
		start = a.cfg.Base.Add(uint64(a.mapped))
		added mm.Size
		err   *kernel.Error
	)

	for pages := size.Pages(); pages > 0; pages-- {
		if mm.Size(a.cfg.Limit-start) < added+mm.Size(mm.PageSize) {
			err = ErrOutOfMemory
			break
		}

		frame, allocErr := a.frames.AllocFrame()
		if allocErr != nil {
			err = ErrOutOfMemory
			break
		}

		if mapErr := a.pt.Map(start.Add(uint64(added)), frame.Address(), mm.Size(mm.PageSize), vmm.PermRead|vmm.PermWrite); mapErr != nil {
			a.frames.FreeFrame(frame)
			err = ErrOutOfMemory
			break
		}

		added += mm.Size(mm.PageSize)
	}

	if added != 0 {
		a.mapped += added
		a.push(start, added)

		kfmt.Log("heap").WithFields(logrus.Fields{
			"at":     start,
			"size":   added,
			"mapped": a.mapped,
		}).Debug("heap grown")
	}

	return err
}

// Stats returns a snapshot of the heap's bookkeeping.
func (a *Allocator) Stats() Stats {
	a.mutex.Acquire()
	defer a.mutex.Release()

	stats := Stats{Mapped: a.mapped}
	for cur := a.head; cur != 0; cur = a.nodeAt(cur).next {
		stats.Free += a.nodeAt(cur).size
		stats.FreeNodes++
	}
	return stats
}

// FreeBlocks returns the free list in list order.
func (a *Allocator) FreeBlocks() []Block {
	a.mutex.Acquire()
	defer a.mutex.Release()

	var blocks []Block
	for cur := a.head; cur != 0; cur = a.nodeAt(cur).next {
		blocks = append(blocks, Block{Start: cur, Size: a.nodeAt(cur).size})
	}
	return blocks
}

// Range returns the heap's configured virtual address range.
func (a *Allocator) Range() (start, limit mm.VirtualAddress) {
	return a.cfg.Base, a.cfg.Limit
}
