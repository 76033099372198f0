// Package vmm implements Sv39 page tables and the kernel and user address
// spaces built on top of them.
package vmm

import (
	"fmt"

	"github.com/PitiBouchon/magic-os/kernel"
	"github.com/PitiBouchon/magic-os/kernel/kfmt"
	"github.com/PitiBouchon/magic-os/kernel/mm"
	"github.com/PitiBouchon/magic-os/kernel/sync"
	"github.com/sirupsen/logrus"
)

var (
	// kernelPageTable is the identity-mapped page table set up by
	// InitKernel.
	kernelPageTable     *PageTable
	kernelPageTableLock sync.Spinlock

	errKernelTableExists = &kernel.Error{Module: "vmm", Message: "kernel page table already initialized"}
)

// KernelLayout describes where the kernel image lives in physical memory.
type KernelLayout struct {
	// RAM is the physical memory range of the machine.
	RAM mm.Region

	// Text holds the kernel's executable code.
	Text mm.Region

	// Data holds the kernel's read-only and read-write data.
	Data mm.Region

	// Trampoline is the address of the page that user address spaces map
	// at TrampolineAddr. A zero value skips the trampoline mapping.
	Trampoline mm.PhysicalAddress
}

// InitKernel creates the kernel page table with NewKernelPageTable, installs
// it as the active page table of the calling hart and makes it available via
// KernelPageTable. InitKernel may only succeed once.
func InitKernel(frames mm.FrameAllocator, mem mm.PhysicalMemory, layout KernelLayout) (*PageTable, *kernel.Error) {
	kernelPageTableLock.Acquire()
	defer kernelPageTableLock.Release()

	if kernelPageTable != nil {
		return nil, errKernelTableExists
	}

	pt, err := NewKernelPageTable(frames, mem, layout)
	if err != nil {
		return nil, err
	}

	pt.Activate()
	kernelPageTable = pt

	kfmt.Log("vmm").WithFields(logrus.Fields{
		"root": pt.Root().Address(),
		"satp": fmt.Sprintf("%#x", pt.SATP()),
	}).Info("kernel page table active")

	return pt, nil
}

// NewKernelPageTable builds a page table that identity maps the machine's
// RAM. The kernel text is mapped as readable and executable while the kernel
// data and the remainder of RAM are mapped as readable and writable. The
// trampoline page, if any, is also mapped at TrampolineAddr.
func NewKernelPageTable(frames mm.FrameAllocator, mem mm.PhysicalMemory, layout KernelLayout) (*PageTable, *kernel.Error) {
	pt, err := NewPageTable(frames, mem)
	if err != nil {
		return nil, err
	}

	if err = identityMap(pt, layout.Text, PermRead|PermExecute, "text"); err != nil {
		return nil, err
	}
	if err = identityMap(pt, layout.Data, PermRead|PermWrite, "data"); err != nil {
		return nil, err
	}

	// RAM below the kernel image
	lowEnd := min(layout.Text.Start.PageRoundDown(), layout.RAM.End())
	if lowEnd > layout.RAM.Start {
		below := mm.Region{Start: layout.RAM.Start, Size: mm.Size(lowEnd - layout.RAM.Start)}
		if err = identityMap(pt, below, PermRead|PermWrite, "ram"); err != nil {
			return nil, err
		}
	}

	// RAM above the kernel image
	highStart := max(layout.Data.End().PageRoundUp(), layout.RAM.Start)
	if highStart < layout.RAM.End() {
		above := mm.Region{Start: highStart, Size: mm.Size(layout.RAM.End() - highStart)}
		if err = identityMap(pt, above, PermRead|PermWrite, "ram"); err != nil {
			return nil, err
		}
	}

	if layout.Trampoline != 0 {
		if err = pt.Map(TrampolineAddr, layout.Trampoline, mm.Size(mm.PageSize), PermRead|PermExecute); err != nil {
			return nil, err
		}
	}

	return pt, nil
}

// KernelPageTable returns the page table set up by InitKernel or nil if
// InitKernel has not been called yet.
func KernelPageTable() *PageTable {
	kernelPageTableLock.Acquire()
	defer kernelPageTableLock.Release()
	return kernelPageTable
}

// ReleaseKernelPageTable unregisters pt if it is the page table installed by
// InitKernel so that InitKernel can run again. It must be called before the
// memory backing pt is released.
func ReleaseKernelPageTable(pt *PageTable) {
	kernelPageTableLock.Acquire()
	defer kernelPageTableLock.Release()

	if kernelPageTable == pt {
		kernelPageTable = nil
	}
}

func identityMap(pt *PageTable, region mm.Region, perm Permission, name string) *kernel.Error {
	if region.Size == 0 {
		return nil
	}

	kfmt.Log("vmm").WithFields(logrus.Fields{
		"region": region,
		"perm":   perm,
	}).Debug("identity mapping " + name)

	return pt.Map(mm.VirtualAddress(region.Start), region.Start, region.Size, perm)
}
