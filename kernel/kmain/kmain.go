// Package kmain boots the kernel memory subsystem: it brings up the physical
// page allocator, the kernel page table and the kernel heap on top of the RAM
// described by a hal.Machine.
package kmain

import (
	"github.com/PitiBouchon/magic-os/kernel"
	"github.com/PitiBouchon/magic-os/kernel/hal"
	"github.com/PitiBouchon/magic-os/kernel/kfmt"
	"github.com/PitiBouchon/magic-os/kernel/mm"
	"github.com/PitiBouchon/magic-os/kernel/mm/heap"
	"github.com/PitiBouchon/magic-os/kernel/mm/physmem"
	"github.com/PitiBouchon/magic-os/kernel/mm/pmm"
	"github.com/PitiBouchon/magic-os/kernel/mm/vmm"
	"github.com/sirupsen/logrus"
)

// InitCode is the first user program. It issues an exit(13) system call and
// spins. The bytes following the instructions hold the "Hello World!"
// string.
var InitCode = [32]byte{
	0x13, 0x05, 0xd0, 0x00, 0x93, 0x05, 0x40, 0x01, 0x93, 0x08, 0x00, 0x00, 0x73, 0x00, 0x00, 0x00,
	0x6f, 0x00, 0x00, 0x00, 0x48, 0x65, 0x6c, 0x6c, 0x6f, 0x20, 0x57, 0x6f, 0x72, 0x6c, 0x64, 0x21,
}

var (
	// The following functions are mocked by tests.
	newRAMFn              = physmem.New
	initKernelPageTableFn = vmm.InitKernel
	newUserAddressSpaceFn = vmm.NewUserAddressSpace

	errNoRAM        = &kernel.Error{Module: "kmain", Message: "unable to allocate the RAM arena"}
	errHeapSelfTest = &kernel.Error{Module: "kmain", Message: "heap returned different data from what was written"}
)

// Kernel holds the memory subsystem of a booted kernel.
type Kernel struct {
	Machine   *hal.Machine
	MemoryMap *hal.MemoryMap

	RAM       *physmem.RAM
	Frames    *pmm.Allocator
	PageTable *vmm.PageTable
	Heap      *heap.Allocator

	// Init is the address space of the first user process or nil if the
	// machine does not provide a trampoline page.
	Init *vmm.AddressSpace
}

// Boot brings up the memory subsystem of machine m. Once Boot returns, frames
// can be obtained from k.Frames, the kernel page table is active and the
// kernel heap is usable.
func Boot(m *hal.Machine) (*Kernel, *kernel.Error) {
	kfmt.Printf("---------- Kernel Start ----------\n")

	if err := m.Validate(); err != nil {
		return nil, err
	}

	memMap, err := m.MemoryMap()
	if err != nil {
		return nil, err
	}
	memMap.Print(kfmt.ModuleWriter("hal"))

	free, err := m.FreeRegion()
	if err != nil {
		return nil, err
	}

	ram, ramErr := newRAMFn(m.RAM().Start, m.RAM().Size)
	if ramErr != nil {
		kfmt.Log("kmain").WithError(ramErr).Error("RAM arena setup failed")
		return nil, errNoRAM
	}

	k := &Kernel{Machine: m, MemoryMap: memMap, RAM: ram}
	if err = k.initMemory(free); err != nil {
		_ = k.Close()
		return nil, err
	}

	kfmt.Printf("---------- Kernel End ----------\n")
	return k, nil
}

func (k *Kernel) initMemory(free mm.Region) *kernel.Error {
	var err *kernel.Error

	if err = pmm.Init(k.RAM, free); err != nil {
		return err
	}
	k.Frames = pmm.Default()

	layout := vmm.KernelLayout{
		RAM:        k.Machine.RAM(),
		Text:       k.Machine.KernelText(),
		Data:       k.Machine.KernelData(),
		Trampoline: k.Machine.Trampoline(),
	}
	if k.PageTable, err = initKernelPageTableFn(k.Frames, k.RAM, layout); err != nil {
		return err
	}

	cfg := heap.Config{
		Base:              mm.VirtualAddress(k.Machine.Heap.Base),
		Limit:             mm.VirtualAddress(k.Machine.Heap.Limit),
		CoalesceBothSides: k.Machine.Heap.CoalesceBothSides,
	}
	if k.Heap, err = heap.New(cfg, k.Frames, k.PageTable); err != nil {
		return err
	}

	if err = k.heapSelfTest(); err != nil {
		return err
	}

	if k.Machine.Trampoline() == 0 {
		kfmt.Log("kmain").Warn("no trampoline page; skipping init process")
		return nil
	}

	if k.Init, err = newUserAddressSpaceFn(k.Frames, k.RAM, k.PageTable, InitCode[:]); err != nil {
		return err
	}

	kfmt.Log("kmain").WithFields(logrus.Fields{
		"code":      k.Init.CodeFrame.Address(),
		"trapframe": k.Init.TrapFrame.Address(),
		"root":      k.Init.Root().Address(),
	}).Info("init process address space ready")

	return nil
}

// heapSelfTest round-trips a string through the kernel heap.
func (k *Kernel) heapSelfTest() *kernel.Error {
	msg := []byte("Hello World !")

	ptr, err := k.Heap.Allocate(mm.Size(len(msg)), 8)
	if err != nil {
		return err
	}
	defer k.Heap.Deallocate(ptr, mm.Size(len(msg)))

	if err = k.Heap.Write(ptr, msg); err != nil {
		return err
	}

	got := make([]byte, len(msg))
	if err = k.Heap.Read(ptr, got); err != nil {
		return err
	}
	if string(got) != string(msg) {
		return errHeapSelfTest
	}

	return nil
}

// Close unregisters the kernel page table and releases the RAM arena. The
// kernel must not be used after Close returns.
func (k *Kernel) Close() error {
	vmm.ReleaseKernelPageTable(k.PageTable)
	return k.RAM.Close()
}
