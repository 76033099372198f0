package vmm

import (
	"unsafe"

	"github.com/PitiBouchon/magic-os/kernel"
	"github.com/PitiBouchon/magic-os/kernel/mm"
)

const (
	// TrampolineAddr is the virtual address of the trampoline page. The
	// page is mapped at the same address in the kernel and in every user
	// address space.
	TrampolineAddr = mm.MaxVirtualAddress - mm.VirtualAddress(mm.PageSize)

	// TrapFrameAddr is the virtual address of the page that holds the
	// saved user registers of a user address space.
	TrapFrameAddr = TrampolineAddr - mm.VirtualAddress(mm.PageSize)

	// UserCodeAddr is the virtual address where user code is loaded.
	UserCodeAddr = mm.VirtualAddress(0)
)

var (
	// ErrCodeTooLarge is returned by NewUserAddressSpace when the user
	// code does not fit in a single page.
	ErrCodeTooLarge = &kernel.Error{Module: "vmm", Message: "user code must fit in a single page"}
)

// AddressSpace is the page table of a user process together with the frames
// it owns.
type AddressSpace struct {
	*PageTable

	// CodeFrame holds a copy of the code mapped at UserCodeAddr.
	CodeFrame mm.Frame

	// TrapFrame is the frame mapped at TrapFrameAddr.
	TrapFrame mm.Frame
}

// NewUserAddressSpace builds a private address space for a user process:
//
//   - code is copied into a fresh frame mapped at UserCodeAddr as
//     readable, executable and user accessible.
//   - a fresh trap frame page is mapped at TrapFrameAddr as readable and
//     writable.
//   - the trampoline page of kernelPT is mapped at TrampolineAddr as
//     readable and executable.
//
// Frames already allocated when an error occurs are not returned to frames.
func NewUserAddressSpace(frames mm.FrameAllocator, mem mm.PhysicalMemory, kernelPT *PageTable, code []byte) (*AddressSpace, *kernel.Error) {
	if uintptr(len(code)) > mm.PageSize {
		return nil, ErrCodeTooLarge
	}

	trampoline, _, err := kernelPT.Translate(TrampolineAddr)
	if err != nil {
		return nil, err
	}

	pt, err := NewPageTable(frames, mem)
	if err != nil {
		return nil, err
	}
	as := &AddressSpace{PageTable: pt}

	if as.CodeFrame, err = frames.AllocFrame(); err != nil {
		return nil, err
	}
	codePtr := mem.FramePointer(as.CodeFrame)
	kernel.Memset(codePtr, 0, mm.PageSize)
	if len(code) != 0 {
		kernel.Memcopy(unsafe.Pointer(&code[0]), codePtr, uintptr(len(code)))
	}

	if as.TrapFrame, err = frames.AllocFrame(); err != nil {
		return nil, err
	}
	kernel.Memset(mem.FramePointer(as.TrapFrame), 0, mm.PageSize)

	pageSize := mm.Size(mm.PageSize)
	if err = pt.Map(UserCodeAddr, as.CodeFrame.Address(), pageSize, PermRead|PermExecute|PermUser); err != nil {
		return nil, err
	}
	if err = pt.Map(TrapFrameAddr, as.TrapFrame.Address(), pageSize, PermRead|PermWrite); err != nil {
		return nil, err
	}
	if err = pt.Map(TrampolineAddr, trampoline, pageSize, PermRead|PermExecute); err != nil {
		return nil, err
	}

	return as, nil
}
