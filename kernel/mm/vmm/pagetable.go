package vmm

import (
	"unsafe"

	"github.com/PitiBouchon/magic-os/kernel"
	"github.com/PitiBouchon/magic-os/kernel/cpu"
	"github.com/PitiBouchon/magic-os/kernel/mm"
	"github.com/PitiBouchon/magic-os/kernel/sync"
)

// entriesPerTable is the number of entries stored in each page table page.
const entriesPerTable = 1 << mm.PageLevelBits

// table is the in-memory layout of a page table page.
type table [entriesPerTable]PageTableEntry

var (
	// switchPageTableFn is used by tests to observe page table
	// activations.
	switchPageTableFn = cpu.SwitchPageTable

	// flushTLBEntryFn is used by tests to observe TLB flushes.
	flushTLBEntryFn = cpu.SFenceVMA
)

// PageTable is a 3-level Sv39 translation structure. The root and every
// interior table occupy one physical frame; interior tables are allocated on
// demand from the page table's frame allocator and are owned by the page
// table. The frames that leaf entries point to are owned by whoever mapped
// them.
type PageTable struct {
	mutex sync.Spinlock

	root   mm.Frame
	frames mm.FrameAllocator
	mem    mm.PhysicalMemory
}

// NewPageTable allocates an empty root table. Interior tables will be
// allocated from frames and all table pages are accessed through mem.
func NewPageTable(frames mm.FrameAllocator, mem mm.PhysicalMemory) (*PageTable, *kernel.Error) {
	pt := &PageTable{frames: frames, mem: mem}

	root, err := pt.allocTable()
	if err != nil {
		return nil, err
	}
	pt.root = root

	return pt, nil
}

// Root returns the frame that holds the root table.
func (pt *PageTable) Root() mm.Frame {
	return pt.root
}

// SATP returns the satp register value that selects this page table in Sv39
// mode.
func (pt *PageTable) SATP() uint64 {
	return cpu.MakeSATP(cpu.SATPModeSv39, 0, uint64(pt.root))
}

// Activate installs the page table as the active translation structure of
// the calling hart.
func (pt *PageTable) Activate() {
	switchPageTableFn(pt.SATP())
}

// PointerTo translates va and returns a host pointer to the byte it maps
// to. Callers must not access memory past the end of the page containing va.
func (pt *PageTable) PointerTo(va mm.VirtualAddress) (unsafe.Pointer, *kernel.Error) {
	pa, _, err := pt.Translate(va)
	if err != nil {
		return nil, err
	}

	return unsafe.Add(pt.mem.FramePointer(pa.PFN()), pa.PageOffset()), nil
}

// allocTable reserves and clears a frame for a page table page.
func (pt *PageTable) allocTable() (mm.Frame, *kernel.Error) {
	frame, err := pt.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	kernel.Memset(pt.mem.FramePointer(frame), 0, mm.PageSize)
	return frame, nil
}

// tableAt returns the page table stored in frame.
func (pt *PageTable) tableAt(frame mm.Frame) *table {
	return (*table)(pt.mem.FramePointer(frame))
}
