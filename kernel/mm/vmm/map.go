package vmm

import (
	"fmt"
	"io"

	"github.com/PitiBouchon/magic-os/kernel"
	"github.com/PitiBouchon/magic-os/kernel/mm"
)

var (
	// ErrTranslationFault is returned when translating a virtual address
	// that is not mapped.
	ErrTranslationFault = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errZeroSizeMapping = &kernel.Error{Module: "vmm", Message: "attempted to establish a zero-sized mapping"}
)

// Map establishes a mapping between the virtual range that starts at va and
// the physical range that starts at pa. Both addresses are rounded down to a
// page boundary and size is rounded up to a whole number of pages. The
// supplied permission is installed on every leaf entry together with
// PermValid.
//
// Missing interior tables are allocated from the page table's frame
// allocator. If an allocation fails, Map returns the allocator's error and
// the pages preceding the failed one stay mapped. Calling Map with a zero
// size causes a panic.
//
// Existing mappings are silently replaced. If a leaf entry is encountered
// before the innermost level, the walk stops there and that entry is
// overwritten with the new mapping.
func (pt *PageTable) Map(va mm.VirtualAddress, pa mm.PhysicalAddress, size mm.Size, perm Permission) *kernel.Error {
	if size == 0 {
		panic(errZeroSizeMapping)
	}

	var (
		pageCount = size.Pages()
		curPage   = va.PageRoundDown()
		curFrame  = pa.PageRoundDown()
		err       *kernel.Error
	)

	pt.mutex.Acquire()
	defer pt.mutex.Release()

	for ; pageCount > 0; pageCount-- {
		if err = pt.mapPage(curPage, curFrame, perm); err != nil {
			return err
		}

		if pageCount > 1 {
			curPage = curPage.Add(uint64(mm.PageSize))
			curFrame = curFrame.Add(uint64(mm.PageSize))
		}
	}

	return nil
}

// mapPage installs a single leaf entry. Callers must hold the page table
// lock.
func (pt *PageTable) mapPage(page mm.VirtualAddress, frame mm.PhysicalAddress, perm Permission) *kernel.Error {
	var err *kernel.Error

	leaf := NewLeaf(frame.PFN(), perm)
	pt.walk(page, func(level int, pte *PageTableEntry) bool {
		if level == 0 || pte.Kind() == Leaf {
			*pte = leaf
			flushTLBEntryFn(uintptr(page))
			return false
		}

		// Next table does not yet exist; allocate a cleared frame for
		// it and link it in.
		if pte.Kind() == NotValid {
			var tableFrame mm.Frame
			if tableFrame, err = pt.allocTable(); err != nil {
				return false
			}
			*pte = NewBranch(tableFrame)
		}

		return true
	})

	return err
}

// Translate returns the physical address that va maps to together with the
// permission of the leaf entry that maps it. Translate returns
// ErrTranslationFault if va is not mapped.
func (pt *PageTable) Translate(va mm.VirtualAddress) (mm.PhysicalAddress, Permission, *kernel.Error) {
	pt.mutex.Acquire()
	defer pt.mutex.Release()

	return pt.translate(va)
}

// MustTranslate behaves like Translate but panics if va is not mapped.
func (pt *PageTable) MustTranslate(va mm.VirtualAddress) (mm.PhysicalAddress, Permission) {
	pa, perm, err := pt.Translate(va)
	if err != nil {
		panic(err)
	}
	return pa, perm
}

// translate implements Translate. Callers must hold the page table lock.
func (pt *PageTable) translate(va mm.VirtualAddress) (mm.PhysicalAddress, Permission, *kernel.Error) {
	var (
		pa   mm.PhysicalAddress
		perm Permission
		err  = ErrTranslationFault
	)

	pt.walk(va, func(_ int, pte *PageTableEntry) bool {
		entry := pte.Decode()
		switch entry.Kind {
		case Leaf:
			// Append the page offset to the frame address
			pa = entry.Frame.Address() + mm.PhysicalAddress(va.PageOffset())
			perm, err = entry.Permission, nil
			return false
		case NotValid:
			return false
		default:
			return true
		}
	})

	return pa, perm, err
}

// Dump writes the leaf mappings of the page table to w. Runs of pages that
// map contiguous frames with the same permission are coalesced into a
// single line.
func (pt *PageTable) Dump(w io.Writer) {
	type run struct {
		va    mm.VirtualAddress
		pa    mm.PhysicalAddress
		size  mm.Size
		perm  Permission
		valid bool
	}

	var cur run
	flush := func() {
		if cur.valid {
			fmt.Fprintf(w, "0x%010x-0x%010x -> 0x%010x %s (%s)\n",
				uint64(cur.va), uint64(cur.va)+uint64(cur.size), uint64(cur.pa), cur.perm, cur.size)
		}
	}

	pt.mutex.Acquire()
	pt.visitLeaves(pt.root, mm.PageLevels-1, 0, func(va mm.VirtualAddress, _ int, entry Entry) {
		pa := entry.Frame.Address()
		if cur.valid && cur.perm == entry.Permission &&
			uint64(cur.va)+uint64(cur.size) == uint64(va) &&
			uint64(cur.pa)+uint64(cur.size) == uint64(pa) {
			cur.size += mm.Size(mm.PageSize)
			return
		}

		flush()
		cur = run{va: va, pa: pa, size: mm.Size(mm.PageSize), perm: entry.Permission, valid: true}
	})
	pt.mutex.Release()

	flush()
}
