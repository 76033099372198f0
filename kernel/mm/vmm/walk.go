package vmm

import "github.com/PitiBouchon/magic-os/kernel/mm"

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level (mm.PageLevels-1 for the root
// table down to 0 for the innermost one) and a pointer to the entry that
// indexes va at that level. If the function returns false, then the page
// walk is aborted.
type pageTableWalker func(level int, pte *PageTableEntry) bool

// walk performs a page table walk for the given virtual address calling
// walkFn with the entry that corresponds to each page table level. After
// walkFn returns the entry is decoded again; the walk only descends through
// Branch entries so walkFn may install a new table to extend the walk.
//
// Callers must hold the page table lock.
func (pt *PageTable) walk(va mm.VirtualAddress, walkFn pageTableWalker) {
	tableFrame := pt.root
	for level := mm.PageLevels - 1; level >= 0; level-- {
		pte := &pt.tableAt(tableFrame)[va.VPN(level)]
		if !walkFn(level, pte) || level == 0 {
			return
		}

		entry := pte.Decode()
		if entry.Kind != Branch {
			return
		}
		tableFrame = entry.Frame
	}
}

// Walk visits the decoded entries that translate va, starting at the root
// table. The visitor receives the level of each entry and may stop the walk
// by returning false. The walk ends after the first entry that is not a
// Branch.
func (pt *PageTable) Walk(va mm.VirtualAddress, visitFn func(level int, entry Entry) bool) {
	pt.mutex.Acquire()
	defer pt.mutex.Release()

	pt.walk(va, func(level int, pte *PageTableEntry) bool {
		return visitFn(level, pte.Decode())
	})
}

// leafVisitor is invoked by visitLeaves for every Leaf entry.
type leafVisitor func(va mm.VirtualAddress, level int, entry Entry)

// visitLeaves recursively visits every Leaf entry reachable from the table
// stored in tableFrame in ascending virtual address order. Callers must hold
// the page table lock.
func (pt *PageTable) visitLeaves(tableFrame mm.Frame, level int, base mm.VirtualAddress, visitFn leafVisitor) {
	shift := mm.PageShift + uintptr(level)*mm.PageLevelBits
	for index, pte := range pt.tableAt(tableFrame) {
		va := base | mm.VirtualAddress(uint64(index)<<shift)
		switch entry := pte.Decode(); entry.Kind {
		case Leaf:
			visitFn(va, level, entry)
		case Branch:
			if level > 0 {
				pt.visitLeaves(entry.Frame, level-1, va, visitFn)
			}
		}
	}
}
