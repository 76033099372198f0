package vmm

import (
	"bytes"
	"testing"

	"github.com/PitiBouchon/magic-os/kernel"
	"github.com/PitiBouchon/magic-os/kernel/cpu"
	"github.com/PitiBouchon/magic-os/kernel/mm"
	"github.com/PitiBouchon/magic-os/kernel/mm/physmem"
	"github.com/PitiBouchon/magic-os/kernel/mm/pmm"
	"github.com/google/go-cmp/cmp"
)

const testRAMBase = mm.PhysicalAddress(0x80000000)

// countingAllocator wraps a frame allocator and counts successful
// allocations.
type countingAllocator struct {
	mm.FrameAllocator
	allocs int
}

func (a *countingAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	frame, err := a.FrameAllocator.AllocFrame()
	if err == nil {
		a.allocs++
	}
	return frame, err
}

func newTestPageTable(t *testing.T, pages int) (*PageTable, *countingAllocator, *physmem.RAM) {
	t.Helper()

	ram, err := physmem.New(testRAMBase, mm.Size(pages)*mm.Size(mm.PageSize))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ram.Close() })

	frames := &countingAllocator{FrameAllocator: pmm.New(ram, ram.Region())}
	pt, kErr := NewPageTable(frames, ram)
	if kErr != nil {
		t.Fatal(kErr)
	}

	return pt, frames, ram
}

func TestMapAndTranslate(t *testing.T) {
	defer func(orig func(uintptr)) { flushTLBEntryFn = orig }(flushTLBEntryFn)
	var flushCount int
	flushTLBEntryFn = func(uintptr) { flushCount++ }

	pt, frames, _ := newTestPageTable(t, 16)

	if exp, got := testRAMBase, pt.Root().Address(); got != exp {
		t.Fatalf("expected root table to be stored at %v; got %v", exp, got)
	}

	// 2 pages plus one byte spill over into a third page
	if err := pt.Map(0x40000000, 0x80008000, 2*mm.Size(mm.PageSize)+1, PermRead|PermWrite); err != nil {
		t.Fatal(err)
	}

	if exp := 3; flushCount != exp {
		t.Errorf("expected %d TLB flushes; got %d", exp, flushCount)
	}

	// root + one level-1 table + one level-0 table
	if exp := 3; frames.allocs != exp {
		t.Errorf("expected %d frames to be allocated; got %d", exp, frames.allocs)
	}

	specs := []struct {
		va    mm.VirtualAddress
		expPA mm.PhysicalAddress
	}{
		{0x40000000, 0x80008000},
		{0x40000123, 0x80008123},
		{0x40001ff8, 0x80009ff8},
		{0x40002fff, 0x8000afff},
	}

	for specIndex, spec := range specs {
		pa, perm, err := pt.Translate(spec.va)
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}
		if pa != spec.expPA {
			t.Errorf("[spec %d] expected %v to translate to %v; got %v", specIndex, spec.va, spec.expPA, pa)
		}
		if exp := PermValid | PermRead | PermWrite; perm != exp {
			t.Errorf("[spec %d] expected permission %s; got %s", specIndex, exp, perm)
		}
	}

	for _, va := range []mm.VirtualAddress{0x3ffff000, 0x40003000, 0x0, 0x80000000} {
		if _, _, err := pt.Translate(va); err != ErrTranslationFault {
			t.Errorf("expected translating unmapped address %v to return ErrTranslationFault; got %v", va, err)
		}
	}

	// Mapping a neighbouring page reuses the existing interior tables
	if err := pt.Map(0x40003000, 0x80000000, 1, PermRead); err != nil {
		t.Fatal(err)
	}
	if exp := 3; frames.allocs != exp {
		t.Errorf("expected %d frames to be allocated; got %d", exp, frames.allocs)
	}
}

func TestMapUnalignedAddresses(t *testing.T) {
	pt, _, _ := newTestPageTable(t, 8)

	// both addresses are rounded down; the size is rounded up to one page
	if err := pt.Map(0x5123, 0x80004567, 16, PermRead|PermExecute); err != nil {
		t.Fatal(err)
	}

	pa, _, err := pt.Translate(0x5abc)
	if err != nil {
		t.Fatal(err)
	}
	if exp := mm.PhysicalAddress(0x80004abc); pa != exp {
		t.Fatalf("expected %v; got %v", exp, pa)
	}

	if _, _, err = pt.Translate(0x6000); err != ErrTranslationFault {
		t.Fatalf("expected the mapping to cover a single page; got %v", err)
	}
}

func TestMapReplacesExistingMapping(t *testing.T) {
	pt, _, _ := newTestPageTable(t, 8)

	if err := pt.Map(0x1000, 0x80005000, 1, PermRead); err != nil {
		t.Fatal(err)
	}
	if err := pt.Map(0x1000, 0x80006000, 1, PermRead|PermWrite|PermUser); err != nil {
		t.Fatal(err)
	}

	pa, perm := pt.MustTranslate(0x1010)
	if exp := mm.PhysicalAddress(0x80006010); pa != exp {
		t.Fatalf("expected %v; got %v", exp, pa)
	}
	if exp := PermValid | PermRead | PermWrite | PermUser; perm != exp {
		t.Fatalf("expected permission %s; got %s", exp, perm)
	}
}

func TestMapPrematureLeaf(t *testing.T) {
	pt, frames, _ := newTestPageTable(t, 8)

	va := mm.VirtualAddress(0x40201000)

	// A leaf installed directly in the root table covers va
	rootTable := pt.tableAt(pt.Root())
	rootTable[va.VPN(2)] = NewLeaf(mm.Frame(0x80007), PermRead)

	pa, _, err := pt.Translate(va.Add(0x10))
	if err != nil {
		t.Fatal(err)
	}
	if exp := mm.PhysicalAddress(0x80007010); pa != exp {
		t.Fatalf("expected a leaf at the root level to translate to %v; got %v", exp, pa)
	}

	// Mapping through the leaf overwrites it instead of descending
	allocsBefore := frames.allocs
	if err = pt.Map(va, 0x80003000, 1, PermRead|PermWrite); err != nil {
		t.Fatal(err)
	}

	if frames.allocs != allocsBefore {
		t.Fatalf("expected no interior tables to be allocated; got %d", frames.allocs-allocsBefore)
	}

	if exp, got := (Entry{Kind: Leaf, Frame: 0x80003, Permission: PermValid | PermRead | PermWrite}), rootTable[va.VPN(2)].Decode(); got != exp {
		t.Fatalf("expected root entry to be overwritten with %+v; got %+v", exp, got)
	}
}

func TestMapThroughReservedEncoding(t *testing.T) {
	pt, frames, _ := newTestPageTable(t, 8)

	va := mm.VirtualAddress(0x2000)
	rootTable := pt.tableAt(pt.Root())
	rootTable[va.VPN(2)] = NewEntry(mm.Frame(0x80007), 0, PermValid|PermWrite)

	if _, _, err := pt.Translate(va); err != ErrTranslationFault {
		t.Fatalf("expected reserved entry to cause a translation fault; got %v", err)
	}

	allocsBefore := frames.allocs
	if err := pt.Map(va, 0x80003000, 1, PermRead); err != nil {
		t.Fatal(err)
	}
	if exp := 2; frames.allocs-allocsBefore != exp {
		t.Fatalf("expected %d interior tables to replace the reserved entry; got %d", exp, frames.allocs-allocsBefore)
	}
	if got := rootTable[va.VPN(2)].Kind(); got != Branch {
		t.Fatalf("expected root entry to become a branch; got %s", got)
	}
}

func TestTranslateBranchAtInnermostLevel(t *testing.T) {
	pt, _, _ := newTestPageTable(t, 8)

	va := mm.VirtualAddress(0x3000)
	if err := pt.Map(va, 0x80005000, 1, PermRead); err != nil {
		t.Fatal(err)
	}

	// Turn the leaf into a branch; the walk runs out of levels
	var leafPTE *PageTableEntry
	pt.walk(va, func(level int, pte *PageTableEntry) bool {
		leafPTE = pte
		return true
	})
	*leafPTE = NewBranch(mm.Frame(0x80005))

	if _, _, err := pt.Translate(va); err != ErrTranslationFault {
		t.Fatalf("expected ErrTranslationFault; got %v", err)
	}
}

func TestMustTranslatePanics(t *testing.T) {
	pt, _, _ := newTestPageTable(t, 4)

	defer func() {
		if err := recover(); err != ErrTranslationFault {
			t.Fatalf("expected panic with ErrTranslationFault; got %v", err)
		}
	}()

	pt.MustTranslate(0x1000)
}

func TestMapZeroSize(t *testing.T) {
	pt, _, _ := newTestPageTable(t, 4)

	defer func() {
		if err := recover(); err != errZeroSizeMapping {
			t.Fatalf("expected panic with errZeroSizeMapping; got %v", err)
		}
	}()

	_ = pt.Map(0x1000, 0x80001000, 0, PermRead)
}

func TestMapAllocationFailure(t *testing.T) {
	// Only the root table fits
	pt, _, _ := newTestPageTable(t, 1)

	if err := pt.Map(0x1000, 0x80000000, 1, PermRead); err != pmm.ErrExhausted {
		t.Fatalf("expected to get pmm.ErrExhausted; got %v", err)
	}

	if _, _, err := pt.Translate(0x1000); err != ErrTranslationFault {
		t.Fatalf("expected failed mapping not to be installed; got %v", err)
	}
}

func TestNewPageTableAllocationFailure(t *testing.T) {
	expErr := &kernel.Error{Module: "test", Message: "out of memory"}
	frames := mm.FrameAllocatorFn(func() (mm.Frame, *kernel.Error) {
		return mm.InvalidFrame, expErr
	})

	if _, err := NewPageTable(frames, nil); err != expErr {
		t.Fatalf("expected to get %v; got %v", expErr, err)
	}
}

func TestWalk(t *testing.T) {
	pt, _, _ := newTestPageTable(t, 8)

	va := mm.VirtualAddress(0x40201000)
	if err := pt.Map(va, 0x80005000, 1, PermRead|PermExecute); err != nil {
		t.Fatal(err)
	}

	type visit struct {
		Level int
		Kind  Kind
	}

	var got []visit
	pt.Walk(va, func(level int, entry Entry) bool {
		got = append(got, visit{level, entry.Kind})
		return true
	})

	exp := []visit{{2, Branch}, {1, Branch}, {0, Leaf}}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("unexpected walk (-want +got):\n%s", diff)
	}

	// Aborting the walk
	got = got[:0]
	pt.Walk(va, func(level int, entry Entry) bool {
		got = append(got, visit{level, entry.Kind})
		return false
	})
	if len(got) != 1 {
		t.Fatalf("expected aborted walk to visit a single entry; got %d", len(got))
	}

	// Unmapped addresses stop at the first NotValid entry
	got = got[:0]
	pt.Walk(0xc0000000, func(level int, entry Entry) bool {
		got = append(got, visit{level, entry.Kind})
		return true
	})
	if diff := cmp.Diff([]visit{{2, NotValid}}, got); diff != "" {
		t.Fatalf("unexpected walk (-want +got):\n%s", diff)
	}
}

func TestDump(t *testing.T) {
	pt, _, _ := newTestPageTable(t, 8)

	if err := pt.Map(0x1000, 0x80004000, 2*mm.Size(mm.PageSize), PermRead|PermWrite); err != nil {
		t.Fatal(err)
	}
	if err := pt.Map(0x3000, 0x80007000, 1, PermRead|PermWrite); err != nil {
		t.Fatal(err)
	}
	if err := pt.Map(0x40000000, 0x80000000, 1, PermRead|PermExecute|PermUser); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	pt.Dump(&buf)

	exp := "0x0000001000-0x0000003000 -> 0x0080004000 vrw----- (8Kb)\n" +
		"0x0000003000-0x0000004000 -> 0x0080007000 vrw----- (4Kb)\n" +
		"0x0040000000-0x0040001000 -> 0x0080000000 vr-xu--- (4Kb)\n"
	if got := buf.String(); got != exp {
		t.Fatalf("unexpected dump output:\n%s", cmp.Diff(exp, got))
	}
}

func TestSATPAndActivate(t *testing.T) {
	defer func(orig func(uint64)) { switchPageTableFn = orig }(switchPageTableFn)

	pt, _, _ := newTestPageTable(t, 4)

	if exp, got := uint64(8)<<60|0x80000, pt.SATP(); got != exp {
		t.Fatalf("expected satp value %#x; got %#x", exp, got)
	}

	var activated uint64
	switchPageTableFn = func(v uint64) { activated = v }
	pt.Activate()
	if activated != pt.SATP() {
		t.Fatalf("expected Activate to switch to %#x; got %#x", pt.SATP(), activated)
	}

	if cpu.SATPRootPPN(activated) != uint64(pt.Root()) {
		t.Fatal("expected satp root PPN to match the root table frame")
	}
}

func TestPointerTo(t *testing.T) {
	pt, _, ram := newTestPageTable(t, 8)

	if err := pt.Map(0x10000, 0x80006000, 1, PermRead|PermWrite); err != nil {
		t.Fatal(err)
	}

	ptr, err := pt.PointerTo(0x10008)
	if err != nil {
		t.Fatal(err)
	}
	*(*uint64)(ptr) = 0x1122334455667788

	if got := ram.Bytes(0x80006008, 1)[0]; got != 0x88 {
		t.Fatalf("expected write through PointerTo to reach physical memory; got %#x", got)
	}

	if _, err = pt.PointerTo(0x20000); err != ErrTranslationFault {
		t.Fatalf("expected ErrTranslationFault; got %v", err)
	}
}
