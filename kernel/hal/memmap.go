package hal

import (
	"io"

	"github.com/PitiBouchon/magic-os/kernel"
	"github.com/PitiBouchon/magic-os/kernel/kfmt"
	"github.com/PitiBouchon/magic-os/kernel/mm"
	"github.com/google/btree"
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemKernel indicates the memory region occupied by the kernel image.
	MemKernel
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemKernel:
		return "kernel"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical
// location, its type and an optional name.
type MemoryMapEntry struct {
	mm.Region
	Type MemoryEntryType
	Name string
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region. The visitor must return true to
// continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

var (
	// ErrRegionOverlap is returned when adding a region to a memory map
	// that overlaps an existing entry.
	ErrRegionOverlap = &kernel.Error{Module: "hal", Message: "memory region overlaps an existing entry"}

	errEmptyRegion = &kernel.Error{Module: "hal", Message: "memory region is empty"}
)

// MemoryMap is an ordered set of non-overlapping memory regions.
type MemoryMap struct {
	entries *btree.BTreeG[MemoryMapEntry]
}

// NewMemoryMap returns an empty memory map.
func NewMemoryMap() *MemoryMap {
	return &MemoryMap{
		entries: btree.NewG(8, func(a, b MemoryMapEntry) bool {
			return a.Start < b.Start
		}),
	}
}

// Add inserts an entry into the memory map. It returns ErrRegionOverlap if
// the entry overlaps a region that is already part of the map.
func (m *MemoryMap) Add(entry MemoryMapEntry) *kernel.Error {
	if entry.Size == 0 {
		return errEmptyRegion
	}

	if _, found := m.Overlapping(entry.Region); found {
		return ErrRegionOverlap
	}

	m.entries.ReplaceOrInsert(entry)
	return nil
}

// Overlapping returns the first entry that overlaps region.
func (m *MemoryMap) Overlapping(region mm.Region) (MemoryMapEntry, bool) {
	var (
		match MemoryMapEntry
		found bool
		pivot = MemoryMapEntry{Region: region}
	)

	// Only the closest entry starting at or below the region can reach it.
	m.entries.DescendLessOrEqual(pivot, func(e MemoryMapEntry) bool {
		if e.Overlaps(region) {
			match, found = e, true
		}
		return false
	})
	if found {
		return match, true
	}

	m.entries.AscendGreaterOrEqual(pivot, func(e MemoryMapEntry) bool {
		if e.Start >= region.End() {
			return false
		}
		if e.Overlaps(region) {
			match, found = e, true
			return false
		}
		return true
	})

	return match, found
}

// Len returns the number of entries in the map.
func (m *MemoryMap) Len() int {
	return m.entries.Len()
}

// VisitMemRegions invokes visitor for each entry in ascending address
// order.
func (m *MemoryMap) VisitMemRegions(visitor MemRegionVisitor) {
	m.entries.Ascend(func(e MemoryMapEntry) bool {
		return visitor(&e)
	})
}

// Print writes the memory map to w.
func (m *MemoryMap) Print(w io.Writer) {
	var totalFree mm.Size

	kfmt.Fprintf(w, "system memory map:\n")
	m.VisitMemRegions(func(e *MemoryMapEntry) bool {
		kfmt.Fprintf(w, "\t[0x%10x - 0x%10x], size: %10d, type: %s", uint64(e.Start), uint64(e.End()), uint64(e.Size), e.Type)
		if e.Name != "" {
			kfmt.Fprintf(w, " (%s)", e.Name)
		}
		kfmt.Fprintf(w, "\n")

		if e.Type == MemAvailable {
			totalFree += e.Size
		}
		return true
	})
	kfmt.Fprintf(w, "available memory: %dKb\n", uint64(totalFree/mm.Kb))
}
