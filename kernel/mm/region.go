package mm

import "fmt"

// Region describes a contiguous block of physical memory.
type Region struct {
	Start PhysicalAddress
	Size  Size
}

// End returns the first address past the region.
func (r Region) End() PhysicalAddress {
	return r.Start + PhysicalAddress(r.Size)
}

// Contains returns true if pa falls inside the region.
func (r Region) Contains(pa PhysicalAddress) bool {
	return pa >= r.Start && pa < r.End()
}

// Overlaps returns true if the two regions share at least one byte.
func (r Region) Overlaps(other Region) bool {
	return r.Start < other.End() && other.Start < r.End()
}

// PageAligned returns the largest page-aligned region contained in r:
// [roundUp(start), roundDown(end)). The result has a zero size if r does
// not contain a full page.
func (r Region) PageAligned() Region {
	start, end := r.Start.PageRoundUp(), r.End().PageRoundDown()
	if end <= start {
		return Region{Start: start}
	}
	return Region{Start: start, Size: Size(end - start)}
}

// String implements fmt.Stringer.
func (r Region) String() string {
	return fmt.Sprintf("[0x%x - 0x%x)", uint64(r.Start), uint64(r.End()))
}
