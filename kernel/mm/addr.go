package mm

import (
	"fmt"

	"github.com/PitiBouchon/magic-os/kernel"
)

var (
	errVirtualAddressRange  = &kernel.Error{Module: "mm", Message: "virtual address exceeds the addressable range"}
	errVirtualAddressUnder  = &kernel.Error{Module: "mm", Message: "virtual address offset underflows"}
	errPhysicalAddressRange = &kernel.Error{Module: "mm", Message: "physical address exceeds the addressable range"}
)

// VirtualAddress describes an Sv39 virtual address.
type VirtualAddress uint64

// NewVirtualAddress returns the VirtualAddress for v. It panics if v lies
// outside the architecture's addressable virtual range.
func NewVirtualAddress(v uint64) VirtualAddress {
	if v > uint64(MaxVirtualAddress) {
		panic(errVirtualAddressRange)
	}
	return VirtualAddress(v)
}

// VPN returns the 9-bit page table index for the requested level. Level 0
// indexes the innermost (leaf) table and level PageLevels-1 the root.
func (va VirtualAddress) VPN(level int) uint16 {
	return uint16((uint64(va) >> (PageShift + uintptr(level)*PageLevelBits)) & (1<<PageLevelBits - 1))
}

// VPNs returns the page table indices for all levels, innermost first.
func (va VirtualAddress) VPNs() [PageLevels]uint16 {
	var vpns [PageLevels]uint16
	for level := 0; level < PageLevels; level++ {
		vpns[level] = va.VPN(level)
	}
	return vpns
}

// PageOffset returns the offset of the address within its page.
func (va VirtualAddress) PageOffset() uint16 {
	return uint16(uint64(va) & uint64(PageSize-1))
}

// IsAligned returns true if the address is a multiple of align.
func (va VirtualAddress) IsAligned(align uint64) bool {
	return uint64(va)%align == 0
}

// PageRoundDown returns the address of the page that contains va.
func (va VirtualAddress) PageRoundDown() VirtualAddress {
	return VirtualAddress(pageRoundDown(uint64(va)))
}

// PageRoundUp rounds va up to the next page boundary.
func (va VirtualAddress) PageRoundUp() VirtualAddress {
	return VirtualAddress(pageRoundUp(uint64(va)))
}

// Add returns va+offset. It panics if the result exceeds MaxVirtualAddress.
func (va VirtualAddress) Add(offset uint64) VirtualAddress {
	if offset > uint64(MaxVirtualAddress) || uint64(va) > uint64(MaxVirtualAddress)-offset {
		panic(errVirtualAddressRange)
	}
	return va + VirtualAddress(offset)
}

// Sub returns va-offset. It panics if the subtraction underflows.
func (va VirtualAddress) Sub(offset uint64) VirtualAddress {
	if offset > uint64(va) {
		panic(errVirtualAddressUnder)
	}
	return va - VirtualAddress(offset)
}

// Page returns the virtual page that contains va.
func (va VirtualAddress) Page() Page {
	return Page(uint64(va) >> PageShift)
}

// String implements fmt.Stringer.
func (va VirtualAddress) String() string {
	return fmt.Sprintf("0x%x", uint64(va))
}

// PhysicalAddress describes a physical memory address.
type PhysicalAddress uint64

// NewPhysicalAddress returns the PhysicalAddress for v. It panics if v lies
// outside the addressable physical range.
func NewPhysicalAddress(v uint64) PhysicalAddress {
	if v >= uint64(MaxPhysicalAddress) {
		panic(errPhysicalAddressRange)
	}
	return PhysicalAddress(v)
}

// PFN returns the frame that contains this address.
func (pa PhysicalAddress) PFN() Frame {
	return Frame((uint64(pa) >> PageShift) & (1<<PFNBits - 1))
}

// PageOffset returns the offset of the address within its frame.
func (pa PhysicalAddress) PageOffset() uint16 {
	return uint16(uint64(pa) & uint64(PageSize-1))
}

// IsAligned returns true if the address is a multiple of align.
func (pa PhysicalAddress) IsAligned(align uint64) bool {
	return uint64(pa)%align == 0
}

// PageRoundDown returns the address of the frame that contains pa.
func (pa PhysicalAddress) PageRoundDown() PhysicalAddress {
	return PhysicalAddress(pageRoundDown(uint64(pa)))
}

// PageRoundUp rounds pa up to the next frame boundary.
func (pa PhysicalAddress) PageRoundUp() PhysicalAddress {
	return PhysicalAddress(pageRoundUp(uint64(pa)))
}

// Add returns pa+offset. It panics if the result exceeds MaxPhysicalAddress.
func (pa PhysicalAddress) Add(offset uint64) PhysicalAddress {
	if offset >= uint64(MaxPhysicalAddress) || uint64(pa) >= uint64(MaxPhysicalAddress)-offset {
		panic(errPhysicalAddressRange)
	}
	return pa + PhysicalAddress(offset)
}

// String implements fmt.Stringer.
func (pa PhysicalAddress) String() string {
	return fmt.Sprintf("0x%x", uint64(pa))
}

func pageRoundDown(addr uint64) uint64 {
	return addr &^ uint64(PageSize-1)
}

func pageRoundUp(addr uint64) uint64 {
	return pageRoundDown(addr + uint64(PageSize) - 1)
}
