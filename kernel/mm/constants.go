package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// PageLevels is the number of page table levels used by Sv39.
	PageLevels = 3

	// PageLevelBits is the number of virtual address bits that index each
	// page table level. Each table therefore holds 1 << PageLevelBits
	// entries.
	PageLevelBits = 9

	// PFNBits is the width of the physical page number field of a page
	// table entry.
	PFNBits = 44

	// MaxVirtualAddress is the largest virtual address accepted by the
	// kernel. Sv39 sign-extends bit 38 so the kernel only uses the lower
	// half of the 39-bit address space.
	MaxVirtualAddress = VirtualAddress(1 << (PageLevels*PageLevelBits + PageShift - 1))

	// MaxPhysicalAddress is the exclusive upper bound for physical
	// addresses.
	MaxPhysicalAddress = PhysicalAddress(1 << (PFNBits + PageShift - 1))
)
