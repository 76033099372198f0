package vmm

import (
	"github.com/PitiBouchon/magic-os/kernel"
	"github.com/PitiBouchon/magic-os/kernel/mm"
)

// Permission describes the flag bits stored in the low byte of a page table
// entry.
type Permission uint8

const (
	// PermValid is set for entries that take part in address translation.
	PermValid Permission = 1 << iota

	// PermRead is set if the page can be read from.
	PermRead

	// PermWrite is set if the page can be written to. Setting PermWrite
	// without PermRead is a reserved encoding.
	PermWrite

	// PermExecute is set if the page contains executable code.
	PermExecute

	// PermUser is set if user-mode code can access the page.
	PermUser

	// PermGlobal is set for mappings that exist in every address space.
	PermGlobal

	// PermAccessed is set when the page has been accessed.
	PermAccessed

	// PermDirty is set when the page has been written to.
	PermDirty
)

var permissionNames = [...]byte{'v', 'r', 'w', 'x', 'u', 'g', 'a', 'd'}

// Has returns true if all the supplied flags are set.
func (p Permission) Has(flags Permission) bool {
	return p&flags == flags
}

// String implements fmt.Stringer. Each flag is rendered as a letter in the
// "vrwxugad" order with a dash for flags that are not set.
func (p Permission) String() string {
	var buf [len(permissionNames)]byte
	for bit, name := range permissionNames {
		if p&(1<<uint(bit)) != 0 {
			buf[bit] = name
		} else {
			buf[bit] = '-'
		}
	}
	return string(buf[:])
}

// Kind classifies a page table entry.
type Kind uint8

const (
	// NotValid entries do not take part in translation. Entries with the
	// reserved W without R encoding are also classified as NotValid.
	NotValid Kind = iota

	// Leaf entries map a page to a physical frame.
	Leaf

	// Branch entries point to the next level page table.
	Branch
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Leaf:
		return "leaf"
	case Branch:
		return "branch"
	default:
		return "not-valid"
	}
}

// Entry is the decoded form of a PageTableEntry.
type Entry struct {
	Kind       Kind
	Frame      mm.Frame
	Permission Permission
}

const (
	pteRSWShift = 8
	pteRSWMask  = uint64(0x3)
	ptePPNShift = 10
	ptePPNMask  = uint64(1)<<mm.PFNBits - 1

	permRWX = PermRead | PermWrite | PermExecute
)

var (
	errReservedEncoding = &kernel.Error{Module: "vmm", Message: "leaf entries cannot be writable without being readable"}
	errNotLeaf          = &kernel.Error{Module: "vmm", Message: "leaf entries require the read or execute permission"}
)

// PageTableEntry is a single Sv39 page table entry:
//
//	bit 0      V
//	bits 1-7   R W X U G A D
//	bits 8-9   RSW (reserved for software)
//	bits 10-53 PPN
type PageTableEntry uint64

// NewEntry packs a frame, the two software-reserved bits and a permission
// into an entry.
func NewEntry(frame mm.Frame, rsw uint8, perm Permission) PageTableEntry {
	return PageTableEntry((uint64(frame)&ptePPNMask)<<ptePPNShift |
		(uint64(rsw)&pteRSWMask)<<pteRSWShift |
		uint64(perm))
}

// NewLeaf returns a valid entry that maps frame with the supplied
// permission. NewLeaf panics if perm grants neither read nor execute access
// or if it requests the reserved writable-but-not-readable encoding.
func NewLeaf(frame mm.Frame, perm Permission) PageTableEntry {
	switch {
	case perm&PermWrite != 0 && perm&PermRead == 0:
		panic(errReservedEncoding)
	case perm&(PermRead|PermExecute) == 0:
		panic(errNotLeaf)
	}
	return NewEntry(frame, 0, perm|PermValid)
}

// NewBranch returns a valid entry pointing to the page table stored in frame.
func NewBranch(frame mm.Frame) PageTableEntry {
	return NewEntry(frame, 0, PermValid)
}

// Permission returns the flag bits of the entry.
func (pte PageTableEntry) Permission() Permission {
	return Permission(pte)
}

// Frame returns the physical frame the entry points to.
func (pte PageTableEntry) Frame() mm.Frame {
	return mm.Frame(uint64(pte) >> ptePPNShift & ptePPNMask)
}

// RSW returns the two software-reserved bits.
func (pte PageTableEntry) RSW() uint8 {
	return uint8(uint64(pte) >> pteRSWShift & pteRSWMask)
}

// Kind classifies the entry.
func (pte PageTableEntry) Kind() Kind {
	perm := pte.Permission()
	switch {
	case perm&PermValid == 0:
		return NotValid
	case perm&PermWrite != 0 && perm&PermRead == 0:
		return NotValid
	case perm&permRWX == 0:
		return Branch
	default:
		return Leaf
	}
}

// Decode returns the tagged form of the entry.
func (pte PageTableEntry) Decode() Entry {
	kind := pte.Kind()
	if kind == NotValid {
		return Entry{Kind: NotValid}
	}
	return Entry{Kind: kind, Frame: pte.Frame(), Permission: pte.Permission()}
}
