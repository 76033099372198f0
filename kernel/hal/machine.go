// Package hal describes the machine the kernel runs on: the location and
// size of RAM, the regions that firmware reserves, where the kernel image was
// loaded and how many harts are available.
//
// The description is loaded from a TOML file and stands in for the device
// tree blob that firmware hands to the kernel at boot.
package hal

import (
	"io"

	"github.com/BurntSushi/toml"
	"github.com/PitiBouchon/magic-os/kernel"
	"github.com/PitiBouchon/magic-os/kernel/kfmt"
	"github.com/PitiBouchon/magic-os/kernel/mm"
)

var (
	errInvalidMemory       = &kernel.Error{Module: "hal", Message: "memory base and size must be page-aligned and the size must be non-zero"}
	errInvalidHarts        = &kernel.Error{Module: "hal", Message: "machine must have at least one hart"}
	errInvalidKernelLayout = &kernel.Error{Module: "hal", Message: "kernel sections must satisfy text_start < text_end <= data_end"}
	errKernelOutsideRAM    = &kernel.Error{Module: "hal", Message: "kernel image is not located in RAM"}
	errInvalidTrampoline   = &kernel.Error{Module: "hal", Message: "trampoline must be a page inside the kernel text"}
	errNoFreeMemory        = &kernel.Error{Module: "hal", Message: "no free memory left after the kernel image"}
)

// Machine describes the hardware the kernel boots on.
type Machine struct {
	Name     string           `toml:"name"`
	Harts    int              `toml:"harts"`
	Memory   MemoryConfig     `toml:"memory"`
	Kernel   KernelConfig     `toml:"kernel"`
	Heap     HeapConfig       `toml:"heap"`
	Reserved []ReservedRegion `toml:"reserved"`
}

// MemoryConfig describes the machine's RAM.
type MemoryConfig struct {
	Base uint64 `toml:"base"`
	Size uint64 `toml:"size"`
}

// KernelConfig describes where the kernel image sections were loaded. The
// values correspond to the symbols exported by the kernel linker script.
type KernelConfig struct {
	TextStart  uint64 `toml:"text_start"`
	TextEnd    uint64 `toml:"text_end"`
	DataEnd    uint64 `toml:"data_end"`
	Trampoline uint64 `toml:"trampoline"`
}

// HeapConfig describes the virtual address range reserved for the kernel
// heap.
type HeapConfig struct {
	Base              uint64 `toml:"base"`
	Limit             uint64 `toml:"limit"`
	CoalesceBothSides bool   `toml:"coalesce_both_sides"`
}

// ReservedRegion is a physical memory range that the kernel must not use.
type ReservedRegion struct {
	Name string `toml:"name"`
	Base uint64 `toml:"base"`
	Size uint64 `toml:"size"`
}

// DefaultMachine returns the description of a QEMU "virt" machine with 128Mb
// of RAM and the kernel loaded right after the OpenSBI firmware.
func DefaultMachine() *Machine {
	return &Machine{
		Name:  "qemu-virt",
		Harts: 4,
		Memory: MemoryConfig{
			Base: 0x8000_0000,
			Size: uint64(128 * mm.Mb),
		},
		Kernel: KernelConfig{
			TextStart:  0x8020_0000,
			TextEnd:    0x8024_0000,
			DataEnd:    0x8028_0000,
			Trampoline: 0x8023_f000,
		},
		Heap: HeapConfig{
			Base:  0x1_0000_0000,
			Limit: 0x1_1000_0000,
		},
		Reserved: []ReservedRegion{
			{Name: "opensbi", Base: 0x8000_0000, Size: 0x8_0000},
		},
	}
}

// LoadMachine reads a machine description from the TOML file at path. Keys
// missing from the file keep the values of DefaultMachine.
func LoadMachine(path string) (*Machine, error) {
	m := DefaultMachine()
	md, err := toml.DecodeFile(path, m)
	if err != nil {
		return nil, err
	}
	return m, m.finishDecode(md)
}

// DecodeMachine behaves like LoadMachine but reads the description from r.
func DecodeMachine(r io.Reader) (*Machine, error) {
	m := DefaultMachine()
	md, err := toml.NewDecoder(r).Decode(m)
	if err != nil {
		return nil, err
	}
	return m, m.finishDecode(md)
}

func (m *Machine) finishDecode(md toml.MetaData) error {
	for _, key := range md.Undecoded() {
		kfmt.Log("hal").WithField("key", key.String()).Warn("ignoring unknown machine configuration key")
	}

	if err := m.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate checks that the machine description is consistent.
func (m *Machine) Validate() *kernel.Error {
	page := uint64(mm.PageSize)

	switch {
	case m.Harts < 1:
		return errInvalidHarts
	case m.Memory.Size == 0 || m.Memory.Base%page != 0 || m.Memory.Size%page != 0:
		return errInvalidMemory
	case m.Kernel.TextStart >= m.Kernel.TextEnd || m.Kernel.TextEnd > m.Kernel.DataEnd:
		return errInvalidKernelLayout
	case !m.RAM().Contains(m.KernelImage().Start) || m.KernelImage().End() > m.RAM().End():
		return errKernelOutsideRAM
	case m.Kernel.Trampoline != 0 &&
		(m.Kernel.Trampoline%page != 0 || !m.KernelText().Contains(mm.PhysicalAddress(m.Kernel.Trampoline+page-1))):
		return errInvalidTrampoline
	}

	return nil
}

// RAM returns the physical memory range of the machine.
func (m *Machine) RAM() mm.Region {
	return mm.Region{Start: mm.PhysicalAddress(m.Memory.Base), Size: mm.Size(m.Memory.Size)}
}

// KernelText returns the region holding the kernel's code.
func (m *Machine) KernelText() mm.Region {
	return mm.Region{Start: mm.PhysicalAddress(m.Kernel.TextStart), Size: mm.Size(m.Kernel.TextEnd - m.Kernel.TextStart)}
}

// KernelData returns the region holding the kernel's data.
func (m *Machine) KernelData() mm.Region {
	return mm.Region{Start: mm.PhysicalAddress(m.Kernel.TextEnd), Size: mm.Size(m.Kernel.DataEnd - m.Kernel.TextEnd)}
}

// KernelImage returns the region occupied by the whole kernel image.
func (m *Machine) KernelImage() mm.Region {
	return mm.Region{Start: mm.PhysicalAddress(m.Kernel.TextStart), Size: mm.Size(m.Kernel.DataEnd - m.Kernel.TextStart)}
}

// Trampoline returns the physical address of the trampoline page.
func (m *Machine) Trampoline() mm.PhysicalAddress {
	return mm.PhysicalAddress(m.Kernel.Trampoline)
}

// MemoryMap builds the machine's memory map. It contains the reserved
// regions, the kernel image and the free region that follows the kernel
// image. MemoryMap returns ErrRegionOverlap if a reserved region overlaps
// another reserved region, the kernel image or the free region.
func (m *Machine) MemoryMap() (*MemoryMap, *kernel.Error) {
	memMap := NewMemoryMap()

	for _, r := range m.Reserved {
		entry := MemoryMapEntry{
			Region: mm.Region{Start: mm.PhysicalAddress(r.Base), Size: mm.Size(r.Size)},
			Type:   MemReserved,
			Name:   r.Name,
		}
		if err := memMap.Add(entry); err != nil {
			return nil, err
		}
	}

	if err := memMap.Add(MemoryMapEntry{Region: m.KernelImage(), Type: MemKernel, Name: "kernel"}); err != nil {
		return nil, err
	}

	// Free memory starts at the first page after the kernel image.
	freeStart := max(m.KernelImage().End().PageRoundUp(), m.RAM().Start)
	if freeStart >= m.RAM().End() {
		return nil, errNoFreeMemory
	}

	free := mm.Region{Start: freeStart, Size: mm.Size(m.RAM().End() - freeStart)}
	if err := memMap.Add(MemoryMapEntry{Region: free, Type: MemAvailable}); err != nil {
		return nil, err
	}

	return memMap, nil
}

// FreeRegion returns the physical memory region that the page allocator
// manages.
func (m *Machine) FreeRegion() (mm.Region, *kernel.Error) {
	memMap, err := m.MemoryMap()
	if err != nil {
		return mm.Region{}, err
	}

	var free mm.Region
	memMap.VisitMemRegions(func(e *MemoryMapEntry) bool {
		if e.Type == MemAvailable {
			free = e.Region
			return false
		}
		return true
	})

	return free, nil
}
