package hal

import (
	"strings"
	"testing"

	"github.com/PitiBouchon/magic-os/kernel"
	"github.com/PitiBouchon/magic-os/kernel/mm"
	"github.com/google/go-cmp/cmp"
)

func TestDefaultMachine(t *testing.T) {
	m := DefaultMachine()
	if err := m.Validate(); err != nil {
		t.Fatalf("expected default machine to be valid; got %v", err)
	}

	free, err := m.FreeRegion()
	if err != nil {
		t.Fatal(err)
	}

	exp := mm.Region{Start: 0x8028_0000, Size: 128*mm.Mb - 0x28_0000}
	if free != exp {
		t.Fatalf("expected free region %v; got %v", exp, free)
	}
}

func TestLoadMachine(t *testing.T) {
	m, err := LoadMachine("testdata/sifive.toml")
	if err != nil {
		t.Fatal(err)
	}

	exp := &Machine{
		Name:  "sifive-unleashed",
		Harts: 2,
		Memory: MemoryConfig{
			Base: 0x8000_0000,
			Size: 0x200_0000,
		},
		Kernel: KernelConfig{
			TextStart:  0x8020_0000,
			TextEnd:    0x8021_0000,
			DataEnd:    0x8022_0800,
			Trampoline: 0x8020_f000,
		},
		// Keys that are missing from the file keep their default values.
		Heap: HeapConfig{
			Base:              0x1_0000_0000,
			Limit:             0x1_1000_0000,
			CoalesceBothSides: true,
		},
		Reserved: []ReservedRegion{
			{Name: "opensbi", Base: 0x8000_0000, Size: 0x4_0000},
			{Name: "clint-shadow", Base: 0x8010_0000, Size: 0x1000},
		},
	}
	if diff := cmp.Diff(exp, m); diff != "" {
		t.Fatalf("machine mismatch (-want +got):\n%s", diff)
	}

	memMap, kErr := m.MemoryMap()
	if kErr != nil {
		t.Fatal(kErr)
	}

	var got []MemoryMapEntry
	memMap.VisitMemRegions(func(e *MemoryMapEntry) bool {
		got = append(got, *e)
		return true
	})

	// The free region starts at the page that follows the kernel data.
	expMap := []MemoryMapEntry{
		entry(0x8000_0000, 0x4_0000, MemReserved, "opensbi"),
		entry(0x8010_0000, 0x1000, MemReserved, "clint-shadow"),
		entry(0x8020_0000, 0x2_0800, MemKernel, "kernel"),
		entry(0x8022_1000, 0x200_0000-0x22_1000, MemAvailable, ""),
	}
	if diff := cmp.Diff(expMap, got); diff != "" {
		t.Fatalf("memory map mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMachineErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadMachine("testdata/no-such-machine.toml"); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("malformed toml", func(t *testing.T) {
		if _, err := DecodeMachine(strings.NewReader("harts = [")); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("unknown keys are ignored", func(t *testing.T) {
		m, err := DecodeMachine(strings.NewReader("harts = 1\nflux_capacitor = true\n"))
		if err != nil {
			t.Fatal(err)
		}
		if m.Harts != 1 {
			t.Fatalf("expected harts to be 1; got %d", m.Harts)
		}
	})
}

func TestMachineValidate(t *testing.T) {
	specs := []struct {
		descr  string
		mutate func(*Machine)
		expErr *kernel.Error
	}{
		{"no harts", func(m *Machine) { m.Harts = 0 }, errInvalidHarts},
		{"empty RAM", func(m *Machine) { m.Memory.Size = 0 }, errInvalidMemory},
		{"misaligned RAM base", func(m *Machine) { m.Memory.Base++ }, errInvalidMemory},
		{"misaligned RAM size", func(m *Machine) { m.Memory.Size-- }, errInvalidMemory},
		{"empty text", func(m *Machine) { m.Kernel.TextEnd = m.Kernel.TextStart }, errInvalidKernelLayout},
		{"data before text", func(m *Machine) { m.Kernel.DataEnd = m.Kernel.TextEnd - 1 }, errInvalidKernelLayout},
		{"kernel below RAM", func(m *Machine) { m.Memory.Base = 0x9000_0000 }, errKernelOutsideRAM},
		{"kernel past RAM", func(m *Machine) { m.Memory.Size = 0x24_0000 }, errKernelOutsideRAM},
		{"misaligned trampoline", func(m *Machine) { m.Kernel.Trampoline++ }, errInvalidTrampoline},
		{"trampoline in data", func(m *Machine) { m.Kernel.Trampoline = m.Kernel.TextEnd }, errInvalidTrampoline},
		{"no trampoline", func(m *Machine) { m.Kernel.Trampoline = 0 }, nil},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			m := DefaultMachine()
			spec.mutate(m)

			err := m.Validate()
			if spec.expErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err != spec.expErr {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}
		})
	}
}

func TestMachineMemoryMapErrors(t *testing.T) {
	t.Run("reserved regions overlap", func(t *testing.T) {
		m := DefaultMachine()
		m.Reserved = append(m.Reserved, ReservedRegion{Name: "dup", Base: 0x8004_0000, Size: 0x1000})
		if _, err := m.MemoryMap(); err != ErrRegionOverlap {
			t.Fatalf("expected ErrRegionOverlap; got %v", err)
		}
	})

	t.Run("reserved region in free memory", func(t *testing.T) {
		m := DefaultMachine()
		m.Reserved = append(m.Reserved, ReservedRegion{Name: "fb", Base: 0x8100_0000, Size: 0x1000})
		if _, err := m.FreeRegion(); err != ErrRegionOverlap {
			t.Fatalf("expected ErrRegionOverlap; got %v", err)
		}
	})

	t.Run("kernel fills RAM", func(t *testing.T) {
		m := DefaultMachine()
		m.Memory.Size = 0x28_0000
		if _, err := m.FreeRegion(); err != errNoFreeMemory {
			t.Fatalf("expected errNoFreeMemory; got %v", err)
		}
	})
}

func TestMachineRegions(t *testing.T) {
	m := DefaultMachine()

	specs := []struct {
		got, exp mm.Region
	}{
		{m.RAM(), mm.Region{Start: 0x8000_0000, Size: 128 * mm.Mb}},
		{m.KernelText(), mm.Region{Start: 0x8020_0000, Size: 0x4_0000}},
		{m.KernelData(), mm.Region{Start: 0x8024_0000, Size: 0x4_0000}},
		{m.KernelImage(), mm.Region{Start: 0x8020_0000, Size: 0x8_0000}},
	}

	for specIndex, spec := range specs {
		if spec.got != spec.exp {
			t.Errorf("[spec %d] expected %v; got %v", specIndex, spec.exp, spec.got)
		}
	}

	if got := m.Trampoline(); got != 0x8023_f000 {
		t.Errorf("expected trampoline at 0x8023f000; got %v", got)
	}
}
