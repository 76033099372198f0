// Package cpu models the per-hart control state that the memory subsystem
// touches: the satp register that selects the active root page table, the
// sfence.vma TLB flush and halting a hart after an unrecoverable error.
//
// The kernel runs hosted so each hart is a goroutine and the registers are
// emulated with atomics.
package cpu

import (
	"runtime"
	"sync/atomic"
)

const (
	// SATPModeSv39 is the satp MODE field value that enables Sv39 paging.
	SATPModeSv39 = uint64(8)

	satpModeShift = 60
	satpASIDShift = 44
	satpPPNMask   = uint64(1)<<44 - 1
)

var (
	satp        atomic.Uint64
	sfenceCount atomic.Uint64

	// goexitFn is used by tests to intercept calls to Halt.
	goexitFn = runtime.Goexit
)

// MakeSATP assembles a satp register value for the given translation mode,
// address space identifier and root page table physical page number.
func MakeSATP(mode uint64, asid uint16, rootPPN uint64) uint64 {
	return mode<<satpModeShift | uint64(asid)<<satpASIDShift | rootPPN&satpPPNMask
}

// SATPRootPPN extracts the root page table physical page number from a satp
// value.
func SATPRootPPN(value uint64) uint64 {
	return value & satpPPNMask
}

// SATPMode extracts the translation mode from a satp value.
func SATPMode(value uint64) uint64 {
	return value >> satpModeShift
}

// SwitchPageTable writes the supplied value to satp and flushes the TLB,
// mirroring the "sfence.vma; csrw satp; sfence.vma" sequence.
func SwitchPageTable(value uint64) {
	SFenceVMA(0)
	satp.Store(value)
	SFenceVMA(0)
}

// ActivePageTable returns the current satp value.
func ActivePageTable() uint64 {
	return satp.Load()
}

// SFenceVMA flushes the TLB entry for virtAddr (or every entry if virtAddr
// is 0).
func SFenceVMA(virtAddr uintptr) {
	sfenceCount.Add(1)
}

// SFenceCount returns the number of TLB flushes issued so far.
func SFenceCount() uint64 {
	return sfenceCount.Load()
}

// Halt stops instruction execution on the calling hart. Calls to Halt never
// return.
func Halt() {
	goexitFn()
}
