package kfmt

import (
	"github.com/PitiBouchon/magic-os/kernel"
	"github.com/PitiBouchon/magic-os/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// calling hart. Calls to Panic never return. Harts recover fatal kernel
// panics at their entry point and forward the recovered value here.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	case nil:
	default:
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
