package main

import (
	"bytes"
	"context"
	"flag"
	"strings"
	"testing"

	"github.com/PitiBouchon/magic-os/kernel/hal"
	"github.com/PitiBouchon/magic-os/kernel/kfmt"
	"github.com/PitiBouchon/magic-os/kernel/mm"
	"github.com/google/subcommands"
)

func testMachine() *hal.Machine {
	m := hal.DefaultMachine()
	m.Memory.Size = uint64(8 * mm.Mb)
	m.Kernel = hal.KernelConfig{
		TextStart:  0x8020_0000,
		TextEnd:    0x8020_4000,
		DataEnd:    0x8020_5800,
		Trampoline: 0x8020_3000,
	}
	return m
}

func TestBootCmdDumpUsesConsole(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	cmd := new(bootCmd)
	f := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	cmd.SetFlags(f)
	if err := f.Parse([]string{"-dump"}); err != nil {
		t.Fatal(err)
	}

	if status := cmd.Execute(context.Background(), f, testMachine()); status != subcommands.ExitSuccess {
		t.Fatalf("expected boot to succeed; got status %d", status)
	}

	out := buf.String()
	for _, exp := range []string{
		"kernel page table:\n0x0080000000-",
		"0x0080200000-0x0080204000 -> 0x0080200000",
		"init address space:\n",
	} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected console output to contain %q; got:\n%s", exp, out)
		}
	}
}

func TestBootCmdUsage(t *testing.T) {
	cmd := new(bootCmd)
	f := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	f.SetOutput(new(bytes.Buffer))
	cmd.SetFlags(f)
	if err := f.Parse([]string{"extra"}); err != nil {
		t.Fatal(err)
	}

	if status := cmd.Execute(context.Background(), f, testMachine()); status != subcommands.ExitUsageError {
		t.Fatalf("expected a usage error; got status %d", status)
	}
}
