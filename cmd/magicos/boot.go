package main

import (
	"context"
	"flag"

	"github.com/PitiBouchon/magic-os/kernel/kfmt"
	"github.com/google/subcommands"
)

// bootCmd implements subcommands.Command for the "boot" command.
type bootCmd struct {
	dump bool
}

// Name implements subcommands.Command.Name.
func (*bootCmd) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*bootCmd) Synopsis() string {
	return "boots the memory subsystem and reports its state"
}

// Usage implements subcommands.Command.Usage.
func (*bootCmd) Usage() string {
	return "boot [-dump]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *bootCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.dump, "dump", false, "print the mappings of the kernel page table.")
}

// Execute implements subcommands.Command.Execute.
func (b *bootCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	k, err := bootKernel(ctx, machineArg(args))
	if err != nil {
		kfmt.Log("boot").WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	defer k.Close()

	stats := k.Heap.Stats()
	kfmt.Printf("free frames: %d\n", k.Frames.FreeCount())
	kfmt.Printf("heap: mapped %s, free %s in %d blocks\n", stats.Mapped, stats.Free, stats.FreeNodes)

	if b.dump {
		kfmt.Printf("kernel page table:\n")
		k.PageTable.Dump(kfmt.GetOutputSink())
		if k.Init != nil {
			kfmt.Printf("init address space:\n")
			k.Init.Dump(kfmt.GetOutputSink())
		}
	}

	return subcommands.ExitSuccess
}
