package main

import (
	"context"
	"flag"
	"strconv"

	"github.com/PitiBouchon/magic-os/kernel/kfmt"
	"github.com/PitiBouchon/magic-os/kernel/mm"
	"github.com/PitiBouchon/magic-os/kernel/mm/vmm"
	"github.com/google/subcommands"
)

// translateCmd implements subcommands.Command for the "translate" command.
type translateCmd struct {
	user bool
}

// Name implements subcommands.Command.Name.
func (*translateCmd) Name() string {
	return "translate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*translateCmd) Synopsis() string {
	return "translates virtual addresses through the kernel page table"
}

// Usage implements subcommands.Command.Usage.
func (*translateCmd) Usage() string {
	return "translate [-user] <address>...\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *translateCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&t.user, "user", false, "use the address space of the init process.")
}

// Execute implements subcommands.Command.Execute.
func (t *translateCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	addrs := make([]mm.VirtualAddress, 0, f.NArg())
	for _, arg := range f.Args() {
		v, err := strconv.ParseUint(arg, 0, 64)
		if err != nil || v > uint64(mm.MaxVirtualAddress) {
			kfmt.Log("translate").WithField("address", arg).Error("not a valid virtual address")
			return subcommands.ExitUsageError
		}
		addrs = append(addrs, mm.VirtualAddress(v))
	}

	k, err := bootKernel(ctx, machineArg(args))
	if err != nil {
		kfmt.Log("translate").WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	defer k.Close()

	pt := k.PageTable
	if t.user {
		if k.Init == nil {
			kfmt.Log("translate").Error("machine has no init process")
			return subcommands.ExitFailure
		}
		pt = k.Init.PageTable
	}

	status := subcommands.ExitSuccess
	for _, va := range addrs {
		pa, perm, err := pt.Translate(va)
		if err == vmm.ErrTranslationFault {
			kfmt.Printf("%v -> fault\n", va)
			status = subcommands.ExitFailure
			continue
		}
		kfmt.Printf("%v -> %v %s\n", va, pa, perm)
	}

	return status
}
