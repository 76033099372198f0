// Command magicos boots the kernel memory subsystem on an emulated machine
// and runs workloads against it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/PitiBouchon/magic-os/kernel"
	"github.com/PitiBouchon/magic-os/kernel/hal"
	"github.com/PitiBouchon/magic-os/kernel/kfmt"
	"github.com/PitiBouchon/magic-os/kernel/kmain"
	"github.com/google/subcommands"
)

var (
	machineFile = flag.String("machine", "", "TOML machine description; the QEMU virt machine is used if empty.")
	logLevel    = flag.String("log-level", "info", "minimum level of the kernel log (debug, info, warn, error).")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(bootCmd), "")
	subcommands.Register(new(stressCmd), "")
	subcommands.Register(new(translateCmd), "")

	flag.Parse()

	kfmt.SetOutputSink(os.Stdout)
	if err := kfmt.SetLogLevel(*logLevel); err != nil {
		fatalf("invalid log level: %v", err)
	}

	m := hal.DefaultMachine()
	if *machineFile != "" {
		var err error
		if m, err = hal.LoadMachine(*machineFile); err != nil {
			fatalf("loading machine description: %v", err)
		}
	}

	os.Exit(int(subcommands.Execute(context.Background(), m)))
}

// bootKernel boots m on hart 0. A fatal error during boot halts the hart and
// is reported as an error.
func bootKernel(ctx context.Context, m *hal.Machine) (*kmain.Kernel, error) {
	var k *kmain.Kernel
	err := kmain.RunHarts(ctx, 1, func(context.Context, int) error {
		var err *kernel.Error
		if k, err = kmain.Boot(m); err != nil {
			return err
		}
		return nil
	})
	return k, err
}

// machineArg extracts the machine passed to subcommands.Execute.
func machineArg(args []interface{}) *hal.Machine {
	return args[0].(*hal.Machine)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}
