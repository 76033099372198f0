package main

import (
	"context"
	"flag"
	"time"

	"github.com/PitiBouchon/magic-os/kernel/kfmt"
	"github.com/PitiBouchon/magic-os/kernel/kmain"
	"github.com/PitiBouchon/magic-os/kernel/mm"
	"github.com/google/subcommands"
)

// stressCmd implements subcommands.Command for the "stress" command.
type stressCmd struct {
	harts      int
	iterations int
	maxAlloc   uint64
	live       int
	seed       int64
	timeout    time.Duration
}

// Name implements subcommands.Command.Name.
func (*stressCmd) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*stressCmd) Synopsis() string {
	return "runs a concurrent allocation workload on every hart"
}

// Usage implements subcommands.Command.Usage.
func (*stressCmd) Usage() string {
	return "stress [flags]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *stressCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.harts, "harts", 0, "number of harts to run; defaults to the harts of the machine.")
	f.IntVar(&s.iterations, "iterations", 1000, "allocations per hart.")
	f.Uint64Var(&s.maxAlloc, "max-alloc", 2048, "largest heap allocation in bytes.")
	f.IntVar(&s.live, "live", 16, "blocks each hart keeps allocated.")
	f.Int64Var(&s.seed, "seed", 1, "seed of the allocation size generator.")
	f.DurationVar(&s.timeout, "timeout", time.Minute, "abort the run after this duration.")
}

// Execute implements subcommands.Command.Execute.
func (s *stressCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if s.maxAlloc == 0 || s.live < 1 || s.iterations < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	m := machineArg(args)
	if s.harts == 0 {
		s.harts = m.Harts
	}

	k, err := bootKernel(ctx, m)
	if err != nil {
		kfmt.Log("stress").WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	defer k.Close()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	report, err := k.Stress(ctx, kmain.StressConfig{
		Harts:      s.harts,
		Iterations: s.iterations,
		MaxAlloc:   mm.Size(s.maxAlloc),
		Live:       s.live,
		Seed:       s.seed,
	})
	if err != nil {
		kfmt.Log("stress").WithError(err).Error("stress run failed")
		return subcommands.ExitFailure
	}

	stats := k.Heap.Stats()
	kfmt.Printf("%d harts: %d heap allocations, %d frame allocations, %d retries in %v\n",
		s.harts, report.HeapAllocs, report.FrameAllocs, report.Retries, time.Since(start))
	kfmt.Printf("heap: mapped %s, free %s in %d blocks\n", stats.Mapped, stats.Free, stats.FreeNodes)

	return subcommands.ExitSuccess
}
