package kmain

import (
	"bytes"
	"context"
	"math/rand"
	"sync/atomic"

	"github.com/PitiBouchon/magic-os/kernel"
	"github.com/PitiBouchon/magic-os/kernel/kfmt"
	"github.com/PitiBouchon/magic-os/kernel/mm"
	"github.com/sirupsen/logrus"
)

var errHeapCorruption = &kernel.Error{Module: "kmain", Message: "heap block contents were overwritten by another allocation"}

// StressConfig describes a concurrent allocation workload.
type StressConfig struct {
	// Harts is the number of harts running the workload.
	Harts int

	// Iterations is the number of allocations performed by each hart.
	Iterations int

	// MaxAlloc is the upper bound for the size of a heap allocation.
	MaxAlloc mm.Size

	// Live is the number of blocks a hart holds before it starts
	// releasing them.
	Live int

	// Seed initializes the per-hart random generators.
	Seed int64
}

// StressReport summarizes a stress run.
type StressReport struct {
	HeapAllocs  uint64
	FrameAllocs uint64
	Retries     uint64
}

type block struct {
	ptr     mm.VirtualAddress
	size    mm.Size
	pattern byte
}

// Stress runs cfg on k. Each hart allocates heap blocks of random size and
// alignment, fills them with a hart specific pattern and checks the pattern
// before releasing them. Harts also allocate and release physical frames
// directly.
func (k *Kernel) Stress(ctx context.Context, cfg StressConfig) (StressReport, error) {
	var report StressReport

	err := RunHarts(ctx, cfg.Harts, func(ctx context.Context, hart int) error {
		rng := rand.New(rand.NewSource(cfg.Seed + int64(hart)))
		live := make([]block, 0, cfg.Live)

		for i := 0; i < cfg.Iterations; i++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if len(live) == cfg.Live {
				idx := rng.Intn(len(live))
				if err := k.release(live[idx]); err != nil {
					return err
				}
				live[idx] = live[len(live)-1]
				live = live[:len(live)-1]
			}

			b := block{
				size:    mm.Size(rng.Int63n(int64(cfg.MaxAlloc)) + 1),
				pattern: byte(hart<<4 | i&0xf),
			}
			align := uint64(1) << uint(rng.Intn(8))

			attempts := 0
			if err := retry(ctx, func() *kernel.Error {
				var err *kernel.Error
				attempts++
				b.ptr, err = k.Heap.Allocate(b.size, align)
				return err
			}); err != nil {
				return err
			}
			atomic.AddUint64(&report.HeapAllocs, 1)
			atomic.AddUint64(&report.Retries, uint64(attempts-1))

			if err := k.Heap.Write(b.ptr, bytes.Repeat([]byte{b.pattern}, int(b.size))); err != nil {
				return err
			}
			live = append(live, b)

			if err := k.cycleFrame(ctx); err != nil {
				return err
			}
			atomic.AddUint64(&report.FrameAllocs, 1)
		}

		for _, b := range live {
			if err := k.release(b); err != nil {
				return err
			}
		}
		return nil
	})

	kfmt.Log("kmain").WithFields(logrus.Fields{
		"harts":        cfg.Harts,
		"heap_allocs":  report.HeapAllocs,
		"frame_allocs": report.FrameAllocs,
		"retries":      report.Retries,
	}).Info("stress run complete")

	return report, err
}

// release checks the pattern of b and returns it to the heap.
func (k *Kernel) release(b block) error {
	got := make([]byte, b.size)
	if err := k.Heap.Read(b.ptr, got); err != nil {
		return err
	}
	for _, v := range got {
		if v != b.pattern {
			return errHeapCorruption
		}
	}

	k.Heap.Deallocate(b.ptr, b.size)
	return nil
}

// cycleFrame allocates a physical frame, scribbles over it and frees it.
func (k *Kernel) cycleFrame(ctx context.Context) error {
	var frame mm.Frame
	if err := retry(ctx, func() *kernel.Error {
		var err *kernel.Error
		frame, err = k.Frames.AllocFrame()
		return err
	}); err != nil {
		return err
	}

	kernel.Memset(k.RAM.FramePointer(frame), 0xaa, mm.PageSize)
	k.Frames.FreeFrame(frame)
	return nil
}
