package kmain

import (
	"context"
	"time"

	"github.com/PitiBouchon/magic-os/kernel"
	"github.com/PitiBouchon/magic-os/kernel/kfmt"
	"github.com/PitiBouchon/magic-os/kernel/mm/heap"
	"github.com/PitiBouchon/magic-os/kernel/mm/pmm"
	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
)

var (
	// haltFn is invoked with the value recovered from a panicking hart.
	// It is mocked by tests.
	haltFn = kfmt.Panic

	// retryTimeout bounds how long a hart waits for memory to be freed by
	// the other harts before giving up.
	retryTimeout = 2 * time.Second

	errHartHalted = &kernel.Error{Module: "kmain", Message: "hart halted"}
)

// HartFn is the code executed by a hart.
type HartFn func(ctx context.Context, hart int) error

// RunHarts runs fn on n harts concurrently and waits for all of them to
// finish. The context passed to fn is cancelled as soon as one hart fails.
// A hart that panics is halted with kfmt.Panic and RunHarts reports it as
// failed.
func RunHarts(ctx context.Context, n int, fn HartFn) error {
	g, ctx := errgroup.WithContext(ctx)

	for hart := 0; hart < n; hart++ {
		hart := hart
		g.Go(func() error {
			return runHart(ctx, hart, fn)
		})
	}

	return g.Wait()
}

// runHart executes fn on its own goroutine so that halting the hart does not
// unwind the caller.
func runHart(ctx context.Context, hart int, fn HartFn) error {
	result := make(chan error, 1)

	go func() {
		halted := true
		defer func() {
			if halted {
				kfmt.Log("kmain").WithField("hart", hart).Error("hart halted")
				result <- errHartHalted
			}
		}()
		defer func() {
			if r := recover(); r != nil {
				haltFn(r)
			}
		}()

		err := fn(ctx, hart)
		halted = false
		result <- err
	}()

	return <-result
}

// retry invokes op until it succeeds, fails with an error other than running
// out of memory, or ctx is done. Harts that run out of memory back off to
// give the other harts a chance to release theirs.
func retry(ctx context.Context, op func() *kernel.Error) *kernel.Error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Microsecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = retryTimeout

	var lastErr *kernel.Error
	err := backoff.Retry(func() error {
		lastErr = op()
		switch lastErr {
		case nil:
			return nil
		case heap.ErrOutOfMemory, pmm.ErrExhausted:
			return lastErr
		default:
			return backoff.Permanent(lastErr)
		}
	}, backoff.WithContext(b, ctx))

	if err == nil {
		return nil
	}
	return lastErr
}
