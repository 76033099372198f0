// Package sync provides synchronization primitive implementations for spinlocks
// and semaphore.
package sync

import (
	"runtime"
	"sync/atomic"
)

var (
	// yieldFn is invoked after a hart has spun for attemptsBeforeYielding
	// iterations without acquiring the lock.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, 64)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// archAcquireSpinlock spins on state using test-and-test-and-set and yields
// every attemptsBeforeYielding failed attempts.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for attempts := uint32(0); ; attempts++ {
		if atomic.LoadUint32(state) == 0 && atomic.CompareAndSwapUint32(state, 0, 1) {
			return
		}

		if attempts == attemptsBeforeYielding {
			attempts = 0
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}
