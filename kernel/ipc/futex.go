// Package ipc implements the kernel's point-to-point channel (§4.7 of the
// core design) and the futex wait/wake primitive it, and the syscall
// layer, are both built on.
//
// Grounded on original_source's crates/scheduler/src/ipc/pipe.rs (the
// Channel<MAX, T> ring-buffer-plus-futex shape) generalized from its
// single fixed byte-pipe type to the general bounded Channel below; the
// futex table itself follows the component design's own description
// (sharded locks by address hash) directly, since the original crate's
// futex module was referenced but not present in the retrieved sources.
package ipc

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"hyperion/kernel/mem/vmm"
	"hyperion/kernel/sched"
)

const futexBucketCount = 256

type futexWaiter struct {
	task *sched.Task
	addr uintptr
}

type futexBucket struct {
	mu      sync.Mutex
	waiters []futexWaiter
}

var futexBuckets [futexBucketCount]futexBucket

// The following are mocked by tests so futex bucketing/wait-list logic can
// be exercised without a real address space or scheduler behind it,
// following the same hookable-primitive convention the vmm and sched
// packages use for their own cpu.* calls.
var (
	translateFn   = vmm.Translate
	currentTaskFn = sched.Current
	blockFn       = sched.Block
	wakeTaskFn    = sched.Wake
)

func bucketFor(key uintptr) *futexBucket {
	return &futexBuckets[(key/8)%futexBucketCount]
}

// translateKey resolves addr to the physical address backing it, when it
// is mapped in the currently active address space, so that two processes
// sharing one physical page collapse onto the same wait-queue bucket (the
// cross-process futex requirement). An address that is not currently
// backed by any page table entry — a Channel's own counter field, say,
// which lives in the kernel's own heap rather than a page a fault could
// ever be routed for — is used as its own key instead.
func translateKey(addr uintptr) uintptr {
	if phys, err := translateFn(addr); err == nil {
		return phys
	}
	return addr
}

// Wait parks the calling task until a Wake call targeting the same
// address reschedules it, unless the word at addr no longer equals
// expected by the time the wait is registered — in which case it returns
// immediately without parking, per the testable property that a futex
// wait never blocks on a value that has already changed.
//
// Registration (appending to the bucket's waiter list) and releasing the
// bucket lock happen from inside blockFn's markParked callback, at the
// point sched.Block has already committed to switching this task out. That
// keeps the waiter invisible to a concurrent Wake until it is actually
// safe to reschedule it: a Wake that ran between an early unlock and the
// eventual switch could call sched.Wake on a task still physically running
// on this CPU, pushing it onto a ready queue before its context is saved.
func Wait(addr *uint64, expected uint64) {
	key := translateKey(uintptr(unsafe.Pointer(addr)))
	b := bucketFor(key)
	cur := currentTaskFn()

	b.mu.Lock()
	if atomic.LoadUint64(addr) != expected {
		b.mu.Unlock()
		return
	}

	blockFn(func() {
		b.waiters = append(b.waiters, futexWaiter{task: cur, addr: key})
		b.mu.Unlock()
	})
}

// Wake reschedules up to n tasks parked on addr and returns how many it
// woke.
func Wake(addr *uint64, n int) int {
	key := translateKey(uintptr(unsafe.Pointer(addr)))
	b := bucketFor(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	woke := 0
	remaining := b.waiters[:0]
	for _, w := range b.waiters {
		if w.addr == key && woke < n {
			wakeTaskFn(w.task)
			woke++
			continue
		}
		remaining = append(remaining, w)
	}
	b.waiters = remaining
	return woke
}
