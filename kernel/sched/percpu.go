package sched

import "sync/atomic"

// maxCPUs bounds the per-CPU state array. It is sized generously for a
// single-socket desktop/server part; a real deployment would read the
// MADT-reported CPU count from the ACPI driver, which is outside this
// package's concern.
const maxCPUs = 64

// readyQueueDepth bounds how many ready tasks a single CPU's run queue can
// hold before Schedule falls back to the shared overflow queue.
const readyQueueDepth = 4096

// cpuState is the per-CPU scheduling state described by the Scheduler
// component: an active task, its own ready queue, a queue of tasks whose
// resources need tearing down once this CPU has switched away from them,
// and the bookkeeping idle/usage counters.
type cpuState struct {
	active atomic.Pointer[Task]

	// ready is this CPU's own MPMC run queue: a Go channel, the
	// language's native lock-free(ish) multi-producer multi-consumer
	// primitive, standing in for a hand-rolled lock-free ring buffer.
	ready chan *Task

	// cleanup carries tasks a done()/exit() call has flagged dropping;
	// they are torn down after the switch that moved off them completes,
	// since a task cannot free the stack it is still executing on.
	cleanup chan *Task

	lastSwitchNs atomic.Uint64
	idleTimeNs   atomic.Uint64
	initialized  atomic.Bool
	idle         atomic.Bool
}

var cpus [maxCPUs]cpuState

// globalReady is the fallback run queue described in §4.6: per-CPU queues
// are preferred, but a task pushed via Schedule from an arbitrary CPU (or
// spilled because a CPU's own queue is full) lands here instead.
var globalReady = make(chan *Task, readyQueueDepth)

func init() {
	for i := range cpus {
		cpus[i].ready = make(chan *Task, readyQueueDepth)
		cpus[i].cleanup = make(chan *Task, readyQueueDepth)
	}
}

// idFn returns the calling CPU's APIC id, used to index cpus. Mocked by
// tests so scheduler behaviour can be exercised without real per-core
// identity.
var idFn = realID

func current() *cpuState {
	return &cpus[idFn()%maxCPUs]
}
