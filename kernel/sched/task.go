package sched

import (
	"sync/atomic"

	"hyperion/kernel/cpu"
	"hyperion/kernel/mem/stack"
	"hyperion/kernel/mem/vmm"
)

// State is the lifecycle stage of a Task.
type State uint8

const (
	StateReady State = iota
	StateRunning
	StateSleeping
	StateDropping
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateDropping:
		return "dropping"
	default:
		return "unknown"
	}
}

// Tid identifies a task within its owning process.
type Tid uint64

// Pid identifies a process.
type Pid uint64

// Task is a single unit of scheduling: one register context and one pair of
// stacks (kernel-side always, user-side only for a userspace thread)
// belonging to a Process.
type Task struct {
	Tid     Tid
	Process *Process

	// Context holds the callee-saved registers and stack pointer
	// SwitchContext exchanges on every switch into or out of this task.
	Context cpu.Context

	// KernelStack backs this task's execution while it is in the kernel,
	// including the very first instructions EntryTrampoline runs.
	KernelStack stack.Stack

	// UserStack and HasUserStack describe the stack a userspace thread
	// runs on; a pure kernel task (the idle task, a kernel worker) has
	// none.
	UserStack    stack.Stack
	HasUserStack bool

	state atomic.Uint32

	// startFn is the closure a freshly spawned task begins executing at;
	// taskTrampoline clears it to nil immediately after the first (and
	// only) call so it cannot be invoked twice.
	startFn func()

	// deadlineNs is valid only while State is StateSleeping; it is the
	// monotonic timestamp (cpu.Rdtsc-derived) this task should be woken.
	deadlineNs uint64

	// sleepIndex is the position of this task in the scheduler's deadline
	// heap, maintained by container/heap.
	sleepIndex int
}

// State returns the task's current lifecycle stage.
func (t *Task) State() State {
	return State(t.state.Load())
}

func (t *Task) setState(s State) {
	t.state.Store(uint32(s))
}

// Process is shared by every task (pthread) that belongs to it. It is
// destroyed, by reference counting on ThreadCount, only once its last task
// has exited.
type Process struct {
	Pid  Pid
	Name string

	// AddressSpace is nil for the bootstrap kernel-only process: every
	// task running in it shares the kernel's own page map.
	AddressSpace *vmm.PageMap

	// UserStacks carves out stack slots below the kernel half for this
	// process's threads; it is nil for a process with no user-mode code.
	UserStacks *stack.Arena

	nextTid         atomic.Uint64
	ThreadCount     atomic.Int64
	HeapTop         atomic.Uintptr
	ShouldTerminate atomic.Bool

	// Ext carries kernel-side process state outside the scheduler's
	// concern: file descriptor tables, socket state, IPC endpoints.
	Ext any
}

// NextTid reserves and returns the next thread id for this process.
func (p *Process) NextTid() Tid {
	return Tid(p.nextTid.Add(1))
}
