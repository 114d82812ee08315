// Package sched implements the cooperative per-CPU task scheduler: task
// and process bookkeeping, the ready/sleep/cleanup queues, and the
// yield/sleep/done/exit/spawn surface user and kernel code switch through.
// The timer tick wakes expired sleepers and ends tasks whose process is
// flagged for termination; it does not switch a running task out for
// another, so a task gives up its CPU only by yielding, sleeping, blocking
// or finishing.
//
// A Task never frees its own stack: done() and exit() hand the outgoing
// task to the next CPU-resident task's startup path, which drains the
// previous occupant's cleanup queue before doing anything else. This keeps
// every stack teardown off the stack being torn down.
package sched

import (
	"container/heap"
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"

	"hyperion/kernel"
	"hyperion/kernel/cpu"
	"hyperion/kernel/irq"
	"hyperion/kernel/kfmt/early"
	"hyperion/kernel/mem/stack"
	"hyperion/kernel/mem/vmm"
)

func realID() uint32 { return cpu.ID() }

// The following are mocked by tests and inlined by the compiler in the
// real kernel build, following the same hookable-primitive convention the
// vmm package uses for its own cpu.* calls.
var (
	// nowFn reports the current monotonic timestamp used for sleep
	// deadlines. Converting ticks to wall-clock nanoseconds is the HPET
	// driver's job (outside this package); until one is wired in, raw
	// Rdtsc ticks serve as the clock's own unit.
	nowFn = cpu.Rdtsc

	switchContextFn = cpu.SwitchContext
	initContextFn   = cpu.InitContext
	haltFn          = cpu.Halt
	enableIntFn     = cpu.EnableInterrupts
	disableIntFn    = cpu.DisableInterrupts
)

// liveTasks anchors every task that currently exists so the garbage
// collector always has a reachable root for it, independent of the raw
// uintptr handed to InitContext/EntryTrampoline — which lives on a
// hand-managed kernel stack the collector cannot scan.
var (
	liveTasksMu sync.Mutex
	liveTasks   = map[Tid]*Task{}
)

// kernelStacks is the arena every task's kernel-mode stack slot comes from.
// It sits in the kernel-only VA range above the direct map, shared by every
// address space since the kernel half of every page map is aliased.
var kernelStacks *stack.Arena

const (
	kernelStackArenaBase  = uintptr(0xFFFF_FF00_0000_0000)
	kernelStackArenaLimit = uintptr(0xFFFF_FF80_0000_0000)
)

// bootProcess owns every task that is not associated with a userspace
// process (the idle loop, kernel worker threads).
var bootProcess = &Process{Pid: 0, Name: "kernel"}

// Init prepares the scheduler's global state. It must run after vmm.Init
// (kernelStacks carves its arena out of kernel-only virtual space) and
// before the first call to Spawn.
func Init() *kernel.Error {
	kernelStacks = stack.NewArena(kernelStackArenaBase, kernelStackArenaLimit)
	irq.HandleIRQ(irq.TimerInterrupt, onTimerTick)
	return nil
}

// NewProcess creates a process with its own address space and user-stack
// arena. name is descriptive only.
func NewProcess(name string, space *vmm.PageMap, userStackBase, userStackLimit uintptr) *Process {
	return &Process{
		Pid:          Pid(nextPid.Add(1)),
		Name:         name,
		AddressSpace: space,
		UserStacks:   stack.NewArena(userStackBase, userStackLimit),
	}
}

var nextPid atomic.Uint64

// Spawn creates a new kernel-mode task running fn inside proc (bootProcess
// if proc is nil) and places it on the ready queue. The task's kernel stack
// is a standard lazily-backed slot; fn runs with interrupts enabled.
func Spawn(proc *Process, fn func()) (*Task, *kernel.Error) {
	if proc == nil {
		proc = bootProcess
	}

	kstack, err := kernelStacks.Allocate()
	if err != nil {
		return nil, err
	}

	pm := activeOrProcessPageMap(proc)
	if initErr := kstack.Init(pm); initErr != nil {
		kernelStacks.Release(kstack)
		return nil, initErr
	}

	t := &Task{
		Tid:         proc.NextTid(),
		Process:     proc,
		KernelStack: kstack,
		startFn:     fn,
	}
	t.setState(StateReady)

	proc.ThreadCount.Add(1)

	liveTasksMu.Lock()
	liveTasks[t.Tid] = t
	liveTasksMu.Unlock()

	initContextFn(&t.Context, kstack.Top, taskTrampolineAddr, uintptr(unsafe.Pointer(t)))

	Schedule(t)
	return t, nil
}

// activeOrProcessPageMap returns proc's own address space, or the currently
// active one for the kernel's own bootProcess (which has none of its own).
func activeOrProcessPageMap(proc *Process) *vmm.PageMap {
	if proc.AddressSpace != nil {
		return proc.AddressSpace
	}
	return vmm.ActivePageMap()
}

// taskTrampolineAddr is the code address EntryTrampoline jumps to for every
// freshly spawned task: reflect.ValueOf(fn).Pointer() returns a top-level,
// non-closure function's real entry point, exactly the value the assembly
// CALL instruction needs.
var taskTrampolineAddr = reflect.ValueOf(taskTrampoline).Pointer()

// taskTrampoline is the very first Go code a new task ever executes. It
// drains whatever the previous occupant of this CPU left behind, then runs
// the task's start function; a start function is never expected to return,
// but Done() is called regardless as a safety net.
//
//go:nosplit
func taskTrampoline(argPtr uintptr) {
	t := (*Task)(unsafe.Pointer(argPtr))
	current().drainCleanup()

	t.setState(StateRunning)
	fn := t.startFn
	t.startFn = nil
	if fn != nil {
		fn()
	}
	Done()
}

// Schedule places an already-constructed task on a run queue: its own
// CPU's queue if there's room, the shared overflow queue otherwise.
func Schedule(t *Task) {
	t.setState(StateReady)
	select {
	case current().ready <- t:
	default:
		globalReady <- t
	}
}

// popReady returns the next ready task for this CPU: its own queue first,
// then the shared overflow queue, then a steal attempt across every other
// CPU's queue. ok is false if nothing is runnable anywhere.
func popReady(cs *cpuState) (*Task, bool) {
	select {
	case t := <-cs.ready:
		return t, true
	default:
	}

	select {
	case t := <-globalReady:
		return t, true
	default:
	}

	for i := range cpus {
		victim := &cpus[i]
		if victim == cs {
			continue
		}
		select {
		case t := <-victim.ready:
			return t, true
		default:
		}
	}

	return nil, false
}

// drainCleanup tears down every task this CPU has finished switching away
// from. Called at the start of whichever task next runs on this CPU, so a
// task's own stack is always freed by someone else.
func (cs *cpuState) drainCleanup() {
	for {
		select {
		case dead := <-cs.cleanup:
			teardown(dead)
		default:
			return
		}
	}
}

func teardown(t *Task) {
	pm := activeOrProcessPageMap(t.Process)
	if err := t.KernelStack.Dealloc(pm); err != nil {
		early.Printf("sched: failed to unmap kernel stack for tid %d: %s\n", t.Tid, err.Message)
	}
	kernelStacks.Release(t.KernelStack)

	if t.HasUserStack && t.Process.UserStacks != nil {
		if err := t.UserStack.Dealloc(t.Process.AddressSpace); err != nil {
			early.Printf("sched: failed to unmap user stack for tid %d: %s\n", t.Tid, err.Message)
		}
		t.Process.UserStacks.Release(t.UserStack)
	}

	liveTasksMu.Lock()
	delete(liveTasks, t.Tid)
	liveTasksMu.Unlock()

	if t.Process.ThreadCount.Add(-1) == 0 {
		early.Printf("sched: process %d (%s) exited\n", t.Process.Pid, t.Process.Name)
	}
}

// switchTo performs the actual context switch: pushes the outgoing task
// onto whichever queue nextState implies, flips the active-task pointer,
// loads the incoming address space if it differs from the active one, and
// invokes cpu.SwitchContext. It returns once this CPU (on some future
// switch) resumes the outgoing task.
func switchTo(cs *cpuState, from *Task, nextState State, to *Task) {
	from.setState(nextState)
	switch nextState {
	case StateReady:
		Schedule(from)
	case StateDropping:
		// from is not requeued; the incoming task's trampoline call to
		// drainCleanup (or a later switch on this CPU) frees it.
		cs.cleanup <- from
	case StateSleeping:
		// already registered on the sleep heap by SleepUntil.
	}

	cs.active.Store(to)
	to.setState(StateRunning)

	if fromSpace, toSpace := spaceOf(from), spaceOf(to); fromSpace != toSpace && toSpace != nil {
		toSpace.Activate()
	}

	cs.lastSwitchNs.Store(nowFn())
	switchContextFn(&from.Context, &to.Context)

	// Resumed: whichever task the CPU switched away from when this task
	// was last scheduled out may still need tearing down.
	current().drainCleanup()
}

func spaceOf(t *Task) *vmm.PageMap {
	if t == nil || t.Process == nil {
		return nil
	}
	return t.Process.AddressSpace
}

// Current returns the task running on the calling CPU, or nil if the
// scheduler has not switched to any task on it yet.
func Current() *Task {
	return current().active.Load()
}

// Now returns the scheduler's own monotonic timestamp, the same clock
// SleepUntil's deadline argument and the sleep-deadline heap are measured
// against. Exported for the timestamp/nanosleep syscalls, which otherwise
// have no way to read nowFn from outside this package.
func Now() uint64 {
	return nowFn()
}

// YieldNow gives up the CPU voluntarily: the current task goes back on a
// ready queue and the next ready task (own queue, then global, then a
// steal) takes over. If nothing else is runnable the call returns
// immediately and the current task keeps running.
func YieldNow() {
	cs := current()
	from := cs.active.Load()
	if from == nil {
		return
	}

	updateUsage(cs, from)

	next, ok := popReady(cs)
	if !ok {
		return
	}

	switchTo(cs, from, StateReady, next)
}

// SleepUntil parks the current task until deadline (in nowFn's units) has
// passed, switching to another ready task (or idling) meanwhile. A timer
// tick notices the expiry and moves the task back onto a ready queue.
func SleepUntil(deadline uint64) {
	cs := current()
	from := cs.active.Load()
	if from == nil {
		return
	}

	updateUsage(cs, from)

	from.deadlineNs = deadline
	sleepMu.Lock()
	heap.Push(&sleeping, from)
	sleepMu.Unlock()

	next, ok := popReady(cs)
	if !ok {
		idleWait(cs)
		return
	}

	switchTo(cs, from, StateSleeping, next)
}

// Block parks the calling task indefinitely, switching to another ready
// task (or idling) meanwhile, and returns the parked task's own *Task so
// the caller (kernel/ipc's channel and futex waits) can hold onto it as a
// waiter record. Unlike SleepUntil there is no deadline: only a later call
// to Wake with the same *Task reschedules it. Block returns once this
// task is woken and switched back in. If no other task is ready, Block
// instead halts until the next interrupt and then returns, whether or not
// Wake was called.
//
// markParked, if non-nil, runs after the next task to run has already been
// chosen and this task has been marked StateSleeping, but before this task
// actually yields the CPU. A caller that makes
// the task visible to a concurrent waker (kernel/ipc's futex.Wait appending
// to a wait-queue bucket) must do so from inside markParked rather than
// before calling Block: registering the waiter and then unlocking its
// bucket ahead of time lets a concurrent Wake call Schedule on a task that
// is, from every other CPU's point of view, still running — racing the
// switch that is supposed to park it first.
func Block(markParked func()) *Task {
	cs := current()
	from := cs.active.Load()
	if from == nil {
		return nil
	}

	updateUsage(cs, from)

	next, ok := popReady(cs)
	from.setState(StateSleeping)
	if markParked != nil {
		markParked()
	}
	if !ok {
		idleWait(cs)
		from.setState(StateRunning)
		return from
	}

	switchTo(cs, from, StateSleeping, next)
	return from
}

// Wake reschedules a task previously parked via Block. It is a no-op if t
// is nil, so callers can call it unconditionally on a possibly-empty
// waiter slot.
func Wake(t *Task) {
	if t == nil {
		return
	}
	Schedule(t)
}

// Done terminates the calling task. It never returns: execution resumes
// only as some other task, on some CPU, at some later point.
func Done() {
	cs := current()
	from := cs.active.Load()
	if from == nil {
		idleForever(cs)
		return
	}

	updateUsage(cs, from)

	next, ok := popReady(cs)
	if !ok {
		idleUntilReady(cs, from)
		return
	}

	switchTo(cs, from, StateDropping, next)
	idleForever(cs) // unreachable: switchTo never returns into a dropped task
}

// Exit flags the whole owning process for termination and then calls Done;
// every other task belonging to the process notices ShouldTerminate at its
// next timer tick (see onTimerTick) and also calls Done.
func Exit() {
	if t := Current(); t != nil {
		t.Process.ShouldTerminate.Store(true)
	}
	Done()
}

func updateUsage(cs *cpuState, t *Task) {
	now := nowFn()
	elapsed := now - cs.lastSwitchNs.Load()
	_ = t // per-task accounting is left to Process.Ext consumers
	cs.lastSwitchNs.Store(now)
	_ = elapsed
}

// idleWait halts until the next interrupt without retiring the current
// task: used when SleepUntil finds nothing else ready.
func idleWait(cs *cpuState) {
	cs.idle.Store(true)
	start := nowFn()
	enableIntFn()
	haltFn()
	disableIntFn()
	cs.idle.Store(false)
	cs.idleTimeNs.Add(nowFn() - start)
}

// idleUntilReady spins (via idleWait) until a task becomes runnable, then
// switches to it; used by Done when the ready queues are momentarily empty
// but the current task can no longer run.
func idleUntilReady(cs *cpuState, from *Task) {
	for {
		if next, ok := popReady(cs); ok {
			switchTo(cs, from, StateDropping, next)
			return
		}
		idleWait(cs)
	}
}

// idleForever parks a CPU that has nothing left to run and no outgoing task
// to resume into; reached only if Done is called with no task ever having
// been scheduled on this CPU.
func idleForever(cs *cpuState) {
	for {
		idleWait(cs)
		if next, ok := popReady(cs); ok {
			cs.active.Store(next)
			next.setState(StateRunning)
			switchContextFn(&cpu.Context{}, &next.Context)
		}
	}
}

// onTimerTick runs on every APIC timer interrupt: it wakes any sleepers
// whose deadline has passed and, if the currently running task's process
// has been flagged for termination, ends it.
func onTimerTick() {
	now := nowFn()

	sleepMu.Lock()
	for sleeping.Len() > 0 && sleeping[0].deadlineNs <= now {
		woken := heap.Pop(&sleeping).(*Task)
		Schedule(woken)
	}
	sleepMu.Unlock()

	if t := Current(); t != nil && t.Process.ShouldTerminate.Load() {
		Done()
	}
}

var (
	sleepMu  sync.Mutex
	sleeping sleepQueue
)

// ActiveStack reports the faulting-candidate stack slot for the currently
// running task: its user stack if it has one, otherwise its kernel stack.
// It is registered with kernel/fault via SetActiveStackLookup so the page
// fault router can recognise a guard-page hit.
func ActiveStack() (stack.Stack, bool) {
	t := Current()
	if t == nil {
		return stack.Stack{}, false
	}
	if t.HasUserStack {
		return t.UserStack, true
	}
	return t.KernelStack, true
}

// Bootstrap hands this CPU's raw boot-time execution over to the
// scheduler. It idles until at least one task is ready, performs the first
// context switch and never returns: every later switch is an ordinary
// task-to-task switch through switchTo, but this first one has no outgoing
// Task to save into, only the bare stack Kmain happened to be running on.
func Bootstrap() {
	cs := current()
	for {
		next, ok := popReady(cs)
		if !ok {
			idleWait(cs)
			continue
		}

		var from cpu.Context
		cs.active.Store(next)
		next.setState(StateRunning)
		cs.lastSwitchNs.Store(nowFn())
		if next.Process.AddressSpace != nil {
			next.Process.AddressSpace.Activate()
		}
		switchContextFn(&from, &next.Context)
		// Nothing in the scheduler ever switches back into a bootstrap
		// context, so this point is unreachable; idle rather than spin.
		idleWait(cs)
	}
}

// Terminate ends the current task's process in response to a fault the
// router could not otherwise resolve. It is registered with kernel/fault
// via SetTerminator.
func Terminate(reason *kernel.Error) {
	if t := Current(); t != nil {
		early.Printf("sched: terminating pid %d tid %d: %s\n", t.Process.Pid, t.Tid, reason.Message)
	}
	Exit()
}

// sleepQueue is a container/heap min-heap of tasks ordered by deadlineNs.
// No ecosystem timer-wheel or priority-queue library appears anywhere in
// the retrieved corpus, and a freestanding kernel cannot pull in one that
// assumes an underlying OS scheduler; container/heap is the stdlib's own
// well-tested binary heap and needs no such assumption.
type sleepQueue []*Task

func (q sleepQueue) Len() int            { return len(q) }
func (q sleepQueue) Less(i, j int) bool  { return q[i].deadlineNs < q[j].deadlineNs }
func (q sleepQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].sleepIndex = i
	q[j].sleepIndex = j
}

func (q *sleepQueue) Push(x any) {
	t := x.(*Task)
	t.sleepIndex = len(*q)
	*q = append(*q, t)
}

func (q *sleepQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.sleepIndex = -1
	*q = old[:n-1]
	return t
}
