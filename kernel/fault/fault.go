// Package fault implements the page-fault router: the policy layer that
// runs once the vmm's built-in copy-on-write and lazy-alloc handling has
// failed to resolve a fault on its own. It recognises a stack guard-page hit
// as thread overflow and otherwise applies the kernel's fatal-fault
// discipline: a user-mode fault terminates the offending process, a
// kernel-mode fault is left to propagate into vmm's own panic-with-backtrace
// path.
package fault

import (
	"hyperion/kernel"
	"hyperion/kernel/kfmt/early"
	"hyperion/kernel/mem/stack"
)

// ErrStackOverflow is the termination reason reported when a task's fault
// lands on its own stack's guard page.
var ErrStackOverflow = &kernel.Error{Module: "fault", Message: "stack overflow: guard page hit"}

// ErrUnhandledUserFault is the termination reason reported when a user-mode
// fault cannot be resolved by any of the router's recognised cases.
var ErrUnhandledUserFault = &kernel.Error{Module: "fault", Message: "unhandled page fault in user-mode task"}

// ActiveStackLookup returns the faulting task's stack slot, if the currently
// running task has one that might be the fault's origin, and whether a slot
// was found at all (a kernel-mode fault with no current task has none).
type ActiveStackLookup func() (s stack.Stack, ok bool)

// Terminator flags the currently running task's process for termination,
// the way the scheduler's exit() does, recording reason for diagnostics.
type Terminator func(reason *kernel.Error)

var (
	activeStackFn ActiveStackLookup
	terminateFn   Terminator
)

// SetActiveStackLookup registers the callback used to find the faulting
// task's stack slot, normally wired to the scheduler's current-task
// accessor.
func SetActiveStackLookup(fn ActiveStackLookup) {
	activeStackFn = fn
}

// SetTerminator registers the callback used to end a process in response to
// a fatal user-mode fault, normally the scheduler's exit().
func SetTerminator(fn Terminator) {
	terminateFn = fn
}

// Route is installed via vmm.SetFaultRouter and is invoked only for faults
// the vmm's own copy-on-write and lazy-backing checks could not resolve.
// It returns true if the fault was handled (the faulting task's process has
// been flagged for termination and scheduling should move on) or false if
// the fault must be treated as an unrecoverable kernel error.
func Route(faultAddr uintptr, writeFault, userMode bool) bool {
	if activeStackFn != nil {
		if s, ok := activeStackFn(); ok && s.Contains(faultAddr) && s.IsOverflow(faultAddr) {
			early.Printf("fault: stack overflow at 0x%16x (write=%t)\n", faultAddr, writeFault)
			return terminate(userMode, ErrStackOverflow)
		}
	}

	early.Printf("fault: unhandled page fault at 0x%16x (write=%t, user=%t)\n", faultAddr, writeFault, userMode)
	return terminate(userMode, ErrUnhandledUserFault)
}

// terminate ends the current process if the fault happened in user mode;
// a kernel-mode fault is never terminated in place of a task, since the
// kernel itself — not a process — was the one that faulted.
func terminate(userMode bool, reason *kernel.Error) bool {
	if !userMode || terminateFn == nil {
		return false
	}
	terminateFn(reason)
	return true
}
