// Package stack implements guard-page-protected, lazily-backed stack slots.
//
// Each thread gets a fixed 2 MiB virtual-address slot carved out of one of
// two arenas (user stacks below the kernel half, kernel stacks in the
// kernel-only range above the direct map). The slot's bottom page is always
// left unmapped as a guard: the page-fault router treats a fault there as an
// overflow rather than routing it through the ordinary lazy-backing path.
// Stacks in this design are flat-reserved, not growable past their initial
// slot — an earlier arch layer allowed on-demand growth past the guard, but
// that variant is not implemented here; a guard hit is always fatal to the
// faulting task.
package stack

import (
	"hyperion/kernel"
	"hyperion/kernel/mem"
	"hyperion/kernel/mem/vmm"
)

// SlotSize is the size of a single stack slot, guard page included.
const SlotSize = mem.Size(2 * mem.Mb)

// PageMapper is the subset of *vmm.PageMap that a stack slot needs in order
// to install or tear down its mappings. It exists so tests can exercise
// arena/slot bookkeeping against a fake without needing a real page-table
// hierarchy backing it; *vmm.PageMap satisfies it.
type PageMapper interface {
	MapRegion(startAddr uintptr, size mem.Size, target vmm.MapTarget, flags vmm.PageTableEntryFlag) *kernel.Error
	UnmapRegion(startAddr uintptr, size mem.Size) *kernel.Error
}

// Stack describes a single thread's stack slot within an address space.
type Stack struct {
	// Top is the highest address of the slot (one past the last valid
	// byte); the initial stack pointer for a new thread starts here.
	Top uintptr

	// Limit is the number of pages usable for stack growth, i.e. the
	// slot size in pages minus the guard page.
	Limit uint32
}

// bottom returns the first address of the slot, guard page included.
func (s Stack) bottom() uintptr {
	return s.Top - uintptr(SlotSize)
}

// guardPage returns the single page at the low end of the slot that must
// always remain unmapped.
func (s Stack) guardPage() vmm.Page {
	return vmm.PageFromAddress(s.bottom())
}

// Arena hands out stack slots from a single contiguous virtual-address
// range, growing downward from an upper bound. Freed slots are pushed onto
// a freelist so reuse is O(1) and the arena never has to compact.
type Arena struct {
	// nextFreeTop is the Top a freshly bumped (never-yet-used) slot would
	// get; it starts at upperBound and decreases by SlotSize each time
	// the freelist is empty and a new slot is carved out.
	nextFreeTop uintptr

	// lowerBound is the first address this arena may not hand out a slot
	// below; Allocate fails once nextFreeTop would cross it.
	lowerBound uintptr

	freelist []uintptr
}

// NewArena creates an arena spanning [lowerBound, upperBound), handing out
// slots top-down starting at upperBound.
func NewArena(lowerBound, upperBound uintptr) *Arena {
	return &Arena{nextFreeTop: upperBound, lowerBound: lowerBound}
}

// ErrArenaExhausted is returned by Allocate when an arena has no more
// virtual address space left to carve a fresh slot from.
var ErrArenaExhausted = &kernel.Error{Module: "mem/stack", Message: "stack arena exhausted"}

// Allocate reserves a new stack slot, either by popping the freelist or by
// bumping the arena's watermark downward by one slot.
func (a *Arena) Allocate() (Stack, *kernel.Error) {
	if n := len(a.freelist); n > 0 {
		top := a.freelist[n-1]
		a.freelist = a.freelist[:n-1]
		return Stack{Top: top, Limit: SlotSize.Pages() - 1}, nil
	}

	if a.nextFreeTop-uintptr(SlotSize) < a.lowerBound {
		return Stack{}, ErrArenaExhausted
	}

	top := a.nextFreeTop
	a.nextFreeTop -= uintptr(SlotSize)
	return Stack{Top: top, Limit: SlotSize.Pages() - 1}, nil
}

// Release returns a slot to the arena's freelist for reuse by a future
// thread. The caller must have already torn down the slot's mappings via
// Stack.Dealloc.
func (a *Arena) Release(s Stack) {
	a.freelist = append(a.freelist, s.Top)
}

// Init reserves the stack slot's address range: every page above the guard
// page is marked lazily-backed so the first touch allocates a fresh zeroed
// frame through the ordinary page-fault path. Init does not unmap the guard
// page; a guard page that is already mapped stays mapped.
func (s Stack) Init(pm PageMapper) *kernel.Error {
	bodySize := SlotSize - mem.PageSize
	return pm.MapRegion(s.bottom()+uintptr(mem.PageSize), bodySize, vmm.LazyAlloc(), vmm.FlagRW|vmm.FlagUser)
}

// ForceInit eagerly allocates and maps the top nPages of the slot, leaving
// the rest (down to, but excluding, the guard page) lazily-backed. It is
// used to seed a new thread's initial stack frame (e.g. argv/envp for the
// first thread of a process) without waiting for a fault.
func (s Stack) ForceInit(pm PageMapper, nPages uint32, alloc FrameAllocatorFn) *kernel.Error {
	eagerSize := mem.Size(nPages) * mem.PageSize
	eagerStart := s.Top - uintptr(eagerSize)

	addr := eagerStart
	for i := uint32(0); i < nPages; i++ {
		f, ferr := alloc()
		if ferr != nil {
			return &kernel.Error{Module: "mem/stack", Message: ferr.Error()}
		}
		if merr := pm.MapRegion(addr, mem.PageSize, vmm.Preallocated(f), vmm.FlagRW|vmm.FlagUser); merr != nil {
			return merr
		}
		addr += uintptr(mem.PageSize)
	}

	lazyStart := s.bottom() + uintptr(mem.PageSize)
	lazySize := mem.Size(eagerStart - lazyStart)
	if lazySize == 0 {
		return nil
	}
	return pm.MapRegion(lazyStart, lazySize, vmm.LazyAlloc(), vmm.FlagRW|vmm.FlagUser)
}

// Dealloc unmaps the slot's entire virtual range, guard page included. The
// caller is responsible for returning the slot to its owning arena via
// Arena.Release once this returns.
func (s Stack) Dealloc(pm PageMapper) *kernel.Error {
	return pm.UnmapRegion(s.bottom(), SlotSize)
}

// FrameAllocatorFn supplies a single physical frame; ForceInit takes it as a
// parameter, rather than reaching for a package-level hook, since eager
// stack setup always happens with the caller (the scheduler's spawn path)
// already holding a concrete allocator reference.
type FrameAllocatorFn = vmm.FrameAllocatorFn

// IsOverflow reports whether faultAddr lands on s's guard page, i.e. the
// thread has exhausted its flat-reserved stack slot.
func (s Stack) IsOverflow(faultAddr uintptr) bool {
	return vmm.PageFromAddress(faultAddr) == s.guardPage()
}

// Contains reports whether faultAddr falls anywhere within the slot,
// guard page included; the page-fault router checks it together with
// IsOverflow to recognise a guard-page hit.
func (s Stack) Contains(faultAddr uintptr) bool {
	return faultAddr >= s.bottom() && faultAddr < s.Top
}
