// Package allocator implements the kernel's physical frame allocator: a
// refcounted bitmap over every usable frame reported by the bootloader's
// memory map. It is the single source of truth for which physical frames are
// free, exclusively owned or shared between address spaces (copy-on-write).
package allocator

import (
	"hyperion/kernel"
	"hyperion/kernel/errors"
	"hyperion/kernel/hal/multiboot"
	"hyperion/kernel/kfmt/early"
	"hyperion/kernel/mem"
	"hyperion/kernel/mem/pmm"
	"sync/atomic"
)

// zeroFrameFn and copyFrameFn perform the actual memory traffic behind
// FreeFrame and FaultCopy. They are variables, in the same spirit as the
// vmm package's tableNodeFn, so tests can exercise the refcount bookkeeping
// against fake frame numbers without needing a real physical direct map to
// back them.
var (
	zeroFrameFn = func(f pmm.Frame) { mem.Memset(f.DirectAddress(), 0, mem.PageSize) }
	copyFrameFn = func(dst, src pmm.Frame) { mem.Memcopy(dst.DirectAddress(), src.DirectAddress(), mem.PageSize) }
)

// maxRefCount is the saturation point for a frame's reference count. The
// design calls for a 16-bit counter; Go's sync/atomic has no native atomic
// uint16, so the counter is stored in a full word and clamped at the 16-bit
// boundary to preserve the saturate-then-copy semantics described below.
const maxRefCount = 0xFFFF

// framePool tracks the refcounts for a single contiguous run of usable
// frames reported by the bootloader. The allocator may own more than one
// pool when the memory map contains several disjoint available regions.
type framePool struct {
	startFrame pmm.Frame
	frameCount uint32

	// refCount[i] is the reference count for startFrame+i. A count of 0
	// means the frame is free; no entry is ever negative.
	refCount []atomic.Uint32
}

func (p *framePool) contains(f pmm.Frame) bool {
	return f >= p.startFrame && uint32(f-p.startFrame) < p.frameCount
}

func (p *framePool) indexOf(f pmm.Frame) uint32 {
	return uint32(f - p.startFrame)
}

// bitmapAllocator is the concrete PFA implementation. A single package-level
// instance is initialized once at boot by Init and is safe for concurrent
// use by any CPU thereafter.
type bitmapAllocator struct {
	pools []framePool

	// hint rotates across frameIndex space so repeated allocations do not
	// all contend on the same low-numbered frames.
	hint atomic.Uint64

	totalFrames    uint64
	reservedFrames uint64
}

var pfa bitmapAllocator

// Init builds the frame pools from the bootloader-supplied memory map,
// reserving the frames occupied by the kernel image itself (and, by
// construction, everything below 1 MiB that the map already marks as
// reserved). It must be called exactly once, before any other subsystem
// touches physical memory.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	kernelStartFrame := pmm.FromAddress(kernelStart)
	kernelEndFrame := pmm.FromAddress(mem.AlignUp(kernelEnd, uintptr(mem.PageSize)))

	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		// Bootloader-reclaimable regions (the multiboot info payload,
		// any loaded module images) are claimable at this point: Init
		// runs after kmain has finished everything it needs from the
		// multiboot structures, so nothing still reads them.
		if entry.Type != multiboot.MemAvailable && entry.Type != multiboot.MemBootloaderReclaimable {
			return true
		}

		startFrame := pmm.FromAddress(uintptr(entry.PhysAddress))
		frameCount := uint32(mem.Size(entry.Length) / mem.PageSize)
		if frameCount == 0 {
			return true
		}

		pool := framePool{
			startFrame: startFrame,
			frameCount: frameCount,
			refCount:   make([]atomic.Uint32, frameCount),
		}

		pfa.pools = append(pfa.pools, pool)
		pfa.totalFrames += uint64(frameCount)
		return true
	})

	if len(pfa.pools) == 0 {
		return &kernel.Error{Module: "pmm/allocator", Message: "bootloader reported no usable memory regions"}
	}

	// The null frame (physical address 0) must never be handed out; if a
	// pool happens to start there, mark it permanently reserved.
	pfa.reserveFrame(pmm.Frame(0))

	// Reserve every frame occupied by the kernel image so the allocator
	// never hands out memory the kernel itself is executing from.
	for f := kernelStartFrame; f < kernelEndFrame; f++ {
		pfa.reserveFrame(f)
	}

	// Every frame that is still free at this point has never passed
	// through FreeFrame and may still hold whatever the bootloader or
	// firmware left behind. Wipe each one now so AllocFrame's
	// always-zero guarantee holds from the very first allocation, not
	// just from the second reuse onward.
	for i := range pfa.pools {
		pool := &pfa.pools[i]
		for idx := uint32(0); idx < pool.frameCount; idx++ {
			if pool.refCount[idx].Load() == 0 {
				zeroFrameFn(pool.startFrame + pmm.Frame(idx))
			}
		}
	}

	early.Printf("pmm: %d pools, %d frames (%d MiB) usable\n", len(pfa.pools), pfa.totalFrames, (pfa.totalFrames*uint64(mem.PageSize))/uint64(mem.Mb))
	return nil
}

// poolFor returns the pool containing f, or nil if f does not belong to any
// known usable region.
func (a *bitmapAllocator) poolFor(f pmm.Frame) *framePool {
	for i := range a.pools {
		if a.pools[i].contains(f) {
			return &a.pools[i]
		}
	}
	return nil
}

// reserveFrame marks a frame as permanently in-use without going through the
// normal alloc accounting. Used only during Init for the kernel image and
// the null frame.
func (a *bitmapAllocator) reserveFrame(f pmm.Frame) {
	pool := a.poolFor(f)
	if pool == nil {
		return
	}
	idx := pool.indexOf(f)
	if pool.refCount[idx].CompareAndSwap(0, 1) {
		a.reservedFrames++
	}
}

// AllocFrame reserves and returns a single free physical frame. The
// returned frame's contents are guaranteed to be zero: the allocator relies
// on the invariant that every frame is wiped before it is returned to the
// free pool (see FreeFrame), so a freshly claimed frame never needs a
// redundant zero-fill.
//
// AllocFrame rotates its starting point across the combined frame space on
// every call so that repeated short-lived allocations do not all collide on
// the same cache lines.
func AllocFrame() (pmm.Frame, error) {
	frame, ok := pfa.alloc()
	if !ok {
		kernel.Panic(&kernel.Error{Module: "pmm/allocator", Message: "out of physical memory"})
	}
	return frame, nil
}

func (a *bitmapAllocator) alloc() (pmm.Frame, bool) {
	if a.totalFrames == 0 {
		return pmm.InvalidFrame, false
	}

	start := a.hint.Add(1) % a.totalFrames
	pos := start

	for scanned := uint64(0); scanned < a.totalFrames; scanned, pos = scanned+1, (pos+1)%a.totalFrames {
		pool, idx := a.locate(pos)
		if pool == nil {
			continue
		}

		if pool.refCount[idx].CompareAndSwap(0, 1) {
			return pool.startFrame + pmm.Frame(idx), true
		}
	}

	return pmm.InvalidFrame, false
}

// locate maps a global frame index (0..totalFrames) to the pool and
// in-pool index that owns it.
func (a *bitmapAllocator) locate(globalIndex uint64) (*framePool, uint32) {
	for i := range a.pools {
		count := uint64(a.pools[i].frameCount)
		if globalIndex < count {
			return &a.pools[i], uint32(globalIndex)
		}
		globalIndex -= count
	}
	return nil, 0
}

// FreeFrame releases a frame whose reference count is exactly 1. Freeing a
// frame with a refcount greater than 1 merely decrements the shared count;
// freeing an already-free frame (refcount 0) indicates a double-free bug
// and panics the kernel.
func FreeFrame(f pmm.Frame) error {
	pool := pfa.poolFor(f)
	if pool == nil {
		return errors.ErrInvalidParamValue
	}
	idx := pool.indexOf(f)

	for {
		cur := pool.refCount[idx].Load()
		switch cur {
		case 0:
			kernel.Panic(&kernel.Error{Module: "pmm/allocator", Message: "double free of physical frame"})
		case 1:
			if pool.refCount[idx].CompareAndSwap(1, 0) {
				zeroFrameFn(f)
				return nil
			}
		default:
			if pool.refCount[idx].CompareAndSwap(cur, cur-1) {
				return nil
			}
		}
	}
}

// ForkFrame records that f has gained an additional owner, as happens when a
// process forks and its address space's pages become copy-on-write shared
// with the child. The reference count saturates at 16 bits; once saturated,
// the caller (the VMM's fork path) is expected to eagerly copy the frame
// instead of sharing it further, since the count can no longer track any
// more owners.
func ForkFrame(f pmm.Frame) (saturated bool, err error) {
	pool := pfa.poolFor(f)
	if pool == nil {
		return false, errors.ErrInvalidParamValue
	}
	idx := pool.indexOf(f)

	for {
		cur := pool.refCount[idx].Load()
		if cur == 0 {
			kernel.Panic(&kernel.Error{Module: "pmm/allocator", Message: "fork of unreferenced physical frame"})
		}
		if cur >= maxRefCount {
			return true, nil
		}
		if pool.refCount[idx].CompareAndSwap(cur, cur+1) {
			return false, nil
		}
	}
}

// FaultCopy implements the copy-on-write page-fault path: if f is exclusively
// owned (refcount == 1) it is returned unchanged and may be remapped
// read-write in place. Otherwise a fresh frame is allocated, f's contents are
// duplicated into it, f's reference count is decremented by one to reflect
// the faulting address space no longer sharing it, and the new exclusive
// frame is returned.
func FaultCopy(f pmm.Frame) (pmm.Frame, error) {
	pool := pfa.poolFor(f)
	if pool == nil {
		return pmm.InvalidFrame, errors.ErrInvalidParamValue
	}
	idx := pool.indexOf(f)

	if pool.refCount[idx].Load() == 1 {
		return f, nil
	}

	dst, ok := pfa.alloc()
	if !ok {
		kernel.Panic(&kernel.Error{Module: "pmm/allocator", Message: "out of physical memory during copy-on-write fault"})
	}

	copyFrameFn(dst, f)

	for {
		cur := pool.refCount[idx].Load()
		if cur <= 1 {
			break
		}
		if pool.refCount[idx].CompareAndSwap(cur, cur-1) {
			break
		}
	}

	return dst, nil
}

// AllocContiguous reserves count contiguous, currently-free frames within a
// single pool and returns the first. It is used by the slab allocator's
// big-alloc path, which needs its header frame and data frames to form one
// physically contiguous run. Unlike AllocFrame, a failed attempt to claim
// the whole run releases any frames it had already reserved rather than
// leaking them back to a permanently-locked state.
func AllocContiguous(count uint32) (pmm.Frame, error) {
	if count == 0 {
		return pmm.InvalidFrame, errors.ErrInvalidParamValue
	}

	for i := range pfa.pools {
		if f, ok := pfa.pools[i].allocContiguous(count); ok {
			return f, nil
		}
	}

	kernel.Panic(&kernel.Error{Module: "pmm/allocator", Message: "out of contiguous physical memory"})
	return pmm.InvalidFrame, nil
}

func (p *framePool) allocContiguous(count uint32) (pmm.Frame, bool) {
	if count > p.frameCount {
		return pmm.InvalidFrame, false
	}

	for start := uint32(0); start+count <= p.frameCount; start++ {
		claimed := uint32(0)
		for claimed < count && p.refCount[start+claimed].CompareAndSwap(0, 1) {
			claimed++
		}

		if claimed == count {
			return p.startFrame + pmm.Frame(start), true
		}

		// Roll back whatever this attempt claimed before moving the
		// search window forward by one frame.
		for j := uint32(0); j < claimed; j++ {
			p.refCount[start+j].Store(0)
		}
	}

	return pmm.InvalidFrame, false
}

// FreeContiguous releases a run of count frames previously obtained from
// AllocContiguous. Each frame is freed independently, so a caller must not
// have shared any individual frame in the run via ForkFrame.
func FreeContiguous(base pmm.Frame, count uint32) error {
	for i := uint32(0); i < count; i++ {
		if err := FreeFrame(base + pmm.Frame(i)); err != nil {
			return err
		}
	}
	return nil
}

// RefCount returns the current reference count for a frame; it is exposed
// for diagnostics and tests and is not part of the steady-state fault path.
func RefCount(f pmm.Frame) uint32 {
	pool := pfa.poolFor(f)
	if pool == nil {
		return 0
	}
	return pool.refCount[pool.indexOf(f)].Load()
}

// Stats reports coarse allocator occupancy, used by the diagnostics console
// command and by tests.
func Stats() (total, reserved uint64) {
	return pfa.totalFrames, pfa.reservedFrames
}
