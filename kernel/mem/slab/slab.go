// Package slab implements the kernel heap: a lock-free, per-size-class
// object cache backed by the physical frame allocator, plus a big-alloc
// bypass for requests larger than the biggest size class.
//
// Each size class keeps its free list as a single atomic word: the address
// of the top block, with bit 0 borrowed as a spinlock. Every block address
// handed out is at least 8-byte aligned, so bit 0 is otherwise always zero
// and free for this purpose — no separate lock word, and no ABA-prone bare
// CAS loop over raw addresses, is needed.
package slab

import (
	"sync/atomic"
	"unsafe"

	"hyperion/kernel"
	"hyperion/kernel/mem"
	"hyperion/kernel/mem/pmm"
)

// sizeClasses enumerates every slab size class, smallest first.
var sizeClasses = [...]mem.Size{8, 16, 32, 48, 64, 96, 128, 192, 256, 384, 512, 768, 1024}

// wordSize is the width of both the free-list "next" link stored in a free
// block and the one-word header written at the start of every slab page.
const wordSize = mem.Size(unsafe.Sizeof(uintptr(0)))

const lockBit = uintptr(1)

// bigAllocMagic tags the header frame of a big alloc so Free can recognise
// and validate it; a mismatch here is a fatal corruption, not a recoverable
// error, since it means a caller freed a bogus or already-freed pointer.
const bigAllocMagic = uintptr(0xB16A110C)

// peekWordFn and pokeWordFn read and write a single machine word at an
// arbitrary virtual address. Every free-list link and every slab/big-alloc
// header goes through them, rather than a raw unsafe.Pointer dereference
// inline, so tests can exercise the class bookkeeping against a fake
// in-process byte arena instead of needing a real physical direct map.
var (
	peekWordFn = realPeekWord
	pokeWordFn = realPokeWord

	// panicFn is mocked by tests so a fatal-invariant path can be observed
	// without halting the test process the way the real kernel.Panic would.
	panicFn = kernel.Panic
)

func realPeekWord(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func realPokeWord(addr uintptr, value uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = value
}

// FrameAllocFn and FrameFreeFn mirror the PFA's single-frame alloc/free
// signatures; BigFrameAllocFn/BigFrameFreeFn mirror its contiguous-run
// counterparts used only by the big-alloc path.
type (
	FrameAllocFn    func() (pmm.Frame, error)
	FrameFreeFn     func(pmm.Frame) error
	BigFrameAllocFn func(count uint32) (pmm.Frame, error)
	BigFrameFreeFn  func(base pmm.Frame, count uint32) error
)

var (
	frameAllocFn    FrameAllocFn
	frameFreeFn     FrameFreeFn
	bigFrameAllocFn BigFrameAllocFn
	bigFrameFreeFn  BigFrameFreeFn
)

// SetFrameAllocator wires the slab allocator to the physical frame
// allocator, normally kernel/mem/pmm/allocator's AllocFrame/FreeFrame and
// AllocContiguous/FreeContiguous.
func SetFrameAllocator(alloc FrameAllocFn, free FrameFreeFn, allocContig BigFrameAllocFn, freeContig BigFrameFreeFn) {
	frameAllocFn = alloc
	frameFreeFn = free
	bigFrameAllocFn = allocContig
	bigFrameFreeFn = freeContig
}

// class is a single size class's lock-free free list.
type class struct {
	size mem.Size
	head atomic.Uintptr
}

var classes [len(sizeClasses)]class

func init() {
	for i, sz := range sizeClasses {
		classes[i].size = sz
	}
}

// classFor returns the index of the smallest class able to hold size, or
// ok=false if size exceeds the largest class and must go through the
// big-alloc path instead.
func classFor(size mem.Size) (idx int, ok bool) {
	for i, sz := range sizeClasses {
		if sz >= size {
			return i, true
		}
	}
	return -1, false
}

// lock spins until it can set the class's lock bit, returning the unlocked
// head value it observed.
func (c *class) lock() uintptr {
	for {
		old := c.head.Load()
		if old&lockBit != 0 {
			continue
		}
		if c.head.CompareAndSwap(old, old|lockBit) {
			return old
		}
	}
}

// push returns a freed block to the top of the free list.
func (c *class) push(addr uintptr) {
	old := c.lock()
	pokeWordFn(addr, old)
	c.head.Store(addr) // addr is word-aligned: bit 0 is 0, releasing the lock.
}

// pop removes and returns the top block of the free list, or ok=false if it
// is empty.
func (c *class) pop() (addr uintptr, ok bool) {
	old := c.lock()
	if old == 0 {
		c.head.Store(0)
		return 0, false
	}
	next := peekWordFn(old)
	c.head.Store(next)
	return old, true
}

// Alloc returns a block of at least size bytes. Requests within the largest
// size class are served from that class's free list, refilling it from a
// fresh frame if necessary; larger requests go through the big-alloc path.
func Alloc(size mem.Size) (uintptr, *kernel.Error) {
	if size == 0 {
		size = 1
	}

	idx, ok := classFor(size)
	if !ok {
		return allocBig(size)
	}

	cls := &classes[idx]
	if addr, ok := cls.pop(); ok {
		return addr, nil
	}
	return refill(idx)
}

// refill requisitions a fresh frame for class idx: the frame's first word
// becomes a header recording the class index, and every remaining block in
// the page is linked into the class's free list. The block carved out for
// the triggering allocation is returned directly rather than being pushed
// and immediately popped again.
func refill(idx int) (uintptr, *kernel.Error) {
	if frameAllocFn == nil {
		return 0, &kernel.Error{Module: "mem/slab", Message: "no frame allocator registered"}
	}

	f, err := frameAllocFn()
	if err != nil {
		return 0, &kernel.Error{Module: "mem/slab", Message: err.Error()}
	}

	cls := &classes[idx]
	base := f.DirectAddress()
	pokeWordFn(base, uintptr(idx))

	blockSize := uintptr(cls.size)
	first := base + uintptr(wordSize)
	count := (uintptr(mem.PageSize) - uintptr(wordSize)) / blockSize

	for i := count - 1; i >= 1; i-- {
		cls.push(first + i*blockSize)
	}

	return first, nil
}

// Free returns ptr, previously obtained from Alloc, to its owning class
// (or, for a big alloc, back to the physical frame allocator).
func Free(ptr uintptr) *kernel.Error {
	if ptr%uintptr(mem.PageSize) == 0 {
		return freeBig(ptr)
	}

	base := ptr &^ (uintptr(mem.PageSize) - 1)
	idx := peekWordFn(base)
	if idx >= uintptr(len(sizeClasses)) {
		panicFn(&kernel.Error{Module: "mem/slab", Message: "slab header corrupted: invalid size class"})
		return &kernel.Error{Module: "mem/slab", Message: "slab header corrupted: invalid size class"}
	}

	classes[idx].push(ptr)
	return nil
}

// allocBig serves a request larger than the biggest slab class with
// ceil(size/PageSize)+1 contiguous frames: the leading frame stores a magic
// and page-count header, and the returned pointer is the page immediately
// after it, so a caller never has to know about the header at all.
func allocBig(size mem.Size) (uintptr, *kernel.Error) {
	if bigFrameAllocFn == nil {
		return 0, &kernel.Error{Module: "mem/slab", Message: "no contiguous frame allocator registered"}
	}

	dataPages := size.Pages()
	totalPages := dataPages + 1

	base, err := bigFrameAllocFn(totalPages)
	if err != nil {
		return 0, &kernel.Error{Module: "mem/slab", Message: err.Error()}
	}

	headerAddr := base.DirectAddress()
	pokeWordFn(headerAddr, bigAllocMagic)
	pokeWordFn(headerAddr+uintptr(wordSize), uintptr(totalPages))

	return headerAddr + uintptr(mem.PageSize), nil
}

// freeBig validates and releases a big alloc back to the physical frame
// allocator. A magic mismatch means ptr was never a big alloc's data page,
// or the header has already been corrupted by a double free; either is a
// fatal kernel invariant violation.
func freeBig(ptr uintptr) *kernel.Error {
	headerAddr := ptr - uintptr(mem.PageSize)
	magic := peekWordFn(headerAddr)
	if magic != bigAllocMagic {
		panicFn(&kernel.Error{Module: "mem/slab", Message: "big-alloc header magic mismatch"})
		return &kernel.Error{Module: "mem/slab", Message: "big-alloc header magic mismatch"}
	}

	totalPages := uint32(peekWordFn(headerAddr + uintptr(wordSize)))
	pokeWordFn(headerAddr, 0) // scrub the magic so a double free is caught above.

	if bigFrameFreeFn == nil {
		return &kernel.Error{Module: "mem/slab", Message: "no contiguous frame allocator registered"}
	}
	base := pmm.FromAddress(headerAddr - pmm.DirectMapBase)
	if err := bigFrameFreeFn(base, totalPages); err != nil {
		return &kernel.Error{Module: "mem/slab", Message: err.Error()}
	}
	return nil
}
