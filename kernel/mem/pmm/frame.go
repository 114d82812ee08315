// Package pmm defines the physical frame handle shared by the bitmap
// allocator and the virtual memory manager.
package pmm

import (
	"math"

	"hyperion/kernel/mem"
)

// Frame identifies a 4 KiB physical page by its frame number (physical
// address >> mem.PageShift). Frame 0 is the null frame and is never handed
// out by the allocator.
type Frame uint64

// InvalidFrame is returned by allocators when they fail to reserve a frame.
const InvalidFrame = Frame(math.MaxUint64)

// DirectMapBase is the virtual address at which the bootloader (or the
// earliest boot glue) identity-aliases all physical memory, one byte per
// physical byte, 1:1. Every page map shares this mapping (see
// kernel/mem/vmm), which lets the PFA and the page-table walker touch
// arbitrary physical frames without ever needing a temporary mapping.
const DirectMapBase = uintptr(0xFFFF_8000_0000_0000)

// DirectAddress returns the virtual address at which this frame's contents
// can be read or written through the higher-half direct map.
func (f Frame) DirectAddress() uintptr {
	return DirectMapBase + f.Address()
}

// IsValid returns true if this is not the sentinel InvalidFrame.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns the physical base address of this frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FromAddress returns the Frame containing the given physical address,
// rounding down to the nearest frame boundary.
func FromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}
