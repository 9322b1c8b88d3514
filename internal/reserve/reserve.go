// Package reserve implements the bump allocator used before the real page
// frame allocator (internal/pfa) is ready: a linear cursor over a fixed
// physical range, handed out one page at a time and never freed. It is
// grounded on gopher-os's allocator.BootMemAllocator (kernel/mem/pmm/
// allocator/bootmem.go) and on the reserve-allocator fallback path in the
// source kernel's map_getpage, which calls into the boot allocator whenever
// the PFA reports itself not yet initialized.
package reserve

import (
	"sync"

	"pmapos/internal/kernelerr"
	"pmapos/internal/mem"
)

// Allocator is a bump allocator over [start, end) physical addresses.
// Unlike the real PFA it never reclaims a frame; it exists solely to get
// the kernel through bootstrap before the PFA has a free list to draw
// from.
type Allocator struct {
	mu      sync.Mutex
	next    mem.PAddr
	end     mem.PAddr
	handoff bool // set once Handoff is called; further Alloc calls panic
}

// New creates an Allocator serving pages out of [start, end), both of
// which must be page-aligned.
func New(start, end mem.PAddr) *Allocator {
	kernelerr.Assert("reserve", start.Aligned() && end.Aligned(), "reserve range must be page-aligned")
	kernelerr.Assert("reserve", start <= end, "reserve range must not end before it starts")
	return &Allocator{next: start, end: end}
}

// Alloc returns the next frame in the range, or kernelerr.ENOMEM if the
// range is exhausted. Alloc after Handoff panics: once the PFA takes over,
// continuing to hand out frames from the boot range would let two
// allocators believe they own the same page.
func (a *Allocator) Alloc() (mem.Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	kernelerr.Assert("reserve", !a.handoff, "reserve allocator used after handoff to pfa")
	if a.next >= a.end {
		return mem.InvalidFrame, kernelerr.ENOMEM
	}
	f := mem.FrameFromAddr(a.next)
	a.next += mem.PageSize
	return f, nil
}

// Remaining reports how many frames are left unallocated, used by
// bootstrap to log how much of the reserve range the early init steps
// consumed.
func (a *Allocator) Remaining() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next >= a.end {
		return 0
	}
	return int((a.end - a.next) / mem.PageSize)
}

// Handoff marks the allocator retired. Bootstrap calls this right after
// the PFA reports Ready(), matching the source kernel's pmm_initialized
// flag flip in pmm_init_late.
func (a *Allocator) Handoff() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handoff = true
}
