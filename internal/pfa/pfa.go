// Package pfa is the page frame allocator: the post-bootstrap free-list
// allocator that internal/reserve hands off to once it reports Ready.
// It is grounded on gopher-os's allocator.BitmapAllocator
// (kernel/mem/pmm/allocator/bitmap_allocator.go), which tracks free frames
// as a set of fixed-size bitmap pools, and on biscuit's per-CPU freelist
// overlay in mem.go's Physmem_t (percpu [...]pcpuphys_t, _pcpu_new/
// _pcpu_put), generalized here to a single shared free list guarded by a
// mutex since this module does not model multiple cores.
package pfa

import (
	"sync"

	"pmapos/internal/kernelerr"
	"pmapos/internal/mem"
)

// Allocator is the interface internal/pmap and internal/bootstrap depend
// on, so tests can substitute a fake without a real bitmap or arena.
type Allocator interface {
	Alloc(flags mem.MFlags) (mem.Frame, error)
	Free(f mem.Frame)
	Ready() bool
}

const wordBits = 64

// BitmapAllocator tracks free frames in [base, base+n) with one bit per
// frame: 1 means free. It is the Go analogue of gopher-os's
// BitmapAllocator, minus the multi-pool split (this module only ever
// models one contiguous physical range).
type BitmapAllocator struct {
	mu      sync.Mutex
	base    uint64 // starting page-frame number
	n       uint64 // number of frames tracked
	bitmap  []uint64
	freeCnt uint64
	ready   bool

	// zeroFrame is called to satisfy the MZero allocation flag. It is a
	// function variable, the gopher-os hardware-seam idiom, so tests can
	// intercept zeroing without a real physmem arena.
	zeroFrame func(mem.Frame) error
}

// New builds a BitmapAllocator covering n frames starting at the frame
// containing base, all initially free. zeroFrame may be nil, in which case
// MZero allocations are simply not zeroed (tests that don't care about
// content commonly do this).
func New(base mem.PAddr, n uint64, zeroFrame func(mem.Frame) error) *BitmapAllocator {
	words := (n + wordBits - 1) / wordBits
	bm := &BitmapAllocator{
		base:      base.PFN(),
		n:         n,
		bitmap:    make([]uint64, words),
		freeCnt:   n,
		zeroFrame: zeroFrame,
	}
	for i := range bm.bitmap {
		bm.bitmap[i] = ^uint64(0)
	}
	if n%wordBits != 0 {
		// Clear the high bits in the last word beyond n, so they don't
		// look free.
		tail := n % wordBits
		bm.bitmap[len(bm.bitmap)-1] = (uint64(1) << tail) - 1
	}
	return bm
}

// MarkReady flips the readiness flag bootstrap checks before retiring
// internal/reserve, mirroring the source kernel's pmm_init_late setting
// pmm_initialized = true only after the allocator's own state is sound.
func (bm *BitmapAllocator) MarkReady() {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.ready = true
}

// Ready reports whether the allocator has been marked ready for use.
func (bm *BitmapAllocator) Ready() bool {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.ready
}

func (bm *BitmapAllocator) findFree() (uint64, bool) {
	for wi, w := range bm.bitmap {
		if w == 0 {
			continue
		}
		bit := trailingZeros64(w)
		idx := uint64(wi)*wordBits + uint64(bit)
		if idx >= bm.n {
			continue
		}
		return idx, true
	}
	return 0, false
}

func trailingZeros64(w uint64) int {
	if w == 0 {
		return 64
	}
	n := 0
	for w&1 == 0 {
		w >>= 1
		n++
	}
	return n
}

// Alloc reserves and returns one free frame, honoring MZero if a
// zeroFrame hook was supplied. Returns ENOMEM if no frame is free.
func (bm *BitmapAllocator) Alloc(flags mem.MFlags) (mem.Frame, error) {
	bm.mu.Lock()
	idx, ok := bm.findFree()
	if !ok {
		bm.mu.Unlock()
		return mem.InvalidFrame, kernelerr.ENOMEM
	}
	bm.bitmap[idx/wordBits] &^= 1 << (idx % wordBits)
	bm.freeCnt--
	bm.mu.Unlock()

	f := mem.FrameFromPFN(bm.base + idx)
	if flags&mem.MZero != 0 && bm.zeroFrame != nil {
		if err := bm.zeroFrame(f); err != nil {
			return mem.InvalidFrame, err
		}
	}
	return f, nil
}

// Free returns f to the pool. Double-free is a programming error and
// panics rather than silently corrupting the free count, matching the
// defensive bug_on-style checks the source kernel sprinkles through
// pmm.c's frame bookkeeping.
func (bm *BitmapAllocator) Free(f mem.Frame) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	idx := f.PFN() - bm.base
	kernelerr.Assert("pfa", idx < bm.n, "free of frame outside managed range")
	word, bit := idx/wordBits, idx%wordBits
	kernelerr.Assert("pfa", bm.bitmap[word]&(1<<bit) == 0, "double free of frame")
	bm.bitmap[word] |= 1 << bit
	bm.freeCnt++
}

// FreeCount reports how many frames remain unallocated, used by
// internal/diag's leak-check harness.
func (bm *BitmapAllocator) FreeCount() uint64 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.freeCnt
}
