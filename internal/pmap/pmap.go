// Package pmap implements the PMAP engine: create/destroy/map/unmap/copy
// operations over a radix page-table tree. It generalizes biscuit's
// mem.Pmap_t + vm.Vm_t pairing (mem.go's Pmap_new/Dec_pmap reference
// counting, as.go's Page_insert/Page_remove/_page_insert leaf-install
// logic, Lock_pmap/Unlock_pmap/Lockassert_pmap locking) to the source
// kernel's level-count-polymorphic copy/walk algorithm in
// arch/x86_common/mm/pmm.c (pmm_map, pmm_copy, copy_pgd/copy_pud/
// copy_pmd/copy_pte, pmm_destroy, pmm_getmap).
package pmap

import (
	"fmt"
	"sync"

	"pmapos/internal/archlayout"
	"pmapos/internal/kernelerr"
	"pmapos/internal/klog"
	"pmapos/internal/mem"
	"pmapos/internal/pfa"
	"pmapos/internal/physmem"
	"pmapos/internal/reserve"
	"pmapos/internal/slab"
)

var log = klog.For("pmap")

// maxDepth bounds the recursive walk, the Go analogue of the source
// kernel's PMM_MAX_DEPTH panic guard in pmm_map. It is deliberately larger
// than any real Layout.Depth() so it only fires on a genuine runaway
// recursion (e.g. a Layout bug that never reaches the leaf).
const maxDepth = 8

// Allocators groups the two frame sources a Pmap draws from: the PFA when
// ready, falling back to the bootstrap reserve allocator otherwise. This
// mirrors map_getpage's "pfa ready? then pfa_alloc : reserve_alloc" branch.
type Allocators struct {
	PFA     pfa.Allocator
	Reserve *reserve.Allocator
}

func (a Allocators) alloc(flags mem.MFlags) (mem.Frame, error) {
	if a.PFA != nil && a.PFA.Ready() {
		return a.PFA.Alloc(flags)
	}
	if a.Reserve != nil {
		return a.Reserve.Alloc()
	}
	return mem.InvalidFrame, kernelerr.ENOMEM
}

func (a Allocators) free(f mem.Frame) {
	if a.PFA != nil && a.PFA.Ready() {
		a.PFA.Free(f)
	}
	// Frames handed out by the reserve allocator are never freed; it has
	// no free list, matching the source kernel's boot allocator.
}

// Pmap is one page-table tree plus its bookkeeping: reference count,
// backing allocators, and the lock every mutating operation must hold.
// Lock/Unlock/AssertLocked mirror vm.Vm_t's Lock_pmap/Unlock_pmap/
// Lockassert_pmap exactly, down to the "pmap locking is the caller's
// responsibility, not this type's" division of labor.
type Pmap struct {
	mu sync.Mutex

	layout archlayout.Layout
	arena  *physmem.Arena
	alloc  *Allocators

	root    mem.PAddr
	refcnt  int32
	destroy bool // once Destroy completes, further calls panic
}

// LockPmap acquires the pmap's lock. Callers must pair every LockPmap with
// an UnlockPmap; Map/Unmap/SetProt/Copy/GetMap all assume the caller
// already holds it, the same convention as vm.Vm_t's pmap operations.
func (p *Pmap) LockPmap() { p.mu.Lock() }

// UnlockPmap releases the lock acquired by LockPmap.
func (p *Pmap) UnlockPmap() { p.mu.Unlock() }

// AssertLocked panics if the lock is currently free, the Go analogue of
// vm.Vm_t.Lockassert_pmap (which relies on sync.Mutex's internal state;
// this version uses a TryLock probe since that state isn't exported).
func (p *Pmap) AssertLocked() {
	if p.mu.TryLock() {
		p.mu.Unlock()
		kernelerr.Panic(&kernelerr.KernelError{Module: "pmap", Message: "operation requires the pmap lock held"})
	}
}

// pmapCache is the object cache every Create draws its *Pmap shell from,
// the analogue of biscuit's Pmap_new pulling from a freelist instead of
// allocating a fresh Go object on every call. Put, not the garbage
// collector, is what recycles a destroyed pmap's shell.
var pmapCache = slab.New(func() *Pmap { return &Pmap{} }, nil)

// Create allocates a fresh root table and returns a Pmap with refcount 1,
// the analogue of pmm_create / mem.Pmap_new. It requires late init to be
// complete (the PFA marked ready): using create beforehand is one of the
// source kernel's Fatal conditions, so this panics rather than returning an
// error. The bootstrap driver's own root pmap necessarily exists before the
// PFA is ready, so it calls CreateBootstrapRoot instead of this function.
func Create(layout archlayout.Layout, arena *physmem.Arena, alloc *Allocators) (*Pmap, error) {
	if alloc.PFA == nil || !alloc.PFA.Ready() {
		kernelerr.Panic(&kernelerr.KernelError{Module: "pmap", Message: "create called before late init (PFA not ready)"})
	}
	return create(layout, arena, alloc)
}

// CreateBootstrapRoot builds the initial kernel pmap during the bootstrap
// driver's own early steps, deliberately sequenced around Create's
// late-init gate: at this point in pmm_init the PFA does not exist yet, so
// the pmap is built straight off the reserve allocator instead. Only
// internal/bootstrap should call this.
func CreateBootstrapRoot(layout archlayout.Layout, arena *physmem.Arena, alloc *Allocators) (*Pmap, error) {
	return create(layout, arena, alloc)
}

func create(layout archlayout.Layout, arena *physmem.Arena, alloc *Allocators) (*Pmap, error) {
	root, err := alloc.alloc(mem.MKernel | mem.MZero)
	if err != nil {
		return nil, err
	}
	if err := arena.Zero(root.Address()); err != nil {
		return nil, err
	}
	p := pmapCache.Get()
	p.layout = layout
	p.arena = arena
	p.alloc = alloc
	p.root = root.Address()
	p.refcnt = 1
	p.destroy = false
	return p, nil
}

// Reference increments the pmap's reference count, the analogue of
// pmm_reference. Callers typically call this when installing the same
// pmap into a second owning context (e.g. a forked address space sharing
// kernel mappings).
func (p *Pmap) Reference() {
	p.mu.Lock()
	defer p.mu.Unlock()
	kernelerr.Assert("pmap", !p.destroy, "reference on a destroyed pmap")
	p.refcnt++
}

// RootAddr returns the physical address of the root table, consumed by
// Activate and internal/bootstrap's TLB-load step.
func (p *Pmap) RootAddr() mem.PAddr { return p.root }

func (p *Pmap) readTable(pa mem.PAddr) (*mem.Table, error) { return p.arena.ReadTable(pa) }
func (p *Pmap) writeTable(pa mem.PAddr, t *mem.Table) error { return p.arena.WriteTable(pa, t) }

// tableOrAlloc returns the table a non-leaf entry points to, allocating
// and linking a fresh one on demand if the entry was empty. This is the
// generalized pgd_map/pud_map/pmd_map chain: each level walks to its
// child, creating the child table the first time a mapping needs it.
func (p *Pmap) tableOrAlloc(parent *mem.Table, idx int, depth int) (mem.PAddr, error) {
	if depth > maxDepth {
		kernelerr.Panic(&kernelerr.KernelError{Module: "pmap", Message: fmt.Sprintf("walk exceeded max depth %d", maxDepth)})
	}
	e := parent[idx]
	if e.Present() {
		return e.Addr(), nil
	}
	f, err := p.alloc.alloc(mem.MKernel | mem.MZero)
	if err != nil {
		return 0, err
	}
	if err := p.arena.Zero(f.Address()); err != nil {
		return 0, err
	}
	parent[idx] = mem.Entry(f.Address()) | mem.KernelTableFlags
	return f.Address(), nil
}

// walk descends the tree from the root to the leaf table that would
// contain va's mapping, allocating intermediate tables along the way if
// create is true. It returns the leaf table, its physical address (so the
// caller can write it back), and the leaf index.
func (p *Pmap) walk(va uintptr, create bool) (leaf *mem.Table, leafAddr mem.PAddr, idx int, err error) {
	cur := p.root
	depth := 0
	levels := p.layout.Levels()
	for i, level := range levels {
		depth++
		if depth > maxDepth {
			kernelerr.Panic(&kernelerr.KernelError{Module: "pmap", Message: fmt.Sprintf("walk exceeded max depth %d", maxDepth)})
		}
		tbl, err := p.readTable(cur)
		if err != nil {
			return nil, 0, 0, err
		}
		li := p.layout.IndexOf(va, level)
		if i == len(levels)-1 {
			return tbl, cur, li, nil
		}
		if !tbl[li].Present() {
			if !create {
				return nil, 0, 0, kernelerr.EINVAL
			}
			next, err := p.tableOrAlloc(tbl, li, depth)
			if err != nil {
				return nil, 0, 0, err
			}
			if err := p.writeTable(cur, tbl); err != nil {
				return nil, 0, 0, err
			}
			cur = next
			continue
		}
		cur = tbl[li].Addr()
	}
	return nil, 0, 0, kernelerr.EINVAL
}

// Map installs a single leaf mapping from va to the frame at pa with the
// given allocation and protection flags, allocating intermediate tables as
// needed. This is the generalized pte_map/pmd_map/pud_map/pgd_map chain
// collapsed into one depth-bounded loop (pmm_map in the source kernel). If
// mflags carries MZero, the mapped page (not the intermediate tables, which
// tableOrAlloc always zeroes regardless) is zero-filled after the leaf
// entry is installed.
func (p *Pmap) Map(va uintptr, pa mem.PAddr, mflags mem.MFlags, pflags mem.PFlags) error {
	p.AssertLocked()
	if mem.BadPFlags(pflags) {
		return kernelerr.EINVAL
	}
	leaf, leafAddr, idx, err := p.walk(va, true)
	if err != nil {
		return err
	}
	leaf[idx] = mem.Entry(pa.RoundDown()) | mem.FlagPresent | mem.ToEntryFlags(pflags)
	if err := p.writeTable(leafAddr, leaf); err != nil {
		return err
	}
	if mflags&mem.MZero != 0 {
		if err := p.arena.Zero(pa.RoundDown()); err != nil {
			return err
		}
	}
	return nil
}

// MapRange maps n consecutive pages starting at va to pa, pa+PageSize,
// ... . It stops and returns the first error encountered; pages already
// installed before the failure are left mapped, matching the source
// kernel's map_region which does not unwind partial ranges on failure.
func (p *Pmap) MapRange(va uintptr, pa mem.PAddr, n int, mflags mem.MFlags, pflags mem.PFlags) error {
	p.AssertLocked()
	for i := 0; i < n; i++ {
		off := uintptr(i) * mem.PageSize
		if err := p.Map(va+off, pa+mem.PAddr(off), mflags, pflags); err != nil {
			return err
		}
	}
	return nil
}

// Unmap clears the leaf entry for va, if any. Absence of a mapping is not
// an error (pmm_unmap silently no-ops on an already-empty entry).
func (p *Pmap) Unmap(va uintptr) error {
	p.AssertLocked()
	leaf, leafAddr, idx, err := p.walk(va, false)
	if err == kernelerr.EINVAL {
		return nil
	}
	if err != nil {
		return err
	}
	leaf[idx] = 0
	return p.writeTable(leafAddr, leaf)
}

// SetProt updates the protection flags on an existing leaf mapping,
// preserving its physical address. Misaligned va or bad pflags are
// silently ignored, matching pmm_setprot's no-op-on-bad-input behavior
// rather than returning an error.
func (p *Pmap) SetProt(va uintptr, pflags mem.PFlags) {
	p.AssertLocked()
	if uintptr(va)%mem.PageSize != 0 || mem.BadPFlags(pflags) {
		return
	}
	leaf, leafAddr, idx, err := p.walk(va, false)
	if err != nil || !leaf[idx].Present() {
		return
	}
	leaf[idx] = mem.Entry(leaf[idx].Addr()) | mem.FlagPresent | mem.ToEntryFlags(pflags)
	p.writeTable(leafAddr, leaf)
}

// GetMap returns the physical address and protection-derived entry
// currently mapped at va, and whether any mapping exists at all
// (pmm_getmap). A PROTNONE placeholder left by Copy counts as a mapping:
// it is reported with its frame address and its non-present entry.
func (p *Pmap) GetMap(va uintptr) (mem.PAddr, mem.Entry, bool) {
	p.AssertLocked()
	leaf, _, idx, err := p.walk(va, false)
	if err != nil || (!leaf[idx].Present() && !leaf[idx].IsProtNone()) {
		return 0, 0, false
	}
	return leaf[idx].Addr(), leaf[idx], true
}

// Activate is the boundary between this package's simulated tables and
// the hardware MMU: it would load the root table's physical address into
// CR3. Modeled as a function variable, gopher-os's hardware-seam idiom,
// so tests can observe activation without executing a privileged
// instruction.
var Activate = func(p *Pmap) error {
	p.AssertLocked()
	if p.root == 0 {
		// pmm_activate no-ops on an uninitialized pgdir, matching the
		// source kernel's guard against activating a half-built pmap.
		return nil
	}
	log.WithField("root", fmt.Sprintf("%#x", uint64(p.root))).Debug("activate")
	return LoadCR3(p.root)
}

// LoadCR3 is the actual privileged write; swappable for tests (and, on
// real hardware, the only function in this file that would need to
// become architecture assembly).
var LoadCR3 = func(root mem.PAddr) error {
	return nil
}

// Destroy tears down every table owned exclusively by p (refcnt reaching
// zero), in the analogue of pmm_destroy: recursively frees child tables,
// skipping any subtree whose entry is a shared PROTNONE placeholder left
// by a prior Copy. Before any freeing happens it asserts the precondition
// the source kernel states for pmm_destroy: no leaf entry may still be a
// live, hardware-present mapping. PROTNONE placeholders don't count (they
// carry no access and are exactly what Copy leaves behind), but a page a
// caller actually Map'd and never Unmap'd does, and destroying over it is a
// Fatal condition, not a quiet leak.
func (p *Pmap) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	kernelerr.Assert("pmap", !p.destroy, "double destroy of pmap")
	p.refcnt--
	if p.refcnt > 0 {
		return nil
	}
	live, err := p.hasLiveLeaf(p.root, p.layout.Levels(), 0)
	if err != nil {
		return err
	}
	kernelerr.Assert("pmap", !live, "destroy of pmap that still holds leaf mappings")
	if err := p.destroySubtree(p.root, p.layout.Levels(), 0); err != nil {
		return err
	}
	p.destroy = true
	pmapCache.Put(p)
	return nil
}

// hasLiveLeaf reports whether any leaf slot reachable from addr is a real,
// hardware-present mapping (FlagPresent set) rather than empty or a
// PROTNONE placeholder.
func (p *Pmap) hasLiveLeaf(addr mem.PAddr, levels []archlayout.Level, depth int) (bool, error) {
	if depth > maxDepth {
		kernelerr.Panic(&kernelerr.KernelError{Module: "pmap", Message: "live-leaf check exceeded max depth"})
	}
	tbl, err := p.readTable(addr)
	if err != nil {
		return false, err
	}
	leaf := depth == len(levels)-1
	for _, e := range tbl {
		if !e.Present() {
			continue
		}
		if leaf {
			return true, nil
		}
		live, err := p.hasLiveLeaf(e.Addr(), levels, depth+1)
		if err != nil {
			return false, err
		}
		if live {
			return true, nil
		}
	}
	return false, nil
}

func (p *Pmap) destroySubtree(addr mem.PAddr, levels []archlayout.Level, depth int) error {
	if depth > maxDepth {
		kernelerr.Panic(&kernelerr.KernelError{Module: "pmap", Message: "destroy exceeded max depth"})
	}
	if len(levels) == 0 {
		return nil
	}
	tbl, err := p.readTable(addr)
	if err != nil {
		return err
	}
	if depth < len(levels)-1 {
		for _, e := range tbl {
			if e.Present() {
				if err := p.destroySubtree(e.Addr(), levels, depth+1); err != nil {
					return err
				}
			}
		}
	}
	p.alloc.free(mem.FrameFromAddr(addr))
	return nil
}

// Copy builds a new pmap sharing the same mapped leaves via PROTNONE
// placeholders at the boundary, and genuinely duplicating intermediate
// tables, per the source kernel's copy_pgd/copy_pud/copy_pmd/copy_pte.
// On allocation failure partway through, only tables allocated by this
// Copy call at the SAME depth as the failure are torn down; tables
// already attached to dst at shallower depths are left in place and the
// caller must call dst.Destroy() to clean them up, matching pmm_copy's
// asymmetric unwind rule exactly.
func (p *Pmap) Copy() (*Pmap, error) {
	p.AssertLocked()
	dst, err := Create(p.layout, p.arena, p.alloc)
	if err != nil {
		return nil, err
	}
	dst.mu.Lock()
	defer dst.mu.Unlock()
	if err := p.copySubtree(p.root, dst.root, p.layout.Levels(), 0); err != nil {
		return dst, err
	}
	return dst, nil
}

func (p *Pmap) copySubtree(srcAddr, dstAddr mem.PAddr, levels []archlayout.Level, depth int) error {
	if depth > maxDepth {
		kernelerr.Panic(&kernelerr.KernelError{Module: "pmap", Message: "copy exceeded max depth"})
	}
	src, err := p.readTable(srcAddr)
	if err != nil {
		return err
	}
	dst, err := p.readTable(dstAddr)
	if err != nil {
		return err
	}
	leaf := depth == len(levels)-1
	for i, e := range src {
		if !e.Present() {
			continue
		}
		if leaf {
			// Leaves are shared via PROTNONE: the new pmap can see the
			// same physical frame is occupied, but not read or write it,
			// until a real fault/remap handler (out of this module's
			// scope) upgrades it.
			dst[i] = mem.ProtNone | mem.Entry(e.Addr())
			continue
		}
		childFrame, ferr := p.alloc.alloc(mem.MKernel | mem.MZero)
		if ferr != nil {
			// Same-depth-only unwind: undo entries written at this depth
			// in this call, then report failure. Shallower levels
			// (already linked into dst) are left for the caller to
			// clean up via dst.Destroy().
			for j := 0; j < i; j++ {
				if dst[j].Present() && !dst[j].IsProtNone() {
					p.alloc.free(mem.FrameFromAddr(dst[j].Addr()))
					dst[j] = 0
				}
			}
			p.writeTable(dstAddr, dst)
			return ferr
		}
		if err := p.arena.Zero(childFrame.Address()); err != nil {
			return err
		}
		dst[i] = mem.Entry(childFrame.Address()) | mem.KernelTableFlags
		if err := p.writeTable(dstAddr, dst); err != nil {
			return err
		}
		if err := p.copySubtree(e.Addr(), childFrame.Address(), levels, depth+1); err != nil {
			return err
		}
		// re-read dst since the recursive call may have mutated other
		// slots in deeper tables, not this one; dst itself is untouched
		// below this point but kept in sync for the next loop iteration.
		dst, err = p.readTable(dstAddr)
		if err != nil {
			return err
		}
	}
	return p.writeTable(dstAddr, dst)
}

// The following operations are declared by the source kernel's pmm.c but
// never implemented there (each body is `panic("TODO")`); this module
// preserves that as an explicit sentinel error rather than silently
// no-opping, so callers and tests can distinguish "not built" from "ran
// and found nothing".

// IsModified reports whether va's mapping has been written to.
func (p *Pmap) IsModified(va uintptr) (bool, error) {
	return false, kernelerr.ErrUnimplemented("pmap", "is_modified")
}

// ClearModify clears the dirty bit on va's mapping.
func (p *Pmap) ClearModify(va uintptr) error {
	return kernelerr.ErrUnimplemented("pmap", "clear_modify")
}

// IsReferenced reports whether va's mapping has been accessed.
func (p *Pmap) IsReferenced(va uintptr) (bool, error) {
	return false, kernelerr.ErrUnimplemented("pmap", "is_referenced")
}

// ClearReference clears the accessed bit on va's mapping.
func (p *Pmap) ClearReference(va uintptr) error {
	return kernelerr.ErrUnimplemented("pmap", "clear_reference")
}

// PageSetProt updates protection on the mapping for a specific physical
// frame across every pmap that maps it (a reverse mapping operation the
// source kernel declares but never builds).
func (p *Pmap) PageSetProt(f mem.Frame, pflags mem.PFlags) error {
	return kernelerr.ErrUnimplemented("pmap", "page_setprot")
}

// UnmappingAll would tear down every mapping in the pmap without
// destroying the pmap itself.
func (p *Pmap) UnmappingAll() error {
	return kernelerr.ErrUnimplemented("pmap", "unmapping_all")
}

// Deactivate would unload this pmap from the hardware MMU, leaving no
// active address space installed.
func (p *Pmap) Deactivate() error {
	return kernelerr.ErrUnimplemented("pmap", "deactivate")
}
