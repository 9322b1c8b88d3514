// Package bootstrap relocates the kernel's own page tables from the
// reserve allocator's identity-mapped scratch area into a pmap built and
// owned by internal/pmap, then activates it. It is grounded step-for-step
// on arch/x86_common/mm/pmm.c's pmm_init (the 8-step sequence: reserve an
// arena, stand up the reserve allocator, build an empty root pmap, size and
// map the low-memory table region, map the caller's remaining regions, activate the new tables,
// mark the PFA ready, hand the reserve allocator off), and on biscuit's
// Phys_init or early page-table setup for the direct-map concept carried
// over into internal/physmem.
package bootstrap

import (
	"pmapos/internal/archlayout"
	"pmapos/internal/config"
	"pmapos/internal/kernelerr"
	"pmapos/internal/klog"
	"pmapos/internal/mem"
	"pmapos/internal/pfa"
	"pmapos/internal/physmem"
	"pmapos/internal/pmap"
	"pmapos/internal/reserve"
)

var log = klog.For("bootstrap")

// Region describes one contiguous virtual-to-physical mapping bootstrap
// must install before handing control to the rest of the kernel: the
// kernel image itself, and the direct-map window, at minimum.
type Region struct {
	Name   string
	VA     uintptr
	PA     mem.PAddr
	Pages  int
	MFlags mem.MFlags
	PFlags mem.PFlags
}

// MemLimits is the read-only view of physical RAM layout the bootstrap
// driver sizes the low-memory table region against: lowmem_start,
// lowmem_top, lowmem_bytes_avail, the Memory Limits collaborator the
// source kernel's pmm_init consults before touching a single frame.
type MemLimits struct {
	LowmemStart      mem.PAddr
	LowmemTop        mem.PAddr
	LowmemBytesAvail uint64
}

const ptesPerTable = 512

// pteRegionBytes is how much address space a single PTE table covers:
// 512 4KiB entries, i.e. R_PTE in the sizing algorithm (2MiB for a 4KiB
// page size, matching the "64MiB lowmem -> 32 PTEs" worked example).
const pteRegionBytes = uint64(ptesPerTable) * mem.PageSize

// Sizing is the result of the §4.F table-count computation: how many
// PTE/PMD/PUD tables are needed to cover MemLimits.LowmemBytesAvail.
type Sizing struct {
	NumPTEs int
	NumPMDs int
	NumPUDs int
}

func ceilDiv(a, b uint64) int {
	if b == 0 {
		return 0
	}
	return int((a + b - 1) / b)
}

// ComputeSizing implements the bootstrap sizing algorithm: num_ptes =
// ceil(lowmem_bytes / R_PTE), then num_pmds and num_puds by the same
// ceiling division one level up, since each PMD/PUD slot references
// exactly one table at the level below it.
func ComputeSizing(limits MemLimits) Sizing {
	numPTEs := ceilDiv(limits.LowmemBytesAvail, pteRegionBytes)
	numPMDs := ceilDiv(uint64(numPTEs), ptesPerTable)
	numPUDs := ceilDiv(uint64(numPMDs), ptesPerTable)
	return Sizing{NumPTEs: numPTEs, NumPMDs: numPMDs, NumPUDs: numPUDs}
}

// Config bundles everything bootstrap needs to run: the modeled layout,
// the simulated physical arena, the frame count to reserve, the low-memory
// limits driving the table-sizing step, and any further regions to map
// before activation.
type Config struct {
	Layout      archlayout.Layout
	ArenaFrames int
	Limits      MemLimits
	Regions     []Region
}

// Result is what bootstrap hands back to the rest of the kernel: the live
// pmap, its allocators (so later subsystems keep using the same PFA), the
// arena backing it, and the table-sizing computation that was used to size
// the low-memory region (so tests and later diagnostics can check it
// against the Memory Limits fixture that produced it).
type Result struct {
	Pmap   *pmap.Pmap
	Alloc  *pmap.Allocators
	Arena  *physmem.Arena
	Sizing Sizing
}

// Run executes the bootstrap sequence and returns the fully-activated
// kernel pmap. Steps 1 and 3-7 log at Info, mirroring the source kernel's
// boot-time console trace through pmm_init.
func Run(cfg Config) (*Result, error) {
	kernelerr.Assert("bootstrap", cfg.ArenaFrames > 0, "bootstrap requires a positive frame count")

	// This build only ever runs its scheduler in round-robin mode; pmm_init
	// carries the same static assumption via CONF_SCHED_ROUNDROBIN.
	config.RequireRoundRobinScheduler(config.SchedRoundRobin)

	// Step 1: reserve the simulated physical arena.
	log.WithField("frames", cfg.ArenaFrames).Info("reserving physical arena")
	arena, err := physmem.New(cfg.ArenaFrames, 0)
	if err != nil {
		return nil, err
	}
	physmem.SetActive(arena)

	// Step 2: stand up the reserve (boot) allocator over the whole arena,
	// since the PFA isn't ready yet.
	res := reserve.New(0, mem.PAddr(cfg.ArenaFrames)*mem.PageSize)
	alloc := &pmap.Allocators{Reserve: res}

	// Step 3: build an empty root pmap using only the reserve allocator.
	// This predates PFA readiness, so it uses CreateBootstrapRoot rather
	// than Create, which would otherwise panic on the late-init gate.
	log.Info("creating root pmap")
	root, err := pmap.CreateBootstrapRoot(cfg.Layout, arena, alloc)
	if err != nil {
		return nil, err
	}
	root.LockPmap()
	defer root.UnlockPmap()

	// Step 4: size the low-memory table region (num_ptes/num_pmds/num_puds)
	// and map it as an identity-in-kernel-window range. This is the
	// reentrant case spec.md §4.F describes: map_range's own intermediate
	// tables come from the same reserve allocator being sized here, bounded
	// by the walk's depth ceiling rather than by any separate counter.
	sizing := ComputeSizing(cfg.Limits)
	log.WithField("num_ptes", sizing.NumPTEs).
		WithField("num_pmds", sizing.NumPMDs).
		WithField("num_puds", sizing.NumPUDs).
		Info("computed low-memory table sizing")
	if cfg.Limits.LowmemBytesAvail > 0 {
		lowmemPages := ceilDiv(cfg.Limits.LowmemBytesAvail, mem.PageSize)
		log.WithField("pages", lowmemPages).Info("mapping low-memory region")
		if err := root.MapRange(uintptr(cfg.Limits.LowmemStart), cfg.Limits.LowmemStart, lowmemPages, mem.MKernel, mem.RW); err != nil {
			return nil, err
		}
	}

	// Step 5: install any further caller-specified regions (kernel image,
	// direct-map window, ...), the analogue of pmm.c's remaining
	// init_mapping calls inside pmm_init.
	for _, r := range cfg.Regions {
		log.WithField("region", r.Name).WithField("pages", r.Pages).Info("mapping region")
		if err := root.MapRange(r.VA, r.PA, r.Pages, r.MFlags, r.PFlags); err != nil {
			return nil, err
		}
	}

	// Step 6: activate the new tables. Until this point all traffic
	// still runs through whatever tables existed before bootstrap.
	log.Info("activating kernel pmap")
	if err := pmap.Activate(root); err != nil {
		return nil, err
	}

	// Step 7: stand up the real PFA over the remaining frames (those not
	// already handed out by the reserve allocator during steps 3-5), and
	// mark it ready.
	remaining := res.Remaining()
	log.WithField("free_frames", remaining).Info("PFA ready")
	base := mem.PAddr(cfg.ArenaFrames-remaining) * mem.PageSize
	bm := pfa.New(base, uint64(remaining), func(f mem.Frame) error { return arena.Zero(f.Address()) })
	bm.MarkReady()

	// Step 8: retire the reserve allocator; all further allocation flows
	// through the PFA.
	res.Handoff()
	alloc.PFA = bm

	return &Result{Pmap: root, Alloc: alloc, Arena: arena, Sizing: sizing}, nil
}
