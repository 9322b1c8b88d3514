// Package physmem backs the kernel's notion of physical memory with a
// single mmap'd byte arena, the way biscuit's mem.go keeps a direct-map
// (Dmap) alias from every physical address to a kernel-virtual one. Running
// outside ring-0, this package is what lets internal/pmap read and write
// "physical" page contents at all: there is no real physical address space
// to fault into, so the arena plays that role for tests and for any
// out-of-kernel tooling built on top of this module.
package physmem

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"pmapos/internal/kernelerr"
	"pmapos/internal/mem"
)

var littleEndian = binary.LittleEndian

// Arena is a fixed-size simulated physical address space.
type Arena struct {
	mu   sync.Mutex
	data []byte
	base mem.PAddr
}

var (
	active   *Arena
	activeMu sync.RWMutex
)

// New mmaps npages worth of anonymous memory and returns an Arena whose
// physical addresses start at base. base is normally 0 (bootstrap passes
// 0); a nonzero base models a low-memory hole the way biscuit's Phys_init
// reserves a starting page number (Physmem_t.startn).
func New(npages int, base mem.PAddr) (*Arena, error) {
	if npages <= 0 {
		return nil, fmt.Errorf("physmem: npages must be positive, got %d", npages)
	}
	size := npages * mem.PageSize
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("physmem: mmap %d bytes: %w", size, err)
	}
	return &Arena{data: data, base: base}, nil
}

// Close unmaps the backing arena. Safe to call once; a double Close panics,
// mirroring the "double free" assertions elsewhere in this module.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.data == nil {
		kernelerr.Panic(kernelerr.ErrUnimplementedOrClosed())
	}
	err := unix.Munmap(a.data)
	a.data = nil
	return err
}

// SetActive installs a as the process-wide arena used by Dmap. Bootstrap
// calls this once during step 1; tests call it per-case to get an isolated
// arena without touching global kernel state otherwise.
func SetActive(a *Arena) {
	activeMu.Lock()
	defer activeMu.Unlock()
	active = a
}

// Active returns the process-wide arena installed by SetActive, or nil if
// none has been installed yet.
func Active() *Arena {
	activeMu.RLock()
	defer activeMu.RUnlock()
	return active
}

func (a *Arena) offset(pa mem.PAddr) (int, bool) {
	if pa < a.base {
		return 0, false
	}
	off := int(pa - a.base)
	if off < 0 || off >= len(a.data) {
		return 0, false
	}
	return off, true
}

// Contains reports whether pa falls within the arena's modeled range.
func (a *Arena) Contains(pa mem.PAddr) bool {
	_, ok := a.offset(pa)
	return ok
}

// Page returns a slice view of the PageSize bytes at pa's containing page.
// The caller holds no lock over the returned slice's contents; physmem
// only protects the arena's own lifecycle, not concurrent access to page
// contents (that discipline belongs to the pmap and pfa layers).
func (a *Arena) Page(pa mem.PAddr) ([]byte, error) {
	off, ok := a.offset(pa.RoundDown())
	if !ok {
		return nil, kernelerr.EFAULT
	}
	return a.data[off : off+mem.PageSize], nil
}

// Zero fills the page containing pa with zero bytes, the M_ZERO allocation
// flag's effect.
func (a *Arena) Zero(pa mem.PAddr) error {
	pg, err := a.Page(pa)
	if err != nil {
		return err
	}
	for i := range pg {
		pg[i] = 0
	}
	return nil
}

// ReadTable loads the Table stored at the page containing pa.
func (a *Arena) ReadTable(pa mem.PAddr) (*mem.Table, error) {
	pg, err := a.Page(pa)
	if err != nil {
		return nil, err
	}
	var t mem.Table
	for i := range t {
		t[i] = mem.Entry(littleEndian.Uint64(pg[i*8 : i*8+8]))
	}
	return &t, nil
}

// WriteTable stores t into the page containing pa.
func (a *Arena) WriteTable(pa mem.PAddr, t *mem.Table) error {
	pg, err := a.Page(pa)
	if err != nil {
		return err
	}
	for i, e := range t {
		littleEndian.PutUint64(pg[i*8:i*8+8], uint64(e))
	}
	return nil
}

// Dmap is the package-level direct-map accessor every higher layer should
// use instead of reaching into a specific Arena, mirroring biscuit's
// package-level Dmap/Dmap_v2p helpers over the global Physmem variable.
// It is a function variable, not a plain func, so tests can redirect it to
// a fake without installing a real arena (gopher-os's hardware-seam idiom).
var Dmap = func(pa mem.PAddr) ([]byte, error) {
	a := Active()
	if a == nil {
		return nil, kernelerr.ErrNoArena()
	}
	return a.Page(pa)
}
