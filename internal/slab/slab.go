// Package slab is a generic object cache with constructor/destructor
// hooks and a freelist, grounded on biscuit's Pmap_new / _phys_new /
// _phys_put trio in mem.go: a pool of reusable objects is kept on a
// freelist, new objects are constructed only when the freelist is empty,
// and releasing an object runs its destructor before returning it to the
// pool rather than discarding it outright.
package slab

import "sync"

// Cache is a typed object pool. T is normally a pointer type (e.g.
// *mem.Table) so the freelist can hold references cheaply.
type Cache[T any] struct {
	mu    sync.Mutex
	free  []T
	ctor  func() T
	dtor  func(T)
	count int // live objects ever constructed, for diagnostics
}

// New builds a Cache whose ctor constructs a fresh object when the
// freelist is empty and whose dtor (optional, may be nil) resets an
// object's state before it's recycled.
func New[T any](ctor func() T, dtor func(T)) *Cache[T] {
	return &Cache[T]{ctor: ctor, dtor: dtor}
}

// Get returns an object from the freelist, or constructs a new one.
func (c *Cache[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.free); n > 0 {
		obj := c.free[n-1]
		c.free = c.free[:n-1]
		return obj
	}
	c.count++
	return c.ctor()
}

// Put runs dtor (if any) on obj and returns it to the freelist for reuse.
func (c *Cache[T]) Put(obj T) {
	if c.dtor != nil {
		c.dtor(obj)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.free = append(c.free, obj)
}

// Outstanding reports how many objects have been constructed but not yet
// returned to the freelist, used by internal/diag's leak-check harness.
func (c *Cache[T]) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count - len(c.free)
}
