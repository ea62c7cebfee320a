package kheap

import (
	"sync"

	"github.com/aejsmith/kiwi-sub011/platform"
)

const magazineSize = 16

// Cache is a slab-style typed allocation cache. Each CPU keeps a
// loaded magazine of recently freed objects so the common path never
// touches the depot lock; full magazines rotate through a shared depot
// the page daemon can shrink.
type Cache struct {
	name    string
	ctor    func() interface{}
	machine platform.Machine

	mu    sync.Mutex
	cpus  []magazine
	depot [][]interface{}

	allocated int
}

type magazine struct {
	objs []interface{}
}

// NewCache creates a cache producing objects from ctor.
func NewCache(name string, machine platform.Machine, ctor func() interface{}) *Cache {
	return &Cache{
		name:    name,
		ctor:    ctor,
		machine: machine,
		cpus:    make([]magazine, machine.NumCPUs()),
	}
}

func (c *Cache) Name() string { return c.name }

// Alloc takes an object from the current CPU's magazine, refilling
// from the depot, or constructs a fresh one.
func (c *Cache) Alloc() interface{} {
	cpu := int(c.machine.CurrentCPU())

	c.mu.Lock()

	m := &c.cpus[cpu]
	if len(m.objs) == 0 && len(c.depot) > 0 {
		m.objs = c.depot[len(c.depot)-1]
		c.depot = c.depot[:len(c.depot)-1]
	}

	if n := len(m.objs); n > 0 {
		obj := m.objs[n-1]
		m.objs = m.objs[:n-1]
		c.allocated++
		c.mu.Unlock()
		return obj
	}

	c.allocated++
	c.mu.Unlock()

	return c.ctor()
}

// Free returns an object to the current CPU's magazine; a full
// magazine is swapped into the depot.
func (c *Cache) Free(obj interface{}) {
	cpu := int(c.machine.CurrentCPU())

	c.mu.Lock()
	defer c.mu.Unlock()

	m := &c.cpus[cpu]
	if len(m.objs) >= magazineSize {
		c.depot = append(c.depot, m.objs)
		m.objs = make([]interface{}, 0, magazineSize)
	}

	m.objs = append(m.objs, obj)
	c.allocated--
}

// Shrink discards depot magazines, returning the number of objects
// dropped. The page daemon calls this under memory pressure.
func (c *Cache) Shrink() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, mag := range c.depot {
		n += len(mag)
	}
	c.depot = nil
	return n
}

// registry of caches for the page daemon's shrink pass.
var (
	cachesMu sync.Mutex
	caches   []*Cache
)

// Register adds a cache to the reclaim registry.
func Register(c *Cache) {
	cachesMu.Lock()
	caches = append(caches, c)
	cachesMu.Unlock()
}

// ShrinkAll shrinks every registered cache, reporting the total number
// of objects dropped.
func ShrinkAll() int {
	cachesMu.Lock()
	all := make([]*Cache, len(caches))
	copy(all, caches)
	cachesMu.Unlock()

	n := 0
	for _, c := range all {
		n += c.Shrink()
	}
	return n
}
