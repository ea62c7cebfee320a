// Package mmu provides the page table abstraction: per-address-space
// contexts with map/unmap/lookup/switch operations. The hosted backend
// keeps a two-level software table; TLB shootdowns are modelled as
// synchronous IPIs to every CPU the context is active on.
package mmu

import (
	"context"
	"sync"

	"github.com/aejsmith/kiwi-sub011/log"
	"github.com/aejsmith/kiwi-sub011/mm/page"
	"github.com/aejsmith/kiwi-sub011/platform"
	"github.com/aejsmith/kiwi-sub011/status"
)

// Access is a mapping protection mask.
type Access uint32

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExec
)

// Cacheability selects the mapping's cache mode.
type Cacheability int

const (
	CacheWriteBack Cacheability = iota
	CacheWriteThrough
	CacheUncached
)

const (
	pteBits  = 9
	pteCount = 1 << pteBits
	pteMask  = pteCount - 1
)

type pte struct {
	present bool
	phys    page.Addr
	access  Access
	cache   Cacheability
}

type table struct {
	entries [pteCount]pte
	used    int
}

// Context is one address space's page table root.
type Context struct {
	machine platform.Machine

	mu     sync.Mutex
	tables map[uint64]*table
	active map[platform.CPUID]struct{}
}

// NewContext creates an empty translation context.
func NewContext(machine platform.Machine) *Context {
	return &Context{
		machine: machine,
		tables:  make(map[uint64]*table),
		active:  make(map[platform.CPUID]struct{}),
	}
}

func split(virt uint64) (uint64, uint64) {
	vpn := virt / page.Size
	return vpn >> pteBits, vpn & pteMask
}

// Map installs a translation. The target page must not already be
// mapped; remap requires an intervening Unmap.
func (c *Context) Map(ctx context.Context, virt uint64, phys page.Addr, access Access, cache Cacheability) status.Status {
	if virt%page.Size != 0 || uint64(phys)%page.Size != 0 {
		return status.InvalidArg
	}

	dir, idx := split(virt)

	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.tables[dir]
	if t == nil {
		t = &table{}
		c.tables[dir] = t
	}

	if t.entries[idx].present {
		return status.AlreadyExists
	}

	t.entries[idx] = pte{present: true, phys: phys, access: access, cache: cache}
	t.used++

	return status.Success
}

// Unmap removes a translation and returns the physical address it
// pointed at. The caller is responsible for the TLB shootdown; unmap
// paths batch invalidations per region.
func (c *Context) Unmap(ctx context.Context, virt uint64) (page.Addr, bool) {
	dir, idx := split(virt)

	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.tables[dir]
	if t == nil || !t.entries[idx].present {
		return 0, false
	}

	phys := t.entries[idx].phys
	t.entries[idx] = pte{}
	t.used--
	if t.used == 0 {
		delete(c.tables, dir)
	}

	return phys, true
}

// Protect changes the access mask on an existing translation.
func (c *Context) Protect(ctx context.Context, virt uint64, access Access) bool {
	dir, idx := split(virt)

	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.tables[dir]
	if t == nil || !t.entries[idx].present {
		return false
	}

	t.entries[idx].access = access
	return true
}

// Lookup translates a virtual address.
func (c *Context) Lookup(virt uint64) (page.Addr, Access, bool) {
	dir, idx := split(virt - virt%page.Size)

	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.tables[dir]
	if t == nil || !t.entries[idx].present {
		return 0, 0, false
	}

	e := t.entries[idx]
	return e.phys + page.Addr(virt%page.Size), e.access, true
}

// SwitchTo marks the context active on a CPU. The scheduler calls this
// on context switch when the incoming thread's process differs.
func (c *Context) SwitchTo(cpu platform.CPUID) {
	c.mu.Lock()
	c.active[cpu] = struct{}{}
	c.mu.Unlock()
}

// SwitchAway removes the context from a CPU.
func (c *Context) SwitchAway(cpu platform.CPUID) {
	c.mu.Lock()
	delete(c.active, cpu)
	c.mu.Unlock()
}

// Invalidate performs a TLB shootdown for [virt, virt+size): every CPU
// the context is currently active on acknowledges the invalidation
// before Invalidate returns.
func (c *Context) Invalidate(ctx context.Context, virt, size uint64) {
	c.mu.Lock()
	targets := make([]platform.CPUID, 0, len(c.active))
	for cpu := range c.active {
		targets = append(targets, cpu)
	}
	c.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	self := c.machine.CurrentCPU()
	for _, cpu := range targets {
		if cpu == self {
			continue
		}
		// The hosted backend has no real TLB; the synchronous IPI
		// preserves the ordering contract that the invalidation is
		// visible before unmap returns.
		c.machine.IPI(cpu, func(interface{}) {}, nil, true)
	}

	log.Named("mmu").Trace("tlb-shootdown", "virt", virt, "size", size, "cpus", len(targets))
}

// Pages reports the number of live translations. Debug use only.
func (c *Context) Pages() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.tables {
		n += t.used
	}
	return n
}
