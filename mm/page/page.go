// Package page implements the physical memory allocator: a page frame
// database plus free lists keyed by DMA-reachability zone. Free space
// within each zone is managed by a vmem arena so constraint-qualified
// allocations (align, phase, boundary, min/max) fall out of the arena's
// fit logic.
package page

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/aejsmith/kiwi-sub011/ksync"
	"github.com/aejsmith/kiwi-sub011/log"
	"github.com/aejsmith/kiwi-sub011/mm"
	"github.com/aejsmith/kiwi-sub011/mm/vmem"
	"github.com/aejsmith/kiwi-sub011/status"
)

// Size is the physical page size.
const Size = 0x1000

// Addr is a physical address.
type Addr uint64

// State tracks a frame's membership: exactly one of free-in-list,
// allocated, reclaimable or reserved.
type State int

const (
	StateFree State = iota
	StateAllocated
	StateReclaimable
	StateReserved
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateAllocated:
		return "allocated"
	case StateReclaimable:
		return "reclaimable"
	case StateReserved:
		return "reserved"
	default:
		return "unknown"
	}
}

// Page is one physical frame record. A page on a free list has a zero
// refcount and no owner.
type Page struct {
	addr  Addr
	state State
	refs  int32
	zone  int

	// Owner is the VM object the frame belongs to when mapped, with
	// Offset its page index within that object.
	Owner  interface{}
	Offset uint64

	Dirty bool

	// Hosted backing store for the frame's contents, allocated on
	// first access.
	data []byte
}

func (p *Page) Addr() Addr   { return p.addr }
func (p *Page) State() State { return p.state }

// Data returns the frame's backing bytes.
func (p *Page) Data() []byte {
	if p.data == nil {
		p.data = make([]byte, Size)
	}
	return p.data
}

// Constraints qualify an allocation.
type Constraints struct {
	Align    uint64
	Phase    uint64
	Boundary uint64 // result must not cross a multiple of this
	MinAddr  Addr
	MaxAddr  Addr // zero means unrestricted
}

// zone is a physical range with uniform DMA reachability.
type zone struct {
	name  string
	min   Addr
	max   Addr
	arena *vmem.Arena
	free  uint64
}

// Zone boundaries, most restricted last: allocation walks from the
// least restricted zone down so restricted pages stay available for
// allocators that need them.
const (
	dma16Limit = 16 << 20
	dma32Limit = 4 << 30
)

var ErrBadFree = errors.New("page: free of pages not allocated")

// Allocator is the physical memory allocator.
type Allocator struct {
	mu sync.Mutex

	pages map[Addr]*Page
	zones []*zone // ordered least to most restricted

	total     uint64
	allocated uint64
	reserved  uint64

	reclaim func(ctx context.Context) bool
	space   *ksync.Condvar
	spaceMu *ksync.Mutex
}

// NewAllocator builds the frame database for size bytes of physical
// memory starting at zero.
func NewAllocator(ctx context.Context, size uint64) *Allocator {
	al := &Allocator{
		pages:   make(map[Addr]*Page),
		space:   ksync.NewCondvar("page-space"),
		spaceMu: ksync.NewMutex("page-space"),
	}

	add := func(name string, min, max uint64) {
		if min >= size {
			return
		}
		if max > size {
			max = size
		}
		z := &zone{
			name:  name,
			min:   Addr(min),
			max:   Addr(max),
			arena: vmem.New("page-"+name, min, max-min, Size),
			free:  (max - min) / Size,
		}
		al.zones = append(al.zones, z)
	}

	// Least restricted first.
	add("normal", dma32Limit, size)
	add("dma32", dma16Limit, dma32Limit)
	add("dma16", 0, dma16Limit)

	for zi, z := range al.zones {
		for a := z.min; a < z.max; a += Size {
			al.pages[a] = &Page{addr: a, zone: zi}
		}
	}

	al.total = size / Size

	log.Named("page").Debug("frame database initialised",
		"pages", al.total, "zones", len(al.zones))

	return al
}

// RegisterReclaim installs the page daemon hook, run before a WAIT
// allocation retries. It reports whether any pages were recovered.
func (al *Allocator) RegisterReclaim(fn func(ctx context.Context) bool) {
	al.mu.Lock()
	al.reclaim = fn
	al.mu.Unlock()
}

// Alloc allocates count contiguous frames and returns the base
// address. WAIT allocations cannot fail; NOWAIT and ATOMIC return
// NoMemory when nothing fits.
func (al *Allocator) Alloc(ctx context.Context, count int, c Constraints, flags mm.Flags) (Addr, status.Status) {
	if count <= 0 {
		return 0, status.InvalidArg
	}

	size := uint64(count) * Size

	for {
		if base, ok := al.tryAlloc(ctx, size, c); ok {
			if flags&mm.Zero != 0 {
				al.zeroRange(base, count)
			}
			return base, status.Success
		}

		if flags&mm.Atomic != 0 || flags&mm.NoWait != 0 {
			return 0, status.NoMemory
		}

		if flags&mm.Boot != 0 {
			panic("page: boot allocation failed")
		}

		// WAIT: run the page daemon, then retry; if it recovered
		// nothing, sleep until a free happens.
		al.mu.Lock()
		daemon := al.reclaim
		al.mu.Unlock()

		if daemon != nil && daemon(ctx) {
			continue
		}

		al.spaceMu.Lock(ctx)
		al.space.WaitTimeout(ctx, al.spaceMu, int64(100e6), 0)
		al.spaceMu.Unlock(ctx)
	}
}

func (al *Allocator) tryAlloc(ctx context.Context, size uint64, c Constraints) (Addr, bool) {
	max := uint64(c.MaxAddr)
	if max == 0 {
		max = ^uint64(0)
	}

	for _, z := range al.zones {
		if uint64(z.min) >= max || (c.MinAddr != 0 && uint64(z.max) <= uint64(c.MinAddr)) {
			continue
		}

		base, st := z.arena.XAlloc(ctx, size, c.Align, c.Phase, c.Boundary,
			uint64(c.MinAddr), max, mm.NoWait)
		if st != status.Success {
			continue
		}

		al.mu.Lock()
		count := size / Size
		for a := Addr(base); a < Addr(base+size); a += Size {
			p := al.pages[a]
			p.state = StateAllocated
			p.refs = 1
		}
		z.free -= count
		al.allocated += count
		al.mu.Unlock()

		return Addr(base), true
	}

	return 0, false
}

func (al *Allocator) zeroRange(base Addr, count int) {
	al.mu.Lock()
	defer al.mu.Unlock()

	for i := 0; i < count; i++ {
		p := al.pages[base+Addr(i*Size)]
		if p.data != nil {
			for j := range p.data {
				p.data[j] = 0
			}
		}
	}
}

// Free returns count frames starting at base to their zone's list.
func (al *Allocator) Free(ctx context.Context, base Addr, count int) {
	size := uint64(count) * Size

	al.mu.Lock()

	p, ok := al.pages[base]
	if !ok || p.state != StateAllocated {
		al.mu.Unlock()
		panic(errors.Wrapf(ErrBadFree, "base %#x count %d", base, count))
	}
	z := al.zones[p.zone]

	for a := base; a < base+Addr(size); a += Size {
		pg := al.pages[a]
		pg.state = StateFree
		pg.refs = 0
		pg.Owner = nil
		pg.Offset = 0
		pg.Dirty = false
	}

	z.free += uint64(count)
	al.allocated -= uint64(count)
	al.mu.Unlock()

	z.arena.Free(ctx, uint64(base), size)

	al.space.Broadcast()
}

// Reserve marks count frames at base as reserved (firmware, kernel
// image). Reserved frames never enter a free list.
func (al *Allocator) Reserve(ctx context.Context, base Addr, count int) status.Status {
	size := uint64(count) * Size

	p, ok := al.pages[base]
	if !ok {
		return status.InvalidArg
	}
	z := al.zones[p.zone]

	_, st := z.arena.XAlloc(ctx, size, 0, 0, 0, uint64(base), uint64(base)+size, mm.NoWait)
	if st != status.Success {
		return status.InUse
	}

	al.mu.Lock()
	for a := base; a < base+Addr(size); a += Size {
		al.pages[a].state = StateReserved
	}
	z.free -= uint64(count)
	al.reserved += uint64(count)
	al.mu.Unlock()

	return status.Success
}

// Lookup returns the frame record for a physical address.
func (al *Allocator) Lookup(addr Addr) (*Page, bool) {
	al.mu.Lock()
	defer al.mu.Unlock()

	p, ok := al.pages[addr-(addr%Size)]
	return p, ok
}

// Retain bumps a frame's reference count.
func (al *Allocator) Retain(p *Page) {
	al.mu.Lock()
	p.refs++
	al.mu.Unlock()
}

// Release drops a reference; the last reference frees the frame.
func (al *Allocator) Release(ctx context.Context, p *Page) {
	al.mu.Lock()
	p.refs--
	last := p.refs == 0 && p.state == StateAllocated
	al.mu.Unlock()

	if last {
		al.Free(ctx, p.addr, 1)
	}
}

// Stats is a point-in-time accounting snapshot. FreePages + Allocated
// + Reserved always equals Total.
type Stats struct {
	Total     uint64
	FreePages uint64
	Allocated uint64
	Reserved  uint64
}

func (al *Allocator) Stats() Stats {
	al.mu.Lock()
	defer al.mu.Unlock()

	var free uint64
	for _, z := range al.zones {
		free += z.free
	}

	return Stats{
		Total:     al.total,
		FreePages: free,
		Allocated: al.allocated,
		Reserved:  al.reserved,
	}
}
