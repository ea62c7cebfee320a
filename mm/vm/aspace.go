package vm

import (
	"context"
	"sort"
	"sync"

	"github.com/aejsmith/kiwi-sub011/log"
	"github.com/aejsmith/kiwi-sub011/mm"
	"github.com/aejsmith/kiwi-sub011/mm/mmu"
	"github.com/aejsmith/kiwi-sub011/mm/page"
	"github.com/aejsmith/kiwi-sub011/platform"
	"github.com/aejsmith/kiwi-sub011/status"
)

// User virtual range.
const (
	UserBase = uint64(0x10000)
	UserTop  = uint64(0x0000_7fff_ffff_f000)
)

// AddrSpec controls placement of a new mapping.
type AddrSpec int

const (
	// SpecAny lets the allocator pick, searching from the top of the
	// user range downward.
	SpecAny AddrSpec = iota

	// SpecExact maps at the given address or fails.
	SpecExact

	// SpecHint starts the downward search at the hint.
	SpecHint
)

// RegionFlags modify region behaviour.
type RegionFlags uint32

const (
	// RegionPrivate makes the region copy-on-write from its object.
	RegionPrivate RegionFlags = 1 << iota

	// RegionStack reserves the region's lowest page as a guard page.
	RegionStack

	// RegionOvercommit exempts the region from commit accounting.
	RegionOvercommit
)

// Region is one mapped range of an address space.
type Region struct {
	Base   uint64
	Size   uint64
	Access mmu.Access
	Flags  RegionFlags
	Name   string

	object Object
	objOff uint64

	// mapped tracks which virtual pages have translations, with the
	// frame each one references. private holds COW copies.
	mapped  map[uint64]*page.Page
	private map[uint64]*page.Page
}

func (r *Region) end() uint64 { return r.Base + r.Size }

// AddressSpace is a set of non-overlapping regions over an MMU
// context.
type AddressSpace struct {
	machine platform.Machine
	phys    *page.Allocator
	mmu     *mmu.Context

	mu      sync.Mutex
	regions []*Region // ordered by base
}

// NewAddressSpace creates an empty user address space.
func NewAddressSpace(machine platform.Machine, phys *page.Allocator) *AddressSpace {
	return &AddressSpace{
		machine: machine,
		phys:    phys,
		mmu:     mmu.NewContext(machine),
	}
}

// MMU exposes the translation context for the scheduler's switch path.
func (as *AddressSpace) MMU() *mmu.Context { return as.mmu }

// Map establishes a region of size bytes backed by object at objOff,
// or anonymous zero-fill memory when object is nil. Placement follows
// spec; the chosen base is returned.
func (as *AddressSpace) Map(ctx context.Context, addr, size uint64, spec AddrSpec, access mmu.Access, flags RegionFlags, object Object, objOff uint64, name string) (uint64, status.Status) {
	if size == 0 || size%page.Size != 0 || addr%page.Size != 0 {
		return 0, status.InvalidArg
	}

	if object == nil {
		object = NewAnon(as.phys, size)
	} else {
		object.Retain()
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	var base uint64
	switch spec {
	case SpecExact:
		if addr < UserBase || addr+size > UserTop {
			return 0, status.InvalidAddr
		}
		if as.overlaps(addr, size) {
			return 0, status.AlreadyExists
		}
		base = addr
	case SpecAny, SpecHint:
		top := UserTop
		if spec == SpecHint && addr != 0 && addr+size <= UserTop {
			top = addr + size
		}
		var ok bool
		base, ok = as.findFree(size, top)
		if !ok {
			return 0, status.NoMemory
		}
	default:
		return 0, status.InvalidArg
	}

	r := &Region{
		Base:    base,
		Size:    size,
		Access:  access,
		Flags:   flags,
		Name:    name,
		object:  object,
		objOff:  objOff,
		mapped:  make(map[uint64]*page.Page),
		private: make(map[uint64]*page.Page),
	}

	as.insert(r)

	log.Named("vm").Trace("region-map", "name", name, "base", base, "size", size)
	return base, status.Success
}

// findFree searches downward from top for a size-byte gap.
func (as *AddressSpace) findFree(size, top uint64) (uint64, bool) {
	// Walk regions from highest to lowest, considering the gap above
	// each one.
	ceiling := top

	for i := len(as.regions) - 1; i >= 0; i-- {
		r := as.regions[i]
		if r.end() > ceiling {
			continue
		}
		if ceiling-r.end() >= size {
			return ceiling - size, true
		}
		ceiling = r.Base
	}

	if ceiling >= UserBase && ceiling-UserBase >= size {
		return ceiling - size, true
	}

	return 0, false
}

func (as *AddressSpace) overlaps(base, size uint64) bool {
	for _, r := range as.regions {
		if base < r.end() && r.Base < base+size {
			return true
		}
	}
	return false
}

func (as *AddressSpace) insert(r *Region) {
	i := sort.Search(len(as.regions), func(i int) bool {
		return as.regions[i].Base >= r.Base
	})
	as.regions = append(as.regions, nil)
	copy(as.regions[i+1:], as.regions[i:])
	as.regions[i] = r
}

// find returns the region containing addr.
func (as *AddressSpace) find(addr uint64) *Region {
	for _, r := range as.regions {
		if addr >= r.Base && addr < r.end() {
			return r
		}
	}
	return nil
}

// Fault resolves a page fault at addr for the given access. User page
// faults suspend only the faulting thread; the backing page is fetched
// from the region's object, copy-on-write for private regions.
func (as *AddressSpace) Fault(ctx context.Context, addr uint64, access mmu.Access) status.Status {
	vpage := addr - addr%page.Size

	as.mu.Lock()
	r := as.find(addr)
	as.mu.Unlock()

	if r == nil {
		return status.InvalidAddr
	}
	if access&^r.Access != 0 {
		return status.AccessDenied
	}

	// Stack guard page: the lowest page never maps.
	if r.Flags&RegionStack != 0 && vpage == r.Base {
		return status.InvalidAddr
	}

	return as.faultIn(ctx, r, vpage, access)
}

func (as *AddressSpace) faultIn(ctx context.Context, r *Region, vpage uint64, access mmu.Access) status.Status {
	offset := r.objOff + (vpage - r.Base)

	as.mu.Lock()
	defer as.mu.Unlock()

	if p, ok := r.mapped[vpage]; ok {
		if access&mmu.AccessWrite == 0 || r.Flags&RegionPrivate == 0 {
			return status.Success
		}
		if _, copied := r.private[vpage]; copied {
			return status.Success
		}
		// Write to a not-yet-copied private page: copy and remap.
		return as.cowBreak(ctx, r, vpage, p)
	}

	p, st := r.object.Page(ctx, offset)
	if st != status.Success {
		return st
	}

	mapAccess := r.Access
	if r.Flags&RegionPrivate != 0 {
		// Map read-only first so the write fault can copy.
		mapAccess &^= mmu.AccessWrite
	}

	if st := as.mmu.Map(ctx, vpage, p.Addr(), mapAccess, mmu.CacheWriteBack); st != status.Success {
		r.object.Release(ctx, p)
		return st
	}

	r.mapped[vpage] = p

	if r.Flags&RegionPrivate != 0 && access&mmu.AccessWrite != 0 {
		return as.cowBreak(ctx, r, vpage, p)
	}

	return status.Success
}

// cowBreak replaces the shared frame at vpage with a private copy.
// Called with as.mu held.
func (as *AddressSpace) cowBreak(ctx context.Context, r *Region, vpage uint64, shared *page.Page) status.Status {
	base, st := as.phys.Alloc(ctx, 1, page.Constraints{}, mm.Wait)
	if st != status.Success {
		return st
	}

	private, _ := as.phys.Lookup(base)
	copy(private.Data(), shared.Data())

	as.mmu.Unmap(ctx, vpage)
	if st := as.mmu.Map(ctx, vpage, base, r.Access, mmu.CacheWriteBack); st != status.Success {
		as.phys.Free(ctx, base, 1)
		return st
	}
	as.mmu.Invalidate(ctx, vpage, page.Size)

	r.object.Release(ctx, shared)
	r.mapped[vpage] = private
	r.private[vpage] = private

	return status.Success
}

// Unmap destroys all mappings intersecting [start, start+size),
// splitting regions that partially overlap, dropping page references
// and shooting down the TLB range on every CPU the context is active
// on.
func (as *AddressSpace) Unmap(ctx context.Context, start, size uint64) status.Status {
	if size == 0 || start%page.Size != 0 || size%page.Size != 0 {
		return status.InvalidArg
	}
	end := start + size

	as.mu.Lock()

	var keep []*Region
	var drop []*Region

	for _, r := range as.regions {
		if r.end() <= start || r.Base >= end {
			keep = append(keep, r)
			continue
		}

		// Leading remainder.
		if r.Base < start {
			left := r.slice(r.Base, start-r.Base)
			keep = append(keep, left)
		}
		// Trailing remainder.
		if r.end() > end {
			right := r.slice(end, r.end()-end)
			keep = append(keep, right)
		}

		drop = append(drop, r)
	}

	sort.Slice(keep, func(i, j int) bool { return keep[i].Base < keep[j].Base })
	as.regions = keep

	for _, r := range drop {
		lo, hi := r.Base, r.end()
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}
		for vpage := lo; vpage < hi; vpage += page.Size {
			if p, ok := r.mapped[vpage]; ok {
				as.mmu.Unmap(ctx, vpage)
				if _, private := r.private[vpage]; private {
					as.phys.Free(ctx, p.Addr(), 1)
				} else {
					r.object.Release(ctx, p)
				}
				delete(r.mapped, vpage)
				delete(r.private, vpage)
			}
		}
		// Remainder slices took their own references.
		r.object.Deref(ctx)
	}

	as.mu.Unlock()

	as.mmu.Invalidate(ctx, start, size)

	return status.Success
}

// slice carves a sub-region keeping ownership of the pages that fall
// inside it. The object reference moves with each slice.
func (r *Region) slice(base, size uint64) *Region {
	n := &Region{
		Base:    base,
		Size:    size,
		Access:  r.Access,
		Flags:   r.Flags,
		Name:    r.Name,
		object:  r.object,
		objOff:  r.objOff + (base - r.Base),
		mapped:  make(map[uint64]*page.Page),
		private: make(map[uint64]*page.Page),
	}
	n.object.Retain()

	for vpage, p := range r.mapped {
		if vpage >= base && vpage < base+size {
			n.mapped[vpage] = p
			delete(r.mapped, vpage)
			if pp, ok := r.private[vpage]; ok {
				n.private[vpage] = pp
				delete(r.private, vpage)
			}
		}
	}

	return n
}

// Destroy tears the whole space down.
func (as *AddressSpace) Destroy(ctx context.Context) {
	as.Unmap(ctx, UserBase, UserTop-UserBase)
}

// Regions snapshots the region list for debug output.
func (as *AddressSpace) Regions() []Region {
	as.mu.Lock()
	defer as.mu.Unlock()

	out := make([]Region, len(as.regions))
	for i, r := range as.regions {
		out[i] = *r
	}
	return out
}

// Find reports the region containing addr.
func (as *AddressSpace) Find(addr uint64) (Region, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if r := as.find(addr); r != nil {
		return *r, true
	}
	return Region{}, false
}
