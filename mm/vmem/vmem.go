// Package vmem implements the resource arena allocator: an ordered set
// of half-open integer ranges with alignment, phase and no-cross
// constraints, refilled on demand by importing spans from a parent
// arena. Arenas back the kernel virtual address space, handle IDs,
// process IDs and thread IDs, and are the substrate for the heap.
package vmem

import (
	"context"
	"math/bits"
	"sort"

	"github.com/pkg/errors"

	"github.com/aejsmith/kiwi-sub011/ksync"
	"github.com/aejsmith/kiwi-sub011/log"
	"github.com/aejsmith/kiwi-sub011/mm"
	"github.com/aejsmith/kiwi-sub011/pkg/ilist"
	"github.com/aejsmith/kiwi-sub011/status"
)

// Resource is a value allocated from an arena: an address, an ID, or
// any other integer resource.
type Resource = uint64

const nfreelists = 64

var (
	ErrNoSpace     = errors.New("vmem: arena has no space for request")
	ErrDoubleFree  = errors.New("vmem: free of unallocated resource")
	ErrBadConstr   = errors.New("vmem: unsatisfiable constraints")
	ErrBadArgument = errors.New("vmem: bad argument")
)

// segment is one contiguous range, free or allocated, belonging to a
// span. Free segments additionally sit on a power-of-two freelist.
type segment struct {
	ilist.Entry

	base      uint64
	size      uint64
	allocated bool
	span      int
}

// span is an imported or initial region of the arena.
type span struct {
	base     uint64
	size     uint64
	imported bool
}

// Arena allocates integer resources from its spans. Adjacent free
// segments are always coalesced; every allocation must be returned by
// exactly one matching Free.
type Arena struct {
	name    string
	quantum uint64

	lock  *ksync.Mutex
	space *ksync.Condvar

	// segs is ordered by base; freelists hold only free segments,
	// keyed by floor(log2(size)). freeMap tracks non-empty lists.
	segs      []*segment
	freelists [nfreelists]ilist.List
	freeMap   uint64
	spans     []span
	nextSpan  int
	allocs    map[uint64]uint64

	source    *Arena
	refilling bool

	total uint64
	used  uint64
}

// New creates an arena with quantum-sized granularity. The initial
// span may be empty; AddSpan and a source arena both add space later.
func New(name string, base, size, quantum uint64) *Arena {
	if quantum == 0 {
		quantum = 1
	}

	a := &Arena{
		name:    name,
		quantum: quantum,
		lock:    ksync.NewMutex(name),
		space:   ksync.NewCondvar(name + "-space"),
		allocs:  make(map[uint64]uint64),
	}

	if size != 0 {
		a.addSpanLocked(base, size, false)
	}

	return a
}

// NewSub creates an arena that imports spans from source on demand and
// releases empty imported spans back.
func NewSub(name string, quantum uint64, source *Arena) *Arena {
	a := New(name, 0, 0, quantum)
	a.source = source
	return a
}

func (a *Arena) Name() string { return a.name }

// Quantum returns the arena's allocation granularity.
func (a *Arena) Quantum() uint64 { return a.quantum }

// AddSpan contributes [base, base+size) to the arena.
func (a *Arena) AddSpan(ctx context.Context, base, size uint64) {
	a.lock.Lock(ctx)
	a.addSpanLocked(base, size, false)
	a.lock.Unlock(ctx)
	a.space.Broadcast()
}

func (a *Arena) addSpanLocked(base, size uint64, imported bool) {
	id := a.nextSpan
	a.nextSpan++

	a.spans = append(a.spans, span{base: base, size: size, imported: imported})

	seg := &segment{base: base, size: size, span: id}
	a.insertSeg(seg)
	a.freeInsert(seg)

	a.total += size
}

// insertSeg places seg into the base-ordered segment slice.
func (a *Arena) insertSeg(seg *segment) {
	i := sort.Search(len(a.segs), func(i int) bool {
		return a.segs[i].base >= seg.base
	})
	a.segs = append(a.segs, nil)
	copy(a.segs[i+1:], a.segs[i:])
	a.segs[i] = seg
}

func (a *Arena) removeSeg(seg *segment) {
	i := sort.Search(len(a.segs), func(i int) bool {
		return a.segs[i].base >= seg.base
	})
	if i < len(a.segs) && a.segs[i] == seg {
		a.segs = append(a.segs[:i], a.segs[i+1:]...)
	}
}

func freelistIndex(size uint64) int {
	idx := bits.Len64(size) - 1
	if idx < 0 {
		idx = 0
	}
	return idx
}

func (a *Arena) freeInsert(seg *segment) {
	idx := freelistIndex(seg.size)
	a.freelists[idx].PushBack(seg)
	a.freeMap |= 1 << uint(idx)
}

func (a *Arena) freeRemove(seg *segment) {
	idx := freelistIndex(seg.size)
	a.freelists[idx].Remove(seg)
	if a.freelists[idx].Empty() {
		a.freeMap &^= 1 << uint(idx)
	}
}

func (a *Arena) roundup(size uint64) uint64 {
	if rem := size % a.quantum; rem != 0 {
		size += a.quantum - rem
	}
	return size
}

// Alloc allocates an unconstrained run of size units.
func (a *Arena) Alloc(ctx context.Context, size uint64, flags mm.Flags) (Resource, status.Status) {
	return a.XAlloc(ctx, size, 0, 0, 0, 0, ^uint64(0), flags)
}

// XAlloc allocates size units subject to constraints: the result is
// aligned to align (plus phase), does not cross a nocross boundary,
// and lies within [min, max).
func (a *Arena) XAlloc(ctx context.Context, size, align, phase, nocross, min, max uint64, flags mm.Flags) (Resource, status.Status) {
	if size == 0 {
		return 0, status.InvalidArg
	}
	if nocross != 0 && size > nocross {
		return 0, status.InvalidArg
	}

	size = a.roundup(size)

	a.lock.Lock(ctx)
	defer a.lock.Unlock(ctx)

	for {
		if base, ok := a.findFit(size, align, phase, nocross, min, max); ok {
			a.allocs[base] = size
			a.used += size
			return base, status.Success
		}

		if a.importSpan(ctx, size, flags) {
			continue
		}

		if !flags.CanBlock() || flags&mm.Boot != 0 {
			if flags&mm.Boot != 0 {
				log.Named("vmem").Error("boot allocation failed", "arena", a.name, "size", size)
				panic(errors.Wrapf(ErrNoSpace, "arena %q boot alloc of %d", a.name, size))
			}
			return 0, status.NoMemory
		}

		// Wait for another thread to free space, then retry.
		a.space.Wait(ctx, a.lock)
	}
}

// findFit walks free segments in address order and carves the first
// one satisfying the constraints.
func (a *Arena) findFit(size, align, phase, nocross, min, max uint64) (uint64, bool) {
	if a.freeMap == 0 {
		return 0, false
	}

	for _, seg := range a.segs {
		if seg.allocated {
			continue
		}

		base, ok := fitIn(seg.base, seg.size, size, align, phase, nocross, min, max)
		if !ok {
			continue
		}

		a.carve(seg, base, size)
		return base, true
	}

	return 0, false
}

// fitIn computes the lowest start within [segBase, segBase+segSize)
// satisfying the constraints, if any.
func fitIn(segBase, segSize, size, align, phase, nocross, min, max uint64) (uint64, bool) {
	start := segBase
	if min > start {
		start = min
	}

	if align > 1 {
		if rem := (start - phase) % align; rem != 0 {
			start += align - rem
		}
	}

	for {
		if start < segBase || start+size > segBase+segSize {
			return 0, false
		}
		if max != ^uint64(0) && start+size > max {
			return 0, false
		}

		if nocross != 0 && (start/nocross) != ((start+size-1)/nocross) {
			// Bump to the next boundary and re-apply alignment.
			next := ((start / nocross) + 1) * nocross
			if align > 1 {
				if rem := (next - phase) % align; rem != 0 {
					next += align - rem
				}
			}
			if next <= start {
				return 0, false
			}
			start = next
			continue
		}

		return start, true
	}
}

// carve splits seg so that [base, base+size) becomes an allocated
// segment, leaving free remainders on either side.
func (a *Arena) carve(seg *segment, base, size uint64) {
	a.freeRemove(seg)
	a.removeSeg(seg)

	if before := base - seg.base; before != 0 {
		left := &segment{base: seg.base, size: before, span: seg.span}
		a.insertSeg(left)
		a.freeInsert(left)
	}

	if after := (seg.base + seg.size) - (base + size); after != 0 {
		right := &segment{base: base + size, size: after, span: seg.span}
		a.insertSeg(right)
		a.freeInsert(right)
	}

	alloc := &segment{base: base, size: size, allocated: true, span: seg.span}
	a.insertSeg(alloc)
}

// importSpan pulls a span from the source arena. The refilling guard
// stops a recursive refill storm when the source allocates from us
// indirectly.
func (a *Arena) importSpan(ctx context.Context, size uint64, flags mm.Flags) bool {
	if a.source == nil || a.refilling {
		return false
	}

	want := size
	if min := a.quantum * 64; want < min {
		want = min
	}

	a.refilling = true
	base, st := a.source.Alloc(ctx, want, flags&^mm.Wait|mm.NoWait)
	a.refilling = false

	if st != status.Success {
		// Retry with exactly the requested size before giving up.
		if want != size {
			a.refilling = true
			base, st = a.source.Alloc(ctx, size, flags&^mm.Wait|mm.NoWait)
			a.refilling = false
			if st == status.Success {
				want = size
			}
		}
		if st != status.Success {
			return false
		}
	}

	a.addSpanLocked(base, want, true)
	return true
}

// Free returns [base, base+size) to the arena, coalescing with free
// neighbours in the same span. Empty imported spans are released back
// to the source.
func (a *Arena) Free(ctx context.Context, base, size uint64) {
	size = a.roundup(size)

	a.lock.Lock(ctx)

	want, ok := a.allocs[base]
	if !ok || want != size {
		a.lock.Unlock(ctx)
		panic(errors.Wrapf(ErrDoubleFree, "arena %q free of %#x size %d", a.name, base, size))
	}
	delete(a.allocs, base)

	i := sort.Search(len(a.segs), func(i int) bool {
		return a.segs[i].base >= base
	})
	seg := a.segs[i]

	seg.allocated = false
	a.used -= size

	// Coalesce with the next, then the previous segment. The freed
	// segment is not on a freelist yet, so only neighbours need
	// removing.
	if i+1 < len(a.segs) {
		next := a.segs[i+1]
		if !next.allocated && next.span == seg.span && seg.base+seg.size == next.base {
			a.freeRemove(next)
			a.segs = append(a.segs[:i+1], a.segs[i+2:]...)
			seg.size += next.size
		}
	}
	if i > 0 {
		prev := a.segs[i-1]
		if !prev.allocated && prev.span == seg.span && prev.base+prev.size == seg.base {
			a.freeRemove(prev)
			prev.size += seg.size
			a.segs = append(a.segs[:i], a.segs[i+1:]...)
			seg = prev
		}
	}

	a.freeInsert(seg)

	released := a.releaseSpan(ctx, seg)

	a.lock.Unlock(ctx)

	if !released {
		a.space.Broadcast()
	}
}

// releaseSpan returns a fully-free imported span to the source. Called
// with the arena lock held.
func (a *Arena) releaseSpan(ctx context.Context, seg *segment) bool {
	sp := &a.spans[seg.span]
	if !sp.imported || seg.base != sp.base || seg.size != sp.size {
		return false
	}

	a.freeRemove(seg)
	a.removeSeg(seg)
	a.total -= sp.size
	sp.imported = false
	sp.size = 0

	// Child before parent is the arena lock order, so freeing into
	// the source while our lock is held is safe.
	a.source.Free(ctx, sp.base, seg.size)

	return true
}

// Used returns the number of allocated units.
func (a *Arena) Used(ctx context.Context) uint64 {
	a.lock.Lock(ctx)
	defer a.lock.Unlock(ctx)
	return a.used
}

// Total returns the arena's span size.
func (a *Arena) Total(ctx context.Context) uint64 {
	a.lock.Lock(ctx)
	defer a.lock.Unlock(ctx)
	return a.total
}
