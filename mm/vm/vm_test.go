package vm

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/aejsmith/kiwi-sub011/mm"
	"github.com/aejsmith/kiwi-sub011/mm/mmu"
	"github.com/aejsmith/kiwi-sub011/mm/page"
	"github.com/aejsmith/kiwi-sub011/platform"
	"github.com/aejsmith/kiwi-sub011/status"
)

func newTestSpace(t *testing.T) (*AddressSpace, *page.Allocator) {
	ctx := context.Background()
	machine := platform.NewHosted(1)
	phys := page.NewAllocator(ctx, 32*1024*1024)
	return NewAddressSpace(machine, phys), phys
}

func TestAddressSpace(t *testing.T) {
	n := neko.Modern(t)
	ctx := context.Background()

	rw := mmu.AccessRead | mmu.AccessWrite

	n.It("places regions by spec", func(t *testing.T) {
		as, _ := newTestSpace(t)

		base, st := as.Map(ctx, 0x20000, page.Size, SpecExact, rw, 0, nil, 0, "exact")
		require.Equal(t, status.Success, st)
		require.Equal(t, uint64(0x20000), base)

		_, st = as.Map(ctx, 0x20000, page.Size, SpecExact, rw, 0, nil, 0, "overlap")
		require.Equal(t, status.AlreadyExists, st)

		_, st = as.Map(ctx, 0x1000, page.Size, SpecExact, rw, 0, nil, 0, "low")
		require.Equal(t, status.InvalidAddr, st)

		base, st = as.Map(ctx, 0, page.Size, SpecAny, rw, 0, nil, 0, "any")
		require.Equal(t, status.Success, st)
		require.Equal(t, UserTop-page.Size, base)

		hint := UserTop - 16*page.Size
		base, st = as.Map(ctx, hint, page.Size, SpecHint, rw, 0, nil, 0, "hint")
		require.Equal(t, status.Success, st)
		require.Equal(t, hint, base)
	})

	n.It("rejects unaligned requests", func(t *testing.T) {
		as, _ := newTestSpace(t)

		_, st := as.Map(ctx, 0, 100, SpecAny, rw, 0, nil, 0, "odd-size")
		require.Equal(t, status.InvalidArg, st)
		_, st = as.Map(ctx, 0x20010, page.Size, SpecExact, rw, 0, nil, 0, "odd-addr")
		require.Equal(t, status.InvalidArg, st)
		_, st = as.Map(ctx, 0, 0, SpecAny, rw, 0, nil, 0, "empty")
		require.Equal(t, status.InvalidArg, st)

		require.Equal(t, status.InvalidArg, as.Unmap(ctx, 0x20000, 100))
	})

	n.It("moves bytes through demand-faulted pages", func(t *testing.T) {
		as, _ := newTestSpace(t)

		base, st := as.Map(ctx, 0, 4*page.Size, SpecAny, rw, 0, nil, 0, "anon")
		require.Equal(t, status.Success, st)

		require.Equal(t, status.Success, as.WriteBytes(ctx, base, []byte("hello")))

		buf := make([]byte, 5)
		require.Equal(t, status.Success, as.ReadBytes(ctx, base, buf))
		require.Equal(t, "hello", string(buf))

		// Crossing a page boundary.
		edge := base + page.Size - 3
		require.Equal(t, status.Success, as.WriteBytes(ctx, edge, []byte("astride")))
		buf = make([]byte, 7)
		require.Equal(t, status.Success, as.ReadBytes(ctx, edge, buf))
		require.Equal(t, "astride", string(buf))
	})

	n.It("enforces region access", func(t *testing.T) {
		as, _ := newTestSpace(t)

		base, st := as.Map(ctx, 0, page.Size, SpecAny, mmu.AccessRead, 0, nil, 0, "ro")
		require.Equal(t, status.Success, st)

		require.Equal(t, status.AccessDenied, as.WriteBytes(ctx, base, []byte("x")))
		require.Equal(t, status.Success, as.ReadBytes(ctx, base, make([]byte, 1)))

		require.Equal(t, status.InvalidAddr,
			as.ReadBytes(ctx, UserBase, make([]byte, 1)))
	})

	n.It("keeps the stack guard page unmapped", func(t *testing.T) {
		as, _ := newTestSpace(t)

		base, st := as.Map(ctx, 0, 4*page.Size, SpecAny, rw, RegionStack, nil, 0, "stack")
		require.Equal(t, status.Success, st)

		require.Equal(t, status.InvalidAddr, as.Fault(ctx, base, mmu.AccessWrite))
		require.Equal(t, status.Success, as.Fault(ctx, base+page.Size, mmu.AccessWrite))
	})

	n.It("splits regions on partial unmap", func(t *testing.T) {
		as, _ := newTestSpace(t)

		base, st := as.Map(ctx, 0x100000, 4*page.Size, SpecExact, rw, 0, nil, 0, "big")
		require.Equal(t, status.Success, st)

		require.Equal(t, status.Success, as.WriteBytes(ctx, base, []byte("first")))
		require.Equal(t, status.Success, as.WriteBytes(ctx, base+3*page.Size, []byte("last")))

		require.Equal(t, status.Success, as.Unmap(ctx, base+page.Size, 2*page.Size))

		buf := make([]byte, 5)
		require.Equal(t, status.Success, as.ReadBytes(ctx, base, buf))
		require.Equal(t, "first", string(buf))
		require.Equal(t, status.Success, as.ReadBytes(ctx, base+3*page.Size, buf[:4]))
		require.Equal(t, "last", string(buf[:4]))

		require.Equal(t, status.InvalidAddr,
			as.ReadBytes(ctx, base+page.Size, make([]byte, 1)))

		_, ok := as.Find(base)
		require.True(t, ok)
		_, ok = as.Find(base + page.Size)
		require.False(t, ok)
		_, ok = as.Find(base + 3*page.Size)
		require.True(t, ok)
	})

	n.It("copies private regions on write", func(t *testing.T) {
		as, phys := newTestSpace(t)

		obj := NewAnon(phys, page.Size)

		shared, st := as.Map(ctx, 0, page.Size, SpecAny, rw, 0, obj, 0, "shared")
		require.Equal(t, status.Success, st)
		private, st := as.Map(ctx, 0, page.Size, SpecAny, rw, RegionPrivate, obj, 0, "private")
		require.Equal(t, status.Success, st)

		require.Equal(t, status.Success, as.WriteBytes(ctx, shared, []byte("orig")))

		// The private mapping sees the object's content until written.
		buf := make([]byte, 4)
		require.Equal(t, status.Success, as.ReadBytes(ctx, private, buf))
		require.Equal(t, "orig", string(buf))

		require.Equal(t, status.Success, as.WriteBytes(ctx, private, []byte("priv")))

		require.Equal(t, status.Success, as.ReadBytes(ctx, shared, buf))
		require.Equal(t, "orig", string(buf))
		require.Equal(t, status.Success, as.ReadBytes(ctx, private, buf))
		require.Equal(t, "priv", string(buf))

		obj.Deref(ctx)
	})

	n.It("reads C strings with a bound", func(t *testing.T) {
		as, _ := newTestSpace(t)

		base, _ := as.Map(ctx, 0, page.Size, SpecAny, rw, 0, nil, 0, "strings")
		require.Equal(t, status.Success,
			as.WriteBytes(ctx, base, []byte("kiwi\x00trailing")))

		s, st := as.ReadCString(ctx, base, 64)
		require.Equal(t, status.Success, st)
		require.Equal(t, "kiwi", s)

		_, st = as.ReadCString(ctx, base, 3)
		require.Equal(t, status.TooLong, st)
	})

	n.It("returns every frame on destroy", func(t *testing.T) {
		as, phys := newTestSpace(t)

		base, _ := as.Map(ctx, 0, 8*page.Size, SpecAny, rw, 0, nil, 0, "all")
		for i := uint64(0); i < 8; i++ {
			require.Equal(t, status.Success,
				as.WriteBytes(ctx, base+i*page.Size, []byte{1}))
		}
		require.Equal(t, uint64(8), phys.Stats().Allocated)

		as.Destroy(ctx)
		require.Zero(t, phys.Stats().Allocated)
	})

	n.Meow()
}

// stubPager serves file pages out of a byte slice.
type stubPager struct {
	content []byte
}

func (p *stubPager) ReadPage(ctx context.Context, buf []byte, offset uint64) status.Status {
	if offset < uint64(len(p.content)) {
		copy(buf, p.content[offset:])
	}
	return status.Success
}

func (p *stubPager) Length() uint64 { return uint64(len(p.content)) }

func TestObjects(t *testing.T) {
	n := neko.Modern(t)
	ctx := context.Background()

	n.It("serves stable zero-filled anonymous pages", func(t *testing.T) {
		_, phys := newTestSpace(t)

		obj := NewAnon(phys, 2*page.Size)
		require.Equal(t, uint64(2*page.Size), obj.Size())

		p1, st := obj.Page(ctx, 0)
		require.Equal(t, status.Success, st)
		require.Equal(t, make([]byte, page.Size), p1.Data())

		p2, st := obj.Page(ctx, 0)
		require.Equal(t, status.Success, st)
		require.Equal(t, p1.Addr(), p2.Addr())

		_, st = obj.Page(ctx, 2*page.Size)
		require.Equal(t, status.InvalidAddr, st)

		obj.Release(ctx, p1)
		obj.Release(ctx, p2)
		require.Equal(t, uint64(1), phys.Stats().Allocated)

		obj.Deref(ctx)
		require.Zero(t, phys.Stats().Allocated)
	})

	n.It("frees frames beyond a shrink", func(t *testing.T) {
		_, phys := newTestSpace(t)

		obj := NewAnon(phys, 4*page.Size)
		for off := uint64(0); off < 4*page.Size; off += page.Size {
			p, st := obj.Page(ctx, off)
			require.Equal(t, status.Success, st)
			obj.Release(ctx, p)
		}
		require.Equal(t, uint64(4), phys.Stats().Allocated)

		require.Equal(t, status.Success, obj.Resize(ctx, page.Size))
		require.Equal(t, uint64(1), phys.Stats().Allocated)

		_, st := obj.Page(ctx, 2*page.Size)
		require.Equal(t, status.InvalidAddr, st)

		obj.Deref(ctx)
	})

	n.It("exposes a fixed physical range as a device object", func(t *testing.T) {
		_, phys := newTestSpace(t)

		base, st := phys.Alloc(ctx, 2, page.Constraints{}, mm.NoWait)
		require.Equal(t, status.Success, st)

		dev := NewDevice(phys, base, 2*page.Size)
		require.Equal(t, uint64(2*page.Size), dev.Size())

		p, st := dev.Page(ctx, page.Size)
		require.Equal(t, status.Success, st)
		require.Equal(t, base+page.Size, p.Addr())
		dev.Release(ctx, p)

		_, st = dev.Page(ctx, 2*page.Size)
		require.Equal(t, status.InvalidAddr, st)
	})

	n.It("demand-loads file pages through the pager", func(t *testing.T) {
		_, phys := newTestSpace(t)

		content := bytes.Repeat([]byte("kiwi"), page.Size/2)
		obj := NewFile(phys, &stubPager{content: content})
		require.Equal(t, uint64(len(content)), obj.Size())

		p, st := obj.Page(ctx, 0)
		require.Equal(t, status.Success, st)
		require.Equal(t, content[:page.Size], p.Data())
		obj.Release(ctx, p)

		p2, st := obj.Page(ctx, page.Size)
		require.Equal(t, status.Success, st)
		require.Equal(t, content[page.Size:], p2.Data()[:page.Size])
		obj.Release(ctx, p2)
	})

	n.It("drops only clean pages under pressure", func(t *testing.T) {
		_, phys := newTestSpace(t)

		obj := NewFile(phys, &stubPager{content: make([]byte, 2*page.Size)})

		dirty, st := obj.Page(ctx, 0)
		require.Equal(t, status.Success, st)
		dirty.Dirty = true
		obj.Release(ctx, dirty)

		clean, st := obj.Page(ctx, page.Size)
		require.Equal(t, status.Success, st)
		obj.Release(ctx, clean)

		require.Equal(t, 1, obj.DropClean(ctx))
		require.Equal(t, uint64(1), phys.Stats().Allocated)

		obj.Deref(ctx)
		require.Zero(t, phys.Stats().Allocated)
	})

	n.Meow()
}
