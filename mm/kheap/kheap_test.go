package kheap

import (
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

func newTestHeap(t *testing.T, memory uint64) (*Heap, *page.Allocator, *mmu.Context) {
	ctx := context.Background()
	machine := platform.NewHosted(1)
	phys := page.NewAllocator(ctx, memory)
	kctx := mmu.NewContext(machine)
	return New(ctx, machine, phys, kctx), phys, kctx
}

func TestHeap(t *testing.T) {
	n := neko.Modern(t)
	ctx := context.Background()

	n.It("round-trips page-backed allocations", func(t *testing.T) {
		h, phys, kctx := newTestHeap(t, 32*1024*1024)

		va, st := h.Alloc(ctx, page.Size, mm.NoWait)
		require.Equal(t, status.Success, st)
		require.Equal(t, uint64(1), phys.Stats().Allocated)

		// The range is translated in the kernel context.
		_, _, ok := kctx.Lookup(va)
		require.True(t, ok)

		buf, ok := h.Bytes(va)
		require.True(t, ok)
		copy(buf, "heap data")

		again, ok := h.Bytes(va)
		require.True(t, ok)
		require.Equal(t, "heap data", string(again[:9]))

		h.Free(ctx, va)
		require.Zero(t, phys.Stats().Allocated)
		_, _, ok = kctx.Lookup(va)
		require.False(t, ok)
	})

	n.It("backs multi-page ranges with one frame per page", func(t *testing.T) {
		h, phys, kctx := newTestHeap(t, 32*1024*1024)

		va, st := h.Alloc(ctx, 3*page.Size, mm.NoWait)
		require.Equal(t, status.Success, st)
		require.Equal(t, uint64(3), phys.Stats().Allocated)

		for i := uint64(0); i < 3; i++ {
			_, _, ok := kctx.Lookup(va + i*page.Size)
			require.True(t, ok)
		}

		// Bytes is a single-frame window only.
		_, ok := h.Bytes(va)
		require.False(t, ok)

		h.Free(ctx, va)
		require.Zero(t, phys.Stats().Allocated)
	})

	n.It("rejects empty allocations and unknown frees", func(t *testing.T) {
		h, _, _ := newTestHeap(t, 32*1024*1024)

		_, st := h.Alloc(ctx, 0, mm.NoWait)
		require.Equal(t, status.InvalidArg, st)

		require.Panics(t, func() { h.Free(ctx, heapBase+0x123000) })
	})

	n.It("unwinds cleanly when frames run out", func(t *testing.T) {
		h, phys, _ := newTestHeap(t, 16*page.Size)

		_, st := h.Alloc(ctx, 17*page.Size, mm.NoWait)
		require.Equal(t, status.NoMemory, st)

		// The partial frames and the address range came back.
		require.Zero(t, phys.Stats().Allocated)

		va, st := h.Alloc(ctx, 16*page.Size, mm.NoWait)
		require.Equal(t, status.Success, st)
		h.Free(ctx, va)
	})

	n.It("unwinds cleanly when the kernel context refuses a mapping", func(t *testing.T) {
		h, phys, kctx := newTestHeap(t, 32*1024*1024)

		// Learn where the next range will land, then squat on its
		// second page so the first maps and the second does not.
		va, st := h.Alloc(ctx, page.Size, mm.NoWait)
		require.Equal(t, status.Success, st)
		h.Free(ctx, va)

		require.Equal(t, status.Success,
			kctx.Map(ctx, va+page.Size, 0, mmu.AccessRead, mmu.CacheWriteBack))

		_, st = h.Alloc(ctx, 2*page.Size, mm.NoWait)
		require.Equal(t, status.AlreadyExists, st)

		// Every frame came back and the heap's first page was unmapped
		// again; no frame was freed twice.
		require.Zero(t, phys.Stats().Allocated)
		_, _, ok := kctx.Lookup(va)
		require.False(t, ok)
	})

	n.Meow()
}

func TestCaches(t *testing.T) {
	n := neko.Modern(t)

	type obj struct{ n int }

	newCache := func(name string) (*Cache, *int) {
		built := 0
		machine := platform.NewHosted(1)
		c := NewCache(name, machine, func() interface{} {
			built++
			return &obj{n: built}
		})
		return c, &built
	}

	n.It("recycles freed objects through the magazine", func(t *testing.T) {
		c, built := newCache("recycle")

		a := c.Alloc().(*obj)
		require.Equal(t, 1, *built)

		c.Free(a)
		b := c.Alloc().(*obj)
		require.Same(t, a, b)
		require.Equal(t, 1, *built)
	})

	n.It("rotates full magazines into the depot", func(t *testing.T) {
		c, built := newCache("depot")

		var objs []interface{}
		for i := 0; i < magazineSize+4; i++ {
			objs = append(objs, c.Alloc())
		}
		require.Equal(t, magazineSize+4, *built)

		for _, o := range objs {
			c.Free(o)
		}

		// Everything comes back out of magazines, nothing rebuilt.
		for i := 0; i < magazineSize+4; i++ {
			c.Alloc()
		}
		require.Equal(t, magazineSize+4, *built)
	})

	n.It("shrinks only depot magazines", func(t *testing.T) {
		c, _ := newCache("shrink")

		var objs []interface{}
		for i := 0; i < magazineSize+4; i++ {
			objs = append(objs, c.Alloc())
		}
		for _, o := range objs {
			c.Free(o)
		}

		// One full magazine went to the depot; the loaded one stays.
		require.Equal(t, magazineSize, c.Shrink())
		require.Zero(t, c.Shrink())
	})

	n.It("shrinks every registered cache under pressure", func(t *testing.T) {
		c, _ := newCache("registered")
		Register(c)

		var objs []interface{}
		for i := 0; i < magazineSize+1; i++ {
			objs = append(objs, c.Alloc())
		}
		for _, o := range objs {
			c.Free(o)
		}

		require.GreaterOrEqual(t, ShrinkAll(), magazineSize)
		require.Zero(t, c.Shrink())
	})

	n.Meow()
}

func TestPhysWindow(t *testing.T) {
	n := neko.Modern(t)
	ctx := context.Background()

	n.It("moves bytes across frame boundaries", func(t *testing.T) {
		h, phys, _ := newTestHeap(t, 32*1024*1024)

		base, st := phys.Alloc(ctx, 2, page.Constraints{}, mm.NoWait)
		require.Equal(t, status.Success, st)

		w, st := h.PhysMap(ctx, base, 2*page.Size)
		require.Equal(t, status.Success, st)
		require.Equal(t, uint64(2*page.Size), w.Size())

		msg := []byte("straddles the frame edge")
		off := uint64(page.Size - 8)
		require.Equal(t, status.Success, w.WriteAt(msg, off))

		buf := make([]byte, len(msg))
		require.Equal(t, status.Success, w.ReadAt(buf, off))
		require.Equal(t, msg, buf)
	})

	n.It("bounds the window", func(t *testing.T) {
		h, phys, _ := newTestHeap(t, 32*1024*1024)

		base, _ := phys.Alloc(ctx, 1, page.Constraints{}, mm.NoWait)

		_, st := h.PhysMap(ctx, base, 0)
		require.Equal(t, status.InvalidArg, st)

		w, st := h.PhysMap(ctx, base, page.Size)
		require.Equal(t, status.Success, st)

		require.Equal(t, status.InvalidAddr,
			w.ReadAt(make([]byte, 8), page.Size-4))
	})

	n.Meow()
}
