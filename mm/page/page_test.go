package page

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/aejsmith/kiwi-sub011/mm"
	"github.com/aejsmith/kiwi-sub011/status"
)

func TestAllocator(t *testing.T) {
	n := neko.Modern(t)
	ctx := context.Background()

	n.It("accounts allocations and frees", func(t *testing.T) {
		al := NewAllocator(ctx, 32*1024*1024)

		s := al.Stats()
		require.Equal(t, uint64(8192), s.Total)
		require.Equal(t, s.Total, s.FreePages)

		base, st := al.Alloc(ctx, 4, Constraints{}, mm.NoWait)
		require.Equal(t, status.Success, st)

		s = al.Stats()
		require.Equal(t, uint64(4), s.Allocated)
		require.Equal(t, s.Total-4, s.FreePages)

		for i := 0; i < 4; i++ {
			p, ok := al.Lookup(base + Addr(i*Size))
			require.True(t, ok)
			require.Equal(t, StateAllocated, p.State())
		}

		al.Free(ctx, base, 4)
		s = al.Stats()
		require.Zero(t, s.Allocated)
		require.Equal(t, s.Total, s.FreePages)
	})

	n.It("prefers the least restricted zone", func(t *testing.T) {
		al := NewAllocator(ctx, 32*1024*1024)

		// 16MiB..32MiB is dma32; below that is dma16.
		base, st := al.Alloc(ctx, 1, Constraints{}, mm.NoWait)
		require.Equal(t, status.Success, st)
		require.GreaterOrEqual(t, uint64(base), uint64(16<<20))
	})

	n.It("honours allocation constraints", func(t *testing.T) {
		al := NewAllocator(ctx, 32*1024*1024)

		base, st := al.Alloc(ctx, 1, Constraints{Align: 0x100000}, mm.NoWait)
		require.Equal(t, status.Success, st)
		require.Zero(t, uint64(base)%0x100000)

		base, st = al.Alloc(ctx, 1, Constraints{MaxAddr: 16 << 20}, mm.NoWait)
		require.Equal(t, status.Success, st)
		require.LessOrEqual(t, uint64(base)+Size, uint64(16<<20))

		base, st = al.Alloc(ctx, 4, Constraints{Boundary: 0x10000}, mm.NoWait)
		require.Equal(t, status.Success, st)
		require.Equal(t, uint64(base)/0x10000, (uint64(base)+4*Size-1)/0x10000)

		_, st = al.Alloc(ctx, 0, Constraints{}, mm.NoWait)
		require.Equal(t, status.InvalidArg, st)
	})

	n.It("zeroes frames on request", func(t *testing.T) {
		al := NewAllocator(ctx, 1024*1024)

		base, st := al.Alloc(ctx, 1, Constraints{}, mm.NoWait)
		require.Equal(t, status.Success, st)

		p, _ := al.Lookup(base)
		copy(p.Data(), "dirty")
		al.Free(ctx, base, 1)

		// Corner the same frame and ask for it clean.
		again, st := al.Alloc(ctx, 1,
			Constraints{MinAddr: base, MaxAddr: base + Size}, mm.NoWait|mm.Zero)
		require.Equal(t, status.Success, st)
		require.Equal(t, base, again)

		p, _ = al.Lookup(again)
		require.Equal(t, make([]byte, Size), p.Data())
	})

	n.It("fails fast when nothing fits", func(t *testing.T) {
		al := NewAllocator(ctx, 16*Size)

		base, st := al.Alloc(ctx, 16, Constraints{}, mm.NoWait)
		require.Equal(t, status.Success, st)

		_, st = al.Alloc(ctx, 1, Constraints{}, mm.NoWait)
		require.Equal(t, status.NoMemory, st)
		_, st = al.Alloc(ctx, 1, Constraints{}, mm.Atomic)
		require.Equal(t, status.NoMemory, st)

		al.Free(ctx, base, 16)
	})

	n.It("runs the page daemon before a WAIT retry", func(t *testing.T) {
		al := NewAllocator(ctx, 16*Size)

		base, st := al.Alloc(ctx, 16, Constraints{}, mm.NoWait)
		require.Equal(t, status.Success, st)

		reclaimed := false
		al.RegisterReclaim(func(ctx context.Context) bool {
			if reclaimed {
				return false
			}
			reclaimed = true
			al.Free(ctx, base, 16)
			return true
		})

		_, st = al.Alloc(ctx, 1, Constraints{}, mm.Wait)
		require.Equal(t, status.Success, st)
		require.True(t, reclaimed)
	})

	n.It("panics on a bad free", func(t *testing.T) {
		al := NewAllocator(ctx, 16*Size)

		require.Panics(t, func() { al.Free(ctx, 0, 1) })
	})

	n.Meow()
}

func TestFrames(t *testing.T) {
	n := neko.Modern(t)
	ctx := context.Background()

	n.It("frees a frame on its last release", func(t *testing.T) {
		al := NewAllocator(ctx, 16*Size)

		base, st := al.Alloc(ctx, 1, Constraints{}, mm.NoWait)
		require.Equal(t, status.Success, st)

		p, ok := al.Lookup(base)
		require.True(t, ok)

		al.Retain(p)
		al.Release(ctx, p)
		require.Equal(t, StateAllocated, p.State())

		al.Release(ctx, p)
		require.Equal(t, StateFree, p.State())
		require.Zero(t, al.Stats().Allocated)
	})

	n.It("rounds lookups down to the frame base", func(t *testing.T) {
		al := NewAllocator(ctx, 16*Size)

		base, _ := al.Alloc(ctx, 1, Constraints{}, mm.NoWait)
		p, ok := al.Lookup(base + 123)
		require.True(t, ok)
		require.Equal(t, base, p.Addr())

		_, ok = al.Lookup(Addr(1 << 40))
		require.False(t, ok)
	})

	n.It("keeps reserved frames off the free lists", func(t *testing.T) {
		al := NewAllocator(ctx, 16*Size)

		require.Equal(t, status.Success, al.Reserve(ctx, 0, 8))
		require.Equal(t, uint64(8), al.Stats().Reserved)

		// Everything that remains is above the reservation.
		for i := 0; i < 8; i++ {
			base, st := al.Alloc(ctx, 1, Constraints{}, mm.NoWait)
			require.Equal(t, status.Success, st)
			require.GreaterOrEqual(t, uint64(base), uint64(8*Size))
		}
		_, st := al.Alloc(ctx, 1, Constraints{}, mm.NoWait)
		require.Equal(t, status.NoMemory, st)

		// Reserving allocated frames fails.
		require.Equal(t, status.InUse, al.Reserve(ctx, 8*Size, 1))
	})

	n.Meow()
}
