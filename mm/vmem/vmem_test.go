package vmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/aejsmith/kiwi-sub011/mm"
	"github.com/aejsmith/kiwi-sub011/status"
)

func TestArena(t *testing.T) {
	n := neko.Modern(t)
	ctx := context.Background()

	n.It("round-trips alloc and free without leaking", func(t *testing.T) {
		a := New("test", 0x1000, 0x10000, 0x1000)

		var bases []uint64
		for i := 0; i < 16; i++ {
			base, st := a.Alloc(ctx, 0x1000, mm.NoWait)
			require.Equal(t, status.Success, st)
			bases = append(bases, base)
		}
		require.Equal(t, uint64(0x10000), a.Used(ctx))

		// Arena exhausted.
		_, st := a.Alloc(ctx, 0x1000, mm.NoWait)
		require.Equal(t, status.NoMemory, st)

		for _, base := range bases {
			a.Free(ctx, base, 0x1000)
		}
		require.Equal(t, uint64(0), a.Used(ctx))

		// Freed segments coalesce back into one span-sized run.
		base, st := a.Alloc(ctx, 0x10000, mm.NoWait)
		require.Equal(t, status.Success, st)
		require.Equal(t, uint64(0x1000), base)
	})

	n.It("rounds requests up to the quantum", func(t *testing.T) {
		a := New("test", 0, 0x10000, 0x1000)

		base, st := a.Alloc(ctx, 1, mm.NoWait)
		require.Equal(t, status.Success, st)

		next, st := a.Alloc(ctx, 1, mm.NoWait)
		require.Equal(t, status.Success, st)
		require.Equal(t, base+0x1000, next)

		a.Free(ctx, base, 1)
		a.Free(ctx, next, 1)
	})

	n.It("honours alignment and phase constraints", func(t *testing.T) {
		a := New("test", 0x1000, 0x100000, 0x1000)

		base, st := a.XAlloc(ctx, 0x1000, 0x10000, 0, 0, 0, ^uint64(0), mm.NoWait)
		require.Equal(t, status.Success, st)
		require.Equal(t, uint64(0), base%0x10000)

		phased, st := a.XAlloc(ctx, 0x1000, 0x10000, 0x3000, 0, 0, ^uint64(0), mm.NoWait)
		require.Equal(t, status.Success, st)
		require.Equal(t, uint64(0x3000), phased%0x10000)
	})

	n.It("allocates an exact requested range", func(t *testing.T) {
		a := New("ids", 0, 64, 1)

		id, st := a.XAlloc(ctx, 1, 0, 0, 0, 7, 8, mm.NoWait)
		require.Equal(t, status.Success, st)
		require.Equal(t, uint64(7), id)

		// The same slot is taken now.
		_, st = a.XAlloc(ctx, 1, 0, 0, 0, 7, 8, mm.NoWait)
		require.Equal(t, status.NoMemory, st)

		a.Free(ctx, id, 1)
		id, st = a.XAlloc(ctx, 1, 0, 0, 0, 7, 8, mm.NoWait)
		require.Equal(t, status.Success, st)
		require.Equal(t, uint64(7), id)
	})

	n.It("never crosses a nocross boundary", func(t *testing.T) {
		a := New("test", 0x1000, 0x100000, 0x1000)

		// Leave 0x3000 free below the first 64K boundary.
		_, st := a.XAlloc(ctx, 0xC000, 0, 0, 0, 0, ^uint64(0), mm.NoWait)
		require.Equal(t, status.Success, st)

		base, st := a.XAlloc(ctx, 0x4000, 0, 0, 0x10000, 0, ^uint64(0), mm.NoWait)
		require.Equal(t, status.Success, st)
		require.Equal(t, base/0x10000, (base+0x4000-1)/0x10000)
	})

	n.It("imports spans from a source arena on demand", func(t *testing.T) {
		src := New("parent", 0x100000, 0x100000, 0x1000)
		sub := NewSub("child", 0x1000, src)

		base, st := sub.Alloc(ctx, 0x1000, mm.NoWait)
		require.Equal(t, status.Success, st)
		require.True(t, base >= 0x100000)
		require.True(t, src.Used(ctx) > 0)

		// Releasing the only allocation lets the imported span drain
		// back to the parent.
		sub.Free(ctx, base, 0x1000)
		require.Equal(t, uint64(0), src.Used(ctx))
	})

	n.It("rejects invalid requests", func(t *testing.T) {
		a := New("test", 0, 0x10000, 0x1000)

		_, st := a.Alloc(ctx, 0, mm.NoWait)
		require.Equal(t, status.InvalidArg, st)

		// size > nocross can never fit.
		_, st = a.XAlloc(ctx, 0x2000, 0, 0, 0x1000, 0, ^uint64(0), mm.NoWait)
		require.Equal(t, status.InvalidArg, st)
	})

	n.Meow()
}
