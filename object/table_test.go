package object

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/aejsmith/kiwi-sub011/status"
)

// testObject is a minimal refcounted object for table tests.
type testObject struct {
	Base
	destroyed bool
}

func newTestObject(typ Type) *testObject {
	o := &testObject{}
	o.InitObject(typ, func(ctx context.Context) {
		o.destroyed = true
	})
	return o
}

func TestTable(t *testing.T) {
	n := neko.Modern(t)
	ctx := context.Background()

	n.It("resolves an attached object to the same identity", func(t *testing.T) {
		tbl := NewTable()
		obj := newTestObject(TypeSemaphore)

		id, st := tbl.Attach(ctx, obj, RightsAll, 0)
		require.Equal(t, status.Success, st)
		require.True(t, id >= 0)

		h, st := tbl.Lookup(ctx, id)
		require.Equal(t, status.Success, st)
		require.Same(t, Object(obj), h.Object())
		require.Equal(t, RightsAll, h.Rights())
	})

	n.It("fails lookups of unknown handles", func(t *testing.T) {
		tbl := NewTable()

		_, st := tbl.Lookup(ctx, 12)
		require.Equal(t, status.InvalidHandle, st)

		st = tbl.Close(ctx, 12)
		require.Equal(t, status.InvalidHandle, st)
	})

	n.It("checks the type tag on typed lookups", func(t *testing.T) {
		tbl := NewTable()
		obj := newTestObject(TypeSemaphore)

		id, _ := tbl.Attach(ctx, obj, RightsAll, 0)

		_, st := tbl.LookupType(ctx, id, TypeSemaphore)
		require.Equal(t, status.Success, st)

		_, st = tbl.LookupType(ctx, id, TypeTimer)
		require.Equal(t, status.IncorrectType, st)
	})

	n.It("enforces rights on handles", func(t *testing.T) {
		tbl := NewTable()
		obj := newTestObject(TypeSemaphore)

		id, _ := tbl.Attach(ctx, obj, RightRead, 0)
		h, _ := tbl.Lookup(ctx, id)

		require.Equal(t, status.Success, h.Check(RightRead))
		require.Equal(t, status.AccessDenied, h.Check(RightWrite))
		require.Equal(t, status.AccessDenied, h.Check(RightRead|RightWrite))
	})

	n.It("drops the object reference on close", func(t *testing.T) {
		tbl := NewTable()
		obj := newTestObject(TypeSemaphore)

		id, _ := tbl.Attach(ctx, obj, RightsAll, 0)
		require.Equal(t, int32(2), obj.Refs())

		require.Equal(t, status.Success, tbl.Close(ctx, id))
		require.Equal(t, int32(1), obj.Refs())
		require.False(t, obj.destroyed)

		// The creator's reference is the last one.
		obj.Release(ctx)
		require.True(t, obj.destroyed)
	})

	n.It("reuses closed handle IDs", func(t *testing.T) {
		tbl := NewTable()
		obj := newTestObject(TypeSemaphore)

		id, _ := tbl.Attach(ctx, obj, RightsAll, 0)
		tbl.Close(ctx, id)

		again, st := tbl.Attach(ctx, obj, RightsAll, 0)
		require.Equal(t, status.Success, st)
		require.Equal(t, id, again)
	})

	n.It("duplicates to an explicit destination", func(t *testing.T) {
		tbl := NewTable()
		obj := newTestObject(TypeSemaphore)

		src, _ := tbl.Attach(ctx, obj, RightsAll, 0)

		dup, st := tbl.Duplicate(ctx, src, 17)
		require.Equal(t, status.Success, st)
		require.Equal(t, int32(17), dup)

		// Occupied destinations are rejected.
		_, st = tbl.Duplicate(ctx, src, 17)
		require.Equal(t, status.AlreadyExists, st)

		// Both handles reach the same object.
		a, _ := tbl.Lookup(ctx, src)
		b, _ := tbl.Lookup(ctx, dup)
		require.Same(t, a.Object(), b.Object())
	})

	n.It("transfers a handle between tables", func(t *testing.T) {
		src := NewTable()
		dst := NewTable()
		obj := newTestObject(TypeSemaphore)

		id, _ := src.Attach(ctx, obj, RightRead|RightTransfer, 0)

		nid, st := src.Transfer(ctx, dst, id)
		require.Equal(t, status.Success, st)

		_, st = src.Lookup(ctx, id)
		require.Equal(t, status.InvalidHandle, st)

		h, st := dst.Lookup(ctx, nid)
		require.Equal(t, status.Success, st)
		require.Equal(t, RightRead|RightTransfer, h.Rights())
	})

	n.It("refuses to transfer without the right", func(t *testing.T) {
		src := NewTable()
		dst := NewTable()
		obj := newTestObject(TypeSemaphore)

		id, _ := src.Attach(ctx, obj, RightRead, 0)

		_, st := src.Transfer(ctx, dst, id)
		require.Equal(t, status.AccessDenied, st)

		// Still present in the source.
		_, st = src.Lookup(ctx, id)
		require.Equal(t, status.Success, st)
	})

	n.It("inherits only inheritable handles, at the same IDs", func(t *testing.T) {
		tbl := NewTable()
		kept := newTestObject(TypeSemaphore)
		skipped := newTestObject(TypeTimer)

		keptID, _ := tbl.Attach(ctx, kept, RightsAll, FlagInheritable)
		skippedID, _ := tbl.Attach(ctx, skipped, RightsAll, 0)

		child := tbl.Inherit(ctx)

		h, st := child.Lookup(ctx, keptID)
		require.Equal(t, status.Success, st)
		require.Same(t, Object(kept), h.Object())

		_, st = child.Lookup(ctx, skippedID)
		require.Equal(t, status.InvalidHandle, st)
	})

	n.It("closes every handle on destroy", func(t *testing.T) {
		tbl := NewTable()
		obj := newTestObject(TypeSemaphore)

		tbl.Attach(ctx, obj, RightsAll, 0)
		tbl.Attach(ctx, obj, RightsAll, 0)
		require.Equal(t, 2, tbl.Count(ctx))

		tbl.Destroy(ctx)
		require.Equal(t, 0, tbl.Count(ctx))
		require.Equal(t, int32(1), obj.Refs())
	})

	n.It("runs out of handles at the table limit", func(t *testing.T) {
		tbl := NewTable()
		obj := newTestObject(TypeSemaphore)

		_, st := tbl.Attach(ctx, obj, RightsAll, 0)
		require.Equal(t, status.Success, st)

		_, st = tbl.attachLocked(ctx, obj, RightsAll, 0, MaxHandles)
		require.Equal(t, status.InvalidArg, st)
	})

	n.Meow()
}
