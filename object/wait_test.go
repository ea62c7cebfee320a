package object

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/aejsmith/kiwi-sub011/ksync"
	"github.com/aejsmith/kiwi-sub011/pkg/waiter"
	"github.com/aejsmith/kiwi-sub011/status"
)

const (
	evFired waiter.EventType = 1 << iota
	evOther
)

func attachOne(t *testing.T, tbl *Table, obj Object, rights Rights) *Handle {
	id, st := tbl.Attach(context.Background(), obj, rights, 0)
	require.Equal(t, status.Success, st)

	h, st := tbl.Lookup(context.Background(), id)
	require.Equal(t, status.Success, st)
	return h
}

func TestWait(t *testing.T) {
	n := neko.Modern(t)
	ctx := context.Background()

	n.It("completes immediately on an already-pending event", func(t *testing.T) {
		tbl := NewTable()
		obj := newTestObject(TypeSemaphore)
		h := attachOne(t, tbl, obj, RightsAll)

		obj.Events().Notify(evFired)

		st := Wait(ctx, h, evFired, ksync.Poll)
		require.Equal(t, status.Success, st)
	})

	n.It("wakes when the event publishes later", func(t *testing.T) {
		tbl := NewTable()
		obj := newTestObject(TypeSemaphore)
		h := attachOne(t, tbl, obj, RightsAll)

		go func() {
			time.Sleep(10 * time.Millisecond)
			obj.Events().Notify(evFired)
		}()

		st := Wait(ctx, h, evFired, int64(time.Second))
		require.Equal(t, status.Success, st)
	})

	n.It("times out when nothing fires", func(t *testing.T) {
		tbl := NewTable()
		obj := newTestObject(TypeSemaphore)
		h := attachOne(t, tbl, obj, RightsAll)

		st := Wait(ctx, h, evFired, int64(10*time.Millisecond))
		require.Equal(t, status.TimedOut, st)
	})

	n.It("requires the wait right and a non-empty mask", func(t *testing.T) {
		tbl := NewTable()
		obj := newTestObject(TypeSemaphore)

		noRight := attachOne(t, tbl, obj, RightRead)
		require.Equal(t, status.AccessDenied, Wait(ctx, noRight, evFired, ksync.Poll))

		h := attachOne(t, tbl, obj, RightsAll)
		require.Equal(t, status.InvalidEvent, Wait(ctx, h, 0, ksync.Poll))
	})

	n.It("reports which of several objects fired", func(t *testing.T) {
		tbl := NewTable()
		a := newTestObject(TypeSemaphore)
		b := newTestObject(TypeTimer)

		refs := []WaitRef{
			{Handle: attachOne(t, tbl, a, RightsAll), Mask: evFired},
			{Handle: attachOne(t, tbl, b, RightsAll), Mask: evFired},
		}

		go func() {
			time.Sleep(10 * time.Millisecond)
			b.Events().Notify(evFired)
		}()

		idx, st := WaitMultiple(ctx, refs, int64(time.Second))
		require.Equal(t, status.Success, st)
		require.Equal(t, 1, idx)
	})

	n.It("returns -1 from a timed out multiple wait", func(t *testing.T) {
		tbl := NewTable()
		obj := newTestObject(TypeSemaphore)

		refs := []WaitRef{{Handle: attachOne(t, tbl, obj, RightsAll), Mask: evFired}}

		idx, st := WaitMultiple(ctx, refs, int64(10*time.Millisecond))
		require.Equal(t, status.TimedOut, st)
		require.Equal(t, -1, idx)
	})

	n.It("runs callbacks on publish until cancelled", func(t *testing.T) {
		tbl := NewTable()
		obj := newTestObject(TypeSemaphore)
		h := attachOne(t, tbl, obj, RightsAll)

		count := 0
		cb, st := RegisterCallback(h, evFired, func(fired waiter.EventType, data interface{}) {
			count++
			require.Equal(t, "data", data)
		}, "data", 0)
		require.Equal(t, status.Success, st)

		obj.Events().Notify(evFired)
		obj.Events().Notify(evOther)
		require.Equal(t, 1, count)

		cb.Cancel()
		obj.Events().Notify(evFired)
		require.Equal(t, 1, count)
	})

	n.It("fires a level callback immediately on a pending event", func(t *testing.T) {
		tbl := NewTable()
		obj := newTestObject(TypeSemaphore)
		h := attachOne(t, tbl, obj, RightsAll)

		obj.Events().Notify(evFired)

		count := 0
		cb, st := RegisterCallback(h, evFired, func(fired waiter.EventType, data interface{}) {
			count++
		}, nil, CallbackLevel)
		require.Equal(t, status.Success, st)
		require.Equal(t, 1, count)
		cb.Cancel()
	})

	n.Meow()
}
