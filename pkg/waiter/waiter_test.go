package waiter

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

const (
	evReadable EventType = 1 << iota
	evWritable
	evHangup
)

func TestWaiter(t *testing.T) {
	n := neko.Modern(t)

	n.It("notifies registrations matching the mask", func(t *testing.T) {
		var w Waiter

		var fired EventType
		e := &Event{
			Mask: evReadable | evHangup,
			Callback: func(e *Event, f EventType) {
				fired |= f
			},
		}
		w.Register(e)

		w.Notify(evWritable)
		require.Equal(t, EventType(0), fired)

		w.Notify(evReadable)
		require.Equal(t, evReadable, fired)

		w.Notify(evHangup | evWritable)
		require.Equal(t, evReadable|evHangup, fired)
	})

	n.It("does not fire after unregistering", func(t *testing.T) {
		var w Waiter

		count := 0
		e := &Event{
			Mask:     evReadable,
			Callback: func(e *Event, f EventType) { count++ },
		}
		w.Register(e)

		w.Notify(evReadable)
		w.Unregister(e)
		w.Notify(evReadable)

		require.Equal(t, 1, count)
	})

	n.It("edge registration misses already-pending conditions", func(t *testing.T) {
		var w Waiter

		w.Notify(evReadable)

		count := 0
		w.Register(&Event{
			Mask:     evReadable,
			Callback: func(e *Event, f EventType) { count++ },
		})
		require.Equal(t, 0, count)
	})

	n.It("level registration fires immediately on pending conditions", func(t *testing.T) {
		var w Waiter

		w.Notify(evReadable | evWritable)

		var fired EventType
		w.RegisterLevel(&Event{
			Mask:     evReadable,
			Callback: func(e *Event, f EventType) { fired |= f },
		})
		require.Equal(t, evReadable, fired)
	})

	n.It("clear retracts pending conditions", func(t *testing.T) {
		var w Waiter

		w.Notify(evReadable)
		require.Equal(t, evReadable, w.Pending())

		w.Clear(evReadable)
		require.Equal(t, EventType(0), w.Pending())

		count := 0
		w.RegisterLevel(&Event{
			Mask:     evReadable,
			Callback: func(e *Event, f EventType) { count++ },
		})
		require.Equal(t, 0, count)
	})

	n.It("pokes a registered channel without blocking", func(t *testing.T) {
		var w Waiter

		c := make(chan struct{}, 1)
		w.RegisterChannel(evHangup, c)

		w.Notify(evHangup)
		w.Notify(evHangup) // second poke is dropped, not a deadlock

		select {
		case <-c:
		default:
			t.Fatal("expected channel poke")
		}
	})

	n.Meow()
}
