package object

import (
	"context"
	"sync/atomic"

	"github.com/aejsmith/kiwi-sub011/ksync"
	"github.com/aejsmith/kiwi-sub011/pkg/waiter"
	"github.com/aejsmith/kiwi-sub011/status"
)

// Wait blocks until the object behind h publishes one of the events in
// mask, the timeout expires, or a signal interrupts the sleep. The
// registration is level-triggered so an already-pending condition
// completes immediately.
func Wait(ctx context.Context, h *Handle, mask waiter.EventType, timeout int64) status.Status {
	if st := h.Check(RightWait); st != status.Success {
		return st
	}
	if mask == 0 {
		return status.InvalidEvent
	}

	entry := ksync.NewEntry(ksync.CurrentID(ctx))
	ev := &waiter.Event{
		Mask: mask,
		Callback: func(e *waiter.Event, fired waiter.EventType) {
			entry.Signal(status.Success)
		},
	}

	h.obj.Events().RegisterLevel(ev)
	defer h.obj.Events().Unregister(ev)

	return ksync.Wait(ctx, entry, timeout, ksync.SleepInterruptible)
}

// WaitRef pairs a handle with the events to wait for.
type WaitRef struct {
	Handle *Handle
	Mask   waiter.EventType
}

// WaitMultiple blocks until any of the referenced objects publishes a
// masked event, returning the index of the reference that fired. The
// index is -1 on timeout or interrupt.
func WaitMultiple(ctx context.Context, refs []WaitRef, timeout int64) (int, status.Status) {
	if len(refs) == 0 {
		return -1, status.InvalidArg
	}
	for _, r := range refs {
		if st := r.Handle.Check(RightWait); st != status.Success {
			return -1, st
		}
		if r.Mask == 0 {
			return -1, status.InvalidEvent
		}
	}

	entry := ksync.NewEntry(ksync.CurrentID(ctx))
	fired := int32(-1)

	events := make([]*waiter.Event, len(refs))
	for i, r := range refs {
		idx := int32(i)
		events[i] = &waiter.Event{
			Mask: r.Mask,
			Callback: func(e *waiter.Event, _ waiter.EventType) {
				// First publisher wins; Signal drops the rest.
				if entry.Signal(status.Success) {
					atomic.StoreInt32(&fired, idx)
				}
			},
		}
		r.Handle.obj.Events().RegisterLevel(events[i])
	}
	defer func() {
		for i, r := range refs {
			r.Handle.obj.Events().Unregister(events[i])
		}
	}()

	st := ksync.Wait(ctx, entry, timeout, ksync.SleepInterruptible)
	return int(atomic.LoadInt32(&fired)), st
}

// CallbackFlags modify callback registration.
type CallbackFlags uint32

const (
	// CallbackLevel fires immediately when the condition already
	// holds; the default observes future publishes only.
	CallbackLevel CallbackFlags = 1 << iota
)

// Callback is a non-blocking event registration; Cancel revokes it.
type Callback struct {
	obj Object
	ev  *waiter.Event
}

// RegisterCallback arranges for fn to run when the object publishes a
// masked event. fn runs on the publishing thread and must not block.
func RegisterCallback(h *Handle, mask waiter.EventType, fn func(fired waiter.EventType, data interface{}), data interface{}, flags CallbackFlags) (*Callback, status.Status) {
	if st := h.Check(RightWait); st != status.Success {
		return nil, st
	}
	if mask == 0 {
		return nil, status.InvalidEvent
	}

	ev := &waiter.Event{
		Mask:    mask,
		Context: data,
		Callback: func(e *waiter.Event, fired waiter.EventType) {
			fn(fired, e.Context)
		},
	}

	if flags&CallbackLevel != 0 {
		h.obj.Events().RegisterLevel(ev)
	} else {
		h.obj.Events().Register(ev)
	}

	return &Callback{obj: h.obj, ev: ev}, status.Success
}

// Cancel revokes the registration.
func (c *Callback) Cancel() {
	c.obj.Events().Unregister(c.ev)
}
