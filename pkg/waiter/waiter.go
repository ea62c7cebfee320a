// Package waiter implements the notifier underlying object events: a
// list of registered callbacks fired when a condition publishes. Events
// may be edge-triggered (observe future publishes only) or
// level-triggered (fire immediately if the condition already holds).
package waiter

import (
	"sync"

	"github.com/aejsmith/kiwi-sub011/pkg/ilist"
)

// EventType is a bitmask of event conditions.
type EventType uint64

// Waiter publishes events to registered waiters.
type Waiter struct {
	mu sync.RWMutex

	count   int
	pending EventType
	waiters ilist.List
}

// Event is a single registration against a Waiter.
type Event struct {
	ilist.Entry

	Mask     EventType
	Context  interface{}
	Callback func(e *Event, fired EventType)
}

// Register adds an edge-triggered registration.
func (w *Waiter) Register(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.count++
	w.waiters.PushBack(e)
}

// RegisterLevel adds a registration and fires it immediately if any of
// the masked conditions currently hold.
func (w *Waiter) RegisterLevel(e *Event) {
	w.mu.Lock()
	fired := w.pending & e.Mask
	w.count++
	w.waiters.PushBack(e)
	w.mu.Unlock()

	if fired != 0 {
		e.Callback(e, fired)
	}
}

func (w *Waiter) Unregister(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.count--
	w.waiters.Remove(e)
}

func triggerChan(e *Event, fired EventType) {
	c := e.Context.(chan struct{})

	select {
	case c <- struct{}{}:
	default:
	}
}

// RegisterChannel registers an edge-triggered event that pokes c on
// publish. Sends never block; c should have capacity 1.
func (w *Waiter) RegisterChannel(mask EventType, c chan struct{}) *Event {
	e := &Event{
		Callback: triggerChan,
		Context:  c,
		Mask:     mask,
	}

	w.Register(e)

	return e
}

// Notify publishes mask to all matching registrations and records it as
// pending for level-triggered registration.
func (w *Waiter) Notify(mask EventType) {
	w.mu.Lock()
	w.pending |= mask

	var fire []*Event
	for it := w.waiters.Front(); it != nil; it = it.Next() {
		e := it.(*Event)
		if mask&e.Mask != 0 {
			fire = append(fire, e)
		}
	}
	w.mu.Unlock()

	for _, e := range fire {
		e.Callback(e, mask&e.Mask)
	}
}

// Clear retracts previously published conditions so later level
// registrations no longer observe them.
func (w *Waiter) Clear(mask EventType) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending &^= mask
}

// Pending reports the conditions that currently hold.
func (w *Waiter) Pending() EventType {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.pending
}
