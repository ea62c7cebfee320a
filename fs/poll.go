package fs

import (
	"context"

	"github.com/aejsmith/kiwi-sub011/ksync"
	"github.com/aejsmith/kiwi-sub011/pkg/waiter"
	"github.com/aejsmith/kiwi-sub011/status"
)

// PollRef is one file in a poll set.
type PollRef struct {
	File *File
	Mask waiter.EventType

	// Fired holds the conditions observed when Poll returns.
	Fired waiter.EventType
}

// Poll blocks until any referenced file holds one of its masked
// conditions, filling in Fired for every ready file and returning the
// count. Hangup and error conditions are always observed.
func Poll(ctx context.Context, refs []PollRef, timeout int64) (int, status.Status) {
	if len(refs) == 0 {
		return 0, status.InvalidArg
	}

	for i := range refs {
		refs[i].Mask |= FileEventError | FileEventHangup
	}

	entry := ksync.NewEntry(ksync.CurrentID(ctx))
	events := make([]*waiter.Event, len(refs))
	for i := range refs {
		events[i] = &waiter.Event{
			Mask: refs[i].Mask,
			Callback: func(e *waiter.Event, fired waiter.EventType) {
				entry.Signal(status.Success)
			},
		}
		refs[i].File.Events().RegisterLevel(events[i])
	}
	defer func() {
		for i := range refs {
			refs[i].File.Events().Unregister(events[i])
		}
	}()

	st := ksync.Wait(ctx, entry, timeout, ksync.SleepInterruptible)
	if st != status.Success {
		return 0, st
	}

	ready := 0
	for i := range refs {
		refs[i].Fired = refs[i].File.Events().Pending() & refs[i].Mask
		if refs[i].Fired != 0 {
			ready++
		}
	}
	return ready, status.Success
}
