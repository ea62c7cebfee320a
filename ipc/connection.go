// Package ipc implements ports and connections: rendezvous points that
// produce bidirectional message pipes carrying typed payloads and
// attached handles.
package ipc

import (
	"context"

	"github.com/aejsmith/kiwi-sub011/ksync"
	"github.com/aejsmith/kiwi-sub011/object"
	"github.com/aejsmith/kiwi-sub011/pkg/ilist"
	"github.com/aejsmith/kiwi-sub011/pkg/waiter"
	"github.com/aejsmith/kiwi-sub011/status"
)

// Connection endpoint events.
const (
	// ConnEventMessage publishes when a message arrives.
	ConnEventMessage waiter.EventType = 1 << iota

	// ConnEventHangup publishes when the peer closes.
	ConnEventHangup
)

// QueueQuota bounds the total queued payload bytes per endpoint; sends
// beyond it block or fail with WouldBlock.
const QueueQuota = 256 * 1024

// Send flags.
type SendFlags uint32

const (
	// SendNonBlock returns WouldBlock instead of waiting for quota.
	SendNonBlock SendFlags = 1 << iota
)

// AttachedHandle is an object carried by a message. The receiver
// installs it into its own handle table; if the message is never
// received the kernel releases the object.
type AttachedHandle struct {
	Object object.Object
	Rights object.Rights
}

// Message is one IPC message.
type Message struct {
	ilist.Entry

	Type    uint32
	Payload []byte
	Handles []AttachedHandle
}

// Endpoint is one end of a connection. A handle to a connection refers
// to an endpoint; messages sent here appear on the peer in FIFO order.
type Endpoint struct {
	object.Base

	peer *Endpoint

	lock   *ksync.Mutex
	msgs   ilist.List
	bytes  int
	closed bool
	hungup bool

	dataQ  *ksync.WaitQueue
	spaceQ *ksync.WaitQueue
}

// NewConnection creates a connected endpoint pair.
func NewConnection() (*Endpoint, *Endpoint) {
	a := newEndpoint()
	b := newEndpoint()
	a.peer = b
	b.peer = a
	return a, b
}

func newEndpoint() *Endpoint {
	e := &Endpoint{
		lock:   ksync.NewMutex("ipc_endpoint"),
		dataQ:  ksync.NewWaitQueue("ipc_data"),
		spaceQ: ksync.NewWaitQueue("ipc_space"),
	}
	e.InitObject(object.TypeConnection, e.destroy)
	return e
}

// Send queues msg on the peer endpoint. Payloads above the remaining
// quota block until receivers drain space, or fail with WouldBlock
// under SendNonBlock. Sending on a hung-up connection fails.
func (e *Endpoint) Send(ctx context.Context, msg *Message, flags SendFlags, timeout int64) status.Status {
	if len(msg.Payload) > QueueQuota {
		return status.TooLarge
	}

	peer := e.peer

	peer.lock.Lock(ctx)
	for {
		// The peer being closed is exactly this side's hangup.
		if peer.closed {
			peer.lock.Unlock(ctx)
			return status.ConnHungup
		}
		if peer.bytes+len(msg.Payload) <= QueueQuota {
			break
		}
		if flags&SendNonBlock != 0 || timeout == ksync.Poll {
			peer.lock.Unlock(ctx)
			return status.WouldBlock
		}

		entry := ksync.NewEntry(ksync.CurrentID(ctx))
		peer.spaceQ.Prepare(entry)
		peer.lock.Unlock(ctx)

		st := ksync.Wait(ctx, entry, timeout, ksync.SleepInterruptible)
		if st != status.Success {
			peer.spaceQ.Cancel(entry)
			return st
		}
		peer.lock.Lock(ctx)
	}

	peer.msgs.PushBack(msg)
	peer.bytes += len(msg.Payload)
	peer.lock.Unlock(ctx)

	peer.dataQ.Wake()
	peer.Events().Notify(ConnEventMessage)

	return status.Success
}

// Receive dequeues the next message, blocking while the queue is
// empty. After the peer hangs up, queued messages still drain; only
// then does Receive fail with ConnHungup.
func (e *Endpoint) Receive(ctx context.Context, timeout int64) (*Message, status.Status) {
	e.lock.Lock(ctx)
	for {
		if front := e.msgs.Front(); front != nil {
			msg := front.(*Message)
			e.msgs.Remove(msg)
			e.bytes -= len(msg.Payload)
			empty := e.msgs.Empty()
			e.lock.Unlock(ctx)

			e.spaceQ.Wake()
			if empty {
				e.Events().Clear(ConnEventMessage)
			}
			return msg, status.Success
		}

		if e.hungup || e.closed {
			e.lock.Unlock(ctx)
			return nil, status.ConnHungup
		}
		if timeout == ksync.Poll {
			e.lock.Unlock(ctx)
			return nil, status.WouldBlock
		}

		entry := ksync.NewEntry(ksync.CurrentID(ctx))
		e.dataQ.Prepare(entry)
		e.lock.Unlock(ctx)

		st := ksync.Wait(ctx, entry, timeout, ksync.SleepInterruptible)
		if st != status.Success {
			e.dataQ.Cancel(entry)
			return nil, st
		}
		e.lock.Lock(ctx)
	}
}

func (e *Endpoint) isHungup(ctx context.Context) bool {
	e.lock.Lock(ctx)
	defer e.lock.Unlock(ctx)
	return e.hungup
}

// Hungup reports whether the peer has closed.
func (e *Endpoint) Hungup(ctx context.Context) bool { return e.isHungup(ctx) }

// Close shuts this endpoint: the peer observes a hangup event, its
// future sends fail, and this endpoint's unreceived messages release
// their attached objects.
func (e *Endpoint) Close(ctx context.Context) {
	e.lock.Lock(ctx)
	if e.closed {
		e.lock.Unlock(ctx)
		return
	}
	e.closed = true

	var orphans []*Message
	for front := e.msgs.Front(); front != nil; front = e.msgs.Front() {
		msg := front.(*Message)
		e.msgs.Remove(msg)
		orphans = append(orphans, msg)
	}
	e.bytes = 0
	e.lock.Unlock(ctx)

	for _, msg := range orphans {
		for _, h := range msg.Handles {
			h.Object.Release(ctx)
		}
	}

	// Unblock anything still sleeping on this side.
	e.dataQ.WakeAll()
	e.spaceQ.WakeAll()

	peer := e.peer
	peer.lock.Lock(ctx)
	alreadyDown := peer.closed || peer.hungup
	peer.hungup = true
	peer.lock.Unlock(ctx)

	if !alreadyDown {
		// Receivers wake to drain the queue, then see the hangup.
		peer.dataQ.WakeAll()
		peer.spaceQ.WakeAll()
		peer.Events().Notify(ConnEventHangup)
	}
}

// destroy runs when the last handle reference drops.
func (e *Endpoint) destroy(ctx context.Context) {
	e.Close(ctx)
}

// Pending reports the queued message count, for poll and KDB.
func (e *Endpoint) Pending(ctx context.Context) int {
	e.lock.Lock(ctx)
	defer e.lock.Unlock(ctx)

	n := 0
	for it := e.msgs.Front(); it != nil; it = it.Next() {
		n++
	}
	return n
}
