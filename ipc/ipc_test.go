package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/aejsmith/kiwi-sub011/ksync"
	"github.com/aejsmith/kiwi-sub011/object"
	"github.com/aejsmith/kiwi-sub011/status"
)

// stubThread gives concurrent test goroutines distinct thread IDs so
// mutex ownership tracking stays coherent.
type stubThread struct {
	id int32
}

func (s stubThread) ThreadID() int32 { return s.id }
func (s stubThread) SpinEnter()      {}
func (s stubThread) SpinExit()       {}
func (s stubThread) SpinHeld() int   { return 0 }

func (s stubThread) Block(e *ksync.Entry, timeout int64, flags ksync.SleepFlags) status.Status {
	return ksync.DirectWait(context.Background(), e, timeout, flags)
}

func threadCtx(id int32) context.Context {
	return ksync.WithCurrent(context.Background(), stubThread{id: id})
}

type payloadObject struct {
	object.Base
	destroyed bool
}

func newPayloadObject() *payloadObject {
	o := &payloadObject{}
	o.InitObject(object.TypeSemaphore, func(ctx context.Context) {
		o.destroyed = true
	})
	return o
}

func TestConnection(t *testing.T) {
	n := neko.Modern(t)

	n.It("delivers messages to the peer in send order", func(t *testing.T) {
		ctx := threadCtx(1)
		a, b := NewConnection()
		defer a.Close(ctx)
		defer b.Close(ctx)

		for i := uint32(1); i <= 3; i++ {
			st := a.Send(ctx, &Message{Type: i, Payload: []byte{byte(i)}}, 0, ksync.Forever)
			require.Equal(t, status.Success, st)
		}
		require.Equal(t, 3, b.Pending(ctx))

		for i := uint32(1); i <= 3; i++ {
			msg, st := b.Receive(ctx, ksync.Poll)
			require.Equal(t, status.Success, st)
			require.Equal(t, i, msg.Type)
			require.Equal(t, []byte{byte(i)}, msg.Payload)
		}

		_, st := b.Receive(ctx, ksync.Poll)
		require.Equal(t, status.WouldBlock, st)
	})

	n.It("publishes the message event while the queue is non-empty", func(t *testing.T) {
		ctx := threadCtx(1)
		a, b := NewConnection()
		defer a.Close(ctx)
		defer b.Close(ctx)

		require.Equal(t, status.Success,
			a.Send(ctx, &Message{Payload: []byte("x")}, 0, ksync.Forever))
		require.NotZero(t, b.Events().Pending()&ConnEventMessage)

		b.Receive(ctx, ksync.Poll)
		require.Zero(t, b.Events().Pending()&ConnEventMessage)
	})

	n.It("bounds the queue by the payload quota", func(t *testing.T) {
		ctx := threadCtx(1)
		a, b := NewConnection()
		defer a.Close(ctx)
		defer b.Close(ctx)

		big := make([]byte, QueueQuota)
		require.Equal(t, status.Success, a.Send(ctx, &Message{Payload: big}, 0, ksync.Forever))

		st := a.Send(ctx, &Message{Payload: []byte("x")}, SendNonBlock, ksync.Forever)
		require.Equal(t, status.WouldBlock, st)

		// Oversized payloads are rejected outright.
		st = a.Send(ctx, &Message{Payload: make([]byte, QueueQuota+1)}, 0, ksync.Forever)
		require.Equal(t, status.TooLarge, st)
	})

	n.It("unblocks a quota-full sender when the receiver drains", func(t *testing.T) {
		sender := threadCtx(1)
		receiver := threadCtx(2)

		a, b := NewConnection()
		defer a.Close(sender)
		defer b.Close(receiver)

		big := make([]byte, QueueQuota)
		require.Equal(t, status.Success, a.Send(sender, &Message{Payload: big}, 0, ksync.Forever))

		done := make(chan status.Status, 1)
		go func() {
			done <- a.Send(sender, &Message{Payload: []byte("x")}, 0, int64(5*time.Second))
		}()

		time.Sleep(20 * time.Millisecond)
		_, st := b.Receive(receiver, ksync.Poll)
		require.Equal(t, status.Success, st)

		require.Equal(t, status.Success, <-done)
	})

	n.It("drains queued messages before reporting hangup", func(t *testing.T) {
		ctx := threadCtx(1)
		a, b := NewConnection()
		defer b.Close(ctx)

		require.Equal(t, status.Success,
			a.Send(ctx, &Message{Payload: []byte("last")}, 0, ksync.Forever))
		a.Close(ctx)

		msg, st := b.Receive(ctx, ksync.Poll)
		require.Equal(t, status.Success, st)
		require.Equal(t, []byte("last"), msg.Payload)

		_, st = b.Receive(ctx, ksync.Poll)
		require.Equal(t, status.ConnHungup, st)

		require.True(t, b.Hungup(ctx))
		require.NotZero(t, b.Events().Pending()&ConnEventHangup)

		st = b.Send(ctx, &Message{Payload: []byte("x")}, 0, ksync.Forever)
		require.Equal(t, status.ConnHungup, st)
	})

	n.It("releases attached objects queued at close", func(t *testing.T) {
		ctx := threadCtx(1)
		a, b := NewConnection()
		defer a.Close(ctx)

		obj := newPayloadObject()
		st := a.Send(ctx, &Message{
			Payload: []byte("x"),
			Handles: []AttachedHandle{{Object: obj, Rights: object.RightsAll}},
		}, 0, ksync.Forever)
		require.Equal(t, status.Success, st)

		b.Close(ctx)
		require.True(t, obj.destroyed)
	})

	n.Meow()
}

func TestPort(t *testing.T) {
	n := neko.Modern(t)

	n.It("rendezvouses a connector with a listener", func(t *testing.T) {
		reg := NewRegistry()
		p, st := reg.CreatePort(threadCtx(1))
		require.Equal(t, status.Success, st)
		defer p.Release(threadCtx(1))

		type result struct {
			ep *Endpoint
			st status.Status
		}
		connected := make(chan result, 1)
		go func() {
			ctx := threadCtx(2)
			ep, st := p.Connect(ctx, ClientInfo{PID: 42, UID: 100}, int64(5*time.Second))
			connected <- result{ep, st}
		}()

		ctx := threadCtx(1)
		server, info, st := p.Listen(ctx, int64(5*time.Second))
		require.Equal(t, status.Success, st)
		require.Equal(t, int32(42), info.PID)
		require.Equal(t, int32(100), info.UID)

		res := <-connected
		require.Equal(t, status.Success, res.st)

		// The pair is live: a message crosses it.
		require.Equal(t, status.Success,
			res.ep.Send(ctx, &Message{Payload: []byte("hello")}, 0, ksync.Forever))
		msg, st := server.Receive(ctx, ksync.Poll)
		require.Equal(t, status.Success, st)
		require.Equal(t, []byte("hello"), msg.Payload)

		res.ep.Close(ctx)
		server.Close(ctx)
	})

	n.It("withdraws a connection attempt that times out", func(t *testing.T) {
		reg := NewRegistry()
		p, _ := reg.CreatePort(threadCtx(1))
		defer p.Release(threadCtx(1))

		ctx := threadCtx(2)
		_, st := p.Connect(ctx, ClientInfo{}, int64(10*time.Millisecond))
		require.Equal(t, status.TimedOut, st)

		// Nothing left for a listener.
		_, _, st = p.Listen(threadCtx(1), ksync.Poll)
		require.Equal(t, status.WouldBlock, st)
	})

	n.It("resolves advertised names", func(t *testing.T) {
		reg := NewRegistry()
		ctx := threadCtx(1)

		p, _ := reg.CreatePort(ctx)
		defer p.Release(ctx)

		require.Equal(t, status.Success, reg.Advertise(p, "org.kiwi.Pong"))
		require.Equal(t, status.AlreadyExists, reg.Advertise(p, "org.kiwi.Pong"))

		found, st := reg.LookupName("org.kiwi.Pong")
		require.Equal(t, status.Success, st)
		require.Same(t, p, found)

		_, st = reg.LookupName("org.kiwi.Missing")
		require.Equal(t, status.NotFound, st)
	})

	n.It("fails queued connectors when the port dies", func(t *testing.T) {
		reg := NewRegistry()
		p, _ := reg.CreatePort(threadCtx(1))

		done := make(chan status.Status, 1)
		go func() {
			ctx := threadCtx(2)
			_, st := p.Connect(ctx, ClientInfo{}, int64(5*time.Second))
			done <- st
		}()

		// Wait for the attempt to queue, then drop the last reference.
		require.Eventually(t, func() bool {
			ctx := threadCtx(1)
			p.lock.Lock(ctx)
			defer p.lock.Unlock(ctx)
			return len(p.pending) == 1
		}, time.Second, time.Millisecond)

		p.Release(threadCtx(1))
		require.Equal(t, status.NotFound, <-done)

		// The ID is gone from the registry.
		_, st := reg.LookupPort(p.ID())
		require.Equal(t, status.NotFound, st)
	})

	n.It("answers a request through an advertised port", func(t *testing.T) {
		reg := NewRegistry()
		p, _ := reg.CreatePort(threadCtx(1))
		defer p.Release(threadCtx(1))
		require.Equal(t, status.Success, reg.Advertise(p, "org.kiwi.Pong"))

		go func() {
			ctx := threadCtx(2)
			server, _, st := p.Listen(ctx, int64(5*time.Second))
			if st != status.Success {
				return
			}
			defer server.Close(ctx)

			msg, st := server.Receive(ctx, int64(5*time.Second))
			if st != status.Success {
				return
			}
			server.Send(ctx, &Message{Type: msg.Type + 1, Payload: []byte("pong")}, 0, ksync.Forever)
		}()

		ctx := threadCtx(3)
		target, st := reg.LookupName("org.kiwi.Pong")
		require.Equal(t, status.Success, st)

		client, st := target.Connect(ctx, ClientInfo{PID: 7}, int64(5*time.Second))
		require.Equal(t, status.Success, st)
		defer client.Close(ctx)

		require.Equal(t, status.Success,
			client.Send(ctx, &Message{Type: 1, Payload: []byte("ping")}, 0, ksync.Forever))

		reply, st := client.Receive(ctx, int64(5*time.Second))
		require.Equal(t, status.Success, st)
		require.Equal(t, uint32(2), reply.Type)
		require.Equal(t, []byte("pong"), reply.Payload)
	})

	n.Meow()
}
