package kernel

import (
	"context"
	"encoding/binary"

	"github.com/aejsmith/kiwi-sub011/ipc"
	"github.com/aejsmith/kiwi-sub011/object"
	"github.com/aejsmith/kiwi-sub011/proc"
	"github.com/aejsmith/kiwi-sub011/status"
)

// portNameMax bounds an advertised port name.
const portNameMax = 256

func portFromHandle(ctx context.Context, p *proc.Process, id int32, want object.Rights) (*ipc.Port, status.Status) {
	h, st := p.Handles().LookupType(ctx, id, object.TypePort)
	if st != status.Success {
		return nil, st
	}
	if st := h.Check(want); st != status.Success {
		return nil, st
	}
	return h.Object().(*ipc.Port), status.Success
}

func endpointFromHandle(ctx context.Context, p *proc.Process, id int32, want object.Rights) (*ipc.Endpoint, status.Status) {
	h, st := p.Handles().LookupType(ctx, id, object.TypeConnection)
	if st != status.Success {
		return nil, st
	}
	if st := h.Check(want); st != status.Success {
		return nil, st
	}
	return h.Object().(*ipc.Endpoint), status.Success
}

// sysPortCreate creates a port, advertising it under the name at arg0
// when non-zero, and returns a port handle.
func sysPortCreate(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}

	port, st := k.Ports.CreatePort(ctx)
	if st != status.Success {
		return 0, st
	}

	if args[0] != 0 {
		name, st := p.AddressSpace().ReadCString(ctx, args[0], portNameMax)
		if st != status.Success {
			port.Release(ctx)
			return 0, st
		}
		if st := k.Ports.Advertise(port, name); st != status.Success {
			port.Release(ctx)
			return 0, st
		}
	}

	id, st := p.Handles().Attach(ctx, port,
		object.RightRead|object.RightWrite|object.RightWait|object.RightTransfer|object.RightDestroy, 0)
	port.Release(ctx)
	return uint64(id), st
}

// sysPortOpen resolves the advertised name at arg0 to a port handle
// carrying connect rights only.
func sysPortOpen(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}

	name, st := p.AddressSpace().ReadCString(ctx, args[0], portNameMax)
	if st != status.Success {
		return 0, st
	}
	port, st := k.Ports.LookupName(name)
	if st != status.Success {
		return 0, st
	}

	id, st := p.Handles().Attach(ctx, port,
		object.RightWrite|object.RightWait|object.RightTransfer, 0)
	return uint64(id), st
}

// sysPortListen accepts one connection on port handle arg0, blocking
// up to arg1. The client's PID is written as a u32 to arg2 when
// non-zero; the result is an endpoint handle.
func sysPortListen(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	port, st := portFromHandle(ctx, p, int32(args[0]), object.RightRead)
	if st != status.Success {
		return 0, st
	}

	ep, info, st := port.Listen(ctx, int64(args[1]))
	if st != status.Success {
		return 0, st
	}

	if args[2] != 0 {
		var pid [4]byte
		binary.LittleEndian.PutUint32(pid[:], uint32(info.PID))
		if st := p.AddressSpace().WriteBytes(ctx, args[2], pid[:]); st != status.Success {
			ep.Release(ctx)
			return 0, st
		}
	}

	id, st := p.Handles().Attach(ctx, ep,
		object.RightRead|object.RightWrite|object.RightWait|object.RightTransfer|object.RightDestroy, 0)
	ep.Release(ctx)
	return uint64(id), st
}

// sysPortConnect connects to port handle arg0, blocking up to arg1,
// and returns an endpoint handle.
func sysPortConnect(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	port, st := portFromHandle(ctx, p, int32(args[0]), object.RightWrite)
	if st != status.Success {
		return 0, st
	}

	sec := p.Security()
	ep, st := port.Connect(ctx, ipc.ClientInfo{PID: p.ID(), UID: sec.UID, GID: sec.GID}, int64(args[1]))
	if st != status.Success {
		return 0, st
	}

	id, st := p.Handles().Attach(ctx, ep,
		object.RightRead|object.RightWrite|object.RightWait|object.RightTransfer|object.RightDestroy, 0)
	ep.Release(ctx)
	return uint64(id), st
}

// sysMsgSend sends a message of type arg1 with payload at arg2 length
// arg3 on endpoint handle arg0, with send flags arg4 and timeout arg5.
func sysMsgSend(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	if args[3] > ipc.QueueQuota {
		return 0, status.TooLarge
	}
	ep, st := endpointFromHandle(ctx, p, int32(args[0]), object.RightWrite)
	if st != status.Success {
		return 0, st
	}

	var payload []byte
	if args[3] > 0 {
		payload = make([]byte, args[3])
		if st := p.AddressSpace().ReadBytes(ctx, args[2], payload); st != status.Success {
			return 0, st
		}
	}

	msg := &ipc.Message{Type: uint32(args[1]), Payload: payload}
	return 0, ep.Send(ctx, msg, ipc.SendFlags(args[4]), int64(args[5]))
}

// sysMsgReceive dequeues the next message on endpoint handle arg0,
// copying its payload (truncated to arg2) to arg1 and installing any
// attached handles into the caller's table. The result packs the
// message type in the high word and the full payload length in the
// low word.
func sysMsgReceive(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	ep, st := endpointFromHandle(ctx, p, int32(args[0]), object.RightRead)
	if st != status.Success {
		return 0, st
	}

	msg, st := ep.Receive(ctx, int64(args[3]))
	if st != status.Success {
		return 0, st
	}

	n := uint64(len(msg.Payload))
	if n > args[2] {
		n = args[2]
	}
	if n > 0 {
		if st := p.AddressSpace().WriteBytes(ctx, args[1], msg.Payload[:n]); st != status.Success {
			return 0, st
		}
	}

	for _, ah := range msg.Handles {
		// Attach takes its own reference; the message's reference drops
		// whether or not the install succeeded.
		p.Handles().Attach(ctx, ah.Object, ah.Rights, 0)
		ah.Object.Release(ctx)
	}

	return uint64(msg.Type)<<32 | uint64(uint32(len(msg.Payload))), status.Success
}

func semFromHandle(ctx context.Context, p *proc.Process, id int32) (*Semaphore, status.Status) {
	h, st := p.Handles().LookupType(ctx, id, object.TypeSemaphore)
	if st != status.Success {
		return nil, st
	}
	if st := h.Check(object.RightWrite); st != status.Success {
		return nil, st
	}
	return h.Object().(*Semaphore), status.Success
}

// sysSemCreate creates a semaphore with initial count arg0, named by
// the string at arg1 when non-zero, and returns a handle.
func sysSemCreate(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}

	name := ""
	if args[1] != 0 {
		if name, st = p.AddressSpace().ReadCString(ctx, args[1], portNameMax); st != status.Success {
			return 0, st
		}
	}

	sem, st := k.Semaphores.Create(ctx, name, int(int64(args[0])))
	if st != status.Success {
		return 0, st
	}
	id, st := p.Handles().Attach(ctx, sem,
		object.RightRead|object.RightWrite|object.RightWait|object.RightTransfer|object.RightDestroy, 0)
	sem.Release(ctx)
	return uint64(id), st
}

// sysSemOpen resolves semaphore ID arg0 to a handle.
func sysSemOpen(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}

	sem, st := k.Semaphores.Open(ctx, int32(args[0]))
	if st != status.Success {
		return 0, st
	}
	id, st := p.Handles().Attach(ctx, sem,
		object.RightRead|object.RightWrite|object.RightTransfer, 0)
	sem.Release(ctx)
	return uint64(id), st
}

// sysSemDown takes a unit from semaphore handle arg0, blocking up to
// arg1.
func sysSemDown(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	sem, st := semFromHandle(ctx, p, int32(args[0]))
	if st != status.Success {
		return 0, st
	}
	return 0, sem.Down(ctx, int64(args[1]))
}

// sysSemUp releases arg1 units to semaphore handle arg0.
func sysSemUp(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	sem, st := semFromHandle(ctx, p, int32(args[0]))
	if st != status.Success {
		return 0, st
	}

	n := int(args[1])
	if n <= 0 {
		return 0, status.InvalidArg
	}
	sem.Up(n)
	return 0, status.Success
}
