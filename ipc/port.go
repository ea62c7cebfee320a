package ipc

import (
	"context"
	"sync"

	"github.com/aejsmith/kiwi-sub011/ksync"
	"github.com/aejsmith/kiwi-sub011/log"
	"github.com/aejsmith/kiwi-sub011/mm"
	"github.com/aejsmith/kiwi-sub011/mm/vmem"
	"github.com/aejsmith/kiwi-sub011/object"
	"github.com/aejsmith/kiwi-sub011/pkg/waiter"
	"github.com/aejsmith/kiwi-sub011/status"
)

// Port events.
const (
	// PortEventConnection publishes while connection attempts queue.
	PortEventConnection waiter.EventType = 1 << iota
)

// ClientInfo identifies a connecting process to the listener.
type ClientInfo struct {
	PID int32
	UID int32
	GID int32
}

// pendingConn is one queued connection attempt.
type pendingConn struct {
	server *Endpoint
	info   ClientInfo
	entry  *ksync.Entry
}

// Port is a rendezvous point: connectors queue attempts, listeners
// accept them and receive the server endpoint plus the client's
// identity.
type Port struct {
	object.Base

	id  int32
	reg *Registry

	lock    *ksync.Mutex
	pending []*pendingConn
	closed  bool

	listenQ *ksync.WaitQueue
}

func (p *Port) ID() int32 { return p.id }

// Registry names ports by ID and by string, so servers can advertise
// rendezvous points.
type Registry struct {
	mu    sync.Mutex
	ids   *vmem.Arena
	ports map[int32]*Port
	names map[string]int32
}

// NewRegistry creates the port namespace.
func NewRegistry() *Registry {
	return &Registry{
		ids:   vmem.New("port_ids", 1, 65535, 1),
		ports: make(map[int32]*Port),
		names: make(map[string]int32),
	}
}

// CreatePort allocates a port.
func (r *Registry) CreatePort(ctx context.Context) (*Port, status.Status) {
	id, st := r.ids.Alloc(ctx, 1, mm.NoWait)
	if st != status.Success {
		return nil, status.NoMemory
	}

	p := &Port{
		id:      int32(id),
		reg:     r,
		lock:    ksync.NewMutex("port"),
		listenQ: ksync.NewWaitQueue("port_listen"),
	}
	p.InitObject(object.TypePort, p.destroy)

	r.mu.Lock()
	r.ports[p.id] = p
	r.mu.Unlock()

	log.Named("ipc").Trace("port created", "port", p.id)
	return p, status.Success
}

// Advertise binds a name to the port.
func (r *Registry) Advertise(p *Port, name string) status.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.names[name]; taken {
		return status.AlreadyExists
	}
	r.names[name] = p.id
	return status.Success
}

// LookupPort resolves a port ID.
func (r *Registry) LookupPort(id int32) (*Port, status.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.ports[id]
	if !ok {
		return nil, status.NotFound
	}
	return p, status.Success
}

// LookupName resolves an advertised name.
func (r *Registry) LookupName(name string) (*Port, status.Status) {
	r.mu.Lock()
	id, ok := r.names[name]
	r.mu.Unlock()
	if !ok {
		return nil, status.NotFound
	}
	return r.LookupPort(id)
}

// Connect queues an attempt against the port and blocks until a
// listener accepts, returning the client endpoint.
func (p *Port) Connect(ctx context.Context, info ClientInfo, timeout int64) (*Endpoint, status.Status) {
	client, server := NewConnection()

	attempt := &pendingConn{
		server: server,
		info:   info,
		entry:  ksync.NewEntry(ksync.CurrentID(ctx)),
	}

	p.lock.Lock(ctx)
	if p.closed {
		p.lock.Unlock(ctx)
		client.Close(ctx)
		server.Close(ctx)
		return nil, status.NotFound
	}
	p.pending = append(p.pending, attempt)
	p.lock.Unlock(ctx)

	p.listenQ.Wake()
	p.Events().Notify(PortEventConnection)

	st := ksync.Wait(ctx, attempt.entry, timeout, ksync.SleepInterruptible)
	if st != status.Success {
		// Withdraw the attempt if a listener has not taken it yet.
		p.lock.Lock(ctx)
		for i, a := range p.pending {
			if a == attempt {
				p.pending = append(p.pending[:i], p.pending[i+1:]...)
				break
			}
		}
		p.lock.Unlock(ctx)

		client.Close(ctx)
		server.Close(ctx)
		return nil, st
	}

	return client, status.Success
}

// Listen blocks for an incoming connection attempt and accepts it,
// returning the server endpoint and the client's identity.
func (p *Port) Listen(ctx context.Context, timeout int64) (*Endpoint, ClientInfo, status.Status) {
	for {
		p.lock.Lock(ctx)
		if p.closed {
			p.lock.Unlock(ctx)
			return nil, ClientInfo{}, status.NotFound
		}
		if len(p.pending) > 0 {
			attempt := p.pending[0]
			p.pending = p.pending[1:]
			empty := len(p.pending) == 0
			p.lock.Unlock(ctx)

			if empty {
				p.Events().Clear(PortEventConnection)
			}

			if !attempt.entry.Signal(status.Success) {
				// The connector already timed out; try the next one.
				continue
			}
			return attempt.server, attempt.info, status.Success
		}
		if timeout == ksync.Poll {
			p.lock.Unlock(ctx)
			return nil, ClientInfo{}, status.WouldBlock
		}

		entry := ksync.NewEntry(ksync.CurrentID(ctx))
		p.listenQ.Prepare(entry)
		p.lock.Unlock(ctx)

		st := ksync.Wait(ctx, entry, timeout, ksync.SleepInterruptible)
		if st != status.Success {
			p.listenQ.Cancel(entry)
			return nil, ClientInfo{}, st
		}
	}
}

// destroy tears the port down when its last handle drops: queued
// connectors fail with NotFound.
func (p *Port) destroy(ctx context.Context) {
	p.lock.Lock(ctx)
	p.closed = true
	pending := p.pending
	p.pending = nil
	p.lock.Unlock(ctx)

	for _, attempt := range pending {
		if attempt.entry.Signal(status.NotFound) {
			attempt.server.Close(ctx)
		}
	}
	p.listenQ.WakeAll()

	p.reg.mu.Lock()
	delete(p.reg.ports, p.id)
	for name, id := range p.reg.names {
		if id == p.id {
			delete(p.reg.names, name)
		}
	}
	p.reg.mu.Unlock()
	p.reg.ids.Free(ctx, uint64(p.id), 1)

	log.Named("ipc").Trace("port destroyed", "port", p.id)
}
