// Package object implements the handle layer: typed, reference-counted
// kernel objects, per-process handle tables with rights and flags, and
// event waiting against object notifiers.
package object

import (
	"context"
	"sync/atomic"

	"github.com/aejsmith/kiwi-sub011/pkg/waiter"
)

// Type tags the kernel-visible object types.
type Type int32

const (
	TypeFile Type = iota + 1
	TypeDirectory
	TypeDevice
	TypeProcess
	TypeThread
	TypePort
	TypeConnection
	TypeSemaphore
	TypeMemoryArea
	TypeTimer
)

func (t Type) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "directory"
	case TypeDevice:
		return "device"
	case TypeProcess:
		return "process"
	case TypeThread:
		return "thread"
	case TypePort:
		return "port"
	case TypeConnection:
		return "connection"
	case TypeSemaphore:
		return "semaphore"
	case TypeMemoryArea:
		return "memory-area"
	case TypeTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// Rights is the bitset checked per operation on a handle.
type Rights uint32

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightExecute
	RightWait
	RightSignal
	RightTransfer
	RightDestroy

	RightsAll = RightRead | RightWrite | RightExecute | RightWait |
		RightSignal | RightTransfer | RightDestroy
)

// Object is a kernel object reachable through handles. The notifier
// publishes the object's events; the last Release runs the destructor.
type Object interface {
	ObjectType() Type
	Events() *waiter.Waiter
	Retain()
	Release(ctx context.Context)
}

// Base supplies refcounting, the type tag and the notifier. Kernel
// object types embed it and call InitObject once.
type Base struct {
	typ     Type
	refs    int32
	events  waiter.Waiter
	destroy func(ctx context.Context)
}

// InitObject sets the type tag and destructor and takes the initial
// reference.
func (b *Base) InitObject(typ Type, destroy func(ctx context.Context)) {
	b.typ = typ
	b.refs = 1
	b.destroy = destroy
}

func (b *Base) ObjectType() Type       { return b.typ }
func (b *Base) Events() *waiter.Waiter { return &b.events }
func (b *Base) Retain()                { atomic.AddInt32(&b.refs, 1) }

// Release drops one reference and runs the destructor on the last.
func (b *Base) Release(ctx context.Context) {
	if n := atomic.AddInt32(&b.refs, -1); n == 0 {
		if b.destroy != nil {
			b.destroy(ctx)
		}
	} else if n < 0 {
		panic("object: release of dead " + b.typ.String())
	}
}

// Refs reports the current reference count, for KDB dumps.
func (b *Base) Refs() int32 { return atomic.LoadInt32(&b.refs) }
