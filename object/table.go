package object

import (
	"context"

	"github.com/aejsmith/kiwi-sub011/ksync"
	"github.com/aejsmith/kiwi-sub011/mm"
	"github.com/aejsmith/kiwi-sub011/mm/vmem"
	"github.com/aejsmith/kiwi-sub011/status"
)

// MaxHandles bounds a process's handle table.
const MaxHandles = 4096

// HandleFlags modify per-handle behaviour.
type HandleFlags uint32

const (
	// FlagInheritable copies the handle into child tables on clone.
	FlagInheritable HandleFlags = 1 << iota
)

// Handle is one table entry: an object reference qualified by rights.
type Handle struct {
	obj    Object
	rights Rights
	flags  HandleFlags
}

func (h *Handle) Object() Object { return h.obj }
func (h *Handle) Rights() Rights { return h.rights }

// Check verifies the handle grants all of want.
func (h *Handle) Check(want Rights) status.Status {
	if h.rights&want != want {
		return status.AccessDenied
	}
	return status.Success
}

// Table is a process's handle table: a sparse map from small integer
// IDs to handles. Lookups take the read side; allocation and close take
// the write side.
type Table struct {
	lock    *ksync.RWLock
	ids     *vmem.Arena
	entries map[int32]*Handle
}

// NewTable creates an empty handle table.
func NewTable() *Table {
	return &Table{
		lock:    ksync.NewRWLock("handle_table"),
		ids:     vmem.New("handle_ids", 0, MaxHandles, 1),
		entries: make(map[int32]*Handle),
	}
}

// Attach installs an object into the table, taking a new reference, and
// returns the allocated ID.
func (t *Table) Attach(ctx context.Context, obj Object, rights Rights, flags HandleFlags) (int32, status.Status) {
	t.lock.WriteLock(ctx)
	defer t.lock.Unlock(ctx)

	return t.attachLocked(ctx, obj, rights, flags, -1)
}

func (t *Table) attachLocked(ctx context.Context, obj Object, rights Rights, flags HandleFlags, dest int32) (int32, status.Status) {
	var (
		id vmem.Resource
		st status.Status
	)
	if dest < 0 {
		id, st = t.ids.Alloc(ctx, 1, mm.NoWait)
	} else {
		if dest >= MaxHandles {
			return -1, status.InvalidArg
		}
		id, st = t.ids.XAlloc(ctx, 1, 0, 0, 0, uint64(dest), uint64(dest)+1, mm.NoWait)
	}
	if st != status.Success {
		return -1, status.NoHandles
	}

	obj.Retain()
	t.entries[int32(id)] = &Handle{obj: obj, rights: rights, flags: flags}

	return int32(id), status.Success
}

// Lookup resolves an ID to its handle.
func (t *Table) Lookup(ctx context.Context, id int32) (*Handle, status.Status) {
	t.lock.ReadLock(ctx)
	defer t.lock.Unlock(ctx)

	h, ok := t.entries[id]
	if !ok {
		return nil, status.InvalidHandle
	}
	return h, status.Success
}

// LookupType resolves an ID and checks the object's type tag.
func (t *Table) LookupType(ctx context.Context, id int32, typ Type) (*Handle, status.Status) {
	h, st := t.Lookup(ctx, id)
	if st != status.Success {
		return nil, st
	}
	if h.obj.ObjectType() != typ {
		return nil, status.IncorrectType
	}
	return h, status.Success
}

// Close removes an ID from the table and drops its object reference;
// the object's destructor runs if this was the last reference anywhere.
func (t *Table) Close(ctx context.Context, id int32) status.Status {
	t.lock.WriteLock(ctx)
	h, ok := t.entries[id]
	if !ok {
		t.lock.Unlock(ctx)
		return status.InvalidHandle
	}
	delete(t.entries, id)
	t.ids.Free(ctx, uint64(id), 1)
	t.lock.Unlock(ctx)

	h.obj.Release(ctx)
	return status.Success
}

// Duplicate installs a second handle to src's object, at dest when
// dest >= 0 (failing with AlreadyExists if taken), else at any free ID.
func (t *Table) Duplicate(ctx context.Context, src, dest int32) (int32, status.Status) {
	t.lock.WriteLock(ctx)
	defer t.lock.Unlock(ctx)

	h, ok := t.entries[src]
	if !ok {
		return -1, status.InvalidHandle
	}
	if dest >= 0 {
		if _, taken := t.entries[dest]; taken {
			return -1, status.AlreadyExists
		}
	}

	return t.attachLocked(ctx, h.obj, h.rights, h.flags, dest)
}

// Flags reads a handle's flags.
func (t *Table) Flags(ctx context.Context, id int32) (HandleFlags, status.Status) {
	t.lock.ReadLock(ctx)
	defer t.lock.Unlock(ctx)

	h, ok := t.entries[id]
	if !ok {
		return 0, status.InvalidHandle
	}
	return h.flags, status.Success
}

// SetFlags replaces a handle's flags.
func (t *Table) SetFlags(ctx context.Context, id int32, flags HandleFlags) status.Status {
	t.lock.WriteLock(ctx)
	defer t.lock.Unlock(ctx)

	h, ok := t.entries[id]
	if !ok {
		return status.InvalidHandle
	}
	h.flags = flags
	return status.Success
}

// Transfer moves a handle into dst's table, allocating a fresh ID
// there and closing the source entry. Requires RightTransfer.
func (t *Table) Transfer(ctx context.Context, dst *Table, id int32) (int32, status.Status) {
	t.lock.ReadLock(ctx)
	h, ok := t.entries[id]
	t.lock.Unlock(ctx)
	if !ok {
		return -1, status.InvalidHandle
	}
	if st := h.Check(RightTransfer); st != status.Success {
		return -1, st
	}

	nid, st := dst.Attach(ctx, h.obj, h.rights, h.flags)
	if st != status.Success {
		return -1, st
	}

	t.Close(ctx, id)
	return nid, status.Success
}

// Inherit builds a child table containing copies of every INHERITABLE
// handle at the same IDs.
func (t *Table) Inherit(ctx context.Context) *Table {
	child := NewTable()

	t.lock.ReadLock(ctx)
	defer t.lock.Unlock(ctx)

	child.lock.WriteLock(ctx)
	defer child.lock.Unlock(ctx)

	for id, h := range t.entries {
		if h.flags&FlagInheritable == 0 {
			continue
		}
		child.attachLocked(ctx, h.obj, h.rights, h.flags, id)
	}

	return child
}

// Destroy closes every handle. Runs at process reap.
func (t *Table) Destroy(ctx context.Context) {
	t.lock.WriteLock(ctx)
	entries := t.entries
	t.entries = make(map[int32]*Handle)
	for id := range entries {
		t.ids.Free(ctx, uint64(id), 1)
	}
	t.lock.Unlock(ctx)

	for _, h := range entries {
		h.obj.Release(ctx)
	}
}

// Count reports the number of open handles, for KDB.
func (t *Table) Count(ctx context.Context) int {
	t.lock.ReadLock(ctx)
	defer t.lock.Unlock(ctx)
	return len(t.entries)
}
