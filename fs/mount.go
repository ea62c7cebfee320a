package fs

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/aejsmith/kiwi-sub011/log"
	"github.com/aejsmith/kiwi-sub011/status"
)

// MountFlags modify a mount.
type MountFlags uint32

const (
	// MountReadOnly rejects all mutation through the mount.
	MountReadOnly MountFlags = 1 << iota
)

// UnmountFlags modify an unmount.
type UnmountFlags uint32

const (
	// UnmountForce detaches even with outstanding references.
	UnmountForce UnmountFlags = 1 << iota
)

// Driver creates filesystem instances for mounting.
type Driver interface {
	Name() string

	// Mount builds the per-mount driver state and returns the node
	// operations plus the root node ID.
	Mount(ctx context.Context, m *Mount, device string) (NodeOps, uint64, status.Status)
}

// Mount attaches a filesystem instance over a dentry.
type Mount struct {
	ID     int32
	Type   string
	Flags  MountFlags
	Ops    NodeOps
	Root   *Dentry
	Point  *Dentry // covered dentry, nil for the root mount
	parent *Mount

	// busy counts dentry references into this mount; unmount fails
	// while it is above the mount's own root reference.
	busy int32
}

func (m *Mount) retain()     { atomic.AddInt32(&m.busy, 1) }
func (m *Mount) release()    { atomic.AddInt32(&m.busy, -1) }
func (m *Mount) Busy() int32 { return atomic.LoadInt32(&m.busy) }

// VFS is the mount table, the driver registry and the dentry cache.
type VFS struct {
	mu      sync.Mutex
	drivers map[string]Driver
	mounts  map[int32]*Mount
	byPoint map[*Dentry]*Mount
	root    *Mount
	nextID  int32

	cache *dentryCache
}

// NewVFS creates an empty namespace; register drivers then MountRoot.
func NewVFS() *VFS {
	return &VFS{
		drivers: make(map[string]Driver),
		mounts:  make(map[int32]*Mount),
		byPoint: make(map[*Dentry]*Mount),
		cache:   newDentryCache(),
	}
}

// RegisterDriver adds a filesystem type.
func (v *VFS) RegisterDriver(d Driver) status.Status {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, taken := v.drivers[d.Name()]; taken {
		return status.AlreadyExists
	}
	v.drivers[d.Name()] = d
	return status.Success
}

// Root returns the root mount's root dentry.
func (v *VFS) Root() (*Dentry, status.Status) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.root == nil {
		return nil, status.NotMount
	}
	return v.root.Root, status.Success
}

func (v *VFS) buildMount(ctx context.Context, fsType, device string, flags MountFlags, point *Dentry) (*Mount, status.Status) {
	v.mu.Lock()
	drv, ok := v.drivers[fsType]
	if !ok {
		v.mu.Unlock()
		return nil, status.UnknownFS
	}
	v.nextID++
	m := &Mount{ID: v.nextID, Type: fsType, Flags: flags, Point: point}
	v.mu.Unlock()

	ops, rootID, st := drv.Mount(ctx, m, device)
	if st != status.Success {
		return nil, st
	}
	m.Ops = ops

	rootNode, st := ops.GetNode(ctx, m, rootID)
	if st != status.Success {
		return nil, st
	}
	if rootNode.Type != DirNode {
		return nil, status.NotDir
	}

	m.Root = NewDentry("", nil, rootNode)
	return m, status.Success
}

// MountRoot establishes the root mount; it has no parent and no mount
// point.
func (v *VFS) MountRoot(ctx context.Context, fsType, device string, flags MountFlags) status.Status {
	v.mu.Lock()
	if v.root != nil {
		v.mu.Unlock()
		return status.AlreadyExists
	}
	v.mu.Unlock()

	m, st := v.buildMount(ctx, fsType, device, flags, nil)
	if st != status.Success {
		return st
	}

	v.mu.Lock()
	v.root = m
	v.mounts[m.ID] = m
	v.mu.Unlock()

	log.Named("fs").Info("root mounted", "type", fsType)
	return status.Success
}

// Mount attaches fsType over the directory dentry at. The dentry stays
// pinned for the lifetime of the mount.
func (v *VFS) Mount(ctx context.Context, at *Dentry, fsType, device string, flags MountFlags) status.Status {
	if at.Node.Type != DirNode {
		return status.NotDir
	}

	v.mu.Lock()
	if _, covered := v.byPoint[at]; covered {
		v.mu.Unlock()
		return status.InUse
	}
	v.mu.Unlock()

	m, st := v.buildMount(ctx, fsType, device, flags, at)
	if st != status.Success {
		return st
	}
	m.parent = at.Node.Mount

	at.Retain()

	v.mu.Lock()
	v.mounts[m.ID] = m
	v.byPoint[at] = m
	v.mu.Unlock()

	log.Named("fs").Debug("mounted", "type", fsType, "at", at.Path())
	return status.Success
}

// Unmount detaches the mount rooted over at's dentry. It fails with
// InUse while dentries inside the mount are referenced from elsewhere,
// unless forced.
func (v *VFS) Unmount(ctx context.Context, at *Dentry, flags UnmountFlags) status.Status {
	v.mu.Lock()
	m, ok := v.byPoint[at]
	if !ok {
		// Allow naming the mount by its root as well.
		if at.Node != nil && at.Node.Mount != nil && at.Node.Mount.Root == at {
			m = at.Node.Mount
			ok = m.Point != nil
		}
	}
	if !ok || m == nil {
		v.mu.Unlock()
		return status.NotMount
	}

	if m.Busy() > 0 && flags&UnmountForce == 0 {
		v.mu.Unlock()
		return status.InUse
	}

	delete(v.mounts, m.ID)
	delete(v.byPoint, m.Point)
	v.mu.Unlock()

	v.cache.purgeMount(m.ID)
	m.Point.Release()

	log.Named("fs").Debug("unmounted", "type", m.Type, "at", m.Point.Path())
	return status.Success
}

// mountedOn reports the mount covering d, if any.
func (v *VFS) mountedOn(d *Dentry) (*Mount, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.byPoint[d]
	return m, ok
}

// Mounts snapshots the table for KDB.
func (v *VFS) Mounts() []*Mount {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]*Mount, 0, len(v.mounts))
	for _, m := range v.mounts {
		out = append(out, m)
	}
	return out
}
