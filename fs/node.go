// Package fs implements the filesystem core: uniform node operations
// over pluggable drivers, a dentry cache with negative entries, the
// mount table, path resolution, file handles through the object layer,
// I/O requests, pipes and poll.
package fs

import (
	"context"

	"github.com/aejsmith/kiwi-sub011/ksync"
	"github.com/aejsmith/kiwi-sub011/status"
)

// NodeType enumerates filesystem node types.
type NodeType int

const (
	FileNode NodeType = iota
	DirNode
	SymlinkNode
	PipeNode
	CharDevNode
)

func (t NodeType) String() string {
	switch t {
	case FileNode:
		return "file"
	case DirNode:
		return "directory"
	case SymlinkNode:
		return "symlink"
	case PipeNode:
		return "pipe"
	case CharDevNode:
		return "character-device"
	default:
		return "unknown"
	}
}

// DirEntry is one readdir result.
type DirEntry struct {
	Name string
	ID   uint64
	Type NodeType
}

// NodeOps is the uniform operation set a filesystem driver implements.
// Directory-only and file-only operations return NotDir/IsDir style
// failures when misapplied; drivers for read-only media reject
// mutations with ReadOnly.
type NodeOps interface {
	// Lookup resolves name under dir to a node ID.
	Lookup(ctx context.Context, dir *Node, name string) (uint64, status.Status)

	// GetNode instantiates the node with the given ID.
	GetNode(ctx context.Context, mount *Mount, id uint64) (*Node, status.Status)

	// Create makes a new node named name under dir.
	Create(ctx context.Context, dir *Node, name string, typ NodeType) (*Node, status.Status)

	// Unlink removes name from dir.
	Unlink(ctx context.Context, dir *Node, name string) status.Status

	// Read fills buf from the node at offset, returning the byte count.
	Read(ctx context.Context, n *Node, buf []byte, offset int64) (int, status.Status)

	// Write stores buf into the node at offset, extending it as needed.
	Write(ctx context.Context, n *Node, buf []byte, offset int64) (int, status.Status)

	// Truncate sets the node's length.
	Truncate(ctx context.Context, n *Node, size int64) status.Status

	// Size reports the node's length.
	Size(n *Node) int64

	// ReadDir returns the entry at offset plus the next offset, or
	// NotFound past the end.
	ReadDir(ctx context.Context, n *Node, offset int) (DirEntry, int, status.Status)

	// Sync flushes the node to stable storage.
	Sync(ctx context.Context, n *Node) status.Status

	// Symlink creates a symbolic link to target.
	Symlink(ctx context.Context, dir *Node, name, target string) status.Status

	// ReadLink reads a symlink's target.
	ReadLink(ctx context.Context, n *Node) (string, status.Status)
}

// Node is an instantiated filesystem node. Operations on one node are
// serialized by its lock; cross-node ordering is not guaranteed.
type Node struct {
	Type    NodeType
	ID      uint64
	Mount   *Mount
	Ops     NodeOps
	Private interface{}

	lock *ksync.Mutex
}

// NewNode builds a node; drivers call this from GetNode and Create.
func NewNode(typ NodeType, id uint64, mount *Mount, ops NodeOps, private interface{}) *Node {
	return &Node{
		Type:    typ,
		ID:      id,
		Mount:   mount,
		Ops:     ops,
		Private: private,
		lock:    ksync.NewMutex("fs_node"),
	}
}

// Lock serializes operations on the node.
func (n *Node) Lock(ctx context.Context)   { n.lock.Lock(ctx) }
func (n *Node) Unlock(ctx context.Context) { n.lock.Unlock(ctx) }

// Read performs a locked read through the driver.
func (n *Node) Read(ctx context.Context, buf []byte, offset int64) (int, status.Status) {
	if n.Type == DirNode {
		return 0, status.IsDir
	}
	n.lock.Lock(ctx)
	defer n.lock.Unlock(ctx)
	return n.Ops.Read(ctx, n, buf, offset)
}

// Write performs a locked write through the driver.
func (n *Node) Write(ctx context.Context, buf []byte, offset int64) (int, status.Status) {
	if n.Type == DirNode {
		return 0, status.IsDir
	}
	if n.Mount != nil && n.Mount.Flags&MountReadOnly != 0 {
		return 0, status.ReadOnly
	}
	n.lock.Lock(ctx)
	defer n.lock.Unlock(ctx)
	return n.Ops.Write(ctx, n, buf, offset)
}

// Truncate sets the node length through the driver.
func (n *Node) Truncate(ctx context.Context, size int64) status.Status {
	if n.Type != FileNode {
		return status.NotRegular
	}
	if n.Mount != nil && n.Mount.Flags&MountReadOnly != 0 {
		return status.ReadOnly
	}
	n.lock.Lock(ctx)
	defer n.lock.Unlock(ctx)
	return n.Ops.Truncate(ctx, n, size)
}

// Size reports the node's length.
func (n *Node) Size() int64 { return n.Ops.Size(n) }
