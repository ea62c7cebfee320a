package fs

import (
	"context"
	"sort"
	"sync"

	"github.com/aejsmith/kiwi-sub011/status"
)

// RamFS is the in-memory filesystem driver backing the root mount.
type RamFS struct{}

func (RamFS) Name() string { return "ramfs" }

// ramfsNode is the driver-private state for one node.
type ramfsNode struct {
	id       uint64
	typ      NodeType
	data     []byte
	children map[string]uint64
	target   string
	links    int
}

// ramfsMount is one instance of the filesystem.
type ramfsMount struct {
	mount *Mount

	mu     sync.Mutex
	nodes  map[uint64]*ramfsNode
	nextID uint64
}

const ramfsRootID = 1

// Mount builds an empty instance with a root directory.
func (RamFS) Mount(ctx context.Context, m *Mount, device string) (NodeOps, uint64, status.Status) {
	r := &ramfsMount{
		mount:  m,
		nodes:  make(map[uint64]*ramfsNode),
		nextID: ramfsRootID,
	}
	r.nodes[ramfsRootID] = &ramfsNode{
		id:       ramfsRootID,
		typ:      DirNode,
		children: make(map[string]uint64),
		links:    1,
	}
	return r, ramfsRootID, status.Success
}

func (r *ramfsMount) get(n *Node) *ramfsNode {
	return n.Private.(*ramfsNode)
}

func (r *ramfsMount) Lookup(ctx context.Context, dir *Node, name string) (uint64, status.Status) {
	rn := r.get(dir)

	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := rn.children[name]
	if !ok {
		return 0, status.NotFound
	}
	return id, status.Success
}

func (r *ramfsMount) GetNode(ctx context.Context, mount *Mount, id uint64) (*Node, status.Status) {
	r.mu.Lock()
	rn, ok := r.nodes[id]
	r.mu.Unlock()
	if !ok {
		return nil, status.NotFound
	}
	return NewNode(rn.typ, id, mount, r, rn), status.Success
}

func (r *ramfsMount) Create(ctx context.Context, dir *Node, name string, typ NodeType) (*Node, status.Status) {
	if typ != FileNode && typ != DirNode {
		return nil, status.NotSupported
	}
	rd := r.get(dir)

	r.mu.Lock()
	if _, taken := rd.children[name]; taken {
		r.mu.Unlock()
		return nil, status.AlreadyExists
	}

	r.nextID++
	rn := &ramfsNode{id: r.nextID, typ: typ, links: 1}
	if typ == DirNode {
		rn.children = make(map[string]uint64)
	}
	r.nodes[rn.id] = rn
	rd.children[name] = rn.id
	r.mu.Unlock()

	return NewNode(typ, rn.id, dir.Mount, r, rn), status.Success
}

func (r *ramfsMount) Unlink(ctx context.Context, dir *Node, name string) status.Status {
	rd := r.get(dir)

	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := rd.children[name]
	if !ok {
		return status.NotFound
	}
	rn := r.nodes[id]
	if rn.typ == DirNode && len(rn.children) > 0 {
		return status.NotEmpty
	}

	delete(rd.children, name)
	rn.links--
	if rn.links == 0 {
		delete(r.nodes, id)
	}
	return status.Success
}

func (r *ramfsMount) Read(ctx context.Context, n *Node, buf []byte, offset int64) (int, status.Status) {
	rn := r.get(n)

	r.mu.Lock()
	defer r.mu.Unlock()

	if offset >= int64(len(rn.data)) {
		return 0, status.Success
	}
	return copy(buf, rn.data[offset:]), status.Success
}

func (r *ramfsMount) Write(ctx context.Context, n *Node, buf []byte, offset int64) (int, status.Status) {
	rn := r.get(n)

	r.mu.Lock()
	defer r.mu.Unlock()

	if end := offset + int64(len(buf)); end > int64(len(rn.data)) {
		grown := make([]byte, end)
		copy(grown, rn.data)
		rn.data = grown
	}
	return copy(rn.data[offset:], buf), status.Success
}

func (r *ramfsMount) Truncate(ctx context.Context, n *Node, size int64) status.Status {
	rn := r.get(n)

	r.mu.Lock()
	defer r.mu.Unlock()

	if size <= int64(len(rn.data)) {
		rn.data = rn.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, rn.data)
		rn.data = grown
	}
	return status.Success
}

func (r *ramfsMount) Size(n *Node) int64 {
	rn := r.get(n)

	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(rn.data))
}

func (r *ramfsMount) ReadDir(ctx context.Context, n *Node, offset int) (DirEntry, int, status.Status) {
	rn := r.get(n)
	if rn.typ != DirNode {
		return DirEntry{}, 0, status.NotDir
	}

	r.mu.Lock()
	names := make([]string, 0, len(rn.children))
	for name := range rn.children {
		names = append(names, name)
	}
	sort.Strings(names)

	if offset >= len(names) {
		r.mu.Unlock()
		return DirEntry{}, offset, status.NotFound
	}

	name := names[offset]
	child := r.nodes[rn.children[name]]
	r.mu.Unlock()

	return DirEntry{Name: name, ID: child.id, Type: child.typ}, offset + 1, status.Success
}

func (r *ramfsMount) Sync(ctx context.Context, n *Node) status.Status {
	// Memory is as stable as ramfs storage gets.
	return status.Success
}

func (r *ramfsMount) Symlink(ctx context.Context, dir *Node, name, target string) status.Status {
	rd := r.get(dir)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := rd.children[name]; taken {
		return status.AlreadyExists
	}

	r.nextID++
	rn := &ramfsNode{id: r.nextID, typ: SymlinkNode, target: target, links: 1}
	r.nodes[rn.id] = rn
	rd.children[name] = rn.id
	return status.Success
}

func (r *ramfsMount) ReadLink(ctx context.Context, n *Node) (string, status.Status) {
	rn := r.get(n)
	if rn.typ != SymlinkNode {
		return "", status.NotSymlink
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return rn.target, status.Success
}
