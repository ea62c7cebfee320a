package fs

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/aejsmith/kiwi-sub011/status"
)

// HostFS exposes a host directory read-only. The device string is the
// directory on the host; node IDs are allocated per mount-relative
// path as it is first seen.
type HostFS struct{}

func (HostFS) Name() string { return "hostfs" }

type hostfsMount struct {
	root string

	mu     sync.Mutex
	ids    map[string]uint64
	paths  map[uint64]string
	nextID uint64
}

const hostfsRootID = 1

func (HostFS) Mount(ctx context.Context, m *Mount, device string) (NodeOps, uint64, status.Status) {
	info, err := os.Lstat(device)
	if err != nil {
		return nil, 0, status.NotFound
	}
	if !info.IsDir() {
		return nil, 0, status.NotDir
	}

	h := &hostfsMount{
		root:   device,
		ids:    map[string]uint64{".": hostfsRootID},
		paths:  map[uint64]string{hostfsRootID: "."},
		nextID: hostfsRootID,
	}
	m.Flags |= MountReadOnly
	return h, hostfsRootID, status.Success
}

func (h *hostfsMount) idFor(rel string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if id, ok := h.ids[rel]; ok {
		return id
	}
	h.nextID++
	h.ids[rel] = h.nextID
	h.paths[h.nextID] = rel
	return h.nextID
}

func (h *hostfsMount) pathFor(id uint64) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rel, ok := h.paths[id]
	return rel, ok
}

func (h *hostfsMount) get(n *Node) string {
	return n.Private.(string)
}

func hostfsType(info os.FileInfo) NodeType {
	switch {
	case info.IsDir():
		return DirNode
	case info.Mode()&os.ModeSymlink != 0:
		return SymlinkNode
	default:
		return FileNode
	}
}

func (h *hostfsMount) Lookup(ctx context.Context, dir *Node, name string) (uint64, status.Status) {
	rel := filepath.Join(h.get(dir), name)

	if _, err := os.Lstat(filepath.Join(h.root, rel)); err != nil {
		return 0, status.NotFound
	}
	return h.idFor(rel), status.Success
}

func (h *hostfsMount) GetNode(ctx context.Context, mount *Mount, id uint64) (*Node, status.Status) {
	rel, ok := h.pathFor(id)
	if !ok {
		return nil, status.NotFound
	}

	info, err := os.Lstat(filepath.Join(h.root, rel))
	if err != nil {
		return nil, status.NotFound
	}
	return NewNode(hostfsType(info), id, mount, h, rel), status.Success
}

func (h *hostfsMount) Create(ctx context.Context, dir *Node, name string, typ NodeType) (*Node, status.Status) {
	return nil, status.ReadOnly
}

func (h *hostfsMount) Unlink(ctx context.Context, dir *Node, name string) status.Status {
	return status.ReadOnly
}

func (h *hostfsMount) Read(ctx context.Context, n *Node, buf []byte, offset int64) (int, status.Status) {
	f, err := os.Open(filepath.Join(h.root, h.get(n)))
	if err != nil {
		return 0, status.DeviceError
	}
	defer f.Close()

	c, err := f.ReadAt(buf, offset)
	if c == 0 && err != nil {
		// Reads at or past EOF return zero bytes.
		return 0, status.Success
	}
	return c, status.Success
}

func (h *hostfsMount) Write(ctx context.Context, n *Node, buf []byte, offset int64) (int, status.Status) {
	return 0, status.ReadOnly
}

func (h *hostfsMount) Truncate(ctx context.Context, n *Node, size int64) status.Status {
	return status.ReadOnly
}

func (h *hostfsMount) Size(n *Node) int64 {
	info, err := os.Lstat(filepath.Join(h.root, h.get(n)))
	if err != nil {
		return 0
	}
	return info.Size()
}

func (h *hostfsMount) ReadDir(ctx context.Context, n *Node, offset int) (DirEntry, int, status.Status) {
	rel := h.get(n)

	ents, err := os.ReadDir(filepath.Join(h.root, rel))
	if err != nil {
		return DirEntry{}, 0, status.NotDir
	}
	if offset >= len(ents) {
		return DirEntry{}, offset, status.NotFound
	}

	ent := ents[offset]
	info, err := ent.Info()
	if err != nil {
		return DirEntry{}, 0, status.DeviceError
	}

	return DirEntry{
		Name: ent.Name(),
		ID:   h.idFor(filepath.Join(rel, ent.Name())),
		Type: hostfsType(info),
	}, offset + 1, status.Success
}

func (h *hostfsMount) Sync(ctx context.Context, n *Node) status.Status {
	return status.Success
}

func (h *hostfsMount) Symlink(ctx context.Context, dir *Node, name, target string) status.Status {
	return status.ReadOnly
}

func (h *hostfsMount) ReadLink(ctx context.Context, n *Node) (string, status.Status) {
	if n.Type != SymlinkNode {
		return "", status.NotSymlink
	}

	target, err := os.Readlink(filepath.Join(h.root, h.get(n)))
	if err != nil {
		return "", status.DeviceError
	}
	return target, status.Success
}
