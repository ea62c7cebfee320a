package fs

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aejsmith/kiwi-sub011/status"
)

// TarFS mounts a tar archive as a read-only filesystem. The device
// string names the archive on the host.
type TarFS struct{}

func (TarFS) Name() string { return "tarfs" }

type tarfsNode struct {
	id       uint64
	typ      NodeType
	data     []byte
	target   string
	children map[string]uint64
	order    []string // archive order for readdir
}

type tarfsMount struct {
	nodes map[uint64]*tarfsNode
}

const tarfsRootID = 1

// Mount reads the whole archive up front; tar has no index, so lazy
// loading would rescan the stream per lookup.
func (TarFS) Mount(ctx context.Context, m *Mount, device string) (NodeOps, uint64, status.Status) {
	f, err := os.Open(device)
	if err != nil {
		return nil, 0, status.NotFound
	}
	defer f.Close()

	t := &tarfsMount{nodes: make(map[uint64]*tarfsNode)}
	t.nodes[tarfsRootID] = &tarfsNode{
		id:       tarfsRootID,
		typ:      DirNode,
		children: make(map[string]uint64),
	}

	if st := t.load(tar.NewReader(f)); st != status.Success {
		return nil, 0, st
	}

	m.Flags |= MountReadOnly
	return t, tarfsRootID, status.Success
}

func (t *tarfsMount) load(tr *tar.Reader) status.Status {
	nextID := uint64(tarfsRootID)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return status.DeviceError
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		name = strings.TrimPrefix(name, "/")
		name = strings.TrimSuffix(name, "/")
		if name == "" || name == "." {
			continue
		}

		var n tarfsNode
		switch hdr.Typeflag {
		case tar.TypeDir:
			n.typ = DirNode
			n.children = make(map[string]uint64)
		case tar.TypeSymlink:
			n.typ = SymlinkNode
			n.target = hdr.Linkname
		case tar.TypeReg:
			n.typ = FileNode
			data, err := io.ReadAll(tr)
			if err != nil {
				return status.DeviceError
			}
			n.data = data
		default:
			continue
		}

		parent, st := t.mkdirs(path.Dir(name), &nextID)
		if st != status.Success {
			return st
		}

		base := path.Base(name)
		if id, taken := parent.children[base]; taken {
			// Archives can name a directory after its contents; keep
			// the existing node for directories.
			if t.nodes[id].typ == DirNode && n.typ == DirNode {
				continue
			}
			return status.MalformedImage
		}

		nextID++
		n.id = nextID
		t.nodes[n.id] = &n
		parent.children[base] = n.id
		parent.order = append(parent.order, base)
	}

	return status.Success
}

// mkdirs resolves dir under the root, creating missing intermediate
// directories for archives without explicit directory entries.
func (t *tarfsMount) mkdirs(dir string, nextID *uint64) (*tarfsNode, status.Status) {
	parent := t.nodes[tarfsRootID]
	if dir == "" || dir == "." {
		return parent, status.Success
	}

	for _, part := range strings.Split(dir, "/") {
		id, ok := parent.children[part]
		if !ok {
			*nextID++
			child := &tarfsNode{
				id:       *nextID,
				typ:      DirNode,
				children: make(map[string]uint64),
			}
			t.nodes[child.id] = child
			parent.children[part] = child.id
			parent.order = append(parent.order, part)
			parent = child
			continue
		}

		child := t.nodes[id]
		if child.typ != DirNode {
			return nil, status.MalformedImage
		}
		parent = child
	}

	return parent, status.Success
}

func (t *tarfsMount) get(n *Node) *tarfsNode {
	return n.Private.(*tarfsNode)
}

func (t *tarfsMount) Lookup(ctx context.Context, dir *Node, name string) (uint64, status.Status) {
	tn := t.get(dir)

	id, ok := tn.children[name]
	if !ok {
		return 0, status.NotFound
	}
	return id, status.Success
}

func (t *tarfsMount) GetNode(ctx context.Context, mount *Mount, id uint64) (*Node, status.Status) {
	tn, ok := t.nodes[id]
	if !ok {
		return nil, status.NotFound
	}
	return NewNode(tn.typ, id, mount, t, tn), status.Success
}

func (t *tarfsMount) Create(ctx context.Context, dir *Node, name string, typ NodeType) (*Node, status.Status) {
	return nil, status.ReadOnly
}

func (t *tarfsMount) Unlink(ctx context.Context, dir *Node, name string) status.Status {
	return status.ReadOnly
}

func (t *tarfsMount) Read(ctx context.Context, n *Node, buf []byte, offset int64) (int, status.Status) {
	tn := t.get(n)

	if offset >= int64(len(tn.data)) {
		return 0, status.Success
	}
	return copy(buf, tn.data[offset:]), status.Success
}

func (t *tarfsMount) Write(ctx context.Context, n *Node, buf []byte, offset int64) (int, status.Status) {
	return 0, status.ReadOnly
}

func (t *tarfsMount) Truncate(ctx context.Context, n *Node, size int64) status.Status {
	return status.ReadOnly
}

func (t *tarfsMount) Size(n *Node) int64 {
	return int64(len(t.get(n).data))
}

func (t *tarfsMount) ReadDir(ctx context.Context, n *Node, offset int) (DirEntry, int, status.Status) {
	tn := t.get(n)
	if tn.typ != DirNode {
		return DirEntry{}, 0, status.NotDir
	}

	if offset >= len(tn.order) {
		return DirEntry{}, offset, status.NotFound
	}

	name := tn.order[offset]
	child := t.nodes[tn.children[name]]
	return DirEntry{Name: name, ID: child.id, Type: child.typ}, offset + 1, status.Success
}

func (t *tarfsMount) Sync(ctx context.Context, n *Node) status.Status {
	return status.Success
}

func (t *tarfsMount) Symlink(ctx context.Context, dir *Node, name, target string) status.Status {
	return status.ReadOnly
}

func (t *tarfsMount) ReadLink(ctx context.Context, n *Node) (string, status.Status) {
	tn := t.get(n)
	if tn.typ != SymlinkNode {
		return "", status.NotSymlink
	}
	return tn.target, status.Success
}
