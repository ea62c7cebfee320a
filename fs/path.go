package fs

import (
	"context"
	"strings"

	"github.com/aejsmith/kiwi-sub011/proc"
	"github.com/aejsmith/kiwi-sub011/status"
)

// SymlinkLimit bounds nested symbolic link expansion during a walk.
const SymlinkLimit = 16

// IOContext is a process's filesystem state: its root and working
// directory. It satisfies the process layer's I/O context interface.
type IOContext struct {
	vfs  *VFS
	root *Dentry
	cwd  *Dentry
}

// NewIOContext builds a context rooted at the VFS root.
func NewIOContext(vfs *VFS) (*IOContext, status.Status) {
	root, st := vfs.Root()
	if st != status.Success {
		return nil, st
	}
	return &IOContext{
		vfs:  vfs,
		root: root.Retain(),
		cwd:  root.Retain(),
	}, status.Success
}

// Clone copies the context for a child process.
func (io *IOContext) Clone() proc.IOContext {
	return &IOContext{
		vfs:  io.vfs,
		root: io.root.Retain(),
		cwd:  io.cwd.Retain(),
	}
}

// SetCwd moves the working directory.
func (io *IOContext) SetCwd(d *Dentry) status.Status {
	if d.Node.Type != DirNode {
		return status.NotDir
	}
	old := io.cwd
	io.cwd = d.Retain()
	old.Release()
	return status.Success
}

// SetRoot changes the context's root dentry.
func (io *IOContext) SetRoot(d *Dentry) status.Status {
	if d.Node.Type != DirNode {
		return status.NotDir
	}
	old := io.root
	io.root = d.Retain()
	old.Release()
	return status.Success
}

func (io *IOContext) Cwd() *Dentry   { return io.cwd }
func (io *IOContext) RootD() *Dentry { return io.root }

// Lookup resolves path to a referenced dentry, following symlinks in
// the final component when follow is set.
func (io *IOContext) Lookup(ctx context.Context, path string, follow bool) (*Dentry, status.Status) {
	return io.vfs.walk(ctx, io.root, io.cwd, path, follow, 0)
}

// walk resolves path starting from cwd (or root for absolute paths),
// crossing mount points and expanding symlinks up to the limit.
func (v *VFS) walk(ctx context.Context, root, cwd *Dentry, path string, follow bool, depth int) (*Dentry, status.Status) {
	if depth > SymlinkLimit {
		return nil, status.SymlinkLimit
	}
	if path == "" {
		return nil, status.InvalidArg
	}

	cur := cwd
	if path[0] == '/' {
		cur = root
		path = strings.TrimLeft(path, "/")
	}
	if path == "" {
		return cur.Retain(), status.Success
	}

	parts := strings.Split(path, "/")
	for i, part := range parts {
		last := i == len(parts)-1

		if part == "" || part == "." {
			if last {
				break
			}
			continue
		}
		if part == ".." {
			// Never escape the context root; step out of a mount root
			// onto its mount point first.
			if cur == root {
				continue
			}
			if cur.Parent == nil && cur.Node.Mount != nil && cur.Node.Mount.Point != nil {
				cur = cur.Node.Mount.Point
			}
			if cur.Parent != nil {
				cur = cur.Parent
			}
			continue
		}

		if cur.Node.Type != DirNode {
			return nil, status.NotDir
		}

		child, st := v.lookupChild(ctx, cur, part)
		if st != status.Success {
			return nil, st
		}

		// Cross onto any mount covering the child.
		if m, ok := v.mountedOn(child); ok {
			child = m.Root
		}

		if child.Node.Type == SymlinkNode && (follow || !last) {
			target, st := child.Node.Ops.ReadLink(ctx, child.Node)
			if st != status.Success {
				return nil, st
			}
			base := cur
			if target != "" && target[0] == '/' {
				base = root
			}
			resolved, st := v.walk(ctx, root, base, target, true, depth+1)
			if st != status.Success {
				return nil, st
			}
			resolved.Release()
			cur = resolved
			continue
		}

		cur = child
	}

	return cur.Retain(), status.Success
}

// lookupChild resolves one component through the dentry cache, falling
// back to the driver and recording the result, negative results
// included.
func (v *VFS) lookupChild(ctx context.Context, dir *Dentry, name string) (*Dentry, status.Status) {
	if d, neg, ok := v.cache.lookup(dir.Node, name); ok {
		if neg {
			return nil, status.NotFound
		}
		return d, status.Success
	}

	dir.Node.Lock(ctx)
	id, st := dir.Node.Ops.Lookup(ctx, dir.Node, name)
	dir.Node.Unlock(ctx)

	if st != status.Success {
		if st == status.NotFound {
			v.cache.addNegative(dir.Node, name)
		}
		return nil, st
	}

	node, st := dir.Node.Ops.GetNode(ctx, dir.Node.Mount, id)
	if st != status.Success {
		return nil, st
	}

	d := NewDentry(name, dir, node)
	v.cache.add(dir.Node, name, d)
	return d, status.Success
}

// LookupDir resolves the parent directory of path and returns it with
// the final component, for create and unlink.
func (io *IOContext) LookupDir(ctx context.Context, path string) (*Dentry, string, status.Status) {
	path = strings.TrimRight(path, "/")
	idx := strings.LastIndex(path, "/")

	var dirPath, name string
	switch {
	case idx < 0:
		dirPath, name = ".", path
	case idx == 0:
		dirPath, name = "/", path[1:]
	default:
		dirPath, name = path[:idx], path[idx+1:]
	}
	if name == "" || name == "." || name == ".." {
		return nil, "", status.InvalidArg
	}

	dir, st := io.Lookup(ctx, dirPath, true)
	if st != status.Success {
		return nil, "", st
	}
	if dir.Node.Type != DirNode {
		dir.Release()
		return nil, "", status.NotDir
	}
	return dir, name, status.Success
}

// Open resolves path and opens it as a file object.
func (io *IOContext) Open(ctx context.Context, path string, flags FileFlags) (*File, status.Status) {
	d, st := io.Lookup(ctx, path, true)
	if st != status.Success {
		return nil, st
	}
	defer d.Release()

	return NewFile(ctx, d, flags)
}

// Create makes a node at path through the context.
func (io *IOContext) Create(ctx context.Context, path string, typ NodeType) (*Dentry, status.Status) {
	dir, name, st := io.LookupDir(ctx, path)
	if st != status.Success {
		return nil, st
	}
	defer dir.Release()

	if dir.Node.Mount.Flags&MountReadOnly != 0 {
		return nil, status.ReadOnly
	}

	dir.Node.Lock(ctx)
	node, st := dir.Node.Ops.Create(ctx, dir.Node, name, typ)
	dir.Node.Unlock(ctx)
	if st != status.Success {
		return nil, st
	}

	io.vfs.cache.invalidate(dir.Node, name)

	d := NewDentry(name, dir, node)
	io.vfs.cache.add(dir.Node, name, d)
	return d.Retain(), status.Success
}

// Unlink removes the node named by path.
func (io *IOContext) Unlink(ctx context.Context, path string) status.Status {
	dir, name, st := io.LookupDir(ctx, path)
	if st != status.Success {
		return st
	}
	defer dir.Release()

	if dir.Node.Mount.Flags&MountReadOnly != 0 {
		return status.ReadOnly
	}

	dir.Node.Lock(ctx)
	st = dir.Node.Ops.Unlink(ctx, dir.Node, name)
	dir.Node.Unlock(ctx)

	io.vfs.cache.invalidate(dir.Node, name)
	return st
}

// Symlink creates a symbolic link at path pointing at target.
func (io *IOContext) Symlink(ctx context.Context, path, target string) status.Status {
	dir, name, st := io.LookupDir(ctx, path)
	if st != status.Success {
		return st
	}
	defer dir.Release()

	if dir.Node.Mount.Flags&MountReadOnly != 0 {
		return status.ReadOnly
	}

	dir.Node.Lock(ctx)
	st = dir.Node.Ops.Symlink(ctx, dir.Node, name, target)
	dir.Node.Unlock(ctx)

	io.vfs.cache.invalidate(dir.Node, name)
	return st
}

// Close releases the context's dentry references.
func (io *IOContext) Close(ctx context.Context) {
	io.root.Release()
	io.cwd.Release()
}
