package fs

import (
	"context"
	"sync"

	"github.com/aejsmith/kiwi-sub011/mm/page"
	"github.com/aejsmith/kiwi-sub011/mm/vm"
	"github.com/aejsmith/kiwi-sub011/object"
	"github.com/aejsmith/kiwi-sub011/pkg/waiter"
	"github.com/aejsmith/kiwi-sub011/status"
)

// File events observed by poll and object waits.
const (
	FileEventReadable waiter.EventType = 1 << iota
	FileEventWritable
	FileEventError
	FileEventHangup
)

// FileFlags control an open file's access.
type FileFlags uint32

const (
	FileRead FileFlags = 1 << iota
	FileWrite
	FileAppend
)

// Seek origins.
const (
	SeekSet = iota
	SeekCur
	SeekEnd
)

// File is an open file handle: a kernel object holding a dentry
// reference, access flags and a cursor. Duplicated handles share the
// File and therefore the offset.
type File struct {
	object.Base

	dentry *Dentry
	node   *Node
	flags  FileFlags
	pipe   *Pipe
	end    pipeEnd

	mu     sync.Mutex
	offset int64
}

// NewFile opens a node through its dentry.
func NewFile(ctx context.Context, d *Dentry, flags FileFlags) (*File, status.Status) {
	if flags&FileWrite != 0 && d.Node.Mount.Flags&MountReadOnly != 0 {
		return nil, status.ReadOnly
	}

	f := &File{
		dentry: d.Retain(),
		node:   d.Node,
		flags:  flags,
	}

	typ := object.TypeFile
	if d.Node.Type == DirNode {
		typ = object.TypeDirectory
	}
	f.InitObject(typ, f.destroy)

	// Backing store never blocks, so regular files poll ready.
	if d.Node.Type != PipeNode {
		f.Events().Notify(FileEventReadable | FileEventWritable)
	}

	return f, status.Success
}

func (f *File) destroy(ctx context.Context) {
	if f.pipe != nil {
		f.pipe.closeEnd(ctx, f.end)
	}
	if f.dentry != nil {
		f.dentry.Release()
	}
}

// Node returns the underlying node.
func (f *File) Node() *Node { return f.node }

// Dentry returns the opened dentry, nil for anonymous pipes.
func (f *File) Dentry() *Dentry { return f.dentry }

// Read reads from the cursor, advancing it by the bytes read.
func (f *File) Read(ctx context.Context, buf []byte) (int, status.Status) {
	if f.flags&FileRead == 0 {
		return 0, status.AccessDenied
	}
	if f.pipe != nil {
		return f.pipe.Read(ctx, buf)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n, st := f.node.Read(ctx, buf, f.offset)
	f.offset += int64(n)
	return n, st
}

// Write writes at the cursor (or the end under FileAppend), advancing
// it by the bytes written.
func (f *File) Write(ctx context.Context, buf []byte) (int, status.Status) {
	if f.flags&FileWrite == 0 {
		return 0, status.AccessDenied
	}
	if f.pipe != nil {
		return f.pipe.Write(ctx, buf)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.flags&FileAppend != 0 {
		f.offset = f.node.Size()
	}
	n, st := f.node.Write(ctx, buf, f.offset)
	f.offset += int64(n)
	return n, st
}

// ReadAt reads at an explicit offset without moving the cursor.
func (f *File) ReadAt(ctx context.Context, buf []byte, offset int64) (int, status.Status) {
	if f.flags&FileRead == 0 {
		return 0, status.AccessDenied
	}
	if f.pipe != nil {
		return 0, status.NotSupported
	}
	return f.node.Read(ctx, buf, offset)
}

// WriteAt writes at an explicit offset without moving the cursor.
func (f *File) WriteAt(ctx context.Context, buf []byte, offset int64) (int, status.Status) {
	if f.flags&FileWrite == 0 {
		return 0, status.AccessDenied
	}
	if f.pipe != nil {
		return 0, status.NotSupported
	}
	return f.node.Write(ctx, buf, offset)
}

// Seek moves the cursor and returns its new value.
func (f *File) Seek(ctx context.Context, offset int64, whence int) (int64, status.Status) {
	if f.pipe != nil {
		return 0, status.NotSupported
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = f.offset
	case SeekEnd:
		base = f.node.Size()
	default:
		return 0, status.InvalidArg
	}
	if base+offset < 0 {
		return 0, status.InvalidArg
	}

	f.offset = base + offset
	return f.offset, status.Success
}

// ReadDir returns the next directory entry at the cursor.
func (f *File) ReadDir(ctx context.Context) (DirEntry, status.Status) {
	if f.node == nil || f.node.Type != DirNode {
		return DirEntry{}, status.NotDir
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.node.Lock(ctx)
	ent, next, st := f.node.Ops.ReadDir(ctx, f.node, int(f.offset))
	f.node.Unlock(ctx)
	if st != status.Success {
		return DirEntry{}, st
	}

	f.offset = int64(next)
	return ent, status.Success
}

// Truncate sets the file's length.
func (f *File) Truncate(ctx context.Context, size int64) status.Status {
	if f.flags&FileWrite == 0 {
		return status.AccessDenied
	}
	if f.pipe != nil {
		return status.NotSupported
	}
	return f.node.Truncate(ctx, size)
}

// Sync flushes the node.
func (f *File) Sync(ctx context.Context) status.Status {
	if f.pipe != nil {
		return status.Success
	}
	f.node.Lock(ctx)
	defer f.node.Unlock(ctx)
	return f.node.Ops.Sync(ctx, f.node)
}

// Size reports the node's length.
func (f *File) Size() int64 {
	if f.pipe != nil {
		return 0
	}
	return f.node.Size()
}

// filePager adapts a node to the VM layer's demand paging interface.
type filePager struct {
	node *Node
}

func (p *filePager) ReadPage(ctx context.Context, buf []byte, offset uint64) status.Status {
	done := 0
	for done < len(buf) {
		n, st := p.node.Read(ctx, buf[done:], int64(offset)+int64(done))
		if st != status.Success {
			return st
		}
		if n == 0 {
			// Past EOF stays zero-filled.
			return status.Success
		}
		done += n
	}
	return status.Success
}

func (p *filePager) Length() uint64 {
	return uint64(p.node.Size())
}

// MapObject returns a VM object demand-paging the file, for mapping it
// into an address space.
func (f *File) MapObject(phys *page.Allocator) (vm.Object, status.Status) {
	if f.node == nil || f.node.Type != FileNode {
		return nil, status.NotRegular
	}
	if f.flags&FileRead == 0 {
		return nil, status.AccessDenied
	}
	return vm.NewFile(phys, &filePager{node: f.node}), status.Success
}
