package kernel

import (
	"context"

	"github.com/aejsmith/kiwi-sub011/fs"
	"github.com/aejsmith/kiwi-sub011/object"
	"github.com/aejsmith/kiwi-sub011/proc"
	"github.com/aejsmith/kiwi-sub011/status"
)

// Path and I/O limits at the syscall boundary.
const (
	PathMax   = 4096
	fsTypeMax = 32
	ioMax     = 1 << 20
)

func ioContext(p *proc.Process) (*fs.IOContext, status.Status) {
	io, ok := p.IO().(*fs.IOContext)
	if !ok {
		return nil, status.InvalidRequest
	}
	return io, status.Success
}

func readPath(ctx context.Context, p *proc.Process, addr uint64) (string, status.Status) {
	return p.AddressSpace().ReadCString(ctx, addr, PathMax)
}

// fileFromHandle resolves a file or directory handle, checking rights.
func fileFromHandle(ctx context.Context, p *proc.Process, id int32, want object.Rights) (*fs.File, status.Status) {
	h, st := p.Handles().Lookup(ctx, id)
	if st != status.Success {
		return nil, st
	}
	typ := h.Object().ObjectType()
	if typ != object.TypeFile && typ != object.TypeDirectory {
		return nil, status.IncorrectType
	}
	if st := h.Check(want); st != status.Success {
		return nil, st
	}
	return h.Object().(*fs.File), status.Success
}

// sysFSOpen opens the path at arg0 with flags arg1, returning a file
// handle whose rights mirror the access flags.
func sysFSOpen(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	io, st := ioContext(p)
	if st != status.Success {
		return 0, st
	}
	path, st := readPath(ctx, p, args[0])
	if st != status.Success {
		return 0, st
	}

	flags := fs.FileFlags(args[1])
	f, st := io.Open(ctx, path, flags)
	if st != status.Success {
		return 0, st
	}

	rights := object.RightWait | object.RightTransfer | object.RightDestroy
	if flags&fs.FileRead != 0 {
		rights |= object.RightRead
	}
	if flags&fs.FileWrite != 0 {
		rights |= object.RightWrite
	}

	id, st := p.Handles().Attach(ctx, f, rights, 0)
	f.Release(ctx)
	return uint64(id), st
}

// sysFSCreate makes a node at the path at arg0 with type arg1.
func sysFSCreate(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	io, st := ioContext(p)
	if st != status.Success {
		return 0, st
	}
	path, st := readPath(ctx, p, args[0])
	if st != status.Success {
		return 0, st
	}

	d, st := io.Create(ctx, path, fs.NodeType(args[1]))
	if st != status.Success {
		return 0, st
	}
	d.Release()
	return 0, status.Success
}

func sysFSUnlink(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	io, st := ioContext(p)
	if st != status.Success {
		return 0, st
	}
	path, st := readPath(ctx, p, args[0])
	if st != status.Success {
		return 0, st
	}
	return 0, io.Unlink(ctx, path)
}

// sysFSRead reads up to arg2 bytes from handle arg0 into user memory
// at arg1, returning the byte count.
func sysFSRead(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	if args[2] > ioMax {
		return 0, status.TooLarge
	}
	f, st := fileFromHandle(ctx, p, int32(args[0]), object.RightRead)
	if st != status.Success {
		return 0, st
	}

	buf := make([]byte, args[2])
	n, st := f.Read(ctx, buf)
	if st != status.Success {
		return 0, st
	}
	if n > 0 {
		if st := p.AddressSpace().WriteBytes(ctx, args[1], buf[:n]); st != status.Success {
			return 0, st
		}
	}
	return uint64(n), status.Success
}

// sysFSWrite writes arg2 bytes from user memory at arg1 to handle
// arg0, returning the byte count.
func sysFSWrite(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	if args[2] > ioMax {
		return 0, status.TooLarge
	}
	f, st := fileFromHandle(ctx, p, int32(args[0]), object.RightWrite)
	if st != status.Success {
		return 0, st
	}

	buf := make([]byte, args[2])
	if st := p.AddressSpace().ReadBytes(ctx, args[1], buf); st != status.Success {
		return 0, st
	}
	n, st := f.Write(ctx, buf)
	return uint64(n), st
}

// sysFSSeek moves the cursor of handle arg0 by offset arg1 from origin
// arg2, returning the new cursor.
func sysFSSeek(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	f, st := fileFromHandle(ctx, p, int32(args[0]), 0)
	if st != status.Success {
		return 0, st
	}
	off, st := f.Seek(ctx, int64(args[1]), int(args[2]))
	return uint64(off), st
}

// sysFSReadDir copies the next entry name of directory handle arg0
// into user memory at arg1 (capacity arg2), NUL terminated, returning
// the name length.
func sysFSReadDir(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	f, st := fileFromHandle(ctx, p, int32(args[0]), object.RightRead)
	if st != status.Success {
		return 0, st
	}

	ent, st := f.ReadDir(ctx)
	if st != status.Success {
		return 0, st
	}
	if uint64(len(ent.Name)+1) > args[2] {
		// Step the cursor back so the entry is not lost.
		f.Seek(ctx, -1, fs.SeekCur)
		return 0, status.TooSmall
	}

	buf := append([]byte(ent.Name), 0)
	if st := p.AddressSpace().WriteBytes(ctx, args[1], buf); st != status.Success {
		return 0, st
	}
	return uint64(len(ent.Name)), status.Success
}

func sysFSTruncate(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	f, st := fileFromHandle(ctx, p, int32(args[0]), object.RightWrite)
	if st != status.Success {
		return 0, st
	}
	return 0, f.Truncate(ctx, int64(args[1]))
}

func sysFSSync(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	f, st := fileFromHandle(ctx, p, int32(args[0]), 0)
	if st != status.Success {
		return 0, st
	}
	return 0, f.Sync(ctx)
}

// sysFSMount mounts filesystem type arg0 over the directory at path
// arg1 with device path arg2 (0 for none) and flags arg3.
func sysFSMount(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	io, st := ioContext(p)
	if st != status.Success {
		return 0, st
	}

	fsType, st := p.AddressSpace().ReadCString(ctx, args[0], fsTypeMax)
	if st != status.Success {
		return 0, st
	}
	path, st := readPath(ctx, p, args[1])
	if st != status.Success {
		return 0, st
	}
	device := ""
	if args[2] != 0 {
		if device, st = readPath(ctx, p, args[2]); st != status.Success {
			return 0, st
		}
	}

	d, st := io.Lookup(ctx, path, true)
	if st != status.Success {
		return 0, st
	}
	st = k.VFS.Mount(ctx, d, fsType, device, fs.MountFlags(args[3]))
	d.Release()
	return 0, st
}

// sysFSUnmount detaches the mount at path arg0 with flags arg1.
func sysFSUnmount(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	io, st := ioContext(p)
	if st != status.Success {
		return 0, st
	}
	path, st := readPath(ctx, p, args[0])
	if st != status.Success {
		return 0, st
	}

	d, st := io.Lookup(ctx, path, true)
	if st != status.Success {
		return 0, st
	}
	// Drop our own pin first so the busy check sees only real users;
	// the dentry stays a valid key for the mount table.
	d.Release()
	return 0, k.VFS.Unmount(ctx, d, fs.UnmountFlags(args[1]))
}

func sysFSSetCwd(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	io, st := ioContext(p)
	if st != status.Success {
		return 0, st
	}
	path, st := readPath(ctx, p, args[0])
	if st != status.Success {
		return 0, st
	}

	d, st := io.Lookup(ctx, path, true)
	if st != status.Success {
		return 0, st
	}
	st = io.SetCwd(d)
	d.Release()
	return 0, st
}
