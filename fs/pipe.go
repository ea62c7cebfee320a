package fs

import (
	"context"
	"sync"

	"github.com/aejsmith/kiwi-sub011/ksync"
	"github.com/aejsmith/kiwi-sub011/object"
	"github.com/aejsmith/kiwi-sub011/status"
)

// PipeSize is the ring buffer capacity.
const PipeSize = 4096

type pipeEnd int

const (
	pipeReader pipeEnd = iota + 1
	pipeWriter
)

// Pipe is a fixed-size byte ring. One mutex serializes readers, one
// serializes writers; two semaphores count data bytes and free bytes,
// so readers and writers only meet at the ring itself.
type Pipe struct {
	readLock  *ksync.Mutex
	writeLock *ksync.Mutex
	data      *ksync.Semaphore
	free      *ksync.Semaphore

	mu          sync.Mutex
	buf         [PipeSize]byte
	head        int // next read position
	tail        int // next write position
	avail       int
	readClosed  bool
	writeClosed bool

	rFile *File
	wFile *File
}

// NewPipePair creates a pipe and returns its read and write file
// handles.
func NewPipePair(ctx context.Context) (*File, *File) {
	p := &Pipe{
		readLock:  ksync.NewMutex("pipe_read"),
		writeLock: ksync.NewMutex("pipe_write"),
		data:      ksync.NewSemaphore("pipe_data", 0),
		free:      ksync.NewSemaphore("pipe_free", PipeSize),
	}

	r := &File{flags: FileRead, pipe: p, end: pipeReader}
	r.InitObject(object.TypeFile, r.destroy)

	w := &File{flags: FileWrite, pipe: p, end: pipeWriter}
	w.InitObject(object.TypeFile, w.destroy)

	p.rFile = r
	p.wFile = w

	w.Events().Notify(FileEventWritable)

	return r, w
}

// Read blocks until at least one byte is available, then drains up to
// len(buf) buffered bytes. A zero count with Success is end-of-file:
// the write end closed and the ring is empty.
func (p *Pipe) Read(ctx context.Context, buf []byte) (int, status.Status) {
	if len(buf) == 0 {
		return 0, status.Success
	}

	p.readLock.Lock(ctx)
	defer p.readLock.Unlock(ctx)

	for {
		st := p.data.DownTimeout(ctx, ksync.Forever, ksync.SleepInterruptible)
		if st != status.Success {
			return 0, st
		}

		p.mu.Lock()
		if p.avail == 0 {
			// Woken by the close poke rather than data.
			closed := p.writeClosed
			p.mu.Unlock()
			if closed {
				// Re-poke so every other blocked reader sees EOF too.
				p.data.Up(1)
				return 0, status.Success
			}
			continue
		}

		// One byte is paid for; take the rest of the available run
		// without blocking.
		n := 1
		for n < len(buf) && n < p.avail {
			if p.data.DownTimeout(ctx, ksync.Poll, 0) != status.Success {
				break
			}
			n++
		}

		for i := 0; i < n; i++ {
			buf[i] = p.buf[p.head]
			p.head = (p.head + 1) % PipeSize
		}
		p.avail -= n
		drained := p.avail == 0
		p.mu.Unlock()

		p.free.Up(n)

		if drained {
			p.rFile.Events().Clear(FileEventReadable)
		}
		p.wFile.Events().Notify(FileEventWritable)

		return n, status.Success
	}
}

// Write copies buf into the ring, blocking for free space as needed.
// Writing after the read end closed fails with PipeClosed.
func (p *Pipe) Write(ctx context.Context, buf []byte) (int, status.Status) {
	p.writeLock.Lock(ctx)
	defer p.writeLock.Unlock(ctx)

	total := 0
	for total < len(buf) {
		st := p.free.DownTimeout(ctx, ksync.Forever, ksync.SleepInterruptible)
		if st != status.Success {
			return total, st
		}

		p.mu.Lock()
		if p.readClosed {
			p.mu.Unlock()
			p.free.Up(1)
			return total, status.PipeClosed
		}

		// One free byte is paid for; claim the rest of the free run.
		n := 1
		for total+n < len(buf) && p.avail+n < PipeSize {
			if p.free.DownTimeout(ctx, ksync.Poll, 0) != status.Success {
				break
			}
			n++
		}

		for i := 0; i < n; i++ {
			p.buf[p.tail] = buf[total+i]
			p.tail = (p.tail + 1) % PipeSize
		}
		p.avail += n
		full := p.avail == PipeSize
		p.mu.Unlock()

		p.data.Up(n)

		if full {
			p.wFile.Events().Clear(FileEventWritable)
		}
		p.rFile.Events().Notify(FileEventReadable)

		total += n
	}

	return total, status.Success
}

// closeEnd runs when one end's file handle is destroyed.
func (p *Pipe) closeEnd(ctx context.Context, end pipeEnd) {
	p.mu.Lock()
	switch end {
	case pipeReader:
		p.readClosed = true
	case pipeWriter:
		p.writeClosed = true
	}
	p.mu.Unlock()

	switch end {
	case pipeReader:
		// Unblock writers; they observe PipeClosed.
		p.free.Up(1)
		p.wFile.Events().Notify(FileEventError | FileEventHangup)
	case pipeWriter:
		// Unblock readers; they drain then observe EOF.
		p.data.Up(1)
		p.rFile.Events().Notify(FileEventReadable | FileEventHangup)
	}
}
