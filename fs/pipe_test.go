package fs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/aejsmith/kiwi-sub011/ksync"
	"github.com/aejsmith/kiwi-sub011/status"
)

// stubThread gives concurrent test goroutines distinct thread IDs so
// mutex ownership tracking stays coherent.
type stubThread struct {
	id int32
}

func (s stubThread) ThreadID() int32 { return s.id }
func (s stubThread) SpinEnter()      {}
func (s stubThread) SpinExit()       {}
func (s stubThread) SpinHeld() int   { return 0 }

func (s stubThread) Block(e *ksync.Entry, timeout int64, flags ksync.SleepFlags) status.Status {
	return ksync.DirectWait(context.Background(), e, timeout, flags)
}

func threadCtx(id int32) context.Context {
	return ksync.WithCurrent(context.Background(), stubThread{id: id})
}

func TestPipe(t *testing.T) {
	n := neko.Modern(t)
	ctx := context.Background()

	n.It("round-trips bytes in order", func(t *testing.T) {
		r, w := NewPipePair(ctx)
		defer r.Release(ctx)
		defer w.Release(ctx)

		c, st := w.Write(ctx, []byte("hello"))
		require.Equal(t, status.Success, st)
		require.Equal(t, 5, c)

		buf := make([]byte, 16)
		c, st = r.Read(ctx, buf)
		require.Equal(t, status.Success, st)
		require.Equal(t, "hello", string(buf[:c]))
	})

	n.It("blocks readers until data arrives", func(t *testing.T) {
		r, w := NewPipePair(ctx)
		defer r.Release(ctx)
		defer w.Release(ctx)

		got := make(chan string, 1)
		go func() {
			rctx := threadCtx(1)
			buf := make([]byte, 16)
			c, st := r.Read(rctx, buf)
			if st != status.Success {
				got <- st.String()
				return
			}
			got <- string(buf[:c])
		}()

		time.Sleep(20 * time.Millisecond)
		_, st := w.Write(threadCtx(2), []byte("late"))
		require.Equal(t, status.Success, st)
		require.Equal(t, "late", <-got)
	})

	n.It("streams more than the ring capacity", func(t *testing.T) {
		r, w := NewPipePair(ctx)
		defer r.Release(ctx)
		defer w.Release(ctx)

		src := make([]byte, PipeSize+PipeSize/2)
		for i := range src {
			src[i] = byte(i)
		}

		done := make(chan status.Status, 1)
		go func() {
			_, st := w.Write(threadCtx(1), src)
			done <- st
		}()

		rctx := threadCtx(2)
		var out []byte
		for len(out) < len(src) {
			buf := make([]byte, 1024)
			c, st := r.Read(rctx, buf)
			require.Equal(t, status.Success, st)
			out = append(out, buf[:c]...)
		}

		require.Equal(t, status.Success, <-done)
		require.Equal(t, src, out)
	})

	n.It("returns end-of-file after the writer closes", func(t *testing.T) {
		r, w := NewPipePair(ctx)
		defer r.Release(ctx)

		w.Write(ctx, []byte("tail"))
		w.Release(ctx)

		// Buffered bytes drain first.
		buf := make([]byte, 16)
		c, st := r.Read(ctx, buf)
		require.Equal(t, status.Success, st)
		require.Equal(t, "tail", string(buf[:c]))

		c, st = r.Read(ctx, buf)
		require.Equal(t, status.Success, st)
		require.Equal(t, 0, c)
	})

	n.It("fails writes after the reader closes", func(t *testing.T) {
		r, w := NewPipePair(ctx)
		defer w.Release(ctx)

		r.Release(ctx)

		_, st := w.Write(ctx, []byte("x"))
		require.Equal(t, status.PipeClosed, st)
		require.NotZero(t, w.Events().Pending()&FileEventHangup)
	})

	n.It("rejects positioned access", func(t *testing.T) {
		r, w := NewPipePair(ctx)
		defer r.Release(ctx)
		defer w.Release(ctx)

		_, st := r.Seek(ctx, 0, SeekSet)
		require.Equal(t, status.NotSupported, st)
		_, st = r.ReadAt(ctx, make([]byte, 1), 0)
		require.Equal(t, status.NotSupported, st)
		_, st = w.WriteAt(ctx, []byte("x"), 0)
		require.Equal(t, status.NotSupported, st)
	})

	n.Meow()
}

func TestPoll(t *testing.T) {
	n := neko.Modern(t)
	ctx := context.Background()

	n.It("reports regular files ready immediately", func(t *testing.T) {
		_, ioc := newTestIO(t)
		defer ioc.Close(ctx)

		writeFile(t, ioc, "/f", "x")
		f, _ := ioc.Open(ctx, "/f", FileRead)
		defer f.Release(ctx)

		refs := []PollRef{{File: f, Mask: FileEventReadable | FileEventWritable}}
		ready, st := Poll(ctx, refs, ksync.Poll)
		require.Equal(t, status.Success, st)
		require.Equal(t, 1, ready)
		require.NotZero(t, refs[0].Fired&FileEventReadable)
	})

	n.It("wakes on pipe readability", func(t *testing.T) {
		r, w := NewPipePair(ctx)
		defer r.Release(ctx)
		defer w.Release(ctx)

		refs := []PollRef{{File: r, Mask: FileEventReadable}}
		_, st := Poll(ctx, refs, int64(10*time.Millisecond))
		require.Equal(t, status.TimedOut, st)

		go func() {
			time.Sleep(10 * time.Millisecond)
			w.Write(threadCtx(1), []byte("x"))
		}()

		ready, st := Poll(threadCtx(2), refs, int64(time.Second))
		require.Equal(t, status.Success, st)
		require.Equal(t, 1, ready)
		require.NotZero(t, refs[0].Fired&FileEventReadable)
	})

	n.It("always observes hangup", func(t *testing.T) {
		r, w := NewPipePair(ctx)
		defer w.Release(ctx)
		r.Release(ctx)

		// Mask asks for writability only; hangup is reported anyway.
		refs := []PollRef{{File: w, Mask: FileEventWritable}}
		ready, st := Poll(ctx, refs, ksync.Poll)
		require.Equal(t, status.Success, st)
		require.Equal(t, 1, ready)
		require.NotZero(t, refs[0].Fired&FileEventHangup)
	})

	n.It("rejects an empty set", func(t *testing.T) {
		_, st := Poll(ctx, nil, ksync.Poll)
		require.Equal(t, status.InvalidArg, st)
	})

	n.Meow()
}
