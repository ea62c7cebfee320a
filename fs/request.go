package fs

import (
	"context"

	"github.com/aejsmith/kiwi-sub011/mm/vm"
	"github.com/aejsmith/kiwi-sub011/status"
)

// IOOp is the direction of an I/O request.
type IOOp int

const (
	// IORead moves bytes from the driver into the request's vector.
	IORead IOOp = iota

	// IOWrite moves bytes from the vector into the driver.
	IOWrite
)

// IOTarget says where the vector's buffers live.
type IOTarget int

const (
	// TargetKernel vectors carry kernel byte slices.
	TargetKernel IOTarget = iota

	// TargetUser vectors carry user virtual addresses resolved through
	// the request's address space.
	TargetUser
)

// IOVec is one scatter-gather element. Kernel targets use Buf; user
// targets use Addr/Len.
type IOVec struct {
	Buf  []byte
	Addr uint64
	Len  int
}

func (v *IOVec) size() int {
	if v.Buf != nil {
		return len(v.Buf)
	}
	return v.Len
}

// IORequest carries one I/O operation through a driver. Drivers fill
// or consume bytes with Copy, advancing Transferred; the caller owns
// completion and retry decisions based on the partial count.
type IORequest struct {
	Op          IOOp
	Target      IOTarget
	Vecs        []IOVec
	Offset      int64
	Total       int
	Transferred int
	Thread      int32

	// Space resolves user addresses for TargetUser requests.
	Space *vm.AddressSpace
}

// NewKernelRequest builds a request over kernel buffers.
func NewKernelRequest(op IOOp, offset int64, bufs ...[]byte) *IORequest {
	r := &IORequest{Op: op, Target: TargetKernel, Offset: offset}
	for _, b := range bufs {
		r.Vecs = append(r.Vecs, IOVec{Buf: b})
		r.Total += len(b)
	}
	return r
}

// NewUserRequest builds a request over user address ranges.
func NewUserRequest(op IOOp, offset int64, space *vm.AddressSpace, thread int32, vecs ...IOVec) *IORequest {
	r := &IORequest{
		Op:     op,
		Target: TargetUser,
		Offset: offset,
		Thread: thread,
		Space:  space,
		Vecs:   vecs,
	}
	for _, v := range vecs {
		r.Total += v.size()
	}
	return r
}

// Remaining reports the bytes the request still wants.
func (r *IORequest) Remaining() int { return r.Total - r.Transferred }

// locate finds the vector element and intra-element offset holding the
// request position pos.
func (r *IORequest) locate(pos int) (int, int) {
	for i := range r.Vecs {
		n := r.Vecs[i].size()
		if pos < n {
			return i, pos
		}
		pos -= n
	}
	return len(r.Vecs), 0
}

// Copy moves len(buf) bytes between buf and the vector at the current
// transfer position, direction per Op, advancing Transferred. Short
// moves happen at the end of the vector.
func (r *IORequest) Copy(ctx context.Context, buf []byte) (int, status.Status) {
	done := 0
	vi, voff := r.locate(r.Transferred)

	for done < len(buf) && vi < len(r.Vecs) {
		v := &r.Vecs[vi]
		chunk := v.size() - voff
		if chunk > len(buf)-done {
			chunk = len(buf) - done
		}
		if chunk == 0 {
			vi, voff = vi+1, 0
			continue
		}

		if v.Buf != nil {
			if r.Op == IORead {
				copy(v.Buf[voff:voff+chunk], buf[done:done+chunk])
			} else {
				copy(buf[done:done+chunk], v.Buf[voff:voff+chunk])
			}
		} else {
			if r.Space == nil {
				return done, status.InvalidRequest
			}
			addr := v.Addr + uint64(voff)
			var st status.Status
			if r.Op == IORead {
				st = r.Space.WriteBytes(ctx, addr, buf[done:done+chunk])
			} else {
				st = r.Space.ReadBytes(ctx, addr, buf[done:done+chunk])
			}
			if st != status.Success {
				return done, st
			}
		}

		done += chunk
		r.Transferred += chunk
		voff += chunk
		if voff == r.Vecs[vi].size() {
			vi, voff = vi+1, 0
		}
	}

	return done, status.Success
}

// Map exposes the current vector element as a kernel byte slice for
// drivers that want zero-copy access. User-target requests fall back
// to Copy.
func (r *IORequest) Map(ctx context.Context) ([]byte, status.Status) {
	if r.Target != TargetKernel {
		return nil, status.NotSupported
	}

	vi, voff := r.locate(r.Transferred)
	if vi >= len(r.Vecs) {
		return nil, status.Success
	}
	return r.Vecs[vi].Buf[voff:], status.Success
}

// Advance records progress made through a mapped buffer.
func (r *IORequest) Advance(n int) {
	r.Transferred += n
	if r.Transferred > r.Total {
		r.Transferred = r.Total
	}
}
