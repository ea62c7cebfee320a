package vm

import (
	"context"

	"github.com/aejsmith/kiwi-sub011/mm/mmu"
	"github.com/aejsmith/kiwi-sub011/mm/page"
	"github.com/aejsmith/kiwi-sub011/status"
)

// ReadBytes copies len(buf) bytes out of the address space starting at
// addr, faulting pages in as needed.
func (as *AddressSpace) ReadBytes(ctx context.Context, addr uint64, buf []byte) status.Status {
	return as.access(ctx, addr, buf, false)
}

// WriteBytes copies buf into the address space at addr.
func (as *AddressSpace) WriteBytes(ctx context.Context, addr uint64, buf []byte) status.Status {
	return as.access(ctx, addr, buf, true)
}

func (as *AddressSpace) access(ctx context.Context, addr uint64, buf []byte, write bool) status.Status {
	want := mmu.AccessRead
	if write {
		want = mmu.AccessWrite
	}

	done := 0
	for done < len(buf) {
		vpage := addr - addr%page.Size

		phys, _, ok := as.mmu.Lookup(addr)
		needFault := !ok
		if ok && write {
			// A private page mapped read-only needs its write
			// fault taken here.
			_, access, _ := as.mmu.Lookup(vpage)
			if access&mmu.AccessWrite == 0 {
				needFault = true
			}
		}

		if needFault {
			if st := as.Fault(ctx, addr, want); st != status.Success {
				return st
			}
			phys, _, ok = as.mmu.Lookup(addr)
			if !ok {
				return status.InvalidAddr
			}
		}

		p, ok := as.phys.Lookup(phys)
		if !ok {
			return status.InvalidAddr
		}

		pageOff := addr % page.Size
		chunk := int(page.Size - pageOff)
		if chunk > len(buf)-done {
			chunk = len(buf) - done
		}

		data := p.Data()
		if write {
			copy(data[pageOff:pageOff+uint64(chunk)], buf[done:done+chunk])
			p.Dirty = true
		} else {
			copy(buf[done:done+chunk], data[pageOff:pageOff+uint64(chunk)])
		}

		done += chunk
		addr += uint64(chunk)
	}

	return status.Success
}

// ReadCString reads a NUL-terminated string from the address space,
// bounded by max bytes.
func (as *AddressSpace) ReadCString(ctx context.Context, addr uint64, max int) (string, status.Status) {
	var out []byte
	var b [1]byte

	for len(out) < max {
		if st := as.ReadBytes(ctx, addr, b[:]); st != status.Success {
			return "", st
		}
		if b[0] == 0 {
			return string(out), status.Success
		}
		out = append(out, b[0])
		addr++
	}

	return "", status.TooLong
}
