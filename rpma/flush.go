package rpma

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/gorpma/verbs"
)

// -------------------------------------------------------------------------
// Flush Engine
// -------------------------------------------------------------------------

// A connection carries exactly one flush implementation, chosen from the
// peer's capability when the connection request is built: the native
// flush verb when the device exposes one, otherwise the appliance
// persistence method (APM), which fences preceding writes by reading
// zero bytes from the target back into a local bounce buffer.

// flusher is the flush capability owned by a connection.
type flusher interface {
	// submit issues one flush toward dst at [offset, offset+length).
	// directWrite is the remote peer's declared direct-to-persistence
	// support, applied at issue time.
	submit(qp verbs.QP, dst *RemoteMR, offset, length uint64,
		ftype FlushType, flags CompletionFlags, wrID uint64, directWrite bool) error

	// close releases resources owned by the implementation.
	close() error
}

// newFlush selects the flush implementation for a connection built on p.
func newFlush(p *Peer) (flusher, error) {
	if p.attr.Flush {
		return nativeFlush{}, nil
	}
	return newAPMFlush(p)
}

// -------------------------------------------------------------------------
// Native Flush
// -------------------------------------------------------------------------

// nativeFlush posts the provider's flush verb. The durability domain is
// carried on the work request; the remote peer's configuration does not
// restrict it.
type nativeFlush struct{}

func (nativeFlush) submit(qp verbs.QP, dst *RemoteMR, offset, length uint64,
	ftype FlushType, flags CompletionFlags, wrID uint64, _ bool) error {

	lvl := verbs.FlushGlobalVisibility
	if ftype == FlushTypePersistent {
		lvl = verbs.FlushPersistent
	}

	err := qp.PostSend(verbs.SendWR{
		WRID:       wrID,
		Opcode:     verbs.OpFlush,
		Flags:      sendFlags(flags),
		Length:     length,
		RemoteAddr: dst.addr + offset,
		RKey:       dst.rkey,
		FlushLvl:   lvl,
	})
	if err != nil {
		return providerErr("post flush", err)
	}
	return nil
}

func (nativeFlush) close() error {
	return nil
}

// -------------------------------------------------------------------------
// APM Flush
// -------------------------------------------------------------------------

// apmBufSize is the size of the APM bounce buffer: a single 8-byte atom.
// The fencing read itself transfers zero bytes; the mapping is
// page-aligned by construction.
const apmBufSize = 8

// apmFlush emulates flush with a zero-length read from the target
// address into a private bounce buffer, forcing the remote adapter to
// drain preceding writes. The bounce buffer lives in its own anonymous
// mapping and is registered as a read destination.
type apmFlush struct {
	raw []byte
	mr  *LocalMR
}

func newAPMFlush(p *Peer) (flusher, error) {
	raw, err := unix.Mmap(-1, 0, apmBufSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("map flush bounce buffer: %w", ErrNoMem)
	}

	mr, err := p.RegisterMR(raw, UsageReadDst)
	if err != nil {
		_ = unix.Munmap(raw)
		return nil, err
	}

	return &apmFlush{raw: raw, mr: mr}, nil
}

func (f *apmFlush) submit(qp verbs.QP, dst *RemoteMR, offset, length uint64,
	ftype FlushType, flags CompletionFlags, wrID uint64, directWrite bool) error {

	// A persistent flush is only meaningful when the remote side placed
	// the preceding writes directly onto persistent media.
	if ftype == FlushTypePersistent && !directWrite {
		return fmt.Errorf("persistent flush without remote direct-write support: %w",
			ErrNoSupp)
	}

	err := qp.PostSend(verbs.SendWR{
		WRID:        wrID,
		Opcode:      verbs.OpRead,
		Flags:       sendFlags(flags),
		Local:       f.mr.mr,
		LocalOffset: 0,
		Length:      0,
		RemoteAddr:  dst.addr + offset,
		RKey:        dst.rkey,
	})
	if err != nil {
		return providerErr("post flush read", err)
	}
	return nil
}

func (f *apmFlush) close() error {
	err := f.mr.Close()
	if merr := unix.Munmap(f.raw); merr != nil && err == nil {
		err = fmt.Errorf("unmap flush bounce buffer: %w", ErrInval)
	}
	return err
}

// sendFlags maps completion flags to provider posting flags. Failures
// complete regardless; only CompletionAlways requests a completion on
// success.
func sendFlags(f CompletionFlags) verbs.SendFlags {
	if f&CompletionAlways == CompletionAlways {
		return verbs.SendSignaled
	}
	return 0
}
