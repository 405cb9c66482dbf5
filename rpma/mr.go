package rpma

import (
	"fmt"

	"github.com/dantte-lp/gorpma/verbs"
)

// -------------------------------------------------------------------------
// Local Memory Region
// -------------------------------------------------------------------------

// LocalMR is a registered local buffer. It is immutable after
// registration; its descriptor may be emitted concurrently by any
// number of goroutines. The region must outlive every in-flight work
// request referencing it.
type LocalMR struct {
	mr    verbs.MR
	buf   []byte
	usage Usage
}

// RegisterMR registers buf for the declared usage and returns the
// region handle.
//
// The registration access mask is computed from usage and the peer's
// transport type. An empty buffer or empty usage is refused before any
// provider call.
func (p *Peer) RegisterMR(buf []byte, usage Usage) (*LocalMR, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("register memory region: empty buffer: %w", ErrInval)
	}
	if usage == 0 {
		return nil, fmt.Errorf("register memory region: empty usage: %w", ErrInval)
	}
	if usage&^usageAll != 0 {
		return nil, fmt.Errorf("register memory region: unknown usage bits 0x%x: %w",
			uint32(usage&^usageAll), ErrInval)
	}

	mr, err := p.registerMR(buf, usage)
	if err != nil {
		return nil, err
	}

	return &LocalMR{mr: mr, buf: buf, usage: usage}, nil
}

// Close deregisters the region.
func (mr *LocalMR) Close() error {
	if err := mr.mr.Dereg(); err != nil {
		return providerErr("deregister memory region", err)
	}
	return nil
}

// Length returns the registered length in bytes.
func (mr *LocalMR) Length() uint64 {
	return mr.mr.Length()
}

// Usage returns the usage bitset the region was registered with.
func (mr *LocalMR) Usage() Usage {
	return mr.usage
}

// MarshalDescriptor serializes the region's wire descriptor into buf
// and returns the number of bytes written (always DescriptorSize). The
// encoding is little-endian regardless of host byte order.
func (mr *LocalMR) MarshalDescriptor(buf []byte) (int, error) {
	if len(buf) < DescriptorSize {
		return 0, fmt.Errorf("marshal descriptor: need %d bytes, got %d: %w",
			DescriptorSize, len(buf), ErrInval)
	}
	marshalDescriptor(buf, mr.mr.Addr(), mr.mr.Length(), mr.mr.RKey(), mr.usage)
	return DescriptorSize, nil
}
