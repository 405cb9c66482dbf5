package rpma

import (
	"encoding/binary"
	"fmt"
)

// -------------------------------------------------------------------------
// Remote-MR Wire Descriptor
// -------------------------------------------------------------------------
//
// A registered region is identified on the wire by a fixed 24-byte
// little-endian record. The record is self-contained and needs no
// framing; peers typically ship it inside connection private data.
//
// Layout:
//
//	Bytes  0-7:  remote address (uint64)
//	Bytes  8-15: length (uint64)
//	Bytes 16-19: remote key (uint32)
//	Bytes 20-23: usage bitset (uint32)

// DescriptorSize is the exact size of a serialized memory-region
// descriptor in bytes.
const DescriptorSize = 24

// GetDescriptorSize returns DescriptorSize. Provided for callers sizing
// buffers at run time.
func GetDescriptorSize() int {
	return DescriptorSize
}

// descriptor field offsets.
const (
	descOffAddr  = 0
	descOffLen   = 8
	descOffRKey  = 16
	descOffUsage = 20
)

// marshalDescriptor writes the (addr, length, rkey, usage) tuple into
// buf, which must be at least DescriptorSize bytes.
func marshalDescriptor(buf []byte, addr, length uint64, rkey uint32, usage Usage) {
	binary.LittleEndian.PutUint64(buf[descOffAddr:], addr)
	binary.LittleEndian.PutUint64(buf[descOffLen:], length)
	binary.LittleEndian.PutUint32(buf[descOffRKey:], rkey)
	binary.LittleEndian.PutUint32(buf[descOffUsage:], uint32(usage))
}

// UnmarshalDescriptor deserializes a remote memory-region handle from
// its wire descriptor.
//
// The declared length must match DescriptorSize exactly and the usage
// bitset must contain only defined bits; either mismatch means the two
// sides disagree on the wire format and yields ErrNoSupp rather than
// ErrInval.
func UnmarshalDescriptor(desc []byte) (*RemoteMR, error) {
	if desc == nil {
		return nil, fmt.Errorf("unmarshal descriptor: nil buffer: %w", ErrInval)
	}
	if len(desc) != DescriptorSize {
		return nil, fmt.Errorf("unmarshal descriptor: %d bytes, expected %d: %w",
			len(desc), DescriptorSize, ErrNoSupp)
	}

	usage := Usage(binary.LittleEndian.Uint32(desc[descOffUsage:]))
	if usage&^usageAll != 0 {
		return nil, fmt.Errorf("unmarshal descriptor: unknown usage bits 0x%x: %w",
			uint32(usage&^usageAll), ErrNoSupp)
	}

	return &RemoteMR{
		addr:   binary.LittleEndian.Uint64(desc[descOffAddr:]),
		length: binary.LittleEndian.Uint64(desc[descOffLen:]),
		rkey:   binary.LittleEndian.Uint32(desc[descOffRKey:]),
		usage:  usage,
	}, nil
}
