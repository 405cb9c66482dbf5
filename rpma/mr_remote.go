package rpma

// -------------------------------------------------------------------------
// Remote Memory Region
// -------------------------------------------------------------------------

// RemoteMR is a deserialized handle into a remote registered buffer.
// It holds no provider resources and is immutable; it is valid for as
// long as the remote side keeps the underlying registration alive.
//
// Construct with UnmarshalDescriptor.
type RemoteMR struct {
	addr   uint64
	length uint64
	rkey   uint32
	usage  Usage
}

// Size returns the length of the remote region in bytes.
func (mr *RemoteMR) Size() uint64 {
	return mr.length
}

// Usage returns the usage bitset declared by the remote peer.
func (mr *RemoteMR) Usage() Usage {
	return mr.usage
}
