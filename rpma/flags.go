package rpma

// -------------------------------------------------------------------------
// Memory-Region Usage
// -------------------------------------------------------------------------

// Usage is the bitset declaring what a memory region will be used for.
// The registration access mask is derived from it (and the transport
// type) at registration time.
type Usage uint32

const (
	// UsageReadSrc marks the region as a source of remote reads.
	UsageReadSrc Usage = 1 << iota

	// UsageReadDst marks the region as a local destination of reads.
	UsageReadDst

	// UsageWriteSrc marks the region as a local source of writes.
	UsageWriteSrc

	// UsageWriteDst marks the region as a destination of remote writes.
	UsageWriteDst

	// UsageFlushVisibility marks the region as a flush target for
	// visibility ordering.
	UsageFlushVisibility

	// UsageFlushPersistent marks the region as a flush target for
	// persistence.
	UsageFlushPersistent

	// UsageSend marks the region as a source of two-sided sends.
	UsageSend

	// UsageRecv marks the region as a destination of two-sided receives.
	UsageRecv

	// UsageAtomicWriteDst marks the region as a destination of native
	// atomic writes.
	UsageAtomicWriteDst
)

// usageAll is the mask of all defined usage bits. Descriptors carrying
// bits outside it are refused.
const usageAll = UsageReadSrc | UsageReadDst | UsageWriteSrc | UsageWriteDst |
	UsageFlushVisibility | UsageFlushPersistent | UsageSend | UsageRecv |
	UsageAtomicWriteDst

// String returns a "|"-joined list of the set usage bits.
func (u Usage) String() string {
	if u == 0 {
		return "None"
	}
	names := []struct {
		bit  Usage
		name string
	}{
		{UsageReadSrc, "ReadSrc"},
		{UsageReadDst, "ReadDst"},
		{UsageWriteSrc, "WriteSrc"},
		{UsageWriteDst, "WriteDst"},
		{UsageFlushVisibility, "FlushVisibility"},
		{UsageFlushPersistent, "FlushPersistent"},
		{UsageSend, "Send"},
		{UsageRecv, "Recv"},
		{UsageAtomicWriteDst, "AtomicWriteDst"},
	}
	out := ""
	for _, n := range names {
		if u&n.bit == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += n.name
	}
	if u&^usageAll != 0 {
		if out != "" {
			out += "|"
		}
		out += "Unknown"
	}
	return out
}

// -------------------------------------------------------------------------
// Completion Flags
// -------------------------------------------------------------------------

// CompletionFlags select when a data-path operation reports a work
// completion.
type CompletionFlags uint32

const (
	// CompletionNone requests no completion on success. A failed
	// operation still reports a completion, as with CompletionOnError.
	CompletionNone CompletionFlags = 0

	// CompletionOnError requests a completion only when the operation
	// fails.
	CompletionOnError CompletionFlags = 1 << 0

	// CompletionAlways requests a completion regardless of the outcome.
	// Implies CompletionOnError.
	CompletionAlways CompletionFlags = 1<<1 | CompletionOnError
)

// String returns the human-readable name of the flags value.
func (f CompletionFlags) String() string {
	switch f {
	case CompletionNone:
		return "None"
	case CompletionOnError:
		return "OnError"
	case CompletionAlways:
		return "Always"
	default:
		return "Unknown"
	}
}

// -------------------------------------------------------------------------
// Flush Type
// -------------------------------------------------------------------------

// FlushType selects the durability guarantee of a flush.
type FlushType uint8

const (
	// FlushTypeVisibility guarantees prior writes are visible to
	// subsequent remote reads.
	FlushTypeVisibility FlushType = iota + 1

	// FlushTypePersistent additionally guarantees prior writes have
	// reached non-volatile media on the target.
	FlushTypePersistent
)

// String returns the human-readable name of the flush type.
func (t FlushType) String() string {
	switch t {
	case FlushTypeVisibility:
		return "Visibility"
	case FlushTypePersistent:
		return "Persistent"
	default:
		return "Unknown"
	}
}
