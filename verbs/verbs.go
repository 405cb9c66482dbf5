// Package verbs defines the narrow provider interface the gorpma library
// drives an RDMA provider through: device lookup, protection domains,
// memory registration, completion queues, queue pairs, shared receive
// queues, and the connection manager.
//
// The interfaces deliberately cover only the calls the library issues.
// A production provider wraps a verbs/rdmacm binding; the in-tree
// loopback provider (verbs/loopback) pairs connections through process
// memory so the library can be exercised without an RNIC.
package verbs

import (
	"errors"

	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// Access Flags
// -------------------------------------------------------------------------

// Access is the memory-region access mask passed to PD.RegMR.
// The values mirror the provider's registration flags.
type Access uint32

const (
	// AccessLocalWrite permits the local adapter to write into the region
	// (receives, read responses landing locally).
	AccessLocalWrite Access = 1 << iota

	// AccessRemoteWrite permits remote peers to write into the region.
	AccessRemoteWrite

	// AccessRemoteRead permits remote peers to read from the region.
	AccessRemoteRead

	// AccessOnDemand registers the region for on-demand paging: pages are
	// faulted in by the adapter instead of being pinned up front.
	AccessOnDemand
)

// -------------------------------------------------------------------------
// Transport Type
// -------------------------------------------------------------------------

// Transport identifies the RDMA transport family of a device.
type Transport uint8

const (
	// TransportUnknown is reported when the provider cannot classify
	// the device.
	TransportUnknown Transport = iota

	// TransportIB is native InfiniBand.
	TransportIB

	// TransportIWARP is iWARP (RDMA over TCP). iWARP read responses are
	// placed with remote-write machinery, which leaks into registration
	// access requirements.
	TransportIWARP

	// TransportRoCE is RDMA over Converged Ethernet.
	TransportRoCE
)

// String returns the human-readable name of the transport.
func (t Transport) String() string {
	switch t {
	case TransportIB:
		return "InfiniBand"
	case TransportIWARP:
		return "iWARP"
	case TransportRoCE:
		return "RoCE"
	default:
		return "Unknown"
	}
}

// -------------------------------------------------------------------------
// Device Attributes
// -------------------------------------------------------------------------

// DeviceAttr carries the device capabilities the library probes once at
// peer construction and caches for the peer's lifetime.
type DeviceAttr struct {
	// OnDemandPaging reports implicit on-demand-paging support for
	// reliable-connected queue pairs.
	OnDemandPaging bool

	// AtomicWrite reports a native 8-byte atomic-write verb.
	AtomicWrite bool

	// Flush reports a native flush verb with a remote durability domain.
	Flush bool

	// Transport is the device's transport family.
	Transport Transport
}

// -------------------------------------------------------------------------
// Work Completions
// -------------------------------------------------------------------------

// Opcode identifies the operation a work completion belongs to.
type Opcode uint8

const (
	// OpRead is an RDMA read.
	OpRead Opcode = iota + 1

	// OpWrite is an RDMA write.
	OpWrite

	// OpAtomicWrite is a native 8-byte atomic write.
	OpAtomicWrite

	// OpSend is a two-sided send.
	OpSend

	// OpRecv is the receive completion matching a remote send.
	OpRecv

	// OpFlush is a native flush.
	OpFlush
)

// String returns the human-readable name of the opcode.
func (o Opcode) String() string {
	switch o {
	case OpRead:
		return "Read"
	case OpWrite:
		return "Write"
	case OpAtomicWrite:
		return "AtomicWrite"
	case OpSend:
		return "Send"
	case OpRecv:
		return "Recv"
	case OpFlush:
		return "Flush"
	default:
		return "Unknown"
	}
}

// Status is the completion status of a work request.
type Status uint8

const (
	// StatusSuccess indicates the work request completed successfully.
	StatusSuccess Status = iota

	// StatusLocalError indicates a local queue or protection fault.
	StatusLocalError

	// StatusRemoteAccessError indicates the remote address or key was
	// not valid for the requested access.
	StatusRemoteAccessError

	// StatusFlushed indicates the work request was flushed with the
	// queue pair after a disconnect or transition to the error state.
	StatusFlushed
)

// String returns the human-readable name of the completion status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusLocalError:
		return "LocalError"
	case StatusRemoteAccessError:
		return "RemoteAccessError"
	case StatusFlushed:
		return "Flushed"
	default:
		return "Unknown"
	}
}

// WorkCompletion is the provider's completion record. Fields meaningful
// only for certain opcodes (ByteLen, Imm) carry no defined value otherwise.
type WorkCompletion struct {
	// WRID is the caller's opaque work-request id.
	WRID uint64

	// Status is the completion status.
	Status Status

	// Opcode identifies the completed operation.
	Opcode Opcode

	// ByteLen is the number of bytes transferred (receives and reads).
	ByteLen uint32

	// Imm is the 32-bit immediate value carried by a send-with-immediate.
	// Valid only when ImmValid is set on an OpRecv completion.
	Imm uint32

	// ImmValid reports whether Imm carries data.
	ImmValid bool
}

// -------------------------------------------------------------------------
// Send Work Requests
// -------------------------------------------------------------------------

// SendFlags modify work-request posting.
type SendFlags uint32

const (
	// SendSignaled requests a completion for the work request even on
	// success. Unsignaled requests complete silently unless they fail.
	SendSignaled SendFlags = 1 << iota
)

// FlushLevel selects the durability domain of a native flush.
type FlushLevel uint8

const (
	// FlushGlobalVisibility orders prior writes for subsequent reads.
	FlushGlobalVisibility FlushLevel = iota + 1

	// FlushPersistent additionally drains prior writes to persistence.
	FlushPersistent
)

// SendWR describes one work request for QP.PostSend. Local is nil for
// operations without a local buffer (zero-length reads).
type SendWR struct {
	// WRID is the caller's opaque work-request id, reflected in the
	// matching WorkCompletion.
	WRID uint64

	// Opcode selects the operation.
	Opcode Opcode

	// Flags modify posting behavior.
	Flags SendFlags

	// Local is the local memory region, with LocalOffset/Length selecting
	// the window inside it.
	Local       MR
	LocalOffset uint64
	Length      uint64

	// RemoteAddr and RKey address the remote region for one-sided
	// operations.
	RemoteAddr uint64
	RKey       uint32

	// Imm is the immediate value for OpSend with immediate data.
	Imm      uint32
	ImmValid bool

	// Inline carries the payload for OpAtomicWrite, which posts its
	// 8 bytes inline without a registered local region.
	Inline []byte

	// FlushLvl selects the durability domain for OpFlush.
	FlushLvl FlushLevel
}

// -------------------------------------------------------------------------
// Provider Interfaces
// -------------------------------------------------------------------------

// Provider is the root of the shim: device lookup and CM object factories.
type Provider interface {
	// OpenDevice resolves a textual address to the device context local
	// to it.
	OpenDevice(addr string) (Context, error)

	// CreateEventChannel creates a CM event channel.
	CreateEventChannel() (EventChannel, error)

	// CreateID creates a CM identifier bound to ch. A nil channel puts
	// the identifier in synchronous mode.
	CreateID(ch EventChannel) (CMID, error)
}

// Context is an opened device context.
type Context interface {
	// QueryDevice probes the device capabilities.
	QueryDevice() (DeviceAttr, error)

	// AllocPD allocates a protection domain.
	AllocPD() (PD, error)

	// CreateCompChannel creates a completion-event channel.
	CreateCompChannel() (CompChannel, error)

	// CreateCQ creates a completion queue of the given depth, delivering
	// notifications to ch.
	CreateCQ(depth int, ch CompChannel) (CQ, error)
}

// PD is a protection domain.
type PD interface {
	// RegMR registers buf with the given access mask.
	RegMR(buf []byte, access Access) (MR, error)

	// CreateSRQ creates a shared receive queue of the given depth.
	CreateSRQ(depth int) (SRQ, error)

	// Dealloc releases the protection domain.
	Dealloc() error
}

// MR is a registered memory region.
type MR interface {
	// Addr is the region's base address as seen by remote peers.
	Addr() uint64

	// Length is the registered length in bytes.
	Length() uint64

	// LKey is the local access key.
	LKey() uint32

	// RKey is the remote access key.
	RKey() uint32

	// Dereg releases the registration.
	Dereg() error
}

// CompChannel is a completion-event channel.
type CompChannel interface {
	// GetEvent blocks until a completion event arrives and returns the
	// CQ it belongs to.
	GetEvent() (CQ, error)

	// FD returns the channel's file descriptor for external polling.
	FD() (int, error)

	// Close destroys the channel.
	Close() error
}

// CQ is a completion queue.
type CQ interface {
	// ReqNotify arms the CQ for the next completion event.
	ReqNotify() error

	// Poll drains up to len(wc) completions into wc and returns the
	// number retrieved.
	Poll(wc []WorkCompletion) (int, error)

	// Ack acknowledges n completion events received from the channel.
	Ack(n int)

	// Destroy releases the CQ.
	Destroy() error
}

// SRQ is a shared receive queue.
type SRQ interface {
	// PostRecv posts a receive. A nil mr posts a zero-length receive
	// carrying only the work-request id.
	PostRecv(wrID uint64, mr MR, offset, length uint64) error

	// Destroy releases the SRQ.
	Destroy() error
}

// QP is a queue pair.
type QP interface {
	// PostSend posts one send-side work request.
	PostSend(wr SendWR) error

	// PostRecv posts a receive. A nil mr posts a zero-length receive
	// carrying only the work-request id.
	PostRecv(wrID uint64, mr MR, offset, length uint64) error

	// Destroy releases the QP.
	Destroy() error
}

// QPInitAttr carries queue-pair creation attributes.
type QPInitAttr struct {
	// SendCQ receives send-side completions. Required.
	SendCQ CQ

	// RecvCQ receives receive-side completions. Nil means SendCQ carries
	// both directions.
	RecvCQ CQ

	// SRQ, when non-nil, replaces the private receive queue.
	SRQ SRQ

	// SQSize and RQSize bound the send and receive queues.
	SQSize int
	RQSize int

	// AtomicWrite requests the native atomic-write send operation on
	// the queue pair.
	AtomicWrite bool
}

// -------------------------------------------------------------------------
// Connection Manager
// -------------------------------------------------------------------------

// CMEventType classifies CM events.
type CMEventType uint8

const (
	// EventConnectRequest announces an incoming connection on a
	// listening identifier. The event carries the new identifier.
	EventConnectRequest CMEventType = iota + 1

	// EventEstablished reports a completed connect/accept handshake.
	EventEstablished

	// EventDisconnected reports a local or remote disconnect.
	EventDisconnected

	// EventRejected reports that the remote side rejected the request.
	EventRejected

	// EventConnectError reports a failed establishment attempt.
	EventConnectError

	// EventUnreachable reports that the remote side cannot be reached.
	EventUnreachable
)

// String returns the human-readable name of the event type.
func (t CMEventType) String() string {
	switch t {
	case EventConnectRequest:
		return "ConnectRequest"
	case EventEstablished:
		return "Established"
	case EventDisconnected:
		return "Disconnected"
	case EventRejected:
		return "Rejected"
	case EventConnectError:
		return "ConnectError"
	case EventUnreachable:
		return "Unreachable"
	default:
		return "Unknown"
	}
}

// CMEvent is one connection-manager event. Events must be acknowledged
// exactly once; the identifier the event belongs to is blocked from
// destruction until then.
type CMEvent struct {
	// Type classifies the event.
	Type CMEventType

	// ID is the identifier the event belongs to. For EventConnectRequest
	// this is the newly created identifier of the incoming connection.
	ID CMID

	// PrivateData is the opaque payload carried by connection-request
	// and established events. Nil when the event carries none.
	PrivateData []byte

	ack func()
}

// NewCMEvent builds an event with the given acknowledge hook. Providers
// call this; the library only consumes events.
func NewCMEvent(t CMEventType, id CMID, pdata []byte, ack func()) *CMEvent {
	return &CMEvent{Type: t, ID: id, PrivateData: pdata, ack: ack}
}

// Ack acknowledges the event. Safe to call once.
func (e *CMEvent) Ack() {
	if e.ack != nil {
		e.ack()
		e.ack = nil
	}
}

// EventChannel is a CM event channel.
type EventChannel interface {
	// GetEvent blocks until the next CM event arrives.
	GetEvent() (*CMEvent, error)

	// FD returns the channel's file descriptor for external polling.
	FD() (int, error)

	// Close destroys the channel.
	Close() error
}

// CMID is a connection-manager identifier.
type CMID interface {
	// Context returns the device context attached to the identifier.
	// Nil until address resolution (outgoing) or creation from a
	// connect-request event (incoming).
	Context() Context

	// ResolveAddr resolves the destination address and binds a local
	// device to the identifier.
	ResolveAddr(addr, port string, timeoutMs int) error

	// ResolveRoute resolves the route to the destination.
	ResolveRoute(timeoutMs int) error

	// CreateQP creates the identifier's queue pair on pd.
	CreateQP(pd PD, attr QPInitAttr) (QP, error)

	// QP returns the identifier's queue pair, nil before CreateQP.
	QP() QP

	// DestroyQP destroys the identifier's queue pair.
	DestroyQP() error

	// Bind binds the identifier to a local address and port prior to
	// listening.
	Bind(addr, port string) error

	// Listen starts listening with the given backlog.
	Listen(backlog int) error

	// Connect initiates establishment, shipping pdata to the remote
	// side. Completion is reported on the event channel.
	Connect(pdata []byte) error

	// Accept accepts an incoming request, shipping pdata back.
	Accept(pdata []byte) error

	// Reject rejects an incoming request without private data.
	Reject() error

	// Disconnect tears down an established connection.
	Disconnect() error

	// MigrateTo re-binds the identifier to a different event channel.
	// Pending events follow the identifier.
	MigrateTo(ch EventChannel) error

	// Destroy releases the identifier.
	Destroy() error
}

// -------------------------------------------------------------------------
// Errno Classification
// -------------------------------------------------------------------------

// IsNoMem reports whether err is the provider's out-of-memory refusal.
func IsNoMem(err error) bool {
	var errno unix.Errno
	return errors.As(err, &errno) && errno == unix.ENOMEM
}

// IsNotSupported reports whether err is the provider's out-of-capability
// refusal (the trigger for the on-demand-paging registration retry).
func IsNotSupported(err error) bool {
	var errno unix.Errno
	return errors.As(err, &errno) && errno == unix.EOPNOTSUPP
}

// IsAgain reports whether err is the provider's transient-retry errno
// (an armed channel read that returned without an event).
func IsAgain(err error) bool {
	var errno unix.Errno
	return errors.As(err, &errno) && (errno == unix.EAGAIN || errno == unix.EWOULDBLOCK)
}

// ErrnoOf extracts the provider errno from err, or 0 when err carries none.
func ErrnoOf(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}
