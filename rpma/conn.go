package rpma

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dantte-lp/gorpma/verbs"
)

// -------------------------------------------------------------------------
// Connection Events
// -------------------------------------------------------------------------

// ConnEvent is an observable connection state change delivered by
// Conn.NextEvent.
type ConnEvent uint8

const (
	// ConnUndefined is reported for CM events the library does not
	// translate.
	ConnUndefined ConnEvent = iota

	// ConnEstablished reports a completed handshake. Private data
	// received from the remote side becomes readable afterwards.
	ConnEstablished

	// ConnClosed reports a local or remote disconnect. Terminal: only
	// Close is legal afterwards.
	ConnClosed

	// ConnLost reports a failed establishment attempt.
	ConnLost

	// ConnRejected reports that the remote side rejected the request.
	ConnRejected

	// ConnUnreachable reports that the remote side cannot be reached.
	ConnUnreachable
)

// String returns the human-readable name of the event.
func (e ConnEvent) String() string {
	switch e {
	case ConnUndefined:
		return "Undefined"
	case ConnEstablished:
		return "Established"
	case ConnClosed:
		return "Closed"
	case ConnLost:
		return "Lost"
	case ConnRejected:
		return "Rejected"
	case ConnUnreachable:
		return "Unreachable"
	default:
		return "Unknown"
	}
}

// -------------------------------------------------------------------------
// Connection
// -------------------------------------------------------------------------

// Conn is a fully established RDMA channel. It owns the CM identifier,
// the completion queues built with its connection request, the flush
// resource, and its private event channel.
//
// The data path (Read, Write, AtomicWrite, Send, Recv, Flush) may be
// driven concurrently with the event path (NextEvent, Disconnect), but
// concurrent data-path calls on the same connection are not safe.
type Conn struct {
	peer   *Peer
	id     verbs.CMID
	evch   verbs.EventChannel
	cq     *CQ
	rcq    *CQ
	ownRCQ bool
	flush  flusher
	logger *slog.Logger

	mu          sync.Mutex
	pdata       []byte
	directWrite bool
	closed      bool
}

// newConn promotes a connection request: it creates the connection's
// event channel and migrates the identifier onto it, so establishment
// events are delivered to this connection alone.
func newConn(req *ConnReq) (*Conn, error) {
	evch, err := req.peer.prov.CreateEventChannel()
	if err != nil {
		return nil, providerErr("create event channel", err)
	}
	if err := req.id.MigrateTo(evch); err != nil {
		req.peer.unwind(evch.Close, "destroy event channel")
		return nil, providerErr("migrate CM identifier", err)
	}

	return &Conn{
		peer:   req.peer,
		id:     req.id,
		evch:   evch,
		cq:     req.cq,
		rcq:    req.rcq,
		ownRCQ: req.ownRCQ,
		flush:  req.flush,
		logger: req.peer.logger,
		pdata:  req.pdata,
	}, nil
}

// NextEvent blocks for the next connection event, acknowledges the
// underlying CM event, and returns its translation. On ConnEstablished
// the private data shipped by the remote side is transferred into the
// connection's readable slot.
//
// CM events with no library meaning yield ConnUndefined with
// ErrUnhandledEvent.
func (c *Conn) NextEvent() (ConnEvent, error) {
	ev, err := c.evch.GetEvent()
	if err != nil {
		if verbs.IsAgain(err) {
			return ConnUndefined, fmt.Errorf("next connection event: %w", ErrNoEvent)
		}
		return ConnUndefined, providerErr("get connection event", err)
	}
	defer ev.Ack()

	switch ev.Type {
	case verbs.EventEstablished:
		if len(ev.PrivateData) > 0 {
			c.mu.Lock()
			c.pdata = append([]byte(nil), ev.PrivateData...)
			c.mu.Unlock()
		}
		return ConnEstablished, nil
	case verbs.EventDisconnected:
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		return ConnClosed, nil
	case verbs.EventRejected:
		return ConnRejected, nil
	case verbs.EventConnectError:
		return ConnLost, nil
	case verbs.EventUnreachable:
		return ConnUnreachable, nil
	default:
		c.logger.Warn("unhandled CM event",
			slog.String("event", ev.Type.String()),
		)
		return ConnUndefined, fmt.Errorf("next connection event: %s: %w",
			ev.Type, ErrUnhandledEvent)
	}
}

// PrivateData returns the private data received from the remote side:
// captured with the connect-request event for a connection built from
// an incoming request, or transferred by NextEvent on ConnEstablished.
// Nil when none arrived.
func (c *Conn) PrivateData() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pdata
}

// ApplyRemotePeerCfg adopts the remote peer's declared capabilities.
// Currently this is the direct-to-persistence support consulted by the
// software-emulated persistent flush at issue time.
func (c *Conn) ApplyRemotePeerCfg(cfg PeerCfg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.directWrite = cfg.DirectWriteToPmem
}

// Disconnect initiates teardown. Calling it after a ConnClosed event
// has been observed is a no-op success.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	if err := c.id.Disconnect(); err != nil {
		return providerErr("disconnect", err)
	}
	return nil
}

// CQ returns the connection's main completion queue.
func (c *Conn) CQ() *CQ {
	return c.cq
}

// RCQ returns the connection's receive completion queue: owned, or
// borrowed from the bound SRQ. Nil when receive completions land on the
// main CQ.
func (c *Conn) RCQ() *CQ {
	return c.rcq
}

// Close releases the connection: queue pair, flush resource, owned
// completion queues (receive CQ first), CM identifier, event channel.
// Failures at intermediate steps are collected; every step runs and the
// first error is returned after all of them complete.
func (c *Conn) Close() error {
	var err error
	if qerr := c.id.DestroyQP(); qerr != nil {
		err = providerErr("destroy queue pair", qerr)
	}
	if ferr := c.flush.close(); ferr != nil && err == nil {
		err = ferr
	}
	if c.ownRCQ {
		if rerr := c.rcq.Close(); rerr != nil && err == nil {
			err = rerr
		}
	}
	if cerr := c.cq.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if derr := c.id.Destroy(); derr != nil && err == nil {
		err = providerErr("destroy CM identifier", derr)
	}
	if eerr := c.evch.Close(); eerr != nil && err == nil {
		err = providerErr("destroy event channel", eerr)
	}
	return err
}

// -------------------------------------------------------------------------
// Data Path
// -------------------------------------------------------------------------

// qp fetches the connection's queue pair, refusing once teardown has
// destroyed it.
func (c *Conn) qp() (verbs.QP, error) {
	qp := c.id.QP()
	if qp == nil {
		return nil, fmt.Errorf("queue pair already destroyed: %w", ErrInval)
	}
	return qp, nil
}

// Read initiates a transfer of length bytes from the remote region at
// src+srcOffset into the local region at dst+dstOffset. A nil dst posts
// a zero-length read (dstOffset and length must be zero), which is
// useful purely for its ordering effect.
func (c *Conn) Read(dst *LocalMR, dstOffset uint64, src *RemoteMR, srcOffset, length uint64,
	flags CompletionFlags, wrID uint64) error {

	if src == nil {
		return fmt.Errorf("read: nil source region: %w", ErrInval)
	}
	if dst == nil && (dstOffset != 0 || length != 0) {
		return fmt.Errorf("read: nil destination with nonzero window: %w", ErrInval)
	}
	if dst != nil && dstOffset+length > dst.Length() {
		return fmt.Errorf("read: window outside destination region: %w", ErrInval)
	}
	if srcOffset+length > src.length {
		return fmt.Errorf("read: window outside source region: %w", ErrInval)
	}

	wr := verbs.SendWR{
		WRID:        wrID,
		Opcode:      verbs.OpRead,
		Flags:       sendFlags(flags),
		LocalOffset: dstOffset,
		Length:      length,
		RemoteAddr:  src.addr + srcOffset,
		RKey:        src.rkey,
	}
	if dst != nil {
		wr.Local = dst.mr
	}
	qp, err := c.qp()
	if err != nil {
		return err
	}
	if err := qp.PostSend(wr); err != nil {
		return providerErr("post read", err)
	}
	return nil
}

// Write initiates a transfer of length bytes from the local region at
// src+srcOffset into the remote region at dst+dstOffset.
func (c *Conn) Write(dst *RemoteMR, dstOffset uint64, src *LocalMR, srcOffset, length uint64,
	flags CompletionFlags, wrID uint64) error {

	if dst == nil || src == nil {
		return fmt.Errorf("write: nil region: %w", ErrInval)
	}
	if srcOffset+length > src.Length() {
		return fmt.Errorf("write: window outside source region: %w", ErrInval)
	}
	if dstOffset+length > dst.length {
		return fmt.Errorf("write: window outside destination region: %w", ErrInval)
	}

	qp, err := c.qp()
	if err != nil {
		return err
	}
	err = qp.PostSend(verbs.SendWR{
		WRID:        wrID,
		Opcode:      verbs.OpWrite,
		Flags:       sendFlags(flags),
		Local:       src.mr,
		LocalOffset: srcOffset,
		Length:      length,
		RemoteAddr:  dst.addr + dstOffset,
		RKey:        dst.rkey,
	})
	if err != nil {
		return providerErr("post write", err)
	}
	return nil
}

// atomicWriteAlign is the required destination alignment and payload
// size of an atomic write.
const atomicWriteAlign = 8

// AtomicWrite atomically places the 8-byte src at dst+dstOffset, which
// must be 8-byte aligned. Requires the peer's native atomic-write
// capability.
func (c *Conn) AtomicWrite(dst *RemoteMR, dstOffset uint64, src []byte,
	flags CompletionFlags, wrID uint64) error {

	if dst == nil || len(src) != atomicWriteAlign {
		return fmt.Errorf("atomic write: need a remote region and an 8-byte source: %w",
			ErrInval)
	}
	if dstOffset%atomicWriteAlign != 0 {
		return fmt.Errorf("atomic write: destination offset not 8-byte aligned: %w", ErrInval)
	}
	if dstOffset+atomicWriteAlign > dst.length {
		return fmt.Errorf("atomic write: window outside destination region: %w", ErrInval)
	}
	if !c.peer.attr.AtomicWrite {
		return fmt.Errorf("atomic write: no native support on this device: %w", ErrNoSupp)
	}

	qp, err := c.qp()
	if err != nil {
		return err
	}
	err = qp.PostSend(verbs.SendWR{
		WRID:       wrID,
		Opcode:     verbs.OpAtomicWrite,
		Flags:      sendFlags(flags),
		Length:     atomicWriteAlign,
		RemoteAddr: dst.addr + dstOffset,
		RKey:       dst.rkey,
		Inline:     src,
	})
	if err != nil {
		return providerErr("post atomic write", err)
	}
	return nil
}

// Send ships length bytes from the local region at src+offset to the
// remote side's posted receive. A nil src sends a zero-length message
// (offset and length must be zero).
func (c *Conn) Send(src *LocalMR, offset, length uint64,
	flags CompletionFlags, wrID uint64) error {
	return c.send(src, offset, length, flags, wrID, 0, false)
}

// SendWithImm is Send with a 32-bit immediate value delivered in the
// remote receive completion.
func (c *Conn) SendWithImm(src *LocalMR, offset, length uint64, imm uint32,
	flags CompletionFlags, wrID uint64) error {
	return c.send(src, offset, length, flags, wrID, imm, true)
}

func (c *Conn) send(src *LocalMR, offset, length uint64,
	flags CompletionFlags, wrID uint64, imm uint32, immValid bool) error {

	if src == nil && (offset != 0 || length != 0) {
		return fmt.Errorf("send: nil region with nonzero window: %w", ErrInval)
	}
	if src != nil && offset+length > src.Length() {
		return fmt.Errorf("send: window outside region: %w", ErrInval)
	}

	wr := verbs.SendWR{
		WRID:        wrID,
		Opcode:      verbs.OpSend,
		Flags:       sendFlags(flags),
		LocalOffset: offset,
		Length:      length,
		Imm:         imm,
		ImmValid:    immValid,
	}
	if src != nil {
		wr.Local = src.mr
	}
	qp, err := c.qp()
	if err != nil {
		return err
	}
	if err := qp.PostSend(wr); err != nil {
		return providerErr("post send", err)
	}
	return nil
}

// Recv posts a receive for the next message from the remote side,
// landing it in the local region at dst+offset. A nil dst posts a
// zero-length receive carrying only the work-request id. Receive
// completions are always generated; flags participates in validation
// only.
func (c *Conn) Recv(dst *LocalMR, offset, length uint64,
	flags CompletionFlags, wrID uint64) error {

	if flags > CompletionAlways {
		return fmt.Errorf("receive: invalid completion flags: %w", ErrInval)
	}
	if dst == nil && (offset != 0 || length != 0) {
		return fmt.Errorf("receive: nil region with nonzero window: %w", ErrInval)
	}
	if dst != nil && offset+length > dst.Length() {
		return fmt.Errorf("receive: window outside region: %w", ErrInval)
	}

	var provMR verbs.MR
	if dst != nil {
		provMR = dst.mr
	}
	qp, err := c.qp()
	if err != nil {
		return err
	}
	if err := qp.PostRecv(wrID, provMR, offset, length); err != nil {
		return providerErr("post receive", err)
	}
	return nil
}

// Flush guarantees completion of all previously posted writes to dst in
// the selected durability domain: visibility for subsequent remote
// reads, or persistence on the target media.
//
// With the software-emulated engine a persistent flush succeeds only if
// the remote peer's applied configuration declares direct-to-persistence
// support; otherwise ErrNoSupp is returned and no work request is
// issued. A visibility flush is always permitted.
func (c *Conn) Flush(dst *RemoteMR, offset, length uint64, ftype FlushType,
	flags CompletionFlags, wrID uint64) error {

	if dst == nil {
		return fmt.Errorf("flush: nil destination region: %w", ErrInval)
	}
	if ftype != FlushTypeVisibility && ftype != FlushTypePersistent {
		return fmt.Errorf("flush: invalid flush type: %w", ErrInval)
	}
	if offset+length > dst.length {
		return fmt.Errorf("flush: window outside destination region: %w", ErrInval)
	}

	c.mu.Lock()
	directWrite := c.directWrite
	c.mu.Unlock()

	qp, err := c.qp()
	if err != nil {
		return err
	}
	return c.flush.submit(qp, dst, offset, length, ftype, flags, wrID, directWrite)
}
