package rpma

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dantte-lp/gorpma/verbs"
)

// -------------------------------------------------------------------------
// Connection Request
// -------------------------------------------------------------------------

// ConnReq is a half-formed connection: an outgoing request produced by
// Peer.NewConnReq, or an incoming one produced by Endpoint.NextConnReq.
// It owns a CM identifier, the connection's completion queues, and the
// flush resource, all of which transfer to the Connection on Connect.
//
// A request is consumed by Connect — on success and on failure alike —
// after which only Close is legal, and Close on a consumed request is a
// no-op success.
type ConnReq struct {
	peer     *Peer
	cfg      ConnConfig
	id       verbs.CMID
	cq       *CQ
	rcq      *CQ
	ownRCQ   bool
	flush    flusher
	incoming bool
	event    *verbs.CMEvent
	pdata    []byte
	consumed bool
}

// NewConnReq starts an outgoing connection toward addr:port: it
// resolves the destination address and route, creates the completion
// queues, the flush resource, and the queue pair, and returns the
// request ready for Connect.
//
// A nil cfg means DefaultConnConfig. Any failure unwinds the resources
// acquired so far in reverse order; unwind failures are logged through
// the peer's sink and never mask the primary error.
func (p *Peer) NewConnReq(addr, port string, cfg *ConnConfig) (*ConnReq, error) {
	if addr == "" || port == "" {
		return nil, fmt.Errorf("new connection request: empty address or port: %w", ErrInval)
	}
	conf := DefaultConnConfig()
	if cfg != nil {
		conf = *cfg
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}

	id, err := p.prov.CreateID(nil)
	if err != nil {
		return nil, providerErr("create CM identifier", err)
	}

	if err := id.ResolveAddr(addr, port, conf.timeoutMs()); err != nil {
		p.unwind(id.Destroy, "destroy CM identifier")
		return nil, providerErr("resolve address", err)
	}
	if err := id.ResolveRoute(conf.timeoutMs()); err != nil {
		p.unwind(id.Destroy, "destroy CM identifier")
		return nil, providerErr("resolve route", err)
	}

	req, err := p.buildConnReq(id, conf)
	if err != nil {
		p.unwind(id.Destroy, "destroy CM identifier")
		return nil, err
	}
	return req, nil
}

// NewConnReqFromEvent builds an incoming connection request from a
// connect-request CM event, capturing any private data shipped with it.
// No address or route resolution occurs; the event's identifier already
// carries a device context.
//
// Events of any other kind are refused with ErrInval.
func NewConnReqFromEvent(p *Peer, ev *verbs.CMEvent, cfg *ConnConfig) (*ConnReq, error) {
	if p == nil || ev == nil {
		return nil, fmt.Errorf("connection request from event: nil argument: %w", ErrInval)
	}
	if ev.Type != verbs.EventConnectRequest {
		return nil, fmt.Errorf("connection request from event: %s event: %w", ev.Type, ErrInval)
	}
	conf := DefaultConnConfig()
	if cfg != nil {
		conf = *cfg
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}

	req, err := p.buildConnReq(ev.ID, conf)
	if err != nil {
		return nil, err
	}
	req.incoming = true
	req.event = ev
	if len(ev.PrivateData) > 0 {
		req.pdata = append([]byte(nil), ev.PrivateData...)
	}
	return req, nil
}

// buildConnReq creates the resources shared by both request variants:
// the main CQ, the receive CQ (owned, or borrowed from the configured
// SRQ), the flush resource, and the queue pair, in that order, with
// reverse unwind on failure.
func (p *Peer) buildConnReq(id verbs.CMID, cfg ConnConfig) (*ConnReq, error) {
	ctx := id.Context()
	if ctx == nil {
		return nil, fmt.Errorf("build connection request: identifier has no device: %w",
			ErrUnknown)
	}

	cq, err := newCQ(ctx, cfg.CQSize, nil)
	if err != nil {
		return nil, err
	}

	var rcq *CQ
	ownRCQ := false
	switch {
	case cfg.SRQ != nil && cfg.SRQ.rcq != nil:
		rcq = cfg.SRQ.rcq
	case cfg.RCQSize > 0:
		var shared verbs.CompChannel
		if cfg.SharedCompChannel {
			shared = cq.ch
		}
		rcq, err = newCQ(ctx, cfg.RCQSize, shared)
		if err != nil {
			p.unwind(cq.Close, "destroy completion queue")
			return nil, err
		}
		ownRCQ = true
	}

	fl, err := newFlush(p)
	if err != nil {
		if ownRCQ {
			p.unwind(rcq.Close, "destroy receive completion queue")
		}
		p.unwind(cq.Close, "destroy completion queue")
		return nil, err
	}

	var srq *SRQ
	if cfg.SRQ != nil {
		srq = cfg.SRQ
	}
	if err := p.setupQP(id, cq, rcq, srq, cfg); err != nil {
		p.unwind(fl.close, "release flush resource")
		if ownRCQ {
			p.unwind(rcq.Close, "destroy receive completion queue")
		}
		p.unwind(cq.Close, "destroy completion queue")
		return nil, err
	}

	return &ConnReq{
		peer:   p,
		cfg:    cfg,
		id:     id,
		cq:     cq,
		rcq:    rcq,
		ownRCQ: ownRCQ,
		flush:  fl,
	}, nil
}

// PrivateData returns the private data captured from the incoming
// connect-request event, nil for outgoing requests.
func (req *ConnReq) PrivateData() []byte {
	return req.pdata
}

// Recv posts a receive on the half-formed connection, before
// establishment completes. Receives posted here are matched once the
// remote side starts sending, closing the window in which an early
// message would find no receive. A nil dst posts a zero-length receive
// carrying only the work-request id.
func (req *ConnReq) Recv(dst *LocalMR, offset, length uint64, wrID uint64) error {
	if req.consumed {
		return fmt.Errorf("pre-post receive: request already consumed: %w", ErrInval)
	}
	if dst == nil && (offset != 0 || length != 0) {
		return fmt.Errorf("pre-post receive: nil region with nonzero window: %w", ErrInval)
	}
	if dst != nil && offset+length > dst.Length() {
		return fmt.Errorf("pre-post receive: window outside region: %w", ErrInval)
	}

	var provMR verbs.MR
	if dst != nil {
		provMR = dst.mr
	}
	if err := req.id.QP().PostRecv(wrID, provMR, offset, length); err != nil {
		return providerErr("pre-post receive", err)
	}
	return nil
}

// Connect promotes the request into a Connection, shipping pdata to the
// remote side: an incoming request is accepted, an outgoing request is
// migrated onto a fresh event channel and connected.
//
// The request is consumed whether Connect succeeds or fails; a
// subsequent Close is a no-op success. On failure every resource held
// by the request is released.
func (req *ConnReq) Connect(pdata []byte) (*Conn, error) {
	if req.consumed {
		return nil, fmt.Errorf("connect: request already consumed: %w", ErrInval)
	}
	req.consumed = true

	if req.incoming {
		return req.accept(pdata)
	}
	return req.dial(pdata)
}

// accept completes an incoming request: accept on the identifier,
// construct the Connection, acknowledge the originating CM event last.
func (req *ConnReq) accept(pdata []byte) (*Conn, error) {
	if err := req.id.Accept(pdata); err != nil {
		perr := providerErr("accept connection", err)
		req.teardown()
		req.event.Ack()
		return nil, perr
	}

	conn, err := newConn(req)
	if err != nil {
		req.teardown()
		req.event.Ack()
		return nil, err
	}

	req.event.Ack()
	return conn, nil
}

// dial completes an outgoing request: construct the Connection (which
// migrates the identifier onto its own event channel), then connect.
func (req *ConnReq) dial(pdata []byte) (*Conn, error) {
	conn, err := newConn(req)
	if err != nil {
		req.teardown()
		return nil, err
	}

	if err := req.id.Connect(pdata); err != nil {
		perr := providerErr("connect", err)
		req.peer.unwind(conn.Close, "destroy connection")
		return nil, perr
	}
	return conn, nil
}

// Close abandons a request without connecting: the queue pair, the
// owned completion queues, and the identifier are released; an incoming
// request additionally rejects the remote side and acknowledges the
// originating event. Failures at intermediate steps are collected and
// do not abort the remaining steps.
//
// Close on a consumed request returns nil.
func (req *ConnReq) Close() error {
	if req.consumed {
		return nil
	}
	req.consumed = true

	err := req.teardownQP()

	if terr := req.teardownCQs(); err == nil {
		err = terr
	}
	if ferr := req.flush.close(); err == nil {
		err = ferr
	}

	if req.incoming {
		if rerr := req.id.Reject(); rerr != nil && err == nil {
			err = providerErr("reject connection", rerr)
		}
		req.event.Ack()
	} else {
		if derr := req.id.Destroy(); derr != nil && err == nil {
			err = providerErr("destroy CM identifier", derr)
		}
	}
	return err
}

// teardown releases everything the request holds after a failed
// connect; errors are logged, the primary error stays with the caller.
func (req *ConnReq) teardown() {
	req.peer.unwind(req.teardownQP, "destroy queue pair")
	req.peer.unwind(req.teardownCQs, "destroy completion queues")
	req.peer.unwind(req.flush.close, "release flush resource")
	req.peer.unwind(req.id.Destroy, "destroy CM identifier")
}

func (req *ConnReq) teardownQP() error {
	if err := req.id.DestroyQP(); err != nil {
		return providerErr("destroy queue pair", err)
	}
	return nil
}

func (req *ConnReq) teardownCQs() error {
	var err error
	if req.ownRCQ {
		err = req.rcq.Close()
	}
	if cerr := req.cq.Close(); err == nil {
		err = cerr
	}
	return err
}

// unwind runs a best-effort release step, logging a failure instead of
// letting it mask the primary error.
func (p *Peer) unwind(step func() error, what string) {
	if err := step(); err != nil && !errors.Is(err, ErrInval) {
		p.logger.Warn("unwind step failed",
			slog.String("step", what),
			slog.String("error", err.Error()),
		)
	}
}
