package rpma

import (
	"fmt"
	"log/slog"

	"github.com/dantte-lp/gorpma/verbs"
)

// -------------------------------------------------------------------------
// Peer
// -------------------------------------------------------------------------

// Peer owns a protection domain bound to one device context and acts as
// the factory for memory registrations, queue pairs, and shared receive
// queues. It is immutable after construction and safe to share across
// goroutines.
//
// The peer must outlive every object created through it; destroying it
// while a dependent resource lives is a caller error the library does
// not detect.
type Peer struct {
	prov   verbs.Provider
	ctx    verbs.Context
	pd     verbs.PD
	attr   verbs.DeviceAttr
	logger *slog.Logger
}

// PeerOption configures a Peer at construction.
type PeerOption func(*Peer)

// WithLogger sets the sink for the peer's event records. Defaults to
// slog.Default().
func WithLogger(logger *slog.Logger) PeerOption {
	return func(p *Peer) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPeer creates a peer from an opened device context.
//
// Device capabilities (on-demand paging, native atomic write, native
// flush, transport type) are probed once here and cached: they determine
// registration access masks and queue-pair attributes for the lifetime
// of the peer.
func NewPeer(prov verbs.Provider, ctx verbs.Context, opts ...PeerOption) (*Peer, error) {
	if prov == nil || ctx == nil {
		return nil, fmt.Errorf("new peer: nil provider or device context: %w", ErrInval)
	}

	attr, err := ctx.QueryDevice()
	if err != nil {
		return nil, providerErr("query device", err)
	}

	pd, err := ctx.AllocPD()
	if err != nil {
		return nil, providerErr("allocate protection domain", err)
	}

	p := &Peer{
		prov:   prov,
		ctx:    ctx,
		pd:     pd,
		attr:   attr,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Close releases the protection domain. It must be called last, after
// every memory region, queue pair, and shared receive queue created
// through the peer has been released.
func (p *Peer) Close() error {
	if err := p.pd.Dealloc(); err != nil {
		return providerErr("deallocate protection domain", err)
	}
	return nil
}

// Transport returns the transport family of the peer's device.
func (p *Peer) Transport() verbs.Transport {
	return p.attr.Transport
}

// -------------------------------------------------------------------------
// Usage to Access Translation
// -------------------------------------------------------------------------

// usageToAccess derives the registration access mask from the declared
// usage and the transport type.
//
// Flush usages require local write because the software-emulated flush
// reads into a local bounce buffer, and the native flush requires the
// equivalent placement right on the target. Write destinations also set
// local write, which some providers demand for remotely writable
// regions. On iWARP, read responses are placed with the remote-write
// machinery, so a read destination additionally needs remote write.
func usageToAccess(usage Usage, transport verbs.Transport) verbs.Access {
	var access verbs.Access

	if usage&(UsageReadDst|UsageWriteSrc|UsageRecv|
		UsageFlushVisibility|UsageFlushPersistent) != 0 {
		access |= verbs.AccessLocalWrite
	}
	if usage&UsageReadSrc != 0 {
		access |= verbs.AccessRemoteRead
	}
	if usage&(UsageWriteDst|UsageAtomicWriteDst) != 0 {
		access |= verbs.AccessRemoteWrite | verbs.AccessLocalWrite
	}
	if transport == verbs.TransportIWARP && usage&UsageReadDst != 0 {
		access |= verbs.AccessRemoteWrite
	}

	return access
}

// registerMR registers buf with the access mask derived from usage.
//
// An out-of-capability refusal is retried once with the on-demand-paging
// flag added, if and only if the device reported on-demand-paging
// support; the rest of the mask is preserved.
func (p *Peer) registerMR(buf []byte, usage Usage) (verbs.MR, error) {
	access := usageToAccess(usage, p.attr.Transport)

	mr, err := p.pd.RegMR(buf, access)
	if err == nil {
		return mr, nil
	}

	if verbs.IsNotSupported(err) && p.attr.OnDemandPaging {
		mr, err = p.pd.RegMR(buf, access|verbs.AccessOnDemand)
		if err == nil {
			return mr, nil
		}
	}

	return nil, providerErr("register memory region", err)
}

// setupQP creates the queue pair for a connection request. The native
// atomic-write send operation is requested whenever the device reports
// the capability.
func (p *Peer) setupQP(id verbs.CMID, cq, rcq *CQ, srq *SRQ, cfg ConnConfig) error {
	attr := verbs.QPInitAttr{
		SendCQ:      cq.cq,
		SQSize:      cfg.SQSize,
		RQSize:      cfg.RQSize,
		AtomicWrite: p.attr.AtomicWrite,
	}
	if rcq != nil {
		attr.RecvCQ = rcq.cq
	}
	if srq != nil {
		attr.SRQ = srq.srq
	}

	if _, err := id.CreateQP(p.pd, attr); err != nil {
		return providerErr("create queue pair", err)
	}
	return nil
}
