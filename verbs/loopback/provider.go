// Package loopback is an in-process implementation of the verbs provider
// interfaces. Connections are paired through a process-local rendezvous,
// memory regions are backed by byte slices, and work requests complete
// synchronously at post time. It exists so the library, its tests, and
// the example programs can run end-to-end without an RNIC.
package loopback

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/gorpma/verbs"
)

// regionGap pads synthetic base addresses so off-by-one arithmetic in a
// caller lands outside every region instead of inside the next one.
const regionGap = 0x1000

// baseAddrStart is the first synthetic region base address. Nonzero so a
// zero remote address never aliases a valid region.
const baseAddrStart = 0x100000

// Option configures a Provider.
type Option func(*Provider)

// WithTransport sets the reported transport family.
func WithTransport(t verbs.Transport) Option {
	return func(p *Provider) { p.attr.Transport = t }
}

// WithOnDemandPaging sets the reported on-demand-paging capability.
func WithOnDemandPaging(odp bool) Option {
	return func(p *Provider) { p.attr.OnDemandPaging = odp }
}

// WithAtomicWrite sets the reported native atomic-write capability.
func WithAtomicWrite(aw bool) Option {
	return func(p *Provider) { p.attr.AtomicWrite = aw }
}

// WithNativeFlush sets the reported native flush capability.
func WithNativeFlush(f bool) Option {
	return func(p *Provider) { p.attr.Flush = f }
}

// Provider is the in-process provider. It models a single RDMA device;
// every textual address resolves to it.
type Provider struct {
	mu        sync.Mutex
	attr      verbs.DeviceAttr
	ctx       *devContext
	listeners map[string]*cmID
	regions   map[uint32]*memRegion
	nextRKey  uint32
	nextAddr  uint64

	// regMRErrs is a FIFO of errors injected into upcoming RegMR calls.
	regMRErrs []error
}

// New creates a Provider. The default device reports RoCE transport and
// no optional capabilities.
func New(opts ...Option) *Provider {
	p := &Provider{
		attr:      verbs.DeviceAttr{Transport: verbs.TransportRoCE},
		listeners: make(map[string]*cmID),
		regions:   make(map[uint32]*memRegion),
		nextRKey:  1,
		nextAddr:  baseAddrStart,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// InjectRegMRError queues err to be returned by the next RegMR call.
// Repeated calls queue in FIFO order. Test hook.
func (p *Provider) InjectRegMRError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regMRErrs = append(p.regMRErrs, err)
}

// OpenDevice resolves any textual address to the provider's single device.
func (p *Provider) OpenDevice(addr string) (verbs.Context, error) {
	if addr == "" {
		return nil, unix.EINVAL
	}
	return p.device(), nil
}

// CreateEventChannel creates a CM event channel.
func (p *Provider) CreateEventChannel() (verbs.EventChannel, error) {
	return newEventChannel(), nil
}

// CreateID creates a CM identifier bound to ch. A nil channel leaves the
// identifier in synchronous mode; events buffer until a migration.
func (p *Provider) CreateID(ch verbs.EventChannel) (verbs.CMID, error) {
	id := &cmID{prov: p}
	if ch != nil {
		ec, ok := ch.(*eventChannel)
		if !ok {
			return nil, unix.EINVAL
		}
		id.evch = ec
	}
	return id, nil
}

func (p *Provider) device() *devContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		p.ctx = &devContext{prov: p}
	}
	return p.ctx
}

func (p *Provider) takeRegMRErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.regMRErrs) == 0 {
		return nil
	}
	err := p.regMRErrs[0]
	p.regMRErrs = p.regMRErrs[1:]
	return err
}

func (p *Provider) addRegion(mr *memRegion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mr.rkey = p.nextRKey
	p.nextRKey++
	mr.base = p.nextAddr
	p.nextAddr += uint64(len(mr.buf)) + regionGap
	p.regions[mr.rkey] = mr
}

func (p *Provider) dropRegion(rkey uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.regions, rkey)
}

func (p *Provider) lookupRegion(rkey uint32) *memRegion {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.regions[rkey]
}

func (p *Provider) addListener(key string, id *cmID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.listeners[key]; busy {
		return unix.EADDRINUSE
	}
	p.listeners[key] = id
	return nil
}

func (p *Provider) dropListener(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.listeners, key)
}

func (p *Provider) lookupListener(key string) *cmID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listeners[key]
}

// -------------------------------------------------------------------------
// Device Context & Protection Domain
// -------------------------------------------------------------------------

type devContext struct {
	prov *Provider
}

func (c *devContext) QueryDevice() (verbs.DeviceAttr, error) {
	return c.prov.attr, nil
}

func (c *devContext) AllocPD() (verbs.PD, error) {
	return &protDomain{prov: c.prov}, nil
}

func (c *devContext) CreateCompChannel() (verbs.CompChannel, error) {
	return newCompChannel(), nil
}

func (c *devContext) CreateCQ(depth int, ch verbs.CompChannel) (verbs.CQ, error) {
	if depth <= 0 {
		return nil, unix.EINVAL
	}
	cq := &complQueue{depth: depth}
	if ch != nil {
		cc, ok := ch.(*compChannel)
		if !ok {
			return nil, unix.EINVAL
		}
		cq.ch = cc
	}
	return cq, nil
}

type protDomain struct {
	prov      *Provider
	destroyed bool
}

func (pd *protDomain) RegMR(buf []byte, access verbs.Access) (verbs.MR, error) {
	if len(buf) == 0 {
		return nil, unix.EINVAL
	}
	if err := pd.prov.takeRegMRErr(); err != nil {
		return nil, err
	}
	mr := &memRegion{prov: pd.prov, buf: buf, access: access}
	pd.prov.addRegion(mr)
	return mr, nil
}

func (pd *protDomain) CreateSRQ(depth int) (verbs.SRQ, error) {
	if depth <= 0 {
		return nil, unix.EINVAL
	}
	return &sharedRQ{depth: depth}, nil
}

func (pd *protDomain) Dealloc() error {
	if pd.destroyed {
		return unix.EINVAL
	}
	pd.destroyed = true
	return nil
}

// -------------------------------------------------------------------------
// Memory Region
// -------------------------------------------------------------------------

type memRegion struct {
	prov     *Provider
	buf      []byte
	base     uint64
	rkey     uint32
	access   verbs.Access
	deregged bool
}

func (mr *memRegion) Addr() uint64   { return mr.base }
func (mr *memRegion) Length() uint64 { return uint64(len(mr.buf)) }
func (mr *memRegion) LKey() uint32   { return mr.rkey }
func (mr *memRegion) RKey() uint32   { return mr.rkey }

// Access reports the access mask the region was registered with.
// Test introspection; not part of the verbs interface.
func (mr *memRegion) Access() verbs.Access { return mr.access }

func (mr *memRegion) Dereg() error {
	if mr.deregged {
		return unix.EINVAL
	}
	mr.deregged = true
	mr.prov.dropRegion(mr.rkey)
	return nil
}

// slice returns the region bytes at [addr, addr+length) where addr is a
// synthetic remote address. Returns nil when out of bounds.
func (mr *memRegion) slice(addr, length uint64) []byte {
	if addr < mr.base {
		return nil
	}
	off := addr - mr.base
	if off+length > uint64(len(mr.buf)) {
		return nil
	}
	return mr.buf[off : off+length]
}
