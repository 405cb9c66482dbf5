package loopback

import (
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/gorpma/verbs"
)

// -------------------------------------------------------------------------
// CM Event Channel
// -------------------------------------------------------------------------

type eventChannel struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*verbs.CMEvent
	closed bool
}

func newEventChannel() *eventChannel {
	ch := &eventChannel{}
	ch.cond = sync.NewCond(&ch.mu)
	return ch
}

func (ch *eventChannel) push(ev *verbs.CMEvent) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.queue = append(ch.queue, ev)
	ch.cond.Signal()
}

func (ch *eventChannel) GetEvent() (*verbs.CMEvent, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for len(ch.queue) == 0 && !ch.closed {
		ch.cond.Wait()
	}
	if len(ch.queue) == 0 {
		return nil, unix.EBADF
	}
	ev := ch.queue[0]
	ch.queue = ch.queue[1:]
	return ev, nil
}

// FD is not supported: the loopback channel has no file descriptor.
func (ch *eventChannel) FD() (int, error) {
	return -1, unix.EOPNOTSUPP
}

func (ch *eventChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return unix.EINVAL
	}
	ch.closed = true
	ch.cond.Broadcast()
	return nil
}

// -------------------------------------------------------------------------
// CM Identifier
// -------------------------------------------------------------------------

type cmID struct {
	prov *Provider

	mu        sync.Mutex
	ctx       *devContext
	evch      *eventChannel
	pending   []*verbs.CMEvent
	qp        *queuePair
	remote    *cmID
	pdata     []byte
	listenKey string
	destKey   string
	listening bool
	connected bool
	destroyed bool
}

// deliver hands ev to the identifier's event channel, or buffers it until
// a migration attaches one. Mirrors the provider's behavior of queuing
// events for identifiers in synchronous mode.
func (id *cmID) deliver(ev *verbs.CMEvent) {
	id.mu.Lock()
	ch := id.evch
	if ch == nil {
		id.pending = append(id.pending, ev)
		id.mu.Unlock()
		return
	}
	id.mu.Unlock()
	ch.push(ev)
}

func (id *cmID) Context() verbs.Context {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.ctx == nil {
		return nil
	}
	return id.ctx
}

func (id *cmID) ResolveAddr(addr, port string, timeoutMs int) error {
	if addr == "" || port == "" {
		return unix.EINVAL
	}
	if timeoutMs < 0 {
		return unix.EINVAL
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.destroyed {
		return unix.EINVAL
	}
	id.ctx = id.prov.device()
	id.destKey = net.JoinHostPort(addr, port)
	return nil
}

func (id *cmID) ResolveRoute(timeoutMs int) error {
	if timeoutMs < 0 {
		return unix.EINVAL
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.ctx == nil {
		return unix.EINVAL
	}
	return nil
}

func (id *cmID) CreateQP(pd verbs.PD, attr verbs.QPInitAttr) (verbs.QP, error) {
	if _, ok := pd.(*protDomain); !ok || attr.SendCQ == nil {
		return nil, unix.EINVAL
	}
	sendCQ, ok := attr.SendCQ.(*complQueue)
	if !ok {
		return nil, unix.EINVAL
	}
	qp := &queuePair{
		prov:        id.prov,
		id:          id,
		sendCQ:      sendCQ,
		rqDepth:     attr.RQSize,
		atomicWrite: attr.AtomicWrite,
	}
	if attr.RecvCQ != nil {
		rcq, rok := attr.RecvCQ.(*complQueue)
		if !rok {
			return nil, unix.EINVAL
		}
		qp.recvCQ = rcq
	} else {
		qp.recvCQ = sendCQ
	}
	if attr.SRQ != nil {
		srq, sok := attr.SRQ.(*sharedRQ)
		if !sok {
			return nil, unix.EINVAL
		}
		qp.srq = srq
	}
	if attr.AtomicWrite && !id.prov.attr.AtomicWrite {
		return nil, unix.EOPNOTSUPP
	}

	id.mu.Lock()
	defer id.mu.Unlock()
	if id.qp != nil {
		return nil, unix.EINVAL
	}
	id.qp = qp
	return qp, nil
}

func (id *cmID) QP() verbs.QP {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.qp == nil {
		return nil
	}
	return id.qp
}

func (id *cmID) DestroyQP() error {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.qp == nil {
		return unix.EINVAL
	}
	id.qp.destroy()
	id.qp = nil
	return nil
}

func (id *cmID) Bind(addr, port string) error {
	if addr == "" || port == "" {
		return unix.EINVAL
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.destroyed {
		return unix.EINVAL
	}
	id.ctx = id.prov.device()
	id.listenKey = net.JoinHostPort(addr, port)
	return nil
}

func (id *cmID) Listen(backlog int) error {
	id.mu.Lock()
	key := id.listenKey
	id.mu.Unlock()
	if key == "" {
		return unix.EINVAL
	}
	if err := id.prov.addListener(key, id); err != nil {
		return err
	}
	id.mu.Lock()
	id.listening = true
	id.mu.Unlock()
	return nil
}

func (id *cmID) Connect(pdata []byte) error {
	id.mu.Lock()
	if id.destroyed || id.connected {
		id.mu.Unlock()
		return unix.EINVAL
	}
	destKey := id.destKey
	id.mu.Unlock()

	listener := id.prov.lookupListener(destKey)
	if listener == nil {
		// No acceptor at the destination: establishment fails
		// asynchronously, as on a real fabric.
		id.deliver(verbs.NewCMEvent(verbs.EventUnreachable, id, nil, nil))
		return nil
	}

	incoming := &cmID{prov: id.prov, ctx: id.prov.device(), remote: id}
	incoming.pdata = cloneBytes(pdata)

	id.mu.Lock()
	id.remote = incoming
	id.mu.Unlock()

	listener.deliver(verbs.NewCMEvent(
		verbs.EventConnectRequest, incoming, cloneBytes(pdata), nil))
	return nil
}

func (id *cmID) Accept(pdata []byte) error {
	id.mu.Lock()
	peer := id.remote
	if id.destroyed || peer == nil {
		id.mu.Unlock()
		return unix.EINVAL
	}
	id.connected = true
	id.mu.Unlock()

	peer.mu.Lock()
	peer.connected = true
	peer.mu.Unlock()

	peer.deliver(verbs.NewCMEvent(
		verbs.EventEstablished, peer, cloneBytes(pdata), nil))
	id.deliver(verbs.NewCMEvent(verbs.EventEstablished, id, nil, nil))
	return nil
}

func (id *cmID) Reject() error {
	id.mu.Lock()
	peer := id.remote
	if id.destroyed || peer == nil || id.connected {
		id.mu.Unlock()
		return unix.EINVAL
	}
	id.remote = nil
	id.mu.Unlock()

	peer.mu.Lock()
	peer.remote = nil
	peer.mu.Unlock()

	peer.deliver(verbs.NewCMEvent(verbs.EventRejected, peer, nil, nil))
	return nil
}

func (id *cmID) Disconnect() error {
	id.mu.Lock()
	peer := id.remote
	wasConnected := id.connected
	id.connected = false
	id.mu.Unlock()

	if !wasConnected {
		return nil
	}

	id.deliver(verbs.NewCMEvent(verbs.EventDisconnected, id, nil, nil))
	if peer != nil {
		peer.mu.Lock()
		peerConnected := peer.connected
		peer.connected = false
		peer.mu.Unlock()
		if peerConnected {
			peer.deliver(verbs.NewCMEvent(verbs.EventDisconnected, peer, nil, nil))
		}
	}
	return nil
}

func (id *cmID) MigrateTo(ch verbs.EventChannel) error {
	ec, ok := ch.(*eventChannel)
	if !ok {
		return unix.EINVAL
	}
	id.mu.Lock()
	pending := id.pending
	id.pending = nil
	id.evch = ec
	id.mu.Unlock()

	for _, ev := range pending {
		ec.push(ev)
	}
	return nil
}

func (id *cmID) Destroy() error {
	id.mu.Lock()
	if id.destroyed {
		id.mu.Unlock()
		return unix.EINVAL
	}
	id.destroyed = true
	listening := id.listening
	key := id.listenKey
	id.mu.Unlock()

	if listening {
		id.prov.dropListener(key)
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
