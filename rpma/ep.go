package rpma

import (
	"fmt"
	"sync"

	"github.com/dantte-lp/gorpma/verbs"
)

// -------------------------------------------------------------------------
// Endpoint
// -------------------------------------------------------------------------

// listenBacklog is the backlog passed to the provider's listen; zero
// selects the provider default.
const listenBacklog = 0

// Endpoint listens for incoming connection requests at an address. Each
// accepted listen event yields a ConnReq that the caller either
// connects or closes (which rejects the remote side).
type Endpoint struct {
	peer *Peer
	id   verbs.CMID
	evch verbs.EventChannel

	mu        sync.Mutex
	listening bool
	closed    bool
}

// Listen binds addr:port and starts listening for incoming connection
// requests.
func (p *Peer) Listen(addr, port string) (*Endpoint, error) {
	if addr == "" || port == "" {
		return nil, fmt.Errorf("listen: empty address or port: %w", ErrInval)
	}

	evch, err := p.prov.CreateEventChannel()
	if err != nil {
		return nil, providerErr("create event channel", err)
	}

	id, err := p.prov.CreateID(evch)
	if err != nil {
		p.unwind(evch.Close, "destroy event channel")
		return nil, providerErr("create CM identifier", err)
	}

	if err := id.Bind(addr, port); err != nil {
		p.unwind(id.Destroy, "destroy CM identifier")
		p.unwind(evch.Close, "destroy event channel")
		return nil, providerErr("bind address", err)
	}

	if err := id.Listen(listenBacklog); err != nil {
		p.unwind(id.Destroy, "destroy CM identifier")
		p.unwind(evch.Close, "destroy event channel")
		return nil, providerErr("listen", err)
	}

	return &Endpoint{peer: p, id: id, evch: evch, listening: true}, nil
}

// NextConnReq blocks for the next incoming connection request and
// returns it half-formed, with the configuration applied to its queues.
// A nil cfg means DefaultConnConfig.
func (ep *Endpoint) NextConnReq(cfg *ConnConfig) (*ConnReq, error) {
	ep.mu.Lock()
	listening := ep.listening
	ep.mu.Unlock()
	if !listening {
		return nil, fmt.Errorf("next connection request: %w", ErrNotListening)
	}

	ev, err := ep.evch.GetEvent()
	if err != nil {
		if verbs.IsAgain(err) {
			return nil, fmt.Errorf("next connection request: %w", ErrNoEvent)
		}
		return nil, providerErr("get listen event", err)
	}

	if ev.Type != verbs.EventConnectRequest {
		ev.Ack()
		return nil, fmt.Errorf("next connection request: %s event: %w",
			ev.Type, ErrUnhandledEvent)
	}

	req, err := NewConnReqFromEvent(ep.peer, ev, cfg)
	if err != nil {
		// The half-open remote side would otherwise hang until timeout.
		ep.peer.unwind(ev.ID.Reject, "reject connection")
		ev.Ack()
		return nil, err
	}
	return req, nil
}

// FD returns the listen event channel's file descriptor for callers
// that bound their waits by polling externally.
func (ep *Endpoint) FD() (int, error) {
	fd, err := ep.evch.FD()
	if err != nil {
		return -1, providerErr("get event channel fd", err)
	}
	return fd, nil
}

// Close shuts the endpoint down: the listening identifier first, then
// the event channel. Both steps run; the first error wins. Closing an
// already-closed endpoint is a no-op success.
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	ep.listening = false
	ep.mu.Unlock()

	var err error
	if derr := ep.id.Destroy(); derr != nil {
		err = providerErr("destroy CM identifier", derr)
	}
	if cerr := ep.evch.Close(); cerr != nil && err == nil {
		err = providerErr("destroy event channel", cerr)
	}
	return err
}
